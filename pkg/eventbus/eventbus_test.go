package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// routeDecision stands in for the DecisionEvent stream the orchestrator
// publishes; any struct works, the bus is generic.
type routeDecision struct {
	Model    string
	ServerID string
	Seq      int
}

func TestEventBusBasicPubSub(t *testing.T) {
	bus := New[routeDecision]()
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, cleanup := bus.Subscribe(ctx)
	defer cleanup()

	sent := routeDecision{Model: "llama3", ServerID: "s1", Seq: 1}
	if delivered := bus.Publish(sent); delivered != 1 {
		t.Fatalf("expected delivery to 1 subscriber, got %d", delivered)
	}

	select {
	case got := <-events:
		if got != sent {
			t.Fatalf("expected %+v, got %+v", sent, got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := New[routeDecision]()
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const subscribers = 3
	var channels []<-chan routeDecision
	for i := 0; i < subscribers; i++ {
		ch, cleanup := bus.Subscribe(ctx)
		defer cleanup()
		channels = append(channels, ch)
	}

	if delivered := bus.Publish(routeDecision{Model: "m", ServerID: "s1"}); delivered != subscribers {
		t.Fatalf("expected delivery to %d subscribers, got %d", subscribers, delivered)
	}

	for i, ch := range channels {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestEventBusContextCancellationUnsubscribes(t *testing.T) {
	bus := New[routeDecision]()
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	events, _ := bus.Subscribe(ctx)

	cancel()
	time.Sleep(50 * time.Millisecond) // let the unsubscribe goroutine run

	if delivered := bus.Publish(routeDecision{Model: "m"}); delivered != 0 {
		t.Fatalf("expected no delivery after cancellation, got %d", delivered)
	}
	select {
	case ev, ok := <-events:
		if ok {
			t.Fatalf("unexpected event after unsubscribe: %+v", ev)
		}
	default:
		// channel stays open but silent - left to GC, never closed
	}
}

func TestEventBusBackpressureDropsInsteadOfBlocking(t *testing.T) {
	bus := NewWithConfig[routeDecision](EventBusConfig{
		BufferSize:      2,
		CleanupPeriod:   time.Hour, // keep the sweep out of this test
		InactiveTimeout: time.Hour,
	})
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, cleanup := bus.Subscribe(ctx)
	defer cleanup()

	// fill the subscriber's buffer, then one more
	bus.Publish(routeDecision{Seq: 1})
	bus.Publish(routeDecision{Seq: 2})
	if delivered := bus.Publish(routeDecision{Seq: 3}); delivered != 0 {
		t.Fatalf("expected overflow publish to drop, delivered %d", delivered)
	}

	if stats := bus.Stats(); stats.TotalDropped != 1 {
		t.Fatalf("expected 1 dropped event, got %d", stats.TotalDropped)
	}

	// the buffered events are intact
	for want := 1; want <= 2; want++ {
		select {
		case got := <-events:
			if got.Seq != want {
				t.Fatalf("expected seq %d, got %d", want, got.Seq)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out draining buffered events")
		}
	}
}

func TestEventBusConcurrentPublishSubscribe(t *testing.T) {
	bus := New[routeDecision]()
	defer bus.Shutdown()

	const publishers = 10
	const subscribers = 5
	const eventsPerPublisher = 100

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make([]int64, subscribers)
	var subWg sync.WaitGroup
	for i := 0; i < subscribers; i++ {
		events, cleanup := bus.Subscribe(ctx)
		defer cleanup()

		idx := i
		subWg.Add(1)
		go func() {
			defer subWg.Done()
			for {
				select {
				case <-events:
					atomic.AddInt64(&received[idx], 1)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	var pubWg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		pubWg.Add(1)
		go func(publisher int) {
			defer pubWg.Done()
			for j := 0; j < eventsPerPublisher; j++ {
				bus.Publish(routeDecision{ServerID: "s1", Seq: publisher*1000 + j})
			}
		}(i)
	}

	pubWg.Wait()
	time.Sleep(100 * time.Millisecond) // let subscribers drain
	cancel()
	subWg.Wait()

	for i, count := range received {
		if count == 0 {
			t.Errorf("subscriber %d received nothing", i)
		}
	}
}

func TestEventBusPublishAsync(t *testing.T) {
	bus := New[routeDecision]()
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, cleanup := bus.Subscribe(ctx)
	defer cleanup()

	done := make(chan struct{})
	go func() {
		bus.PublishAsync(routeDecision{Model: "m", Seq: 42})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PublishAsync blocked")
	}

	select {
	case got := <-events:
		if got.Seq != 42 {
			t.Fatalf("unexpected event %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("async event never arrived")
	}
}

func TestEventBusShutdown(t *testing.T) {
	bus := New[routeDecision]()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, cleanup := bus.Subscribe(ctx)
	defer cleanup()

	bus.Shutdown()

	if stats := bus.Stats(); !stats.IsShutdown {
		t.Fatal("expected stats to report shutdown")
	}
	if delivered := bus.Publish(routeDecision{}); delivered != 0 {
		t.Fatalf("expected publish on shut-down bus to deliver nothing, got %d", delivered)
	}

	// subscribing after shutdown yields an already-closed channel
	late, lateCleanup := bus.Subscribe(context.Background())
	defer lateCleanup()
	if _, ok := <-late; ok {
		t.Fatal("expected closed channel from post-shutdown Subscribe")
	}

	// the original channel is left open (never closed) but goes silent
	select {
	case ev, ok := <-events:
		if ok {
			t.Fatalf("unexpected event after shutdown: %+v", ev)
		}
	default:
	}

	bus.Shutdown() // second shutdown is a no-op
}

func TestEventBusStats(t *testing.T) {
	bus := New[routeDecision]()
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if stats := bus.Stats(); stats.TotalSubscribers != 0 {
		t.Fatalf("expected no subscribers initially, got %d", stats.TotalSubscribers)
	}

	_, cleanup1 := bus.Subscribe(ctx)
	_, cleanup2 := bus.Subscribe(ctx)
	defer cleanup2()

	if stats := bus.Stats(); stats.ActiveSubscribers != 2 {
		t.Fatalf("expected 2 active subscribers, got %d", stats.ActiveSubscribers)
	}

	cleanup1()
	time.Sleep(10 * time.Millisecond)

	if stats := bus.Stats(); stats.ActiveSubscribers != 1 {
		t.Fatalf("expected 1 active subscriber after cleanup, got %d", stats.ActiveSubscribers)
	}
}

func TestEventBusSweepRemovesStaleSubscribers(t *testing.T) {
	bus := NewWithConfig[routeDecision](EventBusConfig{
		BufferSize:      10,
		CleanupPeriod:   20 * time.Millisecond,
		InactiveTimeout: 1 * time.Millisecond,
	})
	defer bus.Shutdown()

	// never cancelled, never reads - only the staleness sweep can
	// remove this subscriber
	_, _ = bus.Subscribe(context.Background())

	if stats := bus.Stats(); stats.TotalSubscribers != 1 {
		t.Fatalf("expected 1 subscriber, got %d", stats.TotalSubscribers)
	}

	time.Sleep(100 * time.Millisecond) // a few sweep cycles

	if stats := bus.Stats(); stats.TotalSubscribers != 0 {
		t.Fatalf("expected the sweep to remove the stale subscriber, got %d", stats.TotalSubscribers)
	}
}

func BenchmarkEventBusPublish(b *testing.B) {
	bus := New[routeDecision]()
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 10; i++ {
		events, cleanup := bus.Subscribe(ctx)
		defer cleanup()
		go func() {
			for range events {
			}
		}()
	}

	ev := routeDecision{Model: "m", ServerID: "s1"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(ev)
	}
}
