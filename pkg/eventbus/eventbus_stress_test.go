package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEventBusUnpacedPublishingStress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}
	bus := New[string]()

	ctx := context.Background()
	ch, cleanup := bus.Subscribe(ctx)
	defer cleanup()
	defer bus.Shutdown()

	var published, receivedCount atomic.Int64
	received := make(map[string]bool)
	var mu sync.Mutex

	const publishers = 10
	const eventsPerPublisher = 100

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event := <-ch:
				receivedCount.Add(1)
				mu.Lock()
				received[event] = true
				mu.Unlock()
			case <-done:
				return
			}
		}
	}()

	// publish flat out with no pacing - drops are expected, a stall or
	// deadlock is not
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(publisher int) {
			defer wg.Done()
			for i := 0; i < eventsPerPublisher; i++ {
				bus.PublishAsync(string(rune('A'+publisher)) + string(rune('0'+i)))
				published.Add(1)
			}
		}(p)
	}
	wg.Wait()

	time.Sleep(500 * time.Millisecond)
	close(done)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	unique := len(received)
	mu.Unlock()
	t.Logf("published=%d received=%d unique=%d", published.Load(), receivedCount.Load(), unique)

	minExpected := int64(float64(publishers*eventsPerPublisher) * 0.3)
	if receivedCount.Load() < minExpected {
		t.Errorf("expected at least %d events through under stress, got %d", minExpected, receivedCount.Load())
	}
}

func TestEventBusHighVolumePublishing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping high volume test in short mode")
	}
	bus := New[int]()
	defer bus.Shutdown()

	ctx := context.Background()
	ch, cleanup := bus.Subscribe(ctx)
	defer cleanup()

	var received atomic.Int64
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				received.Add(1)
			case <-done:
				return
			}
		}
	}()

	const totalEvents = 100000
	start := time.Now()
	for i := 0; i < totalEvents; i++ {
		bus.PublishAsync(i)
	}
	publishDuration := time.Since(start)

	time.Sleep(2 * time.Second)
	close(done)

	t.Logf("published %d in %v (%.0f/s), received %d",
		totalEvents, publishDuration,
		float64(totalEvents)/publishDuration.Seconds(), received.Load())

	// heavy drops are fine at this volume; a trickle would mean the
	// async workers never ran
	if received.Load() < 1000 {
		t.Errorf("expected at least 1000 of %d events delivered, got %d", totalEvents, received.Load())
	}
}

func TestEventBusManyConcurrentSubscribers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping concurrent subscribers test in short mode")
	}
	bus := New[int]()
	defer bus.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const subscribers = 50
	counts := make([]int64, subscribers)
	var wg sync.WaitGroup

	for i := 0; i < subscribers; i++ {
		ch, cleanup := bus.Subscribe(ctx)
		defer cleanup()

		idx := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ch:
					atomic.AddInt64(&counts[idx], 1)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	const totalEvents = 1000
	start := time.Now()
	for i := 0; i < totalEvents; i++ {
		bus.Publish(i)
	}
	t.Logf("published %d events to %d subscribers in %v", totalEvents, subscribers, time.Since(start))

	time.Sleep(500 * time.Millisecond)
	cancel()
	wg.Wait()

	for i, count := range counts {
		if count == 0 {
			t.Errorf("subscriber %d received nothing", i)
		}
	}
}
