package orchestrator

import (
	"context"
	"time"
)

// pollInterval backstops queue.Notify: aging can make a previously
// capacity-starved item dispatchable without any new enqueue/resume event
// firing a wake, so the loop also re-checks on a fixed cadence.
const pollInterval = 500 * time.Millisecond

// queueDispatchLoop drains admitted-but-waiting requests as candidate
// capacity frees up. It never calls the backend itself - resolving an
// Awaiter just unblocks the original Dispatch goroutine, which runs the
// normal pipeline from there.
func (o *Orchestrator) queueDispatchLoop(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-ctx.Done():
			return
		case <-o.queue.Notify():
		case <-ticker.C:
		}
		o.drainReady(ctx)
	}
}

// drainReady pops items until the queue goes dry or the next item isn't
// dispatchable yet, requeueing that one and stopping rather than spinning
// past it (items behind it in priority order can't be more ready than it
// is).
func (o *Orchestrator) drainReady(ctx context.Context) {
	for {
		handle, ok := o.queue.Dequeue()
		if !ok {
			return
		}
		item := handle.Item()
		if !o.hasCapacity(ctx, item.Model) {
			handle.Requeue()
			return
		}
		handle.Resolve()
	}
}
