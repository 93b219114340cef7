// Package queue implements the priority request queue of spec.md §4.5:
// integer priorities with FIFO-within-priority ordering, aging-based
// priority boost, bounded admission, and pause/resume/drain.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/core/domain"
	"github.com/relaymesh/relay/internal/logger"
)

// Error is a queue-originated failure, carrying the typed ErrorKind the
// rest of the pipeline branches on.
type Error struct {
	Kind domain.ErrorKind
}

func (e *Error) Error() string { return string(e.Kind) }

var (
	ErrQueueFull    = &Error{Kind: domain.ErrorKindQueueFull}
	ErrQueueTimeout = &Error{Kind: domain.ErrorKindQueueTimeout}
	ErrCancelled    = &Error{Kind: domain.ErrorKindCancelled}
)

type result struct {
	item *domain.QueueItem
	err  error
}

// Awaiter is handed back from Enqueue; the caller blocks on Wait until the
// item is dequeued for dispatch, times out, or the caller's context is
// cancelled.
type Awaiter struct {
	ch chan result
}

func newAwaiter() *Awaiter {
	return &Awaiter{ch: make(chan result, 1)}
}

func (a *Awaiter) Wait(ctx context.Context) (*domain.QueueItem, error) {
	select {
	case r := <-a.ch:
		return r.item, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Awaiter) resolve(item *domain.QueueItem, err error) {
	select {
	case a.ch <- result{item: item, err: err}:
	default:
	}
}

// entry is the heap element: item plus the bookkeeping the queue needs
// that doesn't belong on the plain domain.QueueItem data type.
type entry struct {
	item     *domain.QueueItem
	awaiter  *Awaiter
	timer    *time.Timer
	index    int
	resolved bool
}

// entryHeap orders by priority descending, then by sequence ascending
// (FIFO within equal priority) - a stable max-heap.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority > h[j].item.Priority
	}
	return h[i].item.Sequence < h[j].item.Sequence
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Stats is the read-only snapshot returned by Stats().
type Stats struct {
	Queued   int
	InFlight int
	Paused   bool
}

// Queue is the bounded, aging, pausable priority queue of spec.md §4.5.
// A single mutex guards the heap; InFlight is tracked separately with an
// atomic counter since it's touched from the orchestrator's dispatch path,
// not just queue operations.
type Queue struct {
	cfg config.QueueConfig
	log *logger.StyledLogger
	now func() time.Time

	mu     sync.Mutex
	h      entryHeap
	paused bool
	seq    uint64

	inFlight atomic.Int64
	notify   chan struct{}

	agingStop chan struct{}
	agingDone chan struct{}
}

func New(cfg config.QueueConfig, log *logger.StyledLogger) *Queue {
	q := &Queue{
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		notify:    make(chan struct{}, 1),
		agingStop: make(chan struct{}),
		agingDone: make(chan struct{}),
	}
	heap.Init(&q.h)
	go q.agingLoop()
	return q
}

// Notify returns a channel signalled whenever an item becomes available to
// dequeue (enqueue, resume, or aging boost) - a dispatcher loop selects on
// it instead of busy-polling.
func (q *Queue) Notify() <-chan struct{} { return q.notify }

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue admits one item. It fails immediately with ErrQueueFull if the
// queue is already at maxSize; otherwise it returns an Awaiter the caller
// waits on for its turn (or a queue timeout).
func (q *Queue) Enqueue(ctx context.Context, item *domain.QueueItem) (*Awaiter, error) {
	q.mu.Lock()
	if len(q.h) >= q.cfg.MaxSize {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}

	q.seq++
	item.Sequence = q.seq
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now()
	}

	e := &entry{item: item, awaiter: newAwaiter()}
	heap.Push(&q.h, e)

	timeout := q.cfg.Timeout
	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() { q.expire(e) })
	}
	q.mu.Unlock()

	q.wake()
	return e.awaiter, nil
}

// expire fires when an item's queue timeout elapses; if it's still
// waiting, it's removed and its awaiter rejected with ErrQueueTimeout.
func (q *Queue) expire(e *entry) {
	q.mu.Lock()
	if e.resolved || e.index < 0 {
		q.mu.Unlock()
		return
	}
	heap.Remove(&q.h, e.index)
	e.resolved = true
	q.mu.Unlock()

	e.awaiter.resolve(nil, ErrQueueTimeout)
}

// Handle wraps a popped entry so the dispatcher can either confirm
// dispatch (Resolve) or put the item back unchanged (Requeue) when no
// candidate server currently has capacity.
type Handle struct {
	q *Queue
	e *entry
}

func (h *Handle) Item() *domain.QueueItem { return h.e.item }

// Resolve confirms the item was handed off for dispatch; the awaiter
// wakes with the item and a nil error.
func (h *Handle) Resolve() {
	h.q.mu.Lock()
	h.e.resolved = true
	if h.e.timer != nil {
		h.e.timer.Stop()
	}
	h.q.mu.Unlock()
	h.e.awaiter.resolve(h.e.item, nil)
}

// Requeue puts the item back into the heap at its current (possibly
// aged) priority - used when the dispatcher pops an item but finds no
// candidate has spare capacity yet.
func (h *Handle) Requeue() {
	q := h.q
	q.mu.Lock()
	heap.Push(&q.h, h.e)
	q.mu.Unlock()
}

// Dequeue pops the highest-(effective-priority, FIFO) item, or returns
// false if the queue is empty or paused.
func (q *Queue) Dequeue() (*Handle, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || len(q.h) == 0 {
		return nil, false
	}
	e := heap.Pop(&q.h).(*entry)
	return &Handle{q: q, e: e}, true
}

func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.wake()
}

// Drain blocks until both the queue and in-flight counters reach zero, or
// timeout elapses, returning whether it drained cleanly.
func (q *Queue) Drain(timeout time.Duration) bool {
	deadline := q.now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if q.size() == 0 && q.inFlight.Load() == 0 {
			return true
		}
		if timeout > 0 && q.now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}

func (q *Queue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Queued: len(q.h), InFlight: int(q.inFlight.Load()), Paused: q.paused}
}

// Items returns a copy-on-read snapshot of every currently waiting item,
// for status surfaces; mutating the returned slice never affects the
// queue.
func (q *Queue) Items() []*domain.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*domain.QueueItem, 0, len(q.h))
	for _, e := range q.h {
		item := *e.item
		out = append(out, &item)
	}
	return out
}

func (q *Queue) IncInFlight() { q.inFlight.Add(1) }
func (q *Queue) DecInFlight() { q.inFlight.Add(-1) }

// Stop halts the aging ticker goroutine. Safe to call once.
func (q *Queue) Stop() {
	close(q.agingStop)
	<-q.agingDone
}

// agingLoop applies spec.md §4.5's aging rule every PriorityBoostInterval:
// any item that has waited at least one full interval since its last
// boost has its priority raised by PriorityBoostAmount, capped at
// MaxPriority. The heap is reordered afterwards since priorities changed
// out from under it.
func (q *Queue) agingLoop() {
	defer close(q.agingDone)

	interval := q.cfg.PriorityBoostInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.agingStop:
			return
		case now := <-ticker.C:
			q.applyAging(now)
		}
	}
}

func (q *Queue) applyAging(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	boosted := false
	for _, e := range q.h {
		if e.item.LastBoostTime.IsZero() {
			e.item.LastBoostTime = e.item.EnqueuedAt
		}
		if now.Sub(e.item.LastBoostTime) < q.cfg.PriorityBoostInterval {
			continue
		}
		next := int(e.item.Priority) + q.cfg.PriorityBoostAmount
		if next > q.cfg.MaxPriority {
			next = q.cfg.MaxPriority
		}
		if next != int(e.item.Priority) {
			e.item.Priority = domain.RequestPriority(next)
			boosted = true
		}
		e.item.LastBoostTime = now
	}
	if boosted {
		heap.Init(&q.h)
		q.wake()
	}
}
