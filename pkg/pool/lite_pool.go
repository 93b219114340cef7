// Package pool provides a typed object pool for the orchestrator's
// allocation-sensitive paths, chiefly the per-request dispatch scratch
// state that would otherwise be reallocated on every proxied call.
package pool

import "sync"

// Resettable is implemented by pooled values that must be zeroed before
// reuse. Put calls Reset automatically when the value implements it.
type Resettable interface {
	Reset()
}

// Pool wraps sync.Pool with a concrete element type so callers never
// touch an interface{} assertion. The constructor is validated once at
// build time, which is what makes the assertion inside Get safe.
type Pool[T any] struct {
	pool sync.Pool
	new  func() T
}

// NewLitePool builds a Pool around newFn. newFn must be non-nil and must
// never return a nil value; both are checked eagerly so a miswired pool
// fails at construction rather than mid-dispatch.
func NewLitePool[T any](newFn func() T) *Pool[T] {
	if newFn == nil {
		panic("pool: constructor must not be nil")
	}
	if any(newFn()) == nil {
		panic("pool: constructor returned nil")
	}

	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				v := newFn()
				if any(v) == nil {
					panic("pool: constructor returned nil")
				}
				return v
			},
		},
		new: newFn,
	}
}

func (p *Pool[T]) Get() T {
	//nolint:forcetypeassert // safe: the constructor is validated in NewLitePool
	return p.pool.Get().(T)
}

// Put returns v to the pool, resetting it first when it knows how.
func (p *Pool[T]) Put(v T) {
	if r, ok := any(v).(Resettable); ok {
		r.Reset()
	}
	p.pool.Put(v)
}
