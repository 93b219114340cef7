package domain

import "time"

// QueueItem is one admitted-but-not-yet-dispatched request waiting for a
// server. Items age: EffectivePriority grows over time so a long-waiting
// low-priority item eventually outranks a freshly-admitted high-priority
// one, per spec.md §4.5.
type QueueItem struct {
	EnqueuedAt    time.Time
	LastBoostTime time.Time
	Request       *RequestContext
	Model         string
	Sequence      uint64
	Priority      RequestPriority
}

// EffectivePriority returns the item's priority boosted by how long it has
// waited. The boost is one priority point per agingInterval elapsed,
// capped so an ancient item can't out-starve everything indefinitely.
func (q *QueueItem) EffectivePriority(now time.Time, agingInterval time.Duration, maxBoost int) int {
	if agingInterval <= 0 {
		return int(q.Priority)
	}
	waited := now.Sub(q.EnqueuedAt)
	boost := int(waited / agingInterval)
	if boost > maxBoost {
		boost = maxBoost
	}
	return int(q.Priority) + boost
}
