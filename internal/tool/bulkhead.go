package tool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

type bulkhead struct {
	slots    *semaphore.Weighted
	maxQueue int64
	waiting  atomic.Int64
}

func newBulkhead(maxActive, maxQueue int) *bulkhead {
	return &bulkhead{slots: semaphore.NewWeighted(int64(maxActive)), maxQueue: int64(maxQueue)}
}

// acquire takes a slot, waiting in the queue when one is free. It returns
// false when the queue is full or ctx ends first.
func (b *bulkhead) acquire(ctx context.Context) bool {
	if b.slots.TryAcquire(1) {
		return true
	}
	if b.waiting.Add(1) > b.maxQueue {
		b.waiting.Add(-1)
		return false
	}
	defer b.waiting.Add(-1)
	return b.slots.Acquire(ctx, 1) == nil
}

func (b *bulkhead) release() { b.slots.Release(1) }
