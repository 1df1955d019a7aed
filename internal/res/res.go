// Package res provides non-blocking byte-budget admission control over
// golang.org/x/sync/semaphore, replacing the teacher's ad hoc
// bounds/resadd_noblock reservation pair with the ecosystem primitive.
// The kernel uses it to bound the memory pinned by queued-but-unread
// UDP datagrams: delivery that would exceed the budget is refused and
// the datagram dropped, which UDP permits.
package res

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Budget is a fixed pool of byte credits acquired without blocking.
type Budget struct {
	sem *semaphore.Weighted
}

// NewBudget builds a Budget of n bytes.
func NewBudget(n int64) *Budget {
	return &Budget{sem: semaphore.NewWeighted(n)}
}

// TryAcquire takes n bytes from the budget if they are available right
// now; it never blocks (kernel code must not suspend, spec §5).
func (b *Budget) TryAcquire(n int64) bool {
	return b.sem.TryAcquire(n)
}

// Release returns n bytes to the budget.
func (b *Budget) Release(n int64) {
	b.sem.Release(n)
}

// Acquire blocks until n bytes are available. Only for host-side tests
// and boot-time setup, never from trap context.
func (b *Budget) Acquire(ctx context.Context, n int64) error {
	return b.sem.Acquire(ctx, n)
}
