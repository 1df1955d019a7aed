// Package spinlock implements the kernel's two lowest-level concurrency
// primitives (spec component C1): a CAS-spin lock with a panic-time
// force-unlock escape hatch, and a runtime-initialized once cell.
//
// The teacher repo builds its kernel atop a hacked Go runtime that
// provides its own sync.Mutex, so no single file in the retrieved pack
// implements a bare CAS spinlock directly; this package is grounded on
// the *usage pattern* every teacher package relies on (embed a lock,
// Lock/Unlock around a critical section, sync.Mutex as the leaf
// primitive — see mem.Physmem_t, vm.Vm_t, accnt.Accnt_t) but is written
// against sync/atomic directly because the specification requires an
// explicit force_unlock operation for the panic path that sync.Mutex
// does not expose.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// Lock is a CAS-spin mutual-exclusion lock. Holding a Lock does not mask
// interrupts; code that runs in a trap handler is already non-preemptible
// on its hart, so such locks are documented "trap-safe" at their call
// sites rather than disabling interrupts themselves.
type Lock struct {
	state atomic.Uint32
}

const (
	unlocked = 0
	locked   = 1
)

// Acquire spins until the lock is taken.
func (l *Lock) Acquire() {
	for !l.state.CompareAndSwap(unlocked, locked) {
		runtime.Gosched()
	}
}

// TryAcquire attempts to take the lock without spinning. It reports
// whether it succeeded.
func (l *Lock) TryAcquire() bool {
	return l.state.CompareAndSwap(unlocked, locked)
}

// Release releases the lock with a release-store.
func (l *Lock) Release() {
	l.state.Store(unlocked)
}

// ForceUnlock unconditionally releases the lock. It exists only for the
// panic path (spec §5 "Panic handling": force-unlock the UART lock before
// printing) where the lock may be held by a hart that will never run
// again.
func (l *Lock) ForceUnlock() {
	l.state.Store(unlocked)
}

// Held reports whether the lock is currently taken. Diagnostic use only;
// never use this to decide whether to Acquire.
func (l *Lock) Held() bool {
	return l.state.Load() == locked
}

// Cell holds a value that is initialized exactly once, after which every
// caller observes the same pointer. A second Init call fails loudly: it
// is an invariant violation for kernel singletons (the page allocator,
// the heap, the run set, ...) to be initialized twice (spec §9 "Global
// mutable kernel singletons").
type Cell[T any] struct {
	initialized atomic.Bool
	value       *T
}

// Init sets the cell's value. It panics if called more than once.
func (c *Cell[T]) Init(v *T) {
	if !c.initialized.CompareAndSwap(false, true) {
		panic("spinlock: cell double-initialized")
	}
	c.value = v
}

// Get returns the cell's value. It panics if the cell has not been
// initialized, since pre-heap (or pre-allocator) code must never reach a
// singleton before boot wires it up.
func (c *Cell[T]) Get() *T {
	if !c.initialized.Load() {
		panic("spinlock: cell read before init")
	}
	return c.value
}

// Ready reports whether Init has run.
func (c *Cell[T]) Ready() bool {
	return c.initialized.Load()
}
