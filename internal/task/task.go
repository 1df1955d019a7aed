// Package task implements the kernel's async task runtime (component
// C10): a single-future-per-thread cooperative executor driven entirely
// from the scheduler's poll loop, with no ready-queue and no thread
// pool of its own.
//
// No file in the retrieved pack implements this directly — biscuit's
// syscalls block the underlying goroutine and let the hacked Go runtime
// park it, which is exactly the model spec §4.10 rules out (there is no
// such runtime here). The shape instead follows the *futures-are-state-
// machines-polled-with-a-waker* discipline common to the pack's async
// Rust-flavored comments in kernel/chentry.go and the condition-variable
// wait/notify idiom in circbuf.go's Cond-based backpressure, generalized
// to an explicit Poll method instead of blocking on a channel.
package task

import "rvkernel/internal/spinlock"

// Waker is a handle whose invocation marks its associated thread
// Runnable. Wakers are idempotent and must be safe to fire from
// interrupt context (spec §4.10).
type Waker interface {
	Wake()
}

// Result is what a Future yields once it becomes Ready.
type Result struct {
	Value int64
	Err   error
}

// Future is any object that, when polled with a waker, either completes
// with a Result or returns Pending, retaining enough state to be polled
// again later. Implementations must release any registered wakers when
// Drop is called (thread kill / future cancellation, spec §4.10).
type Future interface {
	// Poll attempts to make progress. ok=true means the future is Ready
	// and res is valid. ok=false means Pending; the future has (or will)
	// register w to be fired when it can next make progress.
	Poll(w Waker) (res Result, ok bool)
	// Drop releases any wakers or resources the future is holding. It is
	// called when the owning thread is killed or the future is replaced.
	Drop()
}

// WakeupGate resolves the lost-wakeup hazard described in spec §4.10: a
// waker may fire between a Poll returning Pending and the caller
// recording that the thread is now Waiting. Futures that register
// themselves with a condition use a WakeupGate instead of calling the
// Waker directly so a fire-before-wait is never lost.
//
// Usage: a future that is about to return Pending calls ArmPending; the
// condition's notifier calls Fire() whenever the event occurs. The
// scheduler, after observing Pending and before parking the thread,
// calls Settle(waker) to collect a wakeup that happened in the gap.
//
// Fire is reached from interrupt context on any hart (packet delivery,
// stdin bytes, futex wakes) while ArmPending/Settle run on the hart
// parking the thread, so the gate's state sits behind its own spinlock.
// Wakers are invoked with the lock released; they are idempotent and
// never re-enter the same gate.
type WakeupGate struct {
	mu      spinlock.Lock
	pending bool
	waker   Waker
}

// ArmPending records that the owner is about to wait and clears any
// stale pending-fire flag from a previous cycle.
func (g *WakeupGate) ArmPending() {
	g.mu.Acquire()
	g.pending = false
	g.waker = nil
	g.mu.Release()
}

// Fire marks the gate pending and, if a waker has already been
// registered via Settle, wakes it immediately; otherwise the wakeup is
// remembered for the next Settle call.
func (g *WakeupGate) Fire() {
	g.mu.Acquire()
	g.pending = true
	w := g.waker
	g.waker = nil
	g.mu.Release()
	if w != nil {
		w.Wake()
	}
}

// Settle is called immediately after a Pending Poll, before the caller
// transitions the thread to Waiting. If Fire already ran in the gap, the
// thread is woken right away (re-transitioned Runnable) instead of
// missing the event; otherwise w is remembered for the next Fire.
func (g *WakeupGate) Settle(w Waker) {
	g.mu.Acquire()
	if g.pending {
		g.pending = false
		g.mu.Release()
		w.Wake()
		return
	}
	g.waker = w
	g.mu.Release()
}
