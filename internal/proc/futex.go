package proc

import (
	"sync"

	"rvkernel/internal/task"
)

// futexTable is a per-process map from user word address to the gates of
// threads parked in FUTEX_WAIT on it. The table is keyed by user VA:
// this kernel supports futexes only between threads sharing an address
// space (CLONE_THREAD), so a VA names the word unambiguously.
//
// Adapted from the teacher's per-limit futex accounting (limits.go's
// Futexes counter guards the same table in biscuit); the wait/wake
// mechanics follow the WakeupGate idiom the rest of the kernel's
// conditions use.
type futexTable struct {
	mu sync.Mutex
	q  map[uintptr][]*task.WakeupGate
}

// FutexRegister parks gate on the word at va; the matching wake comes
// from FutexWake (FUTEX_WAKE or the clear_child_tid exit path).
func (p *Process) FutexRegister(va uintptr, gate *task.WakeupGate) {
	p.futex.mu.Lock()
	if p.futex.q == nil {
		p.futex.q = make(map[uintptr][]*task.WakeupGate)
	}
	p.futex.q[va] = append(p.futex.q[va], gate)
	p.futex.mu.Unlock()
}

// FutexUnregister removes gate from va's wait list (future dropped
// before the wake arrived).
func (p *Process) FutexUnregister(va uintptr, gate *task.WakeupGate) {
	p.futex.mu.Lock()
	defer p.futex.mu.Unlock()
	waiters := p.futex.q[va]
	for i, g := range waiters {
		if g == gate {
			p.futex.q[va] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

// FutexWake fires up to n gates waiting on va and returns how many were
// woken.
func (p *Process) FutexWake(va uintptr, n int) int {
	p.futex.mu.Lock()
	waiters := p.futex.q[va]
	woken := n
	if woken > len(waiters) {
		woken = len(waiters)
	}
	fire := waiters[:woken]
	p.futex.q[va] = waiters[woken:]
	p.futex.mu.Unlock()
	for _, g := range fire {
		g.Fire()
	}
	return woken
}

// ExitThread performs the thread-exit protocol from spec §4.8: zero the
// clear_child_tid user word and futex-wake one waiter on it, kill the
// thread (dropping any attached future), remove it from the thread set,
// and — when it was the last thread — record status, release a pending
// vfork parent, and tear the process down.
func (p *Process) ExitThread(t *Thread, status int32) {
	if t.ClearChildTID != 0 {
		p.zeroUserWord(t.ClearChildTID)
		p.FutexWake(t.ClearChildTID, 1)
	}
	t.Kill()
	Limits.Threads.Give()
	if p.RemoveThread(t.TID) {
		p.SetExitStatus(status)
		p.ReleaseVfork()
		p.Teardown()
	}
}

// zeroUserWord writes 8 zero bytes at va if it is mapped writable;
// failures are ignored (the exiting thread cannot observe them).
func (p *Process) zeroUserWord(va uintptr) {
	pa, ok := p.AS.TranslateUser(va, true)
	if !ok {
		return
	}
	b := p.Pages.Bytes(pa, 8)
	for i := range b {
		b[i] = 0
	}
}
