// Package accnt implements per-thread/process CPU accounting
// ([SUPPLEMENT] in SPEC_FULL.md): user/system nanosecond counters
// updated by the scheduler on every context switch.
//
// Adapted directly from biscuit/src/accnt/accnt.go's Accnt_t: the
// wall-clock Now() hook is swapped for the kernel's own internal/clock
// tick source (clock.Now, in milliseconds) since this kernel has no
// hosted time.Now(), and To_rusage's little-endian encoding is kept
// verbatim because it is the exact wire shape getrusage(2) callers
// expect.
package accnt

import (
	"sync"

	"rvkernel/internal/clock"
	"rvkernel/internal/util"
)

// Accnt accumulates per-thread or per-process accounting information, in
// nanoseconds.
type Accnt struct {
	mu     sync.Mutex
	Userns int64
	Sysns  int64
}

func nowNanos() int64 {
	return int64(clock.Now()) * 1_000_000
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt) Utadd(delta int64) {
	a.mu.Lock()
	a.Userns += delta
	a.mu.Unlock()
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt) Systadd(delta int64) {
	a.mu.Lock()
	a.Sysns += delta
	a.mu.Unlock()
}

// Finish adds the nanoseconds elapsed since inttime to system time, the
// way the scheduler closes out a thread's slice at context-switch time.
func (a *Accnt) Finish(inttime int64) {
	a.Systadd(nowNanos() - inttime)
}

// Now returns the current accounting clock reading in nanoseconds, for
// callers bracketing a measured interval.
func Now() int64 { return nowNanos() }

// Fetch returns a consistent snapshot of the user/system counters.
func (a *Accnt) Fetch() (userns, sysns int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Userns, a.Sysns
}

// Add merges another record into this one (child accounting folded into
// parent on exit, matching wait4's rusage semantics).
func (a *Accnt) Add(n *Accnt) {
	n.mu.Lock()
	du, ds := n.Userns, n.Sysns
	n.mu.Unlock()
	a.mu.Lock()
	a.Userns += du
	a.Sysns += ds
	a.mu.Unlock()
}

// ToRusage encodes the accounting record as a struct rusage's two
// leading timeval fields (ru_utime, ru_stime); the remaining rusage
// fields this filesystem-less kernel never populates are left zero by
// the caller's buffer.
func (a *Accnt) ToRusage() []uint8 {
	a.mu.Lock()
	userns, sysns := a.Userns, a.Sysns
	a.mu.Unlock()

	ret := make([]uint8, 4*8)
	totv := func(nano int64) (int, int) {
		return int(nano / 1e9), int((nano % 1e9) / 1000)
	}
	off := 0
	s, us := totv(userns)
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	off += 8
	s, us = totv(sysns)
	util.Writen(ret, 8, off, s)
	off += 8
	util.Writen(ret, 8, off, us)
	return ret
}
