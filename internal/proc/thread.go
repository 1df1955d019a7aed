// Package proc implements the process/thread model (component C8):
// address space ownership, the thread set, fd table, signal state, brk,
// and the mmap arena described in spec §3/§4.8.
//
// Grounded on biscuit's Tnote_t (tinfo/tinfo.go) for the thread-local
// note (Alive/Killed/Isdoomed, notify-on-exit condition) adapted from a
// goroutine-per-thread model to this kernel's one-future-per-thread
// cooperative model, and on defs/device.go's closed-enum discipline for
// the thread-state sum type. The process<->thread cyclic reference spec
// §9 calls out as needing a weak back-link is a plain pointer here:
// Go's tracing garbage collector reclaims reference cycles on its own,
// so the "weak handle" requirement (which exists in the source
// implementation to avoid a manual refcount cycle) has no analogue to
// encode explicitly — documented as an Open Question resolution in
// DESIGN.md.
package proc

import (
	"sync"

	"rvkernel/internal/accnt"
	"rvkernel/internal/hart"
	"rvkernel/internal/sv39"
	"rvkernel/internal/task"
)

// TID is a process-wide monotone, globally unique thread id.
type TID int64

// State is the closed set of thread states from spec §3/§4.8.
type State int

const (
	// Runnable: present in the scheduler's run set, not executing.
	Runnable State = iota
	// Running: claimed by exactly one hart (see Thread.CPU).
	Running
	// Waiting: has an attached future and/or is in a wait queue.
	Waiting
)

var tidCounter int64

func nextTID() TID {
	// A single global counter is simplest and matches spec's "TID:
	// process-wide monotone; thread IDs are globally unique" —
	// process-wide and globally unique collapse to the same counter
	// since thread ids never repeat across processes either.
	tidCounter++
	return TID(tidCounter)
}

// SignalAction is one entry of a thread's signal disposition table.
type SignalAction struct {
	Handler  uintptr // user PC, or 0/1 for SIG_DFL/SIG_IGN sentinels
	Mask     uint64
	Flags    uint64
	Restorer uintptr
}

// SignalState is the per-thread signal bookkeeping from spec §3/§4.12.
type SignalState struct {
	mu        sync.Mutex
	Pending   uint64
	Blocked   uint64
	Actions   [64]SignalAction
	AltStack  UserStack
	// RobustList is a stub: the core never walks it, it only stores the
	// pointer so get/set robust_list round-trips correctly.
	RobustList uintptr
}

// UserStack describes a sigaltstack(2) region.
type UserStack struct {
	SP    uintptr
	Flags int32
	Size  uintptr
}

// ResetToDefaults clears every installed handler and the blocked mask,
// called by execve (spec §4.12: "resets signal handlers to defaults").
// Pending signals are left intact: a signal raised just before execve
// is still delivered, now with its default action.
func (s *SignalState) ResetToDefaults() {
	s.mu.Lock()
	s.Blocked = 0
	s.Actions = [64]SignalAction{}
	s.mu.Unlock()
}

// Action returns the installed disposition for sig.
func (s *SignalState) Action(sig int) SignalAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Actions[sig]
}

// SetAction installs a new disposition for sig (rt_sigaction).
func (s *SignalState) SetAction(sig int, act SignalAction) {
	s.mu.Lock()
	s.Actions[sig] = act
	s.mu.Unlock()
}

// BlockedMask returns the current blocked-signal mask.
func (s *SignalState) BlockedMask() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Blocked
}

// Block adds mask's bits to the blocked set (SIG_BLOCK).
func (s *SignalState) Block(mask uint64) {
	s.mu.Lock()
	s.Blocked |= mask
	s.mu.Unlock()
}

// Unblock clears mask's bits from the blocked set (SIG_UNBLOCK).
func (s *SignalState) Unblock(mask uint64) {
	s.mu.Lock()
	s.Blocked &^= mask
	s.mu.Unlock()
}

// SetBlocked replaces the blocked set wholesale (SIG_SETMASK).
func (s *SignalState) SetBlocked(mask uint64) {
	s.mu.Lock()
	s.Blocked = mask
	s.mu.Unlock()
}

// AltStackInfo returns the current sigaltstack registration.
func (s *SignalState) AltStackInfo() UserStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AltStack
}

// SetAltStack installs a new alternate signal stack.
func (s *SignalState) SetAltStack(st UserStack) {
	s.mu.Lock()
	s.AltStack = st
	s.mu.Unlock()
}

// SetRobustList stores the robust-list head pointer.
func (s *SignalState) SetRobustList(p uintptr) {
	s.mu.Lock()
	s.RobustList = p
	s.mu.Unlock()
}

// RobustListPtr returns the stored robust-list head pointer.
func (s *SignalState) RobustListPtr() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.RobustList
}

// HasHandler reports whether sig currently has a user handler installed
// (neither SIG_DFL nor SIG_IGN).
func (s *SignalState) HasHandler(sig int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Actions[sig].Handler > 1
}

// HasDeliverable reports whether a pending, unblocked signal with a
// user handler exists, without consuming it. The scheduler uses it to
// interrupt a parked syscall future with EINTR so delivery can happen
// at the thread's next trap exit.
func (s *SignalState) HasDeliverable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	deliverable := s.Pending &^ s.Blocked
	for i := 0; i < 64; i++ {
		if deliverable&(1<<uint(i)) != 0 && s.Actions[i].Handler > 1 {
			return true
		}
	}
	return false
}

// Raise sets bit sig in the pending mask.
func (s *SignalState) Raise(sig int) {
	s.mu.Lock()
	s.Pending |= 1 << uint(sig)
	s.mu.Unlock()
}

// NextDeliverable returns the lowest-numbered pending, unblocked signal
// with a user handler installed, clearing it from Pending, or ok=false
// if none is deliverable right now.
func (s *SignalState) NextDeliverable() (sig int, act SignalAction, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deliverable := s.Pending &^ s.Blocked
	if deliverable == 0 {
		return 0, SignalAction{}, false
	}
	for i := 0; i < 64; i++ {
		if deliverable&(1<<uint(i)) == 0 {
			continue
		}
		if s.Actions[i].Handler > 1 {
			s.Pending &^= 1 << uint(i)
			return i, s.Actions[i], true
		}
	}
	return 0, SignalAction{}, false
}

// Thread is the kernel's schedulable unit (spec §3).
type Thread struct {
	TID  TID
	Proc *Process // back-link; see package doc re: "weak"

	mu     sync.Mutex
	frame  hart.TrapFrame
	pc     uint64
	state  State
	cpu    int // valid iff state == Running
	future task.Future
	dead   bool

	InKernel      bool
	NotifyOnExit  map[TID]bool
	Sig           SignalState
	ClearChildTID uintptr

	// SigFrame/SigPC hold the interrupted register state while a user
	// signal handler runs, restored by rt_sigreturn.
	SigFrame *hart.TrapFrame
	SigPC    uint64

	Acc accnt.Accnt

	wake task.WakeupGate
}

// NewThread allocates a thread with a fresh TID, owned by proc, starting
// Runnable with pc as its entry point and sp installed in the trap
// frame's stack-pointer register.
func NewThread(proc *Process, pc, sp uint64) *Thread {
	t := &Thread{
		TID:          nextTID(),
		Proc:         proc,
		pc:           pc,
		state:        Runnable,
		cpu:          -1,
		NotifyOnExit: make(map[TID]bool),
	}
	t.frame.GPRegs[hart.RegSP] = sp
	return t
}

// Frame implements hart.Runnable.
func (t *Thread) Frame() *hart.TrapFrame { return &t.frame }

// PC implements hart.Runnable.
func (t *Thread) PC() uint64 { return t.pc }

// SetPC updates the saved program counter (syscall completion advances
// it by 4; execve/signal delivery redirect it outright).
func (t *Thread) SetPC(pc uint64) { t.pc = pc }

// SaveFrame copies a hart's live trap frame into the thread's saved
// frame, used by the scheduler when switching an outgoing thread off a
// hart (spec §4.9 step 1).
func (t *Thread) SaveFrame(tf *hart.TrapFrame) { t.frame = *tf }

// Satp implements hart.Runnable: computes this thread's address space's
// satp encoding.
func (t *Thread) Satp(hartID int) uint64 {
	as := t.Proc.AS
	as.Activate(hartID)
	return sv39.SatpValue(as.Root())
}

// State returns the thread's current scheduling state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CPU returns the hart id this thread is Running on, or -1.
func (t *Thread) CPU() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cpu
}

// MarkRunning transitions Runnable -> Running{cpu}. Called only by the
// scheduler under the run-set lock (spec §4.8's atomic-transition
// invariant).
func (t *Thread) MarkRunning(cpu int) {
	t.mu.Lock()
	t.state = Running
	t.cpu = cpu
	t.mu.Unlock()
}

// MarkRunnable transitions Running -> Runnable (thread preempted back
// onto the tail of the run set) or Waiting -> Runnable (woken).
func (t *Thread) MarkRunnable() {
	t.mu.Lock()
	t.state = Runnable
	t.cpu = -1
	t.mu.Unlock()
}

// BeginWait arms the wakeup gate and transitions to Waiting, resolving
// the lost-wakeup hazard from spec §4.10: if Wake() already fired in the
// gap between a Pending poll and this call, the thread flips straight
// back to Runnable instead of sleeping forever.
func (t *Thread) BeginWait(onRunnable func(*Thread)) {
	t.mu.Lock()
	t.state = Waiting
	t.cpu = -1
	t.mu.Unlock()
	t.wake.Settle(runnableWaker{t: t, cb: onRunnable})
}

// ArmPendingWait must be called immediately before a future's Poll, so
// a wakeup firing between a Pending result and the later BeginWait is
// not lost (it is instead captured by the gate and replayed by Settle).
func (t *Thread) ArmPendingWait() { t.wake.ArmPending() }

// FireWake fires the thread's wakeup gate: a parked thread is woken
// immediately, and a thread still on its way into BeginWait has the
// wakeup recorded for Settle to replay. This is the Waker surface event
// sources reach a thread through (spec §4.10's lost-wakeup flag).
func (t *Thread) FireWake() { t.wake.Fire() }

// runnableWaker adapts a thread + scheduler callback to task.Waker.
type runnableWaker struct {
	t  *Thread
	cb func(*Thread)
}

func (w runnableWaker) Wake() {
	w.t.mu.Lock()
	already := w.t.state != Waiting
	w.t.mu.Unlock()
	if already {
		return
	}
	w.t.MarkRunnable()
	if w.cb != nil {
		w.cb(w.t)
	}
}

// AttachFuture stores f as the thread's pending syscall future (spec
// §3: "optional attached syscall future").
func (t *Thread) AttachFuture(f task.Future) {
	t.mu.Lock()
	t.future = f
	t.mu.Unlock()
}

// Future returns the attached future, or nil.
func (t *Thread) Future() task.Future {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.future
}

// DetachFuture clears the attached future without dropping it (the
// caller has already consumed its Ready result).
func (t *Thread) DetachFuture() {
	t.mu.Lock()
	t.future = nil
	t.mu.Unlock()
}

// Kill drops any attached future (releasing its wakers, spec §4.10
// cancellation) and marks the thread dead so the scheduler discards it
// instead of dispatching it the next time it surfaces in the run set.
func (t *Thread) Kill() {
	t.mu.Lock()
	f := t.future
	t.future = nil
	t.dead = true
	t.mu.Unlock()
	if f != nil {
		f.Drop()
	}
}

// Dead reports whether the thread has been killed or has exited; dead
// threads are never dispatched and any run-set entry for them is
// dropped on sight.
func (t *Thread) Dead() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dead
}
