package syscall

import (
	"rvkernel/internal/caller"
	"rvkernel/internal/errno"
	"rvkernel/internal/hart"
	"rvkernel/internal/klog"
	"rvkernel/internal/portmap"
	"rvkernel/internal/proc"
	"rvkernel/internal/sv39"
	"rvkernel/internal/task"
	"rvkernel/internal/ustr"
	"rvkernel/internal/udpsock"
)

// Handler is one syscall's cooperative implementation. It may complete
// synchronously (returning ok=true with a value/errno already decided)
// or suspend by attaching a task.Future to t and returning ok=false; the
// trap dispatcher (C6) takes care of leaving the saved PC at the ecall
// in the suspend case.
type Handler func(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (value int64, errv errno.Errno, ok bool)

// Dispatcher is the concrete implementation of trap.SyscallDispatcher:
// the number-indexed table plus every piece of global kernel state a
// handler in spec §4.12 might need to reach.
type Dispatcher struct {
	Table map[uint64]Handler

	// Ports is the global per-port UDP socket table (spec §6).
	Ports *portmap.Table[*udpsock.Socket]
	// Sender reaches the excluded network layer's send/ARP path.
	Sender udpsock.Sender
	// Programs is the embedded name->image table execve looks up
	// against (spec §4.12).
	Programs map[string][]byte
	// NewProcess constructs a fresh process (address space + kernel
	// mappings) for clone/execve; supplied by boot wiring so this
	// package does not need to import internal/sv39's KernelMapper
	// construction details directly.
	NewProcess func(name ustr.Ustr, parent proc.TID) (*proc.Process, error)
	// NewAS constructs a bare address space with the canonical kernel
	// mappings, for execve's image replacement.
	NewAS func() (*sv39.AddressSpace, error)

	// Log, when set, receives rate-limited diagnostics; Faults dedupes
	// repeated user-fault reports so one misbehaving program cannot
	// flood the console with an identical warning per ecall.
	Log    *klog.Logger
	Faults caller.DistinctCaller
}

// NewDispatcher builds a Dispatcher with every spec §4.12 handler
// registered.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{Table: make(map[uint64]Handler)}
	registerMem(d)
	registerIO(d)
	registerSleep(d)
	registerPoll(d)
	registerProc(d)
	registerNet(d)
	registerSignal(d)
	return d
}

// Dispatch implements trap.SyscallDispatcher. It looks up the handler
// for num, runs it, and either writes the synchronous result into the
// hart's live trap frame (the one sret restores from; the trap exit
// path copies it back into the thread) or leaves a future attached to t
// for the scheduler to poll.
func (d *Dispatcher) Dispatch(t *proc.Thread, ctx *hart.Context, num uint64, args [6]uint64) {
	h, found := d.Table[num]
	if !found {
		ctx.TrapFrame.SetA0(errno.ENOSYS.Negate())
		return
	}
	value, errv, ok := h(d, t, ctx, args)
	if !ok {
		// Handler attached a future via t.AttachFuture; nothing more to
		// do here, the scheduler will poll it.
		return
	}
	if errv != errno.Success {
		if errv == errno.EFAULT {
			d.noteUserFault(num, ctx)
		}
		ctx.TrapFrame.SetA0(errv.Negate())
		return
	}
	ctx.TrapFrame.SetA0(value)
}

// noteUserFault logs an EFAULT once per distinct kernel call chain, so
// the first bad-pointer report from a given validation path reaches the
// console and the thousandth does not.
func (d *Dispatcher) noteUserFault(num uint64, ctx *hart.Context) {
	if d.Log == nil {
		return
	}
	if fresh, stack := d.Faults.Distinct(); fresh {
		d.Log.Warnf("syscall %d: bad user pointer at pc=%#x\n%s", num, ctx.SavedPC, stack)
	}
}

// pollFutureNow is a convenience used by handlers that build a future
// and want to try completing it inline before suspending (spec §4.12's
// nanosleep/ppoll/wait4/recvfrom all do this): it polls f once with a
// waker bound to t, and either returns the synchronous result or
// attaches f to t and reports ok=false.
func pollFutureNow(t *proc.Thread, f task.Future) (int64, errno.Errno, bool) {
	// Arm the wakeup gate before polling so an event firing between a
	// Pending result and the scheduler's later BeginWait is captured and
	// replayed rather than lost (spec §4.10).
	t.ArmPendingWait()
	res, ready := f.Poll(threadWaker{t: t})
	if ready {
		f.Drop()
		if res.Err != nil {
			if e, ok2 := res.Err.(errno.Errno); ok2 {
				return 0, e, true
			}
			return 0, errno.EINVAL, true
		}
		return res.Value, errno.Success, true
	}
	t.AttachFuture(f)
	return 0, errno.Success, false
}

// threadWaker adapts a thread to task.Waker for a future's internal
// registration (e.g. clock.Sleep arming its WakeQueue entry); firing it
// goes through the thread's wakeup gate, which either wakes a parked
// thread or holds the wakeup for the scheduler's park sequence to
// replay.
type threadWaker struct{ t *proc.Thread }

func (w threadWaker) Wake() {
	w.t.FireWake()
}
