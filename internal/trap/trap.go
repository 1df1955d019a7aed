// Package trap implements the vectored trap dispatcher (component C6):
// cause classification and the handler entries spec §4.6 lists. The
// actual register-save/restore and satp-switch sequence is machine code
// (excluded per spec §1's "build system" boundary); this package is the
// Go-side half every cause vectors into once the assembly stub has
// saved the trap frame and switched to the kernel stack.
//
// Grounded on biscuit's per-cause dispatch convention referenced by
// kernel/chentry.go's entry-point concept (a single fixed landing site
// per privilege transition) generalized from x86's IDT-vector model to
// RISC-V's scause-classified single-vector model.
package trap

import (
	"rvkernel/internal/hart"
	"rvkernel/internal/plic"
	"rvkernel/internal/proc"
	"rvkernel/internal/sched"
)

// Cause values, matching the RISC-V scause encodings spec §4.6 names.
const (
	CauseSoftwareInterrupt = 1
	CauseTimerInterrupt    = 5
	CauseExternalInterrupt = 9
	CauseEcallFromU        = 8
)

// InterruptBit marks an interrupt cause as opposed to an exception in
// scause's encoding (the top bit on a 64-bit CSR).
const InterruptBit = uint64(1) << 63

// SyscallDispatcher is the hook into component C11, kept as an interface
// here so trap does not import internal/syscall directly (syscall in
// turn imports proc/task, and wiring it through an interface keeps the
// dependency graph a DAG rather than requiring trap to know C11's
// internals).
type SyscallDispatcher interface {
	Dispatch(t *proc.Thread, ctx *hart.Context, num uint64, args [6]uint64)
}

// IPI is the platform hook for sending/handling inter-processor
// interrupts, used by the address-space teardown protocol (spec §9) to
// force every hart off a doomed address space before it is dropped.
var IPI = func(targetHart int) {}

// Dispatcher bundles every handler the vectored entry needs; one is
// constructed per hart at boot.
type Dispatcher struct {
	PLIC     *plic.Controller
	Sched    *sched.Scheduler
	Syscalls SyscallDispatcher
}

// Handle classifies scause and runs the matching entry from spec §4.6.
// It is called by the assembly trap stub after saving the full GP/FP
// register set into ctx.TrapFrame and switching satp to the kernel
// tables; Handle's only job is to decide what runs next and leave
// ctx.TrapFrame/ctx.SavedPC set to whatever should be restored on
// sret.
func (d *Dispatcher) Handle(ctx *hart.Context, scause uint64, stval uint64) {
	switch {
	case scause == InterruptBit|CauseTimerInterrupt:
		d.handleTimer(ctx)
	case scause == InterruptBit|CauseExternalInterrupt:
		d.handleExternal(ctx)
	case scause == InterruptBit|CauseSoftwareInterrupt:
		d.handleIPI(ctx)
	case scause == CauseEcallFromU:
		d.handleSyscall(ctx)
	default:
		d.handleFault(ctx, scause, stval)
	}

	// Delivery happens at trap exit (spec §4.12): whichever thread is
	// about to run, check its pending-unblocked set before sret.
	if t, ok := ctx.Current.(*proc.Thread); ok && ctx.Current != ctx.Idle && t.SigFrame == nil {
		if sig, act, deliverable := t.Sig.NextDeliverable(); deliverable {
			deliverSignal(t, ctx, sig, act)
		}
	}
}

func (d *Dispatcher) handleTimer(ctx *hart.Context) {
	ctx.WakeQueue.Fire()
	outgoing, _ := ctx.Current.(*proc.Thread)
	d.Sched.Schedule(ctx, outgoing)
}

func (d *Dispatcher) handleExternal(ctx *hart.Context) {
	d.PLIC.Dispatch(ctx.HartID)
}

func (d *Dispatcher) handleIPI(ctx *hart.Context) {
	// IPIs carry no payload in this kernel beyond "re-check your
	// scheduling state"; the teardown protocol (spec §9) uses them only
	// to force a hart to deactivate a doomed address space, which the
	// scheduler's next Schedule call does unconditionally by activating
	// whatever thread it picks.
	outgoing, _ := ctx.Current.(*proc.Thread)
	d.Sched.Schedule(ctx, outgoing)
}

// handleSyscall implements the ecall entry from spec §4.6: the PC
// advance-by-4 happens only on synchronous completion; if the syscall
// future suspends, PC is left at the ecall instruction and the thread
// is parked with its future attached, then the scheduler is invoked to
// pick the next thread.
func (d *Dispatcher) handleSyscall(ctx *hart.Context) {
	t, ok := ctx.Current.(*proc.Thread)
	if !ok {
		panic("trap: ecall with no current thread")
	}
	tf := &ctx.TrapFrame
	num := tf.SyscallNum()
	var args [6]uint64
	for i := range args {
		args[i] = tf.Arg(i)
	}

	entryPC := ctx.SavedPC
	d.Syscalls.Dispatch(t, ctx, num, args)

	if f := t.Future(); f != nil {
		// Suspended: PC stays at the ecall (SavedPC unchanged); attach
		// is already done by Dispatch. Hand off to the scheduler.
		t.SaveFrame(tf)
		d.Sched.Schedule(ctx, t)
		return
	}
	// Completed synchronously: advance past the ecall — unless the
	// handler redirected the PC outright (execve, rt_sigreturn) — and
	// keep running the same thread for the rest of its quantum.
	if ctx.SavedPC == entryPC {
		ctx.SavedPC += 4
	}
	t.SetPC(ctx.SavedPC)
	t.SaveFrame(tf)
}

// handleFault implements spec §4.6's fault policy: kill the offending
// thread if the fault occurred in user mode (sstatus.SPP=0, passed in by
// the assembly stub as part of how it chose to vector here — modeled
// here simply as "a current user thread exists"), otherwise panic.
func (d *Dispatcher) handleFault(ctx *hart.Context, scause, stval uint64) {
	t, ok := ctx.Current.(*proc.Thread)
	if !ok || t == ctx.Idle {
		panic("trap: kernel-mode exception, cause=" + itoa(scause) + " stval=" + itoa(stval))
	}
	t.Proc.ExitThread(t, killedExitStatus)
	d.Sched.Schedule(ctx, nil)
}

// killedExitStatus mirrors Linux's WTERMSIG-style encoding for a fatal
// unhandled fault (SIGSEGV, matching a wild user pointer dereference).
const killedExitStatus = int32(1<<7) | 11

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// deliverSignal redirects the thread into its user handler per spec
// §4.12: the interrupted register state is parked on the thread for
// rt_sigreturn to restore, a0 carries the signal number (the standard
// sa_handler(int) convention), ra carries the user restorer trampoline,
// and — when an alternate stack is registered — sp moves onto it.
func deliverSignal(t *proc.Thread, ctx *hart.Context, sig int, act proc.SignalAction) {
	saved := ctx.TrapFrame
	t.SigFrame = &saved
	t.SigPC = ctx.SavedPC

	ctx.TrapFrame.SetA0(int64(sig))
	ctx.TrapFrame.GPRegs[hart.RegRA] = uint64(act.Restorer)
	if alt := t.Sig.AltStackInfo(); alt.SP != 0 && alt.Size != 0 {
		ctx.TrapFrame.GPRegs[hart.RegSP] = uint64(alt.SP+alt.Size) &^ 0xf
	}
	t.SetPC(uint64(act.Handler))
	ctx.SavedPC = uint64(act.Handler)
	t.SaveFrame(&ctx.TrapFrame)
}
