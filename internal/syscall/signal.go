package syscall

import (
	"rvkernel/internal/errno"
	"rvkernel/internal/hart"
	"rvkernel/internal/proc"
	"rvkernel/internal/task"
)

func registerSignal(d *Dispatcher) {
	d.Table[SysRtSigaction] = sysRtSigaction
	d.Table[SysRtSigprocmask] = sysRtSigprocmask
	d.Table[SysSigaltstack] = sysSigaltstack
	d.Table[SysRtSigreturn] = sysRtSigreturn
	d.Table[SysFutex] = sysFutex
	d.Table[SysSetRobustList] = sysSetRobustList
	d.Table[SysGetRobustList] = sysGetRobustList
}

// The robust list is a stub (spec §3): the kernel stores the pointer so
// the get/set pair round-trips, but never walks the list.
func sysSetRobustList(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	t.Sig.SetRobustList(uintptr(args[0]))
	return 0, errno.Success, true
}

func sysGetRobustList(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	var buf [8]byte
	putLE64(buf[:], uint64(t.Sig.RobustListPtr()))
	if uerr := WriteUser(t.Proc.AS, t.Proc.Pages, uintptr(args[1]), buf[:]); uerr != errno.Success {
		return 0, uerr, true
	}
	return 0, errno.Success, true
}

// struct sigaction on riscv64: sa_handler (8), sa_flags (8),
// sa_restorer (8), sa_mask (8 — the kernel is built with an 8-byte
// sigset_t, matching rt_sigaction's sigsetsize argument of 8).
const sigactionSize = 32

func sysRtSigaction(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	sig := int(args[0])
	newVA := uintptr(args[1])
	oldVA := uintptr(args[2])
	if sig <= 0 || sig >= 64 {
		return 0, errno.EINVAL, true
	}

	if oldVA != 0 {
		old := t.Sig.Action(sig)
		var buf [sigactionSize]byte
		putLE64(buf[0:8], uint64(old.Handler))
		putLE64(buf[8:16], old.Flags)
		putLE64(buf[16:24], uint64(old.Restorer))
		putLE64(buf[24:32], old.Mask)
		if uerr := WriteUser(t.Proc.AS, t.Proc.Pages, oldVA, buf[:]); uerr != errno.Success {
			return 0, uerr, true
		}
	}
	if newVA != 0 {
		raw, uerr := ReadUser(t.Proc.AS, t.Proc.Pages, newVA, sigactionSize)
		if uerr != errno.Success {
			return 0, uerr, true
		}
		t.Sig.SetAction(sig, proc.SignalAction{
			Handler:  uintptr(leUint64(raw[0:8])),
			Flags:    leUint64(raw[8:16]),
			Restorer: uintptr(leUint64(raw[16:24])),
			Mask:     leUint64(raw[24:32]),
		})
	}
	return 0, errno.Success, true
}

// sysRtSigreturn restores the register state deliverSignal parked when
// it redirected the thread into a user handler; the trap dispatcher
// sees the redirected PC and skips its usual advance past the ecall.
func sysRtSigreturn(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	if t.SigFrame == nil {
		return 0, errno.EINVAL, true
	}
	ctx.TrapFrame = *t.SigFrame
	*t.Frame() = *t.SigFrame
	ctx.SavedPC = t.SigPC
	t.SetPC(ctx.SavedPC)
	t.SigFrame = nil
	return int64(ctx.TrapFrame.A0()), errno.Success, true
}

// sigprocmask how values.
const (
	sigBlock   = 0
	sigUnblock = 1
	sigSetmask = 2
)

func sysRtSigprocmask(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	how := int(args[0])
	setVA := uintptr(args[1])
	oldVA := uintptr(args[2])

	if oldVA != 0 {
		var buf [8]byte
		putLE64(buf[:], t.Sig.BlockedMask())
		if uerr := WriteUser(t.Proc.AS, t.Proc.Pages, oldVA, buf[:]); uerr != errno.Success {
			return 0, uerr, true
		}
	}
	if setVA != 0 {
		raw, uerr := ReadUser(t.Proc.AS, t.Proc.Pages, setVA, 8)
		if uerr != errno.Success {
			return 0, uerr, true
		}
		mask := leUint64(raw)
		switch how {
		case sigBlock:
			t.Sig.Block(mask)
		case sigUnblock:
			t.Sig.Unblock(mask)
		case sigSetmask:
			t.Sig.SetBlocked(mask)
		default:
			return 0, errno.EINVAL, true
		}
	}
	return 0, errno.Success, true
}

// stack_t on riscv64: ss_sp (8), ss_flags (4 + 4 pad), ss_size (8).
const stackTSize = 24

func sysSigaltstack(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	newVA := uintptr(args[0])
	oldVA := uintptr(args[1])

	if oldVA != 0 {
		cur := t.Sig.AltStackInfo()
		var buf [stackTSize]byte
		putLE64(buf[0:8], uint64(cur.SP))
		putLE32(buf[8:12], uint32(cur.Flags))
		putLE64(buf[16:24], uint64(cur.Size))
		if uerr := WriteUser(t.Proc.AS, t.Proc.Pages, oldVA, buf[:]); uerr != errno.Success {
			return 0, uerr, true
		}
	}
	if newVA != 0 {
		raw, uerr := ReadUser(t.Proc.AS, t.Proc.Pages, newVA, stackTSize)
		if uerr != errno.Success {
			return 0, uerr, true
		}
		t.Sig.SetAltStack(proc.UserStack{
			SP:    uintptr(leUint64(raw[0:8])),
			Flags: int32(leUint32(raw[8:12])),
			Size:  uintptr(leUint64(raw[16:24])),
		})
	}
	return 0, errno.Success, true
}

// futex ops (the private-flag bit is masked off; this kernel has no
// cross-process futexes to distinguish from).
const (
	futexWait        = 0
	futexWake        = 1
	futexPrivateFlag = 128
)

// futexWaitFuture parks the calling thread on a user word until a
// FUTEX_WAKE (or the clear_child_tid exit path) fires it.
type futexWaitFuture struct {
	p     *proc.Process
	va    uintptr
	gate  task.WakeupGate
	armed bool
	woken bool
}

func (f *futexWaitFuture) Poll(w task.Waker) (task.Result, bool) {
	if f.woken {
		return task.Result{Value: 0}, true
	}
	if !f.armed {
		f.armed = true
		f.gate.ArmPending()
		f.p.FutexRegister(f.va, &f.gate)
	}
	f.gate.Settle(futexMarkWaker{f: f, w: w})
	if f.woken {
		return task.Result{Value: 0}, true
	}
	return task.Result{}, false
}

// futexMarkWaker records that the wake actually fired before forwarding
// to the thread waker, so a subsequent Poll can distinguish a genuine
// FUTEX_WAKE from the scheduler's immediate re-poll of a freshly
// suspended thread.
type futexMarkWaker struct {
	f *futexWaitFuture
	w task.Waker
}

func (m futexMarkWaker) Wake() {
	m.f.woken = true
	m.w.Wake()
}

func (f *futexWaitFuture) Drop() {
	if f.armed {
		f.p.FutexUnregister(f.va, &f.gate)
	}
}

// sysFutex implements the FUTEX_WAIT/FUTEX_WAKE pair spec §9's open
// question resolves: WAIT returns 0 immediately when the stored value
// no longer matches the expected value (retry-style, the standard
// contract), instead of the original implementation's latent
// sleep-on-mismatch bug.
func sysFutex(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	va := uintptr(args[0])
	op := int(args[1]) &^ futexPrivateFlag
	val := uint32(args[2])

	switch op {
	case futexWait:
		raw, uerr := ReadUser(t.Proc.AS, t.Proc.Pages, va, 4)
		if uerr != errno.Success {
			return 0, uerr, true
		}
		if leUint32(raw) != val {
			return 0, errno.Success, true
		}
		return pollFutureNow(t, &futexWaitFuture{p: t.Proc, va: va})
	case futexWake:
		return int64(t.Proc.FutexWake(va, int(val))), errno.Success, true
	default:
		return 0, errno.ENOSYS, true
	}
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putLE32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
