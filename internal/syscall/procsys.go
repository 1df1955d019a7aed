package syscall

import (
	"rvkernel/internal/errno"
	"rvkernel/internal/hart"
	"rvkernel/internal/proc"
	"rvkernel/internal/sched"
	"rvkernel/internal/task"
	"rvkernel/internal/ustr"
)

func registerProc(d *Dispatcher) {
	d.Table[SysExitGroup] = sysExitGroup
	d.Table[SysExit] = sysExit
	d.Table[SysClone] = sysClone
	d.Table[SysExecve] = sysExecve
	d.Table[SysWait4] = sysWait4
}

// clone(2) flag bits this kernel recognizes; any other combination is
// ENOSYS per spec §4.12.
const (
	cloneVM     = 0x00000100
	cloneThread = 0x00010000
	cloneVfork  = 0x00004000
)

// parkForever is attached to a thread that must never run again (exit,
// exit_group): Poll always reports Pending and nothing ever wakes it.
type parkForever struct{}

func (parkForever) Poll(w task.Waker) (task.Result, bool) { return task.Result{}, false }
func (parkForever) Drop()                                 {}

// sysExitGroup implements spec §4.12 exit_group: records the exit
// status once, kills every thread in the process, releases a pending
// vfork parent if this process was a vfork child, tears down the
// process once its last thread is gone, and parks the calling thread
// forever (it never returns to user mode).
func sysExitGroup(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	status := wstatusExited(int32(args[0]))
	t.Proc.SetExitStatus(status)
	for _, th := range t.Proc.Threads() {
		if th.TID != t.TID {
			t.Proc.ExitThread(th, status)
		}
	}
	t.Proc.ExitThread(t, status)
	t.AttachFuture(parkForever{})
	return 0, errno.Success, false
}

// wstatusExited encodes a normal exit code into the wait-status word
// wait4 writes to *status (code in bits 8..15, per the classic
// WIFEXITED layout).
func wstatusExited(code int32) int32 { return (code & 0xff) << 8 }

// sysExit implements the raw exit(2) syscall: only the calling thread
// leaves the process's thread set; the process itself only tears down
// once its last thread has gone through here or through exit_group.
func sysExit(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	t.Proc.ExitThread(t, wstatusExited(int32(args[0])))
	t.AttachFuture(parkForever{})
	return 0, errno.Success, false
}

// sysClone implements spec §4.12 clone: only CLONE_VM|CLONE_VFORK and
// CLONE_THREAD are supported; every other flag combination is ENOSYS.
func sysClone(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	flags := args[0]
	stack := args[1]
	ptidVA := uintptr(args[2])
	ctidVA := uintptr(args[4])

	switch {
	case flags&cloneThread != 0:
		return sysCloneThread(d, t, ctx, stack, ptidVA, ctidVA)
	case flags&(cloneVM|cloneVfork) == cloneVM|cloneVfork:
		return sysCloneVfork(d, t, ctx, ptidVA, ctidVA)
	default:
		return 0, errno.ENOSYS, true
	}
}

// The child resumes just past the parent's ecall; the parent's live
// register state is ctx.TrapFrame, not the thread's saved frame (which
// is stale until the trap exit path copies it back).
func sysCloneThread(d *Dispatcher, t *proc.Thread, ctx *hart.Context, stack uint64, ptidVA, ctidVA uintptr) (int64, errno.Errno, bool) {
	if !proc.Limits.Threads.Take() {
		return 0, errno.ENOMEM, true
	}
	child := proc.NewThread(t.Proc, ctx.SavedPC+4, stack)
	*child.Frame() = ctx.TrapFrame
	child.Frame().GPRegs[hart.RegSP] = stack
	child.Frame().SetA0(0)
	t.Proc.AddThread(child)

	if ptidVA != 0 {
		writeTID(t, ptidVA, int64(child.TID))
	}
	if ctidVA != 0 {
		child.ClearChildTID = ctidVA
		writeTID(t, ctidVA, int64(child.TID))
	}
	sched.Global.Enqueue(child)
	return int64(child.TID), errno.Success, true
}

func sysCloneVfork(d *Dispatcher, t *proc.Thread, ctx *hart.Context, ptidVA, ctidVA uintptr) (int64, errno.Errno, bool) {
	if d.NewProcess == nil {
		return 0, errno.ENOSYS, true
	}
	if !proc.Limits.Threads.Take() {
		return 0, errno.ENOMEM, true
	}
	child, err := d.NewProcess(t.Proc.Name, t.TID)
	if err != nil {
		proc.Limits.Threads.Give()
		return 0, errno.ENOMEM, true
	}
	// CLONE_VM: the child shares the parent's live address space for the
	// vfork window, until execve installs a fresh one or the child exits
	// without ever calling execve. Drop the placeholder address space
	// NewProcess allocated before overwriting it.
	child.AS.Drop()
	child.AS = t.Proc.AS
	child.SharedAS = true

	childThread := proc.NewThread(child, ctx.SavedPC+4, ctx.TrapFrame.GPRegs[hart.RegSP])
	*childThread.Frame() = ctx.TrapFrame
	childThread.Frame().SetA0(0)
	child.AddThread(childThread)
	t.Proc.AddChild(child)

	if ptidVA != 0 {
		writeTID(t, ptidVA, int64(child.Pid))
	}
	if ctidVA != 0 {
		writeTID(t, ctidVA, int64(child.Pid))
	}
	sched.Global.Enqueue(childThread)

	return pollFutureNow(t, proc.NewVforkWait(child, int64(child.Pid)))
}

func writeTID(t *proc.Thread, va uintptr, tid int64) {
	var buf [8]byte
	v := uint64(tid)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	WriteUser(t.Proc.AS, t.Proc.Pages, va, buf[:])
}

// sysExecve implements spec §4.12 execve: looks up path in the
// embedded program table, builds a fresh address space and user stack
// for argv, resets signal handlers to defaults, and redirects the
// calling thread's registers/PC to the new entry point. On success it
// never returns to the caller's old image, so no a0 is meaningful;
// handlers report success synchronously anyway since execve replaces
// the thread in place rather than suspending it.
func sysExecve(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	path, uerr := ReadUserString(t.Proc.AS, t.Proc.Pages, uintptr(args[0]), 256)
	if uerr != errno.Success {
		return 0, uerr, true
	}
	image, found := d.Programs[path]
	if !found {
		return 0, errno.ENOENT, true
	}

	argv, uerr2 := readStringVector(t, uintptr(args[1]))
	if uerr2 != errno.Success {
		return 0, uerr2, true
	}

	// A fresh address space replaces the current image; for a vfork
	// child this is also what ends the shared-AS window, so the parent's
	// space is never touched by the new image's mappings.
	if d.NewAS == nil {
		return 0, errno.ENOSYS, true
	}
	newAS, aserr := d.NewAS()
	if aserr != nil {
		return 0, errno.ENOMEM, true
	}
	t.Proc.ReplaceAddressSpace(newAS)
	t.Proc.Name = ustr.FromString(path)

	entry, sp, eerr := t.Proc.LoadELF(image, argv)
	if eerr != errno.Success {
		return 0, eerr, true
	}

	t.Sig.ResetToDefaults()
	t.SetPC(entry)
	ctx.SavedPC = entry
	*t.Frame() = hart.TrapFrame{}
	t.Frame().GPRegs[hart.RegSP] = sp
	ctx.TrapFrame = *t.Frame()
	t.Satp(ctx.HartID)

	t.Proc.ReleaseVfork()
	return 0, errno.Success, true
}

// readStringVector reads a NUL-terminated, NULL-pointer-terminated
// argv/envp array out of user memory.
func readStringVector(t *proc.Thread, va uintptr) ([]ustr.Ustr, errno.Errno) {
	if va == 0 {
		return nil, errno.Success
	}
	var out []ustr.Ustr
	for i := 0; i < 64; i++ {
		entry, uerr := ReadUser(t.Proc.AS, t.Proc.Pages, va+uintptr(i*8), 8)
		if uerr != errno.Success {
			return nil, uerr
		}
		ptr := leUint64(entry)
		if ptr == 0 {
			break
		}
		s, uerr2 := ReadUserString(t.Proc.AS, t.Proc.Pages, uintptr(ptr), 4096)
		if uerr2 != errno.Success {
			return nil, uerr2
		}
		out = append(out, ustr.FromString(s))
	}
	return out, errno.Success
}

// sysWait4 implements spec §4.12 wait4: builds a WaitFuture over the
// named child (or the most recently cloned child when pid == -1) and
// writes the exit status to *status on completion.
func sysWait4(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	pid := int64(int32(args[0]))
	statusVA := uintptr(args[1])
	options := args[2]

	child, found := t.Proc.FindChild(pid)
	if !found {
		return 0, errno.ECHILD, true
	}

	const wnohang = 1
	if options&wnohang != 0 {
		if _, done := child.ExitStatus(); !done {
			return 0, errno.Success, true
		}
	}

	f := withFinish(proc.NewWaitFuture(child), func(res task.Result) task.Result {
		if statusVA != 0 {
			var buf [4]byte
			status := uint32(res.Value)
			for i := 0; i < 4; i++ {
				buf[i] = byte(status >> (8 * i))
			}
			if uerr := WriteUser(t.Proc.AS, t.Proc.Pages, statusVA, buf[:]); uerr != errno.Success {
				return task.Result{Err: uerr}
			}
		}
		return task.Result{Value: int64(child.Pid)}
	})
	return pollFutureNow(t, f)
}
