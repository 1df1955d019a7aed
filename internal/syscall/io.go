package syscall

import (
	"rvkernel/internal/errno"
	"rvkernel/internal/fd"
	"rvkernel/internal/hart"
	"rvkernel/internal/proc"
	"rvkernel/internal/stdin"
	"rvkernel/internal/task"
)

func registerIO(d *Dispatcher) {
	d.Table[SysWrite] = sysWrite
	d.Table[SysWritev] = sysWritev
	d.Table[SysRead] = sysRead
	d.Table[SysClose] = sysClose
	d.Table[SysDup3] = sysDup3
	d.Table[SysIoctl] = sysIoctl
}

// sysWrite implements spec §4.12 write: fd 1/2 enqueue to the UART
// sink via the fd table's Stdio entry; unknown fds are EBADF; sockets
// are not writable through write(2) (sendto is used instead).
func sysWrite(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	fdnum := int(args[0])
	buf := uintptr(args[1])
	count := int(args[2])

	e, found := t.Proc.Fds.Get(fdnum)
	if !found {
		return 0, errno.EBADF, true
	}
	data, uerr := ReadUser(t.Proc.AS, t.Proc.Pages, buf, count)
	if uerr != errno.Success {
		return 0, uerr, true
	}
	n, werr := e.File.Write(data)
	return int64(n), werr, true
}

// sysWritev implements spec §4.12 writev: concatenates per-vector
// writes, returning bytes written so far on partial failure.
func sysWritev(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	fdnum := int(args[0])
	iovBase := uintptr(args[1])
	iovCnt := int(args[2])

	e, found := t.Proc.Fds.Get(fdnum)
	if !found {
		return 0, errno.EBADF, true
	}

	var total int64
	const iovecSize = 16 // { void *iov_base; size_t iov_len; }
	for i := 0; i < iovCnt; i++ {
		entry, uerr := ReadUser(t.Proc.AS, t.Proc.Pages, iovBase+uintptr(i*iovecSize), iovecSize)
		if uerr != errno.Success {
			if total > 0 {
				return total, errno.Success, true
			}
			return 0, uerr, true
		}
		base := leUint64(entry[0:8])
		length := leUint64(entry[8:16])
		data, uerr2 := ReadUser(t.Proc.AS, t.Proc.Pages, uintptr(base), int(length))
		if uerr2 != errno.Success {
			if total > 0 {
				return total, errno.Success, true
			}
			return 0, uerr2, true
		}
		n, werr := e.File.Write(data)
		total += int64(n)
		if werr != errno.Success || n < len(data) {
			return total, errno.Success, true
		}
	}
	return total, errno.Success, true
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

// sysRead implements spec §4.12 read: fd 0 blocking produces a
// ReadStdin future; O_NONBLOCK returns EAGAIN on an empty queue; socket
// fds are ENOTSUP (recvfrom is used instead).
func sysRead(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	fdnum := int(args[0])
	buf := uintptr(args[1])
	count := int(args[2])

	e, found := t.Proc.Fds.Get(fdnum)
	if !found {
		return 0, errno.EBADF, true
	}

	if fdnum == 0 {
		console := stdioConsole(e)
		if console == nil {
			return 0, errno.ENOTSUP, true
		}
		if e.Flags&fd.NonBlock != 0 && !console.Readable() {
			return 0, errno.EAGAIN, true
		}
		f := stdin.NewReadStdin(console, count)
		copyOut := withFinish(f, func(res task.Result) task.Result {
			if uerr := WriteUser(t.Proc.AS, t.Proc.Pages, buf, f.Result); uerr != errno.Success {
				return task.Result{Err: uerr}
			}
			return res
		})
		return pollFutureNow(t, copyOut)
	}

	if !e.File.Readable() && e.Flags&fd.NonBlock != 0 {
		return 0, errno.EAGAIN, true
	}
	tmp := make([]byte, count)
	n, rerr := e.File.Read(tmp)
	if rerr != errno.Success {
		return 0, rerr, true
	}
	if uerr := WriteUser(t.Proc.AS, t.Proc.Pages, buf, tmp[:n]); uerr != errno.Success {
		return 0, uerr, true
	}
	return int64(n), errno.Success, true
}

// stdioConsole extracts the underlying stdin Console from fd 0's entry,
// if it is a Stdio file.
func stdioConsole(e *fd.Entry) *stdin.Console {
	if s, ok := e.File.(*fd.Stdio); ok {
		return s.Console
	}
	return nil
}

func sysClose(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	return 0, t.Proc.Fds.Close(int(args[0])), true
}

func sysDup3(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	return 0, t.Proc.Fds.Dup3(int(args[0]), int(args[1])), true
}

// ioctl ops: FIONBIO on sockets, plus three platform-specific ops
// (trigger panic, list embedded programs, dump accounting) that do not
// look at the fd.
const (
	FIONBIO           = 0x5421
	IoctlTriggerPanic = 0x8001
	IoctlListPrograms = 0x8002
	IoctlDumpAccounting = 0x8003
)

// PanicTrigger is wired at boot to the kernel's panic entry point.
var PanicTrigger = func() {}

func sysIoctl(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	fdnum := int(args[0])
	op := args[1]

	switch op {
	case IoctlTriggerPanic:
		PanicTrigger()
		return 0, errno.Success, true
	case IoctlListPrograms:
		return int64(len(d.Programs)), errno.Success, true
	case IoctlDumpAccounting:
		// Writes the process's rusage-shaped counters to the buffer in
		// arg (when non-null) and returns total consumed nanoseconds.
		if args[2] != 0 {
			ru := t.Proc.Acc.ToRusage()
			if uerr := WriteUser(t.Proc.AS, t.Proc.Pages, uintptr(args[2]), ru); uerr != errno.Success {
				return 0, uerr, true
			}
		}
		user, sys := t.Proc.Acc.Fetch()
		return user + sys, errno.Success, true
	}

	e, found := t.Proc.Fds.Get(fdnum)
	if !found {
		return 0, errno.EBADF, true
	}
	sock, isSock := e.File.(interface{ SetNonblock(bool) })
	if op == FIONBIO && isSock {
		argPA, uerr := ReadUser(t.Proc.AS, t.Proc.Pages, uintptr(args[2]), 4)
		if uerr != errno.Success {
			return 0, uerr, true
		}
		v := leUint32(argPA)
		sock.SetNonblock(v != 0)
		return 0, errno.Success, true
	}
	return 0, errno.ENOTSUP, true
}
