// Package errno defines the kernel's syscall error representation.
//
// Handlers return a negative Errno in a0, matching Linux's ABI convention,
// and never a hand-rolled numeric literal: every value here is sourced from
// golang.org/x/sys/unix, which carries the riscv64 errno table used by the
// rest of the syscall-numbering surface in internal/syscall.
package errno

import "golang.org/x/sys/unix"

// Errno is a positive errno value; handlers negate it before writing a0.
type Errno int

// Success is the zero value returned by handlers that completed without
// error.
const Success Errno = 0

// The closed set of errno values the kernel ever produces, grouped by the
// error-kind taxonomy from the specification.
const (
	// UserFault: bad pointer, bad length, bad alignment.
	EFAULT Errno = Errno(unix.EFAULT)
	EINVAL Errno = Errno(unix.EINVAL)

	// Permission: operation disallowed on fd/syscall.
	EPERM  Errno = Errno(unix.EPERM)
	EACCES Errno = Errno(unix.EACCES)

	// NotFound: unknown fd, TID, socket port, program name.
	EBADF  Errno = Errno(unix.EBADF)
	ESRCH  Errno = Errno(unix.ESRCH)
	ENOENT Errno = Errno(unix.ENOENT)
	ECHILD Errno = Errno(unix.ECHILD)

	// Unsupported: unimplemented syscall or flag combination.
	ENOSYS  Errno = Errno(unix.ENOSYS)
	ENOTSUP Errno = Errno(unix.ENOTSUP)
	ENOEXEC Errno = Errno(unix.ENOEXEC)

	// Resource: allocator exhausted, run set full, port in use.
	ENOMEM      Errno = Errno(unix.ENOMEM)
	EADDRINUSE  Errno = Errno(unix.EADDRINUSE)
	ENAMETOOLONG Errno = Errno(unix.ENAMETOOLONG)

	// WouldBlock: non-blocking operation has no data ready.
	EAGAIN Errno = Errno(unix.EAGAIN)

	// EINTR reports a blocked syscall cut short by signal delivery.
	EINTR Errno = Errno(unix.EINTR)

	// EIO reports a lower-level I/O failure from a device sink (e.g. the
	// UART output contract returning an error).
	EIO Errno = Errno(unix.EIO)
)

// Negate returns the value handlers place in a0 on failure.
func (e Errno) Negate() int64 {
	return -int64(e)
}

// Error satisfies the error interface so Errno can be returned/wrapped
// through ordinary Go error-handling paths inside the kernel (e.g. from
// internal/sv39 helpers that are also called by non-syscall code paths).
func (e Errno) Error() string {
	return unix.Errno(e).Error()
}

// Fault reports whether e is a UserFault-kind error.
func Fault(e Errno) bool { return e == EFAULT || e == EINVAL }

// WouldBlock reports whether e means "try again later".
func WouldBlock(e Errno) bool { return e == EAGAIN }
