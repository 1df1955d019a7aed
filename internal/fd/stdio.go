package fd

import (
	"io"

	"rvkernel/internal/errno"
	"rvkernel/internal/spinlock"
	"rvkernel/internal/stdin"
)

// Stdio is the File implementation installed at fd 0/1/2: reads pull
// from the kernel's stdin Console, writes go straight to the UART
// output sink (io.Writer contract supplied by the excluded UART
// driver, per SPEC_FULL.md's logging-stack section). The write lock is
// trap-safe: it is only ever acquired from non-interrupt syscall
// context and from the panic path's ForceUnlock, never nested under an
// interrupt handler on the same hart.
type Stdio struct {
	Console *stdin.Console
	Out     io.Writer
	lock    spinlock.Lock
}

// NewStdio builds a Stdio backed by console for reads and out for
// writes.
func NewStdio(console *stdin.Console, out io.Writer) *Stdio {
	return &Stdio{Console: console, Out: out}
}

// Read is only reachable for fd 0 through the blocking ReadStdin future
// path in internal/syscall; this synchronous Read exists to satisfy the
// File interface for non-blocking callers that already know data is
// available (Readable() returned true).
func (s *Stdio) Read(buf []byte) (int, errno.Errno) {
	f := stdin.NewReadStdin(s.Console, len(buf))
	res, ok := f.Poll(noopWaker{})
	if !ok || res.Err != nil {
		return 0, errno.EAGAIN
	}
	n := copy(buf, f.Result)
	return n, errno.Success
}

// Write sends buf to the UART output sink under the trap-safe lock.
func (s *Stdio) Write(buf []byte) (int, errno.Errno) {
	s.lock.Acquire()
	defer s.lock.Release()
	n, err := s.Out.Write(buf)
	if err != nil {
		return n, errno.EIO
	}
	return n, errno.Success
}

func (s *Stdio) Close() errno.Errno { return errno.EPERM }

// ForceUnlock opens the write lock unconditionally; panic path only.
func (s *Stdio) ForceUnlock() { s.lock.ForceUnlock() }

func (s *Stdio) Readable() bool { return s.Console.Readable() }

type noopWaker struct{}

func (noopWaker) Wake() {}
