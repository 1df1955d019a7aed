// Package stdin implements the kernel-global stdin byte queue and the
// ReadStdin future (component C10), the kernel side of the UART
// contract in spec §6: "the driver pushes received bytes into a
// kernel-global byte queue ... and fires a waker on the stdin
// condition."
//
// Grounded on internal/circbuf's ring buffer (itself adapted from
// biscuit/src/circbuf/circbuf.go) for the byte queue, and on
// internal/caller's rate-limiting idiom for the Ctrl+C/Ctrl+D
// interception spec §6 and §4.12 describe.
package stdin

import (
	"sync"

	"rvkernel/internal/circbuf"
	"rvkernel/internal/task"
)

const queueDepth = 256

// Special bytes intercepted before being queued for normal reads (spec
// §6).
const (
	ETX = 0x03 // Ctrl+C: raise SIGINT on the foreground process.
	EOT = 0x04 // Ctrl+D: dump diagnostic state.
)

// Console is the kernel-global stdin queue plus arrival condition. A
// single instance is installed as a one-shot cell at boot (spec §9
// "global mutable kernel singletons").
type Console struct {
	mu    sync.Mutex
	queue *circbuf.Ring[byte]
	gate  task.WakeupGate

	// OnInterrupt and OnDump are boot-wired hooks for the ETX/EOT
	// special bytes; the foreground-process / diagnostic-dump logic
	// itself lives above this package (internal/proc, the panic
	// printer) to avoid a dependency cycle.
	OnInterrupt func()
	OnDump      func()
}

// NewConsole builds an empty Console.
func NewConsole() *Console {
	return &Console{queue: circbuf.New[byte](queueDepth)}
}

// Push is called by the excluded UART driver for every received byte.
// It is trap-safe (called directly from the UART interrupt handler) and
// must never block.
func (c *Console) Push(b byte) {
	switch b {
	case ETX:
		if c.OnInterrupt != nil {
			c.OnInterrupt()
		}
		return
	case EOT:
		if c.OnDump != nil {
			c.OnDump()
		}
		return
	}
	c.mu.Lock()
	c.queue.Push(b)
	c.mu.Unlock()
	c.gate.Fire()
}

// Console has no Write method: it models only the input side. fd.File's
// write half is supplied by whatever wraps the UART output sink
// (internal/fd's Stdio type composes both).

// ReadStdin is the C10 future: Ready once at least one byte is queued,
// returning up to n bytes.
type ReadStdin struct {
	console *Console
	n       int
	Result  []byte
}

// NewReadStdin builds a future that reads up to n bytes from console.
func NewReadStdin(console *Console, n int) *ReadStdin {
	return &ReadStdin{console: console, n: n}
}

func (r *ReadStdin) Poll(w task.Waker) (task.Result, bool) {
	r.console.mu.Lock()
	if r.console.queue.Len() == 0 {
		r.console.mu.Unlock()
		r.console.gate.Settle(w)
		return task.Result{}, false
	}
	out := make([]byte, 0, r.n)
	for len(out) < r.n {
		b, ok := r.console.queue.Pop()
		if !ok {
			break
		}
		out = append(out, b)
	}
	r.console.mu.Unlock()
	r.Result = out
	return task.Result{Value: int64(len(out))}, true
}

func (r *ReadStdin) Drop() {}

// Readable reports whether a read would return data immediately,
// without consuming anything (used by ppoll's POLLIN composition for
// fd 0).
func (c *Console) Readable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len() > 0
}
