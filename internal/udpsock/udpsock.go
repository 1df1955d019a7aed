// Package udpsock implements the per-port UDP socket entity (spec §3)
// and the Recvfrom future (component C10), plus the network-layer
// contract from spec §6: acquire/deliver on the kernel side, send on
// the excluded Ethernet/ARP/IPv4/UDP layer's side.
//
// Grounded on internal/circbuf's bounded-queue adaptation of
// biscuit/src/circbuf/circbuf.go, and on internal/portmap (itself
// adapted from hashtable.go) for the acquire/release back-link.
package udpsock

import (
	"sync"

	"rvkernel/internal/circbuf"
	"rvkernel/internal/errno"
	"rvkernel/internal/limits"
	"rvkernel/internal/portmap"
	"rvkernel/internal/res"
	"rvkernel/internal/task"
)

// Datagram is one received UDP payload plus its sender, preserving
// message boundaries (SPEC_FULL.md's supplement over spec.md, which
// left the queue's representation unspecified).
type Datagram struct {
	SrcIP   [4]byte
	SrcPort uint16
	Payload []byte
}

const defaultQueueDepth = 32

// rxBudget bounds the bytes pinned by queued-but-unread datagrams
// across every socket; delivery past the budget drops the datagram,
// which UDP permits. 1 MiB comfortably covers the small workloads this
// kernel runs while keeping a flood from eating the kernel heap.
var rxBudget = res.NewBudget(1 << 20)

// SocketLimit bounds concurrently bound ports; Bind takes a credit and
// Close returns it. Boot rebinds this to the system-wide limit set so
// the diagnostic dump sees one coherent picture.
var SocketLimit = limits.NewCounter(512)

// Sender is the network layer's send contract (spec §6): resolves MAC
// via ARP and frames the outbound datagram.
type Sender interface {
	Send(destIP [4]byte, destPort uint16, srcPort uint16, payload []byte) error
}

// Socket is a bound UDP port's receive queue plus arrival condition.
type Socket struct {
	port   uint16
	table  *portmap.Table[*Socket]
	sender Sender

	mu     sync.Mutex
	queue  *circbuf.Ring[Datagram]
	gate   task.WakeupGate
	closed bool
	nonblk bool
}

// Bind acquires port in table, failing EADDRINUSE if it is taken (spec
// §7 Resource kind: "port in use").
func Bind(table *portmap.Table[*Socket], port uint16, sender Sender) (*Socket, errno.Errno) {
	if !SocketLimit.Take() {
		return nil, errno.ENOMEM
	}
	s := &Socket{port: port, table: table, sender: sender, queue: circbuf.New[Datagram](defaultQueueDepth)}
	if !table.Acquire(port, s) {
		SocketLimit.Give()
		return nil, errno.EADDRINUSE
	}
	return s, errno.Success
}

// Deliver enqueues an inbound datagram, called by the excluded network
// layer once it has classified an inbound UDP packet (spec §6
// "deliver(from_ip, from_port, to_port, bytes)"). Per spec §4.2's
// "not available" style contract, a full queue silently drops the
// datagram — UDP provides no delivery guarantee.
func (s *Socket) Deliver(fromIP [4]byte, fromPort uint16, payload []byte) {
	if !rxBudget.TryAcquire(int64(len(payload))) {
		return
	}
	s.mu.Lock()
	pushed := s.queue.Push(Datagram{SrcIP: fromIP, SrcPort: fromPort, Payload: payload})
	s.mu.Unlock()
	if !pushed {
		rxBudget.Release(int64(len(payload)))
		return
	}
	s.gate.Fire()
}

// SetNonblock sets the O_NONBLOCK-equivalent flag (ioctl FIONBIO, spec
// §4.12).
func (s *Socket) SetNonblock(v bool) {
	s.mu.Lock()
	s.nonblk = v
	s.mu.Unlock()
}

// Readable reports whether a recvfrom would return a datagram without
// blocking (ppoll's POLLIN composition for socket fds).
func (s *Socket) Readable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len() > 0
}

// Port returns the bound port number.
func (s *Socket) Port() uint16 { return s.port }

// Sendto frames and sends payload to (destIP, destPort) from this
// socket's bound port.
func (s *Socket) Sendto(destIP [4]byte, destPort uint16, payload []byte) errno.Errno {
	if err := s.sender.Send(destIP, destPort, s.port, payload); err != nil {
		return errno.EINVAL
	}
	return errno.Success
}

// Close removes the socket's back-link from the port table and wakes
// any pending Recvfrom with EBADF, resolving spec §9's open question 1
// per SPEC_FULL.md's stated resolution.
func (s *Socket) Close() errno.Errno {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errno.Success
	}
	s.closed = true
	for {
		dg, ok := s.queue.Pop()
		if !ok {
			break
		}
		rxBudget.Release(int64(len(dg.Payload)))
	}
	s.mu.Unlock()
	s.table.Release(s.port)
	SocketLimit.Give()
	s.gate.Fire()
	return errno.Success
}

// Recvfrom is the C10 future: Ready with (bytes, sender) once the
// queue is non-empty, or EAGAIN immediately in non-blocking mode, or
// EBADF once the socket is closed out from under a blocked reader.
type Recvfrom struct {
	sock *Socket
	// Datagram holds the received message once Poll returns Ready with
	// a nil Err; the handler reads it to fill the caller's buffer and
	// sockaddr_in out-parameter.
	Datagram Datagram
}

// NewRecvfrom builds the recvfrom future for sock.
func NewRecvfrom(sock *Socket) *Recvfrom { return &Recvfrom{sock: sock} }

func (r *Recvfrom) Poll(w task.Waker) (task.Result, bool) {
	s := r.sock
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return task.Result{Err: errno.EBADF}, true
	}
	if dg, ok := s.queue.Pop(); ok {
		s.mu.Unlock()
		rxBudget.Release(int64(len(dg.Payload)))
		r.Datagram = dg
		return task.Result{Value: int64(len(dg.Payload))}, true
	}
	nonblk := s.nonblk
	s.mu.Unlock()
	if nonblk {
		return task.Result{Err: errno.EAGAIN}, true
	}
	s.gate.Settle(w)
	return task.Result{}, false
}

func (r *Recvfrom) Drop() {
	// The gate holds no OS resource to release; a fired-but-unconsumed
	// wakeup simply goes unread, matching spec §4.10's "futures must
	// release any registered wakers on drop" for a future whose only
	// waker is the gate itself.
}
