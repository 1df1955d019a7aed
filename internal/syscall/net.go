package syscall

import (
	"rvkernel/internal/errno"
	"rvkernel/internal/hart"
	"rvkernel/internal/proc"
	"rvkernel/internal/task"
	"rvkernel/internal/udpsock"
)

func registerNet(d *Dispatcher) {
	d.Table[SysSocket] = sysSocket
	d.Table[SysBind] = sysBind
	d.Table[SysSendto] = sysSendto
	d.Table[SysRecvfrom] = sysRecvfrom
}

const (
	afInet       = 2
	sockDgram    = 2
	sockTypeMask = 0xff // SOCK_CLOEXEC/SOCK_NONBLOCK live above this
)

// sockaddr_in wire layout: sin_family (2, LE), sin_port (2, network
// order), sin_addr (4, network order), 8 bytes of zero padding.
const sockaddrInSize = 16

// Ephemeral port range used when sendto runs on a never-bound socket.
const (
	ephemeralLo = 49152
	ephemeralHi = 65535
)

// sockFile is the fd.File wrapper around a UDP socket entity. A socket
// fd exists before bind assigns it a port, so the underlying
// udpsock.Socket is nil until then; operations that need a port report
// EINVAL in that window.
type sockFile struct {
	sock   *udpsock.Socket
	nonblk bool
}

func (s *sockFile) Read(buf []byte) (int, errno.Errno)  { return 0, errno.ENOTSUP }
func (s *sockFile) Write(buf []byte) (int, errno.Errno) { return 0, errno.ENOTSUP }

func (s *sockFile) Close() errno.Errno {
	if s.sock != nil {
		return s.sock.Close()
	}
	return errno.Success
}

func (s *sockFile) Readable() bool {
	return s.sock != nil && s.sock.Readable()
}

// SetNonblock implements the FIONBIO ioctl contract.
func (s *sockFile) SetNonblock(v bool) {
	s.nonblk = v
	if s.sock != nil {
		s.sock.SetNonblock(v)
	}
}

func sysSocket(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	domain := args[0]
	typ := args[1] & sockTypeMask // SOCK_CLOEXEC and friends masked out (spec §6)
	if domain != afInet || typ != sockDgram {
		return 0, errno.ENOTSUP, true
	}
	f := &sockFile{}
	fdnum := t.Proc.Fds.Install(f, 0)
	if fdnum < 0 {
		return 0, errno.ENOMEM, true
	}
	return int64(fdnum), errno.Success, true
}

func sockFromFd(t *proc.Thread, fdnum int) (*sockFile, errno.Errno) {
	e, found := t.Proc.Fds.Get(fdnum)
	if !found {
		return nil, errno.EBADF
	}
	s, ok := e.File.(*sockFile)
	if !ok {
		return nil, errno.ENOTSUP
	}
	return s, errno.Success
}

func sysBind(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	s, e := sockFromFd(t, int(args[0]))
	if e != errno.Success {
		return 0, e, true
	}
	if s.sock != nil {
		return 0, errno.EINVAL, true
	}
	raw, uerr := ReadUser(t.Proc.AS, t.Proc.Pages, uintptr(args[1]), sockaddrInSize)
	if uerr != errno.Success {
		return 0, uerr, true
	}
	if leUint16(raw[0:2]) != afInet {
		return 0, errno.EINVAL, true
	}
	port := beUint16(raw[2:4])
	sock, berr := udpsock.Bind(d.Ports, port, d.Sender)
	if berr != errno.Success {
		return 0, berr, true
	}
	sock.SetNonblock(s.nonblk)
	s.sock = sock
	return 0, errno.Success, true
}

// bindEphemeral assigns the lowest free port in the ephemeral range to a
// never-bound socket, matching sendto(2)'s implicit-bind behavior.
func bindEphemeral(d *Dispatcher, s *sockFile) errno.Errno {
	for port := ephemeralLo; port <= ephemeralHi; port++ {
		sock, e := udpsock.Bind(d.Ports, uint16(port), d.Sender)
		if e == errno.Success {
			sock.SetNonblock(s.nonblk)
			s.sock = sock
			return errno.Success
		}
	}
	return errno.EADDRINUSE
}

func sysSendto(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	s, e := sockFromFd(t, int(args[0]))
	if e != errno.Success {
		return 0, e, true
	}
	if s.sock == nil {
		if be := bindEphemeral(d, s); be != errno.Success {
			return 0, be, true
		}
	}
	payload, uerr := ReadUser(t.Proc.AS, t.Proc.Pages, uintptr(args[1]), int(args[2]))
	if uerr != errno.Success {
		return 0, uerr, true
	}
	raw, uerr2 := ReadUser(t.Proc.AS, t.Proc.Pages, uintptr(args[4]), sockaddrInSize)
	if uerr2 != errno.Success {
		return 0, uerr2, true
	}
	if leUint16(raw[0:2]) != afInet {
		return 0, errno.EINVAL, true
	}
	destPort := beUint16(raw[2:4])
	var destIP [4]byte
	copy(destIP[:], raw[4:8])
	if serr := s.sock.Sendto(destIP, destPort, payload); serr != errno.Success {
		return 0, serr, true
	}
	return int64(len(payload)), errno.Success, true
}

func sysRecvfrom(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	s, e := sockFromFd(t, int(args[0]))
	if e != errno.Success {
		return 0, e, true
	}
	if s.sock == nil {
		return 0, errno.EINVAL, true
	}
	bufVA := uintptr(args[1])
	bufLen := int(args[2])
	srcVA := uintptr(args[4])

	f := udpsock.NewRecvfrom(s.sock)
	copyOut := withFinish(f, func(res task.Result) task.Result {
		dg := f.Datagram
		n := len(dg.Payload)
		if n > bufLen {
			n = bufLen // excess datagram bytes are discarded, UDP-style
		}
		if uerr := WriteUser(t.Proc.AS, t.Proc.Pages, bufVA, dg.Payload[:n]); uerr != errno.Success {
			return task.Result{Err: uerr}
		}
		if srcVA != 0 {
			var sa [sockaddrInSize]byte
			sa[0] = afInet
			sa[2] = byte(dg.SrcPort >> 8)
			sa[3] = byte(dg.SrcPort)
			copy(sa[4:8], dg.SrcIP[:])
			if uerr := WriteUser(t.Proc.AS, t.Proc.Pages, srcVA, sa[:]); uerr != errno.Success {
				return task.Result{Err: uerr}
			}
		}
		return task.Result{Value: int64(n)}
	})
	return pollFutureNow(t, copyOut)
}

func beUint16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}
