package syscall

import (
	"rvkernel/internal/clock"
	"rvkernel/internal/errno"
	"rvkernel/internal/fd"
	"rvkernel/internal/hart"
	"rvkernel/internal/proc"
	"rvkernel/internal/task"
)

func registerPoll(d *Dispatcher) {
	d.Table[SysPpoll] = sysPpoll
}

// pollfd layout matches struct pollfd { int fd; short events; short
// revents; } packed to 8 bytes on riscv64.
const pollfdSize = 8

const (
	pollin  = 0x0001
	pollout = 0x0004
)

// ppollFuture polls a fixed set of fds each tick until one is ready or
// an optional deadline expires; it is the C10 future backing spec
// §4.12's ppoll, composing fd readiness with clock.Sleep rather than
// duplicating timer logic.
type ppollFuture struct {
	fds      []int
	events   []uint16
	revents  []uint16
	entries  []*fd.Entry
	deadline *clock.Tick
	queue    *clock.WakeQueue
	gate     task.WakeupGate
	armed    bool
	tok      clock.Token
}

func (p *ppollFuture) ready() (int64, bool) {
	n := int64(0)
	for i, e := range p.entries {
		if e == nil {
			continue
		}
		r := uint16(0)
		if p.events[i]&pollin != 0 && e.File.Readable() {
			r |= pollin
		}
		if p.events[i]&pollout != 0 {
			r |= pollout
		}
		p.revents[i] = r
		if r != 0 {
			n++
		}
	}
	return n, n > 0
}

func (p *ppollFuture) Poll(w task.Waker) (task.Result, bool) {
	if n, ok := p.ready(); ok {
		return task.Result{Value: n}, true
	}
	if p.deadline != nil && clock.Now() >= *p.deadline {
		return task.Result{Value: 0}, true
	}
	if p.deadline != nil && !p.armed {
		p.armed = true
		p.gate.ArmPending()
		p.tok = p.queue.Arm(*p.deadline, wakerAdapter{p.gate.Fire})
	}
	p.gate.Settle(w)
	return task.Result{}, false
}

func (p *ppollFuture) Drop() {
	if p.armed {
		p.queue.Cancel(p.tok)
	}
}

type wakerAdapter struct{ fn func() }

func (w wakerAdapter) Wake() { w.fn() }

// sysPpoll implements spec §4.12 ppoll over the small pollfd set
// (stdin, socket fds); unknown fds in the set are silently reported
// with revents=0 rather than failing the whole call, matching poll(2)
// semantics.
func sysPpoll(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	fdsVA := uintptr(args[0])
	nfds := int(args[1])
	timeoutVA := uintptr(args[2])

	p := &ppollFuture{queue: &ctx.WakeQueue}
	rawFds := make([]byte, nfds*pollfdSize)
	for i := 0; i < nfds; i++ {
		entry, uerr := ReadUser(t.Proc.AS, t.Proc.Pages, fdsVA+uintptr(i*pollfdSize), pollfdSize)
		if uerr != errno.Success {
			return 0, uerr, true
		}
		copy(rawFds[i*pollfdSize:], entry)
		num := int(int32(leUint32(entry[0:4])))
		ev := leUint16(entry[4:6])
		p.fds = append(p.fds, num)
		p.events = append(p.events, ev)
		p.revents = append(p.revents, 0)
		e, found := t.Proc.Fds.Get(num)
		if found {
			p.entries = append(p.entries, e)
		} else {
			p.entries = append(p.entries, nil)
		}
	}

	if timeoutVA != 0 {
		sec, nsec, uerr := readTimespec(t, timeoutVA)
		if uerr != errno.Success {
			return 0, uerr, true
		}
		millis := sec*1000 + nsec/1_000_000
		ticks := clock.Tick(millis * clock.TicksPerSecond / 1000)
		until := clock.Now() + ticks
		p.deadline = &until
	}

	copyOut := withFinish(p, func(res task.Result) task.Result {
		for i := range p.fds {
			off := i*pollfdSize + 6
			rawFds[off] = byte(p.revents[i])
			rawFds[off+1] = byte(p.revents[i] >> 8)
		}
		if uerr := WriteUser(t.Proc.AS, t.Proc.Pages, fdsVA, rawFds); uerr != errno.Success {
			return task.Result{Err: uerr}
		}
		return res
	})
	return pollFutureNow(t, copyOut)
}
