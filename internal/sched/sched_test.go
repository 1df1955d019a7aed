package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rvkernel/internal/clock"
	"rvkernel/internal/errno"
	"rvkernel/internal/hart"
	"rvkernel/internal/page"
	"rvkernel/internal/proc"
	"rvkernel/internal/task"
	"rvkernel/internal/ustr"
)

type sliceBacking struct {
	mem map[uintptr][]byte
}

func (s *sliceBacking) Bytes(pa uintptr, n int) []byte {
	base := pa &^ (page.PageSize - 1)
	off := int(pa - base)
	b, ok := s.mem[base]
	if !ok {
		b = make([]byte, page.PageSize)
		s.mem[base] = b
	}
	return b[off : off+n]
}

type rig struct {
	proc *proc.Process
	ctx  *hart.Context
	s    *Scheduler
}

func newRig(t *testing.T, hartID int) *rig {
	t.Helper()
	Global = RunSet{}
	alloc := page.New(0x100000, 128*page.PageSize, nil, &sliceBacking{mem: make(map[uintptr][]byte)}, 0)
	p, err := proc.NewEmpty(alloc, nil, ustr.FromString("rig"), 0)
	require.NoError(t, err)

	idle := proc.NewThread(p, 0, 0)
	p.AddThread(idle)
	ctx := &hart.Context{HartID: hartID, NumHarts: 1, Idle: idle}
	return &rig{
		proc: p,
		ctx:  ctx,
		s:    &Scheduler{HartID: hartID, Idle: idle, Wake: &ctx.WakeQueue},
	}
}

func (r *rig) newThread(pc uint64) *proc.Thread {
	th := proc.NewThread(r.proc, pc, 0x2000)
	r.proc.AddThread(th)
	return th
}

func TestScheduleIsFIFO(t *testing.T) {
	r := newRig(t, 0)
	t1 := r.newThread(0x100)
	t2 := r.newThread(0x200)
	Global.Enqueue(t1)
	Global.Enqueue(t2)

	r.s.Schedule(r.ctx, nil)
	require.Equal(t, t1, r.ctx.Current)
	require.Equal(t, proc.Running, t1.State())
	require.Equal(t, 0, t1.CPU())
	require.Equal(t, uint64(0x100), r.ctx.SavedPC)

	// Preempt t1: it goes to the tail, t2 runs next.
	r.s.Schedule(r.ctx, t1)
	require.Equal(t, t2, r.ctx.Current)
	require.Equal(t, proc.Runnable, t1.State())

	r.s.Schedule(r.ctx, t2)
	require.Equal(t, t1, r.ctx.Current)
}

func TestScheduleIdlesWhenEmpty(t *testing.T) {
	r := newRig(t, 0)
	r.s.Schedule(r.ctx, nil)
	require.Equal(t, r.ctx.Idle, r.ctx.Current)
}

func TestScheduleSkipsDeadThreads(t *testing.T) {
	r := newRig(t, 0)
	dead := r.newThread(0x100)
	live := r.newThread(0x200)
	dead.Kill()
	Global.Enqueue(dead)
	Global.Enqueue(live)

	r.s.Schedule(r.ctx, nil)
	require.Equal(t, live, r.ctx.Current)
	require.Zero(t, Global.Len(), "the dead entry is discarded, not requeued")
}

func TestScheduleNeverDoubleRuns(t *testing.T) {
	r0 := newRig(t, 0)
	th := r0.newThread(0x100)
	Global.Enqueue(th)
	// A stale duplicate entry, as a racing waker could produce.
	Global.Enqueue(th)

	r0.s.Schedule(r0.ctx, nil)
	require.Equal(t, th, r0.ctx.Current)

	// The duplicate must not be dispatched while the thread is Running.
	ctx1 := &hart.Context{HartID: 1, Idle: r0.ctx.Idle}
	s1 := &Scheduler{HartID: 1, Idle: r0.ctx.Idle.(*proc.Thread), Wake: &ctx1.WakeQueue}
	s1.Schedule(ctx1, nil)
	require.Equal(t, ctx1.Idle, ctx1.Current)
}

// stubFuture counts polls and completes when told to.
type stubFuture struct {
	ready   bool
	value   int64
	err     error
	polls   int
	dropped bool
	waker   task.Waker
}

func (f *stubFuture) Poll(w task.Waker) (task.Result, bool) {
	f.polls++
	f.waker = w
	if f.ready {
		return task.Result{Value: f.value, Err: f.err}, true
	}
	return task.Result{}, false
}

func (f *stubFuture) Drop() { f.dropped = true }

func TestScheduleCompletesReadyFuture(t *testing.T) {
	r := newRig(t, 0)
	th := r.newThread(0x100)
	f := &stubFuture{ready: true, value: 42}
	th.AttachFuture(f)
	Global.Enqueue(th)

	r.s.Schedule(r.ctx, nil)
	require.Equal(t, th, r.ctx.Current)
	require.Equal(t, uint64(42), th.Frame().A0())
	require.Equal(t, uint64(0x104), th.PC(), "PC advances past the ecall on completion")
	require.Nil(t, th.Future())
	require.True(t, f.dropped)
}

func TestScheduleWritesNegativeErrno(t *testing.T) {
	r := newRig(t, 0)
	th := r.newThread(0x100)
	th.AttachFuture(&stubFuture{ready: true, err: errno.EBADF})
	Global.Enqueue(th)

	r.s.Schedule(r.ctx, nil)
	require.Equal(t, errno.EBADF.Negate(), int64(th.Frame().A0()))
}

func TestSchedulePendingFutureParksUntilWoken(t *testing.T) {
	r := newRig(t, 0)
	th := r.newThread(0x100)
	f := &stubFuture{}
	th.AttachFuture(f)
	Global.Enqueue(th)

	r.s.Schedule(r.ctx, nil)
	require.Equal(t, r.ctx.Idle, r.ctx.Current)
	require.Equal(t, proc.Waiting, th.State())
	require.Equal(t, uint64(0x100), th.PC(), "PC stays at the ecall while suspended")

	f.ready = true
	f.value = 7
	f.waker.Wake()
	require.Equal(t, proc.Runnable, th.State())
	require.Equal(t, 1, Global.Len())

	r.s.Schedule(r.ctx, r.ctx.Idle.(*proc.Thread))
	require.Equal(t, th, r.ctx.Current)
	require.Equal(t, uint64(7), th.Frame().A0())
}

func TestWakeFiredBeforeParkIsNotLost(t *testing.T) {
	r := newRig(t, 0)
	th := r.newThread(0x100)

	// The future's first poll fires the waker immediately, modeling an
	// event racing the park sequence.
	f := &fireOnPollFuture{}
	th.AttachFuture(f)
	Global.Enqueue(th)

	r.s.Schedule(r.ctx, nil)
	// The wakeup must have been replayed: the thread is back in the run
	// set (or already chosen), never stranded Waiting with no waker.
	require.NotEqual(t, proc.Waiting, th.State())
}

type fireOnPollFuture struct{ fired bool }

func (f *fireOnPollFuture) Poll(w task.Waker) (task.Result, bool) {
	if !f.fired {
		f.fired = true
		w.Wake()
		return task.Result{}, false
	}
	return task.Result{Value: 1}, true
}

func (f *fireOnPollFuture) Drop() {}

func TestScheduleInterruptsParkedFutureOnSignal(t *testing.T) {
	r := newRig(t, 0)
	th := r.newThread(0x100)
	th.Sig.SetAction(2, proc.SignalAction{Handler: 0x5000})
	th.Sig.Raise(2)
	f := &stubFuture{}
	th.AttachFuture(f)
	Global.Enqueue(th)

	r.s.Schedule(r.ctx, nil)
	require.Equal(t, th, r.ctx.Current)
	require.Equal(t, errno.EINTR.Negate(), int64(th.Frame().A0()))
	require.True(t, f.dropped)
	require.Nil(t, th.Future())
}

func TestScheduleChargesSliceToOutgoingThread(t *testing.T) {
	now := clock.Tick(0)
	oldNow, oldSet := clock.Now, clock.SetTimer
	clock.Now = func() clock.Tick { return now }
	clock.SetTimer = func(clock.Tick) {}
	defer func() { clock.Now, clock.SetTimer = oldNow, oldSet }()

	r := newRig(t, 0)
	th := r.newThread(0x100)
	Global.Enqueue(th)

	now = 1
	r.s.Schedule(r.ctx, nil) // dispatch th, stamp the slice start
	now = 8
	r.s.Schedule(r.ctx, th) // 7ms of user time charged on the way out

	user, _ := th.Acc.Fetch()
	require.Equal(t, int64(7_000_000), user)
	puser, _ := r.proc.Acc.Fetch()
	require.GreaterOrEqual(t, puser, int64(7_000_000),
		"the owning process accumulates its threads' slices")
}

func TestExternalWakeOnlyActsOnWaiting(t *testing.T) {
	r := newRig(t, 0)
	th := r.newThread(0x100)
	Global.Enqueue(th)
	r.s.Schedule(r.ctx, nil)
	require.Equal(t, proc.Running, th.State())

	Wake(th) // racing wake against a Running thread is a no-op
	require.Equal(t, proc.Running, th.State())
	require.Zero(t, Global.Len())
}
