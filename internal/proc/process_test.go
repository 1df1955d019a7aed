package proc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rvkernel/internal/page"
	"rvkernel/internal/sv39"
	"rvkernel/internal/task"
	"rvkernel/internal/ustr"
)

type sliceBacking struct {
	mem map[uintptr][]byte
}

func newSliceBacking() *sliceBacking {
	return &sliceBacking{mem: make(map[uintptr][]byte)}
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

func newTestProcess(t *testing.T, npages int) (*Process, *page.Allocator) {
	t.Helper()
	alloc := page.New(0x100000, npages*page.PageSize, nil, newSliceBacking(), 0)
	p, err := NewEmpty(alloc, nil, ustr.FromString("test"), 0)
	require.NoError(t, err)
	return p, alloc
}

func TestBrkGrowShrinkRoundTrip(t *testing.T) {
	p, _ := newTestProcess(t, 64)

	require.Equal(t, uintptr(0), p.Brk())
	require.Equal(t, uintptr(0x3000), p.SetBrk(0x3000))
	require.Equal(t, uintptr(0x3000), p.Brk())

	// The grown range is mapped RW and user-visible.
	_, ok := p.AS.TranslateUser(0x2000, true)
	require.True(t, ok)

	require.Equal(t, uintptr(0x1000), p.SetBrk(0x1000))
	_, ok = p.AS.TranslateUser(0x2000, true)
	require.False(t, ok, "shrunk pages must be unmapped")
	_, ok = p.AS.TranslateUser(0x0, true)
	require.True(t, ok, "pages below the new break stay mapped")
}

func TestBrkEchoesEveryInBoundsRequest(t *testing.T) {
	p, _ := newTestProcess(t, 64)

	requests := []uintptr{0x1000, 0x4000, 0x2000, 0x8000}
	var returns []uintptr
	for _, r := range requests {
		returns = append(returns, p.SetBrk(r))
	}
	require.Equal(t, requests, returns,
		"every in-bounds request is honored and echoed back")
}

func TestMmapMunmapReturnsPagesToAllocator(t *testing.T) {
	p, alloc := newTestProcess(t, 64)
	baseline := alloc.Used()

	va, e := p.MmapAlloc(2, sv39.ReadWrite)
	require.Zero(t, e)
	require.Equal(t, uintptr(0), va%page.PageSize)

	// 2 backing pages plus however many table pages the walk needed.
	require.GreaterOrEqual(t, alloc.Used(), baseline+2)
	usedAfterMap := alloc.Used()

	require.Zero(t, p.Munmap(va, 2*page.PageSize))
	require.Equal(t, usedAfterMap-2, alloc.Used(),
		"munmap returns exactly the backing pages (tables stay)")
}

func TestMmapWatermarkAdvances(t *testing.T) {
	p, _ := newTestProcess(t, 64)
	a, e := p.MmapAlloc(1, sv39.ReadWrite)
	require.Zero(t, e)
	b, e := p.MmapAlloc(1, sv39.ReadWrite)
	require.Zero(t, e)
	require.Equal(t, a+page.PageSize, b)
}

func TestMunmapRejectsUnknownRange(t *testing.T) {
	p, _ := newTestProcess(t, 64)
	va, e := p.MmapAlloc(2, sv39.ReadWrite)
	require.Zero(t, e)

	require.NotZero(t, p.Munmap(va, page.PageSize), "sub-range")
	require.NotZero(t, p.Munmap(va+page.PageSize, page.PageSize), "middle")
	require.Zero(t, p.Munmap(va, 2*page.PageSize))
	require.NotZero(t, p.Munmap(va, 2*page.PageSize), "double munmap")
}

func TestMmapFixedOverlapFails(t *testing.T) {
	p, alloc := newTestProcess(t, 64)
	va, e := p.MmapAlloc(1, sv39.ReadWrite)
	require.Zero(t, e)
	used := alloc.Used()

	_, e = p.MmapFixed(va, 1, sv39.ReadWrite)
	require.NotZero(t, e, "MAP_FIXED over an existing mapping is refused")
	require.Equal(t, used, alloc.Used(), "the failed attempt leaks no pages")
}

func TestTeardownFreesEverything(t *testing.T) {
	p, alloc := newTestProcess(t, 64)
	_, e := p.MmapAlloc(3, sv39.ReadWrite)
	require.Zero(t, e)
	require.Greater(t, alloc.Used(), 0)

	p.Teardown()
	require.Zero(t, alloc.Used(), "owned pages, tables, and the root all return")
}

func TestExitThreadClearsChildTIDAndWakesFutex(t *testing.T) {
	p, alloc := newTestProcess(t, 64)
	va, e := p.MmapAlloc(1, sv39.ReadWrite)
	require.Zero(t, e)

	pa, ok := p.AS.TranslateUser(va, true)
	require.True(t, ok)
	word := alloc.Bytes(pa, 8)
	for i := range word {
		word[i] = 0xff
	}

	var gate task.WakeupGate
	gate.ArmPending()
	p.FutexRegister(va, &gate)
	woken := false
	gate.Settle(funcWaker(func() { woken = true }))

	th := NewThread(p, 0x1000, 0x2000)
	th.ClearChildTID = va
	p.AddThread(th)
	p.ExitThread(th, 0)

	require.True(t, woken, "the clear_child_tid futex wake fired")
	require.Equal(t, make([]byte, 8), word[:8], "the tid word is zeroed")
	require.True(t, th.Dead())
	status, done := p.ExitStatus()
	require.True(t, done)
	require.Equal(t, int32(0), status)
}

type funcWaker func()

func (f funcWaker) Wake() { f() }

func TestFutexWakeCountsWaiters(t *testing.T) {
	p, _ := newTestProcess(t, 16)
	var g1, g2 task.WakeupGate
	p.FutexRegister(0x1000, &g1)
	p.FutexRegister(0x1000, &g2)

	require.Equal(t, 1, p.FutexWake(0x1000, 1))
	require.Equal(t, 1, p.FutexWake(0x1000, 8))
	require.Equal(t, 0, p.FutexWake(0x1000, 1))
}

func TestVforkWaitReleasesOnExecveOrExit(t *testing.T) {
	parent, _ := newTestProcess(t, 32)
	child, err := NewEmpty(parent.Pages, nil, ustr.FromString("child"), 1)
	require.NoError(t, err)
	parent.AddChild(child)

	f := NewVforkWait(child, 7)
	w := &countWaker{}
	_, ready := f.Poll(w)
	require.False(t, ready)

	child.ReleaseVfork()
	require.Equal(t, 1, w.n)
	res, ready := f.Poll(w)
	require.True(t, ready)
	require.Equal(t, int64(7), res.Value)

	// A second release is a no-op.
	child.ReleaseVfork()
}

type countWaker struct{ n int }

func (c *countWaker) Wake() { c.n++ }

func TestWaitFutureDeliversExitStatusOnce(t *testing.T) {
	parent, _ := newTestProcess(t, 32)
	child, err := NewEmpty(parent.Pages, nil, ustr.FromString("child"), 1)
	require.NoError(t, err)
	parent.AddChild(child)

	f := NewWaitFuture(child)
	w := &countWaker{}
	_, ready := f.Poll(w)
	require.False(t, ready)

	child.SetExitStatus(0x4200)
	require.Equal(t, 1, w.n)
	res, ready := f.Poll(w)
	require.True(t, ready)
	require.Equal(t, int64(0x4200), res.Value)

	// Status is latched: a later waiter sees it immediately.
	f2 := NewWaitFuture(child)
	res2, ready2 := f2.Poll(w)
	require.True(t, ready2)
	require.Equal(t, int64(0x4200), res2.Value)
}

func TestFindChild(t *testing.T) {
	parent, _ := newTestProcess(t, 32)
	c1, err := NewEmpty(parent.Pages, nil, ustr.FromString("c1"), 1)
	require.NoError(t, err)
	t1 := NewThread(c1, 0, 0)
	c1.AddThread(t1)
	parent.AddChild(c1)

	got, ok := parent.FindChild(int64(c1.Pid))
	require.True(t, ok)
	require.Same(t, c1, got)

	got, ok = parent.FindChild(-1)
	require.True(t, ok)
	require.Same(t, c1, got)

	_, ok = parent.FindChild(99999)
	require.False(t, ok)
}

func TestThreadStateTransitions(t *testing.T) {
	p, _ := newTestProcess(t, 16)
	th := NewThread(p, 0x1000, 0x2000)
	require.Equal(t, Runnable, th.State())

	th.MarkRunning(2)
	require.Equal(t, Running, th.State())
	require.Equal(t, 2, th.CPU())

	th.MarkRunnable()
	require.Equal(t, Runnable, th.State())
	require.Equal(t, -1, th.CPU())
}

func TestKillDropsAttachedFuture(t *testing.T) {
	p, _ := newTestProcess(t, 16)
	th := NewThread(p, 0x1000, 0x2000)

	dropped := false
	th.AttachFuture(dropRecorder{onDrop: func() { dropped = true }})
	th.Kill()
	require.True(t, dropped)
	require.Nil(t, th.Future())
	require.True(t, th.Dead())
}

type dropRecorder struct{ onDrop func() }

func (dropRecorder) Poll(task.Waker) (task.Result, bool) { return task.Result{}, false }
func (d dropRecorder) Drop()                             { d.onDrop() }
