package proc

import "rvkernel/internal/task"

// VforkWait is the C10 future backing clone(CLONE_VM|CLONE_VFORK):
// Pending until the named child process calls ReleaseVfork (on its
// first execve or its exit), Ready with the child's pid in Value
// thereafter.
//
// Grounded on clock.Sleep's arm-once/settle-every-poll shape, the same
// pattern generalized from a timer expiry condition to a
// process-lifecycle condition.
type VforkWait struct {
	child *Process
	pid   int64
	armed bool
}

// NewVforkWait builds a future that becomes Ready once child is
// released, yielding pid as the completed syscall's return value.
func NewVforkWait(child *Process, pid int64) *VforkWait {
	return &VforkWait{child: child, pid: pid}
}

func (v *VforkWait) Poll(w task.Waker) (task.Result, bool) {
	if v.child.VforkDone() {
		return task.Result{Value: v.pid}, true
	}
	if !v.armed {
		v.armed = true
		v.child.vforkGate.ArmPending()
	}
	v.child.vforkGate.Settle(w)
	return task.Result{}, false
}

func (v *VforkWait) Drop() {}

// WaitFuture is the C10 future backing wait4: Pending until child
// records an exit status, Ready with that status in Value thereafter.
type WaitFuture struct {
	child   *Process
	gate    task.WakeupGate
	armed   bool
}

// NewWaitFuture builds a future over child's eventual exit status.
func NewWaitFuture(child *Process) *WaitFuture {
	return &WaitFuture{child: child}
}

func (w *WaitFuture) Poll(waker task.Waker) (task.Result, bool) {
	if status, ok := w.child.ExitStatus(); ok {
		return task.Result{Value: int64(status)}, true
	}
	if !w.armed {
		w.armed = true
		w.gate.ArmPending()
		gate := &w.gate
		w.child.NotifyOnExit(func(int32) { gate.Fire() })
	}
	w.gate.Settle(waker)
	return task.Result{}, false
}

func (w *WaitFuture) Drop() {}
