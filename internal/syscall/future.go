package syscall

import "rvkernel/internal/task"

// finished wraps an inner future with a completion step that runs
// exactly once, at the moment the inner future becomes Ready. Handlers
// that must copy results back into user memory (read's buffer, wait4's
// *status, ppoll's revents, recvfrom's payload and sockaddr) cannot do
// that from their own stack frame when the syscall suspends — by the
// time the inner future completes, the handler has long since returned
// and the scheduler is the one polling. Wrapping the copy-out in the
// future itself makes the synchronous and suspended paths identical.
type finished struct {
	inner  task.Future
	finish func(task.Result) task.Result
}

// withFinish builds a future that yields finish(result) once inner is
// Ready.
func withFinish(inner task.Future, finish func(task.Result) task.Result) task.Future {
	return &finished{inner: inner, finish: finish}
}

func (f *finished) Poll(w task.Waker) (task.Result, bool) {
	res, ok := f.inner.Poll(w)
	if !ok {
		return res, false
	}
	f.inner.Drop()
	f.inner = nil
	if res.Err != nil {
		return res, true
	}
	return f.finish(res), true
}

func (f *finished) Drop() {
	if f.inner != nil {
		f.inner.Drop()
		f.inner = nil
	}
}
