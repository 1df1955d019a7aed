package syscall

import (
	"rvkernel/internal/clock"
	"rvkernel/internal/errno"
	"rvkernel/internal/hart"
	"rvkernel/internal/proc"
)

func registerSleep(d *Dispatcher) {
	d.Table[SysNanosleep] = sysNanosleep
}

// timespec layout matches struct timespec { long tv_sec; long tv_nsec; }
// on riscv64: two 8-byte fields.
const timespecSize = 16

func readTimespec(t *proc.Thread, va uintptr) (sec, nsec uint64, e errno.Errno) {
	raw, uerr := ReadUser(t.Proc.AS, t.Proc.Pages, va, timespecSize)
	if uerr != errno.Success {
		return 0, 0, uerr
	}
	return leUint64(raw[0:8]), leUint64(raw[8:16]), errno.Success
}

// sysNanosleep implements spec §4.12 nanosleep by converting the
// requested duration to ticks and arming a clock.Sleep future; it is
// the canonical example of the suspend path spec §4.10 describes.
func sysNanosleep(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	sec, nsec, uerr := readTimespec(t, uintptr(args[0]))
	if uerr != errno.Success {
		return 0, uerr, true
	}
	millis := sec*1000 + nsec/1_000_000
	ticks := clock.Tick(millis * clock.TicksPerSecond / 1000)
	if ticks == 0 {
		ticks = 1
	}
	f := clock.NewSleep(clock.Now()+ticks, &ctx.WakeQueue)
	return pollFutureNow(t, f)
}
