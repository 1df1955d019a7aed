// Package caller provides call-site diagnostics used to rate-limit and
// de-duplicate recurring kernel warnings (repeated EFAULTs from the same
// user PC, repeated lock-contention chains) instead of flooding the
// console with an identical message on every occurrence.
//
// Adapted from the teacher's caller.go Distinct_caller_t.
package caller

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/ianlancetaylor/demangle"
)

// Dump formats the call stack starting at the given skip depth.
func Dump(skip int) string {
	i := skip
	s := ""
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if s == "" {
			s = fmt.Sprintf("%s:%d\n", f, l)
		} else {
			s += fmt.Sprintf("\t<-%s:%d\n", f, l)
		}
	}
	return s
}

// DistinctCaller detects the first call from each distinct chain of
// ancestor callers and suppresses the rest.
type DistinctCaller struct {
	mu      sync.Mutex
	Enabled bool
	seen    map[uintptr]bool
	// Whitelist holds function names whose call chains are never reported
	// (e.g. a known-noisy internal retry loop).
	Whitelist map[string]bool
}

func (dc *DistinctCaller) hash(pcs []uintptr) uintptr {
	if len(pcs) == 0 {
		panic("empty pc chain")
	}
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

// Len returns the number of unique caller chains recorded so far.
func (dc *DistinctCaller) Len() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.seen)
}

// Distinct reports whether the current call chain is new. When it is, it
// also returns a demangled, formatted stack trace suitable for logging.
func (dc *DistinctCaller) Distinct() (bool, string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if !dc.Enabled {
		return false, ""
	}
	if dc.seen == nil {
		dc.seen = make(map[uintptr]bool)
	}

	var pcs []uintptr
	for sz, got := 30, 30; got >= sz; sz *= 2 {
		pcs = make([]uintptr, sz)
		got = runtime.Callers(3, pcs)
		if got == 0 {
			panic("no callers")
		}
		pcs = pcs[:got]
	}
	h := dc.hash(pcs)
	if dc.seen[h] {
		return false, ""
	}
	dc.seen[h] = true

	frames := runtime.CallersFrames(pcs)
	fs := ""
	for {
		fr, more := frames.Next()
		if dc.Whitelist[fr.Function] {
			return false, ""
		}
		name := demangleName(fr.Function)
		if fs == "" {
			fs = fmt.Sprintf("%v (%v:%v)\n", name, fr.File, fr.Line)
		} else {
			fs += fmt.Sprintf("\t%v (%v:%v)\n", name, fr.File, fr.Line)
		}
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	return true, fs
}

// demangleName best-effort demangles a frame's function name. Go symbols
// are already plain, but frames surfaced from cgo/Rust shims (the
// excluded VirtIO/PCI collaborators are allowed to be written in either)
// benefit from the same pass, so every frame goes through it uniformly.
func demangleName(name string) string {
	if out, err := demangle.ToString(name, demangle.NoParams); err == nil && out != "" {
		return out
	}
	return name
}
