// Package limits tracks system-wide resource ceilings with atomic
// take/give counters, adapted from the teacher's limits/limits.go
// Syslimit_t/Sysatomic_t: the counter is pre-loaded with the limit and
// decremented on take; a take that would drive it negative is undone
// and refused.
package limits

import "sync/atomic"

// Hits counts refused takes, for the diagnostic dump.
var Hits atomic.Int64

// Counter is a numeric limit that can be atomically taken from and
// given back to.
type Counter struct {
	n atomic.Int64
}

// NewCounter returns a Counter pre-loaded with limit units.
func NewCounter(limit int64) *Counter {
	c := &Counter{}
	c.n.Store(limit)
	return c
}

// Taken tries to take n units, reporting whether it succeeded.
func (c *Counter) Taken(n int64) bool {
	if n < 0 {
		panic("limits: negative take")
	}
	if c.n.Add(-n) >= 0 {
		return true
	}
	c.n.Add(n)
	Hits.Add(1)
	return false
}

// Take takes one unit.
func (c *Counter) Take() bool { return c.Taken(1) }

// Given returns n units.
func (c *Counter) Given(n int64) {
	if n < 0 {
		panic("limits: negative give")
	}
	c.n.Add(n)
}

// Give returns one unit.
func (c *Counter) Give() { c.Given(1) }

// Remaining returns the units currently available.
func (c *Counter) Remaining() int64 { return c.n.Load() }

// SystemLimits is the kernel-wide limit set, one instance built at boot.
type SystemLimits struct {
	// Threads bounds live threads across all processes.
	Threads *Counter
	// Sockets bounds bound UDP ports.
	Sockets *Counter
	// VMRegions bounds live mmap regions (arena and MAP_FIXED) across all
	// processes; brk growth takes no credit, and munmap and teardown
	// give credits back.
	VMRegions *Counter
	// OpenFiles bounds total fd-table entries across all processes.
	OpenFiles *Counter
}

// Defaults sized for the small workloads this kernel runs.
func New() *SystemLimits {
	return &SystemLimits{
		Threads:   NewCounter(1024),
		Sockets:   NewCounter(512),
		VMRegions: NewCounter(4096),
		OpenFiles: NewCounter(4096),
	}
}
