// Package plic implements the platform-level interrupt controller half
// of component C7: external-interrupt claim/complete and priority/
// threshold setup. The PLIC's MMIO register layout itself belongs to the
// excluded platform-device layer (spec §1); this package models the
// claim/dispatch/complete protocol and the source->handler table the
// kernel drives it with.
//
// Grounded on the teacher's device-interrupt-source abstraction in
// defs/device.go (closed enum of device kinds) generalized from PCI
// device identification to PLIC interrupt-source identification. The
// source->handler table is a map keyed by source id, read under a
// spinlock on every external interrupt.
package plic

import "rvkernel/internal/spinlock"

// MMIO is the register-access contract the excluded platform/device
// layer supplies; production code backs this with the identity-mapped
// PLIC MMIO window, tests with an in-memory fake.
type MMIO interface {
	SetPriority(source uint32, priority uint32)
	SetThreshold(hart int, threshold uint32)
	Claim(hart int) uint32
	Complete(hart int, source uint32)
}

// Handler processes one claimed interrupt source.
type Handler func()

// Controller dispatches claimed PLIC interrupts to registered handlers
// by source id. UART is the only source spec §4.7 requires of the core;
// the table is a map with no fixed size, so the excluded VirtIO-net
// layer can register its own source without touching this package.
type Controller struct {
	mmio MMIO
	mu   spinlock.Lock
	// trap-safe: acquired only from the external-interrupt trap path.
	handlers map[uint32]Handler
}

// New builds a Controller over mmio, setting every hart's threshold to
// zero (spec §4.7: "one threshold is set to 0"); source priorities are
// set later by Register.
func New(mmio MMIO, nharts int) *Controller {
	c := &Controller{mmio: mmio, handlers: make(map[uint32]Handler)}
	for h := 0; h < nharts; h++ {
		mmio.SetThreshold(h, 0)
	}
	return c
}

// Register installs handler for source, and gives it the priority prio
// (any non-zero value makes it eligible given the zero threshold).
func (c *Controller) Register(source uint32, prio uint32, handler Handler) {
	c.mu.Acquire()
	defer c.mu.Release()
	c.mmio.SetPriority(source, prio)
	c.handlers[source] = handler
}

// Dispatch claims the next pending interrupt on hart, runs its handler
// if one is registered, and completes it. It is called directly from
// the cause-9 trap entry (spec §4.6), so it must never block.
func (c *Controller) Dispatch(hart int) {
	source := c.mmio.Claim(hart)
	if source == 0 {
		// Spurious claim; nothing pending.
		return
	}
	c.mu.Acquire()
	h := c.handlers[source]
	c.mu.Release()
	if h != nil {
		h()
	}
	c.mmio.Complete(hart, source)
}
