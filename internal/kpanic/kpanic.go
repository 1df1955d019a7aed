// Package kpanic implements the kernel's last-words path (spec §5
// "Panic handling"): disable further supervisor interrupts, force-unlock
// the console, print the message with a backtrace and — for
// supervisor-mode faults — a disassembly of the faulting instruction,
// then halt every hart.
//
// Grounded on the teacher's panic-adjacent diagnostics (caller.Callerdump
// in caller/caller.go, the tfdump/hexdump console dumps) with the
// instruction decode supplied by golang.org/x/arch/riscv64/riscv64asm,
// the same module family the teacher's go.mod carries for its own
// disassembly tooling.
package kpanic

import (
	"fmt"
	"io"

	"golang.org/x/arch/riscv64/riscv64asm"

	"rvkernel/internal/caller"
	"rvkernel/internal/spinlock"
)

// Unlockable is anything holding a spinlock the panic path must force
// open before printing (the console logger, the raw UART sink).
type Unlockable interface {
	ForceUnlock()
}

// Platform hooks installed at boot. DisableInterrupts clears sstatus.SIE
// on the calling hart; HaltOtherHarts IPIs every other hart into a
// terminal wfi loop; HaltSelf never returns.
var (
	DisableInterrupts = func() {}
	HaltOtherHarts    = func() {}
	HaltSelf          = func() {
		for {
		}
	}
)

// sink is the raw console writer, registered at boot together with the
// locks that must be forced open before using it.
var (
	mu     spinlock.Lock
	sink   io.Writer
	locks  []Unlockable
	armed  bool
)

// Install registers the console sink and the locks to force open on
// panic. Called once at boot.
func Install(out io.Writer, unlock ...Unlockable) {
	mu.Acquire()
	sink = out
	locks = unlock
	armed = true
	mu.Release()
}

// Panic is the kernel's terminal error path. It never returns.
func Panic(format string, args ...any) {
	DisableInterrupts()
	for _, l := range locks {
		l.ForceUnlock()
	}
	if armed && sink != nil {
		fmt.Fprintf(sink, "kernel panic: "+format+"\n", args...)
		fmt.Fprint(sink, caller.Dump(2))
	}
	HaltOtherHarts()
	HaltSelf()
}

// PanicAt is Panic for supervisor-mode faults: it additionally
// disassembles the faulting instruction when the fault PC is readable,
// so the console shows what the kernel was executing when it died.
func PanicAt(pc uint64, instBytes []byte, format string, args ...any) {
	DisableInterrupts()
	for _, l := range locks {
		l.ForceUnlock()
	}
	if armed && sink != nil {
		fmt.Fprintf(sink, "kernel panic: "+format+"\n", args...)
		fmt.Fprintf(sink, "  at pc=%#x", pc)
		if inst, err := riscv64asm.Decode(instBytes); err == nil {
			fmt.Fprintf(sink, ": %s", riscv64asm.GNUSyntax(inst))
		}
		fmt.Fprintln(sink)
		fmt.Fprint(sink, caller.Dump(2))
	}
	HaltOtherHarts()
	HaltSelf()
}

// Invariant reports an internal invariant violation; these are never
// recoverable (spec §7).
func Invariant(msg string, args ...any) {
	Panic("invariant violated: "+msg, args...)
}
