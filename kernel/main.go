// Command kernel is the supervisor-mode kernel image entry point. The
// platform assembly stub (excluded collaborator, spec §1) lands here
// after setting up a Go-runnable environment on the boot hart: it calls
// Main with the hart id and device-tree pointer the firmware passed in
// a0/a1, and later calls TrapEntry for every vectored trap once the
// Go-side handlers are installed.
package main

import (
	"unsafe"

	"rvkernel/internal/boot"
	"rvkernel/internal/hart"
)

// kernel is the global wired-kernel handle, set once by Main.
var kernel *boot.Kernel

// platform is populated by the platform stub before Main runs; the
// no-op hooks below keep the image linkable while the stub is absent
// (host-side builds, tests).
var platform = boot.Platform{
	ClocksPerTick: 10_000, // QEMU virt: 10 MHz timebase, 1ms ticks
	ReadMTime:     func() uint64 { return 0 },
	DrainUART:     func(push func(byte)) {},
	EnableInterrupts:  func() {},
	DisableInterrupts: func() {},
}

// programs is the embedded name->image table execve and Spawn look up
// against (spec §4.12). The build system links user binaries in as
// byte blobs; an empty table still boots to the idle loop.
var programs = map[string][]byte{}

// image describes the kernel's own segments; filled from link-time
// symbols by the platform stub.
var image boot.Image

// Main is the boot hart's Go entry.
func Main(hartID int, dtb []byte) {
	kernel = boot.Setup(dtb, image, platform, programs)
	if _, e := kernel.Spawn("init", []string{"init"}); e != 0 {
		kernel.Log.Warnf("boot: no init program embedded, idling")
	}
	kernel.BootHartMain(platform)
}

// SecondaryMain is a secondary hart's Go entry; the stub has already
// copied the opaque hart-start argument into sscratch.
func SecondaryMain(hartID int) {
	kernel.SecondaryHartMain(hartID, platform)
}

// TrapEntry is the Go half of the vectored trap entry: the assembly
// stub has saved the full register set into the hart context's trap
// frame, switched satp to the kernel tables, and moved onto the kernel
// stack before calling here.
func TrapEntry(scause, stval uint64) {
	ctx := (*hart.Context)(unsafe.Pointer(hart.ReadScratch()))
	kernel.Dispatchers[ctx.HartID].Handle(ctx, scause, stval)
}

func main() {
	// The real entry is Main, reached from the platform stub; a hosted
	// build of this package does nothing.
}
