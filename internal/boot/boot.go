// Package boot wires every kernel singleton together in the fixed
// initialization order spec §9 prescribes (allocator -> heap ->
// everything else), brings up the boot hart, and starts secondaries.
//
// Grounded on the teacher's kernel entry convention (kernel/chentry.go:
// one fixed landing site per privilege transition, all cross-package
// hooks installed before interrupts are enabled) and on mem.Phys_init's
// reservation-list bring-up.
package boot

import (
	"io"

	"rvkernel/internal/clock"
	"rvkernel/internal/config"
	"rvkernel/internal/errno"
	"rvkernel/internal/fd"
	"rvkernel/internal/fdt"
	"rvkernel/internal/hart"
	"rvkernel/internal/kheap"
	"rvkernel/internal/klog"
	"rvkernel/internal/kpanic"
	"rvkernel/internal/limits"
	"rvkernel/internal/page"
	"rvkernel/internal/plic"
	"rvkernel/internal/portmap"
	"rvkernel/internal/proc"
	"rvkernel/internal/sbi"
	"rvkernel/internal/sched"
	"rvkernel/internal/stdin"
	"rvkernel/internal/sv39"
	"rvkernel/internal/syscall"
	"rvkernel/internal/trap"
	"rvkernel/internal/udpsock"
	"rvkernel/internal/ustr"
	"rvkernel/internal/util"
)

// KernelDirectBase is where the kernel's high-half direct map of
// physical memory begins: root-table index 256, the first entry every
// process address space inherits through sv39.KernelMapper. Physical
// address p is always visible at KernelDirectBase+p once paging is on;
// the low identity mappings exist only in the kernel's own address
// space, for the window between enabling paging and jumping high.
const KernelDirectBase = uintptr(1) << 38

// UART0's interrupt source id on the QEMU virt machine.
const uartIRQ = 10

const sigint = 2

// Image describes the kernel's own loaded segments, supplied by the
// platform entry stub from link-time symbols.
type Image struct {
	TextStart, TextEnd     uintptr
	RodataStart, RodataEnd uintptr
	DataStart, DataEnd     uintptr
}

// Platform is everything the excluded platform/driver layer injects:
// the UART output sink and input drain, the PLIC register window, the
// direct-mapped physical memory view, the network send path, the
// timebase, and the entry points boot cannot know itself.
type Platform struct {
	UARTOut   io.Writer
	DrainUART func(push func(byte))
	PLICMMIO  plic.MMIO
	Backing   page.Backing
	NetSender udpsock.Sender

	// ReadMTime returns the current value of the platform timebase;
	// ClocksPerTick converts it to kernel ticks (1ms each).
	ReadMTime     func() uint64
	ClocksPerTick uint64

	// IdleEntry is the PC of the kernel's wfi loop; SecondaryEntry is
	// where sbi.HartStart points secondary harts.
	IdleEntry      uintptr
	SecondaryEntry uintptr

	// EnableInterrupts sets sstatus.SIE and the sie enable bits on the
	// calling hart; DisableInterrupts clears them.
	EnableInterrupts  func()
	DisableInterrupts func()
}

// Kernel is the fully wired kernel state shared by every hart.
type Kernel struct {
	Config config.Config
	Pages  *page.Allocator
	Heap   *kheap.Heap
	AS     *sv39.AddressSpace
	PLIC   *plic.Controller
	Con    *stdin.Console
	Stdio  *fd.Stdio
	Ports  *portmap.Table[*udpsock.Socket]
	Sys    *syscall.Dispatcher
	Limits *limits.SystemLimits
	Log    *klog.Logger

	Dispatchers []*trap.Dispatcher

	foreground *proc.Process
	idleProc   *proc.Process
}

// Setup runs the single-threaded portion of bring-up on the boot hart,
// in the fixed singleton order. It panics on any firmware validation
// failure (spec §7) and returns the wired kernel otherwise.
func Setup(dtb []byte, img Image, plat Platform, programs map[string][]byte) *Kernel {
	tree := fdt.Parse(dtb)
	cfg := config.FromFDT(tree)
	cfg.Reserved = append(cfg.Reserved,
		config.Reserved{Start: img.TextStart, End: img.DataEnd},
	)
	if len(dtb) > 0 {
		// The blob sits inside the heap region; keep the allocator away
		// from it. Its kernel VA is its PA under the direct map.
		base := uintptr(0)
		if plat.Backing != nil {
			base = dtbPhys(dtb)
		}
		if base != 0 {
			cfg.Reserved = append(cfg.Reserved, config.Reserved{Start: base, End: base + uintptr(len(dtb))})
		}
	}

	k := &Kernel{Config: cfg}

	// Allocator first, heap second; nothing below may allocate earlier.
	k.Pages = page.New(cfg.HeapBase, cfg.HeapSize, reservedRanges(cfg), plat.Backing, cfg.NumHarts)
	k.Heap = kheap.New(k.Pages)

	hart.Init(cfg.NumHarts)
	page.HartID = hart.HartIndex

	k.AS = buildKernelAS(k.Pages, img, cfg)

	// One limit set system-wide: the proc package owns it, the socket
	// and fd tables enforce against the same counters.
	k.Limits = proc.Limits
	udpsock.SocketLimit = k.Limits.Sockets
	fd.OpenFileLimit = k.Limits.OpenFiles

	k.Log = klog.New(plat.UARTOut, klog.Info)
	klog.Global.Init(k.Log)

	k.Con = stdin.NewConsole()
	k.Stdio = fd.NewStdio(k.Con, plat.UARTOut)
	k.Con.OnInterrupt = k.interruptForeground
	k.Con.OnDump = k.dumpDiagnostics

	kpanic.Install(plat.UARTOut, k.Log, k.Stdio)
	kpanic.DisableInterrupts = plat.DisableInterrupts
	kpanic.HaltOtherHarts = func() {
		for h := 0; h < cfg.NumHarts; h++ {
			if h != hart.HartIndex() {
				sbi.SendIPI(1<<uint(h), 0)
			}
		}
	}

	k.PLIC = plic.New(plat.PLICMMIO, cfg.NumHarts)
	k.PLIC.Register(uartIRQ, 1, func() {
		plat.DrainUART(k.Con.Push)
	})

	clock.Now = func() clock.Tick {
		return clock.Tick(plat.ReadMTime() / plat.ClocksPerTick)
	}
	clock.SetTimer = func(at clock.Tick) {
		sbi.SetTimer(uint64(at) * plat.ClocksPerTick)
	}
	trap.IPI = func(target int) {
		sbi.SendIPI(1<<uint(target), 0)
	}
	proc.RequestASFlush = trap.IPI
	syscall.PanicTrigger = func() {
		kpanic.Panic("panic requested from userspace (ioctl)")
	}

	k.Ports = portmap.New[*udpsock.Socket](64)
	k.Sys = syscall.NewDispatcher()
	k.Sys.Ports = k.Ports
	k.Sys.Sender = plat.NetSender
	k.Sys.Programs = programs
	k.Sys.NewProcess = func(name ustr.Ustr, parent proc.TID) (*proc.Process, error) {
		return proc.NewEmpty(k.Pages, k.AS, name, parent)
	}
	k.Sys.NewAS = func() (*sv39.AddressSpace, error) {
		return sv39.New(k.Pages, k.AS)
	}
	k.Sys.Log = k.Log
	k.Sys.Faults.Enabled = true

	k.buildPerHart(plat)

	k.Log.Infof("rvkernel: %d harts, heap %d MiB at %#x",
		cfg.NumHarts, cfg.HeapSize>>20, cfg.HeapBase)
	if ver, err := sbi.SpecVersion(); err == sbi.OK {
		k.Log.Infof("sbi: spec version %#x", ver)
	}
	return k
}

func reservedRanges(cfg config.Config) []page.Range {
	out := make([]page.Range, len(cfg.Reserved))
	for i, r := range cfg.Reserved {
		out[i] = page.Range{Start: r.Start, End: r.End}
	}
	return out
}

// dtbPhys recovers the blob's physical base from the direct-map slice
// identity; the platform stub hands boot the blob as a direct-map view,
// so its PA is encoded in the slice it chose. Returning 0 skips the
// reservation (tests pass synthetic blobs with no physical home).
var dtbPhys = func(dtb []byte) uintptr { return 0 }

// buildKernelAS constructs the canonical kernel address space: the
// high-half direct map of the kernel image, heap, and device MMIO
// (inherited by every process address space via KernelRootEntries),
// plus low identity aliases used only during the paging-enable window.
func buildKernelAS(pages *page.Allocator, img Image, cfg config.Config) *sv39.AddressSpace {
	as, err := sv39.New(pages, nil)
	if err != nil {
		panic("boot: cannot allocate the kernel root table")
	}

	type seg struct {
		start, end uintptr
		perm       sv39.Permission
		tag        string
	}
	segs := []seg{
		{img.TextStart, img.TextEnd, sv39.ReadExecute, "kernel-text"},
		{img.RodataStart, img.RodataEnd, sv39.ReadOnly, "kernel-rodata"},
		{img.DataStart, img.DataEnd, sv39.ReadWrite, "kernel-data"},
		{cfg.HeapBase, cfg.HeapBase + uintptr(cfg.HeapSize), sv39.ReadWrite, "kernel-heap"},
		{config.UARTBase, config.UARTBase + config.UARTSize, sv39.ReadWrite, "mmio-uart"},
		{config.PLICBase, config.PLICBase + config.PLICSize, sv39.ReadWrite, "mmio-plic"},
		{config.CLINTBase, config.CLINTBase + config.CLINTSize, sv39.ReadWrite, "mmio-clint"},
		{config.TestBase, config.TestBase + config.TestSize, sv39.ReadWrite, "mmio-test"},
	}
	for _, s := range segs {
		if s.end <= s.start {
			continue
		}
		start := util.Rounddown(s.start, uintptr(page.PageSize))
		size := int(util.Roundup(s.end, uintptr(page.PageSize)) - start)
		// High-half mapping, shared with every process address space.
		// MMIO and image pages are not owned by the address space.
		if err := as.Map(KernelDirectBase+start, start, size, s.perm, false, false, s.tag); err != nil {
			panic("boot: kernel direct map failed: " + s.tag)
		}
		// Low identity alias for the boot window.
		if err := as.Map(start, start, size, s.perm, false, false, s.tag+"-identity"); err != nil {
			panic("boot: kernel identity map failed: " + s.tag)
		}
	}
	return as
}

// buildPerHart allocates each hart's kernel stack, idle thread,
// scheduler, and trap dispatcher.
func (k *Kernel) buildPerHart(plat Platform) {
	idle, err := proc.NewEmpty(k.Pages, k.AS, ustr.FromString("idle"), 0)
	if err != nil {
		panic("boot: cannot create the idle process")
	}
	k.idleProc = idle

	k.Dispatchers = make([]*trap.Dispatcher, k.Config.NumHarts)
	for h := 0; h < k.Config.NumHarts; h++ {
		ctx := hart.All[h]
		ctx.KernelSatp = sv39.SatpValue(k.AS.Root())

		stackPages := config.KernelStackSize / page.PageSize
		pa, ok := k.Pages.Alloc(stackPages)
		if !ok {
			panic("boot: out of pages for a hart kernel stack")
		}
		ctx.KStackBottom = KernelDirectBase + pa
		ctx.KStackTop = ctx.KStackBottom + uintptr(config.KernelStackSize)

		idleThread := proc.NewThread(idle, uint64(plat.IdleEntry), uint64(ctx.KStackTop))
		idle.AddThread(idleThread)
		ctx.Idle = idleThread

		s := &sched.Scheduler{HartID: h, Idle: idleThread, Wake: &ctx.WakeQueue}
		k.Dispatchers[h] = &trap.Dispatcher{PLIC: k.PLIC, Sched: s, Syscalls: k.Sys}
	}
}

// Spawn creates a process from an embedded program image, makes it the
// foreground process if none exists yet, and enqueues its main thread.
func (k *Kernel) Spawn(name string, argv []string) (*proc.Process, errno.Errno) {
	image, found := k.Sys.Programs[name]
	if !found {
		return nil, errno.ENOENT
	}
	p, err := proc.NewEmpty(k.Pages, k.AS, ustr.FromString(name), 0)
	if err != nil {
		return nil, errno.ENOMEM
	}
	p.Fds.InstallStdio(k.Stdio)

	uargv := make([]ustr.Ustr, len(argv))
	for i, a := range argv {
		uargv[i] = ustr.FromString(a)
	}
	entry, sp, e := p.LoadELF(image, uargv)
	if e != errno.Success {
		return nil, e
	}
	if !k.Limits.Threads.Take() {
		return nil, errno.ENOMEM
	}
	main := proc.NewThread(p, entry, sp)
	p.AddThread(main)
	if k.foreground == nil {
		k.foreground = p
	}
	sched.Global.Enqueue(main)
	return p, errno.Success
}

// SetForeground changes which process Ctrl+C targets.
func (k *Kernel) SetForeground(p *proc.Process) { k.foreground = p }

// interruptForeground implements the ETX byte's contract (spec §6):
// raise SIGINT on the foreground process. With a user handler installed
// the signal is delivered at the next trap exit; the default action
// terminates the process (spec §4.12).
func (k *Kernel) interruptForeground() {
	p := k.foreground
	if p == nil {
		return
	}
	threads := p.Threads()
	if len(threads) == 0 {
		return
	}
	handled := false
	for _, t := range threads {
		if t.Sig.HasHandler(sigint) {
			t.Sig.Raise(sigint)
			sched.Wake(t)
			handled = true
			break
		}
	}
	if handled {
		return
	}
	status := int32(sigint) // WTERMSIG encoding: signal in the low bits
	p.SetExitStatus(status)
	for _, t := range threads {
		p.ExitThread(t, status)
	}
}

// dumpDiagnostics implements the EOT byte's contract: log scheduler and
// resource state to the console.
func (k *Kernel) dumpDiagnostics() {
	k.Log.Infof("diag: %d runnable, %d/%d pages used, %d limit hits",
		sched.Global.Len(), k.Pages.Used(), k.Pages.Total(), limits.Hits.Load())
	if p := k.foreground; p != nil {
		user, sys := p.Acc.Fetch()
		k.Log.Infof("diag: fg %q user=%dns sys=%dns", p.Name.String(), user, sys)
	}
}

// BootHartMain finishes bring-up on the boot hart: installs the scratch
// pointer, activates the kernel tables, unmasks interrupts, starts the
// secondaries, programs the first timer tick, and parks in the idle
// loop until the first interrupt schedules real work.
func (k *Kernel) BootHartMain(plat Platform) {
	k.hartCommon(0, plat)
	for h := 1; h < k.Config.NumHarts; h++ {
		ctxPtr := hart.ContextPtr(h)
		if err := sbi.HartStart(uint64(h), plat.SecondaryEntry, ctxPtr); err != sbi.OK {
			k.Log.Warnf("boot: hart %d failed to start: %v", h, err)
		}
	}
}

// SecondaryHartMain is the Go-side landing point for a secondary hart
// (the assembly stub has already installed sscratch from the opaque
// argument).
func (k *Kernel) SecondaryHartMain(hartID int, plat Platform) {
	k.hartCommon(hartID, plat)
}

func (k *Kernel) hartCommon(hartID int, plat Platform) {
	ctx := hart.All[hartID]
	hart.WriteScratch(hart.ContextPtr(hartID))
	k.AS.Activate(hartID)
	ctx.Current = ctx.Idle
	ctx.Idle.(*proc.Thread).MarkRunning(hartID)
	plat.EnableInterrupts()
	clock.SetTimer(clock.Now() + clock.IdleQuantum)
}
