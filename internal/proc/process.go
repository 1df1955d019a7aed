package proc

import (
	"debug/elf"
	"sync"

	"rvkernel/internal/accnt"
	"rvkernel/internal/errno"
	"rvkernel/internal/fd"
	"rvkernel/internal/limits"
	"rvkernel/internal/page"
	"rvkernel/internal/sv39"
	"rvkernel/internal/task"
	"rvkernel/internal/ustr"
	"rvkernel/internal/util"
)

// Default user-space layout constants (spec §4.8).
const (
	UserStackTop  = uintptr(0x3f_ffff_f000)
	UserStackSize = 8 * page.PageSize
	MmapArenaBase = uintptr(0x20_0000_0000)
)

// Limits is the system-wide resource ceiling set: thread creation
// (clone, spawn) takes from Threads and ExitThread gives back; mmap
// takes from VMRegions and munmap/teardown give back. Boot shares the
// same instance with the socket and fd tables.
var Limits = limits.New()

// Pages is the physical-page source a Process uses for its own address
// space, stacks, heap, and mmap arena.
type Pages interface {
	Alloc(n int) (uintptr, bool)
	Free(pa uintptr) int
	Bytes(pa uintptr, n int) []byte
}

// pageRun records one physically-owned allocation (ELF segment, stack,
// heap growth, mmap region) so Process bookkeeping (munmap, brk shrink,
// exit teardown) can find and release it precisely.
type pageRun struct {
	va, pa uintptr
	npages int
	// counted marks runs holding a Limits.VMRegions credit (mmap arena
	// and MAP_FIXED mappings; ELF/stack/brk runs are uncounted).
	counted bool
}

// Process owns an address space, a set of threads, and the resources
// spec §3 lists: fd table, mmap arena watermark, brk watermark, parent
// TID, exit status.
type Process struct {
	Name ustr.Ustr
	AS   *sv39.AddressSpace
	Pages Pages
	// SharedAS is true for a CLONE_VM|CLONE_VFORK child during the vfork
	// window: AS points at the parent's live address space, so Teardown
	// must not drop it (the parent is still running on it).
	SharedAS bool

	mu    sync.Mutex
	owned []pageRun

	mmapWatermark uintptr
	brk           uintptr
	brkBase       uintptr

	Fds *fd.Table

	ParentTID TID
	tmu       sync.Mutex
	threads   map[TID]*Thread

	// Pid is the TID of this process's first thread, used as the
	// wait4/clone-return process identifier (this kernel has no separate
	// pid namespace: the thread-group leader's TID doubles as the pid,
	// matching Linux's own convention).
	Pid TID

	cmu      sync.Mutex
	children []*Process

	exitMu     sync.Mutex
	exitStatus *int32 // nil until exit_group
	exitCond   []func(status int32)

	vforkMu    sync.Mutex
	vforkDone  bool
	vforkGate  task.WakeupGate

	futex futexTable

	Acc accnt.Accnt
}

// NewEmpty allocates a bare process (address space plus empty fd table)
// without loading any image; callers (clone's vfork path) add threads
// themselves.
func NewEmpty(pages Pages, kernel sv39.KernelMapper, name ustr.Ustr, parent TID) (*Process, error) {
	as, err := sv39.New(pages, kernel)
	if err != nil {
		return nil, err
	}
	return &Process{
		Name:          name,
		AS:            as,
		Pages:         pages,
		Fds:           fd.NewTable(),
		ParentTID:     parent,
		threads:       make(map[TID]*Thread),
		mmapWatermark: MmapArenaBase,
	}, nil
}

// LoadELF validates and maps an in-kernel ELF image into this (freshly
// created) process's address space, allocates a user stack with argv
// copied onto it, sets up the brk region, and returns the main thread's
// entry PC and initial stack pointer.
//
// Grounded on kernel/chentry.go's debug/elf usage (the teacher's own ELF
// tooling uses the standard library's parser; this kernel follows suit
// rather than hand-rolling a header reader) adapted from a host-side
// build tool's x86-64 ET_EXEC check to validating a statically linked
// riscv64 ET_EXEC image at process-creation time.
func (p *Process) LoadELF(image []byte, argv []ustr.Ustr) (entry, sp uint64, err errno.Errno) {
	ef, e := elf.NewFile(byteReaderAt(image))
	if e != nil {
		return 0, 0, errno.ENOEXEC
	}
	if ef.Class != elf.ELFCLASS64 || ef.Data != elf.ELFDATA2LSB || ef.Type != elf.ET_EXEC {
		return 0, 0, errno.ENOEXEC
	}
	if ef.Machine != elf.EM_RISCV {
		return 0, 0, errno.ENOEXEC
	}

	var maxVA uintptr
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if e := p.mapSegment(image, prog); e != errno.Success {
			return 0, 0, e
		}
		top := uintptr(prog.Vaddr + prog.Memsz)
		if top > maxVA {
			maxVA = top
		}
	}

	p.brkBase = util.Roundup(maxVA, uintptr(page.PageSize))
	p.brk = p.brkBase

	stackSP, e2 := p.buildUserStack(argv)
	if e2 != errno.Success {
		return 0, 0, e2
	}
	return ef.Entry, uint64(stackSP), errno.Success
}

func (p *Process) mapSegment(image []byte, prog *elf.Prog) errno.Errno {
	vaStart := util.Rounddown(uintptr(prog.Vaddr), uintptr(page.PageSize))
	vaEnd := util.Roundup(uintptr(prog.Vaddr+prog.Memsz), uintptr(page.PageSize))
	npages := int(vaEnd-vaStart) / page.PageSize

	pa, ok := p.Pages.Alloc(npages)
	if !ok {
		return errno.ENOMEM
	}
	dst := p.Pages.Bytes(pa, npages*page.PageSize)
	off := int(uintptr(prog.Vaddr) - vaStart)
	segData := make([]byte, prog.Filesz)
	copy(segData, image[prog.Off:prog.Off+prog.Filesz])
	copy(dst[off:], segData)

	perm := progPerm(prog.Flags)
	if err := p.AS.Map(vaStart, pa, npages*page.PageSize, perm, true, false, "elf-segment"); err != nil {
		p.Pages.Free(pa)
		return errno.ENOMEM
	}
	p.recordOwned(vaStart, pa, npages)
	return errno.Success
}

func progPerm(flags elf.ProgFlag) sv39.Permission {
	r := flags&elf.PF_R != 0
	w := flags&elf.PF_W != 0
	x := flags&elf.PF_X != 0
	switch {
	case w && x:
		return sv39.ReadWriteExecute
	case w:
		return sv39.ReadWrite
	case x && r:
		return sv39.ReadExecute
	case x:
		return sv39.Execute
	default:
		return sv39.ReadOnly
	}
}

func (p *Process) buildUserStack(argv []ustr.Ustr) (uintptr, errno.Errno) {
	npages := UserStackSize / page.PageSize
	vaStart := UserStackTop - uintptr(UserStackSize)
	pa, ok := p.Pages.Alloc(npages)
	if !ok {
		return 0, errno.ENOMEM
	}
	if err := p.AS.Map(vaStart, pa, UserStackSize, sv39.ReadWrite, true, false, "user-stack"); err != nil {
		p.Pages.Free(pa)
		return 0, errno.ENOMEM
	}
	p.recordOwned(vaStart, pa, npages)

	buf := p.Pages.Bytes(pa, UserStackSize)
	sp := layoutArgv(buf, UserStackSize, vaStart, argv)
	return sp, errno.Success
}

// layoutArgv writes argv strings and an argc/argv[]/NULL/envp[]/NULL
// vector at the top of the stack buffer, following the standard
// RISC-V/Linux process-entry stack shape, and returns the resulting
// stack pointer (a user VA, not an offset into buf).
func layoutArgv(buf []byte, size int, vaBase uintptr, argv []ustr.Ustr) uintptr {
	cursor := size
	ptrs := make([]uintptr, len(argv))
	for i, a := range argv {
		cursor -= len(a) + 1
		copy(buf[cursor:], a)
		buf[cursor+len(a)] = 0
		ptrs[i] = vaBase + uintptr(cursor)
	}
	cursor &^= 0xf // 16-byte align before the vector

	words := 1 + len(ptrs) + 1 + 1 // argc, argv[], NULL, envp NULL
	cursor -= words * 8
	cursor &^= 0xf

	writeWord := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	writeWord(cursor, uint64(len(argv)))
	for i, pv := range ptrs {
		writeWord(cursor+8+8*i, uint64(pv))
	}
	writeWord(cursor+8+8*len(ptrs), 0)
	writeWord(cursor+8+8*len(ptrs)+8, 0)
	return vaBase + uintptr(cursor)
}

func (p *Process) recordOwned(va, pa uintptr, npages int) {
	p.mu.Lock()
	p.owned = append(p.owned, pageRun{va: va, pa: pa, npages: npages})
	p.mu.Unlock()
}

// AddThread registers t in the process's thread set. The first thread
// added becomes the process's Pid (thread-group leader convention).
func (p *Process) AddThread(t *Thread) {
	p.tmu.Lock()
	if len(p.threads) == 0 {
		p.Pid = t.TID
	}
	p.threads[t.TID] = t
	p.tmu.Unlock()
}

// AddChild records c as a child of p, found later by wait4's pid lookup.
func (p *Process) AddChild(c *Process) {
	p.cmu.Lock()
	p.children = append(p.children, c)
	p.cmu.Unlock()
}

// FindChild looks up a previously-cloned child by its Pid, or returns
// the most recently added child when pid is -1 (wait-for-any).
func (p *Process) FindChild(pid int64) (*Process, bool) {
	p.cmu.Lock()
	defer p.cmu.Unlock()
	if pid == -1 {
		if len(p.children) == 0 {
			return nil, false
		}
		return p.children[len(p.children)-1], true
	}
	for _, c := range p.children {
		if int64(c.Pid) == pid {
			return c, true
		}
	}
	return nil, false
}

// ReleaseVfork unblocks a parent thread parked in a VforkWait future on
// this (child) process, called once on the child's first execve or its
// exit (spec §4.12 clone's CLONE_VFORK contract: "parent blocks until
// child execve or exit").
func (p *Process) ReleaseVfork() {
	p.vforkMu.Lock()
	if p.vforkDone {
		p.vforkMu.Unlock()
		return
	}
	p.vforkDone = true
	p.vforkMu.Unlock()
	p.vforkGate.Fire()
}

// VforkDone reports whether ReleaseVfork has already run.
func (p *Process) VforkDone() bool {
	p.vforkMu.Lock()
	defer p.vforkMu.Unlock()
	return p.vforkDone
}

// Thread looks up a thread by TID.
func (p *Process) Thread(tid TID) (*Thread, bool) {
	p.tmu.Lock()
	defer p.tmu.Unlock()
	t, ok := p.threads[tid]
	return t, ok
}

// Threads returns a snapshot slice of every live thread.
func (p *Process) Threads() []*Thread {
	p.tmu.Lock()
	defer p.tmu.Unlock()
	out := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}
	return out
}

// RemoveThread deletes tid from the thread set and reports whether it
// was the last thread (the process is now dead).
func (p *Process) RemoveThread(tid TID) (last bool) {
	p.tmu.Lock()
	delete(p.threads, tid)
	last = len(p.threads) == 0
	p.tmu.Unlock()
	return last
}

// Brk returns the current program break.
func (p *Process) Brk() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.brk
}

// SetBrk implements spec §4.12 brk(new): grows or shrinks the heap
// region between brkBase and the current break, mapping/unmapping whole
// pages, and returns the resulting break (unchanged on failure).
func (p *Process) SetBrk(newBrk uintptr) uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()

	if newBrk < p.brkBase {
		return p.brk
	}
	curPage := util.Roundup(p.brk, uintptr(page.PageSize))
	newPage := util.Roundup(newBrk, uintptr(page.PageSize))
	if newBrk == p.brk {
		return p.brk
	}

	if newPage > curPage {
		// Growth maps one page per run so a later shrink can release
		// any page-aligned suffix precisely.
		for va := curPage; va < newPage; va += page.PageSize {
			pa, ok := p.Pages.Alloc(1)
			if !ok {
				p.shrinkBrkLocked(curPage, va)
				return p.brk
			}
			if err := p.AS.Map(va, pa, page.PageSize, sv39.ReadWrite, true, false, "brk"); err != nil {
				p.Pages.Free(pa)
				p.shrinkBrkLocked(curPage, va)
				return p.brk
			}
			p.owned = append(p.owned, pageRun{va: va, pa: pa, npages: 1})
		}
	} else if newPage < curPage {
		p.shrinkBrkLocked(newPage, curPage)
	}
	p.brk = newBrk
	return p.brk
}

// shrinkBrkLocked unmaps and frees every single-page brk run in
// [from, to); callers hold p.mu.
func (p *Process) shrinkBrkLocked(from, to uintptr) {
	for i := len(p.owned) - 1; i >= 0; i-- {
		r := p.owned[i]
		if r.npages == 1 && r.va >= from && r.va >= p.brkBase && r.va < to {
			if err := p.AS.Unmap(r.va, page.PageSize); err != nil {
				continue
			}
			p.owned = append(p.owned[:i], p.owned[i+1:]...)
			p.Pages.Free(r.pa)
		}
	}
}

// MmapAlloc implements the watermark-bump half of spec §4.12 mmap: picks
// the next free VA from the arena watermark, allocates and maps npages
// of anonymous memory with perm, and returns the mapping's VA.
func (p *Process) MmapAlloc(npages int, perm sv39.Permission) (uintptr, errno.Errno) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !Limits.VMRegions.Take() {
		return 0, errno.ENOMEM
	}
	va := p.mmapWatermark
	pa, ok := p.Pages.Alloc(npages)
	if !ok {
		Limits.VMRegions.Give()
		return 0, errno.ENOMEM
	}
	size := npages * page.PageSize
	if err := p.AS.Map(va, pa, size, perm, true, false, "mmap"); err != nil {
		p.Pages.Free(pa)
		Limits.VMRegions.Give()
		return 0, errno.EINVAL
	}
	p.owned = append(p.owned, pageRun{va: va, pa: pa, npages: npages, counted: true})
	p.mmapWatermark += uintptr(size)
	return va, errno.Success
}

// MmapFixed implements MAP_FIXED: maps at exactly addr, failing EINVAL if
// it overlaps an existing mapping (spec §9 open-question resolution:
// "choose EINVAL and document").
func (p *Process) MmapFixed(addr uintptr, npages int, perm sv39.Permission) (uintptr, errno.Errno) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !Limits.VMRegions.Take() {
		return 0, errno.ENOMEM
	}
	size := npages * page.PageSize
	pa, ok := p.Pages.Alloc(npages)
	if !ok {
		Limits.VMRegions.Give()
		return 0, errno.ENOMEM
	}
	if err := p.AS.Map(addr, pa, size, perm, true, false, "mmap-fixed"); err != nil {
		p.Pages.Free(pa)
		Limits.VMRegions.Give()
		return 0, errno.EINVAL
	}
	p.owned = append(p.owned, pageRun{va: addr, pa: pa, npages: npages, counted: true})
	return addr, errno.Success
}

// Munmap validates that [addr, addr+len) exactly matches a previous
// mmap/brk-growth run, unmaps it, and frees the backing pages.
func (p *Process) Munmap(addr uintptr, length int) errno.Errno {
	p.mu.Lock()
	defer p.mu.Unlock()

	npages := length / page.PageSize
	for i, r := range p.owned {
		if r.va == addr && r.npages == npages {
			if err := p.AS.Unmap(addr, uintptr(length)); err != nil {
				return errno.EINVAL
			}
			p.owned = append(p.owned[:i], p.owned[i+1:]...)
			p.Pages.Free(r.pa)
			if r.counted {
				// brk runs are legal munmap targets but never held a
				// VMRegions credit.
				Limits.VMRegions.Give()
			}
			return errno.Success
		}
	}
	return errno.EINVAL
}

// SetExitStatus records the process's exit status exactly once
// (exit_group never returns, spec §4.12), and fires every registered
// wait4 waiter.
func (p *Process) SetExitStatus(status int32) {
	p.exitMu.Lock()
	if p.exitStatus != nil {
		p.exitMu.Unlock()
		return
	}
	p.exitStatus = &status
	waiters := p.exitCond
	p.exitCond = nil
	p.exitMu.Unlock()
	for _, f := range waiters {
		f(status)
	}
}

// ExitStatus returns the recorded status, or ok=false before
// exit_group.
func (p *Process) ExitStatus() (int32, bool) {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	if p.exitStatus == nil {
		return 0, false
	}
	return *p.exitStatus, true
}

// NotifyOnExit registers f to be invoked exactly once with the exit
// status once SetExitStatus runs; if the status is already recorded, f
// is invoked immediately (synchronously, by the caller's goroutine/trap
// context).
func (p *Process) NotifyOnExit(f func(status int32)) {
	p.exitMu.Lock()
	if p.exitStatus != nil {
		status := *p.exitStatus
		p.exitMu.Unlock()
		f(status)
		return
	}
	p.exitCond = append(p.exitCond, f)
	p.exitMu.Unlock()
}

// RequestASFlush is the boot-wired hook that IPIs a hart so it
// reschedules off a doomed address space (spec §9's teardown protocol).
var RequestASFlush = func(hartID int) {}

// asGraveyard holds address spaces whose owning process has exited but
// which some hart still has installed; the scheduler reaps them once no
// satp names them (ReapAddressSpaces).
var asGraveyard struct {
	mu   sync.Mutex
	list []*sv39.AddressSpace
}

// ReapAddressSpaces drops every doomed address space no hart holds
// anymore. The scheduler calls it after each address-space switch, the
// point where a hart is guaranteed to have moved off whatever it held
// before.
func ReapAddressSpaces() {
	asGraveyard.mu.Lock()
	pending := asGraveyard.list
	asGraveyard.list = nil
	asGraveyard.mu.Unlock()

	for _, as := range pending {
		if as.InstalledAnywhere() {
			asGraveyard.mu.Lock()
			asGraveyard.list = append(asGraveyard.list, as)
			asGraveyard.mu.Unlock()
			continue
		}
		as.Drop()
	}
}

// retireAS drops as immediately if no hart holds it, otherwise parks it
// in the graveyard and IPIs the holding harts off it.
func retireAS(as *sv39.AddressSpace) {
	if !as.InstalledAnywhere() {
		as.Drop()
		return
	}
	asGraveyard.mu.Lock()
	asGraveyard.list = append(asGraveyard.list, as)
	asGraveyard.mu.Unlock()
	for _, h := range as.InstalledHarts() {
		RequestASFlush(h)
	}
}

// ReplaceAddressSpace swaps in a fresh address space for execve: the
// old image's pages are freed and the old tables retired — unless the
// old space was a vfork-shared view of the parent's, which stays
// untouched (the parent is still running on it).
func (p *Process) ReplaceAddressSpace(newAS *sv39.AddressSpace) {
	p.mu.Lock()
	oldOwned := p.owned
	p.owned = nil
	old := p.AS
	shared := p.SharedAS
	p.AS = newAS
	p.SharedAS = false
	p.mmapWatermark = MmapArenaBase
	p.brk, p.brkBase = 0, 0
	p.mu.Unlock()

	if shared {
		return
	}
	for _, r := range oldOwned {
		p.Pages.Free(r.pa)
		if r.counted {
			Limits.VMRegions.Give()
		}
	}
	retireAS(old)
}

// Teardown frees every page this process owns and retires its address
// space. Called once the last thread has exited. The address space is
// dropped immediately when no hart holds it; otherwise it goes to the
// graveyard and every holding hart is IPI'd off it first (spec §9).
func (p *Process) Teardown() {
	p.Fds.CloseAll()
	p.mu.Lock()
	owned := p.owned
	p.owned = nil
	p.mu.Unlock()
	for _, r := range owned {
		p.Pages.Free(r.pa)
		if r.counted {
			Limits.VMRegions.Give()
		}
	}
	if p.SharedAS {
		return
	}
	retireAS(p.AS)
}

// byteReaderAt adapts a []byte to io.ReaderAt for debug/elf.NewFile.
type byteReaderAt []byte

func (b byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, errShortRead{}
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, errShortRead{}
	}
	return n, nil
}

type errShortRead struct{}

func (errShortRead) Error() string { return "proc: short read of embedded ELF image" }
