package syscall

import (
	"rvkernel/internal/errno"
	"rvkernel/internal/hart"
	"rvkernel/internal/page"
	"rvkernel/internal/proc"
	"rvkernel/internal/sv39"
)

// prot bits, matching mmap(2)'s PROT_* constants.
const (
	protRead  = 0x1
	protWrite = 0x2
	protExec  = 0x4
)

// flags bits, matching mmap(2)'s MAP_* constants. Only the combination
// named by spec §4.12 is supported; anything else is ENOTSUP.
const (
	mapShared    = 0x01
	mapPrivate   = 0x02
	mapFixed     = 0x10
	mapAnonymous = 0x20
)

func protToPerm(prot uint64) sv39.Permission {
	r := prot&protRead != 0
	w := prot&protWrite != 0
	x := prot&protExec != 0
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

func registerMem(d *Dispatcher) {
	d.Table[SysMmap] = sysMmap
	d.Table[SysMunmap] = sysMunmap
	d.Table[SysBrk] = sysBrk
}

// sysMmap implements spec §4.12 mmap: only MAP_ANONYMOUS|MAP_PRIVATE is
// supported; length is rounded up to whole pages; VA comes from the
// process's arena watermark unless MAP_FIXED is set.
func sysMmap(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	addr := uintptr(args[ArgAddr])
	length := int(args[ArgLen])
	prot := args[ArgProt]
	flags := args[ArgFlags]

	if length <= 0 {
		return 0, errno.EINVAL, true
	}
	if flags&mapAnonymous == 0 || flags&mapPrivate == 0 {
		return 0, errno.ENOTSUP, true
	}

	npages := (length + page.PageSize - 1) / page.PageSize
	perm := protToPerm(prot)

	if flags&mapFixed != 0 {
		va, e := t.Proc.MmapFixed(addr, npages, perm)
		return int64(va), e, true
	}
	va, e := t.Proc.MmapAlloc(npages, perm)
	return int64(va), e, true
}

// sysMunmap implements spec §4.12 munmap.
func sysMunmap(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	addr := uintptr(args[ArgAddr])
	length := int(args[ArgLen])
	e := t.Proc.Munmap(addr, length)
	if e != errno.Success {
		return 0, e, true
	}
	return 0, errno.Success, true
}

// sysBrk implements spec §4.12 brk: returns the resulting break (or the
// unchanged current break on failure), never an errno (matching the
// Linux brk(2) ABI quirk that brk never fails loudly on a0).
func sysBrk(d *Dispatcher, t *proc.Thread, ctx *hart.Context, args [6]uint64) (int64, errno.Errno, bool) {
	newBrk := uintptr(args[0])
	if newBrk == 0 {
		return int64(t.Proc.Brk()), errno.Success, true
	}
	return int64(t.Proc.SetBrk(newBrk)), errno.Success, true
}
