// Package sv39 implements the Sv39 three-level page table (component
// C4): construction, mapping, translation, activation and teardown of a
// process address space.
//
// Grounded on biscuit/src/vm/as.go's Vm_t (Userdmap8_inner's page-walk,
// Page_insert/Page_remove, Uvmfree, Tlbshoot/Cpumap hook pattern) and
// mem/mem.go's Pmap_t/pg2pmap reinterpretation idiom, adapted from
// x86-64's four-level, refcounted page tables to RISC-V Sv39's
// three-level, single-owner tables described in spec §3/§4.4.
package sv39

import (
	"sort"
	"sync"
	"unsafe"

	"rvkernel/internal/page"
	"rvkernel/internal/spinlock"
)

const (
	PageSize  = page.PageSize
	pteCount  = 512
	vpnBits   = 9
	level0Off = 12
	level1Off = 21
	level2Off = 30
)

// PTE bit layout, matching the RISC-V Sv39 privileged spec.
const (
	bitV = 1 << 0
	bitR = 1 << 1
	bitW = 1 << 2
	bitX = 1 << 3
	bitU = 1 << 4
	bitG = 1 << 5
	bitA = 1 << 6
	bitD = 1 << 7
)

const ppnShift = 10

// pte is one page-table entry.
type pte uint64

func (p pte) valid() bool   { return p&bitV != 0 }
func (p pte) isLeaf() bool  { return p.valid() && (p&(bitR|bitW|bitX) != 0) }
func (p pte) ppn() uintptr  { return uintptr(p>>ppnShift) << 12 }
func mkpte(ppn uintptr, flags uint64) pte {
	return pte((uint64(ppn>>12) << ppnShift) | flags)
}

// Permission is the closed set of leaf permissions from spec §4.4.
// Implementations must not accept raw numeric flag encodings; Map only
// accepts a value from this set.
type Permission int

const (
	ReadOnly Permission = iota
	ReadWrite
	Execute
	ReadExecute
	ReadWriteExecute
)

func (p Permission) bits() (uint64, bool) {
	switch p {
	case ReadOnly:
		return bitR, true
	case ReadWrite:
		return bitR | bitW, true
	case Execute:
		return bitX, true
	case ReadExecute:
		return bitR | bitX, true
	case ReadWriteExecute:
		return bitR | bitW | bitX, true
	default:
		return 0, false
	}
}

// LeafSize describes which level a leaf entry sits at: Map uses it to pick
// the walk depth for each leaf, and lookups use it to size the leaf's
// extent.
type LeafSize int

const (
	Leaf4K LeafSize = iota
	Leaf2M
	Leaf1G
)

func leafAlign(l LeafSize) uintptr {
	switch l {
	case Leaf1G:
		return 1 << 30
	case Leaf2M:
		return 1 << 21
	default:
		return 1 << 12
	}
}

// region records one mapped VA extent so Unmap can reverse it precisely
// and so overlapping Map calls can be rejected, per spec §4.4.
type region struct {
	va, len uintptr
	tag     string
	leaf    LeafSize
	owned   bool // true if this AddressSpace allocated the backing pages
}

// PagePool abstracts the page source for non-leaf tables
// and the direct-mapped read/write view of any physical page, so tests
// can run without real hardware.
type PagePool interface {
	Alloc(n int) (uintptr, bool)
	Free(pa uintptr) int
	Bytes(pa uintptr, n int) []byte
}

// hartRegistry tracks which harts currently have a given root PA loaded
// in satp, mirroring Physmem_t's per-page Cpumask in the teacher. Drop
// must refuse to run while any bit is set (spec §4.4's "assertion failure
// to drop an address space installed in any hart's satp").
type hartRegistry struct {
	mu     sync.Mutex
	onHart map[uintptr]map[int]bool
	byHart map[int]uintptr
}

var installed = &hartRegistry{
	onHart: make(map[uintptr]map[int]bool),
	byHart: make(map[int]uintptr),
}

// mark records that hart now has root in satp. A hart holds exactly one
// root at a time, so whatever it previously held is unmarked first —
// this is the hardware truth the drop invariant is checked against.
func (r *hartRegistry) mark(root uintptr, hart int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byHart[hart]; ok {
		delete(r.onHart[prev], hart)
	}
	if r.onHart[root] == nil {
		r.onHart[root] = make(map[int]bool)
	}
	r.onHart[root][hart] = true
	r.byHart[hart] = root
}

func (r *hartRegistry) unmark(root uintptr, hart int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.onHart[root], hart)
	if r.byHart[hart] == root {
		delete(r.byHart, hart)
	}
}

func (r *hartRegistry) anyHart(root uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.onHart[root]) > 0
}

func (r *hartRegistry) harts(root uintptr) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.onHart[root]))
	for h := range r.onHart[root] {
		out = append(out, h)
	}
	return out
}

// WriteSatp and FenceVMA are platform hooks installed at boot, mirroring
// the Cpumap(func(int) uint32) indirection vm/as.go uses to learn the
// CPU->APIC mapping without importing its owner. Tests leave them nil and
// exercise Activate's bookkeeping only.
var (
	WriteSatp = func(satp uint64) {}
	FenceVMA  = func() {}
)

// AddressSpace is a process's Sv39 page table tree plus the physical
// pages it owns.
type AddressSpace struct {
	mu      spinlock.Lock
	pages   PagePool
	root    uintptr
	regions []region
	// ownedTables are non-leaf page PAs allocated by this address space,
	// freed on Drop.
	ownedTables map[uintptr]bool
	hartID      int
}

// KernelMapper copies the kernel's shared upper-half mappings into a
// fresh root. In Sv39, VA bit 38 selects root-table index 256..511; by
// convention the kernel lives there so every process address space can
// share the same sub-tables for kernel code/data/MMIO without copying
// more than the 256 root entries.
type KernelMapper interface {
	KernelRootEntries() [256]uint64
}

// New allocates a root table and copies the kernel's shared upper-half
// entries into it (spec §4.4 constructor).
func New(pages PagePool, kernel KernelMapper) (*AddressSpace, error) {
	root, ok := pages.Alloc(1)
	if !ok {
		return nil, errOOM
	}
	as := &AddressSpace{
		pages:       pages,
		root:        root,
		ownedTables: map[uintptr]bool{root: true},
	}
	if kernel != nil {
		entries := kernel.KernelRootEntries()
		table := as.tableAt(root)
		for i := 256; i < pteCount; i++ {
			table[i] = pte(entries[i-256])
		}
	}
	return as, nil
}

// KernelRootEntries returns this address space's upper 256 root entries,
// for use as the KernelMapper source by every subsequently created
// process address space (the boot hart builds exactly one of these).
func (as *AddressSpace) KernelRootEntries() [256]uint64 {
	var out [256]uint64
	table := as.tableAt(as.root)
	for i := 256; i < pteCount; i++ {
		out[i-256] = uint64(table[i])
	}
	return out
}

func (as *AddressSpace) tableAt(pa uintptr) []pte {
	b := as.pages.Bytes(pa, PageSize)
	return unsafe.Slice((*pte)(unsafe.Pointer(&b[0])), pteCount)
}

// Root returns the physical address of the root table, for Activate's
// satp computation by the per-hart context.
func (as *AddressSpace) Root() uintptr { return as.root }

func vpn(va uintptr, level int) int {
	shift := level0Off + level*vpnBits
	return int((va >> shift) & (pteCount - 1))
}

func aligned(v uintptr, align uintptr) bool { return v&(align-1) == 0 }

var errOOM = errAlloc{}

type errAlloc struct{}

func (errAlloc) Error() string { return "sv39: out of physical pages" }

var errOverlap = overlapErr{}

type overlapErr struct{}

func (overlapErr) Error() string { return "sv39: mapping overlaps an existing region" }

// Map installs a mapping from [va, va+size) to [pa, pa+size), choosing
// the largest aligned leaf size (1GiB, 2MiB, then 4KiB) that both
// addresses and size admit, allocating intermediate tables lazily.
// owned marks whether this AddressSpace is responsible for freeing the
// backing physical pages on Unmap/Drop (false for MMIO ranges with a
// lifetime outside this address space, per spec §4.4's second
// invariant).
func (as *AddressSpace) Map(va, pa uintptr, size int, perm Permission, user, owned bool, tag string) error {
	flags, ok := perm.bits()
	if !ok {
		panic("sv39: permission value outside the closed set")
	}
	if size <= 0 || va%PageSize != 0 || pa%PageSize != 0 || size%PageSize != 0 {
		panic("sv39: va/pa/size must be page aligned")
	}

	as.mu.Acquire()
	defer as.mu.Release()

	if as.overlapsLocked(va, uintptr(size)) {
		return errOverlap
	}

	flags |= bitV
	if user {
		flags |= bitU
	}

	remaining := uintptr(size)
	curVA, curPA := va, pa
	for remaining > 0 {
		leaf, lsz := as.pickLeaf(curVA, curPA, remaining)
		if err := as.mapOne(curVA, curPA, leaf, flags); err != nil {
			return err
		}
		curVA += lsz
		curPA += lsz
		remaining -= lsz
	}

	as.regions = append(as.regions, region{va: va, len: uintptr(size), tag: tag, owned: owned})
	sort.Slice(as.regions, func(i, j int) bool { return as.regions[i].va < as.regions[j].va })
	return nil
}

func (as *AddressSpace) pickLeaf(va, pa uintptr, remaining uintptr) (LeafSize, uintptr) {
	if remaining >= (1<<30) && aligned(va, 1<<30) && aligned(pa, 1<<30) {
		return Leaf1G, 1 << 30
	}
	if remaining >= (1<<21) && aligned(va, 1<<21) && aligned(pa, 1<<21) {
		return Leaf2M, 1 << 21
	}
	return Leaf4K, PageSize
}

// mapOne walks the three levels, allocating a non-leaf table at any level
// whose entry is not yet valid, and writes the leaf entry at the
// requested level (2 for 1GiB, 1 for 2MiB, 0 for 4KiB).
func (as *AddressSpace) mapOne(va, pa uintptr, leaf LeafSize, flags uint64) error {
	targetLevel := map[LeafSize]int{Leaf1G: 2, Leaf2M: 1, Leaf4K: 0}[leaf]

	table := as.tableAt(as.root)
	for lvl := 2; lvl > targetLevel; lvl-- {
		idx := vpn(va, lvl)
		e := table[idx]
		if !e.valid() {
			childPA, ok := as.pages.Alloc(1)
			if !ok {
				return errOOM
			}
			child := as.tableAt(childPA)
			for i := range child {
				child[i] = 0
			}
			as.ownedTables[childPA] = true
			table[idx] = mkpte(childPA, bitV)
			e = table[idx]
		}
		if e.isLeaf() {
			panic("sv39: super-page collides with a finer mapping")
		}
		table = as.tableAt(e.ppn())
	}
	idx := vpn(va, targetLevel)
	table[idx] = mkpte(pa, flags)
	return nil
}

// Translate walks the tables and returns the physical address
// corresponding to va, or ok=false if any level's V bit is clear.
func (as *AddressSpace) Translate(va uintptr) (uintptr, bool) {
	as.mu.Acquire()
	defer as.mu.Release()
	return as.translateLocked(va)
}

func (as *AddressSpace) translateLocked(va uintptr) (uintptr, bool) {
	table := as.tableAt(as.root)
	for lvl := 2; lvl >= 0; lvl-- {
		idx := vpn(va, lvl)
		e := table[idx]
		if !e.valid() {
			return 0, false
		}
		if e.isLeaf() {
			align := leafAlign(leafForLevel(lvl))
			off := va & (align - 1)
			return e.ppn() + off, true
		}
		table = as.tableAt(e.ppn())
	}
	return 0, false
}

// TranslateUser walks the tables like Translate but additionally
// enforces the user-access rules from the syscall boundary: the leaf
// must have U set and R set, plus W when write is true. Kernel-only or
// permission-mismatched leaves report ok=false exactly like an unmapped
// address, so callers surface a uniform EFAULT.
func (as *AddressSpace) TranslateUser(va uintptr, write bool) (uintptr, bool) {
	as.mu.Acquire()
	defer as.mu.Release()

	table := as.tableAt(as.root)
	for lvl := 2; lvl >= 0; lvl-- {
		idx := vpn(va, lvl)
		e := table[idx]
		if !e.valid() {
			return 0, false
		}
		if e.isLeaf() {
			if e&bitU == 0 || e&bitR == 0 {
				return 0, false
			}
			if write && e&bitW == 0 {
				return 0, false
			}
			align := leafAlign(leafForLevel(lvl))
			return e.ppn() + va&(align-1), true
		}
		table = as.tableAt(e.ppn())
	}
	return 0, false
}

func leafForLevel(lvl int) LeafSize {
	switch lvl {
	case 2:
		return Leaf1G
	case 1:
		return Leaf2M
	default:
		return Leaf4K
	}
}

func (as *AddressSpace) overlapsLocked(va, size uintptr) bool {
	end := va + size
	for _, r := range as.regions {
		if va < r.va+r.len && r.va < end {
			return true
		}
	}
	return false
}

// Unmap precisely reverses a previous Map call covering exactly
// [va, va+len); it is an error to pass a sub-range.
func (as *AddressSpace) Unmap(va uintptr, length uintptr) error {
	as.mu.Acquire()
	defer as.mu.Release()

	idx := -1
	for i, r := range as.regions {
		if r.va == va && r.len == length {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errNoSuchRegion
	}
	r := as.regions[idx]
	as.unmapRange(r.va, r.len, r.owned)
	as.regions = append(as.regions[:idx], as.regions[idx+1:]...)
	return nil
}

var errNoSuchRegion = noRegionErr{}

type noRegionErr struct{}

func (noRegionErr) Error() string { return "sv39: no mapping matches the given range exactly" }

func (as *AddressSpace) unmapRange(va, length uintptr, owned bool) {
	end := va + length
	for cur := va; cur < end; {
		lvl, pa, ok := as.walkToLeaf(cur)
		if !ok {
			cur += PageSize
			continue
		}
		step := leafAlign(leafForLevel(lvl))
		as.clearLeaf(cur, lvl)
		if owned {
			as.pages.Free(pa)
		}
		cur += step
	}
}

// walkToLeaf returns the level and physical page backing va's current
// leaf mapping, without modifying anything.
func (as *AddressSpace) walkToLeaf(va uintptr) (int, uintptr, bool) {
	table := as.tableAt(as.root)
	for lvl := 2; lvl >= 0; lvl-- {
		idx := vpn(va, lvl)
		e := table[idx]
		if !e.valid() {
			return 0, 0, false
		}
		if e.isLeaf() {
			return lvl, e.ppn(), true
		}
		table = as.tableAt(e.ppn())
	}
	return 0, 0, false
}

func (as *AddressSpace) clearLeaf(va uintptr, lvl int) {
	table := as.tableAt(as.root)
	for l := 2; l > lvl; l-- {
		idx := vpn(va, l)
		e := table[idx]
		table = as.tableAt(e.ppn())
	}
	table[vpn(va, lvl)] = 0
}

const modeSv39 = uint64(8) << 60

// SatpValue computes the satp CSR encoding (mode=Sv39, ASID=0, root PPN)
// for a root table physical address, without performing the CSR write.
// Exposed so the scheduler (internal/sched) can pre-compute a thread's
// satp value to restore into a hart context, mirroring Activate's own
// encoding exactly.
func SatpValue(root uintptr) uint64 {
	return modeSv39 | uint64(root>>12)
}

// Activate computes the satp value (mode=Sv39, ASID=0, root PPN),
// performs the platform CSR write, fences, and records that hartID now
// has this address space installed.
func (as *AddressSpace) Activate(hartID int) {
	satp := SatpValue(as.root)
	WriteSatp(satp)
	FenceVMA()
	installed.mark(as.root, hartID)
	as.hartID = hartID
}

// Deactivate records that hartID no longer has this address space
// installed (used by the teardown IPI protocol in spec §9 before Drop).
func (as *AddressSpace) Deactivate(hartID int) {
	installed.unmark(as.root, hartID)
}

// InstalledAnywhere reports whether any hart currently has this root PA
// loaded, for Drop's invariant check.
func (as *AddressSpace) InstalledAnywhere() bool {
	return installed.anyHart(as.root)
}

// InstalledHarts returns the harts that currently hold this root in
// satp, for the teardown IPI protocol.
func (as *AddressSpace) InstalledHarts() []int {
	return installed.harts(as.root)
}

// Drop frees every non-leaf table page this address space owns and every
// owned leaf page, after first asserting the root is not installed on
// any hart.
func (as *AddressSpace) Drop() {
	as.mu.Acquire()
	defer as.mu.Release()

	if as.InstalledAnywhere() {
		panic("sv39: dropping an address space still installed in a hart's satp")
	}
	for _, r := range as.regions {
		if r.owned {
			as.unmapRange(r.va, r.len, true)
		}
	}
	as.regions = nil
	for pa := range as.ownedTables {
		as.pages.Free(pa)
	}
	as.ownedTables = nil
}
