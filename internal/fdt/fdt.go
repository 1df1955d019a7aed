// Package fdt reads the flattened device tree blob the firmware passes
// to the boot hart (spec §6). Only what boot needs is parsed: header
// validation, the /memory node's reg range, and the cpu count. Header
// fields that fail validation panic at boot — firmware-provided values
// cannot fail silently (spec §7).
package fdt

import "fmt"

const (
	magic = 0xd00dfeed

	// Structure block tokens.
	tokBeginNode = 1
	tokEndNode   = 2
	tokProp      = 3
	tokNop       = 4
	tokEnd       = 9

	// The kernel understands DTB version 17, the format QEMU virt emits;
	// lastCompVersion in the header says how far back a blob is
	// compatible.
	supportedVersion = 17
)

// Tree is a parsed device tree blob.
type Tree struct {
	blob       []byte
	structOff  int
	structSize int
	stringsOff int
}

// Parse validates the header and returns a Tree over blob. Any header
// violation (bad magic, truncated blob, incompatible version) panics.
func Parse(blob []byte) *Tree {
	if len(blob) < 40 {
		panic("fdt: blob shorter than the fixed header")
	}
	if be32(blob, 0) != magic {
		panic(fmt.Sprintf("fdt: bad magic %#x", be32(blob, 0)))
	}
	total := int(be32(blob, 4))
	if total > len(blob) {
		panic("fdt: header totalsize exceeds the provided blob")
	}
	lastComp := be32(blob, 24)
	if lastComp > supportedVersion {
		panic(fmt.Sprintf("fdt: blob requires version %d, kernel speaks %d", lastComp, supportedVersion))
	}
	return &Tree{
		blob:       blob[:total],
		structOff:  int(be32(blob, 8)),
		stringsOff: int(be32(blob, 12)),
		structSize: int(be32(blob, 36)),
	}
}

// MemoryRange returns the base and size of the first /memory node's reg
// property (address-cells=2, size-cells=2, the QEMU virt layout).
func (t *Tree) MemoryRange() (base uintptr, size int, ok bool) {
	var inMemory bool
	t.walk(func(depth int, node string) {
		// The root node is depth 1; /memory sits directly below it.
		inMemory = depth == 2 && hasNodeName(node, "memory")
	}, func(name string, data []byte) bool {
		if inMemory && name == "reg" && len(data) >= 16 {
			base = uintptr(be64(data, 0))
			size = int(be64(data, 8))
			ok = true
			return false
		}
		return true
	})
	return base, size, ok
}

// NumCPUs counts cpu@N nodes.
func (t *Tree) NumCPUs() int {
	n := 0
	t.walk(func(depth int, node string) {
		if hasNodeName(node, "cpu") {
			n++
		}
	}, nil)
	return n
}

// walk iterates the structure block, calling onNode for every
// BEGIN_NODE and onProp for every property of the current node; onProp
// returning false stops the walk.
func (t *Tree) walk(onNode func(depth int, name string), onProp func(name string, data []byte) bool) {
	off := t.structOff
	end := t.structOff + t.structSize
	depth := 0
	for off+4 <= end {
		tok := be32(t.blob, off)
		off += 4
		switch tok {
		case tokBeginNode:
			name, next := cstr(t.blob, off)
			off = align4(next)
			depth++
			if onNode != nil {
				onNode(depth, name)
			}
		case tokEndNode:
			depth--
		case tokProp:
			plen := int(be32(t.blob, off))
			nameOff := int(be32(t.blob, off+4))
			off += 8
			data := t.blob[off : off+plen]
			off = align4(off + plen)
			if onProp != nil {
				pname, _ := cstr(t.blob, t.stringsOff+nameOff)
				if !onProp(pname, data) {
					return
				}
			}
		case tokNop:
		case tokEnd:
			return
		default:
			panic(fmt.Sprintf("fdt: undefined structure token %#x", tok))
		}
	}
}

// hasNodeName matches "memory" and unit-addressed forms like
// "memory@80000000".
func hasNodeName(node, want string) bool {
	if node == want {
		return true
	}
	return len(node) > len(want) && node[:len(want)] == want && node[len(want)] == '@'
}

func cstr(b []byte, off int) (string, int) {
	end := off
	for end < len(b) && b[end] != 0 {
		end++
	}
	return string(b[off:end]), end + 1
}

func align4(v int) int { return (v + 3) &^ 3 }

func be32(b []byte, off int) uint32 {
	return uint32(b[off])<<24 | uint32(b[off+1])<<16 | uint32(b[off+2])<<8 | uint32(b[off+3])
}

func be64(b []byte, off int) uint64 {
	return uint64(be32(b, off))<<32 | uint64(be32(b, off+4))
}
