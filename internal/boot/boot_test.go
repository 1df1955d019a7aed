package boot

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"rvkernel/internal/config"
	"rvkernel/internal/hart"
	"rvkernel/internal/page"
	"rvkernel/internal/proc"
	"rvkernel/internal/sched"
)

type sliceBacking struct {
	mem map[uintptr][]byte
}

func (s *sliceBacking) Bytes(pa uintptr, n int) []byte {
	base := pa &^ (page.PageSize - 1)
	off := int(pa - base)
	b, ok := s.mem[base]
	if !ok {
		b = make([]byte, page.PageSize)
		s.mem[base] = b
	}
	return b[off : off+n]
}

type fakePLIC struct {
	priorities map[uint32]uint32
	thresholds map[int]uint32
	pending    []uint32
	completed  []uint32
}

func (f *fakePLIC) SetPriority(source, priority uint32) {
	if f.priorities == nil {
		f.priorities = make(map[uint32]uint32)
	}
	f.priorities[source] = priority
}

func (f *fakePLIC) SetThreshold(hart int, threshold uint32) {
	if f.thresholds == nil {
		f.thresholds = make(map[int]uint32)
	}
	f.thresholds[hart] = threshold
}

func (f *fakePLIC) Claim(hart int) uint32 {
	if len(f.pending) == 0 {
		return 0
	}
	s := f.pending[0]
	f.pending = f.pending[1:]
	return s
}

func (f *fakePLIC) Complete(hart int, source uint32) {
	f.completed = append(f.completed, source)
}

// minimalDTB assembles a two-cpu, 8 MiB-memory device tree by hand;
// big-endian header plus a struct block with one memory node.
func minimalDTB() []byte {
	var structBlock, stringsBlock bytes.Buffer
	be := func(buf *bytes.Buffer, v uint32) {
		buf.Write([]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
	}
	node := func(name string) {
		be(&structBlock, 1)
		structBlock.WriteString(name)
		structBlock.WriteByte(0)
		for structBlock.Len()%4 != 0 {
			structBlock.WriteByte(0)
		}
	}
	endNode := func() { be(&structBlock, 2) }
	prop := func(name string, data []byte) {
		nameOff := stringsBlock.Len()
		stringsBlock.WriteString(name)
		stringsBlock.WriteByte(0)
		be(&structBlock, 3)
		be(&structBlock, uint32(len(data)))
		be(&structBlock, uint32(nameOff))
		structBlock.Write(data)
		for structBlock.Len()%4 != 0 {
			structBlock.WriteByte(0)
		}
	}
	be64 := func(v uint64) []byte {
		return []byte{
			byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
			byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
		}
	}

	node("")
	node("memory@200000")
	prop("reg", append(be64(0x200000), be64(8<<20)...))
	endNode()
	node("cpus")
	node("cpu@0")
	endNode()
	node("cpu@1")
	endNode()
	endNode()
	endNode()
	be(&structBlock, 9) // FDT_END

	const headerSize = 40
	structOff := headerSize
	stringsOff := structOff + structBlock.Len()
	total := stringsOff + stringsBlock.Len()
	blob := make([]byte, total)
	put := func(off int, v uint32) {
		blob[off] = byte(v >> 24)
		blob[off+1] = byte(v >> 16)
		blob[off+2] = byte(v >> 8)
		blob[off+3] = byte(v)
	}
	put(0, 0xd00dfeed)
	put(4, uint32(total))
	put(8, uint32(structOff))
	put(12, uint32(stringsOff))
	put(20, 17)
	put(24, 16)
	put(36, uint32(structBlock.Len()))
	copy(blob[structOff:], structBlock.Bytes())
	copy(blob[stringsOff:], stringsBlock.Bytes())
	return blob
}

// Setup wires one-shot singletons, so the whole bring-up is exercised
// by a single test.
func TestSetupWiresTheKernel(t *testing.T) {
	out := &bytes.Buffer{}
	plicMMIO := &fakePLIC{}
	drained := 0
	plat := Platform{
		UARTOut:           out,
		DrainUART:         func(push func(byte)) { drained++; push('z') },
		PLICMMIO:          plicMMIO,
		Backing:           &sliceBacking{mem: make(map[uintptr][]byte)},
		ReadMTime:         func() uint64 { return 0 },
		ClocksPerTick:     10_000,
		EnableInterrupts:  func() {},
		DisableInterrupts: func() {},
	}

	k := Setup(minimalDTB(), Image{}, plat, map[string][]byte{})

	require.Equal(t, 2, k.Config.NumHarts, "cpu count from the device tree")
	require.Equal(t, uintptr(0x200000), k.Config.HeapBase)
	require.Len(t, k.Dispatchers, 2)
	require.Contains(t, out.String(), "rvkernel:")

	// The high-half direct map covers the heap.
	pa, ok := k.AS.Translate(KernelDirectBase + k.Config.HeapBase)
	require.True(t, ok)
	require.Equal(t, k.Config.HeapBase, pa)

	// Per-hart contexts carry the kernel satp and a stack window.
	for h := 0; h < 2; h++ {
		require.NotZero(t, hart.All[h].KernelSatp)
		require.Equal(t, uintptr(config.KernelStackSize),
			hart.All[h].KStackTop-hart.All[h].KStackBottom)
		require.NotNil(t, hart.All[h].Idle)
	}

	// UART interrupts drain into the stdin console.
	require.Equal(t, uint32(1), plicMMIO.priorities[uartIRQ])
	plicMMIO.pending = []uint32{uartIRQ}
	k.PLIC.Dispatch(0)
	require.Equal(t, 1, drained)
	require.True(t, k.Con.Readable(), "the drained byte is buffered")
	require.Equal(t, []uint32{uartIRQ}, plicMMIO.completed)

	// Ctrl+C with no foreground process is a no-op.
	require.NotPanics(t, k.interruptForeground)
	require.NotPanics(t, k.dumpDiagnostics)

	// Spawning an unknown program reports NotFound.
	_, e := k.Spawn("missing", nil)
	require.NotZero(t, e)

	// Ctrl+C default action terminates the foreground process.
	fg, err := proc.NewEmpty(k.Pages, k.AS, nil, 0)
	require.NoError(t, err)
	th := proc.NewThread(fg, 0x100, 0x200)
	fg.AddThread(th)
	k.SetForeground(fg)
	k.interruptForeground()
	status, done := fg.ExitStatus()
	require.True(t, done)
	require.Equal(t, int32(2), status, "terminated by SIGINT")
	require.True(t, th.Dead())
	require.Zero(t, sched.Global.Len())
}
