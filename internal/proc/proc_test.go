package proc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"armos/internal/arch"
	"armos/internal/board"
	"armos/internal/kmem"
)

type fakeMemory struct {
	words map[uintptr]uint64
}

func newFakeMemory() *fakeMemory { return &fakeMemory{words: map[uintptr]uint64{}} }

func (m *fakeMemory) Read64(addr uintptr) uint64 { return m.words[addr] }

func (m *fakeMemory) Write64(addr uintptr, val uint64) { m.words[addr] = val }

func (m *fakeMemory) Zero(addr uintptr, length uintptr) {
	for a := addr; a < addr+length; a += 8 {
		delete(m.words, a)
	}
}

// testHarness bundles everything CreateKthread/CreateProcess/Dispatcher
// need, built over a fake memory arena so proc tests never touch real
// hardware.
type testHarness struct {
	mem  *fakeMemory
	kmem *kmem.Kmem
	arch *arch.Sim
	res  Resources
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	mem := newFakeMemory()
	layout := board.QEMUVirtARM64
	layout.VMallocLo = 0xFFFFFFFFF0000000
	layout.VMallocHi = layout.VMallocLo + 0x10000

	k, err := kmem.New(layout, mem, 0x40001000, 0x40002000, 0x40200000)
	require.NoError(t, err)

	sim := arch.NewSim()
	res := Resources{
		Kmem:        k,
		Arch:        sim,
		UserRangeLo: layout.UserRangeLo,
		UserRangeHi: layout.UserRangeHi,
	}
	return &testHarness{mem: mem, kmem: k, arch: sim, res: res}
}

// attachScheduler wires s into the harness's Resources so subsequently
// created processes' ExitWait lists can invoke the real scheduler.
func (h *testHarness) attachScheduler(s *Scheduler) {
	h.res.Scheduler = s
}
