package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armos/internal/arch"
	"armos/internal/board"
	"armos/internal/proc"
	"armos/internal/uart"
	"armos/internal/virtq"
)

// fakeMemory is a byte-addressable mmu.Memory/virtq.Memory fake — Boot's
// virtio-blk path needs byte and half-word access for ring fields that
// table/kmem/proc tests never touch, so unlike their word-granular fakes
// this one stores individual bytes and assembles wider reads/writes from
// them, little-endian, matching the ARM boards this kernel targets.
type fakeMemory struct {
	bytes map[uintptr]byte
}

func newFakeMemory() *fakeMemory { return &fakeMemory{bytes: map[uintptr]byte{}} }

func (m *fakeMemory) Read16(addr uintptr) uint16 {
	return uint16(m.bytes[addr]) | uint16(m.bytes[addr+1])<<8
}

func (m *fakeMemory) Write16(addr uintptr, val uint16) {
	m.bytes[addr] = byte(val)
	m.bytes[addr+1] = byte(val >> 8)
}

func (m *fakeMemory) Read32(addr uintptr) uint32 {
	var v uint32
	for i := uintptr(0); i < 4; i++ {
		v |= uint32(m.bytes[addr+i]) << (8 * i)
	}
	return v
}

func (m *fakeMemory) Write32(addr uintptr, val uint32) {
	for i := uintptr(0); i < 4; i++ {
		m.bytes[addr+i] = byte(val >> (8 * i))
	}
}

func (m *fakeMemory) Read64(addr uintptr) uint64 {
	var v uint64
	for i := uintptr(0); i < 8; i++ {
		v |= uint64(m.bytes[addr+i]) << (8 * i)
	}
	return v
}

func (m *fakeMemory) Write64(addr uintptr, val uint64) {
	for i := uintptr(0); i < 8; i++ {
		m.bytes[addr+i] = byte(val >> (8 * i))
	}
}

func (m *fakeMemory) Zero(addr uintptr, length uintptr) {
	for a := addr; a < addr+length; a++ {
		delete(m.bytes, a)
	}
}

// fakeConsole is a no-op uart.Device sufficient for boot's own diagnostic
// prints and for a shell process's display/getchar syscalls.
type fakeConsole struct {
	written []byte
	rx      []byte
}

func (c *fakeConsole) WriteByte(b byte) { c.written = append(c.written, b) }
func (c *fakeConsole) ReadByte() byte {
	b := c.rx[0]
	c.rx = c.rx[1:]
	return b
}
func (c *fakeConsole) TryReadByte() (byte, bool) {
	if len(c.rx) == 0 {
		return 0, false
	}
	b := c.rx[0]
	c.rx = c.rx[1:]
	return b, true
}
func (c *fakeConsole) EnableRxInterrupt() {}

// fakeVirtioRegs is a minimal in-memory virtio-mmio register file, good
// enough for Boot to negotiate and attach against.
type fakeVirtioRegs struct {
	status   uint8
	notified []uint32
}

func (r *fakeVirtioRegs) ReadDeviceFeatures() uint64  { return 0 }
func (r *fakeVirtioRegs) WriteDriverFeatures(uint64)  {}
func (r *fakeVirtioRegs) WriteStatus(v uint8)         { r.status = v }
func (r *fakeVirtioRegs) ReadStatus() uint8           { return r.status | 0x08 /* FEATURES_OK always granted */ }
func (r *fakeVirtioRegs) SelectQueue(uint32)          {}
func (r *fakeVirtioRegs) SetQueueSize(uint32)         {}
func (r *fakeVirtioRegs) WriteQueueDescLow(uint32)    {}
func (r *fakeVirtioRegs) WriteQueueDescHigh(uint32)   {}
func (r *fakeVirtioRegs) WriteQueueAvailLow(uint32)   {}
func (r *fakeVirtioRegs) WriteQueueAvailHigh(uint32)  {}
func (r *fakeVirtioRegs) WriteQueueUsedLow(uint32)    {}
func (r *fakeVirtioRegs) WriteQueueUsedHigh(uint32)   {}
func (r *fakeVirtioRegs) SetQueueReady(bool)          {}
func (r *fakeVirtioRegs) Notify(sel uint32)           { r.notified = append(r.notified, sel) }

func testLayout() board.Layout {
	l := board.QEMUVirtARM64
	l.VMallocLo = 0xFFFFFFFFF0000000
	l.VMallocHi = l.VMallocLo + 0x40000
	l.RAMBase = 0x40001000
	l.RAMBase = 0x40002000
	return l
}

func testConfig(t *testing.T, withBlk bool) Config {
	t.Helper()
	layout := testLayout()
	cfg := Config{
		Layout:        layout,
		Console:       &fakeConsole{},
		Mem:           newFakeMemory(),
		Arch:          arch.NewSim(),
		RootTablePhys: 0x40001000,
		PhysLo:        0x40002000,
		PhysHi:        0x40200000,
		ShellImage:    []byte{0x00},
		Images: func(name string) ([]byte, bool) {
			if name == "echo" {
				return []byte{0x00}, true
			}
			return nil, false
		},
	}
	if withBlk {
		cfg.BlkRegs = &fakeVirtioRegs{}
	}
	return cfg
}

func TestBootAssemblesEveryDocumentedSubsystem(t *testing.T) {
	cfg := testConfig(t, false)
	k, err := Boot(cfg)
	require.NoError(t, err)

	assert.NotNil(t, k.Kmem)
	assert.NotNil(t, k.Kmalloc)
	assert.NotNil(t, k.Scheduler)
	assert.NotNil(t, k.GIC)
	assert.NotNil(t, k.Dispatcher)
	assert.Nil(t, k.Blk, "no BlkRegs supplied, so no block device should be attached")
}

func TestBootAttachesVirtioBlkWhenRegsProvided(t *testing.T) {
	cfg := testConfig(t, true)
	k, err := Boot(cfg)
	require.NoError(t, err)

	require.NotNil(t, k.Blk)
	assert.Equal(t, "virtio-blk", k.GIC.GetName(cfg.Layout.VirtioBlkIntID))
}

func TestBootedSchedulerRunsTheIdleKthreadWithNoOtherWork(t *testing.T) {
	cfg := testConfig(t, false)
	k, err := Boot(cfg)
	require.NoError(t, err)

	before := k.Scheduler.Current()
	k.Scheduler.Run()
	assert.Equal(t, before, k.Scheduler.Current(), "idle alone and ready should be reselected")
}

func TestBootedDispatcherAnswersGetpidForASpawnedProcess(t *testing.T) {
	cfg := testConfig(t, false)
	k, err := Boot(cfg)
	require.NoError(t, err)

	p, err := proc.CreateProcess(42, k.Dispatcher.Resources, []byte{0x00}, cfg.Layout.UserRangeLo)
	require.NoError(t, err)

	ret := k.Dispatcher.Dispatch(p, proc.SysGetpid, [4]uint64{})
	assert.Equal(t, int64(42), ret)
}

var _ uart.Device = (*fakeConsole)(nil)
var _ virtq.Regs = (*fakeVirtioRegs)(nil)
var _ virtq.Memory = (*fakeMemory)(nil)
