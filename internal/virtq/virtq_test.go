package virtq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMemory is a byte-addressable Memory fake, map-backed so a queue's
// tests can assert directly on ring bytes if needed.
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

var _ Memory = (*fakeMemory)(nil)

func TestCreateRejectsQueueThatDoesNotFitInOnePage(t *testing.T) {
	_, err := Create(newFakeMemory(), 0, 4096, 4096)
	assert.Error(t, err, "a 4096-entry queue cannot possibly fit in a 4096-byte page")
}

func TestCreateAcceptsQueueThatFitsInOnePage(t *testing.T) {
	q, err := Create(newFakeMemory(), 0, 64, 4096)
	require.NoError(t, err)
	assert.Equal(t, 64, q.Len)
	assert.LessOrEqual(t, Size(64), 4096)
}

func TestAllocDescAndFreeDescRoundTrip(t *testing.T) {
	q, err := Create(newFakeMemory(), 0, 4, 4096)
	require.NoError(t, err)

	idx, ok := q.AllocDesc(0x1000, 0xffff000000001000)
	require.True(t, ok)
	assert.Equal(t, uintptr(0xffff000000001000), q.VirtAddr(idx))

	require.NoError(t, q.FreeDesc(idx))
	assert.Equal(t, uintptr(0), q.VirtAddr(idx))

	idx2, ok := q.AllocDesc(0x2000, 0xffff000000002000)
	require.True(t, ok)
	assert.Equal(t, idx, idx2, "the freed descriptor should be reused first")
}

func TestAllocDescExhaustsFreeList(t *testing.T) {
	q, err := Create(newFakeMemory(), 0, 2, 4096)
	require.NoError(t, err)

	_, ok1 := q.AllocDesc(0x1000, 0x1000)
	_, ok2 := q.AllocDesc(0x2000, 0x2000)
	require.True(t, ok1)
	require.True(t, ok2)

	_, ok3 := q.AllocDesc(0x3000, 0x3000)
	assert.False(t, ok3, "a third alloc on a 2-descriptor queue must fail")
}

func TestFreeDescRejectsOutOfRangeIndex(t *testing.T) {
	q, err := Create(newFakeMemory(), 0, 4, 4096)
	require.NoError(t, err)
	assert.Error(t, q.FreeDesc(99))
}

func TestNSubmitsNCompletionsLeavesFreeListAtOriginalLength(t *testing.T) {
	const length = 8
	q, err := Create(newFakeMemory(), 0, length, 4096)
	require.NoError(t, err)

	var allocated []uint16
	for i := 0; i < length; i++ {
		idx, ok := q.AllocDesc(uintptr(0x1000*(i+1)), uintptr(0x1000*(i+1)))
		require.True(t, ok)
		allocated = append(allocated, idx)
		q.PublishAvail(idx)
		q.PushUsed(uint32(idx), 512)
	}

	pending := q.PendingUsed(uint16(length))
	require.Len(t, pending, length)
	for _, u := range pending {
		require.NoError(t, q.FreeDesc(uint16(u.ID)))
	}

	for i := 0; i < length; i++ {
		_, ok := q.AllocDesc(0x9000, 0x9000)
		assert.True(t, ok, "every descriptor should be available again after all completions free it")
	}
	_, ok := q.AllocDesc(0x9000, 0x9000)
	assert.False(t, ok, "free list should be exhausted again at exactly the original length")
}

func TestPendingUsedOnlyReturnsUnseenEntries(t *testing.T) {
	q, err := Create(newFakeMemory(), 0, 4, 4096)
	require.NoError(t, err)

	idx, _ := q.AllocDesc(0x1000, 0x1000)
	q.PublishAvail(idx)
	q.PushUsed(uint32(idx), 10)

	first := q.PendingUsed(1)
	require.Len(t, first, 1)

	second := q.PendingUsed(1)
	assert.Empty(t, second, "entries already consumed must not be returned again")
}

// fakeRegs is an in-memory virtio-mmio register file for Attach/Negotiate
// tests, standing in for a real MMIO window mapped via kmem.MapPeriph.
type fakeRegs struct {
	deviceFeatures uint64
	driverFeatures uint64
	status         uint8

	queueSel   uint32
	queueSize  uint32
	descLow    uint32
	descHigh   uint32
	availLow   uint32
	availHigh  uint32
	usedLow    uint32
	usedHigh   uint32
	ready      bool
	notified   []uint32
}

func (r *fakeRegs) ReadDeviceFeatures() uint64    { return r.deviceFeatures }
func (r *fakeRegs) WriteDriverFeatures(v uint64)  { r.driverFeatures = v }
func (r *fakeRegs) WriteStatus(v uint8)           { r.status = v }
func (r *fakeRegs) ReadStatus() uint8             { return r.status }
func (r *fakeRegs) SelectQueue(sel uint32)        { r.queueSel = sel }
func (r *fakeRegs) SetQueueSize(size uint32)      { r.queueSize = size }
func (r *fakeRegs) WriteQueueDescLow(v uint32)    { r.descLow = v }
func (r *fakeRegs) WriteQueueDescHigh(v uint32)   { r.descHigh = v }
func (r *fakeRegs) WriteQueueAvailLow(v uint32)   { r.availLow = v }
func (r *fakeRegs) WriteQueueAvailHigh(v uint32)  { r.availHigh = v }
func (r *fakeRegs) WriteQueueUsedLow(v uint32)    { r.usedLow = v }
func (r *fakeRegs) WriteQueueUsedHigh(v uint32)   { r.usedHigh = v }
func (r *fakeRegs) SetQueueReady(ready bool)      { r.ready = ready }
func (r *fakeRegs) Notify(sel uint32)             { r.notified = append(r.notified, sel) }

func TestAttachProgramsQueueAddressesAndMarksReady(t *testing.T) {
	regs := &fakeRegs{}
	Attach(regs, 0, 0x41000000, 0x41001000, 0x41001800, 64)

	assert.Equal(t, uint32(0), regs.queueSel)
	assert.Equal(t, uint32(64), regs.queueSize)
	assert.Equal(t, uint32(0x41000000), regs.descLow)
	assert.Equal(t, uint32(0x41001000), regs.availLow)
	assert.Equal(t, uint32(0x41001800), regs.usedLow)
	assert.True(t, regs.ready)
}

func TestNegotiateSetsOnlyMutuallySupportedBits(t *testing.T) {
	regs := &fakeRegs{}
	advertised := FeatureBits{RingIndirectDesc: true, VersionOne: true, BlkSegMax: true}
	regs.deviceFeatures = advertised.pack()

	supported := FeatureBits{VersionOne: true, BlkSizeMax: true}
	negotiated, err := Negotiate(regs, supported)
	require.NoError(t, err)

	assert.True(t, negotiated.VersionOne, "advertised and supported")
	assert.False(t, negotiated.RingIndirectDesc, "advertised but not supported")
	assert.False(t, negotiated.BlkSizeMax, "supported but not advertised")
	assert.NotZero(t, regs.status&statusDriverOK, "negotiate should end with driver-ok set")
}

func TestNegotiateFailsWhenDeviceRejectsFeaturesOK(t *testing.T) {
	// A device that never raises FEATURES_OK: every status write gets that
	// bit masked back out.
	stubborn := &rejectingRegs{fakeRegs: &fakeRegs{}}
	_, err := Negotiate(stubborn, FeatureBits{})
	assert.Error(t, err)
}

type rejectingRegs struct {
	*fakeRegs
}

func (r *rejectingRegs) WriteStatus(v uint8) {
	r.fakeRegs.status = v &^ statusFeaturesOK
}
