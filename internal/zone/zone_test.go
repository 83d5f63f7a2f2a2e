package zone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegion(t *testing.T) *Region {
	t.Helper()
	r, err := New(0x1000, 0x100000, 0)
	require.NoError(t, err)
	return r
}

// Scenario A from spec.md §8.
func TestScenarioA(t *testing.T) {
	r := newTestRegion(t)

	addr, ok := r.Alloc(4096, 0)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x1000), addr)

	addr, ok = r.Alloc(4096, 0)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x2000), addr)

	assert.Equal(t, []Entry{
		{Addr: 0x1000, Free: false},
		{Addr: 0x3000, Free: true},
		{Addr: 0x100000, Free: false},
	}, r.Entries())
}

// Scenario B from spec.md §8: alignment forces a hole on the left.
func TestScenarioB(t *testing.T) {
	r := newTestRegion(t)

	addr, ok := r.Alloc(4096, 13) // align to 8 KiB
	require.True(t, ok)
	assert.Equal(t, uintptr(0x2000), addr)

	assert.Equal(t, []Entry{
		{Addr: 0x1000, Free: true},
		{Addr: 0x2000, Free: false},
		{Addr: 0x3000, Free: true},
		{Addr: 0x100000, Free: false},
	}, r.Entries())
}

// Scenario C from spec.md §8: free() opens an exact-fit hole that is reused.
func TestScenarioC(t *testing.T) {
	r := newTestRegion(t)

	_, ok := r.Alloc(3*4096, 0)
	require.True(t, ok)

	require.NoError(t, r.Free(0x2000, 4096))

	addr, ok := r.Alloc(4096, 0)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x2000), addr)
}

func TestMarkAllocRequiresFreeZone(t *testing.T) {
	r := newTestRegion(t)

	require.NoError(t, r.MarkAlloc(0x1000, 4096))
	assert.Error(t, r.MarkAlloc(0x1000, 4096), "already allocated")

	_, ok := r.Alloc(4096, 0)
	require.True(t, ok)
}

func TestMarkAllocRejectsPartialOverlap(t *testing.T) {
	r := newTestRegion(t)
	require.NoError(t, r.MarkAlloc(0x1000, 4096))
	// straddles the allocated zone and the free remainder
	assert.Error(t, r.MarkAlloc(0x1800, 4096))
}

func TestFreeRejectsUnallocated(t *testing.T) {
	r := newTestRegion(t)
	assert.Error(t, r.Free(0x1000, 4096))
}

// Property: free(alloc(n, a)) restores the prior state exactly.
func TestFreeUndoesAllocBitForBit(t *testing.T) {
	r := newTestRegion(t)
	before := r.Entries()

	addr, ok := r.Alloc(4096, 0)
	require.True(t, ok)
	require.NoError(t, r.Free(addr, 4096))

	assert.Equal(t, before, r.Entries())
}

// Property: allocations satisfy alignment and upper-bound constraints.
func TestAllocSatisfiesAlignmentAndBound(t *testing.T) {
	r := newTestRegion(t)
	_, hi := r.Bounds()

	for i := 0; i < 8; i++ {
		addr, ok := r.Alloc(4096, 13)
		if !ok {
			break
		}
		assert.Zero(t, addr&((1<<13)-1))
		assert.LessOrEqual(t, addr+4096, hi)
	}
}

// Property: the zone array stays sorted with no two adjacent same-bit
// entries after any sequence of successful operations.
func TestInvariantsHoldAcrossOperations(t *testing.T) {
	r := newTestRegion(t)

	var allocs []uintptr
	for i := 0; i < 6; i++ {
		addr, ok := r.Alloc(4096, 0)
		if ok {
			allocs = append(allocs, addr)
		}
	}
	require.NoError(t, r.Free(allocs[1], 4096))
	require.NoError(t, r.Free(allocs[3], 4096))
	_, ok := r.Alloc(4096, 0)
	require.True(t, ok)

	entries := r.Entries()
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Addr, entries[i].Addr, "addresses must strictly increase")
		assert.NotEqual(t, entries[i-1].Free, entries[i].Free, "adjacent zones must differ in free bit")
	}
	assert.False(t, entries[len(entries)-1].Free, "final zone is the allocated sentinel")
}

func TestCapacityRejection(t *testing.T) {
	r, err := New(0x1000, 0x100000, 2)
	require.NoError(t, err)

	// Forcing an alignment hole requires growing the array beyond capacity 2.
	_, ok := r.Alloc(4096, 13)
	assert.False(t, ok)
}

func TestNewRejectsUnaligned(t *testing.T) {
	_, err := New(0x1001, 0x100000, 0)
	assert.Error(t, err)

	_, err = New(0x2000, 0x1000, 0)
	assert.Error(t, err)
}
