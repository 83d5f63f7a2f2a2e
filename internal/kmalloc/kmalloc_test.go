package kmalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeSource() func() ([]byte, error) {
	return func() ([]byte, error) { return make([]byte, 4096), nil }
}

func TestAllocRoutesToSmallestFittingClass(t *testing.T) {
	a, err := New(4096, fakeSource())
	require.NoError(t, err)

	p, err := a.Alloc(10)
	require.NoError(t, err)
	assert.Len(t, p, 10)
	assert.Equal(t, 1, classFor(10), "10 bytes should route to the 16-byte class")
}

func TestAllocExactBoundarySizes(t *testing.T) {
	a, err := New(4096, fakeSource())
	require.NoError(t, err)

	for i, size := range classSizes {
		p, err := a.Alloc(size)
		require.NoError(t, err)
		assert.Len(t, p, size)
		assert.Equal(t, i, classFor(size))
	}
}

func TestAllocRejectsOversizeRequest(t *testing.T) {
	a, err := New(4096, fakeSource())
	require.NoError(t, err)

	_, err = a.Alloc(2049)
	assert.Error(t, err)
}

func TestFreeReturnsObjectToItsClass(t *testing.T) {
	a, err := New(4096, fakeSource())
	require.NoError(t, err)

	p, err := a.Alloc(100)
	require.NoError(t, err)
	idx := classFor(100)
	freeBefore := a.caches[idx].FreeCount()

	require.NoError(t, a.Free(p, 100))
	assert.Equal(t, freeBefore+1, a.caches[idx].FreeCount())
}

func TestFreeRejectsOversizeClass(t *testing.T) {
	a, err := New(4096, fakeSource())
	require.NoError(t, err)

	assert.Error(t, a.Free([]byte{1}, 4096))
}

func TestConsecutiveAllocsDistinctAddresses(t *testing.T) {
	a, err := New(4096, fakeSource())
	require.NoError(t, err)

	p1, err := a.Alloc(32)
	require.NoError(t, err)
	p2, err := a.Alloc(32)
	require.NoError(t, err)
	assert.NotEqual(t, &p1[0], &p2[0])
}
