// Package slab implements a per-type object cache (SLAB): slices pages
// into fixed-size objects threaded onto a free list, growing on demand via
// a page-allocating callback, per spec.md §4.3.
package slab

import (
	"container/list"
	"fmt"
	"unsafe"
)

// DefaultPageSize is the page size New uses when given a non-positive
// pageSize. The page size is a New parameter rather than fixed so host tests
// can exercise the carving logic with a small page size without pulling in
// the real zone/mmu stack.
const DefaultPageSize = 4096

// PageSource hands a Cache a fresh, contiguous byte slice to carve into
// objects, or an error if none is available (out-of-memory from the
// underlying page allocator). Grounded on the teacher's page-callback
// pattern: a Cache never knows whether its pages come from kmem.KallocPages
// or, in tests, from plain make([]byte, ...).
type PageSource func() ([]byte, error)

// page is one page owned by a Cache: its backing bytes, and the free list
// threaded through the unused object slots it was carved into.
type page struct {
	bytes     []byte
	free      []int // byte offsets of free objects within bytes, LIFO
	freeCount int
	total     int
}

// Cache is a slab cache for one fixed object size. Objects never straddle
// pages; the cache-wide free count always equals the sum of each page's
// free count.
type Cache struct {
	objSize  int
	pageSize int
	source   PageSource

	pages     *list.List // of *page, most-recently-used-with-free-space at front
	pageIndex map[*page]*list.Element

	total int
	free  int
}

// New creates a Cache for objects of objSize bytes, drawing new pages of
// pageSize bytes from source. objSize must be positive and at most
// pageSize.
func New(objSize, pageSize int, source PageSource) (*Cache, error) {
	if objSize <= 0 {
		return nil, fmt.Errorf("slab: object size must be positive, got %d", objSize)
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if objSize > pageSize {
		return nil, fmt.Errorf("slab: object size %d exceeds page size %d", objSize, pageSize)
	}
	return &Cache{
		objSize:   objSize,
		pageSize:  pageSize,
		source:    source,
		pages:     list.New(),
		pageIndex: map[*page]*list.Element{},
	}, nil
}

// ObjSize returns the fixed object size this cache serves.
func (c *Cache) ObjSize() int { return c.objSize }

// Total returns the number of objects currently carved across all pages.
func (c *Cache) Total() int { return c.total }

// FreeCount returns the number of currently-unallocated objects.
func (c *Cache) FreeCount() int { return c.free }

// Alloc returns a byte slice of length ObjSize backed by one carved object
// slot, growing the cache by one page if every existing page is full.
func (c *Cache) Alloc() ([]byte, error) {
	el := c.pages.Front()
	for el != nil && el.Value.(*page).freeCount == 0 {
		el = el.Next()
	}
	if el == nil {
		p, err := c.grow()
		if err != nil {
			return nil, err
		}
		el = c.pageIndex[p]
	}

	p := el.Value.(*page)
	off := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.freeCount--
	c.free--

	if p.freeCount == 0 {
		c.pages.MoveToBack(el)
	}

	return p.bytes[off : off+c.objSize], nil
}

// Free returns obj — a slice previously returned by Alloc from this cache —
// to its owning page's free list. It is the caller's responsibility to pass
// back a slice that actually originated from this Cache; Free cannot detect
// a foreign slice.
func (c *Cache) Free(obj []byte) error {
	for el := c.pages.Front(); el != nil; el = el.Next() {
		p := el.Value.(*page)
		if within(p.bytes, obj) {
			off := sliceOffset(p.bytes, obj)
			if off%c.objSize != 0 {
				return fmt.Errorf("slab: free: object not aligned to a slot boundary")
			}
			p.free = append(p.free, off)
			p.freeCount++
			c.free++
			if p.freeCount == p.total {
				c.pages.MoveToFront(el)
			}
			return nil
		}
	}
	return fmt.Errorf("slab: free: object does not belong to this cache")
}

// grow acquires one more page from source and carves it into objects.
func (c *Cache) grow() (*page, error) {
	bytes, err := c.source()
	if err != nil {
		return nil, fmt.Errorf("slab: grow: %w", err)
	}
	if len(bytes) != c.pageSize {
		return nil, fmt.Errorf("slab: grow: page source returned %d bytes, want %d", len(bytes), c.pageSize)
	}

	n := c.pageSize / c.objSize
	p := &page{bytes: bytes, total: n, freeCount: n}
	p.free = make([]int, n)
	for i := 0; i < n; i++ {
		p.free[i] = i * c.objSize
	}

	el := c.pages.PushFront(p)
	c.pageIndex[p] = el
	c.total += n
	c.free += n
	return p, nil
}

func within(page, obj []byte) bool {
	if len(obj) == 0 || len(page) == 0 {
		return false
	}
	pStart := sliceAddr(page)
	oStart := sliceAddr(obj)
	return oStart >= pStart && oStart < pStart+uintptr(len(page))
}

func sliceOffset(page, obj []byte) int {
	return int(sliceAddr(obj) - sliceAddr(page))
}

// sliceAddr returns the address of a slice's backing array, used to
// identify which page an object slice was carved from. Safe here because
// the byte slices involved are never reallocated or resliced past their
// original capacity.
func sliceAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}
