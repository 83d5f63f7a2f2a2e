// Package kmalloc implements KMALLOC, the power-of-two general allocator
// layered on slab.Cache, per spec.md §4.3: nine size classes from 8 to 2048
// bytes, routing each request to the smallest class able to hold it.
package kmalloc

import (
	"fmt"

	"armos/internal/slab"
)

// classSizes is the fixed size-class ladder; kmalloc.Allocator is the only
// type that knows it.
var classSizes = [...]int{8, 16, 32, 64, 128, 256, 512, 1024, 2048}

// MaxSize is the largest request Alloc will serve.
const MaxSize = 2048

// Allocator owns one slab.Cache per size class.
type Allocator struct {
	caches [len(classSizes)]*slab.Cache
}

// New builds an Allocator whose slab caches draw pageSize-byte pages from
// source. The same source feeds every class; in the real kernel that source
// wraps kmem.KallocPages, per spec.md's boot order (slab after kmem).
func New(pageSize int, source slab.PageSource) (*Allocator, error) {
	a := &Allocator{}
	for i, size := range classSizes {
		c, err := slab.New(size, pageSize, source)
		if err != nil {
			return nil, fmt.Errorf("kmalloc: class %d: %w", size, err)
		}
		a.caches[i] = c
	}
	return a, nil
}

// classFor returns the index of the smallest class able to hold n bytes,
// or -1 if n exceeds MaxSize.
func classFor(n int) int {
	for i, size := range classSizes {
		if n <= size {
			return i
		}
	}
	return -1
}

// Alloc returns n bytes from the smallest slab class that fits, rejecting
// requests over MaxSize with a diagnostic error rather than panicking.
func (a *Allocator) Alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("kmalloc: alloc: size must be positive, got %d", n)
	}
	idx := classFor(n)
	if idx < 0 {
		return nil, fmt.Errorf("kmalloc: alloc: %d bytes exceeds max class size %d", n, MaxSize)
	}
	obj, err := a.caches[idx].Alloc()
	if err != nil {
		return nil, fmt.Errorf("kmalloc: alloc: %w", err)
	}
	return obj[:n], nil
}

// Free returns p — a slice of length n previously returned by Alloc(n) — to
// the same size class it was drawn from. n must match the original request,
// exactly as spec.md's kfree(p, n) contract requires.
func (a *Allocator) Free(p []byte, n int) error {
	idx := classFor(n)
	if idx < 0 {
		return fmt.Errorf("kmalloc: free: %d bytes exceeds max class size %d", n, MaxSize)
	}
	if len(p) == 0 {
		return fmt.Errorf("kmalloc: free: empty slice")
	}
	return a.caches[idx].Free(p)
}
