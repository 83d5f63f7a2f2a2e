// Package kmem is the KMEM façade from spec.md §4.1/§4.2: it owns the
// physical page zone, the kernel vmalloc zone, and the kernel's page table,
// and ties the three together so the rest of the kernel never constructs a
// zone.Region or mmu.Table for kernel memory. Other subsystems reach pages
// through *Kmem, directly (proc) or via the page-source and scratch adapters
// cmd/kernel builds on it (slab, kmalloc, blk); proc still builds each
// process's user-address zone.Region itself.
package kmem

import (
	"fmt"

	"armos/internal/board"
	"armos/internal/mmu"
	"armos/internal/zone"
)

// Allocator is a narrow page-allocation interface satisfied by *Kmem. No
// package in this module depends on it: slab and kmalloc take a
// slab.PageSource callback, and proc takes *Kmem.
type Allocator interface {
	KallocPages(n int) (phys uintptr, ok bool)
	FreePages(phys uintptr, n int) error
}

// Kmem owns the kernel's physical-page zone, its kernel-virtual (vmalloc)
// zone, and the live page table mapping one into the other.
type Kmem struct {
	layout board.Layout
	mem    mmu.Memory

	phys    *zone.Region // physical RAM bookkeeping
	vmalloc *zone.Region // kernel virtual address space for on-demand (MMIO) mappings

	table *mmu.Table
}

// New builds the KMEM façade over an already-allocated, zeroed root table
// page at rootPhys and a Memory view of physical RAM (the direct map, once
// mapped). physLo/physHi must exclude the kernel image and the root table
// page itself; the caller reserves those before passing the region to New.
func New(layout board.Layout, mem mmu.Memory, rootPhys uintptr, physLo, physHi uintptr) (*Kmem, error) {
	phys, err := zone.New(physLo, physHi, 0)
	if err != nil {
		return nil, fmt.Errorf("kmem: physical zone: %w", err)
	}
	vmalloc, err := zone.New(layout.VMallocLo, layout.VMallocHi, 0)
	if err != nil {
		return nil, fmt.Errorf("kmem: vmalloc zone: %w", err)
	}

	var table *mmu.Table
	switch layout.Arch {
	case board.ARM64:
		table = mmu.NewARM64Table(rootPhys)
	case board.ARM32:
		table = mmu.NewARM32Table(rootPhys)
	default:
		return nil, fmt.Errorf("kmem: unknown arch %v", layout.Arch)
	}

	return &Kmem{layout: layout, mem: mem, phys: phys, vmalloc: vmalloc, table: table}, nil
}

// KallocPages reserves n contiguous physical pages and returns their base
// address, or ok=false if the physical zone has no run of that length free.
func (k *Kmem) KallocPages(n int) (uintptr, bool) {
	if n <= 0 {
		return 0, false
	}
	return k.phys.Alloc(uintptr(n)*zone.PageSize, zone.PageBits)
}

// FreePages returns n pages starting at phys to the physical zone.
func (k *Kmem) FreePages(phys uintptr, n int) error {
	if n <= 0 {
		return fmt.Errorf("kmem: free_pages: n must be positive, got %d", n)
	}
	return k.phys.Free(phys, uintptr(n)*zone.PageSize)
}

// ToVirt translates a direct-mapped physical address to its kernel virtual
// alias.
func (k *Kmem) ToVirt(phys uintptr) uintptr { return k.layout.DirectMapBase + phys }

// ToPhys reverses ToVirt for an address known to lie in the direct map.
func (k *Kmem) ToPhys(virt uintptr) uintptr { return virt - k.layout.DirectMapBase }

// tablePageAlloc adapts KallocPages to mmu.PageAlloc, the shape the table
// walker uses for lazily-created intermediate tables.
func (k *Kmem) tablePageAlloc() mmu.PageAlloc {
	return func() (uintptr, bool) { return k.KallocPages(1) }
}

// MapDirect installs the 1:1 physical-to-DirectMapBase window over
// [physLo, physHi) using the largest blocks the architecture allows, per
// spec.md §4.2's boot-time direct-map construction.
func (k *Kmem) MapDirect(physLo, physHi uintptr) error {
	length := physHi - physLo
	virt := k.layout.DirectMapBase + physLo
	return k.table.MapBlocks(k.mem, k.tablePageAlloc(), virt, physLo, length, mmu.Attrs{
		Writable:   true,
		Executable: true,
		KernelOnly: true,
	})
}

// MapPeriph reserves a page-granular window in the kernel vmalloc zone for a
// device's MMIO region and maps it, returning the virtual address a driver
// should use. Per spec.md, peripheral mappings are always page-granular
// (Device attrs), never coalesced into blocks.
func (k *Kmem) MapPeriph(physBase uintptr, length uintptr) (uintptr, error) {
	length = alignUp(length, zone.PageSize)
	virt, ok := k.vmalloc.Alloc(length, zone.PageBits)
	if !ok {
		return 0, fmt.Errorf("kmem: map_periph: no vmalloc space for %#x bytes", length)
	}
	if err := k.table.MapPages(k.mem, k.tablePageAlloc(), virt, physBase, length, mmu.Attrs{
		Device:     true,
		Writable:   true,
		KernelOnly: true,
	}); err != nil {
		return 0, err
	}
	return virt, nil
}

// MapUser maps [virt, virt+length) for a per-process table into phys pages
// with user-mode access, page-granular (umem_map in spec.md §4.5).
func (k *Kmem) MapUser(table *mmu.Table, virt, phys, length uintptr, writable, executable bool) error {
	return table.MapPages(k.mem, k.tablePageAlloc(), virt, phys, length, mmu.Attrs{
		User:       true,
		Writable:   writable,
		Executable: executable,
	})
}

// NewUserTable allocates a fresh root table page for a new process's
// address space.
func (k *Kmem) NewUserTable() (*mmu.Table, error) {
	root, ok := k.KallocPages(1)
	if !ok {
		return nil, fmt.Errorf("kmem: new_user_table: out of memory")
	}
	k.mem.Zero(root, zone.PageSize)
	switch k.layout.Arch {
	case board.ARM64:
		return mmu.NewARM64Table(root), nil
	default:
		return mmu.NewARM32Table(root), nil
	}
}

// FreeUserTable releases every intermediate table page of table (but not
// its mapped leaves, which the caller must free via KMEM separately), per
// spec.md's umem_free contract.
func (k *Kmem) FreeUserTable(table *mmu.Table) {
	table.FreeIntermediate(k.mem, func(phys uintptr) {
		_ = k.FreePages(phys, 1)
	})
}

// KernelTable returns the kernel's own page table, for architecture code
// that must install it into TTBR0/TTBR1 at boot.
func (k *Kmem) KernelTable() *mmu.Table { return k.table }

func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}
