// Package main is the kernel's freestanding entry point. boot.go holds the
// hardware-independent half of startup — the documented subsystem init
// order from spec.md's Design Notes §9 ("Global mutable state" strategy):
// UART → page allocator → direct map/MMU → kmem → slab → kmalloc →
// scheduler/wait → interrupt controller → block/virtio → first process —
// expressed against interfaces so it is exercised by boot_test.go without
// ever touching real hardware. The board-specific files
// (main_qemu_arm32.go, main_qemu_arm64.go, main_rpi4.go) supply the concrete MMIO/Memory
// adapters and call Boot from a real func main.
package main

import (
	"fmt"
	"unsafe"

	"armos/internal/arch"
	"armos/internal/blk"
	"armos/internal/board"
	"armos/internal/diag"
	"armos/internal/gic"
	"armos/internal/kmalloc"
	"armos/internal/kmem"
	"armos/internal/mmu"
	"armos/internal/proc"
	"armos/internal/slab"
	"armos/internal/uart"
	"armos/internal/virtq"
	"armos/internal/zone"
)

// Config bundles everything a concrete board's main must supply: the
// memory map, the hardware adapters, and the data an embedded-initrd-style
// boot needs (the shell image and any other runnable images).
type Config struct {
	Layout board.Layout

	Console uart.Device
	Mem     mmu.Memory
	Arch    arch.Primitives

	// RootTablePhys is a pre-zeroed page for the kernel's top-level table,
	// carved out by the board's pre-MMU allocator before Boot runs.
	RootTablePhys uintptr
	// PhysLo/PhysHi bound the physical RAM the page allocator manages,
	// normally RAMBase/RAMBase+RAMSize with the kernel image's own pages
	// already marked allocated by the board's linker-symbol bookkeeping.
	PhysLo, PhysHi uintptr

	// BlkRegs is nil on boards with no virtio-blk transport (e.g. RaspberryPi4B).
	BlkRegs virtq.Regs

	ShellImage []byte
	Images     proc.ImageLookup
}

// Kernel holds every live subsystem handle Boot assembles, for a board main
// to hand off to its interrupt vector trampoline (GIC, Dispatcher) once
// Boot returns.
type Kernel struct {
	Kmem       *kmem.Kmem
	Kmalloc    *kmalloc.Allocator
	Scheduler  *proc.Scheduler
	GIC        gic.Controller
	Dispatcher *proc.Dispatcher
	Blk        *blk.VirtioBlk // nil if cfg.BlkRegs was nil
}

// Boot runs the documented subsystem bring-up sequence once and returns the
// assembled kernel, or the first error any stage reports. Failures here are
// all treated as fatal to boot, matching spec.md §6's "panic and halt" boot
// failure policy — there is no partially-booted state worth returning.
func Boot(cfg Config) (*Kernel, error) {
	uart.Puts(cfg.Console, fmt.Sprintf("booting %s\n", cfg.Layout.Name))

	k, err := kmem.New(cfg.Layout, cfg.Mem, cfg.RootTablePhys, cfg.PhysLo, cfg.PhysHi)
	if err != nil {
		return nil, fmt.Errorf("boot: kmem: %w", err)
	}
	if err := k.MapDirect(cfg.PhysLo, cfg.PhysHi); err != nil {
		return nil, fmt.Errorf("boot: direct map: %w", err)
	}
	diag.Infof("boot: direct map installed for [0x%x, 0x%x)", cfg.PhysLo, cfg.PhysHi)

	kallocator, err := kmalloc.New(zone.PageSize, kmemPageSource(k))
	if err != nil {
		return nil, fmt.Errorf("boot: kmalloc: %w", err)
	}

	a := cfg.Arch
	res := proc.Resources{
		Kmem:        k,
		Arch:        a,
		UserRangeLo: cfg.Layout.UserRangeLo,
		UserRangeHi: cfg.Layout.UserRangeHi,
	}

	idle, err := proc.CreateKthread(0, res, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("boot: idle kthread: %w", err)
	}
	shellFactory := func() (*proc.Proc, error) {
		return proc.CreateProcess(1, res, cfg.ShellImage, cfg.Layout.UserRangeLo)
	}
	sched := proc.New(a, idle, shellFactory)
	res.Scheduler = sched

	registry := gic.NewRegistry()

	dispatcher := &proc.Dispatcher{
		Scheduler: sched,
		Sockets:   proc.NewSocketTable(),
		Console:   cfg.Console,
		Images:    cfg.Images,
		Kmem:      k,
		Mem:       cfg.Mem,
		Resources: res,
		NewProcID: sched.NextID,
	}

	kernel := &Kernel{
		Kmem:       k,
		Kmalloc:    kallocator,
		Scheduler:  sched,
		GIC:        registry,
		Dispatcher: dispatcher,
	}

	if cfg.BlkRegs != nil {
		blkDriver, err := attachVirtioBlk(k, registry, a, sched, cfg)
		if err != nil {
			return nil, fmt.Errorf("boot: virtio-blk: %w", err)
		}
		kernel.Blk = blkDriver
	}

	uart.Puts(cfg.Console, "boot complete, entering scheduler\n")
	return kernel, nil
}

// kmemPageSource adapts Kmem's physical-page allocator into the slab
// PageSource callback shape: allocate one physical page and hand back the
// direct-map []byte view of it, following the same direct-map-pointer
// idiom internal/proc's copyIntoDirectMap uses for process image loads.
func kmemPageSource(k *kmem.Kmem) slab.PageSource {
	return func() ([]byte, error) {
		phys, ok := k.KallocPages(1)
		if !ok {
			return nil, fmt.Errorf("kmem: page source exhausted")
		}
		virt := k.ToVirt(phys)
		return unsafe.Slice((*byte)(unsafe.Pointer(virt)), zone.PageSize), nil
	}
}

// kmemScratch adapts Kmem into blk.Scratch: each scratch allocation gets a
// dedicated physical page (wasteful for a 16- or 1-byte buffer, but virtio
// descriptors only need a stable physical address, not a tight packing,
// and boot-time header/status buffers are never on a hot allocation path).
type kmemScratch struct {
	k *kmem.Kmem
}

func (s *kmemScratch) Alloc(n int) (uintptr, uintptr, []byte, error) {
	phys, ok := s.k.KallocPages(1)
	if !ok {
		return 0, 0, nil, fmt.Errorf("kmem: scratch: out of physical pages")
	}
	virt := s.k.ToVirt(phys)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(virt)), n)
	return virt, phys, buf, nil
}

func (s *kmemScratch) Free(virt uintptr) {
	_ = s.k.FreePages(s.k.ToPhys(virt), 1)
}

func (s *kmemScratch) Phys(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return s.k.ToPhys(uintptr(unsafe.Pointer(&buf[0])))
}

// attachVirtioBlk maps the virtio-mmio transport, negotiates features,
// constructs and attaches a single queue, and registers the completion ISR
// with the GIC, per spec.md §4.6/§4.7.
func attachVirtioBlk(k *kmem.Kmem, registry *gic.Registry, a arch.Primitives, sched *proc.Scheduler, cfg Config) (*blk.VirtioBlk, error) {
	const queueLen = 64

	qmem, ok := cfg.Mem.(virtq.Memory)
	if !ok {
		return nil, fmt.Errorf("queue create: board memory adapter does not implement virtq.Memory")
	}

	queuePagePhys, ok := k.KallocPages(1)
	if !ok {
		return nil, fmt.Errorf("out of physical pages for queue control block")
	}
	queueVirt := k.ToVirt(queuePagePhys)

	queue, err := virtq.Create(qmem, queueVirt, queueLen, zone.PageSize)
	if err != nil {
		return nil, fmt.Errorf("queue create: %w", err)
	}

	descOff, availOff, usedOff, _ := virtq.Offsets(queueLen)
	descPhys := queuePagePhys + descOff
	availPhys := queuePagePhys + availOff
	usedPhys := queuePagePhys + usedOff

	supported := virtq.FeatureBits{VersionOne: true}
	if _, err := virtq.Negotiate(cfg.BlkRegs, supported); err != nil {
		return nil, fmt.Errorf("negotiate: %w", err)
	}
	virtq.Attach(cfg.BlkRegs, 0, descPhys, availPhys, usedPhys, queueLen)

	driver := blk.NewVirtioBlk(queue, cfg.BlkRegs, a, sched, &kmemScratch{k: k}, 0)

	err = registry.RegisterISR(cfg.Layout.VirtioBlkIntID, 0, func(intid uint32) {
		driver.HandleCompletion(usedRingIndex(cfg.BlkRegs))
		if endErr := registry.End(intid); endErr != nil {
			diag.Errorf("blk: end-of-interrupt: %v", endErr)
		}
	}, "virtio-blk")
	if err != nil {
		return nil, fmt.Errorf("register isr: %w", err)
	}
	if err := registry.Enable(cfg.Layout.VirtioBlkIntID); err != nil {
		return nil, fmt.Errorf("enable isr: %w", err)
	}

	return driver, nil
}

// usedRingIndex reads the device's current used-ring index out of the
// virtio-mmio register file. The narrow Regs interface doesn't expose this
// directly since negotiation/attach never need it; a real transport reads
// it from the used ring's own header in device memory, which the board's
// concrete Regs implementation is responsible for surfacing.
func usedRingIndex(regs virtq.Regs) uint16 {
	if r, ok := regs.(interface{ UsedIdx() uint16 }); ok {
		return r.UsedIdx()
	}
	return 0
}
