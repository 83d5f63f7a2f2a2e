// Package proc implements PROC: process and kthread descriptors, the
// round-robin scheduler, blocking, and the system-call dispatch table, per
// spec.md §4.5. It depends on kmem (for per-process memory), mmu (for
// per-process page tables), wait (for blocking), and arch.Primitives (for
// context save/restore) — the top-most subsystem in the dependency order,
// sitting on top of everything else.
package proc

import (
	"container/list"
	"fmt"
	"unsafe"

	"armos/internal/arch"
	"armos/internal/bitfield"
	"armos/internal/kmem"
	"armos/internal/mmu"
	"armos/internal/wait"
	"armos/internal/zone"
)

// Flags packs a process's scheduler-visible state. The three fields are
// read/written directly as plain bools on the hot context-switch path;
// Pack exists only for diagnostics (a compact log line), matching
// internal/bitfield's own guidance to keep reflection off hot paths.
type Flags struct {
	Ready        bool `bitfield:",1"`
	KernelThread bool `bitfield:",1"`
	InSyscall    bool `bitfield:",1"`
}

// Pack renders f as a 3-bit word for a compact diagnostic dump.
func (f Flags) Pack() uint64 {
	packed, err := bitfield.Pack(&f, &bitfield.Config{NumBits: 3})
	if err != nil {
		// Pack only fails on a malformed tag, a programmer error caught in
		// any unit test that exercises this path; never user-triggerable.
		panic(err)
	}
	return packed
}

// Proc is a process or kernel-thread descriptor, per spec.md §3's process
// descriptor data model.
type Proc struct {
	ID    uint64
	Flags Flags

	Context arch.Context
	KStack  uintptr // top of the kernel stack, a kmem page

	// TTBR0 is the user page table, whose Root holds the first-level
	// table's physical address; nil for kthreads, which run entirely in
	// kernel space.
	TTBR0 *mmu.Table
	// VM is the per-process virtual-memory allocator spanning the user
	// address range; nil for kthreads.
	VM *zone.Region

	// ExitWait is awoken when this process exits — other processes that
	// ran runproc with wait-for-exit block here.
	ExitWait *wait.List

	Sockets []*Socket

	listElem *list.Element  // linkage in the scheduler's global process list
	waitElem *list.Element  // linkage in whatever List this proc is parked on, if any
	waitList *wait.List     // which List waitElem belongs to, if any
}

// SetReady implements wait.Waiter, letting a Proc be parked directly on a
// wait.List.
func (p *Proc) SetReady(ready bool) { p.Flags.Ready = ready }

// Resources bundles what CreateProcess/CreateKthread need to build a
// descriptor: the kernel's page allocator and table, and the board's user
// address range (board.Layout.UserRangeLo/Hi, passed pre-resolved so this
// package never imports board directly).
type Resources struct {
	Kmem       *kmem.Kmem
	Arch       arch.Primitives
	Scheduler  wait.Scheduler
	UserRangeLo, UserRangeHi uintptr
}

// CreateKthread builds a kernel-thread descriptor: no user address space,
// the saved context resumes directly at fn with arg in the first argument
// register and sp at the top of a freshly allocated kernel stack, per
// spec.md §4.5's kthread-creation contract.
func CreateKthread(id uint64, res Resources, fn uintptr, arg uint64) (*Proc, error) {
	kstackPhys, ok := res.Kmem.KallocPages(1)
	if !ok {
		return nil, fmt.Errorf("proc: create_kthread: out of memory for kernel stack")
	}
	kstackTop := res.Kmem.ToVirt(kstackPhys) + zone.PageSize

	ctx := res.Arch.NewKernelContext(uint64(fn), arg, uint64(kstackTop))
	return &Proc{
		ID:      id,
		Flags:   Flags{Ready: true, KernelThread: true},
		Context: ctx,
		KStack:  kstackTop,
	}, nil
}

// CreateProcess builds a user process descriptor: its own kernel stack,
// user virtual-memory allocator, user page table, and the process image
// mapped at loadAddr, per spec.md §4.5's process-creation steps 1-6.
func CreateProcess(id uint64, res Resources, image []byte, loadAddr uintptr) (*Proc, error) {
	kstackPhys, ok := res.Kmem.KallocPages(1)
	if !ok {
		return nil, fmt.Errorf("proc: create_process: out of memory for kernel stack")
	}
	kstackTop := res.Kmem.ToVirt(kstackPhys) + zone.PageSize

	vm, err := zone.New(res.UserRangeLo, res.UserRangeHi, 0)
	if err != nil {
		return nil, fmt.Errorf("proc: create_process: user vm allocator: %w", err)
	}

	table, err := res.Kmem.NewUserTable()
	if err != nil {
		return nil, fmt.Errorf("proc: create_process: user table: %w", err)
	}

	npages := (len(image) + zone.PageSize - 1) / zone.PageSize
	if npages == 0 {
		npages = 1
	}
	imgPhys, ok := res.Kmem.KallocPages(npages)
	if !ok {
		return nil, fmt.Errorf("proc: create_process: out of memory for image (%d pages)", npages)
	}
	imgVirt := res.Kmem.ToVirt(imgPhys)
	copyIntoDirectMap(imgVirt, image)

	loadAddr = alignDown(loadAddr, zone.PageSize)
	if err := res.Kmem.MapUser(table, loadAddr, imgPhys, uintptr(npages)*zone.PageSize, true, true); err != nil {
		return nil, fmt.Errorf("proc: create_process: map user image: %w", err)
	}
	if err := vm.MarkAlloc(loadAddr, uintptr(npages)*zone.PageSize); err != nil {
		return nil, fmt.Errorf("proc: create_process: reserve image range: %w", err)
	}

	userSP := res.UserRangeHi
	ctx := res.Arch.NewUserContext(uint64(loadAddr), uint64(userSP))

	return &Proc{
		ID:       id,
		Flags:    Flags{Ready: true},
		Context:  ctx,
		KStack:   kstackTop,
		TTBR0:    table,
		VM:       vm,
		ExitWait: wait.New(res.Scheduler),
	}, nil
}

// copyIntoDirectMap is a stand-in for a real memcpy into the direct-mapped
// kernel view of imgVirt; tests substitute image loading entirely (see
// scheduler_test.go), so this is only exercised on real hardware.
func copyIntoDirectMap(dst uintptr, src []byte) {
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), len(src))
	copy(d, src)
}

func alignDown(n, align uintptr) uintptr { return n &^ (align - 1) }
