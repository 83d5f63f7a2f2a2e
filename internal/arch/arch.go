// Package arch defines the architecture-primitive collaborator spec.md §6
// requires from an "asm/arch collaborator": context save/restore, the
// privileged instruction wrappers (barriers, cache/TLB maintenance,
// interrupt enable/disable), and process entry. The portable Primitives
// interface here lets PROC and the scheduler be written, and tested, once;
// only the two small implementations that actually execute privileged
// instructions (arm.go, arm64.go) are behind GOARCH build tags, the same
// split the teacher uses between its qemu/rpi4b-specific files and the rest
// of the kernel.
package arch

// Context is the saved register block for one process or kthread: enough
// to resume execution exactly where it left off, whether that's mid
// syscall, mid exception, or never-yet-started. The struct is shared by all
// architectures; arm.go/arm64.go decide the length of Regs and the PSR
// values stored in it. PROC only
// ever holds a Context by value and passes it to Primitives, never reads
// its fields directly.
type Context struct {
	// Regs holds the architecture's general-purpose register file, in
	// save/restore order. Its length is fixed per architecture (13 for
	// ARM32's r0-r12, 31 for ARM64's x0-x30).
	Regs []uint64
	PC   uint64
	SP   uint64
	PSR  uint64 // saved processor status (mode, interrupt mask, condition flags)
}

// Primitives is everything PROC needs from the architecture layer. One
// implementation runs on real hardware (build-tag gated per GOARCH); tests
// use the recording fake Sim (sim.go) so scheduler logic never depends on
// real register state.
type Primitives interface {
	// NewKernelContext builds a Context for a kthread: pc is the thread
	// function's entry point, arg is passed in the first argument
	// register, sp is the top of its kernel stack.
	NewKernelContext(pc, arg, sp uint64) Context
	// NewUserContext builds a Context that, on first ReturnFromException,
	// enters user mode at entry with the given user stack pointer.
	NewUserContext(entry, sp uint64) Context

	// ReturnFromException loads ctx and resumes it — the terminal call of
	// both the normal exception-return path and a freshly created
	// process's very first dispatch. It never returns to its caller.
	ReturnFromException(ctx *Context)

	// Critical disables interrupts, runs fn, then restores the previous
	// interrupt-enable state, implementing the "interrupts disabled"
	// mutual-exclusion discipline spec.md §5 requires for the ready list,
	// wait lists, and the virtqueue descriptor free list.
	Critical(fn func())

	// InvalidateTLB flushes the whole TLB (single-CPU, no ASID tagging
	// needed per spec.md §9's resolved Open Question).
	InvalidateTLB()
	// DataBarrier executes a full data memory barrier, used between
	// publishing a virtqueue avail-ring entry and the queue-notify register
	// write.
	DataBarrier()
	// CleanInvalidateRange performs cache maintenance (clean+invalidate by
	// VA) over [addr, addr+length), needed on non-cache-coherent virtio-mmio
	// transports.
	CleanInvalidateRange(addr, length uintptr)
}
