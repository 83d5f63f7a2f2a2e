//go:build arm64

package arch

// arm64Primitives implements Primitives for ARMv8-A (AArch64), EL1 kernel /
// EL0 user. The actual privileged instructions (MSR/MRS, DSB/ISB, TLBI,
// ERET) live in arm64_asm.s; this file only shapes the Context and wires Go
// calls onto them, the same split the teacher keeps between its Go files
// and the hand-written assembly its runtime patch relies on.
type arm64Primitives struct{}

// New returns the real, register-touching Primitives for this GOARCH.
func New() Primitives { return arm64Primitives{} }

// arm64NumRegs is x0-x30: 31 general-purpose registers saved/restored
// around a context switch (x29/x30 double as frame pointer/link register,
// saved like any other GPR here).
const arm64NumRegs = 31

func (arm64Primitives) NewKernelContext(pc, arg, sp uint64) Context {
	regs := make([]uint64, arm64NumRegs)
	regs[0] = arg
	return Context{Regs: regs, PC: pc, SP: sp, PSR: arm64PSRKernel}
}

func (arm64Primitives) NewUserContext(entry, sp uint64) Context {
	return Context{Regs: make([]uint64, arm64NumRegs), PC: entry, SP: sp, PSR: arm64PSRUser}
}

func (arm64Primitives) ReturnFromException(ctx *Context) {
	returnFromExceptionARM64(ctx)
}

func (arm64Primitives) Critical(fn func()) {
	prev := disableIRQARM64()
	fn()
	restoreIRQARM64(prev)
}

func (arm64Primitives) InvalidateTLB()                       { invalidateTLBARM64() }
func (arm64Primitives) DataBarrier()                         { dataBarrierARM64() }
func (arm64Primitives) CleanInvalidateRange(addr, length uintptr) {
	cleanInvalidateRangeARM64(addr, length)
}

// arm64PSRKernel/arm64PSRUser are SPSR_EL1 values selecting EL1h (kernel,
// using SP_EL1) and EL0t (user) with interrupts unmasked, matching the
// saved-PSTATE layout ERET expects.
const (
	arm64PSRKernel = 0x3c5
	arm64PSRUser   = 0x000
)

// The following are implemented in arm64_asm.s.

func returnFromExceptionARM64(ctx *Context)
func disableIRQARM64() (prevWasEnabled bool)
func restoreIRQARM64(prevWasEnabled bool)
func invalidateTLBARM64()
func dataBarrierARM64()
func cleanInvalidateRangeARM64(addr, length uintptr)
