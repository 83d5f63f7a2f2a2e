package arch

// Sim is a host-testable fake implementation of Primitives. It never
// touches real registers: ReturnFromException records the context it was
// given instead of transferring control, and Critical just calls fn under
// a counter instead of disabling real interrupts. Scheduler and PROC tests
// depend only on Primitives, so they exercise the exact same code paths
// the real arm64Primitives/arm32Primitives would.
type Sim struct {
	// Returned records every Context passed to ReturnFromException, most
	// recent last, so tests can assert which process was actually
	// dispatched.
	Returned []Context

	criticalDepth int
	tlbFlushes    int
	barriers      int
}

// NewSim returns a fresh Sim.
func NewSim() *Sim { return &Sim{} }

func (s *Sim) NewKernelContext(pc, arg, sp uint64) Context {
	return Context{Regs: []uint64{arg}, PC: pc, SP: sp}
}

func (s *Sim) NewUserContext(entry, sp uint64) Context {
	return Context{Regs: make([]uint64, 4), PC: entry, SP: sp}
}

func (s *Sim) ReturnFromException(ctx *Context) {
	s.Returned = append(s.Returned, *ctx)
}

// Critical runs fn directly; Sim is single-threaded by construction so
// there is no real concurrent access to guard against, but it still counts
// nesting depth so tests can assert Critical sections are never left open.
func (s *Sim) Critical(fn func()) {
	s.criticalDepth++
	fn()
	s.criticalDepth--
}

// InCritical reports whether a Critical call is currently executing,
// letting tests assert that e.g. wait-list mutation only happens while
// interrupts are (simulated) disabled.
func (s *Sim) InCritical() bool { return s.criticalDepth > 0 }

func (s *Sim) InvalidateTLB() { s.tlbFlushes++ }

func (s *Sim) DataBarrier() { s.barriers++ }

func (s *Sim) CleanInvalidateRange(addr, length uintptr) {}

// TLBFlushes returns how many times InvalidateTLB has been called.
func (s *Sim) TLBFlushes() int { return s.tlbFlushes }
