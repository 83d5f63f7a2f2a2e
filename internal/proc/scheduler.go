package proc

import (
	"container/list"

	"armos/internal/arch"
	"armos/internal/diag"
)

// ShellFactory builds the kernel-shell kthread the scheduler instantiates
// if the process list ever becomes completely empty, per spec.md §4.5
// step 4. It is a factory rather than a value because it may need to
// allocate (a fresh kernel stack) at the moment it is needed.
type ShellFactory func() (*Proc, error)

// Scheduler owns the global process list and implements the round-robin
// algorithm from spec.md §4.5. It satisfies wait.Scheduler, so any
// wait.List can invoke it directly from WaitFor.
type Scheduler struct {
	arch arch.Primitives

	procs   *list.List // of *Proc; the single global "process list"
	current *Proc
	idle    *Proc

	shellFactory ShellFactory
	nextID       uint64
}

// New creates a Scheduler. idle is the always-present idle kthread
// (spec.md §4.5 step 3); shellFactory builds a fresh kernel-shell kthread
// on demand if the process list empties out (step 4).
func New(a arch.Primitives, idle *Proc, shellFactory ShellFactory) *Scheduler {
	s := &Scheduler{arch: a, procs: list.New(), idle: idle, shellFactory: shellFactory}
	idle.listElem = s.procs.PushBack(idle)
	s.current = idle
	return s
}

// NextID returns a fresh monotonically increasing process ID.
func (s *Scheduler) NextID() uint64 {
	s.nextID++
	return s.nextID
}

// Add registers p on the global process list, ready to be scheduled.
func (s *Scheduler) Add(p *Proc) {
	p.listElem = s.procs.PushBack(p)
}

// Current returns the process presently running.
func (s *Scheduler) Current() *Proc { return s.current }

// Run implements wait.Scheduler: pick the next process per the algorithm
// below and switch to it. It is also the direct entry point for relinquish
// (yield) and block.
func (s *Scheduler) Run() {
	next := s.pick()
	s.contextSwitch(next)
}

// pick walks the process list choosing the first ready entry after the
// current one (wrapping around), moving it to the tail on selection so
// repeated picks round-robin rather than starve later entries. Per
// spec.md §4.5:
//  1. first ready process != current, round-robin tie-break
//  2. if none, re-select current if it is still ready
//  3. otherwise the idle kthread
//  4. if the process list is empty outright, instantiate a kernel shell
func (s *Scheduler) pick() *Proc {
	if s.procs.Len() == 0 {
		shell, err := s.shellFactory()
		if err != nil {
			diag.Errorf("proc: scheduler: failed to instantiate kernel shell: %v", err)
			return s.idle
		}
		s.Add(shell)
	}

	start := s.current.listElem
	if start == nil {
		start = s.procs.Front()
	}

	for el := nextWrapping(s.procs, start); el != start; el = nextWrapping(s.procs, el) {
		p := el.Value.(*Proc)
		if p != s.current && p != s.idle && p.Flags.Ready {
			s.procs.MoveToBack(el)
			return p
		}
	}

	if s.current.Flags.Ready && s.current != s.idle {
		return s.current
	}
	return s.idle
}

// nextWrapping returns el's successor in l, wrapping to the front after
// the last element.
func nextWrapping(l *list.List, el *list.Element) *list.Element {
	if n := el.Next(); n != nil {
		return n
	}
	return l.Front()
}

// contextSwitch installs next as current and transfers control to it via
// the architecture primitive. It does not return until next is itself
// later rescheduled away and the original goroutine resumes — on real
// hardware ReturnFromException never returns to this call at all; the next
// "return" into Go code happens on the far side of a future exception.
func (s *Scheduler) contextSwitch(next *Proc) {
	prev := s.current
	s.current = next
	if next.TTBR0 != nil {
		s.arch.InvalidateTLB()
	}
	if next == prev {
		return
	}
	s.arch.ReturnFromException(&next.Context)
}

// Block saves the caller's context into ctx and invokes the scheduler,
// per spec.md §4.5's block(&ctx) contract. Unlike Run, Block is meant to be
// called from inside a syscall handler about to suspend the current
// process without parking it on any particular wait.List (e.g. a
// coarse-grained sleep); most blocking instead goes through a wait.List's
// WaitFor, which itself calls Run.
func (s *Scheduler) Block(ctx *arch.Context) {
	*ctx = s.current.Context
	s.Run()
}

// Exit removes p from the global process list, releases its user memory
// and page tables, awakens anything waiting on its exit, and reschedules.
// It never returns.
func (s *Scheduler) Exit(p *Proc, releaseUser func(*Proc)) {
	if p.listElem != nil {
		s.procs.Remove(p.listElem)
		p.listElem = nil
	}
	p.Flags.Ready = false
	if releaseUser != nil {
		releaseUser(p)
	}
	if p.ExitWait != nil {
		p.ExitWait.Awaken()
	}
	if s.current == p {
		s.current = s.idle
	}
	s.Run()
}
