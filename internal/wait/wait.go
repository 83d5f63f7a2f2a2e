// Package wait implements WAIT, the sleep/wake-all queue from spec.md §4.4:
// a list of waiters referenced by process pointer that cooperates with the
// scheduler's ready bit. Built over container/list.List, following the same
// intrusive-list idiom the example pack uses for its own block-request wait
// queues, rather than a hand-rolled singly-linked list.
package wait

import (
	"container/list"

	"armos/internal/diag"
)

// Waiter is anything that can be parked on a List: a process or kthread
// descriptor. SetReady mirrors the descriptor's scheduler-visible ready bit.
type Waiter interface {
	SetReady(bool)
}

// Scheduler is invoked by WaitFor once the caller has been parked, handing
// control to whichever process the scheduler picks next. A List never picks
// processes itself — that is PROC's job — it only manages membership and
// the ready bit.
type Scheduler interface {
	Run()
}

// List is one wait list: a FIFO-ish queue of Waiters (ordering is not load
// bearing, per spec.md §4.4 — awakens are fan-out, not handoff) plus a
// count. A process appears on at most one List at a time, enforced by
// callers (PROC), not by List itself.
type List struct {
	waiters *list.List
	sched   Scheduler
}

// New creates an empty List that invokes sched.Run to yield the CPU once a
// waiter has been parked.
func New(sched Scheduler) *List {
	return &List{waiters: list.New(), sched: sched}
}

// Len returns the current waiter count.
func (l *List) Len() int { return l.waiters.Len() }

// Destroy logs a warning if any waiters remain queued. It returns nothing
// and releases or clears nothing.
func (l *List) Destroy() {
	if l.waiters.Len() > 0 {
		diag.Warnf("wait: destroy called with %d waiter(s) still queued", l.waiters.Len())
	}
}

// WaitFor adds w to the list, clears its ready bit, and invokes the
// scheduler. It returns the *list.Element so the caller can remove w early
// (e.g. on forced exit) without waiting for a matching Awaken.
func (l *List) WaitFor(w Waiter) *list.Element {
	el := l.waiters.PushBack(w)
	w.SetReady(false)
	l.sched.Run()
	return el
}

// Awaken sets every current waiter's ready bit and empties the list. It
// does not itself invoke the scheduler; the next reschedule point (the
// caller's own next suspension, or a timer tick) picks among now-ready
// processes per spec.md §4.4's "fan-out, not handoff" ordering note.
func (l *List) Awaken() {
	for el := l.waiters.Front(); el != nil; {
		next := el.Next()
		el.Value.(Waiter).SetReady(true)
		l.waiters.Remove(el)
		el = next
	}
}

// Remove takes w off the list early, e.g. when a process is force-exited
// while still parked. It is a no-op if el is not (or no longer) a member.
func (l *List) Remove(el *list.Element) {
	if el == nil {
		return
	}
	l.waiters.Remove(el)
}
