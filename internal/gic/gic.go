// Package gic defines the interrupt controller interface PROC and the
// block/virtio drivers consume, per spec.md §6: register_isr, enable,
// acknowledge, end, get_name. Real GIC distributor/CPU-interface register
// programming is out of scope (spec.md's Non-goals) beyond what those five
// operations need; this package models only the dispatch surface.
package gic

import "fmt"

// ISR is an interrupt service routine, invoked with the interrupt ID that
// fired.
type ISR func(intid uint32)

// Controller is the interrupt controller's consumed interface.
type Controller interface {
	// RegisterISR associates handler with intid, to be invoked up to count
	// times total (0 means unlimited) before automatically deregistering —
	// most drivers pass 0.
	RegisterISR(intid uint32, count int, handler ISR, name string) error
	// Enable unmasks intid at the distributor.
	Enable(intid uint32) error
	// Acknowledge reads the CPU interface's acknowledge register, returning
	// the ID of the highest-priority pending interrupt.
	Acknowledge() (intid uint32, ok bool)
	// End signals end-of-interrupt for intid.
	End(intid uint32) error
	// GetName returns the human-readable name passed to RegisterISR, or ""
	// if intid has no registered handler.
	GetName(intid uint32) string
}

type registration struct {
	handler ISR
	name    string
	count   int // remaining allowed invocations, -1 = unlimited
}

// Registry is a board-independent Controller implementation: a dispatch
// table plus a software model of pending/acknowledged state, driven by a
// board's Raise method (invoked by a platform ISR trampoline or, in tests,
// directly). It plays the role the teacher's gic_qemu.go plays for a real
// distributor, minus actual MMIO register writes.
type Registry struct {
	handlers map[uint32]*registration
	enabled  map[uint32]bool
	pending  []uint32
	acked    uint32
	hasAcked bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: map[uint32]*registration{},
		enabled:  map[uint32]bool{},
	}
}

func (r *Registry) RegisterISR(intid uint32, count int, handler ISR, name string) error {
	if handler == nil {
		return fmt.Errorf("gic: register_isr: nil handler for intid %d", intid)
	}
	remaining := -1
	if count > 0 {
		remaining = count
	}
	r.handlers[intid] = &registration{handler: handler, name: name, count: remaining}
	return nil
}

func (r *Registry) Enable(intid uint32) error {
	if _, ok := r.handlers[intid]; !ok {
		return fmt.Errorf("gic: enable: intid %d has no registered handler", intid)
	}
	r.enabled[intid] = true
	return nil
}

// Raise simulates the platform delivering intid to the CPU interface: it
// becomes the next Acknowledge result. Used by board fakes/tests that model
// a device signaling an interrupt.
func (r *Registry) Raise(intid uint32) {
	r.pending = append(r.pending, intid)
}

// Acknowledge reads the next pending interrupt and, matching a real GIC
// CPU interface's read-acknowledge-then-service convention, invokes its
// registered handler before returning the ID — the exception vector's IRQ
// path is then just acknowledge-then-end.
func (r *Registry) Acknowledge() (uint32, bool) {
	if len(r.pending) == 0 {
		return 0, false
	}
	intid := r.pending[0]
	r.pending = r.pending[1:]
	r.acked = intid
	r.hasAcked = true

	if reg, ok := r.handlers[intid]; ok {
		reg.handler(intid)
		if reg.count > 0 {
			reg.count--
			if reg.count == 0 {
				delete(r.handlers, intid)
				delete(r.enabled, intid)
			}
		}
	}
	return intid, true
}

// End signals end-of-interrupt for intid, which must be the most recently
// acknowledged ID and not already ended.
func (r *Registry) End(intid uint32) error {
	if !r.hasAcked || r.acked != intid {
		return fmt.Errorf("gic: end: intid %d was not the last acknowledged interrupt", intid)
	}
	r.hasAcked = false
	return nil
}

func (r *Registry) GetName(intid uint32) string {
	if reg, ok := r.handlers[intid]; ok {
		return reg.name
	}
	return ""
}
