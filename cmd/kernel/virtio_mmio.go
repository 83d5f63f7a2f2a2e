// Package main: virtio-mmio register access, shared by every board that
// wires a virtio-blk transport (so far only the qemuvirt boards) — the
// register layout is architecture-independent, the same reasoning that
// keeps internal/uart's PL011 adapter out of the per-arch split.
package main

import (
	"unsafe"

	"armos/internal/kmem"
	"armos/internal/virtq"
)

const (
	virtioRegDeviceFeatures = 0x010
	virtioRegDriverFeatures = 0x020
	virtioRegQueueSel       = 0x030
	virtioRegQueueNum       = 0x038
	virtioRegQueueReady     = 0x044
	virtioRegQueueNotify    = 0x050
	virtioRegStatus         = 0x070
	virtioRegQueueDescLow   = 0x080
	virtioRegQueueDescHigh  = 0x084
	virtioRegQueueAvailLow  = 0x090
	virtioRegQueueAvailHigh = 0x094
	virtioRegQueueUsedLow   = 0x0a0
	virtioRegQueueUsedHigh  = 0x0a4
)

// mmioRegs is the 32-bit register-window access a mapped virtio-mmio
// device window needs, mirroring internal/uart.MMIO.
type mmioRegs interface {
	Read32(offset uintptr) uint32
	Write32(offset uintptr, val uint32)
}

// virtioBlkRegs implements virtq.Regs over a real virtio-mmio window,
// version-2 fixed register offsets per the virtio specification (spec.md
// §6). It also tracks the used ring's physical address as Attach writes it,
// so it can satisfy the optional UsedIdx() interface cmd/kernel's
// completion ISR uses — the used-ring index itself lives in device memory,
// not in a register, so reading it means following the direct map rather
// than issuing another MMIO read.
type virtioBlkRegs struct {
	mmio mmioRegs
	k    *kmem.Kmem

	usedPhysLow, usedPhysHigh uint32
}

func newVirtioBlkRegs(mmio mmioRegs, k *kmem.Kmem) *virtioBlkRegs {
	return &virtioBlkRegs{mmio: mmio, k: k}
}

func (r *virtioBlkRegs) ReadDeviceFeatures() uint64 {
	return uint64(r.mmio.Read32(virtioRegDeviceFeatures))
}
func (r *virtioBlkRegs) WriteDriverFeatures(v uint64) {
	r.mmio.Write32(virtioRegDriverFeatures, uint32(v))
}
func (r *virtioBlkRegs) WriteStatus(v uint8)  { r.mmio.Write32(virtioRegStatus, uint32(v)) }
func (r *virtioBlkRegs) ReadStatus() uint8    { return uint8(r.mmio.Read32(virtioRegStatus)) }
func (r *virtioBlkRegs) SelectQueue(sel uint32) {
	r.mmio.Write32(virtioRegQueueSel, sel)
}
func (r *virtioBlkRegs) SetQueueSize(size uint32) { r.mmio.Write32(virtioRegQueueNum, size) }
func (r *virtioBlkRegs) WriteQueueDescLow(v uint32)  { r.mmio.Write32(virtioRegQueueDescLow, v) }
func (r *virtioBlkRegs) WriteQueueDescHigh(v uint32) { r.mmio.Write32(virtioRegQueueDescHigh, v) }
func (r *virtioBlkRegs) WriteQueueAvailLow(v uint32)  { r.mmio.Write32(virtioRegQueueAvailLow, v) }
func (r *virtioBlkRegs) WriteQueueAvailHigh(v uint32) { r.mmio.Write32(virtioRegQueueAvailHigh, v) }
func (r *virtioBlkRegs) WriteQueueUsedLow(v uint32) {
	r.usedPhysLow = v
	r.mmio.Write32(virtioRegQueueUsedLow, v)
}
func (r *virtioBlkRegs) WriteQueueUsedHigh(v uint32) {
	r.usedPhysHigh = v
	r.mmio.Write32(virtioRegQueueUsedHigh, v)
}
func (r *virtioBlkRegs) SetQueueReady(ready bool) {
	v := uint32(0)
	if ready {
		v = 1
	}
	r.mmio.Write32(virtioRegQueueReady, v)
}
func (r *virtioBlkRegs) Notify(queueSel uint32) { r.mmio.Write32(virtioRegQueueNotify, queueSel) }

// UsedIdx reads the device's current used-ring index directly out of
// direct-mapped device memory, per the virtio used-ring layout: a 16-bit
// flags field followed by the 16-bit idx this returns.
func (r *virtioBlkRegs) UsedIdx() uint16 {
	usedPhys := uintptr(r.usedPhysLow) | uintptr(r.usedPhysHigh)<<32
	usedVirt := r.k.ToVirt(usedPhys)
	return *(*uint16)(unsafe.Pointer(usedVirt + 2))
}

var _ virtq.Regs = (*virtioBlkRegs)(nil)
