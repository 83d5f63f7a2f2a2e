// Package virtq implements VIRTQ: the virtio queue abstraction from
// spec.md §4.6 — a single-page descriptor/avail/used ring triple, plus a
// parallel table of kernel-virtual pointers so completion handlers can
// resolve a descriptor back to the buffer that produced it without a
// separate lookup structure.
package virtq

import (
	"fmt"

	"armos/internal/bitfield"
	"armos/internal/diag"
)

// descSize is the on-the-wire size of one descriptor-ring entry per the
// virtio spec: addr (8) + len (4) + flags (2) + next (2).
const descSize = 16

// byte offsets of a descriptor entry's fields, relative to its own base.
const (
	descOffAddr  = 0
	descOffLen   = 8
	descOffFlags = 12
	descOffNext  = 14
)

const (
	DescFNext     = 1 << 0
	DescFWrite    = 1 << 1
	DescFIndirect = 1 << 2
)

// Memory abstracts byte-addressable access to the page a Queue's rings
// live in — the same role internal/mmu.Memory plays for page tables,
// widened with 16/32-bit accessors since ring fields are narrower than a
// page-table word. The rings are memory the device itself reads and
// writes, so Queue must operate through this interface rather than private
// Go slices: on real hardware, base is the kernel-virtual alias (via the
// direct map) of the physical page Attach hands the device.
type Memory interface {
	Read16(addr uintptr) uint16
	Write16(addr uintptr, val uint16)
	Read32(addr uintptr) uint32
	Write32(addr uintptr, val uint32)
	Read64(addr uintptr) uint64
	Write64(addr uintptr, val uint64)
	Zero(addr uintptr, length uintptr)
}

// Queue is one constructed virtqueue: the three rings (backed by real
// memory at base, per Memory above) plus the descriptor free list and a
// parallel, driver-only table of kernel-virtual pointers, per spec.md
// §4.6. Invariant: the whole ring layout fits within one page — Create
// enforces this.
type Queue struct {
	Len int // number of descriptor-ring entries

	mem  Memory
	base uintptr // address (kernel-virtual on real hardware) of the queue's page

	descOff, availOff, usedOff uintptr

	virt []uintptr // parallel table: desc[i]'s kernel-virtual buffer address; driver-only, never read by the device

	freeHead uint16 // head of the descriptor free list, terminator == Len
	seenUsed uint16 // used-ring cursor the completion handler has consumed through
}

func (q *Queue) descAddr(idx uint16) uintptr {
	return q.base + q.descOff + uintptr(idx)*descSize
}

func (q *Queue) availIdxAddr() uintptr { return q.base + q.availOff + 2 }

func (q *Queue) availRingSlotAddr(i uint16) uintptr {
	return q.base + q.availOff + 4 + uintptr(i)*2
}

func (q *Queue) usedIdxAddr() uintptr { return q.base + q.usedOff + 2 }

func (q *Queue) usedRingSlotAddr(i uint16) uintptr {
	return q.base + q.usedOff + 4 + uintptr(i)*8
}

// Size computes the total byte footprint of a Queue with the given
// descriptor count, for Create's one-page invariant check.
func Size(length int) int {
	descBytes := length * descSize
	availBytes := 4 + 2*length + 2 // flags+idx, ring, used_event
	usedBytes := 4 + 8*length + 2  // flags+idx, ring, avail_event
	virtBytes := length * 8        // parallel kernel-virtual-address table
	return descBytes + availBytes + usedBytes + virtBytes
}

// Offsets returns the byte offset of each ring within the single page a
// Queue of the given length occupies, in layout order: descriptor ring,
// avail ring, used ring, parallel virtual-address table. A board's boot
// code uses these to compute the physical addresses Attach programs into
// the device's queue-address registers.
func Offsets(length int) (descOff, availOff, usedOff, virtOff uintptr) {
	descBytes := uintptr(length * descSize)
	availBytes := uintptr(4 + 2*length + 2)
	usedBytes := uintptr(4 + 8*length + 2)
	descOff = 0
	availOff = descOff + descBytes
	usedOff = availOff + availBytes
	virtOff = usedOff + usedBytes
	return
}

// Create builds a Queue of length descriptors backed by mem starting at
// base (the kernel-virtual alias of the physical page Attach will later
// program into the device, per the direct-map idiom kmem.Kmem already
// uses): rings initialized empty in mem, and the descriptor free list
// threaded through each entry's Next field, terminated by the sentinel
// index length. The parallel virtual-address table remains a plain Go
// slice — the device never reads it, only the driver does.
func Create(mem Memory, base uintptr, length int, pageSize int) (*Queue, error) {
	if length <= 0 {
		return nil, fmt.Errorf("virtq: create: length must be positive, got %d", length)
	}
	if Size(length) > pageSize {
		return nil, fmt.Errorf("virtq: create: queue of length %d (%d bytes) does not fit in a %d-byte page", length, Size(length), pageSize)
	}

	descOff, availOff, usedOff, _ := Offsets(length)
	q := &Queue{
		Len:      length,
		mem:      mem,
		base:     base,
		descOff:  descOff,
		availOff: availOff,
		usedOff:  usedOff,
		virt:     make([]uintptr, length),
	}

	mem.Zero(base, uintptr(Size(length)))
	for i := 0; i < length; i++ {
		mem.Write16(q.descAddr(uint16(i))+descOffNext, uint16(i+1))
	}
	q.freeHead = 0
	return q, nil
}

// AllocDesc pops the free list's head descriptor, records phys as its
// device-visible address and virt as its kernel-virtual counterpart in the
// parallel table, and returns the descriptor index. ok is false if the
// free list is exhausted.
func (q *Queue) AllocDesc(phys uintptr, virt uintptr) (uint16, bool) {
	if q.freeHead == uint16(q.Len) {
		return 0, false
	}
	idx := q.freeHead
	addr := q.descAddr(idx)
	q.freeHead = q.mem.Read16(addr + descOffNext)

	q.mem.Write64(addr+descOffAddr, uint64(phys))
	q.mem.Write32(addr+descOffLen, 0)
	q.mem.Write16(addr+descOffFlags, 0)
	q.mem.Write16(addr+descOffNext, 0)
	q.virt[idx] = virt
	return idx, true
}

// FreeDesc returns descriptor idx to the free list and clears its parallel
// virtual-address entry.
func (q *Queue) FreeDesc(idx uint16) error {
	if int(idx) >= q.Len {
		return fmt.Errorf("virtq: free_desc: index %d out of range [0,%d)", idx, q.Len)
	}
	addr := q.descAddr(idx)
	q.mem.Write64(addr+descOffAddr, 0)
	q.mem.Write32(addr+descOffLen, 0)
	q.mem.Write16(addr+descOffFlags, 0)
	q.mem.Write16(addr+descOffNext, q.freeHead)
	q.virt[idx] = 0
	q.freeHead = idx
	return nil
}

// VirtAddr returns the kernel-virtual address AllocDesc recorded for idx.
func (q *Queue) VirtAddr(idx uint16) uintptr { return q.virt[idx] }

// DescLen returns descriptor idx's current length field, for completion
// paths that must validate a chain's descriptor sizes before trusting it.
func (q *Queue) DescLen(idx uint16) uint32 {
	return q.mem.Read32(q.descAddr(idx) + descOffLen)
}

// DescNext returns descriptor idx's next-descriptor index and whether
// DescFNext is set, i.e. whether that index is meaningful.
func (q *Queue) DescNext(idx uint16) (next uint16, hasNext bool) {
	addr := q.descAddr(idx)
	flags := q.mem.Read16(addr + descOffFlags)
	return q.mem.Read16(addr + descOffNext), flags&DescFNext != 0
}

// SetChain writes descriptor idx's fields, linking to next via DescFNext
// when hasNext is true (terminal descriptor in a chain gets hasNext=false).
func (q *Queue) SetChain(idx uint16, length uint32, flags uint16, next uint16, hasNext bool) {
	if hasNext {
		flags |= DescFNext
	}
	addr := q.descAddr(idx)
	q.mem.Write32(addr+descOffLen, length)
	q.mem.Write16(addr+descOffFlags, flags)
	q.mem.Write16(addr+descOffNext, next)
}

// PublishAvail appends descHead to the avail ring and advances its index —
// the driver-side half of "publish the head index on the avail ring" from
// spec.md §4.7. The caller is responsible for the memory barrier and
// queue-notify register write that must follow.
func (q *Queue) PublishAvail(descHead uint16) {
	idx := q.mem.Read16(q.availIdxAddr())
	q.mem.Write16(q.availRingSlotAddr(idx%uint16(q.Len)), descHead)
	q.mem.Write16(q.availIdxAddr(), idx+1)
}

// PendingUsed returns every used-ring entry not yet consumed (id, len),
// advancing the seen-used cursor to deviceUsedIdx — the value of the idx
// field the device writes in the used ring's memory. This is Queue's half of virtio-blk
// completion; BLK validates and acts on each entry.
func (q *Queue) PendingUsed(deviceUsedIdx uint16) []struct {
	ID  uint32
	Len uint32
} {
	var out []struct {
		ID  uint32
		Len uint32
	}
	for q.seenUsed != deviceUsedIdx {
		slot := q.usedRingSlotAddr(q.seenUsed % uint16(q.Len))
		out = append(out, struct {
			ID  uint32
			Len uint32
		}{ID: q.mem.Read32(slot), Len: q.mem.Read32(slot + 4)})
		q.seenUsed++
	}
	return out
}

// PushUsed is a test/simulation hook standing in for the device writing a
// used-ring entry directly into the shared page; real hardware does this,
// not the driver.
func (q *Queue) PushUsed(id uint32, length uint32) {
	idx := q.mem.Read16(q.usedIdxAddr())
	slot := q.usedRingSlotAddr(idx % uint16(q.Len))
	q.mem.Write32(slot, id)
	q.mem.Write32(slot+4, length)
	q.mem.Write16(q.usedIdxAddr(), idx+1)
}

// Regs is the narrow subset of virtio-mmio registers Attach/Negotiate
// program, per spec.md §6's "fixed offsets per the virtio specification,
// version 2" note. A real implementation backs this with an MMIO window
// from kmem.MapPeriph; tests use a register-map fake.
type Regs interface {
	ReadDeviceFeatures() uint64
	WriteDriverFeatures(uint64)
	WriteStatus(uint8)
	ReadStatus() uint8
	SelectQueue(sel uint32)
	SetQueueSize(size uint32)
	WriteQueueDescLow(uint32)
	WriteQueueDescHigh(uint32)
	WriteQueueAvailLow(uint32)
	WriteQueueAvailHigh(uint32)
	WriteQueueUsedLow(uint32)
	WriteQueueUsedHigh(uint32)
	SetQueueReady(bool)
	Notify(queueSel uint32)
}

const (
	statusAcknowledge = 1
	statusDriver      = 2
	statusFeaturesOK  = 8
	statusDriverOK    = 4
)

// Attach programs regs with the physical addresses of q's three rings for
// queue queueSel and marks it ready, per spec.md §4.6's attach contract.
func Attach(regs Regs, queueSel uint32, descPhys, availPhys, usedPhys uintptr, queueLen int) {
	regs.SelectQueue(queueSel)
	regs.SetQueueSize(uint32(queueLen))
	regs.WriteQueueDescLow(uint32(descPhys))
	regs.WriteQueueDescHigh(uint32(uint64(descPhys) >> 32))
	regs.WriteQueueAvailLow(uint32(availPhys))
	regs.WriteQueueAvailHigh(uint32(uint64(availPhys) >> 32))
	regs.WriteQueueUsedLow(uint32(usedPhys))
	regs.WriteQueueUsedHigh(uint32(uint64(usedPhys) >> 32))
	regs.SetQueueReady(true)
}

// FeatureBits is the driver's view of negotiated virtio feature bits,
// packed via internal/bitfield — negotiation happens once at boot, not on
// a hot path, so the reflection cost is a non-issue here (unlike PTE
// attribute words in internal/mmu).
type FeatureBits struct {
	RingIndirectDesc bool `bitfield:",1"`
	RingEventIdx     bool `bitfield:",1"`
	VersionOne       bool `bitfield:",1"`
	BlkSizeMax       bool `bitfield:",1"`
	BlkSegMax        bool `bitfield:",1"`
}

func (f FeatureBits) pack() uint64 {
	packed, err := bitfield.Pack(&f, &bitfield.Config{NumBits: 64})
	if err != nil {
		panic(err)
	}
	return packed
}

func unpackFeatures(word uint64) FeatureBits {
	var f FeatureBits
	_ = bitfield.Unpack(word, &f)
	return f
}

// Negotiate runs the standard virtio device-init state machine
// (acknowledge → driver → features → features-ok → driver-ok), setting
// the driver-feature bit for every capability in supported that the
// device also advertises; advertised capabilities not in supported are
// logged and left unset, per spec.md §4.6.
func Negotiate(regs Regs, supported FeatureBits) (FeatureBits, error) {
	regs.WriteStatus(statusAcknowledge)
	regs.WriteStatus(statusAcknowledge | statusDriver)

	advertised := unpackFeatures(regs.ReadDeviceFeatures())
	negotiated := intersectFeatures(advertised, supported)
	logUnsupported(advertised, supported)

	regs.WriteDriverFeatures(negotiated.pack())
	regs.WriteStatus(statusAcknowledge | statusDriver | statusFeaturesOK)

	if regs.ReadStatus()&statusFeaturesOK == 0 {
		return FeatureBits{}, fmt.Errorf("virtq: negotiate: device rejected feature set")
	}
	regs.WriteStatus(statusAcknowledge | statusDriver | statusFeaturesOK | statusDriverOK)
	return negotiated, nil
}

func intersectFeatures(a, b FeatureBits) FeatureBits {
	return FeatureBits{
		RingIndirectDesc: a.RingIndirectDesc && b.RingIndirectDesc,
		RingEventIdx:     a.RingEventIdx && b.RingEventIdx,
		VersionOne:       a.VersionOne && b.VersionOne,
		BlkSizeMax:       a.BlkSizeMax && b.BlkSizeMax,
		BlkSegMax:        a.BlkSegMax && b.BlkSegMax,
	}
}

func logUnsupported(advertised, supported FeatureBits) {
	check := func(name string, adv, sup bool) {
		if adv && !sup {
			diag.Warnf("virtq: negotiate: device advertised unsupported feature %s", name)
		}
	}
	check("RingIndirectDesc", advertised.RingIndirectDesc, supported.RingIndirectDesc)
	check("RingEventIdx", advertised.RingEventIdx, supported.RingEventIdx)
	check("VersionOne", advertised.VersionOne, supported.VersionOne)
	check("BlkSizeMax", advertised.BlkSizeMax, supported.BlkSizeMax)
	check("BlkSegMax", advertised.BlkSegMax, supported.BlkSegMax)
}
