package blk

import (
	"encoding/binary"
	"fmt"

	"armos/internal/arch"
	"armos/internal/diag"
	"armos/internal/virtq"
	"armos/internal/wait"
)

// headerSize, statusSize are the two fixed-size descriptors flanking the
// sector data descriptor in a virtio-blk request chain, per spec.md §4.7.
const (
	headerSize = 16
	statusSize = 1
)

const (
	virtioBlkTypeIn  uint32 = 0 // device reads from disk, writes to descriptor (our ReqRead)
	virtioBlkTypeOut uint32 = 1 // device writes to disk, reads from descriptor (our ReqWrite)
)

// Scratch allocates and frees small kernel-addressable buffers for the
// header/status descriptors a request chain needs beyond the caller's own
// data buffer. The kernel's implementation (cmd/kernel's kmemScratch) gives
// each allocation a whole kmem page and resolves addresses with
// kmem.ToPhys/ToVirt; tests use an in-memory fake.
type Scratch interface {
	Alloc(n int) (virt uintptr, phys uintptr, buf []byte, err error)
	Free(virt uintptr)
	// Phys resolves the physical address backing a caller-supplied data
	// buffer's first byte, for the middle descriptor in the chain.
	Phys(buf []byte) uintptr
}

// inflightReq tracks everything the completion ISR needs once a request's
// head descriptor comes back on the used ring: the request itself, the
// other two descriptor indices in its chain, and the scratch buffers to
// release.
type inflightReq struct {
	req        *Request
	dataIdx    uint16
	statusIdx  uint16
	headerVirt uintptr
	statusVirt uintptr
	statusBuf  []byte
}

// VirtioBlk is the virtio-blk driver: a constructed Queue, its MMIO
// register file, and the descriptor free list's "interrupts disabled"
// discipline from spec.md §5, implemented via arch.Primitives.Critical.
type VirtioBlk struct {
	queue    *virtq.Queue
	regs     virtq.Regs
	arch     arch.Primitives
	sched    wait.Scheduler
	scratch  Scratch
	queueSel uint32

	inflight map[uint16]*inflightReq
}

// NewVirtioBlk wraps an already-attached Queue as a Device.
func NewVirtioBlk(queue *virtq.Queue, regs virtq.Regs, a arch.Primitives, sched wait.Scheduler, scratch Scratch, queueSel uint32) *VirtioBlk {
	return &VirtioBlk{
		queue:    queue,
		regs:     regs,
		arch:     a,
		sched:    sched,
		scratch:  scratch,
		queueSel: queueSel,
		inflight: make(map[uint16]*inflightReq),
	}
}

// Alloc returns a fresh Request with its own wait list, ready for Submit.
func (v *VirtioBlk) Alloc() (*Request, error) {
	return &Request{Wait: wait.New(v.sched)}, nil
}

// Free releases a request that was never submitted (or whose completion has
// already been observed); it is a no-op on the descriptor chain, which is
// released by the completion path, not here.
func (v *VirtioBlk) Free(req *Request) {
	req.Buf = nil
}

// Status returns req's last-known completion status.
func (v *VirtioBlk) Status(req *Request) Status { return req.Status }

// Submit constructs the 3-descriptor chain spec.md §4.7 describes — header
// (16 bytes, device-read-only), data (512 bytes, device-read-only for
// writes / device-write-only for reads), status (1 byte, device-write-only)
// — publishes it on the avail ring, and notifies the device. It returns
// once the request is queued; the caller waits on req.Wait for completion.
func (v *VirtioBlk) Submit(req *Request) error {
	if len(req.Buf) != SectorSize {
		return fmt.Errorf("blk: submit: buffer must be exactly %d bytes, got %d", SectorSize, len(req.Buf))
	}

	headerVirt, headerPhys, headerBuf, err := v.scratch.Alloc(headerSize)
	if err != nil {
		return fmt.Errorf("blk: submit: header scratch: %w", err)
	}
	statusVirt, statusPhys, statusBuf, err := v.scratch.Alloc(statusSize)
	if err != nil {
		v.scratch.Free(headerVirt)
		return fmt.Errorf("blk: submit: status scratch: %w", err)
	}

	reqType := virtioBlkTypeOut
	dataFlags := uint16(0) // device-read-only: caller's buffer holds the write payload
	if req.Type == ReqRead {
		reqType = virtioBlkTypeIn
		dataFlags = virtq.DescFWrite // device writes the sector into the caller's buffer
	}
	binary.LittleEndian.PutUint32(headerBuf[0:4], reqType)
	binary.LittleEndian.PutUint32(headerBuf[4:8], 0)
	binary.LittleEndian.PutUint64(headerBuf[8:16], req.Sector)
	statusBuf[0] = 0xff // sentinel, overwritten by the device on completion

	dataPhys := v.scratch.Phys(req.Buf)

	var headIdx, dataIdx, statusIdx uint16
	var ok bool
	v.arch.Critical(func() {
		headIdx, ok = v.queue.AllocDesc(headerPhys, headerVirt)
		if !ok {
			return
		}
		dataIdx, ok = v.queue.AllocDesc(dataPhys, 0)
		if !ok {
			v.queue.FreeDesc(headIdx)
			return
		}
		statusIdx, ok = v.queue.AllocDesc(statusPhys, statusVirt)
		if !ok {
			v.queue.FreeDesc(headIdx)
			v.queue.FreeDesc(dataIdx)
			return
		}

		v.queue.SetChain(headIdx, headerSize, 0, dataIdx, true)
		v.queue.SetChain(dataIdx, SectorSize, dataFlags, statusIdx, true)
		v.queue.SetChain(statusIdx, statusSize, virtq.DescFWrite, 0, false)

		v.inflight[headIdx] = &inflightReq{
			req:        req,
			dataIdx:    dataIdx,
			statusIdx:  statusIdx,
			headerVirt: headerVirt,
			statusVirt: statusVirt,
			statusBuf:  statusBuf,
		}
		v.queue.PublishAvail(headIdx)
	})
	if !ok {
		v.scratch.Free(headerVirt)
		v.scratch.Free(statusVirt)
		return fmt.Errorf("blk: submit: descriptor free list exhausted")
	}

	v.arch.DataBarrier()
	v.regs.Notify(v.queueSel)
	return nil
}

// HandleCompletion is the virtio-blk completion ISR: it advances through
// the used ring up to deviceUsedIdx, validates each entry's descriptor
// chain, sets the request's status, awakens its wait list, and frees the
// three descriptors. Malformed entries (unknown head index, chain shape
// mismatch) are logged and dropped rather than propagated, per spec.md
// §4.7's completion contract.
func (v *VirtioBlk) HandleCompletion(deviceUsedIdx uint16) {
	var pending []struct {
		ID  uint32
		Len uint32
	}
	v.arch.Critical(func() {
		pending = v.queue.PendingUsed(deviceUsedIdx)
	})

	for _, entry := range pending {
		headIdx := uint16(entry.ID)
		v.completeOne(headIdx)
	}
}

func (v *VirtioBlk) completeOne(headIdx uint16) {
	var in *inflightReq
	v.arch.Critical(func() {
		in = v.inflight[headIdx]
		if in != nil {
			delete(v.inflight, headIdx)
		}
	})
	if in == nil {
		diag.Warnf("blk: completion: used-ring entry referenced unknown descriptor %d, dropping", headIdx)
		return
	}

	v.arch.DataBarrier()

	if !v.validateChain(headIdx, in) {
		diag.Warnf("blk: completion: malformed descriptor chain for request on sector %d, dropping", in.req.Sector)
		v.freeChain(headIdx, in)
		in.req.Status = StatusError
		in.req.Wait.Awaken()
		return
	}

	if in.statusBuf[0] == 0 {
		in.req.Status = StatusOK
	} else {
		in.req.Status = StatusError
	}

	v.freeChain(headIdx, in)
	in.req.Wait.Awaken()
}

// validateChain checks the three descriptors' sizes and linkage match what
// Submit constructed, per spec.md §4.7's "validate the three descriptors'
// sizes" completion step.
func (v *VirtioBlk) validateChain(headIdx uint16, in *inflightReq) bool {
	if v.queue.DescLen(headIdx) != headerSize {
		return false
	}
	next, hasNext := v.queue.DescNext(headIdx)
	if !hasNext || next != in.dataIdx {
		return false
	}
	if v.queue.DescLen(in.dataIdx) != SectorSize {
		return false
	}
	next, hasNext = v.queue.DescNext(in.dataIdx)
	if !hasNext || next != in.statusIdx {
		return false
	}
	if v.queue.DescLen(in.statusIdx) != statusSize {
		return false
	}
	return true
}

func (v *VirtioBlk) freeChain(headIdx uint16, in *inflightReq) {
	v.arch.Critical(func() {
		v.queue.FreeDesc(headIdx)
		v.queue.FreeDesc(in.dataIdx)
		v.queue.FreeDesc(in.statusIdx)
	})
	v.scratch.Free(in.headerVirt)
	v.scratch.Free(in.statusVirt)
}
