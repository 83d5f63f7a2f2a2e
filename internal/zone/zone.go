// Package zone implements the page-zone allocator (PAGE): a sorted,
// run-length encoding of an address range into free and allocated zones.
// A Region never touches memory itself — it only does address bookkeeping —
// which is what makes it usable both as the physical-RAM allocator, the
// kernel vmalloc allocator, and the per-process user address-space
// allocator described in spec.md §3/§4.1.
package zone

import (
	"fmt"
	"unsafe"
)

// PageBits is the base-2 log of the page size; all alignment requests are
// clamped to at least this.
const PageBits = 12

// PageSize is 1 << PageBits.
const PageSize = 1 << PageBits

// Entry is one boundary in the zone array: the zone starting at Addr is
// free iff Free is true. The region a given Entry describes spans
// [Addr, next Entry's Addr).
type Entry struct {
	Addr uintptr
	Free bool
}

// DefaultCapacity is how many Entry values fit in one page, mirroring the
// "zone header lives in the first page" constraint from spec.md §3.
var DefaultCapacity = int(PageSize / unsafe.Sizeof(Entry{}))

// Region describes one contiguous address range managed as a sorted list of
// zones: physical RAM, kernel vmalloc space, or one process's user address
// space.
type Region struct {
	entries  []Entry
	capacity int
	lo, hi   uintptr
}

// New creates a Region covering [lo, hi) with two entries: (lo, free) and
// the (hi, allocated) sentinel. lo and hi must be page-aligned and lo < hi.
// capacity bounds how many Entry values the zone array may ever hold; pass
// 0 to use DefaultCapacity.
func New(lo, hi uintptr, capacity int) (*Region, error) {
	if lo%PageSize != 0 || hi%PageSize != 0 {
		return nil, fmt.Errorf("zone: lo/hi must be page-aligned, got lo=%#x hi=%#x", lo, hi)
	}
	if lo >= hi {
		return nil, fmt.Errorf("zone: lo (%#x) must be < hi (%#x)", lo, hi)
	}
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if capacity < 2 {
		return nil, fmt.Errorf("zone: capacity %d too small for sentinel", capacity)
	}
	return &Region{
		entries:  []Entry{{Addr: lo, Free: true}, {Addr: hi, Free: false}},
		capacity: capacity,
		lo:       lo,
		hi:       hi,
	}, nil
}

// Entries returns a snapshot of the zone array, for tests and diagnostics.
func (r *Region) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Bounds returns the region's [lo, hi) address range.
func (r *Region) Bounds() (lo, hi uintptr) { return r.lo, r.hi }

func alignUp(addr uintptr, align uintptr) uintptr {
	if align == 0 {
		return addr
	}
	return (addr + align - 1) &^ (align - 1)
}

// Alloc finds the first free zone able to hold nbytes after aligning up to
// 1 << max(alignBits, PageBits), carves out the exact sub-range, and
// returns its address. It returns (0, false) if no zone fits.
func (r *Region) Alloc(nbytes uintptr, alignBits uint) (uintptr, bool) {
	if alignBits < PageBits {
		alignBits = PageBits
	}
	align := uintptr(1) << alignBits

	for i := 0; i < len(r.entries)-1; i++ {
		if !r.entries[i].Free {
			continue
		}
		a, b := r.entries[i].Addr, r.entries[i+1].Addr
		s := alignUp(a, align)
		if s < a {
			continue // overflow
		}
		if s+nbytes < s {
			continue // overflow
		}
		if s+nbytes <= b {
			if err := r.setRange(s, s+nbytes, false); err != nil {
				return 0, false
			}
			return s, true
		}
	}
	return 0, false
}

// Free marks [addr, addr+nbytes) free again. It fails unless that range lies
// entirely within a single allocated zone.
func (r *Region) Free(addr, nbytes uintptr) error {
	i, ok := r.zoneContaining(addr, nbytes)
	if !ok {
		return fmt.Errorf("zone: free: [%#x, %#x) not within a single zone", addr, addr+nbytes)
	}
	if r.entries[i].Free {
		return fmt.Errorf("zone: free: [%#x, %#x) is not allocated", addr, addr+nbytes)
	}
	return r.setRange(addr, addr+nbytes, true)
}

// MarkAlloc marks [addr, addr+nbytes) allocated. It succeeds iff that range
// lies entirely within a single free zone.
func (r *Region) MarkAlloc(addr, nbytes uintptr) error {
	i, ok := r.zoneContaining(addr, nbytes)
	if !ok {
		return fmt.Errorf("zone: mark_alloc: [%#x, %#x) not within a single zone", addr, addr+nbytes)
	}
	if !r.entries[i].Free {
		return fmt.Errorf("zone: mark_alloc: [%#x, %#x) is not free", addr, addr+nbytes)
	}
	return r.setRange(addr, addr+nbytes, false)
}

// zoneContaining finds the zone index i such that [addr, addr+nbytes) lies
// entirely within [entries[i].Addr, entries[i+1].Addr).
func (r *Region) zoneContaining(addr, nbytes uintptr) (int, bool) {
	end := addr + nbytes
	for i := 0; i < len(r.entries)-1; i++ {
		a, b := r.entries[i].Addr, r.entries[i+1].Addr
		if addr >= a && end <= b && addr < b {
			return i, true
		}
	}
	return 0, false
}

// setRange flips [lo, hi) — which must lie within a single existing zone —
// to the given free bit, inserting boundary entries as needed and then
// coalescing any now-redundant adjacent entries that share a free bit.
func (r *Region) setRange(lo, hi uintptr, free bool) error {
	idx := -1
	for i := 0; i < len(r.entries)-1; i++ {
		if lo >= r.entries[i].Addr && hi <= r.entries[i+1].Addr {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("zone: setRange: [%#x, %#x) spans no single zone", lo, hi)
	}

	needLeft := lo != r.entries[idx].Addr
	needRight := hi != r.entries[idx+1].Addr
	grow := 0
	if needLeft {
		grow++
	}
	if needRight {
		grow++
	}
	if len(r.entries)+grow > r.capacity {
		return fmt.Errorf("zone: setRange: zone array would exceed capacity %d", r.capacity)
	}

	zoneBit := r.entries[idx].Free

	if needRight {
		r.insertAt(idx+1, Entry{Addr: hi, Free: zoneBit})
	}
	if needLeft {
		r.insertAt(idx+1, Entry{Addr: lo, Free: zoneBit})
		idx++
	}

	r.entries[idx].Free = free
	r.coalesce()
	return nil
}

func (r *Region) insertAt(i int, e Entry) {
	r.entries = append(r.entries, Entry{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = e
}

// coalesce removes any entry whose free bit matches its predecessor's,
// merging the two zones it separates into one. The final sentinel entry is
// never merged away — only entries preceding it can be.
func (r *Region) coalesce() {
	out := r.entries[:1]
	for i := 1; i < len(r.entries); i++ {
		if i < len(r.entries)-1 && r.entries[i].Free == out[len(out)-1].Free {
			continue
		}
		out = append(out, r.entries[i])
	}
	r.entries = out
}
