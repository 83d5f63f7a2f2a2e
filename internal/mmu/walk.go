package mmu

// MapBlocks inserts leaf entries covering [virt, phys, length) using the
// largest block size for which virt, phys, and the remaining length are all
// aligned, per spec.md §4.2's map_blocks helper. Intermediate tables are
// allocated lazily via alloc. Inputs must be page-aligned; unaligned input
// is refused with an error. Overlap with an existing mapping is not
// detected: a leaf entry already present at the chosen slot is overwritten.
func (t *Table) MapBlocks(mem Memory, alloc PageAlloc, virt, phys, length uintptr, attrs Attrs) error {
	pageSize := uintptr(1) << t.PageBits()
	if virt%pageSize != 0 || phys%pageSize != 0 || length%pageSize != 0 {
		return errUnaligned(virt, phys, length)
	}

	for length > 0 {
		_, idx := t.pickLevel(virt, phys, length)
		if _, err := t.mapOne(mem, alloc, t.Root, 0, virt, phys, attrs, idx); err != nil {
			return err
		}
		step := t.Levels[idx].BlockSize()
		virt += step
		phys += step
		length -= step
	}
	return nil
}

// pickLevel finds the shallowest (largest-block) block-capable level whose
// BlockSize divides both virt and phys and is no larger than the remaining
// length, preferring the biggest block the inputs permit.
func (t *Table) pickLevel(virt, phys, length uintptr) (LevelDesc, int) {
	for i, lvl := range t.Levels {
		if !lvl.BlockCapable && i != len(t.Levels)-1 {
			continue
		}
		size := lvl.BlockSize()
		if virt%size == 0 && phys%size == 0 && length >= size {
			return lvl, i
		}
	}
	last := len(t.Levels) - 1
	return t.Levels[last], last
}

// mapOne walks/creates tables from depth to targetLevel and writes the leaf
// entry for virt -> phys at targetLevel.
func (t *Table) mapOne(mem Memory, alloc PageAlloc, tableAddr uintptr, depth int, virt, phys uintptr, attrs Attrs, targetLevel int) (uintptr, error) {
	level := t.Levels[depth]
	addr := entryAddr(tableAddr, level, virt)

	if depth == targetLevel {
		entry := t.Codec.MakeLeafEntry(phys, attrs, depth == len(t.Levels)-1)
		mem.Write64(addr, entry)
		return tableAddr, nil
	}

	existing := mem.Read64(addr)
	var nextTable uintptr
	if t.Codec.IsPresent(existing) && t.Codec.IsTable(existing) {
		nextTable = t.Codec.TableAddr(existing)
	} else {
		page, ok := alloc()
		if !ok {
			return 0, errNoAlloc
		}
		mem.Zero(page, uintptr(1)<<t.PageBits())
		mem.Write64(addr, t.Codec.MakeTableEntry(page))
		nextTable = page
	}
	return t.mapOne(mem, alloc, nextTable, depth+1, virt, phys, attrs, targetLevel)
}

// MapPages inserts page-granular (smallest leaf size) entries covering
// [virt, phys, length), ignoring any larger block the inputs would permit.
// Used for MMIO mappings (which spec.md requires to use 4 KiB leaves only,
// never blocks) and for per-process user mappings (umem_map), which are
// always page-granular.
func (t *Table) MapPages(mem Memory, alloc PageAlloc, virt, phys, length uintptr, attrs Attrs) error {
	pageSize := uintptr(1) << t.PageBits()
	if virt%pageSize != 0 || phys%pageSize != 0 || length%pageSize != 0 {
		return errUnaligned(virt, phys, length)
	}
	last := len(t.Levels) - 1
	for off := uintptr(0); off < length; off += pageSize {
		if _, err := t.mapOne(mem, alloc, t.Root, 0, virt+off, phys+off, attrs, last); err != nil {
			return err
		}
	}
	return nil
}

// FreeIntermediate walks every table page in the tree (including the root)
// and hands each one to free. It never touches leaf (mapped) pages — those
// remain the caller's to release, per spec.md's umem_free contract.
func (t *Table) FreeIntermediate(mem Memory, free func(phys uintptr)) {
	t.freeLevel(mem, t.Root, 0, free)
}

func (t *Table) freeLevel(mem Memory, table uintptr, depth int, free func(phys uintptr)) {
	if depth < len(t.Levels)-1 {
		count := uintptr(1) << t.Levels[depth].Bits
		for i := uintptr(0); i < count; i++ {
			addr := table + i*8
			entry := mem.Read64(addr)
			if t.Codec.IsPresent(entry) && t.Codec.IsTable(entry) {
				t.freeLevel(mem, t.Codec.TableAddr(entry), depth+1, free)
			}
		}
	}
	free(table)
}

// Lookup walks the table for virt and returns its mapped physical address,
// or (0, false) if unmapped at any level.
func (t *Table) Lookup(mem Memory, virt uintptr) (uintptr, bool) {
	table := t.Root

	for depth, level := range t.Levels {
		addr := entryAddr(table, level, virt)
		entry := mem.Read64(addr)
		if !t.Codec.IsPresent(entry) {
			return 0, false
		}
		if depth == len(t.Levels)-1 || !t.Codec.IsTable(entry) {
			base := t.Codec.LeafAddr(entry, depth == len(t.Levels)-1)
			blockMask := level.BlockSize() - 1
			return base | (virt & blockMask), true
		}
		table = t.Codec.TableAddr(entry)
	}
	return 0, false
}

// Unmap clears the final-level descriptor for virt, if present. It does not
// free or reclaim now-empty intermediate tables; see Table.FreeIntermediate.
func (t *Table) Unmap(mem Memory, virt uintptr) {
	table := t.Root
	for depth, level := range t.Levels {
		addr := entryAddr(table, level, virt)
		entry := mem.Read64(addr)
		if !t.Codec.IsPresent(entry) {
			return
		}
		if depth == len(t.Levels)-1 || !t.Codec.IsTable(entry) {
			mem.Write64(addr, 0)
			return
		}
		table = t.Codec.TableAddr(entry)
	}
}

func errUnaligned(virt, phys, length uintptr) error {
	return &unalignedError{virt, phys, length}
}

type unalignedError struct{ virt, phys, length uintptr }

func (e *unalignedError) Error() string {
	return "mmu: map_blocks requires page-aligned virt/phys/length"
}
