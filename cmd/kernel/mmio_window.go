package main

import "unsafe"

// mmioWindow is the one concrete Read32/Write32 implementation every
// memory-mapped peripheral adapter in this package shares (UART, GIC,
// virtio-mmio): a mapped virtual base plus a byte offset, dereferenced
// directly. kmem.MapPeriph hands back the base each board wires one of
// these over.
type mmioWindow struct {
	base uintptr
}

func (w mmioWindow) Read32(offset uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(w.base + offset))
}

func (w mmioWindow) Write32(offset uintptr, val uint32) {
	*(*uint32)(unsafe.Pointer(w.base + offset)) = val
}
