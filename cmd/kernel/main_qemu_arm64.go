//go:build qemuvirt && arm64

package main

import (
	"unsafe"

	"armos/internal/arch"
	"armos/internal/board"
	"armos/internal/uart"
)

// rootTablePage reserves page-aligned storage for the kernel's top-level
// translation table. A real linker script places this in its own section
// and exposes its physical address as a symbol (the teacher's
// __page_tables_start); lacking that script here, the array is the
// reservation and alignedRootTable finds the page boundary inside it.
var rootTablePage [2 * 4096]byte

func alignedRootTable() uintptr {
	addr := uintptr(unsafe.Pointer(&rootTablePage[0]))
	aligned := (addr + 4095) &^ 4095
	for i := range rootTablePage[:4096] {
		rootTablePage[i] = 0
	}
	return aligned
}

func main() {
	layout := board.QEMUVirtARM64

	console := uart.NewPL011(mmioWindow{base: layout.UARTBase})
	blkRegs := newVirtioBlkRegs(mmioWindow{base: layout.VirtioBlkMMIOBase}, nil)

	cfg := Config{
		Layout:        layout,
		Console:       console,
		Mem:           hwMemory{},
		Arch:          arch.New(),
		RootTablePhys: alignedRootTable(),
		PhysLo:        layout.RAMBase + 0x00200000, // reserve the low 2MiB for the kernel image
		PhysHi:        layout.RAMBase + layout.RAMSize,
		BlkRegs:       blkRegs,
		ShellImage:    kernelShellImage,
		Images:        lookupEmbeddedImage,
	}

	k, err := Boot(cfg)
	if err != nil {
		uart.Puts(console, "boot failed: "+err.Error()+"\n")
		for {
		}
	}
	blkRegs.k = k.Kmem

	for {
		k.Scheduler.Run()
	}
}
