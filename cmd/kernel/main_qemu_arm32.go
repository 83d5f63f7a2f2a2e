//go:build qemuvirt && arm

package main

import (
	"unsafe"

	"armos/internal/arch"
	"armos/internal/board"
	"armos/internal/uart"
)

var rootTablePage32 [2 * 4096]byte

func alignedRootTable32() uintptr {
	addr := uintptr(unsafe.Pointer(&rootTablePage32[0]))
	aligned := (addr + 4095) &^ 4095
	for i := range rootTablePage32[:4096] {
		rootTablePage32[i] = 0
	}
	return aligned
}

func main() {
	layout := board.QEMUVirtARM32

	console := uart.NewPL011(mmioWindow{base: layout.UARTBase})
	blkRegs := newVirtioBlkRegs(mmioWindow{base: layout.VirtioBlkMMIOBase}, nil)

	cfg := Config{
		Layout:        layout,
		Console:       console,
		Mem:           hwMemory{},
		Arch:          arch.New(),
		RootTablePhys: alignedRootTable32(),
		PhysLo:        layout.RAMBase + 0x00200000,
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
