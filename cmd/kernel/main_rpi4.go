//go:build raspi4 && arm64

package main

import (
	"unsafe"

	"armos/internal/arch"
	"armos/internal/board"
	"armos/internal/uart"
)

var rootTablePageRPi [2 * 4096]byte

func alignedRootTableRPi() uintptr {
	addr := uintptr(unsafe.Pointer(&rootTablePageRPi[0]))
	aligned := (addr + 4095) &^ 4095
	for i := range rootTablePageRPi[:4096] {
		rootTablePageRPi[i] = 0
	}
	return aligned
}

// main wires the Raspberry Pi 4B board: no virtio-blk transport exists on
// real hardware, so cfg.BlkRegs stays nil and Boot skips attachVirtioBlk
// entirely, per board.RaspberryPi4B's zero VirtioBlkMMIOBase/IntID.
func main() {
	layout := board.RaspberryPi4B

	console := uart.NewMiniUART(mmioWindow{base: layout.UARTBase})

	cfg := Config{
		Layout:        layout,
		Console:       console,
		Mem:           hwMemory{},
		Arch:          arch.New(),
		RootTablePhys: alignedRootTableRPi(),
		PhysLo:        layout.RAMBase + 0x00200000,
		PhysHi:        layout.RAMBase + layout.RAMSize,
		ShellImage:    kernelShellImage,
		Images:        lookupEmbeddedImage,
	}

	k, err := Boot(cfg)
	if err != nil {
		uart.Puts(console, "boot failed: "+err.Error()+"\n")
		for {
		}
	}

	for {
		k.Scheduler.Run()
	}
}
