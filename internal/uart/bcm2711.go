package uart

// MiniUART drives the BCM2711 mini UART (UART1) used on the Raspberry Pi
// 4B board, reachable through the same MMIO abstraction as PL011 but with
// a different register layout and status-bit polarity.
type MiniUART struct {
	mmio MMIO
}

const (
	miniAUXENB  = 0x04
	miniIOREG   = 0x40
	miniIERREG  = 0x44
	miniIIRREG  = 0x48
	miniLCRREG  = 0x4C
	miniCNTLREG = 0x60
	miniSTATREG = 0x64
	miniBAUDREG = 0x68

	miniAUXENBUART1 = 1 << 0

	miniLCRREG8BIT = 3

	miniCNTLRXE = 1 << 0
	miniCNTLTXE = 1 << 1

	miniSTATTXEmpty = 1 << 1 // transmitter idle, space available
	miniSTATRXReady = 1 << 0 // at least one byte received
)

// NewMiniUART enables the AUX peripheral's UART1 and configures 8-bit mode
// with both transmit and receive enabled.
func NewMiniUART(mmio MMIO) *MiniUART {
	u := &MiniUART{mmio: mmio}
	u.mmio.Write32(miniAUXENB, miniAUXENBUART1)
	u.mmio.Write32(miniIERREG, 0)
	u.mmio.Write32(miniCNTLREG, 0)
	u.mmio.Write32(miniLCRREG, miniLCRREG8BIT)
	u.mmio.Write32(miniBAUDREG, 270) // 250MHz core clock / (8*115200) - 1, board-clock dependent
	u.mmio.Write32(miniCNTLREG, miniCNTLRXE|miniCNTLTXE)
	return u
}

func (u *MiniUART) WriteByte(b byte) {
	for u.mmio.Read32(miniSTATREG)&miniSTATTXEmpty == 0 {
	}
	u.mmio.Write32(miniIOREG, uint32(b))
}

func (u *MiniUART) ReadByte() byte {
	for u.mmio.Read32(miniSTATREG)&miniSTATRXReady == 0 {
	}
	return byte(u.mmio.Read32(miniIOREG))
}

func (u *MiniUART) TryReadByte() (byte, bool) {
	if u.mmio.Read32(miniSTATREG)&miniSTATRXReady == 0 {
		return 0, false
	}
	return byte(u.mmio.Read32(miniIOREG)), true
}

func (u *MiniUART) EnableRxInterrupt() {
	u.mmio.Write32(miniIERREG, 1<<0)
}
