package uart

// PL011 is the ARM PrimeCell UART used by the QEMU "virt" machine, on both
// ARM32 and ARM64 — the register layout is architecture-independent, so
// one implementation covers both boards (see internal/board), unlike the
// MMU or arch.Primitives.
type PL011 struct {
	mmio MMIO
}

// MMIO abstracts the 32-bit register read/write a mapped peripheral window
// needs. kmem.MapPeriph gives the caller a virtual base address; a thin
// adapter over that (not shown here — it lives with the board wiring in
// cmd/kernel) satisfies this interface on real hardware. Tests use a
// register-array fake.
type MMIO interface {
	Read32(offset uintptr) uint32
	Write32(offset uintptr, val uint32)
}

const (
	pl011DR   = 0x00
	pl011FR   = 0x18
	pl011IBRD = 0x24
	pl011FBRD = 0x28
	pl011LCRH = 0x2C
	pl011CR   = 0x30
	pl011IMSC = 0x38
	pl011ICR  = 0x44

	pl011FRTXFF = 1 << 5 // transmit FIFO full
	pl011FRRXFE = 1 << 4 // receive FIFO empty

	pl011CRUARTEN = 1 << 0
	pl011CRTXE    = 1 << 8
	pl011CRRXE    = 1 << 9

	pl011LCRHFEN  = 1 << 4 // enable FIFOs
	pl011LCRHWLEN8 = 3 << 5

	pl011IMSCRXIM = 1 << 4 // receive interrupt mask
)

// NewPL011 initializes a PL011 at the given MMIO window: 8N1, FIFOs
// enabled, transmit/receive enabled, following the standard PL011
// initialization sequence (disable, program baud/line control, re-enable).
func NewPL011(mmio MMIO) *PL011 {
	u := &PL011{mmio: mmio}
	u.mmio.Write32(pl011CR, 0)
	u.mmio.Write32(pl011ICR, 0x7FF)
	u.mmio.Write32(pl011IBRD, 26) // 48MHz / (16 * 115200) ~= 26.04 -> IBRD 26, FBRD 3 -- board clock dependent, placeholder
	u.mmio.Write32(pl011FBRD, 3)
	u.mmio.Write32(pl011LCRH, pl011LCRHFEN|pl011LCRHWLEN8)
	u.mmio.Write32(pl011CR, pl011CRUARTEN|pl011CRTXE|pl011CRRXE)
	return u
}

func (u *PL011) WriteByte(b byte) {
	for u.mmio.Read32(pl011FR)&pl011FRTXFF != 0 {
	}
	u.mmio.Write32(pl011DR, uint32(b))
}

func (u *PL011) ReadByte() byte {
	for u.mmio.Read32(pl011FR)&pl011FRRXFE != 0 {
	}
	return byte(u.mmio.Read32(pl011DR))
}

func (u *PL011) TryReadByte() (byte, bool) {
	if u.mmio.Read32(pl011FR)&pl011FRRXFE != 0 {
		return 0, false
	}
	return byte(u.mmio.Read32(pl011DR)), true
}

func (u *PL011) EnableRxInterrupt() {
	u.mmio.Write32(pl011IMSC, pl011IMSCRXIM)
}
