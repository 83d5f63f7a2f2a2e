// Package uart defines the UART consumed-interface from spec.md §6: byte
// in/out and RX-interrupt registration, the substrate kernel puts/printf
// are built on. Concrete board backends (PL011 for QEMU virt, the BCM2711
// mini-UART for the Raspberry Pi 4B) and a host fake for tests all
// implement the same Device interface.
package uart

// Device is the UART consumed-interface.
type Device interface {
	// WriteByte transmits b, blocking if the hardware's TX FIFO is full.
	WriteByte(b byte)
	// ReadByte blocks until a byte is available and returns it.
	ReadByte() byte
	// TryReadByte returns the next received byte without blocking, or
	// ok=false if none is available — used by the getchar syscall's
	// non-blocking poll before falling back to wait_for.
	TryReadByte() (b byte, ok bool)
	// EnableRxInterrupt unmasks the RX-available interrupt so a byte
	// arriving wakes whatever is blocked in ReadByte.
	EnableRxInterrupt()
}

// Puts writes s to d one byte at a time, translating "\n" to "\r\n" the
// way a raw UART expects, matching spec.md's puts-built-on-byte-out note.
func Puts(d Device, s string) {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			d.WriteByte('\r')
		}
		d.WriteByte(s[i])
	}
}
