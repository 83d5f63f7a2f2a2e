package proc

import (
	"armos/internal/diag"
	"armos/internal/errno"
	"armos/internal/kmem"
	"armos/internal/mmu"
	"armos/internal/uart"
	"armos/internal/zone"
)

// Syscall numbers, per spec.md §6's ABI: immediate in the supervisor-call
// instruction, first four arguments in the first four general-purpose
// registers, return value in the first.
const (
	SysRelinquish = 0
	SysDisplay    = 1
	SysExit       = 2
	SysGetchar    = 3
	SysRunproc    = 4
	SysGetpid     = 5
	SysSocket     = 6
	SysBind       = 7
	SysConnect    = 8
	SysSend       = 9
)

// RunprocFlagWaitForExit is the one flag bit spec.md's runproc(image_name,
// flags) defines: block the caller until the new process exits.
const RunprocFlagWaitForExit = 1 << 0

// ImageLookup resolves a user-supplied image name to its bytes, e.g. from
// an in-memory initrd; absent here is any real filesystem, per spec.md's
// non-goals.
type ImageLookup func(name string) ([]byte, bool)

// Dispatcher holds every collaborator the syscall handlers need: the
// scheduler, the socket table, the console, image lookup for runproc, and
// the memory view used to validate and copy user buffers.
type Dispatcher struct {
	Scheduler *Scheduler
	Sockets   *SocketTable
	Console   uart.Device
	Images    ImageLookup
	Kmem      *kmem.Kmem
	Mem       mmu.Memory
	Resources Resources

	NewProcID func() uint64
}

// Dispatch handles one system call from p with the given immediate number
// and register arguments, returning the value to place in the first
// return register. Unknown numbers log a diagnostic and return -EINVAL,
// per spec.md §4.5.
func (d *Dispatcher) Dispatch(p *Proc, num int64, args [4]uint64) int64 {
	switch num {
	case SysRelinquish:
		return d.relinquish(p)
	case SysDisplay:
		return d.display(p, uintptr(args[0]), uintptr(args[1]))
	case SysExit:
		return d.exit(p, int32(args[0]))
	case SysGetchar:
		return d.getchar(p)
	case SysRunproc:
		return d.runproc(p, uintptr(args[0]), uintptr(args[1]), args[2])
	case SysGetpid:
		return int64(p.ID)
	case SysSocket:
		return int64(d.Sockets.Socket(p))
	case SysBind:
		return d.bind(p, int(args[0]), uint16(args[1]))
	case SysConnect:
		return d.connect(p, int(args[0]), uint32(args[1]), uint16(args[2]))
	case SysSend:
		return d.send(p, int(args[0]), uintptr(args[1]), uintptr(args[2]))
	default:
		diag.Warnf("proc: syscall: unknown number %d from pid %d", num, p.ID)
		return errno.EINVAL.Syscall()
	}
}

func (d *Dispatcher) relinquish(p *Proc) int64 {
	d.Scheduler.Run()
	return 0
}

// validateUserRange walks p's user page table for every page [addr,
// addr+length) spans, per spec.md §4.5's pre-call pointer validation rule.
// Kthreads (TTBR0 == nil) have no user table to validate against and never
// issue syscalls with user pointers.
func (d *Dispatcher) validateUserRange(p *Proc, addr, length uintptr) bool {
	if p.TTBR0 == nil {
		return false
	}
	start := addr &^ (zone.PageSize - 1)
	end := (addr + length + zone.PageSize - 1) &^ (zone.PageSize - 1)
	for a := start; a < end; a += zone.PageSize {
		if _, ok := p.TTBR0.Lookup(d.Mem, a); !ok {
			return false
		}
	}
	return true
}

// readUserBytes copies length bytes from p's user address space starting
// at addr into a new byte slice, after validating the range.
func (d *Dispatcher) readUserBytes(p *Proc, addr, length uintptr) ([]byte, error) {
	if !d.validateUserRange(p, addr, length) {
		return nil, errno.EPERM
	}
	out := make([]byte, length)
	for i := uintptr(0); i < length; i++ {
		page := (addr + i) &^ (zone.PageSize - 1)
		phys, _ := p.TTBR0.Lookup(d.Mem, page)
		virt := d.Kmem.ToVirt(phys + (addr+i)%zone.PageSize)
		out[i] = readByte(d.Mem, virt)
	}
	return out, nil
}

// readByte reads one byte through the Memory interface, which only natively
// supports 64-bit descriptor-sized accesses: it loads the aligned word
// containing addr and shifts out the byte (little-endian). Every user-copy
// path goes through it, with d.Mem on hardware and with a fake in tests.
func readByte(mem mmu.Memory, addr uintptr) byte {
	word := mem.Read64(addr &^ 7)
	shift := (addr & 7) * 8
	return byte(word >> shift)
}

func (d *Dispatcher) display(p *Proc, addr, length uintptr) int64 {
	buf, err := d.readUserBytes(p, addr, length)
	if err != nil {
		return errno.EPERM.Syscall()
	}
	uart.Puts(d.Console, string(buf))
	return 0
}

func (d *Dispatcher) exit(p *Proc, code int32) int64 {
	diag.Infof("proc: pid %d exited with code %d", p.ID, code)
	d.Scheduler.Exit(p, func(p *Proc) {
		if p.TTBR0 != nil {
			d.Kmem.FreeUserTable(p.TTBR0)
		}
	})
	return 0 // unreachable: Exit never returns
}

func (d *Dispatcher) getchar(p *Proc) int64 {
	if b, ok := d.Console.TryReadByte(); ok {
		return int64(b)
	}
	d.Console.EnableRxInterrupt()
	d.Scheduler.Run()
	if b, ok := d.Console.TryReadByte(); ok {
		return int64(b)
	}
	return errno.ENODEV.Syscall()
}

func (d *Dispatcher) runproc(p *Proc, nameAddr, nameLen uintptr, flags uint64) int64 {
	nameBytes, err := d.readUserBytes(p, nameAddr, nameLen)
	if err != nil {
		return errno.EPERM.Syscall()
	}
	image, ok := d.Images(string(nameBytes))
	if !ok {
		return errno.ENOENT.Syscall()
	}

	child, cerr := CreateProcess(d.NewProcID(), d.Resources, image, d.Resources.UserRangeLo)
	if cerr != nil {
		diag.Errorf("proc: runproc: %v", cerr)
		return errno.EINVAL.Syscall()
	}
	d.Scheduler.Add(child)

	if flags&RunprocFlagWaitForExit != 0 {
		child.ExitWait.WaitFor(p)
	}
	return int64(child.ID)
}

func (d *Dispatcher) bind(p *Proc, fd int, port uint16) int64 {
	if err := d.Sockets.Bind(p, fd, port); err != nil {
		if e, ok := err.(errno.Errno); ok {
			return e.Syscall()
		}
		return errno.EINVAL.Syscall()
	}
	return 0
}

func (d *Dispatcher) connect(p *Proc, fd int, addr uint32, port uint16) int64 {
	if err := d.Sockets.Connect(p, fd, Endpoint{Addr: addr, Port: port}); err != nil {
		if e, ok := err.(errno.Errno); ok {
			return e.Syscall()
		}
		return errno.EINVAL.Syscall()
	}
	return 0
}

func (d *Dispatcher) send(p *Proc, fd int, addr, length uintptr) int64 {
	buf, err := d.readUserBytes(p, addr, length)
	if err != nil {
		return errno.EPERM.Syscall()
	}
	n, serr := d.Sockets.Send(p, fd, buf, nil)
	if serr != nil {
		if e, ok := serr.(errno.Errno); ok {
			return e.Syscall()
		}
		return errno.EINVAL.Syscall()
	}
	return int64(n)
}
