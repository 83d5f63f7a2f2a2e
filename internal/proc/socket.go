package proc

import "armos/internal/errno"

// Socket is a minimal UDP-only socket, enough state to exercise the
// socket/bind/connect/send syscalls end to end without a full IP stack
// (out of scope per spec.md's non-goals), grounded on the original
// kernel's socket.c/ip.c structures: a local port, an optional connected
// remote endpoint, and a receive queue of datagrams.
type Socket struct {
	FD         int
	LocalPort  uint16
	RemoteAddr uint32
	RemotePort uint16
	Connected  bool
	RecvQueue  [][]byte
}

// Endpoint identifies a UDP peer.
type Endpoint struct {
	Addr uint32
	Port uint16
}

// SocketTable tracks bound local ports across all processes, modeling the
// single flat port namespace the original UDP-only socket layer used.
type SocketTable struct {
	boundPorts map[uint16]*Socket
	nextFD     int
}

// NewSocketTable creates an empty table.
func NewSocketTable() *SocketTable {
	return &SocketTable{boundPorts: map[uint16]*Socket{}}
}

// Socket creates an unbound socket for p and returns its file descriptor.
func (t *SocketTable) Socket(p *Proc) int {
	t.nextFD++
	s := &Socket{FD: t.nextFD}
	p.Sockets = append(p.Sockets, s)
	return s.FD
}

func (t *SocketTable) find(p *Proc, fd int) (*Socket, error) {
	for _, s := range p.Sockets {
		if s.FD == fd {
			return s, nil
		}
	}
	return nil, errno.EBADF
}

// Bind reserves localPort for fd's socket. Binding a port already in use by
// another socket fails with EADDRINUSE.
func (t *SocketTable) Bind(p *Proc, fd int, localPort uint16) error {
	s, err := t.find(p, fd)
	if err != nil {
		return err
	}
	if owner, ok := t.boundPorts[localPort]; ok && owner != s {
		return errno.EADDRINUSE
	}
	s.LocalPort = localPort
	t.boundPorts[localPort] = s
	return nil
}

// Connect records fd's default remote endpoint for subsequent Send calls.
func (t *SocketTable) Connect(p *Proc, fd int, remote Endpoint) error {
	s, err := t.find(p, fd)
	if err != nil {
		return err
	}
	if remote.Port == 0 {
		return errno.EADDRNOTAVAIL
	}
	s.RemoteAddr = remote.Addr
	s.RemotePort = remote.Port
	s.Connected = true
	return nil
}

// Send queues buf for transmission to fd's connected remote endpoint. In
// the absence of a real network stack, Send only validates socket state
// and hands buf to transport (a func(Endpoint, []byte) supplied by the
// caller — nil is accepted, in which case Send is a pure state-machine
// check used by tests).
func (t *SocketTable) Send(p *Proc, fd int, buf []byte, transport func(Endpoint, []byte)) (int, error) {
	s, err := t.find(p, fd)
	if err != nil {
		return 0, err
	}
	if !s.Connected {
		return 0, errno.EADDRNOTAVAIL
	}
	if transport != nil {
		transport(Endpoint{Addr: s.RemoteAddr, Port: s.RemotePort}, buf)
	}
	return len(buf), nil
}

// Deliver appends an inbound datagram to whatever socket owns localPort, if
// any, for a later blocking-receive syscall to consume.
func (t *SocketTable) Deliver(localPort uint16, datagram []byte) {
	if s, ok := t.boundPorts[localPort]; ok {
		s.RecvQueue = append(s.RecvQueue, datagram)
	}
}
