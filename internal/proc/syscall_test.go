package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"armos/internal/errno"
)

type fakeUART struct {
	written []byte
	rxQueue []byte
}

func (u *fakeUART) WriteByte(b byte) { u.written = append(u.written, b) }
func (u *fakeUART) ReadByte() byte {
	b := u.rxQueue[0]
	u.rxQueue = u.rxQueue[1:]
	return b
}
func (u *fakeUART) TryReadByte() (byte, bool) {
	if len(u.rxQueue) == 0 {
		return 0, false
	}
	b := u.rxQueue[0]
	u.rxQueue = u.rxQueue[1:]
	return b, true
}
func (u *fakeUART) EnableRxInterrupt() {}

func newTestDispatcher(t *testing.T, h *testHarness, s *Scheduler) (*Dispatcher, *fakeUART) {
	t.Helper()
	console := &fakeUART{}
	nextID := uint64(100)
	d := &Dispatcher{
		Scheduler: s,
		Sockets:   NewSocketTable(),
		Console:   console,
		Images: func(name string) ([]byte, bool) {
			if name == "echo" {
				return []byte{0x00}, true
			}
			return nil, false
		},
		Kmem:      h.kmem,
		Mem:       h.mem,
		Resources: h.res,
		NewProcID: func() uint64 { nextID++; return nextID },
	}
	return d, console
}

func TestGetpidReturnsProcessID(t *testing.T) {
	h := newTestHarness(t)
	idle, err := CreateKthread(1, h.res, 0, 0)
	require.NoError(t, err)
	s := New(h.arch, idle, shellFactory(h))
	h.attachScheduler(s)

	p, err := CreateProcess(42, h.res, []byte{0x00}, h.res.UserRangeLo)
	require.NoError(t, err)
	d, _ := newTestDispatcher(t, h, s)

	assert.Equal(t, int64(42), d.Dispatch(p, SysGetpid, [4]uint64{}))
}

func TestDisplayWritesValidatedUserBufferToConsole(t *testing.T) {
	h := newTestHarness(t)
	idle, err := CreateKthread(1, h.res, 0, 0)
	require.NoError(t, err)
	s := New(h.arch, idle, shellFactory(h))
	h.attachScheduler(s)

	p, err := CreateProcess(1, h.res, []byte("hello"), h.res.UserRangeLo)
	require.NoError(t, err)
	d, console := newTestDispatcher(t, h, s)

	ret := d.Dispatch(p, SysDisplay, [4]uint64{uint64(h.res.UserRangeLo), 5})
	assert.Equal(t, int64(0), ret)
	assert.Equal(t, "hello", string(console.written))
}

func TestDisplayRejectsUnmappedUserPointer(t *testing.T) {
	h := newTestHarness(t)
	idle, err := CreateKthread(1, h.res, 0, 0)
	require.NoError(t, err)
	s := New(h.arch, idle, shellFactory(h))
	h.attachScheduler(s)

	p, err := CreateProcess(1, h.res, []byte("hi"), h.res.UserRangeLo)
	require.NoError(t, err)
	d, _ := newTestDispatcher(t, h, s)

	badAddr := uint64(h.res.UserRangeHi - 0x1000)
	ret := d.Dispatch(p, SysDisplay, [4]uint64{badAddr, 8})
	assert.Equal(t, errno.EPERM.Syscall(), ret)
}

func TestUnknownSyscallNumberReturnsEINVAL(t *testing.T) {
	h := newTestHarness(t)
	idle, err := CreateKthread(1, h.res, 0, 0)
	require.NoError(t, err)
	s := New(h.arch, idle, shellFactory(h))
	h.attachScheduler(s)

	p, err := CreateProcess(1, h.res, []byte{0x00}, h.res.UserRangeLo)
	require.NoError(t, err)
	d, _ := newTestDispatcher(t, h, s)

	ret := d.Dispatch(p, 99, [4]uint64{})
	assert.Equal(t, errno.EINVAL.Syscall(), ret)
}

func TestGetcharReturnsBufferedByteImmediately(t *testing.T) {
	h := newTestHarness(t)
	idle, err := CreateKthread(1, h.res, 0, 0)
	require.NoError(t, err)
	s := New(h.arch, idle, shellFactory(h))
	h.attachScheduler(s)

	p, err := CreateProcess(1, h.res, []byte{0x00}, h.res.UserRangeLo)
	require.NoError(t, err)
	d, console := newTestDispatcher(t, h, s)
	console.rxQueue = []byte{'Q'}

	ret := d.Dispatch(p, SysGetchar, [4]uint64{})
	assert.Equal(t, int64('Q'), ret)
}

func TestSocketBindConnectSendRoundTrip(t *testing.T) {
	h := newTestHarness(t)
	idle, err := CreateKthread(1, h.res, 0, 0)
	require.NoError(t, err)
	s := New(h.arch, idle, shellFactory(h))
	h.attachScheduler(s)

	p, err := CreateProcess(1, h.res, []byte("payload!"), h.res.UserRangeLo)
	require.NoError(t, err)
	d, _ := newTestDispatcher(t, h, s)

	fd := d.Dispatch(p, SysSocket, [4]uint64{})
	require.GreaterOrEqual(t, fd, int64(1))

	assert.Equal(t, int64(0), d.Dispatch(p, SysBind, [4]uint64{uint64(fd), 5353}))
	assert.Equal(t, int64(0), d.Dispatch(p, SysConnect, [4]uint64{uint64(fd), 0x0a000001, 53}))

	ret := d.Dispatch(p, SysSend, [4]uint64{uint64(fd), uint64(h.res.UserRangeLo), 8})
	assert.Equal(t, int64(8), ret)
}

func TestBindRejectsDuplicatePort(t *testing.T) {
	h := newTestHarness(t)
	idle, err := CreateKthread(1, h.res, 0, 0)
	require.NoError(t, err)
	s := New(h.arch, idle, shellFactory(h))
	h.attachScheduler(s)

	p, err := CreateProcess(1, h.res, []byte{0x00}, h.res.UserRangeLo)
	require.NoError(t, err)
	d, _ := newTestDispatcher(t, h, s)

	fd1 := d.Dispatch(p, SysSocket, [4]uint64{})
	fd2 := d.Dispatch(p, SysSocket, [4]uint64{})
	require.Equal(t, int64(0), d.Dispatch(p, SysBind, [4]uint64{uint64(fd1), 7000}))

	ret := d.Dispatch(p, SysBind, [4]uint64{uint64(fd2), 7000})
	assert.Equal(t, errno.EADDRINUSE.Syscall(), ret)
}
