package nbd

import (
	"bytes"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  "nbdtest",
		Level: hclog.Trace,
	})
}

// deadbeef returns a repeating 4-byte pattern and has no write support.
type deadbeef struct {
	reads int
}

var pattern = []byte{0xDE, 0xAD, 0xBE, 0xEF}

func (d *deadbeef) ReadAt(b []byte, off int64) (int, error) {
	d.reads++

	for i := range b {
		b[i] = pattern[(off+int64(i))%4]
	}

	return len(b), nil
}

func (d *deadbeef) BlockSize() uint32 { return 1024 }
func (d *deadbeef) Blocks() uint64    { return 4096 }

// ramdisk implements every optional interface and counts calls.
type ramdisk struct {
	data []byte

	flushes  int
	trims    int
	unmounts int

	readErr error
}

func newRamdisk(size int) *ramdisk {
	return &ramdisk{data: make([]byte, size)}
}

func (r *ramdisk) ReadAt(b []byte, off int64) (int, error) {
	if r.readErr != nil {
		return 0, r.readErr
	}

	return copy(b, r.data[off:]), nil
}

func (r *ramdisk) WriteAt(b []byte, off int64) (int, error) {
	return copy(r.data[off:], b), nil
}

func (r *ramdisk) Flush() error {
	r.flushes++
	return nil
}

func (r *ramdisk) Trim(off int64, length uint32) error {
	r.trims++
	clear(r.data[off : off+int64(length)])
	return nil
}

func (r *ramdisk) Unmount() {
	r.unmounts++
}

func (r *ramdisk) BlockSize() uint32 { return 512 }
func (r *ramdisk) Blocks() uint64    { return uint64(len(r.data) / 512) }

// wire is an in-memory channel: requests are read from Reader, replies
// collect in out.
type wire struct {
	io.Reader
	out bytes.Buffer
}

func (w *wire) Write(b []byte) (int, error) {
	return w.out.Write(b)
}

func frames(reqs ...Request) []byte {
	var b []byte
	for _, r := range reqs {
		b = AppendRequest(b, r)
	}

	return b
}

// readReplies decodes every reply in b; lengths gives the read length of
// each originating request.
func readReplies(t *testing.T, b []byte, lengths ...uint32) []Reply {
	t.Helper()

	var out []Reply

	for _, l := range lengths {
		rep, n, err := DecodeReply(b, l)
		require.NoError(t, err)

		out = append(out, rep)
		b = b[n:]
	}

	require.Empty(t, b, "unexpected trailing bytes")

	return out
}

func socketPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	a := os.NewFile(uintptr(fds[0]), "sp1")
	b := os.NewFile(uintptr(fds[1]), "sp2")

	ca, err := net.FileConn(a)
	require.NoError(t, err)

	cb, err := net.FileConn(b)
	require.NoError(t, err)

	a.Close()
	b.Close()

	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})

	return ca, cb
}

func roundTrip(t *testing.T, conn net.Conn, req Request) Reply {
	t.Helper()

	_, err := conn.Write(AppendRequest(nil, req))
	require.NoError(t, err)

	hdr := make([]byte, TRANSMISSION_REPLY_HEADER_SIZE)
	_, err = io.ReadFull(conn, hdr)
	require.NoError(t, err)

	rep, _, err := DecodeReply(hdr, 0)
	require.NoError(t, err)

	if req.Type == CmdRead && rep.Error == 0 {
		rep.Payload = make([]byte, req.Length)
		_, err = io.ReadFull(conn, rep.Payload)
		require.NoError(t, err)
	}

	return rep
}

// fakeDriver stands in for the kernel driver. The end of the channel passed
// to SetSock is exposed as kernel so tests can play the kernel's part.
type fakeDriver struct {
	mu sync.Mutex

	blockSize uint32
	blocks    uint64
	flags     uint64
	timeout   uint64
	kernel    net.Conn

	setSockErr   error
	blockSizeErr error

	disconnects atomic.Int32
	doItExited  atomic.Bool
	closed      atomic.Bool

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{done: make(chan struct{})}
}

func (f *fakeDriver) open(path string) (driver, error) {
	return f, nil
}

func (f *fakeDriver) SetBlockSize(size uint32) error {
	if f.blockSizeErr != nil {
		return f.blockSizeErr
	}

	f.blockSize = size
	return nil
}

func (f *fakeDriver) SetSizeBlocks(blocks uint64) error {
	f.blocks = blocks
	return nil
}

func (f *fakeDriver) ClearSock() error { return nil }

func (f *fakeDriver) SetSock(file *os.File) error {
	if f.setSockErr != nil {
		return f.setSockErr
	}

	c, err := net.FileConn(file)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.kernel = c
	f.mu.Unlock()

	return nil
}

func (f *fakeDriver) conn() net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.kernel
}

func (f *fakeDriver) SetFlags(flags uint64) error {
	f.flags = flags
	return nil
}

func (f *fakeDriver) SetTimeout(seconds uint64) error {
	f.mu.Lock()
	f.timeout = seconds
	f.mu.Unlock()

	return nil
}

func (f *fakeDriver) DoIt() error {
	<-f.done
	f.doItExited.Store(true)
	return nil
}

func (f *fakeDriver) ClearQueue() error { return nil }

func (f *fakeDriver) Disconnect() error {
	f.disconnects.Add(1)
	f.doneOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeDriver) Close() error {
	f.closed.Store(true)

	if c := f.conn(); c != nil {
		c.Close()
	}

	return nil
}
