package nbd

import (
	"io"
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// channel is the user side of the control channel. CloseRead lets a shutdown
// stop the request loop without losing a reply that is still being written.
type channel interface {
	io.ReadWriteCloser
	CloseRead() error
}

// newChannel creates a connected stream pair. The returned file is the end
// handed to the kernel.
func newChannel() (channel, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrChannelCreation, "socketpair: %s", err)
	}

	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])

	user := os.NewFile(uintptr(fds[0]), "nbd-user")
	kernel := os.NewFile(uintptr(fds[1]), "nbd-kernel")

	// FileConn dups the descriptor and registers it with the poller.
	conn, err := net.FileConn(user)
	user.Close()

	if err != nil {
		kernel.Close()
		return nil, nil, errors.Wrapf(ErrChannelCreation, "wrapping socket: %s", err)
	}

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		kernel.Close()
		return nil, nil, errors.Wrapf(ErrChannelCreation, "unexpected connection type %T", conn)
	}

	return uc, kernel, nil
}
