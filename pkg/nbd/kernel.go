package nbd

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrChannelCreation   = errors.New("unable to create control channel")
	ErrNotMounted        = errors.New("device is not mounted")
)

// driver is the set of control operations issued against an NBD device
// node. The real implementation is a thin layer of ioctls.
type driver interface {
	SetBlockSize(size uint32) error
	SetSizeBlocks(blocks uint64) error
	ClearSock() error
	SetSock(f *os.File) error
	SetFlags(flags uint64) error
	SetTimeout(seconds uint64) error

	// DoIt blocks until the connection is torn down.
	DoIt() error

	ClearQueue() error
	Disconnect() error
	Close() error
}

// kernelError maps a failed control operation onto the setup error it
// represents. A busy device is always reported as unavailable.
func kernelError(err error, sentinel error, op string) error {
	if errors.Is(err, unix.EBUSY) {
		return errors.Wrapf(ErrDeviceUnavailable, "%s: %s", op, err)
	}

	return errors.Wrapf(sentinel, "%s: %s", op, err)
}

// timeoutSeconds converts d to the driver's whole seconds, rounding up so a
// sub-second timeout never turns into "no timeout".
func timeoutSeconds(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}

	return uint64((d + time.Second - 1) / time.Second)
}

// bind declares the negotiated export to the driver and hands it the kernel
// end of the channel.
func bind(drv driver, info ExportInfo, kernel *os.File, timeout uint64) error {
	if err := drv.SetBlockSize(info.BlockSize); err != nil {
		return kernelError(err, ErrInvalidGeometry, "set block size")
	}

	if err := drv.SetSizeBlocks(info.Size / uint64(info.BlockSize)); err != nil {
		return kernelError(err, ErrInvalidGeometry, "set size")
	}

	if err := drv.ClearSock(); err != nil {
		return kernelError(err, ErrDeviceUnavailable, "clear socket")
	}

	if err := drv.SetSock(kernel); err != nil {
		return kernelError(err, ErrDeviceUnavailable, "set socket")
	}

	if timeout > 0 {
		if err := drv.SetTimeout(timeout); err != nil {
			return kernelError(err, ErrDeviceUnavailable, "set timeout")
		}
	}

	return nil
}
