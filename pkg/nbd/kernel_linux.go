//go:build linux

package nbd

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ioctl request numbers from linux/nbd.h, _IO(0xab, n).
const (
	NBD_SET_SOCK        = 0xab<<8 | 0
	NBD_SET_BLKSIZE     = 0xab<<8 | 1
	NBD_DO_IT           = 0xab<<8 | 3
	NBD_CLEAR_SOCK      = 0xab<<8 | 4
	NBD_CLEAR_QUE       = 0xab<<8 | 5
	NBD_SET_SIZE_BLOCKS = 0xab<<8 | 7
	NBD_DISCONNECT      = 0xab<<8 | 8
	NBD_SET_TIMEOUT     = 0xab<<8 | 9
	NBD_SET_FLAGS       = 0xab<<8 | 10
)

type ioctlDriver struct {
	f *os.File
}

func openKernelDriver(path string) (driver, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "opening %s: %s", path, err)
	}

	return &ioctlDriver{f: f}, nil
}

func (d *ioctlDriver) ioctl(req, arg uintptr) error {
	// Syscall rather than RawSyscall: NBD_DO_IT parks the thread for the
	// lifetime of the mount.
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), req, arg)
	if errno != 0 {
		return errno
	}

	return nil
}

func (d *ioctlDriver) SetBlockSize(size uint32) error {
	return d.ioctl(NBD_SET_BLKSIZE, uintptr(size))
}

func (d *ioctlDriver) SetSizeBlocks(blocks uint64) error {
	return d.ioctl(NBD_SET_SIZE_BLOCKS, uintptr(blocks))
}

func (d *ioctlDriver) ClearSock() error {
	return d.ioctl(NBD_CLEAR_SOCK, 0)
}

func (d *ioctlDriver) SetSock(f *os.File) error {
	return d.ioctl(NBD_SET_SOCK, f.Fd())
}

func (d *ioctlDriver) SetFlags(flags uint64) error {
	return d.ioctl(NBD_SET_FLAGS, uintptr(flags))
}

func (d *ioctlDriver) SetTimeout(seconds uint64) error {
	return d.ioctl(NBD_SET_TIMEOUT, uintptr(seconds))
}

func (d *ioctlDriver) DoIt() error {
	return d.ioctl(NBD_DO_IT, 0)
}

func (d *ioctlDriver) ClearQueue() error {
	return d.ioctl(NBD_CLEAR_QUE, 0)
}

func (d *ioctlDriver) Disconnect() error {
	return d.ioctl(NBD_DISCONNECT, 0)
}

func (d *ioctlDriver) Close() error {
	return d.f.Close()
}
