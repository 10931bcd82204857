package vblk

import (
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// FileBackend serves a raw image file or block device. The file is extended
// to the configured size; an existing file that is larger keeps its size.
type FileBackend struct {
	log       hclog.Logger
	f         *os.File
	blockSize uint32
	blocks    uint64
	readOnly  bool
}

func OpenFileBackend(log hclog.Logger, path string, blockSize uint32, blocks uint64, readOnly bool) (*FileBackend, error) {
	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening backing file")
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := int64(uint64(blockSize) * blocks)

	switch {
	case blocks == 0:
		blocks = uint64(fi.Size()) / uint64(blockSize)
	case fi.Size() < size:
		if readOnly {
			f.Close()
			return nil, errors.Wrapf(ErrInvalidConfig, "%s is %d bytes, need %d", path, fi.Size(), size)
		}

		log.Debug("extending backing file", "path", path, "from", fi.Size(), "to", size)

		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "extending backing file")
		}
	}

	return &FileBackend{
		log:       log,
		f:         f,
		blockSize: blockSize,
		blocks:    blocks,
		readOnly:  readOnly,
	}, nil
}

func (f *FileBackend) BlockSize() uint32 {
	return f.blockSize
}

func (f *FileBackend) Blocks() uint64 {
	return f.blocks
}

func (f *FileBackend) ReadAt(b []byte, off int64) (int, error) {
	return f.f.ReadAt(b, off)
}

func (f *FileBackend) WriteAt(b []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, ErrReadOnly
	}

	return f.f.WriteAt(b, off)
}

func (f *FileBackend) Flush() error {
	return f.f.Sync()
}

func (f *FileBackend) Trim(off int64, length uint32) error {
	if f.readOnly {
		return ErrReadOnly
	}

	err := punchHole(f.f, off, int64(length))
	if err == nil {
		return nil
	}

	f.log.Trace("hole punching unavailable, writing zeros", "error", err)

	_, err = f.f.WriteAt(make([]byte, length), off)
	return err
}

func (f *FileBackend) Close() error {
	return f.f.Close()
}
