package nbd

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Backend is the storage a mounted device is served from. ReadAt must fill
// the whole buffer. Calls for one device never overlap.
type Backend interface {
	io.ReaderAt

	BlockSize() uint32
	Blocks() uint64
}

// A Backend that is not an io.WriterAt fails every write with EPERM.

// Flusher is implemented by backends that support NBD_CMD_FLUSH.
type Flusher interface {
	Flush() error
}

// Trimmer is implemented by backends that support NBD_CMD_TRIM.
type Trimmer interface {
	Trim(off int64, length uint32) error
}

// Unmounter is notified when the peer disconnects cleanly.
type Unmounter interface {
	Unmount()
}

var ErrInvalidGeometry = errors.New("invalid geometry")

type Geometry struct {
	BlockSize uint32
	Blocks    uint64
}

func GeometryOf(b Backend) Geometry {
	return Geometry{BlockSize: b.BlockSize(), Blocks: b.Blocks()}
}

func (g Geometry) Size() uint64 {
	return uint64(g.BlockSize) * g.Blocks
}

// Validate checks the constraints the kernel driver puts on a device: a
// power of two block size between 512 bytes and the page size.
func (g Geometry) Validate() error {
	bs := g.BlockSize

	switch {
	case bs == 0 || bs&(bs-1) != 0:
		return errors.Wrapf(ErrInvalidGeometry, "block size %d is not a power of two", bs)
	case bs < 512:
		return errors.Wrapf(ErrInvalidGeometry, "block size %d below 512", bs)
	case int(bs) > os.Getpagesize():
		return errors.Wrapf(ErrInvalidGeometry, "block size %d above page size %d", bs, os.Getpagesize())
	case g.Blocks == 0:
		return errors.Wrapf(ErrInvalidGeometry, "device has no blocks")
	case g.Blocks > ^uint64(0)/uint64(bs):
		return errors.Wrapf(ErrInvalidGeometry, "%d blocks of %d bytes overflows", g.Blocks, bs)
	}

	return nil
}
