package vblk

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/lima-vm/go-qcow2reader"
	"github.com/pkg/errors"
)

// ImageBackend serves the virtual disk inside a qcow2 image, read only.
// Images whose virtual size is not a whole number of blocks are truncated
// to the last full block.
type ImageBackend struct {
	f         *os.File
	img       *io.SectionReader
	blockSize uint32
}

func OpenImageBackend(log hclog.Logger, path string, blockSize uint32) (*ImageBackend, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening image")
	}

	img, err := qcow2reader.Open(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "reading qcow2 header of %s", path)
	}

	log.Debug("opened qcow2 image", "path", path, "size", img.Size())

	return &ImageBackend{
		f:         f,
		img:       io.NewSectionReader(img, 0, img.Size()),
		blockSize: blockSize,
	}, nil
}

func (i *ImageBackend) BlockSize() uint32 {
	return i.blockSize
}

func (i *ImageBackend) Blocks() uint64 {
	return uint64(i.img.Size()) / uint64(i.blockSize)
}

// ReadAt never reports io.EOF for a read that filled b; the image reader
// does so for any read ending at the virtual size.
func (i *ImageBackend) ReadAt(b []byte, off int64) (int, error) {
	n, err := i.img.ReadAt(b, off)
	if n == len(b) && err == io.EOF {
		err = nil
	}

	return n, err
}

func (i *ImageBackend) Close() error {
	return i.f.Close()
}
