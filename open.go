package vblk

import (
	"io"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/vblk/pkg/nbd"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	// ErrOutOfRange carries EINVAL so it reaches the peer as that errno.
	ErrOutOfRange = errors.Wrap(unix.EINVAL, "offset out of range")
	ErrReadOnly   = errors.Wrap(unix.EPERM, "backend is read only")

	ErrUnknownBackend = errors.New("unknown backend type")
)

// OpenBackend builds the backend described by cfg. Backends holding files
// implement io.Closer; see CloseBackend.
func OpenBackend(log hclog.Logger, cfg *BackendConfig, readOnly bool) (nbd.Backend, error) {
	log = log.Named("backend")

	blockSize := uint32(cfg.BlockSize)
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}

	blocks := uint64(cfg.Blocks)

	var (
		backend nbd.Backend
		err     error
	)

	switch cfg.Type {
	case "memory":
		if blocks == 0 {
			return nil, errors.Wrapf(ErrInvalidConfig, "memory backend needs blocks")
		}

		backend = NewMemoryBackend(blockSize, blocks)
	case "pattern":
		pattern, err := ParsePattern(cfg.Pattern)
		if err != nil {
			return nil, err
		}

		backend, err = NewPatternBackend(pattern, blockSize, blocks)
		if err != nil {
			return nil, err
		}
	case "file":
		if cfg.Path == "" {
			return nil, errors.Wrapf(ErrInvalidConfig, "file backend needs a path")
		}

		backend, err = OpenFileBackend(log, cfg.Path, blockSize, blocks, readOnly)
	case "bolt":
		if cfg.Path == "" {
			return nil, errors.Wrapf(ErrInvalidConfig, "bolt backend needs a path")
		}

		// An existing store supplies its own geometry.
		bs := uint32(0)
		if cfg.BlockSize != 0 {
			bs = blockSize
		}

		backend, err = OpenBoltBackend(log, cfg.Path, bs, blocks, cfg.Compress)
	case "qcow2":
		if cfg.Path == "" {
			return nil, errors.Wrapf(ErrInvalidConfig, "qcow2 backend needs a path")
		}

		backend, err = OpenImageBackend(log, cfg.Path, blockSize)
	default:
		return nil, errors.Wrapf(ErrUnknownBackend, "%q", cfg.Type)
	}

	if err != nil {
		return nil, err
	}

	log.Info("opened backend",
		"type", cfg.Type,
		"block-size", backend.BlockSize(),
		"blocks", backend.Blocks(),
	)

	if cfg.CacheBlocks > 0 {
		cached, err := NewCache(backend, cfg.CacheBlocks)
		if err != nil {
			CloseBackend(backend)
			return nil, err
		}

		backend = cached
	}

	return backend, nil
}

func CloseBackend(b nbd.Backend) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}

	return nil
}
