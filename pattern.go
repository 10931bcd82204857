package vblk

import (
	"encoding/hex"

	"github.com/pkg/errors"
)

// PatternBackend is a read-only device whose contents repeat a fixed
// pattern, starting at offset zero.
type PatternBackend struct {
	pattern   []byte
	blockSize uint32
	blocks    uint64
}

var DeadBeef = []byte{0xDE, 0xAD, 0xBE, 0xEF}

func NewPatternBackend(pattern []byte, blockSize uint32, blocks uint64) (*PatternBackend, error) {
	if len(pattern) == 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "empty pattern")
	}

	return &PatternBackend{
		pattern:   pattern,
		blockSize: blockSize,
		blocks:    blocks,
	}, nil
}

// ParsePattern accepts a hex string; the empty string is 0xDEADBEEF.
func ParsePattern(s string) ([]byte, error) {
	if s == "" {
		return DeadBeef, nil
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "pattern %q: %s", s, err)
	}

	return b, nil
}

func (p *PatternBackend) BlockSize() uint32 {
	return p.blockSize
}

func (p *PatternBackend) Blocks() uint64 {
	return p.blocks
}

func (p *PatternBackend) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrOutOfRange
	}

	n := int64(len(p.pattern))
	start := int(off % n)

	for i := 0; i < len(b); {
		c := copy(b[i:], p.pattern[start:])
		i += c
		start = 0
	}

	return len(b), nil
}
