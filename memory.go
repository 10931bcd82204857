package vblk

import (
	"sync"
)

// MemoryBackend is a RAM disk. Its contents are lost when the process exits.
type MemoryBackend struct {
	mu        sync.RWMutex
	data      []byte
	blockSize uint32
}

func NewMemoryBackend(blockSize uint32, blocks uint64) *MemoryBackend {
	return &MemoryBackend{
		data:      make([]byte, uint64(blockSize)*blocks),
		blockSize: blockSize,
	}
}

func (m *MemoryBackend) BlockSize() uint32 {
	return m.blockSize
}

func (m *MemoryBackend) Blocks() uint64 {
	return uint64(len(m.data)) / uint64(m.blockSize)
}

func (m *MemoryBackend) ReadAt(b []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off < 0 || off+int64(len(b)) > int64(len(m.data)) {
		return 0, ErrOutOfRange
	}

	return copy(b, m.data[off:]), nil
}

func (m *MemoryBackend) WriteAt(b []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 || off+int64(len(b)) > int64(len(m.data)) {
		return 0, ErrOutOfRange
	}

	return copy(m.data[off:], b), nil
}

func (m *MemoryBackend) Flush() error {
	return nil
}

func (m *MemoryBackend) Trim(off int64, length uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := off + int64(length)
	if off < 0 || end > int64(len(m.data)) {
		return ErrOutOfRange
	}

	clear(m.data[off:end])

	return nil
}
