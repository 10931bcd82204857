package vblk

import (
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lab47/vblk/pkg/nbd"
)

// CachedBackend keeps recently read blocks in memory. Only block aligned
// reads go through the cache; everything else is passed to the backend.
type CachedBackend struct {
	nbd.Backend

	blocks *lru.Cache[uint64, []byte]
}

// cacheWriter and cacheTrimmer invalidate the blocks they touch before
// passing the call on.
type cacheWriter struct {
	c *CachedBackend
	w io.WriterAt
}

type cacheTrimmer struct {
	c *CachedBackend
	t nbd.Trimmer
}

type cacheFlusher struct {
	f nbd.Flusher
}

// NewCache wraps backend with a read cache of size blocks. The result
// implements io.WriterAt, nbd.Flusher and nbd.Trimmer exactly when backend
// does, each one independently of the others.
func NewCache(backend nbd.Backend, size int) (nbd.Backend, error) {
	blocks, err := lru.New[uint64, []byte](size)
	if err != nil {
		return nil, err
	}

	c := &CachedBackend{
		Backend: backend,
		blocks:  blocks,
	}

	w, canWrite := backend.(io.WriterAt)
	f, canFlush := backend.(nbd.Flusher)
	t, canTrim := backend.(nbd.Trimmer)

	cw := cacheWriter{c, w}
	cf := cacheFlusher{f}
	ct := cacheTrimmer{c, t}

	switch {
	case canWrite && canFlush && canTrim:
		return &struct {
			*CachedBackend
			cacheWriter
			cacheFlusher
			cacheTrimmer
		}{c, cw, cf, ct}, nil
	case canWrite && canFlush:
		return &struct {
			*CachedBackend
			cacheWriter
			cacheFlusher
		}{c, cw, cf}, nil
	case canWrite && canTrim:
		return &struct {
			*CachedBackend
			cacheWriter
			cacheTrimmer
		}{c, cw, ct}, nil
	case canFlush && canTrim:
		return &struct {
			*CachedBackend
			cacheFlusher
			cacheTrimmer
		}{c, cf, ct}, nil
	case canWrite:
		return &struct {
			*CachedBackend
			cacheWriter
		}{c, cw}, nil
	case canFlush:
		return &struct {
			*CachedBackend
			cacheFlusher
		}{c, cf}, nil
	case canTrim:
		return &struct {
			*CachedBackend
			cacheTrimmer
		}{c, ct}, nil
	}

	return c, nil
}

func (c *CachedBackend) ReadAt(b []byte, off int64) (int, error) {
	bs := int64(c.BlockSize())

	if off%bs != 0 || int64(len(b))%bs != 0 {
		return c.Backend.ReadAt(b, off)
	}

	for i := int64(0); i < int64(len(b)); i += bs {
		blk := uint64((off + i) / bs)
		dst := b[i : i+bs]

		if data, ok := c.blocks.Get(blk); ok {
			cacheHits.Inc()
			copy(dst, data)
			continue
		}

		cacheMiss.Inc()

		n, err := c.Backend.ReadAt(dst, off+i)
		if n == len(dst) {
			err = nil
		}

		if err != nil {
			return int(i) + n, err
		}

		c.blocks.Add(blk, append([]byte(nil), dst...))
	}

	return len(b), nil
}

func (c *CachedBackend) Unwrap() nbd.Backend {
	return c.Backend
}

// Len is the number of cached blocks.
func (c *CachedBackend) Len() int {
	return c.blocks.Len()
}

func (c *CachedBackend) Close() error {
	if cl, ok := c.Backend.(io.Closer); ok {
		return cl.Close()
	}

	return nil
}

func (c *CachedBackend) invalidate(off int64, length int64) {
	if length == 0 {
		return
	}

	bs := int64(c.BlockSize())

	for blk := off / bs; blk <= (off+length-1)/bs; blk++ {
		c.blocks.Remove(uint64(blk))
	}
}

func (cw cacheWriter) WriteAt(b []byte, off int64) (int, error) {
	cw.c.invalidate(off, int64(len(b)))
	return cw.w.WriteAt(b, off)
}

func (ct cacheTrimmer) Trim(off int64, length uint32) error {
	ct.c.invalidate(off, int64(length))
	return ct.t.Trim(off, length)
}

func (cf cacheFlusher) Flush() error {
	return cf.f.Flush()
}
