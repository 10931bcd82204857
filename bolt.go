package vblk

import (
	"encoding/binary"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/lab47/vblk/pkg/entropy"
	"github.com/oklog/ulid/v2"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var (
	volumeBucket = []byte("volume")
	blocksBucket = []byte("blocks")
	volumeKey    = []byte("info")
)

const (
	encodingRaw = byte(0)
	encodingLZ4 = byte(1)

	// Blocks above this many bits per byte are stored uncompressed.
	compressionThreshold = 7.0
)

// Volume is the record a BoltBackend keeps next to its blocks.
type Volume struct {
	ID        ulid.ULID `cbor:"1,keyasint"`
	BlockSize uint32    `cbor:"2,keyasint"`
	Blocks    uint64    `cbor:"3,keyasint"`
	Created   time.Time `cbor:"4,keyasint"`
}

// BoltBackend is a sparse disk kept in a bbolt database, one key per block.
// Blocks that are all zero are not stored.
type BoltBackend struct {
	log      hclog.Logger
	db       *bbolt.DB
	vol      Volume
	compress bool
}

// OpenBoltBackend opens or creates the store at path. An existing store keeps
// its geometry; blockSize and blocks must match it or be zero.
func OpenBoltBackend(log hclog.Logger, path string, blockSize uint32, blocks uint64, compress bool) (*BoltBackend, error) {
	db, err := bbolt.Open(path, 0644, &bbolt.Options{
		Timeout:        time.Second,
		NoFreelistSync: true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening block store %s", path)
	}

	db.NoSync = true

	b := &BoltBackend{
		log:      log,
		db:       db,
		compress: compress,
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blocksBucket); err != nil {
			return err
		}

		vb, err := tx.CreateBucketIfNotExists(volumeBucket)
		if err != nil {
			return err
		}

		if data := vb.Get(volumeKey); data != nil {
			if err := cbor.Unmarshal(data, &b.vol); err != nil {
				return errors.Wrapf(err, "decoding volume record")
			}

			if blockSize != 0 && blockSize != b.vol.BlockSize {
				return errors.Wrapf(ErrInvalidConfig, "volume %s has block size %d, not %d", b.vol.ID, b.vol.BlockSize, blockSize)
			}

			if blocks != 0 && blocks != b.vol.Blocks {
				return errors.Wrapf(ErrInvalidConfig, "volume %s has %d blocks, not %d", b.vol.ID, b.vol.Blocks, blocks)
			}

			log.Debug("opened volume", "id", b.vol.ID, "block-size", b.vol.BlockSize, "blocks", b.vol.Blocks)

			return nil
		}

		if blockSize == 0 || blocks == 0 {
			return errors.Wrapf(ErrInvalidConfig, "new volume needs a block size and block count")
		}

		b.vol = Volume{
			ID:        ulid.MustNew(ulid.Now(), ulid.DefaultEntropy()),
			BlockSize: blockSize,
			Blocks:    blocks,
			Created:   time.Now(),
		}

		data, err := cbor.Marshal(b.vol)
		if err != nil {
			return err
		}

		log.Info("created volume", "id", b.vol.ID, "block-size", blockSize, "blocks", blocks)

		return vb.Put(volumeKey, data)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return b, nil
}

func (b *BoltBackend) Volume() Volume {
	return b.vol
}

func (b *BoltBackend) BlockSize() uint32 {
	return b.vol.BlockSize
}

func (b *BoltBackend) Blocks() uint64 {
	return b.vol.Blocks
}

func blockKey(blk uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, blk)
}

func (b *BoltBackend) checkRange(off int64, length int) error {
	size := int64(b.vol.BlockSize) * int64(b.vol.Blocks)
	if off < 0 || off+int64(length) > size {
		return ErrOutOfRange
	}

	return nil
}

// load decodes block blk into dst, which is block sized. Missing blocks read
// as zeros.
func (b *BoltBackend) load(bk *bbolt.Bucket, blk uint64, dst []byte) error {
	val := bk.Get(blockKey(blk))
	if val == nil {
		clear(dst)
		return nil
	}

	if len(val) < 1 {
		return errors.Errorf("block %d has no encoding byte", blk)
	}

	switch val[0] {
	case encodingRaw:
		if len(val)-1 != len(dst) {
			return errors.Errorf("block %d is %d bytes, expected %d", blk, len(val)-1, len(dst))
		}

		copy(dst, val[1:])
	case encodingLZ4:
		n, err := lz4.UncompressBlock(val[1:], dst)
		if err != nil {
			return errors.Wrapf(err, "decompressing block %d", blk)
		}

		if n != len(dst) {
			return errors.Errorf("block %d decompressed to %d bytes, expected %d", blk, n, len(dst))
		}
	default:
		return errors.Errorf("block %d has unknown encoding %d", blk, val[0])
	}

	return nil
}

func isZero(data []byte) bool {
	for _, v := range data {
		if v != 0 {
			return false
		}
	}

	return true
}

func (b *BoltBackend) store(bk *bbolt.Bucket, blk uint64, data []byte) error {
	key := blockKey(blk)

	if isZero(data) {
		blocksSparse.Inc()
		return bk.Delete(key)
	}

	blocksStored.Inc()

	if b.compress && entropy.Compressible(data, compressionThreshold) {
		buf := make([]byte, 1+lz4.CompressBlockBound(len(data)))
		buf[0] = encodingLZ4

		sz, err := lz4.CompressBlock(data, buf[1:], nil)
		if err != nil {
			return errors.Wrapf(err, "compressing block %d", blk)
		}

		if sz > 0 && sz < len(data) {
			blocksCompressed.Inc()
			return bk.Put(key, buf[:1+sz])
		}
	}

	val := make([]byte, 1+len(data))
	val[0] = encodingRaw
	copy(val[1:], data)

	return bk.Put(key, val)
}

// span calls fn for each block that [off, off+length) touches, with the
// byte range within the block and within the request.
func (b *BoltBackend) span(off int64, length int, fn func(blk uint64, inBlock, inReq int, n int) error) error {
	bs := int64(b.vol.BlockSize)

	for done := 0; done < length; {
		pos := off + int64(done)
		blk := uint64(pos / bs)
		inBlock := int(pos % bs)
		n := min(int(bs)-inBlock, length-done)

		if err := fn(blk, inBlock, done, n); err != nil {
			return err
		}

		done += n
	}

	return nil
}

func (b *BoltBackend) ReadAt(p []byte, off int64) (int, error) {
	if err := b.checkRange(off, len(p)); err != nil {
		return 0, err
	}

	block := make([]byte, b.vol.BlockSize)

	err := b.db.View(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(blocksBucket)

		return b.span(off, len(p), func(blk uint64, inBlock, inReq, n int) error {
			if err := b.load(bk, blk, block); err != nil {
				return err
			}

			copy(p[inReq:inReq+n], block[inBlock:])
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

func (b *BoltBackend) update(off int64, length int, fill func(dst []byte, inReq int)) error {
	if err := b.checkRange(off, length); err != nil {
		return err
	}

	bs := int(b.vol.BlockSize)

	return b.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(blocksBucket)
		block := make([]byte, bs)

		return b.span(off, length, func(blk uint64, inBlock, inReq, n int) error {
			if n != bs {
				if err := b.load(bk, blk, block); err != nil {
					return err
				}
			}

			fill(block[inBlock:inBlock+n], inReq)

			return b.store(bk, blk, block)
		})
	})
}

func (b *BoltBackend) WriteAt(p []byte, off int64) (int, error) {
	err := b.update(off, len(p), func(dst []byte, inReq int) {
		copy(dst, p[inReq:])
	})
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// Trim drops whole blocks and zeroes the trimmed part of partial ones.
func (b *BoltBackend) Trim(off int64, length uint32) error {
	return b.update(off, int(length), func(dst []byte, _ int) {
		clear(dst)
	})
}

func (b *BoltBackend) Flush() error {
	return b.db.Sync()
}

// StoredBlocks returns how many blocks hold data.
func (b *BoltBackend) StoredBlocks() (int, error) {
	var n int

	err := b.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(blocksBucket).Stats().KeyN
		return nil
	})

	return n, err
}

// Compressed reports whether block blk is stored compressed.
func (b *BoltBackend) Compressed(blk uint64) (bool, error) {
	var compressed bool

	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(blocksBucket).Get(blockKey(blk))
		compressed = len(val) > 0 && val[0] == encodingLZ4
		return nil
	})

	return compressed, err
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

