package vblk

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeQcow2 writes a version 2 image with 512 byte clusters and a virtual
// size of eight clusters. Only the second cluster is allocated, holding data.
func writeQcow2(t *testing.T, data []byte) string {
	t.Helper()

	const cluster = 512

	img := make([]byte, 4*cluster)

	hdr := []byte("QFI\xfb")
	hdr = binary.BigEndian.AppendUint32(hdr, 2)         // version
	hdr = binary.BigEndian.AppendUint64(hdr, 0)         // backing file offset
	hdr = binary.BigEndian.AppendUint32(hdr, 0)         // backing file size
	hdr = binary.BigEndian.AppendUint32(hdr, 9)         // cluster bits
	hdr = binary.BigEndian.AppendUint64(hdr, 8*cluster) // virtual size
	hdr = binary.BigEndian.AppendUint32(hdr, 0)         // crypt method
	hdr = binary.BigEndian.AppendUint32(hdr, 1)         // l1 size
	hdr = binary.BigEndian.AppendUint64(hdr, cluster)   // l1 table offset
	hdr = binary.BigEndian.AppendUint64(hdr, 0)         // refcount table offset
	hdr = binary.BigEndian.AppendUint32(hdr, 0)         // refcount table clusters
	hdr = binary.BigEndian.AppendUint32(hdr, 0)         // snapshots
	hdr = binary.BigEndian.AppendUint64(hdr, 0)         // snapshots offset
	copy(img, hdr)

	// L1 points at the L2 table in cluster 2, whose second entry maps
	// virtual cluster 1 to host cluster 3.
	binary.BigEndian.PutUint64(img[cluster:], 2*cluster)
	binary.BigEndian.PutUint64(img[2*cluster+8:], 3*cluster)
	copy(img[3*cluster:], data)

	path := filepath.Join(t.TempDir(), "disk.qcow2")
	require.NoError(t, os.WriteFile(path, img, 0644))

	return path
}

func TestImageBackend(t *testing.T) {
	t.Run("reads the virtual disk", func(t *testing.T) {
		r := require.New(t)

		data := bytes.Repeat([]byte("qcow"), 128)

		be, err := OpenImageBackend(testLogger(), writeQcow2(t, data), 512)
		r.NoError(err)
		defer be.Close()

		r.Equal(uint64(8), be.Blocks())

		buf := make([]byte, 512)

		n, err := be.ReadAt(buf, 512)
		r.NoError(err)
		r.Equal(512, n)
		r.Equal(data, buf)

		_, err = be.ReadAt(buf, 0)
		r.NoError(err)
		r.Equal(make([]byte, 512), buf)
	})

	t.Run("the last block reads without EOF", func(t *testing.T) {
		r := require.New(t)

		be, err := OpenImageBackend(testLogger(), writeQcow2(t, nil), 512)
		r.NoError(err)
		defer be.Close()

		buf := make([]byte, 1024)

		n, err := be.ReadAt(buf, 3072)
		r.NoError(err)
		r.Equal(1024, n)
	})

	t.Run("serves through the cache as a read only backend", func(t *testing.T) {
		r := require.New(t)

		data := bytes.Repeat([]byte{0x5a}, 512)

		be, err := OpenBackend(testLogger(), &BackendConfig{
			Type:        "qcow2",
			BlockSize:   512,
			Path:        writeQcow2(t, data),
			CacheBlocks: 4,
		}, false)
		r.NoError(err)
		defer CloseBackend(be)

		buf := make([]byte, 4096)

		_, err = be.ReadAt(buf, 0)
		r.NoError(err)
		r.Equal(data, buf[512:1024])

		_, ok := be.(interface {
			WriteAt([]byte, int64) (int, error)
		})
		r.False(ok)
	})
}
