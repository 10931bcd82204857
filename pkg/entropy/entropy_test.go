package entropy

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/require"
)

func TestEntropy(t *testing.T) {
	t.Run("zero blocks have none", func(t *testing.T) {
		r := require.New(t)

		r.Equal(0.0, Bits(make([]byte, 4096)))
		r.Equal(0.0, Bits(nil))
	})

	t.Run("random blocks approach the maximum", func(t *testing.T) {
		r := require.New(t)

		data := make([]byte, 64*1024)

		_, err := io.ReadFull(rand.Reader, data)
		r.NoError(err)

		r.Greater(Bits(data), 7.9)
		r.LessOrEqual(Bits(data), MaxBits)
		r.False(Compressible(data, 7.0))
	})

	t.Run("two symbols are one bit", func(t *testing.T) {
		r := require.New(t)

		data := make([]byte, 4096)
		for i := range data {
			data[i] = byte(i) % 2
		}

		r.InDelta(1.0, Bits(data), 1e-9)
		r.True(Compressible(data, 7.0))
	})

	t.Run("the estimator accumulates until reset", func(t *testing.T) {
		r := require.New(t)

		e := NewEstimator()

		e.Write([]byte{0, 0})
		r.Equal(0.0, e.Value())

		e.Write([]byte{1, 1})
		r.InDelta(1.0, e.Value(), 1e-9)

		e.Reset()
		r.Equal(0.0, e.Value())
	})

	t.Run("low entropy blocks compress", func(t *testing.T) {
		r := require.New(t)

		data := make([]byte, 4096)
		copy(data, []byte("hello"))

		r.True(Compressible(data, 7.0))

		dest := make([]byte, lz4.CompressBlockBound(len(data)))

		sz, err := lz4.CompressBlock(data, dest, nil)
		r.NoError(err)
		r.Greater(sz, 0)
		r.Less(sz, len(data))
	})
}

func BenchmarkEntropy(b *testing.B) {
	e := NewEstimator()

	data := make([]byte, 4096)

	for i := range data {
		data[i] = byte(i)
	}

	b.SetBytes(int64(len(data)))

	for i := 0; i < b.N; i++ {
		e.Write(data)
	}
}
