// Package entropy estimates the Shannon entropy of a byte stream, in bits
// per byte:
//
//	H = - Σ P(x) * log2 P(x)
package entropy

import (
	"math"
)

// MaxBits is the entropy of uniformly random data.
const MaxBits = 8.0

type Estimator struct {
	counts [256]uint64
	total  uint64
}

func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) Reset() {
	clear(e.counts[:])
	e.total = 0
}

// Write never fails.
func (e *Estimator) Write(data []byte) (int, error) {
	for _, b := range data {
		e.counts[b]++
	}

	e.total += uint64(len(data))

	return len(data), nil
}

// Value returns the entropy of everything written since the last Reset.
// An empty stream has zero entropy.
func (e *Estimator) Value() float64 {
	if e.total == 0 {
		return 0
	}

	var h float64

	total := float64(e.total)

	for _, count := range e.counts {
		if count == 0 {
			continue
		}

		p := float64(count) / total
		h -= p * math.Log2(p)
	}

	return h
}

// Bits is the entropy of a single buffer.
func Bits(data []byte) float64 {
	var e Estimator
	e.Write(data)
	return e.Value()
}

// Compressible reports whether data is worth handing to a compressor: its
// entropy is below threshold bits per byte.
func Compressible(data []byte, threshold float64) bool {
	return Bits(data) < threshold
}
