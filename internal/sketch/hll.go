package sketch

import (
	"errors"
	"math"
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

// HyperLogLog cardinality estimator
//
// Fixed-precision HLL over a 64-bit hash space. With the default p=12 the
// sketch holds 4096 one-byte registers (~4 KiB) and estimates cardinality
// with ~1.6% relative standard error. Registers merge by element-wise max,
// which makes merge associative, commutative, and idempotent.
//
// The hash function is xxhash64 with its default seed. This is a fixed,
// documented choice: every process (central store and edge agents alike)
// must hash identically or merged registers stop being comparable.
//
// References:
//   - Flajolet et al., "HyperLogLog: the analysis of a near-optimal
//     cardinality estimation algorithm" (AofA 2007)
//   - Heule et al., "HyperLogLog in Practice" (EDBT 2013) — bias correction

// ErrInvalidShape is returned when merging estimators of different shapes
// (HLL precision or CMS width/depth mismatch).
var ErrInvalidShape = errors.New("sketch: estimator shape mismatch")

// HLL is a HyperLogLog estimator. Fields are exported so partial sketches
// can travel in edge-agent envelopes unchanged.
type HLL struct {
	Precision uint8  `json:"p"`
	Registers []byte `json:"registers"`
}

// NewHLL creates an estimator with 2^p registers. Valid p is 4..16.
func NewHLL(p uint8) *HLL {
	if p < 4 || p > 16 {
		p = 12
	}
	return &HLL{Precision: p, Registers: make([]byte, 1<<p)}
}

// AddHash folds one pre-hashed 64-bit value into the registers.
func (h *HLL) AddHash(x uint64) {
	idx := x >> (64 - h.Precision)
	// rank of the first set bit in the remaining suffix, 1-based
	tail := x<<h.Precision | 1<<(uint(h.Precision)-1)
	rho := uint8(bits.LeadingZeros64(tail)) + 1
	if rho > h.Registers[idx] {
		h.Registers[idx] = rho
	}
}

// Add hashes key with the fixed hash and folds it in.
func (h *HLL) Add(key []byte) {
	h.AddHash(xxhash.Sum64(key))
}

// AddString is Add for string keys without forcing a copy at call sites.
func (h *HLL) AddString(key string) {
	h.AddHash(xxhash.Sum64String(key))
}

// Cardinality returns the estimated number of distinct keys added.
func (h *HLL) Cardinality() float64 {
	m := float64(len(h.Registers))
	var sum float64
	zeros := 0
	for _, r := range h.Registers {
		sum += 1.0 / float64(uint64(1)<<r)
		if r == 0 {
			zeros++
		}
	}
	est := alpha(len(h.Registers)) * m * m / sum

	// Small-range correction: linear counting while registers are sparse.
	if est <= 2.5*m && zeros > 0 {
		return m * math.Log(m/float64(zeros))
	}
	return est
}

// Merge folds other into h by register-wise max.
func (h *HLL) Merge(other *HLL) error {
	if other == nil || other.Precision != h.Precision || len(other.Registers) != len(h.Registers) {
		return ErrInvalidShape
	}
	for i, r := range other.Registers {
		if r > h.Registers[i] {
			h.Registers[i] = r
		}
	}
	return nil
}

// Clone returns a deep copy.
func (h *HLL) Clone() *HLL {
	c := &HLL{Precision: h.Precision, Registers: make([]byte, len(h.Registers))}
	copy(c.Registers, h.Registers)
	return c
}

// alpha is the standard HLL bias-correction constant for m registers.
func alpha(m int) float64 {
	switch m {
	case 16:
		return 0.673
	case 32:
		return 0.697
	case 64:
		return 0.709
	}
	return 0.7213 / (1 + 1.079/float64(m))
}
