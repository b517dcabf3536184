package sketch

import (
	"github.com/cespare/xxhash/v2"
)

// Count-Min Sketch frequency estimator
//
// Fixed shape w x d (default 2048 x 5). Point estimates take the minimum
// across rows, so they only ever overestimate; merge is element-wise
// addition and requires equal shape. Row indexes derive from two xxhash64
// values via the Kirsch-Mitzenmacher construction (h1 + i*h2), so sketches
// built by different processes index identically.
//
// A companion bounded heap (TopK) tracks the heaviest keys seen with their
// provisional CMS estimates, which is what top_k() serves from.
//
// References:
//   - Cormode & Muthukrishnan, "An Improved Data Stream Summary: The
//     Count-Min Sketch and its Applications" (J. Algorithms 2005)
//   - Kirsch & Mitzenmacher, "Less Hashing, Same Performance" (ESA 2006)

// cmsSalt perturbs the second hash so h1 and h2 are independent.
var cmsSalt = []byte{0x9e, 0x37, 0x79, 0xb9}

// CMS is a Count-Min Sketch with a companion top-K heap.
type CMS struct {
	Width uint32     `json:"width"`
	Depth uint32     `json:"depth"`
	Rows  [][]uint32 `json:"rows"`
	Top   *TopK      `json:"top,omitempty"`
}

// NewCMS creates a w x d sketch whose top_k() tracks up to k keys.
func NewCMS(width, depth uint32, k int) *CMS {
	if width == 0 {
		width = 2048
	}
	if depth == 0 {
		depth = 5
	}
	rows := make([][]uint32, depth)
	for i := range rows {
		rows[i] = make([]uint32, width)
	}
	var top *TopK
	if k > 0 {
		top = NewTopK(k)
	}
	return &CMS{Width: width, Depth: depth, Rows: rows, Top: top}
}

// Add increments key's counters by count and refreshes the companion heap.
func (c *CMS) Add(key []byte, count uint32) {
	h1 := xxhash.Sum64(key)
	h2 := xxhash.Sum64(append(append([]byte{}, key...), cmsSalt...))

	est := uint32(1<<31 - 1)
	for i := uint32(0); i < c.Depth; i++ {
		idx := (h1 + uint64(i)*h2) % uint64(c.Width)
		v := c.Rows[i][idx]
		// saturating add, a wrapped counter would break monotonicity
		if v > ^uint32(0)-count {
			v = ^uint32(0)
		} else {
			v += count
		}
		c.Rows[i][idx] = v
		if v < est {
			est = v
		}
	}
	if c.Top != nil {
		c.Top.Offer(string(key), uint64(est))
	}
}

// Estimate returns the minimum counter across rows for key.
func (c *CMS) Estimate(key []byte) uint32 {
	h1 := xxhash.Sum64(key)
	h2 := xxhash.Sum64(append(append([]byte{}, key...), cmsSalt...))

	est := ^uint32(0)
	for i := uint32(0); i < c.Depth; i++ {
		idx := (h1 + uint64(i)*h2) % uint64(c.Width)
		if v := c.Rows[i][idx]; v < est {
			est = v
		}
	}
	return est
}

// TopK returns up to k of the heaviest keys seen, by provisional count,
// heaviest first.
func (c *CMS) TopK(k int) []TopEntry {
	if c.Top == nil {
		return nil
	}
	return c.Top.Entries(k)
}

// Merge folds other into c by element-wise saturating addition.
// Shapes must match exactly.
func (c *CMS) Merge(other *CMS) error {
	if other == nil || other.Width != c.Width || other.Depth != c.Depth {
		return ErrInvalidShape
	}
	for i := range c.Rows {
		if len(other.Rows[i]) != len(c.Rows[i]) {
			return ErrInvalidShape
		}
		for j, v := range other.Rows[i] {
			if c.Rows[i][j] > ^uint32(0)-v {
				c.Rows[i][j] = ^uint32(0)
			} else {
				c.Rows[i][j] += v
			}
		}
	}
	if c.Top != nil && other.Top != nil {
		c.Top.Merge(other.Top)
	}
	return nil
}

// Clone returns a deep copy.
func (c *CMS) Clone() *CMS {
	rows := make([][]uint32, len(c.Rows))
	for i := range c.Rows {
		rows[i] = make([]uint32, len(c.Rows[i]))
		copy(rows[i], c.Rows[i])
	}
	cl := &CMS{Width: c.Width, Depth: c.Depth, Rows: rows}
	if c.Top != nil {
		cl.Top = c.Top.Clone()
	}
	return cl
}
