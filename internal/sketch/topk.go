package sketch

import "sort"

// TopEntry is one key with its (possibly provisional) count.
type TopEntry struct {
	Key   string `json:"key"`
	Count uint64 `json:"count"`
}

// TopK is a bounded set of the heaviest keys seen so far. It keeps at most
// K entries; a new key displaces the current minimum only when its count is
// larger. Counts for tracked keys accumulate, so the structure is safe to
// merge: union the maps, then trim back to K.
type TopK struct {
	K      int               `json:"k"`
	Counts map[string]uint64 `json:"counts"`
}

// NewTopK creates a tracker for the k heaviest keys.
func NewTopK(k int) *TopK {
	if k <= 0 {
		k = 10
	}
	return &TopK{K: k, Counts: make(map[string]uint64, k)}
}

// Offer replaces the tracked count for key with count when key is already
// tracked or there is room; otherwise it displaces the current minimum if
// count exceeds it. Used by CMS, which supplies monotone estimates.
func (t *TopK) Offer(key string, count uint64) {
	if cur, ok := t.Counts[key]; ok {
		if count > cur {
			t.Counts[key] = count
		}
		return
	}
	if len(t.Counts) < t.K {
		t.Counts[key] = count
		return
	}
	minKey, minVal := "", ^uint64(0)
	for k, v := range t.Counts {
		if v < minVal {
			minKey, minVal = k, v
		}
	}
	if count > minVal {
		delete(t.Counts, minKey)
		t.Counts[key] = count
	}
}

// Accumulate adds count to key's running total, evicting the minimum when
// full. Used for byte-volume tracking where counts are additive.
func (t *TopK) Accumulate(key string, count uint64) {
	if cur, ok := t.Counts[key]; ok {
		t.Counts[key] = cur + count
		return
	}
	t.Offer(key, count)
}

// Entries returns up to k entries sorted heaviest first (ties by key, so
// the order is deterministic).
func (t *TopK) Entries(k int) []TopEntry {
	out := make([]TopEntry, 0, len(t.Counts))
	for key, c := range t.Counts {
		out = append(out, TopEntry{Key: key, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// Merge folds other into t, summing counts for shared keys and re-trimming.
func (t *TopK) Merge(other *TopK) {
	for key, c := range other.Counts {
		t.Counts[key] += c
	}
	if len(t.Counts) > t.K {
		keep := t.Entries(t.K)
		trimmed := make(map[string]uint64, t.K)
		for _, e := range keep {
			trimmed[e.Key] = e.Count
		}
		t.Counts = trimmed
	}
}

// Clone returns a deep copy.
func (t *TopK) Clone() *TopK {
	c := &TopK{K: t.K, Counts: make(map[string]uint64, len(t.Counts))}
	for k, v := range t.Counts {
		c.Counts[k] = v
	}
	return c
}
