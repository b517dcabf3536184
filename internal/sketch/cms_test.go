package sketch

import (
	"fmt"
	"testing"
)

func TestCMSNeverUnderestimates(t *testing.T) {
	c := NewCMS(2048, 5, 10)
	truth := map[string]uint32{}
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("key-%d", i)
		count := uint32(i%17 + 1)
		c.Add([]byte(key), count)
		truth[key] += count
	}

	for key, want := range truth {
		got := c.Estimate([]byte(key))
		if got < want {
			t.Errorf("estimate(%s) = %d underestimates true count %d", key, got, want)
		}
	}
}

func TestCMSHeavyHitter(t *testing.T) {
	c := NewCMS(2048, 5, 5)
	c.Add([]byte("elephant"), 10000)
	for i := 0; i < 200; i++ {
		c.Add([]byte(fmt.Sprintf("mouse-%d", i)), 1)
	}

	top := c.TopK(1)
	if len(top) != 1 || top[0].Key != "elephant" {
		t.Fatalf("expected elephant as the top key, got %+v", top)
	}
	if top[0].Count < 10000 {
		t.Errorf("heavy hitter count %d below true count", top[0].Count)
	}
}

func TestCMSMergeEqualsCombinedStream(t *testing.T) {
	a := NewCMS(512, 4, 0)
	b := NewCMS(512, 4, 0)
	combined := NewCMS(512, 4, 0)

	for i := 0; i < 300; i++ {
		key := []byte(fmt.Sprintf("k-%d", i%50))
		a.Add(key, 2)
		combined.Add(key, 2)
	}
	for i := 0; i < 300; i++ {
		key := []byte(fmt.Sprintf("k-%d", i%70))
		b.Add(key, 3)
		combined.Add(key, 3)
	}

	if err := a.Merge(b); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	for i := 0; i < 70; i++ {
		key := []byte(fmt.Sprintf("k-%d", i))
		if a.Estimate(key) != combined.Estimate(key) {
			t.Errorf("merged estimate for %s = %d, combined stream = %d",
				key, a.Estimate(key), combined.Estimate(key))
		}
	}
}

func TestCMSMergeShapeMismatch(t *testing.T) {
	tests := []struct {
		name  string
		other *CMS
	}{
		{"WidthMismatch", NewCMS(1024, 5, 0)},
		{"DepthMismatch", NewCMS(2048, 4, 0)},
		{"Nil", nil},
	}

	c := NewCMS(2048, 5, 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Merge(tt.other); err != ErrInvalidShape {
				t.Errorf("expected ErrInvalidShape, got %v", err)
			}
		})
	}
}

func TestTopKBounded(t *testing.T) {
	tk := NewTopK(3)
	tk.Accumulate("a", 10)
	tk.Accumulate("b", 20)
	tk.Accumulate("c", 30)
	tk.Accumulate("d", 5) // below current minimum, must not displace

	entries := tk.Entries(0)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Key != "c" || entries[0].Count != 30 {
		t.Errorf("expected c/30 first, got %+v", entries[0])
	}

	tk.Accumulate("e", 100) // displaces the minimum
	entries = tk.Entries(0)
	if entries[0].Key != "e" {
		t.Errorf("expected e to displace the minimum, got %+v", entries)
	}
}
