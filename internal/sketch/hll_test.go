package sketch

import (
	"fmt"
	"math"
	"testing"
)

func TestHLLCardinalityAccuracy(t *testing.T) {
	tests := []struct {
		name string
		n    int
	}{
		{"Small", 100},
		{"Medium", 5000},
		{"Large", 100000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHLL(12)
			for i := 0; i < tt.n; i++ {
				h.AddString(fmt.Sprintf("10.%d.%d.%d", i>>16&0xff, i>>8&0xff, i&0xff))
			}
			got := h.Cardinality()
			relErr := math.Abs(got-float64(tt.n)) / float64(tt.n)
			// p=12 gives ~1.6% standard error; allow 5 sigma
			if relErr > 0.08 {
				t.Errorf("cardinality = %.0f for n=%d, relative error %.3f too large", got, tt.n, relErr)
			}
		})
	}
}

func TestHLLMergeEqualsUnion(t *testing.T) {
	a, b, union := NewHLL(12), NewHLL(12), NewHLL(12)
	for i := 0; i < 3000; i++ {
		key := fmt.Sprintf("a-%d", i)
		a.AddString(key)
		union.AddString(key)
	}
	for i := 0; i < 3000; i++ {
		key := fmt.Sprintf("b-%d", i)
		b.AddString(key)
		union.AddString(key)
	}

	if err := a.Merge(b); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if math.Abs(a.Cardinality()-union.Cardinality()) > 1e-9 {
		t.Errorf("merged cardinality %.2f != union cardinality %.2f", a.Cardinality(), union.Cardinality())
	}
}

func TestHLLMergeCommutativeAssociative(t *testing.T) {
	build := func(prefix string, n int) *HLL {
		h := NewHLL(12)
		for i := 0; i < n; i++ {
			h.AddString(fmt.Sprintf("%s-%d", prefix, i))
		}
		return h
	}

	// (A+B)+C
	left := build("a", 1000)
	_ = left.Merge(build("b", 1000))
	_ = left.Merge(build("c", 1000))

	// A+(C+B)
	right := build("c", 1000)
	_ = right.Merge(build("b", 1000))
	_ = right.Merge(build("a", 1000))

	for i := range left.Registers {
		if left.Registers[i] != right.Registers[i] {
			t.Fatalf("register %d differs after reordered merges: %d vs %d", i, left.Registers[i], right.Registers[i])
		}
	}
}

func TestHLLMergeMonotonic(t *testing.T) {
	a := NewHLL(12)
	for i := 0; i < 2000; i++ {
		a.AddString(fmt.Sprintf("x-%d", i))
	}
	before := a.Cardinality()

	b := NewHLL(12)
	for i := 0; i < 500; i++ {
		b.AddString(fmt.Sprintf("y-%d", i))
	}
	if err := a.Merge(b); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if a.Cardinality() < before {
		t.Errorf("cardinality decreased under merge: %.2f -> %.2f", before, a.Cardinality())
	}
}

func TestHLLMergeShapeMismatch(t *testing.T) {
	a := NewHLL(12)
	b := NewHLL(10)
	if err := a.Merge(b); err != ErrInvalidShape {
		t.Errorf("expected ErrInvalidShape, got %v", err)
	}
}
