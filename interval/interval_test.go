package interval

import (
	"reflect"
	"testing"
)

func TestFlattenCoalescesOverlapsAndAdjacent(t *testing.T) {
	tests := []struct {
		name string
		in   []Range
		want []Range
	}{
		{
			name: "disjoint stays disjoint",
			in:   []Range{{0, 4}, {10, 4}},
			want: []Range{{0, 4}, {10, 4}},
		},
		{
			name: "overlapping merges",
			in:   []Range{{0, 10}, {5, 10}},
			want: []Range{{0, 15}},
		},
		{
			name: "adjacent merges",
			in:   []Range{{0, 4}, {4, 4}},
			want: []Range{{0, 8}},
		},
		{
			name: "contained range absorbed",
			in:   []Range{{0, 20}, {5, 2}},
			want: []Range{{0, 20}},
		},
		{
			name: "tie on start keeps longer first",
			in:   []Range{{0, 2}, {0, 20}, {15, 3}},
			want: []Range{{0, 20}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(make([]byte, 64))
			for _, r := range tt.in {
				s.Add(r.Start, r.Len)
			}
			s.Flatten()
			if got := s.Ranges(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Flatten() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFlattenIsIdempotent(t *testing.T) {
	s := New(make([]byte, 64))
	s.Add(3, 5)
	s.Add(6, 10)
	s.Add(30, 2)
	s.Flatten()
	first := s.Ranges()
	s.Flatten()
	second := s.Ranges()
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Flatten() not idempotent: %v then %v", first, second)
	}
}

func TestClearZeroesCoveredBytes(t *testing.T) {
	base := make([]byte, 16)
	for i := range base {
		base[i] = 0xAA
	}
	s := New(base)
	s.Add(4, 4)
	s.Clear()
	for i, b := range base {
		if i >= 4 && i < 8 {
			if b != 0 {
				t.Errorf("byte %d = %#x, want 0", i, b)
			}
		} else if b != 0xAA {
			t.Errorf("byte %d = %#x, want untouched 0xAA", i, b)
		}
	}
}

func TestGapsComplementsCoverage(t *testing.T) {
	s := New(make([]byte, 20))
	s.Add(4, 4)  // [4,8)
	s.Add(12, 2) // [12,14)

	got := s.Gaps(20)
	want := []Range{{0, 4}, {8, 4}, {14, 6}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Gaps() = %v, want %v", got, want)
	}
}

func TestSpanReportsContiguity(t *testing.T) {
	s := New(make([]byte, 20))
	s.Add(4, 4)
	s.Add(8, 4)
	start, end, contiguous := s.Span()
	if start != 4 || end != 12 || !contiguous {
		t.Errorf("Span() = (%d,%d,%v), want (4,12,true)", start, end, contiguous)
	}

	s2 := New(make([]byte, 20))
	s2.Add(4, 4)
	s2.Add(12, 2)
	start2, end2, contiguous2 := s2.Span()
	if start2 != 4 || end2 != 14 || contiguous2 {
		t.Errorf("Span() = (%d,%d,%v), want (4,14,false)", start2, end2, contiguous2)
	}
}
