package reloc

import (
	"testing"
)

func decodeAll(t *testing.T, buf []byte, force bool) []Entry {
	t.Helper()
	r, err := NewReader(buf, force)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	var got []Entry
	for {
		pos, typ, ok, err := r.Next(force)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, Entry{Pos: pos, Type: typ})
	}
	return got
}

func TestRoundTripDir64(t *testing.T) {
	// Scenario 2: three DIR64 entries at {0x1008, 0x1010, 0x2000}.
	w := NewWriter(4)
	for _, pos := range []int{0x1008, 0x1010, 0x2000} {
		if err := w.Add(pos, TypeDir64); err != nil {
			t.Fatalf("Add(%#x): %v", pos, err)
		}
	}
	buf, err := w.Finish(false)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got := decodeAll(t, buf, false)
	want := []Entry{
		{Pos: 0x1008, Type: TypeDir64},
		{Pos: 0x1010, Type: TypeDir64},
		{Pos: 0x2000, Type: TypeDir64},
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %d entries, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	// Two blocks: page 0x1000 (2 entries) and page 0x2000 (1 entry, padded to 4).
	if len(buf) != 8+2*2+8+2*1+2 {
		t.Errorf("buf len = %d, want %d", len(buf), 8+2*2+8+2*1+2)
	}
}

func TestDuplicateRelocsRefusedWithoutForce(t *testing.T) {
	w := NewWriter(2)
	_ = w.Add(0x1000, TypeHighLow)
	_ = w.Add(0x1000, TypeHighLow)
	if _, err := w.Finish(false); err == nil {
		t.Fatal("Finish() with duplicates and force=false should fail")
	}
}

func TestDuplicateRelocsCoalescedWithForce(t *testing.T) {
	w := NewWriter(2)
	_ = w.Add(0x1000, TypeHighLow)
	_ = w.Add(0x1000, TypeHighLow)
	buf, err := w.Finish(true)
	if err != nil {
		t.Fatalf("Finish(force): %v", err)
	}
	got := decodeAll(t, buf, true)
	if len(got) != 1 {
		t.Fatalf("decoded %d entries, want 1: %v", len(got), got)
	}
}

func TestEncodeDecodeSortsAndDedups(t *testing.T) {
	positions := []int{0x3004, 0x1000, 0x1008, 0x2ffc, 0x1004}
	w := NewWriter(len(positions))
	for _, p := range positions {
		_ = w.Add(p, TypeHighLow)
	}
	buf, err := w.Finish(false)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	got := decodeAll(t, buf, false)
	wantPos := []int{0x1000, 0x1004, 0x1008, 0x2ffc, 0x3004}
	if len(got) != len(wantPos) {
		t.Fatalf("got %d entries, want %d", len(got), len(wantPos))
	}
	for i, p := range wantPos {
		if got[i].Pos != p {
			t.Errorf("entry %d pos = %#x, want %#x", i, got[i].Pos, p)
		}
	}
}

func TestBlocksAlignedToFour(t *testing.T) {
	w := NewWriter(1)
	_ = w.Add(0x1000, TypeHighLow) // one entry -> size_of_block = 10, must pad to 12
	buf, err := w.Finish(false)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(buf)%4 != 0 {
		t.Errorf("block length %d is not 4-aligned", len(buf))
	}
}

func TestLoneEmptyBlockToleratedAsEOF(t *testing.T) {
	buf := make([]byte, 8) // va=0, size_of_block=0
	got := decodeAll(t, buf, false)
	if len(got) != 0 {
		t.Errorf("decoded %d entries from lone empty block, want 0", len(got))
	}
}

func TestOddBlockSizeRejectedWithoutForce(t *testing.T) {
	buf := []byte{0x00, 0x10, 0x00, 0x00, 9, 0, 0, 0, 0, 0} // size_of_block = 9 (odd)
	got := decodeAll(t, buf, false)
	if len(got) != 0 {
		t.Errorf("decoded %d entries from odd-size block without force, want 0", len(got))
	}
}
