package tls

import (
	"encoding/binary"
	"testing"

	"github.com/pepacker/pepacker/reloc"
)

const imageBase = 0x400000

// buildImage lays out a minimal 32-bit image: a TLS directory at 0x1000
// pointing at a 16-byte data area at 0x2000 (which itself contains one
// pointer that needs relocation), plus a matching BASERELOC stream.
func buildImage(t *testing.T) (ibuf, relocBuf []byte, idaddr, idsize uint32) {
	t.Helper()
	idaddr, idsize = 0x1000, 24

	ibuf = make([]byte, 0x3000)
	put32 := func(off uint32, v uint32) { binary.LittleEndian.PutUint32(ibuf[off:], v) }

	dataStart, dataEnd := uint32(0x2000), uint32(0x2010)
	put32(idaddr+0, imageBase+dataStart) // DataStart
	put32(idaddr+4, imageBase+dataEnd)   // DataEnd
	put32(idaddr+8, imageBase+0x2800)    // Index VA
	put32(idaddr+12, 0)                  // Callbacks (none)

	// One self-relative pointer inside the TLS data area, pointing at
	// another spot inside the same area, needing relocation on move.
	put32(dataStart, imageBase+dataStart+8)

	w := reloc.NewWriter(1)
	if err := w.Add(int(dataStart), reloc.TypeHighLow); err != nil {
		t.Fatalf("Add: %v", err)
	}
	relocBuf, err := w.Finish(false)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return ibuf, relocBuf, idaddr, idsize
}

func TestConvertClonesDataAndCapturesRelocHit(t *testing.T) {
	ibuf, relocBuf, idaddr, idsize := buildImage(t)

	tlsData, err := Convert(ibuf, relocBuf, idaddr, idsize, imageBase, uint32(len(ibuf)), 4)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if tlsData == nil {
		t.Fatal("Convert returned nil for a present TLS directory")
	}
	if len(tlsData.hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(tlsData.hits))
	}
	if tlsData.Size() == 0 {
		t.Fatal("Size() = 0")
	}
}

func TestConvertIsNoopWithoutTLS(t *testing.T) {
	tlsData, err := Convert(make([]byte, 0x100), nil, 0, 0, imageBase, 0x100, 4)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if tlsData != nil {
		t.Fatal("Convert should return nil when idsize is 0")
	}
}

func TestBuildRelocatesPointerInsideMovedData(t *testing.T) {
	ibuf, relocBuf, idaddr, idsize := buildImage(t)
	tlsData, err := Convert(ibuf, relocBuf, idaddr, idsize, imageBase, uint32(len(ibuf)), 4)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}

	w := reloc.NewWriter(8)
	newaddr := uint32(0x5000)
	if err := tlsData.Build(w, newaddr, imageBase, 0); err != nil {
		t.Fatalf("Build: %v", err)
	}

	got := binary.LittleEndian.Uint32(tlsData.OTLS[tlsData.sizeOfRecord:])
	want := imageBase + uint64(newaddr) + uint64(tlsData.sizeOfRecord) + 8
	if uint64(got) != want {
		t.Errorf("relocated pointer = %#x, want %#x", got, want)
	}

	newDataStart := binary.LittleEndian.Uint32(tlsData.OTLS[0:])
	if uint64(newDataStart) != imageBase+uint64(newaddr)+uint64(tlsData.sizeOfRecord) {
		t.Errorf("DataStart = %#x, want %#x", newDataStart, imageBase+uint64(newaddr)+uint64(tlsData.sizeOfRecord))
	}
}
