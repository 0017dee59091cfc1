package export

import (
	"encoding/binary"
	"testing"
)

// buildExportBlob lays out a minimal, self-contained export directory at
// offset eoffs within a buffer of size bufLen, with one named function and
// one forwarder.
func buildExportBlob(t *testing.T) (buf []byte, eoffs, esize uint32) {
	t.Helper()
	eoffs = 0x2000
	const (
		dllName    = "sample.dll"
		exportName = "DoThing"
		forwardStr = "OTHER.Func"
	)

	// Layout within the blob: [dir(40)][func rvas(8)][name ptrs(4)][ordinals(2)][dllname][exportname][forwardstr]
	functionOff := eoffs + 40
	nameptrOff := functionOff + 8
	ordOff := nameptrOff + 4
	dllNameOff := ordOff + 2
	exportNameOff := dllNameOff + uint32(len(dllName)) + 1
	forwardOff := exportNameOff + uint32(len(exportName)) + 1
	esize = forwardOff + uint32(len(forwardStr)) + 1 - eoffs

	buf = make([]byte, eoffs+esize+0x100)
	put32 := func(off uint32, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }
	put16 := func(off uint32, v uint16) { binary.LittleEndian.PutUint16(buf[off:], v) }

	put32(eoffs+0, 0)           // Characteristics
	put32(eoffs+4, 0)           // TimeDateStamp
	put32(eoffs+8, 0)           // Version
	put32(eoffs+12, dllNameOff) // Name
	put32(eoffs+16, 1)          // Base
	put32(eoffs+20, 2)          // Functions
	put32(eoffs+24, 1)          // Names
	put32(eoffs+28, functionOff)
	put32(eoffs+32, nameptrOff)
	put32(eoffs+36, ordOff)

	// function 0 must be an RVA OUTSIDE [eoffs, eoffs+esize) to not be treated as a forwarder.
	put32(functionOff+0, 0x9999)
	put32(functionOff+4, forwardOff) // function 1: forwarder, RVA inside the blob

	put32(nameptrOff+0, exportNameOff)
	put16(ordOff+0, 0)

	copy(buf[dllNameOff:], dllName)
	copy(buf[exportNameOff:], exportName)
	copy(buf[forwardOff:], forwardStr)

	return buf, eoffs, esize
}

func TestConvertThenBuildPreservesContent(t *testing.T) {
	buf, eoffs, esize := buildExportBlob(t)

	e, err := Convert(buf, eoffs, esize)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}

	if e.Name != "sample.dll" {
		t.Errorf("Name = %q, want sample.dll", e.Name)
	}
	if len(e.Names) != 1 || e.Names[0] != "DoThing" {
		t.Errorf("Names = %v, want [DoThing]", e.Names)
	}
	if len(e.Forwarders) != 2 || e.Forwarders[0] != "" || e.Forwarders[1] != "OTHER.Func" {
		t.Errorf("Forwarders = %v, want [\"\" \"OTHER.Func\"]", e.Forwarders)
	}

	out := make([]byte, e.Size())
	if err := e.Build(out, 0); err != nil {
		t.Fatalf("Build: %v", err)
	}

	rebuilt, err := Convert(out, 0, uint32(len(out)))
	if err != nil {
		t.Fatalf("re-Convert built export: %v", err)
	}
	if rebuilt.Name != e.Name {
		t.Errorf("rebuilt Name = %q, want %q", rebuilt.Name, e.Name)
	}
	if len(rebuilt.Names) != 1 || rebuilt.Names[0] != "DoThing" {
		t.Errorf("rebuilt Names = %v", rebuilt.Names)
	}
	if rebuilt.Forwarders[1] != "OTHER.Func" {
		t.Errorf("rebuilt forwarder = %q, want OTHER.Func", rebuilt.Forwarders[1])
	}
}

func TestContiguousSourceRangeIsZeroable(t *testing.T) {
	buf, eoffs, esize := buildExportBlob(t)
	e, err := Convert(buf, eoffs, esize)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	start, end, ok := e.Contiguous()
	if !ok {
		t.Fatalf("Contiguous() = (%d,%d,false), want a single contiguous region", start, end)
	}
	e.Clear()
	for i := start; i < end; i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d not cleared after Clear()", i)
		}
	}
}
