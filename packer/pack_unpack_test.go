package packer

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pepacker/pepacker/compressor"
	"github.com/pepacker/pepacker/config"
	"github.com/pepacker/pepacker/filter"
	"github.com/pepacker/pepacker/importlinker"
	"github.com/pepacker/pepacker/pe"
	"github.com/pepacker/pepacker/stublinker"
)

// buildSamplePE writes a minimal, single-section 32-bit executable to a
// temp file and returns its path, grounded on the same EncodeImage this
// package uses to emit packed output, so a round trip exercises real
// debug/pe parsing on both ends.
func buildSamplePE(t *testing.T) (path string, body []byte) {
	t.Helper()
	body = make([]byte, 0x1000)
	copy(body, bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 20))

	hdr := pe.Hdr{
		Width:       pe.Width32,
		Objects:     1,
		Entry:       0x1000,
		ImageBase:   0x400000,
		ImageSize:   0x3000,
		CodeBase:    0x1000,
		CodeSize:    0x1000,
		FileAlign:   0x200,
		ObjectAlign: 0x1000,
		Subsystem:   3, // IMAGE_SUBSYSTEM_WINDOWS_CUI
		Flags:       0x0102,
	}
	sections := []pe.Section{
		{Name: ".text", VAddr: 0x1000, VSize: 0x1000, Size: uint32(len(body)), Flags: 0x60000020},
	}
	image, err := EncodeImage(hdr, sections, [][]byte{body})
	if err != nil {
		t.Fatalf("EncodeImage: %v", err)
	}

	path = filepath.Join(t.TempDir(), "sample.exe")
	if err := os.WriteFile(path, image, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path, body
}

func newTestCore(t *testing.T, f *pe.File) *Core {
	t.Helper()
	opts := config.Default()
	return New(f, opts, compressor.Flate{}, stublinker.NewNone(), []filter.Filter{&filter.None{}})
}

func TestPackThenUnpackRoundTripsSectionBytes(t *testing.T) {
	path, body := buildSamplePE(t)

	f, err := pe.Open(path)
	if err != nil {
		t.Fatalf("pe.Open: %v", err)
	}
	defer f.Close()

	if err := CanPack(f); err != nil {
		t.Fatalf("CanPack: %v", err)
	}

	c := newTestCore(t, f)
	packed, err := c.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(packed.Image) == 0 {
		t.Fatal("Pack produced an empty image")
	}
	if packed.Header.Objects != 2 {
		t.Errorf("packed section count = %d, want 2", packed.Header.Objects)
	}
	if len(packed.Manifest.CompressedBody) >= len(body)+0x2000 {
		t.Errorf("compressed body (%d) did not shrink the highly repetitive input", len(packed.Manifest.CompressedBody))
	}

	unpacked, err := c.Unpack(&packed.Manifest)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if len(unpacked.Sections) != 1 || unpacked.Sections[0].Name != ".text" {
		t.Fatalf("unpacked sections = %+v, want the original single .text section", unpacked.Sections)
	}

	got, err := pe.Open(writeTemp(t, unpacked.Image))
	if err != nil {
		t.Fatalf("re-opening unpacked image: %v", err)
	}
	defer got.Close()
	data, err := got.Raw().Sections[0].Data()
	if err != nil {
		t.Fatalf("reading unpacked section data: %v", err)
	}
	if !bytes.Equal(data[:len(body)], body) {
		t.Error("unpacked .text section does not match the original body")
	}
}

// TestUnpackFileRecoversFromPackedBytesAlone exercises the persisted
// format end to end: the packed file written to disk by Pack carries
// everything UnpackFile needs in its own trailing extra-info blob, with
// no in-process Manifest involved on the recovery side.
func TestUnpackFileRecoversFromPackedBytesAlone(t *testing.T) {
	path, body := buildSamplePE(t)

	f, err := pe.Open(path)
	if err != nil {
		t.Fatalf("pe.Open: %v", err)
	}
	defer f.Close()

	c := newTestCore(t, f)
	packed, err := c.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	packedPath := writeTemp(t, packed.Image)
	packedFile, err := pe.Open(packedPath)
	if err != nil {
		t.Fatalf("re-opening packed file: %v", err)
	}
	defer packedFile.Close()

	verifyCore := newTestCore(t, packedFile)
	unpacked, err := verifyCore.UnpackFile()
	if err != nil {
		t.Fatalf("UnpackFile: %v", err)
	}
	if len(unpacked.Sections) != 1 || unpacked.Sections[0].Name != ".text" {
		t.Fatalf("unpacked sections = %+v, want the original single .text section", unpacked.Sections)
	}

	got, err := pe.Open(writeTemp(t, unpacked.Image))
	if err != nil {
		t.Fatalf("re-opening unpacked image: %v", err)
	}
	defer got.Close()
	data, err := got.Raw().Sections[0].Data()
	if err != nil {
		t.Fatalf("reading unpacked section data: %v", err)
	}
	if !bytes.Equal(data[:len(body)], body) {
		t.Error("file-recovered .text section does not match the original body")
	}
}

// TestPackThenUnpackRelinksKernel32Import exercises scenario 1 end to
// end: a single KERNEL32.DLL/LoadLibraryA import survives a full
// pack -> unpack round trip through the relocatable import-linker blob,
// not just the linker's own unit tests in importlinker/linker_test.go.
func TestPackThenUnpackRelinksKernel32Import(t *testing.T) {
	const (
		sectionVAddr = uint32(0x1000)
		bodyLen      = 0x3000
		idaddrLocal  = 0x1000
		thunkLocal   = idaddrLocal + 40
		hintLocal    = thunkLocal + 8
		dllNameLocal = hintLocal + 16
	)
	body := make([]byte, bodyLen)
	copy(body, bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 20))

	idaddr := sectionVAddr + idaddrLocal
	thunkRVA := sectionVAddr + thunkLocal
	hintRVA := sectionVAddr + hintLocal
	dllNameRVA := sectionVAddr + dllNameLocal

	binary.LittleEndian.PutUint32(body[idaddrLocal:], thunkRVA)      // OriginalFirstThunk
	binary.LittleEndian.PutUint32(body[idaddrLocal+12:], dllNameRVA) // Name
	binary.LittleEndian.PutUint32(body[idaddrLocal+16:], thunkRVA)   // FirstThunk
	binary.LittleEndian.PutUint32(body[thunkLocal:], hintRVA)
	copy(body[hintLocal+2:], "LoadLibraryA\x00")
	copy(body[dllNameLocal:], "KERNEL32.DLL\x00")

	hdr := pe.Hdr{
		Width:       pe.Width32,
		Objects:     1,
		Entry:       sectionVAddr,
		ImageBase:   0x400000,
		ImageSize:   sectionVAddr + uint32(bodyLen),
		CodeBase:    sectionVAddr,
		CodeSize:    uint32(bodyLen),
		FileAlign:   0x200,
		ObjectAlign: 0x1000,
		Subsystem:   3,
		Flags:       0x0102,
	}
	hdr.Ddirs[pe.DirImport] = pe.DataDir{VAddr: idaddr, Size: 40}
	sections := []pe.Section{
		{Name: ".text", VAddr: sectionVAddr, VSize: uint32(bodyLen), Size: uint32(len(body)), Flags: 0x60000020},
	}
	image, err := EncodeImage(hdr, sections, [][]byte{body})
	if err != nil {
		t.Fatalf("EncodeImage: %v", err)
	}

	f, err := pe.Open(writeTemp(t, image))
	if err != nil {
		t.Fatalf("pe.Open: %v", err)
	}
	defer f.Close()
	if err := CanPack(f); err != nil {
		t.Fatalf("CanPack: %v", err)
	}

	c := newTestCore(t, f)
	packed, err := c.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if packed.Manifest.ImportDLLCount != 1 {
		t.Fatalf("ImportDLLCount = %d, want 1", packed.Manifest.ImportDLLCount)
	}
	descRVA, ok := packed.Manifest.ImportDescriptors["KERNEL32.DLL"]
	if !ok {
		t.Fatalf("ImportDescriptors missing KERNEL32.DLL entry: %v", packed.Manifest.ImportDescriptors)
	}
	if descRVA < packed.Manifest.ImportRVA || descRVA >= packed.Manifest.ImportRVA+uint32(len(packed.Manifest.ImportBuilt)) {
		t.Fatalf("descriptor RVA 0x%x falls outside the rebuilt import blob [0x%x, 0x%x)", descRVA, packed.Manifest.ImportRVA, packed.Manifest.ImportRVA+uint32(len(packed.Manifest.ImportBuilt)))
	}

	unpacked, err := c.Unpack(&packed.Manifest)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}

	got, err := pe.Open(writeTemp(t, unpacked.Image))
	if err != nil {
		t.Fatalf("re-opening unpacked image: %v", err)
	}
	defer got.Close()

	ibuf, err := loadVirtualImage(got)
	if err != nil {
		t.Fatalf("loadVirtualImage: %v", err)
	}
	dlls, _, err := importlinker.Decode(ibuf, idaddr, 40, 4)
	if err != nil {
		t.Fatalf("importlinker.Decode on unpacked image: %v", err)
	}
	if len(dlls) != 1 {
		t.Fatalf("decoded %d DLLs from the relinked import table, want 1", len(dlls))
	}
	if !strings.EqualFold(dlls[0].Name, "KERNEL32.DLL") {
		t.Errorf("relinked DLL name = %q, want KERNEL32.DLL", dlls[0].Name)
	}
	if len(dlls[0].Thunks) != 1 || dlls[0].Thunks[0].Name != "LoadLibraryA" {
		t.Fatalf("relinked thunks = %+v, want a single LoadLibraryA import", dlls[0].Thunks)
	}
}

// TestPackWarnsOnDuplicateDLLDescriptor builds an import table with two
// separate descriptors naming the same DLL, matching the layout
// PeFile::processImports0's hasDll guard exists to detect, and checks
// that Pack both merges them into one relinked entry and records a
// warning rather than silently dropping the duplicate.
func TestPackWarnsOnDuplicateDLLDescriptor(t *testing.T) {
	const (
		sectionVAddr = uint32(0x1000)
		bodyLen      = 0x3000
		idaddrLocal  = 0x1000
		desc0Local   = idaddrLocal
		desc1Local   = desc0Local + 20
		nullLocal    = desc1Local + 20
		thunk0Local  = nullLocal + 20
		hint0Local   = thunk0Local + 8
		thunk1Local  = hint0Local + 16
		hint1Local   = thunk1Local + 8
		dllNameLocal = hint1Local + 16
	)
	body := make([]byte, bodyLen)
	copy(body, bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 20))

	idaddr := sectionVAddr + idaddrLocal
	thunk0RVA := sectionVAddr + thunk0Local
	hint0RVA := sectionVAddr + hint0Local
	thunk1RVA := sectionVAddr + thunk1Local
	hint1RVA := sectionVAddr + hint1Local
	dllNameRVA := sectionVAddr + dllNameLocal

	binary.LittleEndian.PutUint32(body[desc0Local:], thunk0RVA)
	binary.LittleEndian.PutUint32(body[desc0Local+12:], dllNameRVA)
	binary.LittleEndian.PutUint32(body[desc0Local+16:], thunk0RVA)

	binary.LittleEndian.PutUint32(body[desc1Local:], thunk1RVA)
	binary.LittleEndian.PutUint32(body[desc1Local+12:], dllNameRVA)
	binary.LittleEndian.PutUint32(body[desc1Local+16:], thunk1RVA)

	binary.LittleEndian.PutUint32(body[thunk0Local:], hint0RVA)
	copy(body[hint0Local+2:], "LoadLibraryA\x00")
	binary.LittleEndian.PutUint32(body[thunk1Local:], hint1RVA)
	copy(body[hint1Local+2:], "GetProcAddress\x00")
	copy(body[dllNameLocal:], "KERNEL32.DLL\x00")

	hdr := pe.Hdr{
		Width:       pe.Width32,
		Objects:     1,
		Entry:       sectionVAddr,
		ImageBase:   0x400000,
		ImageSize:   sectionVAddr + uint32(bodyLen),
		CodeBase:    sectionVAddr,
		CodeSize:    uint32(bodyLen),
		FileAlign:   0x200,
		ObjectAlign: 0x1000,
		Subsystem:   3,
		Flags:       0x0102,
	}
	hdr.Ddirs[pe.DirImport] = pe.DataDir{VAddr: idaddr, Size: nullLocal - idaddrLocal + 20}
	sections := []pe.Section{
		{Name: ".text", VAddr: sectionVAddr, VSize: uint32(bodyLen), Size: uint32(len(body)), Flags: 0x60000020},
	}
	image, err := EncodeImage(hdr, sections, [][]byte{body})
	if err != nil {
		t.Fatalf("EncodeImage: %v", err)
	}

	f, err := pe.Open(writeTemp(t, image))
	if err != nil {
		t.Fatalf("pe.Open: %v", err)
	}
	defer f.Close()
	if err := CanPack(f); err != nil {
		t.Fatalf("CanPack: %v", err)
	}

	c := newTestCore(t, f)
	packed, err := c.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if packed.Manifest.ImportDLLCount != 2 {
		t.Fatalf("ImportDLLCount = %d, want 2 (one per descriptor)", packed.Manifest.ImportDLLCount)
	}
	if len(packed.Manifest.ImportDescriptors) != 1 {
		t.Fatalf("ImportDescriptors = %v, want exactly one merged KERNEL32.DLL entry", packed.Manifest.ImportDescriptors)
	}
	found := false
	for _, w := range packed.Manifest.Warnings {
		if strings.Contains(w, "KERNEL32.DLL") && strings.Contains(w, "more than one") {
			found = true
		}
	}
	if !found {
		t.Fatalf("Warnings = %v, want a duplicate-descriptor warning naming KERNEL32.DLL", packed.Manifest.Warnings)
	}
}

// TestStripRelocsRefusedForDLLWithoutForce exercises scenario 4: a DLL
// carrying relocations refuses -strip-relocs=on with the documented
// reason, and only proceeds once --force overrides it.
func TestStripRelocsRefusedForDLLWithoutForce(t *testing.T) {
	f := &pe.File{
		Hdr: pe.Hdr{
			Subsystem: 3,
			FileAlign: 0x200,
			Flags:     fileCharacteristicsDLL,
			Ddirs:     [16]pe.DataDir{pe.DirBaseReloc: {VAddr: 0x4000, Size: 8}},
		},
		Sections: []pe.Section{{Name: ".text", VAddr: 0x1000, VSize: 0x1000}},
	}

	opts := config.Default()
	opts.StripRelocs = config.On
	if _, err := handleStripRelocs(f, opts); err == nil {
		t.Fatal("handleStripRelocs should refuse stripping a DLL without --force")
	} else if !strings.Contains(err.Error(), "--strip-relocs is not allowed with DLL") {
		t.Errorf("error = %v, want the documented DLL refusal message", err)
	}

	opts.Force = true
	strip, err := handleStripRelocs(f, opts)
	if err != nil {
		t.Fatalf("handleStripRelocs with --force: %v", err)
	}
	if !strip {
		t.Error("handleStripRelocs with --force should allow stripping a DLL")
	}
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roundtrip.exe")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestCanPackRejectsAlreadyPackedInput(t *testing.T) {
	f := &pe.File{
		Hdr: pe.Hdr{Subsystem: 3, FileAlign: 0x200},
		Sections: []pe.Section{
			{Name: "UPX0", VAddr: 0x1000, VSize: 0x1000},
		},
	}
	if err := CanPack(f); err == nil {
		t.Fatal("CanPack should reject a first section named UPX0")
	}
}

func TestCanPackRejectsUnsupportedSubsystem(t *testing.T) {
	f := &pe.File{
		Hdr: pe.Hdr{Subsystem: 1, FileAlign: 0x200}, // IMAGE_SUBSYSTEM_NATIVE
		Sections: []pe.Section{
			{Name: ".text", VAddr: 0x1000, VSize: 0x1000},
		},
	}
	if err := CanPack(f); err == nil {
		t.Fatal("CanPack should reject a native-subsystem image")
	}
}
