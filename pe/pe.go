// Package pe parses and validates the PE headers, section table, and
// data directories that the rest of the engine preprocesses, and
// provides the width-parametric vocabulary (Hdr, Section, Span, Width)
// shared by every other package.
//
// Grounded on the teacher's internal/pe/reader.go (Open/Close/File
// surface) and internal/pe/section.go (section-table field layout),
// generalized from debug/pe.File's read-only view into the packer's
// mutable Hdr/Section/ibuf model.
package pe

import (
	"debug/pe"
	"fmt"
	"os"

	"github.com/pepacker/pepacker/pkgerrors"
)

// Data directory indices, matching PEDIR_* in the original engine.
const (
	DirExport       = 0
	DirImport       = 1
	DirResource     = 2
	DirException    = 3
	DirSecurity     = 4
	DirBaseReloc    = 5
	DirDebug        = 6
	DirCopyright    = 7
	DirGlobalptr    = 8
	DirTLS          = 9
	DirLoadConfig   = 10
	DirBoundImport  = 11
	DirIAT          = 12
	DirDelayImport  = 13
	DirComDescriptor = 14
	DirReserved     = 15
	numDirs         = 16
)

// Width describes the address and thunk size of the target architecture:
// 4 for 32-bit images, 8 for 64-bit.
type Width struct {
	Bits      int
	ThunkSize int
	RelocType int // HIGHLOW (3) for 32-bit, DIR64 (10) for 64-bit
}

var (
	Width32 = Width{Bits: 32, ThunkSize: 4, RelocType: 3}
	Width64 = Width{Bits: 64, ThunkSize: 8, RelocType: 10}
)

// DataDir is one (VirtualAddress, Size) pair from the Optional Header's
// data directory array.
type DataDir struct {
	VAddr uint32
	Size  uint32
}

// Hdr is the width-parametric subset of the File + Optional Header this
// engine reads and rewrites.
type Hdr struct {
	Width       Width
	Objects     int // NumberOfSections
	Entry       uint32
	ImageBase   uint64
	ImageSize   uint32
	CodeBase    uint32
	CodeSize    uint32
	DataSize    uint32
	BssSize     uint32
	FileAlign   uint32
	ObjectAlign uint32
	Subsystem   uint16
	DllFlags    uint16
	Flags       uint16
	Chksum      uint32
	Ddirs       [numDirs]DataDir
}

// Section mirrors pe_section_t: the fields the packer reads, rebases,
// and rewrites for every section.
type Section struct {
	Name        string
	VSize       uint32
	VAddr       uint32
	Size        uint32 // SizeOfRawData
	RawDataPtr  uint32 // PointerToRawData
	Flags       uint32 // Characteristics
}

// File is an opened PE image: the parsed header/section metadata plus a
// handle for further reads, grounded on the teacher's Reader.
type File struct {
	file     *pe.File
	filepath string
	filesize int64

	Hdr      Hdr
	Sections []Section
}

// Open parses path's DOS/NT headers and section table via debug/pe, then
// translates them into Hdr/Section.
func Open(path string) (*File, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, pkgerrors.WrapCantUnpack("not a valid PE file", err)
	}
	stat, err := os.Stat(path)
	if err != nil {
		f.Close()
		return nil, pkgerrors.WrapCantUnpack("stat failed", err)
	}

	ret := &File{file: f, filepath: path, filesize: stat.Size()}
	if err := ret.load(); err != nil {
		f.Close()
		return nil, err
	}
	return ret, nil
}

func (f *File) load() error {
	h := Hdr{Objects: len(f.file.Sections)}

	switch oh := f.file.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		h.Width = Width32
		h.Entry = oh.AddressOfEntryPoint
		h.ImageBase = uint64(oh.ImageBase)
		h.ImageSize = oh.SizeOfImage
		h.CodeBase = oh.BaseOfCode
		h.CodeSize = oh.SizeOfCode
		h.DataSize = oh.SizeOfInitializedData
		h.BssSize = oh.SizeOfUninitializedData
		h.FileAlign = oh.FileAlignment
		h.ObjectAlign = oh.SectionAlignment
		h.Subsystem = oh.Subsystem
		h.DllFlags = oh.DllCharacteristics
		h.Chksum = oh.CheckSum
		for i := 0; i < numDirs && i < len(oh.DataDirectory); i++ {
			h.Ddirs[i] = DataDir{VAddr: oh.DataDirectory[i].VirtualAddress, Size: oh.DataDirectory[i].Size}
		}
	case *pe.OptionalHeader64:
		h.Width = Width64
		h.Entry = oh.AddressOfEntryPoint
		h.ImageBase = oh.ImageBase
		h.ImageSize = oh.SizeOfImage
		h.CodeBase = oh.BaseOfCode
		h.CodeSize = oh.SizeOfCode
		h.DataSize = oh.SizeOfInitializedData
		h.BssSize = oh.SizeOfUninitializedData
		h.FileAlign = oh.FileAlignment
		h.ObjectAlign = oh.SectionAlignment
		h.Subsystem = oh.Subsystem
		h.DllFlags = oh.DllCharacteristics
		h.Chksum = oh.CheckSum
		for i := 0; i < numDirs && i < len(oh.DataDirectory); i++ {
			h.Ddirs[i] = DataDir{VAddr: oh.DataDirectory[i].VirtualAddress, Size: oh.DataDirectory[i].Size}
		}
	default:
		return pkgerrors.NewCantUnpack("unrecognized optional header")
	}
	h.Flags = f.file.FileHeader.Characteristics

	for i := 0; i < numDirs; i++ {
		dd := h.Ddirs[i]
		if dd.VAddr != 0 && (uint64(dd.VAddr)+uint64(dd.Size) > uint64(h.ImageSize)) {
			return pkgerrors.NewCantUnpack(fmt.Sprintf("data directory %d out of range", i))
		}
	}

	f.Hdr = h
	f.Sections = make([]Section, len(f.file.Sections))
	for i, s := range f.file.Sections {
		f.Sections[i] = Section{
			Name:       s.Name,
			VSize:      s.VirtualSize,
			VAddr:      s.VirtualAddress,
			Size:       s.Size,
			RawDataPtr: s.Offset,
			Flags:      s.Characteristics,
		}
	}
	return nil
}

// Close releases the underlying debug/pe.File.
func (f *File) Close() error { return f.file.Close() }

// Raw returns the underlying debug/pe.File for callers needing direct
// section data access (pe.Section.Data).
func (f *File) Raw() *pe.File { return f.file }

// FilePath returns the path Open was called with.
func (f *File) FilePath() string { return f.filepath }

// FileSize returns the on-disk file size in bytes.
func (f *File) FileSize() int64 { return f.filesize }

// RVAMinMax reports the lowest and highest RVA spanned by the
// section table, matching PeFile::rvamin/rvalast.
func (f *File) RVAMinMax() (min, max uint32) {
	if len(f.Sections) == 0 {
		return 0, 0
	}
	min = f.Sections[0].VAddr
	for _, s := range f.Sections {
		if s.VAddr < min {
			min = s.VAddr
		}
		end := s.VAddr + s.VSize
		if end > max {
			max = end
		}
	}
	return min, max
}

// RawFileBytes reads the whole file from disk, needed for directories
// addressed by file offset rather than RVA (the Security directory).
func (f *File) RawFileBytes() ([]byte, error) {
	b, err := os.ReadFile(f.filepath)
	if err != nil {
		return nil, pkgerrors.WrapCantUnpack("reading file", err)
	}
	return b, nil
}

// Overlay returns any trailing bytes appended after the last section's
// raw data on disk (a digital signature, a self-extracting payload, or
// similar), read directly from the file path Open was called with since
// debug/pe's section view stops at the last section's raw end. Returns
// nil when there is none.
func (f *File) Overlay() ([]byte, error) {
	var end int64
	for _, s := range f.Sections {
		e := int64(s.RawDataPtr) + int64(s.Size)
		if e > end {
			end = e
		}
	}
	if end <= 0 || end >= f.filesize {
		return nil, nil
	}
	fh, err := os.Open(f.filepath)
	if err != nil {
		return nil, pkgerrors.WrapCantUnpack("reading overlay", err)
	}
	defer fh.Close()
	buf := make([]byte, f.filesize-end)
	if _, err := fh.ReadAt(buf, end); err != nil {
		return nil, pkgerrors.WrapCantUnpack("reading overlay", err)
	}
	return buf, nil
}

// CheckMonotone validates pe_section_t's ordering invariant: the first
// section must carry the smallest RVA and the last section's end must
// be the highest, with every other section's range falling inside that
// span and no RVA wrapping past the end of the address space.
func (f *File) CheckMonotone() error {
	if len(f.Sections) == 0 {
		return pkgerrors.NewCantPack("no sections")
	}
	rvamin := f.Sections[0].VAddr
	last := f.Sections[len(f.Sections)-1]
	rvalast := last.VAddr + last.VSize
	for _, s := range f.Sections {
		end := s.VAddr + s.VSize
		if end < s.VAddr {
			return pkgerrors.NewCantPack("section RVA range wraps")
		}
		if s.VAddr < rvamin || end > rvalast {
			return pkgerrors.NewCantPack("section table is not well-ordered")
		}
	}
	return nil
}
