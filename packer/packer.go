package packer

import (
	"github.com/pepacker/pepacker/compressor"
	"github.com/pepacker/pepacker/config"
	"github.com/pepacker/pepacker/filter"
	"github.com/pepacker/pepacker/pe"
	"github.com/pepacker/pepacker/pkgerrors"
	"github.com/pepacker/pepacker/stublinker"
)

const (
	hdrSectionName  = "PACKHDR"
	dataSectionName = "PACKDATA"
)

// Core drives one pack or unpack run over an opened PE file, holding the
// collaborators (compressor, filters, stub linker) and configuration the
// pipeline consults at each phase. Grounded on PeFile's role as the
// per-file orchestrator in the original engine; the teacher's
// internal/pe/patcher.go plays the same role for its own, narrower patch
// operations.
type Core struct {
	f       *pe.File
	opts    config.Options
	comp    compressor.Compressor
	stub    stublinker.StubLinker
	filters []filter.Filter
}

// New builds a Core ready to Pack or Unpack f under opts, using comp for
// (de)compression, stub for loader-stub assembly, and filters as the
// ordered list of byte filters Pack will try.
func New(f *pe.File, opts config.Options, comp compressor.Compressor, stub stublinker.StubLinker, filters []filter.Filter) *Core {
	return &Core{f: f, opts: opts, comp: comp, stub: stub, filters: filters}
}

// Manifest carries everything Unpack needs to reconstruct a working image
// from a packed payload: it plays the role the original stub's embedded
// pack header plays at runtime. Every directory Pack preprocesses
// (imports, TLS, resources, exports, relocations) is rebuilt once, at
// Pack time, into a flat byte blob keyed by its original data directory's
// RVA — that RVA never changes between pack and unpack, so nothing here
// depends on anything Unpack has not already been handed. This keeps the
// Manifest a plain, flat value: extrainfo.go serializes it byte for byte
// into the packed file's trailer, rather than needing a custom encoding
// for pointer-graph types like resource.Tree or tls.TLS.
type Manifest struct {
	OrigHdr      pe.Hdr
	OrigSections []pe.Section

	UncompressedSize int
	CompressResult   compressor.Result
	CompressedBody   []byte

	// StrippedRelocs records whether the base-relocation directory was
	// dropped outright (true) or rebuilt in place (false, when TLS
	// preprocessing still needed to add entries to an otherwise
	// untouched table). RelocBuilt/RelocRVA hold the rebuilt table in
	// either case where a rebuild happened; when neither stripping nor
	// TLS required one, RelocBuilt is nil and the original, still-
	// compressed table is left untouched at RelocRVA.
	StrippedRelocs bool
	RelocBuilt     []byte
	RelocRVA       uint32

	ImportBuilt    []byte
	ImportRVA      uint32
	ImportDLLCount int
	// ImportDescriptors is a display-only map from each relinked DLL's
	// name to its rebuilt descriptor's RVA in ImportBuilt, surfaced by
	// the CLI report; Unpack recovers the import table purely from
	// ImportBuilt/ImportRVA and never consults this field.
	ImportDescriptors map[string]uint32

	ExportBuilt []byte
	ExportRVA   uint32

	TLSBuilt []byte
	TLSRVA   uint32

	ResourceBuilt     []byte
	ResourceRVA       uint32
	ResourceUnchanged bool
	KeptResources     []KeptResource

	Overlay []byte

	// Warnings collects non-fatal policy violations (e.g. an oversized
	// load-config directory) surfaced to the caller without aborting.
	Warnings []string
}

// PackResult is the output of Core.Pack: the new header/section table,
// the encoded image bytes, and the Manifest needed to Unpack it again.
type PackResult struct {
	Header      pe.Hdr
	Sections    []pe.Section
	Image       []byte
	Manifest    Manifest
}

// UnpackResult is the output of Core.Unpack: a reconstructed, loadable
// image equivalent to (but not necessarily byte-identical with) the
// original input, matching CantPackExact's documented guarantee.
type UnpackResult struct {
	Header   pe.Hdr
	Sections []pe.Section
	Image    []byte
}

// loadVirtualImage builds a contiguous buffer addressed by RVA, mirroring
// the loader's own mapping of section raw data at its virtual address.
// Every directory-walking helper in this engine (importlinker, tls,
// resource, export) indexes its input this way.
func loadVirtualImage(f *pe.File) ([]byte, error) {
	ibuf := make([]byte, f.Hdr.ImageSize)
	raw := f.Raw()
	for i, s := range f.Sections {
		data, err := raw.Sections[i].Data()
		if err != nil {
			return nil, pkgerrors.WrapCantUnpack("reading section data", err)
		}
		n := len(data)
		if n > int(s.VSize) {
			n = int(s.VSize)
		}
		dst, err := pe.NewSpan(ibuf, int(s.VAddr), n)
		if err != nil {
			return nil, pkgerrors.WrapCantUnpack("section virtual range exceeds image size", err)
		}
		copy(dst.Bytes(), data[:n])
	}
	return ibuf, nil
}
