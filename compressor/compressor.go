// Package compressor defines the codec contract the packer drives to
// shrink the preprocessed image, plus a default implementation. The
// actual compression algorithm is explicitly out of scope for the core
// engine; no corpus example vendors a third-party compression library
// (UPX itself historically bundles NRV/LZMA/zlib forks), so the default
// here wraps the standard library's DEFLATE, justified in DESIGN.md as
// the only compression codec available anywhere in the retrieved
// examples.
package compressor

import (
	"bytes"
	"compress/flate"
	"io"

	"github.com/pepacker/pepacker/filter"
	"github.com/pepacker/pepacker/pe"
	"github.com/pepacker/pepacker/pkgerrors"
)

// Result is what Compress reports back to the caller: the compressed
// length, the filter actually chosen, and enough information to
// populate the pack header.
type Result struct {
	CompressedLen   int
	OverlapOverhead int
	Level           int
	FilterID        int
	FilterCTO       byte
}

// Compressor is implemented by any codec the packer can drive. src is
// left unchanged and compressed whole into a new dst; candidates is the
// list of filters to try (the engine itself decides which to attempt,
// per config.Options.FilterCandidates).
type Compressor interface {
	Compress(src []byte, candidates []filter.Filter, level int) (dst []byte, result Result, err error)
	Decompress(src []byte, dstLen int) ([]byte, error)
}

// Flate is the default Compressor, backed by compress/flate.
type Flate struct{}

// Compress tries every candidate filter (a single no-op identity pass
// when candidates is empty) and keeps whichever yields the smallest
// compressed output.
func (Flate) Compress(src []byte, candidates []filter.Filter, level int) ([]byte, Result, error) {
	if len(candidates) == 0 {
		candidates = []filter.Filter{&filter.None{}}
	}

	if pe.LooksIncompressible(src) {
		return nil, Result{}, pkgerrors.NewNotCompressible()
	}

	var best []byte
	var bestResult Result
	found := false

	for _, f := range candidates {
		work := make([]byte, len(src))
		copy(work, src)
		if err := f.Apply(work, len(work)); err != nil {
			continue
		}

		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, level)
		if err != nil {
			return nil, Result{}, pkgerrors.WrapCantPack("compressor init failed", err)
		}
		if _, err := w.Write(work); err != nil {
			return nil, Result{}, pkgerrors.WrapCantPack("compression failed", err)
		}
		if err := w.Close(); err != nil {
			return nil, Result{}, pkgerrors.WrapCantPack("compression failed", err)
		}

		if !found || buf.Len() < len(best) {
			best = buf.Bytes()
			bestResult = Result{CompressedLen: buf.Len(), Level: level, FilterID: f.ID(), FilterCTO: f.CTO()}
			found = true
		}
	}

	if !found {
		return nil, Result{}, pkgerrors.NewCantPack("no candidate filter produced output")
	}
	if len(best) >= len(src) {
		return nil, Result{}, pkgerrors.NewNotCompressible()
	}
	return best, bestResult, nil
}

// Decompress inflates src, expecting exactly dstLen output bytes.
func (Flate) Decompress(src []byte, dstLen int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	out := make([]byte, dstLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, pkgerrors.WrapCantUnpack("decompression failed", err)
	}
	return out, nil
}
