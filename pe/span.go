package pe

import "errors"

// ErrSpanOutOfRange is returned by every Span constructor/accessor when the
// requested range falls outside its backing buffer. It carries no pack/
// unpack flavor of its own since Span is used on both sides of the
// pipeline (reading a possibly-malformed input image, and reconstructing
// one from a packed payload); callers wrap it into CantPack or CantUnpack
// depending on which direction they're running.
var ErrSpanOutOfRange = errors.New("span out of range")

// Span is a bounds-checked window into a byte buffer, replacing the
// original engine's raw-pointer "subref" idiom (Design Note: "Spans
// over raw pointers"). A Span never grows past the slice it was carved
// from; every read helper returns an error instead of panicking on an
// out-of-range access.
type Span struct {
	base []byte
	off  int
	len  int
}

// NewSpan returns a Span over base[off : off+length], validating bounds
// immediately so later reads can skip the check.
func NewSpan(base []byte, off, length int) (Span, error) {
	if off < 0 || length < 0 || off+length > len(base) {
		return Span{}, ErrSpanOutOfRange
	}
	return Span{base: base, off: off, len: length}, nil
}

// Len reports the Span's length in bytes.
func (s Span) Len() int { return s.len }

// Bytes returns the Span's backing bytes, still aliasing base. Writing
// through the result mutates base in place; callers must not retain the
// result past base's lifetime.
func (s Span) Bytes() []byte { return s.base[s.off : s.off+s.len] }

// Sub carves a bounds-checked sub-span at a relative offset.
func (s Span) Sub(off, length int) (Span, error) {
	if off < 0 || length < 0 || off+length > s.len {
		return Span{}, ErrSpanOutOfRange
	}
	return Span{base: s.base, off: s.off + off, len: length}, nil
}

// At returns the single byte at a relative offset.
func (s Span) At(off int) (byte, error) {
	if off < 0 || off >= s.len {
		return 0, ErrSpanOutOfRange
	}
	return s.base[s.off+off], nil
}
