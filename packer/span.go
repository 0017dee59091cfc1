package packer

import (
	"github.com/pepacker/pepacker/pe"
	"github.com/pepacker/pepacker/pkgerrors"
)

// readRVA returns a bounds-checked view of buf[off:off+size], replacing
// the raw ibuf[off:off+size] indexing a malformed directory could turn
// into a panic. packSide selects which error kind a violation is wrapped
// into: true for a value read out of an input image being packed, false
// for one being reconstructed while unpacking.
func readRVA(buf []byte, off, size uint32, packSide bool) ([]byte, error) {
	s, err := pe.NewSpan(buf, int(off), int(size))
	if err != nil {
		return nil, wrapSpanErr(err, packSide)
	}
	return s.Bytes(), nil
}

// writeAtRVA copies data into buf[off:off+len(data)] after checking the
// range fits, the write-side counterpart of readRVA.
func writeAtRVA(buf []byte, off uint32, data []byte, packSide bool) error {
	s, err := pe.NewSpan(buf, int(off), len(data))
	if err != nil {
		return wrapSpanErr(err, packSide)
	}
	copy(s.Bytes(), data)
	return nil
}

func wrapSpanErr(err error, packSide bool) error {
	if packSide {
		return pkgerrors.WrapCantPack("buffer access out of range", err)
	}
	return pkgerrors.WrapCantUnpack("buffer access out of range", err)
}
