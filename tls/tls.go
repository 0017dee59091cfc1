// Package tls preprocesses the PE TLS (thread-local storage) directory:
// it clones the TLS header plus its initialized data into a standalone
// buffer that is appended to the image uncompressed (the loader writes to
// it, so it cannot live in the compressed stream), relocates any pointers
// that lived inside the moved data, and optionally installs a single
// callback-chain terminator when the image used TLS callbacks.
//
// Grounded on PeFile::processTls1/processTls2 in the original engine; no
// example repo parses TLS callback chains, so the traversal is a direct
// translation rather than an adaptation of example code.
package tls

import (
	"encoding/binary"

	"github.com/pepacker/pepacker/pkgerrors"
	"github.com/pepacker/pepacker/reloc"
)

// Width-specific trait values (PeFile::tls_traits<LE32|LE64>).
const (
	relocType32 = reloc.TypeHighLow
	relocType64 = reloc.TypeDir64

	handlerOffsetReloc32 = 4
	handlerOffsetReloc64 = -1 // 64-bit VAs need no extra relocation slot
)

// record is the four-pointer IMAGE_TLS_DIRECTORY shape, width-generic.
// The trailing 8 reserved bytes (SizeOfZeroFill, Characteristics) are
// preserved verbatim by copying raw bytes rather than being modeled here.
type record struct {
	DataStart uint64
	DataEnd   uint64
	Index     uint64
	Callbacks uint64
}

func sizeOfRecord(width int) int { return width*4 + 8 }

func getWidth(b []byte, width int) uint64 {
	if width == 4 {
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

func putWidth(b []byte, width int, v uint64) {
	if width == 4 {
		binary.LittleEndian.PutUint32(b, uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(b, v)
}

func readRecord(b []byte, width int) record {
	return record{
		DataStart: getWidth(b[0*width:], width),
		DataEnd:   getWidth(b[1*width:], width),
		Index:     getWidth(b[2*width:], width),
		Callbacks: getWidth(b[3*width:], width),
	}
}

func alignUp(v, a int) int { return (v + a - 1) &^ (a - 1) }

// relocHit is one relocation entry that pointed inside the TLS data area,
// captured during Convert for replay during Build.
type relocHit struct {
	Pos  int
	Type int
}

// TLS is the cloned, relocatable model of one TLS directory.
type TLS struct {
	width              int
	relocType          int
	handlerOffsetReloc int
	cbSize             int

	rec record

	tlsDataStart, tlsDataEnd int // relative to image base
	sizeOfRecord             int
	sotls                    int // uncompressed payload size, pre-alignment

	OTLS         []byte // the uncompressed payload the loader will see
	UseCallbacks bool

	hits []relocHit
}

// Convert clones the TLS directory at RVA idaddr (size idsize) out of
// ibuf, walking relocBuf (the raw BASERELOC stream) for fixups that land
// inside the TLS data range. It is a no-op (nil, nil) when idsize is 0.
// width must be 4 or 8. ibuf is mutated: the TLS index slot is zeroed so
// decompressed output starts with module index 0, matching the original.
func Convert(ibuf []byte, relocBuf []byte, idaddr, idsize uint32, imageBase uint64, imageSize uint32, width int) (*TLS, error) {
	take := alignUp(int(idsize), 4)
	if take == 0 {
		return nil, nil
	}
	if width != 4 && width != 8 {
		return nil, pkgerrors.NewInternalError("tls.Convert: width must be 4 or 8")
	}

	t := &TLS{width: width, cbSize: width}
	if width == 4 {
		t.relocType, t.handlerOffsetReloc = relocType32, handlerOffsetReloc32
	} else {
		t.relocType, t.handlerOffsetReloc = relocType64, handlerOffsetReloc64
	}
	t.sizeOfRecord = sizeOfRecord(width)

	skip := int(idaddr)
	if skip+t.sizeOfRecord > len(ibuf) {
		return nil, pkgerrors.NewCantUnpack("bad tls directory")
	}
	t.rec = readRecord(ibuf[skip:], width)

	if t.rec.Callbacks != 0 {
		if t.rec.Callbacks < imageBase || t.rec.Callbacks-imageBase+4 >= uint64(imageSize) {
			return nil, pkgerrors.NewCantPack("invalid TLS callback")
		}
		cbOff := int(t.rec.Callbacks - imageBase)
		if cbOff+width > len(ibuf) {
			return nil, pkgerrors.NewCantUnpack("bad tls callback chain")
		}
		first := getWidth(ibuf[cbOff:], width)
		if first != 0 {
			t.UseCallbacks = true
			off := 0
			for i := 0; i < 10000; i++ {
				pos := cbOff + off
				if pos+width > len(ibuf) {
					break
				}
				if getWidth(ibuf[pos:], width) == 0 {
					break
				}
				off += width
			}
		}
	}

	t.tlsDataStart = int(t.rec.DataStart - imageBase)
	t.tlsDataEnd = int(t.rec.DataEnd - imageBase)
	if t.tlsDataEnd < t.tlsDataStart {
		return nil, pkgerrors.NewCantPack("invalid TLS data range")
	}

	r, err := reloc.NewReader(relocBuf, false)
	if err != nil {
		return nil, err
	}
	for {
		pos, typ, ok, err := r.Next(false)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if pos >= t.tlsDataStart && pos < t.tlsDataEnd {
			t.hits = append(t.hits, relocHit{Pos: pos, Type: typ})
		}
	}

	t.sotls = t.sizeOfRecord + (t.tlsDataEnd - t.tlsDataStart)
	if t.UseCallbacks {
		t.sotls = alignUp(t.sotls, t.cbSize) + 2*t.cbSize
	}
	alignedSotls := alignUp(t.sotls, width)

	t.OTLS = make([]byte, alignedSotls)
	copy(t.OTLS, ibuf[skip:skip+t.sizeOfRecord])
	take3 := t.sotls - t.sizeOfRecord
	if t.tlsDataStart+take3 > len(ibuf) {
		return nil, pkgerrors.NewCantUnpack("bad tls data range")
	}
	copy(t.OTLS[t.sizeOfRecord:], ibuf[t.tlsDataStart:t.tlsDataStart+take3])

	tlsIndex := int(t.rec.Index - imageBase)
	if tlsIndex != 0 && tlsIndex < int(imageSize) && tlsIndex+4 <= len(ibuf) {
		binary.LittleEndian.PutUint32(ibuf[tlsIndex:], 0)
	}

	return t, nil
}

// Size reports the aligned byte size of OTLS, the buffer that must be
// appended uncompressed after the packed image.
func (t *TLS) Size() int { return len(t.OTLS) }

// Build relocates OTLS in place for its new load address newaddr (relative
// to the image base) and appends every relocation entry OTLS now needs to
// w, including the optional callback-chain terminator.
func (t *TLS) Build(w *reloc.Writer, newaddr uint32, imageBase uint64, handlerOffset int) error {
	if t.sotls == 0 {
		return nil
	}

	if handlerOffset > 0 && t.handlerOffsetReloc > 0 {
		if err := w.Add(handlerOffset+t.handlerOffsetReloc, t.relocType); err != nil {
			return err
		}
	}

	n := 3
	if t.UseCallbacks {
		n = 4
	}
	for ic := 0; ic < n*t.cbSize; ic += t.cbSize {
		if err := w.Add(int(newaddr)+ic, t.relocType); err != nil {
			return err
		}
	}

	for _, hit := range t.hits {
		off := t.sizeOfRecord + (hit.Pos - t.tlsDataStart)
		if off < 0 || off+t.width > len(t.OTLS) {
			return pkgerrors.NewInternalError("tls.Build: relocation hit out of range")
		}
		kc := getWidth(t.OTLS[off:], t.width)
		if kc >= t.rec.DataStart && kc < t.rec.DataEnd {
			kc += uint64(newaddr) + uint64(t.sizeOfRecord) - t.rec.DataStart
			putWidth(t.OTLS[off:], t.width, kc+imageBase)
			if err := w.Add(int(kc), hit.Type); err != nil {
				return err
			}
		} else {
			if err := w.Add(int(kc-imageBase), hit.Type); err != nil {
				return err
			}
		}
	}

	dataSize := t.rec.DataEnd - t.rec.DataStart
	newStart := uint64(newaddr) + uint64(t.sizeOfRecord) + imageBase
	putWidth(t.OTLS[0*t.width:], t.width, newStart)
	putWidth(t.OTLS[1*t.width:], t.width, newStart+dataSize)

	callbacks := uint64(0)
	if t.UseCallbacks {
		callbacks = uint64(newaddr) + uint64(t.sotls) + imageBase - uint64(2*t.cbSize)
	}
	putWidth(t.OTLS[3*t.width:], t.width, callbacks)

	if t.UseCallbacks {
		putWidth(t.OTLS[t.sotls-2*t.cbSize:], t.width, uint64(handlerOffset)+imageBase)
		putWidth(t.OTLS[t.sotls-1*t.cbSize:], t.width, 0)
		if err := w.Add(int(newaddr)+t.sotls-2*t.cbSize, t.relocType); err != nil {
			return err
		}
	}

	return nil
}
