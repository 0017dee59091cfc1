package packer

import (
	"bytes"
	"encoding/binary"

	"github.com/pepacker/pepacker/pe"
	"github.com/pepacker/pepacker/pkgerrors"
)

// extraInfoTrailerSize is the width of the little-endian length field
// appended after the extra-info blob itself, letting a reader locate the
// blob's start by walking backward from the end of the file.
const extraInfoTrailerSize = 4

// appendExtraInfo appends blob to image followed by a 4-byte trailer
// giving blob's length, matching §6's "extra info blob appended to
// compressed payload ... extra_offset_u32" layout. debug/pe tolerates
// trailing bytes after the last section's raw data (the same property
// the overlay feature already relies on), so this rides on the packed
// file without disturbing anything a PE loader reads.
func appendExtraInfo(image, blob []byte) []byte {
	image = append(image, blob...)
	var trailer [extraInfoTrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[:], uint32(len(blob)))
	return append(image, trailer[:]...)
}

// splitExtraInfo recovers the extra-info blob from the tail of a packed
// file's raw bytes, reading the trailing length field and slicing
// backward from it.
func splitExtraInfo(raw []byte) (blob []byte, err error) {
	if len(raw) < extraInfoTrailerSize {
		return nil, pkgerrors.NewCantUnpack("packed file too small for an extra-info trailer")
	}
	n := binary.LittleEndian.Uint32(raw[len(raw)-extraInfoTrailerSize:])
	blobEnd := len(raw) - extraInfoTrailerSize
	blobStart := blobEnd - int(n)
	if blobStart < 0 || blobStart > blobEnd {
		return nil, pkgerrors.NewCantUnpack("corrupt extra-info trailer length")
	}
	return raw[blobStart:blobEnd], nil
}

// --- encode ---

type infoWriter struct {
	buf bytes.Buffer
}

func (w *infoWriter) u16(v uint16) { _ = binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *infoWriter) u32(v uint32) { _ = binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *infoWriter) u64(v uint64) { _ = binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *infoWriter) boolean(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}
func (w *infoWriter) bytesField(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}
func (w *infoWriter) str(s string) { w.bytesField([]byte(s)) }

func (w *infoWriter) hdr(h pe.Hdr) {
	w.u32(uint32(h.Width.Bits))
	w.u32(uint32(h.Width.ThunkSize))
	w.u32(uint32(h.Width.RelocType))
	w.u32(uint32(h.Objects))
	w.u32(h.Entry)
	w.u64(h.ImageBase)
	w.u32(h.ImageSize)
	w.u32(h.CodeBase)
	w.u32(h.CodeSize)
	w.u32(h.DataSize)
	w.u32(h.BssSize)
	w.u32(h.FileAlign)
	w.u32(h.ObjectAlign)
	w.u16(h.Subsystem)
	w.u16(h.DllFlags)
	w.u16(h.Flags)
	w.u32(h.Chksum)
	for _, dd := range h.Ddirs {
		w.u32(dd.VAddr)
		w.u32(dd.Size)
	}
}

func (w *infoWriter) sections(sections []pe.Section) {
	w.u32(uint32(len(sections)))
	for _, s := range sections {
		w.str(s.Name)
		w.u32(s.VSize)
		w.u32(s.VAddr)
		w.u32(s.Size)
		w.u32(s.RawDataPtr)
		w.u32(s.Flags)
	}
}

// encodeExtraInfo serializes m into the flat binary layout
// packer/extrainfo.go's cursor decodes back, matching §6's trailing
// extra-info blob: the original header, section table, and every
// preprocessed directory blob this engine's Pack produced.
func encodeExtraInfo(m *Manifest) ([]byte, error) {
	w := &infoWriter{}
	w.hdr(m.OrigHdr)
	w.sections(m.OrigSections)
	w.u32(uint32(m.UncompressedSize))

	w.boolean(m.StrippedRelocs)
	w.bytesField(m.RelocBuilt)
	w.u32(m.RelocRVA)

	w.bytesField(m.ImportBuilt)
	w.u32(m.ImportRVA)
	w.u32(uint32(m.ImportDLLCount))

	w.bytesField(m.ExportBuilt)
	w.u32(m.ExportRVA)

	w.bytesField(m.TLSBuilt)
	w.u32(m.TLSRVA)

	w.bytesField(m.ResourceBuilt)
	w.u32(m.ResourceRVA)
	w.boolean(m.ResourceUnchanged)

	w.u32(uint32(len(m.KeptResources)))
	for _, kr := range m.KeptResources {
		w.u32(kr.Offset)
		w.bytesField(kr.Data)
	}

	w.bytesField(m.Overlay)

	w.u32(uint32(len(m.Warnings)))
	for _, warn := range m.Warnings {
		w.str(warn)
	}

	return w.buf.Bytes(), nil
}

// --- decode ---

// infoReader walks blob with pe.Span-backed bounds checks, so a truncated
// or corrupted extra-info blob surfaces as CantUnpack instead of a panic.
type infoReader struct {
	span pe.Span
	pos  int
}

func newInfoReader(blob []byte) (*infoReader, error) {
	s, err := pe.NewSpan(blob, 0, len(blob))
	if err != nil {
		return nil, pkgerrors.WrapCantUnpack("extra-info blob", err)
	}
	return &infoReader{span: s}, nil
}

func (r *infoReader) take(n int) ([]byte, error) {
	s, err := r.span.Sub(r.pos, n)
	if err != nil {
		return nil, pkgerrors.WrapCantUnpack("extra-info blob truncated", err)
	}
	r.pos += n
	return s.Bytes(), nil
}

func (r *infoReader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *infoReader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *infoReader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *infoReader) boolean() (bool, error) {
	b, err := r.take(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (r *infoReader) bytesField() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *infoReader) str() (string, error) {
	b, err := r.bytesField()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *infoReader) hdr() (pe.Hdr, error) {
	var h pe.Hdr
	bits, err := r.u32()
	if err != nil {
		return h, err
	}
	thunk, err := r.u32()
	if err != nil {
		return h, err
	}
	relocType, err := r.u32()
	if err != nil {
		return h, err
	}
	h.Width = pe.Width{Bits: int(bits), ThunkSize: int(thunk), RelocType: int(relocType)}

	objects, err := r.u32()
	if err != nil {
		return h, err
	}
	h.Objects = int(objects)
	if h.Entry, err = r.u32(); err != nil {
		return h, err
	}
	if h.ImageBase, err = r.u64(); err != nil {
		return h, err
	}
	if h.ImageSize, err = r.u32(); err != nil {
		return h, err
	}
	if h.CodeBase, err = r.u32(); err != nil {
		return h, err
	}
	if h.CodeSize, err = r.u32(); err != nil {
		return h, err
	}
	if h.DataSize, err = r.u32(); err != nil {
		return h, err
	}
	if h.BssSize, err = r.u32(); err != nil {
		return h, err
	}
	if h.FileAlign, err = r.u32(); err != nil {
		return h, err
	}
	if h.ObjectAlign, err = r.u32(); err != nil {
		return h, err
	}
	if h.Subsystem, err = r.u16(); err != nil {
		return h, err
	}
	if h.DllFlags, err = r.u16(); err != nil {
		return h, err
	}
	if h.Flags, err = r.u16(); err != nil {
		return h, err
	}
	if h.Chksum, err = r.u32(); err != nil {
		return h, err
	}
	for i := range h.Ddirs {
		vaddr, err := r.u32()
		if err != nil {
			return h, err
		}
		size, err := r.u32()
		if err != nil {
			return h, err
		}
		h.Ddirs[i] = pe.DataDir{VAddr: vaddr, Size: size}
	}
	return h, nil
}

func (r *infoReader) sections() ([]pe.Section, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]pe.Section, n)
	for i := range out {
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		vsize, err := r.u32()
		if err != nil {
			return nil, err
		}
		vaddr, err := r.u32()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		rawPtr, err := r.u32()
		if err != nil {
			return nil, err
		}
		flags, err := r.u32()
		if err != nil {
			return nil, err
		}
		out[i] = pe.Section{Name: name, VSize: vsize, VAddr: vaddr, Size: size, RawDataPtr: rawPtr, Flags: flags}
	}
	return out, nil
}

// decodeExtraInfo parses blob back into a Manifest, the inverse of
// encodeExtraInfo. CompressedBody is not part of the blob: it is read
// separately out of the packed file's PACKDATA section, since
// compress/flate's reader tolerates the trailing extra-info bytes that
// follow it just as debug/pe tolerates them after the PE image proper.
func decodeExtraInfo(blob []byte) (Manifest, error) {
	var m Manifest
	r, err := newInfoReader(blob)
	if err != nil {
		return m, err
	}

	if m.OrigHdr, err = r.hdr(); err != nil {
		return m, err
	}
	if m.OrigSections, err = r.sections(); err != nil {
		return m, err
	}
	size, err := r.u32()
	if err != nil {
		return m, err
	}
	m.UncompressedSize = int(size)

	if m.StrippedRelocs, err = r.boolean(); err != nil {
		return m, err
	}
	if m.RelocBuilt, err = r.bytesField(); err != nil {
		return m, err
	}
	if m.RelocRVA, err = r.u32(); err != nil {
		return m, err
	}

	if m.ImportBuilt, err = r.bytesField(); err != nil {
		return m, err
	}
	if m.ImportRVA, err = r.u32(); err != nil {
		return m, err
	}
	dllCount, err := r.u32()
	if err != nil {
		return m, err
	}
	m.ImportDLLCount = int(dllCount)

	if m.ExportBuilt, err = r.bytesField(); err != nil {
		return m, err
	}
	if m.ExportRVA, err = r.u32(); err != nil {
		return m, err
	}

	if m.TLSBuilt, err = r.bytesField(); err != nil {
		return m, err
	}
	if m.TLSRVA, err = r.u32(); err != nil {
		return m, err
	}

	if m.ResourceBuilt, err = r.bytesField(); err != nil {
		return m, err
	}
	if m.ResourceRVA, err = r.u32(); err != nil {
		return m, err
	}
	if m.ResourceUnchanged, err = r.boolean(); err != nil {
		return m, err
	}

	krCount, err := r.u32()
	if err != nil {
		return m, err
	}
	m.KeptResources = make([]KeptResource, krCount)
	for i := range m.KeptResources {
		off, err := r.u32()
		if err != nil {
			return m, err
		}
		data, err := r.bytesField()
		if err != nil {
			return m, err
		}
		m.KeptResources[i] = KeptResource{Offset: off, Data: data}
	}

	if m.Overlay, err = r.bytesField(); err != nil {
		return m, err
	}

	warnCount, err := r.u32()
	if err != nil {
		return m, err
	}
	m.Warnings = make([]string, warnCount)
	for i := range m.Warnings {
		if m.Warnings[i], err = r.str(); err != nil {
			return m, err
		}
	}

	return m, nil
}
