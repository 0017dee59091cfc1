package packer

import (
	"github.com/pepacker/pepacker/pkgerrors"
)

// Unpack reverses Pack using the in-process Manifest it produced: every
// directory blob Pack already rebuilt (imports, TLS, resources, exports,
// relocations) is copied back to its original RVA, then the image is
// re-sectioned at the original table and re-encoded. It is the engine's
// fast, in-memory verification path — the same one cmd/pepacker's pack
// command used to run as a self-check before UnpackFile existed to read
// the bytes back off disk.
func (c *Core) Unpack(m *Manifest) (*UnpackResult, error) {
	if len(m.OrigSections) == 0 {
		return nil, pkgerrors.NewCantUnpack("manifest has no original section table")
	}
	return c.rebuild(m)
}

// UnpackFile reverses a packed file purely from its own bytes: it
// recovers the trailing extra-info blob Pack appended, decodes the
// original header/section table and every preprocessed directory blob
// from it, reads the compressed virtual image straight out of the
// packed file's PACKDATA section, and rebuilds. This is the file-based
// recovery path the persisted pack format exists to support; Core need
// not have been the same one that produced the file, only opened on it.
func (c *Core) UnpackFile() (*UnpackResult, error) {
	raw, err := c.f.RawFileBytes()
	if err != nil {
		return nil, err
	}
	blob, err := splitExtraInfo(raw)
	if err != nil {
		return nil, err
	}
	m, err := decodeExtraInfo(blob)
	if err != nil {
		return nil, err
	}

	sections := c.f.Raw().Sections
	if len(sections) < 2 {
		return nil, pkgerrors.NewCantUnpack("packed file is missing the PACKDATA section")
	}
	body, err := sections[1].Data()
	if err != nil {
		return nil, pkgerrors.WrapCantUnpack("reading PACKDATA section", err)
	}
	m.CompressedBody = body

	return c.rebuild(&m)
}

// rebuild decompresses m's virtual image and writes every preprocessed
// directory blob back to its original RVA, bounds-checked through
// pe.Span via readRVA/writeAtRVA so a corrupt or truncated Manifest
// raises CantUnpack instead of indexing out of range. Grounded on
// PeFile::unpack's phase order, in the same directory order Pack used:
//
//  1. decompress the virtual image
//  2. relink imports
//  3. rebuild TLS (pass2)
//  4. rebuild the resource tree, then restore kept-raw resources
//  5. rebuild the export directory
//  6. re-add any relocations Pack rebuilt
//  7. re-section at the original table and encode
func (c *Core) rebuild(m *Manifest) (*UnpackResult, error) {
	ibuf, err := c.comp.Decompress(m.CompressedBody, m.UncompressedSize)
	if err != nil {
		return nil, err
	}
	h := m.OrigHdr

	if len(m.ImportBuilt) != 0 {
		if err := writeAtRVA(ibuf, m.ImportRVA, m.ImportBuilt, false); err != nil {
			return nil, err
		}
	}

	if len(m.TLSBuilt) != 0 {
		if err := writeAtRVA(ibuf, m.TLSRVA, m.TLSBuilt, false); err != nil {
			return nil, err
		}
	}

	if len(m.ResourceBuilt) != 0 {
		if err := writeAtRVA(ibuf, m.ResourceRVA, m.ResourceBuilt, false); err != nil {
			return nil, err
		}
	}
	for _, kr := range m.KeptResources {
		if err := writeAtRVA(ibuf, kr.Offset, kr.Data, false); err != nil {
			return nil, err
		}
	}

	if len(m.ExportBuilt) != 0 {
		if err := writeAtRVA(ibuf, m.ExportRVA, m.ExportBuilt, false); err != nil {
			return nil, err
		}
	}

	if len(m.RelocBuilt) != 0 {
		if err := writeAtRVA(ibuf, m.RelocRVA, m.RelocBuilt, false); err != nil {
			return nil, err
		}
	}

	sectionData := make([][]byte, len(m.OrigSections))
	for i, s := range m.OrigSections {
		data, err := readRVA(ibuf, s.VAddr, s.VSize, false)
		if err != nil {
			return nil, err
		}
		sectionData[i] = data
	}
	image, err := EncodeImage(h, m.OrigSections, sectionData)
	if err != nil {
		return nil, err
	}
	if len(m.Overlay) > 0 {
		image = append(image, m.Overlay...)
	}
	return &UnpackResult{Header: h, Sections: m.OrigSections, Image: image}, nil
}
