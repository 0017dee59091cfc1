package packer

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pepacker/pepacker/export"
	"github.com/pepacker/pepacker/importlinker"
	"github.com/pepacker/pepacker/interval"
	"github.com/pepacker/pepacker/pe"
	"github.com/pepacker/pepacker/pkgerrors"
	"github.com/pepacker/pepacker/reloc"
	"github.com/pepacker/pepacker/resource"
	"github.com/pepacker/pepacker/tls"
)

// Pack runs the full preprocessing-then-compress pipeline, grounded on
// PeFile::pack's phase order:
//
//  1. canPack / checkHeaderValues structural gating
//  2. load the virtual image
//  3. decide whether base relocations survive (handleStripRelocs)
//  4. preprocess imports into a relocatable import-linker blob
//  5. preprocess TLS and relocate its payload to its final RVA
//  6. preprocess the resource tree and rebuild it at its final RVA
//  7. preprocess the export directory, if present and enabled
//  8. rebuild the relocation directory, if stripping or TLS needs it
//  9. zero every captured source range
//  10. compress what remains of the virtual image
//  11. lay out the packed section table and encode the output image
//  12. serialize the extra-info blob and append it, trailer-terminated
//
// Every directory Build call that the original engine defers until
// unpack time runs here instead: each one's target RVA is always the
// original directory's own VAddr, already known at this point, so there
// is nothing left for Unpack to compute — only bytes to copy back.
func (c *Core) Pack() (*PackResult, error) {
	if c.opts.Exact {
		return nil, &pkgerrors.CantPackExact{}
	}
	if err := CanPack(c.f); err != nil {
		return nil, err
	}
	if err := checkHeaderValues(c.f, c.opts.Force); err != nil {
		return nil, err
	}

	overlay, err := c.f.Overlay()
	if err != nil {
		return nil, err
	}
	if err := checkOverlay(overlay, c.f.FileSize()); err != nil {
		return nil, err
	}

	ibuf, err := loadVirtualImage(c.f)
	if err != nil {
		return nil, err
	}
	h := c.f.Hdr
	width := h.Width.ThunkSize

	stripRelocs, err := handleStripRelocs(c.f, c.opts)
	if err != nil {
		return nil, err
	}

	var relocBuf []byte
	if dd := h.Ddirs[pe.DirBaseReloc]; dd.Size != 0 {
		relocBuf, err = readRVA(ibuf, dd.VAddr, dd.Size, true)
		if err != nil {
			return nil, err
		}
		if err := reloc.Validate(relocBuf, c.opts.Force, false); err != nil {
			return nil, err
		}
	}

	m := Manifest{OrigHdr: h, OrigSections: c.f.Sections, Overlay: overlay}
	captured := interval.New(ibuf)

	if dd := h.Ddirs[pe.DirLoadConfig]; dd.Size > maxLoadConfigSize {
		m.Warnings = append(m.Warnings, "load configuration directory exceeds the load-config size ceiling; some loaders may reject it")
	}

	if raw, rerr := c.f.RawFileBytes(); rerr == nil {
		if sig, serr := pe.ReadSignature(raw, h.Ddirs[pe.DirSecurity]); serr == nil && sig.Signed {
			m.Warnings = append(m.Warnings, "input carries an Authenticode signature; packing invalidates it")
		}
	}

	if dd := h.Ddirs[pe.DirImport]; dd.Size != 0 {
		dlls, ivImports, err := importlinker.Decode(ibuf, dd.VAddr, dd.Size, width)
		if err != nil {
			return nil, err
		}
		if len(dlls) > maxImportDLLs {
			return nil, pkgerrors.NewCantPack("too many imported DLLs")
		}
		sorted := importlinker.SortDLLs(dlls)

		linker := importlinker.NewLinker(width)
		for _, dll := range sorted {
			if linker.HasDLL(dll.Name) {
				m.Warnings = append(m.Warnings, fmt.Sprintf("import table names %q in more than one descriptor; merged into a single DLL entry", dll.Name))
			}
			for _, t := range dll.Thunks {
				if t.ByOrdinal {
					linker.AddByOrdinal(dll.Name, t.Ordinal)
				} else {
					linker.AddByName(dll.Name, t.Name)
				}
			}
		}
		importBlob, err := linker.Build()
		if err != nil {
			return nil, err
		}
		if uint64(dd.VAddr)+uint64(len(importBlob)) > uint64(len(ibuf)) {
			return nil, pkgerrors.NewCantPack("rebuilt import table does not fit its original directory")
		}
		if err := linker.RelocateImport(dd.VAddr); err != nil {
			return nil, err
		}
		m.ImportBuilt = importBlob
		m.ImportRVA = dd.VAddr
		m.ImportDLLCount = len(sorted)
		m.ImportDescriptors = make(map[string]uint32, len(sorted))
		for _, dll := range sorted {
			if _, seen := m.ImportDescriptors[dll.Name]; seen {
				continue
			}
			descOff, _, err := linker.DescriptorTableOffset(dll.Name)
			if err != nil {
				return nil, err
			}
			m.ImportDescriptors[dll.Name] = dd.VAddr + uint32(descOff)
		}
		for _, r := range ivImports.Ranges() {
			captured.Add(r.Start, r.Len)
		}
	}

	var tlsEntries []reloc.Entry
	if dd := h.Ddirs[pe.DirTLS]; dd.Size != 0 {
		t, err := tls.Convert(ibuf, relocBuf, dd.VAddr, dd.Size, h.ImageBase, h.ImageSize, width)
		if err != nil {
			return nil, err
		}
		if t != nil {
			tlsW := reloc.NewWriter(32)
			if err := t.Build(tlsW, dd.VAddr, h.ImageBase, 0); err != nil {
				return nil, err
			}
			tlsEntries = tlsW.Entries()
			m.TLSBuilt = t.OTLS
			m.TLSRVA = dd.VAddr
		}
		captured.AddSpan(int(dd.VAddr), int(dd.VAddr)+int(dd.Size))
	}

	if dd := h.Ddirs[pe.DirResource]; dd.Size != 0 {
		resBase, err := readRVA(ibuf, dd.VAddr, uint32(len(ibuf))-dd.VAddr, true)
		if err != nil {
			return nil, err
		}
		rtree, err := resource.Init(resBase)
		if err != nil {
			return nil, err
		}
		m.ResourceRVA = dd.VAddr
		isSCR := strings.EqualFold(filepath.Ext(c.f.FilePath()), ".scr")
		m.KeptResources = applyResourcePolicy(ibuf, rtree, c.opts, isEFISubsystem(h.Subsystem), isSCR, captured)
		m.ResourceUnchanged = rtree.Clear()
		built, err := rtree.Build()
		if err != nil {
			return nil, err
		}
		m.ResourceBuilt = built
		if !m.ResourceUnchanged {
			// The directory and its leaves were not one contiguous run;
			// fall back to treating the whole directory span as dead so
			// nothing stale leaks into the compressed body.
			captured.AddSpan(int(dd.VAddr), int(dd.VAddr)+int(dd.Size))
		}
	}

	if dd := h.Ddirs[pe.DirExport]; dd.Size != 0 && c.opts.CompressExports && h.Flags&fileCharacteristicsDLL == 0 {
		e, err := export.Convert(ibuf, dd.VAddr, dd.Size)
		if err != nil {
			return nil, err
		}
		start, end, ok := e.Contiguous()
		if ok {
			captured.AddSpan(start, end)
		} else {
			captured.AddSpan(int(dd.VAddr), int(dd.VAddr)+int(dd.Size))
		}
		built := make([]byte, e.Size())
		if err := e.Build(built, dd.VAddr); err != nil {
			return nil, err
		}
		m.ExportBuilt = built
		m.ExportRVA = dd.VAddr
	}

	// Rebuild the relocation directory whenever stripping decided to drop
	// the original table, or TLS preprocessing added entries a reader of
	// the original table wouldn't know about. When neither applies, the
	// original table is left physically embedded in the virtual image and
	// rides through compression untouched.
	if stripRelocs || len(tlsEntries) > 0 {
		dd := h.Ddirs[pe.DirBaseReloc]
		if dd.Size == 0 {
			if len(tlsEntries) > 0 {
				return nil, pkgerrors.NewCantPack("TLS preprocessing needs base relocations but the image has no relocation directory")
			}
		} else {
			finalW := reloc.NewWriter(len(tlsEntries) + 64)
			if !stripRelocs {
				// The original table survives; merge its entries so the
				// rebuilt block still carries them alongside TLS's.
				r, err := reloc.NewReader(relocBuf, c.opts.Force)
				if err != nil {
					return nil, err
				}
				for {
					pos, typ, ok, nerr := r.Next(c.opts.Force)
					if nerr != nil {
						return nil, nerr
					}
					if !ok {
						break
					}
					if err := finalW.Add(pos, typ); err != nil {
						return nil, err
					}
				}
			}
			for _, e := range tlsEntries {
				if err := finalW.Add(e.Pos, e.Type); err != nil {
					return nil, err
				}
			}
			relocBlob, err := finalW.Finish(c.opts.Force)
			if err != nil {
				return nil, err
			}
			m.RelocBuilt = relocBlob
			m.RelocRVA = dd.VAddr
			captured.AddSpan(int(dd.VAddr), int(dd.VAddr)+int(dd.Size))
		}
		m.StrippedRelocs = stripRelocs
	}

	captured.Clear()

	body, result, err := c.comp.Compress(ibuf, c.filters, 9)
	if err != nil {
		return nil, err
	}
	m.UncompressedSize = len(ibuf)
	m.CompressResult = result
	m.CompressedBody = body

	newHdr, sections, sectionData := layoutPacked(h, body)

	image, err := EncodeImage(newHdr, sections, sectionData)
	if err != nil {
		return nil, err
	}

	extraInfo, err := encodeExtraInfo(&m)
	if err != nil {
		return nil, err
	}
	image = appendExtraInfo(image, extraInfo)

	return &PackResult{Header: newHdr, Sections: sections, Image: image, Manifest: m}, nil
}

// layoutPacked decides the packed image's section table: one loader
// section (the stub, currently empty since no StubLinker produces real
// code) and one data section holding the compressed virtual image,
// matching the original's "UPX0 (virtual-only)/UPX1 (stub+data)" layout
// generalized to this engine's collaborator-driven stub.
func layoutPacked(orig pe.Hdr, body []byte) (pe.Hdr, []pe.Section, [][]byte) {
	align := orig.FileAlign
	if align == 0 {
		align = 0x200
	}
	objAlign := orig.ObjectAlign
	if objAlign == 0 {
		objAlign = 0x1000
	}

	hdrVAddr := objAlign
	hdrVSize := objAlign
	dataVAddr := hdrVAddr + alignUp(hdrVSize, objAlign)
	dataVSize := alignUp(uint32(len(body)), objAlign)

	hdr := orig
	hdr.Objects = 2
	hdr.ImageSize = alignUp(dataVAddr+dataVSize, objAlign)
	hdr.CodeBase = hdrVAddr
	hdr.CodeSize = hdrVSize
	hdr.DataSize = dataVSize
	hdr.BssSize = 0
	hdr.Entry = hdrVAddr
	for i := range hdr.Ddirs {
		hdr.Ddirs[i] = pe.DataDir{}
	}

	sections := []pe.Section{
		{Name: hdrSectionName, VAddr: hdrVAddr, VSize: hdrVSize, Size: 0, Flags: 0x60000020},
		{Name: dataSectionName, VAddr: dataVAddr, VSize: dataVSize, Size: uint32(len(body)), Flags: 0xE0000040},
	}
	sectionData := [][]byte{nil, body}
	return hdr, sections, sectionData
}
