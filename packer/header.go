package packer

import (
	"github.com/pepacker/pepacker/config"
	"github.com/pepacker/pepacker/pe"
	"github.com/pepacker/pepacker/pkgerrors"
)

const (
	dllCharacteristicsDynamicBase = 0x0040
	fileCharacteristicsDLL        = 0x2000

	maxImportDLLs     = 4096 // PeFile's MAX_IMPORTS ceiling: fatal
	maxLoadConfigSize = 256  // PeFile's MAX_SOLOADCONF ceiling: warning only

	defaultImageBase32 = 0x400000
	defaultImageBase64 = 0x140000000
)

// defaultImageBaseFor returns the linker-default imagebase for the given
// header width, the threshold handleStripRelocs compares against when
// deciding whether an image not requesting ASLR is still safe to rebase
// implicitly by stripping its relocations.
func defaultImageBaseFor(bits int) uint64 {
	if bits == 64 {
		return defaultImageBase64
	}
	return defaultImageBase32
}

// isEFISubsystem reports whether s is one of the IMAGE_SUBSYSTEM_EFI_*
// values; CanPack's subsystem allow-list already excludes these, but
// handleStripRelocs names the check explicitly since it documents its own
// refusal independent of that earlier gate.
func isEFISubsystem(s uint16) bool {
	return s >= 10 && s <= 13
}

// checkHeaderValues performs the deeper structural checks CanPack does not:
// alignment consistency between SectionAlignment and FileAlignment, a
// sane ImageBase, and that the section count recorded in the COFF header
// still matches the table actually read. Grounded on
// PeFile::checkHeaderValues.
func checkHeaderValues(f *pe.File, force bool) error {
	h := f.Hdr
	if h.ObjectAlign == 0 || h.ObjectAlign&(h.ObjectAlign-1) != 0 {
		return pkgerrors.NewCantPack("section alignment is not a power of two")
	}
	if h.ObjectAlign < h.FileAlign {
		return pkgerrors.NewCantPack("section alignment smaller than file alignment")
	}
	if h.ImageBase&0xffff != 0 {
		if !force {
			return pkgerrors.NewCantPack("imagebase is not 64k aligned (try --force)")
		}
	}
	if h.Objects != len(f.Sections) {
		return pkgerrors.NewCantPack("section count does not match the section table")
	}
	if h.Objects == 0 {
		return pkgerrors.NewCantPack("no sections")
	}
	return nil
}

// checkOverlay guards the internal-consistency invariant that a trailing
// overlay can never exceed the file it was read from, matching PeFile's
// own sanity check before carrying one through a pack.
func checkOverlay(overlay []byte, fileSize int64) error {
	if int64(len(overlay)) > fileSize {
		return pkgerrors.NewInternalError("overlay larger than the input file")
	}
	return nil
}

// handleStripRelocs decides whether the base-relocation directory should
// be discarded instead of carried through as a preprocessed block,
// matching PeFile::handleStripRelocs: a DLL or an EFI image can never have
// its relocations stripped (the loader or firmware always rebases it), and
// any other image is safe to drop only when it does not demand ASLR and
// already loads at or above its architecture's default imagebase, unless
// the caller forces it or pins the decision explicitly via
// Options.StripRelocs.
func handleStripRelocs(f *pe.File, opts config.Options) (strip bool, err error) {
	if f.Hdr.Ddirs[pe.DirBaseReloc].Size == 0 {
		return false, nil
	}
	isDLL := f.Hdr.Flags&fileCharacteristicsDLL != 0
	isEFI := isEFISubsystem(f.Hdr.Subsystem)
	wantsASLR := f.Hdr.DllFlags&dllCharacteristicsDynamicBase != 0

	if opts.StripRelocs == config.Off {
		return false, nil
	}
	if isDLL {
		if opts.StripRelocs == config.On && !opts.Force {
			return false, pkgerrors.NewCantPack("--strip-relocs is not allowed with DLL")
		}
		if opts.StripRelocs == config.Auto {
			return false, nil
		}
	}
	if isEFI {
		if opts.StripRelocs == config.On && !opts.Force {
			return false, pkgerrors.NewCantPack("--strip-relocs is not allowed with EFI")
		}
		if opts.StripRelocs == config.Auto {
			return false, nil
		}
	}
	switch opts.StripRelocs {
	case config.On:
		if wantsASLR && !opts.Force {
			return false, pkgerrors.NewCantPack("image requires ASLR; refusing to strip relocations (try --force)")
		}
		return true, nil
	default: // Auto
		return !wantsASLR && f.Hdr.ImageBase >= defaultImageBaseFor(f.Hdr.Width.Bits), nil
	}
}
