// Package packer orchestrates pack and unpack: header validation,
// directory preprocessing, output layout, and driving the Compressor/
// StubLinker collaborators for reassembly.
//
// Grounded on PeFile::canPack/checkHeaderValues/pack/unpack and the
// teacher's internal/pe/patcher.go and analyzer.go for phase structure
// and alignment helpers.
package packer

import (
	"strings"

	"github.com/pepacker/pepacker/pe"
	"github.com/pepacker/pepacker/pkgerrors"
)

// supportedSubsystems lists the Subsystem values this engine will pack.
// Matches the original's machine/subsystem allow-list (AMD64/i386/
// ARM-thumb/ARM consoles and GUI apps; native drivers and EFI images
// follow a different code path the spec explicitly excludes).
var supportedSubsystems = map[uint16]bool{
	2: true, // IMAGE_SUBSYSTEM_WINDOWS_GUI
	3: true, // IMAGE_SUBSYSTEM_WINDOWS_CUI
}

// CanPack performs a read-only pre-flight check: the structural tests
// below, which checkHeaderValues's deeper checks do not repeat, without
// mutating anything. It
// lets a caller ask "would Pack accept this file?" cheaply, matching
// the original's canPack entry point (a supplement to the traced spec,
// since the spec only describes the side-effecting pack pipeline).
func CanPack(f *pe.File) error {
	if len(f.Sections) == 0 {
		return pkgerrors.NewCantPack("no sections")
	}
	if strings.HasPrefix(f.Sections[0].Name, "UPX") {
		return &pkgerrors.AlreadyPackedByUPX{SectionName: f.Sections[0].Name}
	}
	if !supportedSubsystems[f.Hdr.Subsystem] {
		return pkgerrors.NewCantPack("unsupported subsystem")
	}
	if f.Hdr.Ddirs[pe.DirComDescriptor].VAddr != 0 {
		return pkgerrors.NewCantPack(".NET/CLR images are not supported")
	}
	if f.Hdr.FileAlign == 0 || f.Hdr.FileAlign&(f.Hdr.FileAlign-1) != 0 {
		return pkgerrors.NewCantPack("file alignment is not a power of two")
	}
	if err := f.CheckMonotone(); err != nil {
		return err
	}
	min, _ := f.RVAMinMax()
	if f.Hdr.Entry != 0 && f.Hdr.Entry < min {
		return pkgerrors.NewCantPack("entry point precedes the first section")
	}
	return nil
}
