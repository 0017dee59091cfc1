// Package cli formats packer diagnostics and pack results for the
// terminal, grounded on the teacher's internal/cli/report.go Reporter.
package cli

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/pepacker/pepacker/packer"
	"github.com/pepacker/pepacker/pe"
)

// Reporter prints read-only diagnostics about an opened PE file.
type Reporter struct {
	f *pe.File
}

// NewReporter builds a Reporter over an already-opened file.
func NewReporter(f *pe.File) *Reporter { return &Reporter{f: f} }

// PrintInfo prints the header and section table, mirroring the teacher's
// analysis report layout.
func (r *Reporter) PrintInfo() {
	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	cyan.Println("\n== pepacker info ==")
	h := r.f.Hdr

	yellow.Println("\nheader:")
	fmt.Printf("  %-16s: %s\n", "path", r.f.FilePath())
	fmt.Printf("  %-16s: %s\n", "size", formatSize(r.f.FileSize()))
	fmt.Printf("  %-16s: %d-bit\n", "width", h.Width.Bits)
	fmt.Printf("  %-16s: %s\n", "subsystem", subsystemName(h.Subsystem))
	fmt.Printf("  %-16s: 0x%X\n", "entry", h.Entry)
	fmt.Printf("  %-16s: 0x%X\n", "imagebase", h.ImageBase)
	fmt.Printf("  %-16s: 0x%X\n", "imagesize", h.ImageSize)
	fmt.Printf("  %-16s: 0x%X / 0x%X\n", "align (file/obj)", h.FileAlign, h.ObjectAlign)

	yellow.Println("\nsections:")
	for _, s := range r.f.Sections {
		fmt.Printf("  %-8s  vaddr=0x%08X  vsize=0x%06X  raw=0x%06X\n", s.Name, s.VAddr, s.VSize, s.Size)
	}

	yellow.Println("\ndata directories:")
	names := []string{"export", "import", "resource", "exception", "security", "basereloc", "debug", "copyright", "globalptr", "tls", "loadconfig", "boundimport", "iat", "delayimport", "comdescriptor", "reserved"}
	for i, dd := range h.Ddirs {
		if dd.Size == 0 {
			continue
		}
		fmt.Printf("  %-14s vaddr=0x%08X size=0x%X\n", names[i], dd.VAddr, dd.Size)
	}
	fmt.Println()
}

func subsystemName(s uint16) string {
	switch s {
	case 2:
		return "Windows GUI"
	case 3:
		return "Windows Console"
	case 1:
		return "Native"
	default:
		return fmt.Sprintf("unknown (%d)", s)
	}
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// PackReporter prints the outcome of one pack run: the original and
// packed sizes, the compression ratio, and the outcome of the
// self-verification unpack: its error, or how many sections it
// reconstructed.
type PackReporter struct {
	inPath, outPath string
	result          *packer.PackResult
	verify          *packer.UnpackResult
	verifyErr       error
}

// NewPackReporter builds a PackReporter for one pack invocation's result.
func NewPackReporter(inPath, outPath string, result *packer.PackResult, verify *packer.UnpackResult, verifyErr error) *PackReporter {
	return &PackReporter{inPath: inPath, outPath: outPath, result: result, verify: verify, verifyErr: verifyErr}
}

// Print renders the pack report.
func (r *PackReporter) Print() {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	cyan.Println("\n== pepacker pack ==")
	fmt.Printf("  %-16s: %s\n", "input", r.inPath)
	fmt.Printf("  %-16s: %s\n", "output", r.outPath)

	orig := r.result.Manifest.UncompressedSize
	comp := len(r.result.Manifest.CompressedBody)
	ratio := 100.0
	if orig > 0 {
		ratio = float64(comp) / float64(orig) * 100.0
	}
	fmt.Printf("  %-16s: %d -> %d bytes (%.1f%%)\n", "virtual image", orig, comp, ratio)
	fmt.Printf("  %-16s: %d\n", "sections", r.result.Header.Objects)
	fmt.Printf("  %-16s: %d\n", "relinked DLLs", r.result.Manifest.ImportDLLCount)
	names := make([]string, 0, len(r.result.Manifest.ImportDescriptors))
	for name := range r.result.Manifest.ImportDescriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-16s: %s @ 0x%x\n", "  descriptor", name, r.result.Manifest.ImportDescriptors[name])
	}
	fmt.Printf("  %-16s: %v\n", "relocs stripped", r.result.Manifest.StrippedRelocs)

	yellow := color.New(color.FgYellow)
	for _, w := range r.result.Manifest.Warnings {
		_, _ = yellow.Printf("  warning: %s\n", w)
	}

	if r.verifyErr != nil {
		_, _ = red.Printf("  self-verification failed: %v\n", r.verifyErr)
		return
	}
	_, _ = green.Printf("  self-verification: %d sections reconstructed\n", len(r.verify.Sections))
	fmt.Println()
}
