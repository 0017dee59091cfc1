package packer

import (
	"encoding/binary"

	"github.com/pepacker/pepacker/pe"
	"github.com/pepacker/pepacker/pkgerrors"
)

// dosStubSize is the size of the minimal MZ header this engine emits: just
// enough for e_lfanew to point straight at the NT headers, no real
// real-mode stub program. Loaders never execute it.
const dosStubSize = 64

const (
	machineI386  = 0x014c
	machineAMD64 = 0x8664
	optMagic32   = 0x10b
	optMagic64   = 0x20b
	ntSignature  = 0x00004550 // "PE\0\0"
)

func alignUp(v, a uint32) uint32 {
	if a == 0 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

// sectionHeaderSize is the fixed on-disk size of IMAGE_SECTION_HEADER.
const sectionHeaderSize = 40

// optionalHeaderFixedSize returns the width-specific fixed portion of the
// optional header, excluding the 16-entry data directory array.
func optionalHeaderFixedSize(bits int) int {
	if bits == 64 {
		return 112
	}
	return 96
}

// EncodeImage serializes hdr/sections/sectionData into a freestanding PE
// image: DOS stub, COFF file header, width-appropriate Optional Header
// and data directories, section table, then each section's raw data
// padded to FileAlignment. It is the write-side counterpart of pe.Open,
// generalized from the teacher's reader since debug/pe is read-only.
func EncodeImage(hdr pe.Hdr, sections []pe.Section, sectionData [][]byte) ([]byte, error) {
	if len(sections) != len(sectionData) {
		return nil, pkgerrors.NewInternalError("EncodeImage: sections/sectionData length mismatch")
	}
	optSize := optionalHeaderFixedSize(hdr.Width.Bits) + 16*8
	headersSize := dosStubSize + 4 + 20 + optSize + sectionHeaderSize*len(sections)
	sizeOfHeaders := alignUp(uint32(headersSize), hdr.FileAlign)

	out := make([]byte, sizeOfHeaders)
	// DOS header: just the magic and e_lfanew, matching a minimal stub.
	out[0], out[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(out[0x3c:], dosStubSize)

	pos := dosStubSize
	binary.LittleEndian.PutUint32(out[pos:], ntSignature)
	pos += 4

	machine := uint16(machineI386)
	if hdr.Width.Bits == 64 {
		machine = machineAMD64
	}
	binary.LittleEndian.PutUint16(out[pos:], machine)
	binary.LittleEndian.PutUint16(out[pos+2:], uint16(len(sections)))
	binary.LittleEndian.PutUint32(out[pos+4:], 0) // TimeDateStamp
	binary.LittleEndian.PutUint32(out[pos+8:], 0) // PointerToSymbolTable
	binary.LittleEndian.PutUint32(out[pos+12:], 0) // NumberOfSymbols
	binary.LittleEndian.PutUint16(out[pos+16:], uint16(optSize))
	binary.LittleEndian.PutUint16(out[pos+18:], hdr.Flags)
	pos += 20

	optStart := pos
	magic := uint16(optMagic32)
	if hdr.Width.Bits == 64 {
		magic = optMagic64
	}
	binary.LittleEndian.PutUint16(out[pos:], magic)
	out[pos+2], out[pos+3] = 0, 0 // linker version
	binary.LittleEndian.PutUint32(out[pos+4:], hdr.CodeSize)
	binary.LittleEndian.PutUint32(out[pos+8:], hdr.DataSize)
	binary.LittleEndian.PutUint32(out[pos+12:], hdr.BssSize)
	binary.LittleEndian.PutUint32(out[pos+16:], hdr.Entry)
	binary.LittleEndian.PutUint32(out[pos+20:], hdr.CodeBase)

	if hdr.Width.Bits == 64 {
		binary.LittleEndian.PutUint64(out[pos+24:], hdr.ImageBase)
		binary.LittleEndian.PutUint32(out[pos+32:], hdr.ObjectAlign)
		binary.LittleEndian.PutUint32(out[pos+36:], hdr.FileAlign)
		binary.LittleEndian.PutUint32(out[pos+56:], hdr.ImageSize)
		binary.LittleEndian.PutUint32(out[pos+60:], sizeOfHeaders)
		binary.LittleEndian.PutUint32(out[pos+64:], hdr.Chksum)
		binary.LittleEndian.PutUint16(out[pos+68:], hdr.Subsystem)
		binary.LittleEndian.PutUint16(out[pos+70:], hdr.DllFlags)
		binary.LittleEndian.PutUint64(out[pos+72:], 0x100000) // SizeOfStackReserve
		binary.LittleEndian.PutUint64(out[pos+80:], 0x1000)   // SizeOfStackCommit
		binary.LittleEndian.PutUint64(out[pos+88:], 0x100000) // SizeOfHeapReserve
		binary.LittleEndian.PutUint64(out[pos+96:], 0x1000)   // SizeOfHeapCommit
		binary.LittleEndian.PutUint32(out[pos+104:], 0)       // LoaderFlags
		binary.LittleEndian.PutUint32(out[pos+108:], 16)      // NumberOfRvaAndSizes
	} else {
		binary.LittleEndian.PutUint32(out[pos+24:], hdr.CodeBase) // BaseOfData, unused by this engine
		binary.LittleEndian.PutUint32(out[pos+28:], uint32(hdr.ImageBase))
		binary.LittleEndian.PutUint32(out[pos+32:], hdr.ObjectAlign)
		binary.LittleEndian.PutUint32(out[pos+36:], hdr.FileAlign)
		binary.LittleEndian.PutUint32(out[pos+56:], hdr.ImageSize)
		binary.LittleEndian.PutUint32(out[pos+60:], sizeOfHeaders)
		binary.LittleEndian.PutUint32(out[pos+64:], hdr.Chksum)
		binary.LittleEndian.PutUint16(out[pos+68:], hdr.Subsystem)
		binary.LittleEndian.PutUint16(out[pos+70:], hdr.DllFlags)
		binary.LittleEndian.PutUint32(out[pos+72:], 0x100000) // SizeOfStackReserve
		binary.LittleEndian.PutUint32(out[pos+76:], 0x1000)   // SizeOfStackCommit
		binary.LittleEndian.PutUint32(out[pos+80:], 0x100000) // SizeOfHeapReserve
		binary.LittleEndian.PutUint32(out[pos+84:], 0x1000)   // SizeOfHeapCommit
		binary.LittleEndian.PutUint32(out[pos+88:], 0)        // LoaderFlags
		binary.LittleEndian.PutUint32(out[pos+92:], 16)       // NumberOfRvaAndSizes
	}

	ddirOff := optStart + optionalHeaderFixedSize(hdr.Width.Bits)
	for i := 0; i < 16; i++ {
		binary.LittleEndian.PutUint32(out[ddirOff+i*8:], hdr.Ddirs[i].VAddr)
		binary.LittleEndian.PutUint32(out[ddirOff+i*8+4:], hdr.Ddirs[i].Size)
	}

	secHdrOff := ddirOff + 16*8
	rawPtr := sizeOfHeaders
	for i, s := range sections {
		off := secHdrOff + i*sectionHeaderSize
		var name [8]byte
		copy(name[:], s.Name)
		copy(out[off:off+8], name[:])
		binary.LittleEndian.PutUint32(out[off+8:], s.VSize)
		binary.LittleEndian.PutUint32(out[off+12:], s.VAddr)
		rawSize := alignUp(uint32(len(sectionData[i])), hdr.FileAlign)
		binary.LittleEndian.PutUint32(out[off+16:], rawSize)
		binary.LittleEndian.PutUint32(out[off+20:], rawPtr)
		binary.LittleEndian.PutUint32(out[off+36:], s.Flags)
		rawPtr += rawSize
	}

	out = append(out, make([]byte, int(rawPtr)-len(out))...)
	cursor := int(sizeOfHeaders)
	for _, data := range sectionData {
		copy(out[cursor:], data)
		cursor += int(alignUp(uint32(len(data)), hdr.FileAlign))
	}

	checksumOff := optStart + 64
	binary.LittleEndian.PutUint32(out[checksumOff:], pe.Checksum(out, checksumOff))

	return out, nil
}
