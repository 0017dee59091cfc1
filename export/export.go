// Package export parses a PE export directory into a heap-owned model and
// rebuilds it at a new RVA. Grounded on PeFile::Export::convert/build in
// the original engine; the on-disk IMAGE_EXPORT_DIRECTORY shape follows
// the teacher's internal/pe/export.go and export_modifier.go.
package export

import (
	"encoding/binary"

	"github.com/pepacker/pepacker/interval"
	"github.com/pepacker/pepacker/pkgerrors"
)

// Dir mirrors IMAGE_EXPORT_DIRECTORY (40 bytes).
type Dir struct {
	Characteristics      uint32
	TimeDateStamp        uint32
	Version              uint32 // packed Major<<16|Minor, opaque to the engine
	Name                 uint32
	Base                 uint32
	Functions            uint32 // NumberOfFunctions
	Names                uint32 // NumberOfNames
	AddressOfFunctions   uint32
	AddressOfNames       uint32
	AddressOfNameOrdinals uint32
}

const dirSize = 40

// Export is the cloned, heap-owned model of one export directory.
type Export struct {
	Dir Dir

	Name          string   // the DLL's own export name
	FunctionRVAs  []uint32 // length Dir.Functions
	Ordinals      []uint16 // length Dir.Names
	Names         []string // length Dir.Names, by-name export strings
	Forwarders    []string // length Dir.Functions; "" when not a forwarder

	size int
	iv   *interval.Set
}

func readU32(base []byte, off uint32) (uint32, error) {
	if uint64(off)+4 > uint64(len(base)) {
		return 0, pkgerrors.NewCantUnpack("export directory field out of range")
	}
	return binary.LittleEndian.Uint32(base[off : off+4]), nil
}

func readCString(base []byte, off uint32) (string, error) {
	if uint64(off) >= uint64(len(base)) {
		return "", pkgerrors.NewCantUnpack("export string out of range")
	}
	end := off
	for end < uint32(len(base)) && base[end] != 0 {
		end++
	}
	if end >= uint32(len(base)) {
		return "", pkgerrors.NewCantUnpack("unterminated export string")
	}
	return string(base[off:end]), nil
}

// Convert clones the export directory found at [eoffs, eoffs+esize) within
// base: the header, DLL name, function-pointer array, ordinal table, every
// name string, and detects forwarder functions (a function RVA that lies
// within the export blob's own range). It accumulates an Interval of
// every source byte range consumed and, if that set flattens to a single
// contiguous region, marks it zeroable (callers Clear() it after Convert).
func Convert(base []byte, eoffs, esize uint32) (*Export, error) {
	if uint64(eoffs)+dirSize > uint64(len(base)) {
		return nil, pkgerrors.NewCantUnpack("export directory out of range")
	}
	e := &Export{iv: interval.New(base)}
	d := &e.Dir
	fields := []*uint32{
		&d.Characteristics, &d.TimeDateStamp, &d.Version, &d.Name, &d.Base,
		&d.Functions, &d.Names, &d.AddressOfFunctions, &d.AddressOfNames,
		&d.AddressOfNameOrdinals,
	}
	for i, f := range fields {
		v, err := readU32(base, eoffs+uint32(i*4))
		if err != nil {
			return nil, err
		}
		*f = v
	}
	e.size = dirSize
	e.iv.Add(int(eoffs), dirSize)

	if d.Name == 0 || eoffs+esize <= d.Name {
		return nil, pkgerrors.NewInternalError("bad export directory name RVA")
	}
	name, err := readCString(base, d.Name)
	if err != nil {
		return nil, err
	}
	e.Name = name
	e.size += len(name) + 1
	e.iv.Add(int(d.Name), len(name)+1)

	e.FunctionRVAs = make([]uint32, d.Functions)
	for i := range e.FunctionRVAs {
		v, err := readU32(base, d.AddressOfFunctions+uint32(i*4))
		if err != nil {
			return nil, err
		}
		e.FunctionRVAs[i] = v
	}
	e.size += int(d.Functions) * 4
	e.iv.Add(int(d.AddressOfFunctions), int(d.Functions)*4)

	e.Names = make([]string, d.Names)
	nameRVAs := make([]uint32, d.Names)
	for i := range e.Names {
		rva, err := readU32(base, d.AddressOfNames+uint32(i*4))
		if err != nil {
			return nil, err
		}
		nameRVAs[i] = rva
		s, err := readCString(base, rva)
		if err != nil {
			return nil, err
		}
		e.Names[i] = s
		e.size += len(s) + 1
		e.iv.Add(int(rva), len(s)+1)
	}
	e.iv.Add(int(d.AddressOfNames), int(d.Names)*4)
	e.size += int(d.Names) * 4

	e.Forwarders = make([]string, d.Functions)
	for i, rva := range e.FunctionRVAs {
		if rva >= eoffs && rva < eoffs+esize {
			s, err := readCString(base, rva)
			if err != nil {
				return nil, err
			}
			e.Forwarders[i] = s
			e.size += len(s) + 1
			e.iv.Add(int(rva), len(s)+1)
		}
	}

	e.Ordinals = make([]uint16, d.Names)
	for i := range e.Ordinals {
		off := d.AddressOfNameOrdinals + uint32(i*2)
		if uint64(off)+2 > uint64(len(base)) {
			return nil, pkgerrors.NewCantUnpack("export ordinal table out of range")
		}
		e.Ordinals[i] = binary.LittleEndian.Uint16(base[off : off+2])
	}
	e.size += int(d.Names) * 2
	e.iv.Add(int(d.AddressOfNameOrdinals), int(d.Names)*2)

	e.iv.Flatten()
	_ = nameRVAs
	return e, nil
}

// Size reports the total byte size Build will emit; it is stable between
// Convert and Build.
func (e *Export) Size() int { return e.size }

// Contiguous reports whether the source ranges Convert consumed coalesce
// into one contiguous region (so the caller can zero it in one shot) plus
// that region's bounds.
func (e *Export) Contiguous() (start, end int, ok bool) { return e.iv.Span() }

// Clear zeroes every source byte range Convert captured.
func (e *Export) Clear() { e.iv.Clear() }

// Build writes the export directory, function-pointer array, name-pointer
// array, ordinal array, DLL-name string, then per-name strings, then
// per-forwarder strings into newbase[0:Size()], patching every table
// pointer to an RVA relative to newoffs.
func (e *Export) Build(newbase []byte, newoffs uint32) error {
	if len(newbase) < e.size {
		return pkgerrors.NewInternalError("export.Build: destination buffer too small")
	}
	d := e.Dir

	functionOff := uint32(dirSize)
	nameOff := functionOff + 4*d.Functions
	ordinalOff := nameOff + 4*d.Names
	enameOff := ordinalOff + 2*d.Names
	stringsOff := enameOff + uint32(len(e.Name)) + 1

	d.AddressOfFunctions = newoffs + functionOff
	d.AddressOfNameOrdinals = newoffs + ordinalOff
	for i, ord := range e.Ordinals {
		binary.LittleEndian.PutUint16(newbase[ordinalOff+uint32(i*2):], ord)
	}

	d.Name = newoffs + enameOff
	copy(newbase[enameOff:], e.Name)
	newbase[enameOff+uint32(len(e.Name))] = 0

	d.AddressOfNames = newoffs + nameOff
	cursor := stringsOff
	for i, s := range e.Names {
		copy(newbase[cursor:], s)
		newbase[cursor+uint32(len(s))] = 0
		binary.LittleEndian.PutUint32(newbase[nameOff+uint32(i*4):], newoffs+cursor)
		cursor += uint32(len(s)) + 1
	}

	for i, fn := range e.FunctionRVAs {
		if e.Forwarders[i] != "" {
			s := e.Forwarders[i]
			copy(newbase[cursor:], s)
			newbase[cursor+uint32(len(s))] = 0
			binary.LittleEndian.PutUint32(newbase[functionOff+uint32(i*4):], newoffs+cursor)
			cursor += uint32(len(s)) + 1
		} else {
			binary.LittleEndian.PutUint32(newbase[functionOff+uint32(i*4):], fn)
		}
	}

	putDir(newbase, d)
	if int(cursor) != e.size {
		return pkgerrors.NewInternalError("export.Build: size mismatch between Convert and Build")
	}
	return nil
}

func putDir(buf []byte, d Dir) {
	vals := []uint32{
		d.Characteristics, d.TimeDateStamp, d.Version, d.Name, d.Base,
		d.Functions, d.Names, d.AddressOfFunctions, d.AddressOfNames,
		d.AddressOfNameOrdinals,
	}
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
}
