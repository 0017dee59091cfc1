// Package resource parses the three-level PE resource tree (Type -> Name
// -> Language) into an in-memory node tree, selectively keeps or
// compresses leaves by type rules, and rebuilds the tree at a new RVA.
//
// Grounded on PeFile::Resource in the original engine. A cyclic parent
// pointer is used there (as in this package) for the itype/iname/ntype/
// nname lookups; the original's Design Note about avoiding that cycle
// exists because of manual C++ memory ownership, which does not apply to
// a garbage-collected Go tree, so the parent pointer is kept as the
// simplest faithful translation.
package resource

import (
	"encoding/binary"

	"github.com/pepacker/pepacker/interval"
	"github.com/pepacker/pepacker/pkgerrors"
)

const (
	dirHeaderSize = 16
	dirEntrySize  = 8
	dataEntrySize = 16
)

// Resource type ids relevant to the compression policy, per the PE
// resource type enumeration (RT_ICON, RT_GROUP_ICON, RT_STRING).
const (
	RTIcon      = 3
	RTString    = 6
	RTGroupIcon = 14
)

// dirHeader mirrors the fixed part of IMAGE_RESOURCE_DIRECTORY.
type dirHeader struct {
	_            [12]byte // characteristics, timedatestamp, version
	NamedEntries uint16
	IDEntries    uint16
}

func (h dirHeader) entryCount() int { return int(h.NamedEntries) + int(h.IDEntries) }
func (h dirHeader) sizeOf() int     { return dirHeaderSize + dirEntrySize*h.entryCount() }

// dataEntry mirrors IMAGE_RESOURCE_DATA_ENTRY.
type dataEntry struct {
	Offset uint32
	Size   uint32
	_      [8]byte // codepage, reserved
}

// Node is one entry of the resource tree. Leaves (level 3) carry Data;
// branches (levels 0-2) carry Header and Children.
type Node struct {
	ID      uint32
	Name    []byte // raw length-prefixed UTF-16 name, nil for numeric ids
	Parent  *Node
	OrigOff uint32 // this node's own offset within the source blob

	// Branch fields.
	Header   dirHeader
	Children []*Node

	// Leaf fields.
	Data      dataEntry
	NewOffset uint32
}

// Tree is the parsed resource directory.
type Tree struct {
	root  *Node
	leaves []*Node // insertion order, for Iterator

	dsize int // sum of node header sizes
	ssize int // sum of UTF-16 name bytes

	src []byte // original resource blob, indexed by RVA-from-root
}

func u32(b []byte, off uint32) (uint32, error) {
	if uint64(off)+4 > uint64(len(b)) {
		return 0, pkgerrors.NewCantUnpack("corrupted resources")
	}
	return binary.LittleEndian.Uint32(b[off : off+4]), nil
}

func readDirHeader(b []byte, off uint32) (dirHeader, error) {
	var h dirHeader
	if uint64(off)+dirHeaderSize > uint64(len(b)) {
		return h, pkgerrors.NewCantUnpack("corrupted resources")
	}
	h.NamedEntries = binary.LittleEndian.Uint16(b[off+12 : off+14])
	h.IDEntries = binary.LittleEndian.Uint16(b[off+14 : off+16])
	return h, nil
}

// Init walks the three-level tree rooted at res (an RVA-indexed resource
// directory blob) into Tree's node graph. Init calls Check first and
// returns its error verbatim on a malformed structure.
func Init(res []byte) (*Tree, error) {
	t := &Tree{src: res}
	if err := t.Check(); err != nil {
		return nil, err
	}
	root, err := t.convert(0, nil, 0)
	if err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

// Check pre-validates that level-3 entries carry the directory bit
// (0x80000000) only at levels 0-1; any deviation fails as "unsupported
// resource structure", matching PeFile::Resource::check.
func (t *Tree) Check() error { return t.check(0, 0) }

func (t *Tree) check(off uint32, level int) error {
	h, err := readDirHeader(t.src, off)
	if err != nil {
		return err
	}
	n := h.entryCount()
	if n == 0 {
		return nil
	}
	entriesOff := off + dirHeaderSize
	for i := 0; i < n; i++ {
		entOff := entriesOff + uint32(i*dirEntrySize)
		child, err := u32(t.src, entOff+4)
		if err != nil {
			return err
		}
		isDir := child&0x80000000 != 0
		if isDir == (level == 2) {
			return pkgerrors.NewCantPack("unsupported resource structure")
		}
		if level != 2 {
			if err := t.check(child&0x7fffffff, level+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Tree) convert(off uint32, parent *Node, level int) (*Node, error) {
	if level == 3 {
		if uint64(off)+dataEntrySize > uint64(len(t.src)) {
			return nil, pkgerrors.NewCantUnpack("corrupted resources")
		}
		leaf := &Node{Parent: parent, OrigOff: off}
		leaf.Data.Offset, _ = u32(t.src, off)
		leaf.Data.Size, _ = u32(t.src, off+4)
		t.leaves = append(t.leaves, leaf)
		t.dsize += dataEntrySize
		return leaf, nil
	}

	h, err := readDirHeader(t.src, off)
	if err != nil {
		return nil, err
	}
	n := h.entryCount()
	if n == 0 {
		return nil, nil
	}
	branch := &Node{Parent: parent, OrigOff: off, Header: h, Children: make([]*Node, n)}
	entriesOff := off + dirHeaderSize
	for i := 0; i < n; i++ {
		entOff := entriesOff + uint32(i*dirEntrySize)
		tnl, err := u32(t.src, entOff)
		if err != nil {
			return nil, err
		}
		childOff, err := u32(t.src, entOff+4)
		if err != nil {
			return nil, err
		}
		child, err := t.convert(childOff&0x7fffffff, branch, level+1)
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, pkgerrors.NewInternalError("resource: empty child directory")
		}
		child.ID = tnl
		if tnl&0x80000000 != 0 {
			nameOff := tnl & 0x7fffffff
			if uint64(nameOff)+2 > uint64(len(t.src)) {
				return nil, pkgerrors.NewCantUnpack("corrupted resources")
			}
			ulen := binary.LittleEndian.Uint16(t.src[nameOff : nameOff+2])
			total := 2 + 2*int(ulen)
			if uint64(nameOff)+uint64(total) > uint64(len(t.src)) {
				return nil, pkgerrors.NewCantUnpack("corrupted resources")
			}
			name := make([]byte, total)
			copy(name, t.src[nameOff:nameOff+uint32(total)])
			child.Name = name
			t.ssize += total
		}
		branch.Children[i] = child
	}
	t.dsize += h.sizeOf()
	return branch, nil
}

// DirSize reports ALIGN_UP(dsize+ssize, 4): the byte size Build will emit.
func (t *Tree) DirSize() int { return alignUp(t.dsize+t.ssize, 4) }

func alignUp(v, a int) int { return (v + a - 1) &^ (a - 1) }

// Iterator walks every leaf in insertion order, auto-rewinding once
// exhausted, matching PeFile::Resource::next's "builtin autorewind".
type Iterator struct {
	t   *Tree
	pos int
}

// Iterate returns a fresh Iterator over t's leaves.
func (t *Tree) Iterate() *Iterator { return &Iterator{t: t, pos: -1} }

// LeafCount reports how many leaves the tree holds, letting a caller walk
// Iterate exactly once around without relying on its autorewind wrapping.
func (t *Tree) LeafCount() int { return len(t.leaves) }

// Next advances to the next leaf, wrapping to the first leaf after the
// last. It returns false only when the tree has no leaves at all.
func (it *Iterator) Next() bool {
	if len(it.t.leaves) == 0 {
		return false
	}
	it.pos++
	if it.pos >= len(it.t.leaves) {
		it.pos = 0
	}
	return true
}

func (it *Iterator) current() *Node { return it.t.leaves[it.pos] }

// IType returns the current leaf's grandparent id (the resource TYPE).
func (it *Iterator) IType() uint32 { return it.current().Parent.Parent.ID }

// NType returns the current leaf's grandparent name, or nil if numeric.
func (it *Iterator) NType() []byte { return it.current().Parent.Parent.Name }

// IName returns the current leaf's parent id (the resource NAME).
func (it *Iterator) IName() uint32 { return it.current().Parent.ID }

// NName returns the current leaf's parent name, or nil if numeric.
func (it *Iterator) NName() []byte { return it.current().Parent.Name }

// Offs returns the current leaf's original data offset (RVA).
func (it *Iterator) Offs() uint32 { return it.current().Data.Offset }

// Size returns the current leaf's 4-byte-aligned data size.
func (it *Iterator) Size() uint32 { return uint32(alignUp(int(it.current().Data.Size), 4)) }

// SetNewOffs records the RVA this leaf's data will live at in the rebuilt
// image.
func (it *Iterator) SetNewOffs(off uint32) { it.current().NewOffset = off }

// NewOffs returns the RVA previously recorded by SetNewOffs.
func (it *Iterator) NewOffs() uint32 { return it.current().NewOffset }

// Build emits a new binary tree into a contiguous buffer of size
// DirSize(): directory nodes first (back-to-front in conversion order,
// forward in the output, preserving input order), then the UTF-16 name
// strings appended after the directory area.
func (t *Tree) Build() ([]byte, error) {
	size := t.DirSize()
	if size == 0 {
		return nil, nil
	}
	out := make([]byte, size)
	bpos, spos := 0, t.dsize
	if err := t.build(t.root, out, &bpos, &spos, 0); err != nil {
		return nil, err
	}
	for spos < size {
		out[spos] = 0
		spos++
	}
	return out, nil
}

func (t *Tree) build(node *Node, out []byte, bpos, spos *int, level int) error {
	if level == 3 {
		if *bpos+dataEntrySize > len(out) {
			return pkgerrors.NewCantUnpack("corrupted resources")
		}
		off := node.Data.Offset
		if node.NewOffset != 0 {
			off = node.NewOffset
		}
		binary.LittleEndian.PutUint32(out[*bpos:], off)
		binary.LittleEndian.PutUint32(out[*bpos+4:], node.Data.Size)
		*bpos += dataEntrySize
		return nil
	}
	if *bpos+node.Header.sizeOf() > len(out) {
		return pkgerrors.NewCantUnpack("corrupted resources")
	}
	base := *bpos
	binary.LittleEndian.PutUint16(out[base+12:], node.Header.NamedEntries)
	binary.LittleEndian.PutUint16(out[base+14:], node.Header.IDEntries)
	*bpos += node.Header.sizeOf()

	entriesOff := base + dirHeaderSize
	for i, child := range node.Children {
		entOff := entriesOff + i*dirEntrySize
		tnl := child.ID
		childRef := uint32(*bpos)
		if level < 2 {
			childRef |= 0x80000000
		}
		if child.Name != nil {
			tnl = uint32(*spos) | 0x80000000
			nlen := len(child.Name)
			if *spos+nlen > len(out) {
				return pkgerrors.NewCantUnpack("corrupted resources")
			}
			copy(out[*spos:], child.Name)
			*spos += nlen
		}
		binary.LittleEndian.PutUint32(out[entOff:], tnl)
		binary.LittleEndian.PutUint32(out[entOff+4:], childRef)

		if err := t.build(child, out, bpos, spos, level+1); err != nil {
			return err
		}
	}
	return nil
}

// Clear zeroes the entire resource range (every node header and leaf data
// entry) via an Interval walk over the ORIGINAL source blob, and reports
// whether that range is a single contiguous region.
func (t *Tree) Clear() bool {
	iv := interval.New(t.src)
	t.clearWalk(t.root, 0, iv)
	iv.Flatten()
	_, _, contiguous := iv.Span()
	iv.Clear()
	return contiguous
}

func (t *Tree) clearWalk(node *Node, level int, iv *interval.Set) {
	if level == 3 {
		iv.Add(int(node.OrigOff), dataEntrySize)
		return
	}
	for _, child := range node.Children {
		t.clearWalk(child, level+1, iv)
	}
	iv.Add(int(node.OrigOff), node.Header.sizeOf())
}
