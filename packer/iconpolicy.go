package packer

import (
	"encoding/binary"

	"github.com/pepacker/pepacker/config"
	"github.com/pepacker/pepacker/interval"
	"github.com/pepacker/pepacker/resource"
)

// KeptResource is one resource leaf (an icon-family leaf, or any leaf the
// resource policy keeps raw) preserved byte-for-byte across a
// pack/unpack cycle rather than folded into the compressed virtual image,
// matching PeFile::Resource's do_compress==false extraction.
type KeptResource struct {
	Offset uint32
	Data   []byte
}

// applyIconPolicy walks t's leaves and decides, per mode, which RT_ICON /
// RT_GROUP_ICON leaves must ride through untouched rather than compress
// away with the rest of the virtual image, grounded on PeFile::Resource's
// compress_icons handling: under IconsKeepFirst, only the icon whose id
// matches the first GROUP_ICON directory's first member (plus that
// directory itself) survives raw; under IconsKeepAllFirst, every icon
// listed in that directory survives; under IconsNever nothing is folded
// into the compressed stream; under IconsCompressAll nothing is kept.
// Every kept leaf's range is captured (so it zeroes out of the virtual
// image before compression) and returned so the Manifest can restore it
// verbatim on Unpack.
func applyIconPolicy(ibuf []byte, t *resource.Tree, mode config.CompressIcons, captured *interval.Set) []KeptResource {
	n := t.LeafCount()
	if n == 0 || mode == config.IconsCompressAll {
		return nil
	}

	firstGroupOffset, firstGroupIDs := firstGroupIcon(ibuf, t, n)

	var kept []KeptResource
	it := t.Iterate()
	for i := 0; i < n; i++ {
		it.Next()
		keepRaw := false
		switch it.IType() {
		case resource.RTGroupIcon:
			keepRaw = mode == config.IconsNever || it.Offs() == firstGroupOffset
		case resource.RTIcon:
			switch mode {
			case config.IconsNever:
				keepRaw = true
			case config.IconsKeepFirst:
				keepRaw = len(firstGroupIDs) > 0 && it.IName() == firstGroupIDs[0]
			case config.IconsKeepAllFirst:
				keepRaw = containsIconID(firstGroupIDs, it.IName())
			}
		}
		if !keepRaw {
			continue
		}

		off, size := it.Offs(), it.Size()
		if uint64(off)+uint64(size) > uint64(len(ibuf)) {
			continue
		}
		data := make([]byte, size)
		copy(data, ibuf[off:off+size])
		kept = append(kept, KeptResource{Offset: off, Data: data})
		captured.Add(int(off), int(size))
	}
	return kept
}

// firstGroupIcon returns the RVA and member icon ids of the first
// RT_GROUP_ICON directory encountered, per the GRPICONDIR layout: a
// 6-byte header (reserved, type, count) followed by 14-byte
// GRPICONDIRENTRY records whose icon id sits at relative offset 12.
func firstGroupIcon(ibuf []byte, t *resource.Tree, n int) (uint32, []uint32) {
	it := t.Iterate()
	for i := 0; i < n; i++ {
		it.Next()
		if it.IType() != resource.RTGroupIcon {
			continue
		}
		off := it.Offs()
		if uint64(off)+6 > uint64(len(ibuf)) {
			return off, nil
		}
		count := int(binary.LittleEndian.Uint16(ibuf[off+4 : off+6]))
		ids := make([]uint32, 0, count)
		for e := 0; e < count; e++ {
			entOff := uint64(off) + 6 + uint64(e*14) + 12
			if entOff+2 > uint64(len(ibuf)) {
				break
			}
			ids = append(ids, uint32(binary.LittleEndian.Uint16(ibuf[entOff:entOff+2])))
		}
		return off, ids
	}
	return 0, nil
}

func containsIconID(ids []uint32, id uint32) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
