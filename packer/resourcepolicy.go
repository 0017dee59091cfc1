package packer

import (
	"encoding/binary"
	"strings"

	"github.com/pepacker/pepacker/config"
	"github.com/pepacker/pepacker/interval"
	"github.com/pepacker/pepacker/resource"
)

// alwaysExcludedResources lists the resource types the original engine
// never compresses regardless of any other setting: RT_VERSION-adjacent
// typelib and registry script resources, and type id 16 (RT_VERSION),
// matching PeFile::processResources's literal "TYPELIB,REGISTRY,16".
const alwaysExcludedResources = "TYPELIB,REGISTRY,16"

// resolveCompressResources applies the global toggle's Auto default:
// compress resources everywhere except EFI images, matching
// PeFile::processResources's opt->win32_pe.compress_resources setup.
func resolveCompressResources(t config.Tristate, isEFI bool) bool {
	switch t {
	case config.On:
		return true
	case config.Off:
		return false
	default:
		return !isEFI
	}
}

// applyResourcePolicy layers the global CompressResources toggle, the
// per-type CompressRT overrides (including RT_STRING's ".scr" default),
// the always-excluded type set, and the KeepResource pattern on top of
// applyIconPolicy's icon-family decision. Grounded on
// PeFile::processResources's setup-then-per-leaf do_compress tree: icon
// and group-icon leaves are fully decided by applyIconPolicy (left
// untouched here since its KeepFirst/KeepAllFirst semantics are already
// covered by existing tests); every other leaf, and any icon leaf
// applyIconPolicy chose to compress, is then checked against the
// always-excluded set and KeepResource, which can only force a leaf back
// to raw, never force a raw leaf to compress.
func applyResourcePolicy(ibuf []byte, t *resource.Tree, opts config.Options, isEFI, isSCR bool, captured *interval.Set) []KeptResource {
	compressResources := resolveCompressResources(opts.CompressResources, isEFI)

	iconMode := opts.CompressIcons
	if !compressResources {
		iconMode = config.IconsNever
	}
	kept := applyIconPolicy(ibuf, t, iconMode, captured)

	alreadyKept := make(map[uint32]bool, len(kept))
	for _, k := range kept {
		alreadyKept[k.Offset] = true
	}

	stringDefault := !isSCR

	n := t.LeafCount()
	it := t.Iterate()
	for i := 0; i < n; i++ {
		it.Next()
		if alreadyKept[it.Offs()] {
			continue
		}

		itype := it.IType()
		keepRaw := !compressResources
		if compressResources {
			switch itype {
			case resource.RTIcon, resource.RTGroupIcon:
				// Fully decided by applyIconPolicy above; nothing left to
				// force here except the pattern checks below.
			case resource.RTString:
				keepRaw = !opts.CompressRTFor(resource.RTString, stringDefault)
			default:
				keepRaw = !opts.CompressRTFor(int(itype), true)
			}
		}

		if !keepRaw {
			keepRaw = matchResourcePattern(itype, it.NType(), it.IName(), it.NName(), alwaysExcludedResources)
		}
		if !keepRaw && opts.KeepResource != "" {
			keepRaw = matchResourcePattern(itype, it.NType(), it.IName(), it.NName(), opts.KeepResource)
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

// matchResourcePattern reports whether (itype,iname) matches any
// comma-separated "type[/name]" component of keep, ported from the
// original engine's static match()/Helper::match functions.
func matchResourcePattern(itype uint32, ntype []byte, iname uint32, nname []byte, keep string) bool {
	for keep != "" {
		delim1 := strings.IndexByte(keep, '/')
		delim2 := strings.IndexByte(keep, ',')
		if matchResourceComponent(itype, ntype, keep) {
			if delim1 == -1 {
				return true
			}
			if delim2 != -1 && delim2 < delim1 {
				return true
			}
			if matchResourceComponent(iname, nname, keep[delim1+1:]) {
				return true
			}
		}
		if delim2 == -1 {
			break
		}
		keep = keep[delim2+1:]
	}
	return false
}

// matchResourceComponent compares num/name against the leading component
// of mkeep: a numeric comparison when name is nil (numeric resource id),
// otherwise a byte-for-byte comparison of name's raw length-prefixed
// UTF-16 bytes against mkeep's ASCII bytes, matching Helper::match.
func matchResourceComponent(num uint32, name []byte, mkeep string) bool {
	if name == nil {
		return uint32(atoiPrefix(mkeep)) == num
	}
	if len(name) < 2 {
		return false
	}
	ulen := int(binary.LittleEndian.Uint16(name[0:2]))
	for ic := 0; ic < ulen; ic++ {
		idx := 2 + ic*2
		if idx >= len(name) || ic >= len(mkeep) {
			return false
		}
		if name[idx] != mkeep[ic] {
			return false
		}
	}
	if ulen < len(mkeep) {
		c := mkeep[ulen]
		return c == 0 || c == ',' || c == '/'
	}
	return true
}

// atoiPrefix parses the leading decimal integer of s, matching C's atoi:
// stop at the first non-digit, 0 if none found.
func atoiPrefix(s string) int {
	i, neg := 0, false
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}
	n := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		n = n*10 + int(s[i]-'0')
		i++
	}
	if neg {
		n = -n
	}
	return n
}
