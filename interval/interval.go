// Package interval implements a sorted, coalescing set of [offset,len)
// byte ranges over a base buffer, used to mark "dead" image regions that
// should end up zeroed once their original content has been captured
// elsewhere (an export blob, a kept resource leaf, a stripped IAT).
//
// Grounded on PeFile::Interval in the original engine: add/flatten/clear
// keep their semantics verbatim, including the flatten tie-break (on equal
// start, the longer entry sorts first) and the "gap scanning" shape used
// by the teacher's CodeCaveDetector for finding zero-filled byte ranges.
package interval

import "sort"

// Range is one [Start, Start+Len) byte span.
type Range struct {
	Start int
	Len   int
}

// Set is a growable collection of Ranges over a shared base buffer.
type Set struct {
	base   []byte
	ranges []Range
}

// New creates an empty Set over base. base is not copied; Clear mutates it
// in place.
func New(base []byte) *Set {
	return &Set{base: base}
}

// Add records [start, start+len) as dead.
func (s *Set) Add(start, length int) {
	if length <= 0 {
		return
	}
	s.ranges = append(s.ranges, Range{Start: start, Len: length})
}

// AddPointer records the range [p, p+len) as dead, where p is expressed as
// an offset already computed relative to the Set's base buffer.
func (s *Set) AddPointer(offset, length int) { s.Add(offset, length) }

// AddSpan records [start, end) as dead.
func (s *Set) AddSpan(start, end int) { s.Add(start, end-start) }

// AddSet merges every range of other into s.
func (s *Set) AddSet(other *Set) {
	for _, r := range other.ranges {
		s.Add(r.Start, r.Len)
	}
}

// Flatten sorts ranges by Start ascending (longer entries first on a tie)
// and coalesces any entry whose Start lies within or immediately after the
// current entry's span, extending the current entry to cover it. It is
// safe to call Flatten repeatedly; after it returns, ranges are disjoint
// and sorted by Start.
func (s *Set) Flatten() {
	if len(s.ranges) == 0 {
		return
	}
	sort.Slice(s.ranges, func(i, j int) bool {
		if s.ranges[i].Start != s.ranges[j].Start {
			return s.ranges[i].Start < s.ranges[j].Start
		}
		return s.ranges[i].Len > s.ranges[j].Len
	})
	out := s.ranges[:1]
	for _, r := range s.ranges[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.Start+last.Len {
			if end := r.Start + r.Len; end > last.Start+last.Len {
				last.Len = end - last.Start
			}
			continue
		}
		out = append(out, r)
	}
	s.ranges = out
}

// Ranges returns the current (not necessarily flattened) entries.
func (s *Set) Ranges() []Range { return s.ranges }

// Len returns the number of entries currently held (pre-Flatten, this may
// include overlaps).
func (s *Set) Len() int { return len(s.ranges) }

// Span reports the [min, max) span covered after Flatten, and whether the
// set, once flattened, is a single contiguous range.
func (s *Set) Span() (start, end int, contiguous bool) {
	if len(s.ranges) == 0 {
		return 0, 0, false
	}
	s.Flatten()
	first := s.ranges[0]
	last := s.ranges[len(s.ranges)-1]
	return first.Start, last.Start + last.Len, len(s.ranges) == 1
}

// Clear zeroes every flattened range in the owning buffer.
func (s *Set) Clear() {
	s.Flatten()
	for _, r := range s.ranges {
		if r.Start < 0 || r.Start+r.Len > len(s.base) {
			continue
		}
		clearRange := s.base[r.Start : r.Start+r.Len]
		for i := range clearRange {
			clearRange[i] = 0
		}
	}
}

// Dump returns the current ranges for diagnostics, mirroring
// PeFile::Interval::dump.
func (s *Set) Dump() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Gaps returns the complement of the flattened set within [0, bufLen):
// every byte range NOT covered by an entry, generalized from the
// teacher's CodeCaveDetector. The packer does not call it.
func (s *Set) Gaps(bufLen int) []Range {
	s.Flatten()
	var gaps []Range
	cursor := 0
	for _, r := range s.ranges {
		if r.Start > cursor {
			gaps = append(gaps, Range{Start: cursor, Len: r.Start - cursor})
		}
		if next := r.Start + r.Len; next > cursor {
			cursor = next
		}
	}
	if cursor < bufLen {
		gaps = append(gaps, Range{Start: cursor, Len: bufLen - cursor})
	}
	return gaps
}
