// Copyright 2019 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bytes provides byte-range arithmetic for flash layout
// bookkeeping: placement conflict checks and layout maps.
package bytes

import (
	"fmt"
	"sort"
	"strings"
)

// Range is a half-open byte interval of a flash image.
type Range struct {
	Offset uint64
	Length uint64
}

func (r Range) String() string {
	return fmt.Sprintf(`{"Offset":"0x%x", "Length":"0x%x"}`, r.Offset, r.Length)
}

// End returns the first offset after the range.
func (r Range) End() uint64 {
	return r.Offset + r.Length
}

// Intersect returns true if ranges "r" and "cmp" have at least
// one byte with the same offset.
func (r Range) Intersect(cmp Range) bool {
	if r.Length == 0 || cmp.Length == 0 {
		return false
	}
	if r.End() <= cmp.Offset {
		return false
	}
	if r.Offset >= cmp.End() {
		return false
	}
	return true
}

// Ranges is a helper to manipulate multiple `Range`-s at once.
type Ranges []Range

func (s Ranges) String() string {
	r := make([]string, 0, len(s))
	for _, oneRange := range s {
		r = append(r, oneRange.String())
	}
	return `[` + strings.Join(r, `, `) + `]`
}

// Sort sorts the slice by field Offset.
func (s Ranges) Sort() {
	sort.Slice(s, func(i, j int) bool {
		return s[i].Offset < s[j].Offset
	})
}

// MergeRanges merges ranges which have a distance less than or equal to
// mergeDistance.
//
// Warning: should be called only on sorted ranges!
func MergeRanges(in Ranges, mergeDistance uint64) Ranges {
	if len(in) < 2 {
		return in
	}

	var result Ranges
	entry := in[0]
	for _, nextEntry := range in[1:] {
		if entry.Offset+entry.Length+mergeDistance >= nextEntry.Offset {
			if nextEntry.End() > entry.End() {
				entry.Length = nextEntry.End() - entry.Offset
			}
			continue
		}

		result = append(result, entry)
		entry = nextEntry
	}
	result = append(result, entry)

	return result
}

// SortAndMerge sorts the slice (by field Offset) and then merges ranges
// which can be merged.
func (s *Ranges) SortAndMerge() {
	if len(*s) < 2 {
		return
	}
	s.Sort()

	*s = MergeRanges(*s, 0)
}

// Exclude returns the parts of r not covered by any of the given ranges.
func (r Range) Exclude(excludes ...Range) Ranges {
	if r.Length == 0 {
		return nil
	}
	ex := make(Ranges, 0, len(excludes))
	for _, e := range excludes {
		if e.Length != 0 {
			ex = append(ex, e)
		}
	}
	ex.SortAndMerge()

	var result Ranges
	cur := r.Offset
	end := r.End()
	for _, e := range ex {
		if e.End() <= cur {
			continue
		}
		if e.Offset >= end {
			break
		}
		if e.Offset > cur {
			result = append(result, Range{Offset: cur, Length: e.Offset - cur})
		}
		if e.End() > cur {
			cur = e.End()
		}
	}
	if cur < end {
		result = append(result, Range{Offset: cur, Length: end - cur})
	}
	return result
}

// IsIn returns whether index is covered by one of the ranges.
func (s Ranges) IsIn(index uint64) bool {
	for _, r := range s {
		if r.Offset <= index && index < r.End() {
			return true
		}
	}
	return false
}
