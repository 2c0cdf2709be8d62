// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bytes

import (
	"testing"
)

func rangesEqual(a, b Ranges) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRangeIntersect(t *testing.T) {
	for _, tc := range []struct {
		name string
		a, b Range
		want bool
	}{
		{"disjoint", Range{0x20_0000, 0x1000}, Range{0x21_0000, 0x1000}, false},
		{"adjacent", Range{0x20_0000, 0x1000}, Range{0x20_1000, 0x1000}, false},
		{"overlapping", Range{0x24_0000, 0x4_0000}, Range{0x26_0000, 0x4_0000}, true},
		{"contained", Range{0x20_0000, 0x10_0000}, Range{0x24_0000, 0x1000}, true},
		{"identical", Range{0x2_0000, 0x1000}, Range{0x2_0000, 0x1000}, true},
		{"one_byte", Range{0x2_0000, 0x1001}, Range{0x2_1000, 0x1000}, true},
		{"empty_a", Range{0x2_0000, 0}, Range{0x2_0000, 0x1000}, false},
		{"empty_b", Range{0x2_0000, 0x1000}, Range{0x2_0000, 0}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Intersect(tc.b); got != tc.want {
				t.Errorf("%v.Intersect(%v) = %v, expected %v", tc.a, tc.b, got, tc.want)
			}
			// Intersection is symmetric.
			if got := tc.b.Intersect(tc.a); got != tc.want {
				t.Errorf("%v.Intersect(%v) = %v, expected %v", tc.b, tc.a, got, tc.want)
			}
		})
	}
}

func TestRangeEnd(t *testing.T) {
	r := Range{Offset: 0x20_0000, Length: 0x1000}
	if r.End() != 0x20_1000 {
		t.Errorf("End() = 0x%x, expected 0x201000", r.End())
	}
}

func TestRangesSortAndMerge(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   Ranges
		want Ranges
	}{
		{
			"nothing_to_merge",
			Ranges{{2, 1}, {0, 1}},
			Ranges{{0, 1}, {2, 1}},
		},
		{
			"merge_adjacent",
			Ranges{{1, 1}, {0, 1}},
			Ranges{{0, 2}},
		},
		{
			"merge_overlapping",
			Ranges{{0, 4}, {2, 4}},
			Ranges{{0, 6}},
		},
		{
			"merge_contained",
			Ranges{{0, 8}, {2, 2}},
			Ranges{{0, 8}},
		},
		{
			"directory_layout",
			Ranges{{0xFA_0000, 0x1000}, {0x20_0000, 0x1_0000}, {0x21_0000, 0x1_0000}},
			Ranges{{0x20_0000, 0x2_0000}, {0xFA_0000, 0x1000}},
		},
		{
			"single",
			Ranges{{5, 5}},
			Ranges{{5, 5}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := append(Ranges{}, tc.in...)
			got.SortAndMerge()
			if !rangesEqual(got, tc.want) {
				t.Errorf("SortAndMerge(%v) = %v, expected %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestRangeExclude(t *testing.T) {
	for _, tc := range []struct {
		name     string
		r        Range
		excludes Ranges
		want     Ranges
	}{
		{
			"two_holes",
			Range{0, 10},
			Ranges{{1, 1}, {5, 1}},
			Ranges{{0, 1}, {2, 3}, {6, 4}},
		},
		{"head", Range{0, 10}, Ranges{{0, 1}}, Ranges{{1, 9}}},
		{"tail", Range{0, 10}, Ranges{{9, 1}}, Ranges{{0, 9}}},
		{"tail_past_end", Range{0, 10}, Ranges{{9, 2}}, Ranges{{0, 9}}},
		{"head_before_beginning", Range{10, 10}, Ranges{{9, 2}}, Ranges{{11, 9}}},
		{"nothing_excluded", Range{0, 10}, nil, Ranges{{0, 10}}},
		{"exclude_before", Range{10, 10}, Ranges{{0, 10}}, Ranges{{10, 10}}},
		{"exclude_after", Range{0, 10}, Ranges{{10, 10}}, Ranges{{0, 10}}},
		{"exclude_all", Range{0, 10}, Ranges{{0, 10}}, nil},
		{"exclude_superset", Range{10, 10}, Ranges{{0, 30}}, nil},
		{
			"unsorted_excludes",
			Range{0x20_0000, 0x10_0000},
			Ranges{{0x28_0000, 0x1000}, {0x24_0000, 0x1000}},
			Ranges{{0x20_0000, 0x4_0000}, {0x24_1000, 0x3_F000}, {0x28_1000, 0x7_F000}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.r.Exclude(tc.excludes...)
			if !rangesEqual(got, tc.want) {
				t.Errorf("%v.Exclude(%v) = %v, expected %v", tc.r, tc.excludes, got, tc.want)
			}
		})
	}
}

func TestRangesIsIn(t *testing.T) {
	s := Ranges{{0x2_0000, 0x1000}, {0xFA_0000, 0x100}}
	for _, tc := range []struct {
		index uint64
		want  bool
	}{
		{0x2_0000, true},
		{0x2_0fff, true},
		{0x2_1000, false},
		{0x1_ffff, false},
		{0xFA_0000, true},
		{0xFA_0100, false},
	} {
		if got := s.IsIn(tc.index); got != tc.want {
			t.Errorf("IsIn(0x%x) = %v, expected %v", tc.index, got, tc.want)
		}
	}
}
