// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"testing"
)

func TestAmdFletcher32(t *testing.T) {
	assertEqual := func(expected, actual uint32) {
		t.Helper()
		if expected != actual {
			t.Errorf("Expected: 0x%X, but got: 0x%X", expected, actual)
		}
	}
	sum := func(data []byte) uint32 {
		f := NewAmdFletcher32()
		f.UpdateBytes(data)
		return f.Value()
	}
	assertEqual(0xF04FC729, sum([]byte("abcde")))
	assertEqual(0x56502D2A, sum([]byte("abcdef")))
	assertEqual(0xEBE19591, sum([]byte("abcdefgh")))
}

func TestAmdFletcher32ZeroWordOnSeedIsNeutral(t *testing.T) {
	// The seed is congruent to zero mod 0xFFFF, so zero words keep the
	// seeded state in the same residue class.
	f := NewAmdFletcher32()
	before := f.Value()
	f.Update([]uint16{0x0000, 0x0000})
	if after := f.Value(); after != before {
		t.Errorf("zero words changed the seeded checksum: 0x%X -> 0x%X", before, after)
	}
}

func TestAmdFletcher32LongInput(t *testing.T) {
	// Cross several forced reductions; the value must stay congruent
	// with a straightforward mod-65535 computation.
	words := make([]uint16, 4*fletcherMaxChunkWords+17)
	for i := range words {
		words[i] = uint16(i*31 + 7)
	}
	f := NewAmdFletcher32()
	f.Update(words)
	got := f.Value()

	var a, b uint64
	a, b = 0xffff, 0xffff
	for _, w := range words {
		a = (a + uint64(w)) % 0xffff
		b = (b + a) % 0xffff
	}
	norm := func(x uint32) uint32 { return x % 0xffff }
	if norm(got&0xffff) != norm(uint32(a)) {
		t.Errorf("low word 0x%X not congruent with 0x%X", got&0xffff, a)
	}
	if norm(got>>16) != norm(uint32(b)) {
		t.Errorf("high word 0x%X not congruent with 0x%X", got>>16, b)
	}
}

func TestDirectoryChecksumMatchesHeader(t *testing.T) {
	d, err := NewPspDirectory(0x2_0000, 0, AddressModeEfsRelativeOffset, PspDirectoryCookie, nil, []PspDirectoryEntry{
		NewPspValueEntry(PspDirectoryEntryAttrs(0).WithType(PspEntryPspSoftFuseChain), 1),
	})
	if err != nil {
		t.Fatalf("NewPspDirectory: %v", err)
	}
	raw, err := d.serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if got := CalculateDirectoryChecksum(raw); got != d.Header.Checksum {
		t.Errorf("Incorrect checksum: 0x%X, expected: 0x%X", got, d.Header.Checksum)
	}
	if err := d.VerifyChecksum(); err != nil {
		t.Errorf("VerifyChecksum: %v", err)
	}
}
