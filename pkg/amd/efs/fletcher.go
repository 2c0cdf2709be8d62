// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import "encoding/binary"

// AmdFletcher32 is the Fletcher-32 variant AMD's boot ROM uses over
// directories: the stream is little-endian u16 words, both accumulators
// seed at 0x0000FFFF, and sums are folded back into 16 bits at least
// every 359 words so the intermediate values fit 32 bits.
type AmdFletcher32 struct {
	a, b  uint32
	chunk int
}

const fletcherMaxChunkWords = 359

// NewAmdFletcher32 returns a checksummer in its seed state.
func NewAmdFletcher32() *AmdFletcher32 {
	return &AmdFletcher32{a: 0xffff, b: 0xffff}
}

func fletcherFold(x uint32) uint32 {
	return (x & 0xffff) + (x >> 16)
}

// Update feeds words into the checksum.
func (f *AmdFletcher32) Update(words []uint16) {
	for _, w := range words {
		f.a += uint32(w)
		f.b += f.a
		f.chunk++
		if f.chunk == fletcherMaxChunkWords {
			f.a = fletcherFold(f.a)
			f.b = fletcherFold(f.b)
			f.chunk = 0
		}
	}
}

// UpdateBytes feeds bytes as little-endian u16 pairs; a trailing odd byte
// is treated as a word with a zero high byte.
func (f *AmdFletcher32) UpdateBytes(data []byte) {
	for len(data) >= 2 {
		f.Update([]uint16{binary.LittleEndian.Uint16(data)})
		data = data[2:]
	}
	if len(data) == 1 {
		f.Update([]uint16{uint16(data[0])})
	}
}

// Value returns (b << 16) | a with both accumulators folded into 16 bits.
func (f *AmdFletcher32) Value() uint32 {
	a := fletcherFold(fletcherFold(f.a))
	b := fletcherFold(fletcherFold(f.b))
	return b<<16 | a
}

const directoryChecksumDataOffset = 8

// CalculateDirectoryChecksum computes the expected checksum of a
// directory in serialised form. The cookie and the checksum field itself
// (the first 8 bytes) are excluded; everything after them, through the
// last entry, is covered.
func CalculateDirectoryChecksum(directoryRaw []byte) uint32 {
	f := NewAmdFletcher32()
	f.UpdateBytes(directoryRaw[directoryChecksumDataOffset:])
	return f.Value()
}
