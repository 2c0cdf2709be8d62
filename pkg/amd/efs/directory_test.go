// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linuxboot/amdefs/pkg/amd/flash"
)

// A $PSP directory with one soft-fuse-chain value entry, as laid out on
// flash: spi_block_size 4 kiB, EFS-relative address mode.
var pspDirectoryDataChunk = []byte{
	0x24, 0x50, 0x53, 0x50, // "$PSP"
	0x0d, 0x24, 0x69, 0x48, // checksum
	0x01, 0x00, 0x00, 0x00, // total entries
	0x00, 0x04, 0x00, 0x20, // additional info

	0x0b, 0x00, 0x00, 0x00, // attrs: PSP_SOFT_FUSE_CHAIN
	0xff, 0xff, 0xff, 0xff, // size: value marker
	0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // source: value 1
}

func testFlash(t *testing.T, size uint32) *flash.FlashImage {
	t.Helper()
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0xff
	}
	f, err := flash.NewMemoryFlashImage(buf, 0x1000)
	require.NoError(t, err)
	return f
}

func writeChunk(t *testing.T, f *flash.FlashImage, location flash.Location, data []byte) {
	t.Helper()
	loc, err := flash.ErasableLocationOf(f, location)
	require.NoError(t, err)
	require.NoError(t, flash.EraseAndWriteBlocks(f, loc, data))
}

func TestLoadPspDirectoryChunk(t *testing.T) {
	f := testFlash(t, 0x40_0000)
	writeChunk(t, f, 0x2_0000, pspDirectoryDataChunk)

	d, err := LoadPspDirectory(f, 0x2_0000, 0, nil)
	require.NoError(t, err)
	require.Equal(t, PspDirectoryCookie, d.Header.Cookie)
	require.Equal(t, uint32(1), d.Header.TotalEntries)
	require.Equal(t, AddressModeEfsRelativeOffset, d.DirectoryAddressMode())
	require.NoError(t, d.VerifyChecksum())

	entries := d.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, PspEntryPspSoftFuseChain, entries[0].Type())
	require.True(t, entries[0].IsValue())
	value, err := entries[0].Value()
	require.NoError(t, err)
	require.Equal(t, uint64(1), value)

	// A value entry has no payload location.
	_, err = d.PayloadBeginning(entries[0])
	require.ErrorIs(t, err, ErrDirectoryTypeMismatch)
}

func TestLoadDirectoryBadCookie(t *testing.T) {
	f := testFlash(t, 0x40_0000)
	chunk := append([]byte{}, pspDirectoryDataChunk...)
	copy(chunk, []byte("XXXX"))
	writeChunk(t, f, 0x2_0000, chunk)

	_, err := LoadPspDirectory(f, 0x2_0000, 0, nil)
	require.ErrorIs(t, err, ErrDirectoryTypeMismatch)
	_, err = LoadBhdDirectory(f, 0x2_0000, 0, nil)
	require.ErrorIs(t, err, ErrDirectoryTypeMismatch)
	_, err = LoadComboDirectory(f, 0x2_0000, false, nil)
	require.ErrorIs(t, err, ErrDirectoryTypeMismatch)
}

func TestLoadDirectoryOtherRelativeModeRejected(t *testing.T) {
	f := testFlash(t, 0x40_0000)
	chunk := append([]byte{}, pspDirectoryDataChunk...)
	// Flip the additional-info address mode to other-directory-relative.
	chunk[15] = 0x60
	writeChunk(t, f, 0x2_0000, chunk)

	_, err := LoadPspDirectory(f, 0x2_0000, 0, nil)
	require.ErrorIs(t, err, ErrDirectoryTypeMismatch)
}

func TestLoadDirectoryTooManyEntries(t *testing.T) {
	f := testFlash(t, 0x40_0000)
	chunk := append([]byte{}, pspDirectoryDataChunk...)
	chunk[8] = 65 // total entries beyond capacity
	writeChunk(t, f, 0x2_0000, chunk)

	_, err := LoadPspDirectory(f, 0x2_0000, 0, nil)
	require.ErrorIs(t, err, ErrDirectoryRangeCheck)
}

func TestPspDirectorySaveLoadRoundTrip(t *testing.T) {
	f := testFlash(t, 0x40_0000)

	entry, err := NewPspPayloadEntry(
		PspDirectoryEntryAttrs(0).WithType(PspEntryAmdPublicKey),
		0x800, 0x21_0000)
	require.NoError(t, err)
	d, err := NewPspDirectory(0x20_0000, 0, AddressModeEfsRelativeOffset, PspDirectoryCookie, nil, []PspDirectoryEntry{
		NewPspValueEntry(PspDirectoryEntryAttrs(0).WithType(PspEntryPspSoftFuseChain), 1),
		entry,
	})
	require.NoError(t, err)

	beginning, err := flash.ErasableLocationOf(f, 0x20_0000)
	require.NoError(t, err)
	end, err := flash.ErasableLocationOf(f, 0x21_0000)
	require.NoError(t, err)
	rng, err := flash.NewErasableRange(beginning, end)
	require.NoError(t, err)
	require.NoError(t, d.Save(f, &rng, 0x21_0000))

	loaded, err := LoadPspDirectory(f, 0x20_0000, 0, nil)
	require.NoError(t, err)
	require.Equal(t, d.Header, loaded.Header)
	require.Equal(t, d.Entries(), loaded.Entries())
	require.NoError(t, loaded.VerifyChecksum())
	require.Equal(t, uint16(0x210), loaded.AdditionalInfo().BaseAddress())
	require.Equal(t, uint16(1), loaded.AdditionalInfo().SpiBlockSize())

	payload, err := loaded.PayloadBeginning(loaded.Entries()[1])
	require.NoError(t, err)
	require.Equal(t, flash.Location(0x21_0000), payload)
}

func TestPspDirectorySaveMisalignedPayloadBase(t *testing.T) {
	f := testFlash(t, 0x40_0000)
	d, err := NewPspDirectory(0x20_0000, 0, AddressModeEfsRelativeOffset, PspDirectoryCookie, nil, nil)
	require.NoError(t, err)

	beginning, err := flash.ErasableLocationOf(f, 0x20_0000)
	require.NoError(t, err)
	end, err := flash.ErasableLocationOf(f, 0x21_0000)
	require.NoError(t, err)
	rng, err := flash.NewErasableRange(beginning, end)
	require.NoError(t, err)
	err = d.Save(f, &rng, 0x21_0800)
	require.ErrorIs(t, err, ErrDirectoryPayloadMisaligned)
}

func TestBhdDirectorySaveLoadRoundTrip(t *testing.T) {
	f := testFlash(t, 0x40_0000)

	destination := uint64(0x7600_0000)
	entry, err := NewBhdPayloadEntry(
		BhdDirectoryEntryAttrs(0).WithType(BhdEntryBios).WithResetImage(true).WithCopyImage(true),
		0x1000, 0x25_0000, &destination)
	require.NoError(t, err)
	d, err := NewBhdDirectory(0x24_0000, 0, AddressModeEfsRelativeOffset, BhdDirectoryCookie, nil, []BhdDirectoryEntry{entry})
	require.NoError(t, err)

	beginning, err := flash.ErasableLocationOf(f, 0x24_0000)
	require.NoError(t, err)
	end, err := flash.ErasableLocationOf(f, 0x25_0000)
	require.NoError(t, err)
	rng, err := flash.NewErasableRange(beginning, end)
	require.NoError(t, err)
	require.NoError(t, d.Save(f, &rng, 0x25_0000))

	loaded, err := LoadBhdDirectory(f, 0x24_0000, 0, nil)
	require.NoError(t, err)
	require.Equal(t, d.Header, loaded.Header)
	require.Equal(t, d.Entries(), loaded.Entries())
	require.NoError(t, loaded.VerifyChecksum())

	got := loaded.Entries()[0]
	require.Equal(t, BhdEntryBios, got.Type())
	require.True(t, got.Attrs.ResetImage())
	dst, ok := got.Destination()
	require.True(t, ok)
	require.Equal(t, destination, dst)
	payload, err := loaded.PayloadBeginning(got)
	require.NoError(t, err)
	require.Equal(t, flash.Location(0x25_0000), payload)
}

func TestDirectoryRelativePayloadResolution(t *testing.T) {
	// Weak directory mode: the entry carries its own mode in the top bits.
	raw, err := EncodeSource(NewDirectoryRelativeOffset(0x2000), WeakAddressMode)
	require.NoError(t, err)
	entry, err := NewPspPayloadEntry(PspDirectoryEntryAttrs(0).WithType(PspEntryPspBootloader), 0x100, raw)
	require.NoError(t, err)
	d, err := NewPspDirectory(0x20_0000, 0, WeakAddressMode, PspDirectoryCookie, nil, []PspDirectoryEntry{entry})
	require.NoError(t, err)

	payload, err := d.PayloadBeginning(entry)
	require.NoError(t, err)
	require.Equal(t, flash.Location(0x20_2000), payload)

	// Other-directory-relative entries resolve against mode3Base.
	raw, err = EncodeSource(NewOtherDirectoryRelativeOffset(0x3000), WeakAddressMode)
	require.NoError(t, err)
	entry2, err := NewPspPayloadEntry(PspDirectoryEntryAttrs(0).WithType(PspEntryPspBootloader), 0x100, raw)
	require.NoError(t, err)
	d2, err := NewPspDirectory(0x20_0000, 0x10_0000, WeakAddressMode, PspDirectoryCookie, nil, []PspDirectoryEntry{entry2})
	require.NoError(t, err)

	payload, err = d2.PayloadBeginning(entry2)
	require.NoError(t, err)
	require.Equal(t, flash.Location(0x10_3000), payload)
}

func TestDirectoryEntryCapacity(t *testing.T) {
	d, err := NewPspDirectory(0x20_0000, 0, AddressModeEfsRelativeOffset, PspDirectoryCookie, nil, nil)
	require.NoError(t, err)
	for i := 0; i < MaxDirectoryEntries; i++ {
		require.NoError(t, d.AddEntry(NewPspValueEntry(PspDirectoryEntryAttrs(0).WithType(PspEntryPspSoftFuseChain), uint64(i))))
	}
	err = d.AddEntry(NewPspValueEntry(PspDirectoryEntryAttrs(0).WithType(PspEntryPspSoftFuseChain), 64))
	require.ErrorIs(t, err, ErrDirectoryRangeCheck)
}

func TestComboDirectoryRoundTrip(t *testing.T) {
	f := testFlash(t, 0x40_0000)

	d, err := NewComboDirectory(0x20_0000, PspComboDirectoryCookie, 0, false, nil, []ComboDirectoryEntry{
		{IdSelect: 0, Id: 0xbc0a0000, DirectoryLocation: 0x24_0000},
	})
	require.NoError(t, err)

	beginning, err := flash.ErasableLocationOf(f, 0x20_0000)
	require.NoError(t, err)
	end, err := flash.ErasableLocationOf(f, 0x21_0000)
	require.NoError(t, err)
	rng, err := flash.NewErasableRange(beginning, end)
	require.NoError(t, err)
	require.NoError(t, d.Save(f, &rng))

	loaded, err := LoadComboDirectory(f, 0x20_0000, false, nil)
	require.NoError(t, err)
	require.Equal(t, d.Header, loaded.Header)
	require.Equal(t, d.Entries(), loaded.Entries())
	require.NoError(t, loaded.VerifyChecksum())

	location, err := loaded.EntryDirectoryBeginning(loaded.Entries()[0])
	require.NoError(t, err)
	require.Equal(t, flash.Location(0x24_0000), location)
}

func TestMinimalDirectorySizes(t *testing.T) {
	size, err := MinimalPspDirectorySize(0)
	require.NoError(t, err)
	require.Equal(t, uint32(16), size)
	size, err = MinimalPspDirectorySize(2)
	require.NoError(t, err)
	require.Equal(t, uint32(48), size)
	size, err = MinimalBhdDirectorySize(2)
	require.NoError(t, err)
	require.Equal(t, uint32(64), size)
	size, err = MinimalComboDirectorySize(1)
	require.NoError(t, err)
	require.Equal(t, uint32(48), size)

	_, err = MinimalPspDirectorySize(0xffff_ffff)
	require.ErrorIs(t, err, ErrDirectoryRangeCheck)
}
