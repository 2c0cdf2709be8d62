// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourceRoundTrip(t *testing.T) {
	cases := []struct {
		name          string
		source        ValueOrLocation
		directoryMode AddressMode
	}{
		{"efs_offset_strong", NewEfsRelativeOffset(0x21_0000), AddressModeEfsRelativeOffset},
		{"physical_strong", NewPhysicalAddress(0xff02_0000), AddressModePhysicalAddress},
		{"efs_offset_weak", NewEfsRelativeOffset(0x21_0000), WeakAddressMode},
		{"physical_weak", NewPhysicalAddress(0xff02_0000), WeakAddressMode},
		{"directory_relative_weak", NewDirectoryRelativeOffset(0x400), WeakAddressMode},
		{"other_directory_weak", NewOtherDirectoryRelativeOffset(0x1000), WeakAddressMode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := EncodeSource(tc.source, tc.directoryMode)
			require.NoError(t, err)
			decoded, err := DecodeSource(raw, tc.directoryMode)
			require.NoError(t, err)
			require.Equal(t, tc.source, decoded)
		})
	}
}

func TestEncodeSourceModeMismatch(t *testing.T) {
	_, err := EncodeSource(NewPhysicalAddress(0xff00_0000), AddressModeEfsRelativeOffset)
	require.ErrorIs(t, err, ErrEntryTypeMismatch)

	_, err = EncodeSource(NewValue(1), AddressModeEfsRelativeOffset)
	require.ErrorIs(t, err, ErrEntryTypeMismatch)
}

func TestDecodeSourceWeakModeBits(t *testing.T) {
	// In the weak mode the top two bits select the entry's own mode.
	raw := uint64(AddressModeEfsRelativeOffset)<<62 | 0x21_0000
	decoded, err := DecodeSource(raw, WeakAddressMode)
	require.NoError(t, err)
	mode, err := decoded.Mode()
	require.NoError(t, err)
	require.Equal(t, AddressModeEfsRelativeOffset, mode)
	offset, err := decoded.Offset()
	require.NoError(t, err)
	require.Equal(t, uint64(0x21_0000), offset)

	// Under a strong directory mode the same bits are address bits.
	_, err = DecodeSource(raw, AddressModeEfsRelativeOffset)
	require.ErrorIs(t, err, ErrDirectoryPayloadRangeCheck)
}

func TestDecodeSourceRangeChecks(t *testing.T) {
	_, err := DecodeSource(0x1_0000_0000, AddressModeEfsRelativeOffset)
	require.ErrorIs(t, err, ErrDirectoryPayloadRangeCheck)

	raw := uint64(AddressModeDirectoryRelativeOffset)<<62 | 0x1_0000_0000
	_, err = DecodeSource(raw, WeakAddressMode)
	require.ErrorIs(t, err, ErrDirectoryPayloadRangeCheck)
}

func TestMmioDecode(t *testing.T) {
	// 16 MiB window right below 4 GiB.
	offset, err := mmioDecode(0xff00_0000, 0x100_0000)
	require.NoError(t, err)
	require.Equal(t, uint32(0), offset)

	offset, err = mmioDecode(0xff02_0000, 0x100_0000)
	require.NoError(t, err)
	require.Equal(t, uint32(0x2_0000), offset)

	// Rome grey area: small values fall back to plain offsets.
	offset, err = mmioDecode(0xfa_0000, 0x100_0000)
	require.NoError(t, err)
	require.Equal(t, uint32(0xfa_0000), offset)

	_, err = mmioDecode(0x8000_0000, 0x100_0000)
	require.ErrorIs(t, err, ErrEntryTypeMismatch)
}

func TestMmioEncode(t *testing.T) {
	encoded, err := mmioEncode(0, 0x100_0000)
	require.NoError(t, err)
	require.Equal(t, uint64(0xff00_0000), encoded)

	encoded, err = mmioEncode(0xfa_0000, 0x100_0000)
	require.NoError(t, err)
	require.Equal(t, uint64(0xfffa_0000), encoded)

	_, err = mmioEncode(0x100_0000, 0x100_0000)
	require.ErrorIs(t, err, ErrDirectoryPayloadRangeCheck)

	// Encode and decode are inverses inside the window.
	for _, offset := range []uint32{0, 0x2_0000, 0xfa_0000} {
		encoded, err := mmioEncode(offset, 0x100_0000)
		require.NoError(t, err)
		decoded, err := mmioDecode(encoded, 0x100_0000)
		require.NoError(t, err)
		require.Equal(t, offset, decoded)
	}
}
