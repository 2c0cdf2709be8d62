// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpper16MiBAdapterRead(t *testing.T) {
	buf := make([]byte, 32*1024*kib)
	underlying, err := NewMemoryFlashImage(buf, 4*kib)
	require.NoError(t, err)

	buf[0x100_0000] = 0xA5
	buf[0x080_0000] = 0x5A

	adapter := NewUpper16MiBFlashAdapter(underlying)

	got := make([]byte, 1)
	// Offset 0 lands in the upper half of the underlying flash.
	require.NoError(t, adapter.ReadExact(0x00_0000, got))
	require.Equal(t, byte(0xA5), got[0])

	// Bit 24 set folds back to the lower half.
	require.NoError(t, adapter.ReadExact(0x180_0000, got))
	require.Equal(t, byte(0x5A), got[0])
}

func TestUpper16MiBAdapterWrite(t *testing.T) {
	buf := make([]byte, 32*1024*kib)
	underlying, err := NewMemoryFlashImage(buf, 4*kib)
	require.NoError(t, err)
	adapter := NewUpper16MiBFlashAdapter(underlying)

	loc, err := ErasableLocationOf(adapter, 0x00_0000)
	require.NoError(t, err)
	require.NoError(t, adapter.EraseAndWriteBlock(loc, []byte{0xC3}))

	got := make([]byte, 1)
	require.NoError(t, underlying.ReadExact(0x100_0000, got))
	require.Equal(t, byte(0xC3), got[0])

	// And the same data is visible back through the adapter.
	require.NoError(t, adapter.ReadExact(0x00_0000, got))
	require.Equal(t, byte(0xC3), got[0])
}

func TestUpper16MiBAdapterAliasing(t *testing.T) {
	buf := make([]byte, 32*1024*kib)
	for i := range buf {
		buf[i] = byte(i >> 12)
	}
	underlying, err := NewMemoryFlashImage(buf, 4*kib)
	require.NoError(t, err)
	adapter := NewUpper16MiBFlashAdapter(underlying)

	for _, offset := range []Location{0, 0x7F_F000, 0x100_0000, 0x1FF_F000} {
		want := make([]byte, 4)
		require.NoError(t, underlying.ReadExact((offset+0x100_0000)%0x200_0000, want))
		got := make([]byte, 4)
		require.NoError(t, adapter.ReadExact(offset, got))
		require.Equal(t, want, got, "offset %#x", offset)
	}
}
