// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStructSizes(t *testing.T) {
	if size := binary.Size(Efh{}); size >= 0x100 {
		t.Errorf("Efh size is incorrect: %d, expected < 256", size)
	}
	for _, tc := range []struct {
		name string
		data interface{}
		want int
	}{
		{"PspDirectoryHeader", PspDirectoryHeader{}, 16},
		{"PspDirectoryEntry", PspDirectoryEntry{}, 16},
		{"BhdDirectoryHeader", BhdDirectoryHeader{}, 16},
		{"BhdDirectoryEntry", BhdDirectoryEntry{}, 24},
		{"ComboDirectoryHeader", ComboDirectoryHeader{}, 32},
		{"ComboDirectoryEntry", ComboDirectoryEntry{}, 16},
	} {
		if size := binary.Size(tc.data); size != tc.want {
			t.Errorf("%s size is incorrect: %d, expected %d", tc.name, size, tc.want)
		}
	}
}

func TestDirectoryAdditionalInfoSpiBlockSize(t *testing.T) {
	info, err := DirectoryAdditionalInfo(0).WithSpiBlockSize(16)
	require.NoError(t, err)
	require.Equal(t, DirectoryAdditionalInfo(0), info)
	require.Equal(t, uint16(16), info.SpiBlockSize())

	for _, units := range []uint16{1, 2, 0xf} {
		info, err := DirectoryAdditionalInfo(0).WithSpiBlockSize(units)
		require.NoError(t, err)
		require.Equal(t, DirectoryAdditionalInfo(uint32(units)<<10), info)
		require.Equal(t, units, info.SpiBlockSize())
	}

	_, err = DirectoryAdditionalInfo(0).WithSpiBlockSize(0)
	require.Error(t, err)
	_, err = DirectoryAdditionalInfo(0).WithSpiBlockSize(17)
	require.Error(t, err)
}

func TestDirectoryAdditionalInfoFields(t *testing.T) {
	info, err := DirectoryAdditionalInfo(0).WithMaxSize(0x10)
	require.NoError(t, err)
	info, err = info.WithBaseAddress(0x201)
	require.NoError(t, err)
	info = info.WithAddressMode(AddressModeEfsRelativeOffset)

	require.Equal(t, uint16(0x10), info.MaxSize())
	require.Equal(t, uint16(0x201), info.BaseAddress())
	require.Equal(t, AddressModeEfsRelativeOffset, info.AddressMode())
	require.Equal(t, uint16(16), info.SpiBlockSize()) // 0 stored = 64 kiB

	_, err = DirectoryAdditionalInfo(0).WithMaxSize(0x400)
	require.ErrorIs(t, err, ErrDirectoryRangeCheck)
	_, err = DirectoryAdditionalInfo(0).WithBaseAddress(0x8000)
	require.ErrorIs(t, err, ErrDirectoryRangeCheck)

	units, ok := TryIntoUnit(0x21_0000)
	require.True(t, ok)
	require.Equal(t, uint16(0x210), units)
	require.Equal(t, uint32(0x21_0000), TryFromUnit(units))
	_, ok = TryIntoUnit(0x21_0001)
	require.False(t, ok)
}

func TestPspDirectoryEntryAttrs(t *testing.T) {
	attrs := PspDirectoryEntryAttrs(0).
		WithType(PspEntryPspBootloader).
		WithSubProgram(3)
	attrs, err := attrs.WithRomId(2)
	require.NoError(t, err)

	require.Equal(t, PspEntryPspBootloader, attrs.Type())
	require.Equal(t, uint8(3), attrs.SubProgram())
	require.Equal(t, uint8(2), attrs.RomId())
	require.Equal(t, PspDirectoryEntryAttrs(0x2_0301), attrs)

	_, err = attrs.WithRomId(4)
	require.ErrorIs(t, err, ErrDirectoryRangeCheck)
}

func TestBhdDirectoryEntryAttrs(t *testing.T) {
	attrs := BhdDirectoryEntryAttrs(0).
		WithType(BhdEntryApcbBackup).
		WithRegionType(BhdRegionNormal).
		WithResetImage(false).
		WithCopyImage(false).
		WithCompressed(true)
	attrs, err := attrs.WithInstance(1)
	require.NoError(t, err)
	attrs, err = attrs.WithSubProgram(1)
	require.NoError(t, err)

	require.Equal(t, BhdEntryApcbBackup, attrs.Type())
	require.True(t, attrs.Compressed())
	require.False(t, attrs.ResetImage())
	require.Equal(t, uint8(1), attrs.Instance())
	require.Equal(t, uint8(1), attrs.SubProgram())
	require.Equal(t, uint8(0), attrs.RomId())

	// Same packing as the on-flash flag bytes.
	require.Equal(t, BhdDirectoryEntryAttrs(0x0118_0068), attrs)
}

func TestEfsGenerations(t *testing.T) {
	for _, tc := range []struct {
		generation ProcessorGeneration
		word       uint32
	}{
		{ProcessorGenerationNaples, 0xffff_ffff},
		{ProcessorGenerationRome, 0xffff_fffe},
		{ProcessorGenerationMilan, 0xffff_fffc},
		{ProcessorGenerationGenoa, 0xffff_fffc},
		{ProcessorGenerationTurin, 0xffff_ffe8},
	} {
		require.Equal(t, tc.word, EfsGenerationsForProcessorGeneration(tc.generation), "%v", tc.generation)
		efh := DefaultEfh()
		efh.EfsGenerations = tc.word
		require.True(t, efh.CompatibleWithProcessorGeneration(tc.generation), "%v", tc.generation)
	}

	efh := DefaultEfh()
	efh.EfsGenerations = 0xffff_fffe
	require.False(t, efh.PhysicalAddressMode())
	require.False(t, efh.CompatibleWithProcessorGeneration(ProcessorGenerationNaples))
	require.False(t, efh.CompatibleWithProcessorGeneration(ProcessorGenerationMilan))

	efh.EfsGenerations = 0xffff_ffff
	require.True(t, efh.PhysicalAddressMode())

	// A Turin EFS is also good for Milan; not the other way around.
	efh.EfsGenerations = 0xffff_ffe8
	require.True(t, efh.CompatibleWithProcessorGeneration(ProcessorGenerationMilan))
	efh.EfsGenerations = 0xffff_fffc
	require.False(t, efh.CompatibleWithProcessorGeneration(ProcessorGenerationTurin))
}

func TestProcessorGenerationFromString(t *testing.T) {
	for g := ProcessorGenerationNaples; g <= ProcessorGenerationTurin; g++ {
		parsed, err := ProcessorGenerationFromString(g.String())
		require.NoError(t, err)
		require.Equal(t, g, parsed)
	}
	parsed, err := ProcessorGenerationFromString("MILAN")
	require.NoError(t, err)
	require.Equal(t, ProcessorGenerationMilan, parsed)

	_, err = ProcessorGenerationFromString("Threadripper")
	require.Error(t, err)
}

func TestEspiConfiguration(t *testing.T) {
	cfg := EfhEspiConfiguration(0xffff_ffff)
	require.False(t, cfg.Valid())

	cfg = cfg.SetValid(true)
	require.True(t, cfg.Valid())

	cfg, err := EfhEspiConfiguration(0).WithIoMode(2)
	require.NoError(t, err)
	cfg, err = cfg.WithClockSpeed(5)
	require.NoError(t, err)
	cfg = cfg.WithPort80Decoding(true)
	require.Equal(t, uint8(2), cfg.IoMode())
	require.Equal(t, uint8(5), cfg.ClockSpeed())
	require.True(t, cfg.Port80Decoding())
	require.False(t, cfg.Io6064Decoding())
	require.True(t, cfg.Valid())

	_, err = cfg.WithIoMode(4)
	require.Error(t, err)
}

func TestPspSoftFuseChain(t *testing.T) {
	fuse := PspSoftFuseChain(0).
		WithSecureDebugUnlock(true).
		WithLoadDiagnosticBootloader(true).
		WithSpiDecoding(SpiDecodingUpperHalf).
		WithPostCodeDecoding(PostCodeDecodingEspi).
		WithForceRecoveryBooting(true)

	require.True(t, fuse.SecureDebugUnlock())
	require.True(t, fuse.LoadDiagnosticBootloader())
	require.Equal(t, SpiDecodingUpperHalf, fuse.SpiDecoding())
	require.Equal(t, PostCodeDecodingEspi, fuse.PostCodeDecoding())
	require.True(t, fuse.ForceRecoveryBooting())
	require.False(t, fuse.EarlySecureDebugUnlock())
	require.Equal(t, PspSoftFuseChain(0x8000_c021), fuse)
}

func TestParseSpiModes(t *testing.T) {
	mode, err := ParseSpiReadMode(0xff)
	require.NoError(t, err)
	require.Equal(t, SpiReadModeDoNothing, mode)
	_, err = ParseSpiReadMode(0x42)
	require.ErrorIs(t, err, ErrSpiModeMismatch)

	speed, err := ParseSpiFastSpeed(0b100)
	require.NoError(t, err)
	require.Equal(t, SpiFastSpeed100MHz, speed)
	_, err = ParseSpiFastSpeed(0x42)
	require.ErrorIs(t, err, ErrSpiModeMismatch)

	_, err = ParseSpiNaplesMicronMode(0x0a)
	require.NoError(t, err)
	_, err = ParseSpiNaplesMicronMode(0x55)
	require.ErrorIs(t, err, ErrSpiModeMismatch)
	_, err = ParseSpiRomeMicronMode(0x55)
	require.NoError(t, err)
	_, err = ParseSpiRomeMicronMode(0x0a)
	require.ErrorIs(t, err, ErrSpiModeMismatch)
}
