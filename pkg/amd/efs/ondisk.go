// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package efs reads, validates and writes the AMD Embedded Firmware
// Structure and the PSP and BHD directory hierarchies of a Zen-family
// SPI flash image.
//
// Refer to: AMD Platform Security Processor BIOS Architecture Design
// Guide for AMD Family 17h and Family 19h Processors (NDA), Publication
// # 55758 Revision: 1.11 Issue Date: August 2020 (1)
package efs

import (
	"fmt"
	"strings"

	"github.com/linuxboot/amdefs/pkg/amd/flash"
)

// EfhSignature identifies an Embedded Firmware Structure.
const EfhSignature = 0x55aa55aa

// EfhPositions are the candidate EFS offsets the boot ROM probes, most
// preferred first. The last one is what is always used in practice.
var EfhPositions = []flash.Location{
	0xFA_0000, 0xF2_0000, 0xE2_0000, 0xC2_0000, 0x82_0000, 0x2_0000,
}

// efhPositionsRestricted is the probe list for Genoa and Turin.
var efhPositionsRestricted = []flash.Location{0x2_0000}

// ProcessorGeneration selects the Zen generation an image is built for.
type ProcessorGeneration int

const (
	// ProcessorGenerationAny matches any generation when probing.
	ProcessorGenerationAny ProcessorGeneration = iota - 1
	ProcessorGenerationNaples
	ProcessorGenerationRome
	ProcessorGenerationMilan
	ProcessorGenerationGenoa
	ProcessorGenerationTurin
)

func (g ProcessorGeneration) String() string {
	switch g {
	case ProcessorGenerationNaples:
		return "Naples"
	case ProcessorGenerationRome:
		return "Rome"
	case ProcessorGenerationMilan:
		return "Milan"
	case ProcessorGenerationGenoa:
		return "Genoa"
	case ProcessorGenerationTurin:
		return "Turin"
	}
	return "any"
}

// ProcessorGenerationFromString parses a generation name, case-insensitively.
func ProcessorGenerationFromString(s string) (ProcessorGeneration, error) {
	for g := ProcessorGenerationNaples; g <= ProcessorGenerationTurin; g++ {
		if strings.EqualFold(s, g.String()) {
			return g, nil
		}
	}
	return ProcessorGenerationAny, fmt.Errorf("unknown processor generation %q", s)
}

// SpiReadMode is the SPI controller read command selection in the EFS.
type SpiReadMode uint8

const (
	SpiReadModeNormal33MHz SpiReadMode = 0b000 // up to 33.33 MHz
	SpiReadModeDual112     SpiReadMode = 0b010
	SpiReadModeQuad114     SpiReadMode = 0b011
	SpiReadModeDual122     SpiReadMode = 0b100
	SpiReadModeQuad144     SpiReadMode = 0b101
	SpiReadModeNormal66MHz SpiReadMode = 0b110 // up to 66.66 MHz
	SpiReadModeFast        SpiReadMode = 0b111
	SpiReadModeDoNothing   SpiReadMode = 0xff
)

// SpiFastSpeed is the SPI fast-read clock selection in the EFS.
type SpiFastSpeed uint8

const (
	SpiFastSpeed66MHz     SpiFastSpeed = 0b000
	SpiFastSpeed33MHz     SpiFastSpeed = 0b001
	SpiFastSpeed22MHz     SpiFastSpeed = 0b010
	SpiFastSpeed16MHz     SpiFastSpeed = 0b011
	SpiFastSpeed100MHz    SpiFastSpeed = 0b100
	SpiFastSpeed800kHz    SpiFastSpeed = 0b101
	SpiFastSpeedDoNothing SpiFastSpeed = 0xff
)

// SpiNaplesMicronMode is the Micron-specific handling on Naples boards.
type SpiNaplesMicronMode uint8

const (
	SpiNaplesMicronModeDummyCycle SpiNaplesMicronMode = 0x0a
	SpiNaplesMicronModeDoNothing  SpiNaplesMicronMode = 0xff
)

// SpiRomeMicronMode is the Micron-specific handling on Rome boards.
type SpiRomeMicronMode uint8

const (
	SpiRomeMicronModeSupportMicron SpiRomeMicronMode = 0x55
	SpiRomeMicronModeForceMicron   SpiRomeMicronMode = 0xaa
	SpiRomeMicronModeDoNothing     SpiRomeMicronMode = 0xff
)

// ParseSpiReadMode validates a read-mode byte from the EFS.
func ParseSpiReadMode(b uint8) (SpiReadMode, error) {
	switch m := SpiReadMode(b); m {
	case SpiReadModeNormal33MHz, SpiReadModeDual112, SpiReadModeQuad114,
		SpiReadModeDual122, SpiReadModeQuad144, SpiReadModeNormal66MHz,
		SpiReadModeFast, SpiReadModeDoNothing:
		return m, nil
	}
	return 0, fmt.Errorf("SPI read mode byte %#x: %w", b, ErrSpiModeMismatch)
}

// ParseSpiFastSpeed validates a fast-speed byte from the EFS.
func ParseSpiFastSpeed(b uint8) (SpiFastSpeed, error) {
	switch s := SpiFastSpeed(b); s {
	case SpiFastSpeed66MHz, SpiFastSpeed33MHz, SpiFastSpeed22MHz,
		SpiFastSpeed16MHz, SpiFastSpeed100MHz, SpiFastSpeed800kHz,
		SpiFastSpeedDoNothing:
		return s, nil
	}
	return 0, fmt.Errorf("SPI fast speed byte %#x: %w", b, ErrSpiModeMismatch)
}

// ParseSpiNaplesMicronMode validates a Naples Micron-mode byte.
func ParseSpiNaplesMicronMode(b uint8) (SpiNaplesMicronMode, error) {
	switch m := SpiNaplesMicronMode(b); m {
	case SpiNaplesMicronModeDummyCycle, SpiNaplesMicronModeDoNothing:
		return m, nil
	}
	return 0, fmt.Errorf("Naples Micron mode byte %#x: %w", b, ErrSpiModeMismatch)
}

// ParseSpiRomeMicronMode validates a Rome Micron-mode byte.
func ParseSpiRomeMicronMode(b uint8) (SpiRomeMicronMode, error) {
	switch m := SpiRomeMicronMode(b); m {
	case SpiRomeMicronModeSupportMicron, SpiRomeMicronModeForceMicron,
		SpiRomeMicronModeDoNothing:
		return m, nil
	}
	return 0, fmt.Errorf("Rome Micron mode byte %#x: %w", b, ErrSpiModeMismatch)
}

// EfhBulldozerSpiMode is the family 15h SPI timing triple; its third
// byte is reserved.
type EfhBulldozerSpiMode struct {
	ReadMode     uint8
	FastSpeedNew uint8
	Reserved     uint8
}

// EfhNaplesSpiMode is the Zen/Naples (and Raven Ridge) SPI timing triple.
type EfhNaplesSpiMode struct {
	ReadMode     uint8
	FastSpeedNew uint8
	MicronMode   uint8
}

// EfhRomeSpiMode is the Zen/Rome SPI timing triple.
type EfhRomeSpiMode struct {
	ReadMode     uint8
	FastSpeedNew uint8
	MicronMode   uint8
}

func defaultNaplesSpiMode() EfhNaplesSpiMode {
	return EfhNaplesSpiMode{ReadMode: 0xff, FastSpeedNew: 0xff, MicronMode: 0xff}
}

func defaultRomeSpiMode() EfhRomeSpiMode {
	return EfhRomeSpiMode{ReadMode: 0xff, FastSpeedNew: 0xff, MicronMode: 0xff}
}

// EfhEspiConfiguration packs one eSPI controller configuration word of
// the EFS. Bit 0 set means the word is invalid/absent; reserved bits are
// kept as read.
type EfhEspiConfiguration uint32

// Valid reports whether the configuration is present.
func (c EfhEspiConfiguration) Valid() bool {
	return c&1 == 0
}

// SetValid sets or clears the invalid bit (bit 0 set = invalid).
func (c EfhEspiConfiguration) SetValid(valid bool) EfhEspiConfiguration {
	if valid {
		return c &^ 1
	}
	return c | 1
}

// IoMode returns the eSPI I/O width selection (bits 1..2).
func (c EfhEspiConfiguration) IoMode() uint8 {
	return uint8(c>>1) & 0x3
}

// WithIoMode returns c with the I/O width selection replaced.
func (c EfhEspiConfiguration) WithIoMode(v uint8) (EfhEspiConfiguration, error) {
	if v > 0x3 {
		return c, fmt.Errorf("eSPI io mode %#x out of range: %w", v, ErrDirectoryRangeCheck)
	}
	return c&^(0x3<<1) | EfhEspiConfiguration(v)<<1, nil
}

// ClockSpeed returns the eSPI clock selection (bits 3..5).
func (c EfhEspiConfiguration) ClockSpeed() uint8 {
	return uint8(c>>3) & 0x7
}

// WithClockSpeed returns c with the clock selection replaced.
func (c EfhEspiConfiguration) WithClockSpeed(v uint8) (EfhEspiConfiguration, error) {
	if v > 0x7 {
		return c, fmt.Errorf("eSPI clock speed %#x out of range: %w", v, ErrDirectoryRangeCheck)
	}
	return c&^(0x7<<3) | EfhEspiConfiguration(v)<<3, nil
}

// AlertPin returns the eSPI alert pin selection (bits 6..7).
func (c EfhEspiConfiguration) AlertPin() uint8 {
	return uint8(c>>6) & 0x3
}

// WithAlertPin returns c with the alert pin selection replaced.
func (c EfhEspiConfiguration) WithAlertPin(v uint8) (EfhEspiConfiguration, error) {
	if v > 0x3 {
		return c, fmt.Errorf("eSPI alert pin %#x out of range: %w", v, ErrDirectoryRangeCheck)
	}
	return c&^(0x3<<6) | EfhEspiConfiguration(v)<<6, nil
}

// Port80Decoding returns whether port-80h postcode decoding is routed to eSPI (bit 8).
func (c EfhEspiConfiguration) Port80Decoding() bool {
	return c&(1<<8) != 0
}

// WithPort80Decoding returns c with bit 8 replaced.
func (c EfhEspiConfiguration) WithPort80Decoding(v bool) EfhEspiConfiguration {
	if v {
		return c | 1<<8
	}
	return c &^ (1 << 8)
}

// Io6064Decoding returns whether 60h/64h keyboard decoding is routed to eSPI (bit 9).
func (c EfhEspiConfiguration) Io6064Decoding() bool {
	return c&(1<<9) != 0
}

// WithIo6064Decoding returns c with bit 9 replaced.
func (c EfhEspiConfiguration) WithIo6064Decoding(v bool) EfhEspiConfiguration {
	if v {
		return c | 1<<9
	}
	return c &^ (1 << 9)
}

// Efh is the Embedded Firmware Structure as laid out on flash. The boot
// ROM finds it by probing EfhPositions. All fields are little-endian.
type Efh struct {
	Signature                       uint32
	ImcFwLocation                   uint32 // usually unused
	GbeFwLocation                   uint32 // usually unused
	XhciFwLocation                  uint32 // usually unused
	PspDirectoryTableLocationNaples uint32 // MMIO-encoded fallback
	PspDirectoryTableLocationZen    uint32
	// BhdDirectoryTables hold the BHD pointers for Naples, Raven Ridge
	// and Rome, in that order. Newer models use BhdDirectoryTableMilan.
	BhdDirectoryTables [3]uint32
	// EfsGenerations: bit k clear = compatible with generation k. Bit 0
	// also distinguishes offset mode (clear) from physical-address mode
	// (set; Naples, sometimes Rome).
	EfsGenerations               uint32
	BhdDirectoryTableMilan       uint32 // or a combo BHD
	Reserved2C                   uint32
	PromontoryFwLocation         uint32
	LowPowerPromontoryFwLocation uint32
	Reserved38                   [2]uint32
	SpiModeBulldozer             EfhBulldozerSpiMode
	SpiModeZenNaples             EfhNaplesSpiMode
	SpiModeZenRome               EfhRomeSpiMode
	Reserved49                   uint8
	Reserved4A                   [2]uint8
	Espi0Configuration           uint32
	Espi1Configuration           uint32
}

// DefaultEfh returns an EFS with the signature in place, every pointer
// slot invalid and all SPI bytes unset.
func DefaultEfh() Efh {
	return Efh{
		Signature:                    EfhSignature,
		EfsGenerations:               0xffff_fffe,
		BhdDirectoryTableMilan:       0xffff_ffff,
		Reserved2C:                   0xffff_ffff,
		PromontoryFwLocation:         0xffff_ffff,
		LowPowerPromontoryFwLocation: 0xffff_ffff,
		Reserved38:                   [2]uint32{0xffff_ffff, 0xffff_ffff},
		SpiModeBulldozer:             EfhBulldozerSpiMode{ReadMode: 0xff, FastSpeedNew: 0xff, Reserved: 0xff},
		SpiModeZenNaples:             defaultNaplesSpiMode(),
		SpiModeZenRome:               defaultRomeSpiMode(),
		Espi0Configuration:           0xffff_ffff,
		Espi1Configuration:           0xffff_ffff,
	}
}

// PhysicalAddressMode reports whether the slots hold flash MMIO
// addresses instead of offsets (pre-Rome boards).
// Precondition: the signature checked out, otherwise this reads garbage.
func (e *Efh) PhysicalAddressMode() bool {
	return e.EfsGenerations&1 != 0
}

// CompatibleWithProcessorGeneration checks the generation bits.
func (e *Efh) CompatibleWithProcessorGeneration(generation ProcessorGeneration) bool {
	switch generation {
	case ProcessorGenerationNaples:
		// Naples predates the generation flags; none may be cleared, and
		// non-MMIO offsets are unavailable.
		return e.EfsGenerations == 0xffff_ffff
	case ProcessorGenerationRome:
		// Rome predates the generation flags too, except for bit 0.
		return e.EfsGenerations == 0xffff_fffe
	case ProcessorGenerationMilan, ProcessorGenerationGenoa:
		return e.EfsGenerations&0b11 == 0
	case ProcessorGenerationTurin:
		return e.EfsGenerations&0b10111 == 0
	case ProcessorGenerationAny:
		return true
	}
	return false
}

// EfsGenerationsForProcessorGeneration returns the generation word a
// freshly created EFS for the given generation carries.
func EfsGenerationsForProcessorGeneration(generation ProcessorGeneration) uint32 {
	switch generation {
	case ProcessorGenerationNaples:
		return 0xffff_ffff
	case ProcessorGenerationRome:
		return 0xffff_fffe
	case ProcessorGenerationMilan, ProcessorGenerationGenoa:
		return 0xffff_fffc
	case ProcessorGenerationTurin:
		return 0xffff_ffe8
	}
	return 0xffff_fffe
}

// AddressMode is the interpretation of a pointer within a directory.
type AddressMode uint8

const (
	AddressModePhysicalAddress              AddressMode = 0
	AddressModeEfsRelativeOffset            AddressMode = 1
	AddressModeDirectoryRelativeOffset      AddressMode = 2
	AddressModeOtherDirectoryRelativeOffset AddressMode = 3
)

// WeakAddressMode is the directory address mode that lets each entry
// carry its own mode in the top two source bits.
const WeakAddressMode = AddressModeDirectoryRelativeOffset

func (m AddressMode) String() string {
	switch m {
	case AddressModePhysicalAddress:
		return "PhysicalAddress"
	case AddressModeEfsRelativeOffset:
		return "EfsRelativeOffset"
	case AddressModeDirectoryRelativeOffset:
		return "DirectoryRelativeOffset"
	case AddressModeOtherDirectoryRelativeOffset:
		return "OtherDirectoryRelativeOffset"
	}
	return "unknown"
}

// DirectoryAdditionalInfoUnit is the allocation unit of the packed
// additional-info fields, in bytes.
const DirectoryAdditionalInfoUnit = 4096

// DirectoryAdditionalInfo packs the directory's size, SPI block size,
// payload base and address mode into one word:
//
//	bits  0..9   max_size (in 4 kiB units)
//	bits 10..13  spi_block_size (in 4 kiB units; 0 means 64 kiB)
//	bits 14..28  base_address (in 4 kiB units)
//	bits 29..30  address_mode
type DirectoryAdditionalInfo uint32

// MaxSize returns the directory's allocated size in 4 kiB units.
func (i DirectoryAdditionalInfo) MaxSize() uint16 {
	return uint16(i & 0x3ff)
}

// WithMaxSize returns i with the allocated size replaced.
func (i DirectoryAdditionalInfo) WithMaxSize(units uint16) (DirectoryAdditionalInfo, error) {
	if units > 0x3ff {
		return i, fmt.Errorf("directory max size %#x units does not fit: %w", units, ErrDirectoryRangeCheck)
	}
	return i&^0x3ff | DirectoryAdditionalInfo(units), nil
}

// SpiBlockSize returns the SPI erase-block size in 4 kiB units; the
// stored value 0 decodes as 16 (64 kiB).
func (i DirectoryAdditionalInfo) SpiBlockSize() uint16 {
	v := uint16(i>>10) & 0xf
	if v == 0 {
		return 0x10
	}
	return v
}

// WithSpiBlockSize returns i with the SPI block size replaced; 16 units
// (64 kiB) is stored as 0.
func (i DirectoryAdditionalInfo) WithSpiBlockSize(units uint16) (DirectoryAdditionalInfo, error) {
	masked := i &^ (0xf << 10)
	switch {
	case units > 0 && units <= 15:
		return masked | DirectoryAdditionalInfo(units)<<10, nil
	case units == 16:
		return masked, nil
	}
	return i, fmt.Errorf("SPI block size %#x units does not fit: %w", units, ErrDirectoryRangeCheck)
}

// BaseAddress returns the payload base in 4 kiB units; 0 means the
// payload immediately follows the directory header.
func (i DirectoryAdditionalInfo) BaseAddress() uint16 {
	return uint16(i>>14) & 0x7fff
}

// WithBaseAddress returns i with the payload base replaced.
func (i DirectoryAdditionalInfo) WithBaseAddress(units uint16) (DirectoryAdditionalInfo, error) {
	if units > 0x7fff {
		return i, fmt.Errorf("directory base address %#x units does not fit: %w", units, ErrDirectoryRangeCheck)
	}
	return i&^(0x7fff<<14) | DirectoryAdditionalInfo(units)<<14, nil
}

// AddressMode returns the directory-level address mode.
func (i DirectoryAdditionalInfo) AddressMode() AddressMode {
	return AddressMode(i>>29) & 0x3
}

// WithAddressMode returns i with the address mode replaced.
func (i DirectoryAdditionalInfo) WithAddressMode(m AddressMode) DirectoryAdditionalInfo {
	return i&^(0x3<<29) | DirectoryAdditionalInfo(m&0x3)<<29
}

// TryIntoUnit converts a byte count into 4 kiB units, if that loses
// nothing and fits.
func TryIntoUnit(value uint32) (uint16, bool) {
	if value%DirectoryAdditionalInfoUnit != 0 {
		return 0, false
	}
	units := value / DirectoryAdditionalInfoUnit
	if units > 0xffff {
		return 0, false
	}
	return uint16(units), true
}

// TryFromUnit converts 4 kiB units back into a byte count.
func TryFromUnit(units uint16) uint32 {
	return uint32(units) * DirectoryAdditionalInfoUnit
}

// Directory cookies. First-level directories use $PSP/$BHD; second-level
// directories use $PL2/$BL2; combo directories use 2PSP/2BHD.
var (
	PspDirectoryCookie       = [4]byte{'$', 'P', 'S', 'P'}
	PspDirectoryLevel2Cookie = [4]byte{'$', 'P', 'L', '2'}
	BhdDirectoryCookie       = [4]byte{'$', 'B', 'H', 'D'}
	BhdDirectoryLevel2Cookie = [4]byte{'$', 'B', 'L', '2'}
	PspComboDirectoryCookie  = [4]byte{'2', 'P', 'S', 'P'}
	BhdComboDirectoryCookie  = [4]byte{'2', 'B', 'H', 'D'}
)

// PspDirectoryHeader heads a $PSP/$PL2 directory. The checksum covers
// everything after it, including all entries.
type PspDirectoryHeader struct {
	Cookie         [4]byte
	Checksum       uint32
	TotalEntries   uint32
	AdditionalInfo uint32
}

// BhdDirectoryHeader heads a $BHD/$BL2 directory.
type BhdDirectoryHeader struct {
	Cookie         [4]byte
	Checksum       uint32
	TotalEntries   uint32
	AdditionalInfo uint32
}

// ComboDirectoryHeader heads a 2PSP/2BHD combo directory.
type ComboDirectoryHeader struct {
	Cookie       [4]byte
	Checksum     uint32
	TotalEntries uint32
	// LookUpMode 0 dispatches on the exact PSP ID, 1 on the family ID.
	LookUpMode uint32
	Reserved   [16]byte
}

// PspDirectoryEntryType tags a PSP directory entry.
type PspDirectoryEntryType uint8

const (
	PspEntryAmdPublicKey                  PspDirectoryEntryType = 0x00
	PspEntryPspBootloader                 PspDirectoryEntryType = 0x01
	PspEntryPspOs                         PspDirectoryEntryType = 0x02
	PspEntryPspRecoveryBootloader         PspDirectoryEntryType = 0x03
	PspEntryPspNvdata                     PspDirectoryEntryType = 0x04
	PspEntrySmuOffChipFirmware8           PspDirectoryEntryType = 0x08
	PspEntryAmdSecureDebugKey             PspDirectoryEntryType = 0x09
	PspEntryAblPublicKey                  PspDirectoryEntryType = 0x0A
	PspEntryPspSoftFuseChain              PspDirectoryEntryType = 0x0B
	PspEntryPspTrustlets                  PspDirectoryEntryType = 0x0C
	PspEntryPspTrustletPublicKey          PspDirectoryEntryType = 0x0D
	PspEntrySmuOffChipFirmware12          PspDirectoryEntryType = 0x12
	PspEntryPspEarlySecureUnlockDebug     PspDirectoryEntryType = 0x13
	PspEntryWrappedIkek                   PspDirectoryEntryType = 0x21
	PspEntryPspTokenUnlockData            PspDirectoryEntryType = 0x22
	PspEntrySecurityPolicyBinary          PspDirectoryEntryType = 0x24
	PspEntryMp2Firmware                   PspDirectoryEntryType = 0x25
	PspEntryMp2Firmware2                  PspDirectoryEntryType = 0x26
	PspEntryUserModeUnitTests             PspDirectoryEntryType = 0x27
	PspEntryPspSystemDriverEntryPoints    PspDirectoryEntryType = 0x28
	PspEntryKvmImage                      PspDirectoryEntryType = 0x29
	PspEntryMp5Firmware                   PspDirectoryEntryType = 0x2A
	PspEntryEfsPhysAddr                   PspDirectoryEntryType = 0x2B
	PspEntryTeeWriteOnceNvram             PspDirectoryEntryType = 0x2C
	PspEntryExternalChipsetPspBootloader  PspDirectoryEntryType = 0x2D
	PspEntryAbl0                          PspDirectoryEntryType = 0x30
	PspEntryAbl1                          PspDirectoryEntryType = 0x31
	PspEntryAbl2                          PspDirectoryEntryType = 0x32
	PspEntryAbl3                          PspDirectoryEntryType = 0x33
	PspEntryAbl4                          PspDirectoryEntryType = 0x34
	PspEntryAbl5                          PspDirectoryEntryType = 0x35
	PspEntryAbl6                          PspDirectoryEntryType = 0x36
	PspEntryAbl7                          PspDirectoryEntryType = 0x37
	PspEntrySevData                       PspDirectoryEntryType = 0x38
	PspEntrySevCode                       PspDirectoryEntryType = 0x39
	PspEntryPpinWhiteListBinary           PspDirectoryEntryType = 0x3A
	PspEntrySerdesPhyMicrocode            PspDirectoryEntryType = 0x3B
	PspEntryVbiosPreload                  PspDirectoryEntryType = 0x3C
	PspEntrySecondLevelDirectory          PspDirectoryEntryType = 0x40
	PspEntryDxioPhySramFirmware           PspDirectoryEntryType = 0x42
	PspEntryDxioPhySramPublicKey          PspDirectoryEntryType = 0x43
	PspEntryUsbUnifiedPhyFirmware         PspDirectoryEntryType = 0x44
	PspEntryTosSecurityPolicyBinary       PspDirectoryEntryType = 0x45
	PspEntryDrtmTa                        PspDirectoryEntryType = 0x47
	PspEntryL2aPspDirectory               PspDirectoryEntryType = 0x48
	PspEntrySecondLevelBhdDirectory       PspDirectoryEntryType = 0x49
	PspEntryL2bPspDirectory               PspDirectoryEntryType = 0x4A
	PspEntryPmuPublicKey                  PspDirectoryEntryType = 0x4E
	PspEntryUmcFirmware                   PspDirectoryEntryType = 0x4F
	PspEntryPspBootloaderPublicKeysTable  PspDirectoryEntryType = 0x50
	PspEntryPspTosPublicKeysTable         PspDirectoryEntryType = 0x51
	PspEntryPspBootloaderUserApplication  PspDirectoryEntryType = 0x52
	PspEntryPspRpmcNvram                  PspDirectoryEntryType = 0x54
	PspEntryBootloaderSplTable            PspDirectoryEntryType = 0x55
	PspEntryTosSplTable                   PspDirectoryEntryType = 0x56
	PspEntryDmcuEram                      PspDirectoryEntryType = 0x58
	PspEntryDmcuIsr                       PspDirectoryEntryType = 0x59
	PspEntryMsmu0                         PspDirectoryEntryType = 0x5A
	PspEntryMsmu1                         PspDirectoryEntryType = 0x5B
	PspEntryOemSysTa                      PspDirectoryEntryType = 0x80
	PspEntryOemSysTaPublicKey             PspDirectoryEntryType = 0x81
)

func (t PspDirectoryEntryType) String() string {
	switch t {
	case PspEntryAmdPublicKey:
		return "AMD_PUBLIC_KEY"
	case PspEntryPspBootloader:
		return "PSP_BOOTLOADER"
	case PspEntryPspOs:
		return "PSP_OS"
	case PspEntryPspRecoveryBootloader:
		return "PSP_RECOVERY_BOOTLOADER"
	case PspEntryPspNvdata:
		return "PSP_NVDATA"
	case PspEntrySmuOffChipFirmware8, PspEntrySmuOffChipFirmware12:
		return "SMU_OFF_CHIP_FIRMWARE"
	case PspEntryAblPublicKey:
		return "ABL_PUBLIC_KEY"
	case PspEntryPspSoftFuseChain:
		return "PSP_SOFT_FUSE_CHAIN"
	case PspEntrySecurityPolicyBinary:
		return "SECURITY_POLICY_BINARY"
	case PspEntryAbl0, PspEntryAbl1, PspEntryAbl2, PspEntryAbl3,
		PspEntryAbl4, PspEntryAbl5, PspEntryAbl6, PspEntryAbl7:
		return "AGESA_BOOTLOADER_STAGE"
	case PspEntrySecondLevelDirectory:
		return "PSP_DIRECTORY_TABLE_LEVEL_2"
	case PspEntrySecondLevelBhdDirectory:
		return "BIOS_DIRECTORY_TABLE_LEVEL_2"
	case PspEntryUmcFirmware:
		return "UMC_FIRMWARE"
	}
	return "UNKNOWN"
}

// BhdDirectoryEntryType tags a BHD directory entry.
type BhdDirectoryEntryType uint8

const (
	BhdEntryOemPublicKey            BhdDirectoryEntryType = 0x05
	BhdEntryCryptographicSignature  BhdDirectoryEntryType = 0x07
	BhdEntryApcb                    BhdDirectoryEntryType = 0x60
	BhdEntryApob                    BhdDirectoryEntryType = 0x61
	BhdEntryBios                    BhdDirectoryEntryType = 0x62
	BhdEntryApobNvCopy              BhdDirectoryEntryType = 0x63
	BhdEntryPmuFirmwareInstructions BhdDirectoryEntryType = 0x64
	BhdEntryPmuFirmwareData         BhdDirectoryEntryType = 0x65
	BhdEntryMicrocodePatch          BhdDirectoryEntryType = 0x66
	BhdEntryMceData                 BhdDirectoryEntryType = 0x67
	BhdEntryApcbBackup              BhdDirectoryEntryType = 0x68
	BhdEntryVgaInterpreter          BhdDirectoryEntryType = 0x69
	BhdEntryMp2FirmwareConfig       BhdDirectoryEntryType = 0x6A
	BhdEntryCorebootVbootWorkbuffer BhdDirectoryEntryType = 0x6B
	BhdEntryMpmConfiguration        BhdDirectoryEntryType = 0x6C
	BhdEntrySecondLevelDirectory    BhdDirectoryEntryType = 0x70
)

func (t BhdDirectoryEntryType) String() string {
	switch t {
	case BhdEntryOemPublicKey:
		return "BIOS_PUBLIC_KEY"
	case BhdEntryCryptographicSignature:
		return "BIOS_RTM_SIGNATURE"
	case BhdEntryApcb:
		return "AGESA_PSP_CUSTOMIZATION_BLOCK"
	case BhdEntryApob:
		return "AGESA_PSP_OUTPUT_BLOCK"
	case BhdEntryBios:
		return "BIOS_BINARY"
	case BhdEntryApobNvCopy:
		return "AGESA_PSP_OUTPUT_BLOCK_NV_COPY"
	case BhdEntryPmuFirmwareInstructions:
		return "PMU_FIRMWARE_INSTRUCTION_PORTION"
	case BhdEntryPmuFirmwareData:
		return "PMU_FIRMWARE_DATA_PORTION"
	case BhdEntryMicrocodePatch:
		return "MICROCODE_PATCH"
	case BhdEntryMceData:
		return "CORE_MACHINE_EXCEPTION_DATA"
	case BhdEntryApcbBackup:
		return "BACKUP_AGESA_PSP_CUSTOMIZATION_BLOCK"
	case BhdEntryVgaInterpreter:
		return "INTERPRETER_BINARY_VIDEO"
	case BhdEntryMp2FirmwareConfig:
		return "MP2_FIRMWARE_CONFIG"
	case BhdEntryCorebootVbootWorkbuffer:
		return "MAIN_MEMORY"
	case BhdEntryMpmConfiguration:
		return "MPM_CONFIG"
	case BhdEntrySecondLevelDirectory:
		return "BIOS_DIRECTORY_TABLE_LEVEL_2"
	}
	return "UNKNOWN"
}

// BhdDirectoryEntryRegionType selects the memory region class of a BHD entry.
type BhdDirectoryEntryRegionType uint8

const (
	BhdRegionNormal BhdDirectoryEntryRegionType = 0
	BhdRegionTa1    BhdDirectoryEntryRegionType = 1
	BhdRegionTa2    BhdDirectoryEntryRegionType = 2
)

// PspDirectoryEntryAttrs packs the type and sub-attributes of a PSP entry:
//
//	bits  0..7   type
//	bits  8..15  sub_program
//	bits 16..17  rom_id
type PspDirectoryEntryAttrs uint32

// Type returns the entry type tag.
func (a PspDirectoryEntryAttrs) Type() PspDirectoryEntryType {
	return PspDirectoryEntryType(a & 0xff)
}

// WithType returns a with the type tag replaced.
func (a PspDirectoryEntryAttrs) WithType(t PspDirectoryEntryType) PspDirectoryEntryAttrs {
	return a&^0xff | PspDirectoryEntryAttrs(t)
}

// SubProgram returns the sub-program selector (a function of family and model).
func (a PspDirectoryEntryAttrs) SubProgram() uint8 {
	return uint8(a >> 8)
}

// WithSubProgram returns a with the sub-program selector replaced.
func (a PspDirectoryEntryAttrs) WithSubProgram(v uint8) PspDirectoryEntryAttrs {
	return a&^(0xff<<8) | PspDirectoryEntryAttrs(v)<<8
}

// RomId returns the ROM ID.
func (a PspDirectoryEntryAttrs) RomId() uint8 {
	return uint8(a>>16) & 0x3
}

// WithRomId returns a with the ROM ID replaced.
func (a PspDirectoryEntryAttrs) WithRomId(v uint8) (PspDirectoryEntryAttrs, error) {
	if v > 0x3 {
		return a, fmt.Errorf("rom id %#x out of range: %w", v, ErrDirectoryRangeCheck)
	}
	return a&^(0x3<<16) | PspDirectoryEntryAttrs(v)<<16, nil
}

// BhdDirectoryEntryAttrs packs the type and sub-attributes of a BHD entry:
//
//	bits  0..7   type
//	bits  8..15  region_type
//	bit  16      reset_image
//	bit  17      copy_image
//	bit  18      read_only
//	bit  19      compressed
//	bits 20..23  instance
//	bits 24..26  sub_program
//	bits 27..28  rom_id
type BhdDirectoryEntryAttrs uint32

// Type returns the entry type tag.
func (a BhdDirectoryEntryAttrs) Type() BhdDirectoryEntryType {
	return BhdDirectoryEntryType(a & 0xff)
}

// WithType returns a with the type tag replaced.
func (a BhdDirectoryEntryAttrs) WithType(t BhdDirectoryEntryType) BhdDirectoryEntryAttrs {
	return a&^0xff | BhdDirectoryEntryAttrs(t)
}

// RegionType returns the region class.
func (a BhdDirectoryEntryAttrs) RegionType() BhdDirectoryEntryRegionType {
	return BhdDirectoryEntryRegionType(a >> 8)
}

// WithRegionType returns a with the region class replaced.
func (a BhdDirectoryEntryAttrs) WithRegionType(t BhdDirectoryEntryRegionType) BhdDirectoryEntryAttrs {
	return a&^(0xff<<8) | BhdDirectoryEntryAttrs(t)<<8
}

// ResetImage reports whether this entry is the reset image.
func (a BhdDirectoryEntryAttrs) ResetImage() bool { return a&(1<<16) != 0 }

// WithResetImage returns a with the reset-image flag replaced.
func (a BhdDirectoryEntryAttrs) WithResetImage(v bool) BhdDirectoryEntryAttrs {
	return a.withBit(16, v)
}

// CopyImage reports whether the payload is copied to its destination.
func (a BhdDirectoryEntryAttrs) CopyImage() bool { return a&(1<<17) != 0 }

// WithCopyImage returns a with the copy-image flag replaced.
func (a BhdDirectoryEntryAttrs) WithCopyImage(v bool) BhdDirectoryEntryAttrs {
	return a.withBit(17, v)
}

// ReadOnly reports the read-only flag; only useful for region types > 0.
func (a BhdDirectoryEntryAttrs) ReadOnly() bool { return a&(1<<18) != 0 }

// WithReadOnly returns a with the read-only flag replaced.
func (a BhdDirectoryEntryAttrs) WithReadOnly(v bool) BhdDirectoryEntryAttrs {
	return a.withBit(18, v)
}

// Compressed reports whether the payload is a zlib stream.
func (a BhdDirectoryEntryAttrs) Compressed() bool { return a&(1<<19) != 0 }

// WithCompressed returns a with the compressed flag replaced.
func (a BhdDirectoryEntryAttrs) WithCompressed(v bool) BhdDirectoryEntryAttrs {
	return a.withBit(19, v)
}

func (a BhdDirectoryEntryAttrs) withBit(bit uint, v bool) BhdDirectoryEntryAttrs {
	if v {
		return a | 1<<bit
	}
	return a &^ (1 << bit)
}

// Instance returns the instance number.
func (a BhdDirectoryEntryAttrs) Instance() uint8 {
	return uint8(a>>20) & 0xf
}

// WithInstance returns a with the instance number replaced.
func (a BhdDirectoryEntryAttrs) WithInstance(v uint8) (BhdDirectoryEntryAttrs, error) {
	if v > 0xf {
		return a, fmt.Errorf("instance %#x out of range: %w", v, ErrDirectoryRangeCheck)
	}
	return a&^(0xf<<20) | BhdDirectoryEntryAttrs(v)<<20, nil
}

// SubProgram returns the sub-program selector.
func (a BhdDirectoryEntryAttrs) SubProgram() uint8 {
	return uint8(a>>24) & 0x7
}

// WithSubProgram returns a with the sub-program selector replaced.
func (a BhdDirectoryEntryAttrs) WithSubProgram(v uint8) (BhdDirectoryEntryAttrs, error) {
	if v > 0x7 {
		return a, fmt.Errorf("sub program %#x out of range: %w", v, ErrDirectoryRangeCheck)
	}
	return a&^(0x7<<24) | BhdDirectoryEntryAttrs(v)<<24, nil
}

// RomId returns the ROM ID.
func (a BhdDirectoryEntryAttrs) RomId() uint8 {
	return uint8(a>>27) & 0x3
}

// WithRomId returns a with the ROM ID replaced.
func (a BhdDirectoryEntryAttrs) WithRomId(v uint8) (BhdDirectoryEntryAttrs, error) {
	if v > 0x3 {
		return a, fmt.Errorf("rom id %#x out of range: %w", v, ErrDirectoryRangeCheck)
	}
	return a&^(0x3<<27) | BhdDirectoryEntryAttrs(v)<<27, nil
}

// SizeValueMarker in the size field re-interprets source as a 64-bit
// immediate value instead of a location.
const SizeValueMarker = 0xffff_ffff

// DestinationNoneMarker in a BHD entry means no destination.
const DestinationNoneMarker = 0xffff_ffff_ffff_ffff

// PspDirectoryEntry is one 16-byte slot of a PSP directory.
type PspDirectoryEntry struct {
	Attrs  PspDirectoryEntryAttrs
	Size   uint32
	Source uint64
}

// Type returns the entry's type tag.
func (e *PspDirectoryEntry) Type() PspDirectoryEntryType {
	return e.Attrs.Type()
}

// IsValue reports whether Source holds an immediate value.
func (e *PspDirectoryEntry) IsValue() bool {
	return e.Size == SizeValueMarker
}

// Value returns the immediate value of a value entry.
func (e *PspDirectoryEntry) Value() (uint64, error) {
	if !e.IsValue() {
		return 0, fmt.Errorf("entry %s holds a location, not a value: %w", e.Type(), ErrEntryTypeMismatch)
	}
	return e.Source, nil
}

// PayloadSize returns the payload size of a blob entry.
func (e *PspDirectoryEntry) PayloadSize() (uint32, error) {
	if e.IsValue() {
		return 0, fmt.Errorf("entry %s holds a value, not a payload: %w", e.Type(), ErrEntryTypeMismatch)
	}
	return e.Size, nil
}

// NewPspValueEntry builds a value entry (for example a soft fuse chain).
func NewPspValueEntry(attrs PspDirectoryEntryAttrs, value uint64) PspDirectoryEntry {
	return PspDirectoryEntry{Attrs: attrs, Size: SizeValueMarker, Source: value}
}

// NewPspPayloadEntry builds a blob entry with an already encoded source.
func NewPspPayloadEntry(attrs PspDirectoryEntryAttrs, size uint32, source uint64) (PspDirectoryEntry, error) {
	if size == SizeValueMarker {
		return PspDirectoryEntry{}, fmt.Errorf("size %#x is the value marker: %w", size, ErrEntryTypeMismatch)
	}
	return PspDirectoryEntry{Attrs: attrs, Size: size, Source: source}, nil
}

// BhdDirectoryEntry is one 24-byte slot of a BHD directory.
type BhdDirectoryEntry struct {
	Attrs               BhdDirectoryEntryAttrs
	Size                uint32
	Source              uint64
	DestinationLocation uint64
}

// Type returns the entry's type tag.
func (e *BhdDirectoryEntry) Type() BhdDirectoryEntryType {
	return e.Attrs.Type()
}

// IsValue reports whether Source holds an immediate value.
func (e *BhdDirectoryEntry) IsValue() bool {
	return e.Size == SizeValueMarker
}

// Value returns the immediate value of a value entry.
func (e *BhdDirectoryEntry) Value() (uint64, error) {
	if !e.IsValue() {
		return 0, fmt.Errorf("entry %s holds a location, not a value: %w", e.Type(), ErrEntryTypeMismatch)
	}
	return e.Source, nil
}

// PayloadSize returns the payload size of a blob entry.
func (e *BhdDirectoryEntry) PayloadSize() (uint32, error) {
	if e.IsValue() {
		return 0, fmt.Errorf("entry %s holds a value, not a payload: %w", e.Type(), ErrEntryTypeMismatch)
	}
	return e.Size, nil
}

// Destination returns the copy destination, if there is one.
func (e *BhdDirectoryEntry) Destination() (uint64, bool) {
	if e.DestinationLocation == DestinationNoneMarker {
		return 0, false
	}
	return e.DestinationLocation, true
}

// NewBhdValueEntry builds a value entry.
func NewBhdValueEntry(attrs BhdDirectoryEntryAttrs, value uint64) BhdDirectoryEntry {
	return BhdDirectoryEntry{
		Attrs:               attrs,
		Size:                SizeValueMarker,
		Source:              value,
		DestinationLocation: DestinationNoneMarker,
	}
}

// NewBhdPayloadEntry builds a blob entry with an already encoded source;
// destination nil means none.
func NewBhdPayloadEntry(attrs BhdDirectoryEntryAttrs, size uint32, source uint64, destination *uint64) (BhdDirectoryEntry, error) {
	if size == SizeValueMarker {
		return BhdDirectoryEntry{}, fmt.Errorf("size %#x is the value marker: %w", size, ErrEntryTypeMismatch)
	}
	dst := uint64(DestinationNoneMarker)
	if destination != nil {
		if *destination == DestinationNoneMarker {
			return BhdDirectoryEntry{}, fmt.Errorf("destination %#x is the none marker: %w", *destination, ErrEntryTypeMismatch)
		}
		dst = *destination
	}
	return BhdDirectoryEntry{Attrs: attrs, Size: size, Source: source, DestinationLocation: dst}, nil
}

// ComboDirectoryEntry is one 16-byte slot of a combo directory; it
// selects a sub-directory by PSP or family ID.
type ComboDirectoryEntry struct {
	// IdSelect 0 compares Id against the PSP ID, 1 against the family ID.
	IdSelect          uint32
	Id                uint32
	DirectoryLocation uint64
}

// PspSoftFuseChain32MiBSpiDecoding selects which half of a 32 MiB flash
// is mapped to MMIO 0xff00_0000.
type PspSoftFuseChain32MiBSpiDecoding uint8

const (
	SpiDecodingLowerHalf PspSoftFuseChain32MiBSpiDecoding = 0
	SpiDecodingUpperHalf PspSoftFuseChain32MiBSpiDecoding = 1
)

// PspSoftFuseChainPostCodeDecoding selects where postcodes go.
type PspSoftFuseChainPostCodeDecoding uint8

const (
	PostCodeDecodingLpc  PspSoftFuseChainPostCodeDecoding = 0
	PostCodeDecodingEspi PspSoftFuseChainPostCodeDecoding = 1
)

// PspSoftFuseChain is the 64-bit soft fuse word stored as a PSP value
// entry of type PspEntryPspSoftFuseChain.
type PspSoftFuseChain uint64

// SecureDebugUnlock returns bit 0.
func (c PspSoftFuseChain) SecureDebugUnlock() bool { return c&1 != 0 }

// WithSecureDebugUnlock returns c with bit 0 replaced.
func (c PspSoftFuseChain) WithSecureDebugUnlock(v bool) PspSoftFuseChain { return c.withBit(0, v) }

// EarlySecureDebugUnlock returns bit 2.
func (c PspSoftFuseChain) EarlySecureDebugUnlock() bool { return c&(1<<2) != 0 }

// WithEarlySecureDebugUnlock returns c with bit 2 replaced.
func (c PspSoftFuseChain) WithEarlySecureDebugUnlock(v bool) PspSoftFuseChain { return c.withBit(2, v) }

// UnlockTokenInNvram returns bit 3: whether the unlock token has been
// stored into NVRAM.
func (c PspSoftFuseChain) UnlockTokenInNvram() bool { return c&(1<<3) != 0 }

// WithUnlockTokenInNvram returns c with bit 3 replaced.
func (c PspSoftFuseChain) WithUnlockTokenInNvram(v bool) PspSoftFuseChain { return c.withBit(3, v) }

// ForceSecurityPolicyLoadingEvenIfInsecure returns bit 4.
func (c PspSoftFuseChain) ForceSecurityPolicyLoadingEvenIfInsecure() bool { return c&(1<<4) != 0 }

// WithForceSecurityPolicyLoadingEvenIfInsecure returns c with bit 4 replaced.
func (c PspSoftFuseChain) WithForceSecurityPolicyLoadingEvenIfInsecure(v bool) PspSoftFuseChain {
	return c.withBit(4, v)
}

// LoadDiagnosticBootloader returns bit 5.
func (c PspSoftFuseChain) LoadDiagnosticBootloader() bool { return c&(1<<5) != 0 }

// WithLoadDiagnosticBootloader returns c with bit 5 replaced.
func (c PspSoftFuseChain) WithLoadDiagnosticBootloader(v bool) PspSoftFuseChain {
	return c.withBit(5, v)
}

// DisablePspDebugPrints returns bit 6.
func (c PspSoftFuseChain) DisablePspDebugPrints() bool { return c&(1<<6) != 0 }

// WithDisablePspDebugPrints returns c with bit 6 replaced.
func (c PspSoftFuseChain) WithDisablePspDebugPrints(v bool) PspSoftFuseChain {
	return c.withBit(6, v)
}

// SpiDecoding returns bit 14.
func (c PspSoftFuseChain) SpiDecoding() PspSoftFuseChain32MiBSpiDecoding {
	return PspSoftFuseChain32MiBSpiDecoding(c>>14) & 1
}

// WithSpiDecoding returns c with bit 14 replaced.
func (c PspSoftFuseChain) WithSpiDecoding(v PspSoftFuseChain32MiBSpiDecoding) PspSoftFuseChain {
	return c.withBit(14, v != 0)
}

// PostCodeDecoding returns bit 15.
func (c PspSoftFuseChain) PostCodeDecoding() PspSoftFuseChainPostCodeDecoding {
	return PspSoftFuseChainPostCodeDecoding(c>>15) & 1
}

// WithPostCodeDecoding returns c with bit 15 replaced.
func (c PspSoftFuseChain) WithPostCodeDecoding(v PspSoftFuseChainPostCodeDecoding) PspSoftFuseChain {
	return c.withBit(15, v != 0)
}

// SkipMp2FirmwareLoading returns bit 29.
func (c PspSoftFuseChain) SkipMp2FirmwareLoading() bool { return c&(1<<29) != 0 }

// WithSkipMp2FirmwareLoading returns c with bit 29 replaced.
func (c PspSoftFuseChain) WithSkipMp2FirmwareLoading(v bool) PspSoftFuseChain {
	return c.withBit(29, v)
}

// PostCodeOutputControl1Byte returns bit 30.
func (c PspSoftFuseChain) PostCodeOutputControl1Byte() bool { return c&(1<<30) != 0 }

// WithPostCodeOutputControl1Byte returns c with bit 30 replaced.
func (c PspSoftFuseChain) WithPostCodeOutputControl1Byte(v bool) PspSoftFuseChain {
	return c.withBit(30, v)
}

// ForceRecoveryBooting returns bit 31.
func (c PspSoftFuseChain) ForceRecoveryBooting() bool { return c&(1<<31) != 0 }

// WithForceRecoveryBooting returns c with bit 31 replaced.
func (c PspSoftFuseChain) WithForceRecoveryBooting(v bool) PspSoftFuseChain {
	return c.withBit(31, v)
}

func (c PspSoftFuseChain) withBit(bit uint, v bool) PspSoftFuseChain {
	if v {
		return c | 1<<bit
	}
	return c &^ (1 << bit)
}
