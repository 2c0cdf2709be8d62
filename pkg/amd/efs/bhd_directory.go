// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"bytes"
	"fmt"

	"github.com/linuxboot/amdefs/pkg/amd/flash"
)

// BhdDirectory is a $BHD or $BL2 directory materialised in memory.
type BhdDirectory struct {
	Header BhdDirectoryHeader

	beginning               flash.Location
	mode3Base               flash.Location
	directoryAddressMode    AddressMode
	amdPhysicalModeMmioSize *uint32
	entries                 [MaxDirectoryEntries]BhdDirectoryEntry
}

// MinimalBhdDirectorySize is the byte size of a BHD directory header
// followed by totalEntries entries.
func MinimalBhdDirectorySize(totalEntries uint32) (uint32, error) {
	return minimalDirectorySize(bhdDirectoryHeaderSize, bhdDirectoryEntrySize, totalEntries)
}

// LoadBhdDirectory reads a BHD directory from storage. mode3Base is the
// base for other-directory-relative entries (the PSP directory that
// introduced an A/B BHD, for example; 0 if there is none).
func LoadBhdDirectory(storage flash.FlashRead, beginning flash.Location, mode3Base flash.Location, amdPhysicalModeMmioSize *uint32) (*BhdDirectory, error) {
	d := BhdDirectory{
		beginning:               beginning,
		mode3Base:               mode3Base,
		amdPhysicalModeMmioSize: amdPhysicalModeMmioSize,
	}
	if err := readStruct(storage, beginning, &d.Header); err != nil {
		return nil, err
	}
	if d.Header.Cookie != BhdDirectoryCookie && d.Header.Cookie != BhdDirectoryLevel2Cookie {
		return nil, fmt.Errorf("cookie %q: %w", d.Header.Cookie[:], ErrDirectoryTypeMismatch)
	}
	d.directoryAddressMode = DirectoryAdditionalInfo(d.Header.AdditionalInfo).AddressMode()
	if d.directoryAddressMode == AddressModeOtherDirectoryRelativeOffset {
		return nil, fmt.Errorf("directory address mode %v: %w", d.directoryAddressMode, ErrDirectoryTypeMismatch)
	}
	if d.Header.TotalEntries > MaxDirectoryEntries {
		return nil, fmt.Errorf("%d entries exceed the capacity of %d: %w", d.Header.TotalEntries, MaxDirectoryEntries, ErrDirectoryRangeCheck)
	}
	for i := uint32(0); i < d.Header.TotalEntries; i++ {
		location, err := checkedLocationAdd(beginning, bhdDirectoryHeaderSize+i*bhdDirectoryEntrySize)
		if err != nil {
			return nil, err
		}
		if err := readStruct(storage, location, &d.entries[i]); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

// NewBhdDirectory builds a directory in memory; Save serialises it.
func NewBhdDirectory(beginning flash.Location, mode3Base flash.Location, mode AddressMode, cookie [4]byte, amdPhysicalModeMmioSize *uint32, entries []BhdDirectoryEntry) (*BhdDirectory, error) {
	if mode == AddressModeOtherDirectoryRelativeOffset {
		return nil, fmt.Errorf("directory address mode %v: %w", mode, ErrDirectoryTypeMismatch)
	}
	if cookie != BhdDirectoryCookie && cookie != BhdDirectoryLevel2Cookie {
		return nil, fmt.Errorf("cookie %q: %w", cookie[:], ErrDirectoryTypeMismatch)
	}
	d := BhdDirectory{
		beginning:               beginning,
		mode3Base:               mode3Base,
		directoryAddressMode:    mode,
		amdPhysicalModeMmioSize: amdPhysicalModeMmioSize,
	}
	d.Header.Cookie = cookie
	d.Header.AdditionalInfo = uint32(DirectoryAdditionalInfo(0).WithAddressMode(mode))
	for i := range entries {
		if err := d.AddEntry(entries[i]); err != nil {
			return nil, err
		}
	}
	if err := d.UpdateChecksum(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Beginning returns the flash offset of the directory header.
func (d *BhdDirectory) Beginning() flash.Location {
	return d.beginning
}

// DirectoryAddressMode returns the directory-level address mode.
func (d *BhdDirectory) DirectoryAddressMode() AddressMode {
	return d.directoryAddressMode
}

// AdditionalInfo returns the decoded additional-info word.
func (d *BhdDirectory) AdditionalInfo() DirectoryAdditionalInfo {
	return DirectoryAdditionalInfo(d.Header.AdditionalInfo)
}

// Entries returns the stored entries, in order.
func (d *BhdDirectory) Entries() []BhdDirectoryEntry {
	return d.entries[:d.Header.TotalEntries]
}

// AddEntry appends an entry.
func (d *BhdDirectory) AddEntry(entry BhdDirectoryEntry) error {
	if d.Header.TotalEntries >= MaxDirectoryEntries {
		return fmt.Errorf("directory is full at %d entries: %w", MaxDirectoryEntries, ErrDirectoryRangeCheck)
	}
	d.entries[d.Header.TotalEntries] = entry
	d.Header.TotalEntries++
	return nil
}

// Source decodes an entry's source under this directory's address mode.
func (d *BhdDirectory) Source(entry BhdDirectoryEntry) (ValueOrLocation, error) {
	if entry.IsValue() {
		return NewValue(entry.Source), nil
	}
	return DecodeSource(entry.Source, d.directoryAddressMode)
}

// PayloadBeginning resolves an entry's payload to a flash offset.
func (d *BhdDirectory) PayloadBeginning(entry BhdDirectoryEntry) (flash.Location, error) {
	source, err := d.Source(entry)
	if err != nil {
		return 0, err
	}
	return resolvePayload(source, d.beginning, d.mode3Base, d.amdPhysicalModeMmioSize)
}

func (d *BhdDirectory) serialize() ([]byte, error) {
	var w bytes.Buffer
	if err := writeStruct(&w, &d.Header); err != nil {
		return nil, err
	}
	for i := uint32(0); i < d.Header.TotalEntries; i++ {
		if err := writeStruct(&w, &d.entries[i]); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

// UpdateChecksum recomputes the header checksum over the serialised
// directory. Every entry has to be in its final form already.
func (d *BhdDirectory) UpdateChecksum() error {
	raw, err := d.serialize()
	if err != nil {
		return err
	}
	d.Header.Checksum = CalculateDirectoryChecksum(raw)
	return nil
}

// VerifyChecksum recomputes the checksum and compares it to the header.
func (d *BhdDirectory) VerifyChecksum() error {
	raw, err := d.serialize()
	if err != nil {
		return err
	}
	if sum := CalculateDirectoryChecksum(raw); sum != d.Header.Checksum {
		return fmt.Errorf("BHD directory checksum %#08x, computed %#08x: %w", d.Header.Checksum, sum, ErrDirectoryRangeCheck)
	}
	return nil
}

// Save allocates the directory out of rng (which keeps the unused
// suffix), refreshes the additional-info word and checksum, and
// erase-writes the serialised directory. payloadsBeginning is where the
// entry payloads will start; it must be 4 kiB aligned.
func (d *BhdDirectory) Save(storage flash.FlashWrite, rng *flash.ErasableRange, payloadsBeginning flash.Location) error {
	info, err := saveAdditionalInfo(d.AdditionalInfo(), rng.Capacity(), storage.ErasableBlockSize(), payloadsBeginning)
	if err != nil {
		return err
	}
	d.Header.AdditionalInfo = uint32(info)
	d.directoryAddressMode = info.AddressMode()
	if err := d.UpdateChecksum(); err != nil {
		return err
	}
	size, err := MinimalBhdDirectorySize(d.Header.TotalEntries)
	if err != nil {
		return err
	}
	taken, err := rng.TakeAtLeast(size)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDirectoryRangeCheck, err)
	}
	raw, err := d.serialize()
	if err != nil {
		return err
	}
	if err := flash.EraseAndWriteBlocks(storage, taken.Beginning, raw); err != nil {
		return fmt.Errorf("%w: %w", ErrIo, err)
	}
	return nil
}

func (d *BhdDirectory) String() string {
	var s bytes.Buffer
	fmt.Fprintf(&s, "BHD Cookie: %s\n", d.Header.Cookie[:])
	fmt.Fprintf(&s, "Checksum: %#08x\n", d.Header.Checksum)
	fmt.Fprintf(&s, "Total Entries: %d\n", d.Header.TotalEntries)
	fmt.Fprintf(&s, "Additional Info: %#08x\n", d.Header.AdditionalInfo)
	for _, entry := range d.Entries() {
		fmt.Fprintf(&s, "0x%-3x | 0x%-8x | %-10v | 0x%-6x | 0x%-8x | %-6d | 0x%-11x | 0x%-18x\n",
			uint8(entry.Type()),
			uint8(entry.Attrs.RegionType()),
			entry.Attrs.Compressed(),
			entry.Attrs.Instance(),
			entry.Attrs.SubProgram(),
			entry.Size,
			entry.Source,
			entry.DestinationLocation)
	}
	return s.String()
}
