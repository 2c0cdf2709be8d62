// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"bytes"
	"fmt"

	"github.com/linuxboot/amdefs/pkg/amd/flash"
)

// ComboDirectory is a 2PSP or 2BHD directory: its entries select among
// per-processor sub-directories by PSP ID or family ID. The combo header
// carries no additional-info word; entry pointers are plain offsets on
// offset-mode images and MMIO addresses on physical-address-mode ones.
type ComboDirectory struct {
	Header ComboDirectoryHeader

	beginning               flash.Location
	physicalAddressMode     bool
	amdPhysicalModeMmioSize *uint32
	entries                 [MaxDirectoryEntries]ComboDirectoryEntry
}

// MinimalComboDirectorySize is the byte size of a combo directory header
// followed by totalEntries entries.
func MinimalComboDirectorySize(totalEntries uint32) (uint32, error) {
	return minimalDirectorySize(comboDirectoryHeaderSize, comboDirectoryEntrySize, totalEntries)
}

// LoadComboDirectory reads a combo directory from storage.
func LoadComboDirectory(storage flash.FlashRead, beginning flash.Location, physicalAddressMode bool, amdPhysicalModeMmioSize *uint32) (*ComboDirectory, error) {
	d := ComboDirectory{
		beginning:               beginning,
		physicalAddressMode:     physicalAddressMode,
		amdPhysicalModeMmioSize: amdPhysicalModeMmioSize,
	}
	if err := readStruct(storage, beginning, &d.Header); err != nil {
		return nil, err
	}
	if d.Header.Cookie != PspComboDirectoryCookie && d.Header.Cookie != BhdComboDirectoryCookie {
		return nil, fmt.Errorf("cookie %q: %w", d.Header.Cookie[:], ErrDirectoryTypeMismatch)
	}
	if d.Header.TotalEntries > MaxDirectoryEntries {
		return nil, fmt.Errorf("%d entries exceed the capacity of %d: %w", d.Header.TotalEntries, MaxDirectoryEntries, ErrDirectoryRangeCheck)
	}
	for i := uint32(0); i < d.Header.TotalEntries; i++ {
		location, err := checkedLocationAdd(beginning, comboDirectoryHeaderSize+i*comboDirectoryEntrySize)
		if err != nil {
			return nil, err
		}
		if err := readStruct(storage, location, &d.entries[i]); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

// NewComboDirectory builds a combo directory in memory.
func NewComboDirectory(beginning flash.Location, cookie [4]byte, lookUpMode uint32, physicalAddressMode bool, amdPhysicalModeMmioSize *uint32, entries []ComboDirectoryEntry) (*ComboDirectory, error) {
	if cookie != PspComboDirectoryCookie && cookie != BhdComboDirectoryCookie {
		return nil, fmt.Errorf("cookie %q: %w", cookie[:], ErrDirectoryTypeMismatch)
	}
	if lookUpMode > 1 {
		return nil, fmt.Errorf("look-up mode %d: %w", lookUpMode, ErrDirectoryRangeCheck)
	}
	d := ComboDirectory{
		beginning:               beginning,
		physicalAddressMode:     physicalAddressMode,
		amdPhysicalModeMmioSize: amdPhysicalModeMmioSize,
	}
	d.Header.Cookie = cookie
	d.Header.LookUpMode = lookUpMode
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
func (d *ComboDirectory) Beginning() flash.Location {
	return d.beginning
}

// Entries returns the stored entries, in order.
func (d *ComboDirectory) Entries() []ComboDirectoryEntry {
	return d.entries[:d.Header.TotalEntries]
}

// AddEntry appends an entry.
func (d *ComboDirectory) AddEntry(entry ComboDirectoryEntry) error {
	if d.Header.TotalEntries >= MaxDirectoryEntries {
		return fmt.Errorf("directory is full at %d entries: %w", MaxDirectoryEntries, ErrDirectoryRangeCheck)
	}
	d.entries[d.Header.TotalEntries] = entry
	d.Header.TotalEntries++
	return nil
}

// EntryDirectoryBeginning resolves an entry's sub-directory pointer to a
// flash offset.
func (d *ComboDirectory) EntryDirectoryBeginning(entry ComboDirectoryEntry) (flash.Location, error) {
	if !d.physicalAddressMode {
		if entry.DirectoryLocation > 0xffff_ffff {
			return 0, fmt.Errorf("directory location %#x exceeds 32 bits: %w", entry.DirectoryLocation, ErrDirectoryPayloadRangeCheck)
		}
		return flash.Location(entry.DirectoryLocation), nil
	}
	if d.amdPhysicalModeMmioSize == nil {
		return 0, fmt.Errorf("physical address %#x without an MMIO window hint: %w", entry.DirectoryLocation, ErrEntryTypeMismatch)
	}
	return mmioDecode(entry.DirectoryLocation, *d.amdPhysicalModeMmioSize)
}

func (d *ComboDirectory) serialize() ([]byte, error) {
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
// directory.
func (d *ComboDirectory) UpdateChecksum() error {
	raw, err := d.serialize()
	if err != nil {
		return err
	}
	d.Header.Checksum = CalculateDirectoryChecksum(raw)
	return nil
}

// VerifyChecksum recomputes the checksum and compares it to the header.
func (d *ComboDirectory) VerifyChecksum() error {
	raw, err := d.serialize()
	if err != nil {
		return err
	}
	if sum := CalculateDirectoryChecksum(raw); sum != d.Header.Checksum {
		return fmt.Errorf("combo directory checksum %#08x, computed %#08x: %w", d.Header.Checksum, sum, ErrDirectoryRangeCheck)
	}
	return nil
}

// Save allocates the directory out of rng (which keeps the unused
// suffix), refreshes the checksum and erase-writes the serialised
// directory.
func (d *ComboDirectory) Save(storage flash.FlashWrite, rng *flash.ErasableRange) error {
	if err := d.UpdateChecksum(); err != nil {
		return err
	}
	size, err := MinimalComboDirectorySize(d.Header.TotalEntries)
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
