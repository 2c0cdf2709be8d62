// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"bytes"
	"fmt"

	"github.com/linuxboot/amdefs/pkg/amd/flash"
)

// PspDirectory is a $PSP or $PL2 directory materialised in memory.
type PspDirectory struct {
	Header PspDirectoryHeader

	beginning            flash.Location
	mode3Base            flash.Location
	directoryAddressMode AddressMode
	// amdPhysicalModeMmioSize is how much of the memory area below 4 GiB
	// is memory-mapped to flash; needed to resolve physical-address
	// entries. nil on offset-mode images.
	amdPhysicalModeMmioSize *uint32
	entries                 [MaxDirectoryEntries]PspDirectoryEntry
}

// MinimalPspDirectorySize is the byte size of a PSP directory header
// followed by totalEntries entries.
func MinimalPspDirectorySize(totalEntries uint32) (uint32, error) {
	return minimalDirectorySize(pspDirectoryHeaderSize, pspDirectoryEntrySize, totalEntries)
}

// LoadPspDirectory reads a PSP directory from storage. mode3Base is the
// base for other-directory-relative entries (usually the first-level
// directory that introduced this one; 0 if there is none).
func LoadPspDirectory(storage flash.FlashRead, beginning flash.Location, mode3Base flash.Location, amdPhysicalModeMmioSize *uint32) (*PspDirectory, error) {
	d := PspDirectory{
		beginning:               beginning,
		mode3Base:               mode3Base,
		amdPhysicalModeMmioSize: amdPhysicalModeMmioSize,
	}
	if err := readStruct(storage, beginning, &d.Header); err != nil {
		return nil, err
	}
	if d.Header.Cookie != PspDirectoryCookie && d.Header.Cookie != PspDirectoryLevel2Cookie {
		return nil, fmt.Errorf("cookie %q: %w", d.Header.Cookie[:], ErrDirectoryTypeMismatch)
	}
	d.directoryAddressMode = DirectoryAdditionalInfo(d.Header.AdditionalInfo).AddressMode()
	// The PSP boot loader does not support directories declared in
	// other-directory-relative mode.
	if d.directoryAddressMode == AddressModeOtherDirectoryRelativeOffset {
		return nil, fmt.Errorf("directory address mode %v: %w", d.directoryAddressMode, ErrDirectoryTypeMismatch)
	}
	if d.Header.TotalEntries > MaxDirectoryEntries {
		return nil, fmt.Errorf("%d entries exceed the capacity of %d: %w", d.Header.TotalEntries, MaxDirectoryEntries, ErrDirectoryRangeCheck)
	}
	for i := uint32(0); i < d.Header.TotalEntries; i++ {
		location, err := checkedLocationAdd(beginning, pspDirectoryHeaderSize+i*pspDirectoryEntrySize)
		if err != nil {
			return nil, err
		}
		if err := readStruct(storage, location, &d.entries[i]); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

// NewPspDirectory builds a directory in memory; Save serialises it.
// The other-directory-relative mode cannot be used as a directory mode.
func NewPspDirectory(beginning flash.Location, mode3Base flash.Location, mode AddressMode, cookie [4]byte, amdPhysicalModeMmioSize *uint32, entries []PspDirectoryEntry) (*PspDirectory, error) {
	if mode == AddressModeOtherDirectoryRelativeOffset {
		return nil, fmt.Errorf("directory address mode %v: %w", mode, ErrDirectoryTypeMismatch)
	}
	if cookie != PspDirectoryCookie && cookie != PspDirectoryLevel2Cookie {
		return nil, fmt.Errorf("cookie %q: %w", cookie[:], ErrDirectoryTypeMismatch)
	}
	d := PspDirectory{
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
func (d *PspDirectory) Beginning() flash.Location {
	return d.beginning
}

// DirectoryAddressMode returns the directory-level address mode.
func (d *PspDirectory) DirectoryAddressMode() AddressMode {
	return d.directoryAddressMode
}

// AdditionalInfo returns the decoded additional-info word.
func (d *PspDirectory) AdditionalInfo() DirectoryAdditionalInfo {
	return DirectoryAdditionalInfo(d.Header.AdditionalInfo)
}

// Entries returns the stored entries, in order.
func (d *PspDirectory) Entries() []PspDirectoryEntry {
	return d.entries[:d.Header.TotalEntries]
}

// AddEntry appends an entry.
func (d *PspDirectory) AddEntry(entry PspDirectoryEntry) error {
	if d.Header.TotalEntries >= MaxDirectoryEntries {
		return fmt.Errorf("directory is full at %d entries: %w", MaxDirectoryEntries, ErrDirectoryRangeCheck)
	}
	d.entries[d.Header.TotalEntries] = entry
	d.Header.TotalEntries++
	return nil
}

// AddValueEntry appends an entry that must carry an immediate value.
func (d *PspDirectory) AddValueEntry(entry PspDirectoryEntry) error {
	if !entry.IsValue() {
		return fmt.Errorf("entry %s is not a value entry: %w", entry.Type(), ErrEntryTypeMismatch)
	}
	return d.AddEntry(entry)
}

// Source decodes an entry's source under this directory's address mode.
func (d *PspDirectory) Source(entry PspDirectoryEntry) (ValueOrLocation, error) {
	if entry.IsValue() {
		return NewValue(entry.Source), nil
	}
	return DecodeSource(entry.Source, d.directoryAddressMode)
}

// PayloadBeginning resolves an entry's payload to a flash offset.
func (d *PspDirectory) PayloadBeginning(entry PspDirectoryEntry) (flash.Location, error) {
	source, err := d.Source(entry)
	if err != nil {
		return 0, err
	}
	return resolvePayload(source, d.beginning, d.mode3Base, d.amdPhysicalModeMmioSize)
}

func (d *PspDirectory) serialize() ([]byte, error) {
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
func (d *PspDirectory) UpdateChecksum() error {
	raw, err := d.serialize()
	if err != nil {
		return err
	}
	d.Header.Checksum = CalculateDirectoryChecksum(raw)
	return nil
}

// VerifyChecksum recomputes the checksum and compares it to the header.
func (d *PspDirectory) VerifyChecksum() error {
	raw, err := d.serialize()
	if err != nil {
		return err
	}
	if sum := CalculateDirectoryChecksum(raw); sum != d.Header.Checksum {
		return fmt.Errorf("PSP directory checksum %#08x, computed %#08x: %w", d.Header.Checksum, sum, ErrDirectoryRangeCheck)
	}
	return nil
}

// Save allocates the directory out of rng (which keeps the unused
// suffix), refreshes the additional-info word and checksum, and
// erase-writes the serialised directory. payloadsBeginning is where the
// entry payloads will start; it must be 4 kiB aligned.
func (d *PspDirectory) Save(storage flash.FlashWrite, rng *flash.ErasableRange, payloadsBeginning flash.Location) error {
	info, err := saveAdditionalInfo(d.AdditionalInfo(), rng.Capacity(), storage.ErasableBlockSize(), payloadsBeginning)
	if err != nil {
		return err
	}
	d.Header.AdditionalInfo = uint32(info)
	d.directoryAddressMode = info.AddressMode()
	if err := d.UpdateChecksum(); err != nil {
		return err
	}
	size, err := MinimalPspDirectorySize(d.Header.TotalEntries)
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

func (d *PspDirectory) String() string {
	var s bytes.Buffer
	fmt.Fprintf(&s, "PSP Cookie: %s\n", d.Header.Cookie[:])
	fmt.Fprintf(&s, "Checksum: %#08x\n", d.Header.Checksum)
	fmt.Fprintf(&s, "Total Entries: %d\n", d.Header.TotalEntries)
	fmt.Fprintf(&s, "Additional Info: %#08x\n", d.Header.AdditionalInfo)
	for _, entry := range d.Entries() {
		fmt.Fprintf(&s, "0x%-3x | 0x%-8x | 0x%-3x | %-10d | 0x%-10x\n",
			uint8(entry.Type()),
			entry.Attrs.SubProgram(),
			entry.Attrs.RomId(),
			entry.Size,
			entry.Source)
	}
	return s.String()
}
