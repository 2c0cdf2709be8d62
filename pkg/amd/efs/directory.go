// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/linuxboot/amdefs/pkg/amd/flash"
)

// MaxDirectoryEntries bounds the in-memory entry array of a directory.
// AMD documents no ceiling; this is the implementation limit.
const MaxDirectoryEntries = 64

var (
	pspDirectoryHeaderSize   = uint32(binary.Size(PspDirectoryHeader{}))
	pspDirectoryEntrySize    = uint32(binary.Size(PspDirectoryEntry{}))
	bhdDirectoryHeaderSize   = uint32(binary.Size(BhdDirectoryHeader{}))
	bhdDirectoryEntrySize    = uint32(binary.Size(BhdDirectoryEntry{}))
	comboDirectoryHeaderSize = uint32(binary.Size(ComboDirectoryHeader{}))
	comboDirectoryEntrySize  = uint32(binary.Size(ComboDirectoryEntry{}))
)

func readStruct(storage flash.FlashRead, location flash.Location, data interface{}) error {
	buf := make([]byte, binary.Size(data))
	if err := storage.ReadExact(location, buf); err != nil {
		return fmt.Errorf("%w: %w", ErrIo, err)
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, data); err != nil {
		return fmt.Errorf("%w: %w", ErrMarshal, err)
	}
	return nil
}

func writeStruct(w *bytes.Buffer, data interface{}) error {
	if err := binary.Write(w, binary.LittleEndian, data); err != nil {
		return fmt.Errorf("%w: %w", ErrMarshal, err)
	}
	return nil
}

func minimalDirectorySize(headerSize, entrySize uint32, totalEntries uint32) (uint32, error) {
	size := uint64(headerSize) + uint64(entrySize)*uint64(totalEntries)
	if size > 0xffff_ffff {
		return 0, fmt.Errorf("directory of %d entries does not fit the flash address space: %w", totalEntries, ErrDirectoryRangeCheck)
	}
	return uint32(size), nil
}

func checkedLocationAdd(base flash.Location, offset uint32) (flash.Location, error) {
	sum := uint64(base) + uint64(offset)
	if sum > 0xffff_ffff {
		return 0, fmt.Errorf("%#x + %#x leaves the flash address space: %w", base, offset, ErrDirectoryPayloadRangeCheck)
	}
	return flash.Location(sum), nil
}

// resolvePayload turns a decoded source into a flash offset, given the
// owning directory's coordinates and the EFS's MMIO window hint.
func resolvePayload(v ValueOrLocation, beginning, mode3Base flash.Location, amdPhysicalModeMmioSize *uint32) (flash.Location, error) {
	if v.IsValue() {
		return 0, fmt.Errorf("value entry has no payload location: %w", ErrDirectoryTypeMismatch)
	}
	mode, err := v.Mode()
	if err != nil {
		return 0, err
	}
	raw, err := v.Offset()
	if err != nil {
		return 0, err
	}
	switch mode {
	case AddressModePhysicalAddress:
		if amdPhysicalModeMmioSize == nil {
			return 0, fmt.Errorf("physical address %#x without an MMIO window hint: %w", raw, ErrEntryTypeMismatch)
		}
		return mmioDecode(raw, *amdPhysicalModeMmioSize)
	case AddressModeEfsRelativeOffset:
		return flash.Location(raw), nil
	case AddressModeDirectoryRelativeOffset:
		return checkedLocationAdd(beginning, uint32(raw))
	case AddressModeOtherDirectoryRelativeOffset:
		return checkedLocationAdd(mode3Base, uint32(raw))
	}
	return 0, fmt.Errorf("address mode %d: %w", mode, ErrEntryTypeMismatch)
}

// saveAdditionalInfo populates the additional-info word the way the
// host-side save path always writes it: capacity and block size from the
// allocation, payload base as given, pointers EFS-relative.
func saveAdditionalInfo(current DirectoryAdditionalInfo, capacity, erasableBlockSize uint32, payloadsBeginning flash.Location) (DirectoryAdditionalInfo, error) {
	maxSize, ok := TryIntoUnit(capacity)
	if !ok || maxSize > 0x3ff {
		return 0, fmt.Errorf("directory capacity %#x: %w", capacity, ErrDirectoryRangeCheck)
	}
	info, err := current.WithMaxSize(maxSize)
	if err != nil {
		return 0, err
	}
	blockUnits, ok := TryIntoUnit(erasableBlockSize)
	if !ok {
		return 0, fmt.Errorf("erase-block size %#x: %w", erasableBlockSize, ErrDirectoryRangeCheck)
	}
	info, err = info.WithSpiBlockSize(blockUnits)
	if err != nil {
		return 0, err
	}
	base, ok := TryIntoUnit(payloadsBeginning)
	if !ok {
		return 0, fmt.Errorf("payload base %#x: %w", payloadsBeginning, ErrDirectoryPayloadMisaligned)
	}
	info, err = info.WithBaseAddress(base)
	if err != nil {
		return 0, err
	}
	return info.WithAddressMode(AddressModeEfsRelativeOffset), nil
}
