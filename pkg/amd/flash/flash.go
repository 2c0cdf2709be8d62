// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package flash models the SPI flash that holds an AMD firmware image:
// byte locations, erase-block-aligned locations and ranges, and the
// read/erase/write boundary a backing medium has to provide.
package flash

import (
	"errors"
	"fmt"
)

// Location is a byte offset into the flash.
type Location = uint32

var (
	// ErrMisaligned means a Location was not aligned to the erase-block size where one was required.
	ErrMisaligned = errors.New("location is not aligned to the erase-block size")
	// ErrSize means a range could not supply the requested number of bytes.
	ErrSize = errors.New("requested size is unavailable")
)

// ErasableLocation is a Location which is known to sit on an erase block
// boundary of the medium it came from.
type ErasableLocation struct {
	location          Location
	erasableBlockSize uint32
}

// NewErasableLocation proves that location is aligned to erasableBlockSize.
// erasableBlockSize must be a power of two.
func NewErasableLocation(location Location, erasableBlockSize uint32) (ErasableLocation, error) {
	if erasableBlockSize == 0 || erasableBlockSize&(erasableBlockSize-1) != 0 {
		return ErasableLocation{}, fmt.Errorf("erase-block size 0x%x is not a power of two", erasableBlockSize)
	}
	if location&(erasableBlockSize-1) != 0 {
		return ErasableLocation{}, fmt.Errorf("location 0x%x, block size 0x%x: %w", location, erasableBlockSize, ErrMisaligned)
	}
	return ErasableLocation{location: location, erasableBlockSize: erasableBlockSize}, nil
}

// Location returns the plain byte offset.
func (l ErasableLocation) Location() Location {
	return l.location
}

// ErasableBlockSize returns the erase-block size this location is aligned to.
func (l ErasableLocation) ErasableBlockSize() uint32 {
	return l.erasableBlockSize
}

func (l ErasableLocation) erasableBlockMask() uint32 {
	return l.erasableBlockSize - 1
}

// Advance moves the location forward by amount, which must be a multiple
// of the erase-block size.
func (l ErasableLocation) Advance(amount uint32) (ErasableLocation, error) {
	if amount&l.erasableBlockMask() != 0 {
		return ErasableLocation{}, fmt.Errorf("advance by 0x%x, block size 0x%x: %w", amount, l.erasableBlockSize, ErrMisaligned)
	}
	pos := uint64(l.location) + uint64(amount)
	if pos > 0xffff_ffff {
		return ErasableLocation{}, fmt.Errorf("advance past 4 GiB: %w", ErrSize)
	}
	return ErasableLocation{location: Location(pos), erasableBlockSize: l.erasableBlockSize}, nil
}

// AdvanceAtLeast rounds amount up to the next multiple of the erase-block
// size and advances by that.
func (l ErasableLocation) AdvanceAtLeast(amount uint32) (ErasableLocation, error) {
	diff := (0 - amount) & l.erasableBlockMask()
	return l.Advance(amount + diff)
}

// Extent returns the number of bytes between beginning and end,
// or 0 if end precedes beginning.
func Extent(beginning, end ErasableLocation) uint32 {
	if end.location < beginning.location {
		return 0
	}
	return end.location - beginning.location
}

// ErasableRange is the half-open interval [Beginning, End) between two
// erasable locations with the same block size.
type ErasableRange struct {
	Beginning ErasableLocation
	End       ErasableLocation
}

// NewErasableRange builds a range; end must not precede beginning and the
// block sizes have to agree.
func NewErasableRange(beginning, end ErasableLocation) (ErasableRange, error) {
	if beginning.erasableBlockSize != end.erasableBlockSize {
		return ErasableRange{}, fmt.Errorf("mismatched erase-block sizes 0x%x and 0x%x: %w", beginning.erasableBlockSize, end.erasableBlockSize, ErrMisaligned)
	}
	if end.location < beginning.location {
		return ErasableRange{}, fmt.Errorf("range end 0x%x precedes beginning 0x%x: %w", end.location, beginning.location, ErrSize)
	}
	return ErasableRange{Beginning: beginning, End: end}, nil
}

// TakeAtLeast splits off a prefix of at least size bytes, rounded up to a
// whole number of erase blocks. The receiver keeps the suffix.
func (r *ErasableRange) TakeAtLeast(size uint32) (ErasableRange, error) {
	xBeginning := r.Beginning
	xEnd, err := r.Beginning.AdvanceAtLeast(size)
	if err != nil {
		return ErasableRange{}, err
	}
	if xEnd.location > r.End.location {
		return ErasableRange{}, fmt.Errorf("take 0x%x bytes from range of 0x%x: %w", size, r.Capacity(), ErrSize)
	}
	r.Beginning = xEnd
	return ErasableRange{Beginning: xBeginning, End: xEnd}, nil
}

// Capacity returns the size of the range in bytes.
func (r *ErasableRange) Capacity() uint32 {
	return Extent(r.Beginning, r.End)
}

// FlashRead is the read side of the medium.
type FlashRead interface {
	// ReadExact fills the entire buffer from consecutive bytes at beginning.
	ReadExact(beginning Location, buf []byte) error
}

// FlashAlign describes the medium's erase granularity. The block size is
// assumed constant for the lifetime of the instance and a power of two.
type FlashAlign interface {
	ErasableBlockSize() uint32
}

// FlashWrite is the full random-access erase/write side of the medium.
// Programming bits from 0 to 1 is impossible without an erase, and an
// erase affects a whole block.
type FlashWrite interface {
	FlashRead
	FlashAlign
	// EraseBlock fills one block with 0xFF.
	EraseBlock(location ErasableLocation) error
	// EraseAndWriteBlock erases the block at location and programs buf
	// into it. len(buf) must not exceed the block size; the tail of the
	// block beyond buf stays 0xFF.
	EraseAndWriteBlock(location ErasableLocation, buf []byte) error
}

// ErasableLocationOf checks location against the medium's erase granularity.
func ErasableLocationOf(a FlashAlign, location Location) (ErasableLocation, error) {
	return NewErasableLocation(location, a.ErasableBlockSize())
}

// IsAligned reports whether location sits on an erase block boundary of a.
func IsAligned(a FlashAlign, location Location) bool {
	return location&(a.ErasableBlockSize()-1) == 0
}

// EraseAndWriteBlocks chunks buf into block-sized writes starting at
// location. Only the last chunk may be short.
func EraseAndWriteBlocks(w FlashWrite, location ErasableLocation, buf []byte) error {
	erasableBlockSize := w.ErasableBlockSize()
	for len(buf) > 0 {
		chunk := buf
		if uint32(len(chunk)) > erasableBlockSize {
			chunk = chunk[:erasableBlockSize]
		}
		if err := w.EraseAndWriteBlock(location, chunk); err != nil {
			return err
		}
		buf = buf[len(chunk):]
		if len(buf) == 0 {
			break
		}
		var err error
		location, err = location.Advance(erasableBlockSize)
		if err != nil {
			return err
		}
	}
	return nil
}
