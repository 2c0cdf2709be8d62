// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flash

import (
	"fmt"
	"io"

	"github.com/xaionaro-go/bytesextra"
)

// FlashImage adapts any io.ReadWriteSeeker (a file, or an in-memory image
// via NewMemoryFlashImage) to the FlashRead/FlashWrite boundary.
type FlashImage struct {
	storage           io.ReadWriteSeeker
	erasableBlockSize uint32
}

// NewFlashImage wraps storage as a flash with the given erase-block size
// (a power of two).
func NewFlashImage(storage io.ReadWriteSeeker, erasableBlockSize uint32) (*FlashImage, error) {
	if erasableBlockSize == 0 || erasableBlockSize&(erasableBlockSize-1) != 0 {
		return nil, fmt.Errorf("erase-block size 0x%x is not a power of two", erasableBlockSize)
	}
	return &FlashImage{storage: storage, erasableBlockSize: erasableBlockSize}, nil
}

// NewMemoryFlashImage wraps an in-memory image. The slice is written
// through, not copied.
func NewMemoryFlashImage(buf []byte, erasableBlockSize uint32) (*FlashImage, error) {
	return NewFlashImage(bytesextra.NewReadWriteSeeker(buf), erasableBlockSize)
}

// ReadExact implements FlashRead.
func (f *FlashImage) ReadExact(beginning Location, buf []byte) error {
	if _, err := f.storage.Seek(int64(beginning), io.SeekStart); err != nil {
		return fmt.Errorf("could not read 0x%x B starting at 0x%x B: %w", len(buf), beginning, err)
	}
	if _, err := io.ReadFull(f.storage, buf); err != nil {
		return fmt.Errorf("could not read 0x%x B starting at 0x%x B: %w", len(buf), beginning, err)
	}
	return nil
}

// ErasableBlockSize implements FlashAlign.
func (f *FlashImage) ErasableBlockSize() uint32 {
	return f.erasableBlockSize
}

// EraseBlock implements FlashWrite.
func (f *FlashImage) EraseBlock(location ErasableLocation) error {
	return f.EraseAndWriteBlock(location, nil)
}

// EraseAndWriteBlock implements FlashWrite.
func (f *FlashImage) EraseAndWriteBlock(location ErasableLocation, buf []byte) error {
	if location.ErasableBlockSize() != f.erasableBlockSize {
		return fmt.Errorf("location block size 0x%x, flash block size 0x%x: %w", location.ErasableBlockSize(), f.erasableBlockSize, ErrMisaligned)
	}
	if uint32(len(buf)) > f.erasableBlockSize {
		return fmt.Errorf("write of 0x%x B exceeds erase block of 0x%x B: %w", len(buf), f.erasableBlockSize, ErrSize)
	}
	block := make([]byte, f.erasableBlockSize)
	for i := range block {
		block[i] = 0xff
	}
	copy(block, buf)
	if _, err := f.storage.Seek(int64(location.Location()), io.SeekStart); err != nil {
		return fmt.Errorf("could not write 0x%x B starting at 0x%x B: %w", len(block), location.Location(), err)
	}
	if _, err := f.storage.Write(block); err != nil {
		return fmt.Errorf("could not write 0x%x B starting at 0x%x B: %w", len(block), location.Location(), err)
	}
	return nil
}
