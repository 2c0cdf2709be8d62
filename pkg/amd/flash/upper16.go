// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flash

const (
	upperHalfOffset = 0x100_0000 // 16 MiB
	upperHalfWrap   = 0x200_0000 // 32 MiB
)

// Upper16MiBFlashAdapter remaps accesses into the upper half of a 32 MiB
// flash, modulo 32 MiB. On AMD boards the upper 16 MiB appears at low
// MMIO, and an access with bit 24 set folds back to the lower half; this
// adapter reproduces that aliasing over a plain flash.
type Upper16MiBFlashAdapter struct {
	underlying FlashWrite
}

// NewUpper16MiBFlashAdapter wraps the given flash.
func NewUpper16MiBFlashAdapter(underlying FlashWrite) *Upper16MiBFlashAdapter {
	return &Upper16MiBFlashAdapter{underlying: underlying}
}

func (a *Upper16MiBFlashAdapter) remap(location Location) Location {
	return (location + upperHalfOffset) % upperHalfWrap
}

// ReadExact implements FlashRead.
func (a *Upper16MiBFlashAdapter) ReadExact(beginning Location, buf []byte) error {
	return a.underlying.ReadExact(a.remap(beginning), buf)
}

// ErasableBlockSize implements FlashAlign.
func (a *Upper16MiBFlashAdapter) ErasableBlockSize() uint32 {
	return a.underlying.ErasableBlockSize()
}

// EraseBlock implements FlashWrite.
func (a *Upper16MiBFlashAdapter) EraseBlock(location ErasableLocation) error {
	remapped, err := ErasableLocationOf(a.underlying, a.remap(location.Location()))
	if err != nil {
		return err
	}
	return a.underlying.EraseBlock(remapped)
}

// EraseAndWriteBlock implements FlashWrite.
func (a *Upper16MiBFlashAdapter) EraseAndWriteBlock(location ErasableLocation, buf []byte) error {
	remapped, err := ErasableLocationOf(a.underlying, a.remap(location.Location()))
	if err != nil {
		return err
	}
	return a.underlying.EraseAndWriteBlock(remapped, buf)
}
