// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import "errors"

var (
	// ErrIo wraps a failure of the underlying flash read/erase/write.
	ErrIo = errors.New("flash access failed")
	// ErrEfsHeaderNotFound means no candidate offset holds a valid EFS for the request.
	ErrEfsHeaderNotFound = errors.New("embedded firmware structure not found")
	// ErrEfsRangeCheck means an EFS create was attempted at an offset not permitted for the generation.
	ErrEfsRangeCheck = errors.New("embedded firmware structure location not permitted for this generation")
	// ErrPspDirectoryHeaderNotFound means the EFS is present but its PSP directory pointer is a sentinel or the directory does not parse.
	ErrPspDirectoryHeaderNotFound = errors.New("PSP directory header not found")
	// ErrBhdDirectoryHeaderNotFound means the EFS is present but its BHD directory pointer is a sentinel or the directory does not parse.
	ErrBhdDirectoryHeaderNotFound = errors.New("BHD directory header not found")
	// ErrDirectoryRangeCheck means an entry count exceeded capacity, arithmetic overflowed, or a structural invariant was violated.
	ErrDirectoryRangeCheck = errors.New("directory range check failed")
	// ErrDirectoryPayloadRangeCheck means payload address arithmetic overflowed or left the flash.
	ErrDirectoryPayloadRangeCheck = errors.New("directory payload range check failed")
	// ErrDirectoryPayloadMisaligned means a payload base was not aligned to 4 kiB.
	ErrDirectoryPayloadMisaligned = errors.New("directory payload base is misaligned")
	// ErrDirectoryTypeMismatch means a cookie or address mode was not as expected.
	ErrDirectoryTypeMismatch = errors.New("directory type mismatch")
	// ErrEntryTypeMismatch means an entry's encoded address mode is incompatible with the request.
	ErrEntryTypeMismatch = errors.New("entry type mismatch")
	// ErrEntryNotFound means an expected entry is absent.
	ErrEntryNotFound = errors.New("entry not found")
	// ErrMarshal means a byte slice was too short to parse a header or entry.
	ErrMarshal = errors.New("could not marshal")
	// ErrOverlap means two directories were placed at conflicting ranges.
	ErrOverlap = errors.New("directory ranges overlap")
	// ErrDuplicate means a directory that already exists was created again.
	ErrDuplicate = errors.New("directory already exists")
	// ErrSpiModeMismatch means SPI mode bytes are inconsistent with the requested generation.
	ErrSpiModeMismatch = errors.New("SPI mode mismatch")
)
