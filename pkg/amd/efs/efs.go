// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package efs

import (
	"bytes"
	"fmt"

	"github.com/linuxboot/amdefs/pkg/amd/flash"
	bytes2 "github.com/linuxboot/amdefs/pkg/bytes"
)

// PreferredEfhLocation is the one candidate offset an EFS may be created
// at for the given generation.
func PreferredEfhLocation(generation ProcessorGeneration) flash.Location {
	switch generation {
	case ProcessorGenerationNaples, ProcessorGenerationGenoa, ProcessorGenerationTurin:
		return 0x2_0000
	}
	return 0xFA_0000
}

func efhCandidates(generation ProcessorGeneration) []flash.Location {
	switch generation {
	case ProcessorGenerationGenoa, ProcessorGenerationTurin:
		return efhPositionsRestricted
	}
	return EfhPositions
}

func validDirectoryPointer(v uint32) bool {
	return v != 0 && v != 0xffff_ffff
}

// EfhBeginning probes the candidate offsets for an EFS matching the
// requested generation and returns the first hit in probe order. A
// second pass accepts a legacy physical-address-mode EFS if the target
// is Naples or unspecified.
func EfhBeginning(storage flash.FlashRead, generation ProcessorGeneration) (flash.Location, error) {
	candidates := efhCandidates(generation)
	for _, position := range candidates {
		var efh Efh
		if err := readStruct(storage, position, &efh); err != nil {
			continue
		}
		// Note: only one EFS with a cleared current-generation bit is
		// allowed per flash.
		if efh.Signature == EfhSignature && !efh.PhysicalAddressMode() &&
			efh.CompatibleWithProcessorGeneration(generation) {
			return position, nil
		}
	}
	// An old physical-address-mode header is better than none.
	for _, position := range candidates {
		var efh Efh
		if err := readStruct(storage, position, &efh); err != nil {
			continue
		}
		if efh.Signature == EfhSignature && efh.PhysicalAddressMode() &&
			(generation == ProcessorGenerationAny || generation == ProcessorGenerationNaples) {
			return position, nil
		}
	}
	return 0, ErrEfsHeaderNotFound
}

// Efs is a handle on the Embedded Firmware Structure of one flash. It
// carries everything directory resolution needs: the backing storage,
// the parsed EFS and the MMIO window hint for physical-address images.
type Efs struct {
	storage      flash.FlashWrite
	efhBeginning flash.ErasableLocation
	Efh          Efh
	// amdPhysicalModeMmioSize is how many bytes below 4 GiB are
	// memory-mapped to flash; required for physical-address-mode images.
	amdPhysicalModeMmioSize *uint32
}

// LoadEfs probes storage for the EFS matching generation.
func LoadEfs(storage flash.FlashWrite, generation ProcessorGeneration, amdPhysicalModeMmioSize *uint32) (*Efs, error) {
	position, err := EfhBeginning(storage, generation)
	if err != nil {
		return nil, err
	}
	efhBeginning, err := flash.ErasableLocationOf(storage, position)
	if err != nil {
		return nil, err
	}
	e := Efs{
		storage:                 storage,
		efhBeginning:            efhBeginning,
		amdPhysicalModeMmioSize: amdPhysicalModeMmioSize,
	}
	if err := readStruct(storage, position, &e.Efh); err != nil {
		return nil, err
	}
	if e.Efh.Signature != EfhSignature {
		return nil, fmt.Errorf("signature %#x at %#x: %w", e.Efh.Signature, position, ErrEfsHeaderNotFound)
	}
	return &e, nil
}

// CreateEfs writes a fresh EFS for generation at efhBeginning, which has
// to be the generation's preferred candidate offset, and loads it back.
func CreateEfs(storage flash.FlashWrite, generation ProcessorGeneration, efhBeginning flash.Location, amdPhysicalModeMmioSize *uint32) (*Efs, error) {
	if generation == ProcessorGenerationAny {
		return nil, fmt.Errorf("EFS creation needs a concrete generation: %w", ErrEfsRangeCheck)
	}
	permitted := false
	for _, position := range efhCandidates(generation) {
		if position == efhBeginning {
			permitted = true
		}
	}
	if !permitted || PreferredEfhLocation(generation) != efhBeginning {
		return nil, fmt.Errorf("EFS at %#x for %v: %w", efhBeginning, generation, ErrEfsRangeCheck)
	}
	location, err := flash.ErasableLocationOf(storage, efhBeginning)
	if err != nil {
		return nil, err
	}
	efh := DefaultEfh()
	efh.EfsGenerations = EfsGenerationsForProcessorGeneration(generation)
	var w bytes.Buffer
	if err := writeStruct(&w, &efh); err != nil {
		return nil, err
	}
	if err := flash.EraseAndWriteBlocks(storage, location, w.Bytes()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIo, err)
	}
	return LoadEfs(storage, generation, amdPhysicalModeMmioSize)
}

// EfhBeginning returns where on the flash this EFS lives.
func (e *Efs) EfhBeginning() flash.Location {
	return e.efhBeginning.Location()
}

// PhysicalAddressMode reports whether the EFS slots hold MMIO addresses.
func (e *Efs) PhysicalAddressMode() bool {
	return e.Efh.PhysicalAddressMode()
}

// WriteEfh flushes the EFS record back into its containing erase block.
func (e *Efs) WriteEfh() error {
	var w bytes.Buffer
	if err := writeStruct(&w, &e.Efh); err != nil {
		return err
	}
	if err := flash.EraseAndWriteBlocks(e.storage, e.efhBeginning, w.Bytes()); err != nil {
		return fmt.Errorf("%w: %w", ErrIo, err)
	}
	return nil
}

// deMmio turns a pointer slot value into a flash offset, undoing the
// MMIO encoding on physical-address images.
func (e *Efs) deMmio(v uint32) (flash.Location, bool) {
	if !validDirectoryPointer(v) {
		return 0, false
	}
	if e.amdPhysicalModeMmioSize == nil {
		if e.PhysicalAddressMode() {
			return 0, false
		}
		return v, true
	}
	offset, err := mmioDecode(uint64(v), *e.amdPhysicalModeMmioSize)
	if err != nil {
		return 0, false
	}
	return offset, true
}

func (e *Efs) pspDirectoryPointers() []flash.Location {
	var out []flash.Location
	if v := e.Efh.PspDirectoryTableLocationZen; validDirectoryPointer(v) {
		if e.PhysicalAddressMode() {
			if offset, ok := e.deMmio(v); ok {
				out = append(out, offset)
			}
		} else {
			out = append(out, v)
		}
	}
	// That's the same fallback AMD does on Naples.
	if v := e.Efh.PspDirectoryTableLocationNaples; validDirectoryPointer(v) {
		out = append(out, v&0x00ff_ffff)
	}
	return out
}

// PspDirectory loads the first-level PSP directory. Exactly one of
// PspDirectory and PspComboDirectory succeeds on a given image.
func (e *Efs) PspDirectory() (*PspDirectory, error) {
	for _, location := range e.pspDirectoryPointers() {
		directory, err := LoadPspDirectory(e.storage, location, 0, e.amdPhysicalModeMmioSize)
		if err != nil {
			continue
		}
		if directory.Header.Cookie == PspDirectoryCookie {
			return directory, nil
		}
	}
	return nil, ErrPspDirectoryHeaderNotFound
}

// PspComboDirectory loads the PSP combo directory, on images that have
// one instead of a plain PSP directory.
func (e *Efs) PspComboDirectory() (*ComboDirectory, error) {
	for _, location := range e.pspDirectoryPointers() {
		directory, err := LoadComboDirectory(e.storage, location, e.PhysicalAddressMode(), e.amdPhysicalModeMmioSize)
		if err != nil {
			continue
		}
		if directory.Header.Cookie == PspComboDirectoryCookie {
			return directory, nil
		}
	}
	return nil, ErrPspDirectoryHeaderNotFound
}

// BhdDirectoryCandidates returns the valid first-level BHD pointers for
// generation, in preference order.
func (e *Efs) BhdDirectoryCandidates(generation ProcessorGeneration) []flash.Location {
	var out []flash.Location
	appendLegacy := func(slot uint32) {
		if offset, ok := e.deMmio(slot); ok {
			out = append(out, offset)
		}
	}
	appendMilan := func(slot uint32) {
		// The Milan slot postdates physical-address mode and always
		// holds an offset.
		if validDirectoryPointer(slot) {
			out = append(out, slot)
		}
	}
	switch generation {
	case ProcessorGenerationMilan, ProcessorGenerationGenoa, ProcessorGenerationTurin:
		appendMilan(e.Efh.BhdDirectoryTableMilan)
	case ProcessorGenerationRome:
		appendLegacy(e.Efh.BhdDirectoryTables[2])
	case ProcessorGenerationNaples:
		appendLegacy(e.Efh.BhdDirectoryTables[0])
	default:
		appendMilan(e.Efh.BhdDirectoryTableMilan)
		appendLegacy(e.Efh.BhdDirectoryTables[2])
		appendLegacy(e.Efh.BhdDirectoryTables[1])
		appendLegacy(e.Efh.BhdDirectoryTables[0])
	}
	return out
}

// BhdDirectory loads the first-level BHD directory for generation.
func (e *Efs) BhdDirectory(generation ProcessorGeneration) (*BhdDirectory, error) {
	for _, location := range e.BhdDirectoryCandidates(generation) {
		directory, err := LoadBhdDirectory(e.storage, location, 0, e.amdPhysicalModeMmioSize)
		if err != nil {
			continue
		}
		if directory.Header.Cookie == BhdDirectoryCookie {
			return directory, nil
		}
	}
	return nil, ErrBhdDirectoryHeaderNotFound
}

// BhdComboDirectory loads the BHD combo directory for generation, on
// images that have one instead of a plain BHD directory.
func (e *Efs) BhdComboDirectory(generation ProcessorGeneration) (*ComboDirectory, error) {
	for _, location := range e.BhdDirectoryCandidates(generation) {
		directory, err := LoadComboDirectory(e.storage, location, e.PhysicalAddressMode(), e.amdPhysicalModeMmioSize)
		if err != nil {
			continue
		}
		if directory.Header.Cookie == BhdComboDirectoryCookie {
			return directory, nil
		}
	}
	return nil, ErrBhdDirectoryHeaderNotFound
}

// PspSubdirectory loads the second-level PSP directory reached through
// dir's second-level entry.
func (e *Efs) PspSubdirectory(dir *PspDirectory) (*PspDirectory, error) {
	for _, entry := range dir.Entries() {
		if entry.Type() != PspEntrySecondLevelDirectory {
			continue
		}
		location, err := dir.PayloadBeginning(entry)
		if err != nil {
			return nil, err
		}
		sub, err := LoadPspDirectory(e.storage, location, dir.Beginning(), e.amdPhysicalModeMmioSize)
		if err != nil {
			return nil, err
		}
		if sub.Header.Cookie != PspDirectoryLevel2Cookie {
			return nil, fmt.Errorf("second-level cookie %q: %w", sub.Header.Cookie[:], ErrDirectoryTypeMismatch)
		}
		return sub, nil
	}
	return nil, fmt.Errorf("no second-level PSP directory entry: %w", ErrEntryNotFound)
}

// BhdSubdirectory loads the second-level BHD directory reached through
// dir's second-level entry.
func (e *Efs) BhdSubdirectory(dir *BhdDirectory) (*BhdDirectory, error) {
	for _, entry := range dir.Entries() {
		if entry.Type() != BhdEntrySecondLevelDirectory {
			continue
		}
		location, err := dir.PayloadBeginning(entry)
		if err != nil {
			return nil, err
		}
		sub, err := LoadBhdDirectory(e.storage, location, dir.Beginning(), e.amdPhysicalModeMmioSize)
		if err != nil {
			return nil, err
		}
		if sub.Header.Cookie != BhdDirectoryLevel2Cookie {
			return nil, fmt.Errorf("second-level cookie %q: %w", sub.Header.Cookie[:], ErrDirectoryTypeMismatch)
		}
		return sub, nil
	}
	return nil, fmt.Errorf("no second-level BHD directory entry: %w", ErrEntryNotFound)
}

// PspAbBhdSubdirectory loads the BHD directory a PSP directory points at
// on A/B-recovery images. Its other-directory-relative entries resolve
// against the introducing PSP directory.
func (e *Efs) PspAbBhdSubdirectory(psp *PspDirectory) (*BhdDirectory, error) {
	for _, entry := range psp.Entries() {
		if entry.Type() != PspEntrySecondLevelBhdDirectory {
			continue
		}
		location, err := psp.PayloadBeginning(entry)
		if err != nil {
			return nil, err
		}
		return LoadBhdDirectory(e.storage, location, psp.Beginning(), e.amdPhysicalModeMmioSize)
	}
	return nil, fmt.Errorf("no second-level BHD directory entry: %w", ErrEntryNotFound)
}

func (e *Efs) checkDefaultEntryMode(mode AddressMode) error {
	switch mode {
	case AddressModePhysicalAddress:
		if !e.PhysicalAddressMode() {
			return fmt.Errorf("physical-address entries on an offset-mode EFS: %w", ErrDirectoryTypeMismatch)
		}
	case AddressModeEfsRelativeOffset:
		if e.PhysicalAddressMode() {
			return fmt.Errorf("offset entries on a physical-address-mode EFS: %w", ErrDirectoryTypeMismatch)
		}
	default:
		return fmt.Errorf("default entry mode %v: %w", mode, ErrDirectoryTypeMismatch)
	}
	return nil
}

func directoryExtent(beginning flash.Location, info DirectoryAdditionalInfo, minimal uint32) bytes2.Range {
	length := TryFromUnit(info.MaxSize())
	if length == 0 {
		length = minimal
	}
	return bytes2.Range{Offset: uint64(beginning), Length: uint64(length)}
}

// occupiedDirectoryRanges collects the flash ranges of every directory
// the EFS currently points at.
func (e *Efs) occupiedDirectoryRanges() []bytes2.Range {
	var ranges []bytes2.Range
	if psp, err := e.PspDirectory(); err == nil {
		minimal, err := MinimalPspDirectorySize(psp.Header.TotalEntries)
		if err == nil {
			ranges = append(ranges, directoryExtent(psp.Beginning(), psp.AdditionalInfo(), minimal))
		}
	}
	for _, location := range e.BhdDirectoryCandidates(ProcessorGenerationAny) {
		bhd, err := LoadBhdDirectory(e.storage, location, 0, e.amdPhysicalModeMmioSize)
		if err != nil {
			continue
		}
		minimal, err := MinimalBhdDirectorySize(bhd.Header.TotalEntries)
		if err != nil {
			continue
		}
		ranges = append(ranges, directoryExtent(bhd.Beginning(), bhd.AdditionalInfo(), minimal))
	}
	return ranges
}

func (e *Efs) checkDirectoryPlacement(beginning, end flash.ErasableLocation) error {
	placement := bytes2.Range{
		Offset: uint64(beginning.Location()),
		Length: uint64(flash.Extent(beginning, end)),
	}
	for _, occupied := range e.occupiedDirectoryRanges() {
		if placement.Intersect(occupied) {
			return fmt.Errorf("[%#x, %#x) intersects directory at %#x: %w",
				beginning.Location(), end.Location(), occupied.Offset, ErrOverlap)
		}
	}
	return nil
}

// CreatePspDirectory builds the first-level PSP directory in memory.
// The caller Save()s it into its range and then stores its beginning
// with SetMainPspDirectory.
func (e *Efs) CreatePspDirectory(cookie [4]byte, beginning, end flash.ErasableLocation, defaultEntryMode AddressMode, entries []PspDirectoryEntry) (*PspDirectory, error) {
	if err := e.checkDefaultEntryMode(defaultEntryMode); err != nil {
		return nil, err
	}
	if _, err := e.PspDirectory(); err == nil {
		return nil, fmt.Errorf("image already has a PSP directory: %w", ErrDuplicate)
	}
	if err := e.checkDirectoryPlacement(beginning, end); err != nil {
		return nil, err
	}
	return NewPspDirectory(beginning.Location(), 0, defaultEntryMode, cookie, e.amdPhysicalModeMmioSize, entries)
}

// SetMainPspDirectory stores a saved PSP directory's beginning into the
// EFS and flushes the EFS.
func (e *Efs) SetMainPspDirectory(beginning flash.Location) error {
	if e.PhysicalAddressMode() {
		if e.amdPhysicalModeMmioSize == nil {
			return fmt.Errorf("physical-address-mode EFS without an MMIO window hint: %w", ErrEntryTypeMismatch)
		}
		encoded, err := mmioEncode(beginning, *e.amdPhysicalModeMmioSize)
		if err != nil {
			return err
		}
		e.Efh.PspDirectoryTableLocationZen = uint32(encoded)
	} else {
		e.Efh.PspDirectoryTableLocationZen = beginning
	}
	return e.WriteEfh()
}

// CreateBhdDirectory builds a first-level BHD directory in memory. The
// caller Save()s it and then stores its beginning with
// SetMainBhdDirectory.
func (e *Efs) CreateBhdDirectory(cookie [4]byte, beginning, end flash.ErasableLocation, defaultEntryMode AddressMode, entries []BhdDirectoryEntry) (*BhdDirectory, error) {
	if err := e.checkDefaultEntryMode(defaultEntryMode); err != nil {
		return nil, err
	}
	if err := e.checkDirectoryPlacement(beginning, end); err != nil {
		return nil, err
	}
	return NewBhdDirectory(beginning.Location(), 0, defaultEntryMode, cookie, e.amdPhysicalModeMmioSize, entries)
}

// SetMainBhdDirectory stores a saved BHD directory's beginning into the
// generation's slot and flushes the EFS.
func (e *Efs) SetMainBhdDirectory(beginning flash.Location) error {
	if e.Efh.CompatibleWithProcessorGeneration(ProcessorGenerationMilan) {
		e.Efh.BhdDirectoryTableMilan = beginning
		return e.WriteEfh()
	}
	if e.PhysicalAddressMode() {
		if e.amdPhysicalModeMmioSize == nil {
			return fmt.Errorf("physical-address-mode EFS without an MMIO window hint: %w", ErrEntryTypeMismatch)
		}
		encoded, err := mmioEncode(beginning, *e.amdPhysicalModeMmioSize)
		if err != nil {
			return err
		}
		e.Efh.BhdDirectoryTables[2] = uint32(encoded)
	} else {
		e.Efh.BhdDirectoryTables[2] = beginning
	}
	return e.WriteEfh()
}

func (e *Efs) subdirectoryPointerSource(directoryMode AddressMode, beginning flash.Location) (uint64, error) {
	if e.PhysicalAddressMode() {
		if e.amdPhysicalModeMmioSize == nil {
			return 0, fmt.Errorf("physical-address-mode EFS without an MMIO window hint: %w", ErrEntryTypeMismatch)
		}
		encoded, err := mmioEncode(beginning, *e.amdPhysicalModeMmioSize)
		if err != nil {
			return 0, err
		}
		return EncodeSource(NewPhysicalAddress(uint32(encoded)), directoryMode)
	}
	return EncodeSource(NewEfsRelativeOffset(beginning), directoryMode)
}

// CreatePspSubdirectory appends a second-level entry to parent pointing
// at [beginning, end) and builds the $PL2 sub-directory there.
func (e *Efs) CreatePspSubdirectory(parent *PspDirectory, beginning, end flash.ErasableLocation, entries []PspDirectoryEntry) (*PspDirectory, error) {
	if parent.Header.Cookie != PspDirectoryCookie {
		return nil, fmt.Errorf("parent cookie %q: %w", parent.Header.Cookie[:], ErrDirectoryTypeMismatch)
	}
	source, err := e.subdirectoryPointerSource(parent.DirectoryAddressMode(), beginning.Location())
	if err != nil {
		return nil, err
	}
	entry, err := NewPspPayloadEntry(
		PspDirectoryEntryAttrs(0).WithType(PspEntrySecondLevelDirectory),
		flash.Extent(beginning, end),
		source,
	)
	if err != nil {
		return nil, err
	}
	if err := parent.AddEntry(entry); err != nil {
		return nil, err
	}
	return NewPspDirectory(beginning.Location(), parent.Beginning(), parent.DirectoryAddressMode(), PspDirectoryLevel2Cookie, e.amdPhysicalModeMmioSize, entries)
}

// CreateBhdSubdirectory appends a second-level entry to parent pointing
// at [beginning, end) and builds the $BL2 sub-directory there.
func (e *Efs) CreateBhdSubdirectory(parent *BhdDirectory, beginning, end flash.ErasableLocation, entries []BhdDirectoryEntry) (*BhdDirectory, error) {
	if parent.Header.Cookie != BhdDirectoryCookie {
		return nil, fmt.Errorf("parent cookie %q: %w", parent.Header.Cookie[:], ErrDirectoryTypeMismatch)
	}
	source, err := e.subdirectoryPointerSource(parent.DirectoryAddressMode(), beginning.Location())
	if err != nil {
		return nil, err
	}
	entry, err := NewBhdPayloadEntry(
		BhdDirectoryEntryAttrs(0).WithType(BhdEntrySecondLevelDirectory),
		flash.Extent(beginning, end),
		source,
		nil,
	)
	if err != nil {
		return nil, err
	}
	if err := parent.AddEntry(entry); err != nil {
		return nil, err
	}
	return NewBhdDirectory(beginning.Location(), parent.Beginning(), parent.DirectoryAddressMode(), BhdDirectoryLevel2Cookie, e.amdPhysicalModeMmioSize, entries)
}

// SpiModeBulldozer returns the family 15h SPI timing bytes.
func (e *Efs) SpiModeBulldozer() EfhBulldozerSpiMode {
	return e.Efh.SpiModeBulldozer
}

// SetSpiModeBulldozer replaces the family 15h SPI timing bytes. The
// change reaches the flash at the next WriteEfh.
func (e *Efs) SetSpiModeBulldozer(v EfhBulldozerSpiMode) {
	e.Efh.SpiModeBulldozer = v
}

// SpiModeZenNaples returns the Naples SPI timing bytes.
func (e *Efs) SpiModeZenNaples() EfhNaplesSpiMode {
	return e.Efh.SpiModeZenNaples
}

// SetSpiModeZenNaples replaces the Naples SPI timing bytes.
func (e *Efs) SetSpiModeZenNaples(v EfhNaplesSpiMode) {
	e.Efh.SpiModeZenNaples = v
}

// SpiModeZenRome returns the Rome SPI timing bytes.
func (e *Efs) SpiModeZenRome() EfhRomeSpiMode {
	return e.Efh.SpiModeZenRome
}

// SetSpiModeZenRome replaces the Rome SPI timing bytes.
func (e *Efs) SetSpiModeZenRome(v EfhRomeSpiMode) {
	e.Efh.SpiModeZenRome = v
}

// Espi0Configuration returns the first eSPI configuration word.
func (e *Efs) Espi0Configuration() EfhEspiConfiguration {
	return EfhEspiConfiguration(e.Efh.Espi0Configuration)
}

// SetEspi0Configuration replaces the first eSPI configuration word.
func (e *Efs) SetEspi0Configuration(v EfhEspiConfiguration) {
	e.Efh.Espi0Configuration = uint32(v)
}

// Espi1Configuration returns the second eSPI configuration word.
func (e *Efs) Espi1Configuration() EfhEspiConfiguration {
	return EfhEspiConfiguration(e.Efh.Espi1Configuration)
}

// SetEspi1Configuration replaces the second eSPI configuration word.
func (e *Efs) SetEspi1Configuration(v EfhEspiConfiguration) {
	e.Efh.Espi1Configuration = uint32(v)
}
