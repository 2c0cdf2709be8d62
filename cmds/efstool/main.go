// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The efstool command assembles the AMD firmware side of an SPI flash
// image. Operations are applied left to right against the image file.
//
// Synopsis:
//
//	efstool --file IMAGE --generation GEN [flags] OPERATION...
//
// Operations:
//
//	init SIZE_MIB                        Create a blank (0xFF) image file
//	create-efs                           Write an EFS at the generation's
//	                                     preferred location
//	create-psp BEGIN END [TYPE:FILE...]  Create the PSP directory over
//	                                     [BEGIN, END); each TYPE:FILE pair
//	                                     becomes a blob entry
//	create-bhd BEGIN END [TYPE:FILE...]  Same for the BHD directory
//	soft-fuses VALUE                     Append a soft-fuse-chain value
//	                                     entry to the PSP directory range
//
// Example:
//
//	efstool -f flash.rom --generation Milan \
//	    init 16 create-efs \
//	    create-psp 0x200000 0x240000 0x00:amd-pubkey.bin 0x01:psp-bl.bin \
//	    create-bhd 0x240000 0x280000 0x60:apcb.bin 0x62:bios.bin
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"

	"github.com/linuxboot/amdefs/pkg/amd/efs"
	"github.com/linuxboot/amdefs/pkg/amd/flash"
)

var (
	file       = flag.StringP("file", "f", "", "flash image file")
	generation = flag.String("generation", "Milan", "processor generation (Naples, Rome, Milan, Genoa, Turin)")
	blockSize  = flag.Uint32("block-size", 0x1000, "erase-block size in bytes")
	mmioSize   = flag.Uint32("mmio-size", 0x100_0000, "size of the flash MMIO window below 4 GiB")
)

type builder struct {
	path       string
	generation efs.ProcessorGeneration
	blockSize  uint32
	mmioSize   uint32
}

func (b *builder) image() (*flash.FlashImage, func() error, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return nil, nil, err
	}
	image, err := flash.NewMemoryFlashImage(data, b.blockSize)
	if err != nil {
		return nil, nil, err
	}
	save := func() error {
		return os.WriteFile(b.path, data, 0o644)
	}
	return image, save, nil
}

func (b *builder) efs(image *flash.FlashImage) (*efs.Efs, error) {
	return efs.LoadEfs(image, b.generation, &b.mmioSize)
}

func parseLocation(s string) (flash.Location, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("location %q: %w", s, err)
	}
	return flash.Location(v), nil
}

// payloadSpecs parses trailing TYPE:FILE operands.
func payloadSpecs(args []string) (types []uint8, paths []string, rest []string) {
	for i, arg := range args {
		t, p, found := strings.Cut(arg, ":")
		if !found {
			return types, paths, args[i:]
		}
		v, err := strconv.ParseUint(t, 0, 8)
		if err != nil {
			return types, paths, args[i:]
		}
		types = append(types, uint8(v))
		paths = append(paths, p)
	}
	return types, paths, nil
}

func (b *builder) opInit(sizeMib string) error {
	size, err := strconv.ParseUint(sizeMib, 0, 32)
	if err != nil {
		return fmt.Errorf("size %q: %w", sizeMib, err)
	}
	data := make([]byte, size*1024*1024)
	for i := range data {
		data[i] = 0xff
	}
	fmt.Printf("writing blank %s image to %s\n", humanize.IBytes(uint64(len(data))), b.path)
	return os.WriteFile(b.path, data, 0o644)
}

func (b *builder) opCreateEfs() error {
	image, save, err := b.image()
	if err != nil {
		return err
	}
	if _, err := efs.CreateEfs(image, b.generation, efs.PreferredEfhLocation(b.generation), &b.mmioSize); err != nil {
		return err
	}
	return save()
}

func (b *builder) opCreatePsp(beginArg, endArg string, payloads []string) error {
	beginning, err := parseLocation(beginArg)
	if err != nil {
		return err
	}
	end, err := parseLocation(endArg)
	if err != nil {
		return err
	}
	image, save, err := b.image()
	if err != nil {
		return err
	}
	e, err := b.efs(image)
	if err != nil {
		return err
	}
	beginningEl, err := flash.ErasableLocationOf(image, beginning)
	if err != nil {
		return err
	}
	endEl, err := flash.ErasableLocationOf(image, end)
	if err != nil {
		return err
	}
	rng, err := flash.NewErasableRange(beginningEl, endEl)
	if err != nil {
		return err
	}
	// Leave room for a full directory so entries can be added later
	// without moving the payloads.
	directorySize, err := efs.MinimalPspDirectorySize(efs.MaxDirectoryEntries)
	if err != nil {
		return err
	}
	payloadsBeginning, err := beginningEl.AdvanceAtLeast(directorySize)
	if err != nil {
		return err
	}

	types, paths, rest := payloadSpecs(payloads)
	if len(rest) != 0 {
		return fmt.Errorf("unexpected operands %v", rest)
	}
	payloadRange, err := flash.NewErasableRange(payloadsBeginning, endEl)
	if err != nil {
		return err
	}
	var entries []efs.PspDirectoryEntry
	for i, path := range paths {
		blob, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		target, err := payloadRange.TakeAtLeast(uint32(len(blob)))
		if err != nil {
			return fmt.Errorf("%s does not fit the PSP range: %w", path, err)
		}
		if err := flash.EraseAndWriteBlocks(image, target.Beginning, blob); err != nil {
			return err
		}
		entry, err := efs.NewPspPayloadEntry(
			efs.PspDirectoryEntryAttrs(0).WithType(efs.PspDirectoryEntryType(types[i])),
			uint32(len(blob)),
			uint64(target.Beginning.Location()),
		)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		fmt.Printf("placed %s (%s) at 0x%x\n", path, humanize.IBytes(uint64(len(blob))), target.Beginning.Location())
	}

	d, err := e.CreatePspDirectory(efs.PspDirectoryCookie, beginningEl, endEl, efs.AddressModeEfsRelativeOffset, entries)
	if err != nil {
		return err
	}
	if err := d.Save(image, &rng, payloadsBeginning.Location()); err != nil {
		return err
	}
	if err := e.SetMainPspDirectory(beginning); err != nil {
		return err
	}
	return save()
}

func (b *builder) opCreateBhd(beginArg, endArg string, payloads []string) error {
	beginning, err := parseLocation(beginArg)
	if err != nil {
		return err
	}
	end, err := parseLocation(endArg)
	if err != nil {
		return err
	}
	image, save, err := b.image()
	if err != nil {
		return err
	}
	e, err := b.efs(image)
	if err != nil {
		return err
	}
	beginningEl, err := flash.ErasableLocationOf(image, beginning)
	if err != nil {
		return err
	}
	endEl, err := flash.ErasableLocationOf(image, end)
	if err != nil {
		return err
	}
	rng, err := flash.NewErasableRange(beginningEl, endEl)
	if err != nil {
		return err
	}
	directorySize, err := efs.MinimalBhdDirectorySize(efs.MaxDirectoryEntries)
	if err != nil {
		return err
	}
	payloadsBeginning, err := beginningEl.AdvanceAtLeast(directorySize)
	if err != nil {
		return err
	}

	types, paths, rest := payloadSpecs(payloads)
	if len(rest) != 0 {
		return fmt.Errorf("unexpected operands %v", rest)
	}
	payloadRange, err := flash.NewErasableRange(payloadsBeginning, endEl)
	if err != nil {
		return err
	}
	var entries []efs.BhdDirectoryEntry
	for i, path := range paths {
		blob, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		target, err := payloadRange.TakeAtLeast(uint32(len(blob)))
		if err != nil {
			return fmt.Errorf("%s does not fit the BHD range: %w", path, err)
		}
		if err := flash.EraseAndWriteBlocks(image, target.Beginning, blob); err != nil {
			return err
		}
		attrs := efs.BhdDirectoryEntryAttrs(0).WithType(efs.BhdDirectoryEntryType(types[i]))
		if efs.BhdDirectoryEntryType(types[i]) == efs.BhdEntryBios {
			attrs = attrs.WithResetImage(true).WithCopyImage(true)
		}
		entry, err := efs.NewBhdPayloadEntry(attrs, uint32(len(blob)), uint64(target.Beginning.Location()), nil)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		fmt.Printf("placed %s (%s) at 0x%x\n", path, humanize.IBytes(uint64(len(blob))), target.Beginning.Location())
	}

	d, err := e.CreateBhdDirectory(efs.BhdDirectoryCookie, beginningEl, endEl, efs.AddressModeEfsRelativeOffset, entries)
	if err != nil {
		return err
	}
	if err := d.Save(image, &rng, payloadsBeginning.Location()); err != nil {
		return err
	}
	if err := e.SetMainBhdDirectory(beginning); err != nil {
		return err
	}
	return save()
}

func (b *builder) opSoftFuses(valueArg string) error {
	value, err := strconv.ParseUint(valueArg, 0, 64)
	if err != nil {
		return fmt.Errorf("soft fuse value %q: %w", valueArg, err)
	}
	image, save, err := b.image()
	if err != nil {
		return err
	}
	e, err := b.efs(image)
	if err != nil {
		return err
	}
	d, err := e.PspDirectory()
	if err != nil {
		return err
	}
	if err := d.AddValueEntry(efs.NewPspValueEntry(
		efs.PspDirectoryEntryAttrs(0).WithType(efs.PspEntryPspSoftFuseChain), value)); err != nil {
		return err
	}
	if err := d.UpdateChecksum(); err != nil {
		return err
	}
	// Rewrite the directory in place; the allocation stays where the
	// additional-info word says it is.
	info := d.AdditionalInfo()
	beginningEl, err := flash.ErasableLocationOf(image, d.Beginning())
	if err != nil {
		return err
	}
	endEl, err := beginningEl.AdvanceAtLeast(efs.TryFromUnit(info.MaxSize()))
	if err != nil {
		return err
	}
	rng, err := flash.NewErasableRange(beginningEl, endEl)
	if err != nil {
		return err
	}
	if err := d.Save(image, &rng, efs.TryFromUnit(info.BaseAddress())); err != nil {
		return err
	}
	return save()
}

func run(b *builder, ops []string) error {
	for len(ops) > 0 {
		op := ops[0]
		ops = ops[1:]
		switch op {
		case "init":
			if len(ops) < 1 {
				return fmt.Errorf("init needs a size in MiB")
			}
			if err := b.opInit(ops[0]); err != nil {
				return err
			}
			ops = ops[1:]
		case "create-efs":
			if err := b.opCreateEfs(); err != nil {
				return err
			}
		case "create-psp", "create-bhd":
			if len(ops) < 2 {
				return fmt.Errorf("%s needs a beginning and an end", op)
			}
			beginning, end := ops[0], ops[1]
			ops = ops[2:]
			var payloads []string
			for len(ops) > 0 && strings.Contains(ops[0], ":") {
				payloads = append(payloads, ops[0])
				ops = ops[1:]
			}
			var err error
			if op == "create-psp" {
				err = b.opCreatePsp(beginning, end, payloads)
			} else {
				err = b.opCreateBhd(beginning, end, payloads)
			}
			if err != nil {
				return err
			}
		case "soft-fuses":
			if len(ops) < 1 {
				return fmt.Errorf("soft-fuses needs a value")
			}
			if err := b.opSoftFuses(ops[0]); err != nil {
				return err
			}
			ops = ops[1:]
		default:
			return fmt.Errorf("unknown operation %q", op)
		}
	}
	return nil
}

func main() {
	flag.Parse()
	if *file == "" {
		log.Fatal("--file is required")
	}
	gen, err := efs.ProcessorGenerationFromString(*generation)
	if err != nil {
		log.Fatal(err)
	}
	b := &builder{
		path:       *file,
		generation: gen,
		blockSize:  *blockSize,
		mmioSize:   *mmioSize,
	}
	if err := run(b, flag.Args()); err != nil {
		log.Fatal(err)
	}
}
