// Copyright 2023 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The amdana command analyzes the AMD firmware side of an SPI flash
// image: the Embedded Firmware Structure and the PSP and BHD directory
// hierarchies.
//
// Synopsis:
//
//	amdana show -f IMAGE [--generation GEN]
//	amdana json -f IMAGE [--generation GEN]
//	amdana check -f IMAGE [--generation GEN]
//	amdana extract -f IMAGE -o DIR [--generation GEN]
//
// Description:
//
//	show:    Print the EFS and all directories as ASCII tables
//	json:    Dump the parsed structures as JSON to stdout
//	check:   Re-verify every directory checksum; report all defects
//	extract: Write each directory payload into DIR (inflating
//	         zlib-compressed BHD payloads)
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jessevdk/go-flags"
	"github.com/klauspost/compress/zlib"

	"github.com/linuxboot/amdefs/pkg/amd/efs"
	"github.com/linuxboot/amdefs/pkg/amd/flash"
	bytes2 "github.com/linuxboot/amdefs/pkg/bytes"
)

type imageOptions struct {
	File       string `short:"f" long:"file" required:"true" description:"flash image file"`
	Generation string `long:"generation" default:"" description:"processor generation (Naples, Rome, Milan, Genoa, Turin)"`
	BlockSize  uint32 `long:"block-size" default:"4096" description:"erase-block size in bytes"`
	MmioSize   uint32 `long:"mmio-size" default:"16777216" description:"size of the flash MMIO window below 4 GiB"`
}

func (o *imageOptions) generation() (efs.ProcessorGeneration, error) {
	if o.Generation == "" {
		return efs.ProcessorGenerationAny, nil
	}
	return efs.ProcessorGenerationFromString(o.Generation)
}

func (o *imageOptions) open() (*efs.Efs, error) {
	generation, err := o.generation()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(o.File)
	if err != nil {
		return nil, err
	}
	image, err := flash.NewMemoryFlashImage(data, o.BlockSize)
	if err != nil {
		return nil, err
	}
	mmioSize := o.MmioSize
	return efs.LoadEfs(image, generation, &mmioSize)
}

type showCommand struct {
	imageOptions
}

func (c *showCommand) Execute(args []string) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	generation, err := c.generation()
	if err != nil {
		return err
	}
	info, err := os.Stat(c.File)
	if err != nil {
		return err
	}
	occupied := bytes2.Ranges{{Offset: uint64(e.EfhBeginning()), Length: uint64(c.BlockSize)}}

	h := table.NewWriter()
	h.SetOutputMirror(os.Stdout)
	h.SetTitle("Embedded Firmware Structure")
	h.AppendHeader(table.Row{"Location", "Generations", "Physical address mode", "PSP pointer", "BHD pointer (Milan+)"})
	h.AppendRow(table.Row{
		fmt.Sprintf("0x%x", e.EfhBeginning()),
		fmt.Sprintf("0x%08x", e.Efh.EfsGenerations),
		e.PhysicalAddressMode(),
		fmt.Sprintf("0x%08x", e.Efh.PspDirectoryTableLocationZen),
		fmt.Sprintf("0x%08x", e.Efh.BhdDirectoryTableMilan),
	})
	h.Render()

	if psp, err := e.PspDirectory(); err == nil {
		renderPspDirectory(psp, "PSP Directory Level 1")
		occupied = append(occupied, directoryRange(psp.Beginning(), psp.AdditionalInfo()))
		if sub, err := e.PspSubdirectory(psp); err == nil {
			renderPspDirectory(sub, "PSP Directory Level 2")
			occupied = append(occupied, directoryRange(sub.Beginning(), sub.AdditionalInfo()))
		}
	} else if combo, comboErr := e.PspComboDirectory(); comboErr == nil {
		renderComboDirectory(combo, "PSP Combo Directory")
	} else {
		log.Printf("no PSP directory: %v", err)
	}

	if bhd, err := e.BhdDirectory(generation); err == nil {
		renderBhdDirectory(bhd, "BHD Directory Level 1")
		occupied = append(occupied, directoryRange(bhd.Beginning(), bhd.AdditionalInfo()))
		if sub, err := e.BhdSubdirectory(bhd); err == nil {
			renderBhdDirectory(sub, "BHD Directory Level 2")
			occupied = append(occupied, directoryRange(sub.Beginning(), sub.AdditionalInfo()))
		}
	} else if combo, comboErr := e.BhdComboDirectory(generation); comboErr == nil {
		renderComboDirectory(combo, "BHD Combo Directory")
	} else {
		log.Printf("no BHD directory: %v", err)
	}

	free := bytes2.Range{Offset: 0, Length: uint64(info.Size())}.Exclude(occupied...)
	l := table.NewWriter()
	l.SetOutputMirror(os.Stdout)
	l.SetTitle("Free regions")
	l.AppendHeader(table.Row{"Offset", "End", "Size"})
	for _, r := range free {
		l.AppendRow(table.Row{
			fmt.Sprintf("0x%x", r.Offset),
			fmt.Sprintf("0x%x", r.End()),
			humanize.IBytes(r.Length),
		})
	}
	l.Render()
	return nil
}

// directoryRange is the flash region a directory claims: its declared
// max size, or one 4 kiB additional-info unit when none is declared.
func directoryRange(beginning flash.Location, info efs.DirectoryAdditionalInfo) bytes2.Range {
	length := efs.TryFromUnit(info.MaxSize())
	if length == 0 {
		length = efs.DirectoryAdditionalInfoUnit
	}
	return bytes2.Range{Offset: uint64(beginning), Length: uint64(length)}
}

func renderPspDirectory(d *efs.PspDirectory, title string) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(title)
	t.AppendHeader(table.Row{"Type", "Type Hex", "Subprogram", "RomID", "Size", "Source"})
	for _, entry := range d.Entries() {
		size := "value"
		if !entry.IsValue() {
			size = humanize.IBytes(uint64(entry.Size))
		}
		t.AppendRow(table.Row{
			entry.Type().String(),
			fmt.Sprintf("0x%x", uint8(entry.Type())),
			fmt.Sprintf("0x%x", entry.Attrs.SubProgram()),
			fmt.Sprintf("0x%x", entry.Attrs.RomId()),
			size,
			fmt.Sprintf("0x%x", entry.Source),
		})
	}
	t.Render()
}

func renderBhdDirectory(d *efs.BhdDirectory, title string) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(title)
	t.AppendHeader(table.Row{"Type", "Type Hex", "Instance", "Compressed", "Size", "Source", "Destination"})
	for _, entry := range d.Entries() {
		size := "value"
		if !entry.IsValue() {
			size = humanize.IBytes(uint64(entry.Size))
		}
		destination := "-"
		if dst, ok := entry.Destination(); ok {
			destination = fmt.Sprintf("0x%x", dst)
		}
		t.AppendRow(table.Row{
			entry.Type().String(),
			fmt.Sprintf("0x%x", uint8(entry.Type())),
			entry.Attrs.Instance(),
			entry.Attrs.Compressed(),
			size,
			fmt.Sprintf("0x%x", entry.Source),
			destination,
		})
	}
	t.Render()
}

func renderComboDirectory(d *efs.ComboDirectory, title string) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(title)
	t.AppendHeader(table.Row{"IdSelect", "Id", "Directory"})
	for _, entry := range d.Entries() {
		t.AppendRow(table.Row{
			entry.IdSelect,
			fmt.Sprintf("0x%08x", entry.Id),
			fmt.Sprintf("0x%x", entry.DirectoryLocation),
		})
	}
	t.Render()
}

type jsonCommand struct {
	imageOptions
}

type pspDirectoryDump struct {
	Header  efs.PspDirectoryHeader
	Entries []efs.PspDirectoryEntry
}

type bhdDirectoryDump struct {
	Header  efs.BhdDirectoryHeader
	Entries []efs.BhdDirectoryEntry
}

type imageDump struct {
	Efh             efs.Efh
	PspDirectory    *pspDirectoryDump `json:",omitempty"`
	PspSubdirectory *pspDirectoryDump `json:",omitempty"`
	BhdDirectory    *bhdDirectoryDump `json:",omitempty"`
	BhdSubdirectory *bhdDirectoryDump `json:",omitempty"`
}

func dumpPsp(d *efs.PspDirectory) *pspDirectoryDump {
	return &pspDirectoryDump{Header: d.Header, Entries: d.Entries()}
}

func dumpBhd(d *efs.BhdDirectory) *bhdDirectoryDump {
	return &bhdDirectoryDump{Header: d.Header, Entries: d.Entries()}
}

func (c *jsonCommand) Execute(args []string) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	generation, err := c.generation()
	if err != nil {
		return err
	}
	dump := imageDump{Efh: e.Efh}
	if psp, err := e.PspDirectory(); err == nil {
		dump.PspDirectory = dumpPsp(psp)
		if sub, err := e.PspSubdirectory(psp); err == nil {
			dump.PspSubdirectory = dumpPsp(sub)
		}
	}
	if bhd, err := e.BhdDirectory(generation); err == nil {
		dump.BhdDirectory = dumpBhd(bhd)
		if sub, err := e.BhdSubdirectory(bhd); err == nil {
			dump.BhdSubdirectory = dumpBhd(sub)
		}
	}
	j, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(j))
	return nil
}

type checkCommand struct {
	imageOptions
}

func (c *checkCommand) Execute(args []string) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	generation, err := c.generation()
	if err != nil {
		return err
	}
	if err := e.Validate(generation); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

type extractCommand struct {
	imageOptions
	Output string `short:"o" long:"output" required:"true" description:"output directory"`
}

func (c *extractCommand) Execute(args []string) error {
	e, err := c.open()
	if err != nil {
		return err
	}
	generation, err := c.generation()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.Output, 0o755); err != nil {
		return err
	}

	var result *multierror.Error
	if psp, err := e.PspDirectory(); err == nil {
		for i, entry := range psp.Entries() {
			if entry.IsValue() {
				continue
			}
			name := fmt.Sprintf("psp-%02d-%02x.bin", i, uint8(entry.Type()))
			if err := extractPspEntry(psp, entry, data, filepath.Join(c.Output, name)); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
			}
		}
	}
	if bhd, err := e.BhdDirectory(generation); err == nil {
		for i, entry := range bhd.Entries() {
			if entry.IsValue() {
				continue
			}
			name := fmt.Sprintf("bhd-%02d-%02x.bin", i, uint8(entry.Type()))
			if err := extractBhdEntry(bhd, entry, data, filepath.Join(c.Output, name)); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
			}
		}
	}
	return result.ErrorOrNil()
}

func payloadBytes(image []byte, beginning flash.Location, size uint32) ([]byte, error) {
	end := uint64(beginning) + uint64(size)
	if end > uint64(len(image)) {
		return nil, fmt.Errorf("payload [0x%x, 0x%x) leaves the %s image", beginning, end, humanize.IBytes(uint64(len(image))))
	}
	return image[beginning:end], nil
}

func extractPspEntry(d *efs.PspDirectory, entry efs.PspDirectoryEntry, image []byte, path string) error {
	beginning, err := d.PayloadBeginning(entry)
	if err != nil {
		return err
	}
	payload, err := payloadBytes(image, beginning, entry.Size)
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o644)
}

func extractBhdEntry(d *efs.BhdDirectory, entry efs.BhdDirectoryEntry, image []byte, path string) error {
	beginning, err := d.PayloadBeginning(entry)
	if err != nil {
		return err
	}
	payload, err := payloadBytes(image, beginning, entry.Size)
	if err != nil {
		return err
	}
	if entry.Attrs.Compressed() {
		inflated, err := inflate(payload)
		if err != nil {
			return fmt.Errorf("inflate: %w", err)
		}
		payload = inflated
	}
	return os.WriteFile(path, payload, 0o644)
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return out, nil
}

func main() {
	parser := flags.NewParser(nil, flags.Default)
	commands := []struct {
		name    string
		short   string
		command interface{}
	}{
		{"show", "Print the EFS and all directories", &showCommand{}},
		{"json", "Dump the parsed structures as JSON", &jsonCommand{}},
		{"check", "Re-verify every directory checksum", &checkCommand{}},
		{"extract", "Write each directory payload into a directory", &extractCommand{}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, "", c.command); err != nil {
			panic(err)
		}
	}
	if _, err := parser.Parse(); err != nil {
		log.Fatal(err)
	}
}
