// Package baseline compares the live executable segments of the runtime
// library against an independently read on-disk copy and reports every
// byte range that differs.
package baseline

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/Binject/debug/elf"
	"github.com/zeebo/xxh3"

	hgerrors "github.com/hookguard/hookguard/internal/errors"
	"github.com/hookguard/hookguard/internal/memory"
	"github.com/hookguard/hookguard/internal/safe"
)

// Segment is an executable, non-writable PT_LOAD segment of the reference.
type Segment struct {
	Vaddr  uint64
	Offset uint64
	Data   []byte
	// Digest is the xxh3 hash of Data.
	Digest uint64
}

// containsOffset reports whether file offset off is backed by the segment.
func (s *Segment) containsOffset(off uint64) bool {
	return off >= s.Offset && off < s.Offset+uint64(len(s.Data))
}

// Symbol is a named address range of the reference image.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
}

// Reference is the parsed on-disk copy of a library.
type Reference struct {
	Path     string
	Arch     memory.Arch
	BuildID  string
	Segments []Segment
	Symbols  []Symbol
}

// Load reads and parses the library at path. Every failure wraps
// ErrBaselineUnavailable.
func Load(path string, opts *safe.ReadOptions) (*Reference, error) {
	data, err := safe.ReadFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hgerrors.ErrBaselineUnavailable, err)
	}
	ref, err := Parse(path, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hgerrors.ErrBaselineUnavailable, err)
	}
	return ref, nil
}

// Parse builds a Reference from an in-memory ELF image.
func Parse(path string, data []byte) (*Reference, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	defer f.Close() // nolint:errcheck

	arch, err := archOf(f)
	if err != nil {
		return nil, err
	}

	ref := &Reference{Path: path, Arch: arch}

	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			if p.Flags&elf.PF_X == 0 || p.Flags&elf.PF_W != 0 {
				continue
			}
			end, wrapped := safe.AddOffset(p.Off, p.Filesz)
			if wrapped || end > uint64(len(data)) {
				return nil, fmt.Errorf("segment at offset 0x%x exceeds file size", p.Off)
			}
			seg := Segment{
				Vaddr:  p.Vaddr,
				Offset: p.Off,
				Data:   data[p.Off:end],
			}
			seg.Digest = xxh3.Hash(seg.Data)
			ref.Segments = append(ref.Segments, seg)
		case elf.PT_NOTE:
			end, wrapped := safe.AddOffset(p.Off, p.Filesz)
			if wrapped || end > uint64(len(data)) {
				continue
			}
			if id := buildID(data[p.Off:end]); id != "" {
				ref.BuildID = id
			}
		}
	}
	if len(ref.Segments) == 0 {
		return nil, fmt.Errorf("%s has no executable segment", path)
	}

	// Dynamic symbols are enough for the exported entry points; the static
	// table is consulted when the image was not stripped.
	for _, load := range []func() ([]elf.Symbol, error){f.DynamicSymbols, f.Symbols} {
		syms, err := load()
		if err != nil {
			continue
		}
		for _, s := range syms {
			if s.Name == "" || s.Value == 0 {
				continue
			}
			ref.Symbols = append(ref.Symbols, Symbol{Name: s.Name, Value: s.Value, Size: s.Size})
		}
	}

	return ref, nil
}

// Lookup returns the symbol with the given name.
func (r *Reference) Lookup(name string) (Symbol, bool) {
	for _, s := range r.Symbols {
		if s.Name == name {
			return s, true
		}
	}
	return Symbol{}, false
}

// segmentForOffset returns the segment backing file offset off.
func (r *Reference) segmentForOffset(off uint64) *Segment {
	for i := range r.Segments {
		if r.Segments[i].containsOffset(off) {
			return &r.Segments[i]
		}
	}
	return nil
}

func archOf(f *elf.File) (memory.Arch, error) {
	switch f.Machine {
	case elf.EM_AARCH64:
		return memory.ArchARM64, nil
	case elf.EM_ARM:
		return memory.ArchARM, nil
	case elf.EM_X86_64:
		return memory.ArchAMD64, nil
	case elf.EM_386:
		return memory.Arch386, nil
	case elf.EM_RISCV:
		return memory.ArchRISCV64, nil
	}
	return "", fmt.Errorf("unsupported machine %s", f.Machine)
}

// buildID extracts NT_GNU_BUILD_ID from a note segment.
func buildID(notes []byte) string {
	for len(notes) >= 12 {
		namesz := memory.Order.Uint32(notes[0:])
		descsz := memory.Order.Uint32(notes[4:])
		typ := memory.Order.Uint32(notes[8:])
		nameEnd := 12 + align4(uint64(namesz))
		descEnd := nameEnd + align4(uint64(descsz))
		if descEnd > uint64(len(notes)) {
			return ""
		}
		name := notes[12 : 12+namesz]
		if typ == 3 && bytes.Equal(name, []byte("GNU\x00")) {
			return hex.EncodeToString(notes[nameEnd : nameEnd+uint64(descsz)])
		}
		notes = notes[descEnd:]
	}
	return ""
}

func align4(v uint64) uint64 { return safe.AlignUp(v, 4) }
