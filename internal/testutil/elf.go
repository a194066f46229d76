package testutil

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// ELF constants used by the image builder.
const (
	elfMachineAArch64 = 183
	elfMachineX86_64  = 62

	ptLoad = 1
	ptNote = 4

	pfX = 1
	pfW = 2
	pfR = 4

	shtStrtab = 3
	shtDynsym = 11

	// TextOffset is the file offset and image address of the text segment.
	TextOffset = 0x1000
)

// ELFSymbol is a dynamic symbol emitted by BuildELF.
type ELFSymbol struct {
	Name  string
	Value uint64
	Size  uint64
}

// ELFImage describes a minimal 64-bit shared object.
type ELFImage struct {
	// X86 selects EM_X86_64 instead of EM_AARCH64.
	X86 bool
	// Text is the content of the executable segment, mapped at TextOffset.
	Text []byte
	// BuildID is emitted as an NT_GNU_BUILD_ID note when non-empty.
	BuildID []byte
	// Symbols are emitted in .dynsym.
	Symbols []ELFSymbol
}

// BuildELF serializes img. The layout is: headers and note in a read-only
// segment at offset 0, text at TextOffset, then string and symbol tables and
// the section header table.
func BuildELF(img ELFImage) []byte {
	le := binary.LittleEndian
	buf := make([]byte, TextOffset)

	// Program headers: read-only load, text load, note.
	const phoff = 64
	const phnum = 3
	noteOff := uint64(phoff + phnum*56)
	note := buildNote(img.BuildID)
	copy(buf[noteOff:], note)

	buf = append(buf, img.Text...)
	textEnd := uint64(len(buf))

	// .dynstr
	dynstrOff := uint64(len(buf))
	dynstr := []byte{0}
	nameIdx := make([]uint32, len(img.Symbols))
	for i, s := range img.Symbols {
		nameIdx[i] = uint32(len(dynstr))
		dynstr = append(dynstr, s.Name...)
		dynstr = append(dynstr, 0)
	}
	buf = append(buf, dynstr...)
	buf = pad(buf, 8)

	// .dynsym
	dynsymOff := uint64(len(buf))
	sym := make([]byte, 24)
	buf = append(buf, sym...) // null symbol
	for i, s := range img.Symbols {
		sym = make([]byte, 24)
		le.PutUint32(sym[0:], nameIdx[i])
		sym[4] = 0x12            // STB_GLOBAL, STT_FUNC
		le.PutUint16(sym[6:], 3) // .text
		le.PutUint64(sym[8:], s.Value)
		le.PutUint64(sym[16:], s.Size)
		buf = append(buf, sym...)
	}
	dynsymSize := uint64(len(buf)) - dynsymOff

	// .shstrtab
	shstrOff := uint64(len(buf))
	shstr := []byte("\x00.dynstr\x00.dynsym\x00.text\x00.shstrtab\x00")
	buf = append(buf, shstr...)
	buf = pad(buf, 8)

	// Section headers: null, .dynstr, .dynsym, .text, .shstrtab.
	shoff := uint64(len(buf))
	buf = append(buf, make([]byte, 64)...)
	buf = append(buf, shdr(1, shtStrtab, 0, dynstrOff, uint64(len(dynstr)), 0, 1, 0)...)
	buf = append(buf, shdr(9, shtDynsym, 0, dynsymOff, dynsymSize, 1, 8, 24)...)
	buf = append(buf, shdr(17, 1, TextOffset, TextOffset, uint64(len(img.Text)), 0, 4, 0)...)
	buf = append(buf, shdr(23, shtStrtab, 0, shstrOff, uint64(len(shstr)), 0, 1, 0)...)

	// ELF header.
	copy(buf[0:], []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	le.PutUint16(buf[16:], 3) // ET_DYN
	machine := uint16(elfMachineAArch64)
	if img.X86 {
		machine = elfMachineX86_64
	}
	le.PutUint16(buf[18:], machine)
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[32:], phoff)
	le.PutUint64(buf[40:], shoff)
	le.PutUint16(buf[52:], 64)
	le.PutUint16(buf[54:], 56)
	le.PutUint16(buf[56:], phnum)
	le.PutUint16(buf[58:], 64)
	le.PutUint16(buf[60:], 5)
	le.PutUint16(buf[62:], 4)

	copy(buf[phoff:], phdr(ptLoad, pfR, 0, 0, TextOffset, 0x1000))
	copy(buf[phoff+56:], phdr(ptLoad, pfR|pfX, TextOffset, TextOffset, textEnd-TextOffset, 0x1000))
	copy(buf[phoff+112:], phdr(ptNote, pfR, noteOff, noteOff, uint64(len(note)), 4))

	return buf
}

// WriteELF builds img into a temporary file and returns its path.
func WriteELF(t *testing.T, name string, img ELFImage) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, BuildELF(img), 0o644); err != nil {
		t.Fatalf("write elf: %v", err)
	}
	return path
}

func buildNote(id []byte) []byte {
	if len(id) == 0 {
		return nil
	}
	le := binary.LittleEndian
	n := make([]byte, 12)
	le.PutUint32(n[0:], 4)
	le.PutUint32(n[4:], uint32(len(id)))
	le.PutUint32(n[8:], 3) // NT_GNU_BUILD_ID
	n = append(n, 'G', 'N', 'U', 0)
	n = append(n, id...)
	return pad(n, 4)
}

func phdr(typ, flags uint32, off, vaddr, size, align uint64) []byte {
	le := binary.LittleEndian
	b := make([]byte, 56)
	le.PutUint32(b[0:], typ)
	le.PutUint32(b[4:], flags)
	le.PutUint64(b[8:], off)
	le.PutUint64(b[16:], vaddr)
	le.PutUint64(b[24:], vaddr)
	le.PutUint64(b[32:], size)
	le.PutUint64(b[40:], size)
	le.PutUint64(b[48:], align)
	return b
}

func shdr(name, typ uint32, addr, off, size uint64, link uint32, align, entsize uint64) []byte {
	le := binary.LittleEndian
	b := make([]byte, 64)
	le.PutUint32(b[0:], name)
	le.PutUint32(b[4:], typ)
	if typ == 1 {
		le.PutUint64(b[8:], 0x6) // SHF_ALLOC|SHF_EXECINSTR
	} else if typ == shtDynsym || typ == shtStrtab && name == 1 {
		le.PutUint64(b[8:], 0x2)
	}
	le.PutUint64(b[16:], addr)
	le.PutUint64(b[24:], off)
	le.PutUint64(b[32:], size)
	le.PutUint32(b[40:], link)
	if typ == shtDynsym {
		le.PutUint32(b[44:], 1)
	}
	le.PutUint64(b[48:], align)
	le.PutUint64(b[56:], entsize)
	return b
}

func pad(b []byte, align int) []byte {
	for len(b)%align != 0 {
		b = append(b, 0)
	}
	return b
}
