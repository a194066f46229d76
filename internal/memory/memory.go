// Package memory abstracts the address space the engine inspects and
// repairs. Live targets are accessed through /proc/<pid>/mem; tests use a
// simulated space with the same protection semantics.
package memory

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/hookguard/hookguard/internal/sys/proc"
)

// Prot is a page protection bitmask.
type Prot int

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1
	ProtWrite Prot = 2
	ProtExec  Prot = 4
)

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// ParseProt converts the first three characters of a maps permission string.
func ParseProt(perms string) Prot {
	var p Prot
	if strings.HasPrefix(perms, "r") {
		p |= ProtRead
	}
	if len(perms) > 1 && perms[1] == 'w' {
		p |= ProtWrite
	}
	if len(perms) > 2 && perms[2] == 'x' {
		p |= ProtExec
	}
	return p
}

// Arch identifies the instruction set of the target.
type Arch string

const (
	ArchARM64   Arch = "arm64"
	ArchARM     Arch = "arm"
	ArchAMD64   Arch = "amd64"
	Arch386     Arch = "386"
	ArchRISCV64 Arch = "riscv64"
)

// InstructionAlign is the alignment of instruction boundaries: patch sites
// are widened to it. Variable-length ISAs report 1.
func (a Arch) InstructionAlign() uint64 {
	switch a {
	case ArchARM64, ArchARM, ArchRISCV64:
		return 4
	}
	return 1
}

// PtrSize returns the native pointer width.
func (a Arch) PtrSize() int {
	switch a {
	case ArchARM, Arch386:
		return 4
	}
	return 8
}

// AddressSpace is the memory of the process being repaired.
type AddressSpace interface {
	// ReadAt fills p from addr. Partial reads are errors.
	ReadAt(p []byte, addr uint64) error
	// WriteAt stores p at addr in a single call.
	WriteAt(p []byte, addr uint64) error
	// Protect sets the protection of every page spanning [addr, addr+n) and
	// returns a function restoring the previous protection.
	Protect(addr, n uint64, prot Prot) (restore func() error, err error)
	// FlushICache makes instruction fetch coherent with data writes for the
	// range.
	FlushICache(addr, n uint64) error
	// Arch returns the target instruction set.
	Arch() Arch
	// Pid returns the target pid, 0 for the calling process.
	Pid() int
}

// Mapper is implemented by address spaces that can describe their layout.
type Mapper interface {
	Maps() ([]proc.Mapping, error)
}

// WordStorer is implemented by address spaces that can publish a
// pointer-sized aligned value with a single atomic store.
type WordStorer interface {
	StoreWord(addr, value uint64) error
}

// Order is the byte order of every supported target.
var Order = binary.LittleEndian

// ReadU32 reads a little-endian uint32.
func ReadU32(as AddressSpace, addr uint64) (uint32, error) {
	var b [4]byte
	if err := as.ReadAt(b[:], addr); err != nil {
		return 0, err
	}
	return Order.Uint32(b[:]), nil
}

// ReadU64 reads a little-endian uint64.
func ReadU64(as AddressSpace, addr uint64) (uint64, error) {
	var b [8]byte
	if err := as.ReadAt(b[:], addr); err != nil {
		return 0, err
	}
	return Order.Uint64(b[:]), nil
}

// ReadPtr reads a native pointer.
func ReadPtr(as AddressSpace, addr uint64) (uint64, error) {
	if as.Arch().PtrSize() == 4 {
		v, err := ReadU32(as, addr)
		return uint64(v), err
	}
	return ReadU64(as, addr)
}

// PutPtr encodes v as a native pointer.
func PutPtr(arch Arch, v uint64) []byte {
	if arch.PtrSize() == 4 {
		b := make([]byte, 4)
		Order.PutUint32(b, uint32(v))
		return b
	}
	b := make([]byte, 8)
	Order.PutUint64(b, v)
	return b
}

// ReadBytes allocates and reads n bytes.
func ReadBytes(as AddressSpace, addr uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative length %d", n)
	}
	b := make([]byte, n)
	if err := as.ReadAt(b, addr); err != nil {
		return nil, err
	}
	return b, nil
}
