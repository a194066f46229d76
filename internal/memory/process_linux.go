//go:build linux

package memory

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"unsafe"

	"github.com/Binject/debug/elf"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	hgerrors "github.com/hookguard/hookguard/internal/errors"
	"github.com/hookguard/hookguard/internal/safe"
	"github.com/hookguard/hookguard/internal/sys/proc"
)

// Process is the address space of a live process, read and written through
// /proc/<pid>/mem. The kernel performs those writes with forced access and
// keeps the instruction cache coherent for the written range, so remote
// targets need no protection change. For the calling process protection is
// changed with mprotect so that direct stores are legal too.
type Process struct {
	pid      int
	self     bool
	arch     Arch
	mem      *os.File
	pageSize uint64
	logger   zerolog.Logger
}

// Open opens the address space of pid. proc.Self (0) or the caller's own pid
// designates the calling process.
func Open(pid int, logger zerolog.Logger) (*Process, error) {
	self := pid == proc.Self || pid == os.Getpid()
	if self {
		pid = proc.Self
	}

	arch, err := detectArch(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to detect target architecture: %w", err)
	}

	path := proc.Path(pid, "mem")
	//nolint:gosec // G304: Path is from /proc filesystem for the target process.
	mem, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	p := &Process{
		pid:      pid,
		self:     self,
		arch:     arch,
		mem:      mem,
		pageSize: uint64(unix.Getpagesize()),
		logger:   logger.With().Str("component", "memory").Int("pid", pid).Logger(),
	}
	p.logger.Debug().Str("arch", string(arch)).Bool("self", self).Msg("Opened address space")
	return p, nil
}

// Close releases the mem file.
func (p *Process) Close() error {
	return p.mem.Close()
}

// Arch implements AddressSpace.
func (p *Process) Arch() Arch { return p.arch }

// Pid implements AddressSpace.
func (p *Process) Pid() int { return p.pid }

// Maps implements Mapper.
func (p *Process) Maps() ([]proc.Mapping, error) {
	return proc.ReadMaps(p.pid)
}

// ReadAt implements AddressSpace.
func (p *Process) ReadAt(b []byte, addr uint64) error {
	off, clamped := safe.Uint64ToInt64(addr)
	if clamped {
		return hgerrors.At("read", addr, errors.New("address beyond file offset range"))
	}
	n, err := p.mem.ReadAt(b, off)
	if err != nil {
		return hgerrors.At("read", addr, err)
	}
	if n != len(b) {
		return hgerrors.At("read", addr, fmt.Errorf("short read %d/%d", n, len(b)))
	}
	return nil
}

// WriteAt implements AddressSpace.
func (p *Process) WriteAt(b []byte, addr uint64) error {
	off, clamped := safe.Uint64ToInt64(addr)
	if clamped {
		return hgerrors.At("write", addr, errors.New("address beyond file offset range"))
	}
	n, err := p.mem.WriteAt(b, off)
	if err != nil {
		return hgerrors.At("write", addr, err)
	}
	if n != len(b) {
		return hgerrors.At("write", addr, fmt.Errorf("short write %d/%d", n, len(b)))
	}
	return nil
}

// Protect implements AddressSpace. Remote targets return a no-op restore.
func (p *Process) Protect(addr, n uint64, prot Prot) (func() error, error) {
	if !p.self {
		return func() error { return nil }, nil
	}

	start := safe.AlignDown(addr, p.pageSize)
	end := safe.AlignUp(addr+n, p.pageSize)

	prev, err := p.currentProt(start, end)
	if err != nil {
		return nil, hgerrors.At("protect", addr, err)
	}
	if err := mprotect(start, end-start, prot); err != nil {
		return nil, hgerrors.At("protect", addr, err)
	}
	return func() error {
		return mprotect(start, end-start, prev)
	}, nil
}

// currentProt returns the protection of the mapping covering [start, end).
// Ranges spanning mappings with different protections are rejected.
func (p *Process) currentProt(start, end uint64) (Prot, error) {
	maps, err := proc.ReadMaps(p.pid)
	if err != nil {
		return ProtNone, err
	}
	for _, m := range maps {
		if m.Contains(start) {
			if end > m.End {
				return ProtNone, fmt.Errorf("range 0x%x-0x%x spans mappings", start, end)
			}
			return ParseProt(m.Perms), nil
		}
	}
	return ProtNone, fmt.Errorf("range 0x%x-0x%x not mapped", start, end)
}

// FlushICache implements AddressSpace. Writes through the mem file already
// flush the written range on every architecture the kernel supports.
func (p *Process) FlushICache(addr, n uint64) error {
	p.logger.Trace().Str("addr", fmt.Sprintf("0x%x", addr)).Uint64("len", n).Msg("icache maintained by kernel write path")
	return nil
}

// StoreWord implements WordStorer for the calling process only.
func (p *Process) StoreWord(addr, value uint64) (err error) {
	if !p.self {
		return hgerrors.ErrUnsupported
	}
	size := uint64(p.arch.PtrSize())
	if addr%size != 0 {
		return hgerrors.At("store", addr, errors.New("unaligned word store"))
	}

	// A fault on foreign memory surfaces as a panic instead of killing the
	// host process.
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		if r := recover(); r != nil {
			err = hgerrors.At("store", addr, fmt.Errorf("fault: %v", r))
		}
	}()

	ptr := unsafe.Pointer(uintptr(addr)) //nolint:govet // foreign address
	if size == 8 {
		atomic.StoreUint64((*uint64)(ptr), value)
	} else {
		atomic.StoreUint32((*uint32)(ptr), uint32(value))
	}
	return nil
}

func mprotect(start, n uint64, prot Prot) error {
	var flags int
	if prot&ProtRead != 0 {
		flags |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		flags |= unix.PROT_WRITE
	}
	if prot&ProtExec != 0 {
		flags |= unix.PROT_EXEC
	}
	region := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(start))), n) //nolint:govet // foreign address
	return unix.Mprotect(region, flags)
}

// detectArch reads the ELF header of the target executable.
func detectArch(pid int) (Arch, error) {
	if pid == proc.Self {
		return goArch(runtime.GOARCH)
	}

	f, err := elf.Open(proc.Path(pid, "exe"))
	if err != nil {
		return "", err
	}
	defer f.Close() // nolint:errcheck

	return machineArch(f.Machine, f.Class)
}

func goArch(goarch string) (Arch, error) {
	switch goarch {
	case "arm64":
		return ArchARM64, nil
	case "arm":
		return ArchARM, nil
	case "amd64":
		return ArchAMD64, nil
	case "386":
		return Arch386, nil
	case "riscv64":
		return ArchRISCV64, nil
	}
	return "", fmt.Errorf("unsupported architecture %s", goarch)
}

func machineArch(m elf.Machine, class elf.Class) (Arch, error) {
	switch m {
	case elf.EM_AARCH64:
		return ArchARM64, nil
	case elf.EM_ARM:
		return ArchARM, nil
	case elf.EM_X86_64:
		return ArchAMD64, nil
	case elf.EM_386:
		return Arch386, nil
	case elf.EM_RISCV:
		if class == elf.ELFCLASS64 {
			return ArchRISCV64, nil
		}
	}
	return "", fmt.Errorf("unsupported machine %s", m)
}
