//go:build !linux

package memory

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"

	hgerrors "github.com/hookguard/hookguard/internal/errors"
	"github.com/hookguard/hookguard/internal/sys/proc"
)

// Process is unavailable outside Linux.
type Process struct{}

// Open always fails outside Linux.
func Open(pid int, _ zerolog.Logger) (*Process, error) {
	return nil, fmt.Errorf("process memory on %s: %w", runtime.GOOS, hgerrors.ErrUnsupported)
}

func (p *Process) Close() error                        { return nil }
func (p *Process) Arch() Arch                          { return "" }
func (p *Process) Pid() int                            { return 0 }
func (p *Process) Maps() ([]proc.Mapping, error)       { return nil, hgerrors.ErrUnsupported }
func (p *Process) ReadAt(b []byte, addr uint64) error  { return hgerrors.ErrUnsupported }
func (p *Process) WriteAt(b []byte, addr uint64) error { return hgerrors.ErrUnsupported }
func (p *Process) FlushICache(addr, n uint64) error    { return hgerrors.ErrUnsupported }
func (p *Process) StoreWord(addr, value uint64) error  { return hgerrors.ErrUnsupported }
func (p *Process) Protect(addr, n uint64, prot Prot) (func() error, error) {
	return nil, hgerrors.ErrUnsupported
}
