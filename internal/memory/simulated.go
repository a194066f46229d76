package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	hgerrors "github.com/hookguard/hookguard/internal/errors"
	"github.com/hookguard/hookguard/internal/sys/proc"
)

// ErrUnmapped is returned when an access touches memory that is not mapped.
var ErrUnmapped = errors.New("address not mapped")

// ErrProtection is returned when an access violates page protection.
var ErrProtection = errors.New("protection violation")

type simSegment struct {
	start  uint64
	data   []byte
	prot   Prot
	path   string
	offset uint64
}

func (s *simSegment) end() uint64 { return s.start + uint64(len(s.data)) }

// Range is an address interval recorded by Simulated.
type Range struct {
	Addr uint64
	Len  uint64
}

// Simulated is an in-memory AddressSpace. Writes honour page protection
// the way a hardware MMU would, so callers must Protect before writing to
// read-only segments.
type Simulated struct {
	mu       sync.Mutex
	arch     Arch
	pid      int
	segments []*simSegment

	failWrites map[uint64]error
	dropWrites map[uint64]bool
	failProt   error

	// Flushes records every FlushICache call.
	Flushes []Range
	// Writes counts successful WriteAt calls.
	Writes int
}

// NewSimulated creates an empty address space for arch.
func NewSimulated(arch Arch) *Simulated {
	return &Simulated{
		arch:       arch,
		failWrites: make(map[uint64]error),
		dropWrites: make(map[uint64]bool),
	}
}

// Map adds an anonymous segment holding a copy of data. Segments must not
// overlap.
func (s *Simulated) Map(start uint64, data []byte, prot Prot) {
	s.MapFile(start, data, prot, "", 0)
}

// MapFile adds a segment that reports path and file offset in Maps.
func (s *Simulated) MapFile(start uint64, data []byte, prot Prot, path string, offset uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	s.segments = append(s.segments, &simSegment{start: start, data: buf, prot: prot, path: path, offset: offset})
	sort.Slice(s.segments, func(i, j int) bool { return s.segments[i].start < s.segments[j].start })
}

// Maps implements Mapper. Permissions reflect the current protection.
func (s *Simulated) Maps() ([]proc.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]proc.Mapping, 0, len(s.segments))
	for _, seg := range s.segments {
		var inode uint64
		if seg.path != "" && seg.path[0] == '/' {
			inode = 1
		}
		out = append(out, proc.Mapping{
			Start:  seg.start,
			End:    seg.end(),
			Perms:  seg.prot.String() + "p",
			Offset: seg.offset,
			Dev:    "00:00",
			Inode:  inode,
			Path:   seg.path,
		})
	}
	return out, nil
}

// FailWrite makes writes starting at addr fail with err.
func (s *Simulated) FailWrite(addr uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites[addr] = err
}

// DropWrite makes writes starting at addr report success without landing.
func (s *Simulated) DropWrite(addr uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropWrites[addr] = true
}

// FailProtect makes every Protect call fail with err.
func (s *Simulated) FailProtect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failProt = err
}

// ProtAt returns the protection of the segment containing addr.
func (s *Simulated) ProtAt(addr uint64) Prot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seg := s.find(addr, 1); seg != nil {
		return seg.prot
	}
	return ProtNone
}

// Arch implements AddressSpace.
func (s *Simulated) Arch() Arch { return s.arch }

// Pid implements AddressSpace.
func (s *Simulated) Pid() int { return s.pid }

func (s *Simulated) find(addr, n uint64) *simSegment {
	for _, seg := range s.segments {
		if addr >= seg.start && addr+n <= seg.end() && addr+n >= addr {
			return seg
		}
	}
	return nil
}

// ReadAt implements AddressSpace.
func (s *Simulated) ReadAt(p []byte, addr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg := s.find(addr, uint64(len(p)))
	if seg == nil {
		return hgerrors.At("read", addr, ErrUnmapped)
	}
	if seg.prot&ProtRead == 0 {
		return hgerrors.At("read", addr, ErrProtection)
	}
	copy(p, seg.data[addr-seg.start:])
	return nil
}

// WriteAt implements AddressSpace.
func (s *Simulated) WriteAt(p []byte, addr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.failWrites[addr]; ok {
		return hgerrors.At("write", addr, err)
	}
	seg := s.find(addr, uint64(len(p)))
	if seg == nil {
		return hgerrors.At("write", addr, ErrUnmapped)
	}
	if seg.prot&ProtWrite == 0 {
		return hgerrors.At("write", addr, ErrProtection)
	}
	s.Writes++
	if s.dropWrites[addr] {
		return nil
	}
	copy(seg.data[addr-seg.start:], p)
	return nil
}

// StoreWord implements WordStorer.
func (s *Simulated) StoreWord(addr, value uint64) error {
	if addr%uint64(s.arch.PtrSize()) != 0 {
		return hgerrors.At("store", addr, errors.New("unaligned word store"))
	}
	return s.WriteAt(PutPtr(s.arch, value), addr)
}

// Protect implements AddressSpace. Protection is tracked per segment.
func (s *Simulated) Protect(addr, n uint64, prot Prot) (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failProt != nil {
		return nil, hgerrors.At("protect", addr, s.failProt)
	}
	seg := s.find(addr, n)
	if seg == nil {
		return nil, hgerrors.At("protect", addr, ErrUnmapped)
	}
	prev := seg.prot
	seg.prot = prot
	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		seg.prot = prev
		return nil
	}, nil
}

// FlushICache implements AddressSpace.
func (s *Simulated) FlushICache(addr, n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Flushes = append(s.Flushes, Range{Addr: addr, Len: n})
	return nil
}

// Peek returns a copy of n bytes at addr regardless of protection.
func (s *Simulated) Peek(addr uint64, n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg := s.find(addr, uint64(n))
	if seg == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, seg.data[addr-seg.start:])
	return out
}

// Poke writes p at addr regardless of protection. It models tampering by a
// third party and never counts as an engine write.
func (s *Simulated) Poke(addr uint64, p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg := s.find(addr, uint64(len(p)))
	if seg == nil {
		panic(fmt.Sprintf("poke outside mapped memory at 0x%x", addr))
	}
	copy(seg.data[addr-seg.start:], p)
}
