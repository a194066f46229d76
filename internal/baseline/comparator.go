package baseline

import (
	"bytes"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	hgerrors "github.com/hookguard/hookguard/internal/errors"
	"github.com/hookguard/hookguard/internal/mapscan"
	"github.com/hookguard/hookguard/internal/memory"
	"github.com/hookguard/hookguard/internal/safe"
)

// readChunk bounds a single read of foreign memory.
const readChunk = 64 << 10

// PatchSite is a contiguous range whose live content differs from the
// reference.
type PatchSite struct {
	// Vaddr is the image address of the first byte.
	Vaddr uint64
	// Address is the live address of the first byte.
	Address uint64
	// Original is the content to restore. Allow-listed bytes inside the
	// site carry their live value so a rewrite leaves them untouched.
	Original []byte
	// Observed is the live content at detection time.
	Observed []byte
}

// Len returns the site length in bytes.
func (p PatchSite) Len() int { return len(p.Original) }

// SegmentDigest records the hashes of one compared range.
type SegmentDigest struct {
	Vaddr     uint64 `json:"vaddr"`
	Length    uint64 `json:"length"`
	Reference uint64 `json:"reference"`
	Live      uint64 `json:"live"`
}

// Result is the outcome of a comparison.
type Result struct {
	Sites         []PatchSite
	Digests       []SegmentDigest
	BytesCompared uint64
	BytesAllowed  uint64
	BuildID       string
}

// Comparator diffs live executable mappings against a Reference.
type Comparator struct {
	as     memory.AddressSpace
	allow  *AllowList
	logger zerolog.Logger
}

// NewComparator creates a comparator reading live bytes from as.
func NewComparator(as memory.AddressSpace, allow *AllowList, logger zerolog.Logger) *Comparator {
	return &Comparator{
		as:     as,
		allow:  allow,
		logger: logger.With().Str("component", "baseline").Logger(),
	}
}

// Compare diffs every executable mapping of img against ref. A mapping that
// no reference segment describes fails with ErrBaselineUnavailable, since
// the on-disk file is then not the mapped image.
func (c *Comparator) Compare(ref *Reference, img *mapscan.Image) (*Result, error) {
	if ref.Arch != c.as.Arch() {
		return nil, fmt.Errorf("%w: reference is %s, target is %s",
			hgerrors.ErrBaselineUnavailable, ref.Arch, c.as.Arch())
	}

	res := &Result{BuildID: ref.BuildID}
	for _, m := range img.Executable() {
		matched := false
		for i := range ref.Segments {
			seg := &ref.Segments[i]
			lo := max(seg.Offset, m.Offset)
			hi := min(seg.Offset+uint64(len(seg.Data)), m.Offset+m.Size())
			if lo >= hi {
				continue
			}
			matched = true
			if err := c.compareRange(res, seg, m, lo, hi); err != nil {
				return nil, err
			}
		}
		if !matched {
			return nil, fmt.Errorf("%w: mapping 0x%x-0x%x at offset 0x%x has no executable segment in %s",
				hgerrors.ErrBaselineUnavailable, m.Start, m.End, m.Offset, ref.Path)
		}
	}

	c.logger.Info().
		Int("sites", len(res.Sites)).
		Uint64("bytes_compared", res.BytesCompared).
		Uint64("bytes_allowed", res.BytesAllowed).
		Str("build_id", res.BuildID).
		Msg("Compared runtime library against reference")
	return res, nil
}

// compareRange diffs file offsets [lo, hi) of seg, mapped by m.
func (c *Comparator) compareRange(res *Result, seg *Segment, m mapscan.Region, lo, hi uint64) error {
	n := hi - lo
	want := seg.Data[lo-seg.Offset : hi-seg.Offset]
	live := make([]byte, n)
	addr := m.Start + (lo - m.Offset)
	vaddr := seg.Vaddr + (lo - seg.Offset)

	for off := uint64(0); off < n; off += readChunk {
		end := min(off+readChunk, n)
		if err := c.as.ReadAt(live[off:end], addr+off); err != nil {
			return fmt.Errorf("failed to read live segment: %w", err)
		}
	}

	res.BytesCompared += n
	res.Digests = append(res.Digests, SegmentDigest{
		Vaddr:     vaddr,
		Length:    n,
		Reference: xxh3.Hash(want),
		Live:      xxh3.Hash(live),
	})
	if bytes.Equal(want, live) {
		return nil
	}

	align := c.as.Arch().InstructionAlign()
	var sites []PatchSite

	for i := uint64(0); i < n; {
		if live[i] == want[i] {
			i++
			continue
		}
		if c.allow.Contains(vaddr + i) {
			res.BytesAllowed++
			i++
			continue
		}
		j := i + 1
		for j < n && live[j] != want[j] && !c.allow.Contains(vaddr+j) {
			j++
		}

		// Widen to instruction boundaries, measured on image addresses.
		back := (vaddr + i) - safe.AlignDown(vaddr+i, align)
		start := i - min(back, i)
		stop := min(safe.AlignUp(vaddr+j, align)-vaddr, n)

		if k := len(sites); k > 0 {
			prev := &sites[k-1]
			prevEnd := prev.Vaddr - vaddr + uint64(len(prev.Original))
			if start <= prevEnd {
				c.extend(prev, want, live, vaddr, prevEnd, stop)
				i = j
				continue
			}
		}
		sites = append(sites, c.site(want, live, vaddr, addr, start, stop))
		i = j
	}

	res.Sites = append(res.Sites, sites...)
	return nil
}

// site builds a PatchSite for [start, stop) relative to the range start.
func (c *Comparator) site(want, live []byte, vaddr, addr, start, stop uint64) PatchSite {
	p := PatchSite{
		Vaddr:    vaddr + start,
		Address:  addr + start,
		Original: make([]byte, 0, stop-start),
		Observed: make([]byte, 0, stop-start),
	}
	c.extend(&p, want, live, vaddr, start, stop)
	return p
}

// extend appends bytes [from, stop) to p.
func (c *Comparator) extend(p *PatchSite, want, live []byte, vaddr, from, stop uint64) {
	for k := from; k < stop; k++ {
		b := want[k]
		if c.allow.Contains(vaddr + k) {
			b = live[k]
		}
		p.Original = append(p.Original, b)
		p.Observed = append(p.Observed, live[k])
	}
}
