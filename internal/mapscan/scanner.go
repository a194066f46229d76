// Package mapscan enumerates the mappings of the target address space and
// identifies the runtime library image and the runtime's own code regions.
package mapscan

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	hgerrors "github.com/hookguard/hookguard/internal/errors"
	"github.com/hookguard/hookguard/internal/memory"
	"github.com/hookguard/hookguard/internal/sys/proc"
)

// DefaultLibrary is the base name of the managed runtime library.
const DefaultLibrary = "libart.so"

// Region is one contiguous mapping.
type Region = proc.Mapping

// Scanner takes snapshots of the target's mappings.
type Scanner struct {
	source memory.Mapper
	logger zerolog.Logger
}

// New creates a scanner reading mappings from source.
func New(source memory.Mapper, logger zerolog.Logger) *Scanner {
	return &Scanner{
		source: source,
		logger: logger.With().Str("component", "mapscan").Logger(),
	}
}

// Scan returns the current mappings ordered by start address.
func (s *Scanner) Scan() ([]Region, error) {
	regions, err := s.source.Maps()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate mappings: %w", err)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
	s.logger.Debug().Int("regions", len(regions)).Msg("Scanned address space")
	return regions, nil
}

// Image is the set of mappings backed by one library file.
type Image struct {
	Path     string
	Mappings []Region
}

// Base returns the address at which file offset zero is mapped.
func (i *Image) Base() uint64 {
	for _, m := range i.Mappings {
		if m.Offset == 0 {
			return m.Start
		}
	}
	if len(i.Mappings) == 0 {
		return 0
	}
	return i.Mappings[0].Start - i.Mappings[0].Offset
}

// Executable returns the mappings of the image that are executable.
func (i *Image) Executable() []Region {
	var out []Region
	for _, m := range i.Mappings {
		if m.Executable() {
			out = append(out, m)
		}
	}
	return out
}

// FindLibrary returns the image whose file base name equals name. When the
// name resolves to several files the first one with an executable mapping
// wins. It fails with ErrRegionNotFound when nothing matches.
func FindLibrary(regions []Region, name string) (*Image, error) {
	byPath := make(map[string]*Image)
	var order []string

	for _, r := range regions {
		path := cleanPath(r.Path)
		if path == "" || filepath.Base(path) != name {
			continue
		}
		img, ok := byPath[path]
		if !ok {
			img = &Image{Path: path}
			byPath[path] = img
			order = append(order, path)
		}
		img.Mappings = append(img.Mappings, r)
	}

	for _, path := range order {
		if img := byPath[path]; len(img.Executable()) > 0 {
			return img, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", name, hgerrors.ErrRegionNotFound)
}

// cleanPath strips the kernel's " (deleted)" marker from file mappings.
func cleanPath(p string) string {
	return strings.TrimSuffix(p, " (deleted)")
}

// CodeSet is the set of executable regions owned by the managed runtime:
// the runtime library, ahead-of-time compiled images and JIT caches. A
// legitimate method entry point lies inside one of them.
type CodeSet struct {
	regions []Region
}

// CodeRegions selects the runtime code regions from a snapshot.
func CodeRegions(regions []Region, library string) *CodeSet {
	cs := &CodeSet{}
	for _, r := range regions {
		if r.Executable() && isRuntimeCode(r, library) {
			cs.regions = append(cs.regions, r)
		}
	}
	return cs
}

// Regions returns the selected regions.
func (c *CodeSet) Regions() []Region { return c.regions }

// Contains reports whether addr is inside a runtime code region.
func (c *CodeSet) Contains(addr uint64) bool {
	i := sort.Search(len(c.regions), func(i int) bool { return c.regions[i].End > addr })
	return i < len(c.regions) && c.regions[i].Contains(addr)
}

// Find returns the region containing addr.
func Find(regions []Region, addr uint64) (Region, bool) {
	i := sort.Search(len(regions), func(i int) bool { return regions[i].End > addr })
	if i < len(regions) && regions[i].Contains(addr) {
		return regions[i], true
	}
	return Region{}, false
}

var jitNames = []string{
	"[anon:dalvik-jit-code-cache]",
	"[anon:dalvik-zygote-jit-code-cache]",
	"/memfd:jit-cache",
	"/memfd:jit-zygote-cache",
	"/memfd:jit-cache (deleted)",
	"/memfd:jit-zygote-cache (deleted)",
}

func isRuntimeCode(r Region, library string) bool {
	path := cleanPath(r.Path)
	if path == "" {
		return false
	}
	for _, n := range jitNames {
		if r.Path == n {
			return true
		}
	}
	base := filepath.Base(path)
	if base == library {
		return true
	}
	switch filepath.Ext(base) {
	case ".oat", ".odex":
		return true
	}
	return false
}
