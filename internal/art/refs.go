package art

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	hgerrors "github.com/hookguard/hookguard/internal/errors"
	"github.com/hookguard/hookguard/internal/mapscan"
	"github.com/hookguard/hookguard/internal/memory"
)

const (
	// globalKind is IndirectRefKind::kGlobal.
	globalKind = 2
	// maxRefCount bounds table sizes read from foreign memory.
	maxRefCount = 1_000_000
	// refChunk is how many entries one read covers.
	refChunk = 4096
)

// RefTable is the location of an indirect reference table.
type RefTable struct {
	Addr uint64
	// Count is the number of entries to visit.
	Count uint64
	// Source records how the table was found.
	Source string
}

// IsRefTableRegion reports whether r backs an indirect reference table.
func IsRefTableRegion(r mapscan.Region) bool {
	return strings.HasPrefix(r.Path, "[anon:dalvik-") && strings.Contains(r.Path, "ref table")
}

// readWords reads up to n pointer-sized words at addr. The read may run
// past the end of a mapping; it shrinks until it succeeds or fewer than least
// words remain.
func readWords(as memory.AddressSpace, addr uint64, n, least int) ([]uint64, bool) {
	ptr := as.Arch().PtrSize()
	buf := make([]byte, n*ptr)
	for len(buf) >= least*ptr {
		if err := as.ReadAt(buf, addr); err == nil {
			break
		}
		buf = buf[:len(buf)-ptr]
	}
	if len(buf) < least*ptr {
		return nil, false
	}
	words := make([]uint64, len(buf)/ptr)
	for i := range words {
		words[i] = readPtr(as.Arch(), buf[i*ptr:])
	}
	return words, true
}

// FindGlobalRefTable locates the JNI global reference table from the JavaVM
// instance. The JavaVMExt object starts with its function table, followed at
// some version dependent position by the globals table: a table pointer into
// a reference table mapping, the kind, and two bounded counters.
func FindGlobalRefTable(as memory.AddressSpace, regions []mapscan.Region, javaVM uint64, off Offsets) (RefTable, error) {
	if javaVM == 0 {
		return RefTable{}, fmt.Errorf("%w: no JavaVM address", hgerrors.ErrRegistryNotFound)
	}
	ptr := uint64(as.Arch().PtrSize())
	word, ok := readWords(as, javaVM+ptr, int(off.RefTableMaxScanWords)+4, 4)
	if !ok {
		return RefTable{}, fmt.Errorf("%w: JavaVM at 0x%x is unreadable", hgerrors.ErrRegistryNotFound, javaVM)
	}

	for i := 0; i+3 < len(word); i++ {
		if word[i+1] != globalKind || word[i+2] > maxRefCount || word[i+3] > maxRefCount {
			continue
		}
		table := word[i]
		r, ok := mapscan.Find(regions, table)
		if !ok || !IsRefTableRegion(r) {
			continue
		}
		return RefTable{Addr: table, Count: word[i+2], Source: "java-vm"}, nil
	}
	return RefTable{}, fmt.Errorf("%w: no global table in JavaVM at 0x%x", hgerrors.ErrRegistryNotFound, javaVM)
}

// RuntimeInstanceSymbol is the static holding the art::Runtime singleton.
const RuntimeInstanceSymbol = "_ZN3art7Runtime9instance_E"

// JavaVMFromRuntime follows art::Runtime::instance_, found at instanceAddr,
// to the runtime's JavaVM. Without a RuntimeJavaVM offset the runtime is
// scanned for a pointer to an object whose runtime_ field, right after the
// JNIInvokeInterface table, points back at the runtime.
func JavaVMFromRuntime(as memory.AddressSpace, instanceAddr uint64, off Offsets) (uint64, error) {
	runtime, err := memory.ReadPtr(as, instanceAddr)
	if err != nil {
		return 0, fmt.Errorf("failed to read Runtime::instance_: %w", err)
	}
	if runtime == 0 {
		return 0, fmt.Errorf("%w: runtime not started", hgerrors.ErrRegistryNotFound)
	}
	if off.RuntimeJavaVM != 0 {
		vm, err := memory.ReadPtr(as, runtime+off.RuntimeJavaVM)
		if err != nil {
			return 0, fmt.Errorf("failed to read Runtime::java_vm_: %w", err)
		}
		return vm, nil
	}

	words, ok := readWords(as, runtime, int(off.RuntimeMaxScanWords), 1)
	if !ok {
		return 0, fmt.Errorf("%w: Runtime at 0x%x is unreadable", hgerrors.ErrRegistryNotFound, runtime)
	}
	ptr := uint64(as.Arch().PtrSize())
	for _, w := range words {
		if w == 0 || w == runtime {
			continue
		}
		if back, err := memory.ReadPtr(as, w+ptr); err == nil && back == runtime {
			return w, nil
		}
	}
	return 0, fmt.Errorf("%w: no JavaVM in the first %d words of Runtime at 0x%x",
		hgerrors.ErrRegistryNotFound, len(words), runtime)
}

// Tables resolves the reference tables to visit, most precise source first:
// an explicit table, the globals table of the JavaVM, then every reference
// table mapping.
func Tables(as memory.AddressSpace, layout Layout, regions []mapscan.Region, handles Handles, logger zerolog.Logger) ([]RefTable, error) {
	format := layout.RefFormat()
	if handles.GlobalRefs != 0 {
		count := handles.GlobalRefCount
		if count == 0 {
			if r, ok := mapscan.Find(regions, handles.GlobalRefs); ok {
				count = (r.End - handles.GlobalRefs) / uint64(format.EntrySize)
			}
		}
		return []RefTable{{Addr: handles.GlobalRefs, Count: count, Source: "explicit"}}, nil
	}
	if handles.JavaVM != 0 {
		t, err := FindGlobalRefTable(as, regions, handles.JavaVM, layout.Offsets(as.Arch()))
		if err == nil {
			logger.Debug().
				Str("table", fmt.Sprintf("0x%x", t.Addr)).
				Uint64("count", t.Count).
				Msg("Found global reference table")
			return []RefTable{t}, nil
		}
		logger.Warn().Err(err).Msg("Global reference table not found from JavaVM, scanning every table")
	}
	tables := RefTableRegions(regions, format)
	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: no reference table mappings", hgerrors.ErrRegistryNotFound)
	}
	return tables, nil
}

// CollectRefs visits tables and returns their distinct references in table
// order, along with the tables that could be read.
func CollectRefs(as memory.AddressSpace, layout Layout, tables []RefTable, logger zerolog.Logger) ([]uint32, []RefTable) {
	var refs []uint32
	var readable []RefTable
	seen := make(map[uint32]bool)
	for _, t := range tables {
		err := VisitRefs(as, t, layout.RefFormat(), logger, func(ref uint32) {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		})
		if err != nil {
			logger.Debug().Err(err).Str("source", t.Source).Msg("Skipping reference table")
			continue
		}
		readable = append(readable, t)
	}
	return refs, readable
}

// RefTableRegions returns one RefTable per reference table mapping. It is
// used when the JavaVM is unknown: visiting every table is a superset of the
// globals.
func RefTableRegions(regions []mapscan.Region, format RefFormat) []RefTable {
	var out []RefTable
	for _, r := range regions {
		if !IsRefTableRegion(r) || !r.Readable() {
			continue
		}
		out = append(out, RefTable{
			Addr:   r.Start,
			Count:  min(r.Size()/uint64(format.EntrySize), maxRefCount),
			Source: "region " + r.Path,
		})
	}
	return out
}

// VisitRefs decodes every non-null reference in t, in table order. An
// unreadable chunk ends the visit; entries before it are kept.
func VisitRefs(as memory.AddressSpace, t RefTable, format RefFormat, logger zerolog.Logger, fn func(ref uint32)) error {
	size := uint64(format.EntrySize)
	count := min(t.Count, maxRefCount)
	buf := make([]byte, refChunk*size)

	for first := uint64(0); first < count; first += refChunk {
		n := min(refChunk, count-first)
		chunk := buf[:n*size]
		if err := as.ReadAt(chunk, t.Addr+first*size); err != nil {
			logger.Debug().
				Err(err).
				Str("table", fmt.Sprintf("0x%x", t.Addr)).
				Uint64("entry", first).
				Msg("Reference table read stopped early")
			if first == 0 {
				return fmt.Errorf("%w: table at 0x%x unreadable: %w", hgerrors.ErrRegistryNotFound, t.Addr, err)
			}
			return nil
		}
		for i := uint64(0); i < n; i++ {
			if ref := format.Decode(chunk[i*size : (i+1)*size]); ref != 0 {
				fn(ref)
			}
		}
	}
	return nil
}
