// Package art reads the managed runtime's internal tables from raw memory:
// the JNI global reference table, class objects, their method and field
// arrays, and the dex files that name them. It finds methods whose entry
// points were redirected and computes the value that undoes each redirect.
package art

import (
	"fmt"
	"sort"
	"strconv"

	goversion "github.com/hashicorp/go-version"

	hgerrors "github.com/hookguard/hookguard/internal/errors"
	"github.com/hookguard/hookguard/internal/memory"
)

// Offsets are the field positions the walker depends on. Object fields are
// relative to the object start; references inside objects are 32-bit.
type Offsets struct {
	// mirror::Class
	ClassDexCache    uint64 `yaml:"class_dex_cache"`
	ClassDexTypeIdx  uint64 `yaml:"class_dex_type_idx"`
	ClassIfTable     uint64 `yaml:"class_iftable"`
	ClassSuperClass  uint64 `yaml:"class_super_class"`
	ClassIFields     uint64 `yaml:"class_ifields"`
	ClassMethods     uint64 `yaml:"class_methods"`
	ClassStaticField uint64 `yaml:"class_sfields"`

	// mirror::Array
	ArrayLength uint64 `yaml:"array_length"`
	ArrayData   uint64 `yaml:"array_data"`

	// mirror::DexCache and the native art::DexFile it points to.
	DexCacheDexFile uint64 `yaml:"dex_cache_dex_file"`
	DexFileBegin    uint64 `yaml:"dex_file_begin"`

	// java.lang.reflect.Executable
	ExecutableArtMethod      uint64 `yaml:"executable_art_method"`
	ExecutableDeclaringClass uint64 `yaml:"executable_declaring_class"`

	// art::ArtMethod. A zero size is measured from a live methods array;
	// ArtMethodDefaultSize is used when no array allows the measurement.
	ArtMethodSize         uint64 `yaml:"art_method_size"`
	ArtMethodDefaultSize  uint64 `yaml:"art_method_default_size"`
	ArtMethodAccessFlags  uint64 `yaml:"art_method_access_flags"`
	ArtMethodDexMethodIdx uint64 `yaml:"art_method_dex_method_idx"`
	ArtFieldSize          uint64 `yaml:"art_field_size"`
	ArtFieldAccessFlags   uint64 `yaml:"art_field_access_flags"`
	ArtFieldDexFieldIdx   uint64 `yaml:"art_field_dex_field_idx"`
	ArtFieldOffset        uint64 `yaml:"art_field_offset"`
	RefTableMaxScanWords  uint64 `yaml:"ref_table_max_scan_words"`
	// RuntimeJavaVM is the position of the JavaVM pointer inside
	// art::Runtime. Zero means it is located by the JavaVM's back pointer
	// within the first RuntimeMaxScanWords words.
	RuntimeJavaVM          uint64 `yaml:"runtime_java_vm"`
	RuntimeMaxScanWords    uint64 `yaml:"runtime_max_scan_words"`
	LengthPrefixedFieldHdr uint64 `yaml:"length_prefixed_field_header"`
}

// RefFormat describes the entries of an indirect reference table.
type RefFormat struct {
	Name      string
	EntrySize int
	// Decode returns the object reference held by one entry, 0 if empty.
	Decode func(entry []byte) uint32
}

// serialRefs is {serial, references[3]}; the live slot is serial mod 3.
var serialRefs = RefFormat{
	Name:      "serial+3",
	EntrySize: 16,
	Decode: func(e []byte) uint32 {
		serial := memory.Order.Uint32(e)
		return memory.Order.Uint32(e[4+4*(serial%3):])
	},
}

// compactRefs is {serial, reference}.
var compactRefs = RefFormat{
	Name:      "serial+1",
	EntrySize: 8,
	Decode: func(e []byte) uint32 {
		return memory.Order.Uint32(e[4:])
	},
}

// Layout describes one runtime version range.
type Layout interface {
	// Name identifies the layout in logs.
	Name() string
	// Constraint is the API level range the layout supports, in
	// hashicorp/go-version constraint syntax.
	Constraint() string
	// Offsets returns the field positions for arch.
	Offsets(arch memory.Arch) Offsets
	// RefFormat returns the indirect reference table entry format.
	RefFormat() RefFormat
}

// mirrorOffsets are the object field positions shared by every supported
// release. Reference fields come first in a mirror class, then 64-bit, then
// 32-bit fields, each group sorted by name.
func mirrorOffsets(arch memory.Arch) Offsets {
	ptr := uint64(arch.PtrSize())
	return Offsets{
		ClassDexCache:            16,
		ClassDexTypeIdx:          84,
		ClassIfTable:             24,
		ClassSuperClass:          32,
		ClassIFields:             40,
		ClassMethods:             48,
		ClassStaticField:         56,
		ArrayLength:              8,
		ArrayData:                12,
		DexCacheDexFile:          16,
		DexFileBegin:             ptr,
		ExecutableArtMethod:      24,
		ExecutableDeclaringClass: 12,
		ArtMethodAccessFlags:     4,
		ArtFieldSize:             16,
		ArtFieldAccessFlags:      4,
		ArtFieldDexFieldIdx:      8,
		ArtFieldOffset:           12,
		RefTableMaxScanWords:     256,
		RuntimeMaxScanWords:      512,
		LengthPrefixedFieldHdr:   4,
	}
}

// methodSize is the ArtMethod size for fixed bytes of 32-bit fields followed
// by ptrs pointer-sized fields.
func methodSize(arch memory.Arch, fixed, ptrs uint64) uint64 {
	ptr := uint64(arch.PtrSize())
	return (fixed+ptr-1)/ptr*ptr + ptrs*ptr
}

// oreo covers Android 8.0 and 8.1. ArtMethod still carries
// dex_code_item_offset_ and the resolved methods cache pointer.
type oreo struct{}

func (oreo) Name() string         { return "art-26" }
func (oreo) Constraint() string   { return ">= 26, < 28" }
func (oreo) RefFormat() RefFormat { return serialRefs }

func (oreo) Offsets(arch memory.Arch) Offsets {
	o := mirrorOffsets(arch)
	o.ArtMethodDefaultSize = methodSize(arch, 20, 3)
	o.ArtMethodDexMethodIdx = 12
	return o
}

// pie covers Android 9 through 11, where the resolved methods cache pointer
// is gone.
type pie struct{}

func (pie) Name() string         { return "art-28" }
func (pie) Constraint() string   { return ">= 28, < 31" }
func (pie) RefFormat() RefFormat { return serialRefs }

func (pie) Offsets(arch memory.Arch) Offsets {
	o := mirrorOffsets(arch)
	o.ArtMethodDefaultSize = methodSize(arch, 20, 2)
	o.ArtMethodDexMethodIdx = 12
	return o
}

// snow covers Android 12 and 13. dex_code_item_offset_ moved out of
// ArtMethod; reference tables still keep three slots per entry for
// stale-reference detection.
type snow struct{}

func (snow) Name() string         { return "art-31" }
func (snow) Constraint() string   { return ">= 31, < 34" }
func (snow) RefFormat() RefFormat { return serialRefs }

func (snow) Offsets(arch memory.Arch) Offsets {
	o := mirrorOffsets(arch)
	o.ArtMethodDefaultSize = methodSize(arch, 16, 2)
	o.ArtMethodDexMethodIdx = 8
	return o
}

// upsideDown covers Android 14 onwards, with single-slot table entries.
type upsideDown struct{}

func (upsideDown) Name() string         { return "art-34" }
func (upsideDown) Constraint() string   { return ">= 34" }
func (upsideDown) RefFormat() RefFormat { return compactRefs }

func (upsideDown) Offsets(arch memory.Arch) Offsets {
	o := mirrorOffsets(arch)
	o.ArtMethodDefaultSize = methodSize(arch, 16, 2)
	o.ArtMethodDexMethodIdx = 8
	return o
}

var layouts = []Layout{oreo{}, pie{}, snow{}, upsideDown{}}

// Layouts returns every built-in layout.
func Layouts() []Layout {
	out := make([]Layout, len(layouts))
	copy(out, layouts)
	return out
}

// Select returns the layout whose constraint admits api.
func Select(api int) (Layout, error) {
	v, err := goversion.NewVersion(strconv.Itoa(api))
	if err != nil {
		return nil, fmt.Errorf("invalid api level %d: %w", api, err)
	}
	for _, l := range layouts {
		c, err := goversion.NewConstraint(l.Constraint())
		if err != nil {
			return nil, fmt.Errorf("layout %s: %w", l.Name(), err)
		}
		if c.Check(v) {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: api level %d", hgerrors.ErrLayoutUnsupported, api)
}

// overridden replaces individual offsets of a base layout.
type overridden struct {
	Layout
	fields map[string]uint64
}

func (o overridden) Name() string { return o.Layout.Name() + "+overrides" }

func (o overridden) Offsets(arch memory.Arch) Offsets {
	off := o.Layout.Offsets(arch)
	for name, v := range o.fields {
		*offsetField(&off, name) = v
	}
	return off
}

// WithOverrides returns l with the named offsets replaced. Names are the
// YAML keys of Offsets.
func WithOverrides(l Layout, fields map[string]uint64) (Layout, error) {
	if len(fields) == 0 {
		return l, nil
	}
	var known Offsets
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if offsetField(&known, name) == nil {
			return nil, fmt.Errorf("unknown layout field %q", name)
		}
	}
	return overridden{Layout: l, fields: fields}, nil
}

func offsetField(o *Offsets, name string) *uint64 {
	switch name {
	case "class_dex_cache":
		return &o.ClassDexCache
	case "class_dex_type_idx":
		return &o.ClassDexTypeIdx
	case "class_iftable":
		return &o.ClassIfTable
	case "class_super_class":
		return &o.ClassSuperClass
	case "class_ifields":
		return &o.ClassIFields
	case "class_methods":
		return &o.ClassMethods
	case "class_sfields":
		return &o.ClassStaticField
	case "array_length":
		return &o.ArrayLength
	case "array_data":
		return &o.ArrayData
	case "dex_cache_dex_file":
		return &o.DexCacheDexFile
	case "dex_file_begin":
		return &o.DexFileBegin
	case "executable_art_method":
		return &o.ExecutableArtMethod
	case "executable_declaring_class":
		return &o.ExecutableDeclaringClass
	case "art_method_size":
		return &o.ArtMethodSize
	case "art_method_default_size":
		return &o.ArtMethodDefaultSize
	case "art_method_access_flags":
		return &o.ArtMethodAccessFlags
	case "art_method_dex_method_idx":
		return &o.ArtMethodDexMethodIdx
	case "art_field_size":
		return &o.ArtFieldSize
	case "art_field_access_flags":
		return &o.ArtFieldAccessFlags
	case "art_field_dex_field_idx":
		return &o.ArtFieldDexFieldIdx
	case "art_field_offset":
		return &o.ArtFieldOffset
	case "ref_table_max_scan_words":
		return &o.RefTableMaxScanWords
	case "runtime_java_vm":
		return &o.RuntimeJavaVM
	case "runtime_max_scan_words":
		return &o.RuntimeMaxScanWords
	case "length_prefixed_field_header":
		return &o.LengthPrefixedFieldHdr
	}
	return nil
}
