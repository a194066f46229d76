// Package callbacks empties the callback registries of a hooking framework:
// the static collections in which the legacy Xposed bridge keeps module
// callbacks, and the key sets in which implementations of the modern
// XposedInterface keep loaded modules. Every element is recorded as
// "ClassName@hex" before the collection is unlinked from it.
package callbacks

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hookguard/hookguard/internal/art"
	hgerrors "github.com/hookguard/hookguard/internal/errors"
	"github.com/hookguard/hookguard/internal/mapscan"
	"github.com/hookguard/hookguard/internal/memory"
	"github.com/hookguard/hookguard/internal/patcher"
)

const (
	// legacyClass is the simple name of the class whose static
	// collections hold legacy callbacks.
	legacyClass = "XposedBridge"
	// modernInterface is the simple name of the interface implemented by
	// classes whose static key sets hold modern modules.
	modernInterface = "XposedInterface"
	modernStore     = "java.util.concurrent.ConcurrentHashMap$KeySetView"

	// maxElements bounds the elements read from one registry, maxChain one
	// hash bucket.
	maxElements = 4096
	maxChain    = 1024
	// maxClasses bounds the classes inspected for registries.
	maxClasses = 1 << 16
)

// Kind is the API family a registry belongs to.
type Kind string

const (
	KindLegacy Kind = "legacy"
	KindModern Kind = "modern"
)

// store is how a collection class keeps its elements. Via names the field
// leading to the object that owns the storage; Array is its element array
// or hash table. Size is an int count and Count a long count, zeroed before
// elements are unlinked. Key and Next walk the nodes of a hash table.
type store struct {
	Via   string
	Array string
	Size  string
	Count string
	Key   string
	Next  string
}

// stores lists the collection types registries are built from.
var stores = map[string]store{
	"java.util.ArrayList":                        {Array: "elementData", Size: "size"},
	"java.util.concurrent.CopyOnWriteArrayList":  {Array: "array"},
	"java.util.concurrent.CopyOnWriteArraySet":   {Via: "al", Array: "array"},
	"java.util.HashSet":                          {Via: "map", Array: "table", Size: "size", Key: "key", Next: "next"},
	modernStore:                                  {Via: "map", Array: "table", Count: "baseCount", Key: "key", Next: "next"},
	"java.util.concurrent.ConcurrentSkipListSet": {},
}

// Framework maps a class name prefix to the framework that owns it.
type Framework struct {
	Prefix string `yaml:"prefix"`
	Name   string `yaml:"name"`
}

// DefaultFrameworks lists known frameworks, most specific prefix first.
func DefaultFrameworks() []Framework {
	return []Framework{
		{Prefix: "org.lsposed.lspatch.", Name: "LSPatch"},
		{Prefix: "com.elderdrivers.riru.edxp.", Name: "EdXposed"},
		{Prefix: "org.lsposed.lspd.", Name: "LSPosed"},
		{Prefix: "io.github.libxposed.", Name: "LSPosed"},
		{Prefix: "de.robv.android.xposed.", Name: "Xposed"},
	}
}

// Entry is one registered callback.
type Entry struct {
	// ID is "ClassName@hex", the callback's class and reference. Legacy
	// wrappers are named after the callback they wrap.
	ID string
	// Slot is the array element or hash bucket linking the callback into
	// its registry. Entries of one bucket share it.
	Slot uint64
	Ref  uint32
	// Owner is the class declaring the registry, Field its static field.
	Owner string
	Field string
	Kind  Kind
}

type counter struct {
	name  string
	addr  uint64
	width int
}

// Registry is one static collection of callbacks.
type Registry struct {
	Kind       Kind
	Owner      string
	Field      string
	Collection uint32
	// Type is the collection's class name.
	Type    string
	Entries []Entry

	counters []counter
}

func (r *Registry) label() string { return r.Owner + "." + r.Field }

// Found is the outcome of Find.
type Found struct {
	Registries []*Registry
	// Entries are the callbacks of every registry, in registry order.
	Entries []Entry
	// Framework is named by the most specific prefix matching a class seen
	// on the way or a callback, empty when none does.
	Framework string
}

// Failure is a callback that could not be unlinked.
type Failure struct {
	Entry Entry
	Err   error
}

// Result is the outcome of Clear.
type Result struct {
	Cleared []Entry
	Failed  []Failure
}

// IDs returns the identifiers of the cleared callbacks.
func (r Result) IDs() []string {
	ids := make([]string, len(r.Cleared))
	for i, e := range r.Cleared {
		ids[i] = e.ID
	}
	return ids
}

// Cleaner finds and clears callback registries.
type Cleaner struct {
	as         memory.AddressSpace
	layout     art.Layout
	reader     *art.Reader
	frameworks []Framework
	logger     zerolog.Logger
}

// New creates a cleaner. A nil frameworks list uses DefaultFrameworks.
func New(as memory.AddressSpace, layout art.Layout, frameworks []Framework, logger zerolog.Logger) *Cleaner {
	if frameworks == nil {
		frameworks = DefaultFrameworks()
	}
	return &Cleaner{
		as:         as,
		layout:     layout,
		reader:     art.NewReader(as, layout),
		frameworks: frameworks,
		logger:     logger.With().Str("component", "callbacks").Str("layout", layout.Name()).Logger(),
	}
}

// Find locates the registries of every class reachable from the reference
// tables: classes held or instantiated by a reference, their superclasses,
// the classes of the objects their static fields hold, and extra, the
// hooker classes of a method walk when one succeeded.
func (c *Cleaner) Find(regions []mapscan.Region, handles art.Handles, extra []uint32) (Found, error) {
	tables, err := art.Tables(c.as, c.layout, regions, handles, c.logger)
	if err != nil {
		return Found{}, err
	}
	refs, readable := art.CollectRefs(c.as, c.layout, tables, c.logger)
	if len(readable) == 0 {
		return Found{}, fmt.Errorf("%w: no readable reference table", hgerrors.ErrRegistryNotFound)
	}
	roots, err := c.reader.Classes(refs)
	if err != nil {
		return Found{}, err
	}
	classes := c.reachable(append(roots, extra...))

	var found Found
	var names []string
	seen := make(map[uint32]bool)
	for _, class := range classes {
		name := c.reader.ClassName(class)
		names = append(names, name)

		var kind Kind
		switch {
		case simpleName(name) == legacyClass:
			kind = KindLegacy
		case c.implements(class, modernInterface):
			kind = KindModern
		default:
			continue
		}
		for _, reg := range c.registries(class, name, kind, seen) {
			found.Registries = append(found.Registries, reg)
			found.Entries = append(found.Entries, reg.Entries...)
			for _, e := range reg.Entries {
				names = append(names, e.ID)
			}
		}
	}
	found.Framework = c.framework(names)

	c.logger.Debug().
		Int("refs", len(refs)).
		Int("classes", len(classes)).
		Int("registries", len(found.Registries)).
		Int("callbacks", len(found.Entries)).
		Str("framework", found.Framework).
		Msg("Located callback registries")
	return found, nil
}

// reachable extends roots with their superclasses and with the classes of
// the objects their static fields hold, one level deep.
func (c *Cleaner) reachable(roots []uint32) []uint32 {
	var out []uint32
	seen := make(map[uint32]bool)
	add := func(class uint32) {
		for _, k := range c.reader.Supers(class) {
			if seen[k] || len(out) >= maxClasses {
				return
			}
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, class := range roots {
		add(class)
	}
	for _, class := range append([]uint32(nil), out...) {
		for _, obj := range c.staticObjects(class) {
			if k, err := c.reader.Class(obj); err == nil {
				add(k)
			}
		}
	}
	return out
}

type static struct {
	field art.Field
	ref   uint32
}

// statics returns the static fields of class holding an object.
func (c *Cleaner) statics(class uint32) []static {
	fields, err := c.reader.StaticFields(class)
	if err != nil {
		return nil
	}
	var out []static
	for _, f := range fields {
		if f.Type != "" && !f.Reference() {
			continue
		}
		ref, err := memory.ReadU32(c.as, f.Slot)
		if err != nil || !c.reader.IsObject(ref) {
			continue
		}
		out = append(out, static{field: f, ref: ref})
	}
	return out
}

func (c *Cleaner) staticObjects(class uint32) []uint32 {
	var out []uint32
	for _, s := range c.statics(class) {
		out = append(out, s.ref)
	}
	return out
}

// implements reports whether class implements an interface with the given
// simple name.
func (c *Cleaner) implements(class uint32, iface string) bool {
	ifaces, err := c.reader.Interfaces(class)
	if err != nil {
		return false
	}
	for _, i := range ifaces {
		if simpleName(c.reader.ClassName(i)) == iface {
			return true
		}
	}
	return false
}

// collectionType returns the store of obj's class or of its nearest
// superclass that has one.
func (c *Cleaner) collectionType(obj uint32) (string, store, bool) {
	k, err := c.reader.Class(obj)
	if err != nil {
		return "", store{}, false
	}
	for _, class := range c.reader.Supers(k) {
		name := c.reader.ClassName(class)
		if s, ok := stores[name]; ok {
			return name, s, true
		}
	}
	return "", store{}, false
}

// registries reads the collections held by the static fields of class.
// Legacy registries are any known collection; modern ones are key sets.
func (c *Cleaner) registries(class uint32, owner string, kind Kind, seen map[uint32]bool) []*Registry {
	var out []*Registry
	for _, s := range c.statics(class) {
		if seen[s.ref] {
			continue
		}
		typ, st, ok := c.collectionType(s.ref)
		if !ok || (kind == KindModern && typ != modernStore) {
			continue
		}
		seen[s.ref] = true
		reg := &Registry{
			Kind:       kind,
			Owner:      owner,
			Field:      s.field.Name,
			Collection: s.ref,
			Type:       typ,
		}
		if st.Array == "" {
			c.logger.Warn().Str("registry", reg.label()).Str("type", typ).Msg("Unsupported collection type")
			continue
		}
		if err := c.read(reg, st); err != nil {
			c.logger.Warn().Err(err).Str("registry", reg.label()).Msg("Unreadable callback registry")
			continue
		}
		out = append(out, reg)
	}
	return out
}

// field returns the value and slot of the instance field name of obj.
func (c *Cleaner) field(obj uint32, name string) (uint32, art.Field, error) {
	f, ok := c.reader.FieldOf(obj, name)
	if !ok {
		return 0, art.Field{}, fmt.Errorf("no field %s in object 0x%x", name, obj)
	}
	v, err := memory.ReadU32(c.as, f.Slot)
	return v, f, err
}

// read fills reg's entries and counters from the storage st describes.
func (c *Cleaner) read(reg *Registry, st store) error {
	obj := reg.Collection
	if st.Via != "" {
		v, _, err := c.field(obj, st.Via)
		if err != nil {
			return err
		}
		if v == 0 {
			return nil
		}
		obj = v
	}
	arr, _, err := c.field(obj, st.Array)
	if err != nil {
		return err
	}
	if arr == 0 {
		return nil
	}
	elems, base, err := c.reader.ObjectArray(arr)
	if err != nil {
		return err
	}

	n := len(elems)
	if st.Size != "" {
		size, f, err := c.field(obj, st.Size)
		if err != nil {
			return err
		}
		reg.counters = append(reg.counters, counter{name: st.Size, addr: f.Slot, width: 4})
		if st.Key == "" {
			n = min(n, int(size))
		}
	}
	if st.Count != "" {
		f, ok := c.reader.FieldOf(obj, st.Count)
		if !ok {
			return fmt.Errorf("no field %s in object 0x%x", st.Count, obj)
		}
		reg.counters = append(reg.counters, counter{name: st.Count, addr: f.Slot, width: 8})
	}

	add := func(slot uint64, ref uint32) {
		if len(reg.Entries) >= maxElements {
			return
		}
		reg.Entries = append(reg.Entries, Entry{
			ID:    c.identify(ref, reg.Kind == KindLegacy),
			Slot:  slot,
			Ref:   ref,
			Owner: reg.Owner,
			Field: reg.Field,
			Kind:  reg.Kind,
		})
	}
	for i := 0; i < n; i++ {
		slot := base + 4*uint64(i)
		if st.Key == "" {
			if elems[i] != 0 {
				add(slot, elems[i])
			}
			continue
		}
		node := elems[i]
		for steps := 0; node != 0 && steps < maxChain; steps++ {
			// Nodes without a key are resize markers; their next is unset.
			if key, _, err := c.field(node, st.Key); err == nil && key != 0 {
				add(slot, key)
			}
			next, _, err := c.field(node, st.Next)
			if err != nil {
				break
			}
			node = next
		}
	}
	return nil
}

// identify names obj. A legacy wrapper is named after its first non-null
// declared reference field, the callback it wraps.
func (c *Cleaner) identify(obj uint32, unwrap bool) string {
	if unwrap {
		if inner := c.wrapped(obj); inner != 0 {
			obj = inner
		}
	}
	return fmt.Sprintf("%s@%x", c.className(obj), obj)
}

func (c *Cleaner) wrapped(obj uint32) uint32 {
	k, err := c.reader.Class(obj)
	if err != nil {
		return 0
	}
	fields, err := c.reader.InstanceFields(k)
	if err != nil {
		return 0
	}
	for _, f := range fields {
		if f.Type != "" && !f.Reference() {
			continue
		}
		v, err := memory.ReadU32(c.as, f.At(obj).Slot)
		if err == nil && c.reader.IsObject(v) {
			return v
		}
	}
	return 0
}

func (c *Cleaner) className(ref uint32) string {
	k, err := c.reader.Class(ref)
	if err != nil {
		return "object"
	}
	return c.reader.ClassName(k)
}

// simpleName is the class name without its package and enclosing classes.
func simpleName(name string) string {
	name = name[strings.LastIndexByte(name, '.')+1:]
	return name[strings.LastIndexByte(name, '$')+1:]
}

// framework returns the name of the most specific framework matching any
// of names.
func (c *Cleaner) framework(names []string) string {
	best := -1
	for _, n := range names {
		for i, f := range c.frameworks {
			if (best < 0 || i < best) && strings.HasPrefix(n, f.Prefix) {
				best = i
			}
		}
	}
	if best < 0 {
		return ""
	}
	return c.frameworks[best].Name
}

// Clear empties every registry. Counters go first, so a registry whose
// count cannot be zeroed keeps its elements; then every slot linking a
// callback is nulled and verified. A failed registry or slot does not
// prevent the others from being cleared.
func (c *Cleaner) Clear(ctx context.Context, p *patcher.Patcher, registries []*Registry) Result {
	var writes []patcher.Write
	var owner []int
	for i, reg := range registries {
		for _, ct := range reg.counters {
			writes = append(writes, patcher.Write{
				Label:   reg.label() + "." + ct.name,
				Address: ct.addr,
				Want:    make([]byte, ct.width),
			})
			owner = append(owner, i)
		}
	}
	blocked := make(map[int]error)
	outcomes, _ := p.Apply(ctx, writes)
	for k, o := range outcomes {
		if !o.Verified() && blocked[owner[k]] == nil {
			blocked[owner[k]] = o.Err
		}
	}

	var res Result
	writes = nil
	slotWrite := make(map[uint64]int)
	var pending []Entry
	for i, reg := range registries {
		if err := blocked[i]; err != nil {
			c.logger.Warn().Err(err).Str("registry", reg.label()).Msg("Failed to reset registry count")
			for _, e := range reg.Entries {
				res.Failed = append(res.Failed, Failure{Entry: e, Err: err})
			}
			continue
		}
		for _, e := range reg.Entries {
			pending = append(pending, e)
			if _, ok := slotWrite[e.Slot]; ok {
				continue
			}
			slotWrite[e.Slot] = len(writes)
			writes = append(writes, patcher.Write{
				Label:   reg.label(),
				Address: e.Slot,
				Want:    make([]byte, 4),
			})
		}
	}
	outcomes, _ = p.Apply(ctx, writes)
	for _, e := range pending {
		k := slotWrite[e.Slot]
		if k >= len(outcomes) || !outcomes[k].Verified() {
			err := fmt.Errorf("%w: slot 0x%x not written", hgerrors.ErrPatchFailed, e.Slot)
			if k < len(outcomes) && outcomes[k].Err != nil {
				err = outcomes[k].Err
			}
			res.Failed = append(res.Failed, Failure{Entry: e, Err: err})
			c.logger.Warn().Err(err).Str("callback", e.ID).Msg("Failed to clear callback")
			continue
		}
		res.Cleared = append(res.Cleared, e)
	}

	c.logger.Info().
		Int("registries", len(registries)).
		Strs("cleared", res.IDs()).
		Int("failed", len(res.Failed)).
		Msg("Cleared callback registries")
	return res
}
