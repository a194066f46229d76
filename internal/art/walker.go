package art

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	hgerrors "github.com/hookguard/hookguard/internal/errors"
	"github.com/hookguard/hookguard/internal/mapscan"
	"github.com/hookguard/hookguard/internal/memory"
	"github.com/hookguard/hookguard/internal/patcher"
	"github.com/hookguard/hookguard/internal/trampoline"
)

// Executable mirror classes whose instances may be framework backups.
var executableDescriptors = map[string]bool{
	"Ljava/lang/reflect/Method;":      true,
	"Ljava/lang/reflect/Constructor;": true,
}

// Handles are runtime addresses supplied by the caller. Zero fields are
// discovered.
type Handles struct {
	// JavaVM is the JavaVMExt instance.
	JavaVM uint64
	// GlobalRefs is the global reference table; GlobalRefCount bounds it.
	GlobalRefs     uint64
	GlobalRefCount uint64
	// MethodClass is the java.lang.reflect.Method class object.
	MethodClass uint64
}

// Method is a method whose entry point was found redirected.
type Method struct {
	// Class is the declaring class in source form.
	Class string
	Name  string
	// Signature is "Lpkg/Cls;->name(params)ret".
	Signature string
	// Address is the ArtMethod; EntryField is its entry point field.
	Address    uint64
	EntryField uint64
	// Observed is the redirected entry point, Original the value that
	// undoes the redirect when Recoverable.
	Observed    uint64
	Original    uint64
	Recoverable bool
	// Hooker is the ArtMethod embedded in the trampoline, 0 if none.
	Hooker     uint64
	Trampoline string
	// Backup is the framework's copy of the original ArtMethod.
	Backup uint64
	// Synthetic is set when the backup's own entry point is a trampoline.
	Synthetic bool
	// Reason explains why the method is not recoverable.
	Reason string
}

// Identity is the key two detections of the same method share.
func (m *Method) Identity() string { return m.Class + "|" + m.Signature }

// Stats counts the walk.
type Stats struct {
	Tables  int `json:"tables"`
	Refs    int `json:"refs"`
	Classes int `json:"classes"`
	Methods int `json:"methods"`
	Skipped int `json:"skipped"`
	// Mismatched counts methods array elements whose declaring class is
	// not the class walked, a sign of a wrong ArtMethod size.
	Mismatched int    `json:"mismatched"`
	Backups    int    `json:"backups"`
	MethodSize uint64 `json:"method_size"`
	// Source names where the first readable reference table came from.
	Source string `json:"source"`
}

// Result is the outcome of a walk.
type Result struct {
	Layout string
	Stats  Stats
	// Hooked lists redirected methods in discovery order.
	Hooked []*Method
	// HookerClasses are the framework classes that own hooker methods or
	// backups, in discovery order.
	HookerClasses []uint32
}

// Walker finds redirected methods.
type Walker struct {
	as     memory.AddressSpace
	layout Layout
	off    Offsets
	codes  *mapscan.CodeSet
	table  *trampoline.Table
	logger zerolog.Logger
}

// NewWalker creates a walker. codes are the runtime's own code regions and
// table the known trampolines.
func NewWalker(as memory.AddressSpace, layout Layout, codes *mapscan.CodeSet, table *trampoline.Table, logger zerolog.Logger) *Walker {
	return &Walker{
		as:     as,
		layout: layout,
		off:    layout.Offsets(as.Arch()),
		codes:  codes,
		table:  table,
		logger: logger.With().Str("component", "art").Str("layout", layout.Name()).Logger(),
	}
}

type backupKey struct {
	class  uint32
	method uint32
}

// walk holds the state of one Walk call.
type walk struct {
	*Walker
	h   *heap
	res *Result

	classClass  uint32
	execClasses map[uint32]bool
	notExec     map[uint32]bool
	classes     []uint32
	seenClass   map[uint32]bool
	backups     map[backupKey]uint64
	hookerSeen  map[uint32]bool
	methodSize  uint64
}

// Walk enumerates global references, walks the classes they lead to and
// reports every redirected method.
func (w *Walker) Walk(ctx context.Context, regions []mapscan.Region, handles Handles) (*Result, error) {
	s := &walk{
		Walker:      w,
		h:           newHeap(w.as, w.off),
		res:         &Result{Layout: w.layout.Name()},
		execClasses: make(map[uint32]bool),
		notExec:     make(map[uint32]bool),
		seenClass:   make(map[uint32]bool),
		backups:     make(map[backupKey]uint64),
		hookerSeen:  make(map[uint32]bool),
		methodSize:  w.off.ArtMethodSize,
	}
	if handles.MethodClass != 0 {
		s.execClasses[uint32(handles.MethodClass)] = true
	}

	tables, err := Tables(w.as, w.layout, regions, handles, w.logger)
	if err != nil {
		return nil, err
	}
	refs, readable := CollectRefs(w.as, w.layout, tables, w.logger)
	if len(readable) == 0 {
		return nil, fmt.Errorf("%w: no readable reference table", hgerrors.ErrRegistryNotFound)
	}
	s.res.Stats.Tables = len(readable)
	s.res.Stats.Source = readable[0].Source
	s.res.Stats.Refs = len(refs)

	for _, ref := range refs {
		if cc, ok := s.h.classClass(ref); ok {
			s.classClass = cc
			break
		}
	}
	if s.classClass == 0 {
		return nil, fmt.Errorf("%w: java.lang.Class not reachable from %d references",
			hgerrors.ErrRegistryNotFound, len(refs))
	}
	w.logger.Debug().Str("class_class", fmt.Sprintf("0x%x", s.classClass)).Msg("Found java.lang.Class")
	for _, ref := range refs {
		s.classify(ref)
	}

	// Classes with a single method cannot be measured for the ArtMethod
	// size; they wait until another class has provided it.
	var pending []uint32
	for _, c := range s.classes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.walkClass(c) {
			pending = append(pending, c)
		}
	}
	if len(pending) > 0 && s.methodSize == 0 {
		s.methodSize = w.off.ArtMethodDefaultSize
		if s.methodSize == 0 {
			s.methodSize = 16 + 2*s.h.ptr
		}
		w.logger.Warn().Uint64("size", s.methodSize).Msg("ArtMethod size could not be measured, assuming default")
	}
	for _, c := range pending {
		s.walkClass(c)
	}
	s.res.Stats.Classes = len(s.classes)
	s.res.Stats.MethodSize = s.methodSize
	if st := s.res.Stats; st.Mismatched > 0 && 2*st.Mismatched > st.Methods {
		return nil, fmt.Errorf("%w: %d of %d ArtMethods at size %d do not belong to their class",
			hgerrors.ErrLayoutUnsupported, st.Mismatched, st.Methods, st.MethodSize)
	}

	recoverable := 0
	for _, m := range s.res.Hooked {
		if m.Recoverable {
			recoverable++
		}
	}
	w.logger.Info().
		Int("refs", s.res.Stats.Refs).
		Int("classes", s.res.Stats.Classes).
		Int("methods", s.res.Stats.Methods).
		Int("skipped", s.res.Stats.Skipped).
		Int("backups", s.res.Stats.Backups).
		Int("hooked", len(s.res.Hooked)).
		Int("recoverable", recoverable).
		Msg("Walked method tables")
	return s.res, nil
}

// classify records ref as a class to walk or as a backup candidate.
func (s *walk) classify(ref uint32) {
	k, err := s.h.klass(ref)
	if err != nil || k == 0 {
		return
	}
	if k == s.classClass {
		s.addClass(ref)
		return
	}
	if s.isExecutableClass(k) {
		s.backup(ref)
	}
}

func (s *walk) isExecutableClass(k uint32) bool {
	if s.execClasses[k] {
		return true
	}
	if s.notExec[k] {
		return false
	}
	desc, err := s.h.descriptor(k)
	if err == nil && executableDescriptors[desc] {
		s.execClasses[k] = true
		return true
	}
	s.notExec[k] = true
	return false
}

func (s *walk) addClass(c uint32) {
	if c == 0 || s.seenClass[c] {
		return
	}
	s.seenClass[c] = true
	s.classes = append(s.classes, c)
}

func (s *walk) addHookerClass(c uint32) {
	if c == 0 || s.hookerSeen[c] {
		return
	}
	s.hookerSeen[c] = true
	s.res.HookerClasses = append(s.res.HookerClasses, c)
}

// backup records exec if its ArtMethod belongs to a class other than the
// mirror's declaring class: the framework copied a method it hooked.
func (s *walk) backup(exec uint32) {
	am, err := memory.ReadU64(s.as, uint64(exec)+s.off.ExecutableArtMethod)
	if err != nil || am == 0 {
		return
	}
	target, err := memory.ReadU32(s.as, am)
	if err != nil || target == 0 {
		return
	}
	declaring, err := memory.ReadU32(s.as, uint64(exec)+s.off.ExecutableDeclaringClass)
	if err != nil || declaring == target {
		return
	}
	idx, err := memory.ReadU32(s.as, am+s.off.ArtMethodDexMethodIdx)
	if err != nil {
		return
	}

	key := backupKey{class: target, method: idx}
	if _, ok := s.backups[key]; !ok {
		s.backups[key] = am
		s.res.Stats.Backups++
	}
	s.addClass(target)
	s.addHookerClass(declaring)
}

// size returns the ArtMethod stride, measuring it on first use.
func (s *walk) size(class uint32, arr Array) uint64 {
	if s.methodSize != 0 {
		return s.methodSize
	}
	if size, ok := s.h.measureMethodSize(class, arr); ok {
		s.methodSize = size
		s.logger.Debug().Uint64("size", size).Msg("Measured ArtMethod size")
		return size
	}
	return 0
}

// walkClass inspects every method of class. It returns false when the
// ArtMethod size is still unknown and the class must be retried.
func (s *walk) walkClass(class uint32) bool {
	arr, err := s.h.methods(class)
	if err != nil {
		s.res.Stats.Skipped++
		s.logger.Debug().Err(err).Str("class", fmt.Sprintf("0x%x", class)).Msg("Unreadable methods array")
		return true
	}
	if arr.Length == 0 {
		return true
	}
	size := s.size(class, arr)
	if size == 0 {
		return false
	}

	raw, err := memory.ReadBytes(s.as, arr.Base, int(uint64(arr.Length)*size))
	if err != nil {
		s.res.Stats.Skipped++
		return true
	}
	for j := uint64(0); j < uint64(arr.Length); j++ {
		elem := raw[j*size : (j+1)*size]
		s.res.Stats.Methods++
		if memory.Order.Uint32(elem) != class {
			s.res.Stats.Mismatched++
			continue
		}
		entry := readPtr(s.as.Arch(), elem[size-s.h.ptr:])
		addr := arr.Base + j*size
		s.inspect(class, addr, size, entry, memory.Order.Uint32(elem[s.off.ArtMethodDexMethodIdx:]))
	}
	return true
}

// inspect checks one method and records it when hooked.
func (s *walk) inspect(class uint32, addr, size, entry uint64, dexIdx uint32) {
	if entry == 0 {
		return
	}
	match, isTrampoline := s.table.Inspect(s.as, entry)
	if s.codes.Contains(entry) && !isTrampoline {
		return
	}

	m := &Method{
		Address:    addr,
		EntryField: addr + size - s.h.ptr,
		Observed:   entry,
	}
	if isTrampoline {
		m.Hooker = match.Payload
		m.Trampoline = match.Signature
		if hc, err := memory.ReadU32(s.as, match.Payload); err == nil {
			s.addHookerClass(hc)
		}
	}
	s.name(m, class, dexIdx)
	s.recover(m, class, dexIdx, size)
	s.res.Hooked = append(s.res.Hooked, m)

	ev := s.logger.Info()
	if !m.Recoverable {
		ev = s.logger.Warn().Str("reason", m.Reason)
	}
	ev.Str("method", m.Signature).
		Str("entry", fmt.Sprintf("0x%x", entry)).
		Str("trampoline", m.Trampoline).
		Bool("recoverable", m.Recoverable).
		Msg("Hooked method")
}

func (s *walk) name(m *Method, class, dexIdx uint32) {
	fallback := func() {
		m.Class = fmt.Sprintf("class@0x%x", class)
		m.Name = fmt.Sprintf("method@%d", dexIdx)
		m.Signature = m.Class + "->" + m.Name
	}
	d, err := s.h.dexOf(class)
	if err != nil {
		fallback()
		return
	}
	desc, name, proto, err := d.Method(dexIdx)
	if err != nil {
		fallback()
		return
	}
	m.Class = DottedName(desc)
	m.Name = name
	m.Signature = desc + "->" + name + proto
}

// recover computes the restoration value from the backup, if any.
func (s *walk) recover(m *Method, class, dexIdx uint32, size uint64) {
	backup, ok := s.backups[backupKey{class: class, method: dexIdx}]
	if !ok {
		m.Reason = "no backup"
		return
	}
	m.Backup = backup
	entry, _, err := s.h.entryPoint(backup, size)
	switch {
	case err != nil:
		m.Reason = "backup unreadable"
	case entry == 0:
		m.Reason = "backup has no entry point"
	default:
		if _, hooked := s.table.Inspect(s.as, entry); hooked {
			m.Synthetic = true
			m.Reason = "backup entry point is a trampoline"
			return
		}
		if !s.codes.Contains(entry) {
			m.Reason = "backup entry point outside runtime code"
			return
		}
		m.Original = entry
		m.Recoverable = true
	}
}

// Restoration is the outcome of restoring one method.
type Restoration struct {
	Method *Method
	Err    error
}

// Restore writes the recovered entry point of every recoverable method.
// Unrecoverable methods fail with ErrMethodUnrecoverable without a write.
func (w *Walker) Restore(ctx context.Context, p *patcher.Patcher, methods []*Method) []Restoration {
	out := make([]Restoration, len(methods))
	var writes []patcher.Write
	var index []int
	for i, m := range methods {
		out[i].Method = m
		if !m.Recoverable {
			out[i].Err = fmt.Errorf("%s: %w: %s", m.Signature, hgerrors.ErrMethodUnrecoverable, m.Reason)
			continue
		}
		writes = append(writes, patcher.Write{
			Label:   m.Signature,
			Address: m.EntryField,
			Want:    memory.PutPtr(w.as.Arch(), m.Original),
		})
		index = append(index, i)
	}

	outcomes, _ := p.Apply(ctx, writes)
	for k, o := range outcomes {
		i := index[k]
		if o.Err != nil {
			out[i].Err = fmt.Errorf("%s: %w", methods[i].Signature, o.Err)
			continue
		}
		if !w.codes.Contains(methods[i].Original) {
			out[i].Err = fmt.Errorf("%s: %w: restored entry outside runtime code",
				methods[i].Signature, hgerrors.ErrVerifyFailed)
		}
	}
	return out
}

func readPtr(arch memory.Arch, b []byte) uint64 {
	if arch.PtrSize() == 4 {
		return uint64(memory.Order.Uint32(b))
	}
	return memory.Order.Uint64(b)
}
