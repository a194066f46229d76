package art

import (
	"fmt"

	hgerrors "github.com/hookguard/hookguard/internal/errors"
	"github.com/hookguard/hookguard/internal/memory"
)

const (
	// maxArrayLength bounds method and field counts; a dex file cannot
	// declare more than 65536 methods per class.
	maxArrayLength = 1 << 16
	// measureWords is how far into a methods array the ArtMethod size
	// measurement looks.
	measureWords = 32
)

// Array is a LengthPrefixedArray located in the target.
type Array struct {
	// Base is the address of element 0.
	Base   uint64
	Length uint32
}

// heap reads mirror objects and the native structures they point to. Object
// references are 32-bit addresses.
type heap struct {
	as  memory.AddressSpace
	off Offsets
	ptr uint64

	dex       map[uint64]*dexFile
	dexErr    map[uint64]error
	classDesc map[uint32]string
}

func newHeap(as memory.AddressSpace, off Offsets) *heap {
	return &heap{
		as:        as,
		off:       off,
		ptr:       uint64(as.Arch().PtrSize()),
		dex:       make(map[uint64]*dexFile),
		dexErr:    make(map[uint64]error),
		classDesc: make(map[uint32]string),
	}
}

func (h *heap) ref(addr uint64) (uint32, error) {
	return memory.ReadU32(h.as, addr)
}

// klass returns the class of obj.
func (h *heap) klass(obj uint32) (uint32, error) {
	if obj == 0 {
		return 0, fmt.Errorf("null object")
	}
	return h.ref(uint64(obj))
}

// classClass returns java.lang.Class if obj leads to it: the class of a
// class object is java.lang.Class, whose own class is itself.
func (h *heap) classClass(obj uint32) (uint32, bool) {
	k, err := h.klass(obj)
	if err != nil || k == 0 {
		return 0, false
	}
	kk, err := h.klass(k)
	if err != nil || kk == 0 {
		return 0, false
	}
	kkk, err := h.klass(kk)
	if err != nil || kkk != kk {
		return 0, false
	}
	return kk, true
}

// dexOf returns the dex file a class was defined in.
func (h *heap) dexOf(class uint32) (*dexFile, error) {
	cache, err := h.ref(uint64(class) + h.off.ClassDexCache)
	if err != nil {
		return nil, err
	}
	if cache == 0 {
		return nil, fmt.Errorf("class 0x%x has no dex cache", class)
	}
	native, err := memory.ReadU64(h.as, uint64(cache)+h.off.DexCacheDexFile)
	if err != nil {
		return nil, err
	}
	if native == 0 {
		return nil, fmt.Errorf("dex cache 0x%x has no dex file", cache)
	}
	if d, ok := h.dex[native]; ok {
		return d, nil
	}
	if err, ok := h.dexErr[native]; ok {
		return nil, err
	}

	begin, err := memory.ReadPtr(h.as, native+h.off.DexFileBegin)
	if err == nil {
		var d *dexFile
		if d, err = openDex(h.as, begin); err == nil {
			h.dex[native] = d
			return d, nil
		}
	}
	h.dexErr[native] = err
	return nil, err
}

// descriptor returns the type descriptor of class, e.g. "Ljava/lang/Object;".
func (h *heap) descriptor(class uint32) (string, error) {
	if s, ok := h.classDesc[class]; ok {
		return s, nil
	}
	d, err := h.dexOf(class)
	if err != nil {
		return "", err
	}
	idx, err := h.ref(uint64(class) + h.off.ClassDexTypeIdx)
	if err != nil {
		return "", err
	}
	s, err := d.TypeDescriptor(idx)
	if err != nil {
		return "", err
	}
	h.classDesc[class] = s
	return s, nil
}

// array reads the LengthPrefixedArray pointed to by the 64-bit field at
// class+field. header is the distance from the length to element 0.
func (h *heap) array(class uint32, field, header uint64) (Array, error) {
	p, err := memory.ReadU64(h.as, uint64(class)+field)
	if err != nil {
		return Array{}, err
	}
	if p == 0 {
		return Array{}, nil
	}
	n, err := memory.ReadU32(h.as, p)
	if err != nil {
		return Array{}, err
	}
	if n > maxArrayLength {
		return Array{}, fmt.Errorf("array at 0x%x claims %d elements", p, n)
	}
	return Array{Base: p + header, Length: n}, nil
}

// methods returns the methods_ array of class. Elements are aligned to the
// pointer size.
func (h *heap) methods(class uint32) (Array, error) {
	return h.array(class, h.off.ClassMethods, h.ptr)
}

// staticFields returns the sfields_ array of class.
func (h *heap) staticFields(class uint32) (Array, error) {
	return h.array(class, h.off.ClassStaticField, h.off.LengthPrefixedFieldHdr)
}

// instanceFields returns the ifields_ array of class.
func (h *heap) instanceFields(class uint32) (Array, error) {
	return h.array(class, h.off.ClassIFields, h.off.LengthPrefixedFieldHdr)
}

// fields decodes the ArtField array arr declared by class.
func (h *heap) fields(class uint32, arr Array) ([]Field, error) {
	if arr.Length == 0 {
		return nil, nil
	}
	off := h.off
	raw, err := memory.ReadBytes(h.as, arr.Base, int(uint64(arr.Length)*off.ArtFieldSize))
	if err != nil {
		return nil, err
	}
	d, dexErr := h.dexOf(class)

	fields := make([]Field, 0, arr.Length)
	for i := uint64(0); i < uint64(arr.Length); i++ {
		elem := raw[i*off.ArtFieldSize : (i+1)*off.ArtFieldSize]
		if memory.Order.Uint32(elem) != class {
			continue
		}
		f := Field{
			Offset: memory.Order.Uint32(elem[off.ArtFieldOffset:]),
			Flags:  memory.Order.Uint32(elem[off.ArtFieldAccessFlags:]),
		}
		if dexErr == nil {
			idx := memory.Order.Uint32(elem[off.ArtFieldDexFieldIdx:])
			if name, typ, err := d.Field(idx); err == nil {
				f.Name, f.Type = name, typ
			}
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// objectArray reads the elements of the Object[] at arr and returns them
// with the address of element 0.
func (h *heap) objectArray(arr uint32) ([]uint32, uint64, error) {
	if arr == 0 {
		return nil, 0, fmt.Errorf("null array")
	}
	n, err := h.ref(uint64(arr) + h.off.ArrayLength)
	if err != nil {
		return nil, 0, err
	}
	if n > maxArrayLength {
		return nil, 0, fmt.Errorf("array at 0x%x claims %d elements", arr, n)
	}
	base := uint64(arr) + h.off.ArrayData
	if n == 0 {
		return nil, base, nil
	}
	raw, err := memory.ReadBytes(h.as, base, int(4*n))
	if err != nil {
		return nil, 0, err
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = memory.Order.Uint32(raw[4*i:])
	}
	return out, base, nil
}

// measureMethodSize measures the ArtMethod stride from a methods array of at
// least two elements: the second element starts with the same declaring
// class as the first.
func (h *heap) measureMethodSize(class uint32, arr Array) (uint64, bool) {
	if arr.Length < 2 {
		return 0, false
	}
	buf := make([]byte, 4*measureWords)
	for n := len(buf); n >= 4*6; n -= 4 {
		if err := h.as.ReadAt(buf[:n], arr.Base); err != nil {
			continue
		}
		if memory.Order.Uint32(buf) != class {
			return 0, false
		}
		for i := 5; i < n/4; i++ {
			if memory.Order.Uint32(buf[4*i:]) == class {
				return uint64(4 * i), true
			}
		}
		return 0, false
	}
	return 0, false
}

// entryPoint returns the quick code entry point of the method at addr, the
// last pointer-sized field of ArtMethod, and the field's address.
func (h *heap) entryPoint(method, size uint64) (entry, field uint64, err error) {
	field = method + size - h.ptr
	entry, err = memory.ReadPtr(h.as, field)
	return entry, field, err
}

// Field is a static or instance field of a class.
type Field struct {
	// Slot is the address holding the field value. It is set for static
	// fields; instance fields get one from At.
	Slot uint64
	// Offset is the field position inside its class or object.
	Offset uint32
	Name   string
	// Type is the field's type descriptor, empty when it cannot be read.
	Type  string
	Flags uint32
}

// Reference reports whether the field holds an object reference.
func (f Field) Reference() bool { return IsReferenceType(f.Type) }

// At returns f located in obj.
func (f Field) At(obj uint32) Field {
	f.Slot = uint64(obj) + uint64(f.Offset)
	return f
}

// maxSuperDepth bounds superclass chains read from foreign memory.
const maxSuperDepth = 64

type fieldKey struct {
	class uint32
	name  string
}

// Reader gives other packages typed access to runtime objects.
type Reader struct {
	h          *heap
	classClass uint32
	fieldAt    map[fieldKey]Field
}

// NewReader creates a reader for layout.
func NewReader(as memory.AddressSpace, layout Layout) *Reader {
	return &Reader{
		h:       newHeap(as, layout.Offsets(as.Arch())),
		fieldAt: make(map[fieldKey]Field),
	}
}

// Classes returns the classes refs lead to: every reference that is a class
// object and the class of every other reference, in first-seen order.
func (r *Reader) Classes(refs []uint32) ([]uint32, error) {
	if r.classClass == 0 {
		for _, ref := range refs {
			if cc, ok := r.h.classClass(ref); ok {
				r.classClass = cc
				break
			}
		}
	}
	if r.classClass == 0 {
		return nil, fmt.Errorf("%w: java.lang.Class not reachable from %d references",
			hgerrors.ErrRegistryNotFound, len(refs))
	}
	var out []uint32
	seen := make(map[uint32]bool)
	add := func(c uint32) {
		if c != 0 && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, ref := range refs {
		k, err := r.h.klass(ref)
		if err != nil || k == 0 {
			continue
		}
		if k == r.classClass {
			add(ref)
			continue
		}
		add(k)
	}
	return out, nil
}

// Class returns the class of obj.
func (r *Reader) Class(obj uint32) (uint32, error) {
	return r.h.klass(obj)
}

// IsObject reports whether obj looks like a live object: its class is a
// class object. It needs Classes to have found java.lang.Class.
func (r *Reader) IsObject(obj uint32) bool {
	if obj == 0 || r.classClass == 0 {
		return false
	}
	k, err := r.h.klass(obj)
	if err != nil || k == 0 {
		return false
	}
	kk, err := r.h.klass(k)
	return err == nil && kk == r.classClass
}

// ClassName returns the source form name of class, or "class@0x..." when
// its dex file cannot be read.
func (r *Reader) ClassName(class uint32) string {
	desc, err := r.h.descriptor(class)
	if err != nil {
		return fmt.Sprintf("class@0x%x", class)
	}
	return DottedName(desc)
}

// SuperClass returns the superclass of class, 0 for java.lang.Object.
func (r *Reader) SuperClass(class uint32) (uint32, error) {
	return r.h.ref(uint64(class) + r.h.off.ClassSuperClass)
}

// Supers returns class followed by its superclasses.
func (r *Reader) Supers(class uint32) []uint32 {
	var out []uint32
	for c := class; c != 0 && len(out) < maxSuperDepth; {
		out = append(out, c)
		next, err := r.SuperClass(c)
		if err != nil {
			break
		}
		c = next
	}
	return out
}

// Interfaces returns every interface class implements, inherited ones
// included, from its iftable: pairs of interface and method array.
func (r *Reader) Interfaces(class uint32) ([]uint32, error) {
	iftable, err := r.h.ref(uint64(class) + r.h.off.ClassIfTable)
	if err != nil || iftable == 0 {
		return nil, err
	}
	elems, _, err := r.h.objectArray(iftable)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, 0, len(elems)/2)
	for i := 0; i < len(elems); i += 2 {
		if elems[i] != 0 {
			out = append(out, elems[i])
		}
	}
	return out, nil
}

// DeclaringClass returns the class owning the ArtMethod at method.
func (r *Reader) DeclaringClass(method uint64) (uint32, error) {
	return memory.ReadU32(r.h.as, method)
}

// StaticFields lists the static fields of class.
func (r *Reader) StaticFields(class uint32) ([]Field, error) {
	arr, err := r.h.staticFields(class)
	if err != nil {
		return nil, err
	}
	fields, err := r.h.fields(class, arr)
	for i := range fields {
		fields[i].Slot = uint64(class) + uint64(fields[i].Offset)
	}
	return fields, err
}

// InstanceFields lists the instance fields class declares.
func (r *Reader) InstanceFields(class uint32) ([]Field, error) {
	arr, err := r.h.instanceFields(class)
	if err != nil {
		return nil, err
	}
	return r.h.fields(class, arr)
}

// FieldOf finds the instance field name of obj, searching its class and
// then its superclasses, and returns it located in obj.
func (r *Reader) FieldOf(obj uint32, name string) (Field, bool) {
	k, err := r.h.klass(obj)
	if err != nil || k == 0 {
		return Field{}, false
	}
	key := fieldKey{class: k, name: name}
	if f, ok := r.fieldAt[key]; ok {
		return f.At(obj), true
	}
	for _, c := range r.Supers(k) {
		fields, err := r.InstanceFields(c)
		if err != nil {
			continue
		}
		for _, f := range fields {
			if f.Name == name {
				r.fieldAt[key] = f
				return f.At(obj), true
			}
		}
	}
	return Field{}, false
}

// ObjectArray returns the elements of the Object[] at arr and the address
// of element 0.
func (r *Reader) ObjectArray(arr uint32) ([]uint32, uint64, error) {
	return r.h.objectArray(arr)
}
