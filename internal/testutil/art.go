package testutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/hookguard/hookguard/internal/memory"
)

// Addresses of the synthetic runtime's mappings.
const (
	LibBase    = 0x7b00000000
	JITBase    = 0x7b80000000
	HeapBase   = 0x12c00000
	LinearBase = 0x7a00000000
	DexBase    = 0x7100000000
	IRTBase    = 0x7d00000000
	VMBase     = 0x7e00000000
	TrampBase  = 0x7f00000000

	LibPath = "/apex/com.android.art/lib64/libart.so"
	DexPath = "/system/framework/framework.jar"

	// DataOffset is the file offset and image address of libart's
	// writable data, which holds Runtime::instance_ at InstanceOffset.
	DataOffset     = 0x8000
	InstanceOffset = 0x10

	// RuntimeInstanceSymbol names Runtime::instance_ in libart's symbols.
	RuntimeInstanceSymbol = "_ZN3art7Runtime9instance_E"
)

// Object field positions used by the synthetic runtime. They match the
// runtime's default layout.
const (
	classDexCache      = 16
	classIfTable       = 24
	classSuperClass    = 32
	classIFields       = 40
	classMethods       = 48
	classSFields       = 56
	classDexTypeIdx    = 84
	classStaticsStart  = 96
	dexCacheDexFile    = 16
	execDeclaringClass = 12
	execArtMethod      = 24
	artFieldSize       = 16
	arrayLength        = 8
	arrayData          = 12
	objectHeader       = 8
	pageSize           = 0x1000

	// runtimeWords is the size of the synthetic art::Runtime, whose JavaVM
	// pointer sits at word runtimeJavaVMWord.
	runtimeWords      = 64
	runtimeJavaVMWord = 40
)

var le = binary.LittleEndian

// MethodDef declares a method of a synthetic class.
type MethodDef struct {
	Name  string
	Proto string
	// Entry is the quick entry point; zero picks an address in libart.
	Entry uint64
}

// FieldDef declares a field of a synthetic class.
type FieldDef struct {
	Name string
	Type string
}

// ClassDef declares a synthetic class.
type ClassDef struct {
	Descriptor string
	Super      *Class
	Interfaces []*Class
	Methods    []MethodDef
	Statics    []FieldDef
	// Fields are the instance fields the class declares.
	Fields []FieldDef
	// NoDex leaves the class without a dex cache, so its names cannot be
	// resolved.
	NoDex bool
}

// Class is a class object in the synthetic heap.
type Class struct {
	Addr       uint32
	Descriptor string
	Super      *Class
	// Methods are the ArtMethod addresses, in declaration order.
	Methods []uint64
	// Slots are the static field value addresses.
	Slots []uint64
	// Fields maps instance field names, inherited ones included, to their
	// offsets; Size is the instance size.
	Fields map[string]uint32
	Size   uint32

	interfaces []uint32
}

// Hook describes a simulated framework hook.
type Hook struct {
	Method     uint64
	Original   uint64
	Trampoline uint64
	// Backup is the copied ArtMethod, 0 without backup.
	Backup uint64
	Mirror uint32
}

type area struct {
	base uint64
	buf  []byte
}

func (a *area) alloc(n, align uint64) uint64 {
	for uint64(len(a.buf))%align != 0 {
		a.buf = append(a.buf, 0)
	}
	addr := a.base + uint64(len(a.buf))
	a.buf = append(a.buf, make([]byte, n)...)
	return addr
}

func (a *area) contains(addr, n uint64) bool {
	return addr >= a.base && addr+n <= a.base+uint64(len(a.buf))
}

func (a *area) padded() []byte {
	n := (uint64(len(a.buf)) + pageSize - 1) / pageSize * pageSize
	if n == 0 {
		n = pageSize
	}
	out := make([]byte, n)
	copy(out, a.buf)
	return out
}

// Runtime builds a synthetic ART heap inside a simulated address space.
type Runtime struct {
	Arch       memory.Arch
	MethodSize uint64
	// MethodIndexOffset is the position of dex_method_index_ in ArtMethod.
	MethodIndexOffset uint64
	// CompactRefs selects {serial, ref} reference table entries instead of
	// {serial, refs[3]}.
	CompactRefs bool
	// LibText is the executable content of libart.
	LibText []byte

	ClassClass  *Class
	MethodClass *Class
	ObjectClass *Class

	// Set by Build. Instance is the art::Runtime that Runtime::instance_
	// points to.
	JavaVM         uint64
	GlobalRefTable uint64
	GlobalRefCount uint64
	Instance       uint64

	heap, linear, vm, tramp area
	dex                     *dexBuilder
	dexCache                uint32
	refs                    []uint32
	nextCode                uint64
	classes                 map[uint32]*Class
	named                   map[string]*Class
}

// NewRuntime creates a runtime with java.lang.Class, java.lang.Object and
// java.lang.reflect.Method defined.
func NewRuntime(arch memory.Arch) *Runtime {
	ptr := uint64(arch.PtrSize())
	r := &Runtime{
		Arch:              arch,
		MethodSize:        16 + 2*ptr,
		MethodIndexOffset: 8,
		LibText:           bytes.Repeat([]byte{0x1f, 0x20, 0x03, 0xd5}, 0x4000/4),
		heap:              area{base: HeapBase},
		linear:            area{base: LinearBase},
		vm:                area{base: VMBase},
		tramp:             area{base: TrampBase},
		dex:               newDexBuilder(),
		nextCode:          0x100,
		classes:           make(map[uint32]*Class),
		named:             make(map[string]*Class),
	}
	// Keep address 0 of the heap unused so no object is null.
	r.heap.alloc(8, 8)

	// The dex cache is filled in by Build once the dex image exists.
	r.dexCache = uint32(r.heap.alloc(32, 8))

	r.ClassClass = r.DefineClass("Ljava/lang/Class;", nil, nil)
	r.put32(uint64(r.ClassClass.Addr), r.ClassClass.Addr)
	r.ObjectClass = r.DefineClass("Ljava/lang/Object;", []MethodDef{{Name: "<init>", Proto: "()V"}, {Name: "hashCode", Proto: "()I"}}, nil)
	r.MethodClass = r.DefineClass("Ljava/lang/reflect/Method;", []MethodDef{{Name: "getName", Proto: "()Ljava/lang/String;"}, {Name: "invoke", Proto: "(Ljava/lang/Object;[Ljava/lang/Object;)Ljava/lang/Object;"}}, nil)
	return r
}

// Code returns the live address of offset off in libart's text.
func (r *Runtime) Code(off uint64) uint64 {
	return LibBase + TextOffset + off
}

func (r *Runtime) area(addr, n uint64) *area {
	for _, a := range []*area{&r.heap, &r.linear, &r.vm, &r.tramp} {
		if a.contains(addr, n) {
			return a
		}
	}
	panic(fmt.Sprintf("synthetic runtime: 0x%x not allocated", addr))
}

func (r *Runtime) put(addr uint64, b []byte) {
	a := r.area(addr, uint64(len(b)))
	copy(a.buf[addr-a.base:], b)
}

func (r *Runtime) get(addr, n uint64) []byte {
	a := r.area(addr, n)
	return a.buf[addr-a.base : addr-a.base+n]
}

func (r *Runtime) put32(addr uint64, v uint32) {
	var b [4]byte
	le.PutUint32(b[:], v)
	r.put(addr, b[:])
}

func (r *Runtime) put64(addr, v uint64) {
	var b [8]byte
	le.PutUint64(b[:], v)
	r.put(addr, b[:])
}

func (r *Runtime) putPtr(addr, v uint64) {
	r.put(addr, memory.PutPtr(r.Arch, v))
}

// DefineClass allocates a class object with its methods and static fields.
func (r *Runtime) DefineClass(descriptor string, methods []MethodDef, statics []FieldDef) *Class {
	return r.Define(ClassDef{Descriptor: descriptor, Methods: methods, Statics: statics})
}

// DefineClassWithoutDex is DefineClass for a class whose dex file is not
// reachable, so its names cannot be resolved.
func (r *Runtime) DefineClassWithoutDex(descriptor string, methods []MethodDef, statics []FieldDef) *Class {
	return r.Define(ClassDef{Descriptor: descriptor, Methods: methods, Statics: statics, NoDex: true})
}

// Define allocates the class described by def. Methods are laid out with the
// runtime's MethodSize, so it must be set before the first class that needs
// it.
func (r *Runtime) Define(def ClassDef) *Class {
	ptr := uint64(r.Arch.PtrSize())
	addr := r.heap.alloc(classStaticsStart+4*uint64(len(def.Statics)), 8)
	c := &Class{
		Addr:       uint32(addr),
		Descriptor: def.Descriptor,
		Super:      def.Super,
		Fields:     make(map[string]uint32),
		Size:       objectHeader,
	}
	r.classes[c.Addr] = c
	r.named[def.Descriptor] = c

	if r.ClassClass != nil {
		r.put32(addr, r.ClassClass.Addr)
	}
	typeIdx := r.dex.typeID(def.Descriptor)
	r.put32(addr+classDexTypeIdx, typeIdx)
	if !def.NoDex {
		r.put32(addr+classDexCache, r.dexCache)
	}

	if def.Super != nil {
		r.put32(addr+classSuperClass, def.Super.Addr)
		for name, off := range def.Super.Fields {
			c.Fields[name] = off
		}
		c.Size = def.Super.Size
		c.interfaces = append(c.interfaces, def.Super.interfaces...)
	}
	for _, i := range def.Interfaces {
		c.interfaces = append(c.interfaces, i.Addr)
	}
	if len(c.interfaces) > 0 {
		pairs := make([]uint32, 0, 2*len(c.interfaces))
		for _, i := range c.interfaces {
			pairs = append(pairs, i, 0)
		}
		r.put32(addr+classIfTable, r.NewArray(pairs...))
	}

	if len(def.Methods) > 0 {
		arr := r.linear.alloc(ptr+uint64(len(def.Methods))*r.MethodSize, ptr)
		r.put32(arr, uint32(len(def.Methods)))
		r.put64(addr+classMethods, arr)
		for i, md := range def.Methods {
			m := arr + ptr + uint64(i)*r.MethodSize
			r.put32(m, c.Addr)
			r.put32(m+4, 0x1) // public
			r.put32(m+r.MethodIndexOffset, r.dex.methodID(def.Descriptor, md.Name, md.Proto))
			entry := md.Entry
			if entry == 0 {
				entry = r.Code(r.nextCode)
				r.nextCode += 0x40
			}
			r.putPtr(m+r.MethodSize-ptr, entry)
			c.Methods = append(c.Methods, m)
		}
	}

	if len(def.Statics) > 0 {
		offsets := make([]uint32, len(def.Statics))
		for i := range def.Statics {
			offsets[i] = uint32(classStaticsStart + 4*i)
			c.Slots = append(c.Slots, addr+uint64(offsets[i]))
		}
		r.fieldArray(addr+classSFields, c, def.Statics, offsets, 0x8|0x2) // static private
	}

	if len(def.Fields) > 0 {
		offsets := make([]uint32, len(def.Fields))
		for i, fd := range def.Fields {
			size := uint32(4)
			if fd.Type == "J" || fd.Type == "D" {
				size = 8
			}
			for c.Size%size != 0 {
				c.Size++
			}
			offsets[i] = c.Size
			c.Fields[fd.Name] = c.Size
			c.Size += size
		}
		r.fieldArray(addr+classIFields, c, def.Fields, offsets, 0x2) // private
	}
	return c
}

// fieldArray writes the ArtField array of fields and points the class
// field at slot to it.
func (r *Runtime) fieldArray(slot uint64, c *Class, fields []FieldDef, offsets []uint32, flags uint32) {
	arr := r.linear.alloc(4+uint64(len(fields))*artFieldSize, 4)
	r.put32(arr, uint32(len(fields)))
	r.put64(slot, arr)
	for i, fd := range fields {
		f := arr + 4 + uint64(i)*artFieldSize
		r.put32(f, c.Addr)
		r.put32(f+4, flags)
		r.put32(f+8, r.dex.fieldID(c.Descriptor, fd.Name, fd.Type))
		r.put32(f+12, offsets[i])
	}
}

// Named returns the class defined with descriptor, defining it from def
// on first use.
func (r *Runtime) Named(def ClassDef) *Class {
	if c, ok := r.named[def.Descriptor]; ok {
		return c
	}
	return r.Define(def)
}

// NewObject allocates an instance of class.
func (r *Runtime) NewObject(class *Class) uint32 {
	addr := r.heap.alloc(uint64(max(class.Size, 16)), 8)
	r.put32(addr, class.Addr)
	return uint32(addr)
}

// NewArray allocates an Object[] holding elems.
func (r *Runtime) NewArray(elems ...uint32) uint32 {
	class := r.Named(ClassDef{Descriptor: "[Ljava/lang/Object;", Super: r.ObjectClass})
	addr := r.heap.alloc(arrayData+4*uint64(len(elems)), 8)
	r.put32(addr, class.Addr)
	r.put32(addr+arrayLength, uint32(len(elems)))
	for i, e := range elems {
		r.put32(addr+arrayData+4*uint64(i), e)
	}
	return uint32(addr)
}

// ArraySlot returns the address of element i of the array at arr.
func ArraySlot(arr uint32, i int) uint64 {
	return uint64(arr) + arrayData + 4*uint64(i)
}

// SetStatic stores ref in static field i of class.
func (r *Runtime) SetStatic(class *Class, i int, ref uint32) {
	r.put32(class.Slots[i], ref)
}

// FieldSlot returns the address of the instance field name of obj.
func (r *Runtime) FieldSlot(obj uint32, name string) uint64 {
	c := r.classes[le.Uint32(r.get(uint64(obj), 4))]
	if c == nil {
		panic(fmt.Sprintf("synthetic runtime: 0x%x is not an object", obj))
	}
	off, ok := c.Fields[name]
	if !ok {
		panic(fmt.Sprintf("synthetic runtime: %s has no field %s", c.Descriptor, name))
	}
	return uint64(obj) + uint64(off)
}

// SetField stores v in the 32-bit instance field name of obj.
func (r *Runtime) SetField(obj uint32, name string, v uint32) {
	r.put32(r.FieldSlot(obj, name), v)
}

// SetField64 stores v in the 64-bit instance field name of obj.
func (r *Runtime) SetField64(obj uint32, name string, v uint64) {
	r.put64(r.FieldSlot(obj, name), v)
}

// GlobalRef adds ref to the JNI global reference table.
func (r *Runtime) GlobalRef(ref uint32) {
	r.refs = append(r.refs, ref)
}

// Entry returns the entry point of the ArtMethod at method.
func (r *Runtime) Entry(method uint64) uint64 {
	ptr := uint64(r.Arch.PtrSize())
	b := r.get(method+r.MethodSize-ptr, ptr)
	if ptr == 4 {
		return uint64(le.Uint32(b))
	}
	return le.Uint64(b)
}

// SetEntry replaces the entry point of the ArtMethod at method.
func (r *Runtime) SetEntry(method, entry uint64) {
	r.putPtr(method+r.MethodSize-uint64(r.Arch.PtrSize()), entry)
}

// Trampoline writes a framework entry stub that dispatches to the hooker
// ArtMethod and returns its address.
func (r *Runtime) Trampoline(hooker uint64) uint64 {
	var code []byte
	switch r.Arch {
	case memory.ArchARM64:
		code = make([]byte, 12)
		le.PutUint32(code, 0x58000060)
		le.PutUint32(code[4:], 0xF8418010)
		le.PutUint32(code[8:], 0xD61F0200)
		code = append(code, memory.PutPtr(r.Arch, hooker)...)
	case memory.ArchAMD64:
		code = []byte{0x48, 0xBF}
		code = append(code, memory.PutPtr(r.Arch, hooker)...)
		code = append(code, 0xFF, 0x77, 0x18, 0xC3)
	default:
		panic("synthetic runtime: no trampoline for " + string(r.Arch))
	}
	addr := r.tramp.alloc(uint64(len(code)), 16)
	r.put(addr, code)
	return addr
}

// Hook redirects method i of target to a trampoline dispatching to the
// first method of hooker. With backup, a copy of the original ArtMethod is
// published through a java.lang.reflect.Method global reference declared
// by hooker.
func (r *Runtime) Hook(target *Class, i int, hooker *Class, backup bool) Hook {
	m := target.Methods[i]
	h := Hook{Method: m, Original: r.Entry(m)}
	h.Trampoline = r.Trampoline(hooker.Methods[0])
	r.SetEntry(m, h.Trampoline)

	if backup {
		ptr := uint64(r.Arch.PtrSize())
		copyAddr := r.linear.alloc(r.MethodSize, ptr)
		orig := r.get(m, r.MethodSize)
		r.put(copyAddr, append([]byte(nil), orig...))
		r.SetEntry(copyAddr, h.Original)
		h.Backup = copyAddr

		mirror := r.heap.alloc(48, 8)
		r.put32(mirror, r.MethodClass.Addr)
		r.put32(mirror+execDeclaringClass, hooker.Addr)
		r.put64(mirror+execArtMethod, copyAddr)
		h.Mirror = uint32(mirror)
		r.GlobalRef(h.Mirror)
	}
	return h
}

// Build lays the runtime out in a simulated address space.
func (r *Runtime) Build() *memory.Simulated {
	ptr := uint64(r.Arch.PtrSize())
	sim := memory.NewSimulated(r.Arch)

	sim.MapFile(LibBase, make([]byte, TextOffset), memory.ProtRead, LibPath, 0)
	sim.MapFile(LibBase+TextOffset, r.LibText, memory.ProtRead|memory.ProtExec, LibPath, TextOffset)
	sim.MapFile(JITBase, make([]byte, 0x10000), memory.ProtRead|memory.ProtExec, "[anon:dalvik-jit-code-cache]", 0)

	image := r.dex.build()
	sim.MapFile(DexBase, image, memory.ProtRead, DexPath, 0)

	// Native art::DexFile: vtable, then begin_.
	native := r.vm.alloc(4*ptr, ptr)
	r.putPtr(native, 0x7e7e7e7e)
	r.putPtr(native+ptr, DexBase)
	r.put32(uint64(r.dexCache), r.ObjectClass.Addr)
	r.put64(uint64(r.dexCache)+dexCacheDexFile, native)

	// Reference table.
	entry := uint64(16)
	if r.CompactRefs {
		entry = 8
	}
	capacity := uint64(len(r.refs)) + 8
	irt := make([]byte, capacity*entry)
	for i, ref := range r.refs {
		e := irt[uint64(i)*entry:]
		serial := uint32(i*7 + 1)
		le.PutUint32(e, serial)
		if r.CompactRefs {
			le.PutUint32(e[4:], ref)
		} else {
			le.PutUint32(e[4+4*(serial%3):], ref)
		}
	}
	sim.MapFile(IRTBase, irt, memory.ProtRead|memory.ProtWrite, "[anon:dalvik-indirect ref table]", 0)
	r.GlobalRefTable = IRTBase
	r.GlobalRefCount = uint64(len(r.refs))

	// JavaVMExt: function table, the runtime back pointer, unrelated fields
	// including a decoy that looks like a table header but points
	// elsewhere, then the globals.
	vm := r.vm.alloc(16*ptr, ptr)
	runtime := r.vm.alloc(runtimeWords*ptr, ptr)
	words := []uint64{0x7e00dead00, runtime, 0, HeapBase, 2, 3, 3, IRTBase, 2, r.GlobalRefCount, capacity}
	for i, w := range words {
		r.putPtr(vm+uint64(i)*ptr, w)
	}
	r.JavaVM = vm

	// art::Runtime: pointers to unrelated objects before java_vm_.
	r.putPtr(runtime+2*ptr, HeapBase+8)
	r.putPtr(runtime+5*ptr, native)
	r.putPtr(runtime+runtimeJavaVMWord*ptr, vm)
	r.Instance = runtime

	data := make([]byte, pageSize)
	copy(data[InstanceOffset:], memory.PutPtr(r.Arch, runtime))
	sim.MapFile(LibBase+DataOffset, data, memory.ProtRead|memory.ProtWrite, LibPath, DataOffset)

	sim.MapFile(HeapBase, r.heap.padded(), memory.ProtRead|memory.ProtWrite, "[anon:dalvik-main space]", 0)
	sim.MapFile(LinearBase, r.linear.padded(), memory.ProtRead|memory.ProtWrite, "[anon:dalvik-LinearAlloc]", 0)
	sim.MapFile(VMBase, r.vm.padded(), memory.ProtRead|memory.ProtWrite, "[anon:libc_malloc]", 0)
	sim.MapFile(TrampBase, r.tramp.padded(), memory.ProtRead|memory.ProtExec, "", 0)
	return sim
}

type protoDef struct {
	shorty uint32
	ret    uint32
	params []uint32
}

type memberDef struct {
	class uint16
	proto uint16
	name  uint32
}

// dexBuilder assembles a minimal dex image. Indices are assigned in
// insertion order.
type dexBuilder struct {
	strings  []string
	stringID map[string]uint32
	types    []uint32
	typeID_  map[string]uint32
	protos   []protoDef
	protoID  map[string]uint32
	fields   []memberDef
	methods  []memberDef
}

func newDexBuilder() *dexBuilder {
	return &dexBuilder{
		stringID: make(map[string]uint32),
		typeID_:  make(map[string]uint32),
		protoID:  make(map[string]uint32),
	}
}

func (d *dexBuilder) str(s string) uint32 {
	if i, ok := d.stringID[s]; ok {
		return i
	}
	i := uint32(len(d.strings))
	d.strings = append(d.strings, s)
	d.stringID[s] = i
	return i
}

func (d *dexBuilder) typeID(desc string) uint32 {
	if i, ok := d.typeID_[desc]; ok {
		return i
	}
	i := uint32(len(d.types))
	d.types = append(d.types, d.str(desc))
	d.typeID_[desc] = i
	return i
}

func (d *dexBuilder) proto(sig string) uint32 {
	if i, ok := d.protoID[sig]; ok {
		return i
	}
	params, ret := splitProto(sig)
	p := protoDef{ret: d.typeID(ret)}
	shorty := shortyOf(ret)
	for _, t := range params {
		p.params = append(p.params, d.typeID(t))
		shorty += shortyOf(t)
	}
	p.shorty = d.str(shorty)
	i := uint32(len(d.protos))
	d.protos = append(d.protos, p)
	d.protoID[sig] = i
	return i
}

func (d *dexBuilder) methodID(class, name, proto string) uint32 {
	i := uint32(len(d.methods))
	d.methods = append(d.methods, memberDef{
		class: uint16(d.typeID(class)),
		proto: uint16(d.proto(proto)),
		name:  d.str(name),
	})
	return i
}

func (d *dexBuilder) fieldID(class, name, typ string) uint32 {
	i := uint32(len(d.fields))
	d.fields = append(d.fields, memberDef{
		class: uint16(d.typeID(class)),
		proto: uint16(d.typeID(typ)),
		name:  d.str(name),
	})
	return i
}

func (d *dexBuilder) build() []byte {
	const header = 0x70
	stringIDs := uint32(header)
	typeIDs := stringIDs + 4*uint32(len(d.strings))
	protoIDs := typeIDs + 4*uint32(len(d.types))
	fieldIDs := protoIDs + 12*uint32(len(d.protos))
	methodIDs := fieldIDs + 8*uint32(len(d.fields))
	data := methodIDs + 8*uint32(len(d.methods))

	out := make([]byte, data)
	copy(out, "dex\n035\x00")
	le.PutUint32(out[0x24:], header)
	le.PutUint32(out[0x28:], 0x12345678)
	le.PutUint32(out[0x38:], uint32(len(d.strings)))
	le.PutUint32(out[0x3c:], stringIDs)
	le.PutUint32(out[0x40:], uint32(len(d.types)))
	le.PutUint32(out[0x44:], typeIDs)
	le.PutUint32(out[0x48:], uint32(len(d.protos)))
	le.PutUint32(out[0x4c:], protoIDs)
	le.PutUint32(out[0x50:], uint32(len(d.fields)))
	le.PutUint32(out[0x54:], fieldIDs)
	le.PutUint32(out[0x58:], uint32(len(d.methods)))
	le.PutUint32(out[0x5c:], methodIDs)

	for i, t := range d.types {
		le.PutUint32(out[typeIDs+4*uint32(i):], t)
	}
	for i, f := range d.fields {
		o := out[fieldIDs+8*uint32(i):]
		le.PutUint16(o, f.class)
		le.PutUint16(o[2:], f.proto)
		le.PutUint32(o[4:], f.name)
	}
	for i, m := range d.methods {
		o := out[methodIDs+8*uint32(i):]
		le.PutUint16(o, m.class)
		le.PutUint16(o[2:], m.proto)
		le.PutUint32(o[4:], m.name)
	}

	for i, p := range d.protos {
		var params uint32
		if len(p.params) > 0 {
			for len(out)%4 != 0 {
				out = append(out, 0)
			}
			params = uint32(len(out))
			list := make([]byte, 4+2*len(p.params))
			le.PutUint32(list, uint32(len(p.params)))
			for k, t := range p.params {
				le.PutUint16(list[4+2*k:], uint16(t))
			}
			out = append(out, list...)
		}
		o := out[protoIDs+12*uint32(i):]
		le.PutUint32(o, p.shorty)
		le.PutUint32(o[4:], p.ret)
		le.PutUint32(o[8:], params)
	}

	for i, s := range d.strings {
		le.PutUint32(out[stringIDs+4*uint32(i):], uint32(len(out)))
		out = appendULEB(out, uint32(len([]rune(s))))
		out = append(out, s...)
		out = append(out, 0)
	}
	le.PutUint32(out[0x20:], uint32(len(out)))

	for len(out)%pageSize != 0 {
		out = append(out, 0)
	}
	return out
}

func appendULEB(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}

// splitProto splits "(ILjava/lang/String;)V" into parameter and return
// descriptors.
func splitProto(sig string) ([]string, string) {
	end := strings.IndexByte(sig, ')')
	if !strings.HasPrefix(sig, "(") || end < 0 {
		panic("synthetic runtime: bad proto " + sig)
	}
	var params []string
	rest := sig[1:end]
	for rest != "" {
		n := 0
		for rest[n] == '[' {
			n++
		}
		if rest[n] == 'L' {
			n = strings.IndexByte(rest, ';')
		}
		params = append(params, rest[:n+1])
		rest = rest[n+1:]
	}
	return params, sig[end+1:]
}

func shortyOf(desc string) string {
	if desc[0] == '[' || desc[0] == 'L' {
		return "L"
	}
	return desc[:1]
}
