package art

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hgerrors "github.com/hookguard/hookguard/internal/errors"
	"github.com/hookguard/hookguard/internal/freeze"
	"github.com/hookguard/hookguard/internal/mapscan"
	"github.com/hookguard/hookguard/internal/memory"
	"github.com/hookguard/hookguard/internal/patcher"
	"github.com/hookguard/hookguard/internal/testutil"
	"github.com/hookguard/hookguard/internal/trampoline"
)

type fixture struct {
	rt      *testutil.Runtime
	sim     *memory.Simulated
	regions []mapscan.Region
	walker  *Walker
}

func build(t *testing.T, rt *testutil.Runtime, layout Layout) *fixture {
	t.Helper()
	sim := rt.Build()
	regions, err := sim.Maps()
	require.NoError(t, err)
	codes := mapscan.CodeRegions(regions, mapscan.DefaultLibrary)
	return &fixture{
		rt:      rt,
		sim:     sim,
		regions: regions,
		walker:  NewWalker(sim, layout, codes, trampoline.DefaultTable(), testutil.NewTestLogger(t)),
	}
}

func (f *fixture) walk(t *testing.T) *Result {
	t.Helper()
	res, err := f.walker.Walk(context.Background(), f.regions, Handles{JavaVM: f.rt.JavaVM})
	require.NoError(t, err)
	return res
}

func activity(rt *testutil.Runtime) *testutil.Class {
	return rt.DefineClass("Landroid/app/Activity;", []testutil.MethodDef{
		{Name: "onCreate", Proto: "(Landroid/os/Bundle;)V"},
		{Name: "onResume", Proto: "()V"},
		{Name: "finish", Proto: "()V"},
	}, nil)
}

func hooker(rt *testutil.Runtime, name string) *testutil.Class {
	return rt.DefineClass(name, []testutil.MethodDef{
		{Name: "callback", Proto: "([Ljava/lang/Object;)Ljava/lang/Object;"},
	}, []testutil.FieldDef{
		{Name: "hooker", Type: "Ljava/lang/Object;"},
		{Name: "backup", Type: "Ljava/lang/reflect/Method;"},
	})
}

func defaultLayout(t *testing.T) Layout {
	l, err := Select(33)
	require.NoError(t, err)
	return l
}

func TestWalk_Clean(t *testing.T) {
	rt := testutil.NewRuntime(memory.ArchARM64)
	cls := activity(rt)
	rt.GlobalRef(cls.Addr)
	jit := rt.DefineClass("Lcom/example/Hot;", []testutil.MethodDef{
		{Name: "run", Proto: "()V", Entry: testutil.JITBase + 0x200},
		{Name: "stop", Proto: "()V"},
	}, nil)
	rt.GlobalRef(jit.Addr)
	f := build(t, rt, defaultLayout(t))

	res := f.walk(t)
	assert.Empty(t, res.Hooked)
	assert.Empty(t, res.HookerClasses)
	assert.Equal(t, 1, res.Stats.Tables)
	assert.Equal(t, 2, res.Stats.Refs)
	assert.Equal(t, 2, res.Stats.Classes)
	assert.Equal(t, 5, res.Stats.Methods)
	assert.Zero(t, res.Stats.Mismatched)
	assert.Equal(t, uint64(32), res.Stats.MethodSize)
	assert.Equal(t, "java-vm", res.Stats.Source)
	assert.Equal(t, "art-31", res.Layout)
}

func TestWalk_RecoverFromBackup(t *testing.T) {
	rt := testutil.NewRuntime(memory.ArchARM64)
	target := activity(rt)
	hk := hooker(rt, "LLSPHooker_;")
	h := rt.Hook(target, 0, hk, true)
	f := build(t, rt, defaultLayout(t))

	res := f.walk(t)
	require.Len(t, res.Hooked, 1)
	m := res.Hooked[0]
	assert.Equal(t, "android.app.Activity", m.Class)
	assert.Equal(t, "onCreate", m.Name)
	assert.Equal(t, "Landroid/app/Activity;->onCreate(Landroid/os/Bundle;)V", m.Signature)
	assert.Equal(t, h.Method, m.Address)
	assert.Equal(t, h.Trampoline, m.Observed)
	assert.Equal(t, h.Original, m.Original)
	assert.Equal(t, h.Backup, m.Backup)
	assert.Equal(t, hk.Methods[0], m.Hooker)
	assert.Equal(t, "lsplant-arm64", m.Trampoline)
	assert.True(t, m.Recoverable)
	assert.False(t, m.Synthetic)
	assert.Equal(t, []uint32{hk.Addr}, res.HookerClasses)
	assert.Equal(t, 1, res.Stats.Backups)

	p := patcher.New(f.sim, freeze.None{}, patcher.DefaultConfig(), testutil.NewTestLogger(t))
	out := f.walker.Restore(context.Background(), p, res.Hooked)
	require.Len(t, out, 1)
	require.NoError(t, out[0].Err)

	entry, err := memory.ReadPtr(f.sim, m.EntryField)
	require.NoError(t, err)
	assert.Equal(t, h.Original, entry)

	// A second walk finds nothing left to restore.
	assert.Empty(t, f.walk(t).Hooked)
}

func TestWalk_NoBackup(t *testing.T) {
	rt := testutil.NewRuntime(memory.ArchARM64)
	target := activity(rt)
	rt.GlobalRef(target.Addr)
	hk := hooker(rt, "LLSPHooker_;")
	rt.Hook(target, 1, hk, false)
	f := build(t, rt, defaultLayout(t))

	res := f.walk(t)
	require.Len(t, res.Hooked, 1)
	m := res.Hooked[0]
	assert.Equal(t, "onResume", m.Name)
	assert.False(t, m.Recoverable)
	assert.Equal(t, "no backup", m.Reason)
	assert.Equal(t, []uint32{hk.Addr}, res.HookerClasses, "hooker found through the trampoline")

	before := f.sim.Peek(m.EntryField, 8)
	p := patcher.New(f.sim, freeze.None{}, patcher.DefaultConfig(), testutil.NewTestLogger(t))
	out := f.walker.Restore(context.Background(), p, res.Hooked)
	require.Len(t, out, 1)
	assert.ErrorIs(t, out[0].Err, hgerrors.ErrMethodUnrecoverable)
	assert.Equal(t, before, f.sim.Peek(m.EntryField, 8), "nothing written")
}

func TestWalk_SyntheticBackup(t *testing.T) {
	rt := testutil.NewRuntime(memory.ArchARM64)
	target := activity(rt)
	hk := hooker(rt, "LLSPHooker_;")
	h := rt.Hook(target, 0, hk, true)
	// The framework hooked its own backup.
	rt.SetEntry(h.Backup, rt.Trampoline(hk.Methods[0]))
	f := build(t, rt, defaultLayout(t))

	res := f.walk(t)
	require.Len(t, res.Hooked, 1)
	m := res.Hooked[0]
	assert.False(t, m.Recoverable)
	assert.True(t, m.Synthetic)
	assert.Equal(t, h.Backup, m.Backup)
}

func TestWalk_BackupOutsideCode(t *testing.T) {
	rt := testutil.NewRuntime(memory.ArchARM64)
	target := activity(rt)
	hk := hooker(rt, "LLSPHooker_;")
	h := rt.Hook(target, 2, hk, true)
	rt.SetEntry(h.Backup, testutil.HeapBase+0x40)
	f := build(t, rt, defaultLayout(t))

	res := f.walk(t)
	require.Len(t, res.Hooked, 1)
	assert.False(t, res.Hooked[0].Recoverable)
	assert.False(t, res.Hooked[0].Synthetic)
	assert.Contains(t, res.Hooked[0].Reason, "outside")
}

func TestWalk_UnnamedClass(t *testing.T) {
	rt := testutil.NewRuntime(memory.ArchARM64)
	target := rt.DefineClassWithoutDex("Lcom/example/Hidden;", []testutil.MethodDef{
		{Name: "a", Proto: "()V"},
		{Name: "b", Proto: "()V"},
	}, nil)
	rt.GlobalRef(target.Addr)
	hk := hooker(rt, "LLSPHooker_;")
	rt.Hook(target, 0, hk, false)
	f := build(t, rt, defaultLayout(t))

	res := f.walk(t)
	require.Len(t, res.Hooked, 1)
	m := res.Hooked[0]
	assert.Equal(t, fmt.Sprintf("class@0x%x", target.Addr), m.Class)
	assert.Contains(t, m.Signature, "->method@")
}

func TestWalk_CompactRefsMeasuredSize(t *testing.T) {
	rt := testutil.NewRuntime(memory.ArchARM64)
	rt.CompactRefs = true
	rt.MethodSize = 40
	target := activity(rt)
	hk := hooker(rt, "LLSPHooker_;")
	h := rt.Hook(target, 1, hk, true)
	l, err := Select(34)
	require.NoError(t, err)
	f := build(t, rt, l)

	res := f.walk(t)
	assert.Equal(t, uint64(40), res.Stats.MethodSize)
	require.Len(t, res.Hooked, 1)
	assert.True(t, res.Hooked[0].Recoverable)
	assert.Equal(t, h.Original, res.Hooked[0].Original)
}

func TestWalk_Releases(t *testing.T) {
	tests := []struct {
		api         int
		compact     bool
		size        uint64
		methodIndex uint64
	}{
		{api: 26, size: 48, methodIndex: 12},
		{api: 28, size: 40, methodIndex: 12},
		{api: 31, size: 32, methodIndex: 8},
		{api: 34, compact: true, size: 32, methodIndex: 8},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("api%d", tt.api), func(t *testing.T) {
			rt := testutil.NewRuntime(memory.ArchARM64)
			rt.CompactRefs = tt.compact
			rt.MethodSize = tt.size
			rt.MethodIndexOffset = tt.methodIndex
			target := activity(rt)
			rt.GlobalRef(target.Addr)
			hk := hooker(rt, "LLSPHooker_;")
			h := rt.Hook(target, 2, hk, true)
			l, err := Select(tt.api)
			require.NoError(t, err)
			f := build(t, rt, l)

			res := f.walk(t)
			assert.Equal(t, tt.size, res.Stats.MethodSize)
			assert.Zero(t, res.Stats.Mismatched)
			require.Len(t, res.Hooked, 1)
			m := res.Hooked[0]
			assert.Equal(t, "finish", m.Name)
			assert.True(t, m.Recoverable, m.Reason)
			assert.Equal(t, h.Method+tt.size-8, m.EntryField)

			p := patcher.New(f.sim, freeze.None{}, patcher.DefaultConfig(), testutil.NewTestLogger(t))
			out := f.walker.Restore(context.Background(), p, res.Hooked)
			require.Len(t, out, 1)
			require.NoError(t, out[0].Err)
			entry, err := memory.ReadPtr(f.sim, m.EntryField)
			require.NoError(t, err)
			assert.Equal(t, h.Original, entry)
		})
	}
}

func TestWalk_LayoutMismatch(t *testing.T) {
	rt := testutil.NewRuntime(memory.ArchARM64)
	rt.MethodSize = 48
	rt.MethodIndexOffset = 12
	rt.GlobalRef(activity(rt).Addr)
	l, err := WithOverrides(defaultLayout(t), map[string]uint64{"art_method_size": 32})
	require.NoError(t, err)
	f := build(t, rt, l)

	_, err = f.walker.Walk(context.Background(), f.regions, Handles{JavaVM: rt.JavaVM})
	assert.ErrorIs(t, err, hgerrors.ErrLayoutUnsupported)
}

func TestWalk_DefaultSizeWithoutMeasurement(t *testing.T) {
	rt := testutil.NewRuntime(memory.ArchARM64)
	rt.MethodSize = 40
	rt.MethodIndexOffset = 12
	single := rt.DefineClass("Lcom/example/Single;", []testutil.MethodDef{{Name: "only", Proto: "()V"}}, nil)
	rt.GlobalRef(single.Addr)
	hk := hooker(rt, "LLSPHooker_;")
	rt.Hook(single, 0, hk, true)
	l, err := Select(28)
	require.NoError(t, err)
	f := build(t, rt, l)

	res := f.walk(t)
	assert.Equal(t, uint64(40), res.Stats.MethodSize)
	require.Len(t, res.Hooked, 1)
	assert.True(t, res.Hooked[0].Recoverable)
}

func TestWalk_WithoutJavaVM(t *testing.T) {
	rt := testutil.NewRuntime(memory.ArchARM64)
	target := activity(rt)
	hk := hooker(rt, "LLSPHooker_;")
	rt.Hook(target, 0, hk, true)
	f := build(t, rt, defaultLayout(t))

	res, err := f.walker.Walk(context.Background(), f.regions, Handles{})
	require.NoError(t, err)
	require.Len(t, res.Hooked, 1)
	assert.True(t, res.Hooked[0].Recoverable)
	assert.Equal(t, "region [anon:dalvik-indirect ref table]", res.Stats.Source)
}

func TestWalk_ExplicitTable(t *testing.T) {
	rt := testutil.NewRuntime(memory.ArchARM64)
	target := activity(rt)
	hk := hooker(rt, "LLSPHooker_;")
	rt.Hook(target, 0, hk, true)
	f := build(t, rt, defaultLayout(t))

	res, err := f.walker.Walk(context.Background(), f.regions, Handles{
		GlobalRefs:  rt.GlobalRefTable,
		MethodClass: uint64(rt.MethodClass.Addr),
	})
	require.NoError(t, err)
	require.Len(t, res.Hooked, 1)
	assert.Equal(t, "explicit", res.Stats.Source)
}

func TestWalk_NoTables(t *testing.T) {
	sim := memory.NewSimulated(memory.ArchARM64)
	sim.MapFile(testutil.LibBase, make([]byte, 0x1000), memory.ProtRead|memory.ProtExec, testutil.LibPath, 0)
	regions, err := sim.Maps()
	require.NoError(t, err)

	w := NewWalker(sim, defaultLayout(t), mapscan.CodeRegions(regions, mapscan.DefaultLibrary),
		trampoline.DefaultTable(), testutil.NewTestLogger(t))
	_, err = w.Walk(context.Background(), regions, Handles{})
	assert.ErrorIs(t, err, hgerrors.ErrRegistryNotFound)
}

func TestWalk_Cancelled(t *testing.T) {
	rt := testutil.NewRuntime(memory.ArchARM64)
	rt.GlobalRef(activity(rt).Addr)
	f := build(t, rt, defaultLayout(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.walker.Walk(ctx, f.regions, Handles{JavaVM: rt.JavaVM})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRestore_WriteFailure(t *testing.T) {
	rt := testutil.NewRuntime(memory.ArchARM64)
	target := activity(rt)
	hk := hooker(rt, "LLSPHooker_;")
	rt.Hook(target, 0, hk, true)
	rt.Hook(target, 1, hk, true)
	f := build(t, rt, defaultLayout(t))

	res := f.walk(t)
	require.Len(t, res.Hooked, 2)
	f.sim.FailWrite(res.Hooked[0].EntryField, hgerrors.ErrUnsupported)

	p := patcher.New(f.sim, freeze.None{}, patcher.DefaultConfig(), testutil.NewTestLogger(t))
	out := f.walker.Restore(context.Background(), p, res.Hooked)
	require.Len(t, out, 2)
	assert.ErrorIs(t, out[0].Err, hgerrors.ErrPatchFailed)
	assert.NotErrorIs(t, out[0].Err, hgerrors.ErrMethodUnrecoverable)
	assert.NoError(t, out[1].Err, "failures are isolated")
}

func TestReader_StaticFields(t *testing.T) {
	rt := testutil.NewRuntime(memory.ArchARM64)
	hk := rt.DefineClass("Lde/robv/android/xposed/XposedBridge;", nil, []testutil.FieldDef{
		{Name: "sHookedMethodCallbacks", Type: "Ljava/util/Map;"},
		{Name: "runtime", Type: "I"},
	})
	cb := rt.NewObject(rt.ObjectClass)
	rt.SetStatic(hk, 0, cb)
	sim := rt.Build()

	r := NewReader(sim, defaultLayout(t))
	assert.Equal(t, "de.robv.android.xposed.XposedBridge", r.ClassName(hk.Addr))

	fields, err := r.StaticFields(hk.Addr)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, "sHookedMethodCallbacks", fields[0].Name)
	assert.True(t, fields[0].Reference())
	assert.Equal(t, hk.Slots[0], fields[0].Slot)
	assert.False(t, fields[1].Reference())

	v, err := memory.ReadU32(sim, fields[0].Slot)
	require.NoError(t, err)
	assert.Equal(t, cb, v)
	k, err := r.Class(v)
	require.NoError(t, err)
	assert.Equal(t, "java.lang.Object", r.ClassName(k))

	assert.Equal(t, fmt.Sprintf("class@0x%x", 0x40), r.ClassName(0x40))
}

func TestReader_Objects(t *testing.T) {
	rt := testutil.NewRuntime(memory.ArchARM64)
	iface := rt.DefineClass("Lio/github/libxposed/api/XposedInterface;", nil, nil)
	base := rt.Define(testutil.ClassDef{
		Descriptor: "Lcom/example/Base;",
		Super:      rt.ObjectClass,
		Interfaces: []*testutil.Class{iface},
		Fields:     []testutil.FieldDef{{Name: "count", Type: "J"}, {Name: "name", Type: "Ljava/lang/String;"}},
	})
	impl := rt.Define(testutil.ClassDef{
		Descriptor: "Lcom/example/Impl;",
		Super:      base,
		Fields:     []testutil.FieldDef{{Name: "next", Type: "Lcom/example/Impl;"}},
	})
	obj := rt.NewObject(impl)
	other := rt.NewObject(impl)
	rt.SetField(obj, "next", other)
	arr := rt.NewArray(obj, 0, other)
	sim := rt.Build()

	r := NewReader(sim, defaultLayout(t))
	classes, err := r.Classes([]uint32{impl.Addr, obj, iface.Addr})
	require.NoError(t, err)
	assert.Equal(t, []uint32{impl.Addr, iface.Addr}, classes)
	assert.True(t, r.IsObject(obj))
	assert.False(t, r.IsObject(uint32(testutil.HeapBase)+0x10))

	assert.Equal(t, []uint32{impl.Addr, base.Addr, rt.ObjectClass.Addr}, r.Supers(impl.Addr))
	ifaces, err := r.Interfaces(impl.Addr)
	require.NoError(t, err)
	assert.Equal(t, []uint32{iface.Addr}, ifaces, "inherited from the superclass")
	ifaces, err = r.Interfaces(rt.ObjectClass.Addr)
	require.NoError(t, err)
	assert.Empty(t, ifaces)

	next, ok := r.FieldOf(obj, "next")
	require.True(t, ok)
	assert.Equal(t, rt.FieldSlot(obj, "next"), next.Slot)
	assert.True(t, next.Reference())
	count, ok := r.FieldOf(other, "count")
	require.True(t, ok, "declared by the superclass")
	assert.Equal(t, "J", count.Type)
	assert.Equal(t, rt.FieldSlot(other, "count"), count.Slot)
	_, ok = r.FieldOf(obj, "missing")
	assert.False(t, ok)

	elems, first, err := r.ObjectArray(arr)
	require.NoError(t, err)
	assert.Equal(t, []uint32{obj, 0, other}, elems)
	assert.Equal(t, testutil.ArraySlot(arr, 0), first)
	_, _, err = r.ObjectArray(0)
	assert.Error(t, err)
}
