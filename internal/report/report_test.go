package report

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookguard/hookguard/internal/art"
	"github.com/hookguard/hookguard/internal/baseline"
	"github.com/hookguard/hookguard/internal/callbacks"
	hgerrors "github.com/hookguard/hookguard/internal/errors"
	"github.com/hookguard/hookguard/internal/patcher"
)

func method(sig string, recoverable bool) *art.Method {
	return &art.Method{
		Class:       "android.app.Activity",
		Name:        sig,
		Signature:   "Landroid/app/Activity;->" + sig + "()V",
		Address:     0x7a00001000,
		Observed:    0x7f00000000,
		Original:    0x7b00001100,
		Recoverable: recoverable,
	}
}

func cleanLibrary() LibraryInput {
	return LibraryInput{Path: "/apex/com.android.art/lib64/libart.so", Compare: &baseline.Result{BuildID: "abcd"}}
}

func TestAggregate_Clean(t *testing.T) {
	r := Aggregate(Input{
		RunID:   "run",
		Library: cleanLibrary(),
		Methods: MethodsInput{Walk: &art.Result{Layout: "art-26"}},
	})
	assert.True(t, r.LibrarySuccess)
	assert.True(t, r.MethodSuccess)
	assert.Empty(t, r.RestoredMethods)
	assert.NotNil(t, r.RestoredMethods)
	assert.Equal(t, DefaultFrameworkName, r.FrameworkName)

	b := NewBoundary(r, true)
	assert.Equal(t, 0b11, b.Flags())
	assert.Equal(t, []string{""}, b.UnhookedMethods())
	list, ok := b.UnhookedMethodList()
	assert.True(t, ok)
	assert.Empty(t, list)
}

func TestAggregate_LibrarySites(t *testing.T) {
	in := cleanLibrary()
	in.Compare.Sites = []baseline.PatchSite{
		{Vaddr: 0x1000, Address: 0x7b00001000, Original: []byte{1, 2, 3, 4}},
		{Vaddr: 0x2000, Address: 0x7b00002000, Original: []byte{5, 6, 7, 8}},
	}
	in.Outcomes = []patcher.Outcome{{}, {}}

	r := Aggregate(Input{Library: in, Methods: MethodsInput{Walk: &art.Result{}}})
	assert.True(t, r.LibrarySuccess)
	assert.Equal(t, 2, r.Counters.SitesRestored)
	assert.Equal(t, "0x1000", r.Library.Sites[0].Vaddr)

	in.Outcomes[1].Err = hgerrors.ErrVerifyFailed
	r = Aggregate(Input{Library: in, Methods: MethodsInput{Walk: &art.Result{}}})
	assert.False(t, r.LibrarySuccess)
	assert.True(t, r.MethodSuccess, "flags are independent")
	assert.Equal(t, 1, r.Counters.SitesRestored)
	assert.Contains(t, r.Library.Sites[1].Error, "verification")
	assert.Equal(t, 0b10, NewBoundary(r, true).Flags())
}

func TestAggregate_LibraryUnavailable(t *testing.T) {
	r := Aggregate(Input{
		Library: LibraryInput{Err: fmt.Errorf("%w: no such file", hgerrors.ErrBaselineUnavailable)},
		Methods: MethodsInput{Walk: &art.Result{}},
	})
	assert.False(t, r.LibrarySuccess)
	assert.True(t, r.MethodSuccess)
	assert.Contains(t, r.Library.Error, "reference image unavailable")
	require.Len(t, r.Errors, 1)
}

func TestAggregate_Methods(t *testing.T) {
	a := method("onCreate", true)
	dup := method("onCreate", true)
	b := method("onResume", false)
	b.Synthetic = true
	b.Reason = "backup entry point is a trampoline"

	walk := &art.Result{Hooked: []*art.Method{a, dup, b}}
	r := Aggregate(Input{
		Library: cleanLibrary(),
		Methods: MethodsInput{
			Walk: walk,
			Restorations: []art.Restoration{
				{Method: a},
				{Method: dup},
				{Method: b, Err: hgerrors.ErrMethodUnrecoverable},
			},
		},
	})
	assert.False(t, r.MethodSuccess)
	assert.Equal(t, []string{a.Signature}, r.RestoredMethods, "deduplicated by identity")
	assert.Equal(t, 3, r.Counters.MethodsDetected)
	assert.Equal(t, 2, r.Counters.MethodsRestored)
	assert.Equal(t, 1, r.Counters.MethodsUnrecoverable)

	require.Len(t, r.Methods.Entries, 2)
	un := r.Methods.Entries[1]
	assert.False(t, un.Restored)
	assert.True(t, un.Synthetic)
	assert.Equal(t, b.Reason, un.Reason)
	assert.Empty(t, un.Original)

	boundary := NewBoundary(r, true)
	assert.Equal(t, 0b01, boundary.Flags())
	legacy := boundary.UnhookedMethods()
	list, ok := boundary.UnhookedMethodList()
	require.True(t, ok)
	assert.Equal(t, len(list), len(legacy)-1)
	assert.Equal(t, "", legacy[len(legacy)-1])
}

func TestAggregate_WalkFailed(t *testing.T) {
	r := Aggregate(Input{
		Library: cleanLibrary(),
		Methods: MethodsInput{Err: hgerrors.ErrRegistryNotFound},
	})
	assert.True(t, r.LibrarySuccess)
	assert.False(t, r.MethodSuccess)
	assert.Equal(t, hgerrors.ErrRegistryNotFound.Error(), r.Methods.Error)
}

func TestAggregate_DryRun(t *testing.T) {
	in := cleanLibrary()
	in.Compare.Sites = []baseline.PatchSite{{Vaddr: 0x1000, Original: []byte{1}}}
	r := Aggregate(Input{
		DryRun:  true,
		Library: in,
		Methods: MethodsInput{Walk: &art.Result{Hooked: []*art.Method{method("onCreate", true)}}},
	})
	assert.False(t, r.LibrarySuccess)
	assert.False(t, r.MethodSuccess)
	assert.Empty(t, r.RestoredMethods)
	assert.False(t, r.Library.Sites[0].Restored)
}

func TestAggregate_Callbacks(t *testing.T) {
	e1 := callbacks.Entry{ID: "a.B@12c00010", Slot: 0x12c00100, Owner: "LSPHooker_"}
	e2 := callbacks.Entry{ID: "a.C@12c00020", Slot: 0x12c00104, Owner: "LSPHooker_"}
	r := Aggregate(Input{
		Library: cleanLibrary(),
		Methods: MethodsInput{Walk: &art.Result{}},
		Callbacks: CallbacksInput{
			Registries: 1,
			Entries:    []callbacks.Entry{e1, e2},
			Result: callbacks.Result{
				Cleared: []callbacks.Entry{e1},
				Failed:  []callbacks.Failure{{Entry: e2, Err: errors.New("boom")}},
			},
			Framework: "LSPatch",
		},
		DefaultFramework: "Other",
	})
	assert.Equal(t, []string{e1.ID}, r.ClearedCallbacks)
	assert.Equal(t, "LSPatch", r.FrameworkName)
	assert.Equal(t, 1, r.Counters.CallbackRegistries)
	assert.Equal(t, 2, r.Counters.CallbacksFound)
	assert.Equal(t, 1, r.Counters.CallbacksCleared)
	assert.Equal(t, "boom", r.Callbacks[1].Error)

	b := NewBoundary(r, false)
	assert.Equal(t, []string{e1.ID}, b.ClearedCallbacks())
	_, ok := b.UnhookedMethodList()
	assert.False(t, ok, "list form disabled")
}

func TestAggregate_DefaultFramework(t *testing.T) {
	r := Aggregate(Input{DefaultFramework: "Vector"})
	assert.Equal(t, "Vector", r.FrameworkName)
	assert.False(t, r.LibrarySuccess)
	assert.False(t, r.MethodSuccess)
}

func TestBoundary_ReturnsCopies(t *testing.T) {
	r := Aggregate(Input{
		Library: cleanLibrary(),
		Methods: MethodsInput{
			Walk:         &art.Result{Hooked: []*art.Method{method("onCreate", true)}},
			Restorations: nil,
		},
		Callbacks: CallbacksInput{
			Entries: []callbacks.Entry{{ID: "x@1", Slot: 1}},
			Result:  callbacks.Result{Cleared: []callbacks.Entry{{ID: "x@1", Slot: 1}}},
		},
	})
	b := NewBoundary(r, true)

	cb := b.ClearedCallbacks()
	cb[0] = "changed"
	assert.Equal(t, []string{"x@1"}, b.ClearedCallbacks())

	legacy := b.UnhookedMethods()
	legacy[0] = "changed"
	assert.Equal(t, []string{""}, b.UnhookedMethods())

	r.ClearedCallbacks[0] = "mutated"
	assert.Equal(t, []string{"x@1"}, b.ClearedCallbacks(), "boundary owns its data")
}

func TestBoundary_ReportIsCopy(t *testing.T) {
	in := cleanLibrary()
	in.Compare.Sites = []baseline.PatchSite{{Vaddr: 0x1000, Original: []byte{1}}}
	r := Aggregate(Input{
		Library: in,
		Methods: MethodsInput{
			Walk: &art.Result{Stats: art.Stats{Methods: 4}, Hooked: []*art.Method{method("onCreate", true)}},
		},
		Callbacks: CallbacksInput{
			Entries: []callbacks.Entry{{ID: "x@1", Slot: 1}},
			Result:  callbacks.Result{Cleared: []callbacks.Entry{{ID: "x@1", Slot: 1}}},
		},
	})
	b := NewBoundary(r, true)

	got := b.Report()
	got.RestoredMethods = append(got.RestoredMethods, "extra")
	got.ClearedCallbacks[0] = "changed"
	got.Library.Sites[0].Restored = true
	got.Methods.Walk.Methods = 99
	got.Methods.Entries[0].Reason = "changed"
	got.Callbacks[0].ID = "changed"
	got.LibrarySuccess = true

	again := b.Report()
	assert.NotSame(t, got, again)
	assert.Equal(t, []string{"x@1"}, again.ClearedCallbacks)
	assert.False(t, again.Library.Sites[0].Restored)
	assert.Equal(t, 4, again.Methods.Walk.Methods)
	assert.Empty(t, again.Methods.Entries[0].Reason)
	assert.Equal(t, "x@1", again.Callbacks[0].ID)
	assert.False(t, again.LibrarySuccess)
	assert.Equal(t, 0, b.Flags())

	r.Methods.Walk.Methods = 7
	assert.Equal(t, 4, b.Report().Methods.Walk.Methods, "boundary owns its report")
}
