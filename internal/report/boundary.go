package report

import "slices"

// Flag bits returned by Boundary.Flags.
const (
	FlagLibrary = 1 << 0
	FlagMethods = 1 << 1
)

// Boundary answers the zero-argument queries of the outer layers. Every
// method returns a copy; the answers never change.
type Boundary struct {
	flags     int
	restored  []string
	listForm  bool
	cleared   []string
	framework string
	report    *Report
}

// NewBoundary freezes r. listForm enables UnhookedMethodList.
func NewBoundary(r *Report, listForm bool) *Boundary {
	b := &Boundary{
		listForm:  listForm,
		restored:  clone(r.RestoredMethods),
		cleared:   clone(r.ClearedCallbacks),
		framework: r.FrameworkName,
		report:    r.clone(),
	}
	if r.LibrarySuccess {
		b.flags |= FlagLibrary
	}
	if r.MethodSuccess {
		b.flags |= FlagMethods
	}
	return b
}

// Flags returns bit 0 set when the library was restored and bit 1 set when
// every method was. Other bits are zero.
func (b *Boundary) Flags() int { return b.flags }

// UnhookedMethods returns the restored method signatures followed by one
// empty string marking the end.
func (b *Boundary) UnhookedMethods() []string {
	out := make([]string, len(b.restored), len(b.restored)+1)
	copy(out, b.restored)
	return append(out, "")
}

// UnhookedMethodList returns the restored method signatures. ok is false
// when the list form is disabled and callers must use UnhookedMethods.
func (b *Boundary) UnhookedMethodList() (methods []string, ok bool) {
	if !b.listForm {
		return nil, false
	}
	return clone(b.restored), true
}

// ClearedCallbacks returns the identifiers of the cleared callbacks.
func (b *Boundary) ClearedCallbacks() []string { return clone(b.cleared) }

// FrameworkName returns the name of the hooking framework.
func (b *Boundary) FrameworkName() string { return b.framework }

// Report returns a copy of the full report.
func (b *Boundary) Report() *Report { return b.report.clone() }

// clone copies r and everything it references.
func (r *Report) clone() *Report {
	c := *r
	c.RestoredMethods = slices.Clone(r.RestoredMethods)
	c.ClearedCallbacks = slices.Clone(r.ClearedCallbacks)
	c.Library.Sites = slices.Clone(r.Library.Sites)
	c.Library.Digests = slices.Clone(r.Library.Digests)
	if r.Methods.Walk != nil {
		walk := *r.Methods.Walk
		c.Methods.Walk = &walk
	}
	c.Methods.Entries = slices.Clone(r.Methods.Entries)
	c.Callbacks = slices.Clone(r.Callbacks)
	c.Errors = slices.Clone(r.Errors)
	return &c
}

func clone(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	return out
}
