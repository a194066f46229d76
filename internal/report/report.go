// Package report aggregates the outcomes of one run into an immutable
// RestorationReport and exposes the pull-only boundary read by callers.
package report

import (
	"fmt"
	"time"

	"github.com/hookguard/hookguard/internal/art"
	"github.com/hookguard/hookguard/internal/baseline"
	"github.com/hookguard/hookguard/internal/callbacks"
	"github.com/hookguard/hookguard/internal/patcher"
)

// DefaultFrameworkName is reported when the run cannot observe the
// framework.
const DefaultFrameworkName = "LSPosed"

// SiteResult is the outcome for one library patch site.
type SiteResult struct {
	Vaddr    string `json:"vaddr" header:"VADDR"`
	Address  string `json:"address" header:"ADDRESS"`
	Length   int    `json:"length" header:"LENGTH"`
	Restored bool   `json:"restored" header:"RESTORED"`
	Error    string `json:"error,omitempty" header:"ERROR"`
}

// MethodResult is the outcome for one hooked method.
type MethodResult struct {
	Signature   string `json:"signature" header:"METHOD"`
	Class       string `json:"class"`
	Name        string `json:"name"`
	Address     string `json:"address"`
	Observed    string `json:"observed" header:"ENTRY"`
	Original    string `json:"original,omitempty" header:"ORIGINAL"`
	Trampoline  string `json:"trampoline,omitempty"`
	Recoverable bool   `json:"recoverable"`
	Synthetic   bool   `json:"synthetic" header:"SYNTHETIC"`
	Restored    bool   `json:"restored" header:"RESTORED"`
	Reason      string `json:"reason,omitempty" header:"REASON"`
}

// CallbackResult is the outcome for one callback slot.
type CallbackResult struct {
	ID      string `json:"id" header:"CALLBACK"`
	Owner   string `json:"owner" header:"OWNER"`
	Field   string `json:"field,omitempty"`
	Slot    string `json:"slot" header:"SLOT"`
	Cleared bool   `json:"cleared" header:"CLEARED"`
	Error   string `json:"error,omitempty"`
}

// Counters summarize a run.
type Counters struct {
	PatchSites           int    `json:"patch_sites"`
	SitesRestored        int    `json:"sites_restored"`
	BytesCompared        uint64 `json:"bytes_compared"`
	MethodsDetected      int    `json:"methods_detected"`
	MethodsRestored      int    `json:"methods_restored"`
	MethodsUnrecoverable int    `json:"methods_unrecoverable"`
	CallbackRegistries   int    `json:"callback_registries"`
	CallbacksFound       int    `json:"callbacks_found"`
	CallbacksCleared     int    `json:"callbacks_cleared"`
}

// Library is the audit detail of the library path.
type Library struct {
	Path    string                   `json:"path,omitempty"`
	BuildID string                   `json:"build_id,omitempty"`
	Sites   []SiteResult             `json:"sites"`
	Digests []baseline.SegmentDigest `json:"digests,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

// Methods is the audit detail of the method path.
type Methods struct {
	Layout  string         `json:"layout,omitempty"`
	Walk    *art.Stats     `json:"walk,omitempty"`
	Entries []MethodResult `json:"entries"`
	Error   string         `json:"error,omitempty"`
}

// Report is the RestorationReport of one run. It is never modified after
// Aggregate returns.
type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DryRun     bool      `json:"dry_run"`
	Pid        int       `json:"pid"`
	Arch       string    `json:"arch"`

	LibrarySuccess   bool     `json:"library_success"`
	MethodSuccess    bool     `json:"method_success"`
	RestoredMethods  []string `json:"restored_methods"`
	ClearedCallbacks []string `json:"cleared_callbacks"`
	FrameworkName    string   `json:"framework_name"`

	Library   Library          `json:"library"`
	Methods   Methods          `json:"methods"`
	Callbacks []CallbackResult `json:"callbacks"`
	Counters  Counters         `json:"counters"`
	Errors    []string         `json:"errors,omitempty"`
}

// LibraryInput is what the library path produced. Err is set when the path
// could not run: library not mapped, baseline unavailable or a recovered
// panic.
type LibraryInput struct {
	Path     string
	Err      error
	Compare  *baseline.Result
	Outcomes []patcher.Outcome
}

// MethodsInput is what the method path produced. Restorations is nil in a
// dry run.
type MethodsInput struct {
	Err          error
	Walk         *art.Result
	Restorations []art.Restoration
}

// CallbacksInput is what the callback cleaner produced.
type CallbacksInput struct {
	Err error
	// Registries is the number of registries found.
	Registries int
	Entries    []callbacks.Entry
	Result     callbacks.Result
	Framework  string
}

// Input gathers the outcomes of a run.
type Input struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool
	Pid        int
	Arch       string
	// DefaultFramework names the framework when the run did not observe
	// one. Empty means DefaultFrameworkName.
	DefaultFramework string

	Library   LibraryInput
	Methods   MethodsInput
	Callbacks CallbacksInput
}

func hex(v uint64) string { return fmt.Sprintf("0x%x", v) }

// Aggregate builds the report. It has no side effects.
func Aggregate(in Input) *Report {
	r := &Report{
		RunID:            in.RunID,
		StartedAt:        in.StartedAt,
		FinishedAt:       in.FinishedAt,
		DryRun:           in.DryRun,
		Pid:              in.Pid,
		Arch:             in.Arch,
		RestoredMethods:  []string{},
		ClearedCallbacks: []string{},
		Library:          Library{Path: in.Library.Path, Sites: []SiteResult{}},
		Methods:          Methods{Entries: []MethodResult{}},
		Callbacks:        []CallbackResult{},
	}
	r.LibrarySuccess = r.aggregateLibrary(in.Library, in.DryRun)
	r.MethodSuccess = r.aggregateMethods(in.Methods, in.DryRun)
	r.aggregateCallbacks(in.Callbacks, in.DryRun)

	r.FrameworkName = in.Callbacks.Framework
	if r.FrameworkName == "" {
		r.FrameworkName = in.DefaultFramework
	}
	if r.FrameworkName == "" {
		r.FrameworkName = DefaultFrameworkName
	}
	return r
}

func (r *Report) aggregateLibrary(in LibraryInput, dryRun bool) bool {
	if in.Err != nil {
		r.Library.Error = in.Err.Error()
		r.Errors = append(r.Errors, "library: "+in.Err.Error())
		return false
	}
	if in.Compare == nil {
		r.Library.Error = "library not compared"
		return false
	}
	r.Library.BuildID = in.Compare.BuildID
	r.Library.Digests = in.Compare.Digests
	r.Counters.PatchSites = len(in.Compare.Sites)
	r.Counters.BytesCompared = in.Compare.BytesCompared

	ok := true
	for i, s := range in.Compare.Sites {
		sr := SiteResult{Vaddr: hex(s.Vaddr), Address: hex(s.Address), Length: s.Len()}
		switch {
		case dryRun:
			// Detected, not undone.
			ok = false
		case i >= len(in.Outcomes):
			sr.Error = "not attempted"
			ok = false
		case in.Outcomes[i].Err != nil:
			sr.Error = in.Outcomes[i].Err.Error()
			ok = false
		default:
			sr.Restored = true
			r.Counters.SitesRestored++
		}
		r.Library.Sites = append(r.Library.Sites, sr)
	}
	return ok
}

func (r *Report) aggregateMethods(in MethodsInput, dryRun bool) bool {
	if in.Err != nil {
		r.Methods.Error = in.Err.Error()
		r.Errors = append(r.Errors, "methods: "+in.Err.Error())
	}
	if in.Walk == nil {
		if r.Methods.Error == "" {
			r.Methods.Error = "method tables not walked"
		}
		return false
	}
	r.Methods.Layout = in.Walk.Layout
	stats := in.Walk.Stats
	r.Methods.Walk = &stats

	errs := make(map[*art.Method]error, len(in.Restorations))
	attempted := make(map[*art.Method]bool, len(in.Restorations))
	for _, rs := range in.Restorations {
		errs[rs.Method] = rs.Err
		attempted[rs.Method] = true
	}

	ok := in.Err == nil
	seen := make(map[string]bool)
	for _, m := range in.Walk.Hooked {
		mr := MethodResult{
			Signature:   m.Signature,
			Class:       m.Class,
			Name:        m.Name,
			Address:     hex(m.Address),
			Observed:    hex(m.Observed),
			Trampoline:  m.Trampoline,
			Recoverable: m.Recoverable,
			Synthetic:   m.Synthetic,
			Reason:      m.Reason,
		}
		if m.Recoverable {
			mr.Original = hex(m.Original)
		}
		r.Counters.MethodsDetected++
		if !m.Recoverable {
			r.Counters.MethodsUnrecoverable++
		}

		switch {
		case dryRun || !attempted[m]:
			ok = false
		case errs[m] != nil:
			ok = false
			if mr.Reason == "" {
				mr.Reason = errs[m].Error()
			}
		default:
			mr.Restored = true
			r.Counters.MethodsRestored++
			if id := m.Identity(); !seen[id] {
				seen[id] = true
				r.RestoredMethods = append(r.RestoredMethods, m.Signature)
			}
		}
		r.Methods.Entries = append(r.Methods.Entries, mr)
	}
	return ok
}

func (r *Report) aggregateCallbacks(in CallbacksInput, dryRun bool) {
	if in.Err != nil {
		r.Errors = append(r.Errors, "callbacks: "+in.Err.Error())
	}
	r.Counters.CallbackRegistries = in.Registries
	r.Counters.CallbacksFound = len(in.Entries)

	failed := make(map[uint64]error, len(in.Result.Failed))
	for _, f := range in.Result.Failed {
		failed[f.Entry.Slot] = f.Err
	}
	cleared := make(map[uint64]bool, len(in.Result.Cleared))
	for _, e := range in.Result.Cleared {
		cleared[e.Slot] = true
	}

	for _, e := range in.Entries {
		cr := CallbackResult{ID: e.ID, Owner: e.Owner, Field: e.Field, Slot: hex(e.Slot)}
		switch {
		case cleared[e.Slot] && !dryRun:
			cr.Cleared = true
			r.Counters.CallbacksCleared++
			r.ClearedCallbacks = append(r.ClearedCallbacks, e.ID)
		case failed[e.Slot] != nil:
			cr.Error = failed[e.Slot].Error()
		}
		r.Callbacks = append(r.Callbacks, cr)
	}
}
