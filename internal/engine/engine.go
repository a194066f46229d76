package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hookguard/hookguard/internal/art"
	"github.com/hookguard/hookguard/internal/baseline"
	"github.com/hookguard/hookguard/internal/callbacks"
	"github.com/hookguard/hookguard/internal/config"
	hgerrors "github.com/hookguard/hookguard/internal/errors"
	"github.com/hookguard/hookguard/internal/freeze"
	"github.com/hookguard/hookguard/internal/mapscan"
	"github.com/hookguard/hookguard/internal/memory"
	"github.com/hookguard/hookguard/internal/patcher"
	"github.com/hookguard/hookguard/internal/report"
	"github.com/hookguard/hookguard/internal/retry"
	"github.com/hookguard/hookguard/internal/runtime"
	"github.com/hookguard/hookguard/internal/safe"
	"github.com/hookguard/hookguard/internal/trampoline"
)

// Target is the memory of the process being repaired.
type Target interface {
	memory.AddressSpace
	memory.Mapper
}

// Engine orchestrates the components of a run.
type Engine struct {
	cfg     *config.Config
	target  Target
	freezer freeze.Freezer
	logger  zerolog.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithFreezer replaces the freezer derived from the configuration.
func WithFreezer(f freeze.Freezer) Option {
	return func(e *Engine) { e.freezer = f }
}

// New creates an engine operating on target.
func New(cfg *config.Config, target Target, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg,
		target: target,
		logger: logger.With().Str("component", "engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.freezer == nil {
		e.freezer = freeze.None{}
		if cfg.Freeze.Enabled {
			e.freezer = freeze.New(target.Pid(), freeze.Config{
				Timeout:      cfg.Freeze.Timeout,
				PollInterval: cfg.Freeze.PollInterval,
			}, logger)
		}
	}
	return e
}

// Run detects and reverses every hook and returns the report.
func (e *Engine) Run(ctx context.Context) *report.Report {
	return e.run(ctx, false)
}

// Scan detects hooks without writing to the target.
func (e *Engine) Scan(ctx context.Context) *report.Report {
	return e.run(ctx, true)
}

// run holds the state shared by the steps of one pass.
type run struct {
	*Engine
	dryRun  bool
	logger  zerolog.Logger
	regions []mapscan.Region
	layout  art.Layout
	table   *trampoline.Table
	patcher *patcher.Patcher

	// image and ref are the runtime library and its on-disk copy, set once
	// the library step loaded them.
	image    *mapscan.Image
	ref      *baseline.Reference
	resolved *art.Handles
}

func (e *Engine) run(ctx context.Context, dryRun bool) *report.Report {
	in := report.Input{
		RunID:            uuid.New().String(),
		StartedAt:        time.Now().UTC(),
		DryRun:           dryRun,
		Pid:              e.target.Pid(),
		Arch:             string(e.target.Arch()),
		DefaultFramework: e.cfg.Report.FrameworkName,
	}
	r := &run{
		Engine: e,
		dryRun: dryRun,
		logger: e.logger.With().Str("run_id", in.RunID).Bool("dry_run", dryRun).Logger(),
	}
	r.logger.Info().Int("pid", in.Pid).Str("arch", in.Arch).Msg("Starting run")

	regions, err := mapscan.New(e.target, r.logger).Scan()
	if err != nil {
		in.Library.Err = err
		in.Methods.Err = err
		in.Callbacks.Err = err
		return r.finish(in)
	}
	r.regions = regions
	r.table = e.signatures()
	r.patcher = patcher.New(e.target, e.freezer, patcher.Config{
		Freeze: e.cfg.Freeze.Enabled,
		Retry: retry.Config{
			MaxRetries:     e.cfg.Patch.Retries,
			InitialBackoff: e.cfg.Patch.RetryDelay,
			MaxBackoff:     e.cfg.Patch.RetryMaxDelay,
		},
	}, r.logger)

	in.Library = r.library(ctx)

	if layout, err := e.layout(); err != nil {
		in.Methods.Err = err
	} else {
		r.layout = layout
		in.Methods = r.methods(ctx)
	}
	in.Callbacks = r.callbacks(ctx, in.Methods.Walk)
	return r.finish(in)
}

func (r *run) finish(in report.Input) *report.Report {
	in.FinishedAt = time.Now().UTC()
	rep := report.Aggregate(in)
	r.logger.Info().
		Bool("library_success", rep.LibrarySuccess).
		Bool("method_success", rep.MethodSuccess).
		Int("sites", rep.Counters.PatchSites).
		Int("methods_restored", len(rep.RestoredMethods)).
		Int("callbacks_cleared", len(rep.ClearedCallbacks)).
		Str("framework", rep.FrameworkName).
		Dur("elapsed", in.FinishedAt.Sub(in.StartedAt)).
		Msg("Run complete")
	return rep
}

// signatures returns the trampoline table, extended from the configured
// file when one is set.
func (e *Engine) signatures() *trampoline.Table {
	path := e.cfg.Trampolines.SignatureFile
	if path == "" {
		return trampoline.DefaultTable()
	}
	t, err := trampoline.LoadTable(path)
	if err != nil {
		e.logger.Warn().Err(err).Str("path", path).Msg("Failed to load trampoline signatures, using built-in table")
		return trampoline.DefaultTable()
	}
	return t
}

// layout selects the runtime layout from the configured or detected API
// level.
func (e *Engine) layout() (art.Layout, error) {
	api, err := runtime.APILevel(e.cfg.Layout.API, e.cfg.Layout.BuildProp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hgerrors.ErrLayoutUnsupported, err)
	}
	l, err := art.Select(api)
	if err != nil {
		return nil, err
	}
	l, err = art.WithOverrides(l, e.cfg.Layout.Overrides)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hgerrors.ErrLayoutUnsupported, err)
	}
	e.logger.Debug().Int("api", api).Str("layout", l.Name()).Msg("Selected runtime layout")
	return l, nil
}

// library restores the runtime library's executable segments.
func (r *run) library(ctx context.Context) (in report.LibraryInput) {
	defer hgerrors.Recover(r.logger, "library", &in.Err)

	if err := ctx.Err(); err != nil {
		in.Err = err
		return in
	}

	lib := r.cfg.Library
	img, err := mapscan.FindLibrary(r.regions, lib.Name)
	if err != nil {
		in.Err = err
		return in
	}
	in.Path = img.Path
	r.image = img

	refPath := lib.Reference
	if refPath == "" {
		refPath = img.Path
	}
	ref, err := baseline.Load(refPath, &safe.ReadOptions{MaxSize: lib.MaxReferenceSize, AllowSymlinks: true})
	if err != nil {
		in.Err = err
		return in
	}
	r.ref = ref

	allow, missing := baseline.NewAllowList(lib.Volatile.Ranges, lib.Volatile.Symbols, ref)
	if len(missing) > 0 {
		r.logger.Warn().Strs("symbols", missing).Msg("Volatile symbols not found in reference")
	}

	res, err := baseline.NewComparator(r.target, allow, r.logger).Compare(ref, img)
	if err != nil {
		in.Err = err
		return in
	}
	in.Compare = res
	if r.dryRun || len(res.Sites) == 0 {
		return in
	}

	writes := make([]patcher.Write, len(res.Sites))
	for i, s := range res.Sites {
		writes[i] = patcher.Write{
			Label:   fmt.Sprintf("%s+0x%x", lib.Name, s.Vaddr),
			Address: s.Address,
			Want:    s.Original,
		}
	}
	in.Outcomes, _ = r.patcher.Apply(ctx, writes)
	return in
}

// handles returns the configured runtime handles. Without a JavaVM or a
// table address, the JavaVM is located through Runtime::instance_ in the
// reference's symbols.
func (r *run) handles(l art.Layout) art.Handles {
	if r.resolved != nil {
		return *r.resolved
	}
	rt := r.cfg.Runtime
	h := art.Handles{
		JavaVM:         rt.JavaVM,
		GlobalRefs:     rt.GlobalRefs,
		GlobalRefCount: rt.GlobalRefCount,
		MethodClass:    rt.MethodClass,
	}
	if h.JavaVM == 0 && h.GlobalRefs == 0 {
		vm, err := r.javaVM(l)
		if err != nil {
			r.logger.Debug().Err(err).Msg("JavaVM not resolved, scanning reference table mappings")
		} else {
			r.logger.Debug().Str("java_vm", fmt.Sprintf("0x%x", vm)).Msg("Resolved JavaVM from Runtime::instance_")
			h.JavaVM = vm
		}
	}
	r.resolved = &h
	return h
}

func (r *run) javaVM(l art.Layout) (uint64, error) {
	if r.image == nil || r.ref == nil {
		return 0, fmt.Errorf("%w: runtime library reference not loaded", hgerrors.ErrRegistryNotFound)
	}
	sym, ok := r.ref.Lookup(art.RuntimeInstanceSymbol)
	if !ok {
		return 0, fmt.Errorf("%w: %s not exported by %s",
			hgerrors.ErrRegistryNotFound, art.RuntimeInstanceSymbol, r.ref.Path)
	}
	return art.JavaVMFromRuntime(r.target, r.image.Base()+sym.Value, l.Offsets(r.target.Arch()))
}

// methods walks the method tables and restores redirected entry points.
func (r *run) methods(ctx context.Context) (in report.MethodsInput) {
	defer hgerrors.Recover(r.logger, "methods", &in.Err)

	codes := mapscan.CodeRegions(r.regions, r.cfg.Library.Name)
	w := art.NewWalker(r.target, r.layout, codes, r.table, r.logger)
	walk, err := w.Walk(ctx, r.regions, r.handles(r.layout))
	if err != nil {
		in.Err = err
		return in
	}
	in.Walk = walk
	if r.dryRun || len(walk.Hooked) == 0 {
		return in
	}
	in.Restorations = w.Restore(ctx, r.patcher, walk.Hooked)
	return in
}

// callbacks empties the framework's callback registries. It runs whatever
// the outcome of the previous steps; without a selected layout every
// reference table format is tried.
func (r *run) callbacks(ctx context.Context, walk *art.Result) (in report.CallbacksInput) {
	defer hgerrors.Recover(r.logger, "callbacks", &in.Err)

	if err := ctx.Err(); err != nil {
		in.Err = err
		return in
	}
	var frameworks []callbacks.Framework
	if len(r.cfg.Report.Frameworks) > 0 {
		frameworks = r.cfg.Report.Frameworks
	}
	var hookers []uint32
	if walk != nil {
		hookers = walk.HookerClasses
	}

	var err error
	for _, l := range r.callbackLayouts() {
		c := callbacks.New(r.target, l, frameworks, r.logger)
		found, ferr := c.Find(r.regions, r.handles(l), hookers)
		if ferr != nil {
			r.logger.Debug().Err(ferr).Str("layout", l.Name()).Msg("No callback registries with layout")
			err = ferr
			continue
		}
		in.Registries = len(found.Registries)
		in.Entries, in.Framework = found.Entries, found.Framework
		if !r.dryRun && len(found.Registries) > 0 {
			in.Result = c.Clear(ctx, r.patcher, found.Registries)
		}
		return in
	}
	in.Err = err
	return in
}

// callbackLayouts is the selected layout, or one built-in layout per
// reference table format when none was selected.
func (r *run) callbackLayouts() []art.Layout {
	if r.layout != nil {
		return []art.Layout{r.layout}
	}
	var out []art.Layout
	formats := make(map[string]bool)
	for _, l := range art.Layouts() {
		if f := l.RefFormat().Name; !formats[f] {
			formats[f] = true
			out = append(out, l)
		}
	}
	return out
}

// Session runs an engine at most once and keeps its boundary.
type Session struct {
	once     sync.Once
	boundary *report.Boundary
}

// Init runs e on the first call and returns the same boundary on every
// call. Later engines are ignored.
func (s *Session) Init(ctx context.Context, e *Engine) *report.Boundary {
	s.once.Do(func() {
		s.boundary = report.NewBoundary(e.Run(ctx), e.cfg.Report.ListForm)
	})
	return s.boundary
}

var defaultSession Session

// Init runs e once per process. See Session.Init.
func Init(ctx context.Context, e *Engine) *report.Boundary {
	return defaultSession.Init(ctx, e)
}
