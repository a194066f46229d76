// Package patcher rewrites small ranges of live code and data and proves each
// rewrite by reading it back.
//
// A batch of writes runs under one stop-the-world pause when the target
// supports it. Otherwise every write is a single call with the protection
// change held for as short a window as possible.
package patcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	hgerrors "github.com/hookguard/hookguard/internal/errors"
	"github.com/hookguard/hookguard/internal/freeze"
	"github.com/hookguard/hookguard/internal/mapscan"
	"github.com/hookguard/hookguard/internal/memory"
	"github.com/hookguard/hookguard/internal/retry"
	"github.com/hookguard/hookguard/internal/sys/proc"
	"github.com/hookguard/hookguard/internal/trampoline"
)

// Config controls how writes are applied.
type Config struct {
	// Freeze enables the stop-the-world pause.
	Freeze bool
	// Retry bounds retries of interrupted writes.
	Retry retry.Config
}

// DefaultConfig returns the default patcher configuration.
func DefaultConfig() Config {
	return Config{
		Freeze: true,
		Retry:  retry.Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond},
	}
}

// Write is one requested rewrite.
type Write struct {
	// Label names the write in logs.
	Label   string
	Address uint64
	Want    []byte
}

// Outcome is the result of one Write.
type Outcome struct {
	Write
	// Err is nil only when the read-back matched Want. Otherwise it wraps
	// ErrPatchFailed or ErrVerifyFailed.
	Err error
	// Atomic is set when the write was a single word store.
	Atomic bool
}

// Verified reports whether the write landed.
func (o Outcome) Verified() bool { return o.Err == nil }

// Stats summarizes a batch.
type Stats struct {
	Paused   bool
	Written  int
	Verified int
	Failed   int
}

// Patcher applies writes to an address space.
type Patcher struct {
	as      memory.AddressSpace
	freezer freeze.Freezer
	cfg     Config
	logger  zerolog.Logger
}

// New creates a patcher. A nil freezer disables pausing.
func New(as memory.AddressSpace, freezer freeze.Freezer, cfg Config, logger zerolog.Logger) *Patcher {
	if freezer == nil {
		freezer = freeze.None{}
	}
	if cfg.Retry.MaxRetries < 1 {
		cfg.Retry.MaxRetries = 1
	}
	return &Patcher{
		as:      as,
		freezer: freezer,
		cfg:     cfg,
		logger:  logger.With().Str("component", "patcher").Logger(),
	}
}

// Patch applies a single write.
func (p *Patcher) Patch(ctx context.Context, addr uint64, want []byte) error {
	out, _ := p.Apply(ctx, []Write{{Address: addr, Want: want}})
	return out[0].Err
}

// Apply performs every write and returns one outcome per write, in order.
// A failed write never prevents the others.
func (p *Patcher) Apply(ctx context.Context, writes []Write) ([]Outcome, Stats) {
	var stats Stats
	outcomes := make([]Outcome, len(writes))
	if len(writes) == 0 {
		return outcomes, stats
	}

	if p.cfg.Freeze {
		thaw, err := p.freezer.Freeze(ctx)
		switch {
		case err == nil:
			stats.Paused = true
			defer hgerrors.DeferRestore(p.logger, thaw, "Failed to resume target")
		case errors.Is(err, hgerrors.ErrUnsupported):
			p.logger.Debug().Err(err).Msg("Pause unavailable, using narrow write windows")
		default:
			p.logger.Warn().Err(err).Msg("Pause failed, using narrow write windows")
		}
	}

	regions := p.regions()
	for i, w := range writes {
		out := p.apply(ctx, regions, w)
		outcomes[i] = out
		stats.Written++
		if out.Verified() {
			stats.Verified++
		} else {
			stats.Failed++
		}
	}

	p.logger.Info().
		Int("writes", len(writes)).
		Int("verified", stats.Verified).
		Int("failed", stats.Failed).
		Bool("paused", stats.Paused).
		Msg("Applied writes")
	return outcomes, stats
}

// regions snapshots the layout once per batch when the address space can
// describe it.
func (p *Patcher) regions() []proc.Mapping {
	m, ok := p.as.(memory.Mapper)
	if !ok {
		return nil
	}
	regions, err := m.Maps()
	if err != nil {
		p.logger.Debug().Err(err).Msg("Failed to read mappings, protection will be elevated unconditionally")
		return nil
	}
	return regions
}

func (p *Patcher) apply(ctx context.Context, regions []proc.Mapping, w Write) Outcome {
	out := Outcome{Write: w}
	n := uint64(len(w.Want))
	if n == 0 {
		return out
	}

	log := p.logger.With().
		Str("addr", fmt.Sprintf("0x%x", w.Address)).
		Int("len", len(w.Want)).
		Str("label", w.Label).
		Logger()

	restore := func() error { return nil }
	if prot, writable := p.protection(regions, w.Address, n); !writable {
		r, err := p.as.Protect(w.Address, n, prot|memory.ProtRead|memory.ProtWrite)
		if err != nil {
			out.Err = fmt.Errorf("%w: %w", hgerrors.ErrPatchFailed, err)
			log.Error().Err(err).Msg("Failed to make range writable")
			return out
		}
		restore = r
	}

	if before, err := memory.ReadBytes(p.as, w.Address, len(w.Want)); err == nil && log.GetLevel() <= zerolog.DebugLevel {
		log.Debug().
			Strs("before", p.describe(before, w.Address)).
			Strs("after", p.describe(w.Want, w.Address)).
			Msg("Rewriting range")
	}

	out.Atomic = p.atomic(w)
	err := retry.Do(ctx, p.cfg.Retry, func() error {
		if out.Atomic {
			return p.as.(memory.WordStorer).StoreWord(w.Address, ptrValue(p.as.Arch(), w.Want))
		}
		return p.as.WriteAt(w.Want, w.Address)
	}, transient)
	// The protection window closes before anything else happens.
	if rerr := restore(); rerr != nil {
		log.Error().Err(rerr).Msg("Failed to restore protection")
	}
	if err != nil {
		out.Err = fmt.Errorf("%w: %w", hgerrors.ErrPatchFailed, err)
		log.Error().Err(err).Msg("Write failed")
		return out
	}

	if err := p.as.FlushICache(w.Address, n); err != nil {
		log.Warn().Err(err).Msg("Instruction cache flush failed")
	}

	got, err := memory.ReadBytes(p.as, w.Address, len(w.Want))
	if err != nil {
		out.Err = fmt.Errorf("%w: %w", hgerrors.ErrVerifyFailed, err)
		log.Error().Err(err).Msg("Read-back failed")
		return out
	}
	if !bytes.Equal(got, w.Want) {
		out.Err = hgerrors.At("verify", w.Address, hgerrors.ErrVerifyFailed)
		log.Error().Hex("want", w.Want).Hex("got", got).Msg("Read-back mismatch")
		return out
	}

	log.Debug().Bool("atomic", out.Atomic).Msg("Write verified")
	return out
}

// protection returns the current protection of the range and whether it is
// already writable. Unknown layouts elevate to RWX.
func (p *Patcher) protection(regions []proc.Mapping, addr, n uint64) (memory.Prot, bool) {
	if regions == nil {
		return memory.ProtRead | memory.ProtExec, false
	}
	r, ok := mapscan.Find(regions, addr)
	if !ok || addr+n > r.End {
		return memory.ProtRead | memory.ProtExec, false
	}
	prot := memory.ParseProt(r.Perms)
	// Remote targets are written through the kernel, which ignores page
	// protection.
	if p.as.Pid() != proc.Self {
		return prot, true
	}
	return prot, prot&memory.ProtWrite != 0
}

// atomic reports whether w can be published with one word store.
func (p *Patcher) atomic(w Write) bool {
	if _, ok := p.as.(memory.WordStorer); !ok || p.as.Pid() != proc.Self {
		return false
	}
	size := p.as.Arch().PtrSize()
	return len(w.Want) == size && w.Address%uint64(size) == 0
}

func (p *Patcher) describe(code []byte, pc uint64) []string {
	return trampoline.Disassemble(p.as.Arch(), code, pc)
}

func ptrValue(arch memory.Arch, b []byte) uint64 {
	if arch.PtrSize() == 4 {
		return uint64(memory.Order.Uint32(b))
	}
	return memory.Order.Uint64(b)
}

func transient(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN)
}
