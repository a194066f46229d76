// Package freeze pauses every thread of a target process while code is being
// rewritten, and resumes it afterwards.
package freeze

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	hgerrors "github.com/hookguard/hookguard/internal/errors"
	"github.com/hookguard/hookguard/internal/retry"
	"github.com/hookguard/hookguard/internal/sys/proc"
)

// Freezer acquires a stop-the-world pause of the target.
type Freezer interface {
	// Freeze stops the target and returns a function that resumes it.
	// ErrUnsupported means the caller must proceed without a pause.
	Freeze(ctx context.Context) (thaw func() error, err error)
}

// Config bounds pause acquisition.
type Config struct {
	// Timeout is the longest wait for every thread to reach a stopped state.
	Timeout time.Duration
	// PollInterval is the delay between thread state scans.
	PollInterval time.Duration
}

// DefaultConfig returns the default pause bounds.
func DefaultConfig() Config {
	return Config{
		Timeout:      500 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
	}
}

// None never pauses. It is used for the calling process, which cannot stop
// itself, and when pausing is disabled.
type None struct{}

// Freeze implements Freezer.
func (None) Freeze(context.Context) (func() error, error) {
	return nil, hgerrors.ErrUnsupported
}

// Signal stops a remote process with SIGSTOP and waits until the scheduler
// reports every thread stopped.
type Signal struct {
	pid    int
	cfg    Config
	logger zerolog.Logger
	kill   func(pid int, sig unix.Signal) error
}

// New returns the freezer for pid. The calling process gets None.
func New(pid int, cfg Config, logger zerolog.Logger) Freezer {
	if pid == proc.Self || pid == os.Getpid() {
		return None{}
	}
	return &Signal{
		pid:    pid,
		cfg:    cfg,
		logger: logger.With().Str("component", "freeze").Int("pid", pid).Logger(),
		kill:   unix.Kill,
	}
}

// Freeze implements Freezer.
func (s *Signal) Freeze(ctx context.Context) (func() error, error) {
	start := time.Now()
	if err := s.kill(s.pid, unix.SIGSTOP); err != nil {
		return nil, fmt.Errorf("failed to stop process %d: %w", s.pid, err)
	}

	thaw := func() error {
		if err := s.kill(s.pid, unix.SIGCONT); err != nil {
			return fmt.Errorf("failed to resume process %d: %w", s.pid, err)
		}
		return nil
	}

	err := retry.Poll(ctx, s.cfg.PollInterval, s.cfg.Timeout, s.allStopped)
	if err != nil {
		if thawErr := thaw(); thawErr != nil {
			s.logger.Error().Err(thawErr).Msg("Failed to resume after aborted pause")
		}
		if errors.Is(err, retry.ErrTimeout) {
			return nil, fmt.Errorf("threads did not stop: %w: %w", err, hgerrors.ErrUnsupported)
		}
		return nil, err
	}

	s.logger.Debug().Dur("elapsed", time.Since(start)).Msg("Target paused")
	return thaw, nil
}

// allStopped reports whether no thread of the target is runnable. Threads
// that exit during the scan are ignored.
func (s *Signal) allStopped() (bool, error) {
	tids, err := proc.ListThreads(s.pid)
	if err != nil {
		return false, err
	}
	for _, tid := range tids {
		state, err := proc.ThreadState(s.pid, tid)
		if err != nil {
			continue
		}
		if !stopped(state) {
			return false, nil
		}
	}
	return true, nil
}

func stopped(state byte) bool {
	switch state {
	case 'T', 't', 'Z', 'X', 'x':
		return true
	}
	return false
}
