// Package runtime inspects the target process and the device it runs on
// before any foreign memory is touched.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/hookguard/hookguard/internal/sys/proc"
)

// ErrTargetNotRunning is returned when the target process does not exist or
// has already exited.
var ErrTargetNotRunning = errors.New("target process is not running")

// Target describes the process the engine operates on.
type Target struct {
	Pid    int
	Self   bool
	Name   string
	Exe    string
	Status []string
	Kernel string

	Privileges Privileges
}

// Stopped reports whether the target is already in a stopped state, in which
// case freezing it is unnecessary.
func (t *Target) Stopped() bool {
	return slices.Contains(t.Status, process.Stop)
}

// Detector detects target process information.
type Detector struct {
	logger     zerolog.Logger
	statusPath string
}

// NewDetector creates a new target detector.
func NewDetector(logger zerolog.Logger) *Detector {
	return &Detector{
		logger:     logger.With().Str("component", "runtime_detector").Logger(),
		statusPath: proc.Path(0, "status"),
	}
}

// Target validates pid and returns its description. A non-positive pid
// selects the calling process.
func (d *Detector) Target(ctx context.Context, pid int) (*Target, error) {
	self := os.Getpid()
	if pid <= 0 {
		pid = self
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // G115: pids fit in int32.
	if err != nil {
		return nil, fmt.Errorf("%w: pid %d: %v", ErrTargetNotRunning, pid, err)
	}

	t := &Target{
		Pid:    pid,
		Self:   pid == self,
		Kernel: proc.GetKernelVersion(),
	}

	if t.Name, err = p.NameWithContext(ctx); err != nil {
		d.logger.Debug().Err(err).Int("pid", pid).Msg("Failed to read process name")
	}
	if t.Exe, err = p.ExeWithContext(ctx); err != nil {
		d.logger.Debug().Err(err).Int("pid", pid).Msg("Failed to read process executable")
	}

	t.Status, err = p.StatusWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read status of pid %d: %w", pid, err)
	}
	if slices.Contains(t.Status, process.Zombie) {
		return nil, fmt.Errorf("%w: pid %d is a zombie", ErrTargetNotRunning, pid)
	}

	privs, err := ReadPrivileges(d.statusPath)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to read own capabilities")
	}
	t.Privileges = privs

	if !t.Self && !privs.CanAccess() {
		d.logger.Warn().
			Int("pid", pid).
			Msg("Neither root nor CAP_SYS_PTRACE, foreign memory access will likely fail")
	}

	d.logger.Info().
		Int("pid", t.Pid).
		Str("name", t.Name).
		Str("exe", t.Exe).
		Strs("status", t.Status).
		Bool("self", t.Self).
		Str("kernel", t.Kernel).
		Msg("Target detected")

	return t, nil
}
