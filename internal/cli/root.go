// Package cli implements the hookguard command line.
package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hookguard/hookguard/internal/art"
	"github.com/hookguard/hookguard/internal/cli/helpers"
	"github.com/hookguard/hookguard/internal/config"
	hgerrors "github.com/hookguard/hookguard/internal/errors"
	"github.com/hookguard/hookguard/internal/logging"
	"github.com/hookguard/hookguard/internal/memory"
	"github.com/hookguard/hookguard/internal/runtime"
	"github.com/hookguard/hookguard/pkg/version"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "hookguard",
	Short: "Hookguard - detect and reverse ART method hooks",
	Long: `Detect and reverse method hooks installed in a running Android process
by LSPlant based frameworks (LSPosed, LSPatch and relatives).

A run has three independent parts:
- Library: the runtime library's code is compared against the on-disk copy
  and every patched site is rewritten.
- Methods: the runtime's method tables are walked and redirected entry
  points are restored from the framework's own backups.
- Callbacks: the framework's registered callbacks are cleared.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.hookguard/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error, disabled)")

	rootCmd.AddCommand(newRestoreCmd())
	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newMapsCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			if format == string(helpers.FormatJSON) {
				return (&helpers.JSONFormatter{}).Format(info, cmd.OutOrStdout())
			}
			cmd.Printf("Hookguard version %s\n", info.Version)
			cmd.Printf("Git commit: %s\n", info.GitCommit)
			cmd.Printf("Build date: %s\n", info.BuildDate)
			cmd.Printf("Go version: %s\n", info.GoVersion)
			cmd.Printf("Platform: %s\n", info.Platform)
			for _, l := range art.Layouts() {
				cmd.Printf("Runtime layout: %s (api %s)\n", l.Name(), l.Constraint())
			}
			return nil
		},
	}
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.SupportedFormats)
	return cmd
}

// session holds what every target command needs.
type session struct {
	cfg    *config.Config
	logger zerolog.Logger
	target *runtime.Target
	memory *memory.Process
}

// openSession loads the configuration, applies the command line overrides,
// validates the target and opens its address space.
func openSession(ctx context.Context, cmd *cobra.Command, flags *helpers.TargetFlags) (*session, error) {
	cfg, err := config.NewLoader(configPath).Load()
	if err != nil {
		return nil, err
	}
	flags.Apply(cmd.Flags(), cfg)
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Output: cmd.ErrOrStderr(),
	})

	target, err := runtime.NewDetector(logger).Target(ctx, flags.Pid)
	if err != nil {
		return nil, err
	}
	if target.Stopped() && cfg.Freeze.Enabled {
		logger.Info().Int("pid", target.Pid).Msg("Target already stopped, not pausing it")
		cfg.Freeze.Enabled = false
	}

	mem, err := memory.Open(target.Pid, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open pid %d: %w", target.Pid, err)
	}

	return &session{cfg: cfg, logger: logger, target: target, memory: mem}, nil
}

func (s *session) Close() {
	hgerrors.DeferClose(s.logger, s.memory, "Failed to close target memory")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
