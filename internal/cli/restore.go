package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hookguard/hookguard/internal/cli/helpers"
	"github.com/hookguard/hookguard/internal/engine"
	"github.com/hookguard/hookguard/internal/report"
)

func newRestoreCmd() *cobra.Command {
	var (
		format  string
		verbose bool
		target  helpers.TargetFlags
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Detect and reverse hooks in the target process",
		Long: `Run a full pass over the target: rewrite patched runtime library code,
restore redirected method entry points and clear the framework callbacks.

The command exits with an error unless both the library and the methods were
fully restored.`,
		Example: `  hookguard restore --pid 4242
  hookguard restore --pid 4242 --java-vm 0x7b2c40e380 -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.SupportedFormats); err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), cmd, &target)
			if err != nil {
				return err
			}
			defer s.Close()

			b := engine.Init(cmd.Context(), engine.New(s.cfg, s.memory, s.logger))
			if err := printReport(cmd.OutOrStdout(), b, helpers.OutputFormat(format), verbose); err != nil {
				return err
			}

			if want := report.FlagLibrary | report.FlagMethods; b.Flags() != want {
				return fmt.Errorf("restoration incomplete (flags 0b%02b)", b.Flags())
			}
			return nil
		},
	}

	target.AddFlags(cmd.Flags())
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.SupportedFormats)
	helpers.AddVerboseFlag(cmd, &verbose)
	return cmd
}
