package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hookguard/hookguard/internal/cli/helpers"
	"github.com/hookguard/hookguard/internal/engine"
	"github.com/hookguard/hookguard/internal/report"
)

func newScanCmd() *cobra.Command {
	var (
		format  string
		verbose bool
		target  helpers.TargetFlags
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Detect hooks without modifying the target process",
		Long: `Run the detection part of a pass and report what restore would undo.
Nothing is written to the target.

The command exits with an error when any hook is detected.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.SupportedFormats); err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), cmd, &target)
			if err != nil {
				return err
			}
			defer s.Close()

			r := engine.New(s.cfg, s.memory, s.logger).Scan(cmd.Context())
			b := report.NewBoundary(r, s.cfg.Report.ListForm)
			if err := printReport(cmd.OutOrStdout(), b, helpers.OutputFormat(format), verbose); err != nil {
				return err
			}

			if n := r.Counters.PatchSites + r.Counters.MethodsDetected + r.Counters.CallbacksFound; n > 0 {
				return fmt.Errorf("%d hook(s) detected", n)
			}
			return nil
		},
	}

	target.AddFlags(cmd.Flags())
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.SupportedFormats)
	helpers.AddVerboseFlag(cmd, &verbose)
	return cmd
}
