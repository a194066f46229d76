package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hookguard/hookguard/internal/art"
	"github.com/hookguard/hookguard/internal/cli/helpers"
	"github.com/hookguard/hookguard/internal/mapscan"
)

// Region roles shown by the maps command.
const (
	roleLibrary  = "library"
	roleCode     = "runtime-code"
	roleRefTable = "ref-table"
)

// mapRow is one mapping as printed by the maps command.
type mapRow struct {
	Start  string `json:"start" header:"START"`
	End    string `json:"end" header:"END"`
	Perms  string `json:"perms" header:"PERMS"`
	Offset string `json:"offset" header:"OFFSET"`
	Role   string `json:"role,omitempty" header:"ROLE"`
	Path   string `json:"path,omitempty" header:"PATH"`
}

// mapRows labels regions with the role they play in a run. Unless all is
// set, mappings without a role are omitted.
func mapRows(regions []mapscan.Region, library string, all bool) []mapRow {
	img, _ := mapscan.FindLibrary(regions, library)
	codes := mapscan.CodeRegions(regions, library)

	inImage := make(map[uint64]bool)
	if img != nil {
		for _, m := range img.Mappings {
			inImage[m.Start] = true
		}
	}

	rows := []mapRow{}
	for _, r := range regions {
		role := ""
		switch {
		case inImage[r.Start]:
			role = roleLibrary
		case r.Executable() && codes.Contains(r.Start):
			role = roleCode
		case art.IsRefTableRegion(r):
			role = roleRefTable
		}
		if role == "" && !all {
			continue
		}
		rows = append(rows, mapRow{
			Start:  fmt.Sprintf("0x%x", r.Start),
			End:    fmt.Sprintf("0x%x", r.End),
			Perms:  r.Perms,
			Offset: fmt.Sprintf("0x%x", r.Offset),
			Role:   role,
			Path:   r.Path,
		})
	}
	return rows
}

func newMapsCmd() *cobra.Command {
	var (
		format string
		all    bool
		target helpers.TargetFlags
	)

	cmd := &cobra.Command{
		Use:   "maps",
		Short: "List the runtime regions of the target process",
		Long: `List the mappings a run relies on: the runtime library image, the
runtime's own code regions (library and JIT cache) and the indirect reference
tables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, helpers.SupportedFormats); err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), cmd, &target)
			if err != nil {
				return err
			}
			defer s.Close()

			regions, err := mapscan.New(s.memory, s.logger).Scan()
			if err != nil {
				return err
			}

			f, err := helpers.NewFormatter(helpers.OutputFormat(format))
			if err != nil {
				return err
			}
			return f.Format(mapRows(regions, s.cfg.Library.Name, all), cmd.OutOrStdout())
		},
	}

	target.AddFlags(cmd.Flags())
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Show every mapping")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, helpers.SupportedFormats)
	return cmd
}
