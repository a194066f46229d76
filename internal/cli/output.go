package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/hookguard/hookguard/internal/cli/helpers"
	"github.com/hookguard/hookguard/internal/report"
)

// reportOutput is the JSON document of a run.
type reportOutput struct {
	Flags int `json:"flags"`
	*report.Report
}

// printReport writes the report behind b in the requested format.
func printReport(w io.Writer, b *report.Boundary, format helpers.OutputFormat, verbose bool) error {
	r := b.Report()
	if format == helpers.FormatJSON {
		return (&helpers.JSONFormatter{}).Format(reportOutput{Flags: b.Flags(), Report: r}, w)
	}

	mode := "restore"
	if r.DryRun {
		mode = "scan"
	}
	fmt.Fprintf(w, "Run:        %s (%s, %s)\n", r.RunID, mode, helpers.FormatDuration(r.FinishedAt.Sub(r.StartedAt)))
	fmt.Fprintf(w, "Target:     pid %d (%s)\n", r.Pid, r.Arch)
	fmt.Fprintf(w, "Framework:  %s\n", b.FrameworkName())
	fmt.Fprintf(w, "Library:    %s  %d site(s), %d restored  %s\n",
		status(r.LibrarySuccess, r.DryRun), r.Counters.PatchSites, r.Counters.SitesRestored, r.Library.Path)
	fmt.Fprintf(w, "Methods:    %s  %d detected, %d restored, %d unrecoverable  %s\n",
		status(r.MethodSuccess, r.DryRun), r.Counters.MethodsDetected, r.Counters.MethodsRestored,
		r.Counters.MethodsUnrecoverable, r.Methods.Layout)
	fmt.Fprintf(w, "Callbacks:  %d found, %d cleared\n", r.Counters.CallbacksFound, r.Counters.CallbacksCleared)
	fmt.Fprintf(w, "Flags:      0b%02b\n", b.Flags())

	table := &helpers.TableFormatter{}
	sections := []struct {
		title string
		rows  any
		n     int
	}{
		{"Patched sites", r.Library.Sites, len(r.Library.Sites)},
		{"Hooked methods", r.Methods.Entries, len(r.Methods.Entries)},
		{"Callbacks", r.Callbacks, len(r.Callbacks)},
	}
	for _, s := range sections {
		if s.n == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s:\n", s.title)
		if err := table.Format(s.rows, w); err != nil {
			return err
		}
	}

	if verbose {
		if r.Methods.Walk != nil {
			st := r.Methods.Walk
			fmt.Fprintf(w, "\nWalk: %d table(s), %d ref(s), %d class(es), %d method(s), %d skipped, %d mismatched, %d backup(s), method size %d\n",
				st.Tables, st.Refs, st.Classes, st.Methods, st.Skipped, st.Mismatched, st.Backups, st.MethodSize)
		}
		if r.Library.BuildID != "" {
			fmt.Fprintf(w, "Build ID: %s (%d bytes compared)\n", r.Library.BuildID, r.Counters.BytesCompared)
		}
	}

	if len(r.Errors) > 0 {
		fmt.Fprintf(w, "\nErrors:\n  %s\n", strings.Join(r.Errors, "\n  "))
	}
	return nil
}

func status(ok, dryRun bool) string {
	switch {
	case ok:
		return "OK"
	case dryRun:
		return "HOOKED"
	}
	return "FAILED"
}
