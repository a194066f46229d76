package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookguard/hookguard/internal/art"
	"github.com/hookguard/hookguard/internal/baseline"
	"github.com/hookguard/hookguard/internal/cli/helpers"
	"github.com/hookguard/hookguard/internal/config"
	"github.com/hookguard/hookguard/internal/mapscan"
	"github.com/hookguard/hookguard/internal/memory"
	"github.com/hookguard/hookguard/internal/patcher"
	"github.com/hookguard/hookguard/internal/report"
	"github.com/hookguard/hookguard/internal/testutil"
)

func sampleBoundary() *report.Boundary {
	m := &art.Method{
		Class:       "android.app.Activity",
		Name:        "onCreate",
		Signature:   "Landroid/app/Activity;->onCreate(Landroid/os/Bundle;)V",
		Recoverable: true,
		Original:    0x7b00001100,
	}
	r := report.Aggregate(report.Input{
		RunID: "run-1",
		Pid:   4242,
		Arch:  "arm64",
		Library: report.LibraryInput{
			Path: testutil.LibPath,
			Compare: &baseline.Result{
				BuildID: "cafe",
				Sites:   []baseline.PatchSite{{Vaddr: 0x1200, Address: 0x7b00001200, Original: make([]byte, 16)}},
			},
			Outcomes: []patcher.Outcome{{}},
		},
		Methods: report.MethodsInput{
			Walk:         &art.Result{Layout: "art-31", Hooked: []*art.Method{m}},
			Restorations: []art.Restoration{{Method: m}},
		},
	})
	return report.NewBoundary(r, true)
}

func TestPrintReport_Table(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, printReport(buf, sampleBoundary(), helpers.FormatTable, true))

	out := buf.String()
	assert.Contains(t, out, "run-1 (restore")
	assert.Contains(t, out, "pid 4242 (arm64)")
	assert.Contains(t, out, "Flags:      0b11")
	assert.Contains(t, out, "Patched sites:")
	assert.Contains(t, out, "0x1200")
	assert.Contains(t, out, "Landroid/app/Activity;->onCreate(Landroid/os/Bundle;)V")
	assert.Contains(t, out, "Build ID: cafe")
	assert.NotContains(t, out, "Callbacks:\n", "empty sections are omitted")
	assert.NotContains(t, out, "Errors:")
}

func TestPrintReport_JSON(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, printReport(buf, sampleBoundary(), helpers.FormatJSON, false))

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.EqualValues(t, 3, out["flags"])
	assert.Equal(t, "run-1", out["run_id"])
	assert.Equal(t, true, out["library_success"])
	assert.Equal(t, []any{"Landroid/app/Activity;->onCreate(Landroid/os/Bundle;)V"}, out["restored_methods"])
}

func TestMapRows(t *testing.T) {
	rt := testutil.NewRuntime(memory.ArchARM64)
	sim := rt.Build()
	regions, err := sim.Maps()
	require.NoError(t, err)

	rows := mapRows(regions, mapscan.DefaultLibrary, false)
	roles := map[string]int{}
	for _, r := range rows {
		roles[r.Role]++
	}
	assert.Equal(t, 3, roles[roleLibrary], "header, text and data")
	assert.Equal(t, 1, roles[roleCode], "jit cache")
	assert.Equal(t, 1, roles[roleRefTable])
	assert.Zero(t, roles[""])

	all := mapRows(regions, mapscan.DefaultLibrary, true)
	assert.Len(t, all, len(regions))
	assert.Greater(t, len(all), len(rows))
}

func TestVersionCmd(t *testing.T) {
	cmd := newVersionCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"-o", "json"})
	require.NoError(t, cmd.Execute())

	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Contains(t, out, "version")
	assert.Contains(t, out, "platform")

	buf.Reset()
	cmd.SetArgs([]string{"-o", "table"})
	require.NoError(t, cmd.Execute())
	for _, want := range []string{
		"Runtime layout: art-26 (api >= 26, < 28)",
		"Runtime layout: art-28 (api >= 28, < 31)",
		"Runtime layout: art-31 (api >= 31, < 34)",
		"Runtime layout: art-34 (api >= 34)",
	} {
		assert.Contains(t, buf.String(), want)
	}
}

func TestRootCmd_Commands(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"restore", "scan", "maps", "config", "version"})

	for _, name := range []string{"restore", "scan", "maps"} {
		c, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err)
		for _, flag := range []string{"pid", "format", "java-vm", "global-refs", "method-class"} {
			assert.NotNil(t, c.Flags().Lookup(flag), "%s --%s", name, flag)
		}
	}
}

func runConfig(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newConfigCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestConfigCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	old := configPath
	configPath = path
	t.Cleanup(func() { configPath = old })

	out, err := runConfig(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, path)
	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = runConfig(t, "init")
	assert.ErrorContains(t, err, "already exists")
	_, err = runConfig(t, "init", "--force")
	require.NoError(t, err)

	cfg, err := config.NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, config.Default().Library, cfg.Library)

	t.Setenv("HOOKGUARD_LOG_LEVEL", "debug")
	out, err = runConfig(t, "view")
	require.NoError(t, err)
	assert.Contains(t, out, "# "+path)
	assert.Contains(t, out, "level: debug", "environment overrides are shown")

	out, err = runConfig(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")

	require.NoError(t, os.WriteFile(path, []byte("log: [\n"), 0600))
	_, err = runConfig(t, "validate")
	assert.Error(t, err)
}
