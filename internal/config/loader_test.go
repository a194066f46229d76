package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookguard/hookguard/internal/baseline"
	"github.com/hookguard/hookguard/internal/constants"
)

func TestNewLoader_Resolution(t *testing.T) {
	t.Setenv(constants.ConfigEnv, "/etc/hookguard.yaml")
	assert.Equal(t, "/explicit.yaml", NewLoader("/explicit.yaml").Path())
	assert.Equal(t, "/etc/hookguard.yaml", NewLoader("").Path())

	t.Setenv(constants.ConfigEnv, "")
	t.Setenv("HOME", "/home/tester")
	assert.Equal(t, "/home/tester/.hookguard/config.yaml", NewLoader("").Path())
}

func TestLoader_NotExists(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, cfg.Version)
	assert.Equal(t, "libart.so", cfg.Library.Name)
	assert.True(t, cfg.Freeze.Enabled)
	assert.True(t, cfg.Report.ListForm)
	assert.Equal(t, "LSPosed", cfg.Report.FrameworkName)
}

func TestLoader_SaveAndLoad(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nested", "config.yaml"))

	cfg := Default()
	cfg.Library.Volatile.Ranges = []baseline.Range{{Start: 0x1000, End: 0x1040}}
	cfg.Library.Volatile.Symbols = []string{"art_quick_to_interpreter_bridge"}
	cfg.Freeze.Timeout = time.Second
	cfg.Layout.API = 34
	cfg.Layout.Overrides = map[string]uint64{"art_method_size": 40}
	cfg.Runtime.JavaVM = 0x7e00000000
	cfg.Report.ListForm = false

	require.NoError(t, loader.Save(cfg))
	assert.FileExists(t, loader.Path())
	assert.NoFileExists(t, loader.Path()+".tmp")

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoader_ParseYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: "1"
library:
  name: libart.so
  reference: /apex/com.android.art/lib64/libart.so
  volatile:
    ranges:
      - {start: 0x2000, end: 0x2010}
freeze:
  enabled: false
layout:
  api: 33
  overrides:
    runtime_java_vm: 0x260
runtime:
  java_vm: 0x7e00001000
report:
  framework_name: Vector
  frameworks:
    - {prefix: org.matrix.vector., name: Vector}
`), 0600))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "/apex/com.android.art/lib64/libart.so", cfg.Library.Reference)
	assert.Equal(t, []baseline.Range{{Start: 0x2000, End: 0x2010}}, cfg.Library.Volatile.Ranges)
	assert.False(t, cfg.Freeze.Enabled)
	assert.Equal(t, 33, cfg.Layout.API)
	assert.Equal(t, uint64(0x260), cfg.Layout.Overrides["runtime_java_vm"])
	assert.Equal(t, uint64(0x7e00001000), cfg.Runtime.JavaVM)
	assert.Equal(t, "Vector", cfg.Report.FrameworkName)
	require.Len(t, cfg.Report.Frameworks, 1)
	// Unset keys keep their defaults.
	assert.Equal(t, 3, cfg.Patch.Retries)
}

func TestLoader_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, os.WriteFile(path, []byte("library: [unterminated"), 0600))
	_, err := NewLoader(path).Load()
	assert.ErrorContains(t, err, "failed to parse config")

	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\npatch:\n  retries: 0\n"), 0600))
	_, err = NewLoader(path).Load()
	assert.ErrorContains(t, err, "patch.retries")
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\nlayout:\n  api: 30\n"), 0600))
	t.Setenv("HOOKGUARD_API_LEVEL", "34")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 34, cfg.Layout.API)
}
