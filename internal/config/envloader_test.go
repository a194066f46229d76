package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	envVars := map[string]string{
		"HOOKGUARD_LOG_LEVEL":          "debug",
		"HOOKGUARD_LIBRARY":            "libartd.so",
		"HOOKGUARD_VOLATILE_SYMBOLS":   "a, b ,c",
		"HOOKGUARD_FREEZE":             "false",
		"HOOKGUARD_FREEZE_TIMEOUT":     "2s",
		"HOOKGUARD_MAX_REFERENCE_SIZE": "1048576",
		"HOOKGUARD_JAVA_VM":            "0x7e00001000",
		"HOOKGUARD_GLOBAL_REF_COUNT":   "512",
		"HOOKGUARD_LIST_FORM":          "false",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg := Default()
	require.NoError(t, LoadFromEnv(cfg))

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "libartd.so", cfg.Library.Name)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Library.Volatile.Symbols)
	assert.False(t, cfg.Freeze.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Freeze.Timeout)
	assert.Equal(t, int64(1<<20), cfg.Library.MaxReferenceSize)
	assert.Equal(t, uint64(0x7e00001000), cfg.Runtime.JavaVM)
	assert.Equal(t, uint64(512), cfg.Runtime.GlobalRefCount)
	assert.False(t, cfg.Report.ListForm)
	// Untouched values keep their defaults.
	assert.Equal(t, "LSPosed", cfg.Report.FrameworkName)
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		env   string
		value string
	}{
		{"HOOKGUARD_FREEZE", "maybe"},
		{"HOOKGUARD_FREEZE_TIMEOUT", "soon"},
		{"HOOKGUARD_API_LEVEL", "thirty"},
		{"HOOKGUARD_JAVA_VM", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			err := LoadFromEnv(Default())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.env)
		})
	}
}

func TestLoadFromEnv_ReportsEveryVariable(t *testing.T) {
	t.Setenv("HOOKGUARD_LIBRARY", "libartd.so")
	t.Setenv("HOOKGUARD_FREEZE", "maybe")
	t.Setenv("HOOKGUARD_PATCH_RETRIES", "many")

	cfg := Default()
	err := LoadFromEnv(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HOOKGUARD_FREEZE=")
	assert.Contains(t, err.Error(), "HOOKGUARD_PATCH_RETRIES=")
	// Nothing is applied when any variable is invalid.
	assert.Equal(t, Default().Library.Name, cfg.Library.Name)
}

func TestLoadFromEnv_EmptyIgnored(t *testing.T) {
	t.Setenv("HOOKGUARD_LIBRARY", "")
	t.Setenv("HOOKGUARD_API_LEVEL", "")

	cfg := Default()
	require.NoError(t, LoadFromEnv(cfg))
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromEnv_Nil(t *testing.T) {
	assert.NoError(t, LoadFromEnv(nil))
}
