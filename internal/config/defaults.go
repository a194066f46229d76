package config

import (
	"github.com/hookguard/hookguard/internal/constants"
)

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Version: SchemaVersion,
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
		Library: LibraryConfig{
			Name:             constants.DefaultLibrary,
			MaxReferenceSize: constants.DefaultMaxReferenceSize,
		},
		Freeze: FreezeConfig{
			Enabled:      true,
			Timeout:      constants.DefaultFreezeTimeout,
			PollInterval: constants.DefaultFreezePollInterval,
		},
		Patch: PatchConfig{
			Retries:       constants.DefaultPatchRetries,
			RetryDelay:    constants.DefaultPatchRetryDelay,
			RetryMaxDelay: constants.DefaultPatchRetryMax,
		},
		Layout: LayoutConfig{
			BuildProp: constants.DefaultBuildProp,
		},
		Report: ReportConfig{
			ListForm:      true,
			FrameworkName: constants.DefaultFrameworkName,
		},
	}
}
