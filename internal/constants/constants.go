// Package constants defines shared configuration constants.
package constants

import "time"

var (
	ConfigFile = "config.yaml"

	DefaultDir = ".hookguard"

	// ConfigEnv names the environment variable holding an explicit config
	// file path.
	ConfigEnv = "HOOKGUARD_CONFIG"

	// FallbackHome replaces the home directory of processes that have none,
	// such as app and shell users on a device.
	FallbackHome = "/data/local/tmp"
)

const (
	// DefaultLibrary is the runtime library whose code is compared.
	DefaultLibrary = "libart.so"

	// DefaultFrameworkName is reported when no framework is observed.
	DefaultFrameworkName = "LSPosed"

	// DefaultBuildProp holds ro.build.version.sdk on a device.
	DefaultBuildProp = "/system/build.prop"

	// DefaultMaxReferenceSize bounds the on-disk library read.
	DefaultMaxReferenceSize = 64 << 20

	DefaultFreezeTimeout      = 500 * time.Millisecond
	DefaultFreezePollInterval = 2 * time.Millisecond

	DefaultPatchRetries    = 3
	DefaultPatchRetryDelay = time.Millisecond
	DefaultPatchRetryMax   = 10 * time.Millisecond
)
