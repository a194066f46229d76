package config

import (
	"time"

	"github.com/hookguard/hookguard/internal/baseline"
	"github.com/hookguard/hookguard/internal/callbacks"
)

// SchemaVersion is the configuration schema version.
const SchemaVersion = "1"

// Config represents the ~/.hookguard/config.yaml file.
type Config struct {
	Version     string           `yaml:"version"`
	Log         LogConfig        `yaml:"log"`
	Library     LibraryConfig    `yaml:"library"`
	Freeze      FreezeConfig     `yaml:"freeze"`
	Patch       PatchConfig      `yaml:"patch"`
	Layout      LayoutConfig     `yaml:"layout"`
	Runtime     RuntimeConfig    `yaml:"runtime"`
	Trampolines TrampolineConfig `yaml:"trampolines"`
	Report      ReportConfig     `yaml:"report"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" env:"HOOKGUARD_LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"HOOKGUARD_LOG_PRETTY"`
}

// LibraryConfig selects the runtime library and how it is compared.
type LibraryConfig struct {
	// Name is the base name of the mapped library.
	Name string `yaml:"name" env:"HOOKGUARD_LIBRARY"`
	// Reference is the on-disk copy to compare against. Empty uses the
	// mapped file's path.
	Reference string `yaml:"reference,omitempty" env:"HOOKGUARD_REFERENCE"`
	// MaxReferenceSize bounds the reference read, in bytes.
	MaxReferenceSize int64 `yaml:"max_reference_size" env:"HOOKGUARD_MAX_REFERENCE_SIZE"`
	// Volatile lists image ranges legitimately modified at run time.
	Volatile VolatileConfig `yaml:"volatile"`
}

// VolatileConfig is the allow-list of the comparison.
type VolatileConfig struct {
	Ranges  []baseline.Range `yaml:"ranges,omitempty"`
	Symbols []string         `yaml:"symbols,omitempty" env:"HOOKGUARD_VOLATILE_SYMBOLS"`
}

// FreezeConfig bounds the stop-the-world pause around writes.
type FreezeConfig struct {
	Enabled      bool          `yaml:"enabled" env:"HOOKGUARD_FREEZE"`
	Timeout      time.Duration `yaml:"timeout" env:"HOOKGUARD_FREEZE_TIMEOUT"`
	PollInterval time.Duration `yaml:"poll_interval" env:"HOOKGUARD_FREEZE_POLL_INTERVAL"`
}

// PatchConfig bounds retries of interrupted writes.
type PatchConfig struct {
	Retries       int           `yaml:"retries" env:"HOOKGUARD_PATCH_RETRIES"`
	RetryDelay    time.Duration `yaml:"retry_delay" env:"HOOKGUARD_PATCH_RETRY_DELAY"`
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
}

// LayoutConfig selects the runtime layout.
type LayoutConfig struct {
	// API is the Android API level. Zero reads it from BuildProp.
	API int `yaml:"api,omitempty" env:"HOOKGUARD_API_LEVEL"`
	// BuildProp is the property file holding ro.build.version.sdk.
	BuildProp string `yaml:"build_prop" env:"HOOKGUARD_BUILD_PROP"`
	// Overrides replace individual offsets, keyed by field name.
	Overrides map[string]uint64 `yaml:"overrides,omitempty"`
}

// RuntimeConfig supplies runtime addresses that are otherwise discovered.
type RuntimeConfig struct {
	JavaVM         uint64 `yaml:"java_vm,omitempty" env:"HOOKGUARD_JAVA_VM"`
	GlobalRefs     uint64 `yaml:"global_refs,omitempty" env:"HOOKGUARD_GLOBAL_REFS"`
	GlobalRefCount uint64 `yaml:"global_ref_count,omitempty" env:"HOOKGUARD_GLOBAL_REF_COUNT"`
	MethodClass    uint64 `yaml:"method_class,omitempty" env:"HOOKGUARD_METHOD_CLASS"`
}

// TrampolineConfig extends the trampoline signature table.
type TrampolineConfig struct {
	SignatureFile string `yaml:"signature_file,omitempty" env:"HOOKGUARD_SIGNATURES"`
}

// ReportConfig shapes the boundary answers.
type ReportConfig struct {
	// ListForm enables the list form of the unhooked methods query.
	ListForm bool `yaml:"list_form" env:"HOOKGUARD_LIST_FORM"`
	// FrameworkName is reported when the run does not observe one.
	FrameworkName string `yaml:"framework_name" env:"HOOKGUARD_FRAMEWORK_NAME"`
	// Frameworks maps class name prefixes to framework names. Empty uses
	// the built-in list.
	Frameworks []callbacks.Framework `yaml:"frameworks,omitempty"`
}
