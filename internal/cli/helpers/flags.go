package helpers

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hookguard/hookguard/internal/config"
)

// AddFormatFlag adds a standard --format/-o flag to a command.
// Validates that the format is in the supportedFormats list.
func AddFormatFlag(cmd *cobra.Command, formatVar *string, defaultFormat OutputFormat, supportedFormats []OutputFormat) {
	formatNames := make([]string, len(supportedFormats))
	for i, f := range supportedFormats {
		formatNames[i] = string(f)
	}

	description := fmt.Sprintf("Output format (%s)", strings.Join(formatNames, ", "))
	cmd.Flags().StringVarP(formatVar, "format", "o", string(defaultFormat), description)

	_ = cmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return formatNames, cobra.ShellCompDirectiveNoFileComp
	})
}

// AddVerboseFlag adds a standard --verbose/-v flag.
func AddVerboseFlag(cmd *cobra.Command, verboseVar *bool) {
	cmd.Flags().BoolVarP(verboseVar, "verbose", "v", false, "Verbose output (show additional details)")
}

// ValidateFormat checks if the format is in the supported list.
func ValidateFormat(format string, supported []OutputFormat) error {
	for _, s := range supported {
		if format == string(s) {
			return nil
		}
	}

	supportedNames := make([]string, len(supported))
	for i, s := range supported {
		supportedNames[i] = string(s)
	}

	return fmt.Errorf("unsupported format %q, must be one of: %s",
		format, strings.Join(supportedNames, ", "))
}

// TargetFlags holds the flag values selecting the target process and the
// runtime addresses an operator can supply.
type TargetFlags struct {
	Pid            int
	JavaVM         uint64
	GlobalRefs     uint64
	GlobalRefCount uint64
	MethodClass    uint64
}

// AddFlags adds the target flags to a FlagSet. Addresses accept a 0x prefix.
func (f *TargetFlags) AddFlags(flags *pflag.FlagSet) {
	flags.IntVarP(&f.Pid, "pid", "p", 0, "Target process id (0 for the calling process)")
	flags.Uint64Var(&f.JavaVM, "java-vm", 0, "Address of the JavaVM instance")
	flags.Uint64Var(&f.GlobalRefs, "global-refs", 0, "Address of the global reference table")
	flags.Uint64Var(&f.GlobalRefCount, "global-ref-count", 0, "Number of entries in the global reference table")
	flags.Uint64Var(&f.MethodClass, "method-class", 0, "Address of the java.lang.reflect.Method class object")
}

// Apply copies the flags that were set on the command line into cfg.
func (f *TargetFlags) Apply(flags *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, dst *uint64, v uint64) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	set("java-vm", &cfg.Runtime.JavaVM, f.JavaVM)
	set("global-refs", &cfg.Runtime.GlobalRefs, f.GlobalRefs)
	set("global-ref-count", &cfg.Runtime.GlobalRefCount, f.GlobalRefCount)
	set("method-class", &cfg.Runtime.MethodClass, f.MethodClass)
}
