package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Validator is the interface for validating configuration.
type Validator interface {
	Validate() error
}

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError represents multiple validation errors.
type MultiValidationError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}

	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("validation failed with %d errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		builder.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return builder.String()
}

var logLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "warning": true,
	"error": true, "disabled": true, "off": true,
}

// Validate validates Config.
func (c *Config) Validate() error {
	var errors []ValidationError
	add := func(field, format string, args ...any) {
		errors = append(errors, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Version == "" {
		add("version", "version is required")
	} else if c.Version != SchemaVersion {
		add("version", "unsupported schema version %q (want %q)", c.Version, SchemaVersion)
	}

	if !logLevels[c.Log.Level] {
		add("log.level", "unknown level %q", c.Log.Level)
	}

	if c.Library.Name == "" {
		add("library.name", "library name is required")
	} else if filepath.Base(c.Library.Name) != c.Library.Name {
		add("library.name", "must be a base name, got %q", c.Library.Name)
	}
	if c.Library.MaxReferenceSize <= 0 {
		add("library.max_reference_size", "must be positive")
	}
	for i, r := range c.Library.Volatile.Ranges {
		if r.End <= r.Start {
			add(fmt.Sprintf("library.volatile.ranges[%d]", i), "end 0x%x must be above start 0x%x", r.End, r.Start)
		}
	}

	if c.Freeze.Enabled {
		if c.Freeze.Timeout <= 0 {
			add("freeze.timeout", "freeze timeout must be positive")
		}
		if c.Freeze.PollInterval <= 0 {
			add("freeze.poll_interval", "poll interval must be positive")
		} else if c.Freeze.PollInterval > c.Freeze.Timeout {
			add("freeze.poll_interval", "poll interval %s exceeds timeout %s", c.Freeze.PollInterval, c.Freeze.Timeout)
		}
	}

	if c.Patch.Retries < 1 {
		add("patch.retries", "at least one attempt is required")
	}
	if c.Patch.RetryDelay < 0 || c.Patch.RetryMaxDelay < 0 {
		add("patch.retry_delay", "delays cannot be negative")
	}

	if c.Layout.API != 0 && c.Layout.API < 26 {
		add("layout.api", "api level %d is older than the oldest supported runtime (26)", c.Layout.API)
	}
	if c.Layout.API == 0 && c.Layout.BuildProp == "" {
		add("layout.build_prop", "required when layout.api is not set")
	}

	if c.Runtime.GlobalRefCount != 0 && c.Runtime.GlobalRefs == 0 {
		add("runtime.global_ref_count", "requires runtime.global_refs")
	}

	for i, f := range c.Report.Frameworks {
		if f.Prefix == "" || f.Name == "" {
			add(fmt.Sprintf("report.frameworks[%d]", i), "prefix and name are required")
		}
	}

	if len(errors) > 0 {
		return &MultiValidationError{Errors: errors}
	}
	return nil
}
