package testutil

import (
	"io"
	"os"
	"testing"

	"github.com/rs/zerolog"
)

// VerboseEnv routes test logs to t.Log when set to a non-empty value.
const VerboseEnv = "HOOKGUARD_TEST_LOG"

// NewTestLogger returns the logger handed to scanners, walkers and patchers
// under test. Output is dropped unless VerboseEnv is set, in which case it
// is written through t.Log at debug level so it lines up with the failing
// test.
func NewTestLogger(t testing.TB) zerolog.Logger {
	t.Helper()
	if os.Getenv(VerboseEnv) == "" {
		return zerolog.New(io.Discard)
	}
	out := zerolog.NewConsoleWriter(zerolog.ConsoleTestWriter(t))
	return zerolog.New(out).Level(zerolog.DebugLevel).With().
		Str("test", t.Name()).
		Timestamp().
		Logger()
}
