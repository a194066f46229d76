package errors

import (
	"fmt"
	"io"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// DeferClose properly closes an io.Closer with logging.
// Use this in defer statements to avoid suppressing close errors.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// DeferRestore runs a restore function (typically a protection rollback)
// and logs its failure. A nil restore is a no-op.
func DeferRestore(logger zerolog.Logger, restore func() error, msg string) {
	if restore == nil {
		return
	}
	if err := restore(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// Recover converts a panic raised while decoding foreign memory into an error
// stored in *errp. It must be deferred directly.
func Recover(logger zerolog.Logger, op string, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error().
		Str("op", op).
		Interface("panic", r).
		Bytes("stack", debug.Stack()).
		Msg("recovered from panic")
	if errp != nil {
		*errp = fmt.Errorf("%s: recovered panic: %v", op, r)
	}
}
