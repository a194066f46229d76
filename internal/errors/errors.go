// Package errors holds the failure taxonomy of the restoration engine and
// small helpers for handling errors in deferred and recovered paths.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers match them with errors.Is; every failure is local
// to the site, method or slot that produced it.
var (
	// ErrRegionNotFound means the runtime library is not mapped in the target.
	ErrRegionNotFound = errors.New("runtime library region not found")

	// ErrBaselineUnavailable means the on-disk reference image cannot be read
	// or does not describe the mapped segment.
	ErrBaselineUnavailable = errors.New("reference image unavailable")

	// ErrPatchFailed means a protection change or write was rejected.
	ErrPatchFailed = errors.New("patch failed")

	// ErrVerifyFailed means the read-back after a write did not match.
	ErrVerifyFailed = errors.New("post-write verification failed")

	// ErrMethodUnrecoverable means a hooked method has no trustworthy
	// original entry point.
	ErrMethodUnrecoverable = errors.New("original entry point not recoverable")

	// ErrLayoutUnsupported means no runtime structure layout matches the
	// detected runtime version.
	ErrLayoutUnsupported = errors.New("runtime layout unsupported")

	// ErrRegistryNotFound means the runtime reference registry could not be
	// located.
	ErrRegistryNotFound = errors.New("reference registry not found")

	// ErrUnsupported means the address space does not offer an operation.
	ErrUnsupported = errors.New("operation not supported")
)

// AddrError attaches the faulting address and operation to an error.
type AddrError struct {
	Op   string
	Addr uint64
	Err  error
}

func (e *AddrError) Error() string {
	return fmt.Sprintf("%s at 0x%x: %v", e.Op, e.Addr, e.Err)
}

func (e *AddrError) Unwrap() error { return e.Err }

// At wraps err with an operation and address. A nil err stays nil.
func At(op string, addr uint64, err error) error {
	if err == nil {
		return nil
	}
	return &AddrError{Op: op, Addr: addr, Err: err}
}
