// Package testutil provides fixtures shared by package tests: loggers,
// contexts, ELF images and a synthetic managed runtime laid out in a
// simulated address space.
package testutil

import (
	"context"
	"time"
)

// NewTestContext creates a test context with a 30-second timeout.
func NewTestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
