// Package main provides the hookguard binary.
package main

import (
	"fmt"
	"os"

	"github.com/hookguard/hookguard/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
