// Package engine runs one detection and reversal pass over a target
// process.
//
// A run is strictly sequential and happens in the calling goroutine:
//
//  1. The address space is scanned and the runtime library image located.
//  2. The library's executable segments are compared against the on-disk
//     reference and every differing site is rewritten and verified.
//  3. The runtime's method tables are walked from the global references and
//     every redirected method whose original entry point can be recovered
//     is restored.
//  4. The hooking framework's callback slots are cleared.
//
// Each step only downgrades its own part of the report when it fails. Panics
// raised while decoding foreign memory are recovered, logged and reported as
// failures of the step that raised them.
//
// Init runs the engine once per process and returns the read-only boundary
// consumed by the presentation layer.
package engine
