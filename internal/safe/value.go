package safe

import (
	"math"
)

// Uint64ToInt64 safely converts an uint64 value to int64, clamping to math.MaxInt64 if overflow
// would occur.
// Returns the converted value and a boolean indicating whether clamping occurred.
func Uint64ToInt64(val uint64) (int64, bool) {
	if val > math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(val), false
}

// AddOffset adds off to base and reports whether the sum wrapped around.
func AddOffset(base, off uint64) (uint64, bool) {
	sum := base + off
	return sum, sum < base
}

// AlignDown rounds v down to a multiple of align. align must be a power of two.
func AlignDown(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return v &^ (align - 1)
}

// AlignUp rounds v up to a multiple of align. align must be a power of two.
func AlignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
