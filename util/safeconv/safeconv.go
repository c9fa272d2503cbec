package safeconv

import (
	"math"
	"time"
)

// IntToUint converts int to uint, clamping negative values to 0.
// Used for image dimensions handed to the resize library.
func IntToUint(v int) uint {
	if v < 0 {
		return 0
	}
	return uint(v) // #nosec G115 negatives are handled above.
}

// Int64ToInt converts a tensor dimension to int, clamping into [MinInt, MaxInt].
func Int64ToInt(v int64) int {
	if v > math.MaxInt {
		return math.MaxInt
	}
	if v < math.MinInt {
		return math.MinInt
	}
	return int(v)
}

// DurationToU64 converts a duration to an unsigned nanoseconds counter safely.
// Negative durations are mapped to 0.
func DurationToU64(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d) // #nosec G115
}

// U64ToDuration converts an unsigned nanoseconds count to time.Duration safely.
// Values larger than MaxInt64 are clamped to time.Duration(math.MaxInt64).
func U64ToDuration(u uint64) time.Duration {
	if u > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(u))
}
