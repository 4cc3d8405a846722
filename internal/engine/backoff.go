// Package engine drives enrollments: the scheduler claims due rows and the
// step executor runs one step at a time through personalization, rendering,
// rate governance and channel dispatch.
package engine

import (
	"math/rand"
	"time"
)

const (
	backoffBase   = 5 * time.Minute
	backoffFactor = 2
	backoffCap    = 6 * time.Hour
	backoffJitter = 0.2

	// DefaultMaxAttempts is how many transient failures a step absorbs
	// before it is treated as permanent.
	DefaultMaxAttempts = 5
)

// BackoffBase returns the deterministic delay before retry n (1-based):
// 5m, 10m, 20m, ... capped at 6h.
func BackoffBase(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// Backoff applies +-20% jitter to the base delay for retry n.
func Backoff(attempt int) time.Duration {
	base := BackoffBase(attempt)
	spread := 2*rand.Float64() - 1 // [-1, 1)
	return base + time.Duration(spread*backoffJitter*float64(base))
}
