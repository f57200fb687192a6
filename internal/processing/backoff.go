package processing

import (
	"math/rand"
	"time"
)

// RetryDelay maps a failed attempt number (1-based) to the wait before the
// next attempt. Implementations must be pure and safe for concurrent use.
type RetryDelay func(attempt int) time.Duration

const (
	// DefaultRetryUnit is the base of the default back-off.
	DefaultRetryUnit = time.Second
	// DefaultMaxRetryDelay caps the default back-off.
	DefaultMaxRetryDelay = 5 * time.Minute
	// DefaultRetryJitter is the additive jitter fraction of the default back-off.
	DefaultRetryJitter = 0.2
)

// DefaultRetryDelay is exponential (2s, 4s, 8s, ...) with up to 20% jitter,
// capped at DefaultMaxRetryDelay.
var DefaultRetryDelay = Jittered(Exponential(DefaultRetryUnit, DefaultMaxRetryDelay), DefaultRetryJitter, DefaultMaxRetryDelay)

// Exponential returns unit * 2^attempt capped at max.
// A non-positive max leaves the policy uncapped (until the duration would overflow).
func Exponential(unit, max time.Duration) RetryDelay {
	return func(attempt int) time.Duration {
		if unit <= 0 {
			return 0
		}
		if attempt < 0 {
			attempt = 0
		}
		d := unit
		for i := 0; i < attempt; i++ {
			if max > 0 && d >= max {
				return max
			}
			// overflow guard
			if d > (1<<62)/2 {
				return clampMax(time.Duration(1<<62), max)
			}
			d *= 2
		}
		return clampMax(d, max)
	}
}

// Jittered adds a random fraction (0..fraction) of the base delay on top of it.
// The result never exceeds max when max > 0.
func Jittered(base RetryDelay, fraction float64, max time.Duration) RetryDelay {
	if base == nil {
		return nil
	}
	return func(attempt int) time.Duration {
		d := base(attempt)
		if d > 0 && fraction > 0 {
			d += time.Duration(rand.Float64() * fraction * float64(d)) //nolint:gosec // jitter only
		}
		return clampMax(d, max)
	}
}

func clampMax(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	if d < 0 {
		return 0
	}
	return d
}
