package transport

import (
	"context"
	"math/rand/v2"
	"time"
)

// jitterFactor is the largest share of the exponential delay added as jitter.
const jitterFactor = 0.2

const (
	maxShift = 32
	maxDelay = 24 * time.Hour
)

// Delay returns the wait before attempt (0-indexed). The first attempt never
// waits; attempt i >= 1 waits base*2^(i-1) plus random*20% of that value.
// random must be in [0, 1).
func Delay(attempt int, base time.Duration, random float64) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}

	shift := min(attempt-1, maxShift)

	exponential := base << shift
	if exponential <= 0 || exponential>>shift != base || exponential > maxDelay {
		exponential = maxDelay
	}

	jitter := time.Duration(float64(exponential) * jitterFactor * random)

	return exponential + jitter
}

func defaultRandom() float64 {
	return rand.Float64() //nolint:gosec // jitter does not need a secure source
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
