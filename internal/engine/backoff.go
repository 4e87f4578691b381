package engine

import (
	"math"
	"math/rand"
	"time"
)

const maxShift = 62

// RetryDelay returns base * 2^(attempt-1). attempt is the number of attempts
// already made, so the first retry waits exactly base.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	} else if shift > maxShift {
		shift = maxShift
	}

	multiplier := int64(1) << shift
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(base) * multiplier)
}

// Backoff computes retry delays with optional additive jitter.
type Backoff struct {
	// JitterFraction adds up to JitterFraction*delay on top of the delay.
	// It is clamped to [0, 0.5] so consecutive retries stay strictly ordered.
	JitterFraction float64
	rand           func() float64
}

// NewBackoff returns a policy with the given jitter fraction.
func NewBackoff(jitterFraction float64) Backoff {
	if jitterFraction < 0 {
		jitterFraction = 0
	}
	if jitterFraction > 0.5 {
		jitterFraction = 0.5
	}
	return Backoff{JitterFraction: jitterFraction, rand: rand.Float64}
}

// Delay returns the wait before the retry that follows attempt.
func (b Backoff) Delay(base time.Duration, attempt int) time.Duration {
	d := RetryDelay(base, attempt)
	if b.JitterFraction <= 0 || b.rand == nil {
		return d
	}
	extra := time.Duration(float64(d) * b.JitterFraction * b.rand())
	if d > time.Duration(math.MaxInt64)-extra {
		return d
	}
	return d + extra
}
