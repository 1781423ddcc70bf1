package node

import (
	"math"
	"math/rand"
	"time"
)

// Backoff spaces readiness probes inside the single wait window.
type Backoff struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        float64 // fraction of the delay, e.g. 0.25 for ±25%
}

// DefaultBackoff polls quickly at first and settles at two seconds.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        0.25,
	}
}

// Delay returns the wait before probe number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	initial := b.InitialDelay
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	factor := b.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(initial) * math.Pow(factor, float64(attempt))
	if b.MaxDelay > 0 && !(delay <= float64(b.MaxDelay)) {
		delay = float64(b.MaxDelay)
	}
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > math.MaxInt64/2 {
		delay = math.MaxInt64 / 2
	}

	if b.Jitter > 0 {
		delay += delay * math.Min(b.Jitter, 1) * (2*rand.Float64() - 1)
	}

	// jitter may push past either bound
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
