package transport

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig controls the delay between transient retries.
type BackoffConfig struct {
	// Initial is the delay before the first retry. Zero disables waiting.
	Initial time.Duration

	// Max caps the delay.
	Max time.Duration

	// Multiplier is the growth factor per retry.
	// Default: 2
	Multiplier float64

	// Jitter randomizes each delay by ±Jitter of its value. 0 disables jitter.
	Jitter float64
}

// DefaultBackoff returns the default backoff configuration.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:    100 * time.Millisecond,
		Max:        2 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Delay returns the wait before retry number retry (starting at 1).
func (b BackoffConfig) Delay(retry int) time.Duration {
	if b.Initial <= 0 || retry < 1 {
		return 0
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(b.Initial) * math.Pow(mult, float64(retry-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		delta := b.Jitter * d
		d = d - delta + rand.Float64()*2*delta
	}
	return time.Duration(d)
}
