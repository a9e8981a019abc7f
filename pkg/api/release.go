package api

import (
	"math"
	"time"
)

// ReleasePolicy controls how a task handed back through Retry is returned to
// its broker.
//
// A job is released with a delay that grows with the number of earlier
// deliveries. Once MaxAttempts deliveries have failed the job is buried
// instead, so a poison job stops cycling through the pool.
type ReleasePolicy struct {
	// MaxAttempts is the number of deliveries after which a failing job is
	// buried. Zero or negative means never bury.
	MaxAttempts int

	// InitialBackoff is the release delay after the first failed delivery.
	InitialBackoff time.Duration

	// BackoffMultiplier grows the delay for each further delivery. Values
	// below 1 are treated as 1 (constant backoff).
	BackoffMultiplier float64

	// MaxBackoff caps the delay. Zero means no cap.
	MaxBackoff time.Duration
}

// Exhausted reports whether a job that failed after attempts earlier
// deliveries should be buried.
func (p ReleasePolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts+1 >= p.MaxAttempts
}

// Delay returns the release delay for a job that failed after attempts
// earlier deliveries.
func (p ReleasePolicy) Delay(attempts int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	if attempts < 0 {
		attempts = 0
	}

	d := float64(p.InitialBackoff) * math.Pow(mult, float64(attempts))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
