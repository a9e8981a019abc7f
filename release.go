package jobpool

import "time"

// ReleaseBuilder assembles the ReleasePolicy an Adapter applies when a task
// comes back through Retry. A job is released into its tube with the
// configured delay until it has failed on its last allowed delivery, and is
// buried after that.
//
//	policy := jobpool.Release(5).WithExponentialBackoff(time.Second, 2, time.Minute).Policy()
//	adapter := jobpool.NewAdapter(broker, jobpool.WithReleasePolicy(policy))
type ReleaseBuilder struct {
	policy ReleasePolicy
}

// Release starts a builder that buries a job once maxAttempts deliveries have
// failed. A job released by a builder with maxAttempts <= 0 is never buried.
// Failed jobs are released without delay until a backoff is chosen.
func Release(maxAttempts int) ReleaseBuilder {
	return ReleaseBuilder{}.BuryAfter(maxAttempts)
}

func (r ReleaseBuilder) with(fn func(p *ReleasePolicy)) ReleaseBuilder {
	p := r.policy
	fn(&p)
	return ReleaseBuilder{policy: p}
}

// BuryAfter replaces the delivery limit. n <= 0 disables burying.
func (r ReleaseBuilder) BuryAfter(n int) ReleaseBuilder {
	return r.with(func(p *ReleasePolicy) { p.MaxAttempts = max(n, 0) })
}

// WithExponentialBackoff keeps a failed job out of its tube for initial after
// the first failed delivery, growing by multiplier (2 when <= 0) with every
// further one. limit caps the delay; limit <= 0 leaves it uncapped.
func (r ReleaseBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, limit time.Duration) ReleaseBuilder {
	if multiplier <= 0 {
		multiplier = 2
	}
	return r.with(func(p *ReleasePolicy) {
		p.InitialBackoff = initial
		p.BackoffMultiplier = multiplier
		p.MaxBackoff = limit
	})
}

// WithConstantBackoff releases every failed job with the same delay,
// whatever its delivery count.
func (r ReleaseBuilder) WithConstantBackoff(delay time.Duration) ReleaseBuilder {
	return r.with(func(p *ReleasePolicy) {
		*p = ReleasePolicy{MaxAttempts: p.MaxAttempts, InitialBackoff: delay, BackoffMultiplier: 1}
	})
}

// Immediate puts a failed job back into its tube with no delay, so the next
// reservation can pick it up. The delivery limit is kept.
func (r ReleaseBuilder) Immediate() ReleaseBuilder {
	return r.with(func(p *ReleasePolicy) {
		*p = ReleasePolicy{MaxAttempts: p.MaxAttempts}
	})
}

// Policy returns the assembled ReleasePolicy.
func (r ReleaseBuilder) Policy() ReleasePolicy { return r.policy }
