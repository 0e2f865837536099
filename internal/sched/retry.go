package sched

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds retries of transient provisioning failures. It is
// injected into the scheduler rather than hard-coded at call sites so
// deployments can tune it.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"` // total attempts including the first
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"` // fraction of the delay added as random jitter, 0-1
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3, // initial try + 2 retries
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      0.2,
	}
}

// Delay returns the backoff before retry attempt n (0-based: n=0 is the
// delay after the first failure).
func (p RetryPolicy) Delay(n int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(n)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Float64() * p.Jitter * float64(d)) // #nosec G404 -- jitter, not crypto
	}
	return d
}

// Wait sleeps for the attempt-n backoff, or returns early with the
// context's error if it is cancelled first.
func (p RetryPolicy) Wait(ctx context.Context, n int) error {
	t := time.NewTimer(p.Delay(n))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
