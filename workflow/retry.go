package workflow

import (
	"context"
	"math/rand"
	"time"
)

// Retry defaults.
const (
	DefaultRetryBase        = time.Second
	DefaultRetryCap         = 60 * time.Second
	DefaultRetryMaxAttempts = 5
)

// RetryPolicy parameterizes exponential backoff with jitter.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the standard policy (1 s base, 60 s cap,
// 5 attempts).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: DefaultRetryBase, Cap: DefaultRetryCap, MaxAttempts: DefaultRetryMaxAttempts}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Base <= 0 {
		p.Base = DefaultRetryBase
	}
	if p.Cap <= 0 {
		p.Cap = DefaultRetryCap
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryMaxAttempts
	}
	return p
}

// Delay returns the backoff before attempt k (0-indexed):
// min(base·2^k ± 25% jitter, cap), jitter sampled uniformly.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	backoff := p.Base << uint(attempt)
	if backoff <= 0 || backoff > p.Cap {
		backoff = p.Cap
	}
	jitter := time.Duration((rand.Float64()*0.5 - 0.25) * float64(backoff))
	d := backoff + jitter
	if d > p.Cap {
		d = p.Cap
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Sleep blocks for the attempt's backoff delay or until the context is
// cancelled, whichever comes first.
func (p RetryPolicy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
