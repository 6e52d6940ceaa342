package agent

import (
	"context"
	"math"
	"time"

	"github.com/nugget/tally/internal/config"
)

// Clock abstracts time so backoff can be tested without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RetryPolicy controls how engine failures are retried. MaxAttempts
// counts every call including the first.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // fraction of the delay, 0-1
}

// DefaultRetryPolicy returns three attempts with exponential backoff
// starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       0.1,
	}
}

// RetryPolicyFromConfig converts the agent.retry config section.
func RetryPolicyFromConfig(c config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: time.Duration(c.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(c.MaxDelayMs) * time.Millisecond,
		Multiplier:   c.Multiplier,
		Jitter:       c.Jitter,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
// r is a uniform random number in [0, 1) that spreads the delay by
// ±Jitter.
func (p RetryPolicy) Delay(attempt int, r float64) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 {
		d = math.Min(d, float64(p.MaxDelay))
	}
	d *= 1 + p.Jitter*(2*r-1)
	return time.Duration(max(d, 0))
}

func (p RetryPolicy) attempts() int {
	return max(p.MaxAttempts, 1)
}

// sleep waits for d on clock, returning early with the context error.
func sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
