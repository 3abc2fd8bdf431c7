package dispatch

import (
	"context"
	"time"
)

// Policy controls how often a workflow dispatch is attempted.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // wait before the first retry
	MaxDelay    time.Duration // upper bound on a single wait, 0 = unbounded
}

// DefaultPolicy is 3 attempts waiting 1s then 2s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Delay returns the wait after the given 0-indexed failed attempt:
// BaseDelay * 2^attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Sleeper waits between attempts. Tests swap it for one that records delays.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
