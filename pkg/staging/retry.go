package staging

import (
	"context"
	"time"
)

// Policy is an exponential backoff schedule for transient failures.
type Policy struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultPolicy is the staging retry schedule: 2s, 4s, 8s, 16s between
// five attempts, capped at one minute.
func DefaultPolicy() Policy {
	return Policy{
		Base:        2 * time.Second,
		Multiplier:  2,
		Cap:         time.Minute,
		MaxAttempts: 5,
	}
}

// Delay returns the pause before the given retry (first retry is 1).
func (p Policy) Delay(retry int) time.Duration {
	d := p.Base
	for i := 1; i < retry; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Do runs fn until it succeeds, returns a non-transient error, or the
// attempt budget runs out. The context cancels waits between attempts.
func (p Policy) Do(ctx context.Context, fn func() error, transient func(error) bool) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !transient(err) || attempt >= p.MaxAttempts {
			return err
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
