// Package poll provides the fixed-interval retry loop shared by the health
// gate and the job monitor: run a predicate until it reports done, the
// attempt budget runs out, or the context is cancelled.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrBudgetExhausted is returned when maxAttempts runs out before the
// predicate reports done.
var ErrBudgetExhausted = errors.New("poll budget exhausted")

// Clock abstracts time for the poll loop so tests can run without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Func is one poll attempt. done=true stops the loop successfully. A
// non-nil error aborts the loop immediately; transient failures should
// return (false, nil) to consume an attempt and retry.
type Func func(ctx context.Context) (done bool, err error)

// Until runs fn up to maxAttempts times, waiting interval between
// attempts. The first attempt runs immediately.
func Until(ctx context.Context, clock Clock, interval time.Duration, maxAttempts int, fn Func) error {
	for attempt := 1; ; attempt++ {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt >= maxAttempts {
			return ErrBudgetExhausted
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(interval):
		}
	}
}
