// Package retry provides a bounded retry policy shared by stream
// restart and any future retry need. A Policy lists an explicit delay
// schedule; the attempt count is the schedule length plus one.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrAttemptsExhausted is returned once every scheduled attempt has
// failed.
var ErrAttemptsExhausted = errors.New("retry: attempts exhausted")

// Policy is an immutable bounded retry schedule. The zero value
// performs a single attempt with no retries.
type Policy struct {
	// Delays holds the wait before each retry. Two entries means one
	// initial attempt plus two retries.
	Delays []time.Duration
}

// MaxAttempts returns the total number of attempts the policy allows.
func (p Policy) MaxAttempts() int {
	return len(p.Delays) + 1
}

// Run invokes fn until it succeeds, the schedule is exhausted, or the
// context is cancelled. The first attempt runs immediately; each
// subsequent attempt waits for its scheduled delay.
//
// On exhaustion the last error from fn is joined with
// ErrAttemptsExhausted so callers can distinguish a persistent failure
// from a transient one.
func (p Policy) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= len(p.Delays); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.Delays[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
	}
	return errors.Join(ErrAttemptsExhausted, lastErr)
}
