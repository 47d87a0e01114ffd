// Package retry is the bounded, fixed-interval polling primitive used by the
// order, card and authorization-URL pollers. A check either returns a result,
// reports ErrNotYet to request another attempt, or fails the whole poll.
package retry

import (
	"context"
	"errors"
	"time"

	"code.cryptopower.dev/group/brokerage"
)

// ErrNotYet is returned by a CheckFunc to signal that the polled condition
// has not been reached and another attempt should be made. Any other error
// aborts the poll immediately.
var ErrNotYet = errors.New("not yet")

// CheckFunc performs one poll attempt.
type CheckFunc func(ctx context.Context) (interface{}, error)

// GuardFunc reports whether the poll's result is still wanted. It is
// consulted before every attempt; once it returns false the poll self-cancels
// instead of running in the background after the user has navigated away.
type GuardFunc func() bool

// Do runs check every budget.Interval until it returns a result, it returns
// an error other than ErrNotYet, or budget.MaxAttempts checks have been made.
// An exhausted budget is a TimeoutError, never a silent stop. The first check
// runs immediately.
func Do(ctx context.Context, budget brokerage.RetryBudget, check CheckFunc) (interface{}, error) {
	return DoGuarded(ctx, budget, nil, check)
}

// DoGuarded is Do with a self-cancellation guard. A nil guard never cancels.
func DoGuarded(ctx context.Context, budget brokerage.RetryBudget, guard GuardFunc, check CheckFunc) (interface{}, error) {
	if budget.MaxAttempts <= 0 || budget.Interval <= 0 {
		budget = brokerage.DefaultRetryBudget()
	}

	timer := time.NewTimer(budget.Interval)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if guard != nil && !guard() {
			log.Debugf("poll abandoned after %d attempts, result no longer expected", attempt-1)
			return nil, &brokerage.CancellationError{Reason: brokerage.ErrPollAbandoned}
		}

		result, err := check(ctx)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrNotYet) {
			return nil, err
		}

		if attempt >= budget.MaxAttempts {
			return nil, &brokerage.TimeoutError{Op: "retry.Do", Attempts: attempt}
		}

		timer.Reset(budget.Interval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
