package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

// ErrInvalidBudget is returned when the budget or attempt cap cannot produce a schedule.
var ErrInvalidBudget = errors.New("retry: budget must be >= 0 and max attempts > 0")

// Probe is one attempt to observe a condition.
type Probe[T any] func(ctx context.Context) (T, error)

type options struct {
	clock   clock.Clock
	logger  *slog.Logger
	name    string
	onProbe func(attempt int, err error)
}

// Option customizes a single PollUntilSuccess call.
type Option func(*options)

// WithClock replaces the real clock, mainly for tests.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger sets the logger used for per-attempt debug output.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithName labels log lines so interleaved sequences can be told apart.
func WithName(name string) Option { return func(o *options) { o.name = name } }

// WithAttemptHook is called after every settled attempt; err is nil on success.
func WithAttemptHook(fn func(attempt int, err error)) Option {
	return func(o *options) { o.onProbe = fn }
}

// Delay returns the fixed pause that precedes every attempt.
func Delay(budget time.Duration, maxAttempts int) time.Duration {
	if maxAttempts <= 0 {
		return 0
	}
	return budget / time.Duration(maxAttempts)
}

// PollUntilSuccess calls probe until it succeeds or maxAttempts invocations have failed.
//
// Every attempt, the first one included, waits budget/maxAttempts beforehand. The value of the
// first successful attempt is returned right away. When the last permitted attempt fails its
// error is returned as is. An error marked with Permanent ends the sequence immediately.
//
// Cancelling ctx aborts the wait between attempts; the returned error then wraps ctx.Err()
// and the last probe error seen, if any.
func PollUntilSuccess[T any](ctx context.Context, probe Probe[T], budget time.Duration, maxAttempts int, opts ...Option) (T, error) {
	var zero T
	if maxAttempts <= 0 || budget < 0 {
		return zero, ErrInvalidBudget
	}
	o := options{clock: clock.RealClock{}, logger: slog.Default(), name: "probe"}
	for _, opt := range opts {
		opt(&o)
	}

	delay := Delay(budget, maxAttempts)
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := sleep(ctx, o.clock, delay); err != nil {
			if lastErr != nil {
				return zero, errors.Join(err, lastErr)
			}
			return zero, err
		}

		o.logger.Debug("polling", "name", o.name, "attempt", attempt, "max_attempts", maxAttempts)
		v, err := probe(ctx)
		if o.onProbe != nil {
			o.onProbe(attempt, err)
		}
		if err == nil {
			return v, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			o.logger.Debug("poll aborted", "name", o.name, "attempt", attempt, "error", perm.err)
			return zero, perm.err
		}
		if attempt >= maxAttempts {
			o.logger.Debug("poll exhausted", "name", o.name, "attempts", attempt, "error", err)
			return zero, err
		}
		o.logger.Debug("attempt failed", "name", o.name, "attempt", attempt, "retry_in", delay, "error", err)
		lastErr = err
	}
}

// sleep waits d on c, returning early with ctx.Err() on cancellation. The timer is always stopped.
func sleep(ctx context.Context, c clock.Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := c.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. PollUntilSuccess returns the wrapped error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}
