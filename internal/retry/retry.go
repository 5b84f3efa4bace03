// Package retry implements the bounded retry window shared by the handshake
// and group-join paths: a fixed number of attempts at a fixed interval,
// cut off once a maximum elapsed time is exceeded.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Errors returned by Coordinator.Do.
var (
	// ErrExhausted means every attempt in the window failed.
	ErrExhausted = errors.New("retry window exhausted")

	// ErrAborted means the pre-attempt check reported the work is no
	// longer needed (e.g. a concurrent caller already connected).
	ErrAborted = errors.New("retry aborted, precondition already satisfied")
)

// Policy bounds one retry episode.
type Policy struct {
	MaxAttempts int           // attempts before giving up
	Interval    time.Duration // fixed wait between attempts
	MaxElapsed  time.Duration // total window; no attempt starts past this
}

// DefaultPolicy returns the standard window: 5 attempts, 12s apart, 60s total.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Interval:    12 * time.Second,
		MaxElapsed:  60 * time.Second,
	}
}

// Window tracks the progress of a single retry episode. Each episode gets
// its own Window; episodes never share state.
type Window struct {
	policy   Policy
	attempts int
	started  time.Time
}

// NewWindow starts a fresh retry window.
func NewWindow(p Policy) *Window {
	return &Window{policy: p, started: time.Now()}
}

// Allow reports whether another attempt may start, and counts it if so.
func (w *Window) Allow() bool {
	if w.attempts >= w.policy.MaxAttempts || w.Expired() {
		return false
	}
	w.attempts++
	return true
}

// Expired reports whether the elapsed budget is spent.
func (w *Window) Expired() bool {
	return time.Since(w.started) >= w.policy.MaxElapsed
}

// Attempts returns how many attempts have started.
func (w *Window) Attempts() int {
	return w.attempts
}

// Option configures a single Do call.
type Option func(*runOpts)

type runOpts struct {
	abort     func() bool
	transient func(error) bool
}

// WithAbortCheck installs a pre-attempt check. When it returns true the run
// stops with ErrAborted before the next attempt starts.
func WithAbortCheck(fn func() bool) Option {
	return func(o *runOpts) { o.abort = fn }
}

// WithClassifier installs a transient/fatal classifier. Errors the classifier
// rejects are returned immediately without further attempts.
func WithClassifier(fn func(error) bool) Option {
	return func(o *runOpts) { o.transient = fn }
}

// Coordinator runs operations under a bounded retry window.
type Coordinator struct {
	policy Policy
	logger *slog.Logger

	// sleep is swapped in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a Coordinator for the given policy.
func NewCoordinator(p Policy, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		policy: p,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Do runs attempt under a fresh window. It returns nil on the first success,
// the attempt's error when the classifier marks it fatal, ErrAborted when the
// abort check fires, ctx.Err on cancellation, and ErrExhausted (wrapping the
// last attempt error) when the window closes without success.
func (c *Coordinator) Do(ctx context.Context, op string, attempt func(ctx context.Context) error, opts ...Option) error {
	var ro runOpts
	for _, opt := range opts {
		opt(&ro)
	}

	w := NewWindow(c.policy)
	var lastErr error

	for w.Allow() {
		if ro.abort != nil && ro.abort() {
			c.logger.Debug("retry aborted", "op", op, "attempts", w.Attempts()-1)
			return ErrAborted
		}

		if w.Attempts() > 1 {
			if err := c.sleep(ctx, c.policy.Interval); err != nil {
				return err
			}
			// Re-check after the wait; the world may have moved on.
			if ro.abort != nil && ro.abort() {
				return ErrAborted
			}
			if w.Expired() {
				break
			}
		}

		err := attempt(ctx)
		if err == nil {
			if w.Attempts() > 1 {
				c.logger.Info("retry succeeded", "op", op, "attempts", w.Attempts())
			}
			return nil
		}

		if ro.transient != nil && !ro.transient(err) {
			return err
		}

		lastErr = err
		c.logger.Warn("attempt failed",
			"op", op,
			"attempt", w.Attempts(),
			"max_attempts", c.policy.MaxAttempts,
			"error", err,
		)
	}

	if lastErr == nil {
		return fmt.Errorf("%s: %w", op, ErrExhausted)
	}
	return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrExhausted, w.Attempts(), lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
