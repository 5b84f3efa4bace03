package backoff

import (
	"log/slog"
	"sync"
	"time"
)

// Scheduler arms at most one pending reconnect timer. Scheduling while a
// timer is pending cancels and replaces it; that replacement is the sole
// mechanism preventing overlapping reconnect storms.
type Scheduler struct {
	backoff *Backoff
	logger  *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewScheduler creates a Scheduler with its own Backoff for the given policy.
func NewScheduler(p Policy, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		backoff: New(p),
		logger:  logger,
	}
}

// Schedule arms a one-shot timer that runs fn after the current backoff
// delay (or immediately). Any previously pending timer is cancelled first.
func (s *Scheduler) Schedule(reason string, immediate bool, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	var delay time.Duration
	if !immediate {
		delay = s.backoff.Delay()
	}

	s.logger.Info("reconnect scheduled",
		"reason", reason,
		"delay", delay,
	)

	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		fn()
	})
}

// Cancel stops any pending timer. A timer that already fired runs to
// completion; callers guard against that with their own state check.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Pending reports whether a timer is currently armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// OnSuccess resets the backoff to its initial delay.
func (s *Scheduler) OnSuccess() {
	s.backoff.Reset()
}

// OnFailure doubles the backoff delay, capped at the policy max.
func (s *Scheduler) OnFailure() {
	s.backoff.Fail()
}

// CurrentDelay exposes the undithered backoff delay.
func (s *Scheduler) CurrentDelay() time.Duration {
	return s.backoff.Current()
}
