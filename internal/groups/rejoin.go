package groups

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mkarlsson/agentlink/internal/retry"
)

// DefaultCriticalFragments matches the command-distribution groups. Losing
// membership there breaks inbound delivery with no other visible symptom,
// so exhausting the join retries on one escalates to the unrecoverable hook.
var DefaultCriticalFragments = []string{"commands:"}

// Joiner is the slice of the socket handle the rejoin path needs.
type Joiner interface {
	Join(ctx context.Context, group string) error
}

// Rejoiner (re)joins groups with a bounded per-group retry window.
type Rejoiner struct {
	coord    *retry.Coordinator
	critical []string
	fatal    func(error)
	logger   *slog.Logger
}

// NewRejoiner creates a Rejoiner. fatal is invoked when a critical group's
// retry window is exhausted; it may be nil.
func NewRejoiner(policy retry.Policy, critical []string, fatal func(error), logger *slog.Logger) *Rejoiner {
	if logger == nil {
		logger = slog.Default()
	}
	lowered := make([]string, len(critical))
	for i, frag := range critical {
		lowered[i] = Normalize(frag)
	}
	return &Rejoiner{
		coord:    retry.NewCoordinator(policy, logger),
		critical: lowered,
		fatal:    fatal,
		logger:   logger,
	}
}

// IsCritical reports whether the group name contains any critical fragment.
func (r *Rejoiner) IsCritical(name string) bool {
	name = Normalize(name)
	for _, frag := range r.critical {
		if frag != "" && strings.Contains(name, frag) {
			return true
		}
	}
	return false
}

// Join joins one group under the retry window. Exhaustion on a critical
// group fires the unrecoverable hook; on a non-critical group it is logged
// and left for the next full reconnect cycle.
func (r *Rejoiner) Join(ctx context.Context, conn Joiner, name string) error {
	name = Normalize(name)

	err := r.coord.Do(ctx, "join "+name, func(ctx context.Context) error {
		return conn.Join(ctx, name)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, retry.ErrExhausted) {
		if r.IsCritical(name) {
			r.logger.Error("critical group join exhausted", "group", name, "error", err)
			if r.fatal != nil {
				r.fatal(fmt.Errorf("critical group %q: %w", name, err))
			}
		} else {
			r.logger.Warn("giving up on group until next reconnect", "group", name, "error", err)
		}
	}
	return err
}

// RejoinAll joins every name in the list, continuing past individual
// failures. It returns the number of groups that joined successfully.
func (r *Rejoiner) RejoinAll(ctx context.Context, conn Joiner, names []string) int {
	joined := 0
	for _, name := range names {
		if err := r.Join(ctx, conn, name); err != nil {
			continue
		}
		joined++
	}
	if joined < len(names) {
		r.logger.Warn("partial group rejoin",
			"joined", joined,
			"wanted", len(names),
		)
	}
	return joined
}
