// Package backoff implements exponential backoff with jitter and the
// single-timer reconnect scheduler built on top of it.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Policy holds the backoff parameters.
type Policy struct {
	Initial   time.Duration // first delay after a failure
	Max       time.Duration // cap for the doubled delay
	JitterMax time.Duration // upper bound of the random jitter added per delay
}

// DefaultPolicy returns the standard reconnect backoff: 1s initial, 30s cap,
// up to 1s of jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial:   time.Second,
		Max:       30 * time.Second,
		JitterMax: time.Second,
	}
}

// Backoff tracks the current delay for a sequence of retries. It doubles on
// Fail (capped at Max) and returns to Initial on Reset.
type Backoff struct {
	mu      sync.Mutex
	policy  Policy
	current time.Duration
}

// New creates a Backoff starting at the policy's initial delay.
func New(p Policy) *Backoff {
	if p.Initial <= 0 {
		p.Initial = DefaultPolicy().Initial
	}
	if p.Max <= 0 {
		p.Max = DefaultPolicy().Max
	}
	return &Backoff{policy: p, current: p.Initial}
}

// Delay returns the current delay plus jitter, capped at the policy max.
// Jitter desynchronizes many clients reconnecting after a shared outage.
func (b *Backoff) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.current
	if b.policy.JitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(b.policy.JitterMax)))
	}
	if d > b.policy.Max {
		d = b.policy.Max
	}
	return d
}

// Current returns the undithered current delay.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Fail doubles the current delay, capped at the policy max.
func (b *Backoff) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current *= 2
	if b.current > b.policy.Max {
		b.current = b.policy.Max
	}
}

// Reset returns the delay to the policy's initial value.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.policy.Initial
}
