// Package groups remembers which broadcast groups the client should belong
// to and restores that membership after every reconnect.
package groups

import (
	"sort"
	"strings"
	"sync"
)

// Normalize canonicalizes a group name. All membership bookkeeping and wire
// frames use the normalized form.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Tracker is the desired-membership set. It survives disconnects and is the
// sole source of truth for post-reconnect rejoin. Only explicit Remember and
// Forget calls mutate it.
type Tracker struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{set: make(map[string]struct{})}
}

// Remember adds a group to the desired set.
func (t *Tracker) Remember(name string) {
	name = Normalize(name)
	if name == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.set[name] = struct{}{}
}

// Forget removes a group from the desired set.
func (t *Tracker) Forget(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.set, Normalize(name))
}

// Contains reports whether the group is in the desired set.
func (t *Tracker) Contains(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.set[Normalize(name)]
	return ok
}

// All returns the desired groups in sorted order.
func (t *Tracker) All() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.set))
	for name := range t.set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of desired groups.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.set)
}
