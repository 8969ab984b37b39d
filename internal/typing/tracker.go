// Package typing tracks which participants of a room are currently typing.
package typing

import (
	"sort"
	"time"
)

// Entry is one typing participant.
type Entry struct {
	UserID    string
	ExpiresAt time.Time
}

// Tracker is a set of typing users with expiry. It is not safe for
// concurrent use; the owning session serializes access.
type Tracker struct {
	ttl     time.Duration
	self    string
	entries map[string]time.Time
}

// NewTracker creates a tracker whose entries live for ttl after their last
// refresh. Events about self are ignored.
func NewTracker(ttl time.Duration, self string) *Tracker {
	return &Tracker{
		ttl:     ttl,
		self:    self,
		entries: make(map[string]time.Time),
	}
}

// Touch refreshes userID's expiry. It reports whether the visible set changed.
func (t *Tracker) Touch(userID string, now time.Time) bool {
	if userID == "" || userID == t.self {
		return false
	}
	prev, existed := t.entries[userID]
	t.entries[userID] = now.Add(t.ttl)
	return !existed || !prev.After(now)
}

// Stop removes userID. It reports whether the user was listed.
func (t *Tracker) Stop(userID string) bool {
	if _, ok := t.entries[userID]; !ok {
		return false
	}
	delete(t.entries, userID)
	return true
}

// Prune drops every expired entry and reports whether anything was removed.
func (t *Tracker) Prune(now time.Time) bool {
	removed := false
	for id, exp := range t.entries {
		if !exp.After(now) {
			delete(t.entries, id)
			removed = true
		}
	}
	return removed
}

// Active prunes lazily and returns the typing users sorted by id.
func (t *Tracker) Active(now time.Time) []Entry {
	t.Prune(now)
	out := make([]Entry, 0, len(t.entries))
	for id, exp := range t.entries {
		out = append(out, Entry{UserID: id, ExpiresAt: exp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// SetSelf changes the ignored participant and forgets any entry for it.
func (t *Tracker) SetSelf(self string) {
	t.self = self
	delete(t.entries, self)
}

// Len is the number of entries, expired ones included.
func (t *Tracker) Len() int {
	return len(t.entries)
}

// Clear forgets everyone. Used when the connection drops, since stop events
// sent while disconnected are lost.
func (t *Tracker) Clear() {
	for id := range t.entries {
		delete(t.entries, id)
	}
}
