// Package expiry tracks a deadline per session and sweeps expired sessions
// into teardown.
package expiry

import (
	"sort"
	"sync"
	"time"
)

const (
	DefaultDuration  = 30 * time.Minute
	DefaultExtension = 30 * time.Minute
)

// Timers maps session ids to deadlines. All access goes through one mutex.
type Timers struct {
	duration  time.Duration
	extension time.Duration
	now       func() time.Time

	mu        sync.Mutex
	deadlines map[string]time.Time
}

// NewTimers returns an empty table. Non-positive durations fall back to the
// 30 minute defaults.
func NewTimers(duration, extension time.Duration) *Timers {
	if duration <= 0 {
		duration = DefaultDuration
	}
	if extension <= 0 {
		extension = DefaultExtension
	}
	return &Timers{
		duration:  duration,
		extension: extension,
		now:       time.Now,
		deadlines: make(map[string]time.Time),
	}
}

// Init arms the session's deadline at now plus the session duration,
// replacing any existing record.
func (t *Timers) Init(sessionID string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.now().Add(t.duration)
	t.deadlines[sessionID] = d
	return d
}

// Extend pushes the deadline out by the extension amount and returns it.
// Extensions accumulate on the current deadline; a deadline already in the
// past is rebased on now first. It reports false, creating nothing, when the
// session has no record.
func (t *Timers) Extend(sessionID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.deadlines[sessionID]
	if !ok {
		return time.Time{}, false
	}
	now := t.now()
	if d.Before(now) {
		d = now
	}
	d = d.Add(t.extension)
	t.deadlines[sessionID] = d
	return d, true
}

// Remove deletes the record and reports whether one existed.
func (t *Timers) Remove(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.deadlines[sessionID]
	delete(t.deadlines, sessionID)
	return ok
}

// Deadline returns the session's current deadline.
func (t *Timers) Deadline(sessionID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.deadlines[sessionID]
	return d, ok
}

// Expired returns the sorted ids whose deadline has passed.
func (t *Timers) Expired() []string {
	t.mu.Lock()
	now := t.now()
	var out []string
	for id, d := range t.deadlines {
		if !now.Before(d) {
			out = append(out, id)
		}
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

// Len returns the number of armed records.
func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.deadlines)
}
