// Package membership tracks which client connections are subscribed to which
// session and detects when the last subscriber leaves.
package membership

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chaoslab/control-plane/internal/scenario"
)

// ErrAlreadySubscribed is returned when a client that is attached to one
// session tries to join another. A connection serves a single session.
var ErrAlreadySubscribed = errors.New("client already subscribed to another session")

// SessionLookup reports whether a session is registered.
type SessionLookup interface {
	Has(id string) bool
}

// Tracker holds subscription sets and the reverse client index.
type Tracker struct {
	sessions SessionLookup

	mu       sync.Mutex
	subs     map[string]map[string]struct{}
	clientOf map[string]string
}

func NewTracker(sessions SessionLookup) *Tracker {
	return &Tracker{
		sessions: sessions,
		subs:     make(map[string]map[string]struct{}),
		clientOf: make(map[string]string),
	}
}

// Join subscribes clientID to sessionID and reports whether it is the first
// subscriber. Unknown sessions fail with scenario.ErrNotFound and leave no
// state behind. Joining the same session twice is a no-op.
//
// The registry check runs under the tracker lock. Teardown drops a session's
// subscriptions only after taking it out of the registry, so a join can never
// land after that drop.
func (t *Tracker) Join(sessionID, clientID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.sessions.Has(sessionID) {
		return false, fmt.Errorf("%w: %s", scenario.ErrNotFound, sessionID)
	}

	if cur, ok := t.clientOf[clientID]; ok {
		if cur == sessionID {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", ErrAlreadySubscribed, cur)
	}

	set, ok := t.subs[sessionID]
	if !ok {
		set = make(map[string]struct{})
		t.subs[sessionID] = set
	}
	set[clientID] = struct{}{}
	t.clientOf[clientID] = sessionID
	return len(set) == 1, nil
}

// Leave unsubscribes clientID from sessionID. It reports true only when this
// call removed the final subscriber, so repeated leaves and leaves for
// vanished sessions return false.
func (t *Tracker) Leave(sessionID, clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leaveLocked(sessionID, clientID)
}

// LeaveClient unsubscribes clientID from whatever session it is attached to.
// It returns that session id (empty when none) and whether the set emptied.
func (t *Tracker) LeaveClient(clientID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sessionID, ok := t.clientOf[clientID]
	if !ok {
		return "", false
	}
	return sessionID, t.leaveLocked(sessionID, clientID)
}

func (t *Tracker) leaveLocked(sessionID, clientID string) bool {
	set, ok := t.subs[sessionID]
	if !ok {
		return false
	}
	if _, member := set[clientID]; !member {
		return false
	}
	delete(set, clientID)
	delete(t.clientOf, clientID)
	if len(set) == 0 {
		delete(t.subs, sessionID)
		return true
	}
	return false
}

// SessionOf returns the session clientID is subscribed to.
func (t *Tracker) SessionOf(clientID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.clientOf[clientID]
	return id, ok
}

// Members returns the sorted client ids subscribed to sessionID.
func (t *Tracker) Members(sessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.subs[sessionID]
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of subscribers of sessionID.
func (t *Tracker) Count(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[sessionID])
}

// Drop forgets every subscription of sessionID and returns the former members.
func (t *Tracker) Drop(sessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.subs[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
		delete(t.clientOf, c)
	}
	delete(t.subs, sessionID)
	sort.Strings(out)
	return out
}
