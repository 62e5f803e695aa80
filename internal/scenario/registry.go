// Package scenario holds the in-memory registry of provisioned sandbox
// sessions. The registry is the single owner of session metadata; every
// mutation happens under one mutex.
package scenario

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDuplicateSession is returned by Create when the id is already registered.
	ErrDuplicateSession = errors.New("session already exists")
	// ErrNotFound is returned when a session id is not registered.
	ErrNotFound = errors.New("session not found")
	// ErrStillProvisioning is returned by Claim while the backend run that
	// creates the session's resources has not returned yet.
	ErrStillProvisioning = errors.New("session is still provisioning")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusReady        Status = "ready"
	StatusActive       Status = "active"
	StatusTearingDown  Status = "tearing_down"
	StatusDestroyed    Status = "destroyed"
)

// CleanupHandle names everything teardown has to release for a session.
type CleanupHandle struct {
	Backend    string // "terraform" or "docker"
	WorkDir    string
	KeyName    string // cloud key pair, empty when none was created
	ResourceID string // backend-specific id, e.g. a container id
}

// Session is one provisioned sandbox and its bookkeeping.
type Session struct {
	ID          string
	Repo        string
	HostAddress string
	SSHUser     string
	// Credential is the sealed private key; see crypto.Vault.
	Credential string
	Cleanup    CleanupHandle
	Status     Status
	CreatedAt  time.Time
}

// Registry maps session ids to sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	// pending holds teardown reasons deferred by Claim, keyed by session id.
	pending map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		pending:  make(map[string]string),
	}
}

// Create registers s. It fails with ErrDuplicateSession if the id is taken.
func (r *Registry) Create(s Session) error {
	if s.ID == "" {
		return fmt.Errorf("create session: empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.ID)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.Status == "" {
		s.Status = StatusProvisioning
	}
	r.sessions[s.ID] = &s
	return nil
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *s, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Claim is Remove for teardown triggers. A session that is still
// provisioning stays registered: the first reason is remembered for
// PendingTeardown and ErrStillProvisioning is returned.
func (r *Registry) Claim(id, reason string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.Status == StatusProvisioning {
		if _, seen := r.pending[id]; !seen {
			r.pending[id] = reason
		}
		return Session{}, fmt.Errorf("%w: %s", ErrStillProvisioning, id)
	}
	return r.takeLocked(id, s), nil
}

func (r *Registry) takeLocked(id string, s *Session) Session {
	delete(r.sessions, id)
	delete(r.pending, id)
	out := *s
	out.Status = StatusTearingDown
	return out
}

// PendingTeardown returns the reason of the first teardown deferred by Claim.
func (r *Registry) PendingTeardown(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, ok := r.pending[id]
	return reason, ok
}

// Update applies fn to the stored session under the registry lock. fn must
// not change the id.
func (r *Registry) Update(id string, fn func(*Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(s)
	s.ID = id
	return nil
}

// CompareAndSetStatus moves the session to next only when it is currently in
// from. It reports whether the transition happened.
func (r *Registry) CompareAndSetStatus(id string, from, next Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Status != from {
		return false
	}
	s.Status = next
	return true
}

// List returns copies of all sessions, oldest first.
func (r *Registry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
