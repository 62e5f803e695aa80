// Package provision creates scenario sessions: it validates the request,
// drives a backend (terraform or docker) and registers the result. A failed
// run is cleaned up through the same gated teardown every other trigger uses.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/chaoslab/control-plane/internal/config"
	"github.com/chaoslab/control-plane/internal/crypto"
	"github.com/chaoslab/control-plane/internal/database"
	"github.com/chaoslab/control-plane/internal/logutil"
	"github.com/chaoslab/control-plane/internal/scenario"
	"github.com/chaoslab/control-plane/internal/teardown"
	"github.com/google/uuid"
)

// Request is one provisioning run.
type Request struct {
	SessionID string
	Entry     config.ScenarioEntry
	WorkDir   string
}

// Result is what a backend hands back.
type Result struct {
	HostAddress string
	SSHUser     string
	Credential  []byte
	Cleanup     scenario.CleanupHandle
}

// Backend provisions and destroys sandbox infrastructure.
type Backend interface {
	Name() string
	Provision(ctx context.Context, req Request) (Result, error)
	Destroy(ctx context.Context, sess scenario.Session) error
}

type Timers interface {
	Init(sessionID string) time.Time
}

type Sealer interface {
	Seal(plaintext []byte) (string, error)
}

type Teardowner interface {
	Teardown(ctx context.Context, sessionID, reason string) (bool, []*teardown.StepError)
}

type Recorder interface {
	Record(sessionID, repo, kind, detail string)
}

// Service runs the provisioning flow.
type Service struct {
	Backend  Backend
	Catalog  *config.Catalog
	Registry *scenario.Registry
	Timers   Timers
	Sealer   Sealer
	Teardown Teardowner
	Recorder Recorder
	// WorkRoot holds one <session id>_scenario_dir per session.
	WorkRoot string
}

// NewSessionID returns clw-<repo>-<8 hex chars>.
func NewSessionID(repo string) string {
	return fmt.Sprintf("clw-%s-%s", repo, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Provision creates a session for repo and returns it with its deadline.
// Errors wrap ErrValidation or ErrProvisioning.
func (s *Service) Provision(ctx context.Context, repo string) (scenario.Session, time.Time, error) {
	repo = strings.TrimSpace(repo)
	if repo == "" {
		return scenario.Session{}, time.Time{}, fmt.Errorf("%w: missing required parameter: repo", ErrValidation)
	}
	entry, err := s.Catalog.Resolve(repo)
	if err != nil {
		return scenario.Session{}, time.Time{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	id := NewSessionID(repo)
	workDir := filepath.Join(s.WorkRoot, id+"_scenario_dir")
	err = s.Registry.Create(scenario.Session{
		ID:      id,
		Repo:    repo,
		Status:  scenario.StatusProvisioning,
		Cleanup: scenario.CleanupHandle{Backend: s.Backend.Name(), WorkDir: workDir},
	})
	if err != nil {
		return scenario.Session{}, time.Time{}, fmt.Errorf("%w: %w", ErrProvisioning, err)
	}
	log.Printf("[provision] %s: provisioning scenario %s via %s", id, logutil.SanitizeForLog(repo), s.Backend.Name())

	res, err := s.Backend.Provision(ctx, Request{SessionID: id, Entry: entry, WorkDir: workDir})
	var deadline time.Time
	if err == nil {
		// Armed before the session becomes claimable, so any teardown
		// that takes it also removes the record.
		deadline = s.Timers.Init(id)
		err = s.activate(id, res)
	}
	if err != nil {
		return scenario.Session{}, time.Time{}, s.fail(id, repo, res.Cleanup, err)
	}

	// A teardown requested during the backend run was deferred to us.
	if reason, ok := s.Registry.PendingTeardown(id); ok {
		log.Printf("[provision] %s: teardown (%s) requested while provisioning, releasing resources", id, reason)
		s.teardown(id, reason)
		return scenario.Session{}, time.Time{}, fmt.Errorf("%w: session %s was torn down (%s) while provisioning", ErrProvisioning, id, reason)
	}

	s.record(id, repo, database.EventProvisioned, res.HostAddress)
	log.Printf("[provision] %s: ready at %s, expires %s", id, res.HostAddress, deadline.Format(time.RFC3339))

	sess, err := s.Registry.Get(id)
	if err != nil {
		return scenario.Session{}, time.Time{}, fmt.Errorf("%w: session vanished after provisioning", ErrProvisioning)
	}
	return sess, deadline, nil
}

func (s *Service) activate(id string, res Result) error {
	if res.HostAddress == "" {
		return errors.New("backend reported no host address")
	}
	sealed, err := s.Sealer.Seal(res.Credential)
	if err != nil {
		return fmt.Errorf("seal credential: %w", err)
	}
	log.Printf("[provision] %s: credential sealed (%s)", id, crypto.Mask(sealed))
	return s.Registry.Update(id, func(sess *scenario.Session) {
		sess.HostAddress = res.HostAddress
		sess.SSHUser = res.SSHUser
		sess.Credential = sealed
		sess.Cleanup = res.Cleanup
		sess.Status = scenario.StatusReady
	})
}

// fail tears down whatever the run left behind and wraps cause. The session
// leaves the provisioning state first so the gated teardown can take it.
func (s *Service) fail(id, repo string, cleanup scenario.CleanupHandle, cause error) error {
	log.Printf("[provision] %s: %v", id, cause)
	s.record(id, repo, database.EventProvisionFailed, cause.Error())
	s.Registry.Update(id, func(sess *scenario.Session) {
		if cleanup != (scenario.CleanupHandle{}) {
			sess.Cleanup = cleanup
		}
		sess.Status = scenario.StatusTearingDown
	})
	s.teardown(id, teardown.ReasonProvisionFailed)
	return fmt.Errorf("%w: %w", ErrProvisioning, cause)
}

func (s *Service) teardown(id, reason string) {
	if s.Teardown != nil {
		s.Teardown.Teardown(context.Background(), id, reason)
	}
}

func (s *Service) record(id, repo, kind, detail string) {
	if s.Recorder != nil {
		s.Recorder.Record(id, repo, kind, detail)
	}
}
