package handlers

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaoslab/control-plane/internal/crypto"
	"github.com/chaoslab/control-plane/internal/database"
	"github.com/chaoslab/control-plane/internal/expiry"
	"github.com/chaoslab/control-plane/internal/membership"
	"github.com/chaoslab/control-plane/internal/provision"
	"github.com/chaoslab/control-plane/internal/relay"
	"github.com/chaoslab/control-plane/internal/scenario"
	"github.com/chaoslab/control-plane/internal/sshterminal/sshterminaltest"
	"github.com/chaoslab/control-plane/internal/teardown"
)

type fakeProvisioner struct {
	registry *scenario.Registry
	timers   *expiry.Timers
	vault    *crypto.Vault

	mu    sync.Mutex
	repos []string
}

func (p *fakeProvisioner) Provision(ctx context.Context, repo string) (scenario.Session, time.Time, error) {
	p.mu.Lock()
	p.repos = append(p.repos, repo)
	p.mu.Unlock()

	switch repo {
	case "bad repo":
		return scenario.Session{}, time.Time{}, fmt.Errorf("%w: invalid repo name", provision.ErrValidation)
	case "broken":
		return scenario.Session{}, time.Time{}, fmt.Errorf("%w: terraform apply failed", provision.ErrProvisioning)
	}

	sealed, err := p.vault.Seal([]byte("K"))
	if err != nil {
		return scenario.Session{}, time.Time{}, err
	}
	sess := scenario.Session{
		ID:          provision.NewSessionID(repo),
		Repo:        repo,
		HostAddress: "10.0.0.5",
		SSHUser:     "ec2-user",
		Credential:  sealed,
		Status:      scenario.StatusReady,
		Cleanup:     scenario.CleanupHandle{Backend: "fake"},
	}
	if err := p.registry.Create(sess); err != nil {
		return scenario.Session{}, time.Time{}, err
	}
	deadline := p.timers.Init(sess.ID)
	sess, _ = p.registry.Get(sess.ID)
	return sess, deadline, nil
}

type countingDestroyer struct {
	calls atomic.Int32
}

func (d *countingDestroyer) Destroy(ctx context.Context, sess scenario.Session) error {
	d.calls.Add(1)
	return nil
}

type testEnv struct {
	server      *Server
	http        *httptest.Server
	registry    *scenario.Registry
	timers      *expiry.Timers
	members     *membership.Tracker
	engine      *relay.Engine
	coordinator *teardown.Coordinator
	dialer      *sshterminaltest.Dialer
	destroyer   *countingDestroyer
	ledger      *database.Ledger
	provisioner *fakeProvisioner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	vault, err := crypto.NewVault()
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	ledger, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}

	registry := scenario.NewRegistry()
	timers := expiry.NewTimers(30*time.Minute, 30*time.Minute)
	members := membership.NewTracker(registry)
	dialer := sshterminaltest.NewDialer()
	dialer.Greeting = "welcome\n"
	engine := relay.NewEngine(relay.Config{
		Dialer:      dialer,
		Sessions:    registry,
		Members:     members,
		Credentials: vault,
	})
	destroyer := &countingDestroyer{}
	coordinator := teardown.New(teardown.Config{
		Registry:  registry,
		Timers:    timers,
		Transport: engine,
		Members:   members,
		Destroyer: destroyer,
		Evictor:   engine,
		Recorder:  ledger,
	})
	prov := &fakeProvisioner{registry: registry, timers: timers, vault: vault}

	s := &Server{
		Provisioner:       prov,
		Registry:          registry,
		Timers:            timers,
		Members:           members,
		Relay:             engine,
		Teardown:          coordinator,
		History:           ledger,
		BackendName:       "fake",
		AllowedOrigins:    []string{"*"},
		SlowClientTimeout: time.Second,
	}
	ts := httptest.NewServer(s.Router())

	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		coordinator.Wait(ctx)
		ledger.Close()
	})

	return &testEnv{
		server:      s,
		http:        ts,
		registry:    registry,
		timers:      timers,
		members:     members,
		engine:      engine,
		coordinator: coordinator,
		dialer:      dialer,
		destroyer:   destroyer,
		ledger:      ledger,
		provisioner: prov,
	}
}

// createSession provisions repo through the fake and returns the session id.
func (e *testEnv) createSession(t *testing.T, repo string) string {
	t.Helper()
	sess, _, err := e.provisioner.Provision(context.Background(), repo)
	if err != nil {
		t.Fatalf("Provision(%q): %v", repo, err)
	}
	return sess.ID
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
