package provision

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaoslab/control-plane/internal/config"
	"github.com/chaoslab/control-plane/internal/crypto"
	"github.com/chaoslab/control-plane/internal/database"
	"github.com/chaoslab/control-plane/internal/expiry"
	"github.com/chaoslab/control-plane/internal/scenario"
	"github.com/chaoslab/control-plane/internal/teardown"
)

type fakeBackend struct {
	err    error
	result Result
	// started receives the session id when a run begins; the run then
	// blocks until release is closed. Both are optional.
	started chan string
	release chan struct{}

	mu        sync.Mutex
	destroyed []string
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Provision(ctx context.Context, req Request) (Result, error) {
	if f.started != nil {
		f.started <- req.SessionID
	}
	if f.release != nil {
		<-f.release
	}
	res := f.result
	res.Cleanup.Backend = "fake"
	res.Cleanup.WorkDir = req.WorkDir
	return res, f.err
}

func (f *fakeBackend) Destroy(ctx context.Context, s scenario.Session) error {
	f.mu.Lock()
	f.destroyed = append(f.destroyed, s.ID)
	f.mu.Unlock()
	return nil
}

type memRecorder struct {
	mu    sync.Mutex
	kinds []string
}

func (m *memRecorder) Record(sessionID, repo, kind, detail string) {
	m.mu.Lock()
	m.kinds = append(m.kinds, kind)
	m.mu.Unlock()
}

func newTestService(t *testing.T, backend *fakeBackend) (*Service, *memRecorder, *expiry.Timers) {
	t.Helper()
	vault, err := crypto.NewVault()
	if err != nil {
		t.Fatal(err)
	}
	reg := scenario.NewRegistry()
	timers := expiry.NewTimers(30*time.Minute, 30*time.Minute)
	rec := &memRecorder{}
	coord := teardown.New(teardown.Config{Registry: reg, Timers: timers, Destroyer: backend, Recorder: rec})
	return &Service{
		Backend:  backend,
		Catalog:  &config.Catalog{},
		Registry: reg,
		Timers:   timers,
		Sealer:   vault,
		Teardown: coord,
		Recorder: rec,
		WorkRoot: t.TempDir(),
	}, rec, timers
}

func TestProvision_RegistersReadySession(t *testing.T) {
	backend := &fakeBackend{result: Result{HostAddress: "10.0.0.5", Credential: []byte("K"), SSHUser: "ec2-user"}}
	svc, rec, timers := newTestService(t, backend)

	sess, deadline, err := svc.Provision(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if !strings.HasPrefix(sess.ID, "clw-demo-") || len(sess.ID) != len("clw-demo-")+8 {
		t.Errorf("session id = %q", sess.ID)
	}
	if sess.Status != scenario.StatusReady || sess.HostAddress != "10.0.0.5" {
		t.Errorf("session = %+v", sess)
	}
	if sess.Credential == "" || sess.Credential == "K" {
		t.Errorf("credential not sealed: %q", sess.Credential)
	}
	if !strings.HasSuffix(sess.Cleanup.WorkDir, sess.ID+"_scenario_dir") {
		t.Errorf("workdir = %q", sess.Cleanup.WorkDir)
	}
	if got, ok := timers.Deadline(sess.ID); !ok || !got.Equal(deadline) {
		t.Errorf("expiry record = %v, %v", got, ok)
	}
	if len(rec.kinds) != 1 || rec.kinds[0] != database.EventProvisioned {
		t.Errorf("audit = %v", rec.kinds)
	}
}

func TestProvision_Validation(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeBackend{})
	for _, repo := range []string{"", "   ", "../etc", "a b"} {
		if _, _, err := svc.Provision(context.Background(), repo); !errors.Is(err, ErrValidation) {
			t.Errorf("Provision(%q) = %v, want ErrValidation", repo, err)
		}
	}
	if svc.Registry.Len() != 0 {
		t.Error("validation failure left a registry entry")
	}
}

func TestProvision_CatalogRejectsUnknownRepo(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeBackend{})
	svc.Catalog = &config.Catalog{Scenarios: []config.ScenarioEntry{{Repo: "known"}}}
	_, _, err := svc.Provision(context.Background(), "other")
	if !errors.Is(err, ErrValidation) || !errors.Is(err, config.ErrUnknownScenario) {
		t.Fatalf("err = %v", err)
	}
}

func TestProvision_FailureTearsDown(t *testing.T) {
	backend := &fakeBackend{err: &CommandError{Command: []string{"terraform", "apply"}, ExitCode: 1, Stderr: "boom"}}
	svc, rec, timers := newTestService(t, backend)

	_, _, err := svc.Provision(context.Background(), "demo")
	if !errors.Is(err, ErrProvisioning) {
		t.Fatalf("err = %v, want ErrProvisioning", err)
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Errorf("CommandError lost from chain: %v", err)
	}
	if svc.Registry.Len() != 0 {
		t.Error("failed session left in registry")
	}
	if timers.Len() != 0 {
		t.Error("failed session has an expiry record")
	}
	if len(backend.destroyed) != 1 {
		t.Errorf("destroy calls = %v, want 1", backend.destroyed)
	}
	want := []string{database.EventProvisionFailed, "teardown", "destroyed"}
	if strings.Join(rec.kinds, ",") != strings.Join(want, ",") {
		t.Errorf("audit = %v, want %v", rec.kinds, want)
	}
}

func TestProvision_TeardownDuringBackendRun(t *testing.T) {
	backend := &fakeBackend{
		result:  Result{HostAddress: "10.0.0.5", Credential: []byte("K"), SSHUser: "ec2-user"},
		started: make(chan string, 1),
		release: make(chan struct{}),
	}
	svc, rec, timers := newTestService(t, backend)

	type outcome struct {
		sess scenario.Session
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		sess, _, err := svc.Provision(context.Background(), "demo")
		done <- outcome{sess, err}
	}()

	id := <-backend.started
	if ran, _ := svc.Teardown.Teardown(context.Background(), id, teardown.ReasonAPI); ran {
		t.Fatal("teardown took a session whose backend run was still in flight")
	}
	if !svc.Registry.Has(id) {
		t.Fatal("provisioning session removed before the backend returned")
	}
	close(backend.release)

	var got outcome
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Provision did not return")
	}
	if !errors.Is(got.err, ErrProvisioning) {
		t.Fatalf("err = %v, want ErrProvisioning", got.err)
	}
	if svc.Registry.Has(id) {
		t.Error("session still registered")
	}
	if timers.Len() != 0 {
		t.Error("expiry record left behind")
	}
	backend.mu.Lock()
	destroyed := append([]string(nil), backend.destroyed...)
	backend.mu.Unlock()
	if len(destroyed) != 1 || destroyed[0] != id {
		t.Fatalf("destroy calls = %v, want exactly [%s]", destroyed, id)
	}
	rec.mu.Lock()
	kinds := strings.Join(rec.kinds, ",")
	rec.mu.Unlock()
	if kinds != "teardown,destroyed" {
		t.Errorf("audit = %v, want teardown,destroyed", kinds)
	}
}

func TestProvision_NoHostIsFailure(t *testing.T) {
	backend := &fakeBackend{result: Result{Credential: []byte("K")}}
	svc, _, _ := newTestService(t, backend)
	if _, _, err := svc.Provision(context.Background(), "demo"); !errors.Is(err, ErrProvisioning) {
		t.Fatalf("err = %v, want ErrProvisioning", err)
	}
}

func TestNewSessionID_Unique(t *testing.T) {
	a, b := NewSessionID("demo"), NewSessionID("demo")
	if a == b {
		t.Fatal("ids collide")
	}
}
