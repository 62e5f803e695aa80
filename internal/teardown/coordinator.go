// Package teardown releases everything tied to a session exactly once, no
// matter how many triggers fire.
//
// Registry removal is the gate: only the caller that takes the session out of
// the registry runs the release sequence. Every other caller sees the session
// gone and returns immediately. A session whose backend run is still in
// flight is not taken; the registry remembers the request and the
// provisioning flow runs the teardown once the backend returns. Once gated,
// the steps run in order and each failure is logged without stopping the
// rest:
//
//  1. remove the expiry record
//  2. close the transport
//  3. destroy provisioned infrastructure (bounded by a timeout)
//  4. release the cloud key pair
//  5. remove the working directory
//  6. drop subscriptions and disconnect remaining clients
package teardown

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/chaoslab/control-plane/internal/logutil"
	"github.com/chaoslab/control-plane/internal/scenario"
)

// Teardown reasons.
const (
	ReasonLastClient      = "last_client_left"
	ReasonDisconnect      = "disconnect_request"
	ReasonExpired         = "expired"
	ReasonProvisionFailed = "provision_failed"
	ReasonShellExit       = "shell_exit"
	ReasonAPI             = "api"
	ReasonShutdown        = "shutdown"
)

// Step names used in StepError.
const (
	StepTimer     = "remove_timer"
	StepTransport = "close_transport"
	StepDestroy   = "destroy_infrastructure"
	StepKey       = "release_key"
	StepWorkDir   = "remove_workdir"
	StepMembers   = "drop_members"
)

// StepError is one failed release step.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("teardown step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

type Registry interface {
	Claim(id, reason string) (scenario.Session, error)
	List() []scenario.Session
}

type Timers interface {
	Remove(sessionID string) bool
}

type Transport interface {
	Close(sessionID string) bool
}

type Members interface {
	Drop(sessionID string) []string
	Count(sessionID string) int
}

// Destroyer tears down the infrastructure a backend provisioned.
type Destroyer interface {
	Destroy(ctx context.Context, sess scenario.Session) error
}

// KeyReleaser deletes an externally held key pair.
type KeyReleaser interface {
	Release(ctx context.Context, keyName string) error
}

// Evictor forcibly disconnects a client.
type Evictor interface {
	Evict(clientID string)
}

// Recorder appends lifecycle events to the audit trail.
type Recorder interface {
	Record(sessionID, repo, kind, detail string)
}

type Config struct {
	Registry  Registry
	Timers    Timers
	Transport Transport
	Members   Members
	Destroyer Destroyer
	Keys      KeyReleaser
	Evictor   Evictor
	Recorder  Recorder

	DestroyTimeout time.Duration
	// FailureDestroyTimeout bounds the destroy after a failed provision.
	FailureDestroyTimeout time.Duration
	KeyTimeout            time.Duration
}

// Coordinator runs gated teardowns, synchronously or in the background.
type Coordinator struct {
	cfg Config

	// inflight counts background teardowns; idle is closed when it drops
	// to zero. Schedule may race with Wait during shutdown.
	mu       sync.Mutex
	inflight int
	idle     chan struct{}

	quitOnce sync.Once
	quit     chan struct{}
}

func New(cfg Config) *Coordinator {
	if cfg.DestroyTimeout <= 0 {
		cfg.DestroyTimeout = 10 * time.Minute
	}
	if cfg.FailureDestroyTimeout <= 0 {
		cfg.FailureDestroyTimeout = 5 * time.Minute
	}
	if cfg.KeyTimeout <= 0 {
		cfg.KeyTimeout = time.Minute
	}
	return &Coordinator{cfg: cfg, quit: make(chan struct{})}
}

// Teardown releases sessionID's resources if this call wins the registry
// gate. It reports whether it did the work and the steps that failed. Losing
// callers return false with no error.
func (c *Coordinator) Teardown(ctx context.Context, sessionID, reason string) (bool, []*StepError) {
	id := logutil.SanitizeForLog(sessionID)
	sess, err := c.cfg.Registry.Claim(sessionID, reason)
	if err != nil {
		if errors.Is(err, scenario.ErrStillProvisioning) {
			log.Printf("[teardown] session %s: still provisioning, teardown (%s) deferred", id, reason)
		}
		return false, nil
	}

	log.Printf("[teardown] session %s: starting (reason: %s)", id, reason)
	c.record(sess, "teardown", reason)
	start := time.Now()

	var failures []*StepError
	fail := func(step string, err error) {
		se := &StepError{Step: step, Err: err}
		failures = append(failures, se)
		log.Printf("[teardown] session %s: %v", id, se)
	}

	// 1
	if c.cfg.Timers != nil {
		c.cfg.Timers.Remove(sessionID)
	}

	// 2
	if c.cfg.Transport != nil {
		c.cfg.Transport.Close(sessionID)
	}

	// 3
	if c.cfg.Destroyer != nil {
		timeout := c.cfg.DestroyTimeout
		if reason == ReasonProvisionFailed {
			timeout = c.cfg.FailureDestroyTimeout
		}
		dctx, cancel := context.WithTimeout(ctx, timeout)
		if err := c.cfg.Destroyer.Destroy(dctx, sess); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("timed out after %s: %w", timeout, err)
			}
			fail(StepDestroy, err)
		}
		cancel()
	}

	// 4
	if sess.Cleanup.KeyName != "" && c.cfg.Keys != nil {
		kctx, cancel := context.WithTimeout(ctx, c.cfg.KeyTimeout)
		if err := c.cfg.Keys.Release(kctx, sess.Cleanup.KeyName); err != nil {
			fail(StepKey, err)
		}
		cancel()
	}

	// 5
	if sess.Cleanup.WorkDir != "" {
		if err := os.RemoveAll(sess.Cleanup.WorkDir); err != nil {
			fail(StepWorkDir, err)
		}
	}

	// 6
	if c.cfg.Members != nil {
		for _, clientID := range c.cfg.Members.Drop(sessionID) {
			if c.cfg.Evictor != nil {
				c.cfg.Evictor.Evict(clientID)
			}
		}
	}

	detail := reason
	if len(failures) > 0 {
		detail = fmt.Sprintf("%s; %d step(s) failed: %v", reason, len(failures), errors.Join(stepErrs(failures)...))
	}
	sess.Status = scenario.StatusDestroyed
	c.record(sess, string(sess.Status), detail)
	log.Printf("[teardown] session %s: finished in %s (%d failed steps)", id, time.Since(start).Round(time.Millisecond), len(failures))
	return true, failures
}

func stepErrs(in []*StepError) []error {
	out := make([]error, len(in))
	for i, e := range in {
		out[i] = e
	}
	return out
}

func (c *Coordinator) record(sess scenario.Session, kind, detail string) {
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.Record(sess.ID, sess.Repo, kind, detail)
	}
}

// Schedule runs Teardown in the background.
func (c *Coordinator) Schedule(sessionID, reason string) {
	done := c.track()
	go func() {
		defer done()
		c.Teardown(context.Background(), sessionID, reason)
	}()
}

func (c *Coordinator) track() func() {
	c.mu.Lock()
	if c.inflight == 0 {
		c.idle = make(chan struct{})
	}
	c.inflight++
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.inflight--
		if c.inflight == 0 {
			close(c.idle)
		}
		c.mu.Unlock()
	}
}

// ScheduleIfIdle schedules a last-client teardown after grace, provided the
// session still has no subscribers then. A zero grace schedules immediately.
func (c *Coordinator) ScheduleIfIdle(sessionID string, grace time.Duration) {
	if grace <= 0 {
		c.Schedule(sessionID, ReasonLastClient)
		return
	}
	done := c.track()
	go func() {
		defer done()
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
		case <-c.quit:
			return
		}
		if c.cfg.Members != nil && c.cfg.Members.Count(sessionID) > 0 {
			log.Printf("[teardown] session %s: clients returned within grace period", logutil.SanitizeForLog(sessionID))
			return
		}
		c.Teardown(context.Background(), sessionID, ReasonLastClient)
	}()
}

// TeardownAll tears down every registered session concurrently and waits.
func (c *Coordinator) TeardownAll(ctx context.Context, reason string) int {
	sessions := c.cfg.Registry.List()
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			c.Teardown(ctx, id, reason)
		}(s.ID)
	}
	wg.Wait()
	return len(sessions)
}

// Wait blocks until background teardowns finish or ctx is done. Pending
// grace timers are abandoned.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.quitOnce.Do(func() { close(c.quit) })
	for {
		c.mu.Lock()
		if c.inflight == 0 {
			c.mu.Unlock()
			return nil
		}
		idle := c.idle
		c.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
