// Package relay runs one output pump per active session and routes client
// input to the session's remote shell.
//
// A session's transport is opened lazily by the first join and shared by all
// of its subscribers. Output is broadcast to every subscriber in the order the
// shell produced it. When the shell ends, the pump emits a final notice, drops
// its handle and returns; destroying the sandbox is left to teardown.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chaoslab/control-plane/internal/logutil"
	"github.com/chaoslab/control-plane/internal/scenario"
	"github.com/chaoslab/control-plane/internal/sshterminal"
)

// ErrNotActive is returned for input or resize on a session without a live
// transport.
var ErrNotActive = errors.New("no active terminal for session")

// Notices written into the terminal stream.
const (
	noticeJoining  = "Joining scenario '%s'. Establishing SSH connection...\r\n"
	noticeRejoined = "Rejoined active session for '%s'.\r\n"
	noticeEnded    = "\r\n[Terminal session may have ended or encountered an issue.]\r\n"
	noticeConnErr  = "\r\nFailed to connect to '%s': %v\r\n"
)

const closeWait = 5 * time.Second

// Sessions is the registry surface the engine needs.
type Sessions interface {
	Get(id string) (scenario.Session, error)
	Has(id string) bool
	CompareAndSetStatus(id string, from, next scenario.Status) bool
}

// Members returns the subscription set of a session.
type Members interface {
	Members(sessionID string) []string
}

// CredentialOpener unseals a stored credential.
type CredentialOpener interface {
	Open(token string) ([]byte, error)
}

// Config wires an Engine.
type Config struct {
	Dialer      sshterminal.Dialer
	Sessions    Sessions
	Members     Members
	Credentials CredentialOpener
	// ScrollbackSize bounds the output replayed to rejoining clients.
	ScrollbackSize int
	// OnShellExit, when set, is called after a shell ends on its own.
	OnShellExit func(sessionID string)
}

type pump struct {
	sessionID string
	repo      string

	ctx    context.Context
	cancel context.CancelFunc

	// ready is closed once opening finished; ch and err are set before.
	ready chan struct{}
	ch    sshterminal.Channel
	err   error

	// sendMu serializes Send, Resize and Close on ch.
	sendMu sync.Mutex

	// outMu orders broadcasts against scrollback replay to joining clients.
	outMu      sync.Mutex
	attached   map[string]bool
	scrollback *ScrollbackBuffer

	done chan struct{}
}

// Engine owns every session's transport handle.
type Engine struct {
	cfg Config

	mu      sync.Mutex
	pumps   map[string]*pump
	clients map[string]*Client
}

func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:     cfg,
		pumps:   make(map[string]*pump),
		clients: make(map[string]*Client),
	}
}

// Register makes a connected client addressable by id.
func (e *Engine) Register(c *Client) {
	e.mu.Lock()
	e.clients[c.ID()] = c
	e.mu.Unlock()
}

// Unregister forgets a client and detaches it from any pump.
func (e *Engine) Unregister(clientID string) {
	e.mu.Lock()
	delete(e.clients, clientID)
	pumps := make([]*pump, 0, len(e.pumps))
	for _, p := range e.pumps {
		pumps = append(pumps, p)
	}
	e.mu.Unlock()
	for _, p := range pumps {
		p.outMu.Lock()
		delete(p.attached, clientID)
		p.outMu.Unlock()
	}
}

func (e *Engine) client(id string) *Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clients[id]
}

// Join attaches clientID, already subscribed to sessionID, to the session's
// shell. The first join opens the transport. A join that finds a live
// transport replays scrollback, announces the rejoin and nudges the shell for
// a fresh prompt.
func (e *Engine) Join(ctx context.Context, sessionID, clientID string) error {
	sess, err := e.cfg.Sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.Status == scenario.StatusProvisioning {
		return fmt.Errorf("%w: %s is still provisioning", ErrNotActive, sessionID)
	}

	e.mu.Lock()
	p, exists := e.pumps[sessionID]
	if !exists {
		pctx, cancel := context.WithCancel(context.Background())
		p = &pump{
			sessionID:  sessionID,
			repo:       sess.Repo,
			ctx:        pctx,
			cancel:     cancel,
			ready:      make(chan struct{}),
			attached:   make(map[string]bool),
			scrollback: NewScrollbackBuffer(e.cfg.ScrollbackSize),
			done:       make(chan struct{}),
		}
		e.pumps[sessionID] = p
	}
	e.mu.Unlock()

	if !exists {
		return e.open(ctx, p, sess, clientID)
	}

	select {
	case <-p.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.err != nil {
		e.notify(clientID, fmt.Sprintf(noticeConnErr, sess.Repo, p.err))
		return p.err
	}
	e.rejoin(p, clientID)
	return nil
}

func (e *Engine) open(ctx context.Context, p *pump, sess scenario.Session, clientID string) error {
	e.notify(clientID, fmt.Sprintf(noticeJoining, sess.Repo))

	fail := func(err error) error {
		e.mu.Lock()
		if e.pumps[p.sessionID] == p {
			delete(e.pumps, p.sessionID)
		}
		p.err = err
		close(p.ready)
		e.mu.Unlock()
		p.cancel()
		close(p.done)
		log.Printf("[relay] session %s: open transport: %v", logutil.SanitizeForLog(p.sessionID), err)
		e.notify(clientID, fmt.Sprintf(noticeConnErr, sess.Repo, err))
		return err
	}

	credential, err := e.cfg.Credentials.Open(sess.Credential)
	if err != nil {
		return fail(fmt.Errorf("%w: unseal credential: %w", sshterminal.ErrConnect, err))
	}

	dialCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-p.ctx.Done():
			stop()
		case <-dialCtx.Done():
		}
	}()

	ch, err := e.cfg.Dialer.Open(dialCtx, sshterminal.Target{
		SessionID:  sess.ID,
		Host:       sess.HostAddress,
		User:       sess.SSHUser,
		Credential: credential,
	})
	if err != nil {
		return fail(err)
	}

	// Teardown may have taken the session while we were dialing.
	e.mu.Lock()
	if p.ctx.Err() != nil || e.pumps[p.sessionID] != p || !e.cfg.Sessions.Has(p.sessionID) {
		e.mu.Unlock()
		ch.Close()
		return fail(fmt.Errorf("%w: %s", ErrNotActive, p.sessionID))
	}
	p.ch = ch
	close(p.ready)
	e.mu.Unlock()

	e.cfg.Sessions.CompareAndSetStatus(p.sessionID, scenario.StatusReady, scenario.StatusActive)

	// Everyone already subscribed sees the new shell.
	p.outMu.Lock()
	p.attached[clientID] = true
	for _, id := range e.cfg.Members.Members(p.sessionID) {
		p.attached[id] = true
	}
	p.outMu.Unlock()

	log.Printf("[relay] session %s: transport open, pump started", logutil.SanitizeForLog(p.sessionID))
	go e.readLoop(p)
	return nil
}

func (e *Engine) rejoin(p *pump, clientID string) {
	c := e.client(clientID)
	p.outMu.Lock()
	if !p.attached[clientID] {
		if c != nil {
			if history := p.scrollback.Snapshot(); len(history) > 0 {
				var dec textDecoder
				c.Deliver(OutputEvent(dec.Decode(history) + dec.Flush()))
			}
		}
		p.attached[clientID] = true
	}
	p.outMu.Unlock()

	e.notify(clientID, fmt.Sprintf(noticeRejoined, p.repo))
	if _, err := e.send(p, []byte("\n")); err != nil {
		log.Printf("[relay] session %s: rejoin nudge: %v", logutil.SanitizeForLog(p.sessionID), err)
	}
}

// readLoop is the single reader of a pump's channel.
func (e *Engine) readLoop(p *pump) {
	defer close(p.done)

	var dec textDecoder
	for {
		data, err := p.ch.Recv(p.ctx)
		if len(data) > 0 {
			p.outMu.Lock()
			p.scrollback.Write(data)
			if text := dec.Decode(data); text != "" {
				e.broadcastLocked(p, OutputEvent(text))
			}
			p.outMu.Unlock()
		}
		if err != nil {
			break
		}
	}

	closedLocally := p.ctx.Err() != nil

	e.mu.Lock()
	if e.pumps[p.sessionID] == p {
		delete(e.pumps, p.sessionID)
	}
	e.mu.Unlock()
	p.cancel()

	p.sendMu.Lock()
	p.ch.Close()
	p.sendMu.Unlock()

	p.outMu.Lock()
	e.broadcastLocked(p, OutputEvent(dec.Flush()+noticeEnded))
	p.outMu.Unlock()

	if closedLocally {
		log.Printf("[relay] session %s: pump stopped", logutil.SanitizeForLog(p.sessionID))
		return
	}

	log.Printf("[relay] session %s: shell ended", logutil.SanitizeForLog(p.sessionID))
	e.cfg.Sessions.CompareAndSetStatus(p.sessionID, scenario.StatusActive, scenario.StatusReady)
	if e.cfg.OnShellExit != nil {
		e.cfg.OnShellExit(p.sessionID)
	}
}

// broadcastLocked delivers ev to attached clients that are still subscribed.
// Caller holds p.outMu.
func (e *Engine) broadcastLocked(p *pump, ev Event) {
	for _, id := range e.cfg.Members.Members(p.sessionID) {
		if !p.attached[id] {
			continue
		}
		if c := e.client(id); c != nil {
			c.Deliver(ev)
		}
	}
}

// Input writes client keystrokes to the session's shell.
func (e *Engine) Input(sessionID string, data []byte) (int, error) {
	p := e.live(sessionID)
	if p == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotActive, sessionID)
	}
	return e.send(p, data)
}

func (e *Engine) send(p *pump, data []byte) (int, error) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.ch.Send(data)
}

// Resize changes the PTY window of the session's shell.
func (e *Engine) Resize(sessionID string, rows, cols int) error {
	p := e.live(sessionID)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrNotActive, sessionID)
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.ch.Resize(rows, cols)
}

// live returns the session's pump if its transport is open.
func (e *Engine) live(sessionID string) *pump {
	e.mu.Lock()
	p := e.pumps[sessionID]
	e.mu.Unlock()
	if p == nil {
		return nil
	}
	select {
	case <-p.ready:
		if p.err != nil || p.ctx.Err() != nil {
			return nil
		}
		return p
	default:
		return nil
	}
}

// Active reports whether the session has a live transport.
func (e *Engine) Active(sessionID string) bool {
	return e.live(sessionID) != nil
}

// Leave detaches clientID from the session's output.
func (e *Engine) Leave(sessionID, clientID string) {
	e.mu.Lock()
	p := e.pumps[sessionID]
	e.mu.Unlock()
	if p == nil {
		return
	}
	p.outMu.Lock()
	delete(p.attached, clientID)
	p.outMu.Unlock()
}

// Close shuts the session's transport, if any, and waits briefly for its pump
// to finish. An open still in progress is abandoned. It reports whether there
// was anything to close.
func (e *Engine) Close(sessionID string) bool {
	e.mu.Lock()
	p := e.pumps[sessionID]
	delete(e.pumps, sessionID)
	e.mu.Unlock()
	if p == nil {
		return false
	}

	p.cancel()
	select {
	case <-p.ready:
	default:
		return true
	}
	if p.err != nil {
		return true
	}

	p.sendMu.Lock()
	err := p.ch.Close()
	p.sendMu.Unlock()
	if err != nil {
		log.Printf("[relay] session %s: close transport: %v", logutil.SanitizeForLog(sessionID), err)
	}

	select {
	case <-p.done:
	case <-time.After(closeWait):
		log.Printf("[relay] session %s: pump did not stop within %s", logutil.SanitizeForLog(sessionID), closeWait)
	}
	return true
}

// Broadcast sends ev to every registered subscriber of sessionID, whether or
// not a transport is open.
func (e *Engine) Broadcast(sessionID string, ev Event) {
	for _, id := range e.cfg.Members.Members(sessionID) {
		if c := e.client(id); c != nil {
			c.Deliver(ev)
		}
	}
}

// Evict disconnects a client after its queued output is flushed.
func (e *Engine) Evict(clientID string) {
	if c := e.client(clientID); c != nil {
		c.Shutdown("scenario session ended", true)
	}
}

func (e *Engine) notify(clientID, text string) {
	if c := e.client(clientID); c != nil {
		c.Deliver(OutputEvent(text))
	}
}
