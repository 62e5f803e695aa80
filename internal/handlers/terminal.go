package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/chaoslab/control-plane/internal/logutil"
	"github.com/chaoslab/control-plane/internal/membership"
	"github.com/chaoslab/control-plane/internal/relay"
	"github.com/chaoslab/control-plane/internal/scenario"
	"github.com/chaoslab/control-plane/internal/sshterminal"
	"github.com/chaoslab/control-plane/internal/teardown"
)

// Close codes sent to the browser.
const (
	closeSessionNotFound websocket.StatusCode = 4004
	closeSlowClient      websocket.StatusCode = 4008
)

const (
	outboxDepth  = 256
	writeTimeout = 10 * time.Second

	greeting = "Connected to terminal server. Please join a scenario.\r\n"
)

// Client to server message types.
const (
	msgJoin       = "join_scenario"
	msgInput      = "terminal_input"
	msgResize     = "resize"
	msgDisconnect = "disconnect_request"
)

type inboundMsg struct {
	Type string          `json:"type"`
	ID   *int64          `json:"id,omitempty"`
	Data json.RawMessage `json:"data"`
}

type joinData struct {
	SessionID string `json:"sessionId"`
}

type inputData struct {
	SessionID string `json:"sessionId"`
	Input     string `json:"input"`
}

type resizeData struct {
	SessionID string `json:"sessionId"`
	Rows      int    `json:"rows"`
	Cols      int    `json:"cols"`
}

type ackData struct {
	Status    string `json:"status"`
	BytesSent int    `json:"bytesSent,omitempty"`
	Message   string `json:"message,omitempty"`
}

// TerminalWS serves one browser terminal connection. The connection holds at
// most one session subscription; closing it counts as leaving that session.
func (s *Server) TerminalWS(w http.ResponseWriter, r *http.Request) {
	patterns, skipVerify := s.originPatterns()
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     patterns,
		InsecureSkipVerify: skipVerify,
	})
	if err != nil {
		log.Printf("[terminal-ws] failed to accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()
	// Room for a maximal input payload plus JSON framing.
	conn.SetReadLimit(2*sshterminal.MaxInputMessageSize + 4096)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := relay.NewClient(uuid.NewString(), outboxDepth, s.SlowClientTimeout)
	s.Relay.Register(client)
	log.Printf("[terminal-ws] client %s connected from %s", client.ID(), r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, conn, client)
		cancel()
	}()

	client.Deliver(relay.OutputEvent(greeting))

	limiter := sshterminal.NewRateLimiter(sshterminal.MessageRateLimit, sshterminal.MessageRateBurst)
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if msgType != websocket.MessageText {
			continue
		}
		if !limiter.Allow() {
			continue
		}
		var msg inboundMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[terminal-ws] client %s: malformed message: %v", client.ID(), err)
			continue
		}
		if !s.dispatch(ctx, client, msg) {
			break
		}
	}

	s.leave(client.ID(), false)
	s.Relay.Unregister(client.ID())
	client.Shutdown("connection closed", false)
	<-writerDone
	log.Printf("[terminal-ws] client %s disconnected", client.ID())
}

// writeLoop is the connection's only writer. It drains the outbox until the
// client is shut down, then closes the websocket.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, client *relay.Client) {
	write := func(ev relay.Event) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return conn.Write(wctx, websocket.MessageText, payload)
	}

	for {
		select {
		case ev := <-client.Events():
			if err := write(ev); err != nil {
				return
			}
		case <-client.Gone():
			reason, drain := client.CloseInfo()
			code := websocket.StatusNormalClosure
			if drain {
				for flushing := true; flushing; {
					select {
					case ev := <-client.Events():
						if write(ev) != nil {
							flushing = false
						}
					default:
						flushing = false
					}
				}
				if reason == reasonNotFound {
					code = closeSessionNotFound
				}
			} else if reason == "client too slow" {
				code = closeSlowClient
			}
			conn.Close(code, reason)
			return
		case <-ctx.Done():
			return
		}
	}
}

const reasonNotFound = "session not found"

// dispatch handles one message and reports whether to keep reading.
func (s *Server) dispatch(ctx context.Context, client *relay.Client, msg inboundMsg) bool {
	switch msg.Type {
	case msgJoin:
		var d joinData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			log.Printf("[terminal-ws] client %s: malformed join: %v", client.ID(), err)
		}
		return s.handleJoin(ctx, client, d.SessionID)

	case msgInput:
		var d inputData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			s.ack(client, msg.ID, ackData{Status: "error", Message: "malformed input"})
			return true
		}
		s.handleInput(client, msg.ID, d)
		return true

	case msgResize:
		var d resizeData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			log.Printf("[terminal-ws] client %s: ignoring malformed resize: %v", client.ID(), err)
			return true
		}
		s.handleResize(client, d)
		return true

	case msgDisconnect:
		log.Printf("[terminal-ws] client %s requested disconnect", client.ID())
		s.leave(client.ID(), true)
		client.Shutdown("disconnect requested", true)
		return false

	default:
		log.Printf("[terminal-ws] client %s: unknown message type %q", client.ID(), logutil.SanitizeForLog(msg.Type))
		return true
	}
}

func (s *Server) handleJoin(ctx context.Context, client *relay.Client, sessionID string) bool {
	safeID := logutil.SanitizeForLog(sessionID)
	notFound := func() bool {
		log.Printf("[terminal-ws] client %s: join for unknown session %s", client.ID(), safeID)
		client.Deliver(relay.OutputEvent(fmt.Sprintf("Error: Scenario session '%s' not found or not ready.\r\n", sessionID)))
		client.Shutdown(reasonNotFound, true)
		return false
	}
	if sessionID == "" {
		return notFound()
	}

	if _, err := s.Members.Join(sessionID, client.ID()); err != nil {
		if errors.Is(err, scenario.ErrNotFound) {
			return notFound()
		}
		if errors.Is(err, membership.ErrAlreadySubscribed) {
			client.Deliver(relay.OutputEvent("Error: this connection is already attached to another scenario.\r\n"))
			return true
		}
		log.Printf("[terminal-ws] client %s: join %s: %v", client.ID(), safeID, err)
		return true
	}
	log.Printf("[terminal-ws] client %s joined session %s", client.ID(), safeID)

	if err := s.Relay.Join(ctx, sessionID, client.ID()); err != nil {
		if errors.Is(err, scenario.ErrNotFound) {
			s.leave(client.ID(), false)
			return notFound()
		}
		if errors.Is(err, relay.ErrNotActive) {
			client.Deliver(relay.OutputEvent(fmt.Sprintf("Error: Scenario session '%s' is not ready yet.\r\n", sessionID)))
		}
		log.Printf("[terminal-ws] client %s: session %s not activated: %v", client.ID(), safeID, err)
	}
	return true
}

func (s *Server) handleInput(client *relay.Client, id *int64, d inputData) {
	if len(d.Input) > sshterminal.MaxInputMessageSize {
		log.Printf("[terminal-ws] client %s: dropping %d byte input (limit %d)", client.ID(), len(d.Input), sshterminal.MaxInputMessageSize)
		s.ack(client, id, ackData{Status: "error", Message: "input too large"})
		return
	}
	current, ok := s.Members.SessionOf(client.ID())
	if !ok || current != d.SessionID {
		s.ack(client, id, ackData{Status: "error", Message: "not joined to this session"})
		return
	}
	n, err := s.Relay.Input(d.SessionID, []byte(d.Input))
	if err != nil {
		log.Printf("[terminal-ws] client %s: input to %s: %v", client.ID(), logutil.SanitizeForLog(d.SessionID), err)
		s.ack(client, id, ackData{Status: "error", Message: err.Error()})
		return
	}
	s.ack(client, id, ackData{Status: "ok", BytesSent: n})
}

func (s *Server) handleResize(client *relay.Client, d resizeData) {
	rows, cols, ok := sshterminal.ClampSize(d.Rows, d.Cols)
	if !ok {
		log.Printf("[terminal-ws] client %s: ignoring invalid resize %dx%d", client.ID(), d.Rows, d.Cols)
		return
	}
	if current, joined := s.Members.SessionOf(client.ID()); !joined || current != d.SessionID {
		log.Printf("[terminal-ws] client %s: ignoring resize for a session it has not joined", client.ID())
		return
	}
	if err := s.Relay.Resize(d.SessionID, rows, cols); err != nil {
		log.Printf("[terminal-ws] client %s: resize %s: %v", client.ID(), logutil.SanitizeForLog(d.SessionID), err)
	}
}

func (s *Server) ack(client *relay.Client, id *int64, data ackData) {
	if id == nil {
		return
	}
	client.Deliver(relay.Event{Type: relay.EventAck, ID: id, Data: data})
}

// leave drops the client's subscription. When that empties the session, an
// explicit disconnect tears it down at once; a dropped connection waits out
// the grace period.
func (s *Server) leave(clientID string, explicit bool) {
	sessionID, last := s.Members.LeaveClient(clientID)
	if sessionID == "" {
		return
	}
	s.Relay.Leave(sessionID, clientID)
	log.Printf("[terminal-ws] client %s left session %s", clientID, logutil.SanitizeForLog(sessionID))
	if !last {
		return
	}
	if explicit {
		s.Teardown.Schedule(sessionID, teardown.ReasonDisconnect)
		return
	}
	s.Teardown.ScheduleIfIdle(sessionID, s.LastClientGrace)
}
