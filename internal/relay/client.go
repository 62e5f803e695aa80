package relay

import (
	"sync"
	"time"
)

// Event types sent to browser clients.
const (
	EventOutput      = "pty_output"
	EventTimerUpdate = "timer_update"
	EventAck         = "ack"
)

// Event is one server-to-client message.
type Event struct {
	Type string `json:"type"`
	ID   *int64 `json:"id,omitempty"`
	Data any    `json:"data,omitempty"`
}

// OutputData is the payload of a pty_output event.
type OutputData struct {
	Output string `json:"output"`
}

// OutputEvent wraps text as a pty_output event.
func OutputEvent(text string) Event {
	return Event{Type: EventOutput, Data: OutputData{Output: text}}
}

const defaultOutboxDepth = 256

// Client is the relay's view of one browser connection: an id and a bounded
// FIFO outbox drained by the connection's writer.
type Client struct {
	id          string
	out         chan Event
	slowTimeout time.Duration

	goneOnce sync.Once
	gone     chan struct{}
	reason   string
	drain    bool
}

// NewClient creates a client with an outbox of depth events. A delivery that
// finds the outbox full for longer than slowTimeout evicts the client.
func NewClient(id string, depth int, slowTimeout time.Duration) *Client {
	if depth <= 0 {
		depth = defaultOutboxDepth
	}
	if slowTimeout <= 0 {
		slowTimeout = 5 * time.Second
	}
	return &Client{
		id:          id,
		out:         make(chan Event, depth),
		slowTimeout: slowTimeout,
		gone:        make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Events is the outbox, in delivery order.
func (c *Client) Events() <-chan Event { return c.out }

// Gone is closed once the client is evicted or closed.
func (c *Client) Gone() <-chan struct{} { return c.gone }

// Close marks the client gone without flushing its outbox. Safe to call
// more than once; only the first call's reason sticks.
func (c *Client) Close() {
	c.Shutdown("client too slow", false)
}

// Shutdown marks the client gone with a reason. When drain is set the writer
// should flush queued events before closing the connection.
func (c *Client) Shutdown(reason string, drain bool) {
	c.goneOnce.Do(func() {
		c.reason = reason
		c.drain = drain
		close(c.gone)
	})
}

// CloseInfo returns the shutdown reason and drain flag. Only meaningful after
// Gone is closed.
func (c *Client) CloseInfo() (string, bool) {
	<-c.gone
	return c.reason, c.drain
}

// Deliver queues ev. It waits up to the slow-client timeout for room and
// evicts the client when none frees up. It reports whether ev was queued.
func (c *Client) Deliver(ev Event) bool {
	select {
	case <-c.gone:
		return false
	default:
	}
	select {
	case c.out <- ev:
		return true
	default:
	}

	timer := time.NewTimer(c.slowTimeout)
	defer timer.Stop()
	select {
	case c.out <- ev:
		return true
	case <-c.gone:
		return false
	case <-timer.C:
		c.Close()
		return false
	}
}
