// Package sshterminaltest provides an in-memory sshterminal.Dialer for tests
// of code built on top of the transport.
package sshterminaltest

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/chaoslab/control-plane/internal/sshterminal"
)

// Dialer hands out scripted Channels and records every target it was asked
// to open.
type Dialer struct {
	// Err, when set, fails every Open.
	Err error
	// Greeting is emitted on each new channel.
	Greeting string

	mu       sync.Mutex
	targets  []sshterminal.Target
	channels []*Channel
	opened   chan struct{}
}

func NewDialer() *Dialer {
	return &Dialer{opened: make(chan struct{}, 64)}
}

func (d *Dialer) Open(ctx context.Context, target sshterminal.Target) (sshterminal.Channel, error) {
	d.mu.Lock()
	d.targets = append(d.targets, target)
	err := d.Err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	ch := NewChannel()
	if d.Greeting != "" {
		ch.Emit(d.Greeting)
	}
	d.mu.Lock()
	d.channels = append(d.channels, ch)
	d.mu.Unlock()
	select {
	case d.opened <- struct{}{}:
	default:
	}
	return ch, nil
}

// Targets returns the targets passed to Open so far.
func (d *Dialer) Targets() []sshterminal.Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sshterminal.Target(nil), d.targets...)
}

// Channels returns every channel opened so far.
func (d *Dialer) Channels() []*Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Channel(nil), d.channels...)
}

// WaitChannel waits for the n-th (1-based) channel to be opened.
func (d *Dialer) WaitChannel(n int, timeout time.Duration) *Channel {
	deadline := time.After(timeout)
	for {
		if chs := d.Channels(); len(chs) >= n {
			return chs[n-1]
		}
		select {
		case <-d.opened:
		case <-deadline:
			return nil
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Channel is a scripted shell. Output is queued with Emit; Exit ends the
// output sequence with io.EOF after queued chunks drain.
type Channel struct {
	output chan []byte

	exitOnce  sync.Once
	exited    chan struct{}
	closeOnce sync.Once
	closed    chan struct{}

	mu      sync.Mutex
	sent    []string
	resizes [][2]int
}

func NewChannel() *Channel {
	return &Channel{
		output: make(chan []byte, 256),
		exited: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// Emit queues a chunk of shell output.
func (c *Channel) Emit(s string) {
	c.output <- []byte(s)
}

// Exit simulates the remote shell terminating.
func (c *Channel) Exit() {
	c.exitOnce.Do(func() { close(c.exited) })
}

func (c *Channel) Send(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, sshterminal.ErrClosed
	default:
	}
	c.mu.Lock()
	c.sent = append(c.sent, string(p))
	c.mu.Unlock()
	return len(p), nil
}

func (c *Channel) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.output:
		return data, nil
	case <-c.exited:
		select {
		case data := <-c.output:
			return data, nil
		default:
			return nil, io.EOF
		}
	case <-c.closed:
		return nil, sshterminal.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) Resize(rows, cols int) error {
	select {
	case <-c.closed:
		return sshterminal.ErrClosed
	default:
	}
	c.mu.Lock()
	c.resizes = append(c.resizes, [2]int{rows, cols})
	c.mu.Unlock()
	return nil
}

func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Sent returns every payload passed to Send, in order.
func (c *Channel) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// Resizes returns every (rows, cols) pair passed to Resize.
func (c *Channel) Resizes() [][2]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][2]int(nil), c.resizes...)
}

// WaitSent waits until some Send payload equals s.
func (c *Channel) WaitSent(s string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, got := range c.Sent() {
			if got == s {
				return true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// WaitClosed waits until Close is called.
func (c *Channel) WaitClosed(timeout time.Duration) bool {
	select {
	case <-c.closed:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Joined concatenates everything sent so far.
func (c *Channel) Joined() string {
	return strings.Join(c.Sent(), "")
}
