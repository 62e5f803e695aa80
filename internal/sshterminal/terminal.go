package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/chaoslab/control-plane/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrConnect wraps every failure to establish a channel.
	ErrConnect = errors.New("ssh connect failed")
	// ErrClosed is returned by operations on a locally closed channel.
	ErrClosed = errors.New("channel closed")
)

const (
	// DefaultTerm is the TERM value requested for the remote PTY.
	DefaultTerm = "xterm-256color"

	defaultRows = 24
	defaultCols = 80

	// outputQueueDepth bounds how many unread chunks the pump holds before
	// it stops reading from the remote side.
	outputQueueDepth = 64
	readBufferSize   = 4096
)

// Channel is a duplex byte stream to an interactive remote shell.
type Channel interface {
	Send(p []byte) (int, error)
	Recv(ctx context.Context) ([]byte, error)
	Resize(rows, cols int) error
	Close() error
}

// Target identifies the host and credential for one session's shell.
type Target struct {
	SessionID  string
	Host       string // host or host:port
	User       string
	Credential []byte // PEM private key
}

// Dialer opens channels. SSHDialer is the production implementation; tests
// substitute in-memory fakes.
type Dialer interface {
	Open(ctx context.Context, target Target) (Channel, error)
}

// SSHDialer opens PTY shells over SSH.
type SSHDialer struct {
	// DefaultUser is used when the target has no user.
	DefaultUser string
	// ConnectTimeout bounds TCP dial plus SSH handshake.
	ConnectTimeout time.Duration
	Term           string
	Rows, Cols     int
}

// Open dials the target, authenticates with its credential and starts an
// interactive login shell on a PTY.
func (d *SSHDialer) Open(ctx context.Context, target Target) (Channel, error) {
	key, err := sshkeys.ParseCredential(target.Credential)
	if err != nil {
		return nil, fmt.Errorf("%w: load credential: %w", ErrConnect, err)
	}

	user := target.User
	if user == "" {
		user = d.DefaultUser
	}
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	addr := target.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(22))
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(key.Signer)},
		HostKeyCallback: sshkeys.RecordingHostKeyCallback(target.SessionID),
		Timeout:         timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnect, addr, err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("%w: ssh handshake with %s: %w", ErrConnect, addr, err)
	}
	netConn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)

	term := d.Term
	if term == "" {
		term = DefaultTerm
	}
	rows, cols := d.Rows, d.Cols
	if rows <= 0 || cols <= 0 {
		rows, cols = defaultRows, defaultCols
	}

	sh, err := StartShell(client, term, rows, cols)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	log.Printf("[sshterminal] session %s: shell started on %s@%s (%s key)", target.SessionID, user, addr, key.Kind)
	return sh, nil
}

// Shell is a PTY-backed login shell on an SSH client. It owns the client and
// closes it together with the session.
type Shell struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser

	chunks chan []byte
	// done is closed after both output pumps finished and the exit status is known.
	done chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	mu         sync.Mutex
	exitStatus int
	exitKnown  bool
}

// StartShell opens a session on client, requests a PTY and starts the
// user's login shell.
func StartShell(client *ssh.Client, term string, rows, cols int) (*Shell, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if err := session.RequestPty(term, rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	sh := &Shell{
		client:  client,
		session: session,
		stdin:   stdin,
		chunks:  make(chan []byte, outputQueueDepth),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go sh.pump(&pumps, stdout)
	go sh.pump(&pumps, stderr)
	go func() {
		pumps.Wait()
		sh.recordExit(session.Wait())
		close(sh.done)
	}()

	return sh, nil
}

// pump copies one output stream into the chunk queue until the stream ends or
// the shell is closed.
func (s *Shell) pump(wg *sync.WaitGroup, r io.Reader) {
	defer wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case s.chunks <- data:
			case <-s.closed:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Shell) recordExit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		s.exitStatus, s.exitKnown = 0, true
	case errors.As(err, &exitErr):
		s.exitStatus, s.exitKnown = exitErr.ExitStatus(), true
	}
}

// ExitStatus reports the remote shell's exit code once it is known.
func (s *Shell) ExitStatus() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitStatus, s.exitKnown
}

// Send writes p to the shell's stdin.
func (s *Shell) Send(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, ErrClosed
	default:
	}
	return s.stdin.Write(p)
}

// Recv blocks until output is available, the shell exits, the channel is
// closed or ctx is done. Output buffered before exit is always returned
// before io.EOF.
func (s *Shell) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.chunks:
		return data, nil
	case <-s.done:
		select {
		case data := <-s.chunks:
			return data, nil
		default:
			return nil, io.EOF
		}
	case <-s.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resize changes the PTY window to rows x cols.
func (s *Shell) Resize(rows, cols int) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	return s.session.WindowChange(rows, cols)
}

// Close terminates the session and the underlying connection. Only the first
// call does any work.
func (s *Shell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.session.Close()
		err = s.client.Close()
	})
	return err
}
