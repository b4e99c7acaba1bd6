package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/dagobah-org/dagobah/internal/logger"
)

const (
	connectTimeout    = 82400 * time.Second
	keepaliveInterval = 10 * time.Second
	drainChunkSize    = 1024
)

// Session is one remote command execution: an SSH client, a channel
// with a PTY, and drains pumping remote output into the task's sinks.
type Session struct {
	client  *ssh.Client
	session *ssh.Session

	mu     sync.Mutex
	closed bool

	done     chan struct{}
	exitCode int
	waitErr  error
	stopKeep chan struct{}
}

// Dial opens an SSH connection to the host and starts the command on a
// PTY session. Stdout and stderr are pumped into the given sinks in
// 1 KiB chunks as output arrives.
func Dial(ctx context.Context, spec *HostSpec, command string, stdout, stderr io.Writer) (*Session, error) {
	key, err := os.ReadFile(spec.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file %s: %w", spec.IdentityFile, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity file %s: %w", spec.IdentityFile, err)
	}

	config := &ssh.ClientConfig{
		User: spec.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Unknown hosts are accepted, matching an auto-add host key
		// policy.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         connectTimeout,
	}

	addr := net.JoinHostPort(spec.Hostname, spec.Port)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to open session on %s: %w", addr, err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", 40, 80, modes); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("failed to request pty on %s: %w", addr, err)
	}

	outPipe, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	errPipe, err := session.StderrPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := session.Start(command); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("failed to start command on %s: %w", addr, err)
	}

	s := &Session{
		client:   client,
		session:  session,
		done:     make(chan struct{}),
		stopKeep: make(chan struct{}),
	}

	var drains sync.WaitGroup
	drains.Add(2)
	go s.drain(ctx, outPipe, stdout, &drains)
	go s.drain(ctx, errPipe, stderr, &drains)
	go s.keepalive(ctx)
	go s.wait(&drains)
	return s, nil
}

// drain copies remote output into a sink one chunk at a time.
func (s *Session) drain(ctx context.Context, from io.Reader, to io.Writer, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, drainChunkSize)
	if _, err := io.CopyBuffer(to, from, buf); err != nil {
		logger.Debug(ctx, "Remote output drain ended", "err", err)
	}
}

// keepalive sends a request every 10 seconds so idle connections are not
// dropped by intermediaries.
func (s *Session) keepalive(ctx context.Context) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopKeep:
			return
		case <-ticker.C:
			if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				logger.Debug(ctx, "SSH keepalive failed", "err", err)
				return
			}
		}
	}
}

func (s *Session) wait(drains *sync.WaitGroup) {
	err := s.session.Wait()
	drains.Wait()
	close(s.stopKeep)

	switch {
	case err == nil:
		s.exitCode = 0
	default:
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			s.exitCode = exitErr.ExitStatus()
		} else {
			s.exitCode = -1
			s.waitErr = err
		}
	}
	close(s.done)
}

// Done is closed when the remote command has finished and all output
// has been drained.
func (s *Session) Done() <-chan struct{} { return s.done }

// ExitCode returns the remote exit status. Valid only after Done is
// closed; -1 when the session ended without reporting a status.
func (s *Session) ExitCode() int { return s.exitCode }

// WaitErr returns the non-exit error the session ended with, if any.
func (s *Session) WaitErr() error { return s.waitErr }

// Close tears down the SSH client. Terminating a remote task closes the
// whole connection; the remote command is orphaned on its PTY.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.session.Close()
	return s.client.Close()
}
