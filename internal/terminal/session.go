// Package terminal runs interactive shells confined to a user's sandbox.
// Keystrokes pass through a security.LineBuffer; only approved lines reach
// the shell.
package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/sandboxgate/internal/security"
)

var (
	// ErrTooManySessions is returned by Open when the session limit is reached.
	ErrTooManySessions = errors.New("terminal: session limit reached")
	// ErrSessionClosed is returned when writing to a finished session.
	ErrSessionClosed = errors.New("terminal: session closed")
	// ErrIdleTimeout ends a session that saw no input or output for too long.
	ErrIdleTimeout = errors.New("terminal: idle timeout")
)

// Options controls how shells are started.
type Options struct {
	Shell       string
	Args        []string
	IdleTimeout time.Duration // zero disables the idle check
	MaxSessions int           // zero means unlimited
}

// Session is one running shell.
type Session struct {
	ID     string
	Caller security.Caller
	Dir    string

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	out     *io.PipeReader
	filter  *security.LineBuffer
	idle    time.Duration
	logger  *slog.Logger
	release func()

	mu        sync.Mutex // serializes Input
	active    atomic.Int64
	exitCode  atomic.Int64
	closeOnce sync.Once
	waitDone  chan struct{}
}

func newSession(ctx context.Context, gate *security.Gate, caller security.Caller, opts Options, logger *slog.Logger) (*Session, error) {
	if opts.Shell == "" {
		return nil, errors.New("terminal: no shell configured")
	}

	dir := gate.Sandbox().Root(caller.UserID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}

	env := gate.CreateSandboxedEnvironment(caller.UserID, security.EnvMap(os.Environ()))

	cmd := exec.CommandContext(ctx, opts.Shell, opts.Args...)
	cmd.Dir = dir
	cmd.Env = security.EnvList(env)
	cmd.WaitDelay = 2 * time.Second
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start shell: %w", err)
	}

	id := uuid.New().String()
	if caller.SessionID == "" {
		caller.SessionID = id
	}
	s := &Session{
		ID:       id,
		Caller:   caller,
		Dir:      dir,
		cmd:      cmd,
		stdin:    stdin,
		out:      pr,
		filter:   security.NewLineBuffer(gate, caller),
		idle:     opts.IdleTimeout,
		logger:   logger.With("session", id, "user", caller.UserID),
		waitDone: make(chan struct{}),
	}
	s.exitCode.Store(-1)
	s.touch()

	go func() {
		err := cmd.Wait()
		s.exitCode.Store(int64(exitCode(err)))
		pw.Close()
		close(s.waitDone)
	}()

	s.logger.Info("terminal session started", "shell", opts.Shell, "dir", dir, "pid", cmd.Process.Pid)
	return s, nil
}

func (s *Session) touch() { s.active.Store(time.Now().UnixNano()) }

// LastActive is when the session last saw input or output.
func (s *Session) LastActive() time.Time { return time.Unix(0, s.active.Load()) }

// ExitCode is the shell's exit status, or -1 while it runs or if it was killed.
func (s *Session) ExitCode() int { return int(s.exitCode.Load()) }

// Done is closed when the shell has exited.
func (s *Session) Done() <-chan struct{} { return s.waitDone }

// Input filters keystrokes and writes approved lines to the shell. The
// returned decision is a denial if a line was refused; lines before it in p
// are still written.
func (s *Session) Input(p []byte) (security.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.waitDone:
		return security.Allow(), ErrSessionClosed
	default:
	}
	s.touch()

	lines, d := s.filter.Submit(p)
	if len(lines) > 0 {
		var buf bytes.Buffer
		for _, l := range lines {
			buf.WriteString(l)
			buf.WriteByte('\n')
		}
		if _, err := s.stdin.Write(buf.Bytes()); err != nil {
			return d, fmt.Errorf("write to shell: %w", err)
		}
	}
	if !d.Allowed {
		s.logger.Warn("terminal line denied", "violation", d.Violation)
	}
	return d, nil
}

// Run pumps shell output to emit until the shell exits, ctx is done or the
// session goes idle. It returns nil when the shell exits on its own.
func (s *Session) Run(ctx context.Context, emit func([]byte) error) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		buf := make([]byte, 4096)
		for {
			n, err := s.out.Read(buf)
			if n > 0 {
				s.touch()
				if werr := emit(buf[:n]); werr != nil {
					s.kill()
					return werr
				}
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		var tick <-chan time.Time
		if s.idle > 0 {
			interval := s.idle / 4
			if interval > time.Second {
				interval = time.Second
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-s.waitDone:
				return nil
			case <-ctx.Done():
				s.kill()
				return ctx.Err()
			case <-tick:
				if time.Since(s.LastActive()) >= s.idle {
					s.logger.Info("terminal session idle, closing", "idle", s.idle)
					s.kill()
					return ErrIdleTimeout
				}
			}
		}
	})

	return g.Wait()
}

// kill ends the shell's whole process group, background jobs included.
func (s *Session) kill() {
	if err := killProcessGroup(s.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("failed to kill shell", "error", err)
	}
}

// Close kills the shell if it is still running, waits for it and releases
// the session's slot. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.stdin.Close()
		s.kill()
		<-s.waitDone
		s.out.Close()
		if s.release != nil {
			s.release()
		}
		s.logger.Info("terminal session closed", "exit_code", s.ExitCode())
	})
	return nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
