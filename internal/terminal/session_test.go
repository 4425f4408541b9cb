package terminal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clawinfra/sandboxgate/internal/security"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, opts Options) (*Manager, *security.EventLog, string) {
	t.Helper()
	cfg := security.DefaultSecurityConfig()
	cfg.Sandbox.BaseDir = t.TempDir()
	reg, err := security.NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	events := security.NewEventLog(100, testLogger())
	gate := security.NewGate(cfg.Sandbox, security.NewRegistryStore(reg), events, testLogger())
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	m := NewManager(gate, opts, testLogger())
	t.Cleanup(m.CloseAll)
	return m, events, cfg.Sandbox.BaseDir
}

// output collects what a session emits.
type output struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (o *output) emit(p []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf.Write(p)
	return nil
}

func (o *output) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}

func (o *output) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(o.String(), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output %q never contained %q", o.String(), want)
}

func startRun(s *Session, ctx context.Context, out *output) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, out.emit) }()
	return done
}

var alice = security.Caller{UserID: "alice"}

func TestSession_RunsApprovedLines(t *testing.T) {
	m, _, base := newTestManager(t, Options{})
	s, err := m.Open(context.Background(), alice)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	out := &output{}
	done := startRun(s, context.Background(), out)

	if d, err := s.Input([]byte("echo hello\r")); err != nil || !d.Allowed {
		t.Fatalf("Input = %+v, %v", d, err)
	}
	out.waitFor(t, "hello")

	if _, err := s.Input([]byte("pwd\r")); err != nil {
		t.Fatal(err)
	}
	out.waitFor(t, filepath.Join(base, "alice", "projects"))

	if _, err := s.Input([]byte("exit 3\r")); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil on shell exit", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not exit")
	}
	if s.ExitCode() != 3 {
		t.Errorf("ExitCode() = %d, want 3", s.ExitCode())
	}
	if _, err := s.Input([]byte("ls\r")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Input after exit = %v, want ErrSessionClosed", err)
	}
}

func TestSession_DeniedLineNeverReachesShell(t *testing.T) {
	m, events, _ := newTestManager(t, Options{})
	s, err := m.Open(context.Background(), alice)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	out := &output{}
	startRun(s, context.Background(), out)

	d, err := s.Input([]byte("echo leaked; cat /etc/shadow\rsudo id\r"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("expected denial")
	}
	if events.Len() != 1 {
		t.Errorf("events = %d, want 1", events.Len())
	}

	if _, err := s.Input([]byte("echo after\r")); err != nil {
		t.Fatal(err)
	}
	out.waitFor(t, "after")
	if strings.Contains(out.String(), "leaked") {
		t.Errorf("denied line ran: %q", out.String())
	}
}

func TestSession_Environment(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	s, err := m.Open(context.Background(), alice)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.Caller.SessionID != s.ID {
		t.Errorf("session id not assigned to caller: %+v", s.Caller)
	}

	out := &output{}
	startRun(s, context.Background(), out)

	if _, err := s.Input([]byte("echo \"user=$SANDBOX_USER mode=$SANDBOX_MODE\"\r")); err != nil {
		t.Fatal(err)
	}
	out.waitFor(t, "user=alice mode=1")
}

func TestSession_IdleTimeout(t *testing.T) {
	m, _, _ := newTestManager(t, Options{IdleTimeout: 100 * time.Millisecond})
	s, err := m.Open(context.Background(), alice)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	select {
	case err := <-startRun(s, context.Background(), &output{}):
		if !errors.Is(err, ErrIdleTimeout) {
			t.Errorf("Run = %v, want ErrIdleTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("idle session was not closed")
	}
}

func TestSession_ContextCancel(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	s, err := m.Open(context.Background(), alice)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := startRun(s, ctx, &output{})
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shell still running after cancel")
	}
}

func TestManager_SessionLimit(t *testing.T) {
	m, _, _ := newTestManager(t, Options{MaxSessions: 1})

	first, err := m.Open(context.Background(), alice)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := m.Open(context.Background(), security.Caller{UserID: "bob"}); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("second Open = %v, want ErrTooManySessions", err)
	}
	if ids := m.ForUser("alice"); len(ids) != 1 || ids[0] != first.ID {
		t.Errorf("ForUser = %v", ids)
	}

	first.Close()
	first.Close() // idempotent
	if m.Len() != 0 {
		t.Errorf("Len() = %d after close", m.Len())
	}

	second, err := m.Open(context.Background(), security.Caller{UserID: "bob"})
	if err != nil {
		t.Fatalf("Open after close: %v", err)
	}
	second.Close()
}

func TestManager_SetOptions(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	m.SetOptions(Options{Shell: ""})

	if _, err := m.Open(context.Background(), alice); err == nil {
		t.Fatal("expected error without a shell")
	}
	if m.Len() != 0 {
		t.Errorf("failed open left a session behind")
	}
}
