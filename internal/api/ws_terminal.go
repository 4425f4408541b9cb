package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/sandboxgate/internal/security"
	"github.com/clawinfra/sandboxgate/internal/terminal"
)

// TerminalFrame is the JSON frame exchanged over the terminal WebSocket.
//
// Client to server: "input" (Data holds keystrokes), "ping".
// Server to client: "output", "denied", "pong", "exit", "error".
type TerminalFrame struct {
	Type       string             `json:"type"`
	Data       string             `json:"data,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Suggestion string             `json:"suggestion,omitempty"`
	Violation  security.Violation `json:"violation,omitempty"`
	ExitCode   *int               `json:"exit_code,omitempty"`
	Error      string             `json:"error,omitempty"`
}

var errSessionEnded = errors.New("terminal session ended")

// handleTerminalWS upgrades to a WebSocket and attaches it to a new shell in
// the caller's sandbox.
//
// Flow:
//  1. Resolve the caller (token from the Authorization header or ?token=).
//  2. Open a session; refuse with 429 when the limit is reached.
//  3. Accept the WebSocket upgrade.
//  4. Pump shell output as "output" frames while reading "input" frames
//     through the session's line filter. A refused line yields a "denied"
//     frame. When the shell exits an "exit" frame is sent and the socket closed.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, security.ErrMissingToken.Error())
		return
	}
	if s.terminals == nil {
		writeError(w, http.StatusServiceUnavailable, "terminal sessions disabled")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := s.terminals.Open(ctx, caller)
	if errors.Is(err, terminal.ErrTooManySessions) {
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to open terminal session", "user", caller.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start shell")
		return
	}
	defer sess.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: s.opts.DevMode, // any Origin in dev mode only
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	s.logger.Info("ws terminal connected", "remote", r.RemoteAddr, "user", caller.UserID, "session", sess.ID)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runErr := sess.Run(gctx, func(p []byte) error {
			return wsjson.Write(gctx, conn, TerminalFrame{Type: "output", Data: string(p)})
		})
		code := sess.ExitCode()
		exit := TerminalFrame{Type: "exit", ExitCode: &code}
		if runErr != nil {
			exit.Error = runErr.Error()
		}
		s.wsSend(ctx, conn, exit)
		conn.Close(websocket.StatusNormalClosure, "session ended")
		if runErr != nil {
			return runErr
		}
		return errSessionEnded
	})

	g.Go(func() error {
		for {
			var f TerminalFrame
			if err := wsjson.Read(gctx, conn, &f); err != nil {
				return err
			}
			switch f.Type {
			case "input":
				d, err := sess.Input([]byte(f.Data))
				if err != nil {
					return err
				}
				if !d.Allowed {
					s.wsSend(gctx, conn, TerminalFrame{
						Type:       "denied",
						Reason:     d.Reason,
						Suggestion: d.Suggestion,
						Violation:  d.Violation,
					})
				}
			case "ping":
				s.wsSend(gctx, conn, TerminalFrame{Type: "pong"})
			default:
				s.wsSend(gctx, conn, TerminalFrame{Type: "error", Error: "unknown message type: " + f.Type})
			}
		}
	})

	err = g.Wait()
	s.logger.Info("ws terminal disconnected", "session", sess.ID, "reason", err)
}

// wsSend writes a frame; errors are logged but not fatal.
func (s *Server) wsSend(ctx context.Context, conn *websocket.Conn, f TerminalFrame) {
	if err := wsjson.Write(ctx, conn, f); err != nil {
		s.logger.Debug("ws write error", slog.String("error", err.Error()))
	}
}
