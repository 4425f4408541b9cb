package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/clawinfra/sandboxgate/internal/security"
)

const (
	maxCheckBody      = 1 << 20
	defaultEventLimit = 100
)

// CheckRequest is the body of POST /api/check/{kind}. Which fields are read
// depends on the kind. An omitted mode is strict for command and prompt
// checks alike: a suspicious phrase blocks a prompt unless "lenient" is sent.
type CheckRequest struct {
	Path      string `json:"path,omitempty"`      // path, project
	Command   string `json:"command,omitempty"`   // command
	Input     string `json:"input,omitempty"`     // pty
	Text      string `json:"text,omitempty"`      // prompt, kickoff
	Mode      string `json:"mode,omitempty"`      // command, prompt: "strict" when omitted, or "lenient"
	ProjectID string `json:"projectId,omitempty"` // prompt, kickoff
}

func parseMode(s string) (security.Mode, bool) {
	switch s {
	case "", "strict":
		return security.ModeStrict, true
	case "lenient":
		return security.ModeLenient, true
	default:
		return security.ModeStrict, false
	}
}

// handleStatus returns service status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, security.ErrMissingToken.Error())
		return
	}

	status := map[string]any{
		"version":        s.opts.Version,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"dev_mode":       s.opts.DevMode,
		"user":           caller.UserID,
		"capabilities":   caller.Caps,
	}
	if s.events != nil {
		status["events"] = s.events.Stats()
	}
	if s.terminals != nil {
		status["terminals"] = s.terminals.Len()
	}
	writeJSON(w, http.StatusOK, status)
}

// handleCheck runs one gate or detector check for the caller.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, security.ErrMissingToken.Error())
		return
	}

	var req CheckRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode, ok := parseMode(req.Mode)
	if !ok {
		writeError(w, http.StatusBadRequest, "mode must be strict or lenient")
		return
	}
	scope := security.Scope{UserID: caller.UserID, SessionID: caller.SessionID, ProjectID: req.ProjectID}

	switch kind := r.PathValue("kind"); kind {
	case "path":
		writeJSON(w, http.StatusOK, s.gate.CanAccessPath(req.Path, caller))
	case "command":
		writeJSON(w, http.StatusOK, s.gate.FilterCommand(req.Command, caller, mode))
	case "pty":
		writeJSON(w, http.StatusOK, s.gate.FilterPTYInput(req.Input, caller))
	case "project":
		writeJSON(w, http.StatusOK, s.gate.ValidateProjectPath(req.Path, caller.UserID))
	case "prompt":
		writeJSON(w, http.StatusOK, s.detector.Filter(req.Text, scope, mode))
	case "kickoff":
		writeJSON(w, http.StatusOK, s.detector.FilterKickoff(req.Text, scope))
	default:
		writeError(w, http.StatusNotFound, "unknown check: "+kind)
	}
}

// handleSandboxEnv describes the caller's sandbox and the variables its
// shells get on top of the inherited environment.
func (s *Server) handleSandboxEnv(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, security.ErrMissingToken.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": caller.UserID,
		"root": s.gate.Sandbox().Root(caller.UserID),
		"env":  s.gate.CreateSandboxedEnvironment(caller.UserID, nil),
	})
}

// handleMyEvents returns the caller's recent security events.
func (s *Server) handleMyEvents(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, security.ErrMissingToken.Error())
		return
	}
	limit, ok := queryLimit(r, defaultEventLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	events := s.events.ForUser(caller.UserID, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   caller.UserID,
		"count":  len(events),
		"events": nonNil(events),
	})
}

// handleAllEvents returns recent events across users. The permission table
// restricts it to admins; dev mode callers never qualify.
func (s *Server) handleAllEvents(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, security.ErrMissingToken.Error())
		return
	}
	if !caller.Caps.Admin {
		writeError(w, http.StatusForbidden, security.ErrInsufficientRole.Error())
		return
	}
	limit, ok := queryLimit(r, defaultEventLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	events := s.events.All(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"stats":  s.events.Stats(),
		"events": nonNil(events),
	})
}

func nonNil(events []security.Event) []security.Event {
	if events == nil {
		return []security.Event{}
	}
	return events
}
