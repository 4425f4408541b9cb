package security

import "errors"

var (
	// ErrEmptyPath is returned when a path to normalize is empty.
	ErrEmptyPath = errors.New("security: empty path")
	// ErrNullByte is returned when a path contains a NUL byte.
	ErrNullByte = errors.New("security: path contains null byte")
)

// Violation classifies why a verdict denied an operation.
type Violation string

const (
	ViolationNone           Violation = ""
	PathTraversalAttempt    Violation = "path_traversal_attempt"
	ProtectedPathAccess     Violation = "protected_path_access"
	SandboxEscape           Violation = "sandbox_escape"
	BlockedCommand          Violation = "blocked_command"
	PromptInjectionDetected Violation = "prompt_injection_detected"
	UnparseableInput        Violation = "unparseable_input"
)

// Mode selects how aggressively a check treats borderline input.
// The zero value is ModeStrict; lenient checking must be asked for by name.
type Mode int

const (
	ModeStrict Mode = iota
	ModeLenient
)

func (m Mode) String() string {
	if m == ModeLenient {
		return "lenient"
	}
	return "strict"
}

// Strict reports whether m applies the strict threshold.
func (m Mode) Strict() bool { return m != ModeLenient }

// Capabilities are the elevated rights an authorization layer grants a caller.
// They are trusted as given.
type Capabilities struct {
	// Admin lifts sandbox containment. Absolutely protected paths stay denied.
	Admin bool `json:"admin"`
	// Developer exempts the platform's own source tree from protection.
	Developer bool `json:"developer"`
}

// Caller identifies who is asking for a verdict.
type Caller struct {
	UserID    string       `json:"user_id"`
	SessionID string       `json:"session_id,omitempty"`
	Caps      Capabilities `json:"capabilities"`
}

// Decision is the verdict of a path or command check. It is never partial:
// one violation anywhere denies the whole request.
type Decision struct {
	Allowed      bool      `json:"allowed"`
	Reason       string    `json:"reason,omitempty"`
	BlockedPaths []string  `json:"blocked_paths,omitempty"`
	Suggestion   string    `json:"suggestion,omitempty"`
	Violation    Violation `json:"violation,omitempty"`
}

// Allow is the allowing verdict.
func Allow() Decision { return Decision{Allowed: true} }

func deny(v Violation, reason, suggestion string) Decision {
	return Decision{Reason: reason, Suggestion: suggestion, Violation: v}
}

// ProjectPathResult is the result of ValidateProjectPath.
type ProjectPathResult struct {
	Valid bool   `json:"valid"`
	Path  string `json:"path,omitempty"`
	Error string `json:"error,omitempty"`
}
