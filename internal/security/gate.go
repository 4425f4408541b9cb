package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// maxCommandDepth bounds recursion into chained and nested commands. Deeper
// input is denied.
const maxCommandDepth = 16

const (
	reasonTraversal    = "Path traversal is not allowed"
	reasonProtected    = "Access to this path is not allowed"
	reasonOutside      = "Path must be within your sandbox directory"
	reasonUnparseable  = "Command could not be parsed"
	reasonBlocked      = "This command is blocked by security policy"
	reasonUnverifiable = "Commands edited with cursor keys, history or completion cannot be verified"
	reasonTooDeep      = "Command nesting is too deep to verify"
	reasonDynamic      = "Command names built from variables or patterns cannot be verified"
	suggestTraversal   = "Use paths inside your sandbox without '..' segments"
	suggestProtected   = "Credentials, shell configuration and system directories cannot be accessed"
	suggestBlocked     = "Use a command that only touches files inside your sandbox"
	suggestRetype      = "Type the complete command and press Enter"
	suggestSimplify    = "Split the command into simpler steps"
	suggestLiteral     = "Spell the command name out literally"
	suggestOutsideFmt  = "Work inside %s"
)

// Gate decides whether paths and commands may be used by a caller. It keeps
// no per-call state; verdicts depend only on the registry in force.
type Gate struct {
	cfg      SandboxConfig
	sandbox  *Sandbox
	registry *RegistryStore
	events   EventRecorder
	logger   *slog.Logger
}

// NewGate creates a gate. events may be nil, in which case denials are only
// logged through logger.
func NewGate(cfg SandboxConfig, registry *RegistryStore, events EventRecorder, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cfg:      cfg,
		sandbox:  NewSandbox(cfg.BaseDir),
		registry: registry,
		events:   events,
		logger:   logger.With("component", "gate"),
	}
}

// Sandbox returns the sandbox layout the gate enforces.
func (g *Gate) Sandbox() *Sandbox { return g.sandbox }

// Registry returns the registry currently in force.
func (g *Gate) Registry() *Registry { return g.registry.Load() }

func (g *Gate) deny(caller Caller, et EventType, d Decision, inputPath, inputCmd, details string) Decision {
	g.logger.Info("denied",
		"user", caller.UserID,
		"violation", d.Violation,
		"details", details,
	)
	if g.events != nil {
		g.events.Log(Event{
			UserID:       caller.UserID,
			SessionID:    caller.SessionID,
			Type:         et,
			Details:      details,
			InputPath:    inputPath,
			InputCommand: inputCmd,
		})
	}
	return d
}

// CanAccessPath decides whether caller may use path. Raw '..' segments are
// refused before normalization. Absolutely protected paths are refused for
// everyone; developer paths need the developer capability; everything else
// must lie in the caller's sandbox unless the caller is an admin.
func (g *Gate) CanAccessPath(path string, caller Caller) Decision {
	if hasTraversal(path) {
		d := deny(PathTraversalAttempt, reasonTraversal, suggestTraversal)
		d.BlockedPaths = []string{path}
		return g.deny(caller, EventPathBlocked, d, path, "", "traversal in path")
	}

	reg := g.registry.Load()
	abs, err := NormalizePath(expandHome(path, reg.Home()))
	if err != nil {
		d := deny(UnparseableInput, reasonProtected, suggestProtected)
		return g.deny(caller, EventPathBlocked, d, path, "", "unresolvable path: "+err.Error())
	}
	resolved, _ := resolveSymlinks(abs)

	class := reg.Classify(abs, caller.Caps.Developer)
	if class != PathProtected && resolved != abs {
		class = worseClass(class, reg.Classify(resolved, caller.Caps.Developer))
	}
	if class == PathProtected {
		d := deny(ProtectedPathAccess, reasonProtected, suggestProtected)
		d.BlockedPaths = []string{path}
		return g.deny(caller, EventPathBlocked, d, path, "", "protected path")
	}

	if !caller.Caps.Admin && class != PathDeveloper && !g.contains(abs, resolved, caller.UserID) {
		d := deny(SandboxEscape, reasonOutside, fmt.Sprintf(suggestOutsideFmt, g.sandbox.Root(caller.UserID)))
		d.BlockedPaths = []string{path}
		return g.deny(caller, EventPathBlocked, d, path, "", "outside sandbox")
	}
	return Allow()
}

func worseClass(a, b PathClass) PathClass {
	if a == PathProtected || b == PathProtected {
		return PathProtected
	}
	if a == PathSandboxCandidate || b == PathSandboxCandidate {
		return PathSandboxCandidate
	}
	return PathDeveloper
}

// contains requires both the lexical path and its symlink resolution to stay
// inside the user's root.
func (g *Gate) contains(abs, resolved, userID string) bool {
	root := g.sandbox.Root(userID)
	if !isSubpath(abs, root) {
		return false
	}
	resolvedRoot, _ := resolveSymlinks(root)
	return isSubpath(resolved, resolvedRoot) || isSubpath(resolved, root)
}

// FilterCommand decides whether caller may run cmd. A denial anywhere in a
// chained command denies all of it. Empty input is allowed.
func (g *Gate) FilterCommand(cmd string, caller Caller, mode Mode) Decision {
	return g.filterCommand(cmd, caller, mode, 0)
}

func (g *Gate) filterCommand(cmd string, caller Caller, mode Mode, depth int) Decision {
	if strings.TrimSpace(cmd) == "" {
		return Allow()
	}
	if depth > maxCommandDepth {
		return g.deny(caller, EventCommandBlocked, deny(UnparseableInput, reasonTooDeep, suggestSimplify), "", cmd, "nesting too deep")
	}

	reg := g.registry.Load()
	a := AnalyzeCommand(cmd)

	if a.ParseError != "" {
		return g.deny(caller, EventCommandBlocked, deny(UnparseableInput, reasonUnparseable, suggestSimplify), "", cmd, "parse error: "+a.ParseError)
	}

	if a.DynamicCommand {
		return g.deny(caller, EventCommandBlocked, deny(UnparseableInput, reasonDynamic, suggestLiteral), "", cmd, "dynamic command name")
	}

	for _, name := range append([]string{a.BaseCommand}, a.Commands...) {
		if reg.IsAlwaysBlocked(name) {
			d := deny(BlockedCommand, fmt.Sprintf("The command %q is not allowed", name), suggestBlocked)
			return g.deny(caller, EventCommandBlocked, d, "", cmd, "always blocked: "+name)
		}
	}

	if rule, ok := matchRule(reg, cmd); ok {
		d := deny(BlockedCommand, reasonBlocked, suggestBlocked)
		return g.deny(caller, EventCommandBlocked, d, "", cmd, fmt.Sprintf("rule %s (%s)", rule.Name, rule.Category))
	}

	root := g.sandbox.Root(caller.UserID)
	var blocked, escaped []string
	for _, target := range a.TargetPaths {
		p := expandHome(target, reg.Home())
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		if reg.Classify(p, caller.Caps.Developer) == PathProtected {
			blocked = append(blocked, target)
			continue
		}
		if mode.Strict() && !caller.Caps.Admin && hasTraversal(target) && !isSubpath(filepath.Clean(p), root) {
			escaped = append(escaped, target)
		}
	}
	if len(blocked) > 0 {
		d := deny(ProtectedPathAccess, reasonProtected, suggestProtected)
		d.BlockedPaths = blocked
		return g.deny(caller, EventPathBlocked, d, strings.Join(blocked, " "), cmd, "protected target path")
	}

	if mode.Strict() {
		if navigationCommands[a.BaseCommand] {
			for _, arg := range a.Arguments {
				if strings.Contains(arg, "..") {
					d := deny(PathTraversalAttempt, reasonTraversal, suggestTraversal)
					d.BlockedPaths = []string{arg}
					return g.deny(caller, EventSandboxViolation, d, arg, cmd, "traversal in "+a.BaseCommand)
				}
			}
		}
		if len(escaped) > 0 {
			d := deny(SandboxEscape, reasonOutside, fmt.Sprintf(suggestOutsideFmt, root))
			d.BlockedPaths = escaped
			return g.deny(caller, EventSandboxViolation, d, strings.Join(escaped, " "), cmd, "relative path leaves sandbox")
		}
		for _, sub := range a.SubCommands {
			if d := g.filterCommand(sub, caller, mode, depth+1); !d.Allowed {
				return d
			}
		}
		for _, nested := range a.Nested {
			if d := g.filterCommand(nested, caller, mode, depth+1); !d.Allowed {
				return d
			}
		}
	}

	return Allow()
}

// quoting strips the characters the shell drops, so that su\do or s'u'do
// cannot split a rule's keyword.
var quoting = strings.NewReplacer(`\`, "", `"`, "", `'`, "")

// matchRule checks cmd against the blocked command rules as typed and with
// quoting removed.
func matchRule(reg *Registry, cmd string) (CommandRule, bool) {
	if rule, ok := reg.IsBlockedCommand(cmd); ok {
		return rule, true
	}
	if bare := quoting.Replace(cmd); bare != cmd {
		return reg.IsBlockedCommand(bare)
	}
	return CommandRule{}, false
}

// FilterPTYInput checks a chunk of raw terminal input. Input shorter than two
// characters without a line terminator is a keystroke and passes. Every
// completed line is resolved for line editing and checked in strict mode.
// An unterminated remainder is checked as well, unless it does not parse yet.
func (g *Gate) FilterPTYInput(input string, caller Caller) Decision {
	if utf8.RuneCountInString(input) < 2 && !strings.ContainsAny(input, "\r\n") {
		return Allow()
	}

	var ed lineEditor
	for i := 0; i < len(input); i++ {
		switch ed.step(input[i]) {
		case actionEnter:
			d := g.checkLine(&ed, caller)
			ed.reset()
			if !d.Allowed {
				return d
			}
		case actionInterrupt:
			ed.reset()
		}
	}

	rest := ed.text()
	if !ed.verifiable() || strings.TrimSpace(rest) == "" {
		return Allow()
	}
	if AnalyzeCommand(rest).ParseError != "" {
		return Allow()
	}
	return g.FilterCommand(rest, caller, ModeStrict)
}

// checkLine is the verdict for the line in ed when Enter is pressed. Pasted
// text is also matched against the rules as it arrived, before any edits
// typed after the paste.
func (g *Gate) checkLine(ed *lineEditor, caller Caller) Decision {
	line := ed.text()
	if !ed.verifiable() {
		return g.deny(caller, EventCommandBlocked, deny(UnparseableInput, reasonUnverifiable, suggestRetype), "", line, "unverifiable line edit")
	}
	if pasted := ed.pastedText(); pasted != "" {
		if rule, ok := matchRule(g.registry.Load(), pasted); ok {
			d := deny(BlockedCommand, reasonBlocked, suggestBlocked)
			return g.deny(caller, EventCommandBlocked, d, "", pasted, fmt.Sprintf("pasted text matches rule %s (%s)", rule.Name, rule.Category))
		}
	}
	return g.FilterCommand(line, caller, ModeStrict)
}

// ValidateProjectPath checks that path is a usable project directory inside
// userID's sandbox. Errors are reported in the result, never returned.
func (g *Gate) ValidateProjectPath(path, userID string) ProjectPathResult {
	caller := Caller{UserID: userID}
	if hasTraversal(path) {
		g.deny(caller, EventPathBlocked, deny(PathTraversalAttempt, reasonTraversal, suggestTraversal), path, "", "traversal in project path")
		return ProjectPathResult{Error: "path traversal detected"}
	}

	reg := g.registry.Load()
	abs, err := NormalizePath(expandHome(path, reg.Home()))
	if err != nil {
		return ProjectPathResult{Error: "invalid path: " + err.Error()}
	}
	resolved, _ := resolveSymlinks(abs)

	if !g.contains(abs, resolved, userID) {
		g.deny(caller, EventPathBlocked, deny(SandboxEscape, reasonOutside, ""), path, "", "project path outside sandbox")
		return ProjectPathResult{Error: "path must be within your sandbox directory"}
	}
	if reg.IsProtectedPath(abs) || reg.IsProtectedPath(resolved) {
		g.deny(caller, EventPathBlocked, deny(ProtectedPathAccess, reasonProtected, ""), path, "", "protected project path")
		return ProjectPathResult{Error: "access to this path is not allowed"}
	}
	return ProjectPathResult{Valid: true, Path: abs}
}
