package security

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/gobwas/glob"
)

// CommandCategory groups blocked command rules by what they protect against.
type CommandCategory string

const (
	CategoryCredentialAccess    CommandCategory = "credential_access"
	CategoryPrivilegeEscalation CommandCategory = "privilege_escalation"
	CategoryDestructive         CommandCategory = "destructive_filesystem"
	CategoryExfiltration        CommandCategory = "network_exfiltration"
	CategoryProcessControl      CommandCategory = "process_control"
	CategorySandboxTampering    CommandCategory = "sandbox_tampering"
)

// CommandRule is a blocked command regex. Rules are heuristics over shell
// text, not a shell grammar.
type CommandRule struct {
	Name     string
	Category CommandCategory
	Pattern  *regexp.Regexp
}

// PathClass is the outcome of Registry.Classify.
type PathClass int

const (
	PathSandboxCandidate PathClass = iota
	PathDeveloper
	PathProtected
)

func (c PathClass) String() string {
	switch c {
	case PathProtected:
		return "protected"
	case PathDeveloper:
		return "developer"
	default:
		return "sandbox-candidate"
	}
}

type filePattern struct {
	raw  string
	glob glob.Glob
}

// Registry holds the protected resource tables. It is immutable once built;
// Extend returns a copy.
type Registry struct {
	home           string
	protectedDirs  []string
	protectedFiles []filePattern
	developerPaths []string
	rules          []CommandRule
	alwaysBlocked  map[string]bool
	phrases        []string
}

var defaultHomeProtected = []string{
	".ssh", ".gnupg", ".aws", ".azure", ".kube", ".docker",
	".config/gcloud", ".config/gh",
	".bashrc", ".bash_profile", ".bash_history", ".profile", ".zshrc", ".zsh_history",
	".netrc", ".npmrc", ".pypirc", ".git-credentials", ".gitconfig",
}

var defaultSystemProtected = []string{
	"/etc", "/root", "/boot", "/sbin", "/usr/sbin", "/proc", "/sys",
	"/var/run", "/var/log", "/var/lib", "/run/secrets",
}

var defaultProtectedFiles = []string{
	".env", ".env.*", "*.pem", "*.key", "*.p12", "*.pfx", "*.keystore",
	"id_rsa*", "id_dsa*", "id_ecdsa*", "id_ed25519*",
	"authorized_keys", "known_hosts", "credentials", "credentials.json",
	".netrc", ".npmrc", ".pgpass", ".git-credentials", "shadow", "gshadow", "sudoers",
}

var defaultAlwaysBlocked = []string{
	"sudo", "su", "doas", "pkexec",
	"mount", "umount", "chroot", "nsenter", "unshare",
	"systemctl", "service", "launchctl", "initctl",
	"useradd", "userdel", "usermod", "groupadd", "groupdel", "passwd", "chpasswd", "visudo",
	"chown", "chgrp",
	"shutdown", "reboot", "halt", "poweroff",
	"mkfs", "fdisk", "parted", "wipefs",
	"iptables", "ip6tables", "nft", "ufw",
	"crontab", "at",
	"insmod", "rmmod", "modprobe",
}

// navigationCommands are checked for traversal arguments in strict mode.
var navigationCommands = map[string]bool{"cd": true, "pushd": true, "popd": true}

type ruleSpec struct {
	name     string
	category CommandCategory
	expr     string
}

// defaultRuleSpecs have {home} replaced by the quoted platform home.
var defaultRuleSpecs = []ruleSpec{
	{"read-credential-dir", CategoryCredentialAccess, `\b(?:cat|less|more|head|tail|strings|xxd|od|base64|cp|mv|scp|rsync|tar|zip|vi|vim|nano|grep|find|ls)\s+[^|;&]*(?:~|\$HOME|\$\{HOME\}|{home})/\.(?:ssh|gnupg|aws|azure|kube|docker|netrc|git-credentials)`},
	{"proc-environ", CategoryCredentialAccess, `/proc/(?:self|\d+)/environ`},
	{"dump-environment", CategoryCredentialAccess, `(?:^|[;&|]\s*)(?:printenv\b|(?:env|set)\s*(?:$|[|;&>]))`},
	{"keychain", CategoryCredentialAccess, `\bsecurity\s+(?:find|dump)-(?:generic-password|internet-password|keychain)`},
	{"cd-platform-home", CategorySandboxTampering, `\b(?:cd|pushd)\s+(?:~|{home})/?\s*(?:$|[;&|])`},
	{"cd-root", CategorySandboxTampering, `\b(?:cd|pushd)\s+/\s*(?:$|[;&|])`},
	{"env-tamper", CategorySandboxTampering, `\b(?:export\s+|unset\s+|declare\s+-x\s+)(?:PATH|HOME|HISTFILE|SHELL|SANDBOX_\w+)\b`},
	{"sudo", CategoryPrivilegeEscalation, `(?:^|[\s;&|(])(?:sudo|doas|pkexec)\b`},
	{"su", CategoryPrivilegeEscalation, `(?:^|[;&|(]\s*)su(?:\s|$)`},
	{"setuid", CategoryPrivilegeEscalation, `\bchmod\s+(?:-\S+\s+)*(?:[ugoa]*\+[rwx]*s|[0-7]?[2467][0-7]{3}\b)`},
	{"rm-root-or-home", CategoryDestructive, `\brm\s+(?:-\S+\s+)*(?:/\*?|~/?\*?|\$HOME/?\*?|{home}/?\*?)(?:\s|$)`},
	{"mkfs", CategoryDestructive, `\bmkfs(?:\.\w+)?\b`},
	{"dd-device", CategoryDestructive, `\bdd\s+[^|;&]*\bof=/dev/`},
	{"write-device", CategoryDestructive, `>\s*/dev/(?:sd|hd|nvme|vd|xvd|mmcblk|mem|kmem|port)`},
	{"fork-bomb", CategoryDestructive, `:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}`},
	{"shred", CategoryDestructive, `\b(?:shred|wipefs)\b`},
	{"netcat", CategoryExfiltration, `(?:^|[\s;&|(])(?:nc|ncat|netcat|socat|telnet)(?:\s|$)`},
	{"dev-tcp", CategoryExfiltration, `/dev/(?:tcp|udp)/`},
	{"curl-upload", CategoryExfiltration, `\bcurl\b[^|;&]*(?:\s-d\s*@|\s--data(?:-binary)?\s*[= ]?@|\s-F\s|\s--form\s|\s-T\s|\s--upload-file\s)`},
	{"pipe-to-shell", CategoryExfiltration, `\b(?:curl|wget)\b[^;&]*\|\s*(?:sudo\s+)?(?:ba|z|da|k)?sh\b`},
	{"remote-copy", CategoryExfiltration, `\b(?:scp|rsync|sftp)\b[^|;&]*\s\S*@?[\w.-]+:`},
	{"ssh-remote", CategoryExfiltration, `(?:^|[\s;&|(])ssh\s+(?:-\S+\s+)*\S+@\S+`},
	{"kill-init", CategoryProcessControl, `\bkill\s+(?:-\S+\s+)*(?:-)?1\b`},
	{"killall", CategoryProcessControl, `\b(?:killall|pkill)\b`},
	{"service-control", CategoryProcessControl, `\b(?:systemctl|launchctl|initctl)\b|\bservice\s+\S+\s+(?:start|stop|restart|reload)`},
	{"power", CategoryProcessControl, `\b(?:shutdown|reboot|halt|poweroff)\b|\binit\s+[06]\b`},
	{"persist", CategoryProcessControl, `\b(?:crontab|nohup|disown|setsid)\b`},
	{"container-escape", CategoryProcessControl, `\bdocker\s+run\b[^|;&]*(?:--privileged|-v\s*/:|--pid[= ]host)`},
}

// NewRegistry builds the protected resource tables from the built-in
// defaults and cfg. Any pattern that fails to compile is an error.
func NewRegistry(cfg SecurityConfig) (*Registry, error) {
	var home string
	if cfg.Sandbox.Home != "" {
		home = filepath.Clean(cfg.Sandbox.Home)
	}
	r := &Registry{
		home:          home,
		alwaysBlocked: make(map[string]bool),
	}

	if home != "" {
		for _, rel := range defaultHomeProtected {
			r.protectedDirs = append(r.protectedDirs, filepath.Join(home, rel))
		}
	}
	r.protectedDirs = append(r.protectedDirs, defaultSystemProtected...)

	if err := r.addFiles(defaultProtectedFiles); err != nil {
		return nil, err
	}

	quotedHome := regexp.QuoteMeta(home)
	if home == "" {
		quotedHome = `\$HOME`
	}
	for _, rs := range defaultRuleSpecs {
		re, err := regexp.Compile(`(?i)` + strings.ReplaceAll(rs.expr, "{home}", quotedHome))
		if err != nil {
			return nil, fmt.Errorf("compile rule %s: %w", rs.name, err)
		}
		r.rules = append(r.rules, CommandRule{Name: rs.name, Category: rs.category, Pattern: re})
	}
	for _, name := range defaultAlwaysBlocked {
		r.alwaysBlocked[name] = true
	}
	r.phrases = append(r.phrases, defaultSuspiciousPhrases...)

	return r.Extend(Policy{
		ProtectedPaths:    cfg.Protection.ProtectedPaths,
		ProtectedFiles:    cfg.Protection.ProtectedFiles,
		DeveloperPaths:    cfg.Sandbox.DeveloperPaths,
		AlwaysBlocked:     cfg.Protection.AlwaysBlocked,
		SuspiciousPhrases: cfg.Protection.SuspiciousPhrases,
		BlockedPatterns:   patternsFromStrings(cfg.Protection.BlockedPatterns),
	})
}

func patternsFromStrings(exprs []string) []PolicyPattern {
	out := make([]PolicyPattern, 0, len(exprs))
	for i, e := range exprs {
		out = append(out, PolicyPattern{Name: fmt.Sprintf("config-%d", i+1), Pattern: e})
	}
	return out
}

// Extend returns a new Registry with p merged in. r is left untouched.
func (r *Registry) Extend(p Policy) (*Registry, error) {
	next := &Registry{
		home:           r.home,
		protectedDirs:  append([]string(nil), r.protectedDirs...),
		protectedFiles: append([]filePattern(nil), r.protectedFiles...),
		developerPaths: append([]string(nil), r.developerPaths...),
		rules:          append([]CommandRule(nil), r.rules...),
		alwaysBlocked:  make(map[string]bool, len(r.alwaysBlocked)+len(p.AlwaysBlocked)),
		phrases:        append([]string(nil), r.phrases...),
	}
	for k := range r.alwaysBlocked {
		next.alwaysBlocked[k] = true
	}

	for _, dir := range p.ProtectedPaths {
		abs, err := NormalizePath(expandHome(dir, r.home))
		if err != nil {
			return nil, fmt.Errorf("protected path %q: %w", dir, err)
		}
		next.protectedDirs = append(next.protectedDirs, abs)
	}
	for _, dir := range p.DeveloperPaths {
		abs, err := NormalizePath(expandHome(dir, r.home))
		if err != nil {
			return nil, fmt.Errorf("developer path %q: %w", dir, err)
		}
		next.developerPaths = append(next.developerPaths, abs)
	}
	if err := next.addFiles(p.ProtectedFiles); err != nil {
		return nil, err
	}
	for _, bp := range p.BlockedPatterns {
		re, err := regexp.Compile(`(?i)` + bp.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile blocked pattern %q: %w", bp.Name, err)
		}
		cat := CommandCategory(bp.Category)
		if cat == "" {
			cat = CategorySandboxTampering
		}
		next.rules = append(next.rules, CommandRule{Name: bp.Name, Category: cat, Pattern: re})
	}
	for _, name := range p.AlwaysBlocked {
		next.alwaysBlocked[strings.ToLower(strings.TrimSpace(name))] = true
	}
	for _, phrase := range p.SuspiciousPhrases {
		if phrase = strings.ToLower(strings.TrimSpace(phrase)); phrase != "" {
			next.phrases = append(next.phrases, phrase)
		}
	}
	return next, nil
}

func (r *Registry) addFiles(patterns []string) error {
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return fmt.Errorf("compile file pattern %q: %w", p, err)
		}
		r.protectedFiles = append(r.protectedFiles, filePattern{raw: p, glob: g})
	}
	return nil
}

// Home returns the platform home used for ~ expansion.
func (r *Registry) Home() string { return r.home }

// DeveloperPaths returns the configured developer prefixes.
func (r *Registry) DeveloperPaths() []string {
	return append([]string(nil), r.developerPaths...)
}

// SuspiciousPhrases returns the lower-cased phrase list used by the injection detector.
func (r *Registry) SuspiciousPhrases() []string {
	return append([]string(nil), r.phrases...)
}

// Rules returns the blocked command rules in evaluation order.
func (r *Registry) Rules() []CommandRule {
	return append([]CommandRule(nil), r.rules...)
}

// resolve expands ~ and makes path absolute. Unresolvable input yields "".
func (r *Registry) resolve(p string) string {
	abs, err := NormalizePath(expandHome(p, r.home))
	if err != nil {
		return ""
	}
	return abs
}

// IsProtectedPath reports whether path is under an absolutely protected
// prefix or its basename matches a protected file pattern. Unresolvable
// paths are treated as protected.
func (r *Registry) IsProtectedPath(p string) bool {
	abs := r.resolve(p)
	if abs == "" {
		return true
	}
	for _, dir := range r.protectedDirs {
		if isSubpath(abs, dir) {
			return true
		}
	}
	base := path.Base(filepath.ToSlash(abs))
	for _, fp := range r.protectedFiles {
		if fp.glob.Match(base) {
			return true
		}
	}
	return false
}

// IsDeveloperPath reports whether path lies in the platform's own tree.
func (r *Registry) IsDeveloperPath(p string) bool {
	abs := r.resolve(p)
	if abs == "" {
		return false
	}
	for _, dir := range r.developerPaths {
		if isSubpath(abs, dir) {
			return true
		}
	}
	return false
}

// IsPathProtected is IsProtectedPath with the developer tier applied: a
// developer path is protected unless allowDeveloperPaths is set, in which
// case it skips the absolute check entirely.
func (r *Registry) IsPathProtected(p string, allowDeveloperPaths bool) bool {
	return r.Classify(p, allowDeveloperPaths) == PathProtected
}

// Classify places path in one of the three protection tiers.
func (r *Registry) Classify(p string, allowDeveloperPaths bool) PathClass {
	if r.IsDeveloperPath(p) {
		if allowDeveloperPaths {
			return PathDeveloper
		}
		return PathProtected
	}
	if r.IsProtectedPath(p) {
		return PathProtected
	}
	return PathSandboxCandidate
}

// IsBlockedCommand returns the first blocked command rule matching cmd.
func (r *Registry) IsBlockedCommand(cmd string) (CommandRule, bool) {
	for _, rule := range r.rules {
		if rule.Pattern.MatchString(cmd) {
			return rule, true
		}
	}
	return CommandRule{}, false
}

// IsAlwaysBlocked reports whether base is a command that is never allowed.
func (r *Registry) IsAlwaysBlocked(base string) bool {
	base = strings.ToLower(base)
	if r.alwaysBlocked[base] {
		return true
	}
	// mkfs.ext4, mkfs.xfs, ...
	if prefix, _, ok := strings.Cut(base, "."); ok {
		return r.alwaysBlocked[prefix]
	}
	return false
}

// RegistryStore holds the registry in force. Readers always see a complete
// registry; Swap replaces it atomically on reload.
type RegistryStore struct {
	p atomic.Pointer[Registry]
}

// NewRegistryStore returns a store holding r.
func NewRegistryStore(r *Registry) *RegistryStore {
	s := &RegistryStore{}
	s.p.Store(r)
	return s
}

// Load returns the current registry.
func (s *RegistryStore) Load() *Registry { return s.p.Load() }

// Swap installs r and returns the previous registry.
func (s *RegistryStore) Swap(r *Registry) *Registry { return s.p.Swap(r) }
