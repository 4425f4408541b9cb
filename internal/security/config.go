package security

// SecurityConfig represents the security section of the configuration file.
type SecurityConfig struct {
	Sandbox    SandboxConfig    `toml:"sandbox" json:"sandbox" yaml:"sandbox"`
	Protection ProtectionConfig `toml:"protection" json:"protection" yaml:"protection"`
	// EventCapacity bounds the in-memory security event log.
	EventCapacity int `toml:"event_capacity" json:"eventCapacity" yaml:"event_capacity"`
}

// SandboxConfig controls where user sandboxes live and what the platform
// considers its own tree.
type SandboxConfig struct {
	BaseDir string `toml:"base_dir" json:"baseDir" yaml:"base_dir"`
	// Home is the platform home and the target of ~ expansion.
	Home string `toml:"home" json:"home" yaml:"home"`
	// DeveloperPaths is the platform source tree.
	DeveloperPaths []string `toml:"developer_paths" json:"developerPaths" yaml:"developer_paths"`
	// ShellPath is the PATH given to sandboxed shells.
	ShellPath string `toml:"shell_path" json:"shellPath" yaml:"shell_path"`
	Umask     string `toml:"umask" json:"umask" yaml:"umask"`
}

// ProtectionConfig extends the built-in protected resource tables.
type ProtectionConfig struct {
	ProtectedPaths    []string `toml:"protected_paths" json:"protectedPaths" yaml:"protected_paths"`
	ProtectedFiles    []string `toml:"protected_files" json:"protectedFiles" yaml:"protected_files"`
	BlockedPatterns   []string `toml:"blocked_patterns" json:"blockedPatterns" yaml:"blocked_patterns"`
	AlwaysBlocked     []string `toml:"always_blocked" json:"alwaysBlocked" yaml:"always_blocked"`
	SuspiciousPhrases []string `toml:"suspicious_phrases" json:"suspiciousPhrases" yaml:"suspicious_phrases"`
	// PolicyFile is an optional TOML or YAML policy merged on top of the built-ins.
	PolicyFile string `toml:"policy_file" json:"policyFile" yaml:"policy_file"`
	// PolicyPublicKey is a hex Ed25519 key. When set, PolicyFile must carry a valid signature.
	PolicyPublicKey string `toml:"policy_public_key" json:"policyPublicKey" yaml:"policy_public_key"`
}

// DefaultEventCapacity is the number of events the log keeps.
const DefaultEventCapacity = 1000

// DefaultSecurityConfig returns a reasonable default configuration.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		Sandbox: SandboxConfig{
			BaseDir:        "/home/claudia/users",
			Home:           "/home/claudia",
			DeveloperPaths: []string{"/home/claudia/platform"},
			ShellPath:      "/usr/local/bin:/usr/bin:/bin",
			Umask:          "077",
		},
		EventCapacity: DefaultEventCapacity,
	}
}
