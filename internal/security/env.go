package security

import (
	"path/filepath"
	"sort"
	"strings"
)

// credentialEnvPrefixes and credentialEnvSuffixes name variables that are
// never passed into a sandboxed shell.
var (
	credentialEnvPrefixes = []string{"AWS_", "AZURE_", "GOOGLE_", "GCP_", "GITHUB_", "GITLAB_", "ANTHROPIC_", "OPENAI_", "SANDBOXGATE_"}
	credentialEnvSuffixes = []string{"_TOKEN", "_SECRET", "_KEY", "_PASSWORD", "_PASS", "_CREDENTIALS", "_API_KEY"}
	credentialEnvNames    = map[string]bool{
		"SSH_AUTH_SOCK": true, "SSH_AGENT_PID": true, "GPG_AGENT_INFO": true,
		"KUBECONFIG": true, "DOCKER_HOST": true, "NETRC": true, "DATABASE_URL": true,
		"LD_PRELOAD": true, "LD_LIBRARY_PATH": true, "BASH_ENV": true, "ENV": true,
		"PROMPT_COMMAND": true,
	}
)

func isCredentialEnv(name string) bool {
	upper := strings.ToUpper(name)
	if credentialEnvNames[upper] {
		return true
	}
	for _, p := range credentialEnvPrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	for _, s := range credentialEnvSuffixes {
		if strings.HasSuffix(upper, s) {
			return true
		}
	}
	return false
}

// CreateSandboxedEnvironment returns the environment for a shell confined to
// userID's sandbox: baseEnv without credential-bearing variables, overlaid
// with HOME, a restricted PATH, HISTFILE, UMASK and the SANDBOX_* markers.
func (g *Gate) CreateSandboxedEnvironment(userID string, baseEnv map[string]string) map[string]string {
	env := make(map[string]string, len(baseEnv)+10)
	for k, v := range baseEnv {
		if isCredentialEnv(k) {
			continue
		}
		env[k] = v
	}

	home := g.sandbox.Home(userID)
	root := g.sandbox.Root(userID)

	shellPath := g.cfg.ShellPath
	if shellPath == "" {
		shellPath = "/usr/local/bin:/usr/bin:/bin"
	}
	umask := g.cfg.Umask
	if umask == "" {
		umask = "077"
	}

	env["HOME"] = home
	env["PWD"] = root
	env["PATH"] = shellPath
	env["HISTFILE"] = filepath.Join(home, ".sandbox_history")
	env["UMASK"] = umask
	env["USER"] = SanitizePathComponent(userID)
	env["SANDBOX_MODE"] = "1"
	env["SANDBOX_USER"] = SanitizePathComponent(userID)
	env["SANDBOX_ROOT"] = root
	return env
}

// EnvList flattens env into KEY=VALUE pairs in key order, the form exec.Cmd expects.
func EnvList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// EnvMap parses KEY=VALUE pairs as returned by os.Environ.
func EnvMap(pairs []string) map[string]string {
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}
