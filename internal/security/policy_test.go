package security

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const tomlPolicy = `
protected_paths = ["/srv/secrets"]
protected_files = ["*.kdbx"]
developer_paths = ["~/tools"]
always_blocked = ["Curl"]
suspicious_phrases = ["Grant Me Root"]

[[blocked_patterns]]
name = "git-push-force"
category = "destructive_filesystem"
pattern = 'git\s+push\s+.*--force'

[[blocked_patterns]]
pattern = 'npm\s+publish'
`

const yamlPolicy = `
protected_paths:
  - /srv/secrets
always_blocked:
  - wget
blocked_patterns:
  - name: terraform-destroy
    pattern: 'terraform\s+destroy'
`

func writePolicy(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParsePolicy_TOML(t *testing.T) {
	p, err := ParsePolicy([]byte(tomlPolicy), ".toml")
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if len(p.ProtectedPaths) != 1 || p.ProtectedPaths[0] != "/srv/secrets" {
		t.Errorf("ProtectedPaths = %v", p.ProtectedPaths)
	}
	if len(p.BlockedPatterns) != 2 {
		t.Fatalf("BlockedPatterns = %d, want 2", len(p.BlockedPatterns))
	}
	if p.BlockedPatterns[1].Name != "policy-2" {
		t.Errorf("unnamed pattern got name %q", p.BlockedPatterns[1].Name)
	}
}

func TestParsePolicy_YAML(t *testing.T) {
	p, err := ParsePolicy([]byte(yamlPolicy), ".yml")
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if len(p.AlwaysBlocked) != 1 || p.AlwaysBlocked[0] != "wget" {
		t.Errorf("AlwaysBlocked = %v", p.AlwaysBlocked)
	}
	if p.BlockedPatterns[0].Name != "terraform-destroy" {
		t.Errorf("pattern name = %q", p.BlockedPatterns[0].Name)
	}
}

func TestParsePolicy_UnknownKeysRejected(t *testing.T) {
	if _, err := ParsePolicy([]byte("allow_everything = true\n"), ".toml"); err == nil {
		t.Error("unknown TOML key should be rejected")
	}
	if _, err := ParsePolicy([]byte("allow_everything: true\n"), ".yaml"); err == nil {
		t.Error("unknown YAML key should be rejected")
	}
}

func TestParsePolicy_EmptyPatternRejected(t *testing.T) {
	body := "[[blocked_patterns]]\nname = \"nothing\"\n"
	if _, err := ParsePolicy([]byte(body), ".toml"); err == nil {
		t.Error("pattern without regex should be rejected")
	}
}

func TestLoadPolicy_Unsigned(t *testing.T) {
	path := writePolicy(t, "policy.toml", tomlPolicy)
	p, err := LoadPolicy(path, "")
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if len(p.ProtectedFiles) != 1 {
		t.Errorf("ProtectedFiles = %v", p.ProtectedFiles)
	}
}

func TestLoadPolicy_Signed(t *testing.T) {
	pub, priv, _ := GenerateOwnerKeyPair()
	path := writePolicy(t, "policy.yaml", yamlPolicy)

	// A key is configured but the signature file is missing.
	if _, err := LoadPolicy(path, hex.EncodeToString(pub)); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}

	sig, err := SignPolicy([]byte(yamlPolicy), priv)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path+SignatureSuffix, []byte(hex.EncodeToString(sig)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPolicy(path, hex.EncodeToString(pub)); err != nil {
		t.Fatalf("signed policy rejected: %v", err)
	}

	// Tamper after signing.
	if err := os.WriteFile(path, []byte(yamlPolicy+"  - rsync\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPolicy(path, hex.EncodeToString(pub)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestBuildRegistry_WithPolicy(t *testing.T) {
	cfg := DefaultSecurityConfig()
	cfg.Protection.PolicyFile = writePolicy(t, "policy.toml", tomlPolicy)

	reg, err := BuildRegistry(cfg)
	if err != nil {
		t.Fatalf("BuildRegistry: %v", err)
	}
	if !reg.IsProtectedPath("/srv/secrets/db.txt") {
		t.Error("policy protected path not applied")
	}
	if !reg.IsProtectedPath("/tmp/vault.kdbx") {
		t.Error("policy protected file not applied")
	}
	if !reg.IsAlwaysBlocked("curl") {
		t.Error("policy always-blocked not applied (case-insensitive)")
	}
	if !reg.IsDeveloperPath("/home/claudia/tools/x") {
		t.Error("policy developer path not expanded against platform home")
	}
	if rule, ok := reg.IsBlockedCommand("git push origin main --force"); !ok || rule.Name != "git-push-force" {
		t.Errorf("policy rule not applied: %+v %v", rule, ok)
	}
	found := false
	for _, p := range reg.SuspiciousPhrases() {
		if p == "grant me root" {
			found = true
		}
	}
	if !found {
		t.Error("policy phrase not lower-cased and added")
	}
}

func TestBuildRegistry_BadPolicyFailsClosed(t *testing.T) {
	cfg := DefaultSecurityConfig()
	cfg.Protection.PolicyFile = writePolicy(t, "policy.toml", "[[blocked_patterns]]\npattern = '(unclosed'\n")
	_, err := BuildRegistry(cfg)
	if err == nil || !strings.Contains(err.Error(), "compile blocked pattern") {
		t.Fatalf("expected compile error, got %v", err)
	}

	cfg.Protection.PolicyFile = filepath.Join(t.TempDir(), "missing.toml")
	if _, err := BuildRegistry(cfg); err == nil {
		t.Fatal("missing policy file should fail")
	}
}
