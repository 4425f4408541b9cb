package security

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// PolicyPattern is a blocked command regex declared in a policy file.
type PolicyPattern struct {
	Name     string `toml:"name" yaml:"name" json:"name"`
	Category string `toml:"category" yaml:"category" json:"category"`
	Pattern  string `toml:"pattern" yaml:"pattern" json:"pattern"`
}

// Policy is an additive extension of the built-in protected resource tables.
// Policies can only add protections; nothing in a policy removes a default.
type Policy struct {
	ProtectedPaths    []string        `toml:"protected_paths" yaml:"protected_paths" json:"protectedPaths"`
	ProtectedFiles    []string        `toml:"protected_files" yaml:"protected_files" json:"protectedFiles"`
	DeveloperPaths    []string        `toml:"developer_paths" yaml:"developer_paths" json:"developerPaths"`
	AlwaysBlocked     []string        `toml:"always_blocked" yaml:"always_blocked" json:"alwaysBlocked"`
	SuspiciousPhrases []string        `toml:"suspicious_phrases" yaml:"suspicious_phrases" json:"suspiciousPhrases"`
	BlockedPatterns   []PolicyPattern `toml:"blocked_patterns" yaml:"blocked_patterns" json:"blockedPatterns"`
}

// SignatureSuffix is appended to a policy path to locate its detached signature.
const SignatureSuffix = ".sig"

// LoadPolicy reads a TOML or YAML policy file. When publicKeyHex is set the
// file must carry a valid detached signature at path+".sig".
func LoadPolicy(path, publicKeyHex string) (Policy, error) {
	var p Policy

	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read policy: %w", err)
	}

	if publicKeyHex != "" {
		pub, err := ParsePublicKey(publicKeyHex)
		if err != nil {
			return p, err
		}
		sigHex, err := os.ReadFile(path + SignatureSuffix)
		if err != nil {
			if os.IsNotExist(err) {
				return p, ErrMissingSignature
			}
			return p, fmt.Errorf("read policy signature: %w", err)
		}
		sig, err := hex.DecodeString(strings.TrimSpace(string(sigHex)))
		if err != nil {
			return p, ErrInvalidSignature
		}
		if err := VerifyPolicy(data, sig, pub); err != nil {
			return p, err
		}
	}

	return ParsePolicy(data, filepath.Ext(path))
}

// ParsePolicy decodes policy data; ext selects YAML (".yaml", ".yml") or TOML.
func ParsePolicy(data []byte, ext string) (Policy, error) {
	var p Policy
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return p, fmt.Errorf("parse policy: %w", err)
		}
	default:
		md, err := toml.Decode(string(data), &p)
		if err != nil {
			return p, fmt.Errorf("parse policy: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return p, fmt.Errorf("parse policy: unknown keys %v", undecoded)
		}
	}
	for i, bp := range p.BlockedPatterns {
		if bp.Pattern == "" {
			return p, fmt.Errorf("parse policy: blocked pattern %d has no pattern", i+1)
		}
		if bp.Name == "" {
			p.BlockedPatterns[i].Name = fmt.Sprintf("policy-%d", i+1)
		}
	}
	return p, nil
}

// BuildRegistry constructs the registry for cfg, merging its policy file if
// one is configured.
func BuildRegistry(cfg SecurityConfig) (*Registry, error) {
	reg, err := NewRegistry(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Protection.PolicyFile == "" {
		return reg, nil
	}
	p, err := LoadPolicy(cfg.Protection.PolicyFile, cfg.Protection.PolicyPublicKey)
	if err != nil {
		return nil, err
	}
	return reg.Extend(p)
}
