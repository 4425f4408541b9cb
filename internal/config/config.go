package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/clawinfra/sandboxgate/internal/security"
)

// Config holds all sandboxgate configuration
type Config struct {
	// HTTP API settings
	Server ServerConfig `json:"server" toml:"server" yaml:"server"`

	// Sandbox layout and protected resource tables
	Security security.SecurityConfig `json:"security" toml:"security" yaml:"security"`

	// Interactive terminal sessions
	Terminal TerminalConfig `json:"terminal" toml:"terminal" yaml:"terminal"`

	// Security event export and digests
	Events EventsConfig `json:"events" toml:"events" yaml:"events"`
}

type ServerConfig struct {
	Host     string `json:"host" toml:"host" yaml:"host"`
	Port     int    `json:"port" toml:"port" yaml:"port"`
	LogLevel string `json:"logLevel" toml:"log_level" yaml:"log_level"`
	// JWTSecretEnv names the environment variable holding the HMAC secret.
	JWTSecretEnv string `json:"jwtSecretEnv" toml:"jwt_secret_env" yaml:"jwt_secret_env"`
	// DevMode serves the API without authentication. Never enable in production.
	DevMode bool `json:"devMode" toml:"dev_mode" yaml:"dev_mode"`
}

// TerminalConfig controls the shells spawned for terminal sessions.
type TerminalConfig struct {
	Shell          string   `json:"shell" toml:"shell" yaml:"shell"`
	ShellArgs      []string `json:"shellArgs,omitempty" toml:"shell_args" yaml:"shell_args"`
	IdleTimeoutSec int      `json:"idleTimeoutSec" toml:"idle_timeout_sec" yaml:"idle_timeout_sec"`
	MaxSessions    int      `json:"maxSessions" toml:"max_sessions" yaml:"max_sessions"`
}

type EventsConfig struct {
	MQTT MQTTConfig `json:"mqtt" toml:"mqtt" yaml:"mqtt"`
	// DigestSchedule is a standard 5-field cron expression. Empty disables the digest.
	DigestSchedule string `json:"digestSchedule" toml:"digest_schedule" yaml:"digest_schedule"`
}

type MQTTConfig struct {
	Enabled     bool   `json:"enabled" toml:"enabled" yaml:"enabled"`
	Broker      string `json:"broker" toml:"broker" yaml:"broker"`
	ClientID    string `json:"clientId,omitempty" toml:"client_id" yaml:"client_id"`
	Username    string `json:"username,omitempty" toml:"username" yaml:"username"`
	Password    string `json:"password,omitempty" toml:"password" yaml:"password"`
	TopicPrefix string `json:"topicPrefix" toml:"topic_prefix" yaml:"topic_prefix"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8420,
			LogLevel:     "info",
			JWTSecretEnv: security.JWTSecretEnv,
		},
		Security: security.DefaultSecurityConfig(),
		Terminal: TerminalConfig{
			Shell:          "/bin/bash",
			IdleTimeoutSec: 900,
			MaxSessions:    4,
		},
		Events: EventsConfig{
			MQTT: MQTTConfig{
				Broker:      "tcp://localhost:1883",
				ClientID:    "sandboxgate",
				TopicPrefix: "sandboxgate/events",
			},
			DigestSchedule: "0 * * * *",
		},
	}
}

// Load reads config from a TOML, YAML or JSON file, chosen by extension.
// Values missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := decode(data, filepath.Ext(path), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, ext string, cfg *Config) error {
	switch strings.ToLower(ext) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func encode(cfg *Config, ext string) ([]byte, error) {
	switch strings.ToLower(ext) {
	case ".toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	default:
		return json.MarshalIndent(cfg, "", "  ")
	}
}

// Validate checks values that would otherwise fail at startup.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := ParseLogLevel(c.Server.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if !filepath.IsAbs(c.Security.Sandbox.BaseDir) {
		errs = append(errs, fmt.Errorf("security.sandbox.baseDir must be absolute, got %q", c.Security.Sandbox.BaseDir))
	}
	if c.Security.Sandbox.Home != "" && !filepath.IsAbs(c.Security.Sandbox.Home) {
		errs = append(errs, fmt.Errorf("security.sandbox.home must be absolute, got %q", c.Security.Sandbox.Home))
	}
	if c.Security.EventCapacity < 0 {
		errs = append(errs, errors.New("security.eventCapacity must not be negative"))
	}
	if c.Terminal.MaxSessions < 0 {
		errs = append(errs, errors.New("terminal.maxSessions must not be negative"))
	}
	if c.Events.MQTT.Enabled && c.Events.MQTT.Broker == "" {
		errs = append(errs, errors.New("events.mqtt.broker is required when MQTT is enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ParseLogLevel maps debug|info|warn|error to a slog level. Empty means info.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Save writes config to path in the format given by its extension.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := encode(c, filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}
