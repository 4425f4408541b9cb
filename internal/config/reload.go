package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/clawinfra/sandboxgate/internal/security"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed fields
	Applied []string // successfully applied
	Skipped []string // require restart
	Errors  []error
}

// restartRequiredFields lists config fields that cannot be hot-reloaded and
// require a full process restart.
var restartRequiredFields = map[string]bool{
	"Server.Host":    true,
	"Server.Port":    true,
	"Server.DevMode": true,
	"Events.MQTT":    true,
}

// hotReloadableFields lists fields that can be applied at runtime.
var hotReloadableFields = []string{
	"Server.LogLevel",
	"Security",
	"Terminal",
	"Events.DigestSchedule",
}

// mu protects the Config during concurrent reload operations.
var mu sync.RWMutex

// RLock acquires a read lock on the config.
func RLock() { mu.RLock() }

// RUnlock releases a read lock on the config.
func RUnlock() { mu.RUnlock() }

// Reload re-reads the config from path, diffs against the current config,
// and applies hot-reloadable changes in place. Fields that require a
// restart are logged as skipped.
//
// When store is non-nil the protected resource registry is rebuilt from the
// new security section (and its policy file, which may have changed on its
// own) and swapped in. If the rebuild fails the registry in force is kept
// and the security section is not applied.
func (c *Config) Reload(path string, store *security.RegistryStore) (*ReloadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config for reload: %w", err)
	}

	newCfg := DefaultConfig()
	if err := decode(data, filepath.Ext(path), newCfg); err != nil {
		return nil, fmt.Errorf("parse config for reload: %w", err)
	}
	if err := newCfg.Validate(); err != nil {
		return nil, err
	}

	result := &ReloadResult{}

	var reg *security.Registry
	if store != nil {
		reg, err = security.BuildRegistry(newCfg.Security)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("rebuild registry: %w", err))
		}
	}

	mu.Lock()
	defer mu.Unlock()

	diffAndApply(c, newCfg, reg == nil && store != nil, result)

	if reg != nil {
		store.Swap(reg)
		result.Applied = append(result.Applied, "Registry")
	}
	return result, nil
}

// diffAndApply compares old and new configs, applying hot-reloadable changes.
// holdSecurity keeps the old security section when its registry failed to build.
func diffAndApply(old, new *Config, holdSecurity bool, result *ReloadResult) {
	// Server.Host
	if old.Server.Host != new.Server.Host {
		result.Changed = append(result.Changed, "Server.Host")
		result.Skipped = append(result.Skipped, "Server.Host (requires restart)")
	}
	// Server.Port
	if old.Server.Port != new.Server.Port {
		result.Changed = append(result.Changed, "Server.Port")
		result.Skipped = append(result.Skipped, "Server.Port (requires restart)")
	}
	// Server.DevMode
	if old.Server.DevMode != new.Server.DevMode {
		result.Changed = append(result.Changed, "Server.DevMode")
		result.Skipped = append(result.Skipped, "Server.DevMode (requires restart)")
	}
	// Server.LogLevel (hot-reloadable)
	if old.Server.LogLevel != new.Server.LogLevel {
		result.Changed = append(result.Changed, "Server.LogLevel")
		old.Server.LogLevel = new.Server.LogLevel
		result.Applied = append(result.Applied, "Server.LogLevel")
	}
	// Server.JWTSecretEnv is read once at startup.
	if old.Server.JWTSecretEnv != new.Server.JWTSecretEnv {
		result.Changed = append(result.Changed, "Server.JWTSecretEnv")
		result.Skipped = append(result.Skipped, "Server.JWTSecretEnv (requires restart)")
	}

	// Security (hot-reloadable through the registry store)
	if !reflect.DeepEqual(old.Security, new.Security) {
		result.Changed = append(result.Changed, "Security")
		if holdSecurity {
			result.Skipped = append(result.Skipped, "Security (registry rebuild failed)")
		} else {
			old.Security = new.Security
			result.Applied = append(result.Applied, "Security")
		}
	}

	// Terminal (hot-reloadable, new sessions only)
	if !reflect.DeepEqual(old.Terminal, new.Terminal) {
		result.Changed = append(result.Changed, "Terminal")
		old.Terminal = new.Terminal
		result.Applied = append(result.Applied, "Terminal")
	}

	// Events.MQTT
	if !reflect.DeepEqual(old.Events.MQTT, new.Events.MQTT) {
		result.Changed = append(result.Changed, "Events.MQTT")
		result.Skipped = append(result.Skipped, "Events.MQTT (requires restart)")
	}
	// Events.DigestSchedule (hot-reloadable)
	if old.Events.DigestSchedule != new.Events.DigestSchedule {
		result.Changed = append(result.Changed, "Events.DigestSchedule")
		old.Events.DigestSchedule = new.Events.DigestSchedule
		result.Applied = append(result.Applied, "Events.DigestSchedule")
	}
}

// Has reports whether field is among the applied changes.
func (r *ReloadResult) Has(field string) bool {
	for _, f := range r.Applied {
		if f == field {
			return true
		}
	}
	return false
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 && len(r.Errors) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}

	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
		"errors", len(r.Errors),
	)

	for _, field := range r.Applied {
		logger.Info("config field hot-reloaded", "field", field)
	}

	for _, field := range r.Skipped {
		logger.Warn("config field requires restart", "field", field)
	}

	for _, err := range r.Errors {
		logger.Error("config reload error", "error", err)
	}
}

// IsRestartRequired returns true if the field requires a restart.
func IsRestartRequired(field string) bool {
	return restartRequiredFields[field]
}

// HotReloadableFields returns the list of hot-reloadable field names.
func HotReloadableFields() []string {
	return hotReloadableFields
}
