// Package config loads and merges agenthud configuration files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Duration is a time.Duration that marshals as a human-readable string
// ("200ms", "48h") in JSON config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds all configurable agenthud settings.
type Config struct {
	WatchRoot         string   `json:"watch_root"`          // transcript directory tree to tail
	Debounce          Duration `json:"debounce"`            // coalescing window for change notifications
	RetentionWindow   Duration `json:"retention_window"`    // files modified longer ago are skipped
	IdleTimeout       Duration `json:"idle_timeout"`        // quiet period before idle transition/eviction
	MaxReadBytes      int64    `json:"max_read_bytes"`      // cap on one incremental read
	MaxSessions       int      `json:"max_sessions"`        // session-record capacity
	MaxPendingChanges int      `json:"max_pending_changes"` // outbox cap
}

// Defaults returns sensible default configuration values.
func Defaults() Config {
	return Config{
		Debounce:          Duration(200 * time.Millisecond),
		RetentionWindow:   Duration(48 * time.Hour),
		IdleTimeout:       Duration(30 * time.Minute),
		MaxReadBytes:      100 << 20,
		MaxSessions:       1000,
		MaxPendingChanges: 10000,
	}
}

// LoadGlobal reads ~/.config/agenthud/config.json.
// Returns defaults if the file is absent.
func LoadGlobal() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(home, ".config", "agenthud", "config.json")
	return loadFile(path, true)
}

// LoadProject reads .agenthudconfig in the current working directory.
// Returns nil (no error) if the file is absent.
func LoadProject() (*Config, error) {
	return loadFile(".agenthudconfig", false)
}

// loadFile reads and parses a JSON config file at path.
// If returnDefaults is true, returns defaults when the file is absent.
// If returnDefaults is false, returns nil when the file is absent.
func loadFile(path string, returnDefaults bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if returnDefaults {
				d := Defaults()
				return &d, nil
			}
			return nil, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &cfg, nil
}

// Merge combines global and project configs, with project taking precedence.
// Missing keys fall back to global, then defaults.
func Merge(global, project *Config) Config {
	result := Defaults()
	for _, c := range []*Config{global, project} {
		if c == nil {
			continue
		}
		if c.WatchRoot != "" {
			result.WatchRoot = c.WatchRoot
		}
		if c.Debounce != 0 {
			result.Debounce = c.Debounce
		}
		if c.RetentionWindow != 0 {
			result.RetentionWindow = c.RetentionWindow
		}
		if c.IdleTimeout != 0 {
			result.IdleTimeout = c.IdleTimeout
		}
		if c.MaxReadBytes != 0 {
			result.MaxReadBytes = c.MaxReadBytes
		}
		if c.MaxSessions != 0 {
			result.MaxSessions = c.MaxSessions
		}
		if c.MaxPendingChanges != 0 {
			result.MaxPendingChanges = c.MaxPendingChanges
		}
	}
	return result
}

// ParseError is returned when a config file exists but cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "failed to parse config file " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
