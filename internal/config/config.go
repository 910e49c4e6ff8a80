// Package config loads the zeke configuration file and device identity.
//
// Configuration lives in TOML at ~/.zeke/config.toml (overridable per
// command with --config). Every field has a working default, so zeke
// runs without any file at all. Durations are written as Go duration
// strings ("30s", "24h"); unparseable values fall back to the default
// rather than failing startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk configuration file structure.
type Config struct {
	Client ClientConfig `toml:"client"`
	Daemon DaemonConfig `toml:"daemon"`
	Server ServerConfig `toml:"server"`
}

// ClientConfig tunes the sync engine every command composes.
type ClientConfig struct {
	// DBPath is the local durable store. Default: ~/.zeke/zeke.db
	DBPath string `toml:"db_path"`

	// ServerURL is the backend base URL. Default: http://localhost:8787
	ServerURL string `toml:"server_url"`

	// ChannelURL is the realtime invalidation endpoint. Empty derives
	// it from ServerURL (ws scheme, /ws path).
	ChannelURL string `toml:"channel_url"`

	// ProbeInterval is the connectivity re-check cadence. Default: 3s
	ProbeInterval string `toml:"probe_interval"`
}

// DaemonConfig tunes the background daemon.
type DaemonConfig struct {
	// FlushInterval is the periodic flush cadence. Default: 30s
	FlushInterval string `toml:"flush_interval"`

	// PruneInterval is the retention pruning cadence. Default: 1h
	PruneInterval string `toml:"prune_interval"`

	// Retention is how long synced history and acknowledged tombstones
	// are kept. Default: 24h
	Retention string `toml:"retention"`

	// SpoolDir is watched for one-mutation JSON files dropped by other
	// processes. Default: ~/.zeke/spool
	SpoolDir string `toml:"spool_dir"`

	// LogFile routes daemon logs to a rotating file. Empty logs to
	// stderr.
	LogFile string `toml:"log_file"`
}

// ServerConfig tunes `zeke serve`.
type ServerConfig struct {
	// Addr to listen on. Default: :8787
	Addr string `toml:"addr"`

	// StoreDSN locates the authoritative record store: a file path or
	// a libsql:// URL. Default: ~/.zeke/server.db
	StoreDSN string `toml:"store_dsn"`

	// KVDSN locates the session/state/idempotency store: memory://, a
	// file path, libsql://, or redis://. Default: memory://
	KVDSN string `toml:"kv_dsn"`

	// MinClientVersion rejects older clients ("1.4.0"). Empty disables
	// the gate.
	MinClientVersion string `toml:"min_client_version"`

	// SessionTTL bounds session entries. Default: 24h
	SessionTTL string `toml:"session_ttl"`

	// AutomationTTL bounds automation state entries. Default: 1h
	AutomationTTL string `toml:"automation_ttl"`
}

// ZekeDir returns ~/.zeke, the home of everything zeke persists.
func ZekeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".zeke"), nil
}

// DefaultConfigPath returns the default config file location,
// ~/.zeke/config.toml.
func DefaultConfigPath() (string, error) {
	dir, err := ZekeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads a TOML config file.
//
// With an empty path the default location is tried, and a missing file
// there returns an empty Config without error. An explicit path must
// exist. Parse errors are always fatal.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// WriteDefault creates a commented starter config at the given path.
// An existing file is never overwritten.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# zeke configuration

[client]
# db_path = "~/.zeke/zeke.db"
# server_url = "http://localhost:8787"
# probe_interval = "3s"

[daemon]
# flush_interval = "30s"
# retention = "24h"
# log_file = "~/.zeke/daemon.log"

[server]
# addr = ":8787"
# kv_dsn = "memory://"
# min_client_version = ""
`

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ExpandPath resolves a leading ~/ against the home directory, so
// config values can be written portably.
func ExpandPath(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ===== Resolved accessors =====

// ResolvedDBPath returns the configured store path, or ~/.zeke/zeke.db.
func (c ClientConfig) ResolvedDBPath() (string, error) {
	if c.DBPath != "" {
		return ExpandPath(c.DBPath), nil
	}
	dir, err := ZekeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "zeke.db"), nil
}

// ResolvedServerURL returns the configured backend URL, or the local
// default.
func (c ClientConfig) ResolvedServerURL() string {
	if c.ServerURL != "" {
		return c.ServerURL
	}
	return "http://localhost:8787"
}

// ResolvedChannelURL returns the realtime endpoint, deriving it from
// the server URL when unset.
func (c ClientConfig) ResolvedChannelURL() string {
	if c.ChannelURL != "" {
		return c.ChannelURL
	}
	base := c.ResolvedServerURL()
	switch {
	case len(base) > 8 && base[:8] == "https://":
		base = "wss://" + base[8:]
	case len(base) > 7 && base[:7] == "http://":
		base = "ws://" + base[7:]
	}
	return base + "/ws"
}

// ProbeEvery returns the connectivity probe cadence.
func (c ClientConfig) ProbeEvery() time.Duration {
	return durationOr(c.ProbeInterval, 3*time.Second)
}

// FlushEvery returns the daemon flush cadence.
func (d DaemonConfig) FlushEvery() time.Duration {
	return durationOr(d.FlushInterval, 30*time.Second)
}

// PruneEvery returns the retention pruning cadence.
func (d DaemonConfig) PruneEvery() time.Duration {
	return durationOr(d.PruneInterval, time.Hour)
}

// RetentionWindow returns how long terminal queue history is kept.
func (d DaemonConfig) RetentionWindow() time.Duration {
	return durationOr(d.Retention, 24*time.Hour)
}

// ResolvedSpoolDir returns the watched spool directory, or
// ~/.zeke/spool.
func (d DaemonConfig) ResolvedSpoolDir() (string, error) {
	if d.SpoolDir != "" {
		return ExpandPath(d.SpoolDir), nil
	}
	dir, err := ZekeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "spool"), nil
}

// ResolvedAddr returns the listen address, or :8787.
func (s ServerConfig) ResolvedAddr() string {
	if s.Addr != "" {
		return s.Addr
	}
	return ":8787"
}

// ResolvedStoreDSN returns the record store DSN, or ~/.zeke/server.db.
func (s ServerConfig) ResolvedStoreDSN() (string, error) {
	if s.StoreDSN != "" {
		return ExpandPath(s.StoreDSN), nil
	}
	dir, err := ZekeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "server.db"), nil
}

// ResolvedKVDSN returns the KV DSN, or memory://.
func (s ServerConfig) ResolvedKVDSN() string {
	if s.KVDSN != "" {
		return s.KVDSN
	}
	return "memory://"
}

// SessionWindow returns the session entry TTL.
func (s ServerConfig) SessionWindow() time.Duration {
	return durationOr(s.SessionTTL, 24*time.Hour)
}

// AutomationWindow returns the automation state TTL.
func (s ServerConfig) AutomationWindow() time.Duration {
	return durationOr(s.AutomationTTL, time.Hour)
}
