package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user node data directory name.
	AppDirectoryName = "signalmesh"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "SIGNALMESH_DATA_DIR"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 7946
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"

	// DefaultDedupWindowSeconds is how long a flooded message ID is remembered.
	DefaultDedupWindowSeconds = 300
	// DefaultDedupMaxEntries bounds the dedup cache.
	DefaultDedupMaxEntries = 4096
	// DefaultQueueDepth bounds each peer's outbound queue.
	DefaultQueueDepth = 256
	// DefaultKeyTimeoutMillis bounds one session key lookup.
	DefaultKeyTimeoutMillis = 2000
	// DefaultSecurityEventRetentionDays is how long security events are kept.
	DefaultSecurityEventRetentionDays = 90

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	defaultName    = "Mesh Node"
)

// DeviceConfig contains persistent local-node settings.
type DeviceConfig struct {
	DeviceID              string   `json:"device_id"`
	DeviceName            string   `json:"device_name"`
	PortMode              string   `json:"port_mode"`
	ListeningPort         int      `json:"listening_port"`
	Ed25519PrivateKeyPath string   `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath  string   `json:"ed25519_public_key_path"`
	KeyFingerprint        string   `json:"key_fingerprint"`
	Peers                 []string `json:"peers"`
	DedupWindowSeconds    int      `json:"dedup_window_seconds"`
	DedupMaxEntries       int      `json:"dedup_max_entries"`
	QueueDepth            int      `json:"queue_depth"`
	KeyTimeoutMillis      int      `json:"key_timeout_millis"`
	PersistSeenIDs        *bool    `json:"persist_seen_ids,omitempty"`

	SecurityEventRetentionDays int `json:"security_event_retention_days"`
}

// DedupWindow returns the dedup window as a duration.
func (c *DeviceConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

// KeyTimeout returns the session key lookup timeout as a duration.
func (c *DeviceConfig) KeyTimeout() time.Duration {
	return time.Duration(c.KeyTimeoutMillis) * time.Millisecond
}

// SecurityEventRetention returns how long stored security events are kept.
func (c *DeviceConfig) SecurityEventRetention() time.Duration {
	return time.Duration(c.SecurityEventRetentionDays) * 24 * time.Hour
}

// ShouldPersistSeenIDs reports whether seen message IDs are written to storage.
func (c *DeviceConfig) ShouldPersistSeenIDs() bool {
	return c.PersistSeenIDs == nil || *c.PersistSeenIDs
}

// ResolveDataDir returns the OS-aware node data directory.
//
// If SIGNALMESH_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist under dataDir, then
// returns the config and its path. An empty dataDir is resolved with
// ResolveDataDir.
func LoadOrCreate(dataDir string) (*DeviceConfig, string, error) {
	if dataDir == "" {
		resolved, err := ResolveDataDir()
		if err != nil {
			return nil, "", err
		}
		dataDir = resolved
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{PortMode: PortModeAutomatic}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func hostDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultName
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = hostDeviceName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.Ed25519PrivateKeyPath == "" {
		cfg.Ed25519PrivateKeyPath = filepath.Join(keysDir, "ed25519_private.pem")
		updated = true
	}

	if cfg.Ed25519PublicKeyPath == "" {
		cfg.Ed25519PublicKeyPath = filepath.Join(keysDir, "ed25519_public.pem")
		updated = true
	}

	if cfg.Peers == nil {
		cfg.Peers = []string{}
		updated = true
	}

	updated = defaultInt(&cfg.DedupWindowSeconds, DefaultDedupWindowSeconds) || updated
	updated = defaultInt(&cfg.DedupMaxEntries, DefaultDedupMaxEntries) || updated
	updated = defaultInt(&cfg.QueueDepth, DefaultQueueDepth) || updated
	updated = defaultInt(&cfg.KeyTimeoutMillis, DefaultKeyTimeoutMillis) || updated
	updated = defaultInt(&cfg.SecurityEventRetentionDays, DefaultSecurityEventRetentionDays) || updated

	if cfg.PersistSeenIDs == nil {
		persist := true
		cfg.PersistSeenIDs = &persist
		updated = true
	}

	return updated
}

func defaultInt(field *int, value int) bool {
	if *field > 0 {
		return false
	}
	*field = value
	return true
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
