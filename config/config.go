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

	"archiver/archive"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "archiver"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "ARCHIVER_DATA_DIR"
	// DefaultListenAddress is the TCP address used when no user override exists.
	DefaultListenAddress = ":7420"
	// DefaultCommitWorkers bounds concurrent staging and commit filesystem work.
	DefaultCommitWorkers = 4
	// DefaultHistoryRetentionDays keeps finished transfer rows this long.
	DefaultHistoryRetentionDays = 30
	// DefaultLogLevel is used when the config leaves the level empty.
	DefaultLogLevel = "info"
	// LogFormatConsole writes human-readable log lines.
	LogFormatConsole = "console"
	// LogFormatJSON writes one JSON object per log line.
	LogFormatJSON = "json"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ArchiverConfig contains persistent archiver settings.
type ArchiverConfig struct {
	InstanceID    string `json:"instance_id"`
	InstanceName  string `json:"instance_name"`
	ArchiveRoot   string `json:"archive_root"`
	ScratchDir    string `json:"scratch_dir"`
	ListenAddress string `json:"listen_address"`
	HashMethod    string `json:"hash_method"`
	CommitWorkers int    `json:"commit_workers"`
	// StallTimeoutSeconds abandons idle transfers. Zero disables the reaper.
	StallTimeoutSeconds  int    `json:"stall_timeout_seconds"`
	HistoryEnabled       bool   `json:"history_enabled"`
	HistoryRetentionDays int    `json:"history_retention_days"`
	MDNSEnabled          bool   `json:"mdns_enabled"`
	LogLevel             string `json:"log_level"`
	LogFormat            string `json:"log_format"`
}

// StallTimeout returns the configured stall timeout as a duration.
func (c *ArchiverConfig) StallTimeout() time.Duration {
	if c.StallTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.StallTimeoutSeconds) * time.Second
}

// HistoryRetention returns how long finished transfer rows are kept.
func (c *ArchiverConfig) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

// Validate rejects settings the archiver cannot start with.
func (c *ArchiverConfig) Validate() error {
	if _, err := archive.ParseHashMethod(c.HashMethod); err != nil {
		return fmt.Errorf("config hash_method: %w", err)
	}
	if c.CommitWorkers <= 0 {
		return fmt.Errorf("config commit_workers must be > 0, got %d", c.CommitWorkers)
	}
	if c.StallTimeoutSeconds < 0 {
		return fmt.Errorf("config stall_timeout_seconds must be >= 0, got %d", c.StallTimeoutSeconds)
	}
	switch c.LogFormat {
	case LogFormatConsole, LogFormatJSON:
	default:
		return fmt.Errorf("config log_format must be %q or %q, got %q", LogFormatConsole, LogFormatJSON, c.LogFormat)
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If ARCHIVER_DATA_DIR is set, its value is used as an explicit override.
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

// EnsureDataDirectories creates the data directory itself. The archive
// root and scratch directory are created by the registry, since the
// config may point them elsewhere.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ArchiverConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ArchiverConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ArchiverConfig) error {
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

// LoadOrCreate ensures the data directory and config exist, then returns
// the config, its path and the data directory.
func LoadOrCreate() (*ArchiverConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", "", err
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultInstanceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Archiver"
}

func defaultConfig(dataDir string) *ArchiverConfig {
	return &ArchiverConfig{
		InstanceID:           uuid.NewString(),
		InstanceName:         defaultInstanceName(),
		ArchiveRoot:          filepath.Join(dataDir, "archive"),
		ScratchDir:           filepath.Join(dataDir, "staging"),
		ListenAddress:        DefaultListenAddress,
		HashMethod:           archive.HashSHA512,
		CommitWorkers:        DefaultCommitWorkers,
		HistoryEnabled:       true,
		HistoryRetentionDays: DefaultHistoryRetentionDays,
		MDNSEnabled:          true,
		LogLevel:             DefaultLogLevel,
		LogFormat:            LogFormatConsole,
	}
}

func normalizeDefaults(cfg *ArchiverConfig, dataDir string) bool {
	updated := false

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
		updated = true
	}
	if cfg.InstanceName == "" {
		cfg.InstanceName = defaultInstanceName()
		updated = true
	}
	if cfg.ArchiveRoot == "" {
		cfg.ArchiveRoot = filepath.Join(dataDir, "archive")
		updated = true
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(dataDir, "staging")
		updated = true
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
		updated = true
	}
	if cfg.HashMethod == "" {
		cfg.HashMethod = archive.HashSHA512
		updated = true
	}
	if cfg.CommitWorkers == 0 {
		cfg.CommitWorkers = DefaultCommitWorkers
		updated = true
	}
	if cfg.HistoryRetentionDays <= 0 {
		cfg.HistoryRetentionDays = DefaultHistoryRetentionDays
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = LogFormatConsole
		updated = true
	}

	return updated
}
