package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all pipeline paths and tunables.
//
// Nothing in the extractors or loaders reads well-known paths on its own;
// everything flows from here into pipeline.Options explicitly.
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// SourceConfig locates the external, vendor-owned databases.
type SourceConfig struct {
	// ChatDBPath is the iMessage store (chat.db). Empty means the
	// platform default.
	ChatDBPath string `yaml:"chat_db"`
	// ContactsDBPath is the AddressBook store. Empty means auto-discover
	// on darwin; contacts sync is skipped when nothing is found.
	ContactsDBPath string `yaml:"contacts_db"`
}

// AnalysisConfig locates the owned analytical database.
type AnalysisConfig struct {
	DBPath string `yaml:"db_path"`
}

// SnapshotConfig controls snapshot freshness and retention.
type SnapshotConfig struct {
	Dir        string `yaml:"dir"`
	MaxAgeDays int    `yaml:"max_age_days"`
	KeepCount  int    `yaml:"keep_count"`
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("MESSAGEMART_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "messagemart"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("MESSAGEMART_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Messagemart"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "messagemart"), nil
	}

	return filepath.Join(home, ".local", "share", "messagemart"), nil
}

// DefaultChatDBPath returns the well-known chat.db location.
func DefaultChatDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "Library", "Messages", "chat.db")
}

// FindContactsDB looks for the newest AddressBook-vXX.abcddb under the
// well-known AddressBook directory. Returns "" when nothing is found;
// contacts sync degrades gracefully in that case.
func FindContactsDB() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, "Library", "Application Support", "AddressBook")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "AddressBook-v") && strings.HasSuffix(name, ".abcddb") {
			candidates = append(candidates, filepath.Join(dir, name))
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	// Highest schema version sorts last (v22 after v21).
	sort.Strings(candidates)
	return candidates[len(candidates)-1]
}

// Load loads config from the config file, filling in platform defaults
// for anything unset.
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "config.yaml")

	var cfg Config
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	dataDir, err := GetDataDir()
	if err != nil {
		return err
	}
	if c.Source.ChatDBPath == "" {
		c.Source.ChatDBPath = DefaultChatDBPath()
	}
	if c.Source.ContactsDBPath == "" {
		c.Source.ContactsDBPath = FindContactsDB()
	}
	if c.Analysis.DBPath == "" {
		c.Analysis.DBPath = filepath.Join(dataDir, "analysis.db")
	}
	if c.Snapshot.Dir == "" {
		c.Snapshot.Dir = filepath.Join(dataDir, "snapshots")
	}
	if c.Snapshot.MaxAgeDays <= 0 {
		c.Snapshot.MaxAgeDays = 7
	}
	if c.Snapshot.KeepCount <= 0 {
		c.Snapshot.KeepCount = 3
	}
	return nil
}

// Save saves the config to the config file
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
