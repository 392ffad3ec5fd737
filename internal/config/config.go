// Package config holds the global settings file, the per-user config
// directory and process level setup shared by every command.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chirri/internal/artifacts"
	"chirri/internal/compress"
	"chirri/internal/snapshot"
)

// EnvConfigDir overrides the config directory.
const EnvConfigDir = "CHIRRI_CONFIG_DIR"

// getConfigDir returns the config directory path.
// Uses CHIRRI_CONFIG_DIR if set, otherwise ~/.chirri.
// Computed on every call so tests can isolate it.
func getConfigDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chirri")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// GlobalSettingsPath returns the global settings file path
func GlobalSettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir creates the config directory and writes the default
// settings file when none exists.
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	settingsPath := GlobalSettingsPath()
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// RetrySettings bounds retries of single remote operations.
type RetrySettings struct {
	Attempts uint          `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

// GlobalSettings represents ~/.chirri/settings.yaml
type GlobalSettings struct {
	LogLevel          string        `yaml:"log_level"`           // trace, debug, info, warn, off
	BusyTimeout       int           `yaml:"busy_timeout"`        // SQLite busy_timeout (ms), 0 = default
	Compression       string        `yaml:"compression"`         // default algorithm for new indexes
	MaxUploadAttempts int           `yaml:"max_upload_attempts"` // per chunk and sync run
	DescriptionFormat string        `yaml:"description_format"`  // csv or json
	Retry             RetrySettings `yaml:"retry"`
}

// ApplyDefaults fills zero-value fields with their defaults.
func (s *GlobalSettings) ApplyDefaults() {
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.MaxUploadAttempts <= 0 {
		s.MaxUploadAttempts = 5
	}
	if s.DescriptionFormat == "" {
		s.DescriptionFormat = snapshot.FormatCSV
	}
	if s.Retry.Attempts == 0 {
		s.Retry.Attempts = 3
	}
	if s.Retry.Delay <= 0 {
		s.Retry.Delay = time.Second
	}
}

// Validate rejects values no command could work with.
func (s *GlobalSettings) Validate() error {
	if _, err := ParseLogLevel(s.LogLevel); err != nil {
		return err
	}
	if s.Compression != "" {
		if err := compress.Validate(compress.Normalize(s.Compression)); err != nil {
			return fmt.Errorf("settings: compression: %w", err)
		}
	}
	switch strings.ToLower(s.DescriptionFormat) {
	case snapshot.FormatCSV, snapshot.FormatJSON:
	default:
		return fmt.Errorf("settings: unknown description_format %q", s.DescriptionFormat)
	}
	if s.BusyTimeout < 0 {
		return fmt.Errorf("settings: busy_timeout must not be negative")
	}
	return nil
}

// loadDefaultGlobalSettings parses default settings from embedded artifact.
func loadDefaultGlobalSettings() GlobalSettings {
	var settings GlobalSettings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded global settings: " + err.Error())
	}
	return settings
}

// LoadGlobalSettings reads the settings file, falling back to the embedded
// defaults when it does not exist.
func LoadGlobalSettings() (*GlobalSettings, error) {
	data, err := os.ReadFile(GlobalSettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			settings := loadDefaultGlobalSettings()
			settings.ApplyDefaults()
			return &settings, nil
		}
		return nil, err
	}

	var settings GlobalSettings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("%s: %w", GlobalSettingsPath(), err)
	}
	settings.ApplyDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// SaveGlobalSettings writes the settings file.
func SaveGlobalSettings(settings *GlobalSettings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	header := []byte("# chirri settings\n# See: chirri settings --help\n\n")
	return os.WriteFile(GlobalSettingsPath(), append(header, data...), 0600)
}
