package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chirri/internal/common"
)

func TestConfigDir(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv(EnvConfigDir, "")
		dir := ConfigDir()
		assert.NotEmpty(t, dir)
		assert.True(t, strings.HasSuffix(dir, ".chirri"), "should end with .chirri")
	})

	t.Run("override with CHIRRI_CONFIG_DIR", func(t *testing.T) {
		t.Setenv(EnvConfigDir, "/tmp/test-chirri-config")
		assert.Equal(t, "/tmp/test-chirri-config", ConfigDir())
		assert.Equal(t, "/tmp/test-chirri-config/settings.yaml", GlobalSettingsPath())
	})
}

func TestInitConfigDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cfg")
	t.Setenv(EnvConfigDir, dir)

	require.NoError(t, InitConfigDir())
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	_, err = os.Stat(GlobalSettingsPath())
	assert.NoError(t, err, "global settings file should be created")

	// an existing file is kept
	require.NoError(t, os.WriteFile(GlobalSettingsPath(), []byte("log_level: warn\n"), 0600))
	require.NoError(t, InitConfigDir())
	data, err := os.ReadFile(GlobalSettingsPath())
	require.NoError(t, err)
	assert.Equal(t, "log_level: warn\n", string(data))
}

func TestGlobalSettings(t *testing.T) {
	t.Run("defaults from embedded artifact", func(t *testing.T) {
		t.Setenv(EnvConfigDir, t.TempDir())

		settings, err := LoadGlobalSettings()
		require.NoError(t, err)
		assert.Equal(t, "info", settings.LogLevel)
		assert.Zero(t, settings.BusyTimeout)
		assert.Equal(t, "zstd", settings.Compression)
		assert.Equal(t, 5, settings.MaxUploadAttempts)
		assert.Equal(t, "csv", settings.DescriptionFormat)
		assert.Equal(t, uint(3), settings.Retry.Attempts)
		assert.Equal(t, time.Second, settings.Retry.Delay)
	})

	t.Run("save and load", func(t *testing.T) {
		t.Setenv(EnvConfigDir, t.TempDir())

		settings := &GlobalSettings{
			LogLevel:          "debug",
			BusyTimeout:       5000,
			Compression:       "lz4",
			MaxUploadAttempts: 2,
			DescriptionFormat: "json",
			Retry:             RetrySettings{Attempts: 7, Delay: 250 * time.Millisecond},
		}
		require.NoError(t, SaveGlobalSettings(settings))

		loaded, err := LoadGlobalSettings()
		require.NoError(t, err)
		assert.Equal(t, settings, loaded)
	})

	t.Run("partial file gets defaults", func(t *testing.T) {
		t.Setenv(EnvConfigDir, t.TempDir())
		require.NoError(t, EnsureConfigDir())
		require.NoError(t, os.WriteFile(GlobalSettingsPath(), []byte("compression: none\n"), 0600))

		loaded, err := LoadGlobalSettings()
		require.NoError(t, err)
		assert.Equal(t, "none", loaded.Compression)
		assert.Equal(t, "info", loaded.LogLevel)
		assert.Equal(t, 5, loaded.MaxUploadAttempts)
		assert.Equal(t, time.Second, loaded.Retry.Delay)
	})

	t.Run("invalid values", func(t *testing.T) {
		tests := []struct {
			name    string
			content string
		}{
			{"log level", "log_level: loud\n"},
			{"compression", "compression: brotli\n"},
			{"description format", "description_format: xml\n"},
			{"busy timeout", "busy_timeout: -1\n"},
			{"yaml", "retry: [\n"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Setenv(EnvConfigDir, t.TempDir())
				require.NoError(t, EnsureConfigDir())
				require.NoError(t, os.WriteFile(GlobalSettingsPath(), []byte(tt.content), 0600))
				_, err := LoadGlobalSettings()
				assert.Error(t, err)
			})
		}
	})
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logrus.Level
	}{
		{"trace", logrus.TraceLevel},
		{"DEBUG", logrus.DebugLevel},
		{"", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"off", logrus.PanicLevel},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseLogLevel("chatty")
	assert.Error(t, err)
}

func TestSetupLogger(t *testing.T) {
	t.Setenv(EnvLogLevel, "")

	t.Run("settings level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := logrus.New()
		require.NoError(t, setupLogger(logger, &buf, "warn", false))
		logger.Info("hidden")
		logger.Warn("shown")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("verbose wins", func(t *testing.T) {
		t.Setenv(EnvLogLevel, "warn")
		var buf bytes.Buffer
		logger := logrus.New()
		require.NoError(t, setupLogger(logger, &buf, "off", true))
		logger.Debug("details")
		assert.Contains(t, buf.String(), "details")
	})

	t.Run("environment overrides settings", func(t *testing.T) {
		t.Setenv(EnvLogLevel, "off")
		var buf bytes.Buffer
		logger := logrus.New()
		require.NoError(t, setupLogger(logger, &buf, "debug", false))
		logger.Error("dropped")
		assert.Empty(t, buf.String())
	})
}

func TestLockRoot(t *testing.T) {
	root := t.TempDir()

	first, err := LockRoot(root)
	require.NoError(t, err)
	assert.FileExists(t, LockPath(root))

	_, err = LockRoot(root)
	assert.True(t, errors.Is(err, common.ErrLocked), "got %v", err)

	require.NoError(t, first.Unlock())
	second, err := LockRoot(root)
	require.NoError(t, err)
	require.NoError(t, second.Unlock())

	var none *RootLock
	assert.NoError(t, none.Unlock())
}
