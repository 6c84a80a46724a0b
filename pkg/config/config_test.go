package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bandsync/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ScanDuration)
	assert.Equal(t, 30*time.Second, cfg.DeviceTimeout)
	assert.Equal(t, 5*time.Second, cfg.OperationTimeout)
	assert.Equal(t, 3, cfg.SyncPageRetries)
	assert.Equal(t, 1024, cfg.SyncMaxPages)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.Equal(t, 170.0, cfg.Profile.HeightCm)
	assert.Equal(t, "unspecified", cfg.Profile.Gender)
	assert.Equal(t, "127.0.0.1:8765", cfg.Bridge.Listen)
	assert.NoError(t, cfg.Validate(), "defaults MUST validate")
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		expected logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", expected: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", expected: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", expected: logrus.WarnLevel},
		{name: "falls back to info for garbage", logLevel: "chatty", expected: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bandsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
scan_duration: 3s
device_timezone: Local
allowed_types: [steps, heart_rate]
profile:
  height_cm: 182
  gender: male
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.ScanDuration)
	assert.Equal(t, 30*time.Second, cfg.DeviceTimeout, "absent keys MUST keep defaults")
	assert.Equal(t, []string{"steps", "heart_rate"}, cfg.AllowedTypes)
	assert.Equal(t, 182.0, cfg.Profile.HeightCm)
	assert.Equal(t, 70.0, cfg.Profile.WeightKg)
	assert.Equal(t, "male", cfg.Profile.Gender)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, device.ErrConfiguration)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative scan duration", func(c *Config) { c.ScanDuration = -time.Second }},
		{"unknown output format", func(c *Config) { c.OutputFormat = "csv" }},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }},
		{"unknown capability", func(c *Config) { c.AllowedTypes = []string{"spo2"} }},
		{"zero max pages", func(c *Config) { c.SyncMaxPages = 0 }},
		{"bad timezone", func(c *Config) { c.DeviceTimezone = "Mars/Olympus" }},
		{"bad gender", func(c *Config) { c.Profile.Gender = "robot" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, device.ErrConfiguration, "invalid settings MUST be configuration errors")
		})
	}
}

func TestNopLogger(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	logger := logrus.New()
	assert.Same(t, logger, OrNop(logger))
	NopLogger().Error("discarded")
}
