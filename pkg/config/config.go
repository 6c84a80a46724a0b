package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bandsync/internal/device"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel     string `json:"log_level" yaml:"log_level" default:"info"`
	OutputFormat string `json:"output_format" yaml:"output_format" default:"table"` // table, json, yaml, cbor

	ScanDuration    time.Duration `json:"scan_duration" yaml:"scan_duration" default:"10s"`
	DeviceTimeout   time.Duration `json:"device_timeout" yaml:"device_timeout" default:"30s"`
	MonitorInterval time.Duration `json:"monitor_interval" yaml:"monitor_interval" default:"5s"`

	ConnectTimeout   time.Duration `json:"connect_timeout" yaml:"connect_timeout" default:"15s"`
	OperationTimeout time.Duration `json:"operation_timeout" yaml:"operation_timeout" default:"5s"`

	SyncPageRetries int    `json:"sync_page_retries" yaml:"sync_page_retries" default:"3"`
	SyncMaxPages    int    `json:"sync_max_pages" yaml:"sync_max_pages" default:"1024"`
	FrameBufferSize int    `json:"frame_buffer_size" yaml:"frame_buffer_size" default:"4096"`
	DeviceTimezone  string `json:"device_timezone" yaml:"device_timezone" default:"UTC"`

	// Empty means every catalog type is eligible
	AllowedTypes []string `json:"allowed_types" yaml:"allowed_types"`

	ResultHistory int         `json:"result_history" yaml:"result_history" default:"256"`
	Profile       UserProfile `json:"profile" yaml:"profile"`
	Bridge        Bridge      `json:"bridge" yaml:"bridge"`
}

// UserProfile feeds stride estimation
type UserProfile struct {
	HeightCm float64 `json:"height_cm" yaml:"height_cm" default:"170"`
	WeightKg float64 `json:"weight_kg" yaml:"weight_kg" default:"70"`
	Age      int     `json:"age" yaml:"age" default:"30"`
	Gender   string  `json:"gender" yaml:"gender" default:"unspecified"` // male, female, unspecified
}

// Bridge configures the host bridge server
type Bridge struct {
	Listen          string        `json:"listen" yaml:"listen" default:"127.0.0.1:8765"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" default:"5s"`
}

var outputFormats = map[string]bool{"table": true, "json": true, "yaml": true, "cbor": true}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	defaults.SetDefaults(&cfg.Profile)
	defaults.SetDefaults(&cfg.Bridge)
	return cfg
}

// Load reads a YAML file over the defaults. Keys absent from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &device.Error{Kind: device.KindConfiguration, Op: "load config", Msg: path, Err: err}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &device.Error{Kind: device.KindConfiguration, Op: "load config", Msg: path, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting as a configuration error
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return &device.Error{Kind: device.KindConfiguration, Op: "validate config", Msg: fmt.Sprintf(format, args...)}
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return invalid("log_level: %v", err)
	}
	if !outputFormats[c.OutputFormat] {
		return invalid("output_format %q is not one of table, json, yaml, cbor", c.OutputFormat)
	}
	for name, d := range map[string]time.Duration{
		"scan_duration":     c.ScanDuration,
		"device_timeout":    c.DeviceTimeout,
		"monitor_interval":  c.MonitorInterval,
		"connect_timeout":   c.ConnectTimeout,
		"operation_timeout": c.OperationTimeout,
	} {
		if d < 0 {
			return invalid("%s must not be negative, got %s", name, d)
		}
	}
	if c.SyncPageRetries < 0 || c.SyncMaxPages <= 0 {
		return invalid("sync_page_retries must be >= 0 and sync_max_pages > 0")
	}
	if _, err := c.Location(); err != nil {
		return invalid("device_timezone %q: %v", c.DeviceTimezone, err)
	}
	if _, err := device.DefaultCatalog().ParseCapabilities(c.AllowedTypes...); err != nil {
		return invalid("allowed_types: %v", err)
	}
	if c.Profile.HeightCm < 0 || c.Profile.WeightKg < 0 || c.Profile.Age < 0 {
		return invalid("profile values must not be negative")
	}
	switch c.Profile.Gender {
	case "male", "female", "unspecified", "":
	default:
		return invalid("profile gender %q is not one of male, female, unspecified", c.Profile.Gender)
	}
	return nil
}

// Location resolves the device timezone used to decode BCD timestamps
func (c *Config) Location() (*time.Location, error) {
	if c.DeviceTimezone == "" || c.DeviceTimezone == "UTC" {
		return time.UTC, nil
	}
	if c.DeviceTimezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.DeviceTimezone)
}

// Level returns the parsed log level, Info when unparseable
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// NopLogger returns a logger that discards everything; components fall back to it when given nil
func NopLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// OrNop returns logger, or a NopLogger when logger is nil
func OrNop(logger *logrus.Logger) *logrus.Logger {
	if logger == nil {
		return NopLogger()
	}
	return logger
}
