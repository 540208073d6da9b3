// Package config loads router daemon configuration from defaults, an
// optional JSON file and VSIM_-prefixed environment overrides, in that
// order of precedence.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/guerillacodester/vehicle-simulator-sub007/backoff"
	"github.com/guerillacodester/vehicle-simulator-sub007/errors"
	"github.com/guerillacodester/vehicle-simulator-sub007/heartbeat"
)

// EnvPrefix is the prefix for all environment variable overrides.
const EnvPrefix = "VSIM"

// Duration wraps time.Duration with JSON support: strings use Go
// duration syntax ("3s", "500ms"), bare numbers are milliseconds.
type Duration time.Duration

// MarshalJSON renders the duration in Go syntax.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a Go duration string or a millisecond count.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return errors.WrapInvalid(err, "config.Duration", "UnmarshalJSON", fmt.Sprintf("parse %q", val))
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val) * time.Millisecond)
	default:
		return errors.WrapInvalid(errors.ErrParsingFailed, "config.Duration", "UnmarshalJSON",
			fmt.Sprintf("unsupported duration value %v", v))
	}
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// HTTPConfig holds the router's listen settings.
type HTTPConfig struct {
	Addr string `json:"addr"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// NATSConfig holds the broker bridge settings.
type NATSConfig struct {
	Enabled       bool     `json:"enabled"`
	URL           string   `json:"url"`
	SubjectPrefix string   `json:"subject_prefix"`
	MaxReconnects int      `json:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait"`
}

// HeartbeatConfig holds liveness probe settings.
type HeartbeatConfig struct {
	Interval      Duration `json:"interval"`
	AckTimeout    Duration `json:"ack_timeout"` // zero = derived from interval
	MissThreshold int      `json:"miss_threshold"`
}

// ReconnectConfig holds backoff settings.
type ReconnectConfig struct {
	MaxAttempts int      `json:"max_attempts"`
	BaseDelay   Duration `json:"base_delay"`
	MaxDelay    Duration `json:"max_delay"`
	JitterBound Duration `json:"jitter_bound"`
}

// Config is the complete daemon configuration.
type Config struct {
	Service        string          `json:"service"`
	HTTP           HTTPConfig      `json:"http"`
	Metrics        MetricsConfig   `json:"metrics"`
	NATS           NATSConfig      `json:"nats"`
	Namespaces     []string        `json:"namespaces"`
	Heartbeat      HeartbeatConfig `json:"heartbeat"`
	Reconnect      ReconnectConfig `json:"reconnect"`
	ConnectTimeout Duration        `json:"connect_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: "vsim-router",
		HTTP:    HTTPConfig{Addr: ":8080"},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			SubjectPrefix: "vsim.events",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		Namespaces: []string{"vehicles", "passengers", "dispatch"},
		Heartbeat: HeartbeatConfig{
			Interval:      Duration(3 * time.Second),
			MissThreshold: 1,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 10,
			BaseDelay:   Duration(time.Second),
			MaxDelay:    Duration(30 * time.Second),
			JitterBound: Duration(time.Second),
		},
		ConnectTimeout: Duration(10 * time.Second),
	}
}

// Load builds the configuration from defaults, an optional JSON file
// and environment overrides, then validates the result. An empty path
// skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", fmt.Sprintf("read %s", path))
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", fmt.Sprintf("parse %s", path))
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers VSIM_-prefixed environment variables over
// the loaded configuration.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(EnvPrefix + "_SERVICE"); val != "" {
		cfg.Service = val
	}
	if val := os.Getenv(EnvPrefix + "_HTTP_ADDR"); val != "" {
		cfg.HTTP.Addr = val
	}
	if val := os.Getenv(EnvPrefix + "_METRICS_ADDR"); val != "" {
		cfg.Metrics.Addr = val
	}
	if val := os.Getenv(EnvPrefix + "_METRICS_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Metrics.Enabled = b
		}
	}
	if val := os.Getenv(EnvPrefix + "_NATS_URL"); val != "" {
		cfg.NATS.URL = val
	}
	if val := os.Getenv(EnvPrefix + "_NATS_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.NATS.Enabled = b
		}
	}
	if val := os.Getenv(EnvPrefix + "_NATS_SUBJECT_PREFIX"); val != "" {
		cfg.NATS.SubjectPrefix = val
	}
	if val := os.Getenv(EnvPrefix + "_NAMESPACES"); val != "" {
		parts := strings.Split(val, ",")
		namespaces := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				namespaces = append(namespaces, p)
			}
		}
		cfg.Namespaces = namespaces
	}
	if val := os.Getenv(EnvPrefix + "_HEARTBEAT_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Heartbeat.Interval = Duration(d)
		}
	}
	if val := os.Getenv(EnvPrefix + "_HEARTBEAT_ACK_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Heartbeat.AckTimeout = Duration(d)
		}
	}
	if val := os.Getenv(EnvPrefix + "_HEARTBEAT_MISS_THRESHOLD"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Heartbeat.MissThreshold = n
		}
	}
	if val := os.Getenv(EnvPrefix + "_RECONNECT_MAX_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Reconnect.MaxAttempts = n
		}
	}
	if val := os.Getenv(EnvPrefix + "_RECONNECT_BASE_DELAY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Reconnect.BaseDelay = Duration(d)
		}
	}
	if val := os.Getenv(EnvPrefix + "_RECONNECT_MAX_DELAY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Reconnect.MaxDelay = Duration(d)
		}
	}
	if val := os.Getenv(EnvPrefix + "_RECONNECT_JITTER_BOUND"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Reconnect.JitterBound = Duration(d)
		}
	}
	if val := os.Getenv(EnvPrefix + "_CONNECT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.ConnectTimeout = Duration(d)
		}
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Service == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "service is required")
	}
	if c.HTTP.Addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "http.addr is required")
	}
	if len(c.Namespaces) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "at least one namespace is required")
	}

	seen := make(map[string]bool, len(c.Namespaces))
	for _, name := range c.Namespaces {
		if name == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "empty namespace name")
		}
		if seen[name] {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("duplicate namespace %q", name))
		}
		seen[name] = true
	}

	if c.Heartbeat.Interval < 0 || c.Heartbeat.AckTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "heartbeat durations cannot be negative")
	}
	if c.Heartbeat.MissThreshold < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "heartbeat.miss_threshold cannot be negative")
	}
	if c.ConnectTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "connect_timeout cannot be negative")
	}
	if c.Reconnect.BaseDelay < 0 || c.Reconnect.MaxDelay < 0 || c.Reconnect.JitterBound < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "reconnect durations cannot be negative")
	}
	if c.Reconnect.MaxDelay > 0 && c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"reconnect.max_delay must be >= reconnect.base_delay")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "nats.url is required when nats is enabled")
	}
	return nil
}

// HeartbeatSettings converts to the heartbeat package's configuration.
func (c *Config) HeartbeatSettings() heartbeat.Config {
	return heartbeat.Config{
		Interval:      c.Heartbeat.Interval.Std(),
		AckTimeout:    c.Heartbeat.AckTimeout.Std(),
		MissThreshold: c.Heartbeat.MissThreshold,
	}
}

// BackoffSettings converts to the backoff package's configuration.
func (c *Config) BackoffSettings() backoff.Config {
	return backoff.Config{
		BaseDelay:   c.Reconnect.BaseDelay.Std(),
		MaxDelay:    c.Reconnect.MaxDelay.Std(),
		JitterBound: c.Reconnect.JitterBound.Std(),
		MaxAttempts: c.Reconnect.MaxAttempts,
	}
}
