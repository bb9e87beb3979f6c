package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/ctxfed/errors"
	"github.com/c360/ctxfed/pkg/tlsutil"
)

// Duration is a time.Duration written as a Go duration string ("5s") in config files.
type Duration time.Duration

// Std returns the duration as time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %s", data)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config is the complete process configuration
type Config struct {
	Federation FederationConfig `json:"federation" yaml:"federation"`
	Store      StoreConfig      `json:"store" yaml:"store"`
	Status     StatusConfig     `json:"status" yaml:"status"`
	HTTP       HTTPConfig       `json:"http" yaml:"http"`
	Health     HealthConfig     `json:"health" yaml:"health"`
	Log        LogConfig        `json:"log" yaml:"log"`
}

// FederationConfig tunes outbound calls to context sources
type FederationConfig struct {
	MaxConcurrency      int      `json:"max_concurrency" yaml:"max_concurrency"`
	CallTimeout         Duration `json:"call_timeout" yaml:"call_timeout"`
	RateLimit           float64  `json:"rate_limit" yaml:"rate_limit"` // calls per second, 0 disables
	RateBurst           int      `json:"rate_burst" yaml:"rate_burst"`
	MaxIdleConnsPerHost int      `json:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host"`
	UserAgent           string   `json:"user_agent" yaml:"user_agent"`
	PatternCacheSize    int      `json:"pattern_cache_size" yaml:"pattern_cache_size"`

	TLS tlsutil.ClientConfig `json:"tls" yaml:"tls"`
}

// Store backends
const (
	BackendMemory = "memory"
	BackendKV     = "kv"
	BackendSQL    = "sql"
)

// StoreConfig selects and configures the registration store
type StoreConfig struct {
	Backend   string `json:"backend" yaml:"backend"`
	NATSURL   string `json:"nats_url" yaml:"nats_url"`
	KVBucket  string `json:"kv_bucket" yaml:"kv_bucket"`
	SQLDriver string `json:"sql_driver" yaml:"sql_driver"`
	SQLDSN    string `json:"sql_dsn" yaml:"sql_dsn"`
}

// StatusConfig sizes the asynchronous status updater
type StatusConfig struct {
	Workers       int      `json:"workers" yaml:"workers"`
	QueueSize     int      `json:"queue_size" yaml:"queue_size"`
	UpdateTimeout Duration `json:"update_timeout" yaml:"update_timeout"`
}

// HTTPConfig configures the admin HTTP server
type HTTPConfig struct {
	Addr            string   `json:"addr" yaml:"addr"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`

	TLS tlsutil.ServerConfig `json:"tls" yaml:"tls"`
}

// HealthConfig schedules the context source health refresh
type HealthConfig struct {
	Schedule string `json:"schedule" yaml:"schedule"` // cron expression, "" disables
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Federation: FederationConfig{
			MaxConcurrency:      16,
			CallTimeout:         Duration(10 * time.Second),
			MaxIdleConnsPerHost: 16,
			UserAgent:           "ctxfed",
			PatternCacheSize:    256,
		},
		Store: StoreConfig{
			Backend:   BackendMemory,
			NATSURL:   "nats://localhost:4222",
			KVBucket:  "ctxfed_registrations",
			SQLDriver: "postgres",
		},
		Status: StatusConfig{
			Workers:       4,
			QueueSize:     1000,
			UpdateTimeout: Duration(5 * time.Second),
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Health: HealthConfig{Schedule: "@every 30s"},
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
			"Config", "Validate", "configuration check")
	}

	if c.Federation.MaxConcurrency < 0 {
		return invalid("federation.max_concurrency must not be negative")
	}
	if c.Federation.CallTimeout <= 0 {
		return invalid("federation.call_timeout must be positive")
	}
	if c.Federation.RateLimit < 0 {
		return invalid("federation.rate_limit must not be negative")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendKV:
		if c.Store.NATSURL == "" {
			return invalid("store.nats_url is required for the kv backend")
		}
	case BackendSQL:
		if c.Store.SQLDriver != "postgres" && c.Store.SQLDriver != "sqlite3" {
			return invalid("store.sql_driver must be postgres or sqlite3, got %q", c.Store.SQLDriver)
		}
		if c.Store.SQLDSN == "" {
			return invalid("store.sql_dsn is required for the sql backend")
		}
	default:
		return invalid("unknown store.backend %q", c.Store.Backend)
	}

	if c.Status.Workers <= 0 || c.Status.QueueSize <= 0 {
		return invalid("status.workers and status.queue_size must be positive")
	}
	if c.HTTP.Addr == "" {
		return invalid("http.addr is required")
	}
	if c.HTTP.TLS.Enabled() && c.HTTP.TLS.KeyFile == "" {
		return invalid("http.tls.key_file is required with http.tls.cert_file")
	}
	if c.Federation.TLS.CertFile != "" && c.Federation.TLS.KeyFile == "" {
		return invalid("federation.tls.key_file is required with federation.tls.cert_file")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("unknown log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid("unknown log.format %q", c.Log.Format)
	}
	return nil
}

// String returns the configuration as indented JSON with the SQL DSN redacted
func (c *Config) String() string {
	redacted := *c
	if redacted.Store.SQLDSN != "" {
		redacted.Store.SQLDSN = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(&redacted, "", "  ")
	return string(data)
}
