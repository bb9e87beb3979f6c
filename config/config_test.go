package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ctxfed/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.getenv = func(k string) string { return env[k] }
	return l
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoader_YAMLLayer(t *testing.T) {
	path := writeFile(t, "ctxfed.yaml", `
federation:
  max_concurrency: 4
  call_timeout: 2s
store:
  backend: sql
  sql_driver: sqlite3
  sql_dsn: "file:test.db"
log:
  level: debug
`)
	l := newTestLoader(nil)
	l.AddLayer(path)

	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Federation.MaxConcurrency)
	assert.Equal(t, 2*time.Second, cfg.Federation.CallTimeout.Std())
	assert.Equal(t, BackendSQL, cfg.Store.Backend)
	assert.Equal(t, "sqlite3", cfg.Store.SQLDriver)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched fields keep defaults
	assert.Equal(t, "ctxfed", cfg.Federation.UserAgent)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoader_LaterLayerWins(t *testing.T) {
	base := writeFile(t, "base.json", `{"http": {"addr": ":9000"}, "status": {"workers": 2}}`)
	override := writeFile(t, "override.yml", "http:\n  addr: \":9100\"\n")

	l := newTestLoader(nil)
	l.AddLayer(base)
	l.AddLayer(override)

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.HTTP.Addr)
	assert.Equal(t, 2, cfg.Status.Workers)
}

func TestLoader_EnvOverrides(t *testing.T) {
	l := newTestLoader(map[string]string{
		"CTXFED_STORE_BACKEND":              "kv",
		"CTXFED_STORE_NATS_URL":             "nats://nats:4222",
		"CTXFED_FEDERATION_MAX_CONCURRENCY": "32",
		"CTXFED_FEDERATION_CALL_TIMEOUT":    "750ms",
	})

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, BackendKV, cfg.Store.Backend)
	assert.Equal(t, "nats://nats:4222", cfg.Store.NATSURL)
	assert.Equal(t, 32, cfg.Federation.MaxConcurrency)
	assert.Equal(t, 750*time.Millisecond, cfg.Federation.CallTimeout.Std())
}

func TestLoader_BadEnvValue(t *testing.T) {
	l := newTestLoader(map[string]string{"CTXFED_STATUS_WORKERS": "many"})
	_, err := l.Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"malformed json", "bad.json", `{"http": `},
		{"malformed yaml", "bad.yaml", "http: [unterminated"},
		{"bad duration", "dur.json", `{"federation": {"call_timeout": "soon"}}`},
		{"unsupported extension", "cfg.toml", `http = {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLoader(nil)
			l.AddLayer(writeFile(t, tt.file, tt.content))
			_, err := l.Load()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestLoader_ValidationCanBeDisabled(t *testing.T) {
	path := writeFile(t, "cfg.json", `{"store": {"backend": "carrier-pigeon"}}`)

	l := newTestLoader(nil)
	l.AddLayer(path)
	_, err := l.Load()
	require.Error(t, err)

	l.EnableValidation(false)
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "carrier-pigeon", cfg.Store.Backend)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative concurrency", func(c *Config) { c.Federation.MaxConcurrency = -1 }},
		{"zero timeout", func(c *Config) { c.Federation.CallTimeout = 0 }},
		{"negative rate", func(c *Config) { c.Federation.RateLimit = -1 }},
		{"kv without url", func(c *Config) { c.Store.Backend = BackendKV; c.Store.NATSURL = "" }},
		{"sql bad driver", func(c *Config) { c.Store.Backend = BackendSQL; c.Store.SQLDriver = "mysql"; c.Store.SQLDSN = "x" }},
		{"sql without dsn", func(c *Config) { c.Store.Backend = BackendSQL }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }},
		{"no workers", func(c *Config) { c.Status.Workers = 0 }},
		{"no addr", func(c *Config) { c.HTTP.Addr = "" }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
		{"server cert without key", func(c *Config) { c.HTTP.TLS.CertFile = "cert.pem" }},
		{"client cert without key", func(c *Config) { c.Federation.TLS.CertFile = "cert.pem" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
		})
	}
}

func TestString_RedactsDSN(t *testing.T) {
	cfg := Default()
	cfg.Store.SQLDSN = "postgres://user:secret@db/ctxfed"
	s := cfg.String()
	assert.NotContains(t, s, "secret")
	assert.Contains(t, s, "[REDACTED]")
	assert.Equal(t, "postgres://user:secret@db/ctxfed", cfg.Store.SQLDSN)
}
