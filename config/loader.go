package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/ctxfed/errors"
)

// Loader merges configuration layers over the defaults
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a loader with validation enabled and the CTXFED env prefix
func NewLoader() *Loader {
	return &Loader{validation: true, envPrefix: "CTXFED", getenv: os.Getenv}
}

// AddLayer adds a configuration file; later layers override earlier ones
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// Load loads one optional file; an empty path yields defaults plus env overrides
func Load(path string) (*Config, error) {
	l := NewLoader()
	if path != "" {
		l.AddLayer(path)
	}
	return l.Load()
}

// Load merges defaults, every layer and the environment, then validates
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, path, err), "Loader", "Load", "read layer")
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode merged config")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "Load", "decode config")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// loadRaw reads one layer as a generic map, YAML or JSON by extension
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	return m, json.Unmarshal(data, &m)
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies PREFIX_SECTION_FIELD environment variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var firstErr error
	str := func(name string, dst *string) {
		if v := l.getenv(l.envPrefix + "_" + name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := l.getenv(l.envPrefix + "_" + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%s_%s: %w", l.envPrefix, name, err)
			}
			if err == nil {
				*dst = n
			}
		}
	}

	str("STORE_BACKEND", &cfg.Store.Backend)
	str("STORE_NATS_URL", &cfg.Store.NATSURL)
	str("STORE_KV_BUCKET", &cfg.Store.KVBucket)
	str("STORE_SQL_DRIVER", &cfg.Store.SQLDriver)
	str("STORE_SQL_DSN", &cfg.Store.SQLDSN)
	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("HEALTH_SCHEDULE", &cfg.Health.Schedule)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	num("FEDERATION_MAX_CONCURRENCY", &cfg.Federation.MaxConcurrency)
	num("STATUS_WORKERS", &cfg.Status.Workers)

	if v := l.getenv(l.envPrefix + "_FEDERATION_CALL_TIMEOUT"); v != "" {
		var d Duration
		if err := d.UnmarshalJSON([]byte(strconv.Quote(v))); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s_FEDERATION_CALL_TIMEOUT: %w", l.envPrefix, err)
		} else if err == nil {
			cfg.Federation.CallTimeout = d
		}
	}

	if firstErr != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, firstErr), "Loader", "applyEnvOverrides", "parse environment")
	}
	return nil
}
