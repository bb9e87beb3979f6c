// Package config loads the ctxfed process configuration from layered YAML or JSON files
// with CTXFED_* environment overrides.
package config
