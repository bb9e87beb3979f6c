// Package metric wraps a Prometheus registry with the federation metrics used across ctxfed.
package metric
