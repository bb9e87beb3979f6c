// Package cache provides a generic, thread-safe LRU cache with optional Prometheus metrics.
//
// GetOrCreate coalesces concurrent misses for the same key, so the create function runs
// once per key until the entry is evicted.
package cache
