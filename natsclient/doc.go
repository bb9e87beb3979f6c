// Package natsclient manages the NATS connection used by the JetStream KV registration store.
//
// KVStore wraps a bucket with per-operation timeouts and a compare-and-swap update loop.
// Conflicting updates are retried according to KVOptions.Retry.
package natsclient
