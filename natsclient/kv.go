package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/ctxfed/pkg/retry"
)

// Well-known KV errors
var (
	ErrKVKeyNotFound        = stderrors.New("kv: key not found")
	ErrKVKeyExists          = stderrors.New("kv: key already exists")
	ErrKVRevisionMismatch   = stderrors.New("kv: revision mismatch (concurrent update)")
	ErrKVMaxRetriesExceeded = stderrors.New("kv: max retries exceeded")
)

// KVEntry wraps a KV entry with its revision for CAS operations
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions configures KV operations behavior
type KVOptions struct {
	Timeout time.Duration // per operation
	Retry   retry.Config  // CAS conflict retries
}

// DefaultKVOptions returns options tuned for contended status counters
func DefaultKVOptions() KVOptions {
	return KVOptions{
		Timeout: 5 * time.Second,
		Retry:   retry.Contention(),
	}
}

// KVStore provides KV operations with compare-and-swap updates
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  *slog.Logger
}

// NewKVStore wraps bucket
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{bucket: bucket, options: options, logger: c.logger}
}

func (kv *KVStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Get retrieves a value with its revision
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrKVKeyNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Create stores value only if key does not exist yet
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrKVKeyExists
		}
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}
	return rev, nil
}

// Delete removes key
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	if _, err := kv.Get(ctx, key); err != nil {
		return err
	}
	if err := kv.bucket.Delete(ctx, key); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Keys lists the live keys of the bucket
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	lister, err := kv.bucket.ListKeys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}

// UpdateWithRetry applies updateFn to the current value of an existing key and writes the
// result with a revision check, retrying on concurrent modification. Errors returned by
// updateFn are not retried. Timeout bounds each read and write, not the loop; the loop ends
// with ctx or when Retry runs out of attempts.
func (kv *KVStore) UpdateWithRetry(ctx context.Context, key string, updateFn func(current []byte) ([]byte, error)) error {
	attempt := 0
	err := retry.Do(ctx, kv.options.Retry, func() error {
		attempt++

		entry, err := kv.Get(ctx, key)
		if err != nil {
			if stderrors.Is(err, ErrKVKeyNotFound) {
				return retry.NonRetryable(err)
			}
			return err
		}

		next, err := updateFn(entry.Value)
		if err != nil {
			return retry.NonRetryable(fmt.Errorf("update function error: %w", err))
		}

		opCtx, cancel := kv.withTimeout(ctx)
		_, err = kv.bucket.Update(opCtx, key, next, entry.Revision)
		cancel()
		if err != nil {
			if isConflict(err) {
				kv.logger.Debug("KV update conflict, retrying", "key", key, "attempt", attempt)
				return ErrKVRevisionMismatch
			}
			return fmt.Errorf("kv update %s: %w", key, err)
		}
		return nil
	})

	if stderrors.Is(err, ErrKVRevisionMismatch) {
		return ErrKVMaxRetriesExceeded
	}
	return err
}

func isConflict(err error) bool {
	var apiErr *jetstream.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return stderrors.Is(err, jetstream.ErrKeyExists)
}
