package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/ctxfed/csr"
	"github.com/c360/ctxfed/errors"
	"github.com/c360/ctxfed/natsclient"
	"github.com/c360/ctxfed/pkg/retry"
)

// DefaultBucket is the KV bucket holding registrations
const DefaultBucket = "ctxfed_registrations"

// KVStore persists registrations in a NATS JetStream KV bucket. Status updates are
// compare-and-swap loops retried until the caller's context ends, so concurrent increments
// from several processes are not lost while the context is live.
type KVStore struct {
	kv      *natsclient.KVStore
	matcher *csr.Matcher
	now     func() time.Time
}

// NewKVStore opens (or creates) bucket on client.
func NewKVStore(ctx context.Context, client *natsclient.Client, bucket string, matcher *csr.Matcher) (*KVStore, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "KVStore", "NewKVStore", "nats client cannot be nil")
	}
	if bucket == "" {
		bucket = DefaultBucket
	}
	if matcher == nil {
		matcher = csr.NewMatcher(256)
	}

	kvBucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Context source registrations",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "NewKVStore", "create KV bucket")
	}

	return &KVStore{
		kv:      client.NewKVStore(kvBucket, statusRetry),
		matcher: matcher,
		now:     time.Now,
	}, nil
}

// statusRetry lets conflicting status writes keep retrying until the context ends instead of
// giving up after a fixed number of attempts.
func statusRetry(o *natsclient.KVOptions) {
	o.Retry = retry.UntilCancelled()
}

// registration ids are URIs, which contain characters not allowed in KV keys
func kvKey(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// Create stores reg unless its id is taken.
func (s *KVStore) Create(ctx context.Context, reg *csr.Registration) (*csr.Registration, error) {
	if reg == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidRegistration, "KVStore", "Create", "nil registration")
	}
	stored, err := prepare(reg, s.now())
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, errors.WrapFatal(err, "KVStore", "Create", "marshal registration")
	}
	if _, err := s.kv.Create(ctx, kvKey(stored.ID), data); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyExists) {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrAlreadyExists, stored.ID),
				"KVStore", "Create", "store registration")
		}
		return nil, errors.WrapTransient(err, "KVStore", "Create", "create in KV")
	}
	return stored, nil
}

// Get loads the registration with id.
func (s *KVStore) Get(ctx context.Context, id string) (*csr.Registration, error) {
	entry, err := s.kv.Get(ctx, kvKey(id))
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return nil, notFound("KVStore", "Get", id)
		}
		return nil, errors.WrapTransient(err, "KVStore", "Get", "get from KV")
	}
	return decodeRegistration(entry.Value, "Get")
}

// Delete removes the registration with id.
func (s *KVStore) Delete(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, kvKey(id)); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return notFound("KVStore", "Delete", id)
		}
		return errors.WrapTransient(err, "KVStore", "Delete", "delete from KV")
	}
	return nil
}

// List loads every registration and keeps those applicable to f.
func (s *KVStore) List(ctx context.Context, f csr.Filters) ([]*csr.Registration, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "List", "list keys")
	}

	regs := make([]*csr.Registration, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			// deleted between listing and reading
			if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
				continue
			}
			return nil, errors.WrapTransient(err, "KVStore", "List", "get from KV")
		}
		reg, err := decodeRegistration(entry.Value, "List")
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return selectMatching(s.matcher, regs, f), nil
}

// Count returns the number of registrations applicable to f.
func (s *KVStore) Count(ctx context.Context, f csr.Filters) (int, error) {
	regs, err := s.List(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(regs), nil
}

// UpdateStatus records one call outcome with a revision-checked write.
func (s *KVStore) UpdateStatus(ctx context.Context, id string, success bool, at time.Time) error {
	err := s.kv.UpdateWithRetry(ctx, kvKey(id), func(current []byte) ([]byte, error) {
		var reg csr.Registration
		if err := json.Unmarshal(current, &reg); err != nil {
			return nil, err
		}
		reg.RecordStatus(success, at.UTC())
		return json.Marshal(&reg)
	})
	if err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyNotFound) {
			return notFound("KVStore", "UpdateStatus", id)
		}
		return errors.WrapTransient(err, "KVStore", "UpdateStatus", "update status")
	}
	return nil
}

func decodeRegistration(data []byte, method string) (*csr.Registration, error) {
	var reg csr.Registration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, errors.WrapFatal(err, "KVStore", method, "unmarshal registration")
	}
	return &reg, nil
}
