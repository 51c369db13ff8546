package statestore

import (
	"context"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/coinpulse/newswire/errors"
)

// NATSStore implements Store on a JetStream key-value bucket. All
// conditional semantics map directly onto JetStream primitives:
// SetIfAbsent is KV Create, CompareAndSwap is KV Update with an
// expected revision.
type NATSStore struct {
	bucket  jetstream.KeyValue
	timeout time.Duration
}

// NewNATSStore wraps an existing bucket. Per-operation timeout defaults
// to 5s when zero.
func NewNATSStore(bucket jetstream.KeyValue, timeout time.Duration) *NATSStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSStore{bucket: bucket, timeout: timeout}
}

func (s *NATSStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Get returns the current entry for key.
func (s *NATSStore) Get(ctx context.Context, key string) (*Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	entry, err := s.bucket.Get(ctx, key)
	if err != nil {
		if isKVNotFound(err) {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "NATSStore", "Get", "get "+key)
	}
	return &Entry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Set writes value unconditionally.
func (s *NATSStore) Set(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rev, err := s.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, errors.WrapTransient(err, "NATSStore", "Set", "put "+key)
	}
	return rev, nil
}

// SetIfAbsent writes value only when key does not exist.
func (s *NATSStore) SetIfAbsent(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rev, err := s.bucket.Create(ctx, key, value)
	if err != nil {
		if isKVConflict(err) {
			return 0, errors.ErrKeyExists
		}
		return 0, errors.WrapTransient(err, "NATSStore", "SetIfAbsent", "create "+key)
	}
	return rev, nil
}

// CompareAndSwap replaces the value only at the expected revision.
func (s *NATSStore) CompareAndSwap(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rev, err := s.bucket.Update(ctx, key, value, revision)
	if err != nil {
		if isKVConflict(err) {
			return 0, errors.ErrRevisionMismatch
		}
		return 0, errors.WrapTransient(err, "NATSStore", "CompareAndSwap", "update "+key)
	}
	return rev, nil
}

// Delete removes key.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.bucket.Delete(ctx, key)
	if err != nil {
		if isKVNotFound(err) {
			return errors.ErrKeyNotFound
		}
		return errors.WrapTransient(err, "NATSStore", "Delete", "delete "+key)
	}
	return nil
}

// DeleteRevision removes key only at the expected revision.
func (s *NATSStore) DeleteRevision(ctx context.Context, key string, revision uint64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.bucket.Delete(ctx, key, jetstream.LastRevision(revision))
	if err != nil {
		if isKVNotFound(err) {
			return errors.ErrKeyNotFound
		}
		if isKVConflict(err) {
			return errors.ErrRevisionMismatch
		}
		return errors.WrapTransient(err, "NATSStore", "DeleteRevision", "delete "+key)
	}
	return nil
}

// isKVNotFound matches both the typed jetstream error and the raw
// server error code.
func isKVNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}

// isKVConflict matches a failed conditional write: key exists on Create
// or wrong last sequence on Update.
func isKVConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "10071") ||
		strings.Contains(msg, "key exists") ||
		strings.Contains(msg, "10058")
}
