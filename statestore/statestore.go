// Package statestore provides the shared mutable state abstraction the
// pipeline coordinates through: the dedup ledger, source leases, score
// cache, and watermarks all live behind the Store interface. The
// production implementation is a JetStream key-value bucket; a memory
// implementation backs tests.
package statestore

import (
	"context"

	"github.com/coinpulse/newswire/errors"
)

// Entry is a stored value together with the revision needed for
// compare-and-swap updates.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// Store is a logical key space of binary values with atomic
// conditional writes. Keys are UTF-8 strings without an imposed
// hierarchy; expiry, when a bucket has one, applies uniformly to every
// key in it.
//
// Error contract: Get and Delete return errors.ErrKeyNotFound for a
// missing key, SetIfAbsent returns errors.ErrKeyExists when the key is
// already present, and CompareAndSwap and DeleteRevision return
// errors.ErrRevisionMismatch when the stored revision moved. Anything
// else is an infrastructure failure and is classified transient.
type Store interface {
	// Get returns the current entry for key.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set writes value unconditionally, last writer wins.
	Set(ctx context.Context, key string, value []byte) (uint64, error)

	// SetIfAbsent writes value only when key does not exist. Exactly one
	// of any set of concurrent callers succeeds; the rest get
	// errors.ErrKeyExists.
	SetIfAbsent(ctx context.Context, key string, value []byte) (uint64, error)

	// CompareAndSwap replaces the value only when the stored revision
	// still equals revision.
	CompareAndSwap(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// DeleteRevision removes key only when the stored revision still
	// equals revision.
	DeleteRevision(ctx context.Context, key string, revision uint64) error
}

// IsNotFound reports whether err means the key was absent.
func IsNotFound(err error) bool {
	return errors.Is(err, errors.ErrKeyNotFound)
}

// IsConflict reports whether err is a losing conditional write: the key
// already existed or the revision moved underneath the caller.
func IsConflict(err error) bool {
	return errors.Is(err, errors.ErrKeyExists) || errors.Is(err, errors.ErrRevisionMismatch)
}
