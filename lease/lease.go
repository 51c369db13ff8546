// Package lease coordinates exclusive per-resource ownership across
// replicas through the state store. A lease is a small record keyed by
// resource name; acquisition and renewal are conditional writes, so two
// replicas can never both believe they own a source at the same
// logical revision.
package lease

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coinpulse/newswire/errors"
	"github.com/coinpulse/newswire/pkg/timestamp"
	"github.com/coinpulse/newswire/statestore"
)

// Record is the stored lease value.
type Record struct {
	Holder     string `json:"holder"`
	AcquiredAt int64  `json:"acquired_at"` // Unix ms
	ExpiresAt  int64  `json:"expires_at"`  // Unix ms
}

// Expired reports whether the lease lapsed at the given time (Unix ms).
func (r Record) Expired(now int64) bool {
	return now >= r.ExpiresAt
}

// Coordinator hands out and maintains leases on a state store bucket.
// The bucket should carry an expiry a little above the lease TTL as a
// safety net; correctness does not depend on it because expiry is
// checked against the record's own ExpiresAt.
type Coordinator struct {
	store  statestore.Store
	logger *slog.Logger
}

// NewCoordinator builds a coordinator on the given store.
func NewCoordinator(store statestore.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default().With("component", "lease-coordinator")
	}
	return &Coordinator{store: store, logger: logger}
}

// Acquire attempts to take the lease on resource for holder. It returns
// true when granted. A live lease held by someone else denies the
// request; an expired lease is taken over with a revision-checked swap
// so only one of several racing claimants wins.
func (c *Coordinator) Acquire(ctx context.Context, resource, holder string, ttl time.Duration) (bool, error) {
	record, err := encodeRecord(holder, ttl)
	if err != nil {
		return false, err
	}

	_, err = c.store.SetIfAbsent(ctx, resource, record)
	if err == nil {
		c.logger.Debug("lease acquired", "resource", resource, "holder", holder)
		return true, nil
	}
	if !errors.Is(err, errors.ErrKeyExists) {
		return false, errors.WrapTransient(err, "Coordinator", "Acquire", "create lease")
	}

	// Key exists: grant only if the stored lease lapsed.
	entry, err := c.store.Get(ctx, resource)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			// Released between our create and get; one retry via create.
			_, err = c.store.SetIfAbsent(ctx, resource, record)
			if err == nil {
				return true, nil
			}
			if errors.Is(err, errors.ErrKeyExists) {
				return false, nil
			}
			return false, errors.WrapTransient(err, "Coordinator", "Acquire", "recreate lease")
		}
		return false, errors.WrapTransient(err, "Coordinator", "Acquire", "read lease")
	}

	var current Record
	if err := json.Unmarshal(entry.Value, &current); err != nil {
		return false, errors.WrapInvalid(err, "Coordinator", "Acquire", "decode lease")
	}
	if !current.Expired(timestamp.Now()) {
		if current.Holder == holder {
			// Re-acquire by the same holder refreshes the term.
			return c.swapGranted(ctx, resource, holder, record, entry.Revision)
		}
		return false, nil
	}

	// Takeover at the observed revision; a losing swap means another
	// claimant got there first.
	return c.swapGranted(ctx, resource, holder, record, entry.Revision)
}

// Renew extends the lease term. It verifies the stored holder before
// writing: a mismatch (or a missing record) means the lease was lost
// and the caller must stop work on the resource.
func (c *Coordinator) Renew(ctx context.Context, resource, holder string, ttl time.Duration) error {
	entry, err := c.store.Get(ctx, resource)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return errors.ErrLeaseLost
		}
		return errors.WrapTransient(err, "Coordinator", "Renew", "read lease")
	}

	var current Record
	if err := json.Unmarshal(entry.Value, &current); err != nil {
		return errors.WrapInvalid(err, "Coordinator", "Renew", "decode lease")
	}
	if current.Holder != holder {
		return errors.ErrLeaseLost
	}

	record, err := encodeRecord(holder, ttl)
	if err != nil {
		return err
	}
	_, err = c.store.CompareAndSwap(ctx, resource, record, entry.Revision)
	if err == nil {
		return nil
	}
	if errors.Is(err, errors.ErrRevisionMismatch) {
		return errors.ErrLeaseLost
	}
	return errors.WrapTransient(err, "Coordinator", "Renew", "write lease")
}

// Release gives up the lease. The delete is conditioned on the revision
// observed at the holder check, so a lagging ex-holder whose lease was
// taken over between read and delete loses the race instead of evicting
// the new holder.
func (c *Coordinator) Release(ctx context.Context, resource, holder string) error {
	entry, err := c.store.Get(ctx, resource)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "Coordinator", "Release", "read lease")
	}

	var current Record
	if err := json.Unmarshal(entry.Value, &current); err != nil {
		return errors.WrapInvalid(err, "Coordinator", "Release", "decode lease")
	}
	if current.Holder != holder {
		return nil
	}

	err = c.store.DeleteRevision(ctx, resource, entry.Revision)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) || errors.Is(err, errors.ErrRevisionMismatch) {
			// The lease moved on without us; nothing left to release.
			return nil
		}
		return errors.WrapTransient(err, "Coordinator", "Release", "delete lease")
	}
	c.logger.Debug("lease released", "resource", resource, "holder", holder)
	return nil
}

// Holder returns who currently holds the resource, with false when the
// lease is absent or lapsed.
func (c *Coordinator) Holder(ctx context.Context, resource string) (string, bool, error) {
	entry, err := c.store.Get(ctx, resource)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return "", false, nil
		}
		return "", false, errors.WrapTransient(err, "Coordinator", "Holder", "read lease")
	}
	var current Record
	if err := json.Unmarshal(entry.Value, &current); err != nil {
		return "", false, errors.WrapInvalid(err, "Coordinator", "Holder", "decode lease")
	}
	if current.Expired(timestamp.Now()) {
		return "", false, nil
	}
	return current.Holder, true, nil
}

func (c *Coordinator) swapGranted(ctx context.Context, resource, holder string, record []byte, revision uint64) (bool, error) {
	_, err := c.store.CompareAndSwap(ctx, resource, record, revision)
	if err == nil {
		c.logger.Debug("lease taken over", "resource", resource, "holder", holder)
		return true, nil
	}
	if errors.Is(err, errors.ErrRevisionMismatch) {
		return false, nil
	}
	return false, errors.WrapTransient(err, "Coordinator", "Acquire", "swap lease")
}

func encodeRecord(holder string, ttl time.Duration) ([]byte, error) {
	now := timestamp.Now()
	data, err := json.Marshal(Record{
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now + ttl.Milliseconds(),
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "Coordinator", "Acquire", "marshal lease")
	}
	return data, nil
}
