package ingest

import (
	"context"
	"strconv"

	"github.com/coinpulse/newswire/errors"
	"github.com/coinpulse/newswire/lease"
	"github.com/coinpulse/newswire/statestore"
)

// Watermarks tracks the newest published timestamp (Unix ms) ingested
// per source. Writes are revision-checked and only proceed while the
// writer still holds the source lease, so a replica that lost its lease
// mid-cycle cannot clobber the new holder's progress.
type Watermarks struct {
	store  statestore.Store
	leases *lease.Coordinator
}

// NewWatermarks builds the watermark tracker.
func NewWatermarks(store statestore.Store, leases *lease.Coordinator) *Watermarks {
	return &Watermarks{store: store, leases: leases}
}

// Get returns the watermark for a source, zero when none exists yet.
func (w *Watermarks) Get(ctx context.Context, source string) (int64, error) {
	entry, err := w.store.Get(ctx, source)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, errors.WrapTransient(err, "Watermarks", "Get", "read watermark")
	}
	wm, err := strconv.ParseInt(string(entry.Value), 10, 64)
	if err != nil {
		return 0, errors.WrapInvalid(err, "Watermarks", "Get", "decode watermark")
	}
	return wm, nil
}

// Advance raises the source watermark to published. The watermark only
// moves forward; a stale value is a no-op. The holder's lease is
// re-validated at write time and errors.ErrLeaseLost is returned when
// it no longer holds the source.
func (w *Watermarks) Advance(ctx context.Context, source, resource, holder string, published int64) error {
	current, ok, err := w.leases.Holder(ctx, resource)
	if err != nil {
		return err
	}
	if !ok || current != holder {
		return errors.ErrLeaseLost
	}

	value := []byte(strconv.FormatInt(published, 10))
	for {
		entry, err := w.store.Get(ctx, source)
		if err != nil {
			if errors.Is(err, errors.ErrKeyNotFound) {
				_, err = w.store.SetIfAbsent(ctx, source, value)
				if err == nil {
					return nil
				}
				if errors.Is(err, errors.ErrKeyExists) {
					continue
				}
				return errors.WrapTransient(err, "Watermarks", "Advance", "create watermark")
			}
			return errors.WrapTransient(err, "Watermarks", "Advance", "read watermark")
		}

		existing, err := strconv.ParseInt(string(entry.Value), 10, 64)
		if err != nil {
			return errors.WrapInvalid(err, "Watermarks", "Advance", "decode watermark")
		}
		if published <= existing {
			return nil
		}

		_, err = w.store.CompareAndSwap(ctx, source, value, entry.Revision)
		if err == nil {
			return nil
		}
		if errors.Is(err, errors.ErrRevisionMismatch) {
			// Someone else moved it; re-read and re-check monotonicity.
			continue
		}
		return errors.WrapTransient(err, "Watermarks", "Advance", "write watermark")
	}
}
