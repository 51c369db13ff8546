// Package dedup implements the content-hash ledger that gives the
// pipeline its exactly-once effect. Admission is a single atomic
// set-if-absent on the item fingerprint: out of any number of
// concurrent attempts for the same content, precisely one wins.
package dedup

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/coinpulse/newswire/errors"
	"github.com/coinpulse/newswire/pkg/timestamp"
	"github.com/coinpulse/newswire/statestore"
)

// Stage is how far an item has progressed through the pipeline. Stages
// only move forward; a redelivered message can never regress a mark.
type Stage int

const (
	// StageAccepted means the item won admission and was published.
	StageAccepted Stage = iota
	// StageScored means the scoring stage published the enriched item.
	StageScored
	// StagePersisted means the durable store holds the item.
	StagePersisted
)

func (s Stage) String() string {
	switch s {
	case StageAccepted:
		return "accepted"
	case StageScored:
		return "scored"
	case StagePersisted:
		return "persisted"
	default:
		return "unknown"
	}
}

// Status is the admission outcome.
type Status int

const (
	// Accepted means this caller won admission for the fingerprint.
	Accepted Status = iota
	// Duplicate means the content was already admitted. This is an
	// expected outcome, not a failure.
	Duplicate
)

func (s Status) String() string {
	if s == Accepted {
		return "accepted"
	}
	return "duplicate"
}

// ProcessingMark is the ledger record for one fingerprint.
type ProcessingMark struct {
	Stage    Stage  `json:"stage"`
	Source   string `json:"source,omitempty"`
	MarkedAt int64  `json:"marked_at"` // Unix ms
}

// Ledger is the fingerprint dedup ledger over a state store bucket.
// The bucket's expiry bounds the dedup horizon: content republished
// after the horizon is admitted again and relies on the durable store's
// idempotent upsert for correctness.
type Ledger struct {
	store  statestore.Store
	logger *slog.Logger
}

// NewLedger builds a ledger on the given store.
func NewLedger(store statestore.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default().With("component", "dedup-ledger")
	}
	return &Ledger{store: store, logger: logger}
}

// Accept attempts to admit the fingerprint. Out of any set of
// concurrent calls for the same fingerprint exactly one gets Accepted;
// the rest get Duplicate. An error is only returned when the ledger
// itself failed and admission is undecided.
func (l *Ledger) Accept(ctx context.Context, fingerprint, source string) (Status, error) {
	mark := ProcessingMark{
		Stage:    StageAccepted,
		Source:   source,
		MarkedAt: timestamp.Now(),
	}
	data, err := json.Marshal(mark)
	if err != nil {
		return Duplicate, errors.WrapInvalid(err, "Ledger", "Accept", "marshal mark")
	}

	_, err = l.store.SetIfAbsent(ctx, fingerprint, data)
	if err == nil {
		return Accepted, nil
	}
	if errors.Is(err, errors.ErrKeyExists) {
		return Duplicate, nil
	}
	return Duplicate, errors.WrapTransient(err, "Ledger", "Accept", "write mark")
}

// Advance moves the fingerprint's mark to stage. Advancing to a stage
// the mark already reached (or passed) is a no-op, so redeliveries are
// harmless. A fingerprint missing from the ledger (expired mark on a
// slow redelivery) is recreated at the given stage.
func (l *Ledger) Advance(ctx context.Context, fingerprint string, stage Stage) error {
	for {
		entry, err := l.store.Get(ctx, fingerprint)
		if err != nil {
			if errors.Is(err, errors.ErrKeyNotFound) {
				return l.recreate(ctx, fingerprint, stage)
			}
			return errors.WrapTransient(err, "Ledger", "Advance", "read mark")
		}

		var mark ProcessingMark
		if err := json.Unmarshal(entry.Value, &mark); err != nil {
			return errors.WrapInvalid(err, "Ledger", "Advance", "decode mark")
		}
		if mark.Stage >= stage {
			return nil
		}

		mark.Stage = stage
		mark.MarkedAt = timestamp.Now()
		data, err := json.Marshal(mark)
		if err != nil {
			return errors.WrapInvalid(err, "Ledger", "Advance", "marshal mark")
		}

		_, err = l.store.CompareAndSwap(ctx, fingerprint, data, entry.Revision)
		if err == nil {
			return nil
		}
		if errors.Is(err, errors.ErrRevisionMismatch) {
			// Concurrent advance for the same fingerprint, re-read and
			// re-check monotonicity.
			continue
		}
		return errors.WrapTransient(err, "Ledger", "Advance", "write mark")
	}
}

// Mark returns the current mark for a fingerprint, or
// errors.ErrKeyNotFound when the fingerprint was never admitted or its
// mark expired.
func (l *Ledger) Mark(ctx context.Context, fingerprint string) (*ProcessingMark, error) {
	entry, err := l.store.Get(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return nil, err
		}
		return nil, errors.WrapTransient(err, "Ledger", "Mark", "read mark")
	}
	var mark ProcessingMark
	if err := json.Unmarshal(entry.Value, &mark); err != nil {
		return nil, errors.WrapInvalid(err, "Ledger", "Mark", "decode mark")
	}
	return &mark, nil
}

func (l *Ledger) recreate(ctx context.Context, fingerprint string, stage Stage) error {
	mark := ProcessingMark{Stage: stage, MarkedAt: timestamp.Now()}
	data, err := json.Marshal(mark)
	if err != nil {
		return errors.WrapInvalid(err, "Ledger", "Advance", "marshal mark")
	}
	_, err = l.store.SetIfAbsent(ctx, fingerprint, data)
	if err == nil || errors.Is(err, errors.ErrKeyExists) {
		return nil
	}
	return errors.WrapTransient(err, "Ledger", "Advance", "recreate mark")
}
