package scoring

import (
	"context"
	"encoding/json"

	"github.com/coinpulse/newswire/errors"
	"github.com/coinpulse/newswire/oracle"
	"github.com/coinpulse/newswire/pkg/timestamp"
	"github.com/coinpulse/newswire/statestore"
)

// cachedScore is the stored form of an oracle result, keyed by item
// fingerprint. Entries are immutable once written.
type cachedScore struct {
	Value    float64   `json:"value"`
	Label    string    `json:"label"`
	Vector   []float32 `json:"vector,omitempty"`
	Model    string    `json:"model,omitempty"`
	ScoredAt int64     `json:"scored_at"`
}

// Cache memoizes oracle scores so redeliveries and cross-source
// duplicates never pay for a second oracle call.
type Cache struct {
	store statestore.Store
}

// NewCache builds a score cache over the given store.
func NewCache(store statestore.Store) *Cache {
	return &Cache{store: store}
}

// Get returns the cached score for a fingerprint, false when absent.
func (c *Cache) Get(ctx context.Context, fingerprint string) (oracle.Score, bool, error) {
	entry, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		if statestore.IsNotFound(err) {
			return oracle.Score{}, false, nil
		}
		return oracle.Score{}, false, errors.WrapTransient(err, "Cache", "Get", "read score")
	}

	var cached cachedScore
	if err := json.Unmarshal(entry.Value, &cached); err != nil {
		return oracle.Score{}, false, errors.WrapInvalid(err, "Cache", "Get", "decode score")
	}
	return oracle.Score{
		Value:  cached.Value,
		Label:  cached.Label,
		Vector: cached.Vector,
		Model:  cached.Model,
	}, true, nil
}

// Put stores a score for a fingerprint. When a concurrent writer got
// there first the stored score wins and is returned, so every consumer
// of the fingerprint sees the same value.
func (c *Cache) Put(ctx context.Context, fingerprint string, score oracle.Score) (oracle.Score, error) {
	data, err := json.Marshal(cachedScore{
		Value:    score.Value,
		Label:    score.Label,
		Vector:   score.Vector,
		Model:    score.Model,
		ScoredAt: timestamp.Now(),
	})
	if err != nil {
		return oracle.Score{}, errors.WrapInvalid(err, "Cache", "Put", "encode score")
	}

	_, err = c.store.SetIfAbsent(ctx, fingerprint, data)
	if err == nil {
		return score, nil
	}
	if errors.Is(err, errors.ErrKeyExists) {
		stored, ok, getErr := c.Get(ctx, fingerprint)
		if getErr == nil && ok {
			return stored, nil
		}
		// Existing entry vanished or is unreadable; our score stands.
		return score, nil
	}
	return oracle.Score{}, errors.WrapTransient(err, "Cache", "Put", "write score")
}
