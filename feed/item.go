// Package feed defines the newswire data model and the feed-source
// collaborators: content fingerprinting, RSS polling, and full-article
// extraction.
package feed

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/coinpulse/newswire/errors"
)

// Item is one ingested piece of content. Fingerprint is its primary
// identity everywhere downstream: the dedup ledger, the score cache, and
// the durable store are all keyed by it.
type Item struct {
	Fingerprint        string `json:"fingerprint"`
	Title              string `json:"title"`
	Link               string `json:"link"`
	Description        string `json:"description"`
	Article            string `json:"article,omitempty"`
	PublishedTimestamp int64  `json:"published_timestamp"` // Unix ms
	FetchedTimestamp   int64  `json:"fetched_timestamp"`   // Unix ms
	CommentsURL        string `json:"comments_url,omitempty"`
	Category           string `json:"category"`
	Author             string `json:"author"`
	Source             string `json:"source"`
}

// Validate checks the fields routing and identity depend on.
// A validation failure means the item is logged and dropped, never
// retried.
func (it *Item) Validate() error {
	if it.Fingerprint == "" {
		return errors.WrapInvalid(errors.ErrMalformedItem, "Item", "Validate", "empty fingerprint")
	}
	if it.Title == "" && it.Description == "" {
		return errors.WrapInvalid(errors.ErrMalformedItem, "Item", "Validate", "no content")
	}
	if it.Category == "" {
		return errors.WrapInvalid(errors.ErrMalformedItem, "Item", "Validate", "empty category")
	}
	if it.Source == "" {
		return errors.WrapInvalid(errors.ErrMalformedItem, "Item", "Validate", "empty source")
	}
	return nil
}

// ScoringText returns the text handed to the scoring oracle: the full
// article when extraction succeeded, otherwise title plus description.
func (it *Item) ScoringText() string {
	if it.Article != "" {
		return it.Article
	}
	if it.Description == "" {
		return it.Title
	}
	return it.Title + ". " + it.Description
}

// EnrichedItem is an Item plus its semantic score. Created only after a
// successful oracle call; replaced whole (never mutated) keyed by
// fingerprint.
type EnrichedItem struct {
	Item
	SemanticScore  float64   `json:"semantic_score"`
	SentimentLabel string    `json:"sentiment_label,omitempty"`
	ScoreVector    []float32 `json:"score_vector,omitempty"`
	ScoringModel   string    `json:"scoring_model,omitempty"`
	ScoredAt       int64     `json:"scored_at"` // Unix ms
}

// Envelope is the wire form carried on the bus. The ID is per publish
// attempt (redeliveries share it); identity for all idempotence decisions
// is the item fingerprint, never the envelope ID.
type Envelope struct {
	ID       string `json:"id"`
	Attempts int    `json:"attempts,omitempty"`
	Item     Item   `json:"item"`
}

// NewEnvelope wraps an item for publishing.
func NewEnvelope(item Item) Envelope {
	return Envelope{ID: uuid.NewString(), Item: item}
}

// Encode marshals the envelope for the bus.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "Encode", "marshal")
	}
	return data, nil
}

// DecodeEnvelope unmarshals a bus payload back into an envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedItem, err),
			"Envelope", "Decode", "unmarshal")
	}
	return e, nil
}

// EncodeEnriched marshals an enriched item for the scored subject.
func EncodeEnriched(e EnrichedItem) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "EnrichedItem", "Encode", "marshal")
	}
	return data, nil
}

// DecodeEnriched unmarshals a scored-subject payload.
func DecodeEnriched(data []byte) (EnrichedItem, error) {
	var e EnrichedItem
	if err := json.Unmarshal(data, &e); err != nil {
		return EnrichedItem{}, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedItem, err),
			"EnrichedItem", "Decode", "unmarshal")
	}
	return e, nil
}
