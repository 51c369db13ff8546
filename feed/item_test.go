package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpulse/newswire/errors"
)

func validItem() Item {
	return Item{
		Fingerprint:        Fingerprint("Title", "https://example.com/a", "Desc"),
		Title:              "Title",
		Link:               "https://example.com/a",
		Description:        "Desc",
		PublishedTimestamp: 1700000000000,
		FetchedTimestamp:   1700000001000,
		Category:           "bitcoin",
		Source:             "coindesk",
	}
}

func TestItemValidate(t *testing.T) {
	item := validItem()
	assert.NoError(t, item.Validate())

	tests := []struct {
		name   string
		mutate func(*Item)
	}{
		{"empty fingerprint", func(it *Item) { it.Fingerprint = "" }},
		{"no content", func(it *Item) { it.Title = ""; it.Description = "" }},
		{"empty category", func(it *Item) { it.Category = "" }},
		{"empty source", func(it *Item) { it.Source = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := validItem()
			tt.mutate(&it)
			err := it.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrMalformedItem))
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestScoringText(t *testing.T) {
	it := validItem()
	assert.Equal(t, "Title. Desc", it.ScoringText())

	it.Article = "Full article body."
	assert.Equal(t, "Full article body.", it.ScoringText())

	it = validItem()
	it.Description = ""
	assert.Equal(t, "Title", it.ScoringText())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEnvelope(validItem())
	require.NotEmpty(t, env.ID)

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte("{not json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMalformedItem))
}

func TestEnrichedRoundTrip(t *testing.T) {
	enriched := EnrichedItem{
		Item:           validItem(),
		SemanticScore:  0.42,
		SentimentLabel: "bullish",
		ScoringModel:   "text-embedding-3-small",
		ScoredAt:       1700000002000,
	}
	data, err := EncodeEnriched(enriched)
	require.NoError(t, err)

	decoded, err := DecodeEnriched(data)
	require.NoError(t, err)
	assert.Equal(t, enriched, decoded)
}
