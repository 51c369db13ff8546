// Package oracle scores item text for market sentiment. The production
// implementation embeds the text with an OpenAI-compatible embeddings
// endpoint (TEI, LocalAI, or OpenAI) and derives a scalar score from
// cosine similarity against bullish and bearish anchor phrases.
package oracle

import (
	"context"
	"math"
)

// Score is the oracle's verdict on one text.
type Score struct {
	// Value is the sentiment scalar in [-1, 1]: positive bullish,
	// negative bearish.
	Value float64 `json:"value"`
	// Label is the coarse bucket derived from Value.
	Label string `json:"label"`
	// Vector is the text's embedding, kept for downstream similarity
	// queries.
	Vector []float32 `json:"vector,omitempty"`
	// Model identifies the embedding model used.
	Model string `json:"model"`
}

// Oracle scores text. Implementations classify their failures as
// transient or permanent through the errors package so the caller's
// retry policy can tell the difference.
type Oracle interface {
	Score(ctx context.Context, text string) (Score, error)
}

// Sentiment labels.
const (
	LabelBullish = "bullish"
	LabelBearish = "bearish"
	LabelNeutral = "neutral"
)

// labelFor buckets a score value. The band around zero is neutral.
func labelFor(value float64) string {
	switch {
	case value > 0.05:
		return LabelBullish
	case value < -0.05:
		return LabelBearish
	default:
		return LabelNeutral
	}
}

// CosineSimilarity computes the cosine similarity between two vectors,
// in [-1, 1]. Mismatched or empty vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}

	var dot, magA, magB float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0.0 || magB == 0.0 {
		return 0.0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
