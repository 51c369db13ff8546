package oracle

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/coinpulse/newswire/errors"
)

// Default anchor phrases. Sentiment is the difference between the
// text's mean similarity to the bullish set and to the bearish set.
var (
	defaultBullishAnchors = []string{
		"price surges to record high on strong buying momentum",
		"bullish rally as adoption and investment accelerate",
		"major breakthrough drives optimism and gains across the market",
	}
	defaultBearishAnchors = []string{
		"price crashes in heavy selloff as panic spreads",
		"bearish collapse amid hack, fraud and regulatory crackdown",
		"losses deepen as liquidations and bankruptcy fears mount",
	}
)

// HTTPConfig configures the HTTP oracle.
type HTTPConfig struct {
	// BaseURL of the OpenAI-compatible embeddings endpoint, e.g.
	// "http://localhost:8082/v1" for TEI or "https://api.openai.com/v1".
	BaseURL string
	// Model is the embedding model identifier.
	Model string
	// APIKey is optional for local services.
	APIKey string
	// Timeout per API call (default 30s).
	Timeout time.Duration
	// BullishAnchors and BearishAnchors override the default anchor
	// phrases.
	BullishAnchors []string
	BearishAnchors []string
}

// HTTPOracle scores text through an embeddings endpoint. Anchor
// embeddings are fetched once, lazily, on the first Score call and
// reused for the process lifetime.
type HTTPOracle struct {
	client  *openai.Client
	model   string
	bullish []string
	bearish []string

	anchorMu     sync.Mutex
	anchorsReady bool
	bullishVec   [][]float32
	bearishVec   [][]float32
}

// NewHTTPOracle builds an oracle for the configured endpoint.
func NewHTTPOracle(cfg HTTPConfig) (*HTTPOracle, error) {
	if cfg.BaseURL == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("base_url is required"), "HTTPOracle", "New", "validate config")
	}
	if cfg.Model == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("model is required"), "HTTPOracle", "New", "validate config")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "dummy-key" // local services don't check it
	}

	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = cfg.BaseURL
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	bullish := cfg.BullishAnchors
	if len(bullish) == 0 {
		bullish = defaultBullishAnchors
	}
	bearish := cfg.BearishAnchors
	if len(bearish) == 0 {
		bearish = defaultBearishAnchors
	}

	return &HTTPOracle{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		bullish: bullish,
		bearish: bearish,
	}, nil
}

// Model returns the embedding model identifier.
func (o *HTTPOracle) Model() string {
	return o.model
}

// Score embeds the text and derives the sentiment scalar from its
// similarity to the anchor sets, clamped to [-1, 1].
func (o *HTTPOracle) Score(ctx context.Context, text string) (Score, error) {
	if strings.TrimSpace(text) == "" {
		return Score{}, errors.WrapInvalid(
			fmt.Errorf("empty text"), "HTTPOracle", "Score", "validate input")
	}

	if err := o.ensureAnchors(ctx); err != nil {
		return Score{}, err
	}

	vecs, err := o.embed(ctx, []string{text})
	if err != nil {
		return Score{}, err
	}
	vec := vecs[0]

	value := clamp(meanSimilarity(vec, o.bullishVec)-meanSimilarity(vec, o.bearishVec), -1, 1)

	return Score{
		Value:  value,
		Label:  labelFor(value),
		Vector: vec,
		Model:  o.model,
	}, nil
}

// ensureAnchors embeds the anchor phrases on first use. A failed fetch
// leaves the anchors unset so the next call retries rather than caching
// the failure forever.
func (o *HTTPOracle) ensureAnchors(ctx context.Context) error {
	o.anchorMu.Lock()
	defer o.anchorMu.Unlock()

	if o.anchorsReady {
		return nil
	}

	texts := make([]string, 0, len(o.bullish)+len(o.bearish))
	texts = append(texts, o.bullish...)
	texts = append(texts, o.bearish...)

	vecs, err := o.embed(ctx, texts)
	if err != nil {
		return err
	}
	o.bullishVec = vecs[:len(o.bullish)]
	o.bearishVec = vecs[len(o.bullish):]
	o.anchorsReady = true
	return nil
}

func (o *HTTPOracle) embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(o.model),
	})
	if err != nil {
		return nil, classifyAPIError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.WrapTransient(
			fmt.Errorf("API returned %d embeddings for %d texts", len(resp.Data), len(texts)),
			"HTTPOracle", "embed", "embeddings call")
	}

	vecs := make([][]float32, len(texts))
	for i, data := range resp.Data {
		vecs[i] = data.Embedding
	}
	return vecs, nil
}

// classifyAPIError decides whether an embeddings failure is worth
// retrying. Auth and request-shape failures are permanent; everything
// else (timeouts, 5xx, rate limits) is transient.
func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden,
			http.StatusNotFound, http.StatusUnprocessableEntity:
			return errors.WrapInvalid(err, "HTTPOracle", "embed", "embeddings call")
		}
	}
	return errors.WrapTransient(
		fmt.Errorf("%w: %v", errors.ErrOracleUnavailable, err),
		"HTTPOracle", "embed", "embeddings call")
}

func meanSimilarity(vec []float32, anchors [][]float32) float64 {
	if len(anchors) == 0 {
		return 0
	}
	var sum float64
	for _, a := range anchors {
		sum += CosineSimilarity(vec, a)
	}
	return sum / float64(len(anchors))
}
