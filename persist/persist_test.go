package persist

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpulse/newswire/component"
	"github.com/coinpulse/newswire/dedup"
	"github.com/coinpulse/newswire/errors"
	"github.com/coinpulse/newswire/feed"
	"github.com/coinpulse/newswire/statestore"
)

type fakeStore struct {
	mu       sync.Mutex
	items    map[string]feed.EnrichedItem
	upserts  int
	failNext error
	pingErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: make(map[string]feed.EnrichedItem)}
}

func (s *fakeStore) UpsertItem(_ context.Context, item feed.EnrichedItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	s.upserts++
	s.items[item.Fingerprint] = item
	return nil
}

func (s *fakeStore) UpsertAccount(_ context.Context, _ []byte, _ int64) error { return nil }

func (s *fakeStore) Ping(_ context.Context) error { return s.pingErr }

func (s *fakeStore) Close() {}

type fakeConsumer struct {
	mu      sync.Mutex
	handler func(context.Context, []byte) error
	stopped bool
}

func (c *fakeConsumer) ConsumeStream(_ context.Context, _, _, _ string,
	handler func(context.Context, []byte) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
	return nil
}

func (c *fakeConsumer) StopConsumer(_, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}

func newService(t *testing.T, store Store) (*Service, *dedup.Ledger) {
	t.Helper()
	ledger := dedup.NewLedger(statestore.NewMemory(), nil)
	svc, err := NewService(Config{StreamName: "NEWSWIRE"}, component.Dependencies{},
		&fakeConsumer{}, store, ledger)
	require.NoError(t, err)
	require.NoError(t, svc.Initialize())
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(time.Second) })
	return svc, ledger
}

func enrichedPayload(t *testing.T, title string) ([]byte, feed.EnrichedItem) {
	t.Helper()
	item := feed.EnrichedItem{
		Item: feed.Item{
			Fingerprint:        feed.Fingerprint(title, "https://example.com/"+title, "desc"),
			Title:              title,
			Link:               "https://example.com/" + title,
			Description:        "desc",
			PublishedTimestamp: 1000,
			Category:           "bitcoin",
			Source:             "coindesk",
		},
		SemanticScore:  0.5,
		SentimentLabel: "bullish",
		ScoredAt:       2000,
	}
	data, err := feed.EncodeEnriched(item)
	require.NoError(t, err)
	return data, item
}

func TestPersistsEnrichedItem(t *testing.T) {
	store := newFakeStore()
	svc, ledger := newService(t, store)
	data, item := enrichedPayload(t, "persisted")

	require.NoError(t, svc.HandleMessage(context.Background(), data))

	got, ok := store.items[item.Fingerprint]
	require.True(t, ok)
	assert.Equal(t, item.Title, got.Title)
	assert.Equal(t, 0.5, got.SemanticScore)

	mark, err := ledger.Mark(context.Background(), item.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, dedup.StagePersisted, mark.Stage)
}

func TestDoubleUpsertIsNoOpInEffect(t *testing.T) {
	store := newFakeStore()
	svc, _ := newService(t, store)
	data, item := enrichedPayload(t, "replayed")

	require.NoError(t, svc.HandleMessage(context.Background(), data))
	require.NoError(t, svc.HandleMessage(context.Background(), data))

	assert.Equal(t, 2, store.upserts)
	assert.Len(t, store.items, 1)
	assert.Equal(t, item.Title, store.items[item.Fingerprint].Title)
}

func TestUpsertFailureRedelivers(t *testing.T) {
	store := newFakeStore()
	svc, _ := newService(t, store)
	data, item := enrichedPayload(t, "flaky")

	store.failNext = errors.ErrStoreUnavailable
	err := svc.HandleMessage(context.Background(), data)
	require.ErrorIs(t, err, errors.ErrStoreUnavailable)

	require.NoError(t, svc.HandleMessage(context.Background(), data))
	assert.Contains(t, store.items, item.Fingerprint)
}

func TestMalformedPayloadsDroppedWithoutRedelivery(t *testing.T) {
	store := newFakeStore()
	svc, _ := newService(t, store)

	require.NoError(t, svc.HandleMessage(context.Background(), []byte("not json")))

	missing := feed.EnrichedItem{Item: feed.Item{Title: "no fingerprint", Category: "c", Source: "s"}}
	data, err := feed.EncodeEnriched(missing)
	require.NoError(t, err)
	require.NoError(t, svc.HandleMessage(context.Background(), data))

	assert.Empty(t, store.items)
}

func TestHealthReflectsStorePing(t *testing.T) {
	store := newFakeStore()
	svc, _ := newService(t, store)

	assert.True(t, svc.Health().Healthy)

	store.pingErr = errors.ErrStoreUnavailable
	health := svc.Health()
	assert.False(t, health.Healthy)
	assert.NotEmpty(t, health.Detail)
}

func TestUpsertStatementShape(t *testing.T) {
	assert.Contains(t, upsertItemSQL, "INSERT INTO news_items")
	assert.Contains(t, upsertItemSQL, "ON CONFLICT (fingerprint) DO UPDATE")
	// Full replacement: every mutable column is overwritten.
	for _, col := range []string{
		"title", "link", "description", "article", "published_at", "fetched_at",
		"category", "author", "source", "semantic_score", "sentiment_label",
		"score_vector", "scoring_model", "scored_at",
	} {
		assert.Contains(t, upsertItemSQL, col+" = EXCLUDED."+col)
	}

	assert.Contains(t, upsertAccountSQL, "ON CONFLICT (public_key) DO NOTHING")
	assert.Equal(t, 16, strings.Count(upsertItemSQL, "$"))
}
