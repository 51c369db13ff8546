package scoring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpulse/newswire/component"
	"github.com/coinpulse/newswire/dedup"
	"github.com/coinpulse/newswire/errors"
	"github.com/coinpulse/newswire/feed"
	"github.com/coinpulse/newswire/oracle"
	"github.com/coinpulse/newswire/statestore"
	"github.com/coinpulse/newswire/subject"
)

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

type fakePublisher struct {
	mu        sync.Mutex
	published map[string][][]byte
	failSubj  string
}

func (p *fakePublisher) PublishToStream(_ context.Context, subj string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if subj == p.failSubj {
		return errors.ErrNoConnection
	}
	if p.published == nil {
		p.published = make(map[string][][]byte)
	}
	p.published[subj] = append(p.published[subj], append([]byte(nil), data...))
	return nil
}

func (p *fakePublisher) on(subj string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[subj]
}

type fakeOracle struct {
	mu    sync.Mutex
	calls int
	score oracle.Score
	err   error
}

func (o *fakeOracle) Score(_ context.Context, _ string) (oracle.Score, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.err != nil {
		return oracle.Score{}, o.err
	}
	return o.score, nil
}

func (o *fakeOracle) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// flakyStore fails a bounded number of operations before recovering,
// standing in for a state store blip.
type flakyStore struct {
	statestore.Store
	mu       sync.Mutex
	failGets int
	failPuts int
}

func (s *flakyStore) Get(ctx context.Context, key string) (*statestore.Entry, error) {
	s.mu.Lock()
	fail := s.failGets > 0
	if fail {
		s.failGets--
	}
	s.mu.Unlock()
	if fail {
		return nil, errors.WrapTransient(errors.ErrStoreUnavailable, "flakyStore", "Get", key)
	}
	return s.Store.Get(ctx, key)
}

func (s *flakyStore) SetIfAbsent(ctx context.Context, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	fail := s.failPuts > 0
	if fail {
		s.failPuts--
	}
	s.mu.Unlock()
	if fail {
		return 0, errors.WrapTransient(errors.ErrStoreUnavailable, "flakyStore", "SetIfAbsent", key)
	}
	return s.Store.SetIfAbsent(ctx, key, value)
}

type fixture struct {
	service  *Service
	consumer *fakeConsumer
	bus      *fakePublisher
	oracle   *fakeOracle
	ledger   *dedup.Ledger
	cache    *Cache
}

func newFixture(t *testing.T, orc *fakeOracle) *fixture {
	return newFixtureWithStore(t, orc, statestore.NewMemory())
}

func newFixtureWithStore(t *testing.T, orc *fakeOracle, store statestore.Store) *fixture {
	t.Helper()

	consumer := &fakeConsumer{}
	bus := &fakePublisher{}
	cache := NewCache(store)
	ledger := dedup.NewLedger(statestore.NewMemory(), nil)

	svc, err := NewService(Config{StreamName: "NEWSWIRE", Workers: 2, QueueSize: 16},
		component.Dependencies{}, consumer, bus, orc, cache, ledger)
	require.NoError(t, err)
	require.NoError(t, svc.Initialize())
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(2 * time.Second) })

	return &fixture{service: svc, consumer: consumer, bus: bus, oracle: orc, ledger: ledger, cache: cache}
}

func encodedItem(t *testing.T, title string) ([]byte, feed.Item) {
	t.Helper()
	item := feed.Item{
		Fingerprint:        feed.Fingerprint(title, "https://example.com/"+title, "desc"),
		Title:              title,
		Description:        "desc",
		Link:               "https://example.com/" + title,
		PublishedTimestamp: 1000,
		Category:           "bitcoin",
		Source:             "coindesk",
	}
	data, err := feed.NewEnvelope(item).Encode()
	require.NoError(t, err)
	return data, item
}

func TestScoresAndPublishesEnriched(t *testing.T) {
	orc := &fakeOracle{score: oracle.Score{Value: 0.42, Label: "bullish", Model: "test-model"}}
	f := newFixture(t, orc)
	data, item := encodedItem(t, "rally")

	require.NoError(t, f.service.HandleMessage(context.Background(), data))

	msgs := f.bus.on("scored.bitcoin.coindesk")
	require.Len(t, msgs, 1)

	enriched, err := feed.DecodeEnriched(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, item.Fingerprint, enriched.Fingerprint)
	assert.Equal(t, 0.42, enriched.SemanticScore)
	assert.Equal(t, "bullish", enriched.SentimentLabel)
	assert.Equal(t, "test-model", enriched.ScoringModel)
	assert.Positive(t, enriched.ScoredAt)
}

func TestRedeliveryUsesCachedScore(t *testing.T) {
	orc := &fakeOracle{score: oracle.Score{Value: 0.1, Label: "bullish"}}
	f := newFixture(t, orc)
	data, _ := encodedItem(t, "once")

	require.NoError(t, f.service.HandleMessage(context.Background(), data))
	require.NoError(t, f.service.HandleMessage(context.Background(), data))

	assert.Equal(t, 1, orc.callCount())
	assert.Len(t, f.bus.on("scored.bitcoin.coindesk"), 2)
}

func TestPermanentOracleFailureDeadLetters(t *testing.T) {
	orc := &fakeOracle{err: errors.WrapInvalid(errors.ErrOracleUnavailable, "HTTPOracle", "Score", "rejected")}
	f := newFixture(t, orc)
	data, _ := encodedItem(t, "doomed")

	// Terminal outcome is the dead letter; the message still acks.
	require.NoError(t, f.service.HandleMessage(context.Background(), data))

	assert.Equal(t, 1, orc.callCount())
	assert.Empty(t, f.bus.on("scored.bitcoin.coindesk"))

	dead := f.bus.on(subject.DeadLetter)
	require.Len(t, dead, 1)
	env, err := feed.DecodeEnvelope(dead[0])
	require.NoError(t, err)
	assert.Equal(t, "doomed", env.Item.Title)
	assert.Equal(t, 1, env.Attempts)
}

func TestUndecodablePayloadDeadLetters(t *testing.T) {
	orc := &fakeOracle{score: oracle.Score{Value: 0, Label: "neutral"}}
	f := newFixture(t, orc)

	require.NoError(t, f.service.HandleMessage(context.Background(), []byte("not json")))

	dead := f.bus.on(subject.DeadLetter)
	require.Len(t, dead, 1)
	assert.Equal(t, []byte("not json"), dead[0])
	assert.Equal(t, 0, orc.callCount())
}

func TestMalformedItemDeadLetters(t *testing.T) {
	orc := &fakeOracle{score: oracle.Score{Value: 0, Label: "neutral"}}
	f := newFixture(t, orc)

	item := feed.Item{Fingerprint: "abc", Title: "no category", Source: "coindesk"}
	data, err := feed.NewEnvelope(item).Encode()
	require.NoError(t, err)

	require.NoError(t, f.service.HandleMessage(context.Background(), data))

	assert.Len(t, f.bus.on(subject.DeadLetter), 1)
	assert.Equal(t, 0, orc.callCount())
}

func TestScoredPublishFailureRedelivers(t *testing.T) {
	orc := &fakeOracle{score: oracle.Score{Value: 0.3, Label: "bullish"}}
	f := newFixture(t, orc)
	f.bus.failSubj = "scored.bitcoin.coindesk"
	data, _ := encodedItem(t, "flaky-bus")

	err := f.service.HandleMessage(context.Background(), data)
	require.Error(t, err)

	// The score was cached, so the redelivery skips the oracle.
	f.bus.failSubj = ""
	require.NoError(t, f.service.HandleMessage(context.Background(), data))
	assert.Equal(t, 1, orc.callCount())
	assert.Len(t, f.bus.on("scored.bitcoin.coindesk"), 1)
}

func TestTransientCacheFailureRedelivers(t *testing.T) {
	orc := &fakeOracle{score: oracle.Score{Value: 0.5, Label: "bullish"}}
	store := &flakyStore{Store: statestore.NewMemory(), failGets: 1}
	f := newFixtureWithStore(t, orc, store)
	data, _ := encodedItem(t, "kv-blip")

	// A cache store failure is not an oracle verdict: the item must stay
	// on the stream, not go to the dead letter.
	err := f.service.HandleMessage(context.Background(), data)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStoreUnavailable)
	assert.Empty(t, f.bus.on(subject.DeadLetter))
	assert.Equal(t, 0, orc.callCount())

	// The store recovered; redelivery scores and publishes.
	require.NoError(t, f.service.HandleMessage(context.Background(), data))
	assert.Equal(t, 1, orc.callCount())
	assert.Len(t, f.bus.on("scored.bitcoin.coindesk"), 1)
}

func TestCacheWriteFailureStillPublishes(t *testing.T) {
	orc := &fakeOracle{score: oracle.Score{Value: 0.5, Label: "bullish"}}
	store := &flakyStore{Store: statestore.NewMemory(), failPuts: 1}
	f := newFixtureWithStore(t, orc, store)
	data, _ := encodedItem(t, "uncached")

	require.NoError(t, f.service.HandleMessage(context.Background(), data))
	assert.Len(t, f.bus.on("scored.bitcoin.coindesk"), 1)
	assert.Empty(t, f.bus.on(subject.DeadLetter))

	// The write was lost, so the redelivery pays the oracle again.
	require.NoError(t, f.service.HandleMessage(context.Background(), data))
	assert.Equal(t, 2, orc.callCount())
}

func TestLedgerAdvancesToScored(t *testing.T) {
	ctx := context.Background()
	orc := &fakeOracle{score: oracle.Score{Value: 0.2, Label: "bullish"}}
	f := newFixture(t, orc)
	data, item := encodedItem(t, "tracked")

	status, err := f.ledger.Accept(ctx, item.Fingerprint, item.Source)
	require.NoError(t, err)
	require.Equal(t, dedup.Accepted, status)

	require.NoError(t, f.service.HandleMessage(ctx, data))

	mark, err := f.ledger.Mark(ctx, item.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, dedup.StageScored, mark.Stage)
}

func TestServiceLifecycle(t *testing.T) {
	orc := &fakeOracle{score: oracle.Score{}}
	consumer := &fakeConsumer{}
	bus := &fakePublisher{}
	svc, err := NewService(Config{StreamName: "NEWSWIRE"}, component.Dependencies{},
		consumer, bus, orc, NewCache(statestore.NewMemory()), dedup.NewLedger(statestore.NewMemory(), nil))
	require.NoError(t, err)

	assert.Equal(t, "scoring", svc.Name())
	assert.False(t, svc.Health().Healthy)

	require.NoError(t, svc.Initialize())
	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, svc.Health().Healthy)
	assert.NotNil(t, consumer.handler)

	require.NoError(t, svc.Stop(2*time.Second))
	assert.True(t, consumer.stopped)
	assert.False(t, svc.Health().Healthy)
}

func TestConfigDefaultsAndValidation(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.Validate())

	cfg = Config{StreamName: "NEWSWIRE"}
	cfg.applyDefaults()
	assert.Equal(t, "scoring", cfg.DurableName)
	assert.Equal(t, "news.>", cfg.Subject)
	assert.Equal(t, 4, cfg.Workers)
}
