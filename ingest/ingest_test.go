package ingest

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
	"github.com/coinpulse/newswire/lease"
	"github.com/coinpulse/newswire/statestore"
)

type fakeBus struct {
	mu        sync.Mutex
	published []busMessage
	fail      bool
}

type busMessage struct {
	Subject string
	Data    []byte
}

func (b *fakeBus) PublishToStream(_ context.Context, subj string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.ErrNoConnection
	}
	b.published = append(b.published, busMessage{Subject: subj, Data: data})
	return nil
}

func (b *fakeBus) messages() []busMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]busMessage(nil), b.published...)
}

type fakeFetcher struct {
	mu    sync.Mutex
	items map[string][]feed.Item
	err   error
	calls int
	lastW map[string]int64
}

func (f *fakeFetcher) FetchSince(_ context.Context, src feed.Source, watermark int64) ([]feed.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.lastW == nil {
		f.lastW = make(map[string]int64)
	}
	f.lastW[src.Name] = watermark
	if f.err != nil {
		return nil, f.err
	}
	var out []feed.Item
	for _, it := range f.items[src.Name] {
		if it.PublishedTimestamp > watermark {
			out = append(out, it)
		}
	}
	return out, nil
}

type harness struct {
	worker     *Worker
	bus        *fakeBus
	fetcher    *fakeFetcher
	leases     *lease.Coordinator
	watermarks *Watermarks
	ledger     *dedup.Ledger
}

func newHarness(t *testing.T, cfg Config, fetcher *fakeFetcher) *harness {
	t.Helper()

	leaseStore := statestore.NewMemory()
	coord := lease.NewCoordinator(leaseStore, nil)
	watermarks := NewWatermarks(statestore.NewMemory(), coord)
	ledger := dedup.NewLedger(statestore.NewMemory(), nil)
	bus := &fakeBus{}

	w, err := NewWorker(cfg, component.Dependencies{}, bus, fetcher, nil, ledger, coord, watermarks)
	require.NoError(t, err)
	require.NoError(t, w.Initialize())

	return &harness{
		worker:     w,
		bus:        bus,
		fetcher:    fetcher,
		leases:     coord,
		watermarks: watermarks,
		ledger:     ledger,
	}
}

func testItem(title, source string, published int64) feed.Item {
	link := "https://example.com/" + title
	return feed.Item{
		Fingerprint:        feed.Fingerprint(title, link, "desc"),
		Title:              title,
		Link:               link,
		Description:        "desc",
		PublishedTimestamp: published,
		FetchedTimestamp:   published + 1,
		Category:           "bitcoin",
		Source:             source,
	}
}

func TestCyclePublishesAndAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{items: map[string][]feed.Item{
		"coindesk": {
			testItem("one", "coindesk", 1000),
			testItem("two", "coindesk", 2000),
		},
	}}
	h := newHarness(t, Config{
		Sources:  []feed.Source{{Name: "coindesk", URL: "https://example.com/rss"}},
		WorkerID: "w1",
	}, fetcher)

	h.worker.RunCycle(ctx)

	msgs := h.bus.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "news.bitcoin.coindesk", msgs[0].Subject)

	env, err := feed.DecodeEnvelope(msgs[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "one", env.Item.Title)

	wm, err := h.watermarks.Get(ctx, "coindesk")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), wm)

	// Lease released at cycle end.
	_, held, err := h.leases.Holder(ctx, "source/coindesk")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestCycleSuppressesDuplicates(t *testing.T) {
	ctx := context.Background()
	item := testItem("shared", "coindesk", 1000)
	cross := item
	cross.Source = "cointelegraph"
	cross.PublishedTimestamp = 1500

	fetcher := &fakeFetcher{items: map[string][]feed.Item{
		"coindesk":      {item},
		"cointelegraph": {cross},
	}}
	h := newHarness(t, Config{
		Sources: []feed.Source{
			{Name: "coindesk", URL: "https://example.com/a"},
			{Name: "cointelegraph", URL: "https://example.com/b"},
		},
		WorkerID: "w1",
	}, fetcher)

	h.worker.RunCycle(ctx)

	// Identical content fetched from both sources is published once.
	assert.Len(t, h.bus.messages(), 1)

	// The duplicate source's watermark still advanced.
	wm, err := h.watermarks.Get(ctx, "cointelegraph")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), wm)
}

func TestCycleSecondRunFetchesPastWatermark(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{items: map[string][]feed.Item{
		"coindesk": {testItem("one", "coindesk", 1000)},
	}}
	h := newHarness(t, Config{
		Sources:  []feed.Source{{Name: "coindesk", URL: "https://example.com/rss"}},
		WorkerID: "w1",
	}, fetcher)

	h.worker.RunCycle(ctx)
	require.Len(t, h.bus.messages(), 1)

	h.worker.RunCycle(ctx)
	assert.Len(t, h.bus.messages(), 1)
	assert.Equal(t, int64(1000), fetcher.lastW["coindesk"])
}

type fakeExtractor struct {
	article string
	err     error
	calls   int
}

func (e *fakeExtractor) Extract(_ context.Context, _ string) (string, error) {
	e.calls++
	if e.err != nil {
		return "", e.err
	}
	return e.article, nil
}

func TestCycleAttachesExtractedArticle(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{items: map[string][]feed.Item{
		"coindesk": {testItem("deep-dive", "coindesk", 1000)},
	}}
	h := newHarness(t, Config{
		Sources:  []feed.Source{{Name: "coindesk", URL: "https://example.com/rss"}},
		WorkerID: "w1",
	}, fetcher)
	extractor := &fakeExtractor{article: "Full article body."}
	h.worker.extractor = extractor

	h.worker.RunCycle(ctx)

	msgs := h.bus.messages()
	require.Len(t, msgs, 1)
	env, err := feed.DecodeEnvelope(msgs[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "Full article body.", env.Item.Article)
	assert.Equal(t, 1, extractor.calls)
}

func TestCyclePublishesWhenExtractionFails(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{items: map[string][]feed.Item{
		"coindesk": {testItem("stub-only", "coindesk", 1000)},
	}}
	h := newHarness(t, Config{
		Sources:  []feed.Source{{Name: "coindesk", URL: "https://example.com/rss"}},
		WorkerID: "w1",
	}, fetcher)
	h.worker.extractor = &fakeExtractor{err: errors.ErrConnectionTimeout}

	h.worker.RunCycle(ctx)

	msgs := h.bus.messages()
	require.Len(t, msgs, 1)
	env, err := feed.DecodeEnvelope(msgs[0].Data)
	require.NoError(t, err)
	assert.Empty(t, env.Item.Article)
}

func TestCycleDropsMalformedItems(t *testing.T) {
	ctx := context.Background()
	bad := testItem("bad", "coindesk", 1000)
	bad.Category = ""
	fetcher := &fakeFetcher{items: map[string][]feed.Item{
		"coindesk": {bad, testItem("good", "coindesk", 2000)},
	}}
	h := newHarness(t, Config{
		Sources:  []feed.Source{{Name: "coindesk", URL: "https://example.com/rss"}},
		WorkerID: "w1",
	}, fetcher)

	h.worker.RunCycle(ctx)

	msgs := h.bus.messages()
	require.Len(t, msgs, 1)
	env, err := feed.DecodeEnvelope(msgs[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "good", env.Item.Title)
}

func TestCycleSkipsLeasedSource(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{items: map[string][]feed.Item{
		"coindesk": {testItem("one", "coindesk", 1000)},
	}}
	h := newHarness(t, Config{
		Sources:  []feed.Source{{Name: "coindesk", URL: "https://example.com/rss"}},
		WorkerID: "w1",
	}, fetcher)

	// Another replica holds the source.
	granted, err := h.leases.Acquire(ctx, "source/coindesk", "other-replica", time.Minute)
	require.NoError(t, err)
	require.True(t, granted)

	h.worker.RunCycle(ctx)

	assert.Empty(t, h.bus.messages())
	assert.Equal(t, 0, fetcher.calls)
}

func TestCycleSkipsSourceOnFetchFailure(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{err: errors.ErrConnectionTimeout}
	h := newHarness(t, Config{
		Sources:  []feed.Source{{Name: "coindesk", URL: "https://example.com/rss"}},
		WorkerID: "w1",
	}, fetcher)

	h.worker.RunCycle(ctx)

	assert.Empty(t, h.bus.messages())
	// Retried up to the budget, then gave up.
	assert.Equal(t, 3, fetcher.calls)

	// Lease released so the next cycle can retry.
	_, held, err := h.leases.Holder(ctx, "source/coindesk")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestCycleStopsOnPublishFailure(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{items: map[string][]feed.Item{
		"coindesk": {testItem("one", "coindesk", 1000)},
	}}
	h := newHarness(t, Config{
		Sources:  []feed.Source{{Name: "coindesk", URL: "https://example.com/rss"}},
		WorkerID: "w1",
	}, fetcher)
	h.bus.fail = true

	h.worker.RunCycle(ctx)

	// Watermark must not move past an unpublished item.
	wm, err := h.watermarks.Get(ctx, "coindesk")
	require.NoError(t, err)
	assert.Equal(t, int64(0), wm)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.Validate())

	cfg = Config{Sources: []feed.Source{{Name: "x"}}}
	assert.Error(t, cfg.Validate())

	cfg = Config{Sources: []feed.Source{{Name: "x", URL: "https://example.com"}}}
	assert.NoError(t, cfg.Validate())
}

func TestWorkerLifecycle(t *testing.T) {
	fetcher := &fakeFetcher{}
	h := newHarness(t, Config{
		Sources:  []feed.Source{{Name: "coindesk", URL: "https://example.com/rss"}},
		Schedule: "@every 1h",
		WorkerID: "w1",
	}, fetcher)

	assert.Equal(t, "ingest", h.worker.Name())
	assert.False(t, h.worker.Health().Healthy)

	require.NoError(t, h.worker.Start(context.Background()))
	assert.True(t, h.worker.Health().Healthy)

	require.NoError(t, h.worker.Stop(5*time.Second))
	assert.False(t, h.worker.Health().Healthy)
}
