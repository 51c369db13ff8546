// Package ingest runs the feed-polling stage: on a cron schedule it
// leases each configured source, fetches entries past the source
// watermark, admits them through the dedup ledger, and publishes the
// survivors onto the bus in published order.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/coinpulse/newswire/component"
	"github.com/coinpulse/newswire/dedup"
	"github.com/coinpulse/newswire/errors"
	"github.com/coinpulse/newswire/feed"
	"github.com/coinpulse/newswire/lease"
	"github.com/coinpulse/newswire/pkg/retry"
	"github.com/coinpulse/newswire/subject"
)

const componentName = "ingest"

// Publisher publishes to the durable stream. Satisfied by
// natsclient.Client; faked in tests.
type Publisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Fetcher polls one source. Satisfied by feed.Fetcher.
type Fetcher interface {
	FetchSince(ctx context.Context, src feed.Source, watermark int64) ([]feed.Item, error)
}

// Extractor pulls full article text from an item link. Satisfied by
// feed.Extractor; nil disables extraction.
type Extractor interface {
	Extract(ctx context.Context, url string) (string, error)
}

// Config configures the ingestion worker.
type Config struct {
	// Sources are the feeds to poll.
	Sources []feed.Source
	// Schedule is a cron expression for poll cycles, e.g. "@every 10m".
	Schedule string
	// LeaseTTL is the per-source lease term.
	LeaseTTL time.Duration
	// WorkerID identifies this replica as a lease holder.
	WorkerID string
}

func (c *Config) applyDefaults() {
	if c.Schedule == "" {
		c.Schedule = "@every 10m"
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.WorkerID == "" {
		c.WorkerID = "ingest-worker"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "no sources configured")
	}
	for _, src := range c.Sources {
		if src.Name == "" || src.URL == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("source %q needs name and url", src.Name))
		}
	}
	return nil
}

// Worker is the ingestion lifecycle component.
type Worker struct {
	config     Config
	publisher  Publisher
	fetcher    Fetcher
	extractor  Extractor
	ledger     *dedup.Ledger
	leases     *lease.Coordinator
	watermarks *Watermarks
	logger     *slog.Logger

	cron    *cron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	cycleMu sync.Mutex // one cycle at a time

	mu    sync.RWMutex
	state component.State

	metrics *workerMetrics
	deps    component.Dependencies
}

type workerMetrics struct {
	itemsFetched   *prometheus.CounterVec
	itemsAccepted  *prometheus.CounterVec
	itemsDuplicate *prometheus.CounterVec
	itemsMalformed *prometheus.CounterVec
	fetchFailures  *prometheus.CounterVec
	leaseDenials   *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	watermark      *prometheus.GaugeVec
}

// NewWorker builds the ingestion worker.
func NewWorker(cfg Config, deps component.Dependencies, publisher Publisher, fetcher Fetcher,
	extractor Extractor, ledger *dedup.Ledger, leases *lease.Coordinator,
	watermarks *Watermarks) (*Worker, error) {

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Worker{
		config:     cfg,
		publisher:  publisher,
		fetcher:    fetcher,
		extractor:  extractor,
		ledger:     ledger,
		leases:     leases,
		watermarks: watermarks,
		logger:     deps.GetLoggerWithComponent(componentName),
		state:      component.StateCreated,
		deps:       deps,
	}, nil
}

// Name returns the component name.
func (w *Worker) Name() string { return componentName }

// Initialize registers metrics and validates the schedule.
func (w *Worker) Initialize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != component.StateCreated {
		return errors.ErrAlreadyStarted
	}

	w.cron = cron.New()
	if _, err := cron.ParseStandard(w.config.Schedule); err != nil {
		w.state = component.StateFailed
		return errors.WrapInvalid(err, "Worker", "Initialize", "parse schedule")
	}

	if err := w.initMetrics(); err != nil {
		w.state = component.StateFailed
		return err
	}

	w.state = component.StateInitialized
	return nil
}

// Start schedules poll cycles and runs the first one immediately.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != component.StateInitialized {
		w.mu.Unlock()
		return errors.ErrNotStarted
	}
	w.runCtx, w.cancel = context.WithCancel(ctx)
	w.state = component.StateStarted
	w.mu.Unlock()

	if _, err := w.cron.AddFunc(w.config.Schedule, func() {
		w.RunCycle(w.runCtx)
	}); err != nil {
		return errors.WrapInvalid(err, "Worker", "Start", "schedule cycles")
	}
	w.cron.Start()

	go w.RunCycle(w.runCtx)

	w.logger.Info("ingestion started",
		"sources", len(w.config.Sources), "schedule", w.config.Schedule)
	return nil
}

// Stop halts scheduling and waits for the running cycle to finish.
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if w.state != component.StateStarted {
		w.mu.Unlock()
		return nil
	}
	w.state = component.StateStopped
	cancel := w.cancel
	w.mu.Unlock()

	stopCtx := w.cron.Stop()
	cancel()

	select {
	case <-stopCtx.Done():
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("cycle still running after %v", timeout),
			"Worker", "Stop", "stop ingestion")
	}
	return nil
}

// Health reports the component health snapshot.
func (w *Worker) Health() component.Health {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return component.Health{
		Name:    componentName,
		State:   w.state.String(),
		Healthy: w.state == component.StateStarted,
	}
}

// RunCycle polls every configured source once. Cycles never overlap; a
// cycle still running when the next tick fires absorbs it.
func (w *Worker) RunCycle(ctx context.Context) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	start := time.Now()
	for _, src := range w.config.Sources {
		if ctx.Err() != nil {
			return
		}
		w.pollSource(ctx, src)
	}
	if w.metrics != nil {
		w.metrics.cycleDuration.Observe(time.Since(start).Seconds())
	}
}

// pollSource runs the leased fetch-admit-publish sequence for one
// source. Failures skip the source for this cycle; the next cycle
// starts over from the durable watermark.
func (w *Worker) pollSource(ctx context.Context, src feed.Source) {
	resource := leaseResource(src.Name)

	granted, err := w.leases.Acquire(ctx, resource, w.config.WorkerID, w.config.LeaseTTL)
	if err != nil {
		w.logger.Warn("lease acquisition failed", "source", src.Name, "error", err)
		return
	}
	if !granted {
		if w.metrics != nil {
			w.metrics.leaseDenials.WithLabelValues(src.Name).Inc()
		}
		w.logger.Debug("lease denied, another replica owns the source", "source", src.Name)
		return
	}

	keeper := lease.NewKeeper(ctx, w.leases, resource, w.config.WorkerID, w.config.LeaseTTL, w.logger)
	defer func() {
		keeper.Stop()
		if err := w.leases.Release(ctx, resource, w.config.WorkerID); err != nil {
			w.logger.Warn("lease release failed", "source", src.Name, "error", err)
		}
	}()

	watermark, err := w.watermarks.Get(ctx, src.Name)
	if err != nil {
		w.logger.Error("watermark read failed", "source", src.Name, "error", err)
		return
	}

	items, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() ([]feed.Item, error) {
		return w.fetcher.FetchSince(ctx, src, watermark)
	})
	if err != nil {
		if w.metrics != nil {
			w.metrics.fetchFailures.WithLabelValues(src.Name).Inc()
		}
		w.logger.Warn("fetch failed after retries, skipping source this cycle",
			"source", src.Name, "error", err)
		return
	}
	if w.metrics != nil {
		w.metrics.itemsFetched.WithLabelValues(src.Name).Add(float64(len(items)))
	}

	for _, item := range items {
		select {
		case <-keeper.Done():
			w.logger.Warn("lease lost mid-cycle, abandoning source", "source", src.Name)
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := w.processItem(ctx, src, item); err != nil {
			if errors.Is(err, errors.ErrLeaseLost) {
				w.logger.Warn("lease lost at watermark write, abandoning source", "source", src.Name)
				return
			}
			// Store or bus trouble: stop here so the watermark stays
			// behind the unpublished items.
			w.logger.Error("item processing failed, abandoning source this cycle",
				"source", src.Name, "fingerprint", item.Fingerprint, "error", err)
			return
		}
	}
}

func (w *Worker) processItem(ctx context.Context, src feed.Source, item feed.Item) error {
	if err := item.Validate(); err != nil {
		if w.metrics != nil {
			w.metrics.itemsMalformed.WithLabelValues(src.Name).Inc()
		}
		w.logger.Warn("malformed item dropped",
			"source", src.Name, "link", item.Link, "error", err)
		return nil
	}

	status, err := w.ledger.Accept(ctx, item.Fingerprint, src.Name)
	if err != nil {
		return err
	}
	if status == dedup.Duplicate {
		if w.metrics != nil {
			w.metrics.itemsDuplicate.WithLabelValues(src.Name).Inc()
		}
		// Already on the bus (or past it); still advance the watermark
		// so the next cycle does not refetch it.
		return w.advanceWatermark(ctx, src, item)
	}

	w.extractArticle(ctx, &item)

	subj, err := subject.Build(subject.Metadata{Category: item.Category, Source: item.Source})
	if err != nil {
		// Category passed validation but failed sanitization; count as
		// malformed rather than poisoning the cycle.
		if w.metrics != nil {
			w.metrics.itemsMalformed.WithLabelValues(src.Name).Inc()
		}
		w.logger.Warn("unroutable item dropped",
			"source", src.Name, "category", item.Category, "error", err)
		return nil
	}

	data, err := feed.NewEnvelope(item).Encode()
	if err != nil {
		return err
	}
	if err := w.publisher.PublishToStream(ctx, subj.String(), data); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.itemsAccepted.WithLabelValues(src.Name).Inc()
	}

	if err := w.ledger.Advance(ctx, item.Fingerprint, dedup.StageAccepted); err != nil {
		w.logger.Warn("ledger advance failed", "fingerprint", item.Fingerprint, "error", err)
	}

	return w.advanceWatermark(ctx, src, item)
}

// extractArticle fills item.Article from the link when an extractor is
// wired. Extraction is best effort; the title and description already
// carry enough text to score.
func (w *Worker) extractArticle(ctx context.Context, item *feed.Item) {
	if w.extractor == nil || item.Link == "" || item.Article != "" {
		return
	}
	article, err := w.extractor.Extract(ctx, item.Link)
	if err != nil {
		w.logger.Debug("article extraction failed",
			"link", item.Link, "error", err)
		return
	}
	item.Article = article
}

func (w *Worker) advanceWatermark(ctx context.Context, src feed.Source, item feed.Item) error {
	if item.PublishedTimestamp <= 0 {
		return nil
	}
	err := w.watermarks.Advance(ctx, src.Name, leaseResource(src.Name),
		w.config.WorkerID, item.PublishedTimestamp)
	if err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.watermark.WithLabelValues(src.Name).Set(float64(item.PublishedTimestamp))
	}
	return nil
}

func (w *Worker) initMetrics() error {
	registry := w.deps.MetricsRegistry
	if registry == nil {
		return nil
	}

	m := &workerMetrics{
		itemsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_ingest_items_fetched_total",
			Help: "Items returned by feed fetches",
		}, []string{"source"}),
		itemsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_ingest_items_accepted_total",
			Help: "Items admitted and published to the bus",
		}, []string{"source"}),
		itemsDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_ingest_items_duplicate_total",
			Help: "Items suppressed as duplicates",
		}, []string{"source"}),
		itemsMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_ingest_items_malformed_total",
			Help: "Items dropped by validation",
		}, []string{"source"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_ingest_fetch_failures_total",
			Help: "Fetch attempts that exhausted the retry budget",
		}, []string{"source"}),
		leaseDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_ingest_lease_denials_total",
			Help: "Poll attempts denied because another replica holds the lease",
		}, []string{"source"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newswire_ingest_cycle_duration_seconds",
			Help:    "Duration of full poll cycles",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "newswire_ingest_watermark_ms",
			Help: "Per-source watermark (Unix ms)",
		}, []string{"source"}),
	}

	for name, c := range map[string]*prometheus.CounterVec{
		"items_fetched":   m.itemsFetched,
		"items_accepted":  m.itemsAccepted,
		"items_duplicate": m.itemsDuplicate,
		"items_malformed": m.itemsMalformed,
		"fetch_failures":  m.fetchFailures,
		"lease_denials":   m.leaseDenials,
	} {
		if err := registry.RegisterCounterVec(componentName, name, c); err != nil {
			return err
		}
	}
	if err := registry.RegisterHistogram(componentName, "cycle_duration", m.cycleDuration); err != nil {
		return err
	}
	if err := registry.RegisterGaugeVec(componentName, "watermark", m.watermark); err != nil {
		return err
	}

	w.metrics = m
	return nil
}

func leaseResource(source string) string {
	return "source/" + source
}
