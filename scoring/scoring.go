// Package scoring runs the enrichment stage: it consumes accepted
// items from the bus, attaches a semantic sentiment score from the
// oracle (memoized per fingerprint), and republishes them on the
// scored subject tree. Items that exhaust the oracle retry budget are
// routed to the dead-letter subject, never dropped silently.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coinpulse/newswire/component"
	"github.com/coinpulse/newswire/dedup"
	"github.com/coinpulse/newswire/errors"
	"github.com/coinpulse/newswire/feed"
	"github.com/coinpulse/newswire/oracle"
	"github.com/coinpulse/newswire/pkg/retry"
	"github.com/coinpulse/newswire/pkg/timestamp"
	"github.com/coinpulse/newswire/pkg/worker"
	"github.com/coinpulse/newswire/subject"
)

const componentName = "scoring"

// Consumer attaches durable consumers to the stream. Satisfied by
// natsclient.Client.
type Consumer interface {
	ConsumeStream(ctx context.Context, streamName, durable, subj string,
		handler func(context.Context, []byte) error) error
	StopConsumer(streamName, durable string)
}

// Publisher publishes to the durable stream. Satisfied by
// natsclient.Client.
type Publisher interface {
	PublishToStream(ctx context.Context, subj string, data []byte) error
}

// Config configures the scoring service.
type Config struct {
	// StreamName is the stream the consumer attaches to.
	StreamName string
	// DurableName identifies the consumer so redeliveries survive
	// restarts.
	DurableName string
	// Subject is the consume filter, normally "news.>".
	Subject string
	// Workers bounds concurrent oracle calls.
	Workers int
	// QueueSize bounds the pending-envelope backlog; a full queue turns
	// into a redelivery.
	QueueSize int
}

func (c *Config) applyDefaults() {
	if c.DurableName == "" {
		c.DurableName = "scoring"
	}
	if c.Subject == "" {
		c.Subject = subject.DomainNews + "." + subject.WildcardTail
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "stream name required")
	}
	return nil
}

// Service is the scoring lifecycle component.
type Service struct {
	config    Config
	consumer  Consumer
	publisher Publisher
	oracle    oracle.Oracle
	cache     *Cache
	ledger    *dedup.Ledger
	logger    *slog.Logger

	pool   *worker.Pool[scoreTask]
	cancel context.CancelFunc

	mu    sync.RWMutex
	state component.State

	metrics *serviceMetrics
	deps    component.Dependencies
}

type scoreTask struct {
	envelope feed.Envelope
	result   chan<- error
}

// terminalError marks a scoring failure redelivery cannot fix; such
// items go to the dead letter instead of back onto the stream.
type terminalError struct {
	err error
}

func (e terminalError) Error() string { return e.err.Error() }
func (e terminalError) Unwrap() error { return e.err }

func isTerminal(err error) bool {
	var t terminalError
	return errors.As(err, &t)
}

type serviceMetrics struct {
	itemsScored   *prometheus.CounterVec
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	oracleErrors  prometheus.Counter
	deadLettered  prometheus.Counter
	malformed     prometheus.Counter
	oracleLatency prometheus.Histogram
}

// NewService builds the scoring service.
func NewService(cfg Config, deps component.Dependencies, consumer Consumer, publisher Publisher,
	orc oracle.Oracle, cache *Cache, ledger *dedup.Ledger) (*Service, error) {

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Service{
		config:    cfg,
		consumer:  consumer,
		publisher: publisher,
		oracle:    orc,
		cache:     cache,
		ledger:    ledger,
		logger:    deps.GetLoggerWithComponent(componentName),
		state:     component.StateCreated,
		deps:      deps,
	}, nil
}

// Name returns the component name.
func (s *Service) Name() string { return componentName }

// Initialize registers metrics and builds the worker pool.
func (s *Service) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != component.StateCreated {
		return errors.ErrAlreadyStarted
	}

	if err := s.initMetrics(); err != nil {
		s.state = component.StateFailed
		return err
	}

	s.pool = worker.NewPool(s.config.Workers, s.config.QueueSize, s.process,
		worker.WithMetricsRegistry[scoreTask](s.deps.MetricsRegistry, componentName))

	s.state = component.StateInitialized
	return nil
}

// Start launches the pool and attaches the durable consumer.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != component.StateInitialized {
		s.mu.Unlock()
		return errors.ErrNotStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state = component.StateStarted
	s.mu.Unlock()

	if err := s.pool.Start(runCtx); err != nil {
		return err
	}
	if err := s.consumer.ConsumeStream(runCtx, s.config.StreamName, s.config.DurableName,
		s.config.Subject, s.HandleMessage); err != nil {
		return errors.WrapTransient(err, "Service", "Start", "attach consumer")
	}

	s.logger.Info("scoring started",
		"subject", s.config.Subject, "workers", s.config.Workers)
	return nil
}

// Stop detaches the consumer and drains the pool.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.state != component.StateStarted {
		s.mu.Unlock()
		return nil
	}
	s.state = component.StateStopped
	cancel := s.cancel
	s.mu.Unlock()

	s.consumer.StopConsumer(s.config.StreamName, s.config.DurableName)
	err := s.pool.Stop(timeout)
	cancel()
	return err
}

// Health reports the component health snapshot.
func (s *Service) Health() component.Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return component.Health{
		Name:    componentName,
		State:   s.state.String(),
		Healthy: s.state == component.StateStarted,
	}
}

// HandleMessage is the per-message consumer callback. It hands the
// envelope to the pool and waits for the outcome, so an ack always
// means the item reached the scored subject or the dead letter.
func (s *Service) HandleMessage(ctx context.Context, data []byte) error {
	env, err := feed.DecodeEnvelope(data)
	if err != nil {
		// Undecodable payloads cannot be fixed by redelivery.
		if s.metrics != nil {
			s.metrics.malformed.Inc()
		}
		s.logger.Warn("undecodable envelope routed to dead letter", "error", err)
		return s.deadLetterRaw(ctx, data)
	}

	result := make(chan error, 1)
	if err := s.pool.Submit(scoreTask{envelope: env, result: result}); err != nil {
		// Queue full: redeliver rather than block the consumer.
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) process(ctx context.Context, task scoreTask) error {
	err := s.scoreEnvelope(ctx, task.envelope)
	task.result <- err
	return err
}

// scoreEnvelope is the terminal-outcome state machine for one item:
// score (cached or fresh) and publish enriched, or dead-letter on a
// permanent or retry-exhausted failure.
func (s *Service) scoreEnvelope(ctx context.Context, env feed.Envelope) error {
	item := env.Item
	if err := item.Validate(); err != nil {
		if s.metrics != nil {
			s.metrics.malformed.Inc()
		}
		s.logger.Warn("malformed item routed to dead letter",
			"fingerprint", item.Fingerprint, "error", err)
		return s.deadLetter(ctx, env)
	}

	score, err := s.scoreFor(ctx, &item)
	if err != nil {
		if !isTerminal(err) {
			// Cache store or shutdown trouble, not an oracle verdict;
			// redelivery retries with nothing lost.
			return err
		}
		if s.metrics != nil {
			s.metrics.deadLettered.Inc()
		}
		s.logger.Error("scoring exhausted, routing to dead letter",
			"fingerprint", item.Fingerprint, "source", item.Source, "error", err)
		return s.deadLetter(ctx, env)
	}

	subj, err := subject.BuildScored(subject.Metadata{Category: item.Category, Source: item.Source})
	if err != nil {
		if s.metrics != nil {
			s.metrics.malformed.Inc()
		}
		return s.deadLetter(ctx, env)
	}

	enriched := feed.EnrichedItem{
		Item:           item,
		SemanticScore:  score.Value,
		SentimentLabel: score.Label,
		ScoreVector:    score.Vector,
		ScoringModel:   score.Model,
		ScoredAt:       timestamp.Now(),
	}
	data, err := feed.EncodeEnriched(enriched)
	if err != nil {
		return err
	}
	if err := s.publisher.PublishToStream(ctx, subj.String(), data); err != nil {
		// Transient bus trouble: let redelivery retry, the cache makes
		// the second pass cheap.
		return err
	}

	if s.metrics != nil {
		s.metrics.itemsScored.WithLabelValues(score.Label).Inc()
	}
	if err := s.ledger.Advance(ctx, item.Fingerprint, dedup.StageScored); err != nil {
		s.logger.Warn("ledger advance failed", "fingerprint", item.Fingerprint, "error", err)
	}
	return nil
}

// scoreFor returns the score for an item, from the cache when a prior
// delivery already paid for the oracle call. Errors are terminalError
// only when the oracle itself gave up; cache store failures and
// cancellations pass through unmarked so the caller redelivers.
func (s *Service) scoreFor(ctx context.Context, item *feed.Item) (oracle.Score, error) {
	cached, ok, err := s.cache.Get(ctx, item.Fingerprint)
	if err != nil {
		return oracle.Score{}, err
	}
	if ok {
		if s.metrics != nil {
			s.metrics.cacheHits.Inc()
		}
		return cached, nil
	}
	if s.metrics != nil {
		s.metrics.cacheMisses.Inc()
	}

	text := item.ScoringText()
	start := time.Now()
	score, err := retry.DoWithResult(ctx, retry.Oracle(), func() (oracle.Score, error) {
		sc, err := s.oracle.Score(ctx, text)
		if err != nil && errors.IsInvalid(err) {
			return oracle.Score{}, retry.NonRetryable(err)
		}
		return sc, err
	})
	if s.metrics != nil {
		s.metrics.oracleLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.oracleErrors.Inc()
		}
		if ctx.Err() != nil {
			return oracle.Score{}, err
		}
		return oracle.Score{}, terminalError{err: err}
	}

	stored, err := s.cache.Put(ctx, item.Fingerprint, score)
	if err != nil {
		// The score is in hand; a failed cache write only means the next
		// delivery of this fingerprint pays the oracle again.
		s.logger.Warn("score cache write failed",
			"fingerprint", item.Fingerprint, "error", err)
		return score, nil
	}
	return stored, nil
}

func (s *Service) deadLetter(ctx context.Context, env feed.Envelope) error {
	env.Attempts++
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return s.deadLetterRaw(ctx, data)
}

func (s *Service) deadLetterRaw(ctx context.Context, data []byte) error {
	if err := s.publisher.PublishToStream(ctx, subject.DeadLetter, data); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("dead-letter publish failed: %w", err),
			"Service", "deadLetter", "publish dead letter")
	}
	return nil
}

func (s *Service) initMetrics() error {
	registry := s.deps.MetricsRegistry
	if registry == nil {
		return nil
	}

	m := &serviceMetrics{
		itemsScored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_scoring_items_scored_total",
			Help: "Items enriched and published, by sentiment label",
		}, []string{"label"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newswire_scoring_cache_hits_total",
			Help: "Score lookups served from the cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newswire_scoring_cache_misses_total",
			Help: "Score lookups that required an oracle call",
		}),
		oracleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newswire_scoring_oracle_errors_total",
			Help: "Oracle calls that exhausted the retry budget",
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newswire_scoring_dead_lettered_total",
			Help: "Items routed to the dead-letter subject",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newswire_scoring_malformed_total",
			Help: "Undecodable or invalid payloads received",
		}),
		oracleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newswire_scoring_oracle_latency_seconds",
			Help:    "Oracle call latency including retries",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}

	if err := registry.RegisterCounterVec(componentName, "items_scored", m.itemsScored); err != nil {
		return err
	}
	for name, c := range map[string]prometheus.Counter{
		"cache_hits":    m.cacheHits,
		"cache_misses":  m.cacheMisses,
		"oracle_errors": m.oracleErrors,
		"dead_lettered": m.deadLettered,
		"malformed":     m.malformed,
	} {
		if err := registry.RegisterCounter(componentName, name, c); err != nil {
			return err
		}
	}
	if err := registry.RegisterHistogram(componentName, "oracle_latency", m.oracleLatency); err != nil {
		return err
	}

	s.metrics = m
	return nil
}
