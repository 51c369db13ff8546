// Package persist runs the final pipeline stage: it consumes enriched
// items from the scored subject tree and upserts them into Postgres
// keyed by fingerprint, so replays and redeliveries converge on the
// same row.
package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coinpulse/newswire/component"
	"github.com/coinpulse/newswire/dedup"
	"github.com/coinpulse/newswire/errors"
	"github.com/coinpulse/newswire/feed"
	"github.com/coinpulse/newswire/subject"
)

const componentName = "persist"

// Consumer attaches durable consumers to the stream. Satisfied by
// natsclient.Client.
type Consumer interface {
	ConsumeStream(ctx context.Context, streamName, durable, subj string,
		handler func(context.Context, []byte) error) error
	StopConsumer(streamName, durable string)
}

// Config configures the persistence service.
type Config struct {
	// StreamName is the stream the consumer attaches to.
	StreamName string
	// DurableName identifies the consumer across restarts.
	DurableName string
	// Subject is the consume filter, normally "scored.>".
	Subject string
}

func (c *Config) applyDefaults() {
	if c.DurableName == "" {
		c.DurableName = "persist"
	}
	if c.Subject == "" {
		c.Subject = subject.DomainScored + "." + subject.WildcardTail
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "stream name required")
	}
	return nil
}

// Service is the persistence lifecycle component.
type Service struct {
	config   Config
	consumer Consumer
	store    Store
	ledger   *dedup.Ledger
	logger   *slog.Logger

	cancel context.CancelFunc

	mu    sync.RWMutex
	state component.State

	metrics *serviceMetrics
	deps    component.Dependencies
}

type serviceMetrics struct {
	itemsPersisted *prometheus.CounterVec
	upsertFailures prometheus.Counter
	malformed      prometheus.Counter
	upsertDuration prometheus.Histogram
}

// NewService builds the persistence service.
func NewService(cfg Config, deps component.Dependencies, consumer Consumer,
	store Store, ledger *dedup.Ledger) (*Service, error) {

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Service{
		config:   cfg,
		consumer: consumer,
		store:    store,
		ledger:   ledger,
		logger:   deps.GetLoggerWithComponent(componentName),
		state:    component.StateCreated,
		deps:     deps,
	}, nil
}

// Name returns the component name.
func (s *Service) Name() string { return componentName }

// Initialize registers metrics.
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
	s.state = component.StateInitialized
	return nil
}

// Start attaches the durable consumer.
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

	if err := s.consumer.ConsumeStream(runCtx, s.config.StreamName, s.config.DurableName,
		s.config.Subject, s.HandleMessage); err != nil {
		return errors.WrapTransient(err, "Service", "Start", "attach consumer")
	}

	s.logger.Info("persistence started", "subject", s.config.Subject)
	return nil
}

// Stop detaches the consumer.
func (s *Service) Stop(_ time.Duration) error {
	s.mu.Lock()
	if s.state != component.StateStarted {
		s.mu.Unlock()
		return nil
	}
	s.state = component.StateStopped
	cancel := s.cancel
	s.mu.Unlock()

	s.consumer.StopConsumer(s.config.StreamName, s.config.DurableName)
	cancel()
	return nil
}

// Health reports the component health snapshot; a failing store ping
// marks it unhealthy even while started.
func (s *Service) Health() component.Health {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()

	healthy := state == component.StateStarted
	detail := ""
	if healthy {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			healthy = false
			detail = err.Error()
		}
	}
	return component.Health{
		Name:    componentName,
		State:   state.String(),
		Healthy: healthy,
		Detail:  detail,
	}
}

// HandleMessage is the per-message consumer callback. Returning an
// error redelivers; malformed payloads are logged and acked since a
// redelivery cannot fix them.
func (s *Service) HandleMessage(ctx context.Context, data []byte) error {
	enriched, err := feed.DecodeEnriched(data)
	if err != nil {
		if s.metrics != nil {
			s.metrics.malformed.Inc()
		}
		s.logger.Warn("undecodable enriched payload dropped", "error", err)
		return nil
	}
	if err := enriched.Validate(); err != nil {
		if s.metrics != nil {
			s.metrics.malformed.Inc()
		}
		s.logger.Warn("invalid enriched item dropped",
			"fingerprint", enriched.Fingerprint, "error", err)
		return nil
	}

	start := time.Now()
	if err := s.store.UpsertItem(ctx, enriched); err != nil {
		if s.metrics != nil {
			s.metrics.upsertFailures.Inc()
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.upsertDuration.Observe(time.Since(start).Seconds())
		s.metrics.itemsPersisted.WithLabelValues(enriched.Source).Inc()
	}

	if err := s.ledger.Advance(ctx, enriched.Fingerprint, dedup.StagePersisted); err != nil {
		s.logger.Warn("ledger advance failed", "fingerprint", enriched.Fingerprint, "error", err)
	}
	return nil
}

func (s *Service) initMetrics() error {
	registry := s.deps.MetricsRegistry
	if registry == nil {
		return nil
	}

	m := &serviceMetrics{
		itemsPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_persist_items_total",
			Help: "Enriched items upserted, by source",
		}, []string{"source"}),
		upsertFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newswire_persist_upsert_failures_total",
			Help: "Upserts that failed and were redelivered",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newswire_persist_malformed_total",
			Help: "Undecodable or invalid payloads dropped",
		}),
		upsertDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newswire_persist_upsert_duration_seconds",
			Help:    "Postgres upsert latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	if err := registry.RegisterCounterVec(componentName, "items", m.itemsPersisted); err != nil {
		return err
	}
	if err := registry.RegisterCounter(componentName, "upsert_failures", m.upsertFailures); err != nil {
		return err
	}
	if err := registry.RegisterCounter(componentName, "malformed", m.malformed); err != nil {
		return err
	}
	if err := registry.RegisterHistogram(componentName, "upsert_duration", m.upsertDuration); err != nil {
		return err
	}

	s.metrics = m
	return nil
}
