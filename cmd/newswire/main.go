// Package main implements the entry point for the newswire pipeline:
// RSS ingestion, semantic scoring, and Postgres persistence wired over
// NATS JetStream.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/coinpulse/newswire/component"
	"github.com/coinpulse/newswire/config"
	"github.com/coinpulse/newswire/dedup"
	"github.com/coinpulse/newswire/feed"
	"github.com/coinpulse/newswire/health"
	"github.com/coinpulse/newswire/ingest"
	"github.com/coinpulse/newswire/lease"
	"github.com/coinpulse/newswire/metric"
	"github.com/coinpulse/newswire/natsclient"
	"github.com/coinpulse/newswire/oracle"
	"github.com/coinpulse/newswire/persist"
	"github.com/coinpulse/newswire/scoring"
	"github.com/coinpulse/newswire/statestore"
	"github.com/coinpulse/newswire/subject"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "newswire"
)

const kvOpTimeout = 5 * time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s %s (build %s)\n", appName, Version, BuildTime)
		return nil
	}
	if err := validateFlags(cliCfg); err != nil {
		return err
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cliCfg.Validate {
		logger.Info("configuration is valid",
			"feeds", len(cfg.Feeds), "stream", cfg.Stream.Name)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := metric.NewMetricsRegistry()

	natsClient, err := connectNATS(ctx, cfg, logger, registry)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = natsClient.Close(closeCtx)
	}()

	stores, err := provisionState(ctx, cfg, natsClient)
	if err != nil {
		return err
	}

	pgStore, err := persist.NewPGStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pgStore.Close()

	orc, err := oracle.NewHTTPOracle(oracle.HTTPConfig{
		BaseURL:        cfg.Oracle.BaseURL,
		Model:          cfg.Oracle.Model,
		APIKey:         cfg.Oracle.APIKey,
		Timeout:        cfg.Oracle.Timeout,
		BullishAnchors: cfg.Oracle.BullishAnchors,
		BearishAnchors: cfg.Oracle.BearishAnchors,
	})
	if err != nil {
		return fmt.Errorf("build oracle: %w", err)
	}

	deps := component.Dependencies{
		NATSClient:      natsClient,
		MetricsRegistry: registry,
		Logger:          logger,
	}

	components, err := buildComponents(cfg, deps, natsClient, stores, pgStore, orc, logger)
	if err != nil {
		return err
	}

	metricsServer := metric.NewServer(cfg.HTTP.MetricsPort, "/metrics", registry)
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	defer func() { _ = metricsServer.Stop(5 * time.Second) }()

	healthServer := health.NewServer(cfg.HTTP.HealthPort, logger)
	for _, c := range components {
		healthServer.Register(c)
	}
	if err := healthServer.Start(); err != nil {
		return fmt.Errorf("start health server: %w", err)
	}
	defer func() { _ = healthServer.Stop(5 * time.Second) }()

	// Downstream stages start first so nothing published goes unheard.
	for _, c := range components {
		if err := c.Initialize(); err != nil {
			return fmt.Errorf("initialize %s: %w", c.Name(), err)
		}
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		logger.Info("component started", "component", c.Name())
	}

	logger.Info("newswire running",
		"feeds", len(cfg.Feeds), "stream", cfg.Stream.Name)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Stop in reverse start order.
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if err := c.Stop(cliCfg.ShutdownTimeout); err != nil {
			logger.Warn("component stop failed", "component", c.Name(), "error", err)
		} else {
			logger.Info("component stopped", "component", c.Name())
		}
	}
	return nil
}

func connectNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger,
	registry *metric.MetricsRegistry) (*natsclient.Client, error) {

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithMetrics(registry),
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait))
	}
	if cfg.NATS.AckWait > 0 {
		opts = append(opts, natsclient.WithAckWait(cfg.NATS.AckWait))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}

	client, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("build nats client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.WaitForConnection(waitCtx); err != nil {
		return nil, fmt.Errorf("wait for nats connection: %w", err)
	}
	return client, nil
}

// pipelineState bundles the KV-backed stores shared across stages.
type pipelineState struct {
	ledger     *dedup.Ledger
	leases     *lease.Coordinator
	watermarks *ingest.Watermarks
	cache      *scoring.Cache
}

func provisionState(ctx context.Context, cfg *config.Config, client *natsclient.Client) (*pipelineState, error) {
	if _, err := client.CreateStream(ctx, jetstream.StreamConfig{
		Name: cfg.Stream.Name,
		Subjects: []string{
			subject.DomainNews + "." + subject.WildcardTail,
			subject.DomainScored + "." + subject.WildcardTail,
			"deadletter." + subject.WildcardTail,
		},
		Storage:  jetstream.FileStorage,
		Replicas: cfg.Stream.Replicas,
	}); err != nil {
		return nil, fmt.Errorf("provision stream: %w", err)
	}

	buckets := map[string]config.BucketConfig{
		"ledger":    cfg.Buckets.Ledger,
		"lease":     cfg.Buckets.Lease,
		"cache":     cfg.Buckets.Cache,
		"watermark": cfg.Buckets.Watermark,
	}
	kv := make(map[string]*statestore.NATSStore, len(buckets))
	for key, bucket := range buckets {
		b, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket: bucket.Name,
			TTL:    bucket.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("provision bucket %s: %w", bucket.Name, err)
		}
		kv[key] = statestore.NewNATSStore(b, kvOpTimeout)
	}

	leases := lease.NewCoordinator(kv["lease"], slog.Default())
	return &pipelineState{
		ledger:     dedup.NewLedger(kv["ledger"], slog.Default()),
		leases:     leases,
		watermarks: ingest.NewWatermarks(kv["watermark"], leases),
		cache:      scoring.NewCache(kv["cache"]),
	}, nil
}

// buildComponents assembles the pipeline stages in start order:
// persistence, scoring, then ingestion.
func buildComponents(cfg *config.Config, deps component.Dependencies, client *natsclient.Client,
	stores *pipelineState, pgStore *persist.PGStore, orc oracle.Oracle,
	logger *slog.Logger) ([]component.Component, error) {

	persistSvc, err := persist.NewService(persist.Config{
		StreamName: cfg.Stream.Name,
	}, deps, client, pgStore, stores.ledger)
	if err != nil {
		return nil, fmt.Errorf("build persist: %w", err)
	}

	scoringSvc, err := scoring.NewService(scoring.Config{
		StreamName: cfg.Stream.Name,
		Workers:    cfg.Scoring.Workers,
		QueueSize:  cfg.Scoring.QueueSize,
	}, deps, client, client, orc, stores.cache, stores.ledger)
	if err != nil {
		return nil, fmt.Errorf("build scoring: %w", err)
	}

	workerID := cfg.Ingest.WorkerID
	if workerID == "" {
		if host, err := os.Hostname(); err == nil {
			workerID = host
		}
	}
	fetcher := feed.NewFetcher(nil, logger)
	extractor := feed.NewExtractor(nil)
	ingestWorker, err := ingest.NewWorker(ingest.Config{
		Sources:  cfg.Feeds,
		Schedule: cfg.Ingest.Schedule,
		LeaseTTL: cfg.Ingest.LeaseTTL,
		WorkerID: workerID,
	}, deps, client, fetcher, extractor, stores.ledger, stores.leases, stores.watermarks)
	if err != nil {
		return nil, fmt.Errorf("build ingest: %w", err)
	}

	return []component.Component{persistSvc, scoringSvc, ingestWorker}, nil
}
