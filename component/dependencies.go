package component

import (
	"log/slog"

	"github.com/coinpulse/newswire/metric"
	"github.com/coinpulse/newswire/natsclient"
)

// Dependencies bundles the shared infrastructure handed to every
// pipeline stage at construction time, so components receive structured
// dependencies rather than individual fields.
type Dependencies struct {
	NATSClient      *natsclient.Client      // messaging and JetStream KV
	MetricsRegistry *metric.MetricsRegistry // Prometheus registry (can be nil)
	Logger          *slog.Logger            // structured logger (can be nil, defaults to slog.Default())
}

// GetLogger returns the configured logger or slog.Default.
func (d *Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// GetLoggerWithComponent returns a logger tagged with the component name.
func (d *Dependencies) GetLoggerWithComponent(componentName string) *slog.Logger {
	return d.GetLogger().With("component", componentName)
}
