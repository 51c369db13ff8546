package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistry(t *testing.T) {
	r := NewMetricsRegistry()
	require.NotNil(t, r.PrometheusRegistry())
	require.NotNil(t, r.CoreMetrics())

	// Core metrics are gatherable.
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRegisterAndUnregister(t *testing.T) {
	r := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_items_fetched_total",
		Help: "test",
	})
	require.NoError(t, r.RegisterCounter("ingest", "items_fetched", counter))

	// Duplicate key is rejected.
	other := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_items_fetched_dup_total",
		Help: "test",
	})
	err := r.RegisterCounter("ingest", "items_fetched", other)
	require.Error(t, err)

	assert.True(t, r.Unregister("ingest", "items_fetched"))
	assert.False(t, r.Unregister("ingest", "items_fetched"))
}

func TestRegisterVecTypes(t *testing.T) {
	r := NewMetricsRegistry()

	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scoring_outcomes_total", Help: "test",
	}, []string{"outcome"})
	require.NoError(t, r.RegisterCounterVec("scoring", "outcomes", cv))

	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_watermark_ms", Help: "test",
	}, []string{"source"})
	require.NoError(t, r.RegisterGaugeVec("ingest", "watermark", gv))

	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "oracle_latency_seconds", Help: "test",
	}, []string{"model"})
	require.NoError(t, r.RegisterHistogramVec("oracle", "latency", hv))
}
