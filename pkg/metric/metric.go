// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metric

import (
	metrics "github.com/luxfi/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all metrics for the in-feed engine
type Metrics struct {
	metricsInstance metrics.Metrics

	// Load metrics
	LoadsRequested metrics.Counter
	LoadsAdmitted  metrics.Counter
	LoadsQueued    metrics.Counter
	Fills          metrics.Counter
	LoadFailures   metrics.CounterVec

	// Cache metrics
	CachedInstances metrics.Gauge
	Evictions       metrics.CounterVec
	LateDiscards    metrics.Counter

	// Slot metrics
	SlotsMounted   metrics.Gauge
	Transitions    metrics.CounterVec
	PreloadsIssued metrics.Counter

	// Performance metrics
	LoadDuration metrics.Histogram
	ViewDuration metrics.Histogram
}

// NewMetrics creates a new metrics instance using luxfi/metric
func NewMetrics() (*Metrics, error) {
	factory := metrics.NewPrometheusFactory()
	metricsInstance := factory.New("infeed")

	m := &Metrics{
		metricsInstance: metricsInstance,
	}

	m.LoadsRequested = metricsInstance.NewCounter("loads_requested_total", "Total load requests received by the cache manager")
	m.LoadsAdmitted = metricsInstance.NewCounter("loads_admitted_total", "Total load requests admitted to the gateway")
	m.LoadsQueued = metricsInstance.NewCounter("loads_queued_total", "Total load requests queued waiting for cache capacity")
	m.Fills = metricsInstance.NewCounter("fills_total", "Total successful ad loads")

	m.LoadFailures = metricsInstance.NewCounterVec(
		"load_failures_total",
		"Total failed ad loads by reason",
		[]string{"reason"},
	)

	m.CachedInstances = metricsInstance.NewGauge("cached_instances", "Number of ad instances currently resident in the cache")
	m.Evictions = metricsInstance.NewCounterVec(
		"evictions_total",
		"Total cache evictions by reason",
		[]string{"reason"},
	)
	m.LateDiscards = metricsInstance.NewCounter("late_discards_total", "Load results discarded because the slot was gone on arrival")

	m.SlotsMounted = metricsInstance.NewGauge("slots_mounted", "Number of currently mounted ad slots")
	m.Transitions = metricsInstance.NewCounterVec(
		"slot_transitions_total",
		"Total slot state transitions",
		[]string{"from", "to"},
	)
	m.PreloadsIssued = metricsInstance.NewCounter("preloads_issued_total", "Total preload requests issued ahead of the viewport")

	m.LoadDuration = metricsInstance.NewHistogram(
		"load_duration_seconds",
		"Time from load admission to gateway resolution",
		prometheus.DefBuckets,
	)
	m.ViewDuration = metricsInstance.NewHistogram(
		"view_duration_seconds",
		"Time a loaded slot spent inside the viewport",
		[]float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	)

	return m, nil
}

// GetGatherer returns the prometheus gatherer for metrics export
func (m *Metrics) GetGatherer() prometheus.Gatherer {
	if registry := m.metricsInstance.Registry(); registry != nil {
		return registry
	}
	return prometheus.DefaultGatherer
}

// GetRegisterer returns the prometheus registerer
func (m *Metrics) GetRegisterer() prometheus.Registerer {
	if registry := m.metricsInstance.Registry(); registry != nil {
		return registry
	}
	return prometheus.DefaultRegisterer
}
