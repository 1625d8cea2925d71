// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the
// generation pipeline. Metrics include:
//   - Request counters (by request type and terminal status)
//   - Stage latency histograms
//   - Credit movement counters (reserved/committed/rolled back)
//   - Provider call counters by error kind
//   - Active request gauge
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "qbit"

const pipelineSubsystem = "pipeline"

// PipelineMetrics holds all Prometheus metrics for the generation
// pipeline. Initialize once at startup via InitMetrics().
type PipelineMetrics struct {
	// RequestsTotal counts pipeline requests by type and terminal status.
	// Labels: type (generation, modification), status (complete, failed)
	RequestsTotal *prometheus.CounterVec

	// StageDurationSeconds measures per-stage latency.
	// Labels: stage (admission, intent, generation, persistence)
	StageDurationSeconds *prometheus.HistogramVec

	// CreditsMovedTotal counts credits by movement direction.
	// Labels: direction (reserved, committed, rolled_back)
	CreditsMovedTotal *prometheus.CounterVec

	// ProviderCallsTotal counts provider calls by provider and result.
	// Labels: provider (groq, cerebras), result (success, rate_limited,
	// invalid_credential, transient, permanent)
	ProviderCallsTotal *prometheus.CounterVec

	// RollbackRetriesTotal counts out-of-band rollback retry attempts.
	RollbackRetriesTotal prometheus.Counter

	// ActiveRequests tracks requests currently inside the pipeline.
	ActiveRequests prometheus.Gauge
}

// DefaultMetrics is the singleton instance, set by InitMetrics().
var DefaultMetrics *PipelineMetrics

// InitMetrics creates and registers all pipeline metrics with the
// default registry. Call once at startup; a second call panics on
// duplicate registration.
func InitMetrics() *PipelineMetrics {
	DefaultMetrics = &PipelineMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "requests_total",
				Help:      "Total pipeline requests by type and terminal status",
			},
			[]string{"type", "status"},
		),

		StageDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Per-stage pipeline latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		),

		CreditsMovedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "credits_moved_total",
				Help:      "Credits moved through the ledger by direction",
			},
			[]string{"direction"},
		),

		ProviderCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "provider_calls_total",
				Help:      "Provider calls by provider and result kind",
			},
			[]string{"provider", "result"},
		),

		RollbackRetriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "rollback_retries_total",
				Help:      "Out-of-band reservation rollback retry attempts",
			},
		),

		ActiveRequests: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "active_requests",
				Help:      "Requests currently inside the pipeline",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a terminated pipeline request.
func (m *PipelineMetrics) RecordRequest(requestType string, success bool) {
	status := "complete"
	if !success {
		status = "failed"
	}
	m.RequestsTotal.WithLabelValues(requestType, status).Inc()
}

// RecordStageDuration records one stage's latency.
func (m *PipelineMetrics) RecordStageDuration(stage string, seconds float64) {
	m.StageDurationSeconds.WithLabelValues(stage).Observe(seconds)
}

// RecordCredits records a credit movement.
func (m *PipelineMetrics) RecordCredits(direction string, amount int64) {
	m.CreditsMovedTotal.WithLabelValues(direction).Add(float64(amount))
}

// RecordProviderCall records a provider call result. Pass "success" or
// the provider error kind.
func (m *PipelineMetrics) RecordProviderCall(provider, result string) {
	m.ProviderCallsTotal.WithLabelValues(provider, result).Inc()
}

// RequestStarted increments the active request gauge.
func (m *PipelineMetrics) RequestStarted() {
	m.ActiveRequests.Inc()
}

// RequestEnded decrements the active request gauge.
func (m *PipelineMetrics) RequestEnded() {
	m.ActiveRequests.Dec()
}
