// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the relay.
//
// # Description
//
// Metrics cover the delivery pipeline end to end:
//   - Gateway: connection counts by outcome, active connections
//   - Admission: message outcomes (accepted, rejected by validator or limiter)
//   - Dispatch: job counts and durations by intent, dependency failures
//   - Breaker: current state per dependency
//   - Broadcast: events dropped for slow or absent subscribers
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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for relay metrics
const relaySubsystem = "relay"

// RelayMetrics holds all Prometheus metrics for the relay pipeline.
//
// # Thread Safety
//
// All operations are thread-safe.
type RelayMetrics struct {
	// ConnectionsTotal counts websocket connection attempts by outcome.
	// Labels: outcome (accepted, rejected_origin, rejected_auth, rejected_limit)
	ConnectionsTotal *prometheus.CounterVec

	// ActiveConnections tracks currently open websocket connections.
	ActiveConnections prometheus.Gauge

	// MessagesTotal counts inbound chat messages by outcome.
	// Labels: outcome (accepted, rejected_validation, rejected_rate_limit)
	MessagesTotal *prometheus.CounterVec

	// JobsTotal counts processed jobs by intent and status.
	// Labels: intent, status (success, failed, fallback)
	JobsTotal *prometheus.CounterVec

	// JobDurationSeconds measures job processing duration.
	// Labels: intent
	JobDurationSeconds *prometheus.HistogramVec

	// DependencyFailuresTotal counts permanent job failures per dependency.
	// Labels: dependency (llm-primary, agent-runtime, ...)
	DependencyFailuresTotal *prometheus.CounterVec

	// BreakerState exposes each breaker's state as a number.
	// 0 = closed, 1 = open, 2 = half-open. Labels: dependency
	BreakerState *prometheus.GaugeVec

	// EventsDroppedTotal counts broadcast events dropped for slow or
	// absent subscribers.
	EventsDroppedTotal prometheus.Counter

	// TokensIssuedTotal counts issued connection tokens.
	TokensIssuedTotal prometheus.Counter

	// TokenConsumesTotal counts token consume attempts by result.
	// Labels: result (accepted, rejected)
	TokenConsumesTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of RelayMetrics.
// Initialized by InitMetrics().
var (
	DefaultMetrics *RelayMetrics
	initOnce       sync.Once
)

// InitMetrics initializes the default metrics instance on the global
// Prometheus registry. Safe to call more than once; registration happens
// on the first call only.
func InitMetrics() *RelayMetrics {
	initOnce.Do(func() {
		DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return DefaultMetrics
}

// NewMetrics creates and registers all relay metrics on the given registry.
// Tests pass their own registry to stay isolated from the global one.
func NewMetrics(reg prometheus.Registerer) *RelayMetrics {
	factory := promauto.With(reg)

	return &RelayMetrics{
		ConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "connections_total",
				Help:      "Total websocket connection attempts by outcome",
			},
			[]string{"outcome"},
		),

		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "active_connections",
				Help:      "Number of currently open websocket connections",
			},
		),

		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "messages_total",
				Help:      "Total inbound chat messages by admission outcome",
			},
			[]string{"outcome"},
		),

		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "jobs_total",
				Help:      "Total processed jobs by intent and status",
			},
			[]string{"intent", "status"},
		),

		JobDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "job_duration_seconds",
				Help:      "Job processing duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"intent"},
		),

		DependencyFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "dependency_failures_total",
				Help:      "Permanent job failures per external dependency",
			},
			[]string{"dependency"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"dependency"},
		),

		EventsDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "events_dropped_total",
				Help:      "Broadcast events dropped for slow or absent subscribers",
			},
		),

		TokensIssuedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "tokens_issued_total",
				Help:      "Connection tokens issued",
			},
		),

		TokenConsumesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "token_consumes_total",
				Help:      "Connection token consume attempts by result",
			},
			[]string{"result"},
		),
	}
}
