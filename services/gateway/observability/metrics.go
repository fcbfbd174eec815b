// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the assistant gateway.
//
// # Description
//
// Metrics cover the full lifecycle of an assistant turn:
//   - Turn counters (started, finished by terminal state)
//   - Tool call counters (by tool name and outcome)
//   - Retrieval cache hit/miss counters
//   - Token usage counters (by direction and model)
//   - Turn duration histograms
//   - Active websocket session gauge
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

// Namespace for all metrics
const metricsNamespace = "graphpilot"

// Subsystem for assistant turn metrics
const agentSubsystem = "agent"

// Tool call outcomes recorded on ToolCallsTotal.
const (
	ToolOutcomeOK       = "ok"
	ToolOutcomeError    = "error"
	ToolOutcomeProposal = "proposal"
)

// AgentMetrics holds all Prometheus metrics for assistant operations.
//
// Initialize once at startup via InitMetrics().
type AgentMetrics struct {
	// TurnsStartedTotal counts started turns by kind.
	// Labels: kind (chat, resume)
	TurnsStartedTotal *prometheus.CounterVec

	// TurnsFinishedTotal counts finished turns by kind and terminal state.
	// Labels: kind (chat, resume), state (completed, awaiting_approval, failed, canceled)
	TurnsFinishedTotal *prometheus.CounterVec

	// ToolCallsTotal counts tool invocations by tool name and outcome.
	// Labels: tool, outcome (ok, error, proposal, skipped)
	ToolCallsTotal *prometheus.CounterVec

	// RetrievalCacheTotal counts retrieval cache lookups by result.
	// Labels: result (hit, miss)
	RetrievalCacheTotal *prometheus.CounterVec

	// TokensTotal counts tokens consumed by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// TurnDurationSeconds measures wall-clock turn duration.
	// Labels: kind (chat, resume), state
	TurnDurationSeconds *prometheus.HistogramVec

	// ActiveSessions tracks currently open websocket sessions.
	ActiveSessions prometheus.Gauge

	// ErrorsTotal counts errors surfaced to clients by classifier code.
	// Labels: code (rate_limited, provider_unavailable, auth_failed, ...)
	ErrorsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of AgentMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *AgentMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Call once at application
// startup; a second call panics on duplicate registration.
func InitMetrics() *AgentMetrics {
	DefaultMetrics = &AgentMetrics{
		TurnsStartedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "turns_started_total",
				Help:      "Total assistant turns started by kind",
			},
			[]string{"kind"},
		),

		TurnsFinishedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "turns_finished_total",
				Help:      "Total assistant turns finished by kind and terminal state",
			},
			[]string{"kind", "state"},
		),

		ToolCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "tool_calls_total",
				Help:      "Total tool invocations by tool name and outcome",
			},
			[]string{"tool", "outcome"},
		),

		RetrievalCacheTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "retrieval_cache_total",
				Help:      "Total graph retrieval cache lookups by result",
			},
			[]string{"result"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens consumed by direction and model",
			},
			[]string{"direction", "model"},
		),

		TurnDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "turn_duration_seconds",
				Help:      "Wall-clock assistant turn duration in seconds",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"kind", "state"},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "active_sessions",
				Help:      "Number of currently open websocket sessions",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: agentSubsystem,
				Name:      "errors_total",
				Help:      "Total errors surfaced to clients by classifier code",
			},
			[]string{"code"},
		),
	}

	return DefaultMetrics
}
