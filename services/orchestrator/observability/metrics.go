// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the streaming
// chat pipeline. Metrics include:
//   - Turn counters (by mode, outcome)
//   - Emitted event counters (by event type)
//   - Latency histograms (time to first chunk, total turn duration)
//   - Active stream and pending decision gauges
//   - Decision outcomes (continue, abort, timeout, unmatched)
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

// Namespace for all metrics
const metricsNamespace = "moorline"

// Subsystem for chat pipeline metrics
const chatSubsystem = "chat"

// TurnMetrics holds all Prometheus metrics for the chat pipeline.
//
// Initialize once at startup via InitMetrics(). Callers outside main
// access it through the DefaultMetrics singleton with a nil guard:
//
//	if m := observability.DefaultMetrics; m != nil {
//	    m.RecordTurn("query", "finalized")
//	}
type TurnMetrics struct {
	// TurnsTotal counts completed turns by mode and outcome.
	// Labels: mode (chat, query), outcome (finalized, aborted, cancelled)
	TurnsTotal *prometheus.CounterVec

	// EventsTotal counts emitted stream events by type.
	// Labels: type (abort, textResponse, textResponseChunk, ...)
	EventsTotal *prometheus.CounterVec

	// TimeToFirstChunkSeconds measures latency from accept to first
	// answer-bearing event. Labels: mode
	TimeToFirstChunkSeconds *prometheus.HistogramVec

	// TurnDurationSeconds measures full turn duration.
	// Labels: mode, outcome
	TurnDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open streaming connections.
	ActiveStreams prometheus.Gauge

	// PendingDecisions tracks turns suspended on sensitive-data review.
	PendingDecisions prometheus.Gauge

	// DecisionsTotal counts decision settlements by outcome.
	// Labels: outcome (continue, abort, timeout, unmatched)
	DecisionsTotal *prometheus.CounterVec

	// RedactionHitsTotal counts sensitive-data detections by category.
	// Labels: category (email_address, phone_number, ...)
	RedactionHitsTotal *prometheus.CounterVec

	// ErrorsTotal counts pipeline errors by stage and code.
	// Labels: stage (moderation, retrieval, completion, persistence),
	// error_code (moderation_rejected, retrieval_failed, ...)
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts SSE keepalive pings sent.
	KeepAlivesTotal prometheus.Counter

	// ClientDisconnectsTotal counts client disconnections mid-stream.
	ClientDisconnectsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of TurnMetrics.
// Initialized by InitMetrics(); nil when metrics are disabled (tests).
var DefaultMetrics *TurnMetrics

// InitMetrics initializes the default metrics instance.
//
// Creates and registers all Prometheus metrics against the default
// registry. Call once at application startup; a second call panics on
// duplicate registration.
func InitMetrics() *TurnMetrics {
	DefaultMetrics = &TurnMetrics{
		TurnsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "turns_total",
				Help:      "Total chat turns by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		EventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "events_total",
				Help:      "Total stream events emitted by type",
			},
			[]string{"type"},
		),

		TimeToFirstChunkSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_chunk_seconds",
				Help:      "Time from turn accept to first answer-bearing event",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"mode"},
		),

		TurnDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "turn_duration_seconds",
				Help:      "Total turn duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"mode", "outcome"},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open streaming connections",
			},
		),

		PendingDecisions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "pending_decisions",
				Help:      "Turns currently suspended on sensitive-data review",
			},
		),

		DecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "decisions_total",
				Help:      "Decision settlements by outcome",
			},
			[]string{"outcome"},
		),

		RedactionHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "redaction_hits_total",
				Help:      "Sensitive-data detections by category",
			},
			[]string{"category"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Pipeline errors by stage and code",
			},
			[]string{"stage", "error_code"},
		),

		KeepAlivesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "keepalives_total",
				Help:      "Total SSE keepalive pings sent",
			},
		),

		ClientDisconnectsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Label Values
// =============================================================================

// Outcome labels for TurnsTotal and TurnDurationSeconds.
const (
	OutcomeFinalized = "finalized"
	OutcomeAborted   = "aborted"
	OutcomeCancelled = "cancelled"
)

// Decision outcome labels for DecisionsTotal.
const (
	DecisionOutcomeContinue  = "continue"
	DecisionOutcomeAbort     = "abort"
	DecisionOutcomeTimeout   = "timeout"
	DecisionOutcomeUnmatched = "unmatched"
)

// Pipeline stage labels for ErrorsTotal.
const (
	StageModeration  = "moderation"
	StageRetrieval   = "retrieval"
	StageCompletion  = "completion"
	StagePersistence = "persistence"
)

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeModerationRejected indicates the message failed moderation.
	ErrorCodeModerationRejected ErrorCode = "moderation_rejected"

	// ErrorCodeSensitiveAborted indicates the turn was aborted on
	// sensitive-data review (explicit abort or timeout).
	ErrorCodeSensitiveAborted ErrorCode = "sensitive_aborted"

	// ErrorCodeRetrievalFailed indicates a vector search failure.
	ErrorCodeRetrievalFailed ErrorCode = "retrieval_failed"

	// ErrorCodeCompletionFailed indicates an LLM completion failure.
	ErrorCodeCompletionFailed ErrorCode = "completion_failed"

	// ErrorCodePersistenceFailed indicates the finalized turn could not
	// be saved.
	ErrorCodePersistenceFailed ErrorCode = "persistence_failed"

	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeInternal indicates an internal server error.
	ErrorCodeInternal ErrorCode = "internal"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordTurn records a completed turn.
func (m *TurnMetrics) RecordTurn(mode, outcome string) {
	m.TurnsTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordEvent records one emitted stream event.
func (m *TurnMetrics) RecordEvent(eventType string) {
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

// RecordError records a pipeline error.
func (m *TurnMetrics) RecordError(stage string, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(stage, string(code)).Inc()
}

// RecordDecision records a decision settlement.
func (m *TurnMetrics) RecordDecision(outcome string) {
	m.DecisionsTotal.WithLabelValues(outcome).Inc()
}

// RecordRedactionHit records a sensitive-data detection.
func (m *TurnMetrics) RecordRedactionHit(category string) {
	m.RedactionHitsTotal.WithLabelValues(category).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *TurnMetrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *TurnMetrics) StreamEnded() {
	m.ActiveStreams.Dec()
}

// DecisionPending increments the pending decisions gauge.
func (m *TurnMetrics) DecisionPending() {
	m.PendingDecisions.Inc()
}

// DecisionSettled decrements the pending decisions gauge.
func (m *TurnMetrics) DecisionSettled() {
	m.PendingDecisions.Dec()
}

// RecordTimeToFirstChunk records latency to the first answer-bearing event.
func (m *TurnMetrics) RecordTimeToFirstChunk(mode string, seconds float64) {
	m.TimeToFirstChunkSeconds.WithLabelValues(mode).Observe(seconds)
}

// RecordTurnDuration records the full turn duration.
func (m *TurnMetrics) RecordTurnDuration(mode, outcome string, seconds float64) {
	m.TurnDurationSeconds.WithLabelValues(mode, outcome).Observe(seconds)
}

// RecordKeepAlive increments the keepalive counter.
func (m *TurnMetrics) RecordKeepAlive() {
	m.KeepAlivesTotal.Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *TurnMetrics) RecordClientDisconnect() {
	m.ClientDisconnectsTotal.Inc()
}
