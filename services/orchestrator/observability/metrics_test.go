// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test Helper: Create isolated metrics for testing
// ============================================================================

// newTestMetrics creates a TurnMetrics instance backed by a private
// registry, avoiding conflicts with the global Prometheus registry.
func newTestMetrics(t *testing.T) *TurnMetrics {
	t.Helper()

	reg := prometheus.NewRegistry()

	m := &TurnMetrics{
		TurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "turns_total",
				Help:      "Total chat turns by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "events_total",
				Help:      "Total stream events emitted by type",
			},
			[]string{"type"},
		),
		TimeToFirstChunkSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_chunk_seconds",
				Help:      "Time from turn accept to first answer-bearing event",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"mode"},
		),
		TurnDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "turn_duration_seconds",
				Help:      "Total turn duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"mode", "outcome"},
		),
		ActiveStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open streaming connections",
			},
		),
		PendingDecisions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "pending_decisions",
				Help:      "Turns currently suspended on sensitive-data review",
			},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "decisions_total",
				Help:      "Decision settlements by outcome",
			},
			[]string{"outcome"},
		),
		RedactionHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "redaction_hits_total",
				Help:      "Sensitive-data detections by category",
			},
			[]string{"category"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Pipeline errors by stage and code",
			},
			[]string{"stage", "error_code"},
		),
		KeepAlivesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "keepalives_total",
				Help:      "Total SSE keepalive pings sent",
			},
		),
		ClientDisconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
		),
	}

	reg.MustRegister(
		m.TurnsTotal,
		m.EventsTotal,
		m.TimeToFirstChunkSeconds,
		m.TurnDurationSeconds,
		m.ActiveStreams,
		m.PendingDecisions,
		m.DecisionsTotal,
		m.RedactionHitsTotal,
		m.ErrorsTotal,
		m.KeepAlivesTotal,
		m.ClientDisconnectsTotal,
	)

	return m
}

// ============================================================================
// Init Tests
// ============================================================================

// initMetricsTestOnce guards against double-registration on the global
// registry; promauto panics on duplicate metric registration.
var initMetricsTestOnce bool

func TestInitMetrics(t *testing.T) {
	if initMetricsTestOnce {
		t.Skip("InitMetrics can only be called once per process")
	}
	initMetricsTestOnce = true

	InitMetrics()

	if DefaultMetrics == nil {
		t.Fatal("DefaultMetrics is nil after InitMetrics")
	}
	if DefaultMetrics.TurnsTotal == nil {
		t.Error("TurnsTotal not initialized")
	}
	if DefaultMetrics.ActiveStreams == nil {
		t.Error("ActiveStreams not initialized")
	}
}

// ============================================================================
// Counter Tests
// ============================================================================

func TestTurnMetrics_RecordTurn(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTurn("query", OutcomeFinalized)
	m.RecordTurn("query", OutcomeFinalized)
	m.RecordTurn("chat", OutcomeAborted)

	if val := testutil.ToFloat64(m.TurnsTotal.WithLabelValues("query", "finalized")); val != 2 {
		t.Errorf("TurnsTotal[query,finalized] = %f, want 2", val)
	}
	if val := testutil.ToFloat64(m.TurnsTotal.WithLabelValues("chat", "aborted")); val != 1 {
		t.Errorf("TurnsTotal[chat,aborted] = %f, want 1", val)
	}
}

func TestTurnMetrics_RecordEvent(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordEvent("textResponseChunk")
	m.RecordEvent("textResponseChunk")
	m.RecordEvent("finalizeResponseStream")

	if val := testutil.ToFloat64(m.EventsTotal.WithLabelValues("textResponseChunk")); val != 2 {
		t.Errorf("EventsTotal[textResponseChunk] = %f, want 2", val)
	}
	if val := testutil.ToFloat64(m.EventsTotal.WithLabelValues("finalizeResponseStream")); val != 1 {
		t.Errorf("EventsTotal[finalizeResponseStream] = %f, want 1", val)
	}
}

func TestTurnMetrics_RecordError(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordError(StageModeration, ErrorCodeModerationRejected)
	m.RecordError(StageRetrieval, ErrorCodeRetrievalFailed)
	m.RecordError(StageRetrieval, ErrorCodeRetrievalFailed)

	if val := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("retrieval", "retrieval_failed")); val != 2 {
		t.Errorf("ErrorsTotal[retrieval,retrieval_failed] = %f, want 2", val)
	}
}

func TestTurnMetrics_RecordDecision(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordDecision(DecisionOutcomeContinue)
	m.RecordDecision(DecisionOutcomeTimeout)
	m.RecordDecision(DecisionOutcomeUnmatched)
	m.RecordDecision(DecisionOutcomeUnmatched)

	if val := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("unmatched")); val != 2 {
		t.Errorf("DecisionsTotal[unmatched] = %f, want 2", val)
	}
	if val := testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("timeout")); val != 1 {
		t.Errorf("DecisionsTotal[timeout] = %f, want 1", val)
	}
}

func TestTurnMetrics_RecordRedactionHit(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRedactionHit("email_address")
	m.RecordRedactionHit("email_address")

	if val := testutil.ToFloat64(m.RedactionHitsTotal.WithLabelValues("email_address")); val != 2 {
		t.Errorf("RedactionHitsTotal[email_address] = %f, want 2", val)
	}
}

// ============================================================================
// Gauge Tests
// ============================================================================

func TestTurnMetrics_StreamLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted()
	m.StreamStarted()
	m.StreamStarted()

	if val := testutil.ToFloat64(m.ActiveStreams); val != 3 {
		t.Errorf("After 3 starts: ActiveStreams = %f, want 3", val)
	}

	m.StreamEnded()
	m.StreamEnded()
	m.StreamEnded()

	if val := testutil.ToFloat64(m.ActiveStreams); val != 0 {
		t.Errorf("After all ends: ActiveStreams = %f, want 0", val)
	}
}

func TestTurnMetrics_PendingDecisionLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.DecisionPending()
	m.DecisionPending()

	if val := testutil.ToFloat64(m.PendingDecisions); val != 2 {
		t.Errorf("PendingDecisions = %f, want 2", val)
	}

	m.DecisionSettled()
	m.DecisionSettled()

	if val := testutil.ToFloat64(m.PendingDecisions); val != 0 {
		t.Errorf("PendingDecisions after settlement = %f, want 0", val)
	}
}

// ============================================================================
// Histogram Tests
// ============================================================================

func TestTurnMetrics_Histograms(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordTimeToFirstChunk("chat", 0.4)
	m.RecordTimeToFirstChunk("query", 2.0)
	m.RecordTurnDuration("chat", OutcomeFinalized, 12.0)
	m.RecordTurnDuration("chat", OutcomeCancelled, 3.0)

	if count := testutil.CollectAndCount(m.TimeToFirstChunkSeconds); count == 0 {
		t.Error("Expected TimeToFirstChunkSeconds observations to be collected")
	}
	if count := testutil.CollectAndCount(m.TurnDurationSeconds); count == 0 {
		t.Error("Expected TurnDurationSeconds observations to be collected")
	}
}

// ============================================================================
// Constants Tests
// ============================================================================

func TestConstants(t *testing.T) {
	if metricsNamespace != "moorline" {
		t.Errorf("metricsNamespace = %q, want %q", metricsNamespace, "moorline")
	}
	if chatSubsystem != "chat" {
		t.Errorf("chatSubsystem = %q, want %q", chatSubsystem, "chat")
	}
}

func TestErrorCodeConstants(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{ErrorCodeModerationRejected, "moderation_rejected"},
		{ErrorCodeSensitiveAborted, "sensitive_aborted"},
		{ErrorCodeRetrievalFailed, "retrieval_failed"},
		{ErrorCodeCompletionFailed, "completion_failed"},
		{ErrorCodePersistenceFailed, "persistence_failed"},
		{ErrorCodeValidation, "validation"},
		{ErrorCodeInternal, "internal"},
	}

	for _, tt := range tests {
		if string(tt.code) != tt.want {
			t.Errorf("ErrorCode = %q, want %q", tt.code, tt.want)
		}
	}
}

// ============================================================================
// Concurrent Safety Tests
// ============================================================================

func TestTurnMetrics_ConcurrentSafety(t *testing.T) {
	m := newTestMetrics(t)

	done := make(chan bool, 80)

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordTurn("chat", OutcomeFinalized)
			done <- true
		}()
	}
	for i := 0; i < 20; i++ {
		go func() {
			m.RecordEvent("textResponseChunk")
			done <- true
		}()
	}
	for i := 0; i < 20; i++ {
		go func() {
			m.StreamStarted()
			m.StreamEnded()
			done <- true
		}()
	}
	for i := 0; i < 20; i++ {
		go func() {
			m.DecisionPending()
			m.RecordDecision(DecisionOutcomeContinue)
			m.DecisionSettled()
			done <- true
		}()
	}

	for i := 0; i < 80; i++ {
		<-done
	}

	if val := testutil.ToFloat64(m.TurnsTotal.WithLabelValues("chat", "finalized")); val != 20 {
		t.Errorf("TurnsTotal[chat,finalized] = %f, want 20", val)
	}
	if val := testutil.ToFloat64(m.ActiveStreams); val != 0 {
		t.Errorf("ActiveStreams = %f, want 0", val)
	}
	if val := testutil.ToFloat64(m.PendingDecisions); val != 0 {
		t.Errorf("PendingDecisions = %f, want 0", val)
	}
}
