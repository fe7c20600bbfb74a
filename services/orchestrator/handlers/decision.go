// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/moorline/moorline/services/orchestrator/broker"
	"github.com/moorline/moorline/services/orchestrator/datatypes"
	"github.com/moorline/moorline/services/orchestrator/observability"
)

// =============================================================================
// Handler
// =============================================================================

// DecisionHandlers serves the out-of-band decision endpoint that resumes
// turns suspended on sensitive-data review.
type DecisionHandlers struct {
	broker *broker.ChoiceBroker
	tracer trace.Tracer
}

// NewDecisionHandlers creates the decision handler set. Panics on a nil
// broker; that is a wiring bug.
func NewDecisionHandlers(b *broker.ChoiceBroker) *DecisionHandlers {
	if b == nil {
		panic("handlers.NewDecisionHandlers: broker must not be nil")
	}
	return &DecisionHandlers{
		broker: b,
		tracer: otel.Tracer("moorline.orchestrator.handlers"),
	}
}

// HandleDecision serves POST /v1/chat/decision.
//
// A decision that finds no waiting turn is not an error: the turn may have
// timed out, been cancelled, or already settled by an earlier submission.
// The response reports Delivered=false and the status stays 200 so clients
// racing the timeout never see a spurious failure.
func (h *DecisionHandlers) HandleDecision(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "HandleDecision")
	defer span.End()

	var req datatypes.DecisionRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError("request", observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError("request", observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}
	span.SetAttributes(
		attribute.String("turn_id", req.TurnID),
		attribute.String("decision", string(req.Decision)),
	)

	err := h.broker.Resolve(req.TurnID, req.Decision)
	if err != nil && !errors.Is(err, broker.ErrNoPendingTurn) {
		// Resolve only fails for an unknown turn; anything else would be
		// a broker bug worth surfacing in logs.
		slog.Warn("Unexpected decision resolve failure", "turn_id", req.TurnID, "error", err)
	}
	if err != nil {
		slog.Debug("Decision found no pending turn", "turn_id", req.TurnID, "decision", req.Decision)
	}

	c.JSON(http.StatusOK, datatypes.DecisionResponse{
		Delivered: err == nil,
		TurnID:    req.TurnID,
	})
}
