// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers provides HTTP request handlers for the orchestrator
// service. The streaming chat handler owns the transport concerns (SSE
// setup, heartbeats, validation); the turn pipeline itself lives in the
// chat package.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/moorline/moorline/services/orchestrator/chat"
	"github.com/moorline/moorline/services/orchestrator/datatypes"
	"github.com/moorline/moorline/services/orchestrator/observability"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// heartbeatInterval is the interval for sending keepalive pings.
	// 15s is well under typical load balancer timeouts (60s).
	heartbeatInterval = 15 * time.Second
)

// =============================================================================
// Handler
// =============================================================================

// ChatHandlers serves the streaming chat endpoint.
type ChatHandlers struct {
	orchestrator *chat.Orchestrator
	tracer       trace.Tracer
}

// NewChatHandlers creates the chat handler set. Panics on a nil
// orchestrator; that is a wiring bug.
func NewChatHandlers(orchestrator *chat.Orchestrator) *ChatHandlers {
	if orchestrator == nil {
		panic("handlers.NewChatHandlers: orchestrator must not be nil")
	}
	return &ChatHandlers{
		orchestrator: orchestrator,
		tracer:       otel.Tracer("moorline.orchestrator.handlers"),
	}
}

// HandleStreamChat serves POST /v1/workspace/:slug/stream-chat.
//
// # Description
//
// Validates the request, switches the response to SSE, starts the keepalive
// heartbeat, and hands the turn to the orchestrator. Once streaming has
// begun every failure is conveyed as an event; HTTP status codes only cover
// the pre-stream phase.
func (h *ChatHandlers) HandleStreamChat(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleStreamChat")
	defer span.End()

	workspace := c.Param("slug")
	span.SetAttributes(attribute.String("workspace", workspace))

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted()
		defer m.StreamEnded()
	}

	// Step 1: Parse request body
	var req datatypes.StreamChatRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse stream chat request", "error", err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError("request", observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	// Step 2: Validate request
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("Stream chat request validation failed", "error", err, "workspace", workspace)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError("request", observability.ErrorCodeValidation)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return
	}
	span.SetAttributes(attribute.String("mode", string(req.Mode)))

	// Step 3: Switch to SSE
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "streaming unsupported")
		slog.Error("Failed to create SSE writer", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	// Step 4: Heartbeat keeps the connection alive while the pipeline is
	// suspended (decision wait, slow retrieval, model warmup).
	heartbeatDone := make(chan struct{})
	go h.runHeartbeat(ctx, writer, heartbeatDone)
	defer close(heartbeatDone)

	// Step 5: Run the turn. Pipeline failures arrive as events; an error
	// here means the client connection itself broke mid-stream.
	if err := h.orchestrator.StreamChat(ctx, workspace, req, writer); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream interrupted")
		slog.Warn("Chat stream interrupted", "workspace", workspace, "error", err)
	}
}

// runHeartbeat sends SSE comments every heartbeatInterval until done is
// closed or the context ends. Write failures stop the heartbeat; the main
// handler notices the dead connection on its next event write.
func (h *ChatHandlers) runHeartbeat(ctx context.Context, writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			if m := observability.DefaultMetrics; m != nil {
				m.RecordKeepAlive()
			}
		}
	}
}
