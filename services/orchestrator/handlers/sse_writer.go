// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moorline/moorline/services/orchestrator/chat"
	"github.com/moorline/moorline/services/orchestrator/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter delivers chat events over a Server-Sent Events response.
//
// # Description
//
// Each event is written as "event: {type}\ndata: {json}\n\n" and flushed
// immediately. The writer stamps the envelope on every event:
//
//   - EventID: UUID v4, for ordering and deduplication
//   - CreatedAt: Unix milliseconds at write time
//   - Hash: SHA-256 of the event content
//   - PrevHash: hash of the previous event, forming a per-stream chain
//
// # Thread Safety
//
// Implementations are safe for concurrent use: the pipeline goroutine and
// the keep-alive goroutine write through the same instance.
type SSEWriter interface {
	chat.EventChannel

	// WriteKeepAlive sends an SSE comment (": ping") to keep the TCP
	// connection alive through proxies and load balancers. Comments do
	// not participate in the hash chain.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

// sseWriter wraps one http.ResponseWriter for the lifetime of a stream.
// Cannot be reused across requests: the hash chain is per-stream.
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter creates an SSEWriter. The caller must have set the SSE
// headers first; returns an error when the ResponseWriter cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:  w,
		flusher: flusher,
	}, nil
}

// Send stamps the envelope fields, extends the hash chain, and writes the
// event in SSE framing. Flushes immediately so chunks render as they arrive.
func (w *sseWriter) Send(event datatypes.ChatEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.EventID = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = datatypes.ComputeEventHash(event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// WriteKeepAlive sends a comment line. Clients ignore it; load balancers
// reset their idle timers.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures the response for SSE streaming. Must run before
// any body write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
