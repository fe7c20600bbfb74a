// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the typed event vocabulary emitted over the chat
// stream. Events are immutable once written; the SSE writer stamps the
// envelope fields (EventID, CreatedAt, Hash, PrevHash) at write time.
package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Event Types
// =============================================================================

// EventType names one externally observable transition of a chat turn.
type EventType string

const (
	// EventAbort terminates a turn with a user-visible reason. Always the
	// last event of its turn.
	EventAbort EventType = "abort"

	// EventTextResponse carries one complete, non-streamed answer (used by
	// command replies and query-mode short circuits).
	EventTextResponse EventType = "textResponse"

	// EventTextChunk carries one incremental piece of a streamed answer.
	// The terminating chunk has Close=true; a streaming failure is surfaced
	// on the terminating chunk's Error field, never as a separate event.
	EventTextChunk EventType = "textResponseChunk"

	// EventSensitiveData flags detected sensitive data and suspends the
	// turn until an out-of-band decision arrives. Carries the redacted
	// preview so the client can prompt the user.
	EventSensitiveData EventType = "sensitiveDataDetected"

	// EventFinalize stamps the persisted chat identity after streaming
	// completed. A persistence failure is reported on this event's Error
	// field without retracting the already-streamed answer.
	EventFinalize EventType = "finalizeResponseStream"

	// EventStopGeneration acknowledges a client-initiated stop during
	// completion. Truncates chunk production and skips finalization.
	EventStopGeneration EventType = "stopGeneration"
)

// =============================================================================
// Source Attribution
// =============================================================================

// SourceInfo identifies one retrieved document that grounded an answer.
type SourceInfo struct {
	// Source is the document path or title.
	Source string `json:"source"`

	// Score is the similarity score from retrieval (0.0 - 1.0).
	Score float64 `json:"score,omitempty"`

	// Excerpt is a short snippet of the matched content.
	Excerpt string `json:"excerpt,omitempty"`
}

// =============================================================================
// Chat Event
// =============================================================================

// ChatEvent is one immutable, ordered unit emitted to the client.
//
// The TurnID joins every event (except the envelope-only fields) to the
// turn that produced it, so the client reducer can target the right
// transcript row. Envelope fields are populated by the SSE writer:
//
//   - EventID: UUID v4 per event, for ordering and deduplication
//   - CreatedAt: Unix milliseconds at write time
//   - Hash: SHA-256 of event content for integrity
//   - PrevHash: hash of the previous event, forming a per-stream chain
type ChatEvent struct {
	// Envelope metadata, set by the stream writer.
	EventID   string `json:"event_id,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty"`
	Hash      string `json:"hash,omitempty"`
	PrevHash  string `json:"prev_hash,omitempty"`

	// TurnID is the correlation id of the owning turn.
	TurnID string `json:"id"`

	// Type selects the event variant.
	Type EventType `json:"type"`

	// TextResponse is the answer text: the full answer for
	// EventTextResponse, one delta for EventTextChunk, empty otherwise.
	TextResponse string `json:"textResponse"`

	// Sources lists the documents that grounded the answer. Never nil on
	// answer-bearing events so clients can iterate without a guard.
	Sources []SourceInfo `json:"sources"`

	// Close is true on the last event of a turn, and on the terminating
	// chunk of a streamed answer.
	Close bool `json:"close"`

	// Error carries a human-readable failure reason, empty on success.
	Error string `json:"error,omitempty"`

	// RedactedMessage is the masked preview, only on EventSensitiveData.
	RedactedMessage string `json:"redactedMessage,omitempty"`

	// ChatID is the persisted record id, only on EventFinalize.
	ChatID string `json:"chatId,omitempty"`
}

// =============================================================================
// Event Constructors
// =============================================================================

// NewAbortEvent builds the terminal abort event for a turn.
func NewAbortEvent(turnID, reason string) ChatEvent {
	return ChatEvent{
		TurnID:  turnID,
		Type:    EventAbort,
		Sources: []SourceInfo{},
		Close:   true,
		Error:   reason,
	}
}

// NewTextResponseEvent builds a complete single-shot answer event.
func NewTextResponseEvent(turnID, text string, sources []SourceInfo) ChatEvent {
	if sources == nil {
		sources = []SourceInfo{}
	}
	return ChatEvent{
		TurnID:       turnID,
		Type:         EventTextResponse,
		TextResponse: text,
		Sources:      sources,
		Close:        true,
	}
}

// NewChunkEvent builds one incremental answer chunk. final marks the
// terminating chunk; errMsg is only meaningful when final is true.
func NewChunkEvent(turnID, delta string, sources []SourceInfo, final bool, errMsg string) ChatEvent {
	if sources == nil {
		sources = []SourceInfo{}
	}
	return ChatEvent{
		TurnID:       turnID,
		Type:         EventTextChunk,
		TextResponse: delta,
		Sources:      sources,
		Close:        final,
		Error:        errMsg,
	}
}

// NewSensitiveDataEvent builds the mid-stream flag that suspends a turn
// pending a user decision. Close is false: the stream stays open.
func NewSensitiveDataEvent(turnID, redactedMessage string) ChatEvent {
	return ChatEvent{
		TurnID:          turnID,
		Type:            EventSensitiveData,
		Sources:         []SourceInfo{},
		Close:           false,
		RedactedMessage: redactedMessage,
	}
}

// NewFinalizeEvent stamps the persisted chat id onto a completed turn.
// errMsg reports a persistence failure without retracting the answer.
func NewFinalizeEvent(turnID, chatID, errMsg string) ChatEvent {
	return ChatEvent{
		TurnID:  turnID,
		Type:    EventFinalize,
		Sources: []SourceInfo{},
		Close:   true,
		Error:   errMsg,
		ChatID:  chatID,
	}
}

// NewStopGenerationEvent acknowledges a client stop during completion.
func NewStopGenerationEvent(turnID string) ChatEvent {
	return ChatEvent{
		TurnID:  turnID,
		Type:    EventStopGeneration,
		Sources: []SourceInfo{},
		Close:   true,
	}
}

// =============================================================================
// Integrity
// =============================================================================

// ComputeEventHash hashes every content field of an event so the
// per-stream chain covers answer text, sources, and timestamps. The
// event's own Hash field is excluded; PrevHash is included, which is what
// links the chain. Both the stream writer and client-side verification
// use this formula.
func ComputeEventHash(event ChatEvent) string {
	sourcesJSON := ""
	if len(event.Sources) > 0 {
		if data, err := json.Marshal(event.Sources); err == nil {
			sourcesJSON = string(data)
		}
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s|%t|%s",
		event.EventID,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.TurnID,
		event.TextResponse,
		event.Error,
		event.RedactedMessage,
		event.ChatID,
		event.Close,
		sourcesJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// =============================================================================
// Helpers
// =============================================================================

// generateUUID returns a new UUID v4 string.
func generateUUID() string {
	return uuid.New().String()
}

// NewTurnID generates the correlation id for a new turn.
func NewTurnID() string {
	return generateUUID()
}

// nowMillis returns the current Unix timestamp in milliseconds.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
