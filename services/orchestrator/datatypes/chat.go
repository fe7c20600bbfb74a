// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains request types for the streaming chat endpoint.
// For the event vocabulary, see events.go; for decisions, see decision.go.
package datatypes

import (
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single chat message.
	// Unbounded message input mitigation.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxHistoryMessages is the default number of prior turns loaded into
	// the prompt assembly step.
	MaxHistoryMessages = 20
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// Byte-length limit on message content (not rune count); large
	// payloads are rejected before any collaborator is called.
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks that a string field does not exceed
// MaxMessageContentBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// =============================================================================
// Chat Modes
// =============================================================================

// ChatMode selects the retrieval policy for a turn.
type ChatMode string

const (
	// ModeChat answers from the model with retrieved context when
	// available, but does not require sources.
	ModeChat ChatMode = "chat"

	// ModeQuery forbids answering without retrieved sources: an empty
	// workspace or an empty retrieval result short-circuits to a fixed
	// no-information reply.
	ModeQuery ChatMode = "query"
)

// =============================================================================
// Stream Chat Request
// =============================================================================

// StreamChatRequest is the body of POST /v1/workspace/:slug/stream-chat.
//
// # Fields
//
//   - Message: Required. The raw user message. Limited to 32KB.
//   - Mode: Optional. "chat" (default) or "query".
//   - UserID: Optional. Identity attached to the persisted record.
//   - ThreadID: Optional. Conversation thread for history scoping.
//   - Temperature: Optional. Sampling temperature override (0.0 - 2.0).
//
// # Validation
//
// Uses go-playground/validator:
//   - Message: required, max 32768 bytes via the custom maxbytes rule
//   - Mode: empty, "chat", or "query"
//   - Temperature: 0.0 - 2.0
type StreamChatRequest struct {
	Message     string   `json:"message" validate:"required,maxbytes"`
	Mode        ChatMode `json:"mode" validate:"omitempty,oneof=chat query"`
	UserID      string   `json:"user_id,omitempty"`
	ThreadID    string   `json:"thread_id,omitempty"`
	Temperature float64  `json:"temperature,omitempty" validate:"gte=0,lte=2"`
}

// Validate validates the StreamChatRequest fields. Call after binding
// the JSON body.
func (r *StreamChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults populates default values for optional fields.
func (r *StreamChatRequest) EnsureDefaults() {
	if r.Mode == "" {
		r.Mode = ModeChat
	}
}

// =============================================================================
// Prompt Messages
// =============================================================================

// Message is one role-tagged entry of an assembled prompt.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

// =============================================================================
// History Entries
// =============================================================================

// HistoryEntry is one prior exchange loaded from the chat store for
// prompt assembly and client transcript seeding.
type HistoryEntry struct {
	Prompt    string       `json:"prompt"`
	Response  string       `json:"response"`
	Sources   []SourceInfo `json:"sources,omitempty"`
	CreatedAt int64        `json:"created_at"`
}
