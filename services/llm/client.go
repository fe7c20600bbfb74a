// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"

	"github.com/moorline/moorline/services/orchestrator/datatypes"
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamEvent is a single increment of a streaming completion.
type StreamEvent struct {
	// Content is the text delta for this increment. May be empty on the
	// final event.
	Content string

	// Done is true on the last event of the stream.
	Done bool
}

// StreamCallback receives increments as they are generated by the model.
// Returning an error aborts the stream (e.g. on client disconnect).
// Callbacks are invoked in generation order from a single goroutine.
type StreamCallback func(event StreamEvent) error

// CompletionClient defines the standard interface for any completion backend.
type CompletionClient interface {
	// Chat generates a full assistant reply for the given messages.
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)

	// SupportsStreaming reports whether ChatStream delivers incremental
	// output. Backends that return false produce the reply in one piece
	// and callers should fall back to Chat.
	SupportsStreaming() bool
}

// StreamingCompletionClient is implemented by backends that can deliver
// replies incrementally.
type StreamingCompletionClient interface {
	CompletionClient

	// ChatStream generates a reply, invoking callback for each increment.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}

// ModerationResult is the outcome of screening a single input.
type ModerationResult struct {
	Flagged    bool
	Categories []string
}

// ModerationClient screens user input before it reaches a completion
// backend. A nil ModerationClient means the screening stage is skipped.
type ModerationClient interface {
	Screen(ctx context.Context, input string) (ModerationResult, error)
}
