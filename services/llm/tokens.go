// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/tmc/langchaingo/llms"

	"github.com/moorline/moorline/services/orchestrator/datatypes"
)

const (
	// defaultContextWindowTokens is assumed when MODEL_CONTEXT_WINDOW is unset.
	defaultContextWindowTokens = 8192

	// defaultReservedOutputTokens is held back from the window for the
	// model's reply.
	defaultReservedOutputTokens = 1024

	// messageOverheadTokens approximates the per-message framing cost of
	// chat templates.
	messageOverheadTokens = 4
)

// ContextWindowTokens returns the model context window in tokens,
// configurable via MODEL_CONTEXT_WINDOW.
func ContextWindowTokens() int {
	if v := os.Getenv("MODEL_CONTEXT_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		slog.Warn("Invalid MODEL_CONTEXT_WINDOW, using default", "value", v)
	}
	return defaultContextWindowTokens
}

// CountMessageTokens estimates the token cost of a message list for the
// given model, including per-message framing overhead.
func CountMessageTokens(model string, messages []datatypes.Message) int {
	total := 0
	for _, msg := range messages {
		total += llms.CountTokens(model, msg.Content) + messageOverheadTokens
	}
	return total
}

// CompressMessages trims history so the assembled prompt fits the model's
// context window. The system message and the final user message are never
// dropped; history is evicted oldest-first until the remainder fits. If
// even the system and user messages alone exceed the budget they are
// returned as-is and the backend reports the overflow.
func CompressMessages(model string, system datatypes.Message, history []datatypes.Message, user datatypes.Message) []datatypes.Message {
	budget := ContextWindowTokens() - defaultReservedOutputTokens

	fixed := CountMessageTokens(model, []datatypes.Message{system, user})
	remaining := budget - fixed

	// Walk history newest-first, keeping what fits.
	keepFrom := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := llms.CountTokens(model, history[i].Content) + messageOverheadTokens
		if cost > remaining {
			break
		}
		remaining -= cost
		keepFrom = i
	}

	if keepFrom > 0 {
		slog.Debug("Compressed chat history to fit context window",
			"model", model,
			"dropped", keepFrom,
			"kept", len(history)-keepFrom,
		)
	}

	out := make([]datatypes.Message, 0, 2+len(history)-keepFrom)
	out = append(out, system)
	out = append(out, history[keepFrom:]...)
	out = append(out, user)
	return out
}
