// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/moorline/moorline/services/orchestrator/datatypes"
)

// =============================================================================
// Command Registry
// =============================================================================

// CommandContext carries the identifiers a command handler may act on.
type CommandContext struct {
	TurnID    string
	Workspace string
	ThreadID  string
	Message   string
}

// CommandHandler executes one slash command and returns the single reply
// event that terminates the turn.
type CommandHandler func(ctx context.Context, cmd CommandContext) (datatypes.ChatEvent, error)

// CommandRegistry maps slash-command names to handlers. Lookup is by the
// first whitespace-delimited word of the message, so "/reset please" still
// dispatches /reset. The registry is populated at construction and read-only
// afterwards.
type CommandRegistry struct {
	handlers map[string]CommandHandler
}

// NewCommandRegistry returns an empty registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{handlers: make(map[string]CommandHandler)}
}

// Register adds a handler under name. Name must start with '/'.
func (r *CommandRegistry) Register(name string, handler CommandHandler) {
	r.handlers[name] = handler
}

// Match returns the handler for the message's leading command word, or
// (nil, false) when the message is not a command.
func (r *CommandRegistry) Match(message string) (CommandHandler, bool) {
	trimmed := strings.TrimSpace(message)
	if !strings.HasPrefix(trimmed, "/") {
		return nil, false
	}
	word := trimmed
	if i := strings.IndexAny(trimmed, " \t\n"); i >= 0 {
		word = trimmed[:i]
	}
	h, ok := r.handlers[word]
	return h, ok
}

// Names returns the registered command names, sorted.
func (r *CommandRegistry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Built-in Commands
// =============================================================================

// HistoryResetter wipes the persisted history of a workspace thread.
type HistoryResetter interface {
	ResetHistory(ctx context.Context, workspace, threadID string) (int64, error)
}

// DefaultCommands builds the standard registry: /reset and /help.
func DefaultCommands(resetter HistoryResetter) *CommandRegistry {
	r := NewCommandRegistry()

	r.Register("/reset", func(ctx context.Context, cmd CommandContext) (datatypes.ChatEvent, error) {
		if _, err := resetter.ResetHistory(ctx, cmd.Workspace, cmd.ThreadID); err != nil {
			return datatypes.ChatEvent{}, fmt.Errorf("reset command failed: %w", err)
		}
		return datatypes.NewTextResponseEvent(cmd.TurnID, "Workspace chat memory was reset!", nil), nil
	})

	r.Register("/help", func(ctx context.Context, cmd CommandContext) (datatypes.ChatEvent, error) {
		var b strings.Builder
		b.WriteString("Available commands:\n")
		for _, name := range r.Names() {
			switch name {
			case "/reset":
				b.WriteString("  /reset - clear this workspace's chat memory\n")
			case "/help":
				b.WriteString("  /help - show this message\n")
			default:
				b.WriteString("  " + name + "\n")
			}
		}
		return datatypes.NewTextResponseEvent(cmd.TurnID, b.String(), nil), nil
	})

	return r
}
