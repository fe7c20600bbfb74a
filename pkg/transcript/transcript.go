// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package transcript folds a chat event stream into a renderable
// conversation state. Reduce is a pure function: it never mutates its input
// and returns a fresh slice, so callers can diff consecutive states.
//
// The fold assumes at-most-once chunk delivery from the transport. SSE over
// a single HTTP response preserves order and does not redeliver, which is
// the one transport this client uses.
package transcript

import (
	"github.com/moorline/moorline/services/orchestrator/datatypes"
)

// Entry is one row of the rendered conversation.
type Entry struct {
	// ID correlates the row with the turn that produced it.
	ID string

	// Content is the accumulated message text.
	Content string

	// Role is "user" or "assistant".
	Role string

	// Sources lists the documents that grounded an assistant answer.
	Sources []datatypes.SourceInfo

	// Closed marks a row that will receive no further content.
	Closed bool

	// Error is the failure reason attached to the row, if any.
	Error string

	// Animating drives the typing indicator while chunks arrive.
	Animating bool

	// Pending marks a placeholder row awaiting its first real content.
	Pending bool

	// PersistedID is the server-side record id, stamped on finalize.
	PersistedID string

	// ReplyToID links an assistant row to the user row it answers.
	ReplyToID string
}

// Seed appends a user row and a pending assistant placeholder for a message
// the client just sent. The placeholder is what Reduce later replaces or
// fills in.
func Seed(entries []Entry, userID, message string) []Entry {
	out := copyEntries(entries)
	out = append(out,
		Entry{ID: userID, Content: message, Role: "user", Closed: true},
		Entry{Role: "assistant", Pending: true, Animating: true, ReplyToID: userID},
	)
	return out
}

// Reduce folds one event into the transcript and returns the new state.
//
// Unknown-id finalize events are a no-op: a finalize alone never fabricates
// a row. Sensitive-data flags do not touch the transcript either; they are
// handled by the decision prompt, and the transcript only sees the eventual
// abort or continuation events.
func Reduce(entries []Entry, ev datatypes.ChatEvent) []Entry {
	switch ev.Type {
	case datatypes.EventAbort:
		return applyTerminal(entries, ev, "", ev.Error)

	case datatypes.EventTextResponse:
		return applyTerminal(entries, ev, ev.TextResponse, ev.Error)

	case datatypes.EventTextChunk:
		return applyChunk(entries, ev)

	case datatypes.EventFinalize:
		return applyFinalize(entries, ev)

	case datatypes.EventStopGeneration:
		return applyStop(entries, ev)

	case datatypes.EventSensitiveData:
		return copyEntries(entries)

	default:
		return copyEntries(entries)
	}
}

// applyTerminal closes out the turn with one final row: the trailing
// placeholder is replaced when present, otherwise a row is appended.
func applyTerminal(entries []Entry, ev datatypes.ChatEvent, content, errMsg string) []Entry {
	out := copyEntries(entries)

	final := Entry{
		ID:      ev.TurnID,
		Content: content,
		Role:    "assistant",
		Sources: ev.Sources,
		Closed:  true,
		Error:   errMsg,
	}

	if n := len(out); n > 0 && out[n-1].Pending {
		final.ReplyToID = out[n-1].ReplyToID
		out[n-1] = final
		return out
	}
	return append(out, final)
}

// applyChunk concatenates a delta onto the turn's open row, creating the
// row if this is the first chunk. The terminating chunk closes the row and
// stops the animation.
func applyChunk(entries []Entry, ev datatypes.ChatEvent) []Entry {
	out := copyEntries(entries)

	idx := indexByID(out, ev.TurnID)
	if idx < 0 {
		// First chunk for this turn: claim the trailing placeholder if
		// one is waiting, otherwise start a new row.
		if n := len(out); n > 0 && out[n-1].Pending {
			idx = n - 1
			out[idx].ID = ev.TurnID
			out[idx].Pending = false
		} else {
			out = append(out, Entry{ID: ev.TurnID, Role: "assistant", Animating: true})
			idx = len(out) - 1
		}
	}

	out[idx].Content += ev.TextResponse
	if len(ev.Sources) > 0 {
		out[idx].Sources = ev.Sources
	}
	if ev.Error != "" {
		out[idx].Error = ev.Error
	}
	if ev.Close {
		out[idx].Closed = true
		out[idx].Animating = false
	} else {
		out[idx].Animating = true
	}
	return out
}

// applyFinalize stamps the persisted record id; content and flags are left
// untouched. Unknown ids are ignored.
func applyFinalize(entries []Entry, ev datatypes.ChatEvent) []Entry {
	out := copyEntries(entries)
	if idx := indexByID(out, ev.TurnID); idx >= 0 {
		out[idx].PersistedID = ev.ChatID
		if ev.Error != "" {
			out[idx].Error = ev.Error
		}
	}
	return out
}

// applyStop closes the turn's row where it stands, keeping the partial
// content already received.
func applyStop(entries []Entry, ev datatypes.ChatEvent) []Entry {
	out := copyEntries(entries)
	if idx := indexByID(out, ev.TurnID); idx >= 0 {
		out[idx].Closed = true
		out[idx].Animating = false
	}
	return out
}

func indexByID(entries []Entry, id string) int {
	if id == "" {
		return -1
	}
	for i := range entries {
		if entries[i].ID == id {
			return i
		}
	}
	return -1
}

func copyEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}
