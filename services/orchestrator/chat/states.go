// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

// TurnState tracks where a turn is in its pipeline. States advance
// monotonically; Aborted, Finalized and StreamCancelled are terminal.
type TurnState string

const (
	// StateDispatching is the initial state after a turn is accepted.
	StateDispatching TurnState = "dispatching"

	// StateModerationCheck screens the prompt before any model call.
	StateModerationCheck TurnState = "moderation_check"

	// StateSensitiveCheck scans the prompt for sensitive data.
	StateSensitiveCheck TurnState = "sensitive_check"

	// StateAwaitingDecision suspends the turn on a sensitive-data finding
	// until the user decides to continue or abort.
	StateAwaitingDecision TurnState = "awaiting_decision"

	// StateRetrieving gathers workspace context from the vector index.
	StateRetrieving TurnState = "retrieving"

	// StateAssembling builds the model prompt from context and history.
	StateAssembling TurnState = "assembling"

	// StateCompleting streams or generates the model reply.
	StateCompleting TurnState = "completing"

	// StateFinalizing persists the turn and emits the closing event.
	StateFinalizing TurnState = "finalizing"

	// StateAborted is terminal: the turn ended before producing a reply.
	StateAborted TurnState = "aborted"

	// StateFinalized is terminal: the turn completed and was persisted.
	StateFinalized TurnState = "finalized"

	// StateStreamCancelled is terminal: the client stopped generation
	// mid-stream.
	StateStreamCancelled TurnState = "stream_cancelled"
)

// Terminal reports whether the state ends the turn.
func (s TurnState) Terminal() bool {
	switch s {
	case StateAborted, StateFinalized, StateStreamCancelled:
		return true
	}
	return false
}
