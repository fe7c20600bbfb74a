// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the out-of-band decision message that resumes a turn
// suspended on sensitive-data review.
package datatypes

// =============================================================================
// Decision Values
// =============================================================================

// Decision is the user's answer to a sensitive-data prompt.
type Decision string

const (
	// DecisionContinue proceeds with the redacted message.
	DecisionContinue Decision = "continue"

	// DecisionAbort terminates the turn.
	DecisionAbort Decision = "abort"
)

// =============================================================================
// Decision Request
// =============================================================================

// DecisionRequest is the body of POST /v1/chat/decision. It is correlated
// to a suspended turn purely by TurnID; a decision referencing an unknown
// or already-settled turn is acknowledged benignly, never treated as a
// user-visible error.
type DecisionRequest struct {
	TurnID   string   `json:"turnId" validate:"required,uuid4"`
	Decision Decision `json:"decision" validate:"required,oneof=continue abort"`
}

// Validate validates the DecisionRequest fields.
func (r *DecisionRequest) Validate() error {
	return chatValidate.Struct(r)
}

// DecisionResponse acknowledges a decision submission.
//
// Delivered is false when no turn was waiting on the given TurnID (the
// decision arrived after timeout, after settlement, or was a duplicate).
// That outcome is benign and the HTTP status is still 200.
type DecisionResponse struct {
	Delivered bool   `json:"delivered"`
	TurnID    string `json:"turnId"`
}
