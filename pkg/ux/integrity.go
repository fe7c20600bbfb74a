// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file verifies the per-stream hash chain client-side. Each event
// carries a Hash computed from its content and a PrevHash linking to the
// previous event:
//
//	Event[0] → Event[1] → Event[2] → ... → Event[N]
//	  Hash₀     Hash₁     Hash₂           HashN
//
// If any event is modified in transit, its recomputed hash no longer
// matches and the chain reports exactly where it broke.
package ux

import (
	"crypto/subtle"
	"fmt"

	"github.com/moorline/moorline/services/orchestrator/datatypes"
)

// secureHashEqual performs constant-time comparison of two hash strings.
func secureHashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ChainBreak describes one verification failure.
type ChainBreak struct {
	// Index of the failing event in arrival order.
	Index int

	// EventID of the failing event, for log correlation.
	EventID string

	// Reason is a human-readable description of the failure.
	Reason string
}

// ChainVerificationResult is the outcome of verifying a full stream.
type ChainVerificationResult struct {
	// Valid is true when every event hashed correctly and every link held.
	Valid bool

	// EventCount is the number of events examined.
	EventCount int

	// Breaks lists each failure; empty when Valid.
	Breaks []ChainBreak
}

// ChainVerifier validates the hash chain of a received event stream.
type ChainVerifier interface {
	Verify(events []datatypes.ChatEvent) *ChainVerificationResult
}

type chainVerifier struct{}

// NewChainVerifier creates a verifier using the shared event hash formula.
func NewChainVerifier() ChainVerifier {
	return &chainVerifier{}
}

// Verify recomputes every event hash and checks each PrevHash link.
// Events predating envelope stamping (no Hash at all) fail verification;
// an absent chain is indistinguishable from a stripped one.
func (v *chainVerifier) Verify(events []datatypes.ChatEvent) *ChainVerificationResult {
	result := &ChainVerificationResult{
		Valid:      true,
		EventCount: len(events),
	}

	prevHash := ""
	for i, event := range events {
		if event.Hash == "" {
			result.addBreak(i, event.EventID, "event carries no hash")
			prevHash = ""
			continue
		}

		if !secureHashEqual(event.PrevHash, prevHash) {
			result.addBreak(i, event.EventID,
				fmt.Sprintf("chain link broken: prev_hash %s does not match preceding hash %s",
					truncateHash(event.PrevHash), truncateHash(prevHash)))
		}

		computed := datatypes.ComputeEventHash(event)
		if !secureHashEqual(event.Hash, computed) {
			result.addBreak(i, event.EventID, "content hash mismatch")
		}

		prevHash = event.Hash
	}

	return result
}

func (r *ChainVerificationResult) addBreak(index int, eventID, reason string) {
	r.Valid = false
	r.Breaks = append(r.Breaks, ChainBreak{Index: index, EventID: eventID, Reason: reason})
}

// truncateHash shortens a hash for display.
func truncateHash(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12] + "…"
}
