// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// # Description
// Package broker provides the rendezvous point between a suspended chat
// turn and the out-of-band decision that resumes it. When a turn detects
// sensitive data it registers itself here and blocks; the decision
// endpoint resolves the turn by id. Delivery is at-most-once: a decision
// either reaches exactly one waiting turn or is reported as unmatched.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/moorline/moorline/services/orchestrator/datatypes"
	"github.com/moorline/moorline/services/orchestrator/observability"
)

// DefaultDecisionTimeout bounds how long a turn stays suspended waiting
// for a user decision before it is aborted.
const DefaultDecisionTimeout = 20 * time.Second

var (
	// ErrDuplicateRegistration is returned when a turn id is already
	// awaiting a decision. The original registration is left untouched.
	ErrDuplicateRegistration = errors.New("turn is already awaiting a decision")

	// ErrNoPendingTurn is returned when a decision arrives for a turn
	// that is not suspended. This is expected when the turn has already
	// timed out or been cancelled, and callers should treat it as benign.
	ErrNoPendingTurn = errors.New("no pending turn for id")

	// ErrDecisionTimeout is returned by Wait when no decision arrives
	// within the broker's timeout window.
	ErrDecisionTimeout = errors.New("timed out waiting for decision")
)

// ============================================================================
// ChoiceBroker
// ============================================================================

// ChoiceBroker matches decisions to suspended turns by turn id.
// All methods are safe for concurrent use.
type ChoiceBroker struct {
	mu      sync.Mutex
	pending map[string]*PendingDecision
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a ChoiceBroker. A non-positive timeout falls back to
// DefaultDecisionTimeout; a nil logger falls back to slog.Default().
func New(timeout time.Duration, logger *slog.Logger) *ChoiceBroker {
	if timeout <= 0 {
		timeout = DefaultDecisionTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChoiceBroker{
		pending: make(map[string]*PendingDecision),
		timeout: timeout,
		logger:  logger,
	}
}

// Register suspends a turn until a decision arrives or the timeout
// elapses. Returns ErrDuplicateRegistration if the turn id is already
// registered; the existing registration is not disturbed.
func (b *ChoiceBroker) Register(turnID string) (*PendingDecision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.pending[turnID]; exists {
		return nil, ErrDuplicateRegistration
	}

	p := &PendingDecision{
		broker: b,
		turnID: turnID,
		// Buffered so Resolve never blocks on delivery.
		ch: make(chan datatypes.Decision, 1),
	}
	b.pending[turnID] = p

	if m := observability.DefaultMetrics; m != nil {
		m.DecisionPending()
	}
	b.logger.Debug("turn suspended awaiting decision", "turn_id", turnID)

	return p, nil
}

// Resolve delivers a decision to the turn registered under turnID.
// Returns ErrNoPendingTurn when no such turn is suspended, which happens
// whenever the decision loses the race against timeout or cancellation.
func (b *ChoiceBroker) Resolve(turnID string, decision datatypes.Decision) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, exists := b.pending[turnID]
	if !exists {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordDecision(observability.DecisionOutcomeUnmatched)
		}
		b.logger.Debug("decision had no matching turn", "turn_id", turnID)
		return ErrNoPendingTurn
	}

	delete(b.pending, turnID)
	// Send under the lock: once the entry is gone from the map, the
	// decision is guaranteed to sit in the buffer before any waiter's
	// cleanup path can observe the removal.
	p.ch <- decision

	b.logger.Debug("decision delivered", "turn_id", turnID, "decision", string(decision))
	return nil
}

// PendingCount reports the number of turns currently suspended.
func (b *ChoiceBroker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// remove unregisters p if it is still the registration for its turn id.
// Reports whether removal happened; false means Resolve already claimed it.
func (b *ChoiceBroker) remove(p *PendingDecision) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if current, exists := b.pending[p.turnID]; exists && current == p {
		delete(b.pending, p.turnID)
		return true
	}
	return false
}

// ============================================================================
// PendingDecision
// ============================================================================

// PendingDecision is a single suspended turn's handle for awaiting
// its decision.
type PendingDecision struct {
	broker *ChoiceBroker
	turnID string
	ch     chan datatypes.Decision
}

// TurnID returns the id of the suspended turn.
func (p *PendingDecision) TurnID() string {
	return p.turnID
}

// Wait blocks until a decision arrives, the broker timeout elapses, or
// ctx is done. On timeout it returns ErrDecisionTimeout; on context
// cancellation it returns ctx.Err(). Either way the registration is
// removed, so later decisions for this turn get ErrNoPendingTurn.
func (p *PendingDecision) Wait(ctx context.Context) (datatypes.Decision, error) {
	timer := time.NewTimer(p.broker.timeout)
	defer timer.Stop()

	settle := func() {
		if m := observability.DefaultMetrics; m != nil {
			m.DecisionSettled()
		}
	}

	select {
	case d := <-p.ch:
		settle()
		if m := observability.DefaultMetrics; m != nil {
			m.RecordDecision(string(d))
		}
		return d, nil

	case <-timer.C:
		if !p.broker.remove(p) {
			// Resolve won the race and the decision is already buffered.
			d := <-p.ch
			settle()
			if m := observability.DefaultMetrics; m != nil {
				m.RecordDecision(string(d))
			}
			return d, nil
		}
		settle()
		if m := observability.DefaultMetrics; m != nil {
			m.RecordDecision(observability.DecisionOutcomeTimeout)
		}
		p.broker.logger.Info("decision window expired", "turn_id", p.turnID)
		return "", ErrDecisionTimeout

	case <-ctx.Done():
		if !p.broker.remove(p) {
			d := <-p.ch
			settle()
			if m := observability.DefaultMetrics; m != nil {
				m.RecordDecision(string(d))
			}
			return d, nil
		}
		settle()
		p.broker.logger.Debug("decision wait cancelled", "turn_id", p.turnID, "error", ctx.Err())
		return "", ctx.Err()
	}
}

// Cancel withdraws the registration without waiting. Safe to call after
// Wait has returned; it only acts if the registration is still live.
func (p *PendingDecision) Cancel() {
	if p.broker.remove(p) {
		if m := observability.DefaultMetrics; m != nil {
			m.DecisionSettled()
		}
		p.broker.logger.Debug("decision registration withdrawn", "turn_id", p.turnID)
	}
}
