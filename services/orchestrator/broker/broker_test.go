// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/moorline/moorline/services/orchestrator/datatypes"
)

func TestChoiceBroker_RegisterAndResolve(t *testing.T) {
	b := New(time.Second, nil)

	p, err := b.Register("turn-1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	go func() {
		if err := b.Resolve("turn-1", datatypes.DecisionContinue); err != nil {
			t.Errorf("Resolve failed: %v", err)
		}
	}()

	d, err := p.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if d != datatypes.DecisionContinue {
		t.Errorf("decision = %q, want %q", d, datatypes.DecisionContinue)
	}
	if count := b.PendingCount(); count != 0 {
		t.Errorf("PendingCount = %d, want 0", count)
	}
}

func TestChoiceBroker_ResolveAbort(t *testing.T) {
	b := New(time.Second, nil)

	p, err := b.Register("turn-abort")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	go b.Resolve("turn-abort", datatypes.DecisionAbort)

	d, err := p.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if d != datatypes.DecisionAbort {
		t.Errorf("decision = %q, want %q", d, datatypes.DecisionAbort)
	}
}

func TestChoiceBroker_DuplicateRegistration(t *testing.T) {
	b := New(time.Second, nil)

	first, err := b.Register("turn-dup")
	if err != nil {
		t.Fatalf("first Register failed: %v", err)
	}

	if _, err := b.Register("turn-dup"); !errors.Is(err, ErrDuplicateRegistration) {
		t.Fatalf("second Register error = %v, want ErrDuplicateRegistration", err)
	}

	// Original registration must still be live and resolvable.
	go b.Resolve("turn-dup", datatypes.DecisionContinue)

	d, err := first.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait on original registration failed: %v", err)
	}
	if d != datatypes.DecisionContinue {
		t.Errorf("decision = %q, want %q", d, datatypes.DecisionContinue)
	}
}

func TestChoiceBroker_ResolveUnknownTurn(t *testing.T) {
	b := New(time.Second, nil)

	if err := b.Resolve("never-registered", datatypes.DecisionContinue); !errors.Is(err, ErrNoPendingTurn) {
		t.Errorf("Resolve error = %v, want ErrNoPendingTurn", err)
	}
}

func TestChoiceBroker_Timeout(t *testing.T) {
	b := New(25*time.Millisecond, nil)

	p, err := b.Register("turn-slow")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err = p.Wait(context.Background())
	if !errors.Is(err, ErrDecisionTimeout) {
		t.Fatalf("Wait error = %v, want ErrDecisionTimeout", err)
	}

	// The registration is gone; a late decision is benign-unmatched.
	if err := b.Resolve("turn-slow", datatypes.DecisionContinue); !errors.Is(err, ErrNoPendingTurn) {
		t.Errorf("late Resolve error = %v, want ErrNoPendingTurn", err)
	}
	if count := b.PendingCount(); count != 0 {
		t.Errorf("PendingCount after timeout = %d, want 0", count)
	}
}

func TestChoiceBroker_ContextCancellation(t *testing.T) {
	b := New(time.Minute, nil)

	p, err := b.Register("turn-ctx")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = p.Wait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait error = %v, want context.Canceled", err)
	}
	if count := b.PendingCount(); count != 0 {
		t.Errorf("PendingCount after cancellation = %d, want 0", count)
	}
}

func TestChoiceBroker_Cancel(t *testing.T) {
	b := New(time.Minute, nil)

	p, err := b.Register("turn-cancel")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	p.Cancel()

	if count := b.PendingCount(); count != 0 {
		t.Errorf("PendingCount after Cancel = %d, want 0", count)
	}
	if err := b.Resolve("turn-cancel", datatypes.DecisionContinue); !errors.Is(err, ErrNoPendingTurn) {
		t.Errorf("Resolve after Cancel error = %v, want ErrNoPendingTurn", err)
	}

	// Turn id is free for re-registration after cancellation.
	if _, err := b.Register("turn-cancel"); err != nil {
		t.Errorf("re-Register after Cancel failed: %v", err)
	}
}

func TestChoiceBroker_DefaultTimeout(t *testing.T) {
	b := New(0, nil)
	if b.timeout != DefaultDecisionTimeout {
		t.Errorf("timeout = %v, want %v", b.timeout, DefaultDecisionTimeout)
	}
}

// A decision delivered at the same instant the timer fires must still
// reach the waiter exactly once, never be dropped.
func TestChoiceBroker_ResolveTimeoutRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		b := New(time.Millisecond, nil)
		turnID := fmt.Sprintf("turn-race-%d", i)

		p, err := b.Register(turnID)
		if err != nil {
			t.Fatalf("Register failed: %v", err)
		}

		resolveErr := make(chan error, 1)
		go func() {
			time.Sleep(time.Millisecond)
			resolveErr <- b.Resolve(turnID, datatypes.DecisionContinue)
		}()

		d, waitErr := p.Wait(context.Background())
		rErr := <-resolveErr

		switch {
		case waitErr == nil:
			// Waiter got the decision, so Resolve must have succeeded.
			if d != datatypes.DecisionContinue {
				t.Fatalf("iteration %d: decision = %q, want continue", i, d)
			}
			if rErr != nil {
				t.Fatalf("iteration %d: Wait succeeded but Resolve errored: %v", i, rErr)
			}
		case errors.Is(waitErr, ErrDecisionTimeout):
			// Waiter timed out first, so Resolve must have missed.
			if !errors.Is(rErr, ErrNoPendingTurn) {
				t.Fatalf("iteration %d: Wait timed out but Resolve error = %v", i, rErr)
			}
		default:
			t.Fatalf("iteration %d: unexpected Wait error: %v", i, waitErr)
		}

		if count := b.PendingCount(); count != 0 {
			t.Fatalf("iteration %d: PendingCount = %d, want 0", i, count)
		}
	}
}

func TestChoiceBroker_ConcurrentTurns(t *testing.T) {
	b := New(time.Second, nil)
	const turns = 50

	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		turnID := fmt.Sprintf("turn-%d", i)
		p, err := b.Register(turnID)
		if err != nil {
			t.Fatalf("Register %s failed: %v", turnID, err)
		}

		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := p.Wait(context.Background()); err != nil {
				t.Errorf("Wait %s failed: %v", p.TurnID(), err)
			}
		}()
		go func(id string) {
			defer wg.Done()
			if err := b.Resolve(id, datatypes.DecisionContinue); err != nil {
				t.Errorf("Resolve %s failed: %v", id, err)
			}
		}(turnID)
	}
	wg.Wait()

	if count := b.PendingCount(); count != 0 {
		t.Errorf("PendingCount = %d, want 0", count)
	}
}
