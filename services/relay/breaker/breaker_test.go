// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

var errProvider = errors.New("provider unavailable")

// testBreaker returns a breaker with an adjustable clock.
func testBreaker(t *testing.T, config Config) (*Breaker, *time.Time) {
	t.Helper()
	current := time.Unix(10000, 0)
	b := New("llm-test", store.NewMemory(), config,
		WithClock(func() time.Time { return current }))
	return b, &current
}

func failN(t *testing.T, b *Breaker, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		outcome, err := b.Do(ctx, func(context.Context) error { return errProvider })
		if outcome != OutcomeFailed {
			t.Fatalf("failure %d: outcome = %v, want OutcomeFailed", i+1, outcome)
		}
		if !errors.Is(err, errProvider) {
			t.Fatalf("failure %d: err = %v", i+1, err)
		}
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	b, _ := testBreaker(t, Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second})

	failN(t, b, 2)
	if got := b.State(ctx); got != StateClosed {
		t.Fatalf("state after 2 failures = %v, want closed", got)
	}

	failN(t, b, 1)
	if got := b.State(ctx); got != StateOpen {
		t.Fatalf("state after 3 failures = %v, want open", got)
	}
}

func TestBreaker_FailFastWithoutInvocation(t *testing.T) {
	ctx := context.Background()
	b, _ := testBreaker(t, Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second})

	failN(t, b, 5)

	invoked := false
	outcome, err := b.Do(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	if outcome != OutcomeOpen {
		t.Fatalf("outcome = %v, want OutcomeOpen", outcome)
	}
	if err != nil {
		t.Fatalf("open outcome should carry no error, got %v", err)
	}
	if invoked {
		t.Fatal("wrapped function was invoked while the breaker was open")
	}
}

func TestBreaker_HalfOpenProbeAfterRecoveryTimeout(t *testing.T) {
	ctx := context.Background()
	b, current := testBreaker(t, Config{
		FailureThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	})

	failN(t, b, 2)

	// Still inside the recovery timeout: fail fast.
	*current = current.Add(10 * time.Second)
	if outcome, _ := b.Do(ctx, func(context.Context) error { return nil }); outcome != OutcomeOpen {
		t.Fatalf("outcome inside recovery window = %v, want OutcomeOpen", outcome)
	}

	// Past the timeout: the next call is attempted.
	*current = current.Add(25 * time.Second)
	invoked := false
	outcome, _ := b.Do(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	if outcome != OutcomeOK || !invoked {
		t.Fatalf("probe call: outcome=%v invoked=%v", outcome, invoked)
	}
	if got := b.State(ctx); got != StateHalfOpen {
		t.Fatalf("state after one probe success = %v, want half-open", got)
	}

	// Second consecutive success closes.
	if outcome, _ := b.Do(ctx, func(context.Context) error { return nil }); outcome != OutcomeOK {
		t.Fatal("second probe should run")
	}
	if got := b.State(ctx); got != StateClosed {
		t.Fatalf("state after success threshold = %v, want closed", got)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	b, current := testBreaker(t, Config{
		FailureThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	})

	failN(t, b, 2)
	*current = current.Add(31 * time.Second)

	outcome, _ := b.Do(ctx, func(context.Context) error { return errProvider })
	if outcome != OutcomeFailed {
		t.Fatalf("probe outcome = %v, want OutcomeFailed", outcome)
	}
	if got := b.State(ctx); got != StateOpen {
		t.Fatalf("state after half-open failure = %v, want open", got)
	}

	// And the reopened breaker fails fast again.
	if outcome, _ := b.Do(ctx, func(context.Context) error { return nil }); outcome != OutcomeOpen {
		t.Fatalf("outcome = %v, want OutcomeOpen", outcome)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	b, _ := testBreaker(t, Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second})

	failN(t, b, 2)
	if outcome, _ := b.Do(ctx, func(context.Context) error { return nil }); outcome != OutcomeOK {
		t.Fatal("success should pass")
	}
	// Two more failures should not open (count was reset).
	failN(t, b, 2)
	if got := b.State(ctx); got != StateClosed {
		t.Fatalf("state = %v, want closed (failure count reset by success)", got)
	}
}

func TestBreaker_IndependentDependencies(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	primary := New("llm-primary", mem, Config{FailureThreshold: 2})
	agent := New("agent-runtime", mem, Config{FailureThreshold: 2})

	for i := 0; i < 2; i++ {
		primary.Do(ctx, func(context.Context) error { return errProvider })
	}

	if got := primary.State(ctx); got != StateOpen {
		t.Fatalf("primary state = %v, want open", got)
	}
	if got := agent.State(ctx); got != StateClosed {
		t.Fatalf("agent state = %v, want closed (independent breaker)", got)
	}
}

func TestBreaker_SharedStateAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	// Two breaker handles over the same store, as two workers would hold.
	w1 := New("llm-primary", mem, Config{FailureThreshold: 2})
	w2 := New("llm-primary", mem, Config{FailureThreshold: 2})

	w1.Do(ctx, func(context.Context) error { return errProvider })
	w2.Do(ctx, func(context.Context) error { return errProvider })

	// Failures from both workers accumulated in the shared record.
	if outcome, _ := w1.Do(ctx, func(context.Context) error { return nil }); outcome != OutcomeOpen {
		t.Fatalf("outcome = %v, want OutcomeOpen (state shared across workers)", outcome)
	}
}

func TestBreaker_StateChangeHook(t *testing.T) {
	ctx := context.Background()
	var transitions []State
	b := New("llm-primary", store.NewMemory(), Config{FailureThreshold: 1},
		WithStateChangeHook(func(_ string, s State) { transitions = append(transitions, s) }))

	b.Do(ctx, func(context.Context) error { return errProvider })

	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v, want [open]", transitions)
	}
}
