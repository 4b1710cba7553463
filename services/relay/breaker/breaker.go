// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker implements the circuit breaker pattern for external
// dependencies, with state shared through the coordination store so every
// worker observes the same breaker.
//
// The breaker has three states:
//   - Closed: normal operation, calls pass through
//   - Open: failure threshold exceeded, calls are rejected immediately
//   - Half-Open: testing recovery, calls are attempted
//
// A "breaker open" condition is an Outcome value, not an error: callers
// branch on OutcomeOpen to substitute a fallback response, and real errors
// stay reserved for actual call failures.
//
// Thread Safety: Breaker is safe for concurrent use across processes.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed allows calls through normally.
	StateClosed State = iota

	// StateOpen rejects all calls immediately.
	StateOpen

	// StateHalfOpen attempts calls to test recovery.
	StateHalfOpen
)

// String returns the human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Outcome is the result classification of one guarded call.
type Outcome int

const (
	// OutcomeOK means the wrapped call ran and succeeded.
	OutcomeOK Outcome = iota

	// OutcomeOpen means the breaker rejected the call without invoking it.
	// Callers substitute a cached or fallback response.
	OutcomeOpen

	// OutcomeFailed means the wrapped call ran and failed.
	OutcomeFailed
)

// Config configures one breaker instance.
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes
	// required to close.
	SuccessThreshold int
}

// DefaultConfig returns sensible defaults for the breaker.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// record is the breaker state persisted in the shared store.
type record struct {
	State             State `json:"state"`
	Failures          int   `json:"failures"`
	HalfOpenSuccesses int   `json:"half_open_successes"`
	LastFailureMs     int64 `json:"last_failure_ms"`
}

// Breaker guards calls to one named external dependency.
//
// Description:
//
//	State lives in the shared store under "breaker:<name>" and is mutated
//	only inside atomic read-modify-write operations, so concurrent workers
//	in separate processes agree on the breaker's state. Business logic
//	never touches the record directly.
type Breaker struct {
	name   string
	config Config
	store  store.Store
	logger *slog.Logger

	// now is injectable for tests.
	now func() time.Time

	// onStateChange, when set, observes transitions (metrics hook).
	onStateChange func(name string, state State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces the breaker's clock. Tests use this to elapse the
// recovery timeout without sleeping.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChangeHook registers a callback invoked on every transition.
func WithStateChangeHook(hook func(name string, state State)) Option {
	return func(b *Breaker) { b.onStateChange = hook }
}

// New creates a breaker for the named dependency.
//
// Inputs:
//
//	name - Dependency name, e.g. "llm-primary" or "agent-runtime".
//	s - Shared store. Must not be nil.
//	config - Thresholds and timeouts. Zero fields take defaults.
func New(name string, s store.Store, config Config, opts ...Option) *Breaker {
	defaults := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}

	b := &Breaker{
		name:   name,
		config: config,
		store:  s,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Do runs fn under the breaker.
//
// Description:
//
//	Checks admission first: while open and inside the recovery timeout the
//	call is rejected with OutcomeOpen and fn is never invoked. Once the
//	recovery timeout has elapsed the breaker moves to half-open and the
//	call is attempted. Success and failure are recorded after fn returns,
//	driving the state machine transitions.
//
// Outputs:
//
//	Outcome - OutcomeOK, OutcomeOpen, or OutcomeFailed.
//	error - The wrapped call's error when OutcomeFailed; nil otherwise.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) (Outcome, error) {
	allowed, err := b.allow(ctx)
	if err != nil {
		// A store failure must not take the call path down with it; treat
		// the breaker as closed and log.
		b.logger.Error("breaker state unavailable, allowing call",
			"breaker", b.name, "error", err)
		allowed = true
	}
	if !allowed {
		return OutcomeOpen, nil
	}

	if err := fn(ctx); err != nil {
		b.recordFailure(ctx)
		return OutcomeFailed, err
	}
	b.recordSuccess(ctx)
	return OutcomeOK, nil
}

// State returns the breaker's current state from the shared store.
func (b *Breaker) State(ctx context.Context) State {
	raw, ok, err := b.store.Get(ctx, b.key())
	if err != nil || !ok {
		return StateClosed
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return StateClosed
	}
	// Report the effective state: an open breaker past its recovery
	// timeout will admit the next call.
	if rec.State == StateOpen && b.recoveryElapsed(rec) {
		return StateHalfOpen
	}
	return rec.State
}

// Reset forces the breaker closed. Primarily for tests and operators.
func (b *Breaker) Reset(ctx context.Context) error {
	return b.mutate(ctx, func(rec *record) {
		*rec = record{State: StateClosed}
	})
}

// allow decides admission, transitioning open → half-open when the
// recovery timeout has elapsed.
func (b *Breaker) allow(ctx context.Context) (bool, error) {
	allowed := false
	err := b.mutate(ctx, func(rec *record) {
		switch rec.State {
		case StateClosed, StateHalfOpen:
			allowed = true
		case StateOpen:
			if b.recoveryElapsed(*rec) {
				rec.State = StateHalfOpen
				rec.HalfOpenSuccesses = 0
				allowed = true
			}
		}
	})
	return allowed, err
}

func (b *Breaker) recordSuccess(ctx context.Context) {
	err := b.mutate(ctx, func(rec *record) {
		switch rec.State {
		case StateClosed:
			rec.Failures = 0
		case StateHalfOpen:
			rec.HalfOpenSuccesses++
			if rec.HalfOpenSuccesses >= b.config.SuccessThreshold {
				rec.State = StateClosed
				rec.Failures = 0
				rec.HalfOpenSuccesses = 0
			}
		}
	})
	if err != nil {
		b.logger.Error("failed to record breaker success", "breaker", b.name, "error", err)
	}
}

func (b *Breaker) recordFailure(ctx context.Context) {
	err := b.mutate(ctx, func(rec *record) {
		rec.LastFailureMs = b.now().UnixMilli()
		switch rec.State {
		case StateClosed:
			rec.Failures++
			if rec.Failures >= b.config.FailureThreshold {
				rec.State = StateOpen
			}
		case StateHalfOpen:
			// Any failure while probing reopens immediately.
			rec.State = StateOpen
			rec.HalfOpenSuccesses = 0
		}
	})
	if err != nil {
		b.logger.Error("failed to record breaker failure", "breaker", b.name, "error", err)
	}
}

// mutate applies fn to the persisted record atomically and fires the state
// change hook when the state moved.
func (b *Breaker) mutate(ctx context.Context, fn func(*record)) error {
	var before, after State
	err := b.store.Update(ctx, b.key(), 0, func(old []byte) ([]byte, error) {
		var rec record
		if old != nil {
			if err := json.Unmarshal(old, &rec); err != nil {
				// Corrupt record: start over closed rather than wedge.
				rec = record{}
			}
		}
		before = rec.State
		fn(&rec)
		after = rec.State
		return json.Marshal(rec)
	})
	if err != nil {
		return fmt.Errorf("breaker %s: %w", b.name, err)
	}
	if before != after {
		b.logger.Info("breaker state changed",
			"breaker", b.name,
			"from", before.String(),
			"to", after.String())
		if b.onStateChange != nil {
			b.onStateChange(b.name, after)
		}
	}
	return nil
}

func (b *Breaker) recoveryElapsed(rec record) bool {
	last := time.UnixMilli(rec.LastFailureMs)
	return b.now().Sub(last) >= b.config.RecoveryTimeout
}

func (b *Breaker) key() string {
	return "breaker:" + b.name
}
