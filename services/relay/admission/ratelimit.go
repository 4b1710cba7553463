// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package admission

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

// ErrRateLimited is returned when a subject exceeds a limit class. Callers
// should surface RetryAfterMessage, not this error's text.
var ErrRateLimited = errors.New("rate limit exceeded")

// LimitClass names one independently configured sliding window.
type LimitClass string

const (
	// ClassMessage caps chat messages per user.
	ClassMessage LimitClass = "message"

	// ClassConnection caps new websocket connections per user.
	ClassConnection LimitClass = "connection"

	// ClassConcurrent caps simultaneously open connections per user.
	ClassConcurrent LimitClass = "concurrent"

	// ClassProjectCreation caps agent-driven project creations per user.
	ClassProjectCreation LimitClass = "project_creation"

	// ClassAnonymousIP caps unauthenticated attempts per source address.
	ClassAnonymousIP LimitClass = "anonymous_ip"
)

// Limit is the cap and window for one class.
type Limit struct {
	Max    int64
	Window time.Duration
}

// Limits maps every class to its configuration.
type Limits map[LimitClass]Limit

// DefaultLimits returns the production limit table.
func DefaultLimits() Limits {
	return Limits{
		ClassMessage:         {Max: 50, Window: time.Hour},
		ClassConnection:      {Max: 10, Window: time.Minute},
		ClassConcurrent:      {Max: 5, Window: 0},
		ClassProjectCreation: {Max: 10, Window: time.Hour},
		ClassAnonymousIP:     {Max: 20, Window: time.Hour},
	}
}

// Decision is the result of one admission check.
type Decision struct {
	// Allowed reports whether the attempt was admitted (and counted).
	Allowed bool

	// Remaining is how many attempts are left in the window.
	Remaining int64

	// RetryAfter is how long until the window resets. Zero when Allowed.
	RetryAfter time.Duration
}

// RetryAfterMessage renders a human-readable rejection for the client.
// Durations are rounded up to whole minutes for windows of a minute or
// more, matching what the product surfaces.
func (d Decision) RetryAfterMessage() string {
	if d.Allowed {
		return ""
	}
	if d.RetryAfter >= time.Minute {
		minutes := int(math.Ceil(d.RetryAfter.Minutes()))
		return fmt.Sprintf("rate limit exceeded, retry in %d minutes", minutes)
	}
	seconds := int(math.Ceil(d.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return fmt.Sprintf("rate limit exceeded, retry in %d seconds", seconds)
}

// RateLimiter enforces sliding-window limits through the shared store.
//
// Description:
//
//	Every check is one atomic create-or-increment in the shared store, so
//	concurrent workers and gateway instances cannot under-count and admit
//	more than the configured limit. The counter key carries the window TTL
//	set at creation; expiry resets the window implicitly.
//
// Thread Safety: Safe for concurrent use.
type RateLimiter struct {
	store  store.Store
	limits Limits
}

// NewRateLimiter creates a limiter over the shared store.
// limits defaults to DefaultLimits() when nil.
func NewRateLimiter(s store.Store, limits Limits) *RateLimiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &RateLimiter{store: s, limits: limits}
}

// Allow checks and counts one attempt by subject in the given class.
//
// Description:
//
//	Increments the subject's window counter atomically and compares the
//	post-increment count against the class limit. The increment and the
//	check are intentionally one operation; a separate read-then-increment
//	would race under concurrent workers.
//
// Inputs:
//
//	ctx - Request context.
//	subject - User id, or source address for ClassAnonymousIP.
//	class - The limit class to check.
//
// Outputs:
//
//	Decision - Allowed with Remaining, or rejected with RetryAfter.
//	error - Store failures only; unknown classes are rejected outright.
func (r *RateLimiter) Allow(ctx context.Context, subject string, class LimitClass) (Decision, error) {
	limit, ok := r.limits[class]
	if !ok {
		return Decision{}, fmt.Errorf("unknown limit class %q", class)
	}

	count, expiresIn, err := r.store.Incr(ctx, counterKey(subject, class), limit.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s/%s: %w", subject, class, err)
	}

	if count > limit.Max {
		retryAfter := expiresIn
		if retryAfter <= 0 {
			retryAfter = limit.Window
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}
	return Decision{Allowed: true, Remaining: limit.Max - count}, nil
}

// AcquireConn counts a newly opened connection against ClassConcurrent.
//
// Returns a rejected Decision when the subject is at its concurrent cap;
// the reservation is rolled back so the failed attempt does not consume a
// slot.
func (r *RateLimiter) AcquireConn(ctx context.Context, subject string) (Decision, error) {
	limit := r.limits[ClassConcurrent]

	count, _, err := r.store.Incr(ctx, counterKey(subject, ClassConcurrent), 0)
	if err != nil {
		return Decision{}, fmt.Errorf("acquire connection %s: %w", subject, err)
	}
	if count > limit.Max {
		if _, err := r.store.Decr(ctx, counterKey(subject, ClassConcurrent)); err != nil {
			return Decision{}, fmt.Errorf("release over-limit connection %s: %w", subject, err)
		}
		return Decision{Allowed: false, RetryAfter: time.Minute}, nil
	}
	return Decision{Allowed: true, Remaining: limit.Max - count}, nil
}

// ReleaseConn releases one concurrent-connection slot. The counter key is
// deleted when it reaches zero so closed-out subjects leave no stale keys.
func (r *RateLimiter) ReleaseConn(ctx context.Context, subject string) error {
	if _, err := r.store.Decr(ctx, counterKey(subject, ClassConcurrent)); err != nil {
		return fmt.Errorf("release connection %s: %w", subject, err)
	}
	return nil
}

func counterKey(subject string, class LimitClass) string {
	return "ratelimit:" + string(class) + ":" + subject
}
