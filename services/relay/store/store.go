// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides the shared coordination store used by every worker
// and gateway connection: connection tokens, rate-limit counters, circuit
// breaker state, the intent cache, and image generation sessions all live
// here rather than in process memory.
//
// # Atomicity
//
// Workers coordinate exclusively through this store, so the primitives are
// atomic by contract: Incr is create-or-increment in one transaction, SetNX
// is create-if-absent, GetDel is read-and-delete, and Update is a
// read-modify-write executed under a single transaction. A plain read
// followed by a separate write is never sufficient for counters; callers
// must use these primitives.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the store could not be reached or opened.
// Handlers map it to 503.
var ErrUnavailable = errors.New("shared store unavailable")

// Store is the shared coordination store contract.
type Store interface {
	// Get returns the value for key, with ok=false when absent or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set writes key=value with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes key=value only if the key is absent. Returns true when
	// the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// GetDel atomically reads and deletes key. ok=false means the key was
	// absent (or already consumed by a concurrent caller).
	GetDel(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Incr atomically increments the counter at key, creating it with the
	// given TTL when absent. The TTL set at creation is preserved across
	// subsequent increments. Returns the post-increment count and the time
	// remaining in the window.
	Incr(ctx context.Context, key string, ttl time.Duration) (count int64, expiresIn time.Duration, err error)

	// Decr atomically decrements the counter at key, deleting the key when
	// it reaches zero or below so stale keys do not accumulate. Absent keys
	// decrement to zero (no key is created).
	Decr(ctx context.Context, key string) (count int64, err error)

	// Update applies fn to the current value of key under one transaction.
	// fn receives nil when the key is absent; the returned bytes replace
	// the value with the given TTL. Returning nil bytes deletes the key.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(old []byte) ([]byte, error)) error

	// Close releases the underlying resources.
	Close() error
}
