// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package admission

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

func newTestLimiter(limits Limits) (*RateLimiter, *store.Memory) {
	mem := store.NewMemory()
	return NewRateLimiter(mem, limits), mem
}

func TestRateLimiter_RejectsOverLimit(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(Limits{
		ClassMessage: {Max: 3, Window: time.Hour},
	})

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(ctx, "user-1", ClassMessage)
		if err != nil {
			t.Fatalf("allow %d: %v", i+1, err)
		}
		if !d.Allowed {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}

	d, err := limiter.Allow(ctx, "user-1", ClassMessage)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed {
		t.Fatal("4th attempt should be rejected")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", d.RetryAfter)
	}
}

func TestRateLimiter_SubjectsIndependent(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(Limits{
		ClassMessage: {Max: 2, Window: time.Hour},
	})

	limiter.Allow(ctx, "user-1", ClassMessage)
	limiter.Allow(ctx, "user-1", ClassMessage)

	if d, _ := limiter.Allow(ctx, "user-1", ClassMessage); d.Allowed {
		t.Fatal("user-1 should be limited")
	}
	if d, _ := limiter.Allow(ctx, "user-2", ClassMessage); !d.Allowed {
		t.Fatal("user-2 must not be affected by user-1's counter")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	current := time.Unix(9000, 0)
	mem.SetNow(func() time.Time { return current })
	limiter := NewRateLimiter(mem, Limits{
		ClassMessage: {Max: 1, Window: time.Minute},
	})

	if d, _ := limiter.Allow(ctx, "user-1", ClassMessage); !d.Allowed {
		t.Fatal("first attempt should pass")
	}
	if d, _ := limiter.Allow(ctx, "user-1", ClassMessage); d.Allowed {
		t.Fatal("second attempt inside window should fail")
	}

	current = current.Add(61 * time.Second)
	if d, _ := limiter.Allow(ctx, "user-1", ClassMessage); !d.Allowed {
		t.Fatal("attempt after window expiry should pass")
	}
}

// Fifty messages per hour is the production message limit; the 51st must be
// rejected with a retry time in minutes, and another user is unaffected.
func TestRateLimiter_HourlyMessageScenario(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(nil) // production defaults

	for i := 0; i < 50; i++ {
		d, err := limiter.Allow(ctx, "sender", ClassMessage)
		if err != nil {
			t.Fatalf("allow %d: %v", i+1, err)
		}
		if !d.Allowed {
			t.Fatalf("message %d should be admitted", i+1)
		}
	}

	d, err := limiter.Allow(ctx, "sender", ClassMessage)
	if err != nil {
		t.Fatalf("allow 51st: %v", err)
	}
	if d.Allowed {
		t.Fatal("51st message inside the hour should be rejected")
	}
	msg := d.RetryAfterMessage()
	if !strings.Contains(msg, "minutes") {
		t.Errorf("retry message %q should name minutes", msg)
	}

	if d, _ := limiter.Allow(ctx, "other-user", ClassMessage); !d.Allowed {
		t.Fatal("a different user's 51st-window message must be unaffected")
	}
}

func TestRateLimiter_ConcurrentAdmissionNeverOverAdmits(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(Limits{
		ClassMessage: {Max: 10, Window: time.Hour},
	})

	var wg sync.WaitGroup
	admitted := make(chan struct{}, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, err := limiter.Allow(ctx, "burst", ClassMessage); err == nil && d.Allowed {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for range admitted {
		count++
	}
	if count != 10 {
		t.Errorf("admitted %d attempts, want exactly 10", count)
	}
}

func TestRateLimiter_ConcurrentConnections(t *testing.T) {
	ctx := context.Background()
	limiter, mem := newTestLimiter(Limits{
		ClassConcurrent: {Max: 2, Window: 0},
	})

	if d, _ := limiter.AcquireConn(ctx, "user-1"); !d.Allowed {
		t.Fatal("first connection should be admitted")
	}
	if d, _ := limiter.AcquireConn(ctx, "user-1"); !d.Allowed {
		t.Fatal("second connection should be admitted")
	}
	if d, _ := limiter.AcquireConn(ctx, "user-1"); d.Allowed {
		t.Fatal("third connection should exceed the concurrent cap")
	}

	// The rejected acquire must not leak a slot.
	if got := mem.CounterValue("ratelimit:concurrent:user-1"); got != 2 {
		t.Errorf("counter = %d after rejected acquire, want 2", got)
	}

	if err := limiter.ReleaseConn(ctx, "user-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if d, _ := limiter.AcquireConn(ctx, "user-1"); !d.Allowed {
		t.Fatal("connection should be admitted after a release")
	}

	// Draining to zero removes the key entirely.
	limiter.ReleaseConn(ctx, "user-1")
	limiter.ReleaseConn(ctx, "user-1")
	if got := mem.CounterValue("ratelimit:concurrent:user-1"); got != 0 {
		t.Errorf("counter = %d after full drain, want 0 (key deleted)", got)
	}
}

func TestDecision_RetryAfterMessage(t *testing.T) {
	d := Decision{Allowed: false, RetryAfter: 42 * time.Minute}
	if got := d.RetryAfterMessage(); !strings.Contains(got, "42 minutes") {
		t.Errorf("message = %q, want minutes rendering", got)
	}

	d = Decision{Allowed: false, RetryAfter: 30 * time.Second}
	if got := d.RetryAfterMessage(); !strings.Contains(got, "seconds") {
		t.Errorf("message = %q, want seconds rendering", got)
	}

	if got := (Decision{Allowed: true}).RetryAfterMessage(); got != "" {
		t.Errorf("allowed decision rendered %q", got)
	}
}
