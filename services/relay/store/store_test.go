// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

// openStores returns every Store implementation under test.
func openStores(t *testing.T) map[string]Store {
	t.Helper()

	badgerStore, err := OpenBadger(InMemoryBadgerConfig())
	if err != nil {
		t.Fatalf("open badger store: %v", err)
	}
	t.Cleanup(func() { badgerStore.Close() })

	return map[string]Store{
		"badger": badgerStore,
		"memory": NewMemory(),
	}
}

func TestStore_SetGet(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Set(ctx, "k", []byte("v"), 0); err != nil {
				t.Fatalf("set: %v", err)
			}
			got, ok, err := s.Get(ctx, "k")
			if err != nil || !ok {
				t.Fatalf("get: ok=%v err=%v", ok, err)
			}
			if string(got) != "v" {
				t.Errorf("got %q, want v", got)
			}

			_, ok, err = s.Get(ctx, "absent")
			if err != nil {
				t.Fatalf("get absent: %v", err)
			}
			if ok {
				t.Error("absent key reported present")
			}
		})
	}
}

func TestStore_SetNX(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			created, err := s.SetNX(ctx, "nx", []byte("first"), 0)
			if err != nil || !created {
				t.Fatalf("first setnx: created=%v err=%v", created, err)
			}
			created, err = s.SetNX(ctx, "nx", []byte("second"), 0)
			if err != nil {
				t.Fatalf("second setnx: %v", err)
			}
			if created {
				t.Error("second setnx reported created")
			}
			got, _, _ := s.Get(ctx, "nx")
			if string(got) != "first" {
				t.Errorf("value overwritten: got %q", got)
			}
		})
	}
}

func TestStore_GetDel_SingleConsumer(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Set(ctx, "once", []byte("payload"), 0); err != nil {
				t.Fatalf("set: %v", err)
			}

			// Many concurrent consumers; exactly one may win.
			var wg sync.WaitGroup
			wins := make(chan struct{}, 16)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, ok, _ := s.GetDel(ctx, "once"); ok {
						wins <- struct{}{}
					}
				}()
			}
			wg.Wait()
			close(wins)

			won := 0
			for range wins {
				won++
			}
			if won != 1 {
				t.Errorf("expected exactly 1 consumer, got %d", won)
			}
		})
	}
}

func TestStore_Incr(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			count, expiresIn, err := s.Incr(ctx, "ctr", time.Minute)
			if err != nil {
				t.Fatalf("incr: %v", err)
			}
			if count != 1 {
				t.Errorf("first incr = %d, want 1", count)
			}
			if expiresIn <= 0 {
				t.Errorf("expiresIn = %v, want positive", expiresIn)
			}

			count, _, err = s.Incr(ctx, "ctr", time.Minute)
			if err != nil {
				t.Fatalf("second incr: %v", err)
			}
			if count != 2 {
				t.Errorf("second incr = %d, want 2", count)
			}
		})
	}
}

func TestStore_Incr_Concurrent(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			const n = 50
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, _, err := s.Incr(ctx, "race", time.Minute); err != nil {
						t.Errorf("incr: %v", err)
					}
				}()
			}
			wg.Wait()

			count, _, err := s.Incr(ctx, "race", time.Minute)
			if err != nil {
				t.Fatalf("final incr: %v", err)
			}
			if count != n+1 {
				t.Errorf("count = %d, want %d (lost increments)", count, n+1)
			}
		})
	}
}

func TestStore_Decr_DeletesAtZero(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			s.Incr(ctx, "conns", 0)
			s.Incr(ctx, "conns", 0)

			count, err := s.Decr(ctx, "conns")
			if err != nil || count != 1 {
				t.Fatalf("decr: count=%d err=%v, want 1", count, err)
			}
			count, err = s.Decr(ctx, "conns")
			if err != nil || count != 0 {
				t.Fatalf("decr to zero: count=%d err=%v", count, err)
			}

			// Key must be gone, not a zero-valued tombstone.
			_, ok, _ := s.Get(ctx, "conns")
			if ok {
				t.Error("counter key survived reaching zero")
			}

			// Decrementing an absent key stays at zero.
			count, err = s.Decr(ctx, "conns")
			if err != nil || count != 0 {
				t.Fatalf("decr absent: count=%d err=%v", count, err)
			}
		})
	}
}

func TestStore_Update(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Update(ctx, "state", 0, func(old []byte) ([]byte, error) {
				if old != nil {
					t.Errorf("expected nil old value, got %q", old)
				}
				return []byte("v1"), nil
			})
			if err != nil {
				t.Fatalf("create via update: %v", err)
			}

			err = s.Update(ctx, "state", 0, func(old []byte) ([]byte, error) {
				if string(old) != "v1" {
					t.Errorf("old = %q, want v1", old)
				}
				return []byte("v2"), nil
			})
			if err != nil {
				t.Fatalf("mutate via update: %v", err)
			}

			// nil result deletes.
			if err := s.Update(ctx, "state", 0, func([]byte) ([]byte, error) { return nil, nil }); err != nil {
				t.Fatalf("delete via update: %v", err)
			}
			if _, ok, _ := s.Get(ctx, "state"); ok {
				t.Error("key survived nil update")
			}
		})
	}
}

func TestMemory_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	current := time.Unix(1000, 0)
	m.SetNow(func() time.Time { return current })

	m.Set(ctx, "short", []byte("v"), 30*time.Second)

	if _, ok, _ := m.Get(ctx, "short"); !ok {
		t.Fatal("key should be live inside TTL")
	}

	current = current.Add(31 * time.Second)
	if _, ok, _ := m.Get(ctx, "short"); ok {
		t.Error("key should have expired")
	}
}
