// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package broadcast

import (
	"fmt"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

func TestHub_PublishReachesSubscriber(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("conv-1")
	defer sub.Close()

	if got := hub.Publish("conv-1", datatypes.NewChunk("hello")); got != 1 {
		t.Fatalf("delivered = %d, want 1", got)
	}

	ev := <-sub.C
	chunk, ok := ev.(datatypes.ChunkEvent)
	if !ok {
		t.Fatalf("event type = %T", ev)
	}
	if chunk.Chunk != "hello" {
		t.Errorf("chunk = %q", chunk.Chunk)
	}
}

func TestHub_ConversationsIsolated(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe("conv-a")
	defer a.Close()
	b := hub.Subscribe("conv-b")
	defer b.Close()

	hub.Publish("conv-a", datatypes.NewChunk("for a"))

	select {
	case <-b.C:
		t.Fatal("conv-b received conv-a's event")
	default:
	}
	if len(a.C) != 1 {
		t.Fatalf("conv-a buffer = %d, want 1", len(a.C))
	}
}

func TestHub_NoSubscriberDrops(t *testing.T) {
	hub := NewHub()

	// At-most-once: publishing into the void is not an error.
	if got := hub.Publish("conv-none", datatypes.NewChunk("lost")); got != 0 {
		t.Errorf("delivered = %d, want 0", got)
	}
}

func TestHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	dropped := 0
	hub := NewHub(WithBufferSize(2), WithDropHook(func(string) { dropped++ }))
	sub := hub.Subscribe("conv-1")
	defer sub.Close()

	// Nobody draining: the third publish must drop, not block.
	for i := 0; i < 3; i++ {
		hub.Publish("conv-1", datatypes.NewChunk(fmt.Sprintf("chunk %d", i)))
	}

	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if len(sub.C) != 2 {
		t.Errorf("buffered = %d, want 2", len(sub.C))
	}

	// Buffered events stay in publish order.
	first := (<-sub.C).(datatypes.ChunkEvent)
	if first.Chunk != "chunk 0" {
		t.Errorf("first buffered chunk = %q", first.Chunk)
	}
}

func TestHub_MultipleSubscribersEachReceive(t *testing.T) {
	hub := NewHub()
	subs := make([]*Subscription, 3)
	for i := range subs {
		subs[i] = hub.Subscribe("conv-1")
		defer subs[i].Close()
	}

	if got := hub.Publish("conv-1", datatypes.NewComplete(false, false)); got != 3 {
		t.Fatalf("delivered = %d, want 3", got)
	}
	for i, sub := range subs {
		if len(sub.C) != 1 {
			t.Errorf("subscriber %d buffer = %d, want 1", i, len(sub.C))
		}
	}
}

func TestHub_CloseDetachesAndTerminatesChannel(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("conv-1")

	sub.Close()
	sub.Close() // idempotent

	if got := hub.SubscriberCount("conv-1"); got != 0 {
		t.Errorf("subscriber count = %d, want 0", got)
	}
	if _, open := <-sub.C; open {
		t.Error("channel should be closed after Close")
	}

	if got := hub.Publish("conv-1", datatypes.NewChunk("late")); got != 0 {
		t.Errorf("delivered to closed subscription = %d, want 0", got)
	}
}

func TestHub_ConcurrentPublishAndSubscribe(t *testing.T) {
	hub := NewHub(WithBufferSize(1))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			convID := fmt.Sprintf("conv-%d", n%2)
			sub := hub.Subscribe(convID)
			hub.Publish(convID, datatypes.NewPong())
			sub.Close()
		}(i)
	}
	wg.Wait()

	if got := hub.SubscriberCount("conv-0") + hub.SubscriberCount("conv-1"); got != 0 {
		t.Errorf("lingering subscribers = %d", got)
	}
}
