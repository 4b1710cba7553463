// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package broadcast fans worker events out to websocket connections, keyed
// by conversation id.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// DefaultBufferSize is the per-subscriber event buffer.
const DefaultBufferSize = 64

// Subscription is one consumer's view of a conversation's event stream.
type Subscription struct {
	// C delivers events in publish order for this subscription.
	C <-chan datatypes.Event

	hub    *Hub
	convID string
	ch     chan datatypes.Event
	once   sync.Once
}

// Close detaches the subscription from the hub. Safe to call more than once.
// The event channel is closed so relay loops ranging over C terminate.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s.convID, s)
		close(s.ch)
	})
}

// Hub routes published events to the subscribers of a conversation.
//
// Description:
//
//	Delivery is at-most-once: an event published with no subscriber is
//	dropped, and a subscriber whose buffer is full misses the event rather
//	than stall the publisher. Workers never block on slow clients.
//
// Thread Safety: Hub is safe for concurrent use.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]map[*Subscription]struct{}
	bufferSize int
	logger     *slog.Logger

	// onDrop, when set, observes dropped events (metrics hook).
	onDrop func(convID string)
}

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize overrides the per-subscriber buffer.
func WithBufferSize(n int) Option {
	return func(h *Hub) { h.bufferSize = n }
}

// WithDropHook registers a callback invoked when an event is dropped for a
// full subscriber buffer.
func WithDropHook(hook func(convID string)) Option {
	return func(h *Hub) { h.onDrop = hook }
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:       make(map[string]map[*Subscription]struct{}),
		bufferSize: DefaultBufferSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new consumer for the conversation's events.
func (h *Hub) Subscribe(convID string) *Subscription {
	sub := &Subscription{
		hub:    h,
		convID: convID,
		ch:     make(chan datatypes.Event, h.bufferSize),
	}
	sub.C = sub.ch

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[convID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[convID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Publish delivers ev to every current subscriber of the conversation.
//
// Outputs:
//
//	int - The number of subscribers that received the event.
func (h *Hub) Publish(convID string, ev datatypes.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.subs[convID] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			// Slow client: drop rather than block the worker.
			h.logger.Debug("dropping event for slow subscriber",
				"conversation_id", convID, "event", ev.Type())
			if h.onDrop != nil {
				h.onDrop(convID)
			}
		}
	}
	return delivered
}

// SubscriberCount reports the current subscribers for a conversation.
func (h *Hub) SubscriberCount(convID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[convID])
}

func (h *Hub) unsubscribe(convID string, sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[convID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, convID)
	}
}
