// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation is the durable persistence boundary for chat history
// and confidence checks.
package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/confidence"
)

// Turn is one exchange persisted to the durable store.
type Turn struct {
	ConversationID string
	UserID         string
	UserText       string
	AssistantText  string
	Timestamp      time.Time
}

// Store persists conversation history outside the delivery path. Failures
// are logged by callers and never surfaced to clients.
type Store interface {
	// AppendTurn records one user/assistant exchange.
	AppendTurn(ctx context.Context, conversationID, userID, userText, assistantText string) error

	// SaveConfidenceCheck records the scoring result for a conversation's
	// latest response.
	SaveConfidenceCheck(ctx context.Context, conversationID string, check confidence.Check) error
}

// MemoryStore is an in-process Store for tests and single-node deployments
// without a Weaviate instance.
//
// Thread Safety: MemoryStore is safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	turns  map[string][]Turn
	checks map[string][]confidence.Check
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		turns:  make(map[string][]Turn),
		checks: make(map[string][]confidence.Check),
	}
}

func (m *MemoryStore) AppendTurn(ctx context.Context, conversationID, userID, userText, assistantText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[conversationID] = append(m.turns[conversationID], Turn{
		ConversationID: conversationID,
		UserID:         userID,
		UserText:       userText,
		AssistantText:  assistantText,
		Timestamp:      time.Now(),
	})
	return nil
}

func (m *MemoryStore) SaveConfidenceCheck(ctx context.Context, conversationID string, check confidence.Check) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[conversationID] = append(m.checks[conversationID], check)
	return nil
}

// Turns returns the recorded turns for a conversation. Test helper.
func (m *MemoryStore) Turns(conversationID string) []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Turn(nil), m.turns[conversationID]...)
}

// Checks returns the recorded confidence checks. Test helper.
func (m *MemoryStore) Checks(conversationID string) []confidence.Check {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]confidence.Check(nil), m.checks[conversationID]...)
}

var _ Store = (*MemoryStore)(nil)
