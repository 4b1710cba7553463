// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package imagesession tracks multi-turn image generation so follow-up
// prompts ("make it blue") build on earlier iterations of the same
// conversation.
package imagesession

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/store"
	"github.com/google/uuid"
)

const sessionKeyPrefix = "imgsession:"

// Iteration is one generated image within a session.
type Iteration struct {
	Number    int       `json:"number"`
	Prompt    string    `json:"prompt"`
	AssetURL  string    `json:"asset_url"`
	Caption   string    `json:"caption,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the image generation history of one conversation.
type Session struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	CreatedAt      time.Time   `json:"created_at"`
	Iterations     []Iteration `json:"iterations"`
}

// PriorPrompts returns the prompts of all iterations, oldest first.
func (s *Session) PriorPrompts() []string {
	prompts := make([]string, 0, len(s.Iterations))
	for _, it := range s.Iterations {
		prompts = append(prompts, it.Prompt)
	}
	return prompts
}

// Manager stores sessions in the shared store, one per conversation.
//
// Description:
//
//	Sessions live under "imgsession:<conversationID>" as JSON and are
//	created lazily by Resolve. Iteration numbers are assigned inside an
//	atomic read-modify-write, so concurrent workers appending to the same
//	session never reuse a number.
//
// Thread Safety: Manager is safe for concurrent use.
type Manager struct {
	store store.Store
	now   func() time.Time
}

// NewManager creates a session manager over the shared store.
func NewManager(s store.Store) *Manager {
	return &Manager{store: s, now: time.Now}
}

// Resolve returns the conversation's session, creating it on first use.
func (m *Manager) Resolve(ctx context.Context, conversationID string) (*Session, error) {
	var session Session
	err := m.store.Update(ctx, key(conversationID), 0, func(old []byte) ([]byte, error) {
		if old != nil {
			if err := json.Unmarshal(old, &session); err != nil {
				return nil, fmt.Errorf("corrupt image session record: %w", err)
			}
			return old, nil
		}
		session = Session{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			CreatedAt:      m.now(),
		}
		return json.Marshal(session)
	})
	if err != nil {
		return nil, fmt.Errorf("resolve image session for %s: %w", conversationID, err)
	}
	return &session, nil
}

// AppendIteration records a newly generated image and returns it with its
// assigned iteration number.
func (m *Manager) AppendIteration(ctx context.Context, conversationID, prompt, assetURL, caption string) (*Iteration, error) {
	var appended Iteration
	err := m.store.Update(ctx, key(conversationID), 0, func(old []byte) ([]byte, error) {
		var session Session
		if old != nil {
			if err := json.Unmarshal(old, &session); err != nil {
				return nil, fmt.Errorf("corrupt image session record: %w", err)
			}
		} else {
			session = Session{
				ID:             uuid.NewString(),
				ConversationID: conversationID,
				CreatedAt:      m.now(),
			}
		}
		appended = Iteration{
			Number:    len(session.Iterations) + 1,
			Prompt:    prompt,
			AssetURL:  assetURL,
			Caption:   caption,
			CreatedAt: m.now(),
		}
		session.Iterations = append(session.Iterations, appended)
		return json.Marshal(session)
	})
	if err != nil {
		return nil, fmt.Errorf("append image iteration for %s: %w", conversationID, err)
	}
	return &appended, nil
}

func key(conversationID string) string {
	return sessionKeyPrefix + conversationID
}
