// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intent classifies chat messages into the processing intents the
// dispatcher routes on.
package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/llm"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
	"golang.org/x/sync/singleflight"
)

// Intent is one of the closed set of message intents.
type Intent string

const (
	IntentProjectCreation Intent = "project_creation"
	IntentImageGeneration Intent = "image_generation"
	IntentSupport         Intent = "support"
	IntentGeneral         Intent = "general"
)

// DefaultCacheTTL is how long a classification stays cached.
const DefaultCacheTTL = time.Hour

// classificationPrompt is the fixed low-temperature prompt. The provider is
// asked for a bare label so the response parses with a string match.
const classificationPrompt = `You are an intent classifier for a chat assistant.

Classify the user's message into exactly one of these intents:
- project_creation: the user wants to create, import, or scaffold a project
- image_generation: the user wants an image created or modified
- support: the user needs help with an existing feature or has a problem
- general: anything else

Respond with ONLY the intent label, nothing else.

Message: %s`

// Classifier labels messages via the AI provider, with results cached in the
// shared store so repeated messages cost one provider call across all workers.
//
// Description:
//
//	Classification is advisory routing, never a gate: any provider error,
//	timeout, or unrecognized label degrades to IntentSupport and Classify
//	never returns an error. In-flight identical lookups are coalesced with
//	singleflight on top of the store cache.
//
// Thread Safety: Classifier is safe for concurrent use.
type Classifier struct {
	client   llm.LLMClient
	store    store.Store
	cacheTTL time.Duration
	logger   *slog.Logger
	inflight singleflight.Group
}

// NewClassifier creates a classifier over the given provider and store.
func NewClassifier(client llm.LLMClient, s store.Store) *Classifier {
	return &Classifier{
		client:   client,
		store:    s,
		cacheTTL: DefaultCacheTTL,
		logger:   slog.Default(),
	}
}

// Classify returns the intent for a message.
//
// Inputs:
//
//	message - The sanitized user message.
//	conversationContext - Recent turns, may be empty. Included in the
//	  provider prompt but not in the cache key.
//	integrationHint - Client-declared integration, e.g. "github". A
//	  non-empty hint short-circuits to IntentProjectCreation without a
//	  provider call.
func (c *Classifier) Classify(ctx context.Context, message, conversationContext, integrationHint string) Intent {
	if integrationHint != "" {
		return IntentProjectCreation
	}

	key := cacheKey(message)
	if raw, ok, err := c.store.Get(ctx, key); err == nil && ok {
		if intent, valid := parseLabel(string(raw)); valid {
			return intent
		}
	}

	result, _, _ := c.inflight.Do(key, func() (interface{}, error) {
		return c.classify(ctx, key, message, conversationContext), nil
	})
	return result.(Intent)
}

func (c *Classifier) classify(ctx context.Context, key, message, conversationContext string) Intent {
	prompt := fmt.Sprintf(classificationPrompt, message)
	if conversationContext != "" {
		prompt = "Conversation so far:\n" + conversationContext + "\n\n" + prompt
	}

	temp := float32(0.0)
	maxTokens := 10
	raw, err := c.client.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		c.logger.Warn("intent classification failed, defaulting to support", "error", err)
		return IntentSupport
	}

	intent, valid := parseLabel(raw)
	if !valid {
		c.logger.Warn("intent classifier returned unrecognized label",
			"label", strings.TrimSpace(raw))
		return IntentSupport
	}

	if err := c.store.Set(ctx, key, []byte(intent), c.cacheTTL); err != nil {
		c.logger.Warn("failed to cache intent classification", "error", err)
	}
	return intent
}

// parseLabel validates a provider response against the closed label set.
func parseLabel(raw string) (Intent, bool) {
	label := Intent(strings.ToLower(strings.TrimSpace(raw)))
	switch label {
	case IntentProjectCreation, IntentImageGeneration, IntentSupport, IntentGeneral:
		return label, true
	}
	return "", false
}

func cacheKey(message string) string {
	sum := sha256.Sum256([]byte(message))
	return "intent:" + hex.EncodeToString(sum[:])
}
