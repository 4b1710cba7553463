// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/confidence"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
)

var convTracer = otel.Tracer("aleutian.relay.conversation")

// Weaviate class names.
const (
	classChatSession     = "ChatSession"
	classChatTurn        = "ChatTurn"
	classConfidenceCheck = "ConfidenceCheck"
)

// BeaconRef represents a Weaviate cross-reference beacon.
type BeaconRef struct {
	Beacon string `json:"beacon"`
}

// withSessionBeacon links props to a parent ChatSession object.
func withSessionBeacon(props map[string]interface{}, sessionUUID string) {
	// "weaviate://localhost/" is the standard beacon URI scheme - localhost is NOT a real host
	props["inSession"] = []BeaconRef{
		{Beacon: fmt.Sprintf("weaviate://localhost/%s/%s", classChatSession, sessionUUID)},
	}
}

// sessionQueryResponse represents the response from querying the ChatSession class.
type sessionQueryResponse struct {
	Get struct {
		ChatSession []struct {
			Additional struct {
				ID string `json:"id"`
			} `json:"_additional"`
		} `json:"ChatSession"`
	} `json:"Get"`
}

// WeaviateStore persists conversations to a Weaviate instance, one
// ChatSession object per conversation with ChatTurn and ConfidenceCheck
// objects beacon-linked to it.
//
// Thread Safety: WeaviateStore is safe for concurrent use.
type WeaviateStore struct {
	client *weaviate.Client
}

// NewWeaviateStore wraps an already-connected Weaviate client.
func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	return &WeaviateStore{client: client}
}

// AppendTurn implements Store. A turn with an empty assistant answer is
// skipped, matching the write rule for conversation objects.
func (w *WeaviateStore) AppendTurn(ctx context.Context, conversationID, userID, userText, assistantText string) error {
	if len(strings.TrimSpace(assistantText)) == 0 {
		return nil
	}
	ctx, span := convTracer.Start(ctx, "WeaviateStore.AppendTurn")
	defer span.End()

	props := map[string]interface{}{
		"conversation_id": conversationID,
		"user_id":         userID,
		"question":        userText,
		"answer":          assistantText,
		"timestamp":       time.Now().UnixMilli(),
	}
	w.linkSession(ctx, conversationID, props)

	_, err := w.client.Data().Creator().
		WithClassName(classChatTurn).
		WithProperties(props).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to save chat turn to Weaviate: %w", err)
	}
	slog.Info("Saved chat turn", "conversationId", conversationID)
	return nil
}

// SaveConfidenceCheck implements Store.
func (w *WeaviateStore) SaveConfidenceCheck(ctx context.Context, conversationID string, check confidence.Check) error {
	ctx, span := convTracer.Start(ctx, "WeaviateStore.SaveConfidenceCheck")
	defer span.End()

	props := map[string]interface{}{
		"conversation_id": conversationID,
		"score":           check.Score,
		"level":           string(check.Level),
		"flags":           check.Flags,
		"checked_at":      check.CheckedAt.UnixMilli(),
	}
	w.linkSession(ctx, conversationID, props)

	_, err := w.client.Data().Creator().
		WithClassName(classConfidenceCheck).
		WithProperties(props).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to save confidence check to Weaviate: %w", err)
	}
	return nil
}

// linkSession adds a beacon to the conversation's session object when it can
// be resolved. A resolution failure only costs the graph link.
func (w *WeaviateStore) linkSession(ctx context.Context, conversationID string, props map[string]interface{}) {
	sessionUUID, err := w.findOrCreateSessionUUID(ctx, conversationID)
	if err != nil {
		slog.Error("Failed to find or create parent session, saving object without graph link",
			"conversationId", conversationID,
			"error", err)
		return
	}
	withSessionBeacon(props, sessionUUID)
}

// findOrCreateSessionUUID finds a ChatSession by conversation_id and returns
// its Weaviate UUID, creating the object when absent.
func (w *WeaviateStore) findOrCreateSessionUUID(ctx context.Context, conversationID string) (string, error) {
	ctx, span := convTracer.Start(ctx, "WeaviateStore.findOrCreateSessionUUID")
	defer span.End()

	where := filters.Where().
		WithPath([]string{"conversation_id"}).
		WithOperator(filters.Equal).
		WithValueString(conversationID)

	fields := []graphql.Field{
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}},
	}

	resp, err := w.client.GraphQL().Get().
		WithClassName(classChatSession).
		WithWhere(where).
		WithFields(fields...).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("error querying for session: %w", err)
	}

	queryResp, err := parseGraphQLResponse[sessionQueryResponse](resp)
	if err != nil {
		return "", fmt.Errorf("error parsing session query response: %w", err)
	}

	if len(queryResp.Get.ChatSession) > 0 {
		return queryResp.Get.ChatSession[0].Additional.ID, nil
	}

	slog.Info("No existing session found, creating a new one", "conversationId", conversationID)
	result, err := w.client.Data().Creator().
		WithClassName(classChatSession).
		WithProperties(map[string]interface{}{
			"conversation_id": conversationID,
			"created_at":      time.Now().UnixMilli(),
		}).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create new session: %w", err)
	}
	if result == nil || result.Object == nil {
		return "", fmt.Errorf("weaviate created a session but returned a nil result")
	}
	return result.Object.ID.String(), nil
}

// parseGraphQLResponse parses a GraphQL response's Data field into T.
func parseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &result, nil
}

var _ Store = (*WeaviateStore)(nil)
