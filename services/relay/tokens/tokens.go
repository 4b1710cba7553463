// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tokens implements the single-use connection token service.
//
// A connection token authorizes establishing exactly one websocket
// connection. Tokens are opaque random strings stored in the shared store
// with a short TTL, and are consumed with an atomic read-and-delete so a
// token can never authenticate two connections, even when validation races
// across gateway instances.
//
// Every issuance and consumption attempt (success or failure) is written to
// the audit log for security monitoring.
//
// Thread Safety:
//
//	Service is safe for concurrent use.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianRelay/services/relay/store"
)

// DefaultTTL is how long an unconsumed token stays valid.
const DefaultTTL = 60 * time.Second

// tokenKeyPrefix namespaces token records in the shared store.
const tokenKeyPrefix = "conntoken:"

// tokenBytes is the entropy of a token before encoding.
const tokenBytes = 32

// Claims is the metadata bound to a connection token at issuance.
type Claims struct {
	UserID       string    `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	ConnectionID string    `json:"connection_id"`
	IssuedAt     time.Time `json:"issued_at"`
}

// Service issues and consumes connection tokens.
type Service struct {
	store  store.Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewService creates a token service backed by the shared store.
//
// Inputs:
//
//	s - Shared store. Must not be nil.
//	ttl - Token lifetime. DefaultTTL when <= 0.
//	logger - Audit logger. slog.Default() when nil.
func NewService(s store.Store, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, ttl: ttl, logger: logger}
}

// TTL reports the configured token lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Issue creates a single-use connection token for an authenticated user.
//
// Description:
//
//	Generates an opaque token, stores its claims with the configured TTL,
//	and logs an audit entry. The client-supplied connection id is kept when
//	present so the caller can correlate the eventual websocket; otherwise a
//	fresh id is generated.
//
// Inputs:
//
//	ctx - Request context.
//	userID - Authenticated user id. Must be non-empty.
//	displayName - Display name carried to the connection.
//	clientConnID - Optional client-supplied connection id.
//
// Outputs:
//
//	string - The opaque token.
//	string - The connection id bound to the token.
//	error - Wraps store.ErrUnavailable when the shared store fails.
func (s *Service) Issue(ctx context.Context, userID, displayName, clientConnID string) (string, string, error) {
	if userID == "" {
		return "", "", fmt.Errorf("issue token: user id is required")
	}

	token, err := generateToken()
	if err != nil {
		return "", "", fmt.Errorf("issue token: %w", err)
	}

	connID := clientConnID
	if connID == "" {
		connID = uuid.NewString()
	}

	claims := Claims{
		UserID:       userID,
		DisplayName:  displayName,
		ConnectionID: connID,
		IssuedAt:     time.Now().UTC(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", "", fmt.Errorf("issue token: encode claims: %w", err)
	}

	if err := s.store.Set(ctx, tokenKeyPrefix+token, payload, s.ttl); err != nil {
		return "", "", fmt.Errorf("issue token: %w", err)
	}

	s.logger.Info("connection token issued",
		"audit", true,
		"user_id", userID,
		"connection_id", connID,
		"ttl_seconds", int(s.ttl.Seconds()))

	return token, connID, nil
}

// Consume atomically validates and destroys a token.
//
// Description:
//
//	Reads and deletes the token record in one store operation. A token
//	consumed twice, expired, or never issued yields ok=false; there is no
//	retry path, a failed validation is terminal for that token.
//
// Outputs:
//
//	*Claims - The claims bound at issuance, nil when ok=false.
//	bool - True exactly once per issued, unexpired token.
//	error - Non-nil only for store failures, which the gateway treats as
//	        a failed validation.
func (s *Service) Consume(ctx context.Context, token string) (*Claims, bool, error) {
	if token == "" {
		return nil, false, nil
	}

	payload, ok, err := s.store.GetDel(ctx, tokenKeyPrefix+token)
	if err != nil {
		s.logger.Error("connection token validation failed",
			"audit", true,
			"reason", "store_error",
			"error", err)
		return nil, false, fmt.Errorf("consume token: %w", err)
	}
	if !ok {
		s.logger.Warn("connection token rejected",
			"audit", true,
			"reason", "unknown_expired_or_reused")
		return nil, false, nil
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		s.logger.Error("connection token rejected",
			"audit", true,
			"reason", "corrupt_claims",
			"error", err)
		return nil, false, nil
	}

	s.logger.Info("connection token consumed",
		"audit", true,
		"user_id", claims.UserID,
		"connection_id", claims.ConnectionID)

	return &claims, true, nil
}

func generateToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
