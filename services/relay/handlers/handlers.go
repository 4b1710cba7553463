// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers holds the plain HTTP endpoints of the relay service.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/gateway"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
	"github.com/AleutianAI/AleutianRelay/services/relay/tokens"
)

// identityKey is the gin context key the auth middleware sets.
const identityKey = "relay.identity"

// RequireJWT authenticates the request with a long-lived credential from
// the Authorization header (Bearer), the relay_token cookie, or the token
// query parameter.
func RequireJWT(verifier gateway.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := bearerToken(c.GetHeader("Authorization"))
		if credential == "" {
			if cookie, err := c.Cookie(gateway.CookieName); err == nil {
				credential = cookie
			}
		}
		if credential == "" {
			credential = c.Query("token")
		}
		if credential == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		userID, displayName, err := verifier.Verify(credential)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credential"})
			return
		}
		c.Set(identityKey, &gateway.Identity{
			UserID:      userID,
			DisplayName: displayName,
		})
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// identityFrom extracts the authenticated identity set by RequireJWT.
func identityFrom(c *gin.Context) (*gateway.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	id, ok := v.(*gateway.Identity)
	return id, ok
}

// TokenHandler serves connection token issuance.
type TokenHandler struct {
	tokens  *tokens.Service
	metrics *observability.RelayMetrics
	logger  *slog.Logger
}

// NewTokenHandler creates the handler. metrics may be nil.
func NewTokenHandler(t *tokens.Service, metrics *observability.RelayMetrics, logger *slog.Logger) *TokenHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenHandler{tokens: t, metrics: metrics, logger: logger}
}

// Issue serves POST /v1/ws/token.
//
// Description:
//
//	Mints a single-use connection token for the authenticated caller. The
//	client presents it as the connection_token query parameter on the
//	websocket dial within the token's TTL.
func (h *TokenHandler) Issue(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req datatypes.IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	token, connID, err := h.tokens.Issue(c.Request.Context(), identity.UserID, identity.DisplayName, req.ConnectionID)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "token service unavailable"})
			return
		}
		h.logger.Error("token issuance failed", "error", err, "user_id", identity.UserID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}

	if h.metrics != nil {
		h.metrics.TokensIssuedTotal.Inc()
	}
	c.JSON(http.StatusOK, datatypes.IssueTokenResponse{
		ConnectionToken: token,
		ExpiresIn:       int(h.tokens.TTL().Seconds()),
		ConnectionID:    connID,
	})
}

// Health serves GET /health.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "relay"})
}
