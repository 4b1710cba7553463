// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway owns the websocket surface: credential resolution for a
// connection attempt and the connection's read/relay loops.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/tokens"
	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the long-lived credential cookie.
const CookieName = "relay_token"

// Credential resolution errors.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidToken    = errors.New("invalid token")
	ErrExpiredToken    = errors.New("token expired")
	ErrMissingClaim    = errors.New("missing required claim")
)

// AuthMethod records which credential authenticated a connection.
type AuthMethod string

const (
	MethodConnectionToken AuthMethod = "connection_token"
	MethodCookie          AuthMethod = "cookie"
	MethodQueryToken      AuthMethod = "query_token"
)

// Identity is the resolved principal of a websocket connection.
type Identity struct {
	UserID      string
	DisplayName string

	// ConnectionID is set when the identity came from a connection token.
	ConnectionID string

	Method AuthMethod
}

// TokenVerifier validates a long-lived credential and extracts its subject.
type TokenVerifier interface {
	Verify(tokenString string) (userID, displayName string, err error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier with the given signing secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts the subject and display name.
func (v *JWTVerifier) Verify(tokenString string) (string, string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", ErrExpiredToken
		}
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	name, _ := claims["name"].(string)
	return sub, name, nil
}

// Generate creates a signed JWT for the given subject. Used by tests and
// local tooling.
func (v *JWTVerifier) Generate(userID, displayName string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if displayName != "" {
		claims["name"] = displayName
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Authenticator resolves a connection attempt's credentials.
//
// Description:
//
//	Resolution order is (1) single-use connection token in the
//	connection_token query parameter, (2) JWT in the relay_token cookie,
//	(3) JWT in the token query parameter. A connection token that is
//	present but does not consume is rejected outright with no fallback:
//	an invalid ephemeral token indicates tampering rather than absence.
type Authenticator struct {
	tokens   *tokens.Service
	verifier TokenVerifier
	logger   *slog.Logger
}

// NewAuthenticator creates an authenticator over the token service and the
// long-lived credential verifier.
func NewAuthenticator(t *tokens.Service, verifier TokenVerifier, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{tokens: t, verifier: verifier, logger: logger}
}

// Authenticate resolves the request's credentials into an Identity.
//
// Outputs:
//
//	*Identity - The authenticated principal.
//	error - ErrUnauthenticated (possibly wrapped) when no credential
//	  resolves.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	query := r.URL.Query()

	if connToken := query.Get("connection_token"); connToken != "" {
		claims, ok, err := a.tokens.Consume(ctx, connToken)
		if err != nil {
			return nil, fmt.Errorf("consuming connection token: %w", err)
		}
		if !ok {
			// Present but invalid: no fallback to other credentials.
			return nil, fmt.Errorf("%w: connection token rejected", ErrUnauthenticated)
		}
		return &Identity{
			UserID:       claims.UserID,
			DisplayName:  claims.DisplayName,
			ConnectionID: claims.ConnectionID,
			Method:       MethodConnectionToken,
		}, nil
	}

	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		if userID, name, err := a.verifier.Verify(cookie.Value); err == nil {
			return &Identity{UserID: userID, DisplayName: name, Method: MethodCookie}, nil
		} else {
			a.logger.Debug("cookie credential rejected", "error", err)
		}
	}

	if queryToken := query.Get("token"); queryToken != "" {
		if userID, name, err := a.verifier.Verify(queryToken); err == nil {
			return &Identity{UserID: userID, DisplayName: name, Method: MethodQueryToken}, nil
		} else {
			a.logger.Debug("query credential rejected", "error", err)
		}
	}

	return nil, ErrUnauthenticated
}
