// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/gateway"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
	"github.com/AleutianAI/AleutianRelay/services/relay/tokens"
)

const testSecret = "handlers-test-secret"

func newTestRouter(t *testing.T) (*gin.Engine, *tokens.Service, *gateway.JWTVerifier) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := store.NewMemory()
	tokenSvc := tokens.NewService(mem, time.Minute, nil)
	verifier := gateway.NewJWTVerifier([]byte(testSecret))
	handler := NewTokenHandler(tokenSvc, nil, nil)

	engine := gin.New()
	engine.POST("/v1/ws/token", RequireJWT(verifier), handler.Issue)
	engine.GET("/health", Health)
	return engine, tokenSvc, verifier
}

func bearer(t *testing.T, verifier *gateway.JWTVerifier, userID string) string {
	t.Helper()
	token, err := verifier.Generate(userID, "Test User", time.Hour)
	if err != nil {
		t.Fatalf("generating jwt: %v", err)
	}
	return "Bearer " + token
}

func TestIssueToken(t *testing.T) {
	engine, tokenSvc, verifier := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/ws/token", strings.NewReader(`{"connection_id":"client-7"}`))
	req.Header.Set("Authorization", bearer(t, verifier, "user-1"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp datatypes.IssueTokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.ConnectionToken == "" {
		t.Error("connection_token missing")
	}
	if resp.ExpiresIn != 60 {
		t.Errorf("expires_in = %d, want 60", resp.ExpiresIn)
	}
	if resp.ConnectionID != "client-7" {
		t.Errorf("connection_id = %q, want client-7", resp.ConnectionID)
	}

	claims, ok, err := tokenSvc.Consume(context.Background(), resp.ConnectionToken)
	if err != nil || !ok {
		t.Fatalf("consuming issued token: ok=%v err=%v", ok, err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("UserID = %q", claims.UserID)
	}
}

func TestIssueTokenEmptyBody(t *testing.T) {
	engine, _, verifier := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/ws/token", nil)
	req.Header.Set("Authorization", bearer(t, verifier, "user-1"))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp datatypes.IssueTokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.ConnectionID == "" {
		t.Error("expected a generated connection_id")
	}
}

func TestIssueTokenUnauthenticated(t *testing.T) {
	engine, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/ws/token", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestIssueTokenBadCredential(t *testing.T) {
	engine, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/ws/token", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestIssueTokenViaCookie(t *testing.T) {
	engine, _, verifier := newTestRouter(t)

	jwtToken, err := verifier.Generate("user-2", "", time.Hour)
	if err != nil {
		t.Fatalf("generating jwt: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/ws/token", nil)
	req.AddCookie(&http.Cookie{Name: gateway.CookieName, Value: jwtToken})
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	engine, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}
