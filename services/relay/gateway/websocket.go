// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianRelay/services/relay/admission"
	"github.com/AleutianAI/AleutianRelay/services/relay/broadcast"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
)

// Application close codes. 4xxx is the range reserved for applications by
// RFC 6455.
const (
	// CloseUnauthenticated is sent when no credential resolves.
	CloseUnauthenticated = 4401

	// CloseOriginForbidden is sent when the Origin header is not on the
	// allow-list.
	CloseOriginForbidden = 4403
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 64 * 1024
)

// connState tracks a connection through its admission lifecycle.
type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticating
	stateAuthenticated
	stateRejected
)

func (s connState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticating:
		return "authenticating"
	case stateAuthenticated:
		return "authenticated"
	case stateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Enqueuer accepts admitted jobs. Satisfied by dispatch.Dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, job datatypes.ChatJob) error
}

// Gateway upgrades websocket connections, admits them, and bridges the
// broadcast hub to the client.
//
// Description:
//
//	The upgrader itself accepts any origin; the allow-list is enforced
//	after the upgrade so the client receives a proper close frame with
//	CloseOriginForbidden instead of a bare handshake failure. The origin
//	check runs before credential resolution.
//
// Thread Safety: Safe for concurrent use. Writes to a single connection
// are serialized through a per-connection mutex.
type Gateway struct {
	auth       *Authenticator
	hub        *broadcast.Hub
	limiter    *admission.RateLimiter
	validator  *admission.Validator
	dispatcher Enqueuer
	metrics    *observability.RelayMetrics
	origins    map[string]struct{}
	logger     *slog.Logger

	upgrader websocket.Upgrader
}

// Config carries the gateway's collaborators.
type Config struct {
	Auth       *Authenticator
	Hub        *broadcast.Hub
	Limiter    *admission.RateLimiter
	Validator  *admission.Validator
	Dispatcher Enqueuer
	Metrics    *observability.RelayMetrics

	// AllowedOrigins is the browser origin allow-list. Empty allows all
	// origins, which is only appropriate for local development.
	AllowedOrigins []string

	Logger *slog.Logger
}

// New creates a gateway from its collaborators.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = struct{}{}
	}
	return &Gateway{
		auth:       cfg.Auth,
		hub:        cfg.Hub,
		limiter:    cfg.Limiter,
		validator:  cfg.Validator,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		origins:    origins,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin is checked after the upgrade so we can send a
			// close frame the client can interpret.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS serves GET /v1/chat/ws.
func (g *Gateway) HandleWS(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err, "remote", c.ClientIP())
		return
	}
	defer conn.Close()
	conn.SetReadLimit(readLimit)

	ctx := c.Request.Context()
	state := stateUnauthenticated

	if origin := c.Request.Header.Get("Origin"); !g.originAllowed(origin) {
		state = stateRejected
		g.countConnection("rejected_origin")
		g.logger.Warn("connection rejected: origin not allowed",
			"origin", origin, "remote", c.ClientIP(), "state", state.String())
		g.closeWith(conn, CloseOriginForbidden, "origin not allowed")
		return
	}

	state = stateAuthenticating
	identity, err := g.auth.Authenticate(ctx, c.Request)
	if err != nil {
		state = stateRejected
		g.countConnection("rejected_auth")
		g.countAnonymousAttempt(ctx, c.ClientIP())
		g.logger.Warn("connection rejected: unauthenticated",
			"error", err, "remote", c.ClientIP(), "state", state.String())
		g.closeWith(conn, CloseUnauthenticated, "authentication required")
		return
	}

	if decision, err := g.limiter.Allow(ctx, identity.UserID, admission.ClassConnection); err != nil {
		g.countConnection("rejected_limit")
		g.logger.Error("connection admission check failed", "error", err, "user_id", identity.UserID)
		g.closeWith(conn, websocket.CloseTryAgainLater, "service unavailable")
		return
	} else if !decision.Allowed {
		state = stateRejected
		g.countConnection("rejected_limit")
		g.closeWith(conn, websocket.ClosePolicyViolation, decision.RetryAfterMessage())
		return
	}

	if decision, err := g.limiter.AcquireConn(ctx, identity.UserID); err != nil {
		g.countConnection("rejected_limit")
		g.logger.Error("connection slot acquire failed", "error", err, "user_id", identity.UserID)
		g.closeWith(conn, websocket.CloseTryAgainLater, "service unavailable")
		return
	} else if !decision.Allowed {
		state = stateRejected
		g.countConnection("rejected_limit")
		g.closeWith(conn, websocket.ClosePolicyViolation, "too many open connections")
		return
	}

	state = stateAuthenticated
	g.countConnection("accepted")
	if g.metrics != nil {
		g.metrics.ActiveConnections.Inc()
	}
	g.logger.Debug("connection admitted",
		"user_id", identity.UserID, "state", state.String())

	conversationID := c.Query("conversation_id")
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	integrationHint := c.Query("integration_hint")

	session := &clientSession{
		gateway:         g,
		conn:            conn,
		identity:        identity,
		conversationID:  conversationID,
		integrationHint: integrationHint,
		logger: g.logger.With(
			"user_id", identity.UserID,
			"conversation_id", conversationID,
			"auth_method", string(identity.Method)),
	}
	session.run(ctx)

	if err := g.limiter.ReleaseConn(context.WithoutCancel(ctx), identity.UserID); err != nil {
		g.logger.Error("connection slot release failed", "error", err, "user_id", identity.UserID)
	}
	if g.metrics != nil {
		g.metrics.ActiveConnections.Dec()
	}
}

func (g *Gateway) originAllowed(origin string) bool {
	if len(g.origins) == 0 {
		return true
	}
	// Non-browser clients send no Origin header; the allow-list only
	// constrains browsers.
	if origin == "" {
		return true
	}
	_, ok := g.origins[origin]
	return ok
}

func (g *Gateway) countConnection(outcome string) {
	if g.metrics != nil {
		g.metrics.ConnectionsTotal.WithLabelValues(outcome).Inc()
	}
}

func (g *Gateway) countMessage(outcome string) {
	if g.metrics != nil {
		g.metrics.MessagesTotal.WithLabelValues(outcome).Inc()
	}
}

// countAnonymousAttempt charges a failed credential attempt to the source
// address. The decision is not enforced here; the counter exists so
// repeated anonymous probing shows up in the limiter's window and future
// attempts from the address are rejected.
func (g *Gateway) countAnonymousAttempt(ctx context.Context, clientIP string) {
	if g.limiter == nil || clientIP == "" {
		return
	}
	if _, err := g.limiter.Allow(ctx, clientIP, admission.ClassAnonymousIP); err != nil {
		g.logger.Error("anonymous attempt count failed", "error", err, "remote", clientIP)
	}
}

func (g *Gateway) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeTimeout)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		g.logger.Debug("close frame write failed", "error", err)
	}
}

// clientSession is one authenticated websocket connection.
type clientSession struct {
	gateway         *Gateway
	conn            *websocket.Conn
	identity        *Identity
	conversationID  string
	integrationHint string
	logger          *slog.Logger

	writeMu sync.Mutex
}

// run drives the session until the client disconnects or the context ends.
func (s *clientSession) run(ctx context.Context) {
	sub := s.gateway.hub.Subscribe(s.conversationID)
	defer sub.Close()

	if err := s.writeEvent(datatypes.NewConnected(s.conversationID, s.identity.ConnectionID)); err != nil {
		s.logger.Warn("connected event write failed", "error", err)
		return
	}
	s.logger.Info("websocket connection established")

	done := make(chan struct{})
	go s.relayLoop(sub, done)

	s.readLoop(ctx)

	// Closing the subscription ends the relay loop; wait for it so no
	// write races the deferred conn.Close.
	sub.Close()
	<-done
	s.logger.Info("websocket connection closed")
}

// relayLoop forwards broadcast events for the conversation to the client.
func (s *clientSession) relayLoop(sub *broadcast.Subscription, done chan<- struct{}) {
	defer close(done)
	for ev := range sub.C {
		if err := s.writeEvent(ev); err != nil {
			s.logger.Warn("event relay write failed", "error", err)
			return
		}
	}
}

// readLoop consumes inbound frames until the connection drops.
func (s *clientSession) readLoop(ctx context.Context) {
	for {
		var frame datatypes.InboundFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		switch frame.Type {
		case datatypes.FramePing:
			if err := s.writeEvent(datatypes.NewPong()); err != nil {
				return
			}
		case datatypes.FrameMessage:
			s.handleMessage(ctx, frame.Message)
		default:
			_ = s.writeEvent(datatypes.NewError("unknown frame type"))
		}
	}
}

// handleMessage runs the admission gate and hands the job to the dispatcher.
func (s *clientSession) handleMessage(ctx context.Context, message string) {
	sanitized, err := s.gateway.validator.ValidateAndSanitize(message)
	if err != nil {
		s.gateway.countMessage("rejected_validation")
		_ = s.writeEvent(datatypes.NewError(err.Error()))
		return
	}

	decision, err := s.gateway.limiter.Allow(ctx, s.identity.UserID, admission.ClassMessage)
	if err != nil {
		s.gateway.countMessage("rejected_limit")
		s.logger.Error("message admission check failed", "error", err)
		_ = s.writeEvent(datatypes.NewError("service unavailable, please try again"))
		return
	}
	if !decision.Allowed {
		s.gateway.countMessage("rejected_limit")
		_ = s.writeEvent(datatypes.NewError(decision.RetryAfterMessage()))
		return
	}

	job := datatypes.ChatJob{
		ID:              uuid.NewString(),
		ConversationID:  s.conversationID,
		UserID:          s.identity.UserID,
		Message:         sanitized,
		IntegrationHint: s.integrationHint,
		EnqueuedAt:      time.Now(),
	}
	if err := s.gateway.dispatcher.Enqueue(ctx, job); err != nil {
		s.gateway.countMessage("queue_full")
		s.logger.Warn("job enqueue failed", "error", err, "job_id", job.ID)
		_ = s.writeEvent(datatypes.NewError("server is busy, please try again"))
		return
	}
	s.gateway.countMessage("accepted")
}

// writeEvent serializes one event to the client. Safe to call from the
// read loop and the relay loop concurrently.
func (s *clientSession) writeEvent(ev datatypes.Event) error {
	payload, err := datatypes.MarshalEvent(ev)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}
