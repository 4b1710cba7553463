// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay assembles the chat relay service: shared store, token
// service, admission control, breakers, worker tier, and the websocket
// gateway, exposed through one gin engine.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRelay/services/llm"
	"github.com/AleutianAI/AleutianRelay/services/relay/admission"
	"github.com/AleutianAI/AleutianRelay/services/relay/breaker"
	"github.com/AleutianAI/AleutianRelay/services/relay/broadcast"
	"github.com/AleutianAI/AleutianRelay/services/relay/conversation"
	"github.com/AleutianAI/AleutianRelay/services/relay/dispatch"
	"github.com/AleutianAI/AleutianRelay/services/relay/gateway"
	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
	"github.com/AleutianAI/AleutianRelay/services/relay/imagesession"
	"github.com/AleutianAI/AleutianRelay/services/relay/intent"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/routes"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
	"github.com/AleutianAI/AleutianRelay/services/relay/tokens"
)

const shutdownTimeout = 10 * time.Second

// Config is the service configuration, normally loaded from the
// environment via DefaultConfig.
type Config struct {
	// Addr is the listen address, e.g. ":12310".
	Addr string `validate:"required"`

	// AllowedOrigins is the browser origin allow-list for the websocket.
	// Empty allows all origins (local development).
	AllowedOrigins []string

	// JWTSecret signs and verifies the long-lived client credential.
	JWTSecret string `validate:"required,min=16"`

	// BadgerPath is the shared store directory. Empty runs BadgerDB
	// in-memory, which is only suitable for a single instance.
	BadgerPath string

	// WeaviateURL is the durable conversation store. Empty falls back to
	// the in-memory store (conversations are lost on restart).
	WeaviateURL string

	// LLMBackend selects the provider: "openai" or "ollama".
	LLMBackend string

	Workers   int
	QueueSize int

	// SystemPrompt is the persona for streamed completions.
	SystemPrompt string
}

// DefaultConfig reads the service configuration from the environment.
func DefaultConfig() Config {
	port := os.Getenv("RELAY_PORT")
	if port == "" {
		port = "12310"
	}

	var origins []string
	if raw := os.Getenv("RELAY_ALLOWED_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	workers, _ := strconv.Atoi(os.Getenv("RELAY_WORKERS"))
	queueSize, _ := strconv.Atoi(os.Getenv("RELAY_QUEUE_SIZE"))

	return Config{
		Addr:           ":" + port,
		AllowedOrigins: origins,
		JWTSecret:      os.Getenv("RELAY_JWT_SECRET"),
		BadgerPath:     os.Getenv("RELAY_BADGER_PATH"),
		WeaviateURL:    strings.Trim(os.Getenv("WEAVIATE_SERVICE_URL"), "\"' "),
		LLMBackend:     os.Getenv("LLM_BACKEND_TYPE"),
		Workers:        workers,
		QueueSize:      queueSize,
		SystemPrompt:   os.Getenv("SYSTEM_ROLE_PROMPT_PERSONA"),
	}
}

// Service is the assembled relay, ready to Run.
type Service struct {
	config     Config
	engine     *gin.Engine
	dispatcher *dispatch.Dispatcher
	shared     store.Store
	logger     *slog.Logger
}

var validate = validator.New()

// New wires the full service from its configuration.
func New(cfg Config) (*Service, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid relay config (is RELAY_JWT_SECRET set?): %w", err)
	}
	logger := slog.Default()

	badgerCfg := store.DefaultBadgerConfig()
	badgerCfg.Path = cfg.BadgerPath
	badgerCfg.Logger = logger
	if cfg.BadgerPath == "" {
		badgerCfg = store.InMemoryBadgerConfig()
		logger.Warn("RELAY_BADGER_PATH not set, shared store runs in-memory")
	}
	shared, err := store.OpenBadger(badgerCfg)
	if err != nil {
		return nil, fmt.Errorf("opening shared store: %w", err)
	}

	metrics := observability.InitMetrics()

	hub := broadcast.NewHub(broadcast.WithDropHook(func(convID string) {
		metrics.EventsDroppedTotal.Inc()
	}))

	stateHook := func(name string, state breaker.State) {
		metrics.BreakerState.WithLabelValues(name).Set(float64(state))
		logger.Info("breaker state changed", "dependency", name, "state", state.String())
	}
	llmBreaker := breaker.New("llm-primary", shared, breaker.DefaultConfig(),
		breaker.WithStateChangeHook(stateHook))
	agentBreaker := breaker.New("agent-runtime", shared, breaker.DefaultConfig(),
		breaker.WithStateChangeHook(stateHook))

	client, err := newLLMClient(cfg.LLMBackend)
	if err != nil {
		return nil, fmt.Errorf("initializing LLM client: %w", err)
	}

	durable, err := newDurableStore(cfg.WeaviateURL, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing conversation store: %w", err)
	}

	limiter := admission.NewRateLimiter(shared, nil)

	dispatcher, err := dispatch.New(
		dispatch.Config{
			Workers:      cfg.Workers,
			QueueSize:    cfg.QueueSize,
			SystemPrompt: cfg.SystemPrompt,
		},
		dispatch.Deps{
			Hub:          hub,
			Client:       client,
			Classifier:   intent.NewClassifier(client, shared),
			LLMBreaker:   llmBreaker,
			AgentBreaker: agentBreaker,
			Sessions:     imagesession.NewManager(shared),
			Durable:      durable,
			Shared:       shared,
			Limiter:      limiter,
			Metrics:      metrics,
		})
	if err != nil {
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}

	tokenSvc := tokens.NewService(shared, tokens.DefaultTTL, logger)
	verifier := gateway.NewJWTVerifier([]byte(cfg.JWTSecret))

	gw := gateway.New(gateway.Config{
		Auth:           gateway.NewAuthenticator(tokenSvc, verifier, logger),
		Hub:            hub,
		Limiter:        limiter,
		Validator:      admission.NewValidator(0, logger),
		Dispatcher:     dispatcher,
		Metrics:        metrics,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("relay-service"))
	routes.SetupRoutes(engine, gw, handlers.NewTokenHandler(tokenSvc, metrics, logger), verifier)

	return &Service{
		config:     cfg,
		engine:     engine,
		dispatcher: dispatcher,
		shared:     shared,
		logger:     logger,
	}, nil
}

// Run serves until ctx is canceled, then drains workers and the HTTP
// server before closing the shared store.
func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.config.Addr,
		Handler: s.engine,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.dispatcher.Run(ctx)
	})

	g.Go(func() error {
		s.logger.Info("relay listening", "addr", s.config.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if closeErr := s.shared.Close(); closeErr != nil {
		s.logger.Error("closing shared store", "error", closeErr)
	}
	return err
}

func newLLMClient(backend string) (llm.LLMClient, error) {
	switch backend {
	case "openai":
		slog.Info("Using OpenAI LLM backend")
		client, err := llm.NewOpenAIClient()
		if err != nil {
			return nil, err
		}
		return client, nil
	case "ollama":
		slog.Info("Using Ollama LLM backend")
	default:
		slog.Warn("LLM_BACKEND_TYPE not set or invalid, defaulting to ollama")
	}
	client, err := llm.NewOllamaClient()
	if err != nil {
		return nil, err
	}
	return client, nil
}

// newDurableStore builds the conversation store. An unset or unparseable
// Weaviate URL degrades to the in-memory store rather than failing startup.
func newDurableStore(weaviateURL string, logger *slog.Logger) (conversation.Store, error) {
	if weaviateURL == "" || !strings.Contains(weaviateURL, "http") {
		logger.Info("WEAVIATE_SERVICE_URL not set or empty, conversations are not persisted")
		return conversation.NewMemoryStore(), nil
	}

	parsed, err := url.Parse(weaviateURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		logger.Warn("WEAVIATE_SERVICE_URL is invalid, conversations are not persisted",
			"url", weaviateURL, "error", err)
		return conversation.NewMemoryStore(), nil
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("creating weaviate client: %w", err)
	}
	return conversation.NewWeaviateStore(client), nil
}
