// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch owns the background worker tier: it accepts chat jobs
// from the gateway, classifies them, runs the matching processing strategy,
// and publishes results through the broadcast hub.
//
// Jobs are fire-and-forget: once enqueued they run to completion whether or
// not the submitting connection is still subscribed. Delivery of the
// resulting events is at-most-once via the hub.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/llm"
	"github.com/AleutianAI/AleutianRelay/services/relay/admission"
	"github.com/AleutianAI/AleutianRelay/services/relay/breaker"
	"github.com/AleutianAI/AleutianRelay/services/relay/broadcast"
	"github.com/AleutianAI/AleutianRelay/services/relay/confidence"
	"github.com/AleutianAI/AleutianRelay/services/relay/conversation"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/imagesession"
	"github.com/AleutianAI/AleutianRelay/services/relay/intent"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var dispatchTracer = otel.Tracer("aleutian.relay.dispatch")

// ErrQueueFull is returned by Enqueue when the job buffer has no room.
var ErrQueueFull = errors.New("dispatch queue is full")

// fallbackMessage is sent to the client when a dependency's breaker is open.
const fallbackMessage = "The assistant is temporarily unavailable. Please try again in a few moments."

// genericErrorMessage is the only failure detail a client ever sees.
const genericErrorMessage = "Something went wrong while processing your message. Please try again."

// confidenceCacheTTL is how long a scored check stays in the shared store.
const confidenceCacheTTL = 5 * time.Minute

// Dependency names used for breakers and failure metrics.
const (
	depLLM   = "llm-primary"
	depAgent = "agent-runtime"
)

// Config configures the worker runtime.
type Config struct {
	// Workers is the number of concurrent job processors.
	Workers int

	// QueueSize bounds the pending job buffer.
	QueueSize int

	// MaxAttempts is how many times a job is tried before the generic
	// error event is published.
	MaxAttempts int

	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration

	// SystemPrompt is the persona used for streamed completions.
	SystemPrompt string
}

// DefaultConfig returns the production worker configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		QueueSize:    128,
		MaxAttempts:  3,
		RetryBackoff: 500 * time.Millisecond,
		SystemPrompt: "You are a helpful assistant.",
	}
}

// Deps are the collaborators a Dispatcher needs.
type Deps struct {
	Hub        *broadcast.Hub
	Client     llm.LLMClient
	Classifier *intent.Classifier

	// LLMBreaker guards provider completion and image calls.
	LLMBreaker *breaker.Breaker

	// AgentBreaker guards tool execution.
	AgentBreaker *breaker.Breaker

	Sessions *imagesession.Manager
	Durable  conversation.Store
	Shared   store.Store

	// Limiter enforces the project-creation rate. May be nil to disable.
	Limiter *admission.RateLimiter

	// Tools is the agent strategy's registry. When nil a default registry
	// with the repository import tool is used.
	Tools *Registry

	// Metrics may be nil (tests).
	Metrics *observability.RelayMetrics
}

// Dispatcher runs the owned worker tier.
//
// Description:
//
//	A bounded channel feeds a fixed pool of workers started by Run. Each
//	job is classified, processed by one of three strategies (stream,
//	agent, image), retried with exponential backoff on provider failure,
//	and completed with confidence scoring plus durable persistence off
//	the delivery path.
//
// Thread Safety: Dispatcher is safe for concurrent use after New.
type Dispatcher struct {
	config Config
	deps   Deps
	logger *slog.Logger
	jobs   chan datatypes.ChatJob
}

// New creates a dispatcher. Run must be called before jobs are processed.
func New(config Config, deps Deps) (*Dispatcher, error) {
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = defaults.SystemPrompt
	}

	switch {
	case deps.Hub == nil:
		return nil, errors.New("deps.Hub must not be nil")
	case deps.Client == nil:
		return nil, errors.New("deps.Client must not be nil")
	case deps.Classifier == nil:
		return nil, errors.New("deps.Classifier must not be nil")
	case deps.LLMBreaker == nil:
		return nil, errors.New("deps.LLMBreaker must not be nil")
	case deps.AgentBreaker == nil:
		return nil, errors.New("deps.AgentBreaker must not be nil")
	case deps.Sessions == nil:
		return nil, errors.New("deps.Sessions must not be nil")
	case deps.Durable == nil:
		return nil, errors.New("deps.Durable must not be nil")
	case deps.Shared == nil:
		return nil, errors.New("deps.Shared must not be nil")
	}
	if deps.Tools == nil {
		deps.Tools = DefaultRegistry()
	}

	return &Dispatcher{
		config: config,
		deps:   deps,
		logger: slog.Default(),
		jobs:   make(chan datatypes.ChatJob, config.QueueSize),
	}, nil
}

// Enqueue submits a job for background processing.
//
// Description:
//
//	Non-blocking: when the buffer is full the job is rejected with
//	ErrQueueFull instead of stalling the websocket read loop. On success
//	a TaskQueued event is published for the conversation.
func (d *Dispatcher) Enqueue(ctx context.Context, job datatypes.ChatJob) error {
	select {
	case d.jobs <- job:
		d.deps.Hub.Publish(job.ConversationID, datatypes.NewTaskQueued(job.ID))
		d.logger.Info("job enqueued",
			"job_id", job.ID,
			"conversation_id", job.ConversationID,
			"queue_depth", len(d.jobs))
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the worker pool and blocks until ctx is canceled and all
// workers have returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.config.Workers; i++ {
		worker := i
		g.Go(func() error {
			d.logger.Debug("dispatch worker started", "worker", worker)
			for {
				select {
				case <-ctx.Done():
					return nil
				case job := <-d.jobs:
					d.processJob(ctx, job)
				}
			}
		})
	}
	return g.Wait()
}

// processJob runs one job end to end. It never returns an error: terminal
// failures become a generic ErrorEvent for the conversation.
func (d *Dispatcher) processJob(ctx context.Context, job datatypes.ChatJob) {
	ctx, span := dispatchTracer.Start(ctx, "Dispatcher.processJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.conversation_id", job.ConversationID),
	)
	started := time.Now()

	jobIntent := d.deps.Classifier.Classify(ctx, job.Message, "", job.IntegrationHint)
	span.SetAttributes(attribute.String("job.intent", string(jobIntent)))

	var strat func(context.Context, datatypes.ChatJob) (*result, error)
	var dependency string
	switch jobIntent {
	case intent.IntentProjectCreation:
		if !d.admitProjectCreation(ctx, job) {
			return
		}
		strat, dependency = d.runAgent, depAgent
	case intent.IntentImageGeneration:
		strat, dependency = d.runImage, depLLM
	default:
		strat, dependency = d.runStream, depLLM
	}

	res, err := d.withRetries(ctx, job, strat)
	if d.deps.Metrics != nil {
		d.deps.Metrics.JobDurationSeconds.WithLabelValues(string(jobIntent)).
			Observe(time.Since(started).Seconds())
	}
	if err != nil {
		d.logger.Error("job failed permanently",
			"job_id", job.ID,
			"conversation_id", job.ConversationID,
			"intent", jobIntent,
			"error", err)
		d.deps.Hub.Publish(job.ConversationID, datatypes.NewError(genericErrorMessage))
		if d.deps.Metrics != nil {
			d.deps.Metrics.JobsTotal.WithLabelValues(string(jobIntent), "failed").Inc()
			d.deps.Metrics.DependencyFailuresTotal.WithLabelValues(dependency).Inc()
		}
		return
	}

	d.deps.Hub.Publish(job.ConversationID,
		datatypes.NewComplete(res.projectCreated, res.imageGenerated))

	status := "success"
	if res.fallback {
		status = "fallback"
	}
	if d.deps.Metrics != nil {
		d.deps.Metrics.JobsTotal.WithLabelValues(string(jobIntent), status).Inc()
	}
	d.logger.Info("job complete",
		"job_id", job.ID,
		"conversation_id", job.ConversationID,
		"intent", jobIntent,
		"status", status,
		"duration_ms", time.Since(started).Milliseconds())

	if res.fallback {
		// Nothing was generated; there is no turn to persist or score.
		return
	}
	d.finish(ctx, job, res)
}

// admitProjectCreation enforces the per-user project creation rate. A
// rejected job ends with an error event carrying the retry time.
func (d *Dispatcher) admitProjectCreation(ctx context.Context, job datatypes.ChatJob) bool {
	if d.deps.Limiter == nil {
		return true
	}
	decision, err := d.deps.Limiter.Allow(ctx, job.UserID, admission.ClassProjectCreation)
	if err != nil {
		d.logger.Error("project creation limit check failed, allowing",
			"user_id", job.UserID, "error", err)
		return true
	}
	if decision.Allowed {
		return true
	}
	d.logger.Info("project creation rate limited",
		"job_id", job.ID, "user_id", job.UserID, "retry_after", decision.RetryAfter)
	d.deps.Hub.Publish(job.ConversationID, datatypes.NewError(decision.RetryAfterMessage()))
	return false
}

// withRetries runs a strategy with bounded retries and exponential backoff.
func (d *Dispatcher) withRetries(ctx context.Context, job datatypes.ChatJob,
	strat func(context.Context, datatypes.ChatJob) (*result, error)) (*result, error) {

	var lastErr error
	backoff := d.config.RetryBackoff
	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		job.Attempt = attempt

		res, err := strat(ctx, job)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		d.logger.Warn("job attempt failed",
			"job_id", job.ID,
			"attempt", attempt,
			"max_attempts", d.config.MaxAttempts,
			"error", err)
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", d.config.MaxAttempts, lastErr)
}

// finish scores the response and persists the turn. Runs after the Complete
// event is delivered; failures here are logged, never surfaced.
func (d *Dispatcher) finish(ctx context.Context, job datatypes.ChatJob, res *result) {
	// Persistence must survive worker shutdown mid-write.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	check := confidence.Score(res.text, res.toolOutputs)
	d.cacheCheck(ctx, job.ConversationID, check)

	if err := d.deps.Durable.AppendTurn(ctx, job.ConversationID, job.UserID, job.Message, res.text); err != nil {
		d.logger.Error("failed to persist conversation turn",
			"conversation_id", job.ConversationID, "error", err)
	}
	if err := d.deps.Durable.SaveConfidenceCheck(ctx, job.ConversationID, check); err != nil {
		d.logger.Error("failed to persist confidence check",
			"conversation_id", job.ConversationID, "error", err)
	}
}

func (d *Dispatcher) cacheCheck(ctx context.Context, conversationID string, check confidence.Check) {
	raw, err := json.Marshal(check)
	if err != nil {
		d.logger.Error("failed to encode confidence check", "error", err)
		return
	}
	if err := d.deps.Shared.Set(ctx, "confcheck:"+conversationID, raw, confidenceCacheTTL); err != nil {
		d.logger.Warn("failed to cache confidence check",
			"conversation_id", conversationID, "error", err)
	}
}
