// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianRelay/services/llm"
	"github.com/AleutianAI/AleutianRelay/services/relay/breaker"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// result is what a strategy hands back to the dispatcher after its own
// events (chunks, tool markers, image markers) have been published.
type result struct {
	// text is the assistant's final response, used for scoring and the
	// durable turn.
	text string

	// toolOutputs are raw tool results backing the response.
	toolOutputs []string

	projectCreated bool
	imageGenerated bool

	// fallback marks a breaker-open completion: the client got the static
	// fallback message instead of a generated response.
	fallback bool
}

// fallbackResult publishes the static fallback message as a chunk and
// returns the matching result.
func (d *Dispatcher) fallbackResult(job datatypes.ChatJob) *result {
	d.logger.Warn("breaker open, serving fallback",
		"job_id", job.ID, "conversation_id", job.ConversationID)
	d.deps.Hub.Publish(job.ConversationID, datatypes.NewChunk(fallbackMessage))
	return &result{text: fallbackMessage, fallback: true}
}

// runStream handles plain conversational messages: a breaker-guarded
// streaming completion with every chunk republished to the conversation.
func (d *Dispatcher) runStream(ctx context.Context, job datatypes.ChatJob) (*result, error) {
	ctx, span := dispatchTracer.Start(ctx, "Dispatcher.runStream")
	defer span.End()

	var full strings.Builder
	outcome, err := d.deps.LLMBreaker.Do(ctx, func(ctx context.Context) error {
		full.Reset() // a retried stream starts the transcript over
		return d.deps.Client.GenerateStream(ctx, job.Message, d.config.SystemPrompt,
			llm.GenerationParams{}, func(chunk string) {
				full.WriteString(chunk)
				d.deps.Hub.Publish(job.ConversationID, datatypes.NewChunk(chunk))
			})
	})
	if outcome == breaker.OutcomeOpen {
		return d.fallbackResult(job), nil
	}
	if err != nil {
		return nil, fmt.Errorf("streaming completion: %w", err)
	}
	return &result{text: full.String()}, nil
}

// runAgent handles project creation: run the repository import tool with
// tool start/end markers, then a breaker-guarded completion summarizing the
// outcome for the user.
func (d *Dispatcher) runAgent(ctx context.Context, job datatypes.ChatJob) (*result, error) {
	ctx, span := dispatchTracer.Start(ctx, "Dispatcher.runAgent")
	defer span.End()

	tool, ok := d.deps.Tools.Get(toolImportRepository)
	if !ok {
		return nil, fmt.Errorf("tool %q not registered", toolImportRepository)
	}

	d.deps.Hub.Publish(job.ConversationID, datatypes.NewToolStart(tool.Name()))
	var toolOutput string
	outcome, err := d.deps.AgentBreaker.Do(ctx, func(ctx context.Context) error {
		out, runErr := tool.Run(ctx, job)
		toolOutput = out
		return runErr
	})
	if outcome == breaker.OutcomeOpen {
		return d.fallbackResult(job), nil
	}
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", tool.Name(), err)
	}
	d.deps.Hub.Publish(job.ConversationID, datatypes.NewToolEnd(tool.Name(), toolOutput))

	prompt := fmt.Sprintf(
		"The user asked: %s\n\nThe %s tool reported:\n%s\n\n"+
			"Summarize for the user what was set up, quoting the tool's key values.",
		job.Message, tool.Name(), toolOutput)

	var summary string
	outcome, err = d.deps.LLMBreaker.Do(ctx, func(ctx context.Context) error {
		text, genErr := d.deps.Client.Generate(ctx, prompt, llm.GenerationParams{})
		summary = text
		return genErr
	})
	if outcome == breaker.OutcomeOpen {
		// The project exists; only the summary is unavailable.
		res := d.fallbackResult(job)
		res.projectCreated = true
		res.toolOutputs = []string{toolOutput}
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("summarizing completion: %w", err)
	}

	d.deps.Hub.Publish(job.ConversationID, datatypes.NewChunk(summary))
	return &result{
		text:           summary,
		toolOutputs:    []string{toolOutput},
		projectCreated: true,
	}, nil
}

// runImage handles image generation as a multi-turn session: earlier
// prompts from the conversation's session feed the provider so follow-ups
// refine rather than restart.
func (d *Dispatcher) runImage(ctx context.Context, job datatypes.ChatJob) (*result, error) {
	ctx, span := dispatchTracer.Start(ctx, "Dispatcher.runImage")
	defer span.End()

	session, err := d.deps.Sessions.Resolve(ctx, job.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("resolve image session: %w", err)
	}
	d.deps.Hub.Publish(job.ConversationID, datatypes.NewImageGenerating(session.ID))

	var image *llm.ImageResult
	outcome, err := d.deps.LLMBreaker.Do(ctx, func(ctx context.Context) error {
		img, genErr := d.deps.Client.GenerateImage(ctx, job.Message, session.PriorPrompts(), nil)
		image = img
		return genErr
	})
	if outcome == breaker.OutcomeOpen {
		return d.fallbackResult(job), nil
	}
	if err != nil {
		return nil, fmt.Errorf("image generation: %w", err)
	}

	assetURL := assetDataURL(image)
	iteration, err := d.deps.Sessions.AppendIteration(ctx, job.ConversationID,
		job.Message, assetURL, image.Caption)
	if err != nil {
		return nil, fmt.Errorf("append image iteration: %w", err)
	}

	d.deps.Hub.Publish(job.ConversationID,
		datatypes.NewImageGenerated(assetURL, session.ID, iteration.Number))

	text := image.Caption
	if text == "" {
		text = fmt.Sprintf("Generated image %d for this conversation.", iteration.Number)
	}
	d.deps.Hub.Publish(job.ConversationID, datatypes.NewChunk(text))

	return &result{text: text, imageGenerated: true}, nil
}

// assetDataURL inlines the image as a data URL. A deployment with object
// storage would upload the bytes and return its public URL instead.
func assetDataURL(image *llm.ImageResult) string {
	mime := image.MimeType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image.Data)
}
