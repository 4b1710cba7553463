// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm defines the AI provider boundary: one-shot completion,
// token-streaming completion, and image generation. The relay consumes
// these interfaces; it never talks to a provider SDK directly.
package llm

import (
	"context"
	"errors"
)

// ErrImageGenerationUnsupported is returned by backends without an image
// endpoint.
var ErrImageGenerationUnsupported = errors.New("backend does not support image generation")

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamHandler receives one text chunk as it is produced.
type StreamHandler func(chunk string)

// ImageResult is the output of one image generation call.
type ImageResult struct {
	// Data is the raw image bytes.
	Data []byte

	// MimeType describes Data, e.g. "image/png".
	MimeType string

	// Caption is any accompanying text the provider produced for the
	// image. May be empty.
	Caption string
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	// Generate runs a one-shot completion.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// GenerateStream runs a streaming completion, invoking onChunk for
	// each produced fragment in generation order. Returns after the
	// stream ends or the context is canceled.
	GenerateStream(ctx context.Context, prompt, systemMessage string, params GenerationParams, onChunk StreamHandler) error

	// GenerateImage produces an image for the prompt. priorPrompts and
	// referenceImages carry earlier prompts and assets from the same
	// session so backends can keep multi-turn coherence. Backends without
	// an image endpoint return ErrImageGenerationUnsupported.
	GenerateImage(ctx context.Context, prompt string, priorPrompts []string, referenceImages [][]byte) (*ImageResult, error)
}
