package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

type OpenAIClient struct {
	client     *openai.Client
	model      string
	imageModel string
}

func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	model := os.Getenv("OPENAI_MODEL") // e.g., "gpt-4o"
	imageModel := os.Getenv("OPENAI_IMAGE_MODEL")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from Podman Secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}
	if imageModel == "" {
		imageModel = openai.CreateImageModelDallE3
	}
	slog.Info("Initializing OpenAI client", "model", model, "image_model", imageModel)
	return &OpenAIClient{
		client:     openai.NewClient(apiKey),
		model:      model,
		imageModel: imageModel,
	}, nil
}

// Generate implements the LLMClient interface
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	slog.Debug("Generating text via OpenAI", "model", o.model)
	req := o.chatRequest(prompt, "", params)

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("OpenAI API call failed", "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices or empty content")
		return "", fmt.Errorf("OpenAI returned no choices")
	}
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// GenerateStream implements the LLMClient interface
func (o *OpenAIClient) GenerateStream(ctx context.Context, prompt, systemMessage string,
	params GenerationParams, onChunk StreamHandler) error {

	slog.Debug("Streaming text via OpenAI", "model", o.model)
	req := o.chatRequest(prompt, systemMessage, params)
	req.Stream = true

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		slog.Error("OpenAI stream creation failed", "error", err)
		return fmt.Errorf("OpenAI stream creation failed: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			// Context cancellation surfaces here when the caller went away.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("OpenAI stream receive failed", "error", err)
			return fmt.Errorf("OpenAI stream receive failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			onChunk(delta)
		}
	}
}

// GenerateImage implements the LLMClient interface
//
// Description:
//
//	Prior prompts from the same session are folded into the request so a
//	follow-up like "make it blue" keeps the subject from earlier turns.
//	The image endpoint takes no reference images, so referenceImages is
//	accepted for interface compatibility and unused here.
func (o *OpenAIClient) GenerateImage(ctx context.Context, prompt string,
	priorPrompts []string, referenceImages [][]byte) (*ImageResult, error) {

	fullPrompt := prompt
	if len(priorPrompts) > 0 {
		fullPrompt = fmt.Sprintf(
			"Earlier requests in this session, oldest first:\n%s\n\nCurrent request, building on the above: %s",
			strings.Join(priorPrompts, "\n"), prompt)
	}
	slog.Debug("Generating image via OpenAI", "image_model", o.imageModel,
		"prior_prompts", len(priorPrompts))

	resp, err := o.client.CreateImage(ctx, openai.ImageRequest{
		Model:          o.imageModel,
		Prompt:         fullPrompt,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		slog.Error("OpenAI image call failed", "error", err)
		return nil, fmt.Errorf("OpenAI image call failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("OpenAI returned no image data")
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image payload: %w", err)
	}
	return &ImageResult{
		Data:     data,
		MimeType: "image/png",
		Caption:  resp.Data[0].RevisedPrompt,
	}, nil
}

func (o *OpenAIClient) chatRequest(prompt, systemMessage string, params GenerationParams) openai.ChatCompletionRequest {
	if systemMessage == "" {
		systemMessage = os.Getenv("SYSTEM_ROLE_PROMPT_PERSONA")
	}
	if systemMessage == "" {
		systemMessage = "You are a helpful assistant."
	}
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemMessage},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}
