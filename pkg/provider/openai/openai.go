// Package openai implements the transcription and vision collaborators over
// the OpenAI API.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"timelessbot/pkg/config"
)

type Client struct {
	client             osdk.Client
	requestTimeout     time.Duration
	transcriptionModel string
	visionModel        string
}

func New(cfg config.OpenAIConfig) (*Client, error) {
	apiKey := resolveAPIKey(cfg)
	if apiKey == "" {
		return nil, errors.New("openai.api_key_env is required or OPENAI_API_KEY must be set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(cfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(cfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	requestTimeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	transcriptionModel, err := normalizeModel(cfg.TranscriptionModel)
	if err != nil {
		return nil, fmt.Errorf("transcription model: %w", err)
	}
	visionModel, err := normalizeModel(cfg.VisionModel)
	if err != nil {
		return nil, fmt.Errorf("vision model: %w", err)
	}

	return &Client{
		client:             osdk.NewClient(opts...),
		requestTimeout:     requestTimeout,
		transcriptionModel: transcriptionModel,
		visionModel:        visionModel,
	}, nil
}

// Transcribe uploads the audio file at path and returns the transcript.
func (c *Client) Transcribe(ctx context.Context, path string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "transcribe")
	startedAt := time.Now()

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	log.Debug("provider request started", "model", c.transcriptionModel)

	transcription, err := c.client.Audio.Transcriptions.New(ctx, osdk.AudioTranscriptionNewParams{
		File:  file,
		Model: osdk.AudioModel(c.transcriptionModel),
	})
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("transcription failed: %w", err)
	}

	text := strings.TrimSpace(transcription.Text)
	if text == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "empty transcript")
		return "", errors.New("transcription succeeded but returned no text")
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "text_length", len(text))

	return text, nil
}

// DescribeImage sends the image inline as a data URL together with prompt
// and returns the raw model answer.
func (c *Client) DescribeImage(ctx context.Context, image []byte, mimeType string, prompt string) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "describe_image")
	startedAt := time.Now()

	if len(image) == 0 {
		return "", errors.New("image is required")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("prompt is required")
	}

	log.Debug("provider request started",
		"model", c.visionModel,
		"image_bytes", len(image),
		"prompt_length", len(prompt),
	)

	completion, err := c.client.Chat.Completions.New(ctx, osdk.ChatCompletionNewParams{
		Model:    osdk.ChatModel(c.visionModel),
		Messages: []osdk.ChatCompletionMessageParamUnion{imageMessage(image, mimeType, prompt)},
	})
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("describe image failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no choices")
		return "", errors.New("describe image returned no choices")
	}

	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	return text, nil
}

func imageMessage(image []byte, mimeType string, prompt string) osdk.ChatCompletionMessageParamUnion {
	parts := []osdk.ChatCompletionContentPartUnionParam{
		{OfText: &osdk.ChatCompletionContentPartTextParam{Text: prompt}},
		{OfImageURL: &osdk.ChatCompletionContentPartImageParam{
			ImageURL: osdk.ChatCompletionContentPartImageImageURLParam{URL: dataURL(image, mimeType)},
		}},
	}

	return osdk.ChatCompletionMessageParamUnion{
		OfUser: &osdk.ChatCompletionUserMessageParam{
			Content: osdk.ChatCompletionUserMessageParamContentUnion{OfArrayOfContentParts: parts},
		},
	}
}

func dataURL(data []byte, mimeType string) string {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.openai")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func resolveAPIKey(cfg config.OpenAIConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}
	if apiKey := strings.TrimSpace(cfg.APIKey); apiKey != "" {
		return apiKey
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}

	providerID, modelID, found := strings.Cut(model, "/")
	if !found {
		return model, nil
	}

	providerID = strings.TrimSpace(providerID)
	modelID = strings.TrimSpace(modelID)
	if providerID == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if providerID != "openai" {
		return "", fmt.Errorf("model provider %q is not supported by openai provider", providerID)
	}

	return modelID, nil
}
