package ai

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const describeImagePrompt = "Describe this image in detail. Extract any text, " +
	"data points from plots, or key information visible. If it's just a " +
	"decorative element, ignore it."

// OpenAIClient implements Embedder, Generator, and Describer against an
// OpenAI-compatible API. One client is constructed at process start and
// shared; it holds no mutable state beyond the underlying HTTP client.
type OpenAIClient struct {
	client      *openai.Client
	embedModel  string
	chatModel   string
	visionModel string
}

// OpenAIConfig selects the models used per capability. BaseURL is optional
// and allows any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	EmbedModel  string
	ChatModel   string
	VisionModel string
}

// NewOpenAIClient validates the config and builds the shared client.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key required")
	}
	if cfg.EmbedModel == "" || cfg.ChatModel == "" {
		return nil, fmt.Errorf("embed and chat models required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	visionModel := cfg.VisionModel
	if visionModel == "" {
		visionModel = cfg.ChatModel
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(clientConfig),
		embedModel:  cfg.EmbedModel,
		chatModel:   cfg.ChatModel,
		visionModel: visionModel,
	}, nil
}

// EmbedTexts embeds all texts in one batched request.
func (c *OpenAIClient) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.embedModel),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(resp.Data))
	for i, item := range resp.Data {
		out[i] = item.Embedding
	}
	return out, nil
}

// Complete runs a chat completion constrained to a JSON object response.
func (c *OpenAIClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts CompleteOptions) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.chatModel,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	}
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// DescribeImage sends the image to the vision model and returns its
// description. Failures degrade to an empty description with a warn log;
// image descriptions enrich passages but are never load-bearing.
func (c *OpenAIClient) DescribeImage(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", nil
	}
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.visionModel,
		MaxTokens: 1000,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: describeImagePrompt},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailAuto,
						},
					},
				},
			},
		},
	})
	if err != nil {
		slog.Warn("describe image failed", "error", err)
		return "", nil
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
