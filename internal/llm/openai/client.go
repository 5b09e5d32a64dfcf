// Package openai adapts the OpenAI chat-completions and embeddings APIs to
// the triage Provider and Embedder interfaces.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/herald/internal/triage"
)

const (
	// DefaultModel is used when no chat model is configured.
	DefaultModel = "gpt-4o"

	// DefaultEmbeddingModel is used when no embedding model is configured.
	DefaultEmbeddingModel = string(openai.EmbeddingModelTextEmbedding3Small)
)

// Config configures the OpenAI client.
type Config struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	BaseURL        string

	// Dimensions requests embeddings of this width. Zero keeps the model default.
	Dimensions int

	MaxRetries int
	HTTPClient *http.Client
}

// Client implements triage.Provider and triage.Embedder.
type Client struct {
	client         openai.Client
	model          string
	embeddingModel string
	dims           int
}

// New creates a new OpenAI client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required: %w", triage.ErrConfiguration)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(hc),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	c := &Client{
		client:         openai.NewClient(opts...),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		dims:           cfg.Dimensions,
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.embeddingModel == "" {
		c.embeddingModel = DefaultEmbeddingModel
	}
	return c, nil
}

// Model returns the configured chat model name.
func (c *Client) Model() string {
	return c.model
}

// Complete sends a system + user chat completion.
func (c *Client) Complete(ctx context.Context, req *triage.CompletionRequest) (*triage.CompletionResponse, error) {
	resp, err := c.client.Chat.Completions.New(ctx, toChatParams(c.model, req))
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai chat: no choices in response")
	}

	choice := resp.Choices[0]
	return &triage.CompletionResponse{
		Text:       choice.Message.Content,
		Model:      resp.Model,
		StopReason: string(choice.FinishReason),
		Usage: triage.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(c.embeddingModel),
	}
	if c.dims > 0 {
		params.Dimensions = openai.Int(int64(c.dims))
	}

	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embeddings: empty response")
	}
	return resp.Data[0].Embedding, nil
}

func toChatParams(model string, req *triage.CompletionRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.User))

	return openai.ChatCompletionNewParams{
		Model:               model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(req.MaxTokens)),
		Temperature:         openai.Float(req.Temperature),
	}
}
