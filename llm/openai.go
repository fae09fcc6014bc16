package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Defaults for the Upstage Solar API, which speaks the OpenAI wire format.
const (
	UpstageBaseURL        = "https://api.upstage.ai/v1"
	UpstageChatModel      = "solar-pro"
	UpstageEmbeddingModel = "embedding-passage"
	UpstageEmbeddingDim   = 4096
)

// sdkProvider implements Provider on top of the go-openai client. It serves
// both OpenAI and Upstage, which differ only in base URL and models.
//
// Chat uses the request model, falling back to chatModel. Embed uses
// embedModel.
type sdkProvider struct {
	client     *openai.Client
	chatModel  string
	embedModel string
}

// NewUpstage creates a provider for the Upstage Solar API. cfg.Model, when
// set, overrides both the chat and the embedding model.
func NewUpstage(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = UpstageBaseURL
	}
	return newSDKProvider(cfg, UpstageChatModel, UpstageEmbeddingModel)
}

// NewOpenAI creates a provider for OpenAI.
//
// API key: set via config or the OPENAI_API_KEY env var (see goktas.LoadConfig).
func NewOpenAI(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	return newSDKProvider(cfg, "gpt-4o-mini", string(openai.SmallEmbedding3))
}

func newSDKProvider(cfg Config, chatModel, embedModel string) *sdkProvider {
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	oc.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	if cfg.Model != "" {
		chatModel = cfg.Model
		embedModel = cfg.Model
	}
	return &sdkProvider{
		client:     openai.NewClientWithConfig(oc),
		chatModel:  chatModel,
		embedModel: embedModel,
	}
}

func (p *sdkProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.chatModel
	}
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role != openai.ChatMessageRoleSystem && role != openai.ChatMessageRoleUser && role != openai.ChatMessageRoleAssistant {
			role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	var resp openai.ChatCompletionResponse
	err := withRetry(ctx, func() error {
		var err error
		resp, err = p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       model,
			Messages:    msgs,
			Temperature: float32(req.Temperature),
			MaxTokens:   req.MaxTokens,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &ChatResponse{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		FinishReason:     string(resp.Choices[0].FinishReason),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

func (p *sdkProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var resp openai.EmbeddingResponse
	err := withRetry(ctx, func() error {
		var err error
		resp, err = p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(p.embedModel),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	// Sort by index to ensure correct ordering
	embeddings := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(embeddings) {
			embeddings[d.Index] = d.Embedding
		}
	}
	return embeddings, nil
}

// sdkStatusCode extracts the HTTP status from a go-openai error, or 0.
func sdkStatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// withRetry runs fn, retrying with exponential backoff while it fails with a
// retryable HTTP status.
func withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseRetryDelay * time.Duration(1<<(attempt-1))
			if sdkStatusCode(lastErr) == http.StatusTooManyRequests && delay < minRateLimitDelay {
				delay = minRateLimitDelay
			}
			slog.Warn("llm: retrying request", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if !retryableStatusCode(sdkStatusCode(err)) {
			return err
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
