package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

// ollamaProvider реализует Provider с использованием ollama/api
type ollamaProvider struct {
	client  *api.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

var _ Provider = (*ollamaProvider)(nil)

func newOllamaProvider(cfg ProviderConfig, httpClient *http.Client, logger *zap.Logger) (*ollamaProvider, error) {
	// api.NewClient требует URL без суффикса /v1
	baseURL := strings.TrimSuffix(strings.TrimSuffix(cfg.BaseURL, "/"), "/v1")
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama base URL %q: %w", baseURL, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &ollamaProvider{
		client:  api.NewClient(parsed, httpClient),
		model:   cfg.Model,
		timeout: timeout,
		logger:  logger.Named("Ollama"),
	}, nil
}

func (c *ollamaProvider) request(messages []Message, params GenerationParams, stream bool) *api.ChatRequest {
	msgs := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, api.Message{Role: m.Role, Content: m.Content})
	}
	options := map[string]interface{}{}
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	return &api.ChatRequest{
		Model:    c.model,
		Messages: msgs,
		Stream:   &stream,
		Options:  options,
	}
}

func (c *ollamaProvider) logFailure(err error, duration time.Duration) {
	if errors.Is(err, context.DeadlineExceeded) {
		c.logger.Error("Ollama request timed out", zap.Duration("timeout", c.timeout), zap.Duration("duration", duration), zap.Error(err))
		return
	}
	c.logger.Error("Ollama request failed", zap.Duration("duration", duration), zap.Error(err))
}

func (c *ollamaProvider) Generate(ctx context.Context, messages []Message, params GenerationParams) (string, UsageInfo, error) {
	usage := UsageInfo{}
	if err := validateMessages(messages); err != nil {
		observeRequest(ProviderOllama, c.model, "error")
		return "", usage, err
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	startTime := time.Now()
	var resp api.ChatResponse
	err := c.client.Chat(requestCtx, c.request(messages, params, false), func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	duration := time.Since(startTime)
	if err != nil {
		c.logFailure(err, duration)
		observeRequest(ProviderOllama, c.model, "error")
		return "", usage, fmt.Errorf("%w: %v", ErrAIGenerationFailed, err)
	}
	if resp.Message.Content == "" {
		observeRequest(ProviderOllama, c.model, "error_empty_response")
		return "", usage, fmt.Errorf("%w: empty response", ErrAIGenerationFailed)
	}

	usage = UsageInfo{
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
		TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
	}
	observeSuccess(ProviderOllama, c.model, "success", duration, usage)
	return resp.Message.Content, usage, nil
}

func (c *ollamaProvider) GenerateStream(ctx context.Context, messages []Message, params GenerationParams, chunkHandler func(string) error) (UsageInfo, error) {
	usage := UsageInfo{}
	if err := validateMessages(messages); err != nil {
		return usage, err
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	startTime := time.Now()
	var handlerErr error
	err := c.client.Chat(requestCtx, c.request(messages, params, true), func(resp api.ChatResponse) error {
		if resp.Message.Content != "" && chunkHandler != nil {
			if err := chunkHandler(resp.Message.Content); err != nil {
				handlerErr = err
				return err
			}
		}
		if resp.Done {
			usage.PromptTokens = resp.PromptEvalCount
			usage.CompletionTokens = resp.EvalCount
			usage.TotalTokens = resp.PromptEvalCount + resp.EvalCount
			if resp.DoneReason != "" && resp.DoneReason != "stop" {
				c.logger.Warn("Ollama stream finished with non-stop reason", zap.String("reason", resp.DoneReason))
			}
		}
		return nil
	})
	duration := time.Since(startTime)

	if handlerErr != nil {
		observeRequest(ProviderOllama, c.model, "error_chunk_handler")
		return usage, fmt.Errorf("stream handler: %w", handlerErr)
	}
	if err != nil {
		c.logFailure(err, duration)
		observeRequest(ProviderOllama, c.model, "error_stream")
		return usage, fmt.Errorf("%w: %v", ErrAIGenerationFailed, err)
	}

	observeSuccess(ProviderOllama, c.model, "success_stream", duration, usage)
	return usage, nil
}
