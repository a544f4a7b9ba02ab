package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// openAIProvider реализует Provider поверх OpenAI-совместимого API (DashScope, OpenRouter, OpenAI).
type openAIProvider struct {
	client *openaigo.Client
	model  string
	logger *zap.Logger
}

var _ Provider = (*openAIProvider)(nil)

func newOpenAIProvider(cfg ProviderConfig, httpClient *http.Client, logger *zap.Logger) *openAIProvider {
	openaiConfig := openaigo.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		openaiConfig.BaseURL = cfg.BaseURL
	}
	openaiConfig.HTTPClient = httpClient
	return &openAIProvider{
		client: openaigo.NewClientWithConfig(openaiConfig),
		model:  cfg.Model,
		logger: logger.Named("OpenAI"),
	}
}

func (c *openAIProvider) request(messages []Message, params GenerationParams) openaigo.ChatCompletionRequest {
	req := openaigo.ChatCompletionRequest{
		Model:       c.model,
		Messages:    make([]openaigo.ChatCompletionMessage, 0, len(messages)),
		Temperature: float32Val(params.Temperature),
		MaxTokens:   intVal(params.MaxTokens),
		TopP:        float32Val(params.TopP),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openaigo.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return req
}

func (c *openAIProvider) Generate(ctx context.Context, messages []Message, params GenerationParams) (string, UsageInfo, error) {
	usage := UsageInfo{}
	if err := validateMessages(messages); err != nil {
		observeRequest(ProviderOpenAI, c.model, "error")
		return "", usage, err
	}

	startTime := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, c.request(messages, params))
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Error("AI API request failed", zap.Duration("duration", duration), zap.Error(err))
		observeRequest(ProviderOpenAI, c.model, "error")
		return "", usage, fmt.Errorf("%w: %v", ErrAIGenerationFailed, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		c.logger.Warn("AI API returned empty response", zap.Duration("duration", duration))
		observeRequest(ProviderOpenAI, c.model, "error_empty_response")
		return "", usage, fmt.Errorf("%w: empty response", ErrAIGenerationFailed)
	}

	usage = UsageInfo{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	observeSuccess(ProviderOpenAI, c.model, "success", duration, usage)
	c.logger.Debug("AI response received",
		zap.Duration("duration", duration),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens),
	)
	return resp.Choices[0].Message.Content, usage, nil
}

func (c *openAIProvider) GenerateStream(ctx context.Context, messages []Message, params GenerationParams, chunkHandler func(string) error) (UsageInfo, error) {
	usage := UsageInfo{}
	if err := validateMessages(messages); err != nil {
		return usage, err
	}

	req := c.request(messages, params)
	req.Stream = true
	req.StreamOptions = &openaigo.StreamOptions{IncludeUsage: true}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		c.logger.Error("Failed to open AI stream", zap.Error(err))
		observeRequest(ProviderOpenAI, c.model, "error_stream_init")
		return usage, fmt.Errorf("%w: open stream: %v", ErrAIGenerationFailed, err)
	}
	defer stream.Close()

	startTime := time.Now()
	var finalUsage *openaigo.Usage
	var text strings.Builder

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.logger.Error("Failed to read AI stream", zap.Error(err))
			observeRequest(ProviderOpenAI, c.model, "error_stream_read")
			return usage, fmt.Errorf("%w: read stream: %v", ErrAIGenerationFailed, err)
		}
		// Usage приходит отдельным блоком в конце стрима
		if response.Usage != nil && response.Usage.TotalTokens > 0 {
			finalUsage = response.Usage
		}
		if len(response.Choices) == 0 {
			continue
		}
		chunk := response.Choices[0].Delta.Content
		if chunk == "" {
			continue
		}
		text.WriteString(chunk)
		if chunkHandler != nil {
			if err := chunkHandler(chunk); err != nil {
				observeRequest(ProviderOpenAI, c.model, "error_chunk_handler")
				return usage, fmt.Errorf("stream handler: %w", err)
			}
		}
	}
	duration := time.Since(startTime)

	status := "success_stream"
	if finalUsage != nil {
		usage = UsageInfo{
			PromptTokens:     finalUsage.PromptTokens,
			CompletionTokens: finalUsage.CompletionTokens,
			TotalTokens:      finalUsage.TotalTokens,
		}
	} else {
		// финальный блок usage приходит не от всех совместимых API
		status = "success_stream_estimated"
		usage = c.estimateUsage(messages, text.String())
	}
	observeSuccess(ProviderOpenAI, c.model, status, duration, usage)
	c.logger.Debug("AI stream finished",
		zap.Duration("duration", duration),
		zap.Int("completion_tokens", usage.CompletionTokens),
		zap.String("status", status),
	)
	return usage, nil
}

func (c *openAIProvider) estimateUsage(messages []Message, completion string) UsageInfo {
	tke, err := tiktoken.EncodingForModel(c.model)
	if err != nil {
		tke, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		c.logger.Warn("No tokenizer available, skipping token estimate", zap.String("model", c.model), zap.Error(err))
		return UsageInfo{}
	}
	prompt := 0
	for _, m := range messages {
		prompt += len(tke.Encode(m.Content, nil, nil))
	}
	completionTokens := len(tke.Encode(completion, nil, nil))
	return UsageInfo{PromptTokens: prompt, CompletionTokens: completionTokens, TotalTokens: prompt + completionTokens}
}
