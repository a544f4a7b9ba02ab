package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrAIGenerationFailed - ошибка при генерации текста AI
var ErrAIGenerationFailed = errors.New("ai generation failed")

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message - одно сообщение диалога, передаваемое модели.
type Message struct {
	Role    string
	Content string
}

// GenerationParams - параметры генерации.
// Используем указатели, чтобы отличить 0/0.0 от отсутствия.
type GenerationParams struct {
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
}

// UsageInfo содержит информацию об использовании токенов
type UsageInfo struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Provider - интерфейс для взаимодействия с AI API.
type Provider interface {
	// Generate возвращает полный ответ модели.
	Generate(ctx context.Context, messages []Message, params GenerationParams) (string, UsageInfo, error)
	// GenerateStream вызывает chunkHandler для каждого полученного фрагмента.
	// Ошибка chunkHandler прерывает стрим.
	GenerateStream(ctx context.Context, messages []Message, params GenerationParams, chunkHandler func(string) error) (UsageInfo, error)
}

// ProviderConfig - настройки подключения к модели.
type ProviderConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// NewProvider создает клиента AI в зависимости от конфигурации
func NewProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	log := logger.Named("AIProvider")
	httpClient := &http.Client{Timeout: cfg.Timeout}

	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI:
		log.Info("Using OpenAI-compatible provider",
			zap.String("base_url", cfg.BaseURL),
			zap.String("model", cfg.Model),
			zap.Duration("timeout", cfg.Timeout),
		)
		return newOpenAIProvider(cfg, httpClient, log), nil
	case ProviderOllama:
		log.Info("Using Ollama provider",
			zap.String("base_url", cfg.BaseURL),
			zap.String("model", cfg.Model),
			zap.Duration("timeout", cfg.Timeout),
		)
		return newOllamaProvider(cfg, httpClient, log)
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}
}

func validateMessages(messages []Message) error {
	if len(messages) == 0 {
		return fmt.Errorf("%w: no messages", ErrAIGenerationFailed)
	}
	if messages[0].Role == RoleSystem && strings.TrimSpace(messages[0].Content) == "" {
		return fmt.Errorf("%w: empty system prompt", ErrAIGenerationFailed)
	}
	return nil
}

func float32Val(f64 *float64) float32 {
	if f64 == nil {
		return 0
	}
	return float32(*f64)
}

func intVal(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

// Float64 и Int - помощники для заполнения GenerationParams.
func Float64(v float64) *float64 { return &v }

func Int(v int) *int { return &v }
