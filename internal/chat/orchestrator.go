// Package chat координирует свободный чат с персонажем: живые реплики,
// краткосрочный контекст и подведение итогов сессии.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yade-server/internal/affinity"
	"yade-server/internal/domain"
	"yade-server/internal/repository"
	"yade-server/pkg/ai"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
	MaxMessageLength    = 4000
)

// Oracle - языковая модель глазами чата.
type Oracle interface {
	SystemPrompt(tier string, facts map[string]string) string
	Stream(ctx context.Context, systemPrompt string, history []ai.Message, onChunk func(string) error) (string, error)
	ScoreAffinity(ctx context.Context, transcript []ai.Message) (int, error)
	ExtractFacts(ctx context.Context, transcript []ai.Message, existing map[string]string) (map[string]string, error)
}

var _ Oracle = (*ai.Oracle)(nil)

// SessionPublisher отправляет событие окончания сессии во внешнюю очередь.
type SessionPublisher interface {
	PublishSessionEnded(ctx context.Context, playerID uuid.UUID) error
}

// Orchestrator - реплики чата и итоги сессий.
type Orchestrator struct {
	store     repository.Store
	ledger    *affinity.Ledger
	oracle    Oracle
	window    *ContextCache
	publisher SessionPublisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewOrchestrator(store repository.Store, ledger *affinity.Ledger, oracle Oracle, window *ContextCache, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:  store,
		ledger: ledger,
		oracle: oracle,
		window: window,
		logger: logger.Named("ChatOrchestrator"),
		now:    time.Now,
	}
}

// SetPublisher включает асинхронное подведение итогов через очередь.
func (o *Orchestrator) SetPublisher(p SessionPublisher) {
	o.publisher = p
}

// TurnResult - итог одной реплики.
type TurnResult struct {
	UserMessage      domain.ChatMessage
	AssistantMessage domain.ChatMessage
	Reply            string
}

// Turn обрабатывает сообщение игрока и стримит ответ персонажа через onChunk.
// Сбой модели возвращается как domain.ErrOracle.
func (o *Orchestrator) Turn(ctx context.Context, playerID uuid.UUID, message string, onChunk func(string) error) (*TurnResult, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("%w: message is empty", domain.ErrValidation)
	}
	if utf8.RuneCountInString(message) > MaxMessageLength {
		return nil, fmt.Errorf("%w: message longer than %d characters", domain.ErrValidation, MaxMessageLength)
	}

	player, err := o.store.GetPlayer(ctx, playerID)
	if err != nil {
		return nil, err
	}
	log := o.logger.With(zap.String("player_id", playerID.String()))

	turns, err := o.window.Load(ctx, playerID)
	if err != nil {
		log.Warn("Chat context unavailable, continuing with empty context", zap.Error(err))
		turns = []domain.Turn{}
	}

	userMsg := &domain.ChatMessage{
		PlayerID:     playerID,
		Role:         domain.RoleUser,
		Content:      message,
		AfterLevelID: levelRef(player.CurrentLevelID),
		CreatedAt:    o.now().UTC(),
	}
	if err := o.store.InsertChatMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}
	turns = append(turns, domain.TurnFromMessage(*userMsg))

	systemPrompt := o.oracle.SystemPrompt(o.ledger.Tiers().Name(player.AffinityScore), player.MemoryFacts)
	reply, err := o.oracle.Stream(ctx, systemPrompt, toMessages(turns), onChunk)
	if err != nil {
		log.Error("Chat completion failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", domain.ErrOracle, err)
	}

	assistantMsg := &domain.ChatMessage{
		PlayerID:     playerID,
		Role:         domain.RoleAssistant,
		Content:      reply,
		AfterLevelID: levelRef(player.CurrentLevelID),
		CreatedAt:    o.now().UTC(),
	}
	if err := o.store.InsertChatMessage(ctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("save assistant message: %w", err)
	}
	turns = append(turns, domain.TurnFromMessage(*assistantMsg))

	if _, err := o.window.Save(ctx, playerID, turns); err != nil {
		log.Warn("Failed to save chat context", zap.Error(err))
	}

	return &TurnResult{UserMessage: *userMsg, AssistantMessage: *assistantMsg, Reply: reply}, nil
}

// EndSession запускает подведение итогов: через очередь, если она настроена, иначе сразу.
func (o *Orchestrator) EndSession(ctx context.Context, playerID uuid.UUID) error {
	if o.publisher != nil {
		err := o.publisher.PublishSessionEnded(ctx, playerID)
		if err == nil {
			return nil
		}
		o.logger.Warn("Publishing session end failed, settling inline",
			zap.String("player_id", playerID.String()), zap.Error(err))
	}
	_, err := o.Settle(ctx, playerID)
	return err
}

// History возвращает последние сообщения игрока в хронологическом порядке.
func (o *Orchestrator) History(ctx context.Context, playerID uuid.UUID, limit int) ([]domain.ChatMessage, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	if _, err := o.store.GetPlayer(ctx, playerID); err != nil {
		return nil, err
	}
	return o.store.ListChatMessages(ctx, playerID, limit)
}

func toMessages(turns []domain.Turn) []ai.Message {
	out := make([]ai.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, ai.Message{Role: string(t.Role), Content: t.Content})
	}
	return out
}

func messagesFromHistory(msgs []domain.ChatMessage) []ai.Message {
	out := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ai.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func levelRef(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// isOracleFailure отличает сбой модели от сбоя хранилища в логах итогов.
func isOracleFailure(err error) bool {
	return errors.Is(err, ai.ErrAIGenerationFailed) || errors.Is(err, domain.ErrOracle)
}
