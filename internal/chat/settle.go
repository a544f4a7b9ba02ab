package chat

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"yade-server/internal/domain"
	"yade-server/internal/repository"
	"yade-server/pkg/ai"
)

var (
	settlements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_settlements_total",
			Help: "Chat session settlements, by outcome.",
		},
		[]string{"outcome"},
	)
	settlementStepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_settlement_step_failures_total",
			Help: "Failed chat settlement steps, by step and cause.",
		},
		[]string{"step", "cause"},
	)
)

// Settlement - итог подведения сессии.
type Settlement struct {
	// Skipped - в неучтенных сообщениях нет ни одного полного обмена.
	Skipped    bool
	FromID     int64
	UntilID    int64
	Delta      int
	NewScore   int
	NewFacts   int
	ScoreErr   error
	ExtractErr error
}

// Settle подводит итог неучтенных сообщений чата игрока.
//
// Сначала диапазон сообщений закрепляется за этим вызовом сдвигом
// ChatScoredUntil, и только потом вызывается модель. Повторный или
// параллельный вызов видит пустой диапазон. Оценка и извлечение фактов
// независимы: сбой одного шага не мешает другому.
func (o *Orchestrator) Settle(ctx context.Context, playerID uuid.UUID) (*Settlement, error) {
	log := o.logger.With(zap.String("player_id", playerID.String()))

	var transcript []domain.ChatMessage
	var knownFacts map[string]string
	err := o.store.WithinPlayer(ctx, playerID, func(ctx context.Context, tx repository.PlayerTx) error {
		p := tx.Player()
		msgs, err := tx.ListChatMessagesAfter(ctx, p.ChatScoredUntil)
		if err != nil {
			return err
		}
		transcript = claimable(msgs)
		if len(transcript) == 0 {
			return nil
		}
		p.ChatScoredUntil = transcript[len(transcript)-1].ID
		p.UpdatedAt = o.now().UTC()
		knownFacts = p.Clone().MemoryFacts
		return tx.UpdatePlayer(ctx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("claim chat messages: %w", err)
	}
	if len(transcript) == 0 {
		settlements.WithLabelValues("skipped").Inc()
		log.Debug("No complete exchange to settle")
		return &Settlement{Skipped: true}, nil
	}

	result := &Settlement{FromID: transcript[0].ID, UntilID: transcript[len(transcript)-1].ID}
	history := messagesFromHistory(transcript)

	result.Delta, result.NewScore, result.ScoreErr = o.settleAffinity(ctx, playerID, history, result)
	if result.ScoreErr != nil {
		settlementStepFailures.WithLabelValues("score", failureCause(result.ScoreErr)).Inc()
		log.Warn("Chat affinity scoring skipped", zap.Error(result.ScoreErr))
	}

	result.NewFacts, result.ExtractErr = o.settleFacts(ctx, playerID, history, knownFacts)
	if result.ExtractErr != nil {
		settlementStepFailures.WithLabelValues("extract", failureCause(result.ExtractErr)).Inc()
		log.Warn("Chat memory extraction skipped", zap.Error(result.ExtractErr))
	}

	settlements.WithLabelValues("settled").Inc()
	log.Info("Chat session settled",
		zap.Int64("from_id", result.FromID),
		zap.Int64("until_id", result.UntilID),
		zap.Int("delta", result.Delta),
		zap.Int("new_facts", result.NewFacts),
	)
	return result, nil
}

func (o *Orchestrator) settleAffinity(ctx context.Context, playerID uuid.UUID, history []ai.Message, r *Settlement) (int, int, error) {
	delta, err := o.oracle.ScoreAffinity(ctx, history)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", domain.ErrOracle, err)
	}
	if delta == 0 {
		return 0, 0, nil
	}
	var score int
	reason := fmt.Sprintf("chat messages %d-%d", r.FromID, r.UntilID)
	err = o.store.WithinPlayer(ctx, playerID, func(ctx context.Context, tx repository.PlayerTx) error {
		var err error
		score, err = o.ledger.Apply(ctx, tx, delta, domain.SourceChatSession, reason)
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("apply chat affinity: %w", err)
	}
	return delta, score, nil
}

func (o *Orchestrator) settleFacts(ctx context.Context, playerID uuid.UUID, history []ai.Message, known map[string]string) (int, error) {
	facts, err := o.oracle.ExtractFacts(ctx, history, known)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", domain.ErrOracle, err)
	}
	if len(facts) == 0 {
		return 0, nil
	}
	err = o.store.WithinPlayer(ctx, playerID, func(ctx context.Context, tx repository.PlayerTx) error {
		p := tx.Player()
		p.MergeFacts(facts)
		p.UpdatedAt = o.now().UTC()
		return tx.UpdatePlayer(ctx, p)
	})
	if err != nil {
		return 0, fmt.Errorf("merge memory facts: %w", err)
	}
	return len(facts), nil
}

// claimable возвращает префикс msgs до последнего ответа ассистента,
// которому предшествует сообщение игрока. Хвост без ответа остается
// для следующей сессии.
func claimable(msgs []domain.ChatMessage) []domain.ChatMessage {
	if !domain.HasExchange(msgs) {
		return nil
	}
	userSeen := false
	end := -1
	for i, m := range msgs {
		switch m.Role {
		case domain.RoleUser:
			userSeen = true
		case domain.RoleAssistant:
			if userSeen {
				end = i
			}
		}
	}
	if end < 0 {
		return nil
	}
	return msgs[:end+1]
}

func failureCause(err error) string {
	if isOracleFailure(err) {
		return "oracle"
	}
	return "store"
}
