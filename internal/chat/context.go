package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yade-server/internal/cache"
	"yade-server/internal/domain"
)

// ContextCache - скользящее окно последних реплик чата с TTL.
// Окно это кэш: пропавшее или поврежденное окно равно пустому.
type ContextCache struct {
	cache    cache.Store
	ttl      time.Duration
	maxTurns int
	logger   *zap.Logger
}

// NewContextCache хранит не больше maxTurns обменов (maxTurns*2 реплик).
func NewContextCache(c cache.Store, ttl time.Duration, maxTurns int, logger *zap.Logger) *ContextCache {
	return &ContextCache{cache: c, ttl: ttl, maxTurns: maxTurns, logger: logger.Named("ChatContextCache")}
}

func contextKey(playerID uuid.UUID) string {
	return fmt.Sprintf("chat:context:%s", playerID)
}

// Load возвращает окно игрока. Ошибка возвращается только при сбое кэша.
func (c *ContextCache) Load(ctx context.Context, playerID uuid.UUID) ([]domain.Turn, error) {
	raw, err := c.cache.Get(ctx, contextKey(playerID))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return []domain.Turn{}, nil
		}
		return nil, err
	}
	var turns []domain.Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		c.logger.Warn("Discarding corrupt chat context", zap.String("player_id", playerID.String()), zap.Error(err))
		_ = c.cache.Delete(ctx, contextKey(playerID))
		return []domain.Turn{}, nil
	}
	return turns, nil
}

// Save обрезает окно до последних maxTurns*2 реплик и сохраняет его с новым TTL.
func (c *ContextCache) Save(ctx context.Context, playerID uuid.UUID, turns []domain.Turn) ([]domain.Turn, error) {
	if limit := c.maxTurns * 2; len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	raw, err := json.Marshal(turns)
	if err != nil {
		return nil, fmt.Errorf("marshal chat context: %w", err)
	}
	if err := c.cache.Set(ctx, contextKey(playerID), raw, c.ttl); err != nil {
		return nil, err
	}
	return turns, nil
}

func (c *ContextCache) Clear(ctx context.Context, playerID uuid.UUID) error {
	return c.cache.Delete(ctx, contextKey(playerID))
}
