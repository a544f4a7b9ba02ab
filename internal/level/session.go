package level

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yade-server/internal/cache"
)

// Session - позиция игрока в незавершенном уровне (пауза/продолжение).
type Session struct {
	LevelID string    `json:"level_id"`
	NodeID  string    `json:"node_id"`
	SavedAt time.Time `json:"saved_at"`
}

// SessionStore хранит паузу уровня в краткосрочном кэше.
// Это кэш, а не источник истины: потерянная пауза означает старт уровня заново.
type SessionStore struct {
	cache  cache.Store
	ttl    time.Duration
	logger *zap.Logger
}

func NewSessionStore(c cache.Store, ttl time.Duration, logger *zap.Logger) *SessionStore {
	return &SessionStore{cache: c, ttl: ttl, logger: logger.Named("LevelSessionStore")}
}

func sessionKey(playerID uuid.UUID) string {
	return fmt.Sprintf("level:state:%s", playerID)
}

func (s *SessionStore) Save(ctx context.Context, playerID uuid.UUID, levelID, nodeID string) error {
	raw, err := json.Marshal(Session{LevelID: levelID, NodeID: nodeID, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal level session: %w", err)
	}
	return s.cache.Set(ctx, sessionKey(playerID), raw, s.ttl)
}

// Load возвращает nil без ошибки, если паузы нет, она истекла или повреждена.
func (s *SessionStore) Load(ctx context.Context, playerID uuid.UUID) (*Session, error) {
	raw, err := s.cache.Get(ctx, sessionKey(playerID))
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, nil
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		s.logger.Warn("Discarding corrupt level session", zap.String("player_id", playerID.String()), zap.Error(err))
		_ = s.cache.Delete(ctx, sessionKey(playerID))
		return nil, nil
	}
	return &sess, nil
}

func (s *SessionStore) Clear(ctx context.Context, playerID uuid.UUID) error {
	return s.cache.Delete(ctx, sessionKey(playerID))
}
