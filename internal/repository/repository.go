package repository

import (
	"context"

	"github.com/google/uuid"

	"yade-server/internal/domain"
)

// Store - постоянное хранилище игроков и их журналов.
type Store interface {
	CreatePlayer(ctx context.Context, p *domain.Player) error
	// GetPlayer возвращает domain.ErrPlayerNotFound, если игрока нет.
	GetPlayer(ctx context.Context, id uuid.UUID) (*domain.Player, error)
	// DeletePlayer удаляет игрока вместе со всеми его записями.
	DeletePlayer(ctx context.Context, id uuid.UUID) error

	// WithinPlayer выполняет fn под эксклюзивной блокировкой строки игрока.
	// Изменения фиксируются только если fn вернула nil.
	WithinPlayer(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx PlayerTx) error) error

	// ListAffinityRecords возвращает записи с id > afterID по порядку.
	ListAffinityRecords(ctx context.Context, playerID uuid.UUID, afterID int64) ([]domain.AffinityRecord, error)
	// ListChoiceRecords возвращает выборы игрока с id > afterID по порядку.
	// Пустой levelID - все уровни.
	ListChoiceRecords(ctx context.Context, playerID uuid.UUID, levelID string, afterID int64) ([]domain.ChoiceRecord, error)

	InsertChatMessage(ctx context.Context, m *domain.ChatMessage) error
	// ListChatMessages возвращает последние limit сообщений в хронологическом порядке.
	ListChatMessages(ctx context.Context, playerID uuid.UUID, limit int) ([]domain.ChatMessage, error)
}

// PlayerTx - операции внутри транзакции одного игрока.
type PlayerTx interface {
	// Player - заблокированный снимок игрока. Изменения сохраняет UpdatePlayer.
	Player() *domain.Player
	UpdatePlayer(ctx context.Context, p *domain.Player) error
	InsertAffinityRecord(ctx context.Context, r *domain.AffinityRecord) error
	InsertChoiceRecord(ctx context.Context, r *domain.ChoiceRecord) error
	ListChoiceRecords(ctx context.Context, levelID string, afterID int64) ([]domain.ChoiceRecord, error)
	// ListChatMessagesAfter возвращает сообщения с id > afterID по порядку.
	ListChatMessagesAfter(ctx context.Context, afterID int64) ([]domain.ChatMessage, error)
	// LastRecordIDs - наибольшие ID записей журналов выборов и affinity игрока
	// (0, если записей нет). Журналы только дополняются, сброс прогресса
	// запоминает эти ID как водяные знаки.
	LastRecordIDs(ctx context.Context) (choiceID, affinityID int64, err error)
}
