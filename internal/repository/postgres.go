package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"yade-server/internal/domain"
	"yade-server/pkg/database"
)

const pgForeignKeyViolation = "23503"

const (
	playerColumns = `id, name, nickname, bio, current_level_id, max_unlocked_level_id,
        affinity_score, memory_facts, chat_scored_until,
        choices_reset_after, affinity_reset_after, level_runs, created_at, updated_at`

	createPlayerQuery = `
        INSERT INTO players (` + playerColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	getPlayerQuery          = `SELECT ` + playerColumns + ` FROM players WHERE id = $1`
	getPlayerForUpdateQuery = getPlayerQuery + ` FOR UPDATE`
	updatePlayerQuery       = `
        UPDATE players SET
            name = $2, nickname = $3, bio = $4,
            current_level_id = $5, max_unlocked_level_id = $6,
            affinity_score = $7, memory_facts = $8, chat_scored_until = $9,
            choices_reset_after = $10, affinity_reset_after = $11, level_runs = $12,
            updated_at = $13
        WHERE id = $1`
	deletePlayerQuery = `DELETE FROM players WHERE id = $1`

	insertAffinityRecordQuery = `
        INSERT INTO affinity_records (player_id, delta, source, reason, score_after, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id`
	listAffinityRecordsQuery = `
        SELECT id, player_id, delta, source, reason, score_after, created_at
        FROM affinity_records WHERE player_id = $1 AND id > $2 ORDER BY id`

	insertChoiceRecordQuery = `
        INSERT INTO level_choices (player_id, level_id, node_id, choice_id, affinity_delta, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id`
	listChoiceRecordsQuery = `
        SELECT id, player_id, level_id, node_id, choice_id, affinity_delta, created_at
        FROM level_choices
        WHERE player_id = $1 AND ($2 = '' OR level_id = $2) AND id > $3
        ORDER BY id`

	insertChatMessageQuery = `
        INSERT INTO chat_messages (player_id, role, content, after_level_id, created_at)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id`
	listChatMessagesQuery = `
        SELECT id, player_id, role, content, after_level_id, created_at FROM (
            SELECT id, player_id, role, content, after_level_id, created_at
            FROM chat_messages WHERE player_id = $1 ORDER BY id DESC LIMIT $2
        ) recent ORDER BY id`
	listChatMessagesAfterQuery = `
        SELECT id, player_id, role, content, after_level_id, created_at
        FROM chat_messages WHERE player_id = $1 AND id > $2 ORDER BY id`

	lastRecordIDsQuery = `
        SELECT
            (SELECT COALESCE(MAX(id), 0) FROM level_choices WHERE player_id = $1),
            (SELECT COALESCE(MAX(id), 0) FROM affinity_records WHERE player_id = $1)`
)

// pgxQuerier - общее для pgxpool.Pool и pgx.Tx.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Store    = (*PostgresStore)(nil)
	_ PlayerTx = (*pgPlayerTx)(nil)
)

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger.Named("PgStore")}
}

func (s *PostgresStore) CreatePlayer(ctx context.Context, p *domain.Player) error {
	facts, runs := jsonFields(p)
	_, err := s.pool.Exec(ctx, createPlayerQuery,
		p.ID, p.Name, p.Nickname, p.Bio, p.CurrentLevelID, p.MaxUnlockedLevelID,
		p.AffinityScore, facts, p.ChatScoredUntil,
		p.ChoicesResetAfter, p.AffinityResetAfter, runs, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("Failed to create player", zap.String("player_id", p.ID.String()), zap.Error(err))
		return fmt.Errorf("failed to create player: %w", err)
	}
	s.logger.Info("Player created", zap.String("player_id", p.ID.String()))
	return nil
}

func (s *PostgresStore) GetPlayer(ctx context.Context, id uuid.UUID) (*domain.Player, error) {
	return getPlayer(ctx, s.pool, getPlayerQuery, id)
}

func getPlayer(ctx context.Context, q pgxQuerier, query string, id uuid.UUID) (*domain.Player, error) {
	var p domain.Player
	if err := pgxscan.Get(ctx, q, &p, query, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrPlayerNotFound, id)
		}
		return nil, fmt.Errorf("failed to get player %s: %w", id, err)
	}
	if p.MemoryFacts == nil {
		p.MemoryFacts = map[string]string{}
	}
	if p.LevelRuns == nil {
		p.LevelRuns = map[string]int64{}
	}
	return &p, nil
}

// jsonFields: JSONB колонки NOT NULL, nil пишется как пустой объект.
func jsonFields(p *domain.Player) (map[string]string, map[string]int64) {
	facts, runs := p.MemoryFacts, p.LevelRuns
	if facts == nil {
		facts = map[string]string{}
	}
	if runs == nil {
		runs = map[string]int64{}
	}
	return facts, runs
}

func (s *PostgresStore) DeletePlayer(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, deletePlayerQuery, id)
	if err != nil {
		s.logger.Error("Failed to delete player", zap.String("player_id", id.String()), zap.Error(err))
		return fmt.Errorf("failed to delete player %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrPlayerNotFound, id)
	}
	s.logger.Info("Player deleted", zap.String("player_id", id.String()))
	return nil
}

func (s *PostgresStore) WithinPlayer(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx PlayerTx) error) error {
	return database.WithTransaction(ctx, s.pool, s.logger, func(ctx context.Context, tx pgx.Tx) error {
		p, err := getPlayer(ctx, tx, getPlayerForUpdateQuery, id)
		if err != nil {
			return err
		}
		return fn(ctx, &pgPlayerTx{tx: tx, player: p})
	})
}

func (s *PostgresStore) ListAffinityRecords(ctx context.Context, playerID uuid.UUID, afterID int64) ([]domain.AffinityRecord, error) {
	var out []domain.AffinityRecord
	if err := pgxscan.Select(ctx, s.pool, &out, listAffinityRecordsQuery, playerID, afterID); err != nil {
		return nil, fmt.Errorf("failed to list affinity records: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListChoiceRecords(ctx context.Context, playerID uuid.UUID, levelID string, afterID int64) ([]domain.ChoiceRecord, error) {
	return listChoiceRecords(ctx, s.pool, playerID, levelID, afterID)
}

func listChoiceRecords(ctx context.Context, q pgxQuerier, playerID uuid.UUID, levelID string, afterID int64) ([]domain.ChoiceRecord, error) {
	var out []domain.ChoiceRecord
	if err := pgxscan.Select(ctx, q, &out, listChoiceRecordsQuery, playerID, levelID, afterID); err != nil {
		return nil, fmt.Errorf("failed to list choice records: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) InsertChatMessage(ctx context.Context, m *domain.ChatMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, insertChatMessageQuery,
		m.PlayerID, m.Role, m.Content, m.AfterLevelID, m.CreatedAt,
	).Scan(&m.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return fmt.Errorf("%w: %s", domain.ErrPlayerNotFound, m.PlayerID)
		}
		s.logger.Error("Failed to insert chat message", zap.String("player_id", m.PlayerID.String()), zap.Error(err))
		return fmt.Errorf("failed to insert chat message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChatMessages(ctx context.Context, playerID uuid.UUID, limit int) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	if err := pgxscan.Select(ctx, s.pool, &out, listChatMessagesQuery, playerID, limit); err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	return out, nil
}

type pgPlayerTx struct {
	tx     pgx.Tx
	player *domain.Player
}

func (t *pgPlayerTx) Player() *domain.Player {
	return t.player
}

func (t *pgPlayerTx) UpdatePlayer(ctx context.Context, p *domain.Player) error {
	facts, runs := jsonFields(p)
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, updatePlayerQuery,
		p.ID, p.Name, p.Nickname, p.Bio, p.CurrentLevelID, p.MaxUnlockedLevelID,
		p.AffinityScore, facts, p.ChatScoredUntil,
		p.ChoicesResetAfter, p.AffinityResetAfter, runs, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update player %s: %w", p.ID, err)
	}
	t.player = p
	return nil
}

func (t *pgPlayerTx) InsertAffinityRecord(ctx context.Context, r *domain.AffinityRecord) error {
	err := t.tx.QueryRow(ctx, insertAffinityRecordQuery,
		r.PlayerID, r.Delta, r.Source, r.Reason, r.ScoreAfter, r.CreatedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("failed to insert affinity record: %w", err)
	}
	return nil
}

func (t *pgPlayerTx) InsertChoiceRecord(ctx context.Context, r *domain.ChoiceRecord) error {
	err := t.tx.QueryRow(ctx, insertChoiceRecordQuery,
		r.PlayerID, r.LevelID, r.NodeID, r.ChoiceID, r.AffinityDelta, r.CreatedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("failed to insert choice record: %w", err)
	}
	return nil
}

func (t *pgPlayerTx) ListChoiceRecords(ctx context.Context, levelID string, afterID int64) ([]domain.ChoiceRecord, error) {
	return listChoiceRecords(ctx, t.tx, t.player.ID, levelID, afterID)
}

func (t *pgPlayerTx) ListChatMessagesAfter(ctx context.Context, afterID int64) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	if err := pgxscan.Select(ctx, t.tx, &out, listChatMessagesAfterQuery, t.player.ID, afterID); err != nil {
		return nil, fmt.Errorf("failed to list chat messages after %d: %w", afterID, err)
	}
	return out, nil
}

func (t *pgPlayerTx) LastRecordIDs(ctx context.Context) (int64, int64, error) {
	var choiceID, affinityID int64
	if err := t.tx.QueryRow(ctx, lastRecordIDsQuery, t.player.ID).Scan(&choiceID, &affinityID); err != nil {
		return 0, 0, fmt.Errorf("failed to get last record ids: %w", err)
	}
	return choiceID, affinityID, nil
}
