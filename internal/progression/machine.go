// Package progression владеет парой (current_level, max_unlocked_level) игрока.
package progression

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"yade-server/internal/affinity"
	"yade-server/internal/domain"
	"yade-server/internal/level"
)

var (
	levelCompletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "level_completions_total",
			Help: "Level completions, by whether a new level was unlocked.",
		},
		[]string{"unlocked"},
	)
	choicesRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "level_choices_recorded_total",
			Help: "Player choices recorded, by level.",
		},
		[]string{"level_id"},
	)
)

// Levels - то, что машине нужно от хранилища уровней.
type Levels interface {
	Load(id string) (*domain.Level, error)
	Order(id string) (int, bool)
	NextAfter(id string) (string, bool)
	UnlockedSet(maxID string) []string
	ChoiceOutcome(levelID, nodeID, choiceID string) (level.Outcome, error)
	First() string
}

// Tx - транзакция игрока: журнал affinity плюс журнал выборов.
type Tx interface {
	affinity.Tx
	InsertChoiceRecord(ctx context.Context, r *domain.ChoiceRecord) error
	ListChoiceRecords(ctx context.Context, levelID string, afterID int64) ([]domain.ChoiceRecord, error)
	LastRecordIDs(ctx context.Context) (choiceID, affinityID int64, err error)
}

var _ Levels = (*level.Store)(nil)

// Machine - машина состояний прогресса. Все мутации выполняются внутри
// транзакции игрока, которую открывает вызывающий.
type Machine struct {
	levels Levels
	ledger *affinity.Ledger
	logger *zap.Logger
	now    func() time.Time
}

func NewMachine(levels Levels, ledger *affinity.Ledger, logger *zap.Logger) *Machine {
	return &Machine{levels: levels, ledger: ledger, logger: logger.Named("Progression"), now: time.Now}
}

// ChoiceResult - итог записи выбора.
type ChoiceResult struct {
	Record   domain.ChoiceRecord
	Outcome  level.Outcome
	NewScore int
}

// RecordChoice записывает выбор и передает его дельту в журнал affinity.
// Уровень не меняется: выборы внутри уровня ничего не открывают.
func (m *Machine) RecordChoice(ctx context.Context, tx Tx, levelID, nodeID, choiceID string) (*ChoiceResult, error) {
	p := tx.Player()
	outcome, err := m.CheckChoice(p, levelID, nodeID, choiceID)
	if err != nil {
		return nil, err
	}

	rec := domain.ChoiceRecord{
		PlayerID:      p.ID,
		LevelID:       levelID,
		NodeID:        nodeID,
		ChoiceID:      choiceID,
		AffinityDelta: outcome.AffinityDelta,
		CreatedAt:     m.now().UTC(),
	}
	if err := tx.InsertChoiceRecord(ctx, &rec); err != nil {
		return nil, fmt.Errorf("insert choice record: %w", err)
	}

	reason := strings.Join([]string{levelID, nodeID, choiceID}, "/")
	score, err := m.ledger.Apply(ctx, tx, outcome.AffinityDelta, domain.SourceLevelChoice, reason)
	if err != nil {
		return nil, err
	}

	choicesRecorded.WithLabelValues(levelID).Inc()
	m.logger.Info("Choice recorded",
		zap.String("player_id", p.ID.String()),
		zap.String("level_id", levelID),
		zap.String("node_id", nodeID),
		zap.String("choice_id", choiceID),
		zap.Int("delta", outcome.AffinityDelta),
		zap.Int("score", score),
	)
	return &ChoiceResult{Record: rec, Outcome: outcome, NewScore: score}, nil
}

// CheckChoice проверяет выбор без записи: уровень существует и открыт,
// узел и вариант есть в уровне.
func (m *Machine) CheckChoice(p *domain.Player, levelID, nodeID, choiceID string) (level.Outcome, error) {
	if _, err := m.levels.Load(levelID); err != nil {
		return level.Outcome{}, err
	}
	if !m.IsUnlocked(p, levelID) {
		return level.Outcome{}, fmt.Errorf("%w: %s", domain.ErrLevelLocked, levelID)
	}
	return m.levels.ChoiceOutcome(levelID, nodeID, choiceID)
}

// RunChoices - выборы текущего прохождения уровня по порядку.
func (m *Machine) RunChoices(ctx context.Context, tx Tx, levelID string) ([]domain.ChoiceRecord, error) {
	return tx.ListChoiceRecords(ctx, levelID, tx.Player().RunStartAfter(levelID))
}

// RestartRun начинает прохождение уровня заново: уже сделанные в нем
// выборы остаются в журнале, но больше не влияют на диалог.
func (m *Machine) RestartRun(ctx context.Context, tx Tx, levelID string) error {
	if err := m.closeRun(ctx, tx, levelID); err != nil {
		return err
	}
	p := tx.Player()
	if err := tx.UpdatePlayer(ctx, p); err != nil {
		return fmt.Errorf("update level run: %w", err)
	}
	m.logger.Info("Level run restarted", zap.String("player_id", p.ID.String()), zap.String("level_id", levelID))
	return nil
}

func (m *Machine) closeRun(ctx context.Context, tx Tx, levelID string) error {
	lastChoice, _, err := tx.LastRecordIDs(ctx)
	if err != nil {
		return err
	}
	tx.Player().StartRun(levelID, lastChoice)
	return nil
}

// Reset возвращает игрока к первому уровню с нулевым счетом.
// Журналы не удаляются: игрок запоминает водяные знаки, после которых
// записи снова учитываются.
func (m *Machine) Reset(ctx context.Context, tx Tx) error {
	lastChoice, lastAffinity, err := tx.LastRecordIDs(ctx)
	if err != nil {
		return err
	}
	p := tx.Player()
	p.ResetProgress(m.levels.First(), lastChoice, lastAffinity)
	p.UpdatedAt = m.now().UTC()
	if err := tx.UpdatePlayer(ctx, p); err != nil {
		return fmt.Errorf("update player progress: %w", err)
	}
	m.logger.Info("Progress reset",
		zap.String("player_id", p.ID.String()),
		zap.Int64("choices_reset_after", lastChoice),
		zap.Int64("affinity_reset_after", lastAffinity),
	)
	return nil
}

// Completion - результат завершения уровня.
type Completion struct {
	// NextLevelID пуст, если завершен последний уровень
	NextLevelID string
	Unlocked    bool
}

// CompleteLevel переводит игрока на следующий уровень. Максимальный открытый
// уровень только растет: повторное прохождение старого уровня его не понижает.
func (m *Machine) CompleteLevel(ctx context.Context, tx Tx, levelID string) (Completion, error) {
	p := tx.Player()
	if _, err := m.levels.Load(levelID); err != nil {
		return Completion{}, err
	}
	if !m.IsUnlocked(p, levelID) {
		return Completion{}, fmt.Errorf("%w: %s", domain.ErrLevelLocked, levelID)
	}
	// следующее прохождение уровня начнется с пустой истории
	if err := m.closeRun(ctx, tx, levelID); err != nil {
		return Completion{}, err
	}

	var res Completion
	next, ok := m.levels.NextAfter(levelID)
	if ok {
		res.NextLevelID = next
		nextOrder, _ := m.levels.Order(next)
		if nextOrder > m.orderOrMin(p.MaxUnlockedLevelID) {
			p.MaxUnlockedLevelID = next
			res.Unlocked = true
		}
		p.CurrentLevelID = next
	} else {
		// последний уровень проигрывается на месте
		p.CurrentLevelID = levelID
	}

	p.UpdatedAt = m.now().UTC()
	if err := tx.UpdatePlayer(ctx, p); err != nil {
		return Completion{}, fmt.Errorf("update player progress: %w", err)
	}

	levelCompletions.WithLabelValues(fmt.Sprint(res.Unlocked)).Inc()
	m.logger.Info("Level completed",
		zap.String("player_id", p.ID.String()),
		zap.String("level_id", levelID),
		zap.String("next_level_id", res.NextLevelID),
		zap.Bool("unlocked", res.Unlocked),
	)
	return res, nil
}

// UnlockedSet - все уровни, доступные игроку.
func (m *Machine) UnlockedSet(p *domain.Player) []string {
	return m.levels.UnlockedSet(p.MaxUnlockedLevelID)
}

// IsUnlocked сообщает, открыт ли уровень игроку.
func (m *Machine) IsUnlocked(p *domain.Player, levelID string) bool {
	o, ok := m.levels.Order(levelID)
	return ok && o <= m.orderOrMin(p.MaxUnlockedLevelID)
}

// orderOrMin трактует неизвестный уровень как меньший любого известного.
func (m *Machine) orderOrMin(id string) int {
	if o, ok := m.levels.Order(id); ok {
		return o
	}
	return math.MinInt
}
