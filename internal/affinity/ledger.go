package affinity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"yade-server/internal/domain"
)

var deltasApplied = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "affinity_deltas_applied_total",
		Help: "Affinity deltas applied to player scores, by source and sign.",
	},
	[]string{"source", "sign"},
)

// Tx - часть транзакции игрока, нужная журналу.
// Реализуется repository.PlayerTx.
type Tx interface {
	Player() *domain.Player
	UpdatePlayer(ctx context.Context, p *domain.Player) error
	InsertAffinityRecord(ctx context.Context, r *domain.AffinityRecord) error
}

// Ledger применяет изменения affinity с полом в нуле и пишет журнал.
type Ledger struct {
	tiers  *TierTable
	logger *zap.Logger
	now    func() time.Time
}

func NewLedger(tiers *TierTable, logger *zap.Logger) *Ledger {
	return &Ledger{tiers: tiers, logger: logger.Named("AffinityLedger"), now: time.Now}
}

func (l *Ledger) Tiers() *TierTable {
	return l.tiers
}

// Floor - правило изменения счета: ушедшее ниже нуля не переносится.
func Floor(score, delta int) int {
	if next := score + delta; next > 0 {
		return next
	}
	return 0
}

// Replay пересчитывает итоговый счет по последовательности дельт.
// Должен совпадать с Player.AffinityScore.
func Replay(deltas []int) int {
	score := 0
	for _, d := range deltas {
		score = Floor(score, d)
	}
	return score
}

// Apply меняет счет игрока в рамках транзакции tx и добавляет запись журнала.
// Запись добавляется и при нулевой дельте: журнал отвечает на вопрос "что произошло".
func (l *Ledger) Apply(ctx context.Context, tx Tx, delta int, source domain.AffinitySource, reason string) (int, error) {
	if !source.Valid() {
		return 0, fmt.Errorf("%w: unknown affinity source %q", domain.ErrValidation, source)
	}
	p := tx.Player()
	before := p.AffinityScore
	after := Floor(before, delta)
	now := l.now().UTC()

	rec := &domain.AffinityRecord{
		PlayerID:   p.ID,
		Delta:      delta,
		Source:     source,
		ScoreAfter: after,
		CreatedAt:  now,
	}
	if r := strings.TrimSpace(reason); r != "" {
		rec.Reason = &r
	}
	if err := tx.InsertAffinityRecord(ctx, rec); err != nil {
		return 0, fmt.Errorf("insert affinity record: %w", err)
	}

	p.AffinityScore = after
	p.UpdatedAt = now
	if err := tx.UpdatePlayer(ctx, p); err != nil {
		return 0, fmt.Errorf("update player affinity: %w", err)
	}

	deltasApplied.WithLabelValues(string(source), sign(delta)).Inc()
	l.logger.Debug("Affinity applied",
		zap.String("player_id", p.ID.String()),
		zap.Int("delta", delta),
		zap.Int("before", before),
		zap.Int("after", after),
		zap.String("source", string(source)),
	)
	return after, nil
}

func sign(d int) string {
	switch {
	case d > 0:
		return "positive"
	case d < 0:
		return "negative"
	default:
		return "zero"
	}
}
