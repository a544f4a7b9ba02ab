package affinity

import (
	"errors"
	"fmt"
	"sort"
)

// Tier - именованная полоса значения affinity.
type Tier struct {
	Threshold int    `json:"threshold" yaml:"threshold"`
	Name      string `json:"name" yaml:"name"`
}

// TierTable - возрастающий список порогов. Первый порог всегда 0.
type TierTable struct {
	tiers []Tier
}

// DefaultTiers соответствует игровому дизайну: каждые 20 очков новая ступень.
var DefaultTiers = []Tier{
	{0, "stranger"},
	{20, "acquaintance"},
	{40, "friend"},
	{60, "close_friend"},
	{80, "confidant"},
	{100, "bonded"},
}

var ErrInvalidTiers = errors.New("invalid tier table")

func NewTierTable(tiers []Tier) (*TierTable, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidTiers)
	}
	if tiers[0].Threshold != 0 {
		return nil, fmt.Errorf("%w: first threshold must be 0, got %d", ErrInvalidTiers, tiers[0].Threshold)
	}
	names := make(map[string]struct{}, len(tiers))
	for i, t := range tiers {
		if t.Name == "" {
			return nil, fmt.Errorf("%w: tier #%d has no name", ErrInvalidTiers, i)
		}
		if _, dup := names[t.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate tier name %q", ErrInvalidTiers, t.Name)
		}
		names[t.Name] = struct{}{}
		if i > 0 && t.Threshold <= tiers[i-1].Threshold {
			return nil, fmt.Errorf("%w: thresholds must be strictly ascending (%d after %d)", ErrInvalidTiers, t.Threshold, tiers[i-1].Threshold)
		}
	}
	return &TierTable{tiers: append([]Tier(nil), tiers...)}, nil
}

// MustDefaultTierTable - таблица по умолчанию; паника невозможна для DefaultTiers.
func MustDefaultTierTable() *TierTable {
	t, err := NewTierTable(DefaultTiers)
	if err != nil {
		panic(err)
	}
	return t
}

// Tier возвращает ступень с наибольшим порогом <= score.
// Отрицательный score (не должен встречаться) дает нижнюю ступень.
func (t *TierTable) Tier(score int) Tier {
	i := sort.Search(len(t.tiers), func(i int) bool { return t.tiers[i].Threshold > score })
	if i == 0 {
		return t.tiers[0]
	}
	return t.tiers[i-1]
}

func (t *TierTable) Name(score int) string {
	return t.Tier(score).Name
}

func (t *TierTable) Tiers() []Tier {
	return append([]Tier(nil), t.tiers...)
}
