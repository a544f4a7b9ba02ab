package domain

import (
	"time"

	"github.com/google/uuid"
)

// DefaultPlayerName используется, если имя не передано при создании.
const DefaultPlayerName = "Player"

// Player - строка игрока в хранилище. AffinityScore это кэш накопленной
// суммы записей affinity с полом в нуле.
type Player struct {
	ID                 uuid.UUID         `db:"id" json:"id"`
	Name               string            `db:"name" json:"name"`
	Nickname           *string           `db:"nickname" json:"nickname"`
	Bio                *string           `db:"bio" json:"bio"`
	CurrentLevelID     string            `db:"current_level_id" json:"current_level_id"`
	MaxUnlockedLevelID string            `db:"max_unlocked_level_id" json:"max_unlocked_level_id"`
	AffinityScore      int               `db:"affinity_score" json:"affinity_score"`
	MemoryFacts        map[string]string `db:"memory_facts" json:"memory_facts"`
	// ID последнего сообщения чата, уже учтенного в affinity и памяти
	ChatScoredUntil int64 `db:"chat_scored_until" json:"-"`
	// Журналы до сброса прогресса остаются в хранилище, но не учитываются
	ChoicesResetAfter  int64 `db:"choices_reset_after" json:"-"`
	AffinityResetAfter int64 `db:"affinity_reset_after" json:"-"`
	// LevelRuns: уровень -> ID последнего выбора перед текущим прохождением
	LevelRuns map[string]int64 `db:"level_runs" json:"-"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt time.Time        `db:"updated_at" json:"updated_at"`
}

// NewPlayer создает игрока на первом уровне.
func NewPlayer(name string, nickname, bio *string, firstLevelID string) *Player {
	now := time.Now().UTC()
	return &Player{
		ID:                 uuid.New(),
		Name:               name,
		Nickname:           nickname,
		Bio:                bio,
		CurrentLevelID:     firstLevelID,
		MaxUnlockedLevelID: firstLevelID,
		MemoryFacts:        map[string]string{},
		LevelRuns:          map[string]int64{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// ResetProgress возвращает игрока в начало игры. Записи журналов с ID не больше
// lastChoiceID и lastAffinityID дальше не учитываются.
// Поля профиля (name, nickname, bio) сохраняются.
func (p *Player) ResetProgress(firstLevelID string, lastChoiceID, lastAffinityID int64) {
	p.CurrentLevelID = firstLevelID
	p.MaxUnlockedLevelID = firstLevelID
	p.AffinityScore = 0
	p.MemoryFacts = map[string]string{}
	p.ChoicesResetAfter = max(p.ChoicesResetAfter, lastChoiceID)
	p.AffinityResetAfter = max(p.AffinityResetAfter, lastAffinityID)
	p.LevelRuns = map[string]int64{}
}

// RunStartAfter - выборы текущего прохождения уровня имеют ID больше этого.
func (p *Player) RunStartAfter(levelID string) int64 {
	return max(p.ChoicesResetAfter, p.LevelRuns[levelID])
}

// StartRun начинает новое прохождение уровня после выбора lastChoiceID.
func (p *Player) StartRun(levelID string, lastChoiceID int64) {
	if p.LevelRuns == nil {
		p.LevelRuns = make(map[string]int64, 1)
	}
	p.LevelRuns[levelID] = max(p.LevelRuns[levelID], lastChoiceID)
}

// MergeFacts перезаписывает факты с теми же ключами, остальные не трогает.
func (p *Player) MergeFacts(facts map[string]string) {
	if p.MemoryFacts == nil {
		p.MemoryFacts = make(map[string]string, len(facts))
	}
	for k, v := range facts {
		p.MemoryFacts[k] = v
	}
}

// Clone возвращает глубокую копию.
func (p *Player) Clone() *Player {
	c := *p
	c.MemoryFacts = make(map[string]string, len(p.MemoryFacts))
	for k, v := range p.MemoryFacts {
		c.MemoryFacts[k] = v
	}
	c.LevelRuns = make(map[string]int64, len(p.LevelRuns))
	for k, v := range p.LevelRuns {
		c.LevelRuns[k] = v
	}
	if p.Nickname != nil {
		n := *p.Nickname
		c.Nickname = &n
	}
	if p.Bio != nil {
		b := *p.Bio
		c.Bio = &b
	}
	return &c
}

// AffinitySource - источник изменения affinity.
type AffinitySource string

const (
	SourceLevelChoice AffinitySource = "level_choice"
	SourceChatSession AffinitySource = "chat_session"
)

func (s AffinitySource) Valid() bool {
	return s == SourceLevelChoice || s == SourceChatSession
}

// AffinityRecord - неизменяемая запись журнала affinity.
type AffinityRecord struct {
	ID         int64          `db:"id" json:"id"`
	PlayerID   uuid.UUID      `db:"player_id" json:"player_id"`
	Delta      int            `db:"delta" json:"delta"`
	Source     AffinitySource `db:"source" json:"source"`
	Reason     *string        `db:"reason" json:"reason,omitempty"`
	ScoreAfter int            `db:"score_after" json:"score_after"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// ChoiceRecord - выбор игрока внутри уровня (только добавление).
type ChoiceRecord struct {
	ID            int64     `db:"id" json:"id"`
	PlayerID      uuid.UUID `db:"player_id" json:"player_id"`
	LevelID       string    `db:"level_id" json:"level_id"`
	NodeID        string    `db:"node_id" json:"node_id"`
	ChoiceID      string    `db:"choice_id" json:"choice_id"`
	AffinityDelta int       `db:"affinity_delta" json:"affinity_delta"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}
