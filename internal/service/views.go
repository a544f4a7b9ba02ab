package service

import (
	"yade-server/internal/dialogue"
	"yade-server/internal/domain"
	"yade-server/internal/level"
)

// PlayerState - игрок вместе с названием уровня отношений.
type PlayerState struct {
	*domain.Player
	AffinityTier string `json:"affinity_tier"`
}

type ResetResult struct {
	Message string       `json:"message"`
	Player  *PlayerState `json:"player"`
}

type CreatePlayerInput struct {
	Name     *string `json:"name"`
	Nickname *string `json:"nickname"`
	Bio      *string `json:"bio"`
}

// UpdatePlayerInput - nil означает "не менять".
type UpdatePlayerInput struct {
	Name     *string `json:"name"`
	Nickname *string `json:"nickname"`
	Bio      *string `json:"bio"`
}

type LevelView struct {
	domain.LevelSummary
	IsUnlocked bool `json:"is_unlocked"`
}

// LevelDetail - полное описание открытого уровня.
// Session заполнена, если игрок поставил этот уровень на паузу.
// Current есть только у уровней-диалогов.
type LevelDetail struct {
	ID          string                                     `json:"id"`
	Title       string                                     `json:"title"`
	Order       int                                        `json:"order"`
	Description string                                     `json:"description,omitempty"`
	Kind        domain.LevelKind                           `json:"kind"`
	StartNode   string                                     `json:"start_node,omitempty"`
	Nodes       map[string]*domain.Node                    `json:"nodes,omitempty"`
	Choices     map[string]map[string]domain.ChoiceOutcome `json:"choices,omitempty"`
	Session     *level.Session                             `json:"session,omitempty"`
	Current     *DialogueView                              `json:"current,omitempty"`
}

// DialogueView - текущая позиция в диалоге после условий и автопереходов.
type DialogueView struct {
	dialogue.State
	Node *domain.Node `json:"node"`
}

type ChoiceInput struct {
	LevelID  string `json:"level_id" binding:"required"`
	NodeID   string `json:"node_id" binding:"required"`
	ChoiceID string `json:"choice_id" binding:"required"`
}

type ChoiceView struct {
	AffinityDelta    int     `json:"affinity_delta"`
	NewAffinityTotal int     `json:"new_affinity_total"`
	AffinityTier     string  `json:"affinity_tier"`
	IsMajor          bool    `json:"is_major"`
	NextNode         *string `json:"next_node,omitempty"`
	EndingReached    bool    `json:"ending_reached"`
}

type CompleteInput struct {
	LevelID    string  `json:"level_id" binding:"required"`
	EndingNode *string `json:"ending_node"`
}

type CompletionView struct {
	NextLevelID   *string `json:"next_level_id"`
	Unlocked      bool    `json:"unlocked"`
	TotalAffinity int     `json:"total_affinity"`
	AffinityTier  string  `json:"affinity_tier"`
}

type ProgressView struct {
	CurrentLevel   string   `json:"current_level"`
	UnlockedLevels []string `json:"unlocked_levels"`
	TotalAffinity  int      `json:"total_affinity"`
	AffinityTier   string   `json:"affinity_tier"`
}

// AffinityView - текущий счет и уровень отношений.
// NextTier пуст на последнем уровне.
type AffinityView struct {
	Score         int    `json:"score"`
	Tier          string `json:"tier"`
	NextTier      string `json:"next_tier,omitempty"`
	NextThreshold *int   `json:"next_threshold,omitempty"`
}
