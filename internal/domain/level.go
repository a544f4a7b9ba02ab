package domain

// SpeakerKind - закрытое перечисление говорящих в узле диалога.
type SpeakerKind string

const (
	SpeakerNarrator  SpeakerKind = "narrator"
	SpeakerCharacter SpeakerKind = "character"
	SpeakerPlayer    SpeakerKind = "player"
)

func (k SpeakerKind) Valid() bool {
	switch k {
	case SpeakerNarrator, SpeakerCharacter, SpeakerPlayer:
		return true
	}
	return false
}

// NodeKind вычисляется при загрузке уровня и определяет поведение интерпретатора.
type NodeKind int

const (
	NodeKindChoice NodeKind = iota + 1 // ждет выбора игрока
	NodeKindEnding                     // терминальный узел
	NodeKindAuto                       // автопереход на NextNode
)

func (k NodeKind) String() string {
	switch k {
	case NodeKindChoice:
		return "choice"
	case NodeKindEnding:
		return "ending"
	case NodeKindAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// LevelKind - вариант описания уровня.
type LevelKind string

const (
	LevelKindDialogue    LevelKind = "dialogue"
	LevelKindChoiceTable LevelKind = "choice_table"
)

// Option - вариант ответа в узле с выбором.
type Option struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	AffinityDelta int    `json:"affinity_delta"`
	NextNode      string `json:"next_node"`
	IsMajor       bool   `json:"is_major"`
}

// Branch - одна ветка условия: выбор ChoiceID в узле RefNode ведет в Target.
type Branch struct {
	ChoiceID string `json:"choice_id"`
	Target   string `json:"target"`
}

// Condition проверяется в порядке объявления, первая совпавшая ветка выигрывает.
type Condition struct {
	RefNode  string   `json:"ref_node"`
	Branches []Branch `json:"branches"`
}

// Match возвращает целевой узел, если в choices записан подходящий выбор.
func (c Condition) Match(choices map[string]string) (string, bool) {
	made, ok := choices[c.RefNode]
	if !ok {
		return "", false
	}
	for _, b := range c.Branches {
		if b.ChoiceID == made {
			return b.Target, true
		}
	}
	return "", false
}

// Node - шаг диалогового графа.
type Node struct {
	ID         string      `json:"id"`
	Speaker    SpeakerKind `json:"speaker"`
	Text       string      `json:"text"`
	Action     string      `json:"action,omitempty"`
	Options    []Option    `json:"options,omitempty"`
	NextNode   string      `json:"next_node,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
	IsEnding   bool        `json:"is_ending"`
	Kind       NodeKind    `json:"-"`
}

// Option ищет вариант ответа по ID.
func (n *Node) Option(id string) (Option, bool) {
	for _, o := range n.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// ChoiceOutcome - результат выбора в упрощенной таблице выборов.
type ChoiceOutcome struct {
	AffinityDelta int  `json:"affinity_delta"`
	IsMajor       bool `json:"is_major"`
}

// Level - неизменяемое описание уровня. Заполнено ровно одно из Nodes / Choices.
type Level struct {
	ID          string
	Order       int
	Title       string
	Description string
	Version     int
	StartNode   string
	Nodes       map[string]*Node
	Choices     map[string]map[string]ChoiceOutcome
}

func (l *Level) Kind() LevelKind {
	if len(l.Nodes) > 0 {
		return LevelKindDialogue
	}
	return LevelKindChoiceTable
}

// LevelSummary - краткая информация об уровне для списков.
type LevelSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Order       int    `json:"order"`
	Description string `json:"description,omitempty"`
}

func (l *Level) Summary() LevelSummary {
	return LevelSummary{ID: l.ID, Title: l.Title, Order: l.Order, Description: l.Description}
}
