package level

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"yade-server/internal/domain"
)

// SupportedVersion - единственная поддерживаемая версия формата уровня.
const SupportedVersion = 1

type levelFile struct {
	Version     int                                    `yaml:"version"`
	ID          string                                 `yaml:"id"`
	Order       int                                    `yaml:"order"`
	Title       string                                 `yaml:"title"`
	Description string                                 `yaml:"description"`
	StartNode   string                                 `yaml:"start_node"`
	Nodes       map[string]nodeFile                    `yaml:"nodes"`
	Choices     map[string]map[string]choiceOutcomeFile `yaml:"choices"`
}

type nodeFile struct {
	Speaker   string        `yaml:"speaker"`
	Text      string        `yaml:"text"`
	Action    string        `yaml:"action"`
	Options   []optionFile  `yaml:"options"`
	NextNode  string        `yaml:"next_node"`
	Condition conditionList `yaml:"condition"`
	IsEnding  bool          `yaml:"is_ending"`
}

type optionFile struct {
	ID            string `yaml:"id"`
	Text          string `yaml:"text"`
	AffinityDelta int    `yaml:"affinity_delta"`
	NextNode      string `yaml:"next_node"`
	IsMajor       bool   `yaml:"is_major"`
}

type choiceOutcomeFile struct {
	AffinityDelta int  `yaml:"affinity_delta"`
	IsMajor       bool `yaml:"is_major"`
}

// conditionList декодирует mapping `ref_node -> {choice -> target}` с сохранением
// порядка объявления. Обычная map потеряла бы порядок.
type conditionList []domain.Condition

func (c *conditionList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: condition must be a mapping", value.Line)
	}
	seen := make(map[string]struct{}, len(value.Content)/2)
	out := make(conditionList, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, branches := value.Content[i], value.Content[i+1]
		if _, dup := seen[key.Value]; dup {
			return fmt.Errorf("line %d: duplicate condition on node %q", key.Line, key.Value)
		}
		seen[key.Value] = struct{}{}

		if branches.Kind != yaml.MappingNode {
			return fmt.Errorf("line %d: condition on %q must map choice ids to nodes", branches.Line, key.Value)
		}
		cond := domain.Condition{RefNode: key.Value}
		for j := 0; j+1 < len(branches.Content); j += 2 {
			choice, target := branches.Content[j], branches.Content[j+1]
			if target.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: condition target for %q must be a node id", target.Line, choice.Value)
			}
			cond.Branches = append(cond.Branches, domain.Branch{ChoiceID: choice.Value, Target: target.Value})
		}
		out = append(out, cond)
	}
	*c = out
	return nil
}

// toDomain переводит файловое представление в типизированный уровень.
// Инварианты графа проверяет validate.
func (f *levelFile) toDomain() *domain.Level {
	lvl := &domain.Level{
		ID:          f.ID,
		Order:       f.Order,
		Title:       f.Title,
		Description: f.Description,
		Version:     f.Version,
		StartNode:   f.StartNode,
	}
	if len(f.Nodes) > 0 {
		lvl.Nodes = make(map[string]*domain.Node, len(f.Nodes))
		for id, n := range f.Nodes {
			node := &domain.Node{
				ID:         id,
				Speaker:    domain.SpeakerKind(n.Speaker),
				Text:       n.Text,
				Action:     n.Action,
				NextNode:   n.NextNode,
				Conditions: []domain.Condition(n.Condition),
				IsEnding:   n.IsEnding,
			}
			for _, o := range n.Options {
				node.Options = append(node.Options, domain.Option(o))
			}
			lvl.Nodes[id] = node
		}
	}
	if len(f.Choices) > 0 {
		lvl.Choices = make(map[string]map[string]domain.ChoiceOutcome, len(f.Choices))
		for nodeID, opts := range f.Choices {
			m := make(map[string]domain.ChoiceOutcome, len(opts))
			for optID, o := range opts {
				m[optID] = domain.ChoiceOutcome(o)
			}
			lvl.Choices[nodeID] = m
		}
	}
	return lvl
}
