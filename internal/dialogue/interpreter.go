// Package dialogue проходит граф диалога уровня.
//
// Интерпретатор чистый: результат зависит только от уровня, текущего узла,
// сделанных выборов и входящего выбора. Состояние не мутируется на месте,
// каждый шаг возвращает новое.
package dialogue

import (
	"fmt"
	"maps"

	"yade-server/internal/domain"
)

// State - позиция прохождения: текущий узел и сделанные выборы.
type State struct {
	NodeID   string            `json:"node_id"`
	Choices  map[string]string `json:"choices_made"`
	Affinity int               `json:"affinity"`
	// Trace - все посещенные узлы по порядку, включая текущий
	Trace []string `json:"trace"`
	Ended bool     `json:"ended"`
}

// Result - итог прохождения до узла выбора или концовки.
type Result struct {
	State
	Node *domain.Node `json:"-"`
}

// AwaitingChoice сообщает, ждет ли интерпретатор выбора игрока.
func (r Result) AwaitingChoice() bool {
	return !r.Ended && r.Node != nil && r.Node.Kind == domain.NodeKindChoice
}

func (s State) clone() State {
	c := s
	c.Choices = maps.Clone(s.Choices)
	if c.Choices == nil {
		c.Choices = map[string]string{}
	}
	c.Trace = append([]string(nil), s.Trace...)
	return c
}

// Start начинает уровень со start_node с пустой историей и проходит
// автопереходы до первого выбора или концовки.
func Start(l *domain.Level) (Result, error) {
	return resume(l, State{NodeID: l.StartNode, Choices: map[string]string{}, Trace: []string{l.StartNode}})
}

// Resolve продолжает с произвольного состояния (например, после паузы).
func Resolve(l *domain.Level, s State) (Result, error) {
	s = s.clone()
	if len(s.Trace) == 0 || s.Trace[len(s.Trace)-1] != s.NodeID {
		s.Trace = append(s.Trace, s.NodeID)
	}
	return resume(l, s)
}

// Choose применяет выбор игрока в текущем узле и продолжает до следующего
// узла выбора или концовки.
func Choose(l *domain.Level, s State, choiceID string) (Result, error) {
	if s.Ended {
		return Result{}, fmt.Errorf("%w: dialogue already ended at %q", domain.ErrInvalidState, s.NodeID)
	}
	node, err := nodeOf(l, s.NodeID)
	if err != nil {
		return Result{}, err
	}
	if node.Kind != domain.NodeKindChoice {
		return Result{}, fmt.Errorf("%w: node %q does not accept choices", domain.ErrInvalidState, node.ID)
	}
	opt, ok := node.Option(choiceID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s/%s/%s", domain.ErrChoiceNotFound, l.ID, node.ID, choiceID)
	}

	next := s.clone()
	next.Choices[node.ID] = opt.ID
	next.Affinity += opt.AffinityDelta
	next.NodeID = opt.NextNode
	next.Trace = append(next.Trace, opt.NextNode)
	return resume(l, next)
}

// Replay проигрывает уровень с начала по последовательности выборов.
// Одинаковые входные данные всегда дают одинаковый результат.
func Replay(l *domain.Level, choices []string) (Result, error) {
	res, err := Start(l)
	if err != nil {
		return Result{}, err
	}
	for i, c := range choices {
		if res.Ended {
			return Result{}, fmt.Errorf("%w: choice #%d (%q) after ending", domain.ErrInvalidState, i+1, c)
		}
		if res, err = Choose(l, res.State, c); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

// resume выполняет шаги, не требующие ввода игрока: условия и автопереходы.
// Ограничение числа шагов ловит циклы из автопереходов и условий.
func resume(l *domain.Level, s State) (Result, error) {
	limit := len(l.Nodes) + 1
	for steps := 0; ; steps++ {
		if steps > limit {
			return Result{}, fmt.Errorf("%w: level %q loops without input near %q", domain.ErrMalformedGraph, l.ID, s.NodeID)
		}
		node, err := nodeOf(l, s.NodeID)
		if err != nil {
			return Result{}, err
		}

		// 1. условия, в порядке объявления, первое совпадение выигрывает
		if target, ok := matchCondition(node, s.Choices); ok {
			s.NodeID = target
			s.Trace = append(s.Trace, target)
			continue
		}

		switch node.Kind {
		case domain.NodeKindChoice:
			return Result{State: s, Node: node}, nil
		case domain.NodeKindEnding:
			s.Ended = true
			return Result{State: s, Node: node}, nil
		case domain.NodeKindAuto:
			s.NodeID = node.NextNode
			s.Trace = append(s.Trace, node.NextNode)
		default:
			return Result{}, fmt.Errorf("%w: node %q has no outgoing transition", domain.ErrMalformedGraph, node.ID)
		}
	}
}

func matchCondition(n *domain.Node, choices map[string]string) (string, bool) {
	for _, c := range n.Conditions {
		if target, ok := c.Match(choices); ok {
			return target, true
		}
	}
	return "", false
}

func nodeOf(l *domain.Level, id string) (*domain.Node, error) {
	if l.Kind() != domain.LevelKindDialogue {
		return nil, fmt.Errorf("%w: level %q has no dialogue graph", domain.ErrInvalidState, l.ID)
	}
	n, ok := l.Nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrNodeNotFound, l.ID, id)
	}
	return n, nil
}
