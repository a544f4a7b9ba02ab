package level

import (
	"fmt"
	"sort"
	"strings"

	"yade-server/internal/domain"
)

// validate проверяет инварианты уровня и проставляет Node.Kind.
// Все найденные проблемы возвращаются одной ошибкой.
func validate(l *domain.Level) error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if l.Version != SupportedVersion {
		addf("unsupported version %d (expected %d)", l.Version, SupportedVersion)
	}
	if strings.TrimSpace(l.ID) == "" {
		addf("id is required")
	}
	if strings.TrimSpace(l.Title) == "" {
		addf("title is required")
	}

	hasNodes, hasChoices := len(l.Nodes) > 0, len(l.Choices) > 0
	switch {
	case hasNodes && hasChoices:
		addf("level must define either nodes or choices, not both")
	case !hasNodes && !hasChoices:
		addf("level must define nodes or choices")
	case hasNodes:
		problems = append(problems, validateGraph(l)...)
	case hasChoices:
		if l.StartNode != "" {
			addf("start_node is only valid for dialogue levels")
		}
		for nodeID, opts := range l.Choices {
			if len(opts) == 0 {
				addf("choice node %q has no options", nodeID)
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: level %q: %s", domain.ErrInvalidLevel, l.ID, strings.Join(problems, "; "))
}

func validateGraph(l *domain.Level) []string {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	exists := func(id string) bool {
		_, ok := l.Nodes[id]
		return ok
	}

	if l.StartNode == "" {
		addf("start_node is required")
	} else if !exists(l.StartNode) {
		addf("start_node %q does not exist", l.StartNode)
	}

	for id, n := range l.Nodes {
		if !n.Speaker.Valid() {
			addf("node %q: unknown speaker %q", id, n.Speaker)
		}

		shapes := 0
		if len(n.Options) > 0 {
			shapes++
			n.Kind = domain.NodeKindChoice
		}
		if n.IsEnding {
			shapes++
			n.Kind = domain.NodeKindEnding
		}
		if n.NextNode != "" {
			shapes++
			n.Kind = domain.NodeKindAuto
		}
		if shapes != 1 {
			addf("node %q must have exactly one of options, is_ending, next_node (has %d)", id, shapes)
			n.Kind = 0
		}

		if n.NextNode != "" && !exists(n.NextNode) {
			addf("node %q: next_node %q does not exist", id, n.NextNode)
		}

		optIDs := make(map[string]struct{}, len(n.Options))
		for _, o := range n.Options {
			if o.ID == "" {
				addf("node %q: option without id", id)
				continue
			}
			if _, dup := optIDs[o.ID]; dup {
				addf("node %q: duplicate option id %q", id, o.ID)
			}
			optIDs[o.ID] = struct{}{}
			if !exists(o.NextNode) {
				addf("node %q: option %q next_node %q does not exist", id, o.ID, o.NextNode)
			}
		}

		for _, c := range n.Conditions {
			if !exists(c.RefNode) {
				addf("node %q: condition references unknown node %q", id, c.RefNode)
			}
			if len(c.Branches) == 0 {
				addf("node %q: condition on %q has no branches", id, c.RefNode)
			}
			for _, b := range c.Branches {
				if !exists(b.Target) {
					addf("node %q: condition target %q does not exist", id, b.Target)
				}
				if ref, ok := l.Nodes[c.RefNode]; ok {
					if _, known := ref.Option(b.ChoiceID); !known {
						addf("node %q: condition on %q uses unknown choice %q", id, c.RefNode, b.ChoiceID)
					}
				}
			}
		}
	}
	return problems
}
