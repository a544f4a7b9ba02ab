package dialogue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yade-server/internal/domain"
	"yade-server/internal/level"
)

const ferryLevel = `
version: 1
id: chapter_01
order: 1
title: The Ferry
start_node: intro
nodes:
  intro:
    speaker: narrator
    text: Fog.
    next_node: yade_appears
  yade_appears:
    speaker: character
    text: You are late.
    options:
      - {id: apologize, text: Sorry, affinity_delta: 3, next_node: choice_3}
      - {id: shrug, text: Whatever, affinity_delta: -1, next_node: choice_3}
  choice_3:
    speaker: character
    text: Walk with me?
    options:
      - {id: A, text: Together, affinity_delta: 2, next_node: after_choice, is_major: true}
      - {id: B, text: Alone, affinity_delta: 0, next_node: after_choice, is_major: true}
      - {id: C, text: Not tonight, affinity_delta: -2, next_node: after_choice}
  after_choice:
    speaker: narrator
    text: The pier.
    condition:
      choice_3: {A: branch_together, B: branch_alone, C: branch_alone}
    next_node: branch_alone
  branch_together:
    speaker: character
    text: Stay close.
    is_ending: true
  branch_alone:
    speaker: narrator
    text: Alone.
    is_ending: true
`

func mustLevel(t *testing.T, src string) *domain.Level {
	t.Helper()
	l, err := level.Parse([]byte(src))
	require.NoError(t, err)
	return l
}

func TestStart_AutoAdvancesToFirstChoice(t *testing.T) {
	l := mustLevel(t, ferryLevel)

	res, err := Start(l)
	require.NoError(t, err)
	assert.Equal(t, "yade_appears", res.NodeID)
	assert.Equal(t, []string{"intro", "yade_appears"}, res.Trace)
	assert.True(t, res.AwaitingChoice())
	assert.False(t, res.Ended)
	assert.Empty(t, res.Choices)
}

func TestConditionalBranch(t *testing.T) {
	l := mustLevel(t, ferryLevel)

	tests := []struct {
		choice string
		ending string
	}{
		{"A", "branch_together"},
		{"B", "branch_alone"},
		{"C", "branch_alone"},
	}
	for _, tt := range tests {
		t.Run(tt.choice, func(t *testing.T) {
			res, err := Replay(l, []string{"apologize", tt.choice})
			require.NoError(t, err)
			assert.True(t, res.Ended)
			assert.Equal(t, tt.ending, res.NodeID)
			assert.Equal(t, tt.choice, res.Choices["choice_3"])
		})
	}
}

func TestConditionFirstMatchWins(t *testing.T) {
	l := mustLevel(t, `
version: 1
id: l
order: 1
title: t
start_node: q1
nodes:
  q1:
    speaker: character
    text: one
    options:
      - {id: x, text: x, next_node: q2}
  q2:
    speaker: character
    text: two
    options:
      - {id: y, text: y, next_node: hub}
  hub:
    speaker: narrator
    text: hub
    condition:
      q2: {y: end_second}
      q1: {x: end_first}
    next_node: end_default
  end_first: {speaker: narrator, text: a, is_ending: true}
  end_second: {speaker: narrator, text: b, is_ending: true}
  end_default: {speaker: narrator, text: c, is_ending: true}
`)

	res, err := Replay(l, []string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, "end_second", res.NodeID, "first declared condition wins")
}

func TestConditionFallsBackToNextNode(t *testing.T) {
	l := mustLevel(t, `
version: 1
id: l
order: 1
title: t
start_node: q
nodes:
  q:
    speaker: character
    text: q
    options:
      - {id: a, text: a, next_node: hub}
      - {id: b, text: b, next_node: hub}
  hub:
    speaker: narrator
    text: hub
    condition:
      q: {a: end_a}
    next_node: end_default
  end_a: {speaker: narrator, text: a, is_ending: true}
  end_default: {speaker: narrator, text: d, is_ending: true}
`)

	res, err := Replay(l, []string{"b"})
	require.NoError(t, err)
	assert.Equal(t, "end_default", res.NodeID)
	assert.Equal(t, []string{"q", "hub", "end_default"}, res.Trace)
}

func TestChoose_AccumulatesAffinity(t *testing.T) {
	l := mustLevel(t, ferryLevel)

	res, err := Replay(l, []string{"shrug", "C"})
	require.NoError(t, err)
	assert.Equal(t, -3, res.Affinity)
	assert.Equal(t, map[string]string{"yade_appears": "shrug", "choice_3": "C"}, res.Choices)
	assert.Equal(t, []string{"intro", "yade_appears", "choice_3", "after_choice", "branch_alone"}, res.Trace)
}

func TestChoose_UnknownChoice(t *testing.T) {
	l := mustLevel(t, ferryLevel)
	start, err := Start(l)
	require.NoError(t, err)

	_, err = Choose(l, start.State, "dance")
	assert.ErrorIs(t, err, domain.ErrChoiceNotFound)
}

func TestChoose_AfterEnding(t *testing.T) {
	l := mustLevel(t, ferryLevel)
	res, err := Replay(l, []string{"apologize", "A"})
	require.NoError(t, err)
	require.True(t, res.Ended)

	_, err = Choose(l, res.State, "A")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = Replay(l, []string{"apologize", "A", "B"})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestChoose_DoesNotMutateInput(t *testing.T) {
	l := mustLevel(t, ferryLevel)
	start, err := Start(l)
	require.NoError(t, err)

	_, err = Choose(l, start.State, "apologize")
	require.NoError(t, err)
	assert.Empty(t, start.Choices)
	assert.Equal(t, []string{"intro", "yade_appears"}, start.Trace)
	assert.Zero(t, start.Affinity)
}

func TestReplay_Deterministic(t *testing.T) {
	l := mustLevel(t, ferryLevel)
	choices := []string{"apologize", "A"}

	first, err := Replay(l, choices)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Replay(l, choices)
		require.NoError(t, err)
		assert.Equal(t, first.Trace, again.Trace)
		assert.Equal(t, first.Affinity, again.Affinity)
		assert.Equal(t, first.NodeID, again.NodeID)
	}
	assert.Equal(t, 5, first.Affinity)
}

func TestResolve_FromPausedNode(t *testing.T) {
	l := mustLevel(t, ferryLevel)

	res, err := Resolve(l, State{NodeID: "after_choice", Choices: map[string]string{"choice_3": "A"}})
	require.NoError(t, err)
	assert.Equal(t, "branch_together", res.NodeID)
	assert.True(t, res.Ended)

	_, err = Resolve(l, State{NodeID: "missing"})
	assert.ErrorIs(t, err, domain.ErrNodeNotFound)
}

func TestResolve_LoopIsMalformed(t *testing.T) {
	l := mustLevel(t, `
version: 1
id: l
order: 1
title: t
start_node: a
nodes:
  a: {speaker: narrator, text: a, next_node: b}
  b: {speaker: narrator, text: b, next_node: a}
  c: {speaker: narrator, text: c, is_ending: true}
`)

	_, err := Start(l)
	assert.ErrorIs(t, err, domain.ErrMalformedGraph)
}

func TestChoiceTableLevelHasNoGraph(t *testing.T) {
	l := mustLevel(t, `
version: 1
id: l
order: 1
title: t
choices:
  n: {o: {affinity_delta: 1}}
`)
	_, err := Start(l)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}
