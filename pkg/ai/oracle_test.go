package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Generate(ctx context.Context, messages []Message, params GenerationParams) (string, UsageInfo, error) {
	args := m.Called(ctx, messages, params)
	return args.String(0), args.Get(1).(UsageInfo), args.Error(2)
}

func (m *mockProvider) GenerateStream(ctx context.Context, messages []Message, params GenerationParams, chunkHandler func(string) error) (UsageInfo, error) {
	args := m.Called(ctx, messages, params, chunkHandler)
	if chunks, ok := args.Get(0).([]string); ok {
		for _, c := range chunks {
			if err := chunkHandler(c); err != nil {
				return UsageInfo{}, err
			}
		}
	}
	return UsageInfo{}, args.Error(1)
}

const testCharacterYAML = `
name: Yade
system_prompt: You are Yade.
tier_hints:
  stranger: Keep your distance.
  friend: Be warm.
`

func newTestOracle(t *testing.T) (*Oracle, *mockProvider) {
	t.Helper()
	character, err := ParseCharacter([]byte(testCharacterYAML))
	require.NoError(t, err)
	p := &mockProvider{}
	return NewOracle(p, character, zap.NewNop()), p
}

func TestOracle_SystemPrompt(t *testing.T) {
	o, _ := newTestOracle(t)

	prompt := o.SystemPrompt("friend", map[string]string{"pet": "cat", "color": "blue"})
	assert.Equal(t, "You are Yade.\n\nBe warm.\n\n"+memoryHeader+"\n- color: blue\n- pet: cat", prompt)

	assert.Equal(t, "You are Yade.", o.SystemPrompt("bonded", nil))
}

func TestOracle_StreamCollectsChunks(t *testing.T) {
	o, p := newTestOracle(t)
	history := []Message{{Role: RoleUser, Content: "hi"}}

	p.On("GenerateStream", mock.Anything, mock.MatchedBy(func(msgs []Message) bool {
		return len(msgs) == 2 && msgs[0].Role == RoleSystem && msgs[0].Content == "sys" && msgs[1].Content == "hi"
	}), mock.MatchedBy(func(params GenerationParams) bool {
		return *params.Temperature == defaultTemperature && *params.MaxTokens == defaultMaxTokens
	}), mock.Anything).Return([]string{"Hel", "lo"}, nil)

	var seen []string
	text, err := o.Stream(context.Background(), "sys", history, func(c string) error {
		seen = append(seen, c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, []string{"Hel", "lo"}, seen)
	p.AssertExpectations(t)
}

func TestOracle_StreamFailure(t *testing.T) {
	o, p := newTestOracle(t)
	p.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: boom", ErrAIGenerationFailed))

	_, err := o.Stream(context.Background(), "sys", nil, nil)
	assert.ErrorIs(t, err, ErrAIGenerationFailed)
}

func TestOracle_StreamEmptyReply(t *testing.T) {
	o, p := newTestOracle(t)
	p.On("GenerateStream", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]string{"  "}, nil)

	_, err := o.Stream(context.Background(), "sys", nil, nil)
	assert.ErrorIs(t, err, ErrAIGenerationFailed)
}

func TestOracle_ScoreAffinity(t *testing.T) {
	tests := []struct {
		reply string
		want  int
	}{
		{"4", 4},
		{"99", MaxAffinityDelta},
		{"great chat!", 0},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			o, p := newTestOracle(t)
			p.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return(tt.reply, UsageInfo{}, nil)

			delta, err := o.ScoreAffinity(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
			require.NoError(t, err)
			assert.Equal(t, tt.want, delta)
		})
	}
}

func TestOracle_ScoreAffinityUsesLastMessages(t *testing.T) {
	o, p := newTestOracle(t)
	transcript := make([]Message, 0, 14)
	for i := 0; i < 14; i++ {
		transcript = append(transcript, Message{Role: RoleUser, Content: fmt.Sprintf("m%02d", i)})
	}

	p.On("Generate", mock.Anything, mock.MatchedBy(func(msgs []Message) bool {
		body := msgs[1].Content
		return msgs[0].Content == affinityPrompt &&
			!strings.Contains(body, "m03") &&
			strings.HasPrefix(body, "user: m04") &&
			strings.HasSuffix(body, "user: m13")
	}), mock.MatchedBy(func(params GenerationParams) bool {
		return *params.Temperature == scoringTemperature
	})).Return("1", UsageInfo{}, nil)

	_, err := o.ScoreAffinity(context.Background(), transcript)
	require.NoError(t, err)
	p.AssertExpectations(t)
}

func TestOracle_ScoreAffinityProviderError(t *testing.T) {
	o, p := newTestOracle(t)
	p.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return("", UsageInfo{}, errors.New("down"))

	_, err := o.ScoreAffinity(context.Background(), nil)
	assert.Error(t, err)
}

func TestOracle_ExtractFacts(t *testing.T) {
	o, p := newTestOracle(t)
	p.On("Generate", mock.Anything, mock.MatchedBy(func(msgs []Message) bool {
		return strings.Contains(msgs[0].Content, `{"pet":"cat"}`)
	}), mock.Anything).Return(`{"city": "Lyon", "age": {"x": 1}}`, UsageInfo{}, nil)

	facts, err := o.ExtractFacts(context.Background(), []Message{{Role: RoleUser, Content: "I live in Lyon"}}, map[string]string{"pet": "cat"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"city": "Lyon"}, facts)
	p.AssertExpectations(t)
}

func TestParseCharacter(t *testing.T) {
	c, err := ParseCharacter([]byte("system_prompt: hi\nmodel_params:\n  temperature: 0.2\n"))
	require.NoError(t, err)
	assert.Equal(t, 0.2, *c.ModelParams.Temperature)
	assert.Equal(t, defaultTopP, *c.ModelParams.TopP)
	assert.Equal(t, defaultMaxTokens, *c.ModelParams.MaxTokens)

	_, err = ParseCharacter([]byte("name: nobody\n"))
	assert.Error(t, err)

	_, err = ParseCharacter([]byte("system_prompt: hi\nunknown: 1\n"))
	assert.Error(t, err)
}

func TestLoadCharacter_Shipped(t *testing.T) {
	c, err := LoadCharacter("../../data/characters/yade.yaml")
	require.NoError(t, err)
	assert.Equal(t, "Yade", c.Name)
	for _, tier := range []string{"stranger", "acquaintance", "friend", "close_friend", "confidant", "bonded"} {
		assert.NotEmpty(t, c.TierHints[tier], tier)
	}
}
