package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yade-server/internal/affinity"
	"yade-server/internal/cache"
	"yade-server/internal/domain"
	"yade-server/internal/repository"
	"yade-server/pkg/ai"
)

type fakeOracle struct {
	mu sync.Mutex

	chunks    []string
	streamErr error

	delta    int
	scoreErr error

	facts      map[string]string
	extractErr error

	prompts      []string
	histories    [][]ai.Message
	scoreCalls   int
	extractCalls int
	knownFacts   []map[string]string
}

func (f *fakeOracle) SystemPrompt(tier string, facts map[string]string) string {
	keys := make([]string, 0, len(facts))
	for k, v := range facts {
		keys = append(keys, k+"="+v)
	}
	sort.Strings(keys)
	return tier + "|" + strings.Join(keys, ",")
}

func (f *fakeOracle) Stream(_ context.Context, systemPrompt string, history []ai.Message, onChunk func(string) error) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, systemPrompt)
	f.histories = append(f.histories, history)
	chunks, err := f.chunks, f.streamErr
	f.mu.Unlock()

	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c)
		if onChunk != nil {
			if err := onChunk(c); err != nil {
				return "", err
			}
		}
	}
	return b.String(), nil
}

func (f *fakeOracle) ScoreAffinity(_ context.Context, _ []ai.Message) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scoreCalls++
	return f.delta, f.scoreErr
}

func (f *fakeOracle) ExtractFacts(_ context.Context, _ []ai.Message, existing map[string]string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extractCalls++
	f.knownFacts = append(f.knownFacts, existing)
	return f.facts, f.extractErr
}

type fakePublisher struct {
	err       error
	published []uuid.UUID
}

func (p *fakePublisher) PublishSessionEnded(_ context.Context, playerID uuid.UUID) error {
	p.published = append(p.published, playerID)
	return p.err
}

type fixture struct {
	store  *repository.MemoryStore
	cache  *cache.MemoryStore
	oracle *fakeOracle
	orch   *Orchestrator
	player *domain.Player
}

func newFixture(t *testing.T, maxTurns int) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	c := cache.NewMemoryStore()
	oracle := &fakeOracle{chunks: []string{"Hel", "lo"}}
	ledger := affinity.NewLedger(affinity.MustDefaultTierTable(), zap.NewNop())
	window := NewContextCache(c, time.Hour, maxTurns, zap.NewNop())

	p := domain.NewPlayer("Tester", nil, nil, "chapter_01")
	require.NoError(t, store.CreatePlayer(context.Background(), p))

	return &fixture{
		store:  store,
		cache:  c,
		oracle: oracle,
		orch:   NewOrchestrator(store, ledger, oracle, window, zap.NewNop()),
		player: p,
	}
}

func (f *fixture) turn(t *testing.T, msg string) *TurnResult {
	t.Helper()
	res, err := f.orch.Turn(context.Background(), f.player.ID, msg, nil)
	require.NoError(t, err)
	return res
}

func TestTurn_StreamsAndPersists(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()

	var chunks []string
	res, err := f.orch.Turn(ctx, f.player.ID, "  hi Yade  ", func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)
	assert.Equal(t, "Hello", res.Reply)
	assert.Equal(t, "hi Yade", res.UserMessage.Content)

	history, err := f.orch.History(ctx, f.player.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.RoleUser, history[0].Role)
	assert.Equal(t, domain.RoleAssistant, history[1].Role)
	require.NotNil(t, history[0].AfterLevelID)
	assert.Equal(t, "chapter_01", *history[0].AfterLevelID)

	turns, err := f.orch.window.Load(ctx, f.player.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, history[0].ID, turns[0].Seq)
	assert.Equal(t, history[1].ID, turns[1].Seq)

	assert.Equal(t, []string{"stranger|"}, f.oracle.prompts)
}

func TestTurn_PromptCarriesTierAndFacts(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	require.NoError(t, f.store.WithinPlayer(ctx, f.player.ID, func(ctx context.Context, tx repository.PlayerTx) error {
		p := tx.Player()
		p.AffinityScore = 45
		p.MergeFacts(map[string]string{"pet": "cat"})
		return tx.UpdatePlayer(ctx, p)
	}))

	f.turn(t, "hello")
	assert.Equal(t, []string{"friend|pet=cat"}, f.oracle.prompts)
}

func TestTurn_Validation(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()

	_, err := f.orch.Turn(ctx, f.player.ID, "   ", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.orch.Turn(ctx, f.player.ID, strings.Repeat("a", MaxMessageLength+1), nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	history, err := f.orch.History(ctx, f.player.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestTurn_UnknownPlayer(t *testing.T) {
	f := newFixture(t, 20)
	_, err := f.orch.Turn(context.Background(), uuid.New(), "hi", nil)
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound)
}

func TestTurn_OracleFailure(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	f.oracle.streamErr = errors.New("rate limited")

	_, err := f.orch.Turn(ctx, f.player.ID, "hi", nil)
	assert.ErrorIs(t, err, domain.ErrOracle)

	turns, err := f.orch.window.Load(ctx, f.player.ID)
	require.NoError(t, err)
	assert.Empty(t, turns)

	// сообщение игрока сохранено, ответа нет
	history, err := f.orch.History(ctx, f.player.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.RoleUser, history[0].Role)
}

func TestTurn_WindowIsTrimmed(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	first := f.turn(t, "one")
	f.turn(t, "two")
	f.turn(t, "three")

	// третий запрос видит два прошлых обмена и новое сообщение
	require.Len(t, f.oracle.histories, 3)
	assert.Len(t, f.oracle.histories[2], 5)
	assert.Equal(t, "three", f.oracle.histories[2][4].Content)

	turns, err := f.orch.window.Load(ctx, f.player.ID)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	assert.Equal(t, "two", turns[0].Content)
	for _, tr := range turns {
		assert.NotEqual(t, first.UserMessage.ID, tr.Seq)
	}
}

func TestTurn_CorruptWindowIsEmpty(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	require.NoError(t, f.cache.Set(ctx, contextKey(f.player.ID), []byte("{not json"), time.Hour))

	f.turn(t, "hi")
	require.Len(t, f.oracle.histories, 1)
	assert.Len(t, f.oracle.histories[0], 1)
}

func TestHistory_Limit(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.turn(t, "msg")
	}

	history, err := f.orch.History(ctx, f.player.ID, 4)
	require.NoError(t, err)
	assert.Len(t, history, 4)

	_, err = f.orch.History(ctx, uuid.New(), 10)
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound)
}
