package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yade-server/internal/domain"
)

func TestSettle_AppliesDeltaAndFacts(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	f.oracle.delta = 7
	f.oracle.facts = map[string]string{"city": "Lyon"}

	f.turn(t, "I live in Lyon")
	f.turn(t, "and I have a cat")

	res, err := f.orch.Settle(ctx, f.player.ID)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 7, res.Delta)
	assert.Equal(t, 7, res.NewScore)
	assert.Equal(t, 1, res.NewFacts)

	p, err := f.store.GetPlayer(ctx, f.player.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, p.AffinityScore)
	assert.Equal(t, "Lyon", p.MemoryFacts["city"])
	assert.Equal(t, res.UntilID, p.ChatScoredUntil)

	records, err := f.store.ListAffinityRecords(ctx, f.player.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.SourceChatSession, records[0].Source)
	assert.Equal(t, 7, records[0].ScoreAfter)
}

func TestSettle_ExactlyOnce(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	f.oracle.delta = 3
	f.turn(t, "hi")

	first, err := f.orch.Settle(ctx, f.player.ID)
	require.NoError(t, err)
	assert.False(t, first.Skipped)

	second, err := f.orch.Settle(ctx, f.player.ID)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, 1, f.oracle.scoreCalls)

	// новый обмен после итогов подводится отдельно
	f.turn(t, "again")
	third, err := f.orch.Settle(ctx, f.player.ID)
	require.NoError(t, err)
	assert.False(t, third.Skipped)
	assert.Greater(t, third.FromID, first.UntilID)

	p, err := f.store.GetPlayer(ctx, f.player.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, p.AffinityScore)
}

func TestSettle_ConcurrentCallsScoreOnce(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	f.oracle.delta = 5
	f.turn(t, "hi")
	f.turn(t, "there")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Settle(ctx, f.player.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.oracle.scoreCalls)
	p, err := f.store.GetPlayer(ctx, f.player.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, p.AffinityScore)
}

func TestSettle_NoExchangeIsSkipped(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()

	res, err := f.orch.Settle(ctx, f.player.ID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	// сообщение игрока без ответа не закрывает обмен
	f.oracle.streamErr = errors.New("down")
	_, err = f.orch.Turn(ctx, f.player.ID, "hello?", nil)
	require.Error(t, err)

	res, err = f.orch.Settle(ctx, f.player.ID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, f.oracle.scoreCalls)
	assert.Zero(t, f.oracle.extractCalls)
}

func TestSettle_UnansweredTailStaysForNextSession(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	answered := f.turn(t, "hi")

	f.oracle.streamErr = errors.New("down")
	_, err := f.orch.Turn(ctx, f.player.ID, "still there?", nil)
	require.Error(t, err)

	res, err := f.orch.Settle(ctx, f.player.ID)
	require.NoError(t, err)
	assert.Equal(t, answered.AssistantMessage.ID, res.UntilID)
}

func TestSettle_StepsAreIsolated(t *testing.T) {
	t.Run("score failure still extracts", func(t *testing.T) {
		f := newFixture(t, 20)
		ctx := context.Background()
		f.oracle.scoreErr = errors.New("timeout")
		f.oracle.facts = map[string]string{"pet": "cat"}
		f.turn(t, "my cat")

		res, err := f.orch.Settle(ctx, f.player.ID)
		require.NoError(t, err)
		assert.ErrorIs(t, res.ScoreErr, domain.ErrOracle)
		assert.NoError(t, res.ExtractErr)

		p, err := f.store.GetPlayer(ctx, f.player.ID)
		require.NoError(t, err)
		assert.Zero(t, p.AffinityScore)
		assert.Equal(t, "cat", p.MemoryFacts["pet"])
	})

	t.Run("extract failure still scores", func(t *testing.T) {
		f := newFixture(t, 20)
		ctx := context.Background()
		f.oracle.delta = 4
		f.oracle.extractErr = errors.New("bad gateway")
		f.turn(t, "hi")

		res, err := f.orch.Settle(ctx, f.player.ID)
		require.NoError(t, err)
		assert.NoError(t, res.ScoreErr)
		assert.ErrorIs(t, res.ExtractErr, domain.ErrOracle)

		p, err := f.store.GetPlayer(ctx, f.player.ID)
		require.NoError(t, err)
		assert.Equal(t, 4, p.AffinityScore)
		assert.Empty(t, p.MemoryFacts)
	})
}

func TestSettle_ZeroDeltaWritesNoRecord(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	f.turn(t, "hi")

	_, err := f.orch.Settle(ctx, f.player.ID)
	require.NoError(t, err)

	records, err := f.store.ListAffinityRecords(ctx, f.player.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSettle_FactsMergeWithoutDeleting(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()
	f.oracle.facts = map[string]string{"city": "Lyon", "pet": "cat"}
	f.turn(t, "hi")
	_, err := f.orch.Settle(ctx, f.player.ID)
	require.NoError(t, err)

	f.oracle.facts = map[string]string{"city": "Paris"}
	f.turn(t, "I moved")
	_, err = f.orch.Settle(ctx, f.player.ID)
	require.NoError(t, err)

	p, err := f.store.GetPlayer(ctx, f.player.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"city": "Paris", "pet": "cat"}, p.MemoryFacts)
	require.Len(t, f.oracle.knownFacts, 2)
	assert.Equal(t, map[string]string{"city": "Lyon", "pet": "cat"}, f.oracle.knownFacts[1])
}

func TestSettle_UnknownPlayer(t *testing.T) {
	f := newFixture(t, 20)
	_, err := f.orch.Settle(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound)
}

func TestEndSession(t *testing.T) {
	t.Run("publishes when queue configured", func(t *testing.T) {
		f := newFixture(t, 20)
		pub := &fakePublisher{}
		f.orch.SetPublisher(pub)
		f.turn(t, "hi")

		require.NoError(t, f.orch.EndSession(context.Background(), f.player.ID))
		assert.Len(t, pub.published, 1)
		assert.Zero(t, f.oracle.scoreCalls)
	})

	t.Run("settles inline when publishing fails", func(t *testing.T) {
		f := newFixture(t, 20)
		f.orch.SetPublisher(&fakePublisher{err: errors.New("broker down")})
		f.oracle.delta = 2
		f.turn(t, "hi")

		require.NoError(t, f.orch.EndSession(context.Background(), f.player.ID))
		assert.Equal(t, 1, f.oracle.scoreCalls)
	})

	t.Run("settles inline without queue", func(t *testing.T) {
		f := newFixture(t, 20)
		f.turn(t, "hi")
		require.NoError(t, f.orch.EndSession(context.Background(), f.player.ID))
		assert.Equal(t, 1, f.oracle.scoreCalls)
	})
}
