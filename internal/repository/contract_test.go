package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yade-server/internal/domain"
)

// runStoreContract проверяет поведение, общее для всех реализаций Store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateGetDelete", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		nick := "Rin"
		p := domain.NewPlayer("Traveler", &nick, nil, "chapter_01")
		p.MemoryFacts["pet"] = "cat"
		require.NoError(t, s.CreatePlayer(ctx, p))

		got, err := s.GetPlayer(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "Traveler", got.Name)
		require.NotNil(t, got.Nickname)
		assert.Equal(t, "Rin", *got.Nickname)
		assert.Nil(t, got.Bio)
		assert.Equal(t, "chapter_01", got.CurrentLevelID)
		assert.Equal(t, map[string]string{"pet": "cat"}, got.MemoryFacts)

		require.NoError(t, s.DeletePlayer(ctx, p.ID))
		_, err = s.GetPlayer(ctx, p.ID)
		assert.ErrorIs(t, err, domain.ErrPlayerNotFound)
		assert.ErrorIs(t, s.DeletePlayer(ctx, p.ID), domain.ErrPlayerNotFound)
	})

	t.Run("WithinPlayerCommitsOnSuccess", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		p := domain.NewPlayer("A", nil, nil, "chapter_01")
		require.NoError(t, s.CreatePlayer(ctx, p))

		err := s.WithinPlayer(ctx, p.ID, func(ctx context.Context, tx PlayerTx) error {
			pl := tx.Player()
			pl.AffinityScore = 7
			pl.MergeFacts(map[string]string{"color": "blue"})
			if err := tx.InsertAffinityRecord(ctx, &domain.AffinityRecord{
				PlayerID: pl.ID, Delta: 7, Source: domain.SourceLevelChoice, ScoreAfter: 7, CreatedAt: time.Now().UTC(),
			}); err != nil {
				return err
			}
			if err := tx.InsertChoiceRecord(ctx, &domain.ChoiceRecord{
				PlayerID: pl.ID, LevelID: "chapter_01", NodeID: "n", ChoiceID: "c", AffinityDelta: 7, CreatedAt: time.Now().UTC(),
			}); err != nil {
				return err
			}
			recs, err := tx.ListChoiceRecords(ctx, "chapter_01", 0)
			if err != nil {
				return err
			}
			assert.Len(t, recs, 1, "own uncommitted writes are visible inside the transaction")
			return tx.UpdatePlayer(ctx, pl)
		})
		require.NoError(t, err)

		got, err := s.GetPlayer(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 7, got.AffinityScore)
		assert.Equal(t, "blue", got.MemoryFacts["color"])

		recs, err := s.ListAffinityRecords(ctx, p.ID, 0)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, 7, recs[0].ScoreAfter)
		assert.NotZero(t, recs[0].ID)

		choices, err := s.ListChoiceRecords(ctx, p.ID, "", 0)
		require.NoError(t, err)
		require.Len(t, choices, 1)
		assert.Empty(t, mustChoices(t, s, p.ID, "", choices[0].ID))
		choices, err = s.ListChoiceRecords(ctx, p.ID, "chapter_02", 0)
		require.NoError(t, err)
		assert.Empty(t, choices)
	})

	t.Run("WithinPlayerRollsBackOnError", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		p := domain.NewPlayer("B", nil, nil, "chapter_01")
		require.NoError(t, s.CreatePlayer(ctx, p))

		boom := errors.New("boom")
		err := s.WithinPlayer(ctx, p.ID, func(ctx context.Context, tx PlayerTx) error {
			pl := tx.Player()
			pl.AffinityScore = 99
			require.NoError(t, tx.UpdatePlayer(ctx, pl))
			require.NoError(t, tx.InsertAffinityRecord(ctx, &domain.AffinityRecord{
				PlayerID: pl.ID, Delta: 99, Source: domain.SourceLevelChoice, ScoreAfter: 99, CreatedAt: time.Now().UTC(),
			}))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.GetPlayer(ctx, p.ID)
		require.NoError(t, err)
		assert.Zero(t, got.AffinityScore)
		recs, err := s.ListAffinityRecords(ctx, p.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("WithinPlayerUnknown", func(t *testing.T) {
		s := newStore(t)
		err := s.WithinPlayer(context.Background(), uuid.New(), func(context.Context, PlayerTx) error { return nil })
		assert.ErrorIs(t, err, domain.ErrPlayerNotFound)
	})

	t.Run("WithinPlayerSerializes", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		p := domain.NewPlayer("C", nil, nil, "chapter_01")
		require.NoError(t, s.CreatePlayer(ctx, p))

		const workers = 20
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.WithinPlayer(ctx, p.ID, func(ctx context.Context, tx PlayerTx) error {
					pl := tx.Player()
					pl.AffinityScore++
					return tx.UpdatePlayer(ctx, pl)
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := s.GetPlayer(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, workers, got.AffinityScore, "no lost updates")
	})

	t.Run("ChatMessages", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		p := domain.NewPlayer("D", nil, nil, "chapter_01")
		require.NoError(t, s.CreatePlayer(ctx, p))

		level := "chapter_01"
		var ids []int64
		for i, role := range []domain.ChatRole{domain.RoleUser, domain.RoleAssistant, domain.RoleUser, domain.RoleAssistant} {
			m := &domain.ChatMessage{PlayerID: p.ID, Role: role, Content: string(rune('a' + i)), AfterLevelID: &level}
			require.NoError(t, s.InsertChatMessage(ctx, m))
			ids = append(ids, m.ID)
		}
		assert.IsIncreasing(t, ids)

		last, err := s.ListChatMessages(ctx, p.ID, 3)
		require.NoError(t, err)
		require.Len(t, last, 3)
		assert.Equal(t, "b", last[0].Content)
		assert.Equal(t, "d", last[2].Content)
		require.NotNil(t, last[0].AfterLevelID)
		assert.Equal(t, "chapter_01", *last[0].AfterLevelID)

		err = s.WithinPlayer(ctx, p.ID, func(ctx context.Context, tx PlayerTx) error {
			after, err := tx.ListChatMessagesAfter(ctx, ids[1])
			require.NoError(t, err)
			require.Len(t, after, 2)
			assert.Equal(t, ids[2], after[0].ID)
			return nil
		})
		require.NoError(t, err)

		err = s.InsertChatMessage(ctx, &domain.ChatMessage{PlayerID: uuid.New(), Role: domain.RoleUser, Content: "x"})
		assert.ErrorIs(t, err, domain.ErrPlayerNotFound)
	})

	t.Run("DeleteCascades", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		p := domain.NewPlayer("E", nil, nil, "chapter_01")
		require.NoError(t, s.CreatePlayer(ctx, p))
		require.NoError(t, s.InsertChatMessage(ctx, &domain.ChatMessage{PlayerID: p.ID, Role: domain.RoleUser, Content: "hi"}))
		require.NoError(t, s.WithinPlayer(ctx, p.ID, func(ctx context.Context, tx PlayerTx) error {
			return tx.InsertChoiceRecord(ctx, &domain.ChoiceRecord{PlayerID: p.ID, LevelID: "l", NodeID: "n", ChoiceID: "c", CreatedAt: time.Now().UTC()})
		}))

		require.NoError(t, s.DeletePlayer(ctx, p.ID))
		msgs, err := s.ListChatMessages(ctx, p.ID, 10)
		require.NoError(t, err)
		assert.Empty(t, msgs)
		choices, err := s.ListChoiceRecords(ctx, p.ID, "", 0)
		require.NoError(t, err)
		assert.Empty(t, choices)
	})

	t.Run("LastRecordIDsAndWatermarks", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		p := domain.NewPlayer("F", nil, nil, "chapter_01")
		other := domain.NewPlayer("G", nil, nil, "chapter_01")
		require.NoError(t, s.CreatePlayer(ctx, p))
		require.NoError(t, s.CreatePlayer(ctx, other))

		insert := func(id uuid.UUID, level string) {
			require.NoError(t, s.WithinPlayer(ctx, id, func(ctx context.Context, tx PlayerTx) error {
				if err := tx.InsertChoiceRecord(ctx, &domain.ChoiceRecord{PlayerID: id, LevelID: level, NodeID: "n", ChoiceID: "c", CreatedAt: time.Now().UTC()}); err != nil {
					return err
				}
				return tx.InsertAffinityRecord(ctx, &domain.AffinityRecord{PlayerID: id, Delta: 2, Source: domain.SourceLevelChoice, ScoreAfter: 2, CreatedAt: time.Now().UTC()})
			}))
		}
		insert(p.ID, "l")
		insert(other.ID, "l")

		var lastChoice, lastAffinity int64
		require.NoError(t, s.WithinPlayer(ctx, p.ID, func(ctx context.Context, tx PlayerTx) error {
			var err error
			lastChoice, lastAffinity, err = tx.LastRecordIDs(ctx)
			if err != nil {
				return err
			}
			pl := tx.Player()
			pl.ResetProgress("chapter_01", lastChoice, lastAffinity)
			pl.StartRun("l", lastChoice)
			return tx.UpdatePlayer(ctx, pl)
		}))
		assert.NotZero(t, lastChoice)
		assert.NotZero(t, lastAffinity)

		got, err := s.GetPlayer(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, lastChoice, got.ChoicesResetAfter)
		assert.Equal(t, lastAffinity, got.AffinityResetAfter)
		assert.Equal(t, lastChoice, got.RunStartAfter("l"))

		// журналы не удаляются, водяной знак лишь отсекает старые записи
		assert.Len(t, mustChoices(t, s, p.ID, "", 0), 1)
		assert.Empty(t, mustChoices(t, s, p.ID, "", got.ChoicesResetAfter))
		records, err := s.ListAffinityRecords(ctx, p.ID, got.AffinityResetAfter)
		require.NoError(t, err)
		assert.Empty(t, records)

		insert(p.ID, "l")
		after := mustChoices(t, s, p.ID, "l", got.RunStartAfter("l"))
		require.Len(t, after, 1)
		assert.Greater(t, after[0].ID, lastChoice)

		require.NoError(t, s.WithinPlayer(ctx, other.ID, func(ctx context.Context, tx PlayerTx) error {
			c, a, err := tx.LastRecordIDs(ctx)
			require.NoError(t, err)
			assert.NotEqual(t, lastChoice, c, "ids are per player")
			assert.NotZero(t, a)
			return nil
		}))
	})
}

func mustChoices(t *testing.T, s Store, id uuid.UUID, levelID string, afterID int64) []domain.ChoiceRecord {
	t.Helper()
	out, err := s.ListChoiceRecords(context.Background(), id, levelID, afterID)
	require.NoError(t, err)
	return out
}
