package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"yade-server/internal/domain"
)

var (
	_ Store    = (*MemoryStore)(nil)
	_ PlayerTx = (*memoryPlayerTx)(nil)
)

// MemoryStore - Store в памяти процесса для тестов и локального запуска.
// Транзакция игрока сериализуется per-player мьютексом и применяется
// целиком только при успехе.
type MemoryStore struct {
	mu       sync.RWMutex
	players  map[uuid.UUID]*domain.Player
	locks    map[uuid.UUID]*sync.Mutex
	choices  []domain.ChoiceRecord
	affinity []domain.AffinityRecord
	chat     []domain.ChatMessage
	seq      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		players: make(map[uuid.UUID]*domain.Player),
		locks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *MemoryStore) nextID() int64 {
	s.seq++
	return s.seq
}

func (s *MemoryStore) CreatePlayer(_ context.Context, p *domain.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.players[p.ID]; exists {
		return fmt.Errorf("player %s already exists", p.ID)
	}
	s.players[p.ID] = p.Clone()
	s.locks[p.ID] = &sync.Mutex{}
	return nil
}

func (s *MemoryStore) GetPlayer(_ context.Context, id uuid.UUID) (*domain.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.players[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPlayerNotFound, id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) DeletePlayer(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.players[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrPlayerNotFound, id)
	}
	delete(s.players, id)
	delete(s.locks, id)
	s.choices = filterOut(s.choices, func(r domain.ChoiceRecord) bool { return r.PlayerID == id })
	s.affinity = filterOut(s.affinity, func(r domain.AffinityRecord) bool { return r.PlayerID == id })
	s.chat = filterOut(s.chat, func(m domain.ChatMessage) bool { return m.PlayerID == id })
	return nil
}

func filterOut[T any](in []T, drop func(T) bool) []T {
	out := in[:0]
	for _, v := range in {
		if !drop(v) {
			out = append(out, v)
		}
	}
	return out
}

func (s *MemoryStore) WithinPlayer(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx PlayerTx) error) error {
	s.mu.RLock()
	lock, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPlayerNotFound, id)
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, ok := s.players[id]
	var snapshot *domain.Player
	if ok {
		snapshot = current.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPlayerNotFound, id)
	}

	tx := &memoryPlayerTx{store: s, player: snapshot}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memoryPlayerTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := tx.player.ID
	if _, ok := s.players[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrPlayerNotFound, id)
	}
	if tx.dirty {
		s.players[id] = tx.player.Clone()
	}
	for _, r := range tx.choices {
		s.choices = append(s.choices, *r)
	}
	for _, r := range tx.affinity {
		s.affinity = append(s.affinity, *r)
	}
	return nil
}

func (s *MemoryStore) ListAffinityRecords(_ context.Context, playerID uuid.UUID, afterID int64) ([]domain.AffinityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AffinityRecord
	for _, r := range s.affinity {
		if r.PlayerID == playerID && r.ID > afterID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListChoiceRecords(_ context.Context, playerID uuid.UUID, levelID string, afterID int64) ([]domain.ChoiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.choicesOf(playerID, levelID, afterID), nil
}

func (s *MemoryStore) choicesOf(playerID uuid.UUID, levelID string, afterID int64) []domain.ChoiceRecord {
	var out []domain.ChoiceRecord
	for _, r := range s.choices {
		if r.PlayerID == playerID && r.ID > afterID && (levelID == "" || r.LevelID == levelID) {
			out = append(out, r)
		}
	}
	return out
}

func (s *MemoryStore) InsertChatMessage(_ context.Context, m *domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.players[m.PlayerID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrPlayerNotFound, m.PlayerID)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.ID = s.nextID()
	s.chat = append(s.chat, *m)
	return nil
}

func (s *MemoryStore) ListChatMessages(_ context.Context, playerID uuid.UUID, limit int) ([]domain.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []domain.ChatMessage
	for _, m := range s.chat {
		if m.PlayerID == playerID {
			all = append(all, m)
		}
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

type memoryPlayerTx struct {
	store    *MemoryStore
	player   *domain.Player
	dirty    bool
	choices  []*domain.ChoiceRecord
	affinity []*domain.AffinityRecord
}

func (t *memoryPlayerTx) Player() *domain.Player {
	return t.player
}

func (t *memoryPlayerTx) UpdatePlayer(_ context.Context, p *domain.Player) error {
	if p.ID != t.player.ID {
		return fmt.Errorf("transaction is bound to player %s, got %s", t.player.ID, p.ID)
	}
	t.player = p
	t.dirty = true
	return nil
}

func (t *memoryPlayerTx) InsertAffinityRecord(_ context.Context, r *domain.AffinityRecord) error {
	t.store.mu.Lock()
	r.ID = t.store.nextID()
	t.store.mu.Unlock()
	t.affinity = append(t.affinity, r)
	return nil
}

func (t *memoryPlayerTx) InsertChoiceRecord(_ context.Context, r *domain.ChoiceRecord) error {
	t.store.mu.Lock()
	r.ID = t.store.nextID()
	t.store.mu.Unlock()
	t.choices = append(t.choices, r)
	return nil
}

func (t *memoryPlayerTx) ListChoiceRecords(_ context.Context, levelID string, afterID int64) ([]domain.ChoiceRecord, error) {
	t.store.mu.RLock()
	out := t.store.choicesOf(t.player.ID, levelID, afterID)
	t.store.mu.RUnlock()
	for _, r := range t.choices {
		if r.ID > afterID && (levelID == "" || r.LevelID == levelID) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (t *memoryPlayerTx) ListChatMessagesAfter(_ context.Context, afterID int64) ([]domain.ChatMessage, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	var out []domain.ChatMessage
	for _, m := range t.store.chat {
		if m.PlayerID == t.player.ID && m.ID > afterID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *memoryPlayerTx) LastRecordIDs(_ context.Context) (int64, int64, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	var choiceID, affinityID int64
	for _, r := range t.store.choices {
		if r.PlayerID == t.player.ID {
			choiceID = max(choiceID, r.ID)
		}
	}
	for _, r := range t.store.affinity {
		if r.PlayerID == t.player.ID {
			affinityID = max(affinityID, r.ID)
		}
	}
	for _, r := range t.choices {
		choiceID = max(choiceID, r.ID)
	}
	for _, r := range t.affinity {
		affinityID = max(affinityID, r.ID)
	}
	return choiceID, affinityID, nil
}
