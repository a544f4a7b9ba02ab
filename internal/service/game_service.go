// Package service собирает ядро игры (уровни, диалоги, прогресс, affinity, чат)
// в операции, которые вызывает транспорт.
package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yade-server/internal/affinity"
	"yade-server/internal/chat"
	"yade-server/internal/dialogue"
	"yade-server/internal/domain"
	"yade-server/internal/level"
	"yade-server/internal/progression"
	"yade-server/internal/repository"
)

const (
	maxNameLength     = 100
	maxNicknameLength = 100
	maxBioLength      = 1000
)

// GameService определяет интерфейс бизнес-логики игры.
type GameService interface {
	CreatePlayer(ctx context.Context, in CreatePlayerInput) (*PlayerState, error)
	GetPlayer(ctx context.Context, id uuid.UUID) (*PlayerState, error)
	UpdatePlayer(ctx context.Context, id uuid.UUID, in UpdatePlayerInput) (*PlayerState, error)
	DeletePlayer(ctx context.Context, id uuid.UUID) error
	ResetPlayer(ctx context.Context, id uuid.UUID) (*ResetResult, error)

	ListLevels(ctx context.Context, id uuid.UUID) ([]LevelView, error)
	GetLevel(ctx context.Context, id uuid.UUID, levelID string) (*LevelDetail, error)
	SubmitChoice(ctx context.Context, id uuid.UUID, in ChoiceInput) (*ChoiceView, error)
	CompleteLevel(ctx context.Context, id uuid.UUID, in CompleteInput) (*CompletionView, error)
	GetProgress(ctx context.Context, id uuid.UUID) (*ProgressView, error)
	GetLevelSession(ctx context.Context, id uuid.UUID) (*level.Session, error)
	ClearLevelSession(ctx context.Context, id uuid.UUID) error

	GetAffinity(ctx context.Context, id uuid.UUID) (*AffinityView, error)
	AffinityHistory(ctx context.Context, id uuid.UUID) ([]domain.AffinityRecord, error)

	ChatTurn(ctx context.Context, id uuid.UUID, message string, onChunk func(string) error) (*chat.TurnResult, error)
	EndChatSession(ctx context.Context, id uuid.UUID) error
	ChatHistory(ctx context.Context, id uuid.UUID, limit int) ([]domain.ChatMessage, error)
}

// Deps - зависимости GameService.
type Deps struct {
	Store       repository.Store
	Levels      *level.Store
	Machine     *progression.Machine
	Ledger      *affinity.Ledger
	Sessions    *level.SessionStore
	Chat        *chat.Orchestrator
	ChatContext *chat.ContextCache
	Logger      *zap.Logger
}

type gameServiceImpl struct {
	store       repository.Store
	levels      *level.Store
	machine     *progression.Machine
	ledger      *affinity.Ledger
	sessions    *level.SessionStore
	chat        *chat.Orchestrator
	chatContext *chat.ContextCache
	logger      *zap.Logger
}

var _ GameService = (*gameServiceImpl)(nil)

func NewGameService(d Deps) GameService {
	return &gameServiceImpl{
		store:       d.Store,
		levels:      d.Levels,
		machine:     d.Machine,
		ledger:      d.Ledger,
		sessions:    d.Sessions,
		chat:        d.Chat,
		chatContext: d.ChatContext,
		logger:      d.Logger.Named("GameService"),
	}
}

func (s *gameServiceImpl) state(p *domain.Player) *PlayerState {
	return &PlayerState{Player: p, AffinityTier: s.ledger.Tiers().Name(p.AffinityScore)}
}

// --- Игрок ---

func (s *gameServiceImpl) CreatePlayer(ctx context.Context, in CreatePlayerInput) (*PlayerState, error) {
	name := domain.DefaultPlayerName
	if in.Name != nil {
		var err error
		if name, err = validateName(*in.Name); err != nil {
			return nil, err
		}
	}
	nickname, err := optionalText("nickname", in.Nickname, maxNicknameLength)
	if err != nil {
		return nil, err
	}
	bio, err := optionalText("bio", in.Bio, maxBioLength)
	if err != nil {
		return nil, err
	}

	p := domain.NewPlayer(name, nickname, bio, s.levels.First())
	if err := s.store.CreatePlayer(ctx, p); err != nil {
		return nil, fmt.Errorf("create player: %w", err)
	}
	s.logger.Info("Player created", zap.String("player_id", p.ID.String()))
	return s.state(p), nil
}

func (s *gameServiceImpl) GetPlayer(ctx context.Context, id uuid.UUID) (*PlayerState, error) {
	p, err := s.store.GetPlayer(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.state(p), nil
}

func (s *gameServiceImpl) UpdatePlayer(ctx context.Context, id uuid.UUID, in UpdatePlayerInput) (*PlayerState, error) {
	var name string
	if in.Name != nil {
		var err error
		if name, err = validateName(*in.Name); err != nil {
			return nil, err
		}
	}
	nickname, err := optionalText("nickname", in.Nickname, maxNicknameLength)
	if err != nil {
		return nil, err
	}
	bio, err := optionalText("bio", in.Bio, maxBioLength)
	if err != nil {
		return nil, err
	}

	var updated *domain.Player
	err = s.store.WithinPlayer(ctx, id, func(ctx context.Context, tx repository.PlayerTx) error {
		p := tx.Player()
		if in.Name != nil {
			p.Name = name
		}
		if in.Nickname != nil {
			p.Nickname = nickname
		}
		if in.Bio != nil {
			p.Bio = bio
		}
		updated = p
		return tx.UpdatePlayer(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return s.state(updated), nil
}

func (s *gameServiceImpl) DeletePlayer(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeletePlayer(ctx, id); err != nil {
		return err
	}
	s.dropCaches(ctx, id)
	s.logger.Info("Player deleted", zap.String("player_id", id.String()))
	return nil
}

// ResetPlayer возвращает игрока к первому уровню. Профиль и история чата
// остаются, журналы тоже, но учитываются только записи после сброса.
func (s *gameServiceImpl) ResetPlayer(ctx context.Context, id uuid.UUID) (*ResetResult, error) {
	var reset *domain.Player
	err := s.store.WithinPlayer(ctx, id, func(ctx context.Context, tx repository.PlayerTx) error {
		if err := s.machine.Reset(ctx, tx); err != nil {
			return err
		}
		reset = tx.Player()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.dropCaches(ctx, id)
	s.logger.Info("Player progress reset", zap.String("player_id", id.String()))
	return &ResetResult{Message: "Player progress reset", Player: s.state(reset)}, nil
}

// dropCaches - кэш не источник истины, ошибки только логируются.
func (s *gameServiceImpl) dropCaches(ctx context.Context, id uuid.UUID) {
	if err := s.sessions.Clear(ctx, id); err != nil {
		s.logger.Warn("Failed to clear level session", zap.String("player_id", id.String()), zap.Error(err))
	}
	if err := s.chatContext.Clear(ctx, id); err != nil {
		s.logger.Warn("Failed to clear chat context", zap.String("player_id", id.String()), zap.Error(err))
	}
}

// --- Уровни ---

func (s *gameServiceImpl) ListLevels(ctx context.Context, id uuid.UUID) ([]LevelView, error) {
	p, err := s.store.GetPlayer(ctx, id)
	if err != nil {
		return nil, err
	}
	summaries := s.levels.List()
	out := make([]LevelView, 0, len(summaries))
	for _, sum := range summaries {
		out = append(out, LevelView{LevelSummary: sum, IsUnlocked: s.machine.IsUnlocked(p, sum.ID)})
	}
	return out, nil
}

func (s *gameServiceImpl) GetLevel(ctx context.Context, id uuid.UUID, levelID string) (*LevelDetail, error) {
	p, err := s.store.GetPlayer(ctx, id)
	if err != nil {
		return nil, err
	}
	l, err := s.levels.Load(levelID)
	if err != nil {
		return nil, err
	}
	if !s.machine.IsUnlocked(p, levelID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrLevelLocked, levelID)
	}

	detail := &LevelDetail{
		ID:          l.ID,
		Title:       l.Title,
		Order:       l.Order,
		Description: l.Description,
		Kind:        l.Kind(),
		StartNode:   l.StartNode,
		Nodes:       l.Nodes,
		Choices:     l.Choices,
	}
	sess, err := s.sessions.Load(ctx, id)
	if err != nil {
		s.logger.Warn("Level session unavailable", zap.String("player_id", id.String()), zap.Error(err))
		sess = nil
	} else if sess != nil && sess.LevelID == levelID {
		detail.Session = sess
	} else {
		sess = nil
	}
	if l.Kind() == domain.LevelKindDialogue {
		if detail.Current, err = s.currentNode(ctx, p, l, sess); err != nil {
			return nil, err
		}
	}
	return detail, nil
}

// currentNode - узел, на котором игрок находится в уровне: продолжение паузы,
// иначе проигрыш выборов текущего прохождения с начала.
func (s *gameServiceImpl) currentNode(ctx context.Context, p *domain.Player, l *domain.Level, sess *level.Session) (*DialogueView, error) {
	records, err := s.store.ListChoiceRecords(ctx, p.ID, l.ID, p.RunStartAfter(l.ID))
	if err != nil {
		return nil, err
	}
	var res dialogue.Result
	if sess != nil {
		res, err = dialogue.Resolve(l, stateFromRecords(sess.NodeID, records))
	} else {
		res, err = dialogue.Replay(l, choiceIDs(records))
	}
	if err != nil {
		// уровень изменился с момента выборов: показываем начало
		s.logger.Warn("Level run does not replay, showing start",
			zap.String("player_id", p.ID.String()), zap.String("level_id", l.ID), zap.Error(err))
		if res, err = dialogue.Start(l); err != nil {
			return nil, err
		}
	}
	return &DialogueView{State: res.State, Node: res.Node}, nil
}

// SubmitChoice записывает выбор игрока и вычисляет следующий узел диалога.
// Учитываются только выборы текущего прохождения уровня.
func (s *gameServiceImpl) SubmitChoice(ctx context.Context, id uuid.UUID, in ChoiceInput) (*ChoiceView, error) {
	if in.LevelID == "" || in.NodeID == "" || in.ChoiceID == "" {
		return nil, fmt.Errorf("%w: level_id, node_id and choice_id are required", domain.ErrValidation)
	}

	var view *ChoiceView
	var next *dialogue.Result
	err := s.store.WithinPlayer(ctx, id, func(ctx context.Context, tx repository.PlayerTx) error {
		if _, err := s.machine.CheckChoice(tx.Player(), in.LevelID, in.NodeID, in.ChoiceID); err != nil {
			return err
		}
		l, err := s.levels.Load(in.LevelID)
		if err != nil {
			return err
		}
		isDialogue := l.Kind() == domain.LevelKindDialogue
		var state dialogue.State
		if isDialogue {
			if state, err = s.runState(ctx, tx, l, in.NodeID); err != nil {
				return err
			}
		}

		res, err := s.machine.RecordChoice(ctx, tx, in.LevelID, in.NodeID, in.ChoiceID)
		if err != nil {
			return err
		}
		view = &ChoiceView{
			AffinityDelta:    res.Outcome.AffinityDelta,
			NewAffinityTotal: res.NewScore,
			AffinityTier:     s.ledger.Tiers().Name(res.NewScore),
			IsMajor:          res.Outcome.IsMajor,
		}
		if !isDialogue {
			return nil
		}
		step, err := dialogue.Choose(l, state, in.ChoiceID)
		if err != nil {
			return err
		}
		next = &step
		return nil
	})
	if err != nil {
		return nil, err
	}

	if next != nil {
		view.EndingReached = next.Ended
		nodeID := next.NodeID
		view.NextNode = &nodeID
		s.saveSession(ctx, id, in.LevelID, next)
	}
	return view, nil
}

// runState - состояние диалога перед выбором в узле nodeID. Прохождение
// проигрывается с начала уровня по своим выборам, выбор допустим только в
// узле, где оно остановилось. Выбор во входном узле уровня начинает
// новое прохождение.
func (s *gameServiceImpl) runState(ctx context.Context, tx repository.PlayerTx, l *domain.Level, nodeID string) (dialogue.State, error) {
	records, err := s.machine.RunChoices(ctx, tx, l.ID)
	if err != nil {
		return dialogue.State{}, err
	}
	cur, err := dialogue.Replay(l, choiceIDs(records))
	if err == nil && cur.AwaitingChoice() && cur.NodeID == nodeID {
		return cur.State, nil
	}
	if err != nil {
		s.logger.Warn("Level run does not replay",
			zap.String("player_id", tx.Player().ID.String()), zap.String("level_id", l.ID), zap.Error(err))
	}

	entry, err := dialogue.Start(l)
	if err != nil {
		return dialogue.State{}, err
	}
	if entry.NodeID != nodeID {
		return dialogue.State{}, fmt.Errorf("%w: node %q is not the current node of level %q", domain.ErrInvalidState, nodeID, l.ID)
	}
	if len(records) > 0 {
		if err := s.machine.RestartRun(ctx, tx, l.ID); err != nil {
			return dialogue.State{}, err
		}
	}
	return entry.State, nil
}

func choiceIDs(records []domain.ChoiceRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ChoiceID)
	}
	return out
}

// stateFromRecords восстанавливает состояние диалога в узле nodeID.
// Повторный выбор в том же узле перекрывает прежний.
func stateFromRecords(nodeID string, records []domain.ChoiceRecord) dialogue.State {
	choices := make(map[string]string, len(records))
	affinitySum := 0
	for _, r := range records {
		choices[r.NodeID] = r.ChoiceID
		affinitySum += r.AffinityDelta
	}
	return dialogue.State{NodeID: nodeID, Choices: choices, Affinity: affinitySum, Trace: []string{nodeID}}
}

func (s *gameServiceImpl) saveSession(ctx context.Context, id uuid.UUID, levelID string, res *dialogue.Result) {
	var err error
	if res.Ended {
		err = s.sessions.Clear(ctx, id)
	} else {
		err = s.sessions.Save(ctx, id, levelID, res.NodeID)
	}
	if err != nil {
		s.logger.Warn("Failed to update level session", zap.String("player_id", id.String()), zap.Error(err))
	}
}

func (s *gameServiceImpl) CompleteLevel(ctx context.Context, id uuid.UUID, in CompleteInput) (*CompletionView, error) {
	if in.LevelID == "" {
		return nil, fmt.Errorf("%w: level_id is required", domain.ErrValidation)
	}
	if in.EndingNode != nil {
		if err := s.checkEnding(in.LevelID, *in.EndingNode); err != nil {
			return nil, err
		}
	}

	var view *CompletionView
	err := s.store.WithinPlayer(ctx, id, func(ctx context.Context, tx repository.PlayerTx) error {
		res, err := s.machine.CompleteLevel(ctx, tx, in.LevelID)
		if err != nil {
			return err
		}
		score := tx.Player().AffinityScore
		view = &CompletionView{
			Unlocked:      res.Unlocked,
			TotalAffinity: score,
			AffinityTier:  s.ledger.Tiers().Name(score),
		}
		if res.NextLevelID != "" {
			next := res.NextLevelID
			view.NextLevelID = &next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.sessions.Clear(ctx, id); err != nil {
		s.logger.Warn("Failed to clear level session", zap.String("player_id", id.String()), zap.Error(err))
	}
	return view, nil
}

// checkEnding проверяет, что переданная концовка существует в уровне-диалоге.
func (s *gameServiceImpl) checkEnding(levelID, nodeID string) error {
	l, err := s.levels.Load(levelID)
	if err != nil {
		return err
	}
	if l.Kind() != domain.LevelKindDialogue {
		return nil
	}
	n, ok := l.Nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s/%s", domain.ErrNodeNotFound, levelID, nodeID)
	}
	if n.Kind != domain.NodeKindEnding {
		return fmt.Errorf("%w: node %q is not an ending", domain.ErrValidation, nodeID)
	}
	return nil
}

func (s *gameServiceImpl) GetProgress(ctx context.Context, id uuid.UUID) (*ProgressView, error) {
	p, err := s.store.GetPlayer(ctx, id)
	if err != nil {
		return nil, err
	}
	unlocked := s.machine.UnlockedSet(p)
	if unlocked == nil {
		unlocked = []string{}
	}
	return &ProgressView{
		CurrentLevel:   p.CurrentLevelID,
		UnlockedLevels: unlocked,
		TotalAffinity:  p.AffinityScore,
		AffinityTier:   s.ledger.Tiers().Name(p.AffinityScore),
	}, nil
}

func (s *gameServiceImpl) GetLevelSession(ctx context.Context, id uuid.UUID) (*level.Session, error) {
	if _, err := s.store.GetPlayer(ctx, id); err != nil {
		return nil, err
	}
	return s.sessions.Load(ctx, id)
}

func (s *gameServiceImpl) ClearLevelSession(ctx context.Context, id uuid.UUID) error {
	if _, err := s.store.GetPlayer(ctx, id); err != nil {
		return err
	}
	return s.sessions.Clear(ctx, id)
}

// --- Affinity ---

func (s *gameServiceImpl) GetAffinity(ctx context.Context, id uuid.UUID) (*AffinityView, error) {
	p, err := s.store.GetPlayer(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &AffinityView{Score: p.AffinityScore, Tier: s.ledger.Tiers().Name(p.AffinityScore)}
	for _, t := range s.ledger.Tiers().Tiers() {
		if t.Threshold > p.AffinityScore {
			threshold := t.Threshold
			view.NextTier = t.Name
			view.NextThreshold = &threshold
			break
		}
	}
	return view, nil
}

func (s *gameServiceImpl) AffinityHistory(ctx context.Context, id uuid.UUID) ([]domain.AffinityRecord, error) {
	p, err := s.store.GetPlayer(ctx, id)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListAffinityRecords(ctx, id, p.AffinityResetAfter)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []domain.AffinityRecord{}
	}
	return records, nil
}

// --- Чат ---

func (s *gameServiceImpl) ChatTurn(ctx context.Context, id uuid.UUID, message string, onChunk func(string) error) (*chat.TurnResult, error) {
	return s.chat.Turn(ctx, id, message, onChunk)
}

func (s *gameServiceImpl) EndChatSession(ctx context.Context, id uuid.UUID) error {
	return s.chat.EndSession(ctx, id)
}

func (s *gameServiceImpl) ChatHistory(ctx context.Context, id uuid.UUID, limit int) ([]domain.ChatMessage, error) {
	msgs, err := s.chat.History(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	return msgs, nil
}

// --- Валидация ---

func validateName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	n := utf8.RuneCountInString(name)
	if n == 0 || n > maxNameLength {
		return "", fmt.Errorf("%w: name must be 1..%d characters", domain.ErrValidation, maxNameLength)
	}
	return name, nil
}

// optionalText: пустая строка после trim означает "очистить поле".
func optionalText(field string, raw *string, limit int) (*string, error) {
	if raw == nil {
		return nil, nil
	}
	v := strings.TrimSpace(*raw)
	if v == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(v) > limit {
		return nil, fmt.Errorf("%w: %s longer than %d characters", domain.ErrValidation, field, limit)
	}
	return &v, nil
}
