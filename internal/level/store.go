package level

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"yade-server/internal/domain"
)

// Outcome - эффект выбора, независимо от варианта описания уровня.
// NextNode пуст для уровней с таблицей выборов.
type Outcome struct {
	AffinityDelta int
	IsMajor       bool
	NextNode      string
}

// Store хранит все уровни, загруженные при старте. Уровни неизменяемы
// на всё время жизни процесса.
type Store struct {
	logger  *zap.Logger
	byID    map[string]*domain.Level
	ordered []*domain.Level
}

// NewStore читает все *.yaml / *.yml из корня fsys, валидирует и индексирует их.
// Любая ошибка формата останавливает загрузку.
func NewStore(fsys fs.FS, logger *zap.Logger) (*Store, error) {
	log := logger.Named("LevelStore")

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := fs.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	levels := make([]*domain.Level, 0, len(files))
	for _, name := range files {
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read level file %s: %w", name, err)
		}
		lvl, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("level file %s: %w", name, err)
		}
		log.Debug("Level loaded", zap.String("file", path.Base(name)), zap.String("level_id", lvl.ID), zap.String("kind", string(lvl.Kind())))
		levels = append(levels, lvl)
	}

	s, err := newStore(levels, log)
	if err != nil {
		return nil, err
	}
	log.Info("Levels loaded", zap.Int("count", len(s.ordered)), zap.String("first", s.ordered[0].ID))
	return s, nil
}

// NewStoreFromLevels собирает Store из уже разобранных уровней (тесты, встраивание).
func NewStoreFromLevels(levels []*domain.Level, logger *zap.Logger) (*Store, error) {
	for _, l := range levels {
		if err := validate(l); err != nil {
			return nil, err
		}
	}
	return newStore(levels, logger.Named("LevelStore"))
}

func newStore(levels []*domain.Level, log *zap.Logger) (*Store, error) {
	if len(levels) == 0 {
		return nil, fmt.Errorf("%w: no levels defined", domain.ErrInvalidLevel)
	}
	s := &Store{logger: log, byID: make(map[string]*domain.Level, len(levels))}
	orders := make(map[int]string, len(levels))
	for _, l := range levels {
		if _, dup := s.byID[l.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate level id %q", domain.ErrInvalidLevel, l.ID)
		}
		if other, dup := orders[l.Order]; dup {
			return nil, fmt.Errorf("%w: levels %q and %q share order %d", domain.ErrInvalidLevel, other, l.ID, l.Order)
		}
		s.byID[l.ID] = l
		orders[l.Order] = l.ID
		s.ordered = append(s.ordered, l)
	}
	sort.Slice(s.ordered, func(i, j int) bool { return s.ordered[i].Order < s.ordered[j].Order })
	return s, nil
}

// Parse разбирает и валидирует один уровень. Неизвестные поля запрещены.
func Parse(raw []byte) (*domain.Level, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	var f levelFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", domain.ErrInvalidLevel)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidLevel, err)
	}

	lvl := f.toDomain()
	if err := validate(lvl); err != nil {
		return nil, err
	}
	return lvl, nil
}

func (s *Store) Load(id string) (*domain.Level, error) {
	l, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrLevelNotFound, id)
	}
	return l, nil
}

// List возвращает краткие описания уровней по возрастанию order.
func (s *Store) List() []domain.LevelSummary {
	out := make([]domain.LevelSummary, 0, len(s.ordered))
	for _, l := range s.ordered {
		out = append(out, l.Summary())
	}
	return out
}

// First - уровень с минимальным order, стартовый для новых игроков.
func (s *Store) First() string {
	return s.ordered[0].ID
}

// Order возвращает порядковый номер уровня.
func (s *Store) Order(id string) (int, bool) {
	l, ok := s.byID[id]
	if !ok {
		return 0, false
	}
	return l.Order, true
}

// NextAfter возвращает уровень, следующий за id. false - id последний или неизвестен.
func (s *Store) NextAfter(id string) (string, bool) {
	for i, l := range s.ordered {
		if l.ID == id {
			if i+1 < len(s.ordered) {
				return s.ordered[i+1].ID, true
			}
			return "", false
		}
	}
	return "", false
}

// UnlockedSet - все уровни с order <= order(maxID), по возрастанию.
// Неизвестный maxID дает пустое множество.
func (s *Store) UnlockedSet(maxID string) []string {
	maxOrder, ok := s.Order(maxID)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(s.ordered))
	for _, l := range s.ordered {
		if l.Order <= maxOrder {
			out = append(out, l.ID)
		}
	}
	return out
}

// ChoiceOutcome находит эффект выбора choiceID в узле nodeID уровня levelID.
func (s *Store) ChoiceOutcome(levelID, nodeID, choiceID string) (Outcome, error) {
	l, err := s.Load(levelID)
	if err != nil {
		return Outcome{}, err
	}

	if l.Kind() == domain.LevelKindChoiceTable {
		opts, ok := l.Choices[nodeID]
		if !ok {
			return Outcome{}, fmt.Errorf("%w: %s/%s", domain.ErrNodeNotFound, levelID, nodeID)
		}
		o, ok := opts[choiceID]
		if !ok {
			return Outcome{}, fmt.Errorf("%w: %s/%s/%s", domain.ErrChoiceNotFound, levelID, nodeID, choiceID)
		}
		return Outcome{AffinityDelta: o.AffinityDelta, IsMajor: o.IsMajor}, nil
	}

	node, ok := l.Nodes[nodeID]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s/%s", domain.ErrNodeNotFound, levelID, nodeID)
	}
	opt, ok := node.Option(choiceID)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s/%s/%s", domain.ErrChoiceNotFound, levelID, nodeID, choiceID)
	}
	return Outcome{AffinityDelta: opt.AffinityDelta, IsMajor: opt.IsMajor, NextNode: opt.NextNode}, nil
}
