// Package question seeds and reads the per-round question sets of a game.
package question

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/epw80/cataglory/pkg/idgen"
	"github.com/epw80/cataglory/pkg/model"
	"github.com/epw80/cataglory/pkg/storage"
)

// MaxCategoryLength bounds a player-suggested category
const MaxCategoryLength = 64

var (
	ErrEmptyCategory   = fmt.Errorf("%w: category cannot be empty", model.ErrInvalidInput)
	ErrCategoryTooLong = fmt.Errorf("%w: category exceeds maximum length", model.ErrInvalidInput)
)

// Options shapes the question sets. Zero values fall back to the reference
// configuration of 3 rounds of 5 questions.
type Options struct {
	Rounds            int
	QuestionsPerRound int
	// Letter picks the starting letter of a round
	Letter func() string
	// Shuffle permutes a category list in place
	Shuffle func([]string)
}

// Manager owns QuestionRow and CustomCategoryRow
type Manager struct {
	store    storage.KeyStore
	logger   *slog.Logger
	rounds   int
	perRound int
	letter   func() string
	shuffle  func([]string)
}

// New creates a question manager
func New(store storage.KeyStore, logger *slog.Logger, opts Options) *Manager {
	m := &Manager{
		store:    store,
		logger:   logger,
		rounds:   opts.Rounds,
		perRound: opts.QuestionsPerRound,
		letter:   opts.Letter,
		shuffle:  opts.Shuffle,
	}
	if m.rounds < 1 {
		m.rounds = 3
	}
	if m.perRound < 1 {
		m.perRound = 5
	}
	if m.letter == nil {
		m.letter = idgen.Letter
	}
	if m.shuffle == nil {
		m.shuffle = shuffle
	}
	return m
}

// SetupQuestionsForRounds writes the question set of every round in one
// transaction. Custom categories come first, each pool shuffled on its own,
// and round r takes entries [(r-1)*q, r*q) of the combined list.
func (m *Manager) SetupQuestionsForRounds(ctx context.Context, gameID string) error {
	if _, err := m.Question(ctx, gameID, 1); err == nil {
		m.logger.Info("questions already seeded", slog.String("gameId", gameID))
		return nil
	} else if !errors.Is(err, model.ErrGameNotFound) {
		return err
	}

	custom, err := m.customCategories(ctx, gameID)
	if err != nil {
		return err
	}

	pool := m.prepare(custom.Categories)
	need := m.rounds * m.perRound
	if len(pool) < need {
		return fmt.Errorf("%w: have %d, need %d", model.ErrNotEnoughCategories, len(pool), need)
	}

	rows := make([]any, 0, m.rounds)
	for r := 0; r < m.rounds; r++ {
		rows = append(rows, m.newQuestion(gameID, r+1, pool[r*m.perRound:(r+1)*m.perRound]))
	}

	if err := m.store.TransactPut(ctx, rows...); err != nil {
		return fmt.Errorf("failed to seed questions: %w", err)
	}

	m.logger.Info("questions seeded",
		slog.String("gameId", gameID),
		slog.Int("rounds", m.rounds),
		slog.Int("customCategories", len(custom.Categories)))

	return nil
}

// EnsureQuestion writes a built-in question set for round unless one exists
func (m *Manager) EnsureQuestion(ctx context.Context, gameID string, round int) error {
	if _, err := m.Question(ctx, gameID, round); err == nil {
		return nil
	} else if !errors.Is(err, model.ErrGameNotFound) {
		return err
	}

	pool := BuiltinCategories()
	m.shuffle(pool)
	if len(pool) < m.perRound {
		return fmt.Errorf("%w: have %d, need %d", model.ErrNotEnoughCategories, len(pool), m.perRound)
	}

	if err := m.store.Put(ctx, m.newQuestion(gameID, round, pool[:m.perRound])); err != nil {
		return fmt.Errorf("failed to write question for round %d: %w", round, err)
	}

	m.logger.Info("question created",
		slog.String("gameId", gameID),
		slog.Int("round", round))

	return nil
}

// Question returns the question set of one round
func (m *Manager) Question(ctx context.Context, gameID string, round int) (model.Question, error) {
	sortKey := model.QuestionSortKey(round)
	items, err := m.store.Query(ctx, storage.PrimaryIndex, gameID, sortKey)
	if err != nil {
		return model.Question{}, err
	}

	// QUESTION#1 is also a prefix of QUESTION#10
	for _, item := range items {
		if storage.SortKeyOf(item) != sortKey {
			continue
		}
		rows, err := storage.UnmarshalRows[model.Question]([]storage.Item{item})
		if err != nil {
			return model.Question{}, err
		}
		return rows[0], nil
	}

	return model.Question{}, fmt.Errorf("%w: no question for round %d", model.ErrGameNotFound, round)
}

// PutCustomCategory appends a player suggestion. Suggestions are closed once
// the questions have been seeded.
func (m *Manager) PutCustomCategory(ctx context.Context, gameID, category string) error {
	category = strings.TrimSpace(category)
	if category == "" {
		return ErrEmptyCategory
	}
	if len(category) > MaxCategoryLength {
		return ErrCategoryTooLong
	}

	if _, err := m.Question(ctx, gameID, 1); err == nil {
		return model.ErrInvalidState
	} else if !errors.Is(err, model.ErrGameNotFound) {
		return err
	}

	err := m.store.AppendToList(ctx, gameID, model.CustomCategorySortKey, "Categories", []string{category})
	if errors.Is(err, storage.ErrConditionFailed) {
		return model.ErrGameNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to add custom category: %w", err)
	}

	m.logger.Debug("custom category added",
		slog.String("gameId", gameID),
		slog.String("category", category))

	return nil
}

func (m *Manager) customCategories(ctx context.Context, gameID string) (model.CustomCategories, error) {
	items, err := m.store.Query(ctx, storage.PrimaryIndex, gameID, model.CustomCategorySortKey)
	if err != nil {
		return model.CustomCategories{}, err
	}
	rows, err := storage.UnmarshalRows[model.CustomCategories](items)
	if err != nil {
		return model.CustomCategories{}, err
	}
	if len(rows) == 0 {
		return model.CustomCategories{}, model.ErrGameNotFound
	}
	return rows[0], nil
}

func (m *Manager) prepare(custom []string) []string {
	custom = append([]string(nil), custom...)
	builtin := BuiltinCategories()
	m.shuffle(custom)
	m.shuffle(builtin)
	return append(custom, builtin...)
}

func (m *Manager) newQuestion(gameID string, round int, categories []string) model.Question {
	q := model.Question{
		PartitionKey: gameID,
		SortKey:      model.QuestionSortKey(round),
		GameID:       gameID,
		Round:        round,
		Letter:       m.letter(),
		Categories:   make([]model.Category, 0, len(categories)),
	}
	for i, c := range categories {
		q.Categories = append(q.Categories, model.Category{QuestionNumber: i, Category: c})
	}
	return q
}

func shuffle(list []string) {
	rand.Shuffle(len(list), func(i, j int) {
		list[i], list[j] = list[j], list[i]
	})
}
