// Package answer records players' answers and the strikes other players file
// against them.
package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/epw80/cataglory/pkg/model"
	"github.com/epw80/cataglory/pkg/storage"
)

// MaxAnswerLength bounds a submitted answer
const MaxAnswerLength = 100

var (
	ErrEmptyAnswer   = fmt.Errorf("%w: answer cannot be empty", model.ErrInvalidInput)
	ErrAnswerTooLong = fmt.Errorf("%w: answer exceeds maximum length", model.ErrInvalidInput)
	ErrInvalidRound  = fmt.Errorf("%w: round must be at least 1", model.ErrInvalidInput)
	ErrInvalidNumber = fmt.Errorf("%w: question number cannot be negative", model.ErrInvalidInput)
	ErrSelfReport    = fmt.Errorf("%w: players cannot strike their own answer", model.ErrInvalidInput)
)

// Questions reads the question set of a round
type Questions interface {
	Question(ctx context.Context, gameID string, round int) (model.Question, error)
}

// Games reads the player rows an answer is checked against
type Games interface {
	ActiveRow(ctx context.Context, playerID, gameID string) (model.PlayerGame, error)
	Roster(ctx context.Context, gameID string) ([]model.PlayerGame, error)
}

// PutAnswerRequest is one answer submission
type PutAnswerRequest struct {
	PlayerID       string
	GameID         string
	Round          int
	QuestionNumber int
	Answer         string
}

// PlayerAnswer is the read projection of an Answer row
type PlayerAnswer struct {
	QuestionNumber int      `json:"questionNumber"`
	PlayerID       string   `json:"playerId"`
	Answer         string   `json:"answer"`
	Nickname       string   `json:"nickname"`
	Strikes        []string `json:"strikes"`
}

// Manager is the answer manager
type Manager struct {
	store     storage.KeyStore
	questions Questions
	games     Games
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an answer manager
func New(store storage.KeyStore, questions Questions, games Games, logger *slog.Logger) *Manager {
	return &Manager{
		store:     store,
		questions: questions,
		games:     games,
		logger:    logger,
		now:       time.Now,
	}
}

// GetQuestions returns the letter and categories of one round
func (m *Manager) GetQuestions(ctx context.Context, gameID string, round int) (model.Question, error) {
	return m.questions.Question(ctx, gameID, round)
}

// PutAnswer records an answer for the round the player is currently playing.
// Answers for any other round, or from a player who already ended the round,
// are rejected with ErrNotAllowed.
func (m *Manager) PutAnswer(ctx context.Context, req PutAnswerRequest) error {
	text := strings.TrimSpace(req.Answer)
	if text == "" {
		return ErrEmptyAnswer
	}
	if len(text) > MaxAnswerLength {
		return ErrAnswerTooLong
	}
	if req.QuestionNumber < 0 {
		return ErrInvalidNumber
	}

	row, err := m.games.ActiveRow(ctx, req.PlayerID, req.GameID)
	if errors.Is(err, model.ErrNoActiveRound) {
		return model.ErrNotAllowed
	}
	if err != nil {
		return err
	}
	if row.Round != req.Round {
		return model.ErrNotAllowed
	}

	answer := model.Answer{
		PartitionKey:   req.PlayerID,
		SortKey:        model.AnswerSortKey(req.GameID, req.Round, req.QuestionNumber),
		Gsi:            req.GameID,
		GsiSortKey:     model.AnswerGsiSortKey(req.Round, req.PlayerID, req.QuestionNumber),
		PlayerID:       req.PlayerID,
		GameID:         req.GameID,
		Round:          req.Round,
		QuestionNumber: req.QuestionNumber,
		Answer:         text,
		Nickname:       row.Nickname,
		CreatedAt:      m.now().UTC(),
	}

	err = m.store.Insert(ctx, answer)
	if errors.Is(err, storage.ErrConditionFailed) {
		// one answer per question; a resubmission must not reset its strikes
		return model.ErrNotAllowed
	}
	if err != nil {
		return fmt.Errorf("failed to save answer: %w", err)
	}

	m.logger.Debug("answer saved",
		slog.String("gameId", req.GameID),
		slog.String("playerId", req.PlayerID),
		slog.Int("round", req.Round),
		slog.Int("question", req.QuestionNumber))

	return nil
}

// Answers returns the raw answer rows of one round, possibly none
func (m *Manager) Answers(ctx context.Context, gameID string, round int) ([]model.Answer, error) {
	if round < 1 {
		return nil, ErrInvalidRound
	}
	items, err := m.store.Query(ctx, storage.GSIIndex, gameID, model.AnswerRoundPrefix(round))
	if err != nil {
		return nil, err
	}
	return storage.UnmarshalRows[model.Answer](items)
}

// GetAnswers returns every answer of one round
func (m *Manager) GetAnswers(ctx context.Context, gameID string, round int) ([]PlayerAnswer, error) {
	rows, err := m.Answers(ctx, gameID, round)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, model.ErrNoAnswers
	}

	answers := make([]PlayerAnswer, 0, len(rows))
	for _, row := range rows {
		strikes := row.Strikes
		if strikes == nil {
			strikes = []string{}
		}
		answers = append(answers, PlayerAnswer{
			QuestionNumber: row.QuestionNumber,
			PlayerID:       row.PlayerID,
			Answer:         row.Answer,
			Nickname:       row.Nickname,
			Strikes:        strikes,
		})
	}
	return answers, nil
}

// ReportAnswer adds reporter to the strikes of accused's answer. Both players
// must be in the game. Rescoring happens when the change is observed.
func (m *Manager) ReportAnswer(ctx context.Context, reporter, accused, gameID string, round, questionNumber int) error {
	if reporter == accused {
		return ErrSelfReport
	}

	roster, err := m.games.Roster(ctx, gameID)
	if err != nil {
		return err
	}
	if !inRoster(roster, reporter) || !inRoster(roster, accused) {
		return model.ErrNotInGame
	}

	sortKey := model.AnswerSortKey(gameID, round, questionNumber)
	err = m.store.AppendToList(ctx, accused, sortKey, "Strikes", []string{reporter})
	if errors.Is(err, storage.ErrConditionFailed) {
		return model.ErrAnswerNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to report answer: %w", err)
	}

	m.logger.Info("answer reported",
		slog.String("gameId", gameID),
		slog.String("reporter", reporter),
		slog.String("accused", accused),
		slog.Int("round", round),
		slog.Int("question", questionNumber))

	return nil
}

func inRoster(roster []model.PlayerGame, playerID string) bool {
	for _, row := range roster {
		if row.PlayerID == playerID {
			return true
		}
	}
	return false
}
