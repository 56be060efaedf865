// Package scoring computes a round's scores from the answers submitted in it.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"

	"github.com/epw80/cataglory/pkg/model"
)

// AnswerReader lists the answers of one round
type AnswerReader interface {
	Answers(ctx context.Context, gameID string, round int) ([]model.Answer, error)
}

// QuestionReader loads the question set of one round
type QuestionReader interface {
	Question(ctx context.Context, gameID string, round int) (model.Question, error)
}

// Calculator is the score calculator
type Calculator struct {
	answers   AnswerReader
	questions QuestionReader
	logger    *slog.Logger
}

// New creates a score calculator
func New(answers AnswerReader, questions QuestionReader, logger *slog.Logger) *Calculator {
	return &Calculator{
		answers:   answers,
		questions: questions,
		logger:    logger,
	}
}

// Calculate returns the scores of every player after round. The roster
// decides which stored scores the round builds on: the current scores while
// the roster is still at round, otherwise the previous round's scores.
//
// An answer earns one point when it starts with the round's letter, no other
// player gave the same answer to that question and nobody struck it. Letter
// and uniqueness checks ignore case.
func (c *Calculator) Calculate(ctx context.Context, gameID string, round int, roster []model.PlayerGame) (model.Scores, error) {
	answers, err := c.answers.Answers(ctx, gameID, round)
	if err != nil {
		return nil, fmt.Errorf("failed to load answers: %w", err)
	}

	scores := seed(round, roster, answers)
	if len(answers) == 0 {
		return scores, nil
	}

	question, err := c.questions.Question(ctx, gameID, round)
	if err != nil {
		return nil, fmt.Errorf("failed to load question: %w", err)
	}

	// a Caser keeps state between calls
	fold := cases.Fold()
	normalize := func(s string) string {
		return fold.String(strings.TrimSpace(s))
	}
	letter := normalize(question.Letter)

	counts := make(map[int]map[string]int)
	for _, a := range answers {
		if counts[a.QuestionNumber] == nil {
			counts[a.QuestionNumber] = make(map[string]int)
		}
		counts[a.QuestionNumber][normalize(a.Answer)]++
	}

	index := make(map[string]int, len(scores))
	for i, s := range scores {
		index[s.PlayerID] = i
	}

	awarded := 0
	for _, a := range answers {
		text := normalize(a.Answer)
		if !strings.HasPrefix(text, letter) {
			continue
		}
		if counts[a.QuestionNumber][text] != 1 {
			continue
		}
		if a.DistinctStrikes() >= 1 {
			continue
		}
		scores[index[a.PlayerID]].Score++
		awarded++
	}

	c.logger.Debug("round scored",
		slog.String("gameId", gameID),
		slog.Int("round", round),
		slog.Int("answers", len(answers)),
		slog.Int("points", awarded))

	return scores, nil
}

// seed builds the starting score of every roster player, followed by any
// stored or answering player the roster does not list
func seed(round int, roster []model.PlayerGame, answers []model.Answer) model.Scores {
	var stored model.Scores
	if len(roster) > 0 {
		first := roster[0]
		if first.Round == round && first.RoundState != model.StateCompleted {
			stored = first.CurrentScores
		} else {
			stored = first.PreviousRoundScores
		}
	}

	scores := make(model.Scores, 0, len(roster))
	seen := make(map[string]bool, len(roster))
	add := func(s model.Score) {
		if seen[s.PlayerID] {
			return
		}
		seen[s.PlayerID] = true
		scores = append(scores, s)
	}

	for _, row := range roster {
		s, ok := stored.Of(row.PlayerID)
		if !ok {
			s = model.Score{PlayerID: row.PlayerID, Nickname: row.Nickname}
		}
		add(s)
	}
	for _, s := range stored {
		add(s)
	}
	for _, a := range answers {
		add(model.Score{PlayerID: a.PlayerID, Nickname: a.Nickname})
	}
	return scores
}
