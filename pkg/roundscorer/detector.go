// Package roundscorer reacts to row changes: it ends a round once its last
// player finishes, and rescores a round when one of its answers is struck.
package roundscorer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/epw80/cataglory/pkg/event"
	"github.com/epw80/cataglory/pkg/game"
	"github.com/epw80/cataglory/pkg/model"
	"github.com/epw80/cataglory/pkg/storage"
)

// scoringAttempts bounds how often a round is rescored because a strike
// changed the scores it started from
const scoringAttempts = 3

// Games is the part of the game lifecycle the detector drives
type Games interface {
	Roster(ctx context.Context, gameID string) ([]model.PlayerGame, error)
	AdvanceRound(ctx context.Context, gameID string, completedRound int, previous, next model.Scores, playerIDs ...string) (bool, error)
	UpdateRoundScores(ctx context.Context, scores model.Scores, gameID string, round int, playerIDs ...string) (bool, error)
	Rounds() int
}

// Scorer computes the scores after a round
type Scorer interface {
	Calculate(ctx context.Context, gameID string, round int, roster []model.PlayerGame) (model.Scores, error)
}

// Notifier receives the game events the detector observes
type Notifier interface {
	Publish(ctx context.Context, e *event.Event) error
}

// Detector is the round-completion detector. It keeps no state of its own:
// every decision is re-derived from the stored rows, so duplicate and late
// notifications are harmless.
type Detector struct {
	games    Games
	scorer   Scorer
	notifier Notifier
	logger   *slog.Logger
}

// New creates a detector. notifier may be nil.
func New(games Games, scorer Scorer, notifier Notifier, logger *slog.Logger) *Detector {
	return &Detector{
		games:    games,
		scorer:   scorer,
		notifier: notifier,
		logger:   logger,
	}
}

// Handle processes one change and logs a failure instead of returning it.
// Its signature matches MemoryStore.Subscribe.
func (d *Detector) Handle(ctx context.Context, c storage.Change) {
	if err := d.HandleChange(ctx, c); err != nil {
		d.logger.Error("failed to handle change",
			slog.String("event", c.EventName),
			slog.String("error", err.Error()))
	}
}

// HandleChange dispatches a change on the sort key of its new image.
// Removals and rows other than player and answer rows are ignored.
func (d *Detector) HandleChange(ctx context.Context, c storage.Change) error {
	if c.New == nil {
		return nil
	}

	sortKey := storage.SortKeyOf(c.New)
	switch {
	case model.IsPlayerGameKey(sortKey):
		return d.handlePlayerChange(ctx, c)
	case model.IsAnswerKey(sortKey):
		return d.handleAnswerChange(ctx, c)
	}
	return nil
}

func (d *Detector) handlePlayerChange(ctx context.Context, c storage.Change) error {
	if c.Old == nil {
		return nil
	}
	old, err := decode[model.PlayerGame](c.Old)
	if err != nil {
		return err
	}
	row, err := decode[model.PlayerGame](c.New)
	if err != nil {
		return err
	}
	if old.RoundState != model.StatePending || row.RoundState != model.StateWaiting {
		return nil
	}

	d.publish(ctx, event.PlayerFinished(row.GameID, row.PlayerID, row.Round))

	for attempt := 1; ; attempt++ {
		err := d.completeRound(ctx, row.GameID, row.Round)
		if !errors.Is(err, game.ErrStaleScores) || attempt == scoringAttempts {
			return err
		}
		d.logger.Info("scores changed while ending round, scoring again",
			slog.String("gameId", row.GameID),
			slog.Int("round", row.Round))
	}
}

// completeRound scores and advances round once every player has finished it
func (d *Detector) completeRound(ctx context.Context, gameID string, round int) error {
	roster, err := d.games.Roster(ctx, gameID)
	if err != nil {
		return fmt.Errorf("failed to read roster: %w", err)
	}

	players, complete := finished(roster, round)
	if !complete {
		d.logger.Debug("round still in progress",
			slog.String("gameId", gameID),
			slog.Int("round", round))
		return nil
	}

	scores, err := d.scorer.Calculate(ctx, gameID, round, players)
	if err != nil {
		return fmt.Errorf("failed to score round %d: %w", round, err)
	}

	advanced, err := d.games.AdvanceRound(ctx, gameID, round, players[0].CurrentScores, scores, playerIDs(players)...)
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}

	if round >= d.games.Rounds() {
		d.publish(ctx, event.New(event.TypeGameCompleted, gameID, round).WithScores(scores))
	} else {
		d.publish(ctx, event.New(event.TypeRoundStarted, gameID, round+1).WithScores(scores))
	}
	return nil
}

func (d *Detector) handleAnswerChange(ctx context.Context, c storage.Change) error {
	answer, err := decode[model.Answer](c.New)
	if err != nil {
		return err
	}
	before := 0
	if c.Old != nil {
		old, err := decode[model.Answer](c.Old)
		if err != nil {
			return err
		}
		before = len(old.Strikes)
	}
	if len(answer.Strikes) <= before {
		return nil
	}

	all, err := d.games.Roster(ctx, answer.GameID)
	if err != nil {
		return fmt.Errorf("failed to read roster: %w", err)
	}
	roster := playing(all)
	if len(roster) == 0 {
		return nil
	}

	// Only the latest scored round can be corrected in place. A strike in the
	// open round is counted when that round ends.
	current := roster[0]
	latest := current.Round == answer.Round+1 && current.RoundState != model.StateCompleted
	final := current.Round == answer.Round && current.RoundState == model.StateCompleted
	if !latest && !final {
		d.logger.Info("strike not rescored",
			slog.String("gameId", answer.GameID),
			slog.Int("answerRound", answer.Round),
			slog.Int("gameRound", current.Round),
			slog.String("state", string(current.RoundState)))
		return nil
	}

	scores, err := d.scorer.Calculate(ctx, answer.GameID, answer.Round, roster)
	if err != nil {
		return fmt.Errorf("failed to rescore round %d: %w", answer.Round, err)
	}

	updated, err := d.games.UpdateRoundScores(ctx, scores, answer.GameID, current.Round, playerIDs(roster)...)
	if err != nil {
		return err
	}
	if updated {
		d.publish(ctx, event.New(event.TypeScoresUpdated, answer.GameID, answer.Round).WithScores(scores))
	}
	return nil
}

// finished returns the players of round and whether every one of them is
// WAITING in it. Players still CREATED joined after the start and sit the
// game out.
func finished(roster []model.PlayerGame, round int) ([]model.PlayerGame, bool) {
	players := make([]model.PlayerGame, 0, len(roster))
	for _, row := range roster {
		switch {
		case row.RoundState == model.StateCreated:
			continue
		case row.RoundState != model.StateWaiting, row.Round != round:
			return nil, false
		}
		players = append(players, row)
	}
	return players, len(players) > 0
}

// playing drops the players that never started
func playing(roster []model.PlayerGame) []model.PlayerGame {
	players := make([]model.PlayerGame, 0, len(roster))
	for _, row := range roster {
		if row.RoundState != model.StateCreated {
			players = append(players, row)
		}
	}
	return players
}

func (d *Detector) publish(ctx context.Context, e *event.Event) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Publish(ctx, e); err != nil {
		d.logger.Warn("failed to publish event",
			slog.String("type", string(e.Type)),
			slog.String("gameId", e.GameID),
			slog.String("error", err.Error()))
	}
}

func playerIDs(roster []model.PlayerGame) []string {
	ids := make([]string, 0, len(roster))
	for _, row := range roster {
		ids = append(ids, row.PlayerID)
	}
	return ids
}

func decode[T any](item storage.Item) (T, error) {
	rows, err := storage.UnmarshalRows[T]([]storage.Item{item})
	if err != nil {
		var zero T
		return zero, err
	}
	return rows[0], nil
}
