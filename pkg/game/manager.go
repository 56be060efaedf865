// Package game owns the PlayerGame rows: creating and joining games, and
// every round-state transition of the players in them.
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/epw80/cataglory/pkg/idgen"
	"github.com/epw80/cataglory/pkg/model"
	"github.com/epw80/cataglory/pkg/storage"
)

// MaxNicknameLength bounds a player's display name
const MaxNicknameLength = 50

var (
	ErrEmptyPlayerID    = fmt.Errorf("%w: player id cannot be empty", model.ErrInvalidInput)
	ErrEmptyGameID      = fmt.Errorf("%w: game id cannot be empty", model.ErrInvalidInput)
	ErrEmptyNickname    = fmt.Errorf("%w: nickname cannot be empty", model.ErrInvalidInput)
	ErrNicknameTooLong  = fmt.Errorf("%w: nickname exceeds maximum length", model.ErrInvalidInput)
	ErrInconsistentGame = fmt.Errorf("%w: game has no host", model.ErrNotFound)
	ErrStaleScores      = fmt.Errorf("%w: scores changed since the round was scored", model.ErrPrecondition)
)

// QuestionSeeder prepares the question sets a round transition relies on
type QuestionSeeder interface {
	SetupQuestionsForRounds(ctx context.Context, gameID string) error
	EnsureQuestion(ctx context.Context, gameID string, round int) error
}

// Options configures a Manager. Zero values use the defaults.
type Options struct {
	// Rounds is the number of rounds after which a game is completed
	Rounds int
	MintID func() string
	Now    func() time.Time
}

// Manager is the game lifecycle manager
type Manager struct {
	store     storage.KeyStore
	questions QuestionSeeder
	logger    *slog.Logger
	rounds    int
	mintID    func() string
	now       func() time.Time
}

// GameRef identifies a player's seat in a game
type GameRef struct {
	PlayerID string `json:"playerId"`
	GameID   string `json:"gameId"`
}

// Player is a roster entry
type Player struct {
	PlayerID string `json:"playerId"`
	Nickname string `json:"nickname"`
}

// PlayerState is a roster entry with its round state
type PlayerState struct {
	PlayerID string           `json:"playerId"`
	Nickname string           `json:"nickname"`
	State    model.RoundState `json:"state"`
}

// GameView is the game-wide projection of the primary index
type GameView struct {
	GameID  string        `json:"gameId"`
	Host    Player        `json:"host"`
	Round   int           `json:"round"`
	Players []PlayerState `json:"players"`
}

// GameSummary is one entry of a player's game list
type GameSummary struct {
	PlayerID string           `json:"playerId"`
	GameID   string           `json:"gameId"`
	Round    int              `json:"round"`
	State    model.RoundState `json:"state"`
	Scores   model.Scores     `json:"scores"`
	IsHost   bool             `json:"isHost"`
}

// New creates a game lifecycle manager
func New(store storage.KeyStore, questions QuestionSeeder, logger *slog.Logger, opts Options) *Manager {
	m := &Manager{
		store:     store,
		questions: questions,
		logger:    logger,
		rounds:    opts.Rounds,
		mintID:    opts.MintID,
		now:       opts.Now,
	}
	if m.rounds < 1 {
		m.rounds = 3
	}
	if m.mintID == nil {
		m.mintID = idgen.MintID
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// CreateGame mints a game and seats playerID as its host
func (m *Manager) CreateGame(ctx context.Context, playerID, nickname string) (GameRef, error) {
	nickname, err := validatePlayer(playerID, nickname)
	if err != nil {
		return GameRef{}, err
	}

	gameID := m.mintID()
	host := model.NewPlayerGame(gameID, playerID, nickname, true, m.now())

	if err := m.store.TransactPut(ctx, host, model.NewCustomCategories(gameID)); err != nil {
		return GameRef{}, fmt.Errorf("failed to create game: %w", err)
	}

	m.logger.Info("game created",
		slog.String("gameId", gameID),
		slog.String("playerId", playerID))

	return GameRef{PlayerID: playerID, GameID: gameID}, nil
}

// JoinGame seats playerID as a guest. The game is not looked up first, so
// joining an unknown id creates an orphaned row. A player already seated in
// the game keeps their row as it is.
func (m *Manager) JoinGame(ctx context.Context, playerID, gameID, nickname string) (GameRef, error) {
	nickname, err := validatePlayer(playerID, nickname)
	if err != nil {
		return GameRef{}, err
	}
	if gameID == "" {
		return GameRef{}, ErrEmptyGameID
	}

	guest := model.NewPlayerGame(gameID, playerID, nickname, false, m.now())
	err = m.store.Insert(ctx, guest)
	if errors.Is(err, storage.ErrConditionFailed) {
		m.logger.Info("player already in game",
			slog.String("gameId", gameID),
			slog.String("playerId", playerID))
		return GameRef{PlayerID: playerID, GameID: gameID}, nil
	}
	if err != nil {
		return GameRef{}, fmt.Errorf("failed to join game: %w", err)
	}

	m.logger.Info("player joined game",
		slog.String("gameId", gameID),
		slog.String("playerId", playerID))

	return GameRef{PlayerID: playerID, GameID: gameID}, nil
}

// Roster returns every PlayerGame row of a game, possibly none
func (m *Manager) Roster(ctx context.Context, gameID string) ([]model.PlayerGame, error) {
	items, err := m.store.Query(ctx, storage.PrimaryIndex, gameID, model.PlayerGameSortKey(""))
	if err != nil {
		return nil, err
	}
	return storage.UnmarshalRows[model.PlayerGame](items)
}

// GetGame returns the host, round and roster of a game
func (m *Manager) GetGame(ctx context.Context, gameID string) (GameView, error) {
	roster, err := m.Roster(ctx, gameID)
	if err != nil {
		return GameView{}, err
	}
	if len(roster) == 0 {
		return GameView{}, model.ErrGameNotFound
	}

	host, ok := hostOf(roster)
	if !ok {
		return GameView{}, fmt.Errorf("%w: %s", ErrInconsistentGame, gameID)
	}

	view := GameView{
		GameID:  gameID,
		Host:    Player{PlayerID: host.PlayerID, Nickname: host.Nickname},
		Round:   host.Round,
		Players: make([]PlayerState, 0, len(roster)),
	}
	for _, row := range roster {
		view.Players = append(view.Players, PlayerState{
			PlayerID: row.PlayerID,
			Nickname: row.Nickname,
			State:    row.RoundState,
		})
	}
	return view, nil
}

// ListGamesForPlayer lists the player's games, optionally only those in one
// round state
func (m *Manager) ListGamesForPlayer(ctx context.Context, playerID, state string) ([]GameSummary, error) {
	if playerID == "" {
		return nil, ErrEmptyPlayerID
	}

	var filter model.RoundState
	if state != "" {
		parsed, err := model.ParseRoundState(state)
		if err != nil {
			return nil, err
		}
		filter = parsed
	}

	items, err := m.store.Query(ctx, storage.GSIIndex, playerID, model.PlayerGameStatePrefix(filter))
	if err != nil {
		return nil, err
	}
	rows, err := storage.UnmarshalRows[model.PlayerGame](items)
	if err != nil {
		return nil, err
	}

	games := make([]GameSummary, 0, len(rows))
	for _, row := range rows {
		games = append(games, GameSummary{
			PlayerID: row.PlayerID,
			GameID:   row.GameID,
			Round:    row.Round,
			State:    row.RoundState,
			Scores:   row.CurrentScores,
			IsHost:   row.IsHost,
		})
	}
	return games, nil
}

// StartGame seeds the questions and moves every player to round 1. Only the
// host may start, and only while every player is still CREATED.
func (m *Manager) StartGame(ctx context.Context, gameID, playerID string) error {
	roster, err := m.Roster(ctx, gameID)
	if err != nil {
		return err
	}
	if len(roster) == 0 {
		return model.ErrGameNotFound
	}

	host, ok := hostOf(roster)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInconsistentGame, gameID)
	}
	if host.PlayerID != playerID {
		return model.ErrNotHost
	}
	for _, row := range roster {
		if row.RoundState != model.StateCreated {
			return model.ErrInvalidState
		}
	}

	if err := m.questions.SetupQuestionsForRounds(ctx, gameID); err != nil {
		return fmt.Errorf("failed to set up questions: %w", err)
	}

	scores := make(model.Scores, 0, len(roster))
	for _, row := range roster {
		scores = append(scores, model.Score{PlayerID: row.PlayerID, Nickname: row.Nickname})
	}

	olds := make([]storage.Key, 0, len(roster))
	rows := make([]any, 0, len(roster))
	for _, row := range roster {
		olds = append(olds, storage.Key{PartitionKey: row.PartitionKey, SortKey: row.SortKey})
		started := row.WithState(model.StatePending)
		started.Round = 1
		started.CurrentScores = scores
		started.PreviousRoundScores = model.Scores{}
		rows = append(rows, started)
	}

	err = m.store.ReplaceKeys(ctx, olds, rows, storage.Attribute{Name: "RoundState", Value: model.StateCreated})
	if errors.Is(err, storage.ErrConditionFailed) {
		return model.ErrInvalidState
	}
	if err != nil {
		return fmt.Errorf("failed to start game: %w", err)
	}

	m.logger.Info("game started",
		slog.String("gameId", gameID),
		slog.Int("players", len(roster)))

	return nil
}

// ActiveRow returns the player's PENDING row for the game
func (m *Manager) ActiveRow(ctx context.Context, playerID, gameID string) (model.PlayerGame, error) {
	items, err := m.store.Query(ctx, storage.GSIIndex, playerID, model.PlayerGameGsiSortKey(model.StatePending, gameID))
	if err != nil {
		return model.PlayerGame{}, err
	}
	rows, err := storage.UnmarshalRows[model.PlayerGame](items)
	if err != nil {
		return model.PlayerGame{}, err
	}

	// the prefix for game "ab" also matches game "abc"
	for _, row := range rows {
		if row.GameID == gameID {
			return row, nil
		}
	}
	return model.PlayerGame{}, model.ErrNoActiveRound
}

// EndPlayerTurn moves one player from PENDING to WAITING in the same round
func (m *Manager) EndPlayerTurn(ctx context.Context, playerID, gameID string) error {
	row, err := m.ActiveRow(ctx, playerID, gameID)
	if err != nil {
		return err
	}

	err = m.store.ReplaceKey(ctx,
		storage.Key{PartitionKey: row.PartitionKey, SortKey: row.SortKey},
		row.WithState(model.StateWaiting),
		storage.Attribute{Name: "RoundState", Value: model.StatePending},
		storage.Attribute{Name: "Round", Value: row.Round},
	)
	if errors.Is(err, storage.ErrConditionFailed) {
		return model.ErrNoActiveRound
	}
	if err != nil {
		return fmt.Errorf("failed to end turn: %w", err)
	}

	m.logger.Info("player finished round",
		slog.String("gameId", gameID),
		slog.String("playerId", playerID),
		slog.Int("round", row.Round))

	return nil
}

// AdvanceRound moves every listed player from WAITING at completedRound to
// PENDING at the next round, or to COMPLETED after the final round, storing
// next as the current scores and previous as the previous round's.
//
// The next round's question set is written before any player row moves, so a
// reader seeing PENDING at round N+1 can always load question N+1. Players no
// longer WAITING at completedRound make the whole update a no-op, which is
// reported as advanced == false. previous must equal the players' stored
// current scores; when a rescore changed them in between, nothing moves and
// ErrStaleScores is returned so the round can be scored again.
func (m *Manager) AdvanceRound(ctx context.Context, gameID string, completedRound int, previous, next model.Scores, playerIDs ...string) (advanced bool, err error) {
	if len(playerIDs) == 0 {
		return false, nil
	}

	state, round := model.StatePending, completedRound+1
	if completedRound >= m.rounds {
		state, round = model.StateCompleted, completedRound
	} else if err := m.questions.EnsureQuestion(ctx, gameID, round); err != nil {
		return false, fmt.Errorf("failed to prepare round %d: %w", round, err)
	}

	set := []storage.Attribute{
		{Name: storage.AttrGsiSortKey, Value: model.PlayerGameGsiSortKey(state, gameID)},
		{Name: "RoundState", Value: state},
		{Name: "Round", Value: round},
		{Name: "CurrentScores", Value: next},
		{Name: "PreviousRoundScores", Value: previous},
	}
	expect := []storage.Attribute{
		{Name: "RoundState", Value: model.StateWaiting},
		{Name: "Round", Value: completedRound},
		{Name: "CurrentScores", Value: previous},
	}

	err = m.store.BulkUpdate(ctx, gameID, sortKeys(playerIDs), set, expect...)
	if errors.Is(err, storage.ErrConditionFailed) {
		waiting, rerr := m.stillWaiting(ctx, gameID, completedRound, playerIDs)
		if rerr != nil {
			return false, rerr
		}
		if waiting {
			return false, ErrStaleScores
		}
		m.logger.Info("round already advanced",
			slog.String("gameId", gameID),
			slog.Int("round", completedRound))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to advance round: %w", err)
	}

	m.logger.Info("round advanced",
		slog.String("gameId", gameID),
		slog.Int("completedRound", completedRound),
		slog.String("state", string(state)))

	return true, nil
}

// stillWaiting reports whether every listed player is still WAITING at round
func (m *Manager) stillWaiting(ctx context.Context, gameID string, round int, playerIDs []string) (bool, error) {
	roster, err := m.Roster(ctx, gameID)
	if err != nil {
		return false, fmt.Errorf("failed to read roster: %w", err)
	}
	byID := make(map[string]model.PlayerGame, len(roster))
	for _, row := range roster {
		byID[row.PlayerID] = row
	}
	for _, id := range playerIDs {
		row, ok := byID[id]
		if !ok || row.RoundState != model.StateWaiting || row.Round != round {
			return false, nil
		}
	}
	return true, nil
}

// UpdateScores overwrites the current scores without touching round state
func (m *Manager) UpdateScores(ctx context.Context, scores model.Scores, gameID string, playerIDs ...string) error {
	_, err := m.updateScores(ctx, scores, gameID, playerIDs)
	return err
}

// UpdateRoundScores is UpdateScores for players still at round. Rows that
// have moved to another round leave the update a no-op, reported as
// updated == false.
func (m *Manager) UpdateRoundScores(ctx context.Context, scores model.Scores, gameID string, round int, playerIDs ...string) (updated bool, err error) {
	return m.updateScores(ctx, scores, gameID, playerIDs, storage.Attribute{Name: "Round", Value: round})
}

func (m *Manager) updateScores(ctx context.Context, scores model.Scores, gameID string, playerIDs []string, expect ...storage.Attribute) (bool, error) {
	if len(playerIDs) == 0 {
		return false, nil
	}

	set := []storage.Attribute{{Name: "CurrentScores", Value: scores}}
	err := m.store.BulkUpdate(ctx, gameID, sortKeys(playerIDs), set, expect...)
	if errors.Is(err, storage.ErrConditionFailed) && len(expect) > 0 {
		m.logger.Info("scores out of date, round moved on",
			slog.String("gameId", gameID))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to update scores: %w", err)
	}

	m.logger.Info("scores updated",
		slog.String("gameId", gameID),
		slog.Int("players", len(playerIDs)))

	return true, nil
}

// Rounds returns the number of rounds in a game
func (m *Manager) Rounds() int {
	return m.rounds
}

func validatePlayer(playerID, nickname string) (string, error) {
	if playerID == "" {
		return "", ErrEmptyPlayerID
	}
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return "", ErrEmptyNickname
	}
	if len(nickname) > MaxNicknameLength {
		return "", ErrNicknameTooLong
	}
	return nickname, nil
}

func hostOf(roster []model.PlayerGame) (model.PlayerGame, bool) {
	for _, row := range roster {
		if row.IsHost {
			return row, true
		}
	}
	return model.PlayerGame{}, false
}

func sortKeys(playerIDs []string) []string {
	keys := make([]string, 0, len(playerIDs))
	for _, id := range playerIDs {
		keys = append(keys, model.PlayerGameSortKey(id))
	}
	return keys
}
