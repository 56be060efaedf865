// Package event defines the live game events pushed to websocket clients.
package event

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/epw80/cataglory/pkg/model"
)

// Type represents the kind of game event
type Type string

const (
	TypePlayerFinished Type = "player_finished"
	TypeRoundStarted   Type = "round_started"
	TypeGameCompleted  Type = "game_completed"
	TypeScoresUpdated  Type = "scores_updated"
)

// Event is one change of a game's state as seen by its players
type Event struct {
	Type      Type         `json:"type"`
	GameID    string       `json:"gameId"`
	PlayerID  string       `json:"playerId,omitempty"`
	Round     int          `json:"round"`
	Scores    model.Scores `json:"scores,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

var (
	ErrInvalidType   = errors.New("invalid event type")
	ErrEmptyGameID   = errors.New("event game id cannot be empty")
	ErrInvalidRound  = errors.New("event round must be at least 1")
	ErrEmptyPlayerID = errors.New("player event needs a player id")
)

// Validate checks if the event meets all requirements
func (e *Event) Validate() error {
	switch e.Type {
	case TypePlayerFinished, TypeRoundStarted, TypeGameCompleted, TypeScoresUpdated:
	default:
		return ErrInvalidType
	}

	if e.GameID == "" {
		return ErrEmptyGameID
	}
	if e.Round < 1 {
		return ErrInvalidRound
	}
	if e.Type == TypePlayerFinished && e.PlayerID == "" {
		return ErrEmptyPlayerID
	}

	return nil
}

// New creates an event stamped with the current time
func New(t Type, gameID string, round int) *Event {
	return &Event{
		Type:      t,
		GameID:    gameID,
		Round:     round,
		Timestamp: time.Now().UTC(),
	}
}

// PlayerFinished reports that one player ended their turn
func PlayerFinished(gameID, playerID string, round int) *Event {
	e := New(TypePlayerFinished, gameID, round)
	e.PlayerID = playerID
	return e
}

// WithScores attaches a score set to the event
func (e *Event) WithScores(scores model.Scores) *Event {
	e.Scores = scores
	return e
}

// ToJSON converts the event to JSON bytes
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses JSON bytes into an event
func FromJSON(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
