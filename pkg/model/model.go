// Package model defines the rows stored in the game table, the keys that
// address them and the errors shared by the managers.
package model

import (
	"strings"
	"time"
)

// RoundState is the per-player position in the round state machine
type RoundState string

const (
	StateCreated   RoundState = "CREATED"
	StatePending   RoundState = "PENDING"
	StateWaiting   RoundState = "WAITING"
	StateCompleted RoundState = "COMPLETED"
)

// Valid reports whether s is a known state
func (s RoundState) Valid() bool {
	switch s {
	case StateCreated, StatePending, StateWaiting, StateCompleted:
		return true
	}
	return false
}

// ParseRoundState accepts a state name in any case
func ParseRoundState(s string) (RoundState, error) {
	state := RoundState(strings.ToUpper(strings.TrimSpace(s)))
	if !state.Valid() {
		return "", ErrUnknownState
	}
	return state, nil
}

// Score is one player's running total
type Score struct {
	PlayerID string `json:"playerId" dynamodbav:"PlayerId"`
	Nickname string `json:"nickname" dynamodbav:"Nickname"`
	Score    int    `json:"score" dynamodbav:"Score"`
}

// Scores is an order-irrelevant set of player scores
type Scores []Score

// Of returns the score entry for playerID
func (s Scores) Of(playerID string) (Score, bool) {
	for _, score := range s {
		if score.PlayerID == playerID {
			return score, true
		}
	}
	return Score{}, false
}

// PlayerGame is the row tracking one player's state in one game
type PlayerGame struct {
	PartitionKey string `json:"-" dynamodbav:"PartitionKey"`
	SortKey      string `json:"-" dynamodbav:"SortKey"`
	Gsi          string `json:"-" dynamodbav:"Gsi"`
	GsiSortKey   string `json:"-" dynamodbav:"GsiSortKey"`

	PlayerID            string     `json:"playerId" dynamodbav:"PlayerId"`
	GameID              string     `json:"gameId" dynamodbav:"GameId"`
	Nickname            string     `json:"nickname" dynamodbav:"Nickname"`
	IsHost              bool       `json:"isHost" dynamodbav:"IsHost"`
	Round               int        `json:"round" dynamodbav:"Round"`
	RoundState          RoundState `json:"state" dynamodbav:"RoundState"`
	CurrentScores       Scores     `json:"scores" dynamodbav:"CurrentScores"`
	PreviousRoundScores Scores     `json:"previousRoundScores" dynamodbav:"PreviousRoundScores"`
	CreatedAt           time.Time  `json:"createdAt" dynamodbav:"CreatedAt"`
}

// NewPlayerGame builds a fresh CREATED row for round 1
func NewPlayerGame(gameID, playerID, nickname string, host bool, now time.Time) PlayerGame {
	return PlayerGame{
		PartitionKey: gameID,
		SortKey:      PlayerGameSortKey(playerID),
		Gsi:          playerID,
		GsiSortKey:   PlayerGameGsiSortKey(StateCreated, gameID),
		PlayerID:     playerID,
		GameID:       gameID,
		Nickname:     nickname,
		IsHost:       host,
		Round:        1,
		RoundState:   StateCreated,
		CreatedAt:    now.UTC(),
	}
}

// WithState returns a copy of the row moved to state, keeping the GSI sort
// key in step with it
func (p PlayerGame) WithState(state RoundState) PlayerGame {
	p.RoundState = state
	p.GsiSortKey = PlayerGameGsiSortKey(state, p.GameID)
	return p
}

// Category is one question of a round
type Category struct {
	QuestionNumber int    `json:"questionNumber" dynamodbav:"QuestionNumber"`
	Category       string `json:"category" dynamodbav:"Category"`
}

// Question is the immutable question set of one round
type Question struct {
	PartitionKey string `json:"-" dynamodbav:"PartitionKey"`
	SortKey      string `json:"-" dynamodbav:"SortKey"`

	GameID     string     `json:"gameId" dynamodbav:"GameId"`
	Round      int        `json:"round" dynamodbav:"Round"`
	Letter     string     `json:"letter" dynamodbav:"Letter"`
	Categories []Category `json:"categories" dynamodbav:"Categories"`
}

// CustomCategories holds the categories players suggested before the start
type CustomCategories struct {
	PartitionKey string `dynamodbav:"PartitionKey"`
	SortKey      string `dynamodbav:"SortKey"`

	GameID     string   `dynamodbav:"GameId"`
	Categories []string `dynamodbav:"Categories,omitempty"`
}

// NewCustomCategories builds the empty suggestion row of a game
func NewCustomCategories(gameID string) CustomCategories {
	return CustomCategories{
		PartitionKey: gameID,
		SortKey:      CustomCategorySortKey,
		GameID:       gameID,
	}
}

// Answer is one player's answer to one question
type Answer struct {
	PartitionKey string `json:"-" dynamodbav:"PartitionKey"`
	SortKey      string `json:"-" dynamodbav:"SortKey"`
	Gsi          string `json:"-" dynamodbav:"Gsi"`
	GsiSortKey   string `json:"-" dynamodbav:"GsiSortKey"`

	PlayerID       string    `json:"playerId" dynamodbav:"PlayerId"`
	GameID         string    `json:"gameId" dynamodbav:"GameId"`
	Round          int       `json:"round" dynamodbav:"Round"`
	QuestionNumber int       `json:"questionNumber" dynamodbav:"QuestionNumber"`
	Answer         string    `json:"answer" dynamodbav:"Answer"`
	Nickname       string    `json:"nickname" dynamodbav:"Nickname"`
	Strikes        []string  `json:"strikes" dynamodbav:"Strikes,omitempty"`
	CreatedAt      time.Time `json:"createdAt" dynamodbav:"CreatedAt"`
}

// DistinctStrikes counts the different players that struck the answer
func (a Answer) DistinctStrikes() int {
	seen := make(map[string]struct{}, len(a.Strikes))
	for _, reporter := range a.Strikes {
		seen[reporter] = struct{}{}
	}
	return len(seen)
}
