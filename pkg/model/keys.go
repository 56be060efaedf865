package model

import (
	"strconv"
	"strings"
)

const (
	GamePrefix     = "GAME"
	QuestionPrefix = "QUESTION"
	AnswerPrefix   = "ANSWER"

	// CustomCategorySortKey addresses the single suggestion row of a game
	CustomCategorySortKey = "CUSTOM_CATEGORY"

	sep = "#"
)

// PlayerGameSortKey is GAME#<playerId>; an empty id yields the prefix of
// every player row in a game.
func PlayerGameSortKey(playerID string) string {
	return GamePrefix + sep + playerID
}

// PlayerGameGsiSortKey is GAME#<state>#<gameId>
func PlayerGameGsiSortKey(state RoundState, gameID string) string {
	return GamePrefix + sep + string(state) + sep + gameID
}

// PlayerGameStatePrefix is GAME#<state>, or GAME# for every state
func PlayerGameStatePrefix(state RoundState) string {
	if state == "" {
		return GamePrefix + sep
	}
	return GamePrefix + sep + string(state) + sep
}

// QuestionSortKey is QUESTION#<round>
func QuestionSortKey(round int) string {
	return QuestionPrefix + sep + strconv.Itoa(round)
}

// AnswerSortKey is ANSWER#<gameId>#<round>#<questionNumber>
func AnswerSortKey(gameID string, round, questionNumber int) string {
	return AnswerPrefix + sep + gameID + sep + strconv.Itoa(round) + sep + strconv.Itoa(questionNumber)
}

// AnswerGsiSortKey is ANSWER#<round>#<playerId>#<questionNumber>
func AnswerGsiSortKey(round int, playerID string, questionNumber int) string {
	return AnswerPrefix + sep + strconv.Itoa(round) + sep + playerID + sep + strconv.Itoa(questionNumber)
}

// AnswerRoundPrefix matches every answer of one round on the GSI
func AnswerRoundPrefix(round int) string {
	return AnswerPrefix + sep + strconv.Itoa(round) + sep
}

// IsPlayerGameKey reports whether a sort key belongs to a PlayerGame row
func IsPlayerGameKey(sortKey string) bool {
	return strings.HasPrefix(sortKey, GamePrefix+sep)
}

// IsAnswerKey reports whether a sort key belongs to an Answer row
func IsAnswerKey(sortKey string) bool {
	return strings.HasPrefix(sortKey, AnswerPrefix+sep)
}
