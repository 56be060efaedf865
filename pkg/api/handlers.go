package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/epw80/cataglory/pkg/answer"
)

type createGameRequest struct {
	PlayerID string `json:"playerId" binding:"required,notblank"`
	Nickname string `json:"nickname" binding:"required,notblank,max=50"`
}

type joinGameRequest struct {
	PlayerID string `json:"playerId" binding:"required,notblank"`
	GameID   string `json:"gameId" binding:"required,notblank"`
	Nickname string `json:"nickname" binding:"required,notblank,max=50"`
}

type startGameRequest struct {
	PlayerID string `json:"playerId" binding:"required,notblank"`
}

type categoryRequest struct {
	GameID   string `json:"gameId" binding:"required,notblank"`
	Category string `json:"category" binding:"required,notblank,max=64"`
}

type putAnswerRequest struct {
	PlayerID       string `json:"playerId" binding:"required,notblank"`
	GameID         string `json:"gameId" binding:"required,notblank"`
	Round          int    `json:"round" binding:"required,min=1"`
	QuestionNumber *int   `json:"questionNumber" binding:"required,min=0"`
	Answer         string `json:"answer" binding:"required,max=100"`
}

type reportRequest struct {
	ReporterID     string `json:"reporterId" binding:"required,notblank"`
	PlayerID       string `json:"playerId" binding:"required,notblank"`
	GameID         string `json:"gameId" binding:"required,notblank"`
	Round          int    `json:"round" binding:"required,min=1"`
	QuestionNumber *int   `json:"questionNumber" binding:"required,min=0"`
}

type gameURI struct {
	GameID string `uri:"gameId" binding:"required"`
}

type playerGamesURI struct {
	PlayerID string `uri:"playerId" binding:"required"`
	State    string `uri:"state"`
}

type roundURI struct {
	GameID string `uri:"gameId" binding:"required"`
	Round  int    `uri:"round" binding:"required,min=1"`
}

type turnURI struct {
	PlayerID string `uri:"playerId" binding:"required"`
	GameID   string `uri:"gameId" binding:"required"`
}

var playerMessages = bindMessages{
	"PlayerID": {"required": "playerId is required", "notblank": "playerId is required"},
	"GameID":   {"required": "gameId is required", "notblank": "gameId is required"},
	"Nickname": {
		"required": "nickname is required",
		"notblank": "nickname is required",
		"max":      "nickname must be 50 characters or fewer",
	},
}

var categoryMessages = bindMessages{
	"GameID": {"required": "gameId is required", "notblank": "gameId is required"},
	"Category": {
		"required": "category is required",
		"notblank": "category is required",
		"max":      "category must be 64 characters or fewer",
	},
}

var answerMessages = bindMessages{
	"PlayerID":       {"required": "playerId is required", "notblank": "playerId is required"},
	"ReporterID":     {"required": "reporterId is required", "notblank": "reporterId is required"},
	"GameID":         {"required": "gameId is required", "notblank": "gameId is required"},
	"Round":          {"required": "round must be at least 1", "min": "round must be at least 1"},
	"QuestionNumber": {"required": "questionNumber is required", "min": "questionNumber cannot be negative"},
	"Answer":         {"required": "answer is required", "max": "answer must be 100 characters or fewer"},
}

var roundMessages = bindMessages{
	"Round": {"required": "round must be a number of at least 1", "min": "round must be a number of at least 1"},
}

func (s *Server) handleListGames(c *gin.Context) {
	var uri playerGamesURI
	if !bindURI(c, &uri, nil) {
		return
	}
	games, err := s.games.ListGamesForPlayer(c.Request.Context(), uri.PlayerID, uri.State)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, games)
}

func (s *Server) handleGetGame(c *gin.Context) {
	var uri gameURI
	if !bindURI(c, &uri, nil) {
		return
	}
	view, err := s.games.GetGame(c.Request.Context(), uri.GameID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleCreateGame(c *gin.Context) {
	var req createGameRequest
	if !bindJSON(c, &req, playerMessages, "invalid game request") {
		return
	}
	ref, err := s.games.CreateGame(c.Request.Context(), req.PlayerID, req.Nickname)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

func (s *Server) handleJoinGame(c *gin.Context) {
	var req joinGameRequest
	if !bindJSON(c, &req, playerMessages, "invalid join request") {
		return
	}
	ref, err := s.games.JoinGame(c.Request.Context(), req.PlayerID, req.GameID, req.Nickname)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

func (s *Server) handleStartGame(c *gin.Context) {
	var uri gameURI
	if !bindURI(c, &uri, nil) {
		return
	}
	var req startGameRequest
	if !bindJSON(c, &req, playerMessages, "invalid start request") {
		return
	}
	if err := s.games.StartGame(c.Request.Context(), uri.GameID, req.PlayerID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) handlePutCategory(c *gin.Context) {
	var req categoryRequest
	if !bindJSON(c, &req, categoryMessages, "invalid category request") {
		return
	}
	if err := s.categories.PutCustomCategory(c.Request.Context(), req.GameID, req.Category); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) handleGetQuestions(c *gin.Context) {
	var uri roundURI
	if !bindURI(c, &uri, roundMessages) {
		return
	}
	q, err := s.answers.GetQuestions(c.Request.Context(), uri.GameID, uri.Round)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) handlePutAnswer(c *gin.Context) {
	var req putAnswerRequest
	if !bindJSON(c, &req, answerMessages, "invalid answer request") {
		return
	}
	err := s.answers.PutAnswer(c.Request.Context(), answer.PutAnswerRequest{
		PlayerID:       req.PlayerID,
		GameID:         req.GameID,
		Round:          req.Round,
		QuestionNumber: *req.QuestionNumber,
		Answer:         req.Answer,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) handleGetAnswers(c *gin.Context) {
	var uri roundURI
	if !bindURI(c, &uri, roundMessages) {
		return
	}
	answers, err := s.answers.GetAnswers(c.Request.Context(), uri.GameID, uri.Round)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, answers)
}

func (s *Server) handleReportAnswer(c *gin.Context) {
	var req reportRequest
	if !bindJSON(c, &req, answerMessages, "invalid report request") {
		return
	}
	err := s.answers.ReportAnswer(c.Request.Context(), req.ReporterID, req.PlayerID, req.GameID, req.Round, *req.QuestionNumber)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) handleEndRound(c *gin.Context) {
	var uri turnURI
	if !bindURI(c, &uri, nil) {
		return
	}
	if err := s.games.EndPlayerTurn(c.Request.Context(), uri.PlayerID, uri.GameID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}
