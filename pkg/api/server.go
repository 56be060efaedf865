// Package api maps the game, question and answer operations onto HTTP routes
// and serves the live event websocket.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/epw80/cataglory/pkg/answer"
	"github.com/epw80/cataglory/pkg/client"
	"github.com/epw80/cataglory/pkg/game"
	"github.com/epw80/cataglory/pkg/model"
)

// Games is the game lifecycle surface exposed over HTTP
type Games interface {
	CreateGame(ctx context.Context, playerID, nickname string) (game.GameRef, error)
	JoinGame(ctx context.Context, playerID, gameID, nickname string) (game.GameRef, error)
	GetGame(ctx context.Context, gameID string) (game.GameView, error)
	ListGamesForPlayer(ctx context.Context, playerID, state string) ([]game.GameSummary, error)
	StartGame(ctx context.Context, gameID, playerID string) error
	EndPlayerTurn(ctx context.Context, playerID, gameID string) error
}

// Answers is the answer surface exposed over HTTP
type Answers interface {
	GetQuestions(ctx context.Context, gameID string, round int) (model.Question, error)
	PutAnswer(ctx context.Context, req answer.PutAnswerRequest) error
	GetAnswers(ctx context.Context, gameID string, round int) ([]answer.PlayerAnswer, error)
	ReportAnswer(ctx context.Context, reporter, accused, gameID string, round, questionNumber int) error
}

// Categories accepts custom category suggestions
type Categories interface {
	PutCustomCategory(ctx context.Context, gameID, category string) error
}

// Hub fans events out to websocket clients
type Hub interface {
	client.Hub
	ClientCount() int
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins in development
		// TODO: Restrict to the web client's origin once it has a fixed host
		return true
	},
}

// Server holds the HTTP handlers
type Server struct {
	games      Games
	answers    Answers
	categories Categories
	hub        Hub
	logger     *slog.Logger
	tracer     trace.Tracer
}

// New creates the HTTP server handlers
func New(games Games, answers Answers, categories Categories, hub Hub, logger *slog.Logger) *Server {
	registerValidators()
	return &Server{
		games:      games,
		answers:    answers,
		categories: categories,
		hub:        hub,
		logger:     logger,
		tracer:     otel.Tracer("github.com/epw80/cataglory/pkg/api"),
	}
}

// Handler builds the gin engine with every route
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.trace())
	r.Use(s.requestLogger())

	r.GET("/health", s.handleHealth)
	r.GET("/ws", s.handleWebSocket)

	r.GET("/GAMES/:playerId", s.handleListGames)
	r.GET("/GAMES/:playerId/:state", s.handleListGames)
	r.GET("/GAME/:gameId", s.handleGetGame)
	r.POST("/GAME", s.handleCreateGame)
	r.PUT("/GAME", s.handleJoinGame)
	r.POST("/GAME/:gameId/START", s.handleStartGame)
	r.PUT("/CATEGORY", s.handlePutCategory)

	r.GET("/QUESTIONS/:gameId/:round", s.handleGetQuestions)
	r.PUT("/ANSWER", s.handlePutAnswer)
	r.GET("/ANSWERS/:gameId/:round", s.handleGetAnswers)
	r.POST("/REPORT", s.handleReportAnswer)
	r.POST("/ROUND/:playerId/:gameId", s.handleEndRound)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}

// trace starts a server span per request, continuing any incoming trace
func (s *Server) trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := s.tracer.Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", c.Request.Method),
				attribute.String("http.route", route),
			))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.response.status_code", c.Writer.Status()))
	}
}

// requestLogger logs one line per request, skipping the websocket stream
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if path == "/ws" || path == "/health" {
			return
		}
		s.logger.Info("http",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": s.hub.ClientCount()})
}
