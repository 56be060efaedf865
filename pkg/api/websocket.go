package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/epw80/cataglory/pkg/client"
)

type watchQuery struct {
	GameID   string `form:"gameId" binding:"required"`
	PlayerID string `form:"playerId" binding:"required"`
}

var watchMessages = bindMessages{
	"GameID":   {"required": "gameId is required"},
	"PlayerID": {"required": "playerId is required"},
}

// handleWebSocket upgrades the request into a live event stream for one game
func (s *Server) handleWebSocket(c *gin.Context) {
	var q watchQuery
	if !bindQuery(c, &q, watchMessages) {
		return
	}
	if _, err := s.games.GetGame(c.Request.Context(), q.GameID); err != nil {
		s.writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection",
			slog.String("error", err.Error()))
		return
	}

	cl := client.New(s.hub, conn, q.GameID, q.PlayerID, s.logger)
	s.hub.Register(cl)
	cl.Start()

	s.logger.Info("new websocket connection",
		slog.String("gameId", q.GameID),
		slog.String("playerId", q.PlayerID),
		slog.String("clientID", cl.ID()))
}
