package client

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/epw80/cataglory/pkg/idgen"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Players only listen; anything larger than a control frame is abuse
	maxMessageSize = 512

	// Buffer size for the send channel
	sendBufferSize = 64
)

// Hub interface to avoid circular dependencies
type Hub interface {
	Register(any)
	Unregister(any)
}

// Client is one player's live event connection to a game
type Client struct {
	hub Hub

	// The websocket connection
	conn *websocket.Conn

	// Buffered channel of outbound events
	send chan []byte

	id       string
	gameID   string
	playerID string

	logger *slog.Logger
}

// New creates a new Client instance
func New(hub Hub, conn *websocket.Conn, gameID, playerID string, logger *slog.Logger) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		id:       "client-" + idgen.MintID(),
		gameID:   gameID,
		playerID: playerID,
		logger:   logger,
	}
}

// readPump keeps the read side of the connection alive so pongs and close
// frames are processed. Events only flow to the player; any data frame the
// player sends is discarded.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error",
					slog.String("clientID", c.id),
					slog.String("gameId", c.gameID),
					slog.String("error", err.Error()))
			}
			return
		}

		c.logger.Debug("ignoring message from player",
			slog.String("clientID", c.id),
			slog.String("playerId", c.playerID))
	}
}

// writePump pumps events from the hub to the WebSocket connection
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// one event per frame so every frame is a complete JSON document
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start begins the client's read and write pumps
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// Send queues an encoded event for the player
// Implements the hub.Client interface
func (c *Client) Send(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping event",
			slog.String("clientID", c.id),
			slog.String("gameId", c.gameID))
	}
}

// Close closes the client's send channel
// Implements the hub.Client interface
func (c *Client) Close() {
	close(c.send)
}

// ID returns the client's unique identifier
// Implements the hub.Client interface
func (c *Client) ID() string {
	return c.id
}

// GameID returns the game the client is watching
// Implements the hub.Client interface
func (c *Client) GameID() string {
	return c.gameID
}

// PlayerID returns the player behind the connection
func (c *Client) PlayerID() string {
	return c.playerID
}
