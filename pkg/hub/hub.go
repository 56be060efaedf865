package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/epw80/cataglory/pkg/event"
)

// ErrClosed is returned by Publish once the hub has shut down
var ErrClosed = errors.New("hub is shut down")

// Client represents a connected WebSocket client
// This is an interface to avoid circular dependencies between hub and client packages
type Client interface {
	Send([]byte)
	Close()
	ID() string
	GameID() string
}

type delivery struct {
	gameID string
	data   []byte
}

// Hub keeps one room of clients per game and fans game events out to them
type Hub struct {
	// Registered clients by game
	rooms map[string]map[Client]bool

	// Encoded events waiting for delivery
	deliveries chan delivery

	// Register requests from clients
	register chan Client

	// Unregister requests from clients
	unregister chan Client

	// Mutex for thread-safe room access
	mu sync.RWMutex

	logger *slog.Logger

	// Shutdown signal
	done     chan struct{}
	shutdown sync.Once
}

// New creates a new Hub instance
func New(logger *slog.Logger) *Hub {
	return &Hub{
		deliveries: make(chan delivery, 256),
		register:   make(chan Client),
		unregister: make(chan Client),
		rooms:      make(map[string]map[Client]bool),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop
// This should be called in a goroutine
func (h *Hub) Run() {
	h.logger.Info("hub started")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			room, ok := h.rooms[client.GameID()]
			if !ok {
				room = make(map[Client]bool)
				h.rooms[client.GameID()] = room
			}
			room[client] = true
			size := len(room)
			h.mu.Unlock()

			h.logger.Info("client registered",
				slog.String("clientID", client.ID()),
				slog.String("gameId", client.GameID()),
				slog.Int("roomClients", size))

		case client := <-h.unregister:
			h.mu.Lock()
			if room, ok := h.rooms[client.GameID()]; ok && room[client] {
				delete(room, client)
				if len(room) == 0 {
					delete(h.rooms, client.GameID())
				}
				client.Close()
			}
			h.mu.Unlock()

			h.logger.Info("client unregistered",
				slog.String("clientID", client.ID()),
				slog.String("gameId", client.GameID()))

		case d := <-h.deliveries:
			h.mu.RLock()
			// Send never blocks; a full client buffer drops the event
			for client := range h.rooms[d.gameID] {
				client.Send(d.data)
			}
			h.mu.RUnlock()

		case <-h.done:
			h.logger.Info("hub shutting down")
			h.mu.Lock()
			for _, room := range h.rooms {
				for client := range room {
					client.Close()
				}
			}
			h.rooms = make(map[string]map[Client]bool)
			h.mu.Unlock()
			return
		}
	}
}

// Register adds a client to its game's room
func (h *Hub) Register(client any) {
	if c, ok := client.(Client); ok {
		select {
		case h.register <- c:
		case <-h.done:
		}
	}
}

// Unregister removes a client from its game's room
func (h *Hub) Unregister(client any) {
	if c, ok := client.(Client); ok {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}
}

// Publish queues e for every client watching its game
func (h *Hub) Publish(ctx context.Context, e *event.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	data, err := e.ToJSON()
	if err != nil {
		return err
	}

	select {
	case h.deliveries <- delivery{gameID: e.GameID, data: data}:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount returns the number of connected clients across all games
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, room := range h.rooms {
		total += len(room)
	}
	return total
}

// RoomCount returns the number of games with at least one client
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Shutdown gracefully shuts down the hub
func (h *Hub) Shutdown() {
	h.shutdown.Do(func() { close(h.done) })
}
