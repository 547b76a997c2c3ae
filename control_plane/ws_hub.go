package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/itskum47/FleetForge/control_plane/logging"
	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/streaming"
	"github.com/rs/zerolog"
)

const (
	maxWSConnections = 200
	wsWriteTimeout   = 5 * time.Second
	hubBacklog       = 64
)

// streamMessage is what clients receive for every published run record.
type streamMessage struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// RunHub fans run events out to WebSocket clients.
// A single goroutine owns the connections; Publish never blocks the bus.
type RunHub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan streamMessage
	done       chan struct{}
	mu         sync.RWMutex
	log        zerolog.Logger
}

func NewRunHub() *RunHub {
	return &RunHub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan streamMessage, hubBacklog),
		done:       make(chan struct{}),
		log:        logging.WithComponent("run_stream"),
	}
}

// Run owns the client set until ctx is done.
func (h *RunHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				h.log.Warn().Int("max", maxWSConnections).Msg("stream client rejected: connection limit reached")
				continue
			}
			h.clients[conn] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(n))
			h.log.Debug().Int("clients", n).Msg("stream client registered")

		case conn := <-h.unregister:
			h.remove(conn)

		case msg := <-h.broadcast:
			h.send(msg)
		}
	}
}

func (h *RunHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	observability.StreamClients.Set(float64(n))
}

// send writes msg to every client; clients that fail are dropped.
func (h *RunHub) send(msg streamMessage) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			h.log.Debug().Err(err).Msg("stream write failed, dropping client")
			h.remove(conn)
		}
	}
}

func (h *RunHub) shutdown() {
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.log.Info().Int("clients", len(h.clients)).Msg("shutting down run stream")
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	observability.StreamClients.Set(0)
}

// Publish is a streaming bus handler. Events are dropped when the hub is
// too far behind.
func (h *RunHub) Publish(ev streaming.Event) {
	msg := streamMessage{ID: ev.ID, Topic: ev.Topic, Timestamp: ev.Timestamp, Payload: ev.Payload}
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.log.Warn().Str("event_id", ev.ID).Msg("run stream backlog full, event dropped")
	}
}

// Register adds a client connection.
func (h *RunHub) Register(conn *websocket.Conn) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
	}
}

// Unregister removes a client connection.
func (h *RunHub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *RunHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
