package main

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/emberhq/ember/schedulerd/analytics"
)

const (
	maxStreamClients = 200
	streamQueueSize  = 256
	wsWriteTimeout   = 5 * time.Second
)

// StreamHub fans execution records out to connected websocket dashboards.
// A single writer goroutine owns every connection write; Broadcast never
// blocks the execution path, records are dropped when the hub lags.
type StreamHub struct {
	log        zerolog.Logger
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	records    chan analytics.ExecutionRecord
	mu         sync.RWMutex
}

func NewStreamHub(log zerolog.Logger) *StreamHub {
	return &StreamHub{
		log:        log.With().Str("component", "stream").Logger(),
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		records:    make(chan analytics.ExecutionRecord, streamQueueSize),
	}
}

// Broadcast queues one record for delivery. Never blocks.
func (h *StreamHub) Broadcast(rec analytics.ExecutionRecord) {
	select {
	case h.records <- rec:
	default:
	}
}

// Run owns the client set until ctx is cancelled.
func (h *StreamHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxStreamClients {
				h.mu.Unlock()
				conn.Close()
				h.log.Warn().Int("max", maxStreamClients).Msg("stream connection rejected, hub full")
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("total", total).Msg("stream client connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("total", total).Msg("stream client disconnected")

		case rec := <-h.records:
			h.push(rec)
		}
	}
}

// push writes one record to every client. A slow or dead connection gets a
// write deadline and is dropped on error.
func (h *StreamHub) push(rec analytics.ExecutionRecord) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(rec); err != nil {
			h.log.Debug().Err(err).Msg("stream write failed, dropping client")
			go h.Unregister(conn)
		}
	}
}

func (h *StreamHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.log.Info().Int("clients", len(h.clients)).Msg("stream hub shutting down")
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register hands a new connection to the hub.
func (h *StreamHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a connection.
func (h *StreamHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var _ analytics.Broadcaster = (*StreamHub)(nil)
