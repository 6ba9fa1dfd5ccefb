// Package hub fans status payloads out to websocket clients through a
// channel-based broadcast loop. Slow clients are dropped rather than
// allowed to stall the stream.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/Bumply/bitirme/internal/logx"
)

// Hub broadcasts payloads to every connected client. The client set is
// owned by the Run goroutine; other goroutines interact through channels.
type Hub struct {
	log *slog.Logger

	clients    map[*Client]struct{}
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	count      atomic.Int32
}

// New creates a hub for the named stream. Call Run in a goroutine before
// registering clients.
func New(name string) *Hub {
	return &Hub{
		log:        logx.Component("hub").With("stream", name),
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run services registrations and broadcasts. It never returns; the hub
// lives for the process.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int32(len(h.clients)))
			h.log.Debug("client connected", "total", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.count.Store(int32(len(h.clients)))
			h.log.Debug("client disconnected", "remaining", len(h.clients))

		case payload := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- payload:
				default:
					// Client's buffer is full. Close and remove it.
					delete(h.clients, c)
					close(c.send)
					h.log.Warn("dropped slow client")
				}
			}
			h.count.Store(int32(len(h.clients)))
		}
	}
}

// Broadcast queues payload for every connected client. A saturated hub
// drops the payload; the next tick carries fresher state anyway.
func (h *Hub) Broadcast(payload []byte) {
	select {
	case h.broadcast <- payload:
	default:
		h.log.Debug("broadcast queue full, payload dropped")
	}
}

// BroadcastJSON encodes v and broadcasts it.
func (h *Hub) BroadcastJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(payload)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}
