// Package websocket streams live messaging events to connected clients.
//
// Clients open a WebSocket connection to:
//
//	GET /events
//
// and receive one JSON frame per accepted event: delivery status changes,
// inbound messages, template approval updates and dead-lettered sends. The
// stream is fire-and-forget; a client that cannot keep up has frames
// dropped rather than stalling the pipeline.
//
// Server → client frame:
//
//	{"field":"statuses","message_id":"<ULID>","status":"delivered","timestamp":...}
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	gorillaws "github.com/gorilla/websocket"
)

// urlParse is an alias so the upgrader closure can call it without shadowing
// the url package import.
var urlParse = url.Parse

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic).  Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client, allow
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := urlParse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// sendBuffer is the per-client frame backlog before drops kick in.
const sendBuffer = 64

// Hub fans accepted events out to every connected client.
type Hub struct {
	log *slog.Logger

	mu    sync.Mutex
	conns map[*client]struct{}
}

type client struct {
	send chan []byte
}

// NewHub returns an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log.With("component", "events"),
		conns: make(map[*client]struct{}),
	}
}

// Broadcast marshals v and queues it to every connected client. Slow
// clients lose frames instead of applying backpressure to the caller.
func (h *Hub) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("marshal event frame", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		select {
		case c.send <- data:
		default:
			// Client backlog full; drop the frame.
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the connection and streams frames until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &client{send: make(chan []byte, sendBuffer)}
	h.register(c)
	defer h.unregister(c)

	// Drain client frames so control messages (close, ping) are processed;
	// the stream is one-way otherwise.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readDone:
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}
		}
	}
}
