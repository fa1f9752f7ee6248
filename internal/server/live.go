package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// writeWait is the timeout for writing to a WebSocket.
	writeWait = 10 * time.Second

	// pongWait is the timeout for pong responses.
	pongWait = 60 * time.Second

	// pingPeriod is how often to send ping frames.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum inbound message size allowed.
	maxMessageSize = 512
)

// snapshotFunc produces the payload broadcast to live clients.
type snapshotFunc func(context.Context) (*StatusSnapshot, error)

// LiveHub pushes periodic status snapshots to connected WebSocket
// clients. A snapshot is sent immediately on connect and then on every
// tick of the configured interval.
type LiveHub struct {
	snapshot snapshotFunc
	interval time.Duration
	upgrader websocket.Upgrader

	clients    map[*liveClient]bool
	clientsMu  sync.RWMutex
	register   chan *liveClient
	unregister chan *liveClient
}

type liveClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewLiveHub creates a hub broadcasting snapshots from fn.
func NewLiveHub(fn snapshotFunc, interval time.Duration) *LiveHub {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &LiveHub{
		snapshot: fn,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The dashboard is served cross-origin in development.
				return true
			},
		},
		clients:    make(map[*liveClient]bool),
		register:   make(chan *liveClient),
		unregister: make(chan *liveClient),
	}
}

// Run manages client registration and the broadcast ticker until the
// context is cancelled.
func (h *LiveHub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.clientsMu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.clientsMu.Unlock()
			log.Debug().Int("clients", total).Msg("live client connected")

			if data, err := h.snapshotJSON(ctx); err == nil {
				select {
				case client.send <- data:
				default:
				}
			}

		case client := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				client.conn.Close()
			}
			remaining := len(h.clients)
			h.clientsMu.Unlock()
			log.Debug().Int("clients", remaining).Msg("live client disconnected")

		case <-ticker.C:
			h.broadcast(ctx)

		case <-ctx.Done():
			h.clientsMu.Lock()
			for client := range h.clients {
				close(client.send)
				client.conn.Close()
				delete(h.clients, client)
			}
			h.clientsMu.Unlock()
			return
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *LiveHub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *LiveHub) snapshotJSON(ctx context.Context) ([]byte, error) {
	snapshot, err := h.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snapshot)
}

func (h *LiveHub) broadcast(ctx context.Context) {
	h.clientsMu.RLock()
	n := len(h.clients)
	h.clientsMu.RUnlock()
	if n == 0 {
		return
	}

	data, err := h.snapshotJSON(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("live snapshot failed")
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Slow client, drop this frame.
		}
	}
}

// HandleWebSocket upgrades the connection and starts the client pumps.
func (h *LiveHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &liveClient{
		conn: conn,
		send: make(chan []byte, 16),
	}
	h.register <- client

	go h.writePump(client)
	go h.readPump(client)
}

// writePump sends queued snapshots and keepalive pings to one client.
func (h *LiveHub) writePump(client *liveClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so control frames are processed, and
// unregisters the client when the connection drops.
func (h *LiveHub) readPump(client *liveClient) {
	defer func() {
		h.unregister <- client
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("live client read error")
			}
			return
		}
	}
}
