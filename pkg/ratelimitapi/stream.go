package ratelimitapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/largetownsky/ratesched/pkg/ratelimit"
)

// streamClient wraps one accepted websocket connection, mirroring
// WSConnection's buffered-send-channel shape so a slow reader can be
// dropped instead of blocking the broadcaster.
type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// streamHub fans stats snapshots out to every connected GET /v1/stream
// client, grounded on WSHub's register/unregister/broadcast channel shape.
type streamHub struct {
	mu      sync.RWMutex
	clients map[*streamClient]bool

	register   chan *streamClient
	unregister chan *streamClient
	broadcast  chan []byte
	done       chan struct{}
}

func newStreamHub() *streamHub {
	return &streamHub{
		clients:    make(map[*streamClient]bool),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		broadcast:  make(chan []byte, 16),
		done:       make(chan struct{}),
	}
}

func (h *streamHub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow reader: drop the update rather than block the
					// whole broadcast.
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *streamHub) close() {
	close(h.done)
}

func (h *streamHub) broadcastStats(stats *ratelimit.Stats) {
	payload, err := json.Marshal(toStatsResponse(stats))
	if err != nil {
		return
	}
	select {
	case h.broadcast <- payload:
	default:
	}
}

// handleStream upgrades the connection and streams a stats snapshot every
// time the coordinator retires a reservation (via Server.PushStatsSnapshot,
// the coordinator's WithOnRetire callback), plus
// one immediately on connect.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "websocket upgrade failed"})
		return
	}

	client := &streamClient{conn: conn, send: make(chan []byte, 8)}
	s.hub.register <- client

	if stats, err := s.coord.Stats(); err == nil {
		if payload, err := json.Marshal(toStatsResponse(stats)); err == nil {
			select {
			case client.send <- payload:
			default:
			}
		}
	}

	go s.writeStreamLoop(client)
	s.readStreamLoop(client)
}

func (s *Server) writeStreamLoop(client *streamClient) {
	for msg := range client.send {
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	client.conn.Close()
}

func (s *Server) readStreamLoop(client *streamClient) {
	defer func() {
		s.hub.unregister <- client
	}()
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
