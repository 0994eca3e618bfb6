package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/admitgate/internal/persistence"
	"github.com/sawpanic/admitgate/internal/symbol"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	streamBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// DecisionHub fans audit records out to WebSocket subscribers. It is an
// admission.AuditSink, so every decided intent is pushed as it is recorded.
// Subscribers that fall behind lose messages rather than slow admission.
type DecisionHub struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	dropped atomic.Int64
}

type streamClient struct {
	send   chan []byte
	symbol string // base asset filter, empty for all
}

// NewDecisionHub creates an empty hub
func NewDecisionHub() *DecisionHub {
	return &DecisionHub{clients: make(map[*streamClient]struct{})}
}

// Record broadcasts rec to every matching subscriber without blocking.
func (h *DecisionHub) Record(_ context.Context, rec persistence.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.symbol != "" && c.symbol != rec.Symbol {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Clients returns the number of connected subscribers
func (h *DecisionHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were discarded for slow subscribers
func (h *DecisionHub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *DecisionHub) register(c *streamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *DecisionHub) unregister(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ServeWS handles GET /v1/decisions/stream?symbol=BTC
func (h *DecisionHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	c := &streamClient{
		send:   make(chan []byte, streamBuffer),
		symbol: symbol.Base(r.URL.Query().Get("symbol")),
	}
	h.register(c)
	log.Debug().Str("remote", r.RemoteAddr).Str("symbol", c.symbol).Msg("Decision stream subscriber connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		readPump(conn)
	}()
	writePump(conn, c.send, done)

	h.unregister(c)
	_ = conn.Close()
	log.Debug().Str("remote", r.RemoteAddr).Msg("Decision stream subscriber disconnected")
}

// readPump discards client frames and returns when the peer goes away.
func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
