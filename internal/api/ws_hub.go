package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voltx/vault-engine/internal/feed"
	"github.com/voltx/vault-engine/internal/metrics"
	"github.com/voltx/vault-engine/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 16
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string           `json:"type"`
	Wallet    string           `json:"wallet"`
	Positions []model.Position `json:"positions"`
}

// WSHub streams a wallet's positions to its WebSocket clients: a snapshot on
// connect, then the full list after every change.
type WSHub struct {
	broker *feed.Broker
	lister feed.Lister
	log    *zap.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn   *websocket.Conn
	wallet string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

func NewWSHub(broker *feed.Broker, lister feed.Lister, log *zap.Logger) *WSHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSHub{
		broker:  broker,
		lister:  lister,
		log:     log.Named("ws"),
		clients: make(map[*wsClient]struct{}),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws?wallet=
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		writeError(w, "wallet is required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{conn: conn, wallet: wallet, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	h.register(c)
	unsubscribe := h.broker.Subscribe(wallet, func(p []model.Position) { h.push(c, p) })

	ctx, cancel := context.WithTimeout(r.Context(), writeWait)
	snapshot, err := h.lister.ListPositionsByUser(ctx, wallet)
	cancel()
	if err != nil {
		h.log.Warn("ws snapshot failed", zap.String("wallet", wallet), zap.Error(err))
	} else {
		h.push(c, snapshot)
	}

	go h.writePump(c)
	go func() {
		defer func() {
			unsubscribe()
			h.unregister(c)
		}()
		h.readPump(c)
	}()
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *WSHub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Inc()
	h.log.Debug("ws client connected", zap.String("wallet", c.wallet), zap.Int("total", n))
}

func (h *WSHub) unregister(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		metrics.WebSocketClients.Dec()
		c.close()
	}
}

// push queues a position update. A client that cannot keep up is dropped
// rather than blocking the store's notifier.
func (h *WSHub) push(c *wsClient, positions []model.Position) {
	if positions == nil {
		positions = []model.Position{}
	}
	data, err := json.Marshal(WSMessage{Type: "positions", Wallet: c.wallet, Positions: positions})
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		h.log.Warn("ws client too slow, disconnecting", zap.String("wallet", c.wallet))
		c.close()
	}
}

func (h *WSHub) readPump(c *wsClient) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
