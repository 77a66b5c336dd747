// Package stream fans ticker updates out to websocket subscribers.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/papertrade/internal/logging"
	"github.com/xtrntr/papertrade/internal/models"
)

const writeTimeout = 5 * time.Second

// Message is the envelope for everything sent to a subscriber
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SnapshotFunc returns the assets a new subscriber is sent on connect
type SnapshotFunc func(ctx context.Context) ([]models.Asset, error)

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks connected websocket clients and broadcasts to all of them
type Hub struct {
	upgrader websocket.Upgrader
	snapshot SnapshotFunc
	log      *logrus.Entry

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub creates a hub. snapshot may be nil.
func NewHub(snapshot SnapshotFunc, log *logrus.Entry) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		snapshot: snapshot,
		log:      log,
		clients:  make(map[*client]bool),
	}
}

// Clients returns the number of connected subscribers
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastTickers pushes the latest asset prices to every subscriber
func (h *Hub) BroadcastTickers(assets []models.Asset) {
	h.Broadcast(Message{Type: "tickers", Data: assets})
}

// Broadcast sends msg to every subscriber, dropping any that fail
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal broadcast")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(data); err != nil {
			h.log.WithError(err).Debug("dropping websocket client")
			h.remove(c)
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		c.conn.Close()
	}
	h.mu.Unlock()
}

// ServeWS upgrades the request and keeps the subscriber registered until
// it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("failed to upgrade connection")
		return
	}

	c := &client{conn: conn}
	h.add(c)

	if h.snapshot != nil {
		assets, err := h.snapshot(r.Context())
		if err != nil {
			h.log.WithError(err).Warn("failed to load ticker snapshot")
		} else if data, err := json.Marshal(Message{Type: "tickers", Data: assets}); err == nil {
			if err := c.write(data); err != nil {
				h.remove(c)
				return
			}
		}
	}

	// Subscribers only listen; reads detect disconnects
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}
