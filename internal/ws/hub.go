package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/metrics"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/store"
	"go.uber.org/zap"
)

// Hub fans cache pubsub events out to websocket clients so the UI learns
// about job and position changes without tightening its poll interval.
type Hub struct {
	clients        map[*Client]bool
	register       chan *Client
	unregister     chan *Client
	cache          *store.Cache
	allowedOrigins []string
	logger         *zap.SugaredLogger
	metrics        *metrics.Metrics
	mu             sync.RWMutex
}

type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	topics     map[string]bool
	wallet     string
	lastActive time.Time
}

type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type SubscriptionRequest struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
	Wallet string   `json:"wallet,omitempty"`
}

func NewHub(cache *store.Cache, allowedOrigins []string, logger *zap.SugaredLogger, m *metrics.Metrics) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		cache:          cache,
		allowedOrigins: allowedOrigins,
		logger:         logger,
		metrics:        m,
	}
}

func (h *Hub) Run(ctx context.Context) {
	go h.consumeEvents(ctx)
	go h.cleanupLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			h.logger.Infow("WebSocket hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.metrics.IncrementConnections(ctx)
			h.logger.Debugw("Client registered", "wallet", client.wallet)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.metrics.DecrementConnections(ctx)
			h.logger.Debugw("Client unregistered", "wallet", client.wallet)
		}
	}
}

// consumeEvents relays cache pubsub events to subscribed clients. The cache
// hides whether Redis or the in-memory hub is underneath.
func (h *Hub) consumeEvents(ctx context.Context) {
	sub := h.cache.Subscribe(ctx, store.ChannelActivity)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			h.relay(msg)
		}
	}
}

func (h *Hub) relay(msg store.Message) {
	out := Message{
		Type:      "update",
		Topic:     msg.Channel,
		Data:      json.RawMessage(msg.Payload),
		Timestamp: time.Now().Unix(),
	}

	data, err := json.Marshal(out)
	if err != nil {
		h.logger.Errorw("Failed to marshal hub message", "error", err)
		return
	}
	h.broadcastToTopic(data, msg.Channel, walletFromPayload(msg.Payload))
}

// walletFromPayload pulls the wallet field out of an event payload so
// user-scoped topics receive only their own events.
func walletFromPayload(payload string) string {
	var envelope struct {
		Wallet string `json:"wallet"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return ""
	}
	return envelope.Wallet
}

func (h *Hub) broadcastToTopic(message []byte, topic, wallet string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.isSubscribed(topic, wallet) {
			continue
		}
		select {
		case client.send <- message:
		default:
			// Slow client; drop it rather than blocking the hub.
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (h *Hub) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.cleanupInactiveClients()
		}
	}
}

func (h *Hub) cleanupInactiveClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-60 * time.Second)
	for client := range h.clients {
		if client.lastActive.Before(cutoff) {
			delete(h.clients, client)
			close(client.send)
			h.logger.Debugw("Cleaned up inactive client", "wallet", client.wallet)
		}
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, 256),
		topics:     make(map[string]bool),
		lastActive: time.Now(),
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Errorw("WebSocket error", "error", err)
			}
			break
		}

		c.lastActive = time.Now()
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(message []byte) {
	var sub SubscriptionRequest
	if err := json.Unmarshal(message, &sub); err != nil {
		c.hub.logger.Warnw("Invalid subscription message", "error", err)
		return
	}

	switch sub.Type {
	case "subscribe":
		for _, topic := range sub.Topics {
			c.topics[topic] = true
		}
		if sub.Wallet != "" {
			c.wallet = sub.Wallet
			c.topics[fmt.Sprintf("shield:user:%s", sub.Wallet)] = true
		}
		c.hub.logger.Debugw("Client subscribed", "topics", sub.Topics, "wallet", sub.Wallet)

	case "unsubscribe":
		for _, topic := range sub.Topics {
			delete(c.topics, topic)
		}
		c.hub.logger.Debugw("Client unsubscribed", "topics", sub.Topics)
	}
}

// isSubscribed checks the client's topic set. A wallet-scoped client only
// receives activity events for its own wallet.
func (c *Client) isSubscribed(topic, wallet string) bool {
	if c.wallet != "" && wallet != "" && c.wallet != wallet {
		return false
	}
	if c.topics[topic] {
		return true
	}
	if c.topics["shield:events:*"] && strings.HasPrefix(topic, "shield:events:") {
		return true
	}
	return false
}
