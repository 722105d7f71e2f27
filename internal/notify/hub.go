// Package notify pushes engine events to user interfaces over WebSocket and
// serves the local HTTP API.
package notify

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/logging"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/events"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/uuid"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// FeedFunc opens a per-collection subscription for a client that asked for
// one. It delivers current records first, then every change.
type FeedFunc func(ctx context.Context, collection string) (*events.Subscription, error)

// Envelope wraps every message sent to a client.
type Envelope struct {
	Type      string        `json:"type"`
	Event     *events.Event `json:"event,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// clientMessage is what clients send.
type clientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

// Client is one WebSocket connection.
type Client struct {
	id         string
	conn       *websocket.Conn
	hub        *Hub
	collection string
	cancel     context.CancelFunc

	mu            sync.Mutex
	send          chan []byte
	closed        bool
	subscriptions map[string]bool
}

// enqueue hands a message to the write pump. A client that cannot keep up
// is disconnected.
func (c *Client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.closeLocked()
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

func (c *Client) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
		c.cancel()
	}
}

// wants reports whether a broadcast event goes to this client. Clients bound
// to a collection get record events from their feed only.
func (c *Client) wants(e events.Event) bool {
	if c.collection != "" && e.Record != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[string(e.Type)]
}

type broadcastMsg struct {
	evt  events.Event
	data []byte
}

// Hub maintains active client connections and broadcasts engine events.
type Hub struct {
	upgrader websocket.Upgrader
	feed     FeedFunc

	clients    map[string]*Client
	broadcast  chan broadcastMsg
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub. An empty allowedOrigins accepts localhost only.
// feed may be nil, in which case per-collection feeds are refused.
func NewHub(allowedOrigins []string, feed FeedFunc) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		feed:       feed,
		clients:    make(map[string]*Client),
		broadcast:  make(chan broadcastMsg, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowOrigin(allowed, origin)
	}
}

// allowOrigin reports whether a browser origin may use the API. An empty
// list allows localhost only.
func allowOrigin(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "http://127.0.0.1")
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// Run forwards bus events to clients until ctx ends, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context, bus *events.Bus) error {
	sub := bus.Subscribe(events.All)
	defer sub.Close()
	defer close(h.done)
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client connected", map[string]interface{}{
				"client_id":  client.id,
				"collection": client.collection,
				"clients":    n,
			})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				client.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected", map[string]interface{}{
				"client_id": client.id,
				"clients":   n,
			})

		case evt, ok := <-sub.C():
			if !ok {
				return nil
			}
			h.fanOut(evt)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) shutdown() {
	h.cancel()
	h.mu.Lock()
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
	h.mu.Unlock()
}

func (h *Hub) fanOut(evt events.Event) {
	data, err := encode(evt)
	if err != nil {
		logging.Warn("Failed to encode event", map[string]interface{}{
			"type":  string(evt.Type),
			"error": err.Error(),
		})
		return
	}
	h.deliver(broadcastMsg{evt: evt, data: data})
}

func (h *Hub) deliver(msg broadcastMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		if !c.wants(msg.evt) {
			continue
		}
		if !c.enqueue(msg.data) {
			delete(h.clients, id)
		}
	}
}

// Broadcast sends an event to every interested client.
func (h *Hub) Broadcast(evt events.Event) {
	data, err := encode(evt)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- broadcastMsg{evt: evt, data: data}:
	case <-h.done:
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func encode(evt events.Event) ([]byte, error) {
	e := evt
	return json.Marshal(Envelope{Type: string(evt.Type), Event: &e, Timestamp: time.Now().Unix()})
}

// ServeHTTP upgrades the connection. The optional collection query parameter
// binds the client to that collection's record feed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	collection := r.URL.Query().Get("collection")
	if collection != "" && h.feed == nil {
		http.Error(w, "collection feeds are not available", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithCancel(h.ctx)
	var sub *events.Subscription
	if collection != "" {
		var err error
		if sub, err = h.feed(ctx, collection); err != nil {
			cancel()
			writeError(w, err)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		if sub != nil {
			sub.Close()
		}
		logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	client := &Client{
		id:            uuid.NewSortable(),
		conn:          conn,
		hub:           h,
		collection:    collection,
		cancel:        cancel,
		send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[string]bool),
	}

	select {
	case h.register <- client:
	case <-h.done:
		cancel()
		conn.Close()
		return
	case <-r.Context().Done():
		cancel()
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
	if sub != nil {
		go client.feedPump(ctx, sub)
	}
}

// feedPump forwards the client's collection feed.
func (c *Client) feedPump(ctx context.Context, sub *events.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := encode(evt)
			if err != nil {
				continue
			}
			if !c.enqueue(data) {
				return
			}
		}
	}
}

// readPump handles client actions until the connection drops.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error", map[string]interface{}{
					"client_id": c.id,
					"error":     err.Error(),
				})
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply("subscribe_ack", msg.Events)
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
			c.reply("unsubscribe_ack", msg.Events)
		case "ping":
			c.reply("pong", nil)
		}
	}
}

func (c *Client) reply(action string, evts []string) {
	body := map[string]interface{}{
		"action":    action,
		"timestamp": time.Now().Unix(),
	}
	if evts != nil {
		body["events"] = evts
	}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// writePump writes queued messages and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
