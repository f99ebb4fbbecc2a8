// Package live pushes installation and order events to connected WebSocket
// clients so open calendar views can refresh without polling.
package live

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/storefront/installsched/internal/platform/events"
)

const (
	// TopicCalendar receives every installation.* event.
	TopicCalendar = "calendar"
	// TopicOrders receives every order.* event.
	TopicOrders = "orders"

	sendBuffer = 64
)

// OrderTopic is the per-order topic; it receives every event for that order.
func OrderTopic(id uuid.UUID) string { return "order:" + id.String() }

// TopicsFor lists the topics an event is delivered to.
func TopicsFor(evt events.Event) []string {
	topics := make([]string, 0, 2)
	switch {
	case strings.HasPrefix(string(evt.Type), "installation."):
		topics = append(topics, TopicCalendar)
	case strings.HasPrefix(string(evt.Type), "order."):
		topics = append(topics, TopicOrders)
	}
	if evt.OrderID != uuid.Nil {
		topics = append(topics, OrderTopic(evt.OrderID))
	}
	return topics
}

// ClientMessage is what a client sends to change its subscriptions.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
}

// NewClient drops empty and repeated topics.
func NewClient(topics ...string) *Client {
	var unique []string
	for _, t := range topics {
		if t != "" && !contains(unique, t) {
			unique = append(unique, t)
		}
	}
	return &Client{
		ID:     uuid.New().String(),
		Topics: unique,
		Send:   make(chan []byte, sendBuffer),
	}
}

// Hub tracks connected clients by topic. It implements events.Publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[c] = struct{}{}
	h.addTopics(c, c.Topics)
}

// Unregister drops the client and closes its Send channel. Calling it twice
// is a no-op.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[c]; !ok {
		return
	}
	h.removeTopics(c, c.Topics)
	delete(h.all, c)
	close(c.Send)
}

func (h *Hub) Subscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var added []string
	for _, t := range topics {
		if t == "" || contains(c.Topics, t) || contains(added, t) {
			continue
		}
		added = append(added, t)
	}
	h.addTopics(c, added)
	c.Topics = append(c.Topics, added...)
}

func (h *Hub) Unsubscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeTopics(c, topics)
	remaining := c.Topics[:0]
	for _, t := range c.Topics {
		if !contains(topics, t) {
			remaining = append(remaining, t)
		}
	}
	c.Topics = remaining
}

func (h *Hub) Handle(c *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(c, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(c, msg.Topics)
	}
}

// Publish delivers evt to every client subscribed to one of its topics. A
// client whose buffer is full misses the event.
func (h *Hub) Publish(_ context.Context, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, topic := range TopicsFor(evt) {
		for c := range h.clients[topic] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			select {
			case c.Send <- data:
			default:
				h.logger.Warn().Str("client_id", c.ID).Str("event", string(evt.Type)).Msg("live client too slow, event dropped")
			}
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.all {
		close(c.Send)
	}
	h.all = make(map[*Client]struct{})
	h.clients = make(map[string]map[*Client]struct{})
}

// caller holds h.mu
func (h *Hub) addTopics(c *Client, topics []string) {
	for _, t := range topics {
		if h.clients[t] == nil {
			h.clients[t] = make(map[*Client]struct{})
		}
		h.clients[t][c] = struct{}{}
	}
}

// caller holds h.mu
func (h *Hub) removeTopics(c *Client, topics []string) {
	for _, t := range topics {
		if subs, ok := h.clients[t]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.clients, t)
			}
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// -- HTTP --

type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewHandler accepts upgrades from the given origins; "*" allows any origin.
// Requests without an Origin header (non-browser clients) are always allowed.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || contains(allowedOrigins, "*") || contains(allowedOrigins, origin)
			},
		},
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.Connect)
}

// Connect upgrades the request and subscribes the client to the comma
// separated topics query parameter, defaulting to the calendar topic.
func (h *Handler) Connect(c echo.Context) error {
	if !websocket.IsWebSocketUpgrade(c.Request()) {
		return echo.NewHTTPError(http.StatusBadRequest, "websocket upgrade required")
	}

	topics := []string{TopicCalendar}
	if q := strings.TrimSpace(c.QueryParam("topics")); q != "" {
		topics = topics[:0]
		for _, t := range strings.Split(q, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response.
		return nil
	}

	client := NewClient(topics...)
	h.hub.Register(client)
	h.hub.logger.Debug().Str("client_id", client.ID).Strs("topics", client.Topics).Msg("live client connected")

	go writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *websocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		h.hub.Handle(client, msg)
	}
}

func writePump(client *Client, ws *websocket.Conn) {
	defer ws.Close()
	for msg := range client.Send {
		if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
