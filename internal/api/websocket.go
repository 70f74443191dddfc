package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/meshlamp-bridge/internal/bridge"
	"github.com/nerrad567/meshlamp-bridge/internal/infrastructure/config"
	"github.com/nerrad567/meshlamp-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/meshlamp-bridge/internal/lamp"
)

// Message types on the live lamp feed.
const (
	WSTypeWatch    = "watch"
	WSTypePing     = "ping"
	WSTypePong     = "pong"
	WSTypeEvent    = "event"
	WSTypeResponse = "response"
	WSTypeError    = "error"

	// wsSendBufferSize holds a full replay for a maximal registry with room
	// to spare.
	wsSendBufferSize = 128

	defaultWSMaxMessageSize = 4096
	defaultWSPingInterval   = 30
	defaultWSPongTimeout    = 10
)

// WSMessage is a message sent to a feed client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsRequest is a message received from a feed client.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSWatchPayload narrows a client's lamp.state events to the named lamps.
// An empty list restores the full feed.
type WSWatchPayload struct {
	Lamps []string `json:"lamps"`
}

// Hub fans bridge events out to WebSocket clients and remembers the
// latest lamp list and per-lamp state, so a client that connects late
// starts from the current picture. It satisfies bridge.Broadcaster.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	// mu guards everything below. Sends to clients happen under it, so a
	// client's channel is never written after Unregister closes it.
	mu      sync.RWMutex
	clients map[*WSClient]struct{}
	lamps   []lamp.Record
	states  map[string]bridge.StateEvent
}

// WSClient is one connected feed consumer.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu    sync.RWMutex
	watch map[string]struct{} // nil means every lamp
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The UI is served from the same origin; anything else on the LAN
	// may also watch lamp state.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// NewHub creates a hub. Zero timing fields take defaults.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultWSMaxMessageSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultWSPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultWSPongTimeout
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
		states:  make(map[string]bridge.StateEvent),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// Register adds a client and queues the current lamp list followed by the
// last known state of each lamp.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.lamps != nil {
		c.offer(h.eventFrame(bridge.EventRegistryChanged, h.lamps))
	}
	h.replayLocked(c)
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client. Repeated calls are harmless.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.logger.Debug("websocket client disconnected", "clients", n)
	}
}

// Broadcast records a bridge event and forwards it to clients.
// lamp.state events carry a bridge.StateEvent and go only to clients
// watching that lamp; registry.changed events carry the full []lamp.Record
// and go to everyone.
func (h *Hub) Broadcast(eventType string, payload any) {
	switch eventType {
	case bridge.EventLampState:
		ev, ok := payload.(bridge.StateEvent)
		if !ok {
			h.logger.Warn("dropping lamp.state event with unexpected payload", "type", fmt.Sprintf("%T", payload))
			return
		}
		h.publishState(ev)

	case bridge.EventRegistryChanged:
		records, ok := payload.([]lamp.Record)
		if !ok {
			h.logger.Warn("dropping registry.changed event with unexpected payload", "type", fmt.Sprintf("%T", payload))
			return
		}
		h.publishRegistry(records)

	default:
		h.logger.Debug("ignoring unknown event type", "event_type", eventType)
	}
}

func (h *Hub) publishState(ev bridge.StateEvent) {
	frame := h.eventFrame(bridge.EventLampState, ev)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.states[ev.Name] = ev
	for c := range h.clients {
		if c.watching(ev.Name) {
			c.offer(frame)
		}
	}
}

func (h *Hub) publishRegistry(records []lamp.Record) {
	lamps := append(make([]lamp.Record, 0, len(records)), records...)
	frame := h.eventFrame(bridge.EventRegistryChanged, lamps)

	present := make(map[string]struct{}, len(lamps))
	for _, rec := range lamps {
		present[rec.Name] = struct{}{}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lamps = lamps
	for name := range h.states {
		if _, ok := present[name]; !ok {
			delete(h.states, name)
		}
	}
	for c := range h.clients {
		c.offer(frame)
	}
}

// replayLocked queues the cached state of every lamp c watches, in
// registry order. Caller must hold h.mu.
func (h *Hub) replayLocked(c *WSClient) {
	for _, rec := range h.lamps {
		ev, ok := h.states[rec.Name]
		if ok && c.watching(rec.Name) {
			c.offer(h.eventFrame(bridge.EventLampState, ev))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// LastState returns the most recent state seen for a lamp.
func (h *Hub) LastState(name string) (bridge.StateEvent, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ev, ok := h.states[name]
	return ev, ok
}

// reply queues a direct response to c, unless c has already been removed.
func (h *Hub) reply(c *WSClient, msg WSMessage) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encoding websocket response failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; ok {
		c.offer(data)
	}
}

// setWatch replaces c's lamp filter and queues the cached state of the
// newly watched lamps.
func (h *Hub) setWatch(c *WSClient, names []string) {
	c.mu.Lock()
	if len(names) == 0 {
		c.watch = nil
	} else {
		c.watch = make(map[string]struct{}, len(names))
		for _, n := range names {
			c.watch[n] = struct{}{}
		}
	}
	c.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; ok {
		h.replayLocked(c)
	}
}

// handleWebSocket upgrades the request and starts the client's pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &WSClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
	}
	s.hub.Register(c)

	go c.writeLoop()
	go c.readLoop()
}

// offer queues data without blocking; a client too slow to drain its
// buffer misses the frame. Caller must hold c.hub.mu and c must be
// registered.
func (c *WSClient) offer(data []byte) {
	if data == nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) watching(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.watch == nil {
		return true
	}
	_, ok := c.watch[name]
	return ok
}

func (c *WSClient) keepalive() (ping, deadline time.Duration) {
	ping = time.Duration(c.hub.cfg.PingInterval) * time.Second
	return ping, ping + time.Duration(c.hub.cfg.PongTimeout)*time.Second
}

func (c *WSClient) readLoop() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	_, deadline := c.keepalive()
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(deadline)) }

	c.conn.SetReadLimit(int64(c.hub.cfg.MaxMessageSize))
	extend() //nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Browsers do not always answer protocol pings; any frame counts.
		extend() //nolint:errcheck // as above
		c.handle(data)
	}
}

func (c *WSClient) writeLoop() {
	ping, _ := c.keepalive()
	writeWait := time.Duration(c.hub.cfg.PongTimeout) * time.Second
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		var (
			kind int
			data []byte
		)
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // connection is going away
				return
			}
			kind, data = websocket.TextMessage, msg
		case <-ticker.C:
			kind = websocket.PingMessage
		}

		c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // write error caught below
		if err := c.conn.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

func (c *WSClient) handle(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.hub.reply(c, errorMessage("", "invalid JSON message"))
		return
	}

	switch req.Type {
	case WSTypePing:
		c.hub.reply(c, WSMessage{Type: WSTypePong, ID: req.ID})

	case WSTypeWatch:
		var w WSWatchPayload
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &w); err != nil {
				c.hub.reply(c, errorMessage(req.ID, "invalid watch payload"))
				return
			}
		}
		// Acknowledge first so the replayed states follow the response.
		c.hub.reply(c, WSMessage{
			Type:    WSTypeResponse,
			ID:      req.ID,
			Payload: map[string][]string{"watching": w.Lamps},
		})
		c.hub.setWatch(c, w.Lamps)

	default:
		c.hub.reply(c, errorMessage(req.ID, "unknown message type: "+req.Type))
	}
}

func (h *Hub) eventFrame(eventType string, payload any) []byte {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event failed", "event_type", eventType, "error", err)
		return nil
	}
	return data
}

func errorMessage(id, text string) WSMessage {
	return WSMessage{Type: WSTypeError, ID: id, Payload: map[string]string{"message": text}}
}

