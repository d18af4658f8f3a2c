package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/corebit/corebit/internal/models"
	"github.com/corebit/corebit/internal/telemetry"
)

const (
	// writeWait bounds a single frame write
	writeWait = 10 * time.Second
	// pongWait is how long a silent peer is tolerated
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait
	pingPeriod = 54 * time.Second
	// sendQueueDepth is the per-client frame backlog
	sendQueueDepth = 256
	// maxQueuedBytes is the per-client byte backlog; older frames are shed
	// beyond it and the client is told it lagged
	maxQueuedBytes = 64 * 1024
)

// Message is the generic server-to-client frame
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// mapChangeFrame is flat rather than nested so clients can switch on it
// without unwrapping
type mapChangeFrame struct {
	Type       string    `json:"type"`
	MapID      string    `json:"mapId"`
	ChangeType string    `json:"changeType"`
	Action     string    `json:"action"`
	Timestamp  time.Time `json:"timestamp"`
	UserID     string    `json:"userId,omitempty"`
}

// clientFrame is what clients send us
type clientFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId,omitempty"`
	MapID  string `json:"mapId,omitempty"`
}

// Client is one connected WebSocket peer
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	mu     sync.RWMutex
	userID string
	subs   map[string]struct{}

	// sendMu serialises enqueue against closeSend so a broadcast caught
	// mid-fan-out cannot write to a closed channel
	sendMu     sync.Mutex
	sendClosed bool

	queuedBytes atomic.Int64
	dropped     atomic.Int64
}

func (c *Client) identify(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

func (c *Client) user() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) subscribe(mapID string) {
	c.mu.Lock()
	c.subs[mapID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) unsubscribe(mapID string) {
	c.mu.Lock()
	delete(c.subs, mapID)
	c.mu.Unlock()
}

func (c *Client) subscribed(mapID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[mapID]
	return ok
}

// enqueue hands a frame to the client's writer. When the backlog would
// exceed maxQueuedBytes the oldest queued frames are shed and the drop is
// reported to the client once the writer catches up.
func (c *Client) enqueue(frame []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
shed:
	for c.queuedBytes.Load()+int64(len(frame)) > maxQueuedBytes {
		select {
		case old := <-c.send:
			c.queuedBytes.Add(-int64(len(old)))
			c.dropped.Add(1)
		default:
			break shed
		}
	}
	select {
	case c.send <- frame:
		c.queuedBytes.Add(int64(len(frame)))
	default:
		c.dropped.Add(1)
	}
}

// closeSend shuts the writer's queue exactly once
func (c *Client) closeSend() {
	c.sendMu.Lock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
	c.sendMu.Unlock()
}

// Hub fans realtime frames out to connected clients. Map-scoped frames only
// reach clients subscribed to that map; map mutations additionally skip the
// sockets of whoever made the change.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	allowedOrigins []string
	upgrader       websocket.Upgrader
	now            func() time.Time
}

// NewHub builds a hub. allowedOrigins is the comma-separated origin
// whitelist; empty allows same-host only and "*" allows everything.
func NewHub(allowedOrigins string) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		now:        time.Now,
	}
	for _, o := range strings.Split(allowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			h.allowedOrigins = append(h.allowedOrigins, o)
		}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  maxQueuedBytes,
		WriteBufferSize: maxQueuedBytes,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// Run owns the client set until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			telemetry.Get().SetWSClients(n)
			log.Info().Str("client", client.id).Int("clients", n).Msg("WebSocket client connected")

			if frame, err := marshalFrame(Message{
				Type: "welcome",
				Data: map[string]any{"serverTime": h.now().UTC()},
			}); err == nil {
				client.enqueue(frame)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
			n := len(h.clients)
			h.mu.Unlock()
			telemetry.Get().SetWSClients(n)
			log.Info().Str("client", client.id).Int("clients", n).Msg("WebSocket client disconnected")

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.closeSend()
				client.conn.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			telemetry.Get().SetWSClients(0)
			return
		}
	}
}

// HandleWebSocket upgrades an HTTP request and starts the client's pumps
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("WebSocket upgrade rejected")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendQueueDepth),
		id:   uuid.New().String()[:8],
		subs: make(map[string]struct{}),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishDeviceStatus tells every client about a status transition
func (h *Hub) PublishDeviceStatus(device *models.Device, event models.DeviceStatusEvent) {
	frame, err := marshalFrame(Message{
		Type: "device:status",
		Data: map[string]any{
			"deviceId":       device.ID,
			"name":           device.Name,
			"previousStatus": event.PreviousStatus,
			"status":         event.NewStatus,
			"message":        event.Message,
			"at":             event.CreatedAt,
		},
	})
	if err != nil {
		return
	}
	h.fanOut(frame, func(*Client) bool { return true })
}

// PublishConnectionStats sends fresh link rates to subscribers of the
// connection's map
func (h *Hub) PublishConnectionStats(conn *models.Connection, stats *models.LinkStats) {
	frame, err := marshalFrame(Message{
		Type: "link:stats",
		Data: map[string]any{
			"connectionId":  conn.ID,
			"mapId":         conn.MapID,
			"inBitsPerSec":  stats.InBitsPerSec,
			"outBitsPerSec": stats.OutBitsPerSec,
			"utilisation":   stats.Utilisation,
			"sampledAt":     stats.SampledAt,
		},
	})
	if err != nil {
		return
	}
	h.fanOut(frame, func(c *Client) bool { return c.subscribed(conn.MapID) })
}

// PublishMapChange tells subscribers of a map that it mutated. The
// originating user's own sockets are skipped so the editor does not replay
// its own change.
func (h *Hub) PublishMapChange(mapID, changeType, action, userID string) {
	frame, err := marshalFrame(mapChangeFrame{
		Type:       "map:change",
		MapID:      mapID,
		ChangeType: changeType,
		Action:     action,
		Timestamp:  h.now().UTC(),
		UserID:     userID,
	})
	if err != nil {
		return
	}
	h.fanOut(frame, func(c *Client) bool {
		if !c.subscribed(mapID) {
			return false
		}
		return userID == "" || c.user() != userID
	})
}

func (h *Hub) fanOut(frame []byte, match func(*Client) bool) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if match(client) {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		client.enqueue(frame)
	}
}

func marshalFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal WebSocket frame")
		return nil, err
	}
	return data, nil
}

// readPump consumes client frames until the connection drops
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxQueuedBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Ignoring malformed WebSocket frame")
			continue
		}

		switch frame.Type {
		case "identify":
			c.identify(frame.UserID)
			log.Debug().Str("client", c.id).Str("user", frame.UserID).Msg("WebSocket client identified")
		case "subscribe":
			if frame.MapID != "" {
				c.subscribe(frame.MapID)
				log.Debug().Str("client", c.id).Str("map", frame.MapID).Msg("WebSocket map subscription added")
			}
		case "unsubscribe":
			if frame.MapID != "" {
				c.unsubscribe(frame.MapID)
			}
		case "ping":
			if pong, err := marshalFrame(Message{Type: "pong", Data: map[string]int64{"timestamp": time.Now().Unix()}}); err == nil {
				c.enqueue(pong)
			}
		default:
			log.Debug().Str("client", c.id).Str("type", frame.Type).Msg("Unknown WebSocket frame type")
		}
	}
}

// writePump drains the send queue and keeps the connection alive
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.queuedBytes.Add(-int64(len(frame)))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

			// flush whatever else is queued
			n := len(c.send)
			for i := 0; i < n; i++ {
				select {
				case frame, ok := <-c.send:
					if !ok {
						return
					}
					c.queuedBytes.Add(-int64(len(frame)))
					if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
						return
					}
				default:
				}
			}

			if dropped := c.dropped.Swap(0); dropped > 0 {
				lag, err := marshalFrame(Message{Type: "lag", Data: map[string]int64{"dropped": dropped}})
				if err == nil {
					if err := c.conn.WriteMessage(websocket.TextMessage, lag); err != nil {
						return
					}
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
