// Package ws bridges the signal bus to websocket clients and hosts the
// overlay connections that drive the redemption queue rendezvous.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// defaultChannels are the bus channels fanned out to viewer clients.
var defaultChannels = []string{
	"ch:trades",
	"ch:market",
	"ch:packs",
	"ch:queue",
	"ch:user:*",
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS layer in front.
		return true
	},
}

// QueueControl is the slice of the redemption queue the hub drives from
// overlay connection events.
type QueueControl interface {
	HandleOverlayConnect(ctx context.Context, channel string)
	HandleOverlayDisconnect(ctx context.Context, channel string)
	MarkOverlayReady(ctx context.Context, channel string)
}

// client is one viewer websocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

// overlay is one stream overlay connection, keyed by its channel. At most
// one overlay per channel; a reconnect replaces the previous one.
type overlay struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	channel string
}

type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

type overlayMsg struct {
	Type string `json:"type"`
}

type broadcastMsg struct {
	channel string
	data    []byte
}

// Hub manages viewer clients and overlay connections. Viewer clients get
// bus-channel fan-out; overlays get reveal payloads and feed readiness
// signals back into the queue.
type Hub struct {
	clients    map[*client]bool
	overlays   map[string]*overlay
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	queueCtl   QueueControl
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a Hub bridging the given signal bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		overlays:   make(map[string]*overlay),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		logger:     logger,
	}
}

// SetQueueControl attaches the redemption queue. Called once during wiring;
// the hub and queue reference each other, so one side binds late.
func (h *Hub) SetQueueControl(q QueueControl) {
	h.queueCtl = q
}

// Run starts the hub loop and the bus subscriptions. It exits when the
// context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		for _, ch := range defaultChannels {
			go h.subscribeToChannel(ctx, ch)
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			for channel, o := range h.overlays {
				close(o.send)
				delete(h.overlays, channel)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", total))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", total))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(msg.channel) {
					select {
					case c.send <- msg.data:
					default:
						h.logger.Warn("ws: dropping message for slow client")
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) subscribeToChannel(ctx context.Context, channel string) {
	msgCh, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: subscription closed", slog.String("channel", channel))
				return
			}
			h.broadcast <- broadcastMsg{channel: channel, data: data}
		}
	}
}

// HandleWS upgrades a viewer connection.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
	for _, ch := range defaultChannels {
		c.subs[ch] = true
	}

	h.register <- c
	go c.writePump()
	go c.readPump()
}

// HandleOverlayWS upgrades a stream overlay connection for one channel.
// Connecting registers the channel with the queue; disconnecting triggers
// the queue's fail-safe.
// GET /ws/overlay?channel=<id>
func (h *Hub) HandleOverlayWS(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, `{"error":"channel is required"}`, http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: overlay upgrade failed", slog.String("error", err.Error()))
		return
	}

	o := &overlay{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		channel: channel,
	}

	h.mu.Lock()
	if prev, ok := h.overlays[channel]; ok {
		close(prev.send)
	}
	h.overlays[channel] = o
	h.mu.Unlock()

	h.logger.Info("ws: overlay connected", slog.String("channel", channel))
	if h.queueCtl != nil {
		h.queueCtl.HandleOverlayConnect(r.Context(), channel)
	}

	go o.writePump()
	go o.readPump()
}

// EmitReveal pushes a minted-cards payload to the channel's overlay and
// appends it to the channel's durable reveal stream.
func (h *Hub) EmitReveal(channel string, job domain.RedemptionJob, cards []domain.CardInstance) {
	payload, err := json.Marshal(map[string]any{
		"type":        "reveal",
		"job_id":      job.ID,
		"redeemer_id": job.RedeemerID,
		"cards":       cards,
	})
	if err != nil {
		return
	}

	h.sendToOverlay(channel, payload)

	if h.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.bus.StreamAppend(ctx, "stream:reveals:"+channel, payload); err != nil {
		h.logger.Warn("ws: reveal stream append failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()))
	}
}

// BroadcastQueue pushes the channel's queue contents to its overlay.
func (h *Hub) BroadcastQueue(channel string, jobs []domain.RedemptionJob) {
	payload, err := json.Marshal(map[string]any{
		"type":  "queue",
		"depth": len(jobs),
		"jobs":  jobs,
	})
	if err != nil {
		return
	}
	h.sendToOverlay(channel, payload)
}

func (h *Hub) sendToOverlay(channel string, payload []byte) {
	h.mu.RLock()
	o, ok := h.overlays[channel]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case o.send <- payload:
	default:
		h.logger.Warn("ws: dropping message for slow overlay", slog.String("channel", channel))
	}
}

func (h *Hub) removeOverlay(o *overlay) {
	h.mu.Lock()
	removed := false
	if cur, ok := h.overlays[o.channel]; ok && cur == o {
		delete(h.overlays, o.channel)
		close(o.send)
		removed = true
	}
	h.mu.Unlock()

	if removed {
		h.logger.Info("ws: overlay disconnected", slog.String("channel", o.channel))
		if h.queueCtl != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			h.queueCtl.HandleOverlayDisconnect(ctx, o.channel)
		}
	}
}

func (o *overlay) readPump() {
	defer func() {
		o.hub.removeOverlay(o)
		o.conn.Close()
	}()

	o.conn.SetReadLimit(maxMessageSize)
	o.conn.SetReadDeadline(time.Now().Add(pongWait))
	o.conn.SetPongHandler(func(string) error {
		o.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := o.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				o.hub.logger.Warn("ws: overlay unexpected close",
					slog.String("channel", o.channel),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg overlayMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		// The rendezvous: the overlay reports it finished animating the
		// previous reveal, releasing the queue's busy slot.
		if msg.Type == "overlay_ready" && o.hub.queueCtl != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			o.hub.queueCtl.MarkOverlayReady(ctx, o.channel)
			cancel()
		}
	}
}

func (o *overlay) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		o.conn.Close()
	}()

	for {
		select {
		case message, ok := <-o.send:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				o.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := o.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
}

func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subs[channel] {
		return true
	}
	// Wildcard match: "ch:user:*" covers "ch:user:123".
	for sub := range c.subs {
		if len(sub) > 0 && sub[len(sub)-1] == '*' {
			prefix := sub[:len(sub)-1]
			if len(channel) >= len(prefix) && channel[:len(prefix)] == prefix {
				return true
			}
		}
	}
	return false
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
