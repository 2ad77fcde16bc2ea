// Package ws bridges signal bus events to browser WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/matchbook/internal/domain"
	"github.com/alanyoungcy/matchbook/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// busChannels are the bus channels the hub relays.
var busChannels = []string{
	protocol.ChannelTrades,
	protocol.ChannelOrders,
	protocol.BookChannel("*"),
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Frame formats a client may ask for with ?format=.
const (
	FormatBinary = "binary"
	FormatJSON   = "json"
)

type frame struct {
	kind int
	data []byte
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan frame
	binary bool
	subs   map[string]bool
	mu     sync.RWMutex
}

// subscribeMsg changes a client's subscriptions:
// {"action":"subscribe","channels":["book:AAPL"]}.
type subscribeMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// event is one bus message ready for both frame formats.
type event struct {
	channel string
	json    []byte
	binary  []byte
}

// Hub relays bus events to connected clients. By default a client gets
// every channel; it can narrow that with subscribe messages. Binary
// clients receive each event as a serialized google.protobuf.Struct.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan event
	register   chan *client
	unregister chan *client
	bus        domain.SignalBus
	mode       string
	startedAt  time.Time
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

// Config describes the process in the status frame sent on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
}

// NewHub creates a hub reading from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		mode:       cfg.Mode,
		startedAt:  cfg.StartedAt,
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run subscribes to the bus and serves clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for _, ch := range busChannels {
		msgs, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			h.logger.Error("ws: subscribe failed",
				slog.String("channel", ch),
				slog.String("error", err.Error()),
			)
			continue
		}
		go h.relay(ctx, ch, msgs)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", h.ClientCount()))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", h.ClientCount()))

		case ev := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(ev.channel) {
					continue
				}
				f := frame{kind: websocket.TextMessage, data: ev.json}
				if c.binary {
					f = frame{kind: websocket.BinaryMessage, data: ev.binary}
				}
				select {
				case c.send <- f:
				default:
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// relay forwards one subscription to the broadcast loop. Book snapshots
// arrive on a pattern subscription, so their concrete channel is taken
// from the payload.
func (h *Hub) relay(ctx context.Context, pattern string, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				return
			}
			ev, err := encode(pattern, data)
			if err != nil {
				h.logger.Warn("ws: undecodable event",
					slog.String("channel", pattern),
					slog.String("error", err.Error()),
				)
				continue
			}
			select {
			case h.broadcast <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func encode(pattern string, data []byte) (event, error) {
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(data, st); err != nil {
		return event{}, err
	}
	bin, err := proto.Marshal(st)
	if err != nil {
		return event{}, err
	}
	channel := pattern
	if sym, ok := st.GetFields()["symbol"]; ok && pattern == protocol.BookChannel("*") {
		channel = protocol.BookChannel(sym.GetStringValue())
	}
	return event{channel: channel, json: data, binary: bin}, nil
}

// HandleWS upgrades the connection and registers the client.
// GET /ws?format=binary|json
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan frame, sendBufferSize),
		binary: r.URL.Query().Get("format") != FormatJSON,
		subs:   make(map[string]bool),
	}
	for _, ch := range busChannels {
		c.subs[ch] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.sendStatus()

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
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
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action != "" {
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
	case "reset":
		c.subs = make(map[string]bool)
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	}
}

// sendStatus queues the greeting frame, which is always JSON text.
func (c *client) sendStatus() {
	msg, err := json.Marshal(map[string]any{
		"type":           "status",
		"mode":           c.hub.mode,
		"uptime_seconds": int64(time.Since(c.hub.startedAt).Seconds()),
		"channels":       busChannels,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- frame{kind: websocket.TextMessage, data: msg}:
	default:
	}
}

// isSubscribed matches channel against the client's subscriptions, which
// may be glob patterns such as "book:*".
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if ok, _ := path.Match(sub, channel); ok {
			return true
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
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(f.kind, f.data); err != nil {
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
