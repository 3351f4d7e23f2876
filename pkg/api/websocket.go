package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/l2book/pkg/app/core/orderbook"
	"github.com/uhyunpark/l2book/pkg/events"
	"github.com/uhyunpark/l2book/pkg/util"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origins are policed by the CORS layer in front of the router
		return true
	},
}

// Hub maintains active WebSocket connections and pushes committed fills and
// book changes to subscribers. It is an events.Publisher.
type Hub struct {
	clients map[*Client]bool

	unregister chan *Client
	done       chan struct{} // closed when Run returns
	closed     bool

	mu     sync.RWMutex
	logger *zap.Logger
	clock  util.Clock
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
		clock:      util.RealClock{},
	}
}

// Run processes disconnects until ctx is done, then drops every client
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws_client_disconnected", zap.String("client", client.id), zap.Int("total", n))

		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// add registers c; it fails once the hub has stopped
func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	h.logger.Debug("ws_client_connected", zap.String("client", c.id), zap.Int("total", len(h.clients)))
	return true
}

// BroadcastToChannel sends a message to all clients subscribed to a channel.
// Slow clients whose buffer is full miss the message.
func (h *Hub) BroadcastToChannel(channel string, data any) error {
	message, err := json.Marshal(WSMessage{Type: channel, Data: data})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.IsSubscribed(channel) {
			continue
		}
		select {
		case client.send <- message:
		default:
			h.logger.Debug("ws_message_dropped", zap.String("client", client.id), zap.String("channel", channel))
		}
	}
	return nil
}

func (h *Hub) PublishFills(_ context.Context, fills []orderbook.Fill) error {
	return h.BroadcastToChannel(ChannelFills, fills)
}

func (h *Hub) PublishBook(_ context.Context, book *orderbook.Book) error {
	update := BookUpdate{
		Bids:      book.Levels(orderbook.Bid),
		Asks:      book.Levels(orderbook.Ask),
		Timestamp: util.UnixMillis(h.clock),
	}
	if update.Bids == nil {
		update.Bids = []orderbook.PriceLevel{}
	}
	if update.Asks == nil {
		update.Asks = []orderbook.PriceLevel{}
	}
	return h.BroadcastToChannel(ChannelBook, update)
}

var (
	_ events.Publisher     = (*Hub)(nil)
	_ events.BookPublisher = (*Hub)(nil)
)

// Client is one WebSocket connection and the channels it listens on
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	mu       sync.RWMutex
	channels map[string]struct{}
}

func (c *Client) IsSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[channel]
	return ok
}

// apply performs a subscribe or unsubscribe request; unknown ops report false
func (c *Client) apply(req WSSubscribeRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch req.Op {
	case "subscribe":
		for _, ch := range req.Channels {
			c.channels[ch] = struct{}{}
		}
	case "unsubscribe":
		for _, ch := range req.Channels {
			delete(c.channels, ch)
		}
	default:
		return false
	}
	return true
}

// readPump pumps subscription requests from the connection until it closes
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("ws_read_error", zap.String("client", c.id), zap.Error(err))
			}
			break
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.logger.Debug("ws_invalid_message", zap.String("client", c.id), zap.Error(err))
			continue
		}

		if !c.apply(req) {
			c.hub.logger.Debug("ws_unknown_op", zap.String("client", c.id), zap.String("op", req.Op))
			continue
		}
		c.hub.ack(c, req)
	}
}

// ack confirms a subscription change so clients know when pushes start
func (h *Hub) ack(c *Client, req WSSubscribeRequest) {
	msg, err := json.Marshal(WSMessage{Type: req.Op, Data: req.Channels})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// writePump drains c.send to the connection and keeps it alive with pings
func (c *Client) writePump() {
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
				// Dropped by the hub
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One JSON document per frame
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

// handleWebSocket upgrades the request and starts the client pumps
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws_upgrade_failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		id:       conn.RemoteAddr().String(),
		channels: make(map[string]struct{}),
	}

	if !s.hub.add(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
