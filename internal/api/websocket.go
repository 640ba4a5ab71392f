// Package api provides WebSocket functionality for run events.
package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-sandbox/internal/metrics"
	"github.com/atlas-desktop/strategy-sandbox/pkg/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MessageType defines WebSocket message types.
type MessageType string

const (
	// Server -> Client messages
	MsgTypeRunCompleted MessageType = "run_completed"
	MsgTypeRunResult    MessageType = "run_result"
	MsgTypeError        MessageType = "error"
	MsgTypeHeartbeat    MessageType = "heartbeat"
	MsgTypePong         MessageType = "pong"

	// Client -> Server messages
	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypeUnsubscribe MessageType = "unsubscribe"
	MsgTypeCommand     MessageType = "command"
	MsgTypePing        MessageType = "ping"
)

// ChannelRuns carries a summary of every finished run
const ChannelRuns = "runs"

// WSMessage is a WebSocket message.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Command is the payload of a command message. Method is "backtest" or
// "backtest_options"; Params is the matching HTTP request body.
type Command struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// RunEvent summarises a finished run on the runs channel
type RunEvent struct {
	ID        string              `json:"id"`
	Kind      string              `json:"kind"`
	Success   bool                `json:"success"`
	ErrorKind types.ErrorKind     `json:"errorKind,omitempty"`
	Symbols   []string            `json:"symbols"`
	Bars      int                 `json:"bars"`
	CacheHit  bool                `json:"cacheHit"`
	Timing    types.Timing        `json:"timing"`
	Stats     map[string]*float64 `json:"stats,omitempty"`
}

// Client is a WebSocket client connection.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	runner        Runner
	ctx           context.Context
	cancel        context.CancelFunc
	subscriptions map[string]bool
	mu            sync.RWMutex
}

// Hub manages WebSocket connections.
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	channels   map[string]map[*Client]bool
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		channels:   make(map[string]map[*Client]bool),
		done:       make(chan struct{}),
	}
}

// Run starts the hub. It returns after Close.
func (h *Hub) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("id", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", zap.String("id", client.id))

		case <-ticker.C:
			h.sendHeartbeat()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				h.remove(client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Close stops Run and disconnects every client
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// remove drops a client; callers hold h.mu
func (h *Hub) remove(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	client.cancel()
	for channel := range client.subscriptions {
		if clients, ok := h.channels[channel]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

// sendHeartbeat sends heartbeat to all clients.
func (h *Hub) sendHeartbeat() {
	msg := WSMessage{
		Type:      MsgTypeHeartbeat,
		Timestamp: time.Now().UnixMilli(),
	}

	data, _ := json.Marshal(msg)

	h.mu.RLock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
	h.mu.RUnlock()
}

// Subscribe subscribes a client to a channel.
func (h *Hub) Subscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][client] = true

	client.mu.Lock()
	client.subscriptions[channel] = true
	client.mu.Unlock()

	h.logger.Debug("Client subscribed to channel",
		zap.String("client", client.id),
		zap.String("channel", channel))
}

// Unsubscribe unsubscribes a client from a channel.
func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.channels[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}

	client.mu.Lock()
	delete(client.subscriptions, channel)
	client.mu.Unlock()
}

// PublishToChannel publishes a message to a channel.
func (h *Hub) PublishToChannel(channel string, msgType MessageType, data interface{}) {
	msgBytes, err := encode(msgType, channel, "", data)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.channels[channel] {
		select {
		case client.send <- msgBytes:
		default:
		}
	}
}

// PublishRun sends a run summary to the runs channel
func (h *Hub) PublishRun(kind string, resp *types.BacktestResponse) {
	ev := RunEvent{
		ID:       resp.ID,
		Kind:     kind,
		Success:  resp.Success,
		Symbols:  resp.Symbols,
		Bars:     resp.Bars,
		CacheHit: resp.CacheHit,
		Timing:   resp.Timing,
		Stats:    resp.Stats,
	}
	if resp.Error != nil {
		ev.ErrorKind = resp.Error.Kind
	}
	h.PublishToChannel(ChannelRuns, MsgTypeRunCompleted, ev)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// add registers client unless the hub is closed
func (h *Hub) add(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func encode(msgType MessageType, channel, requestID string, data interface{}) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(WSMessage{
		Type:      msgType,
		Channel:   channel,
		RequestID: requestID,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	})
}

// NewClient creates a new client. runner serves command messages and may be nil.
func NewClient(id string, hub *Hub, conn *websocket.Conn, runner Runner) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:            id,
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		runner:        runner,
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]bool),
	}
}

// ReadPump pumps messages from the WebSocket to the hub.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxBodyBytes)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.reply(MsgTypeError, "", &types.ErrorPayload{Kind: types.ErrorKindInvalidRequest, Message: "invalid message: " + err.Error()})
			continue
		}

		switch msg.Type {
		case MsgTypeSubscribe:
			c.hub.Subscribe(c, msg.Channel)
		case MsgTypeUnsubscribe:
			c.hub.Unsubscribe(c, msg.Channel)
		case MsgTypeCommand:
			c.handleCommand(msg)
		case MsgTypePing:
			c.reply(MsgTypePong, msg.RequestID, nil)
		default:
			c.reply(MsgTypeError, msg.RequestID, &types.ErrorPayload{Kind: types.ErrorKindInvalidRequest, Message: "unknown message type " + string(msg.Type)})
		}
	}
}

// WritePump pumps messages from the hub to the WebSocket.
func (c *Client) WritePump() {
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
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// handleCommand runs a backtest and replies to this client only. Runs are
// cancelled when the client disconnects.
func (c *Client) handleCommand(msg WSMessage) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		c.reply(MsgTypeError, msg.RequestID, &types.ErrorPayload{Kind: types.ErrorKindInvalidRequest, Message: "invalid command: " + err.Error()})
		return
	}
	if c.runner == nil {
		c.reply(MsgTypeError, msg.RequestID, &types.ErrorPayload{Kind: types.ErrorKindInvalidRequest, Message: "commands are not enabled"})
		return
	}

	var run func() *types.BacktestResponse
	switch cmd.Method {
	case "backtest":
		var body backtestBody
		if err := json.Unmarshal(cmd.Params, &body); err != nil {
			c.reply(MsgTypeError, msg.RequestID, &types.ErrorPayload{Kind: types.ErrorKindInvalidRequest, Message: err.Error()})
			return
		}
		req, err := body.request()
		if err != nil {
			c.reply(MsgTypeError, msg.RequestID, &types.ErrorPayload{Kind: types.ErrorKindInvalidRequest, Message: err.Error()})
			return
		}
		run = func() *types.BacktestResponse { return c.runner.RunBacktest(c.ctx, req) }
	case "backtest_options":
		var body optionsBody
		if err := json.Unmarshal(cmd.Params, &body); err != nil {
			c.reply(MsgTypeError, msg.RequestID, &types.ErrorPayload{Kind: types.ErrorKindInvalidRequest, Message: err.Error()})
			return
		}
		req, err := body.request()
		if err != nil {
			c.reply(MsgTypeError, msg.RequestID, &types.ErrorPayload{Kind: types.ErrorKindInvalidRequest, Message: err.Error()})
			return
		}
		run = func() *types.BacktestResponse { return c.runner.RunOptionsBacktest(c.ctx, req) }
	default:
		c.reply(MsgTypeError, msg.RequestID, &types.ErrorPayload{Kind: types.ErrorKindInvalidRequest, Message: "unknown method " + cmd.Method})
		return
	}

	c.hub.logger.Debug("Received command",
		zap.String("client", c.id),
		zap.String("method", cmd.Method))
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.hub.logger.Error("Command panicked",
					zap.String("client", c.id),
					zap.String("method", cmd.Method),
					zap.Any("panic", r))
				c.reply(MsgTypeError, msg.RequestID, &types.ErrorPayload{Kind: types.ErrorKindRuntime, Message: "internal error while running command"})
			}
		}()
		c.reply(MsgTypeRunResult, msg.RequestID, run())
	}()
}

// reply queues a message for this client. It is a no-op once the client
// has been removed from the hub.
func (c *Client) reply(msgType MessageType, requestID string, data interface{}) {
	b, err := encode(msgType, "", requestID, data)
	if err != nil {
		c.hub.logger.Error("Failed to marshal reply", zap.Error(err))
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- b:
	default:
		c.hub.logger.Warn("Client send buffer full, dropping reply", zap.String("client", c.id))
	}
}
