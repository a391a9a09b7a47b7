package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The control surface is expected to sit behind a trusted frontend.
		return true
	},
}

// AnswerSink receives attributed answers from connected clients.
type AnswerSink interface {
	SubmitAnswer(userID, value string)
}

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	// Buffered channel of outbound messages.
	send chan []byte

	mu     sync.Mutex
	userID string
}

func (c *Client) user() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Websocket client read error", zap.Error(err))
			}
			break
		}

		var env schemas.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.hub.logger.Error("Failed to unmarshal incoming message", zap.Error(err))
			continue
		}
		c.hub.dispatch(c, env, message)
	}
}

// writePump pumps messages from the hub to the websocket connection.
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
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Flush any further queued messages into the same frame batch.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// Hub manages websocket clients and routes messages by user. It implements
// schemas.Notifier for the rest of the service.
type Hub struct {
	sink   AnswerSink
	logger *zap.Logger

	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool
	byUser  map[string]map[*Client]bool
}

var _ schemas.Notifier = (*Hub)(nil)

// NewHub creates a hub delivering client answers into sink.
func NewHub(sink AnswerSink, logger *zap.Logger) *Hub {
	return &Hub{
		sink:       sink,
		logger:     logger.Named("ws"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		byUser:     make(map[string]map[*Client]bool),
	}
}

// Run owns client registration until ctx is cancelled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started.")
	defer h.logger.Info("WebSocket hub stopped.")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.byUser = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("WebSocket client connected.", zap.String("client_id", client.id))
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				if userID := client.user(); userID != "" {
					if peers := h.byUser[userID]; peers != nil {
						delete(peers, client)
						if len(peers) == 0 {
							delete(h.byUser, userID)
						}
					}
				}
				close(client.send)
				h.logger.Info("WebSocket client disconnected.", zap.String("client_id", client.id))
			}
			h.mu.Unlock()
		}
	}
}

// dispatch handles one inbound envelope from a client.
func (h *Hub) dispatch(c *Client, env schemas.Envelope, raw []byte) {
	switch env.Type {
	case schemas.MsgSessionConnect:
		var wrapper struct {
			Data schemas.ConnectPayload `json:"data"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil || wrapper.Data.UserID == "" {
			h.logger.Warn("Invalid session_connect payload.", zap.String("client_id", c.id))
			return
		}
		h.bind(c, wrapper.Data.UserID)
		h.send(c, schemas.Envelope{Type: schemas.MsgSessionConnected})

	case schemas.MsgAnswer:
		userID := c.user()
		if userID == "" {
			// Answers that cannot be attributed to a connected user are
			// rejected outright; they must never reach another session.
			h.logger.Warn("Discarding answer from unidentified client.", zap.String("client_id", c.id))
			return
		}
		var wrapper struct {
			Data schemas.AnswerPayload `json:"data"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			h.logger.Warn("Invalid answer payload.", zap.String("client_id", c.id))
			return
		}
		h.sink.SubmitAnswer(userID, wrapper.Data.Answer)

	default:
		h.logger.Debug("Ignoring unknown message type.",
			zap.String("client_id", c.id), zap.String("type", env.Type))
	}
}

// bind associates the client with a user.
func (h *Hub) bind(c *Client, userID string) {
	c.mu.Lock()
	previous := c.userID
	c.userID = userID
	c.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if previous != "" {
		if peers := h.byUser[previous]; peers != nil {
			delete(peers, c)
			if len(peers) == 0 {
				delete(h.byUser, previous)
			}
		}
	}
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[*Client]bool)
	}
	h.byUser[userID][c] = true
}

// Notify sends an envelope to every client connected for the user. Slow
// clients are dropped rather than allowed to block the session flow.
func (h *Hub) Notify(userID string, env schemas.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.byUser[userID] {
		select {
		case client.send <- payload:
		default:
			h.logger.Warn("Dropping slow websocket client.", zap.String("client_id", client.id))
		}
	}
}

func (h *Hub) send(c *Client, env schemas.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// HandleWS upgrades an HTTP request into a hub-managed websocket client.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}
	client := &Client{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}
