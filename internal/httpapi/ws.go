package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/subscriptions"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The bearer token is the access control; the daemon binds to
		// localhost and serves non-browser clients too.
		return true
	},
}

// wsCommand is an inbound client frame.
type wsCommand struct {
	Action    string `json:"action"` // "subscribe" or "unsubscribe"
	SessionID string `json:"session_id"`
}

// wsClient is one WebSocket connection multiplexing any number of session
// subscriptions. Outbound frames are events.Event JSON, same as SSE data
// payloads.
type wsClient struct {
	id      string
	conn    *websocket.Conn
	streams *subscriptions.Registry
	logger  *logger.Logger

	send chan []byte
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	subs map[string]*subscriptions.Subscription
}

// StreamWS handles GET /api/ws. The client drives subscriptions with
// subscribe/unsubscribe frames after connecting.
func (h *Handler) StreamWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := &wsClient{
		id:      clientID,
		conn:    conn,
		streams: h.streams,
		logger:  h.logger.WithFields(zap.String("client_id", clientID)),
		send:    make(chan []byte, 256),
		done:    make(chan struct{}),
		subs:    make(map[string]*subscriptions.Subscription),
	}

	h.logger.Info("websocket connection established",
		zap.String("client_id", client.id))

	go client.writePump()
	client.readPump()
}

func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.logger.Debug("invalid websocket frame", zap.Error(err))
			continue
		}

		switch cmd.Action {
		case "subscribe":
			c.subscribe(cmd.SessionID)
		case "unsubscribe":
			c.unsubscribe(cmd.SessionID)
		default:
			c.logger.Debug("unknown websocket action", zap.String("action", cmd.Action))
		}
	}
}

func (c *wsClient) subscribe(sessionID string) {
	if sessionID == "" {
		return
	}

	c.mu.Lock()
	if _, exists := c.subs[sessionID]; exists {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	sub, err := c.streams.Subscribe(sessionID)
	if err != nil {
		c.logger.Warn("websocket subscribe failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	c.mu.Lock()
	c.subs[sessionID] = sub
	c.mu.Unlock()

	go c.forward(sub)
}

func (c *wsClient) unsubscribe(sessionID string) {
	c.mu.Lock()
	sub, ok := c.subs[sessionID]
	if ok {
		delete(c.subs, sessionID)
	}
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// forward pumps one subscription's events into the shared send channel.
// It ends when the subscription closes or the connection goes away.
func (c *wsClient) forward(sub *subscriptions.Subscription) {
	for e := range sub.C {
		payload, err := json.Marshal(e)
		if err != nil {
			continue
		}
		select {
		case c.send <- payload:
		case <-c.done:
			return
		}
	}

	c.mu.Lock()
	delete(c.subs, sub.SessionID)
	c.mu.Unlock()
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close tears the connection down: stop both pumps, close the socket, and
// release every session subscription.
func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()

		c.mu.Lock()
		subs := make([]*subscriptions.Subscription, 0, len(c.subs))
		for _, sub := range c.subs {
			subs = append(subs, sub)
		}
		c.subs = make(map[string]*subscriptions.Subscription)
		c.mu.Unlock()

		for _, sub := range subs {
			sub.Close()
		}

		c.logger.Debug("websocket connection closed", zap.String("client_id", c.id))
	})
}
