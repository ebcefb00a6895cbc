package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"sealed-relay/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendQueueSize  = 256
)

// Per-minute budgets for cheap events. message:send has its own limit.
type RateLimits struct {
	MaxMessages      int
	MaxTypingEvents  int
	MaxStatusUpdates int
	MaxJoins         int
	MaxPingMessages  int
}

var DefaultRateLimits = RateLimits{
	MaxMessages:      60,
	MaxTypingEvents:  60,
	MaxStatusUpdates: 240,
	MaxJoins:         120,
	MaxPingMessages:  60,
}

// ClientRateLimiter is a per-socket fixed window token counter.
type ClientRateLimiter struct {
	limits     RateLimits
	tokens     map[string]int
	lastRefill time.Time
	mu         sync.Mutex
}

func NewClientRateLimiter(limits RateLimits) *ClientRateLimiter {
	rl := &ClientRateLimiter{limits: limits, lastRefill: time.Now()}
	rl.refillTokens()
	return rl
}

func rateBucket(eventType string) string {
	switch eventType {
	case EventMessageSend:
		return "message"
	case EventTypingStart, EventTypingStop:
		return "typing"
	case EventStatusUpdate:
		return "status"
	case EventChannelJoin, EventChannelLeave, EventDMJoin, EventDMLeave:
		return "join"
	case EventPing:
		return "ping"
	}
	return ""
}

func (rl *ClientRateLimiter) Allow(eventType string) bool {
	bucket := rateBucket(eventType)
	if bucket == "" {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastRefill) >= time.Minute {
		rl.refillTokens()
		rl.lastRefill = now
	}
	if rl.tokens[bucket] <= 0 {
		return false
	}
	rl.tokens[bucket]--
	return true
}

func (rl *ClientRateLimiter) refillTokens() {
	rl.tokens = map[string]int{
		"message": rl.limits.MaxMessages,
		"typing":  rl.limits.MaxTypingEvents,
		"status":  rl.limits.MaxStatusUpdates,
		"join":    rl.limits.MaxJoins,
		"ping":    rl.limits.MaxPingMessages,
	}
}

// Client is one websocket connection. Identity fields are set once on
// authentication.
type Client struct {
	gateway  *Gateway
	conn     *websocket.Conn
	send     chan []byte
	clientID string

	mu            sync.RWMutex
	userID        uuid.UUID
	username      string
	deviceID      int
	authenticated bool
	closed        bool

	// requestedDevice comes from the upgrade request and is validated on
	// authentication.
	requestedDevice int
	// rooms is guarded by Hub.mu.
	rooms        map[string]bool
	rateLimiter  *ClientRateLimiter
	connectedAt  time.Time
	lastActivity atomic.Int64
	logger       *WebSocketLogger
}

func NewClient(gateway *Gateway, conn *websocket.Conn, requestedDevice int) *Client {
	now := time.Now()
	c := &Client{
		gateway:         gateway,
		conn:            conn,
		send:            make(chan []byte, sendQueueSize),
		clientID:        uuid.NewString(),
		requestedDevice: requestedDevice,
		rooms:           make(map[string]bool),
		rateLimiter:     NewClientRateLimiter(gateway.limits),
		connectedAt:     now,
		logger:          gateway.logger,
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

func (c *Client) ID() string { return c.clientID }

func (c *Client) UserID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) DeviceID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Client) setIdentity(userID uuid.UUID, username string, deviceID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.username = username
	c.deviceID = deviceID
	c.authenticated = true
}

// Send queues data without blocking. It returns false when the queue is
// full or the client is closed.
func (c *Client) Send(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		metrics.WebsocketDroppedFramesTotal.Inc()
		c.logger.Warn("client send buffer full", c.userID, c.clientID)
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump() {
	// Closing the send queue lets writePump flush pending frames, such as
	// auth_error, before it closes the connection.
	defer c.gateway.disconnect(c)

	c.conn.SetReadLimit(maxMessageSize)
	if c.Authenticated() {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	} else {
		c.conn.SetReadDeadline(time.Now().Add(c.gateway.authTimeout))
	}
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.onPong()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if !c.Authenticated() && errors.As(err, &netErr) && netErr.Timeout() {
				c.logger.Warn("authentication timed out", uuid.Nil, c.clientID)
				c.Send(encodeFrame(EventAuthError, errorPayload{Code: "UNAUTHORIZED", Error: "authentication timed out"}))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket unexpected close", c.UserID(), c.clientID, err)
			}
			return
		}
		c.lastActivity.Store(time.Now().UnixNano())

		wasAuthenticated := c.Authenticated()
		if keep := c.handleFrame(context.Background(), data); !keep {
			return
		}
		if !wasAuthenticated && c.Authenticated() {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
}

func (c *Client) onPong() {
	c.lastActivity.Store(time.Now().UnixNano())
	if c.Authenticated() {
		c.gateway.heartbeat(c)
	}
}

// handleFrame decodes and dispatches one inbound frame. It returns false when
// the connection must be closed.
func (c *Client) handleFrame(ctx context.Context, data []byte) bool {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		if !c.Authenticated() {
			c.Send(encodeFrame(EventAuthError, errorPayload{Code: "UNAUTHORIZED", Error: "authenticate first"}))
			return false
		}
		c.Send(encodeFrame(EventError, errorPayload{Code: "INVALID_REQUEST", Error: "malformed frame"}))
		return true
	}

	if !c.Authenticated() {
		if frame.Type != EventAuthenticate {
			c.Send(encodeFrame(EventAuthError, errorPayload{Code: "UNAUTHORIZED", Error: "authenticate first"}))
			return false
		}
		return c.gateway.handleAuthenticate(ctx, c, frame.Payload)
	}

	if !c.rateLimiter.Allow(frame.Type) {
		c.logger.Warn("rate limit exceeded", c.UserID(), c.clientID, zap.String("msg_type", frame.Type))
		c.gateway.rejectRateLimited(c, frame)
		return true
	}

	c.gateway.dispatch(ctx, c, frame)
	return true
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

			if time.Since(time.Unix(0, c.lastActivity.Load())) > pongWait*2 {
				c.logger.Info("client idle timeout", c.UserID(), c.clientID)
				return
			}
		}
	}
}
