package ws

import (
	"encoding/json"
	"sync"
	"time"

	"friendfinder/pkg/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Conn is the part of *websocket.Conn a UserClient drives.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Handler receives the raw data of one inbound event.
type Handler func(data json.RawMessage)

// UserClient is one live socket. UserId stays empty until the connection logs in.
type UserClient struct {
	Id string

	conn    Conn
	send    chan []byte
	limiter *rate.Limiter
	log     *zap.Logger

	mu       sync.RWMutex
	userId   string
	handlers map[string]Handler
	closed   bool
}

type ClientOption func(*UserClient)

// WithRateLimit caps inbound events per second for this connection.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *UserClient) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func NewClient(conn Conn, log *zap.Logger, opts ...ClientOption) *UserClient {
	c := &UserClient{
		Id:       uuid.New().String(),
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		log:      log,
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *UserClient) UserId() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userId
}

func (c *UserClient) SetUserId(userId string) {
	c.mu.Lock()
	c.userId = userId
	c.mu.Unlock()
}

// Subscribe installs the handler for event, replacing any previous one.
func (c *UserClient) Subscribe(event string, handler Handler) {
	c.mu.Lock()
	c.handlers[event] = handler
	c.mu.Unlock()
}

// Send queues an event without blocking. It reports false when the payload cannot be
// encoded, the client is closed or its buffer is full.
func (c *UserClient) Send(event string, payload any) bool {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		c.log.Error("encode event", zap.String("event", event), zap.Error(err))
		return false
	}
	return c.SendRaw(frame)
}

func (c *UserClient) SendRaw(frame []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("send buffer full, dropping event",
			zap.String("userId", c.userId),
			zap.String("clientId", c.Id))
		return false
	}
}

// Close stops the write pump. Further sends are dropped.
func (c *UserClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *UserClient) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// ReadPump dispatches inbound events to their handlers until the connection fails.
// Each event is handled to completion before the next frame is read.
func (c *UserClient) ReadPump() {
	defer func() {
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", zap.String("clientId", c.Id), zap.Error(err))
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.log.Warn("inbound event rate exceeded, dropping",
				zap.String("userId", c.UserId()),
				zap.String("clientId", c.Id))
			continue
		}

		c.dispatch(data)
	}
}

func (c *UserClient) dispatch(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		c.log.Debug("undecodable frame", zap.String("clientId", c.Id), zap.Error(err))
		c.Send(protocol.EventMessageError, protocol.MessageError{Error: "invalid payload"})
		return
	}

	c.mu.RLock()
	handler, ok := c.handlers[env.Event]
	c.mu.RUnlock()
	if !ok {
		c.log.Debug("no handler for event", zap.String("event", env.Event))
		return
	}

	handler(env.Data)
}

// WritePump drains the send buffer onto the socket and keeps the peer alive with pings.
func (c *UserClient) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("websocket write error", zap.String("clientId", c.Id), zap.Error(err))
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
