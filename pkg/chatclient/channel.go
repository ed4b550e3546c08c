// Package chatclient is the client side of the messaging channel: a reconnecting
// websocket transport, a per-conversation reconciliation list and a Session tying
// them together.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"friendfinder/pkg/protocol"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultReconnectDelay    = time.Second
	DefaultReconnectAttempts = 5

	writeWait = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("chatclient: not connected")
	ErrUnauthorized = errors.New("chatclient: token rejected")
)

type Handler func(data json.RawMessage)

// Channel is one transport connection per client process.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	// Subscribe replaces any handler already registered for event.
	Subscribe(event string, handler Handler)
	Emit(event string, payload any) error
	// OnConnect runs after every successful connect, including reconnects.
	OnConnect(fn func())
}

type WebsocketChannel struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	log    *zap.Logger

	reconnectDelay    time.Duration
	reconnectAttempts uint64

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	handlers  map[string]Handler
	onConnect func()

	writeMu sync.Mutex
}

type ChannelOption func(*WebsocketChannel)

func WithToken(token string) ChannelOption {
	return func(c *WebsocketChannel) {
		c.header.Set("Authorization", "Bearer "+token)
	}
}

// WithReconnect sets the first retry delay and the number of redial attempts after a
// dropped connection. Zero attempts disables reconnecting.
func WithReconnect(delay time.Duration, attempts uint64) ChannelOption {
	return func(c *WebsocketChannel) {
		c.reconnectDelay = delay
		c.reconnectAttempts = attempts
	}
}

func NewWebsocketChannel(url string, log *zap.Logger, opts ...ChannelOption) *WebsocketChannel {
	c := &WebsocketChannel{
		url:               url,
		header:            http.Header{},
		dialer:            websocket.DefaultDialer,
		log:               log,
		reconnectDelay:    DefaultReconnectDelay,
		reconnectAttempts: DefaultReconnectAttempts,
		handlers:          make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials once. Calling it on a connected channel is a no-op.
func (c *WebsocketChannel) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		cancel()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(runCtx, conn)
	c.connected()
	return nil
}

func (c *WebsocketChannel) Disconnect() error {
	c.mu.Lock()
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *WebsocketChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *WebsocketChannel) Subscribe(event string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = handler
}

func (c *WebsocketChannel) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

func (c *WebsocketChannel) Emit(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *WebsocketChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	return conn, nil
}

func (c *WebsocketChannel) connected() {
	c.mu.Lock()
	fn := c.onConnect
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// run reads conn until it drops, then redials until ctx is cancelled or the attempts
// run out.
func (c *WebsocketChannel) run(ctx context.Context, conn *websocket.Conn) {
	for conn != nil {
		c.read(conn)
		_ = conn.Close()

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		conn = c.redial(ctx)
	}
}

func (c *WebsocketChannel) read(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("connection dropped", zap.Error(err))
			}
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			c.log.Debug("undecodable frame", zap.Error(err))
			continue
		}

		c.mu.Lock()
		handler := c.handlers[env.Event]
		c.mu.Unlock()
		if handler != nil {
			handler(env.Data)
		}
	}
}

func (c *WebsocketChannel) redial(ctx context.Context) *websocket.Conn {
	if c.reconnectAttempts == 0 {
		c.giveUp(ctx, nil)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.reconnectDelay
	// Retry makes one call plus up to n retries.
	b := backoff.WithContext(backoff.WithMaxRetries(policy, c.reconnectAttempts-1), ctx)

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		var err error
		conn, err = c.dial(ctx)
		if errors.Is(err, ErrUnauthorized) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		c.giveUp(ctx, err)
		return nil
	}

	c.mu.Lock()
	if ctx.Err() != nil || c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("reconnected", zap.String("url", c.url))
	c.connected()
	return conn
}

func (c *WebsocketChannel) giveUp(ctx context.Context, err error) {
	if err != nil {
		c.log.Warn("reconnect gave up", zap.String("url", c.url), zap.Error(err))
	}
	c.mu.Lock()
	if ctx.Err() == nil && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
}
