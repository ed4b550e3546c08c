package chatclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"friendfinder/pkg/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const goodToken = "good"

type wsServer struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	frames chan protocol.Envelope
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		conns:  make(chan *websocket.Conn, 8),
		frames: make(chan protocol.Envelope, 32),
	}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+goodToken {
			http.Error(w, "invalid or expired token", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if env, err := protocol.Decode(raw); err == nil {
				s.frames <- env
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func (s *wsServer) nextFrame(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-s.frames:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no frame")
		return protocol.Envelope{}
	}
}

func push(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	raw, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func newTestChannel(t *testing.T, s *wsServer, opts ...ChannelOption) *WebsocketChannel {
	t.Helper()
	opts = append([]ChannelOption{WithToken(goodToken), WithReconnect(10*time.Millisecond, 5)}, opts...)
	c := NewWebsocketChannel(s.url(), zap.NewNop(), opts...)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func TestWebsocketChannel_Emit_Before_Connect(t *testing.T) {
	s := newWSServer(t)
	c := newTestChannel(t, s)

	require.ErrorIs(t, c.Emit(protocol.EventTyping, protocol.Typing{}), ErrNotConnected)
}

func TestWebsocketChannel_Rejected_Token(t *testing.T) {
	s := newWSServer(t)
	c := NewWebsocketChannel(s.url(), zap.NewNop(), WithToken("bad"))

	require.ErrorIs(t, c.Connect(context.Background()), ErrUnauthorized)
	require.False(t, c.Connected())
}

func TestWebsocketChannel_Emit_And_Dispatch(t *testing.T) {
	req := require.New(t)
	s := newWSServer(t)
	c := newTestChannel(t, s)

	var connects atomic.Int32
	c.OnConnect(func() { connects.Add(1) })

	var first, second atomic.Int32
	c.Subscribe(protocol.EventUserTyping, func(json.RawMessage) { first.Add(1) })
	c.Subscribe(protocol.EventUserTyping, func(json.RawMessage) { second.Add(1) })

	req.NoError(c.Connect(context.Background()))
	req.NoError(c.Connect(context.Background()))
	req.EqualValues(1, connects.Load())
	conn := s.nextConn(t)

	req.NoError(c.Emit(protocol.EventUserLogin, protocol.UserLogin{UserId: "alice"}))
	env := s.nextFrame(t)
	req.Equal(protocol.EventUserLogin, env.Event)
	req.JSONEq(`{"userId":"alice"}`, string(env.Data))

	push(t, conn, protocol.EventUserTyping, protocol.UserTyping{Sender: "bob"})
	req.Eventually(func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	req.Zero(first.Load())
}

func TestWebsocketChannel_Reconnects_After_Drop(t *testing.T) {
	req := require.New(t)
	s := newWSServer(t)
	c := newTestChannel(t, s)

	var connects atomic.Int32
	c.OnConnect(func() { connects.Add(1) })

	req.NoError(c.Connect(context.Background()))
	s.nextConn(t).Close()

	s.nextConn(t)
	req.Eventually(func() bool { return connects.Load() == 2 && c.Connected() }, 2*time.Second, 5*time.Millisecond)

	req.NoError(c.Emit(protocol.EventTyping, protocol.Typing{Sender: "alice", Recipient: "bob"}))
	req.Equal(protocol.EventTyping, s.nextFrame(t).Event)
}

func TestWebsocketChannel_Disconnect_Does_Not_Reconnect(t *testing.T) {
	req := require.New(t)
	s := newWSServer(t)
	c := newTestChannel(t, s)

	req.NoError(c.Connect(context.Background()))
	s.nextConn(t)
	req.NoError(c.Disconnect())
	req.False(c.Connected())

	select {
	case <-s.conns:
		t.Fatal("channel redialled after Disconnect")
	case <-time.After(100 * time.Millisecond):
	}
	req.ErrorIs(c.Emit(protocol.EventTyping, protocol.Typing{}), ErrNotConnected)
}
