package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"friendfinder/pkg/protocol"

	"go.uber.org/zap"
)

const (
	DefaultTypingDebounce = 300 * time.Millisecond
	DefaultTypingExpiry   = 3 * time.Second
)

var ErrNoConversation = errors.New("chatclient: no open conversation")

// Observer is told about sent and received messages. It has no say in messaging: a
// panicking observer is logged and ignored.
type Observer interface {
	OnMessageSent(message LocalMessage, peerId string)
	OnMessageReceived(message LocalMessage, peerId string)
}

type Session struct {
	channel  Channel
	self     string
	observer Observer
	log      *zap.Logger

	typingDebounce time.Duration
	typingExpiry   time.Duration

	mu          sync.Mutex
	open        *Conversation
	typingTimer *time.Timer
	peerTyping  bool
	peerTimer   *time.Timer
	lastError   string
}

type SessionOption func(*Session)

func WithObserver(observer Observer) SessionOption {
	return func(s *Session) {
		s.observer = observer
	}
}

func WithTypingTimings(debounce, expiry time.Duration) SessionOption {
	return func(s *Session) {
		if debounce > 0 {
			s.typingDebounce = debounce
		}
		if expiry > 0 {
			s.typingExpiry = expiry
		}
	}
}

func NewSession(channel Channel, self string, log *zap.Logger, opts ...SessionOption) *Session {
	s := &Session{
		channel:        channel,
		self:           self,
		log:            log.With(zap.String("userId", self)),
		typingDebounce: DefaultTypingDebounce,
		typingExpiry:   DefaultTypingExpiry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to server events and connects. Every (re)connect re-announces the
// user so presence survives a dropped socket.
func (s *Session) Start(ctx context.Context) error {
	s.channel.Subscribe(protocol.EventReceiveMessage, s.onReceiveMessage)
	s.channel.Subscribe(protocol.EventMessageSent, s.onMessageSent)
	s.channel.Subscribe(protocol.EventMessageError, s.onMessageError)
	s.channel.Subscribe(protocol.EventMessagesRead, s.onMessagesRead)
	s.channel.Subscribe(protocol.EventMessagesMarkedRead, s.onMessagesMarkedRead)
	s.channel.Subscribe(protocol.EventReadStatusSync, s.onReadStatusSync)
	s.channel.Subscribe(protocol.EventUserTyping, s.onUserTyping)
	s.channel.OnConnect(s.announce)

	return s.channel.Connect(ctx)
}

func (s *Session) Stop() error {
	s.mu.Lock()
	stopTimer(s.typingTimer)
	stopTimer(s.peerTimer)
	s.typingTimer, s.peerTimer = nil, nil
	s.mu.Unlock()
	return s.channel.Disconnect()
}

func (s *Session) announce() {
	if err := s.channel.Emit(protocol.EventUserLogin, protocol.UserLogin{UserId: s.self}); err != nil {
		s.log.Warn("announce presence", zap.Error(err))
		return
	}

	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	if open != nil {
		s.emitChatOpened(open.Peer())
	}
}

// Open makes peer the focused conversation and asks the server for its read state.
func (s *Session) Open(peer string) *Conversation {
	conv := NewConversation(s.self, peer)

	s.mu.Lock()
	s.open = conv
	s.peerTyping = false
	stopTimer(s.peerTimer)
	s.mu.Unlock()

	s.emitChatOpened(peer)
	return conv
}

func (s *Session) Conversation() *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Send shows content immediately and hands it to the channel. A transport failure
// leaves the entry marked failed rather than removing it.
func (s *Session) Send(content string) (LocalMessage, error) {
	conv := s.Conversation()
	if conv == nil {
		return LocalMessage{}, ErrNoConversation
	}

	pending := conv.AppendPending(content)
	s.notify(func(o Observer) { o.OnMessageSent(pending, conv.Peer()) })

	err := s.channel.Emit(protocol.EventPrivateMessage, protocol.PrivateMessage{
		Sender:          s.self,
		Recipient:       conv.Peer(),
		Content:         content,
		ClientMessageId: pending.ClientMessageId,
	})
	if err != nil {
		conv.Fail(pending.ClientMessageId)
		return pending, err
	}
	return pending, nil
}

// Typing emits one typing event once input has been idle for the debounce window.
func (s *Session) Typing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		return
	}

	peer := s.open.Peer()
	stopTimer(s.typingTimer)
	s.typingTimer = time.AfterFunc(s.typingDebounce, func() {
		if err := s.channel.Emit(protocol.EventTyping, protocol.Typing{Sender: s.self, Recipient: peer}); err != nil {
			s.log.Debug("typing indicator", zap.Error(err))
		}
	})
}

func (s *Session) PeerTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerTyping
}

// LastError is the most recent message_error text, cleared by the next confirmation.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

func (s *Session) MarkRead() error {
	conv := s.Conversation()
	if conv == nil {
		return ErrNoConversation
	}
	return s.channel.Emit(protocol.EventMarkMessagesRead, protocol.MarkMessagesRead{UserId: s.self, FriendId: conv.Peer()})
}

func (s *Session) emitChatOpened(peer string) {
	err := s.channel.Emit(protocol.EventChatOpened, protocol.ChatOpened{
		UserId:         s.self,
		FriendId:       peer,
		ConversationId: protocol.ConversationID(s.self, peer),
	})
	if err != nil {
		s.log.Debug("chat opened", zap.String("peer", peer), zap.Error(err))
	}
}

func (s *Session) onReceiveMessage(data json.RawMessage) {
	var m protocol.Message
	if !s.decode(protocol.EventReceiveMessage, data, &m) {
		return
	}

	conv := s.Conversation()
	if conv == nil {
		return
	}
	added, fromPeer := conv.ApplyReceived(m)
	if !added {
		return
	}

	s.notify(func(o Observer) { o.OnMessageReceived(fromProtocol(m, s.self), m.Sender) })
	if fromPeer {
		s.mu.Lock()
		s.peerTyping = false
		s.mu.Unlock()
		if err := s.MarkRead(); err != nil {
			s.log.Debug("mark read on receive", zap.Error(err))
		}
	}
}

func (s *Session) onMessageSent(data json.RawMessage) {
	var sent protocol.MessageSent
	if !s.decode(protocol.EventMessageSent, data, &sent) {
		return
	}
	if conv := s.Conversation(); conv != nil && conv.ApplyConfirmed(sent) {
		s.mu.Lock()
		s.lastError = ""
		s.mu.Unlock()
	}
}

// onMessageError flags the send an error names. Untagged send failures fall back to the
// oldest pending entry; errors from other requests leave pending sends alone.
func (s *Session) onMessageError(data json.RawMessage) {
	var e protocol.MessageError
	if !s.decode(protocol.EventMessageError, data, &e) {
		return
	}
	s.log.Warn("server reported error", zap.String("error", e.Error))

	s.mu.Lock()
	s.lastError = e.Error
	conv := s.open
	s.mu.Unlock()
	if conv == nil {
		return
	}

	switch {
	case e.ClientMessageId != "":
		conv.Fail(e.ClientMessageId)
	case e.Error == protocol.SendFailed:
		conv.ApplyError()
	}
}

func (s *Session) onMessagesRead(data json.RawMessage) {
	var r protocol.MessagesRead
	if !s.decode(protocol.EventMessagesRead, data, &r) {
		return
	}
	if conv := s.Conversation(); conv != nil {
		conv.ApplyReadReceipt(r)
	}
}

func (s *Session) onMessagesMarkedRead(data json.RawMessage) {
	var r protocol.MessagesMarkedRead
	if !s.decode(protocol.EventMessagesMarkedRead, data, &r) {
		return
	}
	s.log.Debug("messages marked read", zap.Int("count", r.Count))
}

func (s *Session) onReadStatusSync(data json.RawMessage) {
	var status protocol.ReadStatusSync
	if !s.decode(protocol.EventReadStatusSync, data, &status) {
		return
	}
	if conv := s.Conversation(); conv != nil {
		conv.ApplyReadStatusSync(status)
	}
}

func (s *Session) onUserTyping(data json.RawMessage) {
	var t protocol.UserTyping
	if !s.decode(protocol.EventUserTyping, data, &t) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil || t.Sender != s.open.Peer() {
		return
	}

	s.peerTyping = true
	stopTimer(s.peerTimer)
	s.peerTimer = time.AfterFunc(s.typingExpiry, func() {
		s.mu.Lock()
		s.peerTyping = false
		s.mu.Unlock()
	})
}

func (s *Session) decode(event string, data json.RawMessage, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		s.log.Debug("undecodable payload", zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}

func (s *Session) notify(fn func(Observer)) {
	if s.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("observer panicked", zap.Any("panic", r))
		}
	}()
	fn(s.observer)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
