// Package protocol defines the event names and tagged payloads exchanged over a
// conversation channel. Both the server delivery layer and pkg/chatclient use it.
package protocol

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
)

// Events the server listens for.
const (
	EventUserLogin        = "user_login"
	EventPrivateMessage   = "private_message"
	EventTyping           = "typing"
	EventMarkMessagesRead = "mark_messages_read"
	EventChatOpened       = "chat_opened"
	// EventChatOpenedAlias is the camel-cased name older web clients emit.
	EventChatOpenedAlias = "chatOpened"
)

// Events the server emits.
const (
	EventReceiveMessage     = "receive_message"
	EventMessageSent        = "message_sent"
	EventMessageError       = "message_error"
	EventUserTyping         = "user_typing"
	EventMessagesRead       = "messages_read"
	EventMessagesMarkedRead = "messages_marked_read"
	EventReadStatusSync     = "read_status_sync"
)

var ErrEmptyEvent = errors.New("envelope has no event name")

// Envelope is the frame written on the socket: {"event": "...", "data": {...}}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, ErrEmptyEvent
	}
	return env, nil
}

// ConversationID returns the same identifier for {a, b} regardless of order.
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// Message is the canonical message as seen by clients.
type Message struct {
	Id        string     `json:"_id"`
	Sender    string     `json:"sender"`
	Receiver  string     `json:"receiver"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	Read      bool       `json:"read"`
	ReadAt    *time.Time `json:"readAt"`
}

type UserLogin struct {
	UserId string `json:"userId" validate:"required"`
}

// UnmarshalJSON accepts both {"userId": "..."} and a bare JSON string.
func (u *UserLogin) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		u.UserId = id
		return nil
	}

	type plain UserLogin
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*u = UserLogin(p)
	return nil
}

type PrivateMessage struct {
	Sender          string `json:"sender" validate:"required"`
	Recipient       string `json:"recipient" validate:"required"`
	Content         string `json:"content" validate:"required"`
	ClientMessageId string `json:"clientMessageId,omitempty"`
}

type Typing struct {
	Sender    string `json:"sender" validate:"required"`
	Recipient string `json:"recipient" validate:"required"`
}

type MarkMessagesRead struct {
	UserId   string `json:"userId" validate:"required"`
	FriendId string `json:"friendId" validate:"required"`
}

type ChatOpened struct {
	UserId         string `json:"userId" validate:"required"`
	FriendId       string `json:"friendId" validate:"required"`
	ConversationId string `json:"conversationId,omitempty"`
}

type MessageSent struct {
	Id              string     `json:"_id"`
	ClientMessageId string     `json:"clientMessageId,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
	Read            bool       `json:"read"`
	ReadAt          *time.Time `json:"readAt"`
}

// SendFailed is the error text for a private message the server did not store.
const SendFailed = "failed to send message"

// MessageError reports a failed request. ClientMessageId names the send it belongs to,
// when there is one.
type MessageError struct {
	Error           string `json:"error"`
	ClientMessageId string `json:"clientMessageId,omitempty"`
}

type UserTyping struct {
	Sender string `json:"sender"`
}

// MessagesRead is the read receipt pushed to the original sender.
type MessagesRead struct {
	By         string    `json:"by"`
	Count      int       `json:"count"`
	ReadAt     time.Time `json:"readAt"`
	MessageIds []string  `json:"messageIds"`
	Messages   []Message `json:"messages"`
	IsResync   bool      `json:"isResync,omitempty"`
}

type MessagesMarkedRead struct {
	Count      int      `json:"count"`
	MessageIds []string `json:"messageIds"`
}

type ReadStatusSync struct {
	Messages []Message `json:"messages"`
}
