package websocket

import (
	"context"
	"encoding/json"
	"net/http"

	"friendfinder/infrastructure/ws"
	"friendfinder/internal/usecase"
	"friendfinder/pkg/jwt"
	"friendfinder/pkg/protocol"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WebsocketHandler struct {
	hub       ws.IHub
	authUc    usecase.AuthUsecase
	messageUc usecase.MessageUsecase
	userUc    usecase.UserUsecase
	validate  *validator.Validate
	upgrader  websocket.Upgrader
	log       *zap.Logger

	eventsPerSecond float64
	eventBurst      int
}

type Option func(*WebsocketHandler)

// WithAllowedOrigin restricts upgrades to one browser origin. "*" or empty allows any.
func WithAllowedOrigin(origin string) Option {
	return func(h *WebsocketHandler) {
		if origin == "" || origin == "*" {
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return o == "" || o == origin
		}
	}
}

func WithRateLimit(perSecond float64, burst int) Option {
	return func(h *WebsocketHandler) {
		h.eventsPerSecond = perSecond
		h.eventBurst = burst
	}
}

// WithFriendWarmup loads a user's friend list into the friendship cache on login.
func WithFriendWarmup(userUc usecase.UserUsecase) Option {
	return func(h *WebsocketHandler) {
		h.userUc = userUc
	}
}

func NewWebsocketHandler(hub ws.IHub, authUc usecase.AuthUsecase, messageUc usecase.MessageUsecase, log *zap.Logger, opts ...Option) *WebsocketHandler {
	h := &WebsocketHandler{
		hub:       hub,
		authUc:    authUc,
		messageUc: messageUc,
		validate:  validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleWebSocket authenticates, upgrades and serves one connection until it drops.
func (h *WebsocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authUc.ValidateAccessToken(jwt.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade error", zap.Error(err))
		return
	}

	client := ws.NewClient(conn, h.log, ws.WithRateLimit(h.eventsPerSecond, h.eventBurst))
	h.log.Debug("socket connected", zap.String("clientId", client.Id), zap.String("identity", claims.UserId))

	ctx := r.Context()
	h.subscribe(ctx, client, claims.UserId)

	go client.WritePump()
	client.ReadPump()

	h.hub.Unregister(client)
	client.Close()
}

func (h *WebsocketHandler) subscribe(ctx context.Context, client *ws.UserClient, identity string) {
	client.Subscribe(protocol.EventUserLogin, func(data json.RawMessage) {
		h.handleUserLogin(ctx, client, identity, data)
	})
	client.Subscribe(protocol.EventPrivateMessage, func(data json.RawMessage) {
		h.handlePrivateMessage(ctx, client, identity, data)
	})
	client.Subscribe(protocol.EventTyping, func(data json.RawMessage) {
		h.handleTyping(client, identity, data)
	})
	client.Subscribe(protocol.EventMarkMessagesRead, func(data json.RawMessage) {
		h.handleMarkMessagesRead(ctx, client, identity, data)
	})
	chatOpened := func(data json.RawMessage) {
		h.handleChatOpened(ctx, client, identity, data)
	}
	client.Subscribe(protocol.EventChatOpened, chatOpened)
	client.Subscribe(protocol.EventChatOpenedAlias, chatOpened)
}

func (h *WebsocketHandler) handleUserLogin(ctx context.Context, client *ws.UserClient, identity string, data json.RawMessage) {
	login, ok := decode[protocol.UserLogin](h, client, protocol.EventUserLogin, data)
	if !ok || !h.owns(client, identity, login.UserId, "") {
		return
	}

	client.SetUserId(identity)
	h.hub.Register(identity, client)

	if h.userUc != nil {
		if err := h.userUc.WarmFriends(ctx, identity); err != nil {
			h.log.Warn("warm friendship cache", zap.String("userId", identity), zap.Error(err))
		}
	}
}

func (h *WebsocketHandler) handlePrivateMessage(ctx context.Context, client *ws.UserClient, identity string, data json.RawMessage) {
	msg, ok := decode[protocol.PrivateMessage](h, client, protocol.EventPrivateMessage, data)
	if !ok || !h.owns(client, identity, msg.Sender, msg.ClientMessageId) {
		return
	}

	_, err := h.messageUc.Send(ctx, client, usecase.SendInput{
		Sender:          msg.Sender,
		Recipient:       msg.Recipient,
		Content:         msg.Content,
		ClientMessageId: msg.ClientMessageId,
	})
	if err != nil {
		h.log.Debug("private message failed", zap.String("sender", msg.Sender), zap.Error(err))
	}
}

func (h *WebsocketHandler) handleTyping(client *ws.UserClient, identity string, data json.RawMessage) {
	typing, ok := decode[protocol.Typing](h, client, protocol.EventTyping, data)
	if !ok || !h.owns(client, identity, typing.Sender, "") {
		return
	}

	h.messageUc.Typing(typing.Sender, typing.Recipient)
}

func (h *WebsocketHandler) handleMarkMessagesRead(ctx context.Context, client *ws.UserClient, identity string, data json.RawMessage) {
	read, ok := decode[protocol.MarkMessagesRead](h, client, protocol.EventMarkMessagesRead, data)
	if !ok || !h.owns(client, identity, read.UserId, "") {
		return
	}

	if _, err := h.messageUc.MarkRead(ctx, client, read.UserId, read.FriendId); err != nil {
		h.log.Debug("mark messages read failed", zap.String("reader", read.UserId), zap.Error(err))
	}
}

func (h *WebsocketHandler) handleChatOpened(ctx context.Context, client *ws.UserClient, identity string, data json.RawMessage) {
	opened, ok := decode[protocol.ChatOpened](h, client, protocol.EventChatOpened, data)
	if !ok || !h.owns(client, identity, opened.UserId, "") {
		return
	}

	if err := h.messageUc.ChatOpened(ctx, client, opened.UserId, opened.FriendId); err != nil {
		h.log.Debug("chat opened failed", zap.String("reader", opened.UserId), zap.Error(err))
	}
}

// owns rejects payloads that speak for someone other than the authenticated identity.
// A rejected private message carries its clientMessageId back so the sender can flag it.
func (h *WebsocketHandler) owns(client *ws.UserClient, identity, claimed, clientMessageId string) bool {
	if claimed == identity {
		return true
	}
	h.log.Warn("payload identity mismatch",
		zap.String("identity", identity),
		zap.String("claimed", claimed),
		zap.Error(ErrIdentityMismatch))
	reject := identityMismatch
	reject.ClientMessageId = clientMessageId
	client.Send(protocol.EventMessageError, reject)
	return false
}

func decode[T any](h *WebsocketHandler, client *ws.UserClient, event string, data json.RawMessage) (T, bool) {
	payload, err := decodePayload[T](h.validate, data)
	if err != nil {
		h.log.Debug("invalid payload", zap.String("event", event), zap.Error(err))
		client.Send(protocol.EventMessageError, invalidPayload)
		return payload, false
	}
	return payload, true
}
