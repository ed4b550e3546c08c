package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"friendfinder/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HttpHandler struct {
	messageUc usecase.MessageUsecase
	store     Pinger
	validate  *validator.Validate
	log       *zap.Logger
}

func NewHttpHandler(messageUc usecase.MessageUsecase, store Pinger, log *zap.Logger) *HttpHandler {
	return &HttpHandler{
		messageUc: messageUc,
		store:     store,
		validate:  validator.New(),
		log:       log,
	}
}

type Response struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type markReadResponse struct {
	Message      string `json:"message"`
	UpdatedCount int    `json:"updatedCount"`
}

type sendRequest struct {
	Recipient       string `json:"recipient" validate:"required"`
	Content         string `json:"content" validate:"required"`
	ClientMessageId string `json:"clientMessageId,omitempty"`
}

// Method Get /api/messaging/history/:friendId
func (h *HttpHandler) History(w http.ResponseWriter, r *http.Request) {
	userId := UserFromContext(r.Context()).UserId
	friendId := chi.URLParam(r, "friendId")

	messages, err := h.messageUc.History(r.Context(), userId, friendId)
	if err != nil {
		h.fail(w, "history", err, "Not authorized to view this chat history")
		return
	}

	writeJSON(w, http.StatusOK, usecase.ToProtocolMessages(messages))
}

// Method Get /api/messaging/messages/:userId
func (h *HttpHandler) Conversation(w http.ResponseWriter, r *http.Request) {
	userId := UserFromContext(r.Context()).UserId
	friendId := chi.URLParam(r, "userId")

	messages, err := h.messageUc.Conversation(r.Context(), userId, friendId)
	if err != nil {
		h.fail(w, "conversation", err, "Not authorized to view this chat history")
		return
	}

	writeJSON(w, http.StatusOK, usecase.ToProtocolMessages(messages))
}

// Method Put /api/messaging/read/:friendId
func (h *HttpHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userId := UserFromContext(r.Context()).UserId
	friendId := chi.URLParam(r, "friendId")

	count, err := h.messageUc.MarkReadForFriend(r.Context(), userId, friendId)
	if err != nil {
		h.fail(w, "mark read", err, "Not authorized to mark these messages")
		return
	}

	writeJSON(w, http.StatusOK, markReadResponse{
		Message:      fmt.Sprintf("Marked %d messages as read", count),
		UpdatedCount: count,
	})
}

// Method Post /api/messaging/send
func (h *HttpHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sender := UserFromContext(r.Context()).UserId

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "invalid request body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "recipient and content are required"})
		return
	}

	message, err := h.messageUc.Send(r.Context(), nil, usecase.SendInput{
		Sender:          sender,
		Recipient:       req.Recipient,
		Content:         req.Content,
		ClientMessageId: req.ClientMessageId,
	})
	if err != nil {
		h.fail(w, "send message", err, "")
		return
	}

	writeJSON(w, http.StatusCreated, Response{
		Message: "success",
		Data:    usecase.ToProtocolMessage(message),
	})
}

// Method Get /healthz
func (h *HttpHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Response{Message: "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, Response{Message: "ok"})
}

func (h *HttpHandler) fail(w http.ResponseWriter, op string, err error, forbidden string) {
	switch {
	case errors.Is(err, usecase.ErrNotAuthorized):
		writeJSON(w, http.StatusForbidden, Response{Message: forbidden})
	default:
		h.log.Error(op, zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Response{Message: "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
