package http

import (
	"net/http"

	wsDelivery "friendfinder/internal/delivery/websocket"

	"github.com/go-chi/chi/v5"
)

func MapHttpRoutes(r chi.Router, httpHandler *HttpHandler, websocketHandler *wsDelivery.WebsocketHandler, authMiddleware *AuthMiddleware) {
	// the socket authenticates its own upgrade request
	r.Handle("/ws", http.HandlerFunc(websocketHandler.HandleWebSocket))
	r.Get("/healthz", httpHandler.Healthz)

	r.Route("/api/messaging", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Get("/history/{friendId}", httpHandler.History)
		r.Put("/read/{friendId}", httpHandler.MarkRead)
		r.Post("/send", httpHandler.SendMessage)
		r.Get("/messages/{userId}", httpHandler.Conversation)
	})
}
