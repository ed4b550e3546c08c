package ws

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type Hub struct {
	clients            map[string]*UserClient
	mu                 sync.RWMutex
	log                *zap.Logger
	OnClientUnregister func(userId string, client *UserClient) error
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*UserClient),
		log:     log,
	}
}

// Run blocks until ctx is done, then closes every registered client.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.closeAll()
	return nil
}

func (h *Hub) Register(userId string, client *UserClient) {
	h.mu.Lock()
	previous, replaced := h.clients[userId]
	h.clients[userId] = client
	h.mu.Unlock()

	if replaced && previous != client {
		h.log.Info("presence replaced by newer connection",
			zap.String("userId", userId),
			zap.String("previousClientId", previous.Id),
			zap.String("clientId", client.Id))
		return
	}
	h.log.Info("user connected", zap.String("userId", userId), zap.String("clientId", client.Id))
}

func (h *Hub) Unregister(client *UserClient) []string {
	h.mu.Lock()
	var freed []string
	for userId, c := range h.clients {
		if c == client {
			delete(h.clients, userId)
			freed = append(freed, userId)
		}
	}
	h.mu.Unlock()

	for _, userId := range freed {
		h.log.Info("user disconnected", zap.String("userId", userId), zap.String("clientId", client.Id))
		if h.OnClientUnregister != nil {
			if err := h.OnClientUnregister(userId, client); err != nil {
				h.log.Error("OnClientUnregister error", zap.String("userId", userId), zap.Error(err))
			}
		}
	}
	return freed
}

func (h *Hub) Lookup(userId string) (*UserClient, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[userId]
	return client, ok
}

func (h *Hub) SendToUser(userId, event string, payload any) bool {
	client, ok := h.Lookup(userId)
	if !ok {
		return false
	}
	return client.Send(event, payload)
}

// UserIds lists the users registered on this hub.
func (h *Hub) UserIds() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for userId := range h.clients {
		ids = append(ids, userId)
	}
	return ids
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) SetOnClientUnregister(callback func(userId string, client *UserClient) error) {
	h.OnClientUnregister = callback
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*UserClient)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}
