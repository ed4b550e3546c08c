package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"friendfinder/pkg/protocol"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisOpTimeout = 2 * time.Second
	// DefaultPresenceTTL outlives two missed refreshes on the ping cadence.
	DefaultPresenceTTL = 3 * pingPeriod
)

// unregisterScript deletes the presence key only while it still names this server, so a
// newer registration on another node survives our disconnect.
var unregisterScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the presence key only while this server still owns it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisHub keeps local connections in a Hub and routes events for users connected to
// other nodes through Redis pub/sub.
type RedisHub struct {
	local       *Hub
	redisClient redis.UniversalClient
	serverID    string
	presenceTTL time.Duration
	log         *zap.Logger
}

type RedisHubOption func(*RedisHub)

// WithPresenceTTL sets how long a presence key survives without a refresh. Keys are
// refreshed three times per TTL, so a crashed node's users expire after at most ttl.
func WithPresenceTTL(ttl time.Duration) RedisHubOption {
	return func(h *RedisHub) {
		if ttl > 0 {
			h.presenceTTL = ttl
		}
	}
}

type RedisMessage struct {
	FromServerID string `json:"fromServerId"`
	ToUserID     string `json:"toUserId"`
	Payload      []byte `json:"payload"`
}

func NewRedisHub(redisClient redis.UniversalClient, serverID string, log *zap.Logger, opts ...RedisHubOption) *RedisHub {
	h := &RedisHub{
		local:       NewHub(log),
		redisClient: redisClient,
		serverID:    serverID,
		presenceTTL: DefaultPresenceTTL,
		log:         log.With(zap.String("serverId", serverID)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func presenceKey(userId string) string {
	return "user:" + userId + ":server"
}

func userChannel(userId string) string {
	return "messages:" + userId
}

// Run consumes events published for users connected to this node and keeps their
// presence keys alive until ctx is done.
func (h *RedisHub) Run(ctx context.Context) error {
	pubsub := h.redisClient.PSubscribe(ctx, userChannel("*"))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	h.log.Info("redis subscriber started")

	refresh := time.NewTicker(h.presenceTTL / 3)
	defer refresh.Stop()

	ch := pubsub.Channel()
	for {
		select {
		case <-refresh.C:
			h.refreshPresence(ctx)
		case <-ctx.Done():
			h.local.closeAll()
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			h.deliver(msg.Payload)
		}
	}
}

func (h *RedisHub) deliver(raw string) {
	var redisMsg RedisMessage
	if err := json.Unmarshal([]byte(raw), &redisMsg); err != nil {
		h.log.Error("unmarshal redis message", zap.Error(err))
		return
	}

	if redisMsg.FromServerID == h.serverID {
		return
	}

	client, ok := h.local.Lookup(redisMsg.ToUserID)
	if !ok {
		return
	}

	h.log.Debug("delivering relayed event", zap.String("userId", redisMsg.ToUserID))
	client.SendRaw(redisMsg.Payload)
}

func (h *RedisHub) refreshPresence(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	ttl := h.presenceTTL.Milliseconds()
	for _, userId := range h.local.UserIds() {
		if err := refreshScript.Run(ctx, h.redisClient, []string{presenceKey(userId)}, h.serverID, ttl).Err(); err != nil {
			h.log.Warn("refresh presence", zap.String("userId", userId), zap.Error(err))
		}
	}
}

func (h *RedisHub) Register(userId string, client *UserClient) {
	h.local.Register(userId, client)

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := h.redisClient.Set(ctx, presenceKey(userId), h.serverID, h.presenceTTL).Err(); err != nil {
		h.log.Error("announce presence", zap.String("userId", userId), zap.Error(err))
	}
}

func (h *RedisHub) Unregister(client *UserClient) []string {
	freed := h.local.Unregister(client)
	if len(freed) == 0 {
		return freed
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	for _, userId := range freed {
		if err := unregisterScript.Run(ctx, h.redisClient, []string{presenceKey(userId)}, h.serverID).Err(); err != nil {
			h.log.Error("withdraw presence", zap.String("userId", userId), zap.Error(err))
		}
	}
	return freed
}

func (h *RedisHub) Lookup(userId string) (*UserClient, bool) {
	return h.local.Lookup(userId)
}

// SendToUser tries the local connection first, then relays through Redis when another
// node holds the user's presence key.
func (h *RedisHub) SendToUser(userId, event string, payload any) bool {
	if client, ok := h.local.Lookup(userId); ok {
		return client.Send(event, payload)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	owner, err := h.redisClient.Get(ctx, presenceKey(userId)).Result()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		h.log.Error("lookup remote presence", zap.String("userId", userId), zap.Error(err))
		return false
	}
	if owner == h.serverID {
		return false
	}

	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.log.Error("encode event", zap.String("event", event), zap.Error(err))
		return false
	}
	msgBytes, err := json.Marshal(RedisMessage{
		FromServerID: h.serverID,
		ToUserID:     userId,
		Payload:      frame,
	})
	if err != nil {
		h.log.Error("marshal redis message", zap.Error(err))
		return false
	}

	if err := h.redisClient.Publish(ctx, userChannel(userId), msgBytes).Err(); err != nil {
		h.log.Error("publish to redis", zap.String("userId", userId), zap.Error(err))
		return false
	}
	return true
}

func (h *RedisHub) GetClientCount() int {
	return h.local.GetClientCount()
}

func (h *RedisHub) SetOnClientUnregister(callback func(userId string, client *UserClient) error) {
	h.local.SetOnClientUnregister(callback)
}
