package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	StoreMongo  = "mongo"
	StoreBadger = "badger"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Port   string `envconfig:"PORT" default:"8080"`
	AppEnv string `envconfig:"APP_ENV" default:"production"`

	StoreDriver   string `envconfig:"STORE_DRIVER" default:"mongo"`
	MongoURI      string `envconfig:"MONGODB_URI" default:"mongodb://localhost:27017"`
	MongoDatabase string `envconfig:"MONGODB_DATABASE" default:"friendfinder"`
	BadgerPath    string `envconfig:"BADGER_PATH" default:"./data/badger"`
	// BADGER_FRIENDSHIPS seeds the embedded store, e.g. "alice:bob,alice:carol".
	BadgerFriendships []string `envconfig:"BADGER_FRIENDSHIPS"`

	// REDIS_ADDR switches presence to the multi-node Redis hub.
	RedisAddr   string        `envconfig:"REDIS_ADDR"`
	ServerID    string        `envconfig:"SERVER_ID" default:"server-1"`
	PresenceTTL time.Duration `envconfig:"PRESENCE_TTL" default:"90s"`

	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"messaging-events"`

	ResyncLimit    int           `envconfig:"RESYNC_LIMIT" default:"20"`
	ReadSyncLimit  int           `envconfig:"READ_SYNC_LIMIT" default:"100"`
	FriendCacheTTL time.Duration `envconfig:"FRIEND_CACHE_TTL" default:"30s"`

	WSEventsPerSecond float64 `envconfig:"WS_EVENTS_PER_SECOND" default:"20"`
	WSEventBurst      int     `envconfig:"WS_EVENT_BURST" default:"40"`

	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://localhost:3000"`
}

// Load reads an optional .env file, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreMongo, StoreBadger:
	default:
		return fmt.Errorf("%w: STORE_DRIVER must be %q or %q, got %q", ErrInvalidConfig, StoreMongo, StoreBadger, c.StoreDriver)
	}
	if c.ResyncLimit <= 0 || c.ReadSyncLimit <= 0 {
		return fmt.Errorf("%w: RESYNC_LIMIT and READ_SYNC_LIMIT must be positive", ErrInvalidConfig)
	}
	if _, err := c.Friendships(); err != nil {
		return err
	}
	if c.WSEventsPerSecond > 0 && c.WSEventBurst <= 0 {
		return fmt.Errorf("%w: WS_EVENT_BURST must be positive when rate limiting", ErrInvalidConfig)
	}
	return nil
}

// Friendships parses BADGER_FRIENDSHIPS into user id pairs.
func (c Config) Friendships() ([][2]string, error) {
	pairs := make([][2]string, 0, len(c.BadgerFriendships))
	for _, raw := range c.BadgerFriendships {
		a, b, ok := strings.Cut(strings.TrimSpace(raw), ":")
		if !ok || a == "" || b == "" || a == b {
			return nil, fmt.Errorf("%w: BADGER_FRIENDSHIPS entry %q must be userA:userB", ErrInvalidConfig, raw)
		}
		pairs = append(pairs, [2]string{a, b})
	}
	return pairs, nil
}

func (c Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
