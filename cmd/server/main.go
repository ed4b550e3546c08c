package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"friendfinder/infrastructure/cache"
	"friendfinder/infrastructure/db"
	"friendfinder/infrastructure/events"
	"friendfinder/infrastructure/ws"
	"friendfinder/internal/config"
	httpHandler "friendfinder/internal/delivery/http"
	"friendfinder/internal/delivery/websocket"
	"friendfinder/internal/repository"
	"friendfinder/internal/usecase"
	"friendfinder/pkg/jwt"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

type store interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, messageRepo, userRepo, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	}()

	hub, closeHub, err := newHub(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeHub()
	hub.SetOnClientUnregister(func(userId string, client *ws.UserClient) error {
		log.Info("user offline", zap.String("userId", userId), zap.String("clientId", client.Id))
		return nil
	})
	go func() {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("hub stopped", zap.Error(err))
		}
	}()

	var publisher events.Publisher = events.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		log.Info("publishing domain events", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("close publisher", zap.Error(err))
		}
	}()

	friendCache := cache.NewMemCache[bool](cfg.FriendCacheTTL, cfg.FriendCacheTTL)
	defer friendCache.Close()

	// tokens are issued by the account service; the duration only affects local tooling
	jwtManager := jwt.NewJWTManager(cfg.JWTSecret, 15*time.Minute)

	authUc := usecase.NewAuthUsecase(jwtManager)
	userUc := usecase.NewUserUseCase(userRepo, friendCache, log)
	messageUc := usecase.NewMessageUseCase(messageRepo, userUc, hub, log,
		usecase.WithResyncLimit(cfg.ResyncLimit),
		usecase.WithReadSyncLimit(cfg.ReadSyncLimit),
		usecase.WithPublisher(publisher),
	)

	websocketH := websocket.NewWebsocketHandler(hub, authUc, messageUc, log,
		websocket.WithAllowedOrigin(cfg.AllowedOrigin),
		websocket.WithRateLimit(cfg.WSEventsPerSecond, cfg.WSEventBurst),
		websocket.WithFriendWarmup(userUc),
	)
	httpH := httpHandler.NewHttpHandler(messageUc, st, log)
	authMiddleware := httpHandler.NewAuthMiddleware(authUc, log)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(httpHandler.CORS(cfg.AllowedOrigin))
	httpHandler.MapHttpRoutes(router, httpH, websocketH, authMiddleware)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.IsDevelopment() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store, repository.MessageRepository, repository.UserRepository, error) {
	switch cfg.StoreDriver {
	case config.StoreBadger:
		badgerStore, err := db.NewBadgerStore(cfg.BadgerPath, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open badger: %w", err)
		}
		users := repository.NewBadgerUserRepository(badgerStore.DB)
		pairs, err := cfg.Friendships()
		if err != nil {
			_ = badgerStore.Close(ctx)
			return nil, nil, nil, err
		}
		for _, pair := range pairs {
			if err := users.AddFriendship(ctx, pair[0], pair[1]); err != nil {
				_ = badgerStore.Close(ctx)
				return nil, nil, nil, fmt.Errorf("seed friendship: %w", err)
			}
		}
		return badgerStore, repository.NewBadgerMessageRepository(badgerStore.DB, log), users, nil

	default:
		mongoStore, err := db.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect mongodb: %w", err)
		}
		if err := repository.EnsureMessageIndexes(ctx, *mongoStore.DB); err != nil {
			log.Warn("ensure message indexes", zap.Error(err))
		}
		return mongoStore, repository.NewMessageRepository(*mongoStore.DB, log), repository.NewUserRepository(*mongoStore.DB), nil
	}
}

func newHub(ctx context.Context, cfg config.Config, log *zap.Logger) (ws.IHub, func(), error) {
	if cfg.RedisAddr == "" {
		log.Info("using in-memory hub (single server)")
		return ws.NewHub(log), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}

	log.Info("using redis hub", zap.String("addr", cfg.RedisAddr), zap.String("serverId", cfg.ServerID))
	closeClient := func() {
		if err := client.Close(); err != nil {
			log.Warn("close redis", zap.Error(err))
		}
	}
	return ws.NewRedisHub(client, cfg.ServerID, log, ws.WithPresenceTTL(cfg.PresenceTTL)), closeClient, nil
}
