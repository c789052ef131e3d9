package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Tyrowin/vibechat/internal/auth"
	"github.com/Tyrowin/vibechat/internal/logger"
	"github.com/Tyrowin/vibechat/internal/notify"
	"github.com/Tyrowin/vibechat/internal/server"
	"github.com/Tyrowin/vibechat/internal/store"
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		return 2, err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return 2, err
	}
	defer func() { _ = log.Sync() }()

	if cfg.UsesDefaultSecret() {
		log.Warn("JWT_SECRET is not set; using the development default")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return 1, err
	}
	defer closeStore()

	hub := server.NewHub(st, *cfg, log)
	gateway := server.NewGateway(hub, auth.NewResolver([]byte(cfg.JWTSecret), st), log)

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(gateway))

	var subscriber *notify.Subscriber
	if cfg.NATSURL != "" {
		nc, err := notify.Connect(cfg.NATSURL, "chat-gateway", log)
		if err != nil {
			return 1, err
		}
		defer func() { _ = nc.Drain() }()

		subscriber = notify.NewSubscriber(nc, cfg.NATSSubjectPrefix, hub, cfg.HandlerTimeout, log)
		if err := subscriber.Start(); err != nil {
			return 1, err
		}
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.StartServer(httpServer, log)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			log.Error("Server failed", zap.Error(err))
			return 1, err
		}
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	if subscriber != nil {
		if err := subscriber.Stop(); err != nil {
			log.Warn("NATS subscriber stop failed", zap.Error(err))
		}
	}
	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Warn("Hub shutdown incomplete", zap.Error(err))
		return 1, nil
	}
	return 0, nil
}

// openStore picks Postgres when DATABASE_URL is set and wraps it with the
// Redis cache when REDIS_ADDR is set.
func openStore(ctx context.Context, cfg *server.Config, log *zap.Logger) (store.Store, func(), error) {
	var (
		st      store.Store
		closers []func()
	)

	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, pg.Close)
		st = pg
		log.Info("Using Postgres store")
	} else {
		st = store.NewMemory()
		log.Warn("DATABASE_URL is not set; using an empty in-memory store")
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("Redis unreachable at startup; cache calls will fall back", zap.Error(err))
		}
		closers = append(closers, func() { _ = rdb.Close() })
		st = store.NewCached(st, rdb, cfg.ContactsCacheTTL, log)
		log.Info("Contacts cache enabled", zap.String("addr", cfg.RedisAddr), zap.Duration("ttl", cfg.ContactsCacheTTL))
	}

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return st, closeAll, nil
}
