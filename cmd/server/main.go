package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nexuschat/relay/internal/auth"
	"github.com/nexuschat/relay/internal/config"
	"github.com/nexuschat/relay/internal/relay"
	"github.com/nexuschat/relay/internal/server"
	"github.com/nexuschat/relay/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(1)
	}

	db, err := gorm.Open(sqlite.Open(cfg.DatabaseDSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		logger.Error("open database", "dsn", cfg.DatabaseDSN, "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	st := store.New(db, redisClient, cfg.BacklogSize, logger)
	if err := st.Migrate(); err != nil {
		logger.Error("migrate schema", "error", err)
		os.Exit(1)
	}

	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL)
	gate := auth.NewGate(tokens, server.Directory{Store: st})

	registry := relay.NewRegistry(logger)
	rly := relay.New(relay.NewRedisBroker(redisClient), registry, logger)
	handler := relay.NewHandler(gate, st, registry, rly, relay.HandlerConfig{
		BacklogSize:     cfg.BacklogSize,
		MaxMessageSize:  cfg.MaxMessageSize,
		RateLimitBurst:  cfg.RateLimitBurst,
		RateLimitRefill: cfg.RateLimitRefill,
	}, logger)

	srv := server.New(cfg, logger, st, tokens, handler)
	httpServer := server.CreateHTTPServer(cfg.Addr, srv.Routes())

	go func() {
		logger.Info("chat relay listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	if err := server.Shutdown(httpServer, cfg.ShutdownTimeout); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	// Closing transports unwinds the read loops, which release their room
	// subscriptions before Close reaps whatever remains.
	registry.CloseAll()
	rly.Close()

	if err := redisClient.Close(); err != nil {
		logger.Warn("redis close", "error", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	logger.Info("shutdown complete")
}
