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

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/ephemeral-chat/internal/config"
	"github.com/weiawesome/ephemeral-chat/internal/handler"
	"github.com/weiawesome/ephemeral-chat/internal/idgen"
	"github.com/weiawesome/ephemeral-chat/internal/reaper"
	"github.com/weiawesome/ephemeral-chat/internal/store"
	"github.com/weiawesome/ephemeral-chat/internal/store/cache"
	"github.com/weiawesome/ephemeral-chat/pkg/database"
	pkglog "github.com/weiawesome/ephemeral-chat/pkg/log"
	"github.com/weiawesome/ephemeral-chat/pkg/pubsub"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Level == "debug",
		ServiceName: "chat-server",
		Output:      cfg.Log.Output,
	})
	logger := pkglog.L()

	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close(db)

	if err := store.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to auto-migrate")
	}
	logger.Info().Msg("database migration completed")

	bus, err := pubsub.NewPubSub(cfg.PubSub)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create pubsub")
	}
	defer bus.Close()

	roomIDs, err := idgen.NewRoomIDGenerator(cfg.Room.IDLength)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid room id config")
	}
	codes, err := idgen.NewSecurityCodeGenerator(cfg.Room.CodeLength)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid security code config")
	}
	messageIDs, err := idgen.NewMessageIDGenerator(cfg.IDs.MessageStrategy)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid message id strategy")
	}

	opts := []store.Option{
		store.WithRoomTTL(cfg.Room.TTL),
		store.WithRoomIDGenerator(roomIDs),
		store.WithMessageIDGenerator(messageIDs),
		store.WithMaxCreateAttempts(cfg.Room.MaxCreateAttempts),
		store.WithPublisher(bus),
	}

	// Redis room cache is optional
	if cfg.Redis.Enabled {
		roomCache, err := cache.NewRedisRoomCache(cfg.Redis, cfg.Cache.Prefix)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer roomCache.Close()
		opts = append(opts, store.WithCache(roomCache, cfg.Cache.RoomTTL))
		logger.Info().Msg("redis cache connected")
	}

	roomStore, err := store.NewGormStore(db, opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create room store")
	}
	defer roomStore.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rp *reaper.Reaper
	if cfg.Reaper.Enabled {
		rp = reaper.New(roomStore, cfg.Reaper)
		rp.Start(ctx)
	}

	httpHandler := handler.NewHandler(roomStore, bus, codes, roomStore.TTL(), cfg.Server.PublicURL, cfg.WebSocket)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))
	httpHandler.RegisterRoutes(r)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("driver", cfg.Database.Driver).
			Str("pubsub", cfg.PubSub.Driver).
			Dur("room_ttl", roomStore.TTL()).
			Msg("chat-server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down chat-server")

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	if rp != nil {
		rp.Stop()
		<-rp.Done()
	}
	cancel()

	logger.Info().Msg("chat-server stopped")
}
