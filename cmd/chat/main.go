package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/weiawesome/ephemeral-chat/internal/chatsync"
	"github.com/weiawesome/ephemeral-chat/internal/config"
	"github.com/weiawesome/ephemeral-chat/internal/console"
	"github.com/weiawesome/ephemeral-chat/internal/idgen"
	"github.com/weiawesome/ephemeral-chat/internal/prefs"
	"github.com/weiawesome/ephemeral-chat/internal/presence"
	"github.com/weiawesome/ephemeral-chat/internal/remote"
	"github.com/weiawesome/ephemeral-chat/internal/session"
	"github.com/weiawesome/ephemeral-chat/internal/store"
	"github.com/weiawesome/ephemeral-chat/internal/store/cache"
	"github.com/weiawesome/ephemeral-chat/pkg/database"
	pkglog "github.com/weiawesome/ephemeral-chat/pkg/log"
	"github.com/weiawesome/ephemeral-chat/pkg/pubsub"
	"github.com/weiawesome/ephemeral-chat/pkg/storage"
)

// backend is what a session talks to: the database directly or a chat server.
type backend struct {
	rooms     session.RoomStore
	messages  chatsync.MessageStore
	sub       pubsub.Subscriber
	publisher pubsub.Publisher
	baseURL   string
	close     func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// The terminal belongs to the chat; logs go to stderr unless configured.
	output := cfg.Log.Output
	if output == "" {
		output = "stderr"
	}
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      true,
		ServiceName: "chat-client",
		Output:      output,
	})
	logger := pkglog.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	messageIDs, err := idgen.NewMessageIDGenerator(cfg.IDs.MessageStrategy)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid message id strategy")
	}
	codes, err := idgen.NewSecurityCodeGenerator(cfg.Room.CodeLength)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid security code config")
	}

	var be *backend
	switch cfg.Client.Mode {
	case "remote":
		be = remoteBackend(cfg)
	default:
		be = embeddedBackend(cfg, messageIDs, logger)
	}
	defer be.close()

	opts := []session.Option{
		session.WithCodeGenerator(codes),
		session.WithMessageIDGenerator(messageIDs),
	}

	backendStorage, err := storage.New(ctx, cfg.Prefs.Storage)
	if err != nil {
		logger.Warn().Err(err).Msg("preferences unavailable")
	} else {
		opts = append(opts, session.WithPrefs(prefs.New(backendStorage)))
	}

	switch {
	case !cfg.Presence.Enabled:
	case !presenceSupported(cfg):
		logger.Warn().Str("mode", cfg.Client.Mode).Msg("presence is not shared in this mode, disabled")
	default:
		tracker, closePresence := newTracker(cfg, be.publisher, logger)
		defer closePresence()
		opts = append(opts, session.WithPresence(tracker))
	}

	con := console.New(os.Stdout, be.baseURL)
	sy := chatsync.New(be.messages, be.sub, messageIDs, con, chatsync.Config{
		PollInterval: cfg.Sync.PollInterval,
		SendTimeout:  cfg.Sync.SendTimeout,
	})
	defer sy.WaitPending()

	mgr, err := session.NewManager(be.rooms, sy, opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create session")
	}
	con.Attach(mgr)

	if err := mgr.LoadPreferences(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to load preferences")
	}

	if err := con.Run(ctx, os.Stdin); err != nil {
		logger.Error().Err(err).Msg("input error")
	}
}

func embeddedBackend(cfg *config.Config, messageIDs idgen.Generator, logger zerolog.Logger) *backend {
	db, err := database.New(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := store.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to auto-migrate")
	}

	bus, err := pubsub.NewPubSub(cfg.PubSub)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create pubsub")
	}

	roomIDs, err := idgen.NewRoomIDGenerator(cfg.Room.IDLength)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid room id config")
	}

	opts := []store.Option{
		store.WithRoomTTL(cfg.Room.TTL),
		store.WithRoomIDGenerator(roomIDs),
		store.WithMessageIDGenerator(messageIDs),
		store.WithMaxCreateAttempts(cfg.Room.MaxCreateAttempts),
		store.WithPublisher(bus),
	}
	closeCache := func() {}
	if cfg.Redis.Enabled {
		roomCache, err := cache.NewRedisRoomCache(cfg.Redis, cfg.Cache.Prefix)
		if err != nil {
			logger.Warn().Err(err).Msg("redis cache unavailable")
		} else {
			opts = append(opts, store.WithCache(roomCache, cfg.Cache.RoomTTL))
			closeCache = func() { roomCache.Close() }
		}
	}

	st, err := store.NewGormStore(db, opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create room store")
	}

	return &backend{
		rooms:     st,
		messages:  st,
		sub:       bus,
		publisher: bus,
		baseURL:   cfg.Server.PublicURL,
		close: func() {
			st.Wait()
			closeCache()
			bus.Close()
			database.Close(db)
		},
	}
}

func remoteBackend(cfg *config.Config) *backend {
	client := remote.NewClient(cfg.Client.ServerURL, cfg.Sync.SendTimeout)
	return &backend{
		rooms:    client,
		messages: client,
		sub:      client,
		baseURL:  cfg.Client.ServerURL,
		close:    func() {},
	}
}

// presenceSupported reports whether join and leave events can reach other
// participants. The remote API carries no presence, so a local tracker
// would only ever see this client.
func presenceSupported(cfg *config.Config) bool {
	return cfg.Client.Mode != "remote"
}

func newTracker(cfg *config.Config, publisher pubsub.Publisher, logger zerolog.Logger) (*presence.Tracker, func()) {
	presenceStore := presence.NewMemoryStore()
	if cfg.Redis.Enabled {
		rs, err := presence.DialRedisStore(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn().Err(err).Msg("redis presence unavailable, tracking locally")
		} else {
			presenceStore = rs
		}
	}

	tracker := presence.NewTracker(presenceStore, publisher, presence.Config{
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		EntryTTL:          cfg.Presence.EntryTTL,
	})
	return tracker, func() { presenceStore.Close() }
}
