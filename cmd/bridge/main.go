// Package main provides the bridge binary that connects a chat platform to
// game servers: the HTTP relay, the health monitor, the event fanout and the
// command front end.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/sourcebridge/sourcebridge/internal/bridge"
	"github.com/sourcebridge/sourcebridge/internal/config"
	"github.com/sourcebridge/sourcebridge/internal/format"
	"github.com/sourcebridge/sourcebridge/internal/infopayload"
	"github.com/sourcebridge/sourcebridge/internal/observability"
	"github.com/sourcebridge/sourcebridge/internal/platform/discord"
	"github.com/sourcebridge/sourcebridge/internal/relay"
	"github.com/sourcebridge/sourcebridge/internal/server"
	"github.com/sourcebridge/sourcebridge/internal/source"
	"github.com/sourcebridge/sourcebridge/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting sourcebridge",
		zap.String("relay_addr", cfg.Relay.Addr()),
		zap.String("prefix", cfg.Bridge.Prefix),
	)

	ctx := context.Background()

	// Connect to PostgreSQL for binding persistence
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.Duration("elapsed", time.Since(dbStart)),
	)
	store := postgres.NewBindingRepository(pool.DB())

	formats, err := format.LoadFromFile(cfg.Formats.Path)
	if err != nil {
		logger.Fatal("loading message formats", zap.Error(err))
	}

	// Core state
	exchange := relay.NewExchange()
	payload := infopayload.NewRegistry(exchange, logger)
	registry := bridge.NewRegistry()
	factory := source.NewA2SFactory(cfg.Health.PingTimeout)

	chat, err := discord.New(cfg.Discord, payload, logger)
	if err != nil {
		logger.Fatal("creating discord platform", zap.Error(err))
	}

	monitor := bridge.NewHealthMonitor(cfg.Health, registry, exchange, payload, chat, store, logger)
	commands := bridge.NewCommands(registry, exchange, monitor, factory, store, logger)
	router := bridge.NewBridge(cfg.Bridge.Prefix, commands, registry, exchange, chat, logger)
	chat.OnMessage(router.HandleMessage)

	fanout := bridge.NewEventFanout(cfg.Relay, registry, exchange, chat, formats, format.NewRandSource(), logger)

	avatars := relay.NewSteamAvatarResolver(5*time.Second, logger)
	relayServer := relay.NewServer(cfg.Relay, exchange, avatars, logger)

	restoreBindings(ctx, registry, monitor, factory, store, logger)

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("postgres", postgres.NewKeepAlive(pool, 30*time.Second, 5*time.Second, logger))
	lifecycle.Add("discord", chat)
	lifecycle.Add("relay", relayServer)
	lifecycle.Add("health-monitor", monitor)
	lifecycle.Add("event-fanout", fanout)

	logger.Info("bridge initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Int("restored_bindings", len(registry.All())),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("bridge error", zap.Error(err))
	}
}

// restoreBindings re-dials every persisted channel binding. A server that is
// unreachable at startup is skipped; its row stays in the store so the user
// can reconnect it once it is back.
func restoreBindings(
	ctx context.Context,
	registry *bridge.Registry,
	monitor *bridge.HealthMonitor,
	factory source.Factory,
	store bridge.BindingStore,
	logger *zap.Logger,
) {
	bindings, err := store.List(ctx)
	if err != nil {
		logger.Warn("listing stored bindings failed", zap.Error(err))
		return
	}

	for _, b := range bindings {
		client, err := factory(b.ConStr)
		if err != nil {
			logger.Warn("stored binding not restored, server unreachable",
				zap.String("channel_id", b.ChannelID),
				zap.String("constr", b.ConStr),
				zap.Error(err),
			)
			continue
		}

		conn := bridge.NewConnection(b.ChannelID, b.GuildID, client)
		conn.SetRelayEnabled(b.RelayEnabled)
		conn.SetToNotify(b.ToNotify)
		conn.SetTimeSinceDown(b.TimeSinceDown)
		if err := registry.Bind(conn); err != nil {
			logger.Warn("stored binding conflicts with live state",
				zap.String("channel_id", b.ChannelID),
				zap.String("constr", b.ConStr),
				zap.Error(err),
			)
			client.Close()
			continue
		}
		if b.RelayEnabled {
			monitor.RegisterRelay(conn)
		}
		logger.Info("binding restored",
			zap.String("channel_id", b.ChannelID),
			zap.String("constr", b.ConStr),
			zap.Bool("relay_enabled", b.RelayEnabled),
		)
	}
}
