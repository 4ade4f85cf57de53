// synthform hub server — ingests platform and local-adapter events, fans
// them out to overlays, and runs the background ad/health scheduler.
//
// The binary runs in one of three modes:
//
//	-mode server     HTTP/WebSocket hub, adapters, and the overlay multiplexer
//	-mode eventsub   platform push-subscription adapter (its own process so a
//	                 restart never drops overlay connections)
//	-mode scheduler  ad-break and health cron loop
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/bryanveloso/synthform-sub000/pkg/api"
	"github.com/bryanveloso/synthform-sub000/pkg/bus"
	"github.com/bryanveloso/synthform-sub000/pkg/campaign"
	"github.com/bryanveloso/synthform-sub000/pkg/cleanup"
	"github.com/bryanveloso/synthform-sub000/pkg/config"
	"github.com/bryanveloso/synthform-sub000/pkg/database"
	"github.com/bryanveloso/synthform-sub000/pkg/eventsub"
	"github.com/bryanveloso/synthform-sub000/pkg/intake"
	"github.com/bryanveloso/synthform-sub000/pkg/ironmon"
	"github.com/bryanveloso/synthform-sub000/pkg/kv"
	"github.com/bryanveloso/synthform-sub000/pkg/limitbreak"
	"github.com/bryanveloso/synthform-sub000/pkg/music"
	"github.com/bryanveloso/synthform-sub000/pkg/notify"
	"github.com/bryanveloso/synthform-sub000/pkg/obs"
	"github.com/bryanveloso/synthform-sub000/pkg/osc"
	"github.com/bryanveloso/synthform-sub000/pkg/overlay"
	"github.com/bryanveloso/synthform-sub000/pkg/scheduler"
	"github.com/bryanveloso/synthform-sub000/pkg/store"
	"github.com/bryanveloso/synthform-sub000/pkg/tokens"
	"github.com/bryanveloso/synthform-sub000/pkg/twitch"
	"github.com/bryanveloso/synthform-sub000/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	mode := flag.String("mode", "server", "Process mode: server, eventsub, or scheduler")
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	stats := cfg.Stats()
	slog.Info("Starting synthform",
		"version", version.Full(),
		"mode", *mode,
		"config_dir", *configDir,
		"adapters", stats.Adapters,
		"slack", stats.SlackEnabled)

	switch *mode {
	case "server":
		err = runServer(ctx, cfg)
	case "eventsub":
		err = runEventSub(ctx, cfg)
	case "scheduler":
		err = runScheduler(ctx, cfg)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		slog.Error("Fatal error", "mode", *mode, "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete", "mode", *mode)
}

// runServer starts the hub: database, Redis, local adapters, overlay
// multiplexer, game intake pool, and the HTTP/WebSocket listener.
func runServer(ctx context.Context, cfg *config.Config) error {
	dbClient, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	rdb, err := openRedis(cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	st := store.New(dbClient)
	kvStore := kv.New(rdb)
	eventBus := bus.NewRedisBus(rdb)
	notifier := buildNotifier(cfg)

	twitchClient := buildTwitchClient(cfg)
	tokenStore, err := buildTokenStore(cfg, st, twitchClient)
	if err != nil {
		return err
	}

	// Local adapters. Each constructor returns nil when its section of the
	// config disables it.
	obsClient := obs.NewClient(cfg, eventBus, kvStore, notifier)
	oscListener := osc.NewListener(cfg, eventBus)
	musicPoller := music.NewPoller(cfg, eventBus)
	ironmonServer := ironmon.NewServer(cfg, st, kvStore, eventBus)
	gauge := limitbreak.NewService(cfg, twitchClient, tokenStore, kvStore, eventBus)

	aggregator := campaign.NewAggregator(st, eventBus)
	consumer := campaign.NewConsumer(aggregator, eventBus, cfg.Twitch.VoteRewardID)

	providers := overlay.Providers{
		Campaign: overlay.SnapshotFunc(func(ctx context.Context) (any, error) {
			return aggregator.Snapshot(ctx)
		}),
		Status: overlay.SnapshotFunc(func(ctx context.Context) (any, error) {
			return st.Status(ctx)
		}),
	}
	if obsClient != nil {
		providers.OBS = obsClient
	}
	if oscListener != nil {
		providers.AudioRME = overlay.SnapshotFunc(oscListener.RMESnapshot)
		providers.AudioChannels = overlay.SnapshotFunc(oscListener.ChannelsSnapshot)
	}
	if musicPoller != nil {
		providers.Music = overlay.SnapshotFunc(musicPoller.Snapshot)
	}
	if gauge != nil {
		providers.Limitbreak = overlay.SnapshotFunc(func(ctx context.Context) (any, error) {
			return gauge.State(ctx)
		})
	}
	manager := overlay.NewManager(st, eventBus, providers)

	pool := intake.NewPool(cfg, st, eventBus)
	pool.Start(ctx)

	pruner := cleanup.NewService(cfg.Retention, st)
	pruner.Start(ctx)

	adapterCtx, cancelAdapters := context.WithCancel(ctx)
	defer cancelAdapters()
	g, adapterCtx := errgroup.WithContext(adapterCtx)

	g.Go(func() error { return consumer.Run(adapterCtx) })
	if obsClient != nil {
		g.Go(func() error { return obsClient.Run(adapterCtx) })
	}
	if oscListener != nil {
		g.Go(func() error { return oscListener.Run(adapterCtx) })
	}
	if musicPoller != nil {
		g.Go(func() error { return musicPoller.Run(adapterCtx) })
	}
	if ironmonServer != nil {
		g.Go(func() error { return ironmonServer.Run(adapterCtx) })
	}
	if gauge != nil {
		g.Go(func() error { return gauge.Run(adapterCtx) })
	}

	httpServer := api.NewServer(cfg, st, kvStore, eventBus, manager, aggregator, pool)
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	case <-adapterCtx.Done():
		slog.Error("Adapter failure triggered shutdown")
	}

	// Stop the listener first so overlays see a clean close, then drain the
	// adapters and the intake pool.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	cancelAdapters()
	adaptersDone := make(chan struct{})
	go func() {
		if err := g.Wait(); err != nil && err != context.Canceled {
			slog.Error("Adapter error during shutdown", "error", err)
		}
		close(adaptersDone)
	}()
	select {
	case <-adaptersDone:
		slog.Info("Adapters stopped gracefully")
	case <-time.After(5 * time.Second):
		slog.Warn("Adapter shutdown timeout exceeded")
	}

	pool.Stop()
	pruner.Stop()
	return nil
}

// runEventSub starts the platform push-subscription adapter on its own.
func runEventSub(ctx context.Context, cfg *config.Config) error {
	dbClient, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()

	rdb, err := openRedis(cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	st := store.New(dbClient)
	twitchClient := buildTwitchClient(cfg)
	tokenStore, err := buildTokenStore(cfg, st, twitchClient)
	if err != nil {
		return err
	}

	adapter := eventsub.NewAdapter(cfg, twitchClient, tokenStore, st,
		kv.New(rdb), bus.NewRedisBus(rdb), buildNotifier(cfg))

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	return adapter.Run(runCtx)
}

// runScheduler starts the ad-break and health cron loop.
func runScheduler(ctx context.Context, cfg *config.Config) error {
	dbClient, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()

	rdb, err := openRedis(cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	twitchClient := buildTwitchClient(cfg)
	tokenStore, err := buildTokenStore(cfg, store.New(dbClient), twitchClient)
	if err != nil {
		return err
	}

	sched := scheduler.New(cfg, kv.New(rdb), bus.NewRedisBus(rdb),
		twitchClient, tokenStore, buildNotifier(cfg))

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	return sched.Run(runCtx)
}

func openDatabase(ctx context.Context) (*database.Client, error) {
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load database config: %w", err)
	}
	client, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return client, nil
}

func openRedis(cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

func buildNotifier(cfg *config.Config) *notify.Notifier {
	if cfg.Slack == nil || !cfg.Slack.Enabled {
		return nil
	}
	return notify.New(notify.Config{
		Token:   os.Getenv(cfg.Slack.TokenEnv),
		Channel: cfg.Slack.Channel,
	})
}

func buildTwitchClient(cfg *config.Config) *twitch.Client {
	return twitch.New(twitch.Config{
		ClientID:     cfg.Twitch.ClientID,
		ClientSecret: os.Getenv(cfg.Twitch.ClientSecretEnv),
		HelixURL:     cfg.Twitch.HelixURL,
		OAuthURL:     cfg.Twitch.OAuthURL,
		Timeout:      cfg.Twitch.Timeout,
	})
}

func buildTokenStore(cfg *config.Config, st *store.Store, refresher tokens.Refresher) (*tokens.Store, error) {
	cipher, err := tokens.NewCipherFromEnv(cfg.Tokens.EncryptionKeyEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to load token encryption key: %w", err)
	}
	return tokens.NewStore(st, cipher, refresher), nil
}
