package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relayhq/relay-api/internal/config"
	"github.com/relayhq/relay-api/internal/dispatch"
	"github.com/relayhq/relay-api/internal/events"
	"github.com/relayhq/relay-api/internal/platform/postgres"
	"github.com/relayhq/relay-api/internal/presence"
	"github.com/relayhq/relay-api/internal/realtime"
	"github.com/relayhq/relay-api/internal/service/auth"
)

// sweepInterval is how often expired notifications are reaped and old
// records purged.
const sweepInterval = time.Hour

// application holds the assembled dependency graph and owns component
// lifecycles.
type application struct {
	config *config.Config
	logger *slog.Logger

	db          *sql.DB
	redisClient *redis.Client

	gateway    *events.Gateway
	tracker    *presence.Tracker
	dispatcher *dispatch.Dispatcher
	sweeper    *dispatch.Sweeper
	rtServer   *realtime.Server
	rtRouter   *realtime.Router
}

// newApplication wires every component together. Nothing is started yet;
// Run owns the lifecycle.
func newApplication(cfg *config.Config, log *slog.Logger) (*application, error) {
	app := &application{config: cfg, logger: log}

	db, err := openDatabase(context.Background(), cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	app.db = db

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	app.gateway = events.NewGateway(log, cfg.Realtime.Enabled)

	backend, err := app.presenceBackend()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	presenceTTL := time.Duration(cfg.Presence.TTLSeconds) * time.Second
	app.tracker = presence.NewTracker(backend, app.gateway, presenceTTL, log)

	notificationStore := postgres.NewPostgresNotificationStore(db, cfg.Dispatch.MaxPageLimit)
	membershipStore := postgres.NewPostgresMembershipStore(db)

	app.dispatcher = dispatch.NewDispatcher(
		dispatch.NewRegistry(),
		notificationStore,
		app.gateway,
		dispatch.Config{
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Dispatch.BaseDelayMS) * time.Millisecond,
			WorkerCount: cfg.Dispatch.WorkerCount,
			QueueSize:   cfg.Dispatch.QueueSize,
			DefaultTTL:  time.Duration(cfg.Dispatch.TTLDays) * 24 * time.Hour,
		},
		log,
	)

	retention := time.Duration(cfg.Dispatch.TTLDays) * 24 * time.Hour
	app.sweeper = dispatch.NewSweeper(db, notificationStore, sweepInterval, retention, log)

	authService, err := auth.NewHMACService(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create auth service: %w", err)
	}

	app.rtServer = realtime.NewServer(
		cfg.Realtime,
		authService,
		app.tracker,
		membershipStore,
		app.gateway,
		log,
	)
	app.rtServer.SetChatNotifier(app.dispatcher)
	app.rtRouter = realtime.NewRouter(app.rtServer, log)

	return app, nil
}

// presenceBackend picks the configured presence storage strategy.
func (app *application) presenceBackend() (presence.Backend, error) {
	ttl := time.Duration(app.config.Presence.TTLSeconds) * time.Second

	switch app.config.Presence.Backend {
	case config.PresenceBackendMemory:
		return presence.NewMemoryBackend(ttl), nil
	case config.PresenceBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr: app.config.Presence.RedisAddr,
			DB:   app.config.Presence.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w",
				app.config.Presence.RedisAddr, err)
		}
		app.redisClient = client
		return presence.NewRedisBackend(client, ttl), nil
	default:
		return nil, fmt.Errorf("unknown presence backend %q", app.config.Presence.Backend)
	}
}

// Run starts every component and blocks until a shutdown signal arrives,
// then stops them in reverse dependency order.
func (app *application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app.tracker.Start(ctx)
	app.dispatcher.Start()
	app.sweeper.Start(ctx)
	app.rtRouter.Attach(app.gateway)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.setupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("Starting server", "port", app.config.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		app.shutdown(nil)
		return err
	case <-ctx.Done():
		app.logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("HTTP server shutdown failed", "error", err)
	}

	app.shutdown(shutdownCtx)
	app.logger.Info("Server stopped")
	return nil
}

// shutdown stops background components. The HTTP server is already down,
// so no new sessions or dispatches can arrive.
func (app *application) shutdown(_ context.Context) {
	app.rtRouter.Detach()
	app.sweeper.Stop()
	app.dispatcher.Stop()
	app.tracker.Stop()
	app.gateway.Wait()

	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			app.logger.Warn("Error closing redis client", "error", err)
		}
	}
	if err := app.db.Close(); err != nil {
		app.logger.Warn("Error closing database", "error", err)
	}
}
