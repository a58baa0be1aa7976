package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/nlisenk/hubwatch/internal/broadcast"
	"github.com/nlisenk/hubwatch/internal/config"
	"github.com/nlisenk/hubwatch/internal/connection"
	"github.com/nlisenk/hubwatch/internal/ingest"
	"github.com/nlisenk/hubwatch/internal/monitor"
	"github.com/nlisenk/hubwatch/internal/platform"
	"github.com/nlisenk/hubwatch/internal/secrets"
	"github.com/nlisenk/hubwatch/internal/server"
	"github.com/nlisenk/hubwatch/internal/server/routes"
	"github.com/nlisenk/hubwatch/internal/store"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		return
	}

	db, err := store.New(cfg.Store.Path)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		return
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Failed to close database", "error", err)
		}
	}()

	cipher, err := secrets.NewCipher(cfg.Credentials.Secret)
	if err != nil {
		slog.Error("Failed to initialize credential cipher", "error", err)
		return
	}

	bus, err := monitor.New(monitor.Options{
		Channels:     []string{connection.ChannelWebhook, connection.ChannelAPI},
		RingCapacity: cfg.Monitor.RingCapacity,
		SnapshotLogs: cfg.Monitor.SnapshotLogs,
		LogDir:       cfg.Monitor.LogDir,
		LogMaxBytes:  cfg.Monitor.LogMaxBytes,
		LogMaxFiles:  cfg.Monitor.LogMaxFiles,
		Logger:       log,
	})
	if err != nil {
		slog.Error("Failed to start status monitor", "error", err)
		return
	}
	defer bus.Shutdown()

	client := platform.NewClient(cfg.Platform.BaseURL, cfg.Platform.RequestTimeout)

	ingestor := ingest.NewService(ingest.Options{
		Store:     db,
		Bus:       bus,
		Client:    client,
		Cipher:    cipher,
		AppSecret: cfg.Platform.AppSecret,
		Scoring:   cfg.Scoring,
		Filters:   cfg.Filters,
		Polling:   cfg.Polling,
		Logger:    log,
	})
	defer ingestor.Shutdown()

	manager := connection.NewManager(bus, connection.Options{
		Probes: map[string]connection.Probe{
			connection.ChannelAPI:     apiProbe(db, cipher, client),
			connection.ChannelWebhook: webhookProbe(db, cipher, client),
		},
		BaseDelay:      cfg.Connection.BaseDelay,
		MaxRetries:     cfg.Connection.MaxRetries,
		HealthInterval: cfg.Connection.HealthInterval,
		ProbeTimeout:   cfg.Connection.ProbeTimeout,
		Logger:         log,
	})
	defer manager.Shutdown()

	broadcaster := broadcast.NewBroadcaster(bus, broadcast.Options{
		Buffer: cfg.Monitor.EventBufferSize,
		Logger: log,
	})
	defer broadcaster.Shutdown()

	srv := server.New(log)
	srv.RegisterRouter(routes.NewWebhookRoutes(cfg.Platform.VerifyToken, ingestor))
	srv.RegisterRouter(routes.NewStatusRoutes(bus, broadcaster, db))
	srv.RegisterRouter(routes.NewAccountRoutes(ingestor))
	srv.RegisterRouter(routes.NewChannelRoutes(manager))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ingestor.Start(ctx); err != nil {
		slog.Error("Failed to start ingestion", "error", err)
		return
	}
	broadcaster.Start()
	manager.Start(ctx)

	bus.Record(monitor.LevelInfo, monitor.CategorySystem, "service-started",
		map[string]any{"port": cfg.Server.Port, "environment": cfg.Environment})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	slog.Info("Starting server", "port", cfg.Server.Port)

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start(addr)
	}()

	select {
	case err := <-errc:
		slog.Error("Server stopped", "error", err)
	case <-ctx.Done():
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown failed", "error", err)
		}
	}
}

// apiProbe verifies the API channel with an authenticated no-op call using
// the first pollable account's token. With no accounts tracked, reachability
// cannot be proven and the probe fails until one is registered.
func apiProbe(db *store.Store, cipher *secrets.Cipher, client *platform.Client) connection.Probe {
	return func(ctx context.Context) error {
		token, err := firstAccountToken(ctx, db, cipher)
		if err != nil {
			return err
		}
		return client.Ping(ctx, token)
	}
}

// webhookProbe checks that the platform still holds an active webhook
// subscription for the app.
func webhookProbe(db *store.Store, cipher *secrets.Cipher, client *platform.Client) connection.Probe {
	return func(ctx context.Context) error {
		token, err := firstAccountToken(ctx, db, cipher)
		if err != nil {
			return err
		}
		return client.CheckSubscription(ctx, token)
	}
}

func firstAccountToken(ctx context.Context, db *store.Store, cipher *secrets.Cipher) (string, error) {
	accounts, err := db.ListActiveAccounts(ctx)
	if err != nil {
		return "", err
	}
	if len(accounts) == 0 {
		return "", fmt.Errorf("no active accounts to probe with")
	}
	return cipher.Decrypt(accounts[0].EncryptedToken)
}
