package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reflexduel/internal/api"
	"reflexduel/internal/auth"
	"reflexduel/internal/config"
	"reflexduel/internal/db"
	"reflexduel/internal/duel"
	"reflexduel/internal/notify"
	"reflexduel/internal/push"
	"reflexduel/internal/realtime"
	"reflexduel/internal/store/postgres"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	pool, err := db.Connect(ctx, cfg.DatabaseURL, db.APIPool)
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := postgres.New(pool, logger)
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			logger.Error("migrate failed", "err", err)
			os.Exit(1)
		}
	}

	hub := realtime.NewHub(logger)
	duels := duel.NewService(store, hub, logger)
	gateway := push.NewClient(cfg.Push.GatewayURL, cfg.Push.GatewayKey, cfg.Push.Timeout)
	dispatcher := notify.NewDispatcher(store, gateway, logger)
	authClient := auth.NewSupabaseClient(cfg.SupabaseURL, cfg.SupabaseAnonKey)

	server := api.New(cfg, logger, authClient, duels, dispatcher, hub)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("duel api listening", "addr", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
