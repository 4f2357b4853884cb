package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"reflexduel/internal/config"
	"reflexduel/internal/db"
	"reflexduel/internal/notify"
	"reflexduel/internal/push"
	"reflexduel/internal/store/postgres"

	"github.com/go-co-op/gocron/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDispatcherFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	pool, err := db.Connect(ctx, cfg.DatabaseURL, db.DispatcherPool)
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := postgres.New(pool, logger)
	gateway := push.NewClient(cfg.Push.GatewayURL, cfg.Push.GatewayKey, cfg.Push.Timeout)
	dispatcher := notify.NewDispatcher(store, gateway, logger)

	if cfg.RunOnce {
		if err := runDispatch(ctx, dispatcher, logger); err != nil {
			os.Exit(1)
		}
		logger.Info("dispatcher run-once completed")
		return
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		logger.Error("scheduler init failed", "err", err)
		os.Exit(1)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(cfg.DispatchEvery),
		gocron.NewTask(func() {
			_ = runDispatch(ctx, dispatcher, logger)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		logger.Error("schedule dispatch failed", "err", err)
		os.Exit(1)
	}

	sched.Start()
	logger.Info("dispatcher started", "every", cfg.DispatchEvery.String())
	<-ctx.Done()
	if err := sched.Shutdown(); err != nil {
		logger.Error("scheduler shutdown", "err", err)
	}
	logger.Info("dispatcher shutdown")
}

func runDispatch(ctx context.Context, d *notify.Dispatcher, logger *slog.Logger) error {
	report, err := d.Dispatch(ctx)
	if err != nil {
		if errors.Is(err, notify.ErrDispatchBusy) {
			logger.Info("dispatch skipped, another run holds the lock")
			return nil
		}
		logger.Error("dispatch failed", "err", err)
		return err
	}
	logger.Info("dispatch complete",
		"processed", report.Processed,
		"recipients", report.UniqueRecipients,
		"sent", report.Sent,
		"failed", report.Failed,
	)
	for _, msg := range report.Errors {
		logger.Warn("dispatch error", "err", msg)
	}
	return nil
}
