package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hezzy93/library-app-1/internal/app"
	"github.com/hezzy93/library-app-1/internal/config"
	"github.com/hezzy93/library-app-1/internal/kafka"
	"github.com/hezzy93/library-app-1/internal/logging"
)

func main() {
	cfg, err := config.Load("admin")
	if err != nil {
		logging.New("error", "admin").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Service)
	logger.Info("starting admin service", "publish_mode", cfg.PublishMode, "ack_mode", cfg.Bus.AckMode, "durable_queues", cfg.Bus.DurableQueues)

	backend, closeDB, err := app.OpenBackend(cfg, true, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer closeDB()

	svc, err := app.New(cfg, backend, kafka.Dialer(kafka.OptionsFromConfig(cfg.Bus)), logger)
	if err != nil {
		logger.Error("failed to assemble service", "error", err)
		closeDB()
		os.Exit(1)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		logger.Error("service stopped with error", "error", err)
		return
	}
	logger.Info("service stopped")
}
