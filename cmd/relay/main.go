// Command relay publishes a service's outbox on its own, for deployments
// that run the services with RELAY_ENABLED=false.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/hezzy93/library-app-1/internal/app"
	"github.com/hezzy93/library-app-1/internal/bus"
	"github.com/hezzy93/library-app-1/internal/config"
	"github.com/hezzy93/library-app-1/internal/kafka"
	"github.com/hezzy93/library-app-1/internal/logging"
	"github.com/hezzy93/library-app-1/internal/publisher"
	"github.com/hezzy93/library-app-1/internal/relay"
)

func main() {
	var service string
	flag.StringVar(&service, "service", "admin", "Whose outbox to relay (admin or user)")
	flag.Parse()

	cfg, err := config.Load(service)
	if err != nil {
		logging.New("error", service).Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Service).With("component", "relay")

	backend, closeDB, err := app.OpenBackend(cfg, false, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer closeDB()

	pub := publisher.New(bus.NewPool(kafka.Dialer(kafka.OptionsFromConfig(cfg.Bus)), logger), cfg.Bus.DurableQueues, logger)
	defer pub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := relay.NewRelay(backend, pub, cfg.Relay, logger).Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relay service error", "error", err)
		return
	}
	logger.Info("relay service stopped")
}
