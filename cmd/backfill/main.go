package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hezzy93/library-app-1/internal/app"
	"github.com/hezzy93/library-app-1/internal/backfill"
	"github.com/hezzy93/library-app-1/internal/bus"
	"github.com/hezzy93/library-app-1/internal/config"
	"github.com/hezzy93/library-app-1/internal/kafka"
	"github.com/hezzy93/library-app-1/internal/logging"
	"github.com/hezzy93/library-app-1/internal/publisher"
)

func main() {
	var (
		service       = flag.String("service", "admin", "Whose state to republish (admin or user)")
		aggregateType = flag.String("aggregate-type", "", "Republish only this aggregate type (book or user)")
		dryRun        = flag.Bool("dry-run", false, "Log the events instead of publishing them")
		help          = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		printHelp()
		return
	}

	cfg, err := config.Load(*service)
	if err != nil {
		logging.New("error", *service).Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, cfg.Service).With("component", "backfill")

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

	opts := backfill.Options{AggregateType: *aggregateType, DryRun: *dryRun}
	if _, err := backfill.New(backend, pub, opts, logger).Run(ctx, cfg.Service); err != nil {
		logger.Error("backfill failed", "error", err)
		return
	}
	logger.Info("backfill completed successfully")
}

func printHelp() {
	fmt.Printf(`Replica Backfill Tool

Republishes the state a service owns so its peer can catch up.

Usage: %s [options]

Options:
  -service string         admin or user (default admin)
  -aggregate-type string  Filter by aggregate type (book or user)
  -dry-run                Don't actually publish, just show what would happen
  -help                   Show help

`, os.Args[0])
}
