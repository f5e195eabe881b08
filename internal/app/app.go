// Package app assembles one library service (admin or user) from its
// configuration: HTTP API, event publisher, replication consumer and, in
// outbox mode, the relay.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hezzy93/library-app-1/internal/bucket"
	"github.com/hezzy93/library-app-1/internal/bus"
	"github.com/hezzy93/library-app-1/internal/catalog"
	"github.com/hezzy93/library-app-1/internal/config"
	"github.com/hezzy93/library-app-1/internal/consumer"
	"github.com/hezzy93/library-app-1/internal/handler"
	"github.com/hezzy93/library-app-1/internal/lending"
	"github.com/hezzy93/library-app-1/internal/middleware"
	"github.com/hezzy93/library-app-1/internal/publisher"
	"github.com/hezzy93/library-app-1/internal/relay"
	"github.com/hezzy93/library-app-1/internal/replication"
	"github.com/hezzy93/library-app-1/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Backend is a service's local store together with its outbox table.
type Backend interface {
	store.Store
	store.Outbox
}

type Service struct {
	cfg        *config.Config
	logger     *slog.Logger
	publisher  *publisher.Publisher
	dispatcher *consumer.Dispatcher
	relay      *relay.Relay
	router     http.Handler
	closers    []func() error
}

// New wires a service around backend. dial opens bus connections for both
// the publisher and the consumer.
func New(cfg *config.Config, backend Backend, dial bus.Dialer, logger *slog.Logger) (*Service, error) {
	s := &Service{cfg: cfg, logger: logger}

	s.publisher = publisher.New(bus.NewPool(dial, logger), cfg.Bus.DurableQueues, logger)
	s.closers = append(s.closers, s.publisher.Close)
	emitter := publisher.NewEmitter(cfg.PublishMode, s.publisher, cfg.Relay.MaxRetries, logger)

	var stats handler.StatsSource
	if cfg.PublishMode == config.PublishOutbox && cfg.Relay.Enabled {
		s.relay = relay.NewRelay(backend, s.publisher, cfg.Relay, logger)
		stats = s.relay
	}

	applier := replication.NewApplier(backend, logger)
	s.dispatcher = consumer.NewDispatcher(dial, consumer.OptionsFromConfig(cfg.Bus), logger)

	var (
		routes []replication.Route
		api    handler.Routes
	)
	switch cfg.Service {
	case "admin":
		routes = replication.AdminRoutes(applier)
		api = handler.NewAdminHandler(catalog.NewService(backend, emitter, logger), stats, logger)
	case "user":
		routes = replication.UserRoutes(applier)
		api = handler.NewUserHandler(lending.NewService(backend, emitter, logger), stats, logger)
	default:
		s.Close()
		return nil, fmt.Errorf("unknown service %q", cfg.Service)
	}
	for _, route := range routes {
		s.dispatcher.Handle(route.Type, route.Handler)
	}

	limiter, err := s.newLimiter()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.router = handler.NewRouter(api, limiter, logger)
	return s, nil
}

func (s *Service) newLimiter() (middleware.Limiter, error) {
	rl := s.cfg.RateLimit
	if !rl.Enabled {
		return nil, nil
	}

	settings := bucket.FromSettings(rl, s.cfg.Service)
	s.logger.Info("rate limiting enabled", "backend", rl.Backend, "capacity", rl.Capacity, "refill_rate", rl.RefillRate)
	switch rl.Backend {
	case config.RateLimitLocal:
		return bucket.NewLocalTokenBucket(settings)
	case config.RateLimitWindow:
		sw, err := bucket.NewRedisSlidingWindow(settings)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sliding window: %w", err)
		}
		s.closers = append(s.closers, sw.Close)
		return sw, nil
	}

	tb, err := bucket.NewRedisTokenBucket(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token bucket: %w", err)
	}
	s.closers = append(s.closers, tb.Close)
	return tb, nil
}

// Handler is the service's HTTP API.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Run serves HTTP, consumes peer events and relays the outbox until ctx is
// cancelled or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.HTTP.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.dispatcher.Run(ctx)
	})
	if s.relay != nil {
		g.Go(func() error {
			return s.relay.Start(ctx)
		})
	}
	g.Go(func() error {
		s.logger.Info("http server starting", "port", s.cfg.HTTP.Port, "publish_mode", s.cfg.PublishMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the bus connection and the rate limiter.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
