package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hezzy93/library-app-1/internal/config"
	"github.com/hezzy93/library-app-1/internal/events"
	"github.com/hezzy93/library-app-1/internal/models"
	"github.com/hezzy93/library-app-1/internal/store"
)

// Sender publishes an encoded event body under a fixed event id.
type Sender interface {
	PublishBody(ctx context.Context, t events.Type, body []byte, eventID, partitionKey string) error
}

type Relay struct {
	outbox store.Outbox
	sender Sender
	config config.RelayConfig
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	lastRun time.Time
	sent    int64
	failed  int64
}

func NewRelay(outbox store.Outbox, sender Sender, cfg config.RelayConfig, logger *slog.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Relay{
		outbox: outbox,
		sender: sender,
		config: cfg,
		logger: logger,
	}
}

// Start polls the outbox until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("relay service is already running")
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	r.logger.Info("starting outbox relay",
		"poll_interval", r.config.PollInterval.String(),
		"batch_size", r.config.BatchSize,
	)

	// Reset any stale processing events on startup
	if n, err := r.outbox.ResetStale(ctx, r.config.ProcessingTimeout); err != nil {
		r.logger.Warn("failed to reset stale processing events", "error", err)
	} else if n > 0 {
		r.logger.Info("reset stale processing events", "count", n)
	}

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.ProcessOnce(ctx); err != nil {
			r.logger.Error("error processing outbox events", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("relay shutting down")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessOnce publishes one batch of pending events and returns how many
// were sent.
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	pending, err := r.outbox.PendingEvents(ctx, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending outbox events: %w", err)
	}

	r.mu.Lock()
	r.lastRun = time.Now()
	r.mu.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}
	r.logger.Debug("processing outbox events", "count", len(pending))

	sent := 0
	// aggregates with a failed event wait for the next poll, so their
	// later events are not published ahead of the retry
	held := make(map[string]bool)
	for _, event := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		key := event.AggregateType + ":" + event.AggregateID
		if held[key] {
			r.logger.Debug("holding outbox event behind a failed one",
				"event_id", event.ID.String(),
				"aggregate_type", event.AggregateType,
				"aggregate_id", event.AggregateID,
			)
			continue
		}
		if err := r.processEvent(ctx, event); err != nil {
			held[key] = true
			r.logger.Warn("failed to process outbox event",
				"event_id", event.ID.String(),
				"event_type", event.EventType,
				"aggregate_id", event.AggregateID,
				"error", err,
			)
			continue
		}
		sent++
	}
	return sent, nil
}

func (r *Relay) processEvent(ctx context.Context, event *models.OutboxEvent) error {
	// claiming the row keeps other relay instances off it
	if err := r.outbox.MarkProcessing(ctx, event.ID); err != nil {
		if errors.Is(err, store.ErrAlreadyClaimed) {
			return nil
		}
		return fmt.Errorf("failed to mark event as processing: %w", err)
	}

	t, err := events.ParseType(event.EventType)
	if err == nil {
		err = r.sender.PublishBody(ctx, t, event.EventData, event.ID.String(), event.AggregateID)
	}
	if err != nil {
		r.countFailure()
		if markErr := r.outbox.MarkFailed(ctx, event.ID, err.Error()); markErr != nil {
			return fmt.Errorf("failed to mark event as failed: %w", markErr)
		}
		return err
	}

	if err := r.outbox.MarkSent(ctx, event.ID); err != nil {
		return fmt.Errorf("failed to mark event as sent: %w", err)
	}
	r.mu.Lock()
	r.sent++
	r.mu.Unlock()
	r.logger.Info("outbox event published", "event_id", event.ID.String(), "event_type", event.EventType)
	return nil
}

func (r *Relay) countFailure() {
	r.mu.Lock()
	r.failed++
	r.mu.Unlock()
}

type Stats struct {
	Running      bool      `json:"running"`
	LastRun      time.Time `json:"last_run"`
	Sent         int64     `json:"sent"`
	Failed       int64     `json:"failed"`
	BatchSize    int       `json:"batch_size"`
	MaxRetries   int       `json:"max_retries"`
	PollInterval string    `json:"poll_interval"`
}

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Running:      r.running,
		LastRun:      r.lastRun,
		Sent:         r.sent,
		Failed:       r.failed,
		BatchSize:    r.config.BatchSize,
		MaxRetries:   r.config.MaxRetries,
		PollInterval: r.config.PollInterval.String(),
	}
}
