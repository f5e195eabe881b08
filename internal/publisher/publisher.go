// Package publisher hands domain events to the bus. Publisher sends one
// event over the pooled connection; Emitter ties events to the local
// transaction that produced them.
package publisher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hezzy93/library-app-1/internal/bus"
	"github.com/hezzy93/library-app-1/internal/events"
)

type Publisher struct {
	pool    *bus.Pool
	durable bool
	logger  *slog.Logger
}

func New(pool *bus.Pool, durable bool, logger *slog.Logger) *Publisher {
	return &Publisher{pool: pool, durable: durable, logger: logger}
}

// Publish encodes payload and sends it to the queue of t.
func (p *Publisher) Publish(ctx context.Context, t events.Type, payload events.Payload) error {
	if payload.EventType() != t {
		return fmt.Errorf("payload for %s cannot be published as %s", payload.EventType(), t)
	}
	body, err := events.Encode(payload)
	if err != nil {
		return err
	}
	_, id := payload.Aggregate()
	return p.PublishBody(ctx, t, body, uuid.NewString(), id)
}

// PublishBody sends an already encoded body. The relay uses it to replay
// outbox rows byte for byte under their stored ids. Events sharing a
// partitionKey keep their relative order on a partitioned queue.
func (p *Publisher) PublishBody(ctx context.Context, t events.Type, body []byte, eventID, partitionKey string) error {
	msg := bus.Message{
		Body: body,
		Headers: map[string]string{
			bus.HeaderEventID:   eventID,
			bus.HeaderEventType: t.String(),
		},
	}
	if partitionKey != "" {
		msg.Headers[bus.HeaderPartitionKey] = partitionKey
	}
	if err := p.pool.Publish(ctx, events.QueueFor(t, p.durable), msg); err != nil {
		return err
	}
	p.logger.Debug("event published", "event_type", t.String(), "event_id", eventID)
	return nil
}

func (p *Publisher) Close() error {
	return p.pool.Close()
}
