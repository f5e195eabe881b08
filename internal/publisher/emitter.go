package publisher

import (
	"context"
	"log/slog"

	"github.com/hezzy93/library-app-1/internal/config"
	"github.com/hezzy93/library-app-1/internal/events"
	"github.com/hezzy93/library-app-1/internal/store"
)

// EmitFunc stages an event produced by the current transaction.
type EmitFunc func(events.Payload) error

// Emitter runs a local write and delivers the events it produced.
//
// In direct mode the events are published after the session commits. A
// publish failure is logged with the payload and the event is lost; the
// write itself stays committed. In outbox mode the events are written to the
// outbox inside the same session and the relay publishes them later.
type Emitter struct {
	mode       string
	publisher  *Publisher
	maxRetries int
	logger     *slog.Logger
}

func NewEmitter(mode string, p *Publisher, maxRetries int, logger *slog.Logger) *Emitter {
	if mode == "" {
		mode = config.PublishDirect
	}
	return &Emitter{mode: mode, publisher: p, maxRetries: maxRetries, logger: logger}
}

func (e *Emitter) Mode() string {
	return e.mode
}

// Within runs fn in a session of st. Events passed to emit are delivered
// only if the session commits.
func (e *Emitter) Within(ctx context.Context, st store.Store, fn func(sess store.Session, emit EmitFunc) error) error {
	var staged []events.Payload

	err := st.WithSession(ctx, func(sess store.Session) error {
		staged = staged[:0]
		emit := func(p events.Payload) error {
			body, err := events.Encode(p)
			if err != nil {
				return err
			}
			if e.mode != config.PublishOutbox {
				staged = append(staged, p)
				return nil
			}
			kind, id := p.Aggregate()
			t := p.EventType()
			return sess.AppendOutbox(store.NewOutboxEvent(kind, id, t.String(), t.Queue(), body, e.maxRetries))
		}
		return fn(sess, emit)
	})
	if err != nil {
		return err
	}

	for _, p := range staged {
		if err := e.publisher.Publish(ctx, p.EventType(), p); err != nil {
			body, _ := events.Encode(p)
			e.logger.Error("failed to publish event after commit, event lost",
				"event_type", p.EventType().String(),
				"payload", string(body),
				"error", err,
			)
		}
	}
	return nil
}
