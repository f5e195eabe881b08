// Package backfill republishes the state a service owns so that a peer
// replica which missed events converges again. Every event it sends is one
// the peer already applies idempotently.
//
// The admin side announces its catalog with book_created. The user side
// announces its users with user_created and the loan state of each book
// with book_borrowed or book_returned.
package backfill

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hezzy93/library-app-1/internal/events"
	"github.com/hezzy93/library-app-1/internal/models"
	"github.com/hezzy93/library-app-1/internal/store"
)

// Publisher sends one event.
type Publisher interface {
	Publish(ctx context.Context, t events.Type, payload events.Payload) error
}

type Options struct {
	// AggregateType limits the run to models.AggregateBook or
	// models.AggregateUser. Empty means both.
	AggregateType string
	DryRun        bool
}

// Summary counts what a run did.
type Summary struct {
	Processed int
	Published int
	Failed    int
}

type Backfiller struct {
	store     store.Store
	publisher Publisher
	opts      Options
	logger    *slog.Logger
}

func New(st store.Store, p Publisher, opts Options, logger *slog.Logger) *Backfiller {
	return &Backfiller{store: st, publisher: p, opts: opts, logger: logger}
}

// Run snapshots the store of service ("admin" or "user") and publishes it.
// Individual publish failures are counted and logged, not returned.
func (b *Backfiller) Run(ctx context.Context, service string) (Summary, error) {
	var (
		users []models.User
		books []models.Book
	)
	err := b.store.WithSession(ctx, func(sess store.Session) error {
		var err error
		if b.wants(models.AggregateUser) && service == "user" {
			if users, err = sess.ListUsers(); err != nil {
				return err
			}
		}
		if b.wants(models.AggregateBook) {
			books, err = sess.ListBooks(store.BookFilter{})
		}
		return err
	})
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var payloads []events.Payload
	switch service {
	case "admin":
		for i := range books {
			// a lending replica missing the book has never lent it
			shelved := books[i]
			shelved.Available, shelved.Loan = true, nil
			payloads = append(payloads, events.NewBookCreated(&shelved))
		}
	case "user":
		for i := range users {
			payloads = append(payloads, events.NewUserCreated(&users[i]))
		}
		for i := range books {
			if books[i].Loan != nil {
				payloads = append(payloads, events.NewBookBorrowed(&books[i]))
			} else {
				payloads = append(payloads, events.NewBookReturned(&books[i]))
			}
		}
	default:
		return Summary{}, fmt.Errorf("unknown service %q", service)
	}

	var sum Summary
	for _, p := range payloads {
		sum.Processed++
		kind, id := p.Aggregate()
		if b.opts.DryRun {
			b.logger.Info("dry run: would publish event", "event_type", p.EventType().String(), "aggregate", kind, "aggregate_id", id)
			sum.Published++
			continue
		}
		if err := b.publisher.Publish(ctx, p.EventType(), p); err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			b.logger.Error("failed to republish event", "event_type", p.EventType().String(), "aggregate_id", id, "error", err)
			sum.Failed++
			continue
		}
		sum.Published++
	}

	b.logger.Info("backfill summary", "processed", sum.Processed, "published", sum.Published, "failed", sum.Failed)
	return sum, nil
}

func (b *Backfiller) wants(kind string) bool {
	return b.opts.AggregateType == "" || b.opts.AggregateType == kind
}
