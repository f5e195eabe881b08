// Package replication applies peer events to the local replica. Every
// handler is idempotent when replayed with the same payload: creates insert
// only when the row is absent, deletes and updates of absent rows are logged
// and skipped, and updates overwrite fields unconditionally.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hezzy93/library-app-1/internal/events"
	"github.com/hezzy93/library-app-1/internal/store"
)

// Route binds an event queue to the handler that applies it.
type Route struct {
	Type    events.Type
	Handler func(ctx context.Context, body []byte) error
}

type Applier struct {
	store  store.Store
	logger *slog.Logger
}

func NewApplier(st store.Store, logger *slog.Logger) *Applier {
	return &Applier{store: st, logger: logger}
}

// AdminRoutes are the events the admin catalog consumes.
func AdminRoutes(a *Applier) []Route {
	return []Route{
		{Type: events.UserCreated, Handler: a.UserCreated},
		{Type: events.BookBorrowed, Handler: a.BookBorrowed},
		{Type: events.BookReturned, Handler: a.BookReturned},
	}
}

// UserRoutes are the events the user lending service consumes.
func UserRoutes(a *Applier) []Route {
	return []Route{
		{Type: events.BookCreated, Handler: a.BookCreated},
		{Type: events.BookDeleted, Handler: a.BookDeleted},
		{Type: events.UserDeleted, Handler: a.UserDeleted},
		{Type: events.BookUpdated, Handler: a.BookUpdated},
	}
}

// UserCreated inserts the user unless a row with its id already exists.
func (a *Applier) UserCreated(ctx context.Context, body []byte) error {
	return apply(ctx, a, body, func(sess store.Session, p events.UserCreatedPayload) error {
		_, err := sess.FindUser(p.UserID)
		switch {
		case err == nil:
			a.logger.Info("user already replicated", "user_id", p.UserID)
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if err := sess.InsertUser(p.User()); err != nil {
			return err
		}
		a.logger.Info("user replicated", "user_id", p.UserID, "email", p.Email)
		return nil
	})
}

// BookCreated inserts the book unless a row with its id already exists.
func (a *Applier) BookCreated(ctx context.Context, body []byte) error {
	return apply(ctx, a, body, func(sess store.Session, p events.BookCreatedPayload) error {
		_, err := sess.FindBook(p.BookID)
		switch {
		case err == nil:
			a.logger.Info("book already replicated", "book_id", p.BookID)
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		book := p.Book()
		if !book.Available {
			// a new catalog entry has no loan yet
			a.logger.Warn("book_created marked unavailable without a loan, shelving it as available", "book_id", p.BookID)
			book.Available = true
		}
		if err := sess.InsertBook(book); err != nil {
			return err
		}
		a.logger.Info("book replicated", "book_id", p.BookID, "title", p.Title)
		return nil
	})
}

func (a *Applier) BookDeleted(ctx context.Context, body []byte) error {
	return apply(ctx, a, body, func(sess store.Session, p events.BookDeletedPayload) error {
		if _, err := sess.FindBook(p.BookID); err != nil {
			return a.skipAbsent(err, p)
		}
		if err := sess.DeleteBook(p.BookID); err != nil {
			return err
		}
		a.logger.Info("book removed", "book_id", p.BookID)
		return nil
	})
}

// UserDeleted removes the user. Books lent to them go back on the shelf.
func (a *Applier) UserDeleted(ctx context.Context, body []byte) error {
	return apply(ctx, a, body, func(sess store.Session, p events.UserDeletedPayload) error {
		if _, err := sess.FindUser(p.UserID); err != nil {
			return a.skipAbsent(err, p)
		}
		if err := sess.DeleteUser(p.UserID); err != nil {
			return err
		}
		a.logger.Info("user removed", "user_id", p.UserID)
		return nil
	})
}

// BookUpdated overwrites the catalog fields. It never creates a row.
// Availability follows the local loan, which the lending side owns: an
// update sent before the catalog saw a borrow or return cannot change it.
func (a *Applier) BookUpdated(ctx context.Context, body []byte) error {
	return apply(ctx, a, body, func(sess store.Session, p events.BookUpdatedPayload) error {
		book, err := sess.FindBook(p.BookID)
		if err != nil {
			return a.skipAbsent(err, p)
		}
		available := book.Loan == nil
		if p.Available != available {
			a.logger.Warn("book_updated availability conflicts with local loan, keeping loan state",
				"book_id", p.BookID,
				"event_available", p.Available,
				"available", available,
			)
		}
		patch := store.CatalogFields(p.Title, p.Publisher, p.Category, available)
		if err := sess.UpdateBook(p.BookID, patch); err != nil {
			return err
		}
		a.logger.Info("book updated", "book_id", p.BookID)
		return nil
	})
}

func (a *Applier) BookBorrowed(ctx context.Context, body []byte) error {
	return apply(ctx, a, body, func(sess store.Session, p events.BookBorrowedPayload) error {
		return a.applyLoan(sess, p.LoanState, p)
	})
}

func (a *Applier) BookReturned(ctx context.Context, body []byte) error {
	return apply(ctx, a, body, func(sess store.Session, p events.BookReturnedPayload) error {
		return a.applyLoan(sess, p.LoanState, p)
	})
}

// applyLoan overwrites availability, borrower and both dates as one unit.
func (a *Applier) applyLoan(sess store.Session, state events.LoanState, p events.Payload) error {
	if _, err := sess.FindBook(state.BookID); err != nil {
		return a.skipAbsent(err, p)
	}
	if err := sess.UpdateBook(state.BookID, store.LoanFields(state.Available, state.Loan())); err != nil {
		return err
	}
	a.logger.Info("loan state applied",
		"event_type", p.EventType().String(),
		"book_id", state.BookID,
		"available", state.Available,
	)
	return nil
}

// skipAbsent turns a missing row into a logged no-op.
func (a *Applier) skipAbsent(err error, p events.Payload) error {
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	kind, id := p.Aggregate()
	a.logger.Warn("no local row for event, skipping",
		"event_type", p.EventType().String(),
		"aggregate_type", kind,
		"aggregate_id", id,
	)
	return nil
}

// apply decodes body as P and runs fn in a store session.
func apply[P events.Payload](ctx context.Context, a *Applier, body []byte, fn func(store.Session, P) error) error {
	p, err := events.Decode[P](body)
	if err != nil {
		return err
	}
	err = a.store.WithSession(ctx, func(sess store.Session) error {
		return fn(sess, p)
	})
	if err != nil {
		kind, id := p.Aggregate()
		return fmt.Errorf("failed to apply %s to %s %s: %w", p.EventType(), kind, id, err)
	}
	return nil
}
