// Package store is the narrow persistence contract shared by both replicas.
// All reads and writes happen inside a session that is committed when the
// callback returns nil and rolled back otherwise.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hezzy93/library-app-1/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert collides with a unique key.
	ErrDuplicate = errors.New("record already exists")
	// ErrAlreadyClaimed is returned by MarkProcessing when another relay
	// instance got to the event first.
	ErrAlreadyClaimed = errors.New("outbox event already claimed")
)

type Store interface {
	// WithSession runs fn in a fresh session. The session is committed if fn
	// returns nil, rolled back if it returns an error or panics, and released
	// on every path. A panic is re-raised after the rollback.
	WithSession(ctx context.Context, fn func(Session) error) error
}

type BookFilter struct {
	AvailableOnly bool
}

type Session interface {
	FindUser(id int64) (*models.User, error)
	FindUserByEmail(email string) (*models.User, error)
	ListUsers() ([]models.User, error)
	// InsertUser stores u. A zero ID is assigned by the store and written
	// back to u.
	InsertUser(u *models.User) error
	// DeleteUser removes the user and clears the loan of every book lent to
	// them. Books are never deleted with their borrower.
	DeleteUser(id int64) error

	FindBook(id int64) (*models.Book, error)
	ListBooks(filter BookFilter) ([]models.Book, error)
	// InsertBook stores b. A zero ID is assigned by the store and written
	// back to b.
	InsertBook(b *models.Book) error
	UpdateBook(id int64, patch BookPatch) error
	DeleteBook(id int64) error

	AppendOutbox(event *models.OutboxEvent) error
}

// Outbox is the relay's view of staged events.
type Outbox interface {
	// PendingEvents returns NEW events and FAILED events that still have
	// retries left, oldest first.
	PendingEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	// ResetStale returns events stuck in PROCESSING for longer than timeout
	// to NEW.
	ResetStale(ctx context.Context, timeout time.Duration) (int64, error)
}

// BookPatch names the fields an update overwrites. Nil fields are left as
// they are. When SetLoan is true the loan is replaced by Loan, and a nil Loan
// clears borrower and both dates together.
type BookPatch struct {
	Title     *string
	Publisher *string
	Category  *string
	Available *bool

	SetLoan bool
	Loan    *models.Loan
}

// CatalogFields overwrites the fields owned by the admin catalog.
func CatalogFields(title, publisher, category string, available bool) BookPatch {
	return BookPatch{Title: &title, Publisher: &publisher, Category: &category, Available: &available}
}

// LoanFields overwrites availability and loan, the fields owned by lending.
func LoanFields(available bool, loan *models.Loan) BookPatch {
	return BookPatch{Available: &available, SetLoan: true, Loan: loan}
}

func (p BookPatch) Empty() bool {
	return p.Title == nil && p.Publisher == nil && p.Category == nil && p.Available == nil && !p.SetLoan
}

// Apply writes the patch onto b.
func (p BookPatch) Apply(b *models.Book) {
	if p.Title != nil {
		b.Title = *p.Title
	}
	if p.Publisher != nil {
		b.Publisher = *p.Publisher
	}
	if p.Category != nil {
		b.Category = *p.Category
	}
	if p.Available != nil {
		b.Available = *p.Available
	}
	if p.SetLoan {
		if p.Loan == nil {
			b.Loan = nil
		} else {
			loan := *p.Loan
			b.Loan = &loan
		}
	}
}

// NewOutboxEvent stages body for publishing on topic.
func NewOutboxEvent(aggregateType, aggregateID, eventType, topic string, body []byte, maxRetries int) *models.OutboxEvent {
	return &models.OutboxEvent{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		EventData:     body,
		Status:        models.StatusNew,
		Topic:         topic,
		CreatedAt:     time.Now().UTC(),
		MaxRetries:    maxRetries,
	}
}
