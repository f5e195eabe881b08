package models

import (
	"time"

	"github.com/google/uuid"
)

// User is replicated between both stores. HashedPassword only exists on the
// lending side and is never part of an event.
type User struct {
	ID             int64   `json:"id" db:"id"`
	Email          string  `json:"email" db:"email"`
	Firstname      string  `json:"firstname" db:"firstname"`
	Lastname       string  `json:"lastname" db:"lastname"`
	HashedPassword *string `json:"-" db:"hashed_password"`
}

// Loan holds the borrow state of a book. The three fields are set together
// or not at all.
type Loan struct {
	BorrowerID int64     `json:"borrower_id"`
	BorrowDate time.Time `json:"borrow_date"`
	ReturnDate time.Time `json:"return_date"`
}

// Book is authoritative on the admin side for catalog fields and on the
// lending side for its loan.
type Book struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Publisher string `json:"publisher"`
	Category  string `json:"category"`
	Available bool   `json:"available"`
	Loan      *Loan  `json:"loan,omitempty"`
}

// BorrowerID returns the borrower reference, nil when the book is on the shelf.
func (b *Book) BorrowerID() *int64 {
	if b.Loan == nil {
		return nil
	}
	id := b.Loan.BorrowerID
	return &id
}

// Consistent reports whether availability and loan agree:
// available == false iff a loan is recorded.
func (b *Book) Consistent() bool {
	return b.Available == (b.Loan == nil)
}

// OutboxEvent is an event staged in the producer's own transaction.
type OutboxEvent struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	AggregateType string     `json:"aggregate_type" db:"aggregate_type"`
	AggregateID   string     `json:"aggregate_id" db:"aggregate_id"`
	EventType     string     `json:"event_type" db:"event_type"`
	EventData     []byte     `json:"event_data" db:"event_data"`
	Status        string     `json:"status" db:"status"`
	Topic         string     `json:"topic" db:"topic"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at" db:"processed_at"`
	RetryCount    int        `json:"retry_count" db:"retry_count"`
	MaxRetries    int        `json:"max_retries" db:"max_retries"`
	ErrorMessage  *string    `json:"error_message" db:"error_message"`
}

// OutboxEventStatus constants
const (
	StatusNew        = "NEW"
	StatusProcessing = "PROCESSING"
	StatusSent       = "SENT"
	StatusFailed     = "FAILED"
)

// Aggregate types
const (
	AggregateBook = "book"
	AggregateUser = "user"
)
