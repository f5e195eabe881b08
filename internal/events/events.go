// Package events defines the message contracts exchanged between the admin
// catalog service and the user lending service. The queue carrying an event
// is named after its type, and the payload is a flat JSON object whose keys
// are fixed per type. Neither may change without migrating both peers.
package events

import (
	"fmt"

	"github.com/hezzy93/library-app-1/internal/bus"
)

// Type is the event type tag, which doubles as the queue name.
type Type string

const (
	UserCreated  Type = "user_created"
	BookCreated  Type = "book_created"
	BookDeleted  Type = "book_deleted"
	UserDeleted  Type = "user_deleted"
	BookUpdated  Type = "book_updated"
	BookBorrowed Type = "book_borrowed"
	BookReturned Type = "book_returned"
)

// All lists every event type in declaration order.
var All = []Type{UserCreated, BookCreated, BookDeleted, UserDeleted, BookUpdated, BookBorrowed, BookReturned}

var requiredFields = map[Type][]string{
	UserCreated:  {"user_id", "firstname", "lastname", "email"},
	BookCreated:  {"book_id", "title", "publisher", "category", "available"},
	BookDeleted:  {"book_id"},
	UserDeleted:  {"user_id"},
	BookUpdated:  {"book_id", "title", "publisher", "category", "available"},
	BookBorrowed: {"book_id", "available", "borrower_id", "borrow_date", "return_date"},
	BookReturned: {"book_id", "available", "borrower_id", "borrow_date", "return_date"},
}

func (t Type) String() string { return string(t) }

// Queue is the name of the queue the event is published on.
func (t Type) Queue() string { return string(t) }

// RequiredFields returns the payload keys a consumer insists on.
func (t Type) RequiredFields() []string {
	return requiredFields[t]
}

func (t Type) Valid() bool {
	_, ok := requiredFields[t]
	return ok
}

// ParseType maps a queue name back to its event type.
func ParseType(queue string) (Type, error) {
	t := Type(queue)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", queue)
	}
	return t, nil
}

// QueueFor is the declaration both publishers and consumers use for t.
// Durability is deployment-wide so every declarer agrees.
func QueueFor(t Type, durable bool) bus.Queue {
	return bus.Queue{Name: t.Queue(), Durable: durable}
}

// DeadLetterQueue names the queue that receives messages from queue which
// could not be applied.
func DeadLetterQueue(queue string) string {
	return queue + ".dead_letter"
}
