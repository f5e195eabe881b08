package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hezzy93/library-app-1/internal/models"
)

// ErrMalformed marks a payload that cannot be applied: bad JSON, a missing
// required key, a null identity or an inconsistent loan.
var ErrMalformed = errors.New("malformed event payload")

// DateLayout is how calendar dates travel on the wire.
const DateLayout = "2006-01-02"

// Payload is implemented by every event body.
type Payload interface {
	EventType() Type
	Validate() error
	// Aggregate names the entity the event is about.
	Aggregate() (kind string, id string)
}

// Date is a calendar date serialized as "YYYY-MM-DD".
type Date struct {
	time.Time
}

// NewDate drops the clock part of t.
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a bare date or a timestamp whose date part is used.
func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	if len(s) > len(DateLayout) && (s[len(DateLayout)] == 'T' || s[len(DateLayout)] == ' ') {
		s = s[:len(DateLayout)]
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return fmt.Errorf("invalid date %q: %w", s, err)
	}
	d.Time = t
	return nil
}

// UserCreatedPayload is published by the lending side on enrollment.
type UserCreatedPayload struct {
	UserID    int64  `json:"user_id"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	Email     string `json:"email"`
}

func NewUserCreated(u *models.User) UserCreatedPayload {
	return UserCreatedPayload{UserID: u.ID, Firstname: u.Firstname, Lastname: u.Lastname, Email: u.Email}
}

func (p UserCreatedPayload) EventType() Type { return UserCreated }

func (p UserCreatedPayload) Aggregate() (string, string) {
	return models.AggregateUser, strconv.FormatInt(p.UserID, 10)
}

func (p UserCreatedPayload) Validate() error {
	if p.UserID <= 0 {
		return fmt.Errorf("%w: user_id must be positive", ErrMalformed)
	}
	if strings.TrimSpace(p.Email) == "" {
		return fmt.Errorf("%w: email is empty", ErrMalformed)
	}
	return nil
}

// User converts the payload to the replicated entity.
func (p UserCreatedPayload) User() *models.User {
	return &models.User{ID: p.UserID, Firstname: p.Firstname, Lastname: p.Lastname, Email: p.Email}
}

// BookDetails carries the catalog fields owned by the admin side.
type BookDetails struct {
	BookID    int64  `json:"book_id"`
	Title     string `json:"title"`
	Publisher string `json:"publisher"`
	Category  string `json:"category"`
	Available bool   `json:"available"`
}

func newBookDetails(b *models.Book) BookDetails {
	return BookDetails{BookID: b.ID, Title: b.Title, Publisher: b.Publisher, Category: b.Category, Available: b.Available}
}

func (p BookDetails) Aggregate() (string, string) {
	return models.AggregateBook, strconv.FormatInt(p.BookID, 10)
}

func (p BookDetails) Validate() error {
	if p.BookID <= 0 {
		return fmt.Errorf("%w: book_id must be positive", ErrMalformed)
	}
	return nil
}

type BookCreatedPayload struct {
	BookDetails
}

func NewBookCreated(b *models.Book) BookCreatedPayload {
	return BookCreatedPayload{newBookDetails(b)}
}

func (p BookCreatedPayload) EventType() Type { return BookCreated }

// Book converts the payload to a new replica row with no loan.
func (p BookCreatedPayload) Book() *models.Book {
	return &models.Book{ID: p.BookID, Title: p.Title, Publisher: p.Publisher, Category: p.Category, Available: p.Available}
}

type BookUpdatedPayload struct {
	BookDetails
}

func NewBookUpdated(b *models.Book) BookUpdatedPayload {
	return BookUpdatedPayload{newBookDetails(b)}
}

func (p BookUpdatedPayload) EventType() Type { return BookUpdated }

type BookDeletedPayload struct {
	BookID int64 `json:"book_id"`
}

func (p BookDeletedPayload) EventType() Type { return BookDeleted }

func (p BookDeletedPayload) Aggregate() (string, string) {
	return models.AggregateBook, strconv.FormatInt(p.BookID, 10)
}

func (p BookDeletedPayload) Validate() error {
	if p.BookID <= 0 {
		return fmt.Errorf("%w: book_id must be positive", ErrMalformed)
	}
	return nil
}

type UserDeletedPayload struct {
	UserID int64 `json:"user_id"`
}

func (p UserDeletedPayload) EventType() Type { return UserDeleted }

func (p UserDeletedPayload) Aggregate() (string, string) {
	return models.AggregateUser, strconv.FormatInt(p.UserID, 10)
}

func (p UserDeletedPayload) Validate() error {
	if p.UserID <= 0 {
		return fmt.Errorf("%w: user_id must be positive", ErrMalformed)
	}
	return nil
}

// LoanState carries the borrow fields owned by the lending side.
type LoanState struct {
	BookID     int64  `json:"book_id"`
	Available  bool   `json:"available"`
	BorrowerID *int64 `json:"borrower_id"`
	BorrowDate *Date  `json:"borrow_date"`
	ReturnDate *Date  `json:"return_date"`
}

func newLoanState(b *models.Book) LoanState {
	s := LoanState{BookID: b.ID, Available: b.Available}
	if b.Loan != nil {
		id := b.Loan.BorrowerID
		borrowed, due := NewDate(b.Loan.BorrowDate), NewDate(b.Loan.ReturnDate)
		s.BorrowerID, s.BorrowDate, s.ReturnDate = &id, &borrowed, &due
	}
	return s
}

func (p LoanState) Aggregate() (string, string) {
	return models.AggregateBook, strconv.FormatInt(p.BookID, 10)
}

// Validate enforces available == false iff borrower and both dates are set.
func (p LoanState) Validate() error {
	if p.BookID <= 0 {
		return fmt.Errorf("%w: book_id must be positive", ErrMalformed)
	}
	set := 0
	if p.BorrowerID != nil {
		set++
	}
	if p.BorrowDate != nil {
		set++
	}
	if p.ReturnDate != nil {
		set++
	}
	switch {
	case p.Available && set != 0:
		return fmt.Errorf("%w: available book %d carries loan fields", ErrMalformed, p.BookID)
	case !p.Available && set != 3:
		return fmt.Errorf("%w: unavailable book %d needs borrower_id, borrow_date and return_date", ErrMalformed, p.BookID)
	}
	return nil
}

// Loan converts the wire fields to the stored loan, nil when available.
func (p LoanState) Loan() *models.Loan {
	if p.Available || p.BorrowerID == nil || p.BorrowDate == nil || p.ReturnDate == nil {
		return nil
	}
	return &models.Loan{
		BorrowerID: *p.BorrowerID,
		BorrowDate: p.BorrowDate.Time,
		ReturnDate: p.ReturnDate.Time,
	}
}

type BookBorrowedPayload struct {
	LoanState
}

func NewBookBorrowed(b *models.Book) BookBorrowedPayload {
	return BookBorrowedPayload{newLoanState(b)}
}

func (p BookBorrowedPayload) EventType() Type { return BookBorrowed }

type BookReturnedPayload struct {
	LoanState
}

func NewBookReturned(b *models.Book) BookReturnedPayload {
	return BookReturnedPayload{newLoanState(b)}
}

func (p BookReturnedPayload) EventType() Type { return BookReturned }

// Encode validates p and renders its wire body.
func Encode(p Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.EventType(), err)
	}
	return body, nil
}

// Decode parses body as a P, checking that every required key is present
// before decoding. Required keys may hold null where the field is nullable.
func Decode[P Payload](body []byte) (P, error) {
	var p P

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return p, fmt.Errorf("%w: %s body is not a JSON object", ErrMalformed, p.EventType())
	}
	var missing []string
	for _, key := range p.EventType().RequiredFields() {
		if _, ok := fields[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return p, fmt.Errorf("%w: %s missing %s", ErrMalformed, p.EventType(), strings.Join(missing, ", "))
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&p); err != nil {
		return p, fmt.Errorf("%w: %s: %v", ErrMalformed, p.EventType(), err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}
