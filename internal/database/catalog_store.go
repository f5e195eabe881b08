package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hezzy93/library-app-1/internal/models"
	"github.com/hezzy93/library-app-1/internal/store"
)

const dateLayout = "2006-01-02"

// uniqueViolation is the PostgreSQL SQLSTATE for a unique key collision.
const uniqueViolation = "23505"

// CatalogStore is the admin side's store.Store on PostgreSQL.
type CatalogStore struct {
	db *DB
}

func NewCatalogStore(db *DB) *CatalogStore {
	return &CatalogStore{db: db}
}

var _ store.Store = (*CatalogStore)(nil)
var _ store.Outbox = (*CatalogStore)(nil)

func (s *CatalogStore) WithSession(ctx context.Context, fn func(store.Session) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&pgSession{ctx: ctx, tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type pgSession struct {
	ctx context.Context
	tx  *sql.Tx
}

const userColumns = `id, email, firstname, lastname`

func (s *pgSession) FindUser(id int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return s.scanUser(s.tx.QueryRowContext(s.ctx, query, id), fmt.Sprintf("user %d", id))
}

func (s *pgSession) FindUserByEmail(email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`
	return s.scanUser(s.tx.QueryRowContext(s.ctx, query, email), fmt.Sprintf("user %q", email))
}

func (s *pgSession) scanUser(row *sql.Row, what string) (*models.User, error) {
	u := &models.User{}
	err := row.Scan(&u.ID, &u.Email, &u.Firstname, &u.Lastname)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", what, err)
	}
	return u, nil
}

func (s *pgSession) ListUsers() ([]models.User, error) {
	rows, err := s.tx.QueryContext(s.ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Firstname, &u.Lastname); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// InsertUser requires an id: users are enrolled on the lending side and
// arrive here through replication.
func (s *pgSession) InsertUser(u *models.User) error {
	if u.ID == 0 {
		return fmt.Errorf("insert user %q: id must be assigned by the lending store", u.Email)
	}
	query := `
		INSERT INTO users (id, email, firstname, lastname)
		VALUES ($1, $2, $3, $4)`

	_, err := s.tx.ExecContext(s.ctx, query, u.ID, u.Email, u.Firstname, u.Lastname)
	return classify(err, fmt.Sprintf("insert user %d", u.ID))
}

func (s *pgSession) DeleteUser(id int64) error {
	loans := `
		UPDATE books
		SET available = TRUE, borrower_id = NULL, borrow_date = NULL, return_date = NULL
		WHERE borrower_id = $1`
	if _, err := s.tx.ExecContext(s.ctx, loans, id); err != nil {
		return fmt.Errorf("failed to clear loans of user %d: %w", id, err)
	}

	result, err := s.tx.ExecContext(s.ctx, `DELETE FROM users WHERE id = $1`, id)
	return affected(result, err, fmt.Sprintf("user %d", id))
}

const bookColumns = `id, title, publisher, category, available, borrower_id, borrow_date, return_date`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (*models.Book, error) {
	var (
		b          models.Book
		borrower   sql.NullInt64
		borrowDate sql.NullTime
		returnDate sql.NullTime
	)
	err := row.Scan(&b.ID, &b.Title, &b.Publisher, &b.Category, &b.Available, &borrower, &borrowDate, &returnDate)
	if err != nil {
		return nil, err
	}
	if borrower.Valid {
		b.Loan = &models.Loan{
			BorrowerID: borrower.Int64,
			BorrowDate: borrowDate.Time.UTC(),
			ReturnDate: returnDate.Time.UTC(),
		}
	}
	return &b, nil
}

func (s *pgSession) FindBook(id int64) (*models.Book, error) {
	query := `SELECT ` + bookColumns + ` FROM books WHERE id = $1`
	b, err := scanBook(s.tx.QueryRowContext(s.ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("book %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load book %d: %w", id, err)
	}
	return b, nil
}

func (s *pgSession) ListBooks(filter store.BookFilter) ([]models.Book, error) {
	query := `SELECT ` + bookColumns + ` FROM books`
	if filter.AvailableOnly {
		query += ` WHERE available`
	}
	query += ` ORDER BY id`

	rows, err := s.tx.QueryContext(s.ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	defer rows.Close()

	books := []models.Book{}
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, *b)
	}
	return books, rows.Err()
}

func (s *pgSession) InsertBook(b *models.Book) error {
	args := []any{b.Title, b.Publisher, b.Category, b.Available}
	args = append(args, loanArgs(b.Loan)...)

	if b.ID == 0 {
		query := `
			INSERT INTO books (title, publisher, category, available, borrower_id, borrow_date, return_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`
		err := s.tx.QueryRowContext(s.ctx, query, args...).Scan(&b.ID)
		return classify(err, "insert book")
	}

	query := `
		INSERT INTO books (id, title, publisher, category, available, borrower_id, borrow_date, return_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.tx.ExecContext(s.ctx, query, append([]any{b.ID}, args...)...)
	return classify(err, fmt.Sprintf("insert book %d", b.ID))
}

func (s *pgSession) UpdateBook(id int64, patch store.BookPatch) error {
	if patch.Empty() {
		_, err := s.FindBook(id)
		return err
	}
	query, args := bookUpdate(id, patch)
	result, err := s.tx.ExecContext(s.ctx, query, args...)
	return affected(result, err, fmt.Sprintf("book %d", id))
}

func (s *pgSession) DeleteBook(id int64) error {
	result, err := s.tx.ExecContext(s.ctx, `DELETE FROM books WHERE id = $1`, id)
	return affected(result, err, fmt.Sprintf("book %d", id))
}

func (s *pgSession) AppendOutbox(event *models.OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (
			id, aggregate_type, aggregate_id, event_type, event_data,
			status, topic, created_at, retry_count, max_retries
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.tx.ExecContext(s.ctx, query,
		event.ID, event.AggregateType, event.AggregateID, event.EventType,
		string(event.EventData), event.Status, event.Topic,
		event.CreatedAt, event.RetryCount, event.MaxRetries)
	return classify(err, fmt.Sprintf("append outbox event %s", event.ID))
}

// bookUpdate renders the UPDATE statement for the fields patch names.
func bookUpdate(id int64, patch store.BookPatch) (string, []any) {
	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Title != nil {
		set("title", *patch.Title)
	}
	if patch.Publisher != nil {
		set("publisher", *patch.Publisher)
	}
	if patch.Category != nil {
		set("category", *patch.Category)
	}
	if patch.Available != nil {
		set("available", *patch.Available)
	}
	if patch.SetLoan {
		loan := loanArgs(patch.Loan)
		set("borrower_id", loan[0])
		set("borrow_date", loan[1])
		set("return_date", loan[2])
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE books SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	return query, args
}

// loanArgs returns borrower_id, borrow_date and return_date, all NULL for a
// book on the shelf.
func loanArgs(loan *models.Loan) []any {
	if loan == nil {
		return []any{nil, nil, nil}
	}
	return []any{loan.BorrowerID, loan.BorrowDate.Format(dateLayout), loan.ReturnDate.Format(dateLayout)}
}

// classify maps driver errors onto the store sentinels.
func classify(err error, what string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w (%s)", what, store.ErrDuplicate, pqErr.Constraint)
	}
	return fmt.Errorf("failed to %s: %w", what, err)
}

func affected(result sql.Result, err error, what string) error {
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", what, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return nil
}

// Outbox operations

const outboxColumns = `
	id, aggregate_type, aggregate_id, event_type, event_data,
	status, topic, created_at, processed_at,
	retry_count, max_retries, error_message`

func (s *CatalogStore) PendingEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE status = $1 OR (status = $2 AND retry_count < max_retries)
		ORDER BY created_at ASC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, models.StatusNew, models.StatusFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.OutboxEvent
	for rows.Next() {
		event := &models.OutboxEvent{}
		err := rows.Scan(
			&event.ID, &event.AggregateType, &event.AggregateID,
			&event.EventType, &event.EventData, &event.Status,
			&event.Topic, &event.CreatedAt, &event.ProcessedAt,
			&event.RetryCount, &event.MaxRetries, &event.ErrorMessage)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

func (s *CatalogStore) MarkProcessing(ctx context.Context, eventID uuid.UUID) error {
	query := `
		UPDATE outbox_events
		SET status = $1, processed_at = $2
		WHERE id = $3 AND (status = $4 OR (status = $5 AND retry_count < max_retries))`

	result, err := s.db.ExecContext(ctx, query,
		models.StatusProcessing, time.Now().UTC(), eventID, models.StatusNew, models.StatusFailed)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("event %s: %w", eventID, store.ErrAlreadyClaimed)
	}

	return nil
}

func (s *CatalogStore) MarkSent(ctx context.Context, eventID uuid.UUID) error {
	query := `
		UPDATE outbox_events
		SET status = $1, processed_at = $2, error_message = NULL
		WHERE id = $3`

	_, err := s.db.ExecContext(ctx, query, models.StatusSent, time.Now().UTC(), eventID)
	return err
}

func (s *CatalogStore) MarkFailed(ctx context.Context, eventID uuid.UUID, reason string) error {
	query := `
		UPDATE outbox_events
		SET status = $1, retry_count = retry_count + 1, error_message = $2, processed_at = $3
		WHERE id = $4`

	_, err := s.db.ExecContext(ctx, query, models.StatusFailed, reason, time.Now().UTC(), eventID)
	return err
}

func (s *CatalogStore) ResetStale(ctx context.Context, timeout time.Duration) (int64, error) {
	query := `
		UPDATE outbox_events
		SET status = $1, processed_at = NULL
		WHERE status = $2 AND processed_at < $3`

	cutoff := time.Now().UTC().Add(-timeout)
	result, err := s.db.ExecContext(ctx, query, models.StatusNew, models.StatusProcessing, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
