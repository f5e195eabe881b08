package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	sqlmysql "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hezzy93/library-app-1/internal/models"
	"github.com/hezzy93/library-app-1/internal/store"
)

// duplicateEntry is MySQL's ER_DUP_ENTRY.
const duplicateEntry = 1062

type userRow struct {
	ID             int64   `gorm:"primaryKey;autoIncrement"`
	Email          string  `gorm:"size:255;not null;uniqueIndex"`
	Firstname      string  `gorm:"size:100;not null"`
	Lastname       string  `gorm:"size:100;not null"`
	HashedPassword *string `gorm:"size:255"`
	CreatedAt      time.Time
}

func (userRow) TableName() string { return "users" }

// bookRow ids come from the admin catalog.
type bookRow struct {
	ID         int64      `gorm:"primaryKey;autoIncrement:false"`
	Title      string     `gorm:"size:255;not null"`
	Publisher  string     `gorm:"size:255;not null"`
	Category   string     `gorm:"size:100;not null"`
	Available  bool       `gorm:"not null"`
	BorrowerID *int64     `gorm:"index"`
	BorrowDate *time.Time `gorm:"type:date"`
	ReturnDate *time.Time `gorm:"type:date"`
}

func (bookRow) TableName() string { return "books" }

type outboxRow struct {
	ID            string     `gorm:"primaryKey;size:36"`
	AggregateType string     `gorm:"size:50;not null;index:idx_outbox_aggregate"`
	AggregateID   string     `gorm:"size:64;not null;index:idx_outbox_aggregate"`
	EventType     string     `gorm:"size:50;not null"`
	EventData     []byte     `gorm:"type:blob;not null"`
	Status        string     `gorm:"size:20;not null;index:idx_outbox_status_created"`
	Topic         string     `gorm:"size:100;not null"`
	CreatedAt     time.Time  `gorm:"not null;index:idx_outbox_status_created"`
	ProcessedAt   *time.Time `gorm:"column:processed_at"`
	RetryCount    int        `gorm:"not null"`
	MaxRetries    int        `gorm:"not null"`
	ErrorMessage  *string    `gorm:"type:text"`
}

func (outboxRow) TableName() string { return "outbox_events" }

func userToRow(u *models.User) userRow {
	return userRow{
		ID:             u.ID,
		Email:          u.Email,
		Firstname:      u.Firstname,
		Lastname:       u.Lastname,
		HashedPassword: u.HashedPassword,
	}
}

func (r userRow) model() *models.User {
	return &models.User{
		ID:             r.ID,
		Email:          r.Email,
		Firstname:      r.Firstname,
		Lastname:       r.Lastname,
		HashedPassword: r.HashedPassword,
	}
}

func bookToRow(b *models.Book) bookRow {
	row := bookRow{
		ID:        b.ID,
		Title:     b.Title,
		Publisher: b.Publisher,
		Category:  b.Category,
		Available: b.Available,
	}
	if b.Loan != nil {
		borrower := b.Loan.BorrowerID
		borrowDate := b.Loan.BorrowDate.UTC()
		returnDate := b.Loan.ReturnDate.UTC()
		row.BorrowerID = &borrower
		row.BorrowDate = &borrowDate
		row.ReturnDate = &returnDate
	}
	return row
}

func (r bookRow) model() *models.Book {
	b := &models.Book{
		ID:        r.ID,
		Title:     r.Title,
		Publisher: r.Publisher,
		Category:  r.Category,
		Available: r.Available,
	}
	if r.BorrowerID != nil {
		loan := &models.Loan{BorrowerID: *r.BorrowerID}
		if r.BorrowDate != nil {
			loan.BorrowDate = r.BorrowDate.UTC()
		}
		if r.ReturnDate != nil {
			loan.ReturnDate = r.ReturnDate.UTC()
		}
		b.Loan = loan
	}
	return b
}

func (r outboxRow) model() (*models.OutboxEvent, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("outbox row has invalid id %q: %w", r.ID, err)
	}
	return &models.OutboxEvent{
		ID:            id,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		EventType:     r.EventType,
		EventData:     r.EventData,
		Status:        r.Status,
		Topic:         r.Topic,
		CreatedAt:     r.CreatedAt,
		ProcessedAt:   r.ProcessedAt,
		RetryCount:    r.RetryCount,
		MaxRetries:    r.MaxRetries,
		ErrorMessage:  r.ErrorMessage,
	}, nil
}

// LendingStore is the user side's store.Store on MySQL.
type LendingStore struct {
	db *gorm.DB
}

func NewLendingStore(db *gorm.DB) *LendingStore {
	return &LendingStore{db: db}
}

var _ store.Store = (*LendingStore)(nil)
var _ store.Outbox = (*LendingStore)(nil)

// WithSession runs fn in a gorm transaction, which rolls back on error and
// on panic.
func (s *LendingStore) WithSession(ctx context.Context, fn func(store.Session) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormSession{tx: tx})
	})
}

type gormSession struct {
	tx *gorm.DB
}

func (s *gormSession) FindUser(id int64) (*models.User, error) {
	var row userRow
	if err := s.tx.First(&row, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("user %d", id))
	}
	return row.model(), nil
}

func (s *gormSession) FindUserByEmail(email string) (*models.User, error) {
	var row userRow
	if err := s.tx.Where("email = ?", email).First(&row).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("user %q", email))
	}
	return row.model(), nil
}

func (s *gormSession) ListUsers() ([]models.User, error) {
	var rows []userRow
	if err := s.tx.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	users := make([]models.User, 0, len(rows))
	for _, row := range rows {
		users = append(users, *row.model())
	}
	return users, nil
}

func (s *gormSession) InsertUser(u *models.User) error {
	row := userToRow(u)
	if err := s.tx.Create(&row).Error; err != nil {
		return duplicate(err, fmt.Sprintf("insert user %q", u.Email))
	}
	u.ID = row.ID
	return nil
}

func (s *gormSession) DeleteUser(id int64) error {
	err := s.tx.Model(&bookRow{}).
		Where("borrower_id = ?", id).
		Updates(map[string]any{
			"available":   true,
			"borrower_id": nil,
			"borrow_date": nil,
			"return_date": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to clear loans of user %d: %w", id, err)
	}

	result := s.tx.Delete(&userRow{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete user %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *gormSession) FindBook(id int64) (*models.Book, error) {
	var row bookRow
	if err := s.tx.First(&row, id).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("book %d", id))
	}
	return row.model(), nil
}

func (s *gormSession) ListBooks(filter store.BookFilter) ([]models.Book, error) {
	query := s.tx.Order("id")
	if filter.AvailableOnly {
		query = query.Where("available = ?", true)
	}
	var rows []bookRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	books := make([]models.Book, 0, len(rows))
	for _, row := range rows {
		books = append(books, *row.model())
	}
	return books, nil
}

func (s *gormSession) InsertBook(b *models.Book) error {
	if b.ID == 0 {
		return fmt.Errorf("insert book %q: id must be assigned by the admin catalog", b.Title)
	}
	row := bookToRow(b)
	if err := s.tx.Create(&row).Error; err != nil {
		return duplicate(err, fmt.Sprintf("insert book %d", b.ID))
	}
	return nil
}

func (s *gormSession) UpdateBook(id int64, patch store.BookPatch) error {
	fields := bookFields(patch)
	if len(fields) == 0 {
		_, err := s.FindBook(id)
		return err
	}

	result := s.tx.Model(&bookRow{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update book %d: %w", id, result.Error)
	}
	// MySQL reports changed rows, so an update that rewrites identical
	// values affects nothing.
	if result.RowsAffected == 0 {
		var count int64
		if err := s.tx.Model(&bookRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to load book %d: %w", id, err)
		}
		if count == 0 {
			return fmt.Errorf("book %d: %w", id, store.ErrNotFound)
		}
	}
	return nil
}

func (s *gormSession) DeleteBook(id int64) error {
	result := s.tx.Delete(&bookRow{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete book %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("book %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *gormSession) AppendOutbox(event *models.OutboxEvent) error {
	row := outboxRow{
		ID:            event.ID.String(),
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		EventData:     event.EventData,
		Status:        event.Status,
		Topic:         event.Topic,
		CreatedAt:     event.CreatedAt,
		RetryCount:    event.RetryCount,
		MaxRetries:    event.MaxRetries,
	}
	if err := s.tx.Create(&row).Error; err != nil {
		return duplicate(err, fmt.Sprintf("append outbox event %s", event.ID))
	}
	return nil
}

// bookFields maps a patch onto column updates. gorm skips zero values in
// struct updates, so a map is used.
func bookFields(patch store.BookPatch) map[string]any {
	fields := map[string]any{}
	if patch.Title != nil {
		fields["title"] = *patch.Title
	}
	if patch.Publisher != nil {
		fields["publisher"] = *patch.Publisher
	}
	if patch.Category != nil {
		fields["category"] = *patch.Category
	}
	if patch.Available != nil {
		fields["available"] = *patch.Available
	}
	if patch.SetLoan {
		if patch.Loan == nil {
			fields["borrower_id"] = nil
			fields["borrow_date"] = nil
			fields["return_date"] = nil
		} else {
			fields["borrower_id"] = patch.Loan.BorrowerID
			fields["borrow_date"] = patch.Loan.BorrowDate.UTC()
			fields["return_date"] = patch.Loan.ReturnDate.UTC()
		}
	}
	return fields
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}

func duplicate(err error, what string) error {
	var mysqlErr *sqlmysql.MySQLError
	if errors.Is(err, gorm.ErrDuplicatedKey) || (errors.As(err, &mysqlErr) && mysqlErr.Number == duplicateEntry) {
		return fmt.Errorf("%s: %w", what, store.ErrDuplicate)
	}
	return fmt.Errorf("failed to %s: %w", what, err)
}

// Outbox operations

func (s *LendingStore) PendingEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	var rows []outboxRow
	err := s.db.WithContext(ctx).
		Where("status = ? OR (status = ? AND retry_count < max_retries)", models.StatusNew, models.StatusFailed).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	events := make([]*models.OutboxEvent, 0, len(rows))
	for _, row := range rows {
		event, err := row.model()
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *LendingStore) MarkProcessing(ctx context.Context, eventID uuid.UUID) error {
	result := s.db.WithContext(ctx).Model(&outboxRow{}).
		Where("id = ? AND (status = ? OR (status = ? AND retry_count < max_retries))",
			eventID.String(), models.StatusNew, models.StatusFailed).
		Updates(map[string]any{
			"status":       models.StatusProcessing,
			"processed_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("event %s: %w", eventID, store.ErrAlreadyClaimed)
	}
	return nil
}

func (s *LendingStore) MarkSent(ctx context.Context, eventID uuid.UUID) error {
	return s.db.WithContext(ctx).Model(&outboxRow{}).
		Where("id = ?", eventID.String()).
		Updates(map[string]any{
			"status":        models.StatusSent,
			"processed_at":  time.Now().UTC(),
			"error_message": nil,
		}).Error
}

func (s *LendingStore) MarkFailed(ctx context.Context, eventID uuid.UUID, reason string) error {
	return s.db.WithContext(ctx).Model(&outboxRow{}).
		Where("id = ?", eventID.String()).
		Updates(map[string]any{
			"status":        models.StatusFailed,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"error_message": reason,
			"processed_at":  time.Now().UTC(),
		}).Error
}

func (s *LendingStore) ResetStale(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	result := s.db.WithContext(ctx).Model(&outboxRow{}).
		Where("status = ? AND processed_at < ?", models.StatusProcessing, cutoff).
		Updates(map[string]any{
			"status":       models.StatusNew,
			"processed_at": nil,
		})
	return result.RowsAffected, result.Error
}
