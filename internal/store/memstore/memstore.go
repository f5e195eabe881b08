// Package memstore is an in-memory store.Store. Sessions work on a copy of
// the data that replaces the original only on commit, and sessions are
// serialized. Tests use it to inject failures and count open sessions.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hezzy93/library-app-1/internal/models"
	"github.com/hezzy93/library-app-1/internal/store"
)

type data struct {
	users    map[int64]models.User
	books    map[int64]models.Book
	outbox   map[uuid.UUID]models.OutboxEvent
	order    []uuid.UUID
	nextUser int64
	nextBook int64
}

func (d *data) clone() *data {
	c := &data{
		users:    make(map[int64]models.User, len(d.users)),
		books:    make(map[int64]models.Book, len(d.books)),
		outbox:   make(map[uuid.UUID]models.OutboxEvent, len(d.outbox)),
		order:    append([]uuid.UUID(nil), d.order...),
		nextUser: d.nextUser,
		nextBook: d.nextBook,
	}
	for id, u := range d.users {
		c.users[id] = u
	}
	for id, b := range d.books {
		c.books[id] = copyBook(b)
	}
	for id, e := range d.outbox {
		c.outbox[id] = e
	}
	return c
}

type Store struct {
	mu   sync.Mutex
	data *data

	stateMu  sync.Mutex
	open     int
	sessions int
	commits  int
	failures map[string]error
}

func New() *Store {
	return &Store{
		data: &data{
			users:  make(map[int64]models.User),
			books:  make(map[int64]models.Book),
			outbox: make(map[uuid.UUID]models.OutboxEvent),
		},
		failures: make(map[string]error),
	}
}

var _ store.Store = (*Store)(nil)
var _ store.Outbox = (*Store)(nil)

// FailNext makes the next call of op fail with err. op is a Session method
// name such as "UpdateBook", or "Commit".
func (s *Store) FailNext(op string, err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.failures[op] = err
}

func (s *Store) takeFailure(op string) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	err, ok := s.failures[op]
	if !ok {
		return nil
	}
	delete(s.failures, op)
	return err
}

// OpenSessions is the number of sessions not yet released.
func (s *Store) OpenSessions() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.open
}

// Sessions counts every session ever started.
func (s *Store) Sessions() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.sessions
}

// Commits counts sessions that committed.
func (s *Store) Commits() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.commits
}

func (s *Store) WithSession(ctx context.Context, fn func(store.Session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.Lock()
	s.open++
	s.sessions++
	s.stateMu.Unlock()
	defer func() {
		s.stateMu.Lock()
		s.open--
		s.stateMu.Unlock()
	}()

	sess := &session{store: s, data: s.data.clone()}
	if err := fn(sess); err != nil {
		return err
	}
	if err := s.takeFailure("Commit"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.data = sess.data

	s.stateMu.Lock()
	s.commits++
	s.stateMu.Unlock()
	return nil
}

// User returns the committed user with id.
func (s *Store) User(id int64) (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.data.users[id]
	return u, ok
}

// Book returns a copy of the committed book with id.
func (s *Store) Book(id int64) (models.Book, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data.books[id]
	return copyBook(b), ok
}

func (s *Store) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.users)
}

func (s *Store) BookCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.books)
}

// OutboxEvents returns committed outbox rows oldest first.
func (s *Store) OutboxEvents() []models.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.events(func(models.OutboxEvent) bool { return true })
}

func (s *Store) PendingEvents(ctx context.Context, limit int) ([]*models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.data.events(pending)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]*models.OutboxEvent, len(rows))
	for i := range rows {
		e := rows[i]
		out[i] = &e
	}
	return out, nil
}

func (s *Store) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	if err := s.takeFailure("MarkProcessing"); err != nil {
		return err
	}
	return s.updateEvent(id, func(e *models.OutboxEvent) error {
		if !pending(*e) {
			return fmt.Errorf("%w: %s", store.ErrAlreadyClaimed, id)
		}
		now := time.Now().UTC()
		e.Status = models.StatusProcessing
		e.ProcessedAt = &now
		return nil
	})
}

func (s *Store) MarkSent(ctx context.Context, id uuid.UUID) error {
	return s.updateEvent(id, func(e *models.OutboxEvent) error {
		now := time.Now().UTC()
		e.Status = models.StatusSent
		e.ProcessedAt = &now
		e.ErrorMessage = nil
		return nil
	})
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return s.updateEvent(id, func(e *models.OutboxEvent) error {
		now := time.Now().UTC()
		e.Status = models.StatusFailed
		e.RetryCount++
		e.ErrorMessage = &reason
		e.ProcessedAt = &now
		return nil
	})
}

func (s *Store) ResetStale(ctx context.Context, timeout time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	var n int64
	for id, e := range s.data.outbox {
		if e.Status == models.StatusProcessing && e.ProcessedAt != nil && e.ProcessedAt.Before(cutoff) {
			e.Status = models.StatusNew
			e.ProcessedAt = nil
			s.data.outbox[id] = e
			n++
		}
	}
	return n, nil
}

func (s *Store) updateEvent(id uuid.UUID, fn func(*models.OutboxEvent) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data.outbox[id]
	if !ok {
		return fmt.Errorf("outbox event %s: %w", id, store.ErrNotFound)
	}
	if err := fn(&e); err != nil {
		return err
	}
	s.data.outbox[id] = e
	return nil
}

func pending(e models.OutboxEvent) bool {
	switch e.Status {
	case models.StatusNew:
		return true
	case models.StatusFailed:
		return e.RetryCount < e.MaxRetries
	}
	return false
}

// events returns the outbox rows kept by keep in insertion order.
func (d *data) events(keep func(models.OutboxEvent) bool) []models.OutboxEvent {
	var out []models.OutboxEvent
	for _, id := range d.order {
		if e := d.outbox[id]; keep(e) {
			out = append(out, e)
		}
	}
	return out
}

type session struct {
	store *Store
	data  *data
}

func (s *session) FindUser(id int64) (*models.User, error) {
	if err := s.store.takeFailure("FindUser"); err != nil {
		return nil, err
	}
	u, ok := s.data.users[id]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", id, store.ErrNotFound)
	}
	return &u, nil
}

func (s *session) FindUserByEmail(email string) (*models.User, error) {
	if err := s.store.takeFailure("FindUserByEmail"); err != nil {
		return nil, err
	}
	for _, u := range s.data.users {
		if strings.EqualFold(u.Email, email) {
			found := u
			return &found, nil
		}
	}
	return nil, fmt.Errorf("user %q: %w", email, store.ErrNotFound)
}

func (s *session) ListUsers() ([]models.User, error) {
	if err := s.store.takeFailure("ListUsers"); err != nil {
		return nil, err
	}
	out := make([]models.User, 0, len(s.data.users))
	for _, u := range s.data.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *session) InsertUser(u *models.User) error {
	if err := s.store.takeFailure("InsertUser"); err != nil {
		return err
	}
	if u.ID == 0 {
		s.data.nextUser++
		for s.data.users[s.data.nextUser].ID != 0 {
			s.data.nextUser++
		}
		u.ID = s.data.nextUser
	}
	if _, ok := s.data.users[u.ID]; ok {
		return fmt.Errorf("user %d: %w", u.ID, store.ErrDuplicate)
	}
	for _, existing := range s.data.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return fmt.Errorf("email %q: %w", u.Email, store.ErrDuplicate)
		}
	}
	if u.ID > s.data.nextUser {
		s.data.nextUser = u.ID
	}
	s.data.users[u.ID] = *u
	return nil
}

func (s *session) DeleteUser(id int64) error {
	if err := s.store.takeFailure("DeleteUser"); err != nil {
		return err
	}
	if _, ok := s.data.users[id]; !ok {
		return fmt.Errorf("user %d: %w", id, store.ErrNotFound)
	}
	for bookID, b := range s.data.books {
		if b.Loan != nil && b.Loan.BorrowerID == id {
			b.Loan = nil
			b.Available = true
			s.data.books[bookID] = b
		}
	}
	delete(s.data.users, id)
	return nil
}

func (s *session) FindBook(id int64) (*models.Book, error) {
	if err := s.store.takeFailure("FindBook"); err != nil {
		return nil, err
	}
	b, ok := s.data.books[id]
	if !ok {
		return nil, fmt.Errorf("book %d: %w", id, store.ErrNotFound)
	}
	found := copyBook(b)
	return &found, nil
}

func (s *session) ListBooks(filter store.BookFilter) ([]models.Book, error) {
	if err := s.store.takeFailure("ListBooks"); err != nil {
		return nil, err
	}
	out := make([]models.Book, 0, len(s.data.books))
	for _, b := range s.data.books {
		if filter.AvailableOnly && !b.Available {
			continue
		}
		out = append(out, copyBook(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *session) InsertBook(b *models.Book) error {
	if err := s.store.takeFailure("InsertBook"); err != nil {
		return err
	}
	if b.ID == 0 {
		s.data.nextBook++
		for s.data.books[s.data.nextBook].ID != 0 {
			s.data.nextBook++
		}
		b.ID = s.data.nextBook
	}
	if _, ok := s.data.books[b.ID]; ok {
		return fmt.Errorf("book %d: %w", b.ID, store.ErrDuplicate)
	}
	if b.ID > s.data.nextBook {
		s.data.nextBook = b.ID
	}
	s.data.books[b.ID] = copyBook(*b)
	return nil
}

func (s *session) UpdateBook(id int64, patch store.BookPatch) error {
	if err := s.store.takeFailure("UpdateBook"); err != nil {
		return err
	}
	b, ok := s.data.books[id]
	if !ok {
		return fmt.Errorf("book %d: %w", id, store.ErrNotFound)
	}
	patch.Apply(&b)
	s.data.books[id] = b
	return nil
}

func (s *session) DeleteBook(id int64) error {
	if err := s.store.takeFailure("DeleteBook"); err != nil {
		return err
	}
	if _, ok := s.data.books[id]; !ok {
		return fmt.Errorf("book %d: %w", id, store.ErrNotFound)
	}
	delete(s.data.books, id)
	return nil
}

func (s *session) AppendOutbox(event *models.OutboxEvent) error {
	if err := s.store.takeFailure("AppendOutbox"); err != nil {
		return err
	}
	if _, ok := s.data.outbox[event.ID]; ok {
		return fmt.Errorf("outbox event %s: %w", event.ID, store.ErrDuplicate)
	}
	e := *event
	e.EventData = append([]byte(nil), event.EventData...)
	s.data.outbox[e.ID] = e
	s.data.order = append(s.data.order, e.ID)
	return nil
}

func copyBook(b models.Book) models.Book {
	if b.Loan != nil {
		loan := *b.Loan
		b.Loan = &loan
	}
	return b
}
