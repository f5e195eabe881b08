// Package catalog owns the admin side's writes: the book catalog and user
// removal. Every write hands its event to the emitter in the same session.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hezzy93/library-app-1/internal/events"
	"github.com/hezzy93/library-app-1/internal/models"
	"github.com/hezzy93/library-app-1/internal/publisher"
	"github.com/hezzy93/library-app-1/internal/store"
)

var (
	ErrBookNotFound = errors.New("book not found")
	ErrUserNotFound = errors.New("user not found")
	ErrInvalidBook  = errors.New("invalid book")
)

// BookInput is the catalog data an administrator supplies.
type BookInput struct {
	Title     string `json:"title"`
	Publisher string `json:"publisher"`
	Category  string `json:"category"`
}

func (in BookInput) normalize() (BookInput, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Publisher = strings.TrimSpace(in.Publisher)
	in.Category = strings.TrimSpace(in.Category)
	if in.Title == "" {
		return in, fmt.Errorf("%w: title is required", ErrInvalidBook)
	}
	return in, nil
}

type Service struct {
	store   store.Store
	emitter *publisher.Emitter
	logger  *slog.Logger
}

func NewService(st store.Store, emitter *publisher.Emitter, logger *slog.Logger) *Service {
	return &Service{store: st, emitter: emitter, logger: logger}
}

// AddBook shelves a new book and announces it with book_created.
func (s *Service) AddBook(ctx context.Context, in BookInput) (*models.Book, error) {
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}

	book := &models.Book{Title: in.Title, Publisher: in.Publisher, Category: in.Category, Available: true}
	err = s.emitter.Within(ctx, s.store, func(sess store.Session, emit publisher.EmitFunc) error {
		if err := sess.InsertBook(book); err != nil {
			return fmt.Errorf("failed to add book: %w", err)
		}
		return emit(events.NewBookCreated(book))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("book added", "book_id", book.ID, "title", book.Title)
	return book, nil
}

// UpdateBook rewrites the catalog fields. Availability belongs to lending
// and is sent as currently stored.
func (s *Service) UpdateBook(ctx context.Context, id int64, in BookInput) (*models.Book, error) {
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}

	var book *models.Book
	err = s.emitter.Within(ctx, s.store, func(sess store.Session, emit publisher.EmitFunc) error {
		patch := store.BookPatch{Title: &in.Title, Publisher: &in.Publisher, Category: &in.Category}
		if err := sess.UpdateBook(id, patch); err != nil {
			return bookError(id, err)
		}
		updated, err := sess.FindBook(id)
		if err != nil {
			return bookError(id, err)
		}
		book = updated
		return emit(events.NewBookUpdated(book))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("book updated", "book_id", id)
	return book, nil
}

func (s *Service) DeleteBook(ctx context.Context, id int64) error {
	err := s.emitter.Within(ctx, s.store, func(sess store.Session, emit publisher.EmitFunc) error {
		if err := sess.DeleteBook(id); err != nil {
			return bookError(id, err)
		}
		return emit(events.BookDeletedPayload{BookID: id})
	})
	if err != nil {
		return err
	}

	s.logger.Info("book deleted", "book_id", id)
	return nil
}

// DeleteUser removes a user and returns every book they held to the shelf.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	err := s.emitter.Within(ctx, s.store, func(sess store.Session, emit publisher.EmitFunc) error {
		if err := sess.DeleteUser(id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("user %d: %w", id, ErrUserNotFound)
			}
			return fmt.Errorf("failed to delete user %d: %w", id, err)
		}
		return emit(events.UserDeletedPayload{UserID: id})
	})
	if err != nil {
		return err
	}

	s.logger.Info("user deleted", "user_id", id)
	return nil
}

func (s *Service) GetBook(ctx context.Context, id int64) (*models.Book, error) {
	var book *models.Book
	err := s.store.WithSession(ctx, func(sess store.Session) error {
		found, err := sess.FindBook(id)
		if err != nil {
			return bookError(id, err)
		}
		book = found
		return nil
	})
	return book, err
}

func (s *Service) ListBooks(ctx context.Context) ([]models.Book, error) {
	var books []models.Book
	err := s.store.WithSession(ctx, func(sess store.Session) error {
		var err error
		books, err = sess.ListBooks(store.BookFilter{})
		return err
	})
	return books, err
}

// ListUsers returns the users replicated from the lending side.
func (s *Service) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := s.store.WithSession(ctx, func(sess store.Session) error {
		var err error
		users, err = sess.ListUsers()
		return err
	})
	return users, err
}

func bookError(id int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("book %d: %w", id, ErrBookNotFound)
	}
	return fmt.Errorf("failed to write book %d: %w", id, err)
}
