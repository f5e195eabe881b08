// Package lending owns the user side's writes: enrollment and the
// borrow/return state machine of each book.
//
//	AVAILABLE --borrow--> BORROWED --return--> AVAILABLE
package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hezzy93/library-app-1/internal/events"
	"github.com/hezzy93/library-app-1/internal/models"
	"github.com/hezzy93/library-app-1/internal/publisher"
	"github.com/hezzy93/library-app-1/internal/store"
)

// DefaultLoanDays applies when a borrow request names no duration.
const DefaultLoanDays = 7

// MaxLoanDays bounds a single loan.
const MaxLoanDays = 365

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrEmailNotRegistered = errors.New("email not registered")
	ErrInvalidUser        = errors.New("invalid user")
	ErrBookNotFound       = errors.New("book not found")
	ErrBookUnavailable    = errors.New("book is not available")
	ErrNotBorrowed        = errors.New("book is not borrowed by this user")
	ErrInvalidDuration    = errors.New("invalid borrow duration")
)

type Enrollment struct {
	Email     string `json:"email"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
}

type Service struct {
	store   store.Store
	emitter *publisher.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(st store.Store, emitter *publisher.Emitter, logger *slog.Logger) *Service {
	return &Service{store: st, emitter: emitter, logger: logger, now: time.Now}
}

// Enroll registers a user and announces it with user_created. Emails are
// unique regardless of case.
func (s *Service) Enroll(ctx context.Context, in Enrollment) (*models.User, error) {
	email := strings.TrimSpace(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", ErrInvalidUser)
	}

	user := &models.User{
		Email:     email,
		Firstname: strings.TrimSpace(in.Firstname),
		Lastname:  strings.TrimSpace(in.Lastname),
	}
	err := s.emitter.Within(ctx, s.store, func(sess store.Session, emit publisher.EmitFunc) error {
		_, err := sess.FindUserByEmail(email)
		switch {
		case err == nil:
			return fmt.Errorf("%q: %w", email, ErrEmailTaken)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		if err := sess.InsertUser(user); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return fmt.Errorf("%q: %w", email, ErrEmailTaken)
			}
			return fmt.Errorf("failed to enroll user: %w", err)
		}
		return emit(events.NewUserCreated(user))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("user enrolled", "user_id", user.ID)
	return user, nil
}

// Borrow lends an available book to the user registered under email for
// days days, starting today (UTC).
func (s *Service) Borrow(ctx context.Context, email string, bookID int64, days int) (*models.Book, *models.User, error) {
	if days == 0 {
		days = DefaultLoanDays
	}
	if days < 0 || days > MaxLoanDays {
		return nil, nil, fmt.Errorf("%w: %d days (must be 1..%d)", ErrInvalidDuration, days, MaxLoanDays)
	}

	var (
		book *models.Book
		user *models.User
	)
	err := s.emitter.Within(ctx, s.store, func(sess store.Session, emit publisher.EmitFunc) error {
		var err error
		if user, err = s.borrower(sess, email); err != nil {
			return err
		}
		if book, err = findBook(sess, bookID); err != nil {
			return err
		}
		if !book.Available || book.Loan != nil {
			return fmt.Errorf("book %d: %w", bookID, ErrBookUnavailable)
		}

		today := s.today()
		loan := &models.Loan{BorrowerID: user.ID, BorrowDate: today, ReturnDate: today.AddDate(0, 0, days)}
		if err := sess.UpdateBook(bookID, store.LoanFields(false, loan)); err != nil {
			return fmt.Errorf("failed to borrow book %d: %w", bookID, err)
		}
		store.LoanFields(false, loan).Apply(book)
		return emit(events.NewBookBorrowed(book))
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("book borrowed", "book_id", book.ID, "user_id", user.ID, "return_date", book.Loan.ReturnDate.Format(events.DateLayout))
	return book, user, nil
}

// Return puts a book the user holds back on the shelf.
func (s *Service) Return(ctx context.Context, email string, bookID int64) (*models.Book, error) {
	var book *models.Book
	err := s.emitter.Within(ctx, s.store, func(sess store.Session, emit publisher.EmitFunc) error {
		user, err := s.borrower(sess, email)
		if err != nil {
			return err
		}
		if book, err = findBook(sess, bookID); err != nil {
			return err
		}
		if book.Loan == nil || book.Loan.BorrowerID != user.ID {
			return fmt.Errorf("book %d: %w", bookID, ErrNotBorrowed)
		}

		if err := sess.UpdateBook(bookID, store.LoanFields(true, nil)); err != nil {
			return fmt.Errorf("failed to return book %d: %w", bookID, err)
		}
		store.LoanFields(true, nil).Apply(book)
		return emit(events.NewBookReturned(book))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("book returned", "book_id", bookID)
	return book, nil
}

func (s *Service) ListAvailableBooks(ctx context.Context) ([]models.Book, error) {
	var books []models.Book
	err := s.store.WithSession(ctx, func(sess store.Session) error {
		var err error
		books, err = sess.ListBooks(store.BookFilter{AvailableOnly: true})
		return err
	})
	return books, err
}

func (s *Service) borrower(sess store.Session, email string) (*models.User, error) {
	user, err := sess.FindUserByEmail(strings.TrimSpace(email))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%q: %w", email, ErrEmailNotRegistered)
	}
	return user, err
}

func findBook(sess store.Session, id int64) (*models.Book, error) {
	book, err := sess.FindBook(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("book %d: %w", id, ErrBookNotFound)
	}
	return book, err
}

func (s *Service) today() time.Time {
	y, m, d := s.now().UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
