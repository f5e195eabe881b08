// Package storetest checks a store.Store and store.Outbox implementation
// against the behaviour every backend shares.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hezzy93/library-app-1/internal/models"
	"github.com/hezzy93/library-app-1/internal/store"
)

type Backend interface {
	store.Store
	store.Outbox
}

func date(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

// Run executes the shared checks. open must return an empty backend.
func Run(t *testing.T, open func(t *testing.T) Backend) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b Backend)
	}{
		{"Users", testUsers},
		{"Books", testBooks},
		{"LoanRoundTrip", testLoanRoundTrip},
		{"DeleteUserClearsLoans", testDeleteUserClearsLoans},
		{"RollbackOnError", testRollbackOnError},
		{"RollbackOnPanic", testRollbackOnPanic},
		{"Outbox", testOutbox},
		{"ResetStale", testResetStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

func session(t *testing.T, b Backend, fn func(sess store.Session)) {
	t.Helper()
	require.NoError(t, b.WithSession(context.Background(), func(sess store.Session) error {
		fn(sess)
		return nil
	}))
}

func testUsers(t *testing.T, b Backend) {
	session(t, b, func(sess store.Session) {
		require.NoError(t, sess.InsertUser(&models.User{ID: 2, Email: "b@x.com", Firstname: "B", Lastname: "Two"}))
		require.NoError(t, sess.InsertUser(&models.User{ID: 1, Email: "a@x.com", Firstname: "A", Lastname: "One"}))
	})

	session(t, b, func(sess store.Session) {
		u, err := sess.FindUser(1)
		require.NoError(t, err)
		assert.Equal(t, "a@x.com", u.Email)
		assert.Equal(t, "One", u.Lastname)

		u, err = sess.FindUserByEmail("b@x.com")
		require.NoError(t, err)
		assert.Equal(t, int64(2), u.ID)

		_, err = sess.FindUser(99)
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = sess.FindUserByEmail("nobody@x.com")
		assert.ErrorIs(t, err, store.ErrNotFound)

		users, err := sess.ListUsers()
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, int64(1), users[0].ID)
		assert.Equal(t, int64(2), users[1].ID)

		assert.ErrorIs(t, sess.DeleteUser(99), store.ErrNotFound)
	})

	err := b.WithSession(context.Background(), func(sess store.Session) error {
		return sess.InsertUser(&models.User{ID: 1, Email: "other@x.com"})
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	err = b.WithSession(context.Background(), func(sess store.Session) error {
		return sess.InsertUser(&models.User{ID: 3, Email: "a@x.com"})
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func testBooks(t *testing.T, b Backend) {
	session(t, b, func(sess store.Session) {
		require.NoError(t, sess.InsertBook(&models.Book{ID: 10, Title: "Dune", Publisher: "Chilton", Category: "SciFi", Available: true}))
		require.NoError(t, sess.InsertBook(&models.Book{ID: 11, Title: "Emma", Publisher: "Murray", Category: "Novel", Available: true}))
	})

	session(t, b, func(sess store.Session) {
		require.NoError(t, sess.UpdateBook(10, store.CatalogFields("Dune Messiah", "Putnam", "SciFi", true)))
		// rewriting identical values is still a successful update
		require.NoError(t, sess.UpdateBook(10, store.CatalogFields("Dune Messiah", "Putnam", "SciFi", true)))
		assert.ErrorIs(t, sess.UpdateBook(99, store.CatalogFields("x", "y", "z", true)), store.ErrNotFound)
		assert.ErrorIs(t, sess.UpdateBook(99, store.BookPatch{}), store.ErrNotFound)

		loan := &models.Loan{BorrowerID: 1, BorrowDate: date("2024-01-01"), ReturnDate: date("2024-01-08")}
		require.NoError(t, sess.UpdateBook(11, store.LoanFields(false, loan)))
	})

	session(t, b, func(sess store.Session) {
		book, err := sess.FindBook(10)
		require.NoError(t, err)
		assert.Equal(t, "Dune Messiah", book.Title)
		assert.Equal(t, "Putnam", book.Publisher)
		assert.True(t, book.Available)
		assert.Nil(t, book.Loan)

		all, err := sess.ListBooks(store.BookFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, int64(10), all[0].ID)

		available, err := sess.ListBooks(store.BookFilter{AvailableOnly: true})
		require.NoError(t, err)
		require.Len(t, available, 1)
		assert.Equal(t, int64(10), available[0].ID)

		require.NoError(t, sess.DeleteBook(10))
		_, err = sess.FindBook(10)
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, sess.DeleteBook(10), store.ErrNotFound)
	})

	err := b.WithSession(context.Background(), func(sess store.Session) error {
		return sess.InsertBook(&models.Book{ID: 11, Title: "again", Available: true})
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func testLoanRoundTrip(t *testing.T, b Backend) {
	loan := &models.Loan{BorrowerID: 4, BorrowDate: date("2024-03-01"), ReturnDate: date("2024-03-08")}
	session(t, b, func(sess store.Session) {
		require.NoError(t, sess.InsertBook(&models.Book{ID: 5, Title: "Dune", Available: false, Loan: loan}))
	})

	session(t, b, func(sess store.Session) {
		book, err := sess.FindBook(5)
		require.NoError(t, err)
		assert.False(t, book.Available)
		require.NotNil(t, book.Loan)
		assert.Equal(t, int64(4), book.Loan.BorrowerID)
		assert.Equal(t, "2024-03-01", book.Loan.BorrowDate.Format("2006-01-02"))
		assert.Equal(t, "2024-03-08", book.Loan.ReturnDate.Format("2006-01-02"))
		assert.True(t, book.Consistent())

		require.NoError(t, sess.UpdateBook(5, store.LoanFields(true, nil)))
		book, err = sess.FindBook(5)
		require.NoError(t, err)
		assert.True(t, book.Available)
		assert.Nil(t, book.Loan)
	})
}

func testDeleteUserClearsLoans(t *testing.T, b Backend) {
	loan := &models.Loan{BorrowerID: 7, BorrowDate: date("2024-01-01"), ReturnDate: date("2024-01-08")}
	other := &models.Loan{BorrowerID: 8, BorrowDate: date("2024-01-02"), ReturnDate: date("2024-01-09")}
	session(t, b, func(sess store.Session) {
		require.NoError(t, sess.InsertUser(&models.User{ID: 7, Email: "seven@x.com"}))
		require.NoError(t, sess.InsertUser(&models.User{ID: 8, Email: "eight@x.com"}))
		require.NoError(t, sess.InsertBook(&models.Book{ID: 1, Title: "Lent", Available: false, Loan: loan}))
		require.NoError(t, sess.InsertBook(&models.Book{ID: 2, Title: "Other", Available: false, Loan: other}))
	})

	session(t, b, func(sess store.Session) {
		require.NoError(t, sess.DeleteUser(7))
	})

	session(t, b, func(sess store.Session) {
		_, err := sess.FindUser(7)
		assert.ErrorIs(t, err, store.ErrNotFound)

		book, err := sess.FindBook(1)
		require.NoError(t, err)
		assert.True(t, book.Available)
		assert.Nil(t, book.Loan)

		book, err = sess.FindBook(2)
		require.NoError(t, err)
		assert.False(t, book.Available)
		require.NotNil(t, book.Loan)
		assert.Equal(t, int64(8), book.Loan.BorrowerID)
	})
}

func testRollbackOnError(t *testing.T, b Backend) {
	boom := errors.New("boom")
	err := b.WithSession(context.Background(), func(sess store.Session) error {
		require.NoError(t, sess.InsertBook(&models.Book{ID: 1, Title: "Dune", Available: true}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	session(t, b, func(sess store.Session) {
		_, err := sess.FindBook(1)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func testRollbackOnPanic(t *testing.T, b Backend) {
	assert.PanicsWithValue(t, "kaboom", func() {
		_ = b.WithSession(context.Background(), func(sess store.Session) error {
			require.NoError(t, sess.InsertUser(&models.User{ID: 1, Email: "a@x.com"}))
			panic("kaboom")
		})
	})

	session(t, b, func(sess store.Session) {
		_, err := sess.FindUser(1)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func testOutbox(t *testing.T, b Backend) {
	ctx := context.Background()
	first := store.NewOutboxEvent(models.AggregateBook, "1", "book_deleted", "book_deleted", []byte(`{"book_id":1}`), 2)
	second := store.NewOutboxEvent(models.AggregateUser, "2", "user_deleted", "user_deleted", []byte(`{"user_id":2}`), 2)
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	session(t, b, func(sess store.Session) {
		require.NoError(t, sess.AppendOutbox(first))
		require.NoError(t, sess.AppendOutbox(second))
	})

	pending, err := b.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, `{"book_id":1}`, string(pending[0].EventData))
	assert.Equal(t, models.StatusNew, pending[0].Status)
	assert.Equal(t, "book_deleted", pending[0].Topic)
	assert.Equal(t, 2, pending[0].MaxRetries)

	limited, err := b.PendingEvents(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, b.MarkProcessing(ctx, first.ID))
	assert.ErrorIs(t, b.MarkProcessing(ctx, first.ID), store.ErrAlreadyClaimed)
	require.NoError(t, b.MarkSent(ctx, first.ID))

	require.NoError(t, b.MarkProcessing(ctx, second.ID))
	require.NoError(t, b.MarkFailed(ctx, second.ID, "broker down"))

	pending, err = b.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
	assert.Equal(t, models.StatusFailed, pending[0].Status)
	assert.Equal(t, 1, pending[0].RetryCount)
	require.NotNil(t, pending[0].ErrorMessage)
	assert.Equal(t, "broker down", *pending[0].ErrorMessage)

	require.NoError(t, b.MarkProcessing(ctx, second.ID))
	require.NoError(t, b.MarkFailed(ctx, second.ID, "broker down"))

	pending, err = b.PendingEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "retries exhausted")
	assert.ErrorIs(t, b.MarkProcessing(ctx, second.ID), store.ErrAlreadyClaimed)
}

func testResetStale(t *testing.T, b Backend) {
	ctx := context.Background()
	ev := store.NewOutboxEvent(models.AggregateBook, "1", "book_deleted", "book_deleted", []byte(`{"book_id":1}`), 3)
	session(t, b, func(sess store.Session) {
		require.NoError(t, sess.AppendOutbox(ev))
	})
	require.NoError(t, b.MarkProcessing(ctx, ev.ID))

	n, err := b.ResetStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = b.ResetStale(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := b.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.StatusNew, pending[0].Status)
	assert.Nil(t, pending[0].ProcessedAt)
}
