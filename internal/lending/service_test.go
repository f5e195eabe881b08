package lending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hezzy93/library-app-1/internal/bus"
	"github.com/hezzy93/library-app-1/internal/bus/membus"
	"github.com/hezzy93/library-app-1/internal/catalog"
	"github.com/hezzy93/library-app-1/internal/config"
	"github.com/hezzy93/library-app-1/internal/consumer"
	"github.com/hezzy93/library-app-1/internal/events"
	"github.com/hezzy93/library-app-1/internal/logging"
	"github.com/hezzy93/library-app-1/internal/models"
	"github.com/hezzy93/library-app-1/internal/publisher"
	"github.com/hezzy93/library-app-1/internal/replication"
	"github.com/hezzy93/library-app-1/internal/store"
	"github.com/hezzy93/library-app-1/internal/store/memstore"
)

var ctx = context.Background()

var fixedNow = time.Date(2024, 3, 10, 22, 30, 0, 0, time.UTC)

func newEmitter(t *testing.T, server *membus.Server, mode string) *publisher.Emitter {
	t.Helper()
	pub := publisher.New(bus.NewPool(server.Dial, logging.Discard()), false, logging.Discard())
	t.Cleanup(func() { pub.Close() })
	return publisher.NewEmitter(mode, pub, 3, logging.Discard())
}

func newService(t *testing.T) (*Service, *memstore.Store, *membus.Server) {
	t.Helper()
	server := membus.NewServer()
	st := memstore.New()
	svc := NewService(st, newEmitter(t, server, config.PublishDirect), logging.Discard())
	svc.now = func() time.Time { return fixedNow }
	return svc, st, server
}

func shelve(t *testing.T, st *memstore.Store, books ...*models.Book) {
	t.Helper()
	require.NoError(t, st.WithSession(ctx, func(sess store.Session) error {
		for _, b := range books {
			if err := sess.InsertBook(b); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestEnroll(t *testing.T) {
	svc, st, server := newService(t)

	user, err := svc.Enroll(ctx, Enrollment{Email: "ada@x.com", Firstname: "Ada", Lastname: "Lovelace"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), user.ID)
	assert.Equal(t, 1, st.UserCount())

	msgs := server.Pending("user_created")
	require.Len(t, msgs, 1)
	payload, err := events.Decode[events.UserCreatedPayload](msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, user, payload.User())
}

func TestEnroll_Rejections(t *testing.T) {
	svc, st, server := newService(t)

	_, err := svc.Enroll(ctx, Enrollment{Email: "ada@x.com"})
	require.NoError(t, err)

	_, err = svc.Enroll(ctx, Enrollment{Email: "ADA@x.com"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, err = svc.Enroll(ctx, Enrollment{Email: "not-an-email"})
	assert.ErrorIs(t, err, ErrInvalidUser)

	assert.Equal(t, 1, st.UserCount())
	assert.Len(t, server.Pending("user_created"), 1)
}

func TestBorrow(t *testing.T) {
	svc, st, server := newService(t)
	shelve(t, st, &models.Book{ID: 5, Title: "Dune", Available: true})
	user, err := svc.Enroll(ctx, Enrollment{Email: "ada@x.com"})
	require.NoError(t, err)

	book, borrower, err := svc.Borrow(ctx, "Ada@x.com", 5, 0)
	require.NoError(t, err)
	assert.Equal(t, user.ID, borrower.ID)
	assert.False(t, book.Available)
	require.NotNil(t, book.Loan)
	assert.Equal(t, "2024-03-10", book.Loan.BorrowDate.Format(events.DateLayout))
	assert.Equal(t, "2024-03-17", book.Loan.ReturnDate.Format(events.DateLayout))

	stored, _ := st.Book(5)
	assert.Equal(t, *book, stored)

	msgs := server.Pending("book_borrowed")
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"book_id":5,"available":false,"borrower_id":1,"borrow_date":"2024-03-10","return_date":"2024-03-17"}`, string(msgs[0].Body))

	_, _, err = svc.Borrow(ctx, "ada@x.com", 5, 3)
	assert.ErrorIs(t, err, ErrBookUnavailable)
	assert.Len(t, server.Pending("book_borrowed"), 1)
}

func TestBorrow_Rejections(t *testing.T) {
	svc, st, _ := newService(t)
	shelve(t, st, &models.Book{ID: 5, Title: "Dune", Available: true})
	_, err := svc.Enroll(ctx, Enrollment{Email: "ada@x.com"})
	require.NoError(t, err)

	_, _, err = svc.Borrow(ctx, "nobody@x.com", 5, 7)
	assert.ErrorIs(t, err, ErrEmailNotRegistered)

	_, _, err = svc.Borrow(ctx, "ada@x.com", 99, 7)
	assert.ErrorIs(t, err, ErrBookNotFound)

	_, _, err = svc.Borrow(ctx, "ada@x.com", 5, -1)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	_, _, err = svc.Borrow(ctx, "ada@x.com", 5, MaxLoanDays+1)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	book, _ := st.Book(5)
	assert.True(t, book.Available)
}

func TestBorrow_StaleUpdateDoesNotReleaseLoan(t *testing.T) {
	svc, st, _ := newService(t)
	shelve(t, st, &models.Book{ID: 3, Title: "Dune", Available: true})
	first, err := svc.Enroll(ctx, Enrollment{Email: "ada@x.com"})
	require.NoError(t, err)
	_, err = svc.Enroll(ctx, Enrollment{Email: "bob@x.com"})
	require.NoError(t, err)

	_, _, err = svc.Borrow(ctx, "ada@x.com", 3, 7)
	require.NoError(t, err)

	// the catalog edited the book before book_borrowed reached it
	applier := replication.NewApplier(st, logging.Discard())
	require.NoError(t, applier.BookUpdated(ctx, []byte(`{"book_id":3,"title":"Dune","publisher":"P","category":"C","available":true}`)))

	_, _, err = svc.Borrow(ctx, "bob@x.com", 3, 7)
	assert.ErrorIs(t, err, ErrBookUnavailable)

	book, _ := st.Book(3)
	require.NotNil(t, book.Loan)
	assert.Equal(t, first.ID, book.Loan.BorrowerID)
	assert.False(t, book.Available)
}

func TestBorrow_RejectsBookWithLoan(t *testing.T) {
	svc, st, _ := newService(t)
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	// inconsistent row: flagged available but still lent
	shelve(t, st, &models.Book{ID: 3, Title: "Dune", Available: true,
		Loan: &models.Loan{BorrowerID: 42, BorrowDate: day, ReturnDate: day.AddDate(0, 0, 7)}})
	_, err := svc.Enroll(ctx, Enrollment{Email: "ada@x.com"})
	require.NoError(t, err)

	_, _, err = svc.Borrow(ctx, "ada@x.com", 3, 7)
	assert.ErrorIs(t, err, ErrBookUnavailable)
}

func TestReturn(t *testing.T) {
	svc, st, server := newService(t)
	shelve(t, st, &models.Book{ID: 5, Title: "Dune", Available: true})
	_, err := svc.Enroll(ctx, Enrollment{Email: "ada@x.com"})
	require.NoError(t, err)
	_, err = svc.Enroll(ctx, Enrollment{Email: "bob@x.com"})
	require.NoError(t, err)

	_, err = svc.Return(ctx, "ada@x.com", 5)
	assert.ErrorIs(t, err, ErrNotBorrowed)

	_, _, err = svc.Borrow(ctx, "ada@x.com", 5, 14)
	require.NoError(t, err)

	_, err = svc.Return(ctx, "bob@x.com", 5)
	assert.ErrorIs(t, err, ErrNotBorrowed)

	book, err := svc.Return(ctx, "ada@x.com", 5)
	require.NoError(t, err)
	assert.True(t, book.Available)
	assert.Nil(t, book.Loan)

	msgs := server.Pending("book_returned")
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"book_id":5,"available":true,"borrower_id":null,"borrow_date":null,"return_date":null}`, string(msgs[0].Body))
}

func TestBorrow_StoreFailureEmitsNothing(t *testing.T) {
	svc, st, server := newService(t)
	shelve(t, st, &models.Book{ID: 5, Title: "Dune", Available: true})
	_, err := svc.Enroll(ctx, Enrollment{Email: "ada@x.com"})
	require.NoError(t, err)

	boom := errors.New("disk full")
	st.FailNext("UpdateBook", boom)
	_, _, err = svc.Borrow(ctx, "ada@x.com", 5, 7)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, server.Pending("book_borrowed"))
	assert.Zero(t, st.OpenSessions())
}

func TestListAvailableBooks(t *testing.T) {
	svc, st, _ := newService(t)
	shelve(t, st,
		&models.Book{ID: 1, Title: "Dune", Available: true},
		&models.Book{ID: 2, Title: "Emma", Available: true},
	)
	_, err := svc.Enroll(ctx, Enrollment{Email: "ada@x.com"})
	require.NoError(t, err)
	_, _, err = svc.Borrow(ctx, "ada@x.com", 1, 7)
	require.NoError(t, err)

	books, err := svc.ListAvailableBooks(ctx)
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, int64(2), books[0].ID)
}

// runPeer consumes the routes into st until the test ends.
func runPeer(t *testing.T, server *membus.Server, st store.Store, routes func(*replication.Applier) []replication.Route) {
	t.Helper()
	d := consumer.NewDispatcher(server.Dial, consumer.Options{ReconnectDelay: 10 * time.Millisecond}, logging.Discard())
	for _, r := range routes(replication.NewApplier(st, logging.Discard())) {
		d.Handle(r.Type, r.Handler)
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestReplicasConverge(t *testing.T) {
	server := membus.NewServer()
	adminStore := memstore.New()
	userStore := memstore.New()

	admin := catalog.NewService(adminStore, newEmitter(t, server, config.PublishDirect), logging.Discard())
	users := NewService(userStore, newEmitter(t, server, config.PublishDirect), logging.Discard())

	runPeer(t, server, adminStore, replication.AdminRoutes)
	runPeer(t, server, userStore, replication.UserRoutes)

	book, err := admin.AddBook(ctx, catalog.BookInput{Title: "Dune", Publisher: "Chilton", Category: "SciFi"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return userStore.BookCount() == 1 }, time.Second, 5*time.Millisecond)

	user, err := users.Enroll(ctx, Enrollment{Email: "ada@x.com", Firstname: "Ada"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return adminStore.UserCount() == 1 }, time.Second, 5*time.Millisecond)

	lent, _, err := users.Borrow(ctx, "ada@x.com", book.ID, 7)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		b, _ := adminStore.Book(book.ID)
		return !b.Available
	}, time.Second, 5*time.Millisecond)

	adminCopy, _ := adminStore.Book(book.ID)
	assert.Equal(t, *lent, adminCopy)

	_, err = admin.UpdateBook(ctx, book.ID, catalog.BookInput{Title: "Dune Messiah", Publisher: "Putnam", Category: "SciFi"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		b, _ := userStore.Book(book.ID)
		return b.Title == "Dune Messiah"
	}, time.Second, 5*time.Millisecond)
	userCopy, _ := userStore.Book(book.ID)
	assert.False(t, userCopy.Available, "update carries the stored availability")

	require.NoError(t, admin.DeleteUser(ctx, user.ID))
	require.Eventually(t, func() bool { return userStore.UserCount() == 0 }, time.Second, 5*time.Millisecond)

	adminCopy, _ = adminStore.Book(book.ID)
	userCopy, _ = userStore.Book(book.ID)
	assert.Equal(t, adminCopy, userCopy)
	assert.True(t, userCopy.Available)
	assert.True(t, userCopy.Consistent())

	require.NoError(t, admin.DeleteBook(ctx, book.ID))
	require.Eventually(t, func() bool { return userStore.BookCount() == 0 }, time.Second, 5*time.Millisecond)
}
