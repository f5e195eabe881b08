package backfill

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hezzy93/library-app-1/internal/bus"
	"github.com/hezzy93/library-app-1/internal/bus/membus"
	"github.com/hezzy93/library-app-1/internal/events"
	"github.com/hezzy93/library-app-1/internal/logging"
	"github.com/hezzy93/library-app-1/internal/models"
	"github.com/hezzy93/library-app-1/internal/publisher"
	"github.com/hezzy93/library-app-1/internal/replication"
	"github.com/hezzy93/library-app-1/internal/store"
	"github.com/hezzy93/library-app-1/internal/store/memstore"
)

var ctx = context.Background()

type flakyPublisher struct {
	calls int
}

func (f *flakyPublisher) Publish(ctx context.Context, t events.Type, p events.Payload) error {
	f.calls++
	if f.calls == 1 {
		return errors.New("broker unavailable")
	}
	return nil
}

func seeded(t *testing.T) *memstore.Store {
	t.Helper()
	st := memstore.New()
	borrowed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.WithSession(ctx, func(sess store.Session) error {
		if err := sess.InsertUser(&models.User{ID: 1, Email: "ada@example.com", Firstname: "Ada"}); err != nil {
			return err
		}
		if err := sess.InsertBook(&models.Book{ID: 1, Title: "Dune", Available: true}); err != nil {
			return err
		}
		return sess.InsertBook(&models.Book{ID: 2, Title: "Emma", Available: false,
			Loan: &models.Loan{BorrowerID: 1, BorrowDate: borrowed, ReturnDate: borrowed.AddDate(0, 0, 7)}})
	}))
	return st
}

func newPublisher(t *testing.T, server *membus.Server) *publisher.Publisher {
	t.Helper()
	pub := publisher.New(bus.NewPool(server.Dial, logging.Discard()), false, logging.Discard())
	t.Cleanup(func() { pub.Close() })
	return pub
}

func TestRun_Admin(t *testing.T) {
	server := membus.NewServer()
	sum, err := New(seeded(t), newPublisher(t, server), Options{}, logging.Discard()).Run(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 2, Published: 2}, sum)

	msgs := server.Pending(events.BookCreated.Queue())
	require.Len(t, msgs, 2)
	payload, err := events.Decode[events.BookCreatedPayload](msgs[1].Body)
	require.NoError(t, err)
	assert.Equal(t, "Emma", payload.Title)
	assert.True(t, payload.Available)
	assert.Empty(t, server.Pending(events.UserCreated.Queue()))
}

func TestRun_User(t *testing.T) {
	server := membus.NewServer()
	sum, err := New(seeded(t), newPublisher(t, server), Options{}, logging.Discard()).Run(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Published)

	assert.Len(t, server.Pending(events.UserCreated.Queue()), 1)
	assert.Len(t, server.Pending(events.BookReturned.Queue()), 1)
	borrowed := server.Pending(events.BookBorrowed.Queue())
	require.Len(t, borrowed, 1)
	payload, err := events.Decode[events.BookBorrowedPayload](borrowed[0].Body)
	require.NoError(t, err)
	assert.Equal(t, int64(2), payload.BookID)
	assert.Equal(t, int64(1), *payload.BorrowerID)
}

// A catalog replica that lost a loan event converges once the snapshot is
// applied.
func TestRun_UserSnapshotRepairsAdminReplica(t *testing.T) {
	server := membus.NewServer()
	_, err := New(seeded(t), newPublisher(t, server), Options{AggregateType: models.AggregateBook}, logging.Discard()).Run(ctx, "user")
	require.NoError(t, err)
	assert.Empty(t, server.Pending(events.UserCreated.Queue()))

	admin := memstore.New()
	require.NoError(t, admin.WithSession(ctx, func(sess store.Session) error {
		if err := sess.InsertBook(&models.Book{ID: 1, Title: "Dune", Available: true}); err != nil {
			return err
		}
		return sess.InsertBook(&models.Book{ID: 2, Title: "Emma", Available: true})
	}))

	applier := replication.NewApplier(admin, logging.Discard())
	for _, msg := range server.Pending(events.BookBorrowed.Queue()) {
		require.NoError(t, applier.BookBorrowed(ctx, msg.Body))
	}
	for _, msg := range server.Pending(events.BookReturned.Queue()) {
		require.NoError(t, applier.BookReturned(ctx, msg.Body))
	}

	emma, ok := admin.Book(2)
	require.True(t, ok)
	assert.False(t, emma.Available)
	require.NotNil(t, emma.Loan)
	assert.Equal(t, int64(1), emma.Loan.BorrowerID)
}

func TestRun_DryRunAndFailures(t *testing.T) {
	server := membus.NewServer()
	sum, err := New(seeded(t), newPublisher(t, server), Options{DryRun: true}, logging.Discard()).Run(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Published)
	assert.Zero(t, server.Dials())

	flaky := &flakyPublisher{}
	sum, err = New(seeded(t), flaky, Options{}, logging.Discard()).Run(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 2, Published: 1, Failed: 1}, sum)

	_, err = New(seeded(t), flaky, Options{}, logging.Discard()).Run(ctx, "billing")
	assert.Error(t, err)
}
