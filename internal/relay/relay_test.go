package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hezzy93/library-app-1/internal/bus"
	"github.com/hezzy93/library-app-1/internal/bus/membus"
	"github.com/hezzy93/library-app-1/internal/config"
	"github.com/hezzy93/library-app-1/internal/events"
	"github.com/hezzy93/library-app-1/internal/logging"
	"github.com/hezzy93/library-app-1/internal/models"
	"github.com/hezzy93/library-app-1/internal/publisher"
	"github.com/hezzy93/library-app-1/internal/store"
	"github.com/hezzy93/library-app-1/internal/store/memstore"
)

var ctx = context.Background()

func testConfig() config.RelayConfig {
	return config.RelayConfig{
		PollInterval:      10 * time.Millisecond,
		BatchSize:         10,
		MaxRetries:        2,
		ProcessingTimeout: time.Minute,
	}
}

func stage(t *testing.T, st *memstore.Store, p events.Payload, maxRetries int) *models.OutboxEvent {
	t.Helper()
	body, err := events.Encode(p)
	require.NoError(t, err)
	kind, id := p.Aggregate()
	ev := store.NewOutboxEvent(kind, id, p.EventType().String(), p.EventType().Queue(), body, maxRetries)
	require.NoError(t, st.WithSession(ctx, func(sess store.Session) error {
		return sess.AppendOutbox(ev)
	}))
	return ev
}

func newRelay(t *testing.T, st *memstore.Store, server *membus.Server) *Relay {
	t.Helper()
	pub := publisher.New(bus.NewPool(server.Dial, logging.Discard()), false, logging.Discard())
	t.Cleanup(func() { pub.Close() })
	return NewRelay(st, pub, testConfig(), logging.Discard())
}

func TestProcessOnce_PublishesStagedEvents(t *testing.T) {
	st := memstore.New()
	server := membus.NewServer()
	r := newRelay(t, st, server)

	created := stage(t, st, events.NewBookCreated(&models.Book{ID: 3, Title: "Dune", Available: true}), 2)
	deleted := stage(t, st, events.BookDeletedPayload{BookID: 3}, 2)

	sent, err := r.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	msgs := server.Pending("book_created")
	require.Len(t, msgs, 1)
	assert.Equal(t, created.EventData, msgs[0].Body)
	assert.Equal(t, created.ID.String(), msgs[0].Headers[bus.HeaderEventID])
	assert.Equal(t, "3", msgs[0].Headers[bus.HeaderPartitionKey])
	assert.Equal(t, deleted.ID.String(), server.Pending("book_deleted")[0].Headers[bus.HeaderEventID])

	for _, row := range st.OutboxEvents() {
		assert.Equal(t, models.StatusSent, row.Status)
	}

	sent, err = r.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Equal(t, int64(2), r.Stats().Sent)
}

func TestProcessOnce_RetriesUntilMaxRetries(t *testing.T) {
	st := memstore.New()
	server := membus.NewServer()
	server.SetDown(true)
	r := newRelay(t, st, server)

	stage(t, st, events.UserDeletedPayload{UserID: 7}, 2)

	for i := 0; i < 3; i++ {
		sent, err := r.ProcessOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, sent)
	}

	row := st.OutboxEvents()[0]
	assert.Equal(t, models.StatusFailed, row.Status)
	assert.Equal(t, 2, row.RetryCount)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "unreachable")
	assert.Equal(t, 2, server.Dials(), "no attempt after retries are exhausted")
	assert.Equal(t, int64(2), r.Stats().Failed)
}

func TestProcessOnce_RecoversAfterOutage(t *testing.T) {
	st := memstore.New()
	server := membus.NewServer()
	server.SetDown(true)
	r := newRelay(t, st, server)

	stage(t, st, events.UserDeletedPayload{UserID: 7}, 3)

	sent, err := r.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)

	server.SetDown(false)
	sent, err = r.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Len(t, server.Pending("user_deleted"), 1)
}

// failFirstSender fails its first call and records the bodies it publishes.
type failFirstSender struct {
	calls     int
	published []string
}

func (f *failFirstSender) PublishBody(ctx context.Context, t events.Type, body []byte, eventID, partitionKey string) error {
	f.calls++
	if f.calls == 1 {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, string(body))
	return nil
}

func TestProcessOnce_FailureHoldsBackSameAggregate(t *testing.T) {
	st := memstore.New()
	sender := &failFirstSender{}
	r := NewRelay(st, sender, testConfig(), logging.Discard())

	v1 := stage(t, st, events.NewBookUpdated(&models.Book{ID: 3, Title: "v1", Available: true}), 3)
	v2 := stage(t, st, events.NewBookUpdated(&models.Book{ID: 3, Title: "v2", Available: true}), 3)
	other := stage(t, st, events.NewBookUpdated(&models.Book{ID: 4, Title: "Emma", Available: true}), 3)

	sent, err := r.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent, "only the unrelated book goes out")
	assert.Equal(t, []string{string(other.EventData)}, sender.published)

	sent, err = r.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{string(other.EventData), string(v1.EventData), string(v2.EventData)}, sender.published)
}

func TestProcessOnce_UnknownEventTypeFails(t *testing.T) {
	st := memstore.New()
	r := newRelay(t, st, membus.NewServer())

	ev := store.NewOutboxEvent(models.AggregateBook, "1", "book_burned", "book_burned", []byte(`{}`), 1)
	require.NoError(t, st.WithSession(ctx, func(sess store.Session) error {
		return sess.AppendOutbox(ev)
	}))

	sent, err := r.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Equal(t, models.StatusFailed, st.OutboxEvents()[0].Status)
}

func TestStart_PollsUntilCancelled(t *testing.T) {
	st := memstore.New()
	server := membus.NewServer()
	r := newRelay(t, st, server)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- r.Start(runCtx) }()

	require.Eventually(t, func() bool { return r.Stats().Running }, time.Second, 5*time.Millisecond)
	assert.Error(t, r.Start(runCtx), "second start is rejected")

	stage(t, st, events.BookDeletedPayload{BookID: 9}, 2)
	require.Eventually(t, func() bool {
		return len(server.Pending("book_deleted")) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
	assert.False(t, r.Stats().Running)
}
