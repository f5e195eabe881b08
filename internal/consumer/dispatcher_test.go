package consumer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hezzy93/library-app-1/internal/bus"
	"github.com/hezzy93/library-app-1/internal/bus/membus"
	"github.com/hezzy93/library-app-1/internal/config"
	"github.com/hezzy93/library-app-1/internal/events"
	"github.com/hezzy93/library-app-1/internal/logging"
)

const testDelay = 40 * time.Millisecond

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// recordingDialer wraps a dialer and remembers when each attempt was made.
type recordingDialer struct {
	mu    sync.Mutex
	dial  bus.Dialer
	times []time.Time
}

func (r *recordingDialer) Dial(ctx context.Context) (bus.Broker, error) {
	r.mu.Lock()
	r.times = append(r.times, time.Now())
	r.mu.Unlock()
	return r.dial(ctx)
}

func (r *recordingDialer) attempts() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.times...)
}

func publish(t *testing.T, server *membus.Server, typ events.Type, body string) {
	t.Helper()
	b, err := server.Dial(context.Background())
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Declare(context.Background(), events.QueueFor(typ, false)))
	require.NoError(t, b.Publish(context.Background(), bus.Message{
		Queue:   typ.Queue(),
		Body:    []byte(body),
		Headers: map[string]string{bus.HeaderEventID: "evt-" + body},
	}))
}

// start runs d in the background and stops it when the test ends.
func start(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case body := <-ch:
		return body
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a delivery")
		return ""
	}
}

func TestHandle_DuplicateBindingPanics(t *testing.T) {
	d := NewDispatcher(membus.NewServer().Dial, Options{}, logging.Discard())
	noop := func(context.Context, []byte) error { return nil }

	d.Handle(events.BookCreated, noop)
	assert.Panics(t, func() { d.Handle(events.BookCreated, noop) })
	assert.Panics(t, func() { d.Handle(events.Type("nope"), noop) })
}

func TestRun_NoHandlers(t *testing.T) {
	d := NewDispatcher(membus.NewServer().Dial, Options{}, logging.Discard())
	assert.Error(t, d.Run(context.Background()))
}

func TestRun_RoutesByQueue(t *testing.T) {
	server := membus.NewServer()
	d := NewDispatcher(server.Dial, Options{ReconnectDelay: testDelay}, logging.Discard())

	created := make(chan string, 4)
	deleted := make(chan string, 4)
	d.Handle(events.BookCreated, func(_ context.Context, body []byte) error {
		created <- string(body)
		return nil
	})
	d.Handle(events.BookDeleted, func(_ context.Context, body []byte) error {
		deleted <- string(body)
		return nil
	})

	publish(t, server, events.BookCreated, "c1")
	publish(t, server, events.BookDeleted, "d1")
	publish(t, server, events.BookCreated, "c2")
	start(t, d)

	assert.Equal(t, "c1", receive(t, created))
	assert.Equal(t, "c2", receive(t, created))
	assert.Equal(t, "d1", receive(t, deleted))
}

func TestRun_HandlerFailuresDoNotStopTheLoop(t *testing.T) {
	server := membus.NewServer()
	logs := &syncBuffer{}
	d := NewDispatcher(server.Dial, Options{ReconnectDelay: testDelay}, logging.NewWithWriter(logs, "info", "user"))

	got := make(chan string, 4)
	d.Handle(events.BookUpdated, func(_ context.Context, body []byte) error {
		switch string(body) {
		case "panic":
			panic("handler bug")
		case "fail":
			return errors.New("apply failed")
		}
		got <- string(body)
		return nil
	})

	publish(t, server, events.BookUpdated, "panic")
	publish(t, server, events.BookUpdated, "fail")
	publish(t, server, events.BookUpdated, "ok")
	start(t, d)

	assert.Equal(t, "ok", receive(t, got))
	assert.Contains(t, logs.String(), "handler panic: handler bug")
	assert.Contains(t, logs.String(), "apply failed")
	assert.Contains(t, logs.String(), `"event_id":"evt-fail"`)

	// auto-ack: nothing is left to redeliver
	assert.Empty(t, server.Pending(events.BookUpdated.Queue()))
}

func TestRun_ReconnectsAfterOutage(t *testing.T) {
	server := membus.NewServer()
	dialer := &recordingDialer{dial: server.Dial}
	d := NewDispatcher(dialer.Dial, Options{ReconnectDelay: testDelay}, logging.Discard())

	got := make(chan string, 4)
	d.Handle(events.UserCreated, func(_ context.Context, body []byte) error {
		got <- string(body)
		return nil
	})
	start(t, d)

	publish(t, server, events.UserCreated, "before")
	assert.Equal(t, "before", receive(t, got))

	lost := time.Now()
	server.SetDown(true)
	server.Sever()

	require.Eventually(t, func() bool {
		return len(dialer.attempts()) >= 4
	}, 2*time.Second, 5*time.Millisecond)

	attempts := dialer.attempts()
	var retries []time.Time
	for _, at := range attempts {
		if at.After(lost) {
			retries = append(retries, at)
		}
	}
	require.GreaterOrEqual(t, len(retries), 2)
	assert.GreaterOrEqual(t, retries[0].Sub(lost), testDelay)
	for i := 1; i < len(retries); i++ {
		assert.GreaterOrEqual(t, retries[i].Sub(retries[i-1]), testDelay)
	}

	server.SetDown(false)
	publish(t, server, events.UserCreated, "after")
	assert.Equal(t, "after", receive(t, got))
}

func TestRun_RedeclaresQueuesAfterRestart(t *testing.T) {
	server := membus.NewServer()
	d := NewDispatcher(server.Dial, Options{ReconnectDelay: testDelay}, logging.Discard())

	got := make(chan string, 4)
	d.Handle(events.BookReturned, func(_ context.Context, body []byte) error {
		got <- string(body)
		return nil
	})
	start(t, d)

	require.Eventually(t, func() bool {
		_, ok := server.Declared(events.BookReturned.Queue())
		return ok
	}, time.Second, 5*time.Millisecond)

	server.Restart()
	_, ok := server.Declared(events.BookReturned.Queue())
	require.False(t, ok)

	require.Eventually(t, func() bool {
		_, ok := server.Declared(events.BookReturned.Queue())
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	publish(t, server, events.BookReturned, "after-restart")
	assert.Equal(t, "after-restart", receive(t, got))
}

func TestRun_DurabilityMismatchIsRetried(t *testing.T) {
	server := membus.NewServer()
	other, err := server.Dial(context.Background())
	require.NoError(t, err)
	require.NoError(t, other.Declare(context.Background(), events.QueueFor(events.BookDeleted, true)))
	other.Close()

	logs := &syncBuffer{}
	d := NewDispatcher(server.Dial, Options{ReconnectDelay: testDelay}, logging.NewWithWriter(logs, "info", "user"))
	d.Handle(events.BookDeleted, func(context.Context, []byte) error { return nil })
	start(t, d)

	require.Eventually(t, func() bool {
		return server.Dials() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, logs.String(), "fix the deployment configuration")
}

func TestRun_CommitModeDeadLettersFailures(t *testing.T) {
	server := membus.NewServer()
	d := NewDispatcher(server.Dial, Options{ReconnectDelay: testDelay, AckMode: config.AckOnCommit}, logging.Discard())

	got := make(chan string, 4)
	d.Handle(events.BookBorrowed, func(_ context.Context, body []byte) error {
		if string(body) == "poison" {
			return errors.New("cannot apply")
		}
		got <- string(body)
		return nil
	})

	publish(t, server, events.BookBorrowed, "poison")
	publish(t, server, events.BookBorrowed, "good")
	start(t, d)

	assert.Equal(t, "good", receive(t, got))

	dlq := events.DeadLetterQueue(events.BookBorrowed.Queue())
	require.Eventually(t, func() bool {
		return len(server.Pending(dlq)) == 1
	}, time.Second, 5*time.Millisecond)

	dead := server.Pending(dlq)[0]
	assert.Equal(t, "poison", string(dead.Body))
	assert.Equal(t, "cannot apply", dead.Headers[bus.HeaderError])
	assert.Equal(t, "evt-poison", dead.Headers[bus.HeaderEventID])

	require.Eventually(t, func() bool {
		return server.Unacked() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, server.Pending(events.BookBorrowed.Queue()))
}

// deadLetterOutage fails every publish, which for a dispatcher means every
// dead-letter, while down is set.
type deadLetterOutage struct {
	bus.Broker
	down *atomic.Bool
}

func (b deadLetterOutage) Publish(ctx context.Context, msg bus.Message) error {
	if b.down.Load() {
		return errors.New("dead letter queue unavailable")
	}
	return b.Broker.Publish(ctx, msg)
}

func TestRun_CommitModeRedeliversWhenDeadLetterFails(t *testing.T) {
	server := membus.NewServer()
	var down atomic.Bool
	down.Store(true)
	dial := func(ctx context.Context) (bus.Broker, error) {
		b, err := server.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return deadLetterOutage{Broker: b, down: &down}, nil
	}
	d := NewDispatcher(dial, Options{ReconnectDelay: testDelay, AckMode: config.AckOnCommit}, logging.Discard())

	var (
		mu    sync.Mutex
		order []string
	)
	got := make(chan string, 4)
	d.Handle(events.BookBorrowed, func(_ context.Context, body []byte) error {
		mu.Lock()
		order = append(order, string(body))
		attempts := len(order)
		mu.Unlock()
		if string(body) == "poison" {
			if attempts == 2 {
				down.Store(false)
			}
			return errors.New("cannot apply")
		}
		got <- string(body)
		return nil
	})

	publish(t, server, events.BookBorrowed, "poison")
	publish(t, server, events.BookBorrowed, "good")
	start(t, d)

	assert.Equal(t, "good", receive(t, got))
	mu.Lock()
	assert.Equal(t, []string{"poison", "poison", "good"}, order, "nothing passes the message until it is dead-lettered")
	mu.Unlock()

	dlq := events.DeadLetterQueue(events.BookBorrowed.Queue())
	require.Eventually(t, func() bool {
		return len(server.Pending(dlq)) == 1 && server.Unacked() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "poison", string(server.Pending(dlq)[0].Body))
	assert.Empty(t, server.Pending(events.BookBorrowed.Queue()))
}

func TestRun_CommitModeRedeliversUnackedAfterReconnect(t *testing.T) {
	server := membus.NewServer()
	d := NewDispatcher(server.Dial, Options{ReconnectDelay: testDelay, AckMode: config.AckOnCommit}, logging.Discard())

	var mu sync.Mutex
	calls := 0
	got := make(chan string, 4)
	d.Handle(events.BookCreated, func(_ context.Context, body []byte) error {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			// the connection drops before the ack
			server.Sever()
		}
		got <- string(body)
		return nil
	})

	publish(t, server, events.BookCreated, "once")
	start(t, d)

	assert.Equal(t, "once", receive(t, got))
	assert.Equal(t, "once", receive(t, got))
}
