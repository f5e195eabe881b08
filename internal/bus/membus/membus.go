// Package membus is an in-process message bus with queue semantics close to
// an AMQP broker's default exchange: per-queue FIFO, durability checked on
// declaration, unacknowledged deliveries requeued when their connection
// drops, and non-durable queues lost on restart. Tests use it to exercise
// outages and reconnects without a broker.
package membus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hezzy93/library-app-1/internal/bus"
)

// ErrUnreachable is returned by Dial while the server is down.
var ErrUnreachable = errors.New("membus: server unreachable")

type queue struct {
	durable bool
	msgs    []bus.Message
}

type Server struct {
	mu     sync.Mutex
	queues map[string]*queue
	conns  map[*conn]struct{}
	down   bool
	dials  int
	// closed and replaced whenever a message becomes available
	signal chan struct{}
}

func NewServer() *Server {
	return &Server{
		queues: make(map[string]*queue),
		conns:  make(map[*conn]struct{}),
		signal: make(chan struct{}),
	}
}

// Dial opens a connection. It satisfies bus.Dialer.
func (s *Server) Dial(ctx context.Context) (bus.Broker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dials++
	if s.down {
		return nil, ErrUnreachable
	}
	c := &conn{server: s, closed: make(chan struct{}), unacked: make(map[uint64]bus.Message)}
	s.conns[c] = struct{}{}
	return c, nil
}

// Dials counts connection attempts, successful or not.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// SetDown makes subsequent dials fail (true) or succeed (false).
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// Sever drops every open connection, as a network partition would.
func (s *Server) Sever() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.closeLocked()
	}
}

// Restart drops every connection and forgets non-durable queues along with
// their messages.
func (s *Server) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.closeLocked()
	}
	for name, q := range s.queues {
		if !q.durable {
			delete(s.queues, name)
		}
	}
}

// Pending returns a copy of the messages waiting on a queue.
func (s *Server) Pending(name string) []bus.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return nil
	}
	return append([]bus.Message(nil), q.msgs...)
}

// Declared reports whether a queue exists and its durability.
func (s *Server) Declared(name string) (durable bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return false, false
	}
	return q.durable, true
}

// Unacked counts deliveries handed out and not yet acknowledged.
func (s *Server) Unacked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for c := range s.conns {
		n += len(c.unacked)
	}
	return n
}

func (s *Server) notifyLocked() {
	close(s.signal)
	s.signal = make(chan struct{})
}

type conn struct {
	server  *Server
	closed  chan struct{}
	isDone  bool
	nextTag uint64
	unacked map[uint64]bus.Message
	cursor  int
}

func (c *conn) Declare(ctx context.Context, q bus.Queue) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.isDone {
		return bus.ErrConnectionClosed
	}
	if existing, ok := s.queues[q.Name]; ok {
		if existing.durable != q.Durable {
			return fmt.Errorf("%w: %s is durable=%t, declared durable=%t",
				bus.ErrQueueMismatch, q.Name, existing.durable, q.Durable)
		}
		return nil
	}
	s.queues[q.Name] = &queue{durable: q.Durable}
	return nil
}

func (c *conn) Publish(ctx context.Context, msg bus.Message) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.isDone {
		return bus.ErrConnectionClosed
	}
	q, ok := s.queues[msg.Queue]
	if !ok {
		// unroutable, dropped like the default exchange does
		return nil
	}
	q.msgs = append(q.msgs, copyMessage(msg))
	s.notifyLocked()
	return nil
}

func (c *conn) Consume(ctx context.Context, queues []string, opts bus.ConsumeOptions, deliver bus.DeliverFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, wait, err := c.next(queues, opts.AutoAck)
		if err != nil {
			return err
		}
		if wait == nil {
			if err := deliver(ctx, d); err != nil {
				return fmt.Errorf("%w: %v", bus.ErrConnectionClosed, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return bus.ErrConnectionClosed
		case <-wait:
		}
	}
}

// next pops the next message round-robin across queues. When nothing is
// ready it returns a channel that fires on the next publish.
func (c *conn) next(queues []string, autoAck bool) (bus.Delivery, <-chan struct{}, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.isDone {
		return bus.Delivery{}, nil, bus.ErrConnectionClosed
	}
	for i := range queues {
		name := queues[(c.cursor+i)%len(queues)]
		q, ok := s.queues[name]
		if !ok {
			return bus.Delivery{}, nil, fmt.Errorf("membus: queue %s not declared", name)
		}
		if len(q.msgs) == 0 {
			continue
		}
		msg := q.msgs[0]
		q.msgs = q.msgs[1:]
		c.cursor = (c.cursor + i + 1) % len(queues)

		if autoAck {
			return bus.NewDelivery(msg, nil), nil, nil
		}
		c.nextTag++
		tag := c.nextTag
		c.unacked[tag] = msg
		return bus.NewDelivery(msg, func() error { return c.ack(tag) }), nil, nil
	}
	return bus.Delivery{}, s.signal, nil
}

func (c *conn) ack(tag uint64) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.isDone {
		return bus.ErrConnectionClosed
	}
	delete(c.unacked, tag)
	return nil
}

func (c *conn) Close() error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	c.closeLocked()
	return nil
}

// closeLocked requeues unacknowledged deliveries at the head of their
// queues in delivery order. Caller holds server.mu.
func (c *conn) closeLocked() {
	if c.isDone {
		return
	}
	c.isDone = true
	close(c.closed)
	delete(c.server.conns, c)

	for tag := c.nextTag; tag > 0; tag-- {
		msg, ok := c.unacked[tag]
		if !ok {
			continue
		}
		if q, exists := c.server.queues[msg.Queue]; exists {
			q.msgs = append([]bus.Message{msg}, q.msgs...)
		}
	}
	c.unacked = nil
	c.server.notifyLocked()
}

func copyMessage(msg bus.Message) bus.Message {
	out := bus.Message{Queue: msg.Queue, Body: append([]byte(nil), msg.Body...)}
	if msg.Headers != nil {
		out.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
