// Package consumer runs the long-lived consume loop of a service: it binds
// one handler per event queue, applies messages one at a time, and survives
// bus outages by reconnecting forever.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/hezzy93/library-app-1/internal/bus"
	"github.com/hezzy93/library-app-1/internal/config"
	"github.com/hezzy93/library-app-1/internal/events"
)

// HandlerFunc applies one message body. Returned errors and panics are
// logged by the dispatcher and never stop the loop.
type HandlerFunc func(ctx context.Context, body []byte) error

type Options struct {
	Durable        bool
	ReconnectDelay time.Duration
	// AckMode is config.AckOnReceipt or config.AckOnCommit.
	AckMode string
}

func OptionsFromConfig(cfg config.BusConfig) Options {
	return Options{
		Durable:        cfg.DurableQueues,
		ReconnectDelay: cfg.ReconnectDelay,
		AckMode:        cfg.AckMode,
	}
}

type Dispatcher struct {
	dial     bus.Dialer
	opts     Options
	logger   *slog.Logger
	handlers map[events.Type]HandlerFunc
	order    []events.Type
}

func NewDispatcher(dial bus.Dialer, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = config.DefaultReconnectDelay
	}
	if opts.AckMode == "" {
		opts.AckMode = config.AckOnReceipt
	}
	return &Dispatcher{
		dial:     dial,
		opts:     opts,
		logger:   logger,
		handlers: make(map[events.Type]HandlerFunc),
	}
}

// Handle binds fn to the queue of t. Binding a queue twice panics.
func (d *Dispatcher) Handle(t events.Type, fn HandlerFunc) {
	if !t.Valid() {
		panic(fmt.Sprintf("consumer: unknown event type %q", t))
	}
	if _, ok := d.handlers[t]; ok {
		panic(fmt.Sprintf("consumer: handler for %s already bound", t))
	}
	d.handlers[t] = fn
	d.order = append(d.order, t)
}

// Run consumes until ctx is cancelled, which is the only way it returns.
// Every lost connection is followed by the reconnect delay, a fresh
// connection and a new declaration of every queue.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.handlers) == 0 {
		return errors.New("consumer: no handlers bound")
	}

	for {
		broker, err := bus.Connect(ctx, d.dial, d.opts.ReconnectDelay, d.logger)
		if err != nil {
			return err
		}

		err = d.consume(ctx, broker)
		if cerr := broker.Close(); cerr != nil {
			d.logger.Debug("error closing bus connection", "error", cerr)
		}
		if ctx.Err() != nil {
			d.logger.Info("consumer stopped")
			return ctx.Err()
		}

		if errors.Is(err, bus.ErrQueueMismatch) {
			d.logger.Error("queue declaration conflicts with the existing queue, fix the deployment configuration",
				"error", err, "retry_in", d.opts.ReconnectDelay.String())
		} else {
			d.logger.Warn("consumer lost its bus connection, reconnecting",
				"error", err, "retry_in", d.opts.ReconnectDelay.String())
		}

		timer := time.NewTimer(d.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.logger.Info("consumer stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) consume(ctx context.Context, broker bus.Broker) error {
	queues := make([]string, 0, len(d.order))
	for _, t := range d.order {
		q := events.QueueFor(t, d.opts.Durable)
		if err := broker.Declare(ctx, q); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.Name, err)
		}
		if d.ackAfterCommit() {
			dlq := bus.Queue{Name: events.DeadLetterQueue(q.Name), Durable: d.opts.Durable}
			if err := broker.Declare(ctx, dlq); err != nil {
				return fmt.Errorf("failed to declare queue %s: %w", dlq.Name, err)
			}
		}
		queues = append(queues, q.Name)
	}

	d.logger.Info("consuming", "queues", queues, "ack_mode", d.opts.AckMode)
	opts := bus.ConsumeOptions{AutoAck: !d.ackAfterCommit()}
	return broker.Consume(ctx, queues, opts, func(ctx context.Context, delivery bus.Delivery) error {
		return d.deliver(ctx, broker, delivery)
	})
}

func (d *Dispatcher) ackAfterCommit() bool {
	return d.opts.AckMode == config.AckOnCommit
}

// deliver routes one message to its handler. In commit mode a failed
// message is moved to the dead-letter queue before it is acknowledged. If
// that publish fails the error ends the consume session, so the message
// stays uncommitted and is redelivered after the reconnect.
func (d *Dispatcher) deliver(ctx context.Context, broker bus.Broker, delivery bus.Delivery) error {
	logger := d.logger.With("queue", delivery.Queue)
	if id := delivery.Headers[bus.HeaderEventID]; id != "" {
		logger = logger.With("event_id", id)
	}

	fn, ok := d.handlers[events.Type(delivery.Queue)]
	if !ok {
		logger.Error("no handler bound for queue, dropping message")
		d.ack(logger, delivery)
		return nil
	}

	start := time.Now()
	err := invoke(ctx, fn, delivery.Body)
	if err == nil {
		logger.Debug("message applied", "duration", time.Since(start).String())
		d.ack(logger, delivery)
		return nil
	}

	logger.Error("failed to apply message, dropping it",
		"error", err,
		"body", string(delivery.Body),
	)
	if !d.ackAfterCommit() {
		return nil
	}
	if err := d.deadLetter(ctx, broker, delivery, err); err != nil {
		logger.Error("failed to dead-letter message, stopping consumption so it is redelivered", "error", err)
		return fmt.Errorf("failed to dead-letter message from %s: %w", delivery.Queue, err)
	}
	d.ack(logger, delivery)
	return nil
}

func (d *Dispatcher) deadLetter(ctx context.Context, broker bus.Broker, delivery bus.Delivery, cause error) error {
	headers := make(map[string]string, len(delivery.Headers)+1)
	for k, v := range delivery.Headers {
		headers[k] = v
	}
	headers[bus.HeaderError] = cause.Error()

	return broker.Publish(ctx, bus.Message{
		Queue:   events.DeadLetterQueue(delivery.Queue),
		Body:    delivery.Body,
		Headers: headers,
	})
}

func (d *Dispatcher) ack(logger *slog.Logger, delivery bus.Delivery) {
	if !d.ackAfterCommit() {
		return
	}
	if err := delivery.Ack(); err != nil {
		logger.Warn("failed to acknowledge message, it will be redelivered", "error", err)
	}
}

// invoke calls fn, turning a panic into an error.
func invoke(ctx context.Context, fn HandlerFunc, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, body)
}
