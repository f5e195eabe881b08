package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Pool keeps one long-lived publishing connection. Callers borrow it for the
// duration of a single publish; a failed publish drops the connection so the
// next caller redials.
type Pool struct {
	dial   Dialer
	logger *slog.Logger

	mu       sync.Mutex
	broker   Broker
	declared map[string]bool
	closed   bool
}

func NewPool(dial Dialer, logger *slog.Logger) *Pool {
	return &Pool{dial: dial, logger: logger}
}

// Publish declares q on first use of the current connection and publishes
// msg to it.
func (p *Pool) Publish(ctx context.Context, q Queue, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrConnectionClosed
	}

	if p.broker == nil {
		broker, err := p.dial(ctx)
		if err != nil {
			return fmt.Errorf("failed to connect to message bus: %w", err)
		}
		p.broker = broker
		p.declared = make(map[string]bool)
	}

	if !p.declared[q.Name] {
		if err := p.broker.Declare(ctx, q); err != nil {
			// a mismatch is a configuration problem, the connection is fine
			if !errors.Is(err, ErrQueueMismatch) {
				p.reset()
			}
			return fmt.Errorf("failed to declare queue %s: %w", q.Name, err)
		}
		p.declared[q.Name] = true
	}

	msg.Queue = q.Name
	if err := p.broker.Publish(ctx, msg); err != nil {
		p.reset()
		return fmt.Errorf("failed to publish to %s: %w", q.Name, err)
	}
	return nil
}

// reset discards the current connection. Caller holds p.mu.
func (p *Pool) reset() {
	if p.broker == nil {
		return
	}
	if err := p.broker.Close(); err != nil {
		p.logger.Debug("error closing discarded bus connection", "error", err)
	}
	p.broker = nil
	p.declared = nil
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.broker == nil {
		return nil
	}
	err := p.broker.Close()
	p.broker = nil
	return err
}
