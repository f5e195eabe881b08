// Package bus is the transport-neutral view of the message bus: named
// queues, publish, and a blocking consume loop that ends when the
// connection is lost.
package bus

import (
	"context"
	"errors"
)

var (
	// ErrQueueMismatch is returned when a queue already exists with a
	// different durability than the one being declared. It is a deployment
	// defect, not something to retry through.
	ErrQueueMismatch = errors.New("queue declared with mismatched durability")

	// ErrConnectionClosed is returned by operations on a lost or closed
	// connection.
	ErrConnectionClosed = errors.New("bus connection closed")
)

// Queue is a queue declaration.
type Queue struct {
	Name    string
	Durable bool
}

// Header keys set by publishers. Consumers must not depend on them.
const (
	HeaderEventID      = "event_id"
	HeaderEventType    = "event_type"
	HeaderError        = "error"
	HeaderPartitionKey = "partition_key"
)

// Message is one payload on a queue.
type Message struct {
	Queue   string
	Body    []byte
	Headers map[string]string
}

// Delivery is a received message. Ack is a no-op for auto-acknowledged
// deliveries.
type Delivery struct {
	Message
	ack func() error
}

func NewDelivery(msg Message, ack func() error) Delivery {
	return Delivery{Message: msg, ack: ack}
}

func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// ConsumeOptions controls acknowledgement. With AutoAck the broker considers
// a message handled as soon as it is handed to the consumer.
type ConsumeOptions struct {
	AutoAck bool
}

// DeliverFunc is invoked once per message, never concurrently. A non-nil
// error ends Consume with ErrConnectionClosed; the unacknowledged message
// and everything after it are redelivered on the next connection.
type DeliverFunc func(ctx context.Context, d Delivery) error

// Broker is one live connection to the bus.
type Broker interface {
	// Declare creates the queue if absent. Declaring an existing queue with
	// the same durability is a no-op.
	Declare(ctx context.Context, q Queue) error
	Publish(ctx context.Context, msg Message) error
	// Consume blocks, delivering messages from queues one at a time until
	// ctx is cancelled (returns ctx.Err()) or the connection is lost.
	Consume(ctx context.Context, queues []string, opts ConsumeOptions, deliver DeliverFunc) error
	Close() error
}

// Dialer opens a new connection.
type Dialer func(ctx context.Context) (Broker, error)
