// Package kafka carries the bus over Kafka. Each queue is a topic; with the
// default single partition a topic preserves FIFO order like a queue does.
// Queue durability maps to topic retention.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/hezzy93/library-app-1/internal/bus"
	"github.com/hezzy93/library-app-1/internal/config"
)

const retentionKey = "retention.ms"

type Options struct {
	Brokers            []string
	ClientID           string
	GroupID            string
	Partitions         int32
	ReplicationFactor  int16
	TransientRetention time.Duration
	DialTimeout        time.Duration
}

func OptionsFromConfig(cfg config.BusConfig) Options {
	return Options{
		Brokers:            cfg.Brokers,
		ClientID:           cfg.ClientID,
		GroupID:            cfg.GroupID,
		Partitions:         cfg.Partitions,
		ReplicationFactor:  cfg.ReplicationFactor,
		TransientRetention: cfg.TransientRetention,
		DialTimeout:        cfg.DialTimeout,
	}
}

// NewConfig builds the sarama configuration shared by producer, admin and
// consumer group.
func NewConfig(opts Options) *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0

	// Producer settings for reliability
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Retry.Backoff = 100 * time.Millisecond
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Producer.Compression = sarama.CompressionSnappy

	// Queues are read from the beginning the first time a group sees them
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	config.Net.DialTimeout = timeout
	config.Net.ReadTimeout = 30 * time.Second
	config.Net.WriteTimeout = 30 * time.Second

	if opts.ClientID != "" {
		config.ClientID = opts.ClientID
	}
	return config
}

// Dialer returns a bus.Dialer that opens a fresh Kafka client per call.
func Dialer(opts Options) bus.Dialer {
	return func(ctx context.Context) (bus.Broker, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		client, err := sarama.NewClient(opts.Brokers, NewConfig(opts))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Kafka brokers %v: %w", opts.Brokers, err)
		}
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create Kafka admin: %w", err)
		}
		return newBroker(opts, client, admin), nil
	}
}

// Broker is one Kafka client connection implementing bus.Broker.
type Broker struct {
	opts   Options
	client sarama.Client
	admin  sarama.ClusterAdmin

	producerMu sync.Mutex
	producer   *Producer

	// serializes deliveries across partition claims
	deliverMu sync.Mutex
}

func newBroker(opts Options, client sarama.Client, admin sarama.ClusterAdmin) *Broker {
	return &Broker{opts: opts, client: client, admin: admin}
}

// Declare creates the topic backing q. An existing topic is accepted when
// its retention matches q's durability.
func (b *Broker) Declare(ctx context.Context, q bus.Queue) error {
	retention := b.retention(q.Durable)
	detail := &sarama.TopicDetail{
		NumPartitions:     b.partitions(),
		ReplicationFactor: b.replicationFactor(),
		ConfigEntries:     map[string]*string{retentionKey: &retention},
	}

	err := b.admin.CreateTopic(q.Name, detail, false)
	if err == nil {
		return nil
	}
	if !topicExists(err) {
		return fmt.Errorf("failed to create topic %s: %w", q.Name, err)
	}

	entries, err := b.admin.DescribeConfig(sarama.ConfigResource{
		Type:        sarama.TopicResource,
		Name:        q.Name,
		ConfigNames: []string{retentionKey},
	})
	if err != nil {
		return fmt.Errorf("failed to describe topic %s: %w", q.Name, err)
	}
	for _, entry := range entries {
		if entry.Name == retentionKey && entry.Value != retention {
			return fmt.Errorf("%w: topic %s has %s=%s, want %s",
				bus.ErrQueueMismatch, q.Name, retentionKey, entry.Value, retention)
		}
	}
	return nil
}

func (b *Broker) Publish(ctx context.Context, msg bus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := b.syncProducer()
	if err != nil {
		return err
	}
	if _, _, err := p.Send(msg); err != nil {
		if b.client != nil && b.client.Closed() {
			return fmt.Errorf("%w: %v", bus.ErrConnectionClosed, err)
		}
		return err
	}
	return nil
}

func (b *Broker) syncProducer() (*Producer, error) {
	b.producerMu.Lock()
	defer b.producerMu.Unlock()

	if b.producer != nil {
		return b.producer, nil
	}
	sp, err := sarama.NewSyncProducerFromClient(b.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	b.producer = NewProducer(sp)
	return b.producer, nil
}

// Consume joins the consumer group and blocks until ctx ends or the group
// fails. Sarama returns from a group session on every rebalance, so the
// session is re-entered until one of those happens.
func (b *Broker) Consume(ctx context.Context, queues []string, opts bus.ConsumeOptions, deliver bus.DeliverFunc) error {
	group, err := sarama.NewConsumerGroupFromClient(b.opts.GroupID, b.client)
	if err != nil {
		return fmt.Errorf("%w: failed to join consumer group %s: %v", bus.ErrConnectionClosed, b.opts.GroupID, err)
	}
	defer group.Close()

	handler := &groupHandler{opts: opts, deliver: deliver, mu: &b.deliverMu}
	for {
		if err := group.Consume(ctx, queues, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", bus.ErrConnectionClosed, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := handler.failure(); err != nil {
			return fmt.Errorf("%w: %v", bus.ErrConnectionClosed, err)
		}
		if b.client.Closed() {
			return bus.ErrConnectionClosed
		}
	}
}

// Close releases the producer and the client. Closing the admin closes the
// client it was built from.
func (b *Broker) Close() error {
	var errs []error

	b.producerMu.Lock()
	if b.producer != nil {
		if err := b.producer.Close(); err != nil {
			errs = append(errs, err)
		}
		b.producer = nil
	}
	b.producerMu.Unlock()

	if b.admin != nil {
		if err := b.admin.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Broker) retention(durable bool) string {
	if durable {
		return "-1"
	}
	ms := b.opts.TransientRetention.Milliseconds()
	if ms <= 0 {
		ms = time.Hour.Milliseconds()
	}
	return strconv.FormatInt(ms, 10)
}

func (b *Broker) partitions() int32 {
	if b.opts.Partitions < 1 {
		return 1
	}
	return b.opts.Partitions
}

func (b *Broker) replicationFactor() int16 {
	if b.opts.ReplicationFactor < 1 {
		return 1
	}
	return b.opts.ReplicationFactor
}

func topicExists(err error) bool {
	if errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return true
	}
	var topicErr *sarama.TopicError
	return errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists
}

type groupHandler struct {
	opts    bus.ConsumeOptions
	deliver bus.DeliverFunc
	mu      *sync.Mutex
	// stopped holds the first delivery error. Once set no message is
	// delivered or marked until the group is joined again.
	stopped error
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			// returning ends the whole session, so offsets past msg are
			// never marked
			if err := h.handle(sess, msg); err != nil {
				return err
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}

// handle marks the offset before delivery in auto-ack mode. Otherwise the
// offset is only marked when the delivery is acknowledged.
func (h *groupHandler) handle(sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped != nil {
		return h.stopped
	}

	m := bus.Message{Queue: msg.Topic, Body: msg.Value, Headers: headerMap(msg.Headers)}
	var err error
	if h.opts.AutoAck {
		sess.MarkMessage(msg, "")
		err = h.deliver(sess.Context(), bus.NewDelivery(m, nil))
	} else {
		err = h.deliver(sess.Context(), bus.NewDelivery(m, func() error {
			sess.MarkMessage(msg, "")
			return nil
		}))
	}
	if err != nil {
		h.stopped = fmt.Errorf("delivery of %s/%d offset %d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}
	return h.stopped
}

func (h *groupHandler) failure() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}
