package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/hezzy93/library-app-1/internal/bus"
)

type Producer struct {
	producer sarama.SyncProducer
}

func NewProducer(sp sarama.SyncProducer) *Producer {
	return &Producer{producer: sp}
}

// Send publishes msg synchronously to the topic named by msg.Queue. The
// partition key header becomes the record key, so the default hash
// partitioner keeps one aggregate on one partition.
func (p *Producer) Send(msg bus.Message) (int32, int64, error) {
	pm := &sarama.ProducerMessage{
		Topic:     msg.Queue,
		Value:     sarama.ByteEncoder(msg.Body),
		Headers:   recordHeaders(msg.Headers),
		Timestamp: time.Now(),
	}
	if key := msg.Headers[bus.HeaderPartitionKey]; key != "" {
		pm.Key = sarama.StringEncoder(key)
	}

	partition, offset, err := p.producer.SendMessage(pm)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to publish message to Kafka: %w", err)
	}
	return partition, offset, nil
}

func (p *Producer) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

func recordHeaders(headers map[string]string) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]sarama.RecordHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return out
}

func headerMap(headers []*sarama.RecordHeader) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		if h == nil {
			continue
		}
		out[string(h.Key)] = string(h.Value)
	}
	return out
}
