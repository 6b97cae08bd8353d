package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	Brokers     string      `yaml:"brokers"`
	Topic       TopicConfig `yaml:"topic"`
	EnsureTopic bool        `yaml:"ensure_topic"`
}

// DefaultProducerConfig targets a local broker.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:     "localhost:9092",
		Topic:       DefaultSignalTopicConfig(),
		EnsureTopic: true,
	}
}

// Producer writes keyed records to a single topic and waits for acks.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects and optionally creates the topic.
func NewProducer(ctx context.Context, cfg ProducerConfig) (*Producer, error) {
	brokers := ParseBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(cfg.Topic.Name),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	if cfg.EnsureTopic {
		if err := NewTopicManager(client).EnsureTopics(ctx, cfg.Topic); err != nil {
			client.Close()
			return nil, err
		}
	}

	return &Producer{client: client, topic: cfg.Topic.Name}, nil
}

// Produce writes one record and blocks until it is acknowledged.
func (p *Producer) Produce(ctx context.Context, key, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: p.topic,
		Key:   key,
		Value: value,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", p.topic, err)
	}
	return nil
}

// Topic returns the destination topic.
func (p *Producer) Topic() string {
	return p.topic
}

// Close flushes pending records and closes the client.
func (p *Producer) Close() error {
	err := p.client.Flush(context.Background())
	p.client.Close()
	return err
}
