package sink

import (
	"context"
	"fmt"
	"strconv"

	"github.com/marko911/block-reader/internal/fetch"
)

// RecordProducer is satisfied by kafka.Producer.
type RecordProducer interface {
	Produce(ctx context.Context, key, value []byte, headers map[string]string) error
	Close() error
}

// Kafka publishes signals keyed by their aggregator tag.
type Kafka struct {
	producer RecordProducer
}

// NewKafka wraps a producer.
func NewKafka(p RecordProducer) *Kafka {
	return &Kafka{producer: p}
}

func (k *Kafka) Accept(ctx context.Context, res *fetch.Result) error {
	sig, err := NewSignal(res)
	if err != nil {
		return err
	}
	body, err := sig.Marshal()
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	headers := map[string]string{
		"type":      sig.Type,
		"signal_id": sig.SignalId,
		"source_id": sig.SourceId,
		"block":     strconv.FormatUint(sig.BlockNumber, 10),
	}
	if err := k.producer.Produce(ctx, []byte(sig.Tag), body, headers); err != nil {
		return fmt.Errorf("kafka sink: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.producer.Close()
}
