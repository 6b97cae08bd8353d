package sink

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/marko911/block-reader/internal/fetch"
	pnats "github.com/marko911/block-reader/internal/platform/nats"
)

// StreamPublisher is the subset of jetstream.JetStream used by NATS.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATS publishes signals to JetStream and waits for the stream ack.
type NATS struct {
	js     StreamPublisher
	closer func() error
}

// NewNATS wraps a publisher. closer may be nil.
func NewNATS(js StreamPublisher, closer func() error) *NATS {
	return &NATS{js: js, closer: closer}
}

func (n *NATS) Accept(ctx context.Context, res *fetch.Result) error {
	sig, err := NewSignal(res)
	if err != nil {
		return err
	}
	body, err := sig.Marshal()
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	subject := pnats.SubjectForSource(sig.ChainId, sig.SourceId)
	// Same tag and block within the stream's duplicate window is stored once.
	msgID := sig.Tag + "@" + strconv.FormatUint(sig.BlockNumber, 10)
	if _, err := n.js.Publish(ctx, subject, body, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("nats sink: publish %s: %w", subject, err)
	}
	return nil
}

func (n *NATS) Close() error {
	if n.closer == nil {
		return nil
	}
	return n.closer()
}
