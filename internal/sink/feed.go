package sink

import (
	"context"

	"github.com/marko911/block-reader/internal/fetch"
	protov1 "github.com/marko911/block-reader/pkg/proto/v1"
)

// Broadcaster is satisfied by the websocket manager.
type Broadcaster interface {
	Publish(sig *protov1.Signal) error
}

// Feed pushes signals to live subscribers. Delivery is best effort, so Feed
// never rejects a result.
type Feed struct {
	b Broadcaster
}

// NewFeed wraps a broadcaster.
func NewFeed(b Broadcaster) *Feed {
	return &Feed{b: b}
}

func (f *Feed) Accept(_ context.Context, res *fetch.Result) error {
	if sig, err := NewSignal(res); err == nil {
		_ = f.b.Publish(sig)
	}
	return nil
}

func (f *Feed) Close() error { return nil }
