package fetch

import (
	"context"
	"fmt"

	"github.com/marko911/block-reader/internal/source"
)

// Dispatcher routes a descriptor to the strategy registered for its kind.
type Dispatcher struct {
	strategies map[source.Kind]Strategy
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{strategies: make(map[source.Kind]Strategy)}
}

// Register binds a strategy to a kind, replacing any previous binding.
func (d *Dispatcher) Register(kind source.Kind, s Strategy) *Dispatcher {
	d.strategies[kind] = s
	return d
}

// Supports reports whether a strategy is registered for kind.
func (d *Dispatcher) Supports(kind source.Kind) bool {
	_, ok := d.strategies[kind]
	return ok
}

// Fetch implements Strategy.
func (d *Dispatcher) Fetch(ctx context.Context, desc source.Descriptor, requested *uint64) (*Result, error) {
	s, ok := d.strategies[desc.Kind]
	if !ok {
		return nil, NewError(KindProtocol, desc.ID, fmt.Errorf("no strategy for kind %q", desc.Kind))
	}
	return s.Fetch(ctx, desc, requested)
}

// NewDefaultDispatcher binds the three built-in strategies.
func NewDefaultDispatcher(rpc *RPCStrategy, sdk *SDKStrategy, events *EventStrategy) *Dispatcher {
	return NewDispatcher().
		Register(source.KindRPC, rpc).
		Register(source.KindSDK, sdk).
		Register(source.KindContractEvent, events)
}
