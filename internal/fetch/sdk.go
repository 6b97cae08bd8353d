package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marko911/block-reader/internal/source"
)

// ChainClient is a higher-level client for chains whose tooling does not expose
// a block-by-number JSON-RPC call compatible with RPCStrategy.
type ChainClient interface {
	// BlockAt returns the block at height, or the latest one when height is nil.
	BlockAt(ctx context.Context, height *uint64) (BlockRef, error)

	// PayloadKind reports how BlockAt results are surfaced.
	PayloadKind() PayloadKind

	Close()
}

// heightSkipper is implemented by clients of chains where a height may never
// hold a block; BlockAt then answers with the next height that does.
type heightSkipper interface {
	SkipsHeights() bool
}

func skipsHeights(c ChainClient) bool {
	hs, ok := c.(heightSkipper)
	return ok && hs.SkipsHeights()
}

// ClientFactory builds a ChainClient for an endpoint. Built-in clients admit
// each of their requests through the pool's rate limiter.
type ClientFactory func(ctx context.Context, endpoint string) (ChainClient, error)

// SDKOption customizes an SDKStrategy.
type SDKOption func(*SDKStrategy)

// WithClientFactory registers or replaces the factory for an SDK client family.
func WithClientFactory(name string, f ClientFactory) SDKOption {
	return func(s *SDKStrategy) {
		s.factories[name] = f
	}
}

// SDKStrategy dispatches on the descriptor's SDK client family.
type SDKStrategy struct {
	timeout time.Duration
	logger  *slog.Logger

	factories map[string]ClientFactory

	mu      sync.Mutex
	clients map[string]ChainClient
}

// NewSDKStrategy creates an SDK strategy with the substrate, evm and solana
// client families registered.
func NewSDKStrategy(pool *ClientPool, timeout time.Duration, logger *slog.Logger, opts ...SDKOption) *SDKStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SDKStrategy{
		timeout: timeout,
		logger:  logger.With("component", "sdk-strategy"),
		clients: make(map[string]ChainClient),
	}
	s.factories = map[string]ClientFactory{
		source.ClientSubstrate: func(ctx context.Context, endpoint string) (ChainClient, error) {
			c, err := pool.RPC(ctx, endpoint, "")
			if err != nil {
				return nil, err
			}
			sc := NewSubstrateClient(c)
			sc.limit = pool.limiter(endpoint)
			return sc, nil
		},
		source.ClientEVM: func(ctx context.Context, endpoint string) (ChainClient, error) {
			c, err := pool.Eth(ctx, endpoint)
			if err != nil {
				return nil, err
			}
			ec := NewEVMClient(c)
			ec.limit = pool.limiter(endpoint)
			return ec, nil
		},
		source.ClientSolana: func(_ context.Context, endpoint string) (ChainClient, error) {
			sc := NewSolanaClient(endpoint)
			sc.limit = pool.limiter(endpoint)
			return sc, nil
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch implements Strategy.
func (s *SDKStrategy) Fetch(ctx context.Context, desc source.Descriptor, requested *uint64) (*Result, error) {
	if desc.Kind != source.KindSDK || desc.SDK == nil {
		return nil, NewError(KindProtocol, desc.ID, ErrKindMismatch)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	client, err := s.client(ctx, desc)
	if err != nil {
		return nil, classify(desc.ID, err)
	}

	ref, err := client.BlockAt(ctx, requested)
	if err != nil {
		return nil, classify(desc.ID, err)
	}
	if requested != nil && ref.Number != *requested && !(ref.Number > *requested && skipsHeights(client)) {
		return nil, NewError(KindProtocol, desc.ID,
			fmt.Errorf("client returned block %d for requested block %d", ref.Number, *requested))
	}

	payload := Payload{Kind: client.PayloadKind()}
	if payload.Kind == PayloadHeader {
		payload.Header = ref.header()
	} else {
		payload.BlockHash = ref.Hash
	}
	return newResult(desc, ref.Number, payload), nil
}

func (s *SDKStrategy) client(ctx context.Context, desc source.Descriptor) (ChainClient, error) {
	key := desc.SDK.Client + "|" + desc.Endpoint

	s.mu.Lock()
	if c, ok := s.clients[key]; ok {
		s.mu.Unlock()
		return c, nil
	}
	factory, ok := s.factories[desc.SDK.Client]
	s.mu.Unlock()
	if !ok {
		return nil, NewError(KindProtocol, desc.ID, fmt.Errorf("no sdk client registered for %q", desc.SDK.Client))
	}

	c, err := factory(ctx, desc.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", desc.SDK.Client, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.clients[key]; ok {
		c.Close()
		return existing, nil
	}
	s.clients[key] = c
	s.logger.Debug("sdk client created", "client", desc.SDK.Client, "url", maskURL(desc.Endpoint))
	return c, nil
}

// Close releases every cached client.
func (s *SDKStrategy) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.clients {
		c.Close()
		delete(s.clients, key)
	}
}
