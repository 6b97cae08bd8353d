package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

// PoolConfig configures connection sharing and outbound request limits.
type PoolConfig struct {
	// RequestsPerSecond per endpoint. Zero disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ClientPool shares one JSON-RPC client per endpoint across strategies and
// rate-limits outbound calls per endpoint.
type ClientPool struct {
	cfg    PoolConfig
	logger *slog.Logger

	mu       sync.Mutex
	clients  map[string]*rpc.Client
	limiters map[string]*rate.Limiter
	closed   bool
}

// NewClientPool creates an empty pool.
func NewClientPool(cfg PoolConfig, logger *slog.Logger) *ClientPool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &ClientPool{
		cfg:      cfg,
		logger:   logger.With("component", "client-pool"),
		clients:  make(map[string]*rpc.Client),
		limiters: make(map[string]*rate.Limiter),
	}
}

// RPC returns the shared client for endpoint, dialing it on first use.
func (p *ClientPool) RPC(ctx context.Context, endpoint, authHeader string) (*rpc.Client, error) {
	key := endpoint + "|" + authHeader

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("client pool closed")
	}
	if c, ok := p.clients[key]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	var opts []rpc.ClientOption
	if authHeader != "" {
		opts = append(opts, rpc.WithHeader("Authorization", authHeader))
	}

	// Dial outside the lock so a slow websocket handshake does not stall other sources.
	p.logger.Debug("dialing endpoint", "url", maskURL(endpoint))
	c, err := rpc.DialOptions(ctx, endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", maskURL(endpoint), err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.Close()
		return nil, fmt.Errorf("client pool closed")
	}
	if existing, ok := p.clients[key]; ok {
		c.Close()
		return existing, nil
	}
	p.clients[key] = c
	return c, nil
}

// Eth wraps the shared client for endpoint in an ethclient.
func (p *ClientPool) Eth(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	c, err := p.RPC(ctx, endpoint, "")
	if err != nil {
		return nil, err
	}
	return ethclient.NewClient(c), nil
}

// Wait blocks until the endpoint's limiter admits one more request. Strategies
// call it before every outbound request, so the limit counts requests rather
// than fetches.
func (p *ClientPool) Wait(ctx context.Context, endpoint string) error {
	if p.cfg.RequestsPerSecond <= 0 {
		return nil
	}

	p.mu.Lock()
	lim, ok := p.limiters[endpoint]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(p.cfg.RequestsPerSecond), p.cfg.Burst)
		p.limiters[endpoint] = lim
	}
	p.mu.Unlock()

	return lim.Wait(ctx)
}

// limiter binds Wait to endpoint for clients that issue several calls per fetch.
func (p *ClientPool) limiter(endpoint string) limitFunc {
	if p == nil {
		return nil
	}
	return func(ctx context.Context) error {
		return p.Wait(ctx, endpoint)
	}
}

// Close closes every pooled client.
func (p *ClientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, c := range p.clients {
		c.Close()
		delete(p.clients, key)
	}
	p.closed = true
}

// maskURL hides credentials embedded in endpoint URLs.
func maskURL(url string) string {
	if idx := strings.Index(url, "@"); idx > 0 {
		if scheme := strings.Index(url, "://"); scheme >= 0 && scheme < idx {
			return url[:scheme+3] + "***@" + url[idx+1:]
		}
	}
	return url
}
