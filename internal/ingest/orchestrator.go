// Package ingest owns the configured sources and exposes the on-demand and
// continuous entry points over a shared ledger and strategy set.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marko911/block-reader/internal/fetch"
	"github.com/marko911/block-reader/internal/ledger"
	"github.com/marko911/block-reader/internal/poller"
	"github.com/marko911/block-reader/internal/source"
)

var (
	// ErrUnknownSource matches on-demand requests for an unconfigured source.
	ErrUnknownSource = fetch.ErrUnknownSource

	ErrAlreadyRunning = errors.New("pollers already running")
	ErrUnsupported    = errors.New("no strategy registered for source kind")
)

// Dispatcher fetches for any registered kind.
type Dispatcher interface {
	fetch.Strategy
	Supports(kind source.Kind) bool
}

// Options are the optional collaborators of an Orchestrator.
type Options struct {
	// Sink must accept a polled result before the ledger advances. Submit
	// delivers to it as well.
	Sink poller.Sink

	Observer poller.Observer
	Poller   poller.Config
	Logger   *slog.Logger
}

// Orchestrator is created once at startup. Only its pollers write the ledger.
type Orchestrator struct {
	sources  *source.Set
	strategy Dispatcher
	ledger   ledger.Ledger
	sink     poller.Sink
	observer poller.Observer
	cfg      poller.Config
	logger   *slog.Logger

	mu      sync.RWMutex
	pollers []*poller.Poller
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// New validates every descriptor and checks that a strategy exists for each
// kind. Any failure is a configuration error.
func New(descs []source.Descriptor, strategy Dispatcher, l ledger.Ledger, opts Options) (*Orchestrator, error) {
	if strategy == nil {
		return nil, fmt.Errorf("no fetch strategy")
	}
	if l == nil {
		return nil, fmt.Errorf("no ledger")
	}

	set, err := source.NewSet(descs)
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	for _, d := range set.All() {
		if !strategy.Supports(d.Kind) {
			return nil, fmt.Errorf("%w: %s (source %s)", ErrUnsupported, d.Kind, d.ID)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Poller
	if cfg.Interval <= 0 && cfg.FetchTimeout <= 0 {
		cfg = poller.DefaultConfig()
	}

	return &Orchestrator{
		sources:  set,
		strategy: strategy,
		ledger:   l,
		sink:     opts.Sink,
		observer: opts.Observer,
		cfg:      cfg,
		logger:   logger.With("component", "orchestrator"),
	}, nil
}

// FetchOnce fetches block (latest when nil) from a configured source. It never
// reads or writes the ledger.
func (o *Orchestrator) FetchOnce(ctx context.Context, sourceID string, block *uint64) (*fetch.Result, error) {
	desc, ok := o.sources.Get(sourceID)
	if !ok {
		return nil, fetch.NewError(fetch.KindUnknownSource, sourceID,
			fmt.Errorf("source %q is not configured", sourceID))
	}
	return o.strategy.Fetch(ctx, desc, block)
}

// Submit fetches like FetchOnce and hands the result to the sink. The ledger
// is left alone, so pollers still deliver the same block in order later.
func (o *Orchestrator) Submit(ctx context.Context, sourceID string, block *uint64) (*fetch.Result, error) {
	res, err := o.FetchOnce(ctx, sourceID, block)
	if err != nil {
		return nil, err
	}
	if o.sink != nil {
		if err := o.sink.Accept(ctx, res); err != nil {
			return res, fmt.Errorf("deliver block %d: %w", res.QueriedBlock, err)
		}
	}
	return res, nil
}

// RunPolling starts one poller per source and returns. interval, when
// positive, replaces the configured default; per-source intervals still win.
func (o *Orchestrator) RunPolling(ctx context.Context, interval time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return ErrAlreadyRunning
	}

	cfg := o.cfg
	if interval > 0 {
		cfg.Interval = interval
	}

	pctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.pollers = o.pollers[:0]

	for _, desc := range o.sources.All() {
		p := poller.New(desc, o.strategy, o.ledger, o.sink, o.observer, cfg, o.logger)
		o.pollers = append(o.pollers, p)

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			p.Run(pctx)
		}()
	}

	o.logger.Info("polling started", "sources", len(o.pollers), "interval", cfg.Interval)
	return nil
}

// Stop cancels every poller and waits for in-flight cycles to finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()

	o.mu.Lock()
	if o.running {
		o.logger.Info("polling stopped")
	}
	o.running = false
	o.cancel = nil
	o.mu.Unlock()
}

// Wait blocks until every poller has exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// RunBoth polls every source while serve runs. serve receives ctx and must
// return when it is cancelled. Pollers are stopped before RunBoth returns.
func (o *Orchestrator) RunBoth(ctx context.Context, interval time.Duration, serve func(context.Context) error) error {
	if err := o.RunPolling(ctx, interval); err != nil {
		return err
	}
	defer o.Stop()

	return serve(ctx)
}

// SelfTest fetches block from desc without starting pollers or touching the
// ledger.
func (o *Orchestrator) SelfTest(ctx context.Context, desc source.Descriptor, block *uint64) (*fetch.Result, error) {
	return SelfTest(ctx, o.strategy, desc, block)
}

// SelfTest runs a single fetch against desc through strategy.
func SelfTest(ctx context.Context, strategy Dispatcher, desc source.Descriptor, block *uint64) (*fetch.Result, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if !strategy.Supports(desc.Kind) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, desc.Kind)
	}
	return strategy.Fetch(ctx, desc, block)
}

// Source returns the descriptor for id.
func (o *Orchestrator) Source(id string) (source.Descriptor, bool) {
	return o.sources.Get(id)
}

// Sources returns every descriptor in configuration order.
func (o *Orchestrator) Sources() []source.Descriptor {
	return o.sources.All()
}

// Ledger returns the shared ledger for read-only use.
func (o *Orchestrator) Ledger() ledger.Ledger {
	return o.ledger
}

// Running reports whether pollers are active.
func (o *Orchestrator) Running() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

// Statuses reports every poller's state, in source order. Empty before
// RunPolling.
func (o *Orchestrator) Statuses() []poller.Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]poller.Status, 0, len(o.pollers))
	for _, p := range o.pollers {
		out = append(out, p.Status())
	}
	return out
}
