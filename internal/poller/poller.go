// Package poller drives a single source on a fixed interval, advancing its
// ledger entry after each accepted fetch.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marko911/block-reader/internal/fetch"
	"github.com/marko911/block-reader/internal/ledger"
	"github.com/marko911/block-reader/internal/source"
)

// Sink receives results that advance the ledger. The ledger entry moves only
// after Accept returns nil.
type Sink interface {
	Accept(ctx context.Context, res *fetch.Result) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, res *fetch.Result) error

func (f SinkFunc) Accept(ctx context.Context, res *fetch.Result) error { return f(ctx, res) }

// Observer is notified of cycle outcomes. Calls are made from the poller's
// goroutine and must not block.
type Observer interface {
	StateChanged(sourceID string, from, to State)
	Succeeded(desc source.Descriptor, res *fetch.Result, advanced bool, took time.Duration)
	Failed(desc source.Descriptor, err error, took time.Duration)
}

// Config controls cycle timing.
type Config struct {
	// Interval between the end of one cycle and the start of the next.
	Interval time.Duration `yaml:"interval"`

	// FetchTimeout bounds one cycle's fetch and ledger write.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// DefaultConfig returns a 10s interval with a 30s fetch timeout.
func DefaultConfig() Config {
	return Config{
		Interval:     10 * time.Second,
		FetchTimeout: 30 * time.Second,
	}
}

// Status is a point-in-time view of a poller.
type Status struct {
	SourceID    string    `json:"source_id"`
	State       State     `json:"state"`
	Cycles      uint64    `json:"cycles"`
	Successes   uint64    `json:"successes"`
	Failures    uint64    `json:"failures"`
	LastBlock   uint64    `json:"last_block,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrKind string    `json:"last_error_kind,omitempty"`
	LastCycleAt time.Time `json:"last_cycle_at,omitempty"`
}

// Poller owns one source's ledger entry. It is the only writer of that entry.
type Poller struct {
	desc     source.Descriptor
	strategy fetch.Strategy
	ledger   ledger.Ledger
	sink     Sink
	observer Observer
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	status Status
}

// New creates a poller. sink and observer may be nil.
func New(desc source.Descriptor, strategy fetch.Strategy, l ledger.Ledger, sink Sink, observer Observer, cfg Config, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if desc.Interval > 0 {
		cfg.Interval = desc.Interval
	}
	return &Poller{
		desc:     desc,
		strategy: strategy,
		ledger:   l,
		sink:     sink,
		observer: observer,
		cfg:      cfg,
		logger:   logger.With("component", "poller", "source", desc.ID),
		status:   Status{SourceID: desc.ID, State: StateIdle},
	}
}

// Run cycles until ctx is cancelled. The first cycle starts immediately. A
// cycle in flight when ctx is cancelled runs to completion.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poller started", "interval", p.cfg.Interval, "kind", p.desc.Kind)
	defer p.logger.Info("poller stopped")
	defer p.setState(StateStopped)

	for {
		if ctx.Err() != nil {
			return
		}
		_, _ = p.Cycle(ctx)

		p.setState(StateSleeping)
		timer := time.NewTimer(p.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		p.setState(StateIdle)
	}
}

// Cycle performs one fetch/accept/update round. Cancellation of ctx does not
// interrupt it; only FetchTimeout bounds it.
func (p *Poller) Cycle(ctx context.Context) (*fetch.Result, error) {
	start := time.Now()
	cctx := context.WithoutCancel(ctx)
	if p.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(cctx, p.cfg.FetchTimeout)
		defer cancel()
	}

	p.setState(StateFetching)

	last, hasLast, err := p.ledger.Get(cctx, p.desc.ID)
	if err != nil {
		return nil, p.fail(fmt.Errorf("read ledger: %w", err), start)
	}

	requested := p.nextBlock(last, hasLast)
	res, err := p.strategy.Fetch(cctx, p.desc, requested)
	if err != nil {
		return nil, p.fail(err, start)
	}

	p.setState(StateUpdating)

	advanced := !hasLast || res.QueriedBlock > last
	if advanced {
		if p.sink != nil {
			if err := p.sink.Accept(cctx, res); err != nil {
				return nil, p.fail(fmt.Errorf("sink rejected block %d: %w", res.QueriedBlock, err), start)
			}
		}
		if err := p.ledger.Set(cctx, p.desc.ID, res.QueriedBlock); err != nil {
			return nil, p.fail(fmt.Errorf("update ledger: %w", err), start)
		}
	}

	took := time.Since(start)
	p.mu.Lock()
	p.status.Cycles++
	p.status.Successes++
	p.status.LastCycleAt = start
	p.status.LastError = ""
	p.status.LastErrKind = ""
	if advanced {
		p.status.LastBlock = res.QueriedBlock
	} else {
		p.status.LastBlock = last
	}
	p.mu.Unlock()

	p.logger.Info("cycle succeeded",
		"block", res.QueriedBlock,
		"payload", res.Payload.Kind,
		"value", res.Payload.Value(),
		"advanced", advanced,
		"took", took,
	)
	if p.observer != nil {
		p.observer.Succeeded(p.desc, res, advanced, took)
	}
	return res, nil
}

// nextBlock picks the block for the next fetch. Contract events always look at
// the latest emission; block sources walk forward one height at a time.
func (p *Poller) nextBlock(last uint64, hasLast bool) *uint64 {
	if !hasLast {
		if p.desc.StartBlock != nil {
			n := *p.desc.StartBlock
			return &n
		}
		return nil
	}
	if p.desc.Kind == source.KindContractEvent {
		return nil
	}
	n := last + 1
	return &n
}

func (p *Poller) fail(err error, start time.Time) error {
	p.setState(StateFailed)
	took := time.Since(start)

	kind := fetch.KindOf(err)
	p.mu.Lock()
	p.status.Cycles++
	p.status.Failures++
	p.status.LastCycleAt = start
	p.status.LastError = err.Error()
	p.status.LastErrKind = string(kind)
	p.mu.Unlock()

	if errors.Is(err, fetch.ErrNotFound) {
		p.logger.Debug("cycle found nothing new", "error", err)
	} else {
		p.logger.Warn("cycle failed", "error", err, "kind", kind)
	}
	if p.observer != nil {
		p.observer.Failed(p.desc, err, took)
	}
	return err
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	prev := p.status.State
	p.status.State = s
	p.mu.Unlock()

	if prev != s && p.observer != nil {
		p.observer.StateChanged(p.desc.ID, prev, s)
	}
}

// Status returns a snapshot of the poller's counters and state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Source returns the descriptor this poller drives.
func (p *Poller) Source() source.Descriptor {
	return p.desc
}
