package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/marko911/block-reader/internal/fetch"
	"github.com/marko911/block-reader/internal/ledger"
	"github.com/marko911/block-reader/internal/source"
)

func rpcSource(id string) source.Descriptor {
	return source.Descriptor{
		ID:       id,
		Kind:     source.KindRPC,
		Endpoint: "http://" + id + ".invalid",
		RPC:      &source.RPCParams{Method: "eth_getBlockByNumber"},
	}
}

// chainStrategy serves blocks up to head; requests above head are not found.
type chainStrategy struct {
	mu        sync.Mutex
	head      uint64
	requested []*uint64
	failNext  error
}

func (s *chainStrategy) Fetch(_ context.Context, desc source.Descriptor, requested *uint64) (*fetch.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requested = append(s.requested, requested)

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return nil, err
	}

	n := s.head
	if requested != nil {
		if *requested > s.head {
			return nil, fetch.NewError(fetch.KindNotFound, desc.ID, fmt.Errorf("block %d not produced", *requested))
		}
		n = *requested
	}
	return &fetch.Result{
		SourceID:     desc.ID,
		QueriedBlock: n,
		Payload:      fetch.Payload{Kind: fetch.PayloadBlockHash, BlockHash: fmt.Sprintf("0x%x", n)},
	}, nil
}

func (s *chainStrategy) setHead(n uint64) {
	s.mu.Lock()
	s.head = n
	s.mu.Unlock()
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []State
	successes   int
	failures    []error
}

func (o *recordingObserver) StateChanged(_ string, _, to State) {
	o.mu.Lock()
	o.transitions = append(o.transitions, to)
	o.mu.Unlock()
}

func (o *recordingObserver) Succeeded(source.Descriptor, *fetch.Result, bool, time.Duration) {
	o.mu.Lock()
	o.successes++
	o.mu.Unlock()
}

func (o *recordingObserver) Failed(_ source.Descriptor, err error, _ time.Duration) {
	o.mu.Lock()
	o.failures = append(o.failures, err)
	o.mu.Unlock()
}

func ledgerValue(t *testing.T, l ledger.Ledger, id string) (uint64, bool) {
	t.Helper()
	n, ok, err := l.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("ledger Get failed: %v", err)
	}
	return n, ok
}

func TestCycle_LedgerTracksLatestSuccess(t *testing.T) {
	desc := rpcSource("eth")
	start := uint64(100)
	desc.StartBlock = &start
	strat := &chainStrategy{head: 1000}
	l := ledger.NewMemory()
	p := New(desc, strat, l, nil, nil, Config{Interval: time.Second}, nil)
	ctx := context.Background()

	var prev uint64
	for i := 0; i < 5; i++ {
		res, err := p.Cycle(ctx)
		if err != nil {
			t.Fatalf("cycle %d failed: %v", i, err)
		}
		got, ok := ledgerValue(t, l, "eth")
		if !ok || got != res.QueriedBlock {
			t.Errorf("cycle %d: expected ledger %d, got %d", i, res.QueriedBlock, got)
		}
		if got < prev {
			t.Errorf("cycle %d: ledger decreased from %d to %d", i, prev, got)
		}
		prev = got
	}

	if prev != 104 {
		t.Errorf("expected ledger at 104 after walking from start, got %d", prev)
	}
	if strat.requested[0] == nil || *strat.requested[0] != 100 {
		t.Errorf("expected first request for start block 100")
	}
	if strat.requested[1] == nil || *strat.requested[1] != 101 {
		t.Errorf("expected second request for 101")
	}
}

// gappedStrategy answers a height that never held a block with the next one
// that did, the way slot-based chains report skipped slots.
type gappedStrategy struct {
	chainStrategy
	skipped map[uint64]bool
}

func (s *gappedStrategy) Fetch(ctx context.Context, desc source.Descriptor, requested *uint64) (*fetch.Result, error) {
	if requested != nil {
		n := *requested
		for s.skipped[n] {
			n++
		}
		requested = &n
	}
	return s.chainStrategy.Fetch(ctx, desc, requested)
}

func TestCycle_AdvancesPastSkippedHeights(t *testing.T) {
	l := ledger.NewMemory()
	if err := l.Set(context.Background(), "sol", 100); err != nil {
		t.Fatal(err)
	}
	strat := &gappedStrategy{chainStrategy: chainStrategy{head: 200}, skipped: map[uint64]bool{101: true, 102: true}}
	p := New(rpcSource("sol"), strat, l, nil, nil, Config{Interval: time.Second}, nil)

	want := []uint64{103, 104, 105}
	for i, w := range want {
		res, err := p.Cycle(context.Background())
		if err != nil {
			t.Fatalf("cycle %d failed: %v", i, err)
		}
		if res.QueriedBlock != w {
			t.Errorf("cycle %d: expected block %d, got %d", i, w, res.QueriedBlock)
		}
	}
	if n, _ := ledgerValue(t, l, "sol"); n != 105 {
		t.Errorf("expected ledger 105, got %d", n)
	}
}

func TestCycle_FailureLeavesLedgerUnchanged(t *testing.T) {
	strat := &chainStrategy{head: 10}
	l := ledger.NewMemory()
	obs := &recordingObserver{}
	p := New(rpcSource("eth"), strat, l, nil, obs, Config{Interval: time.Second}, nil)
	ctx := context.Background()

	if _, err := p.Cycle(ctx); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	before, _ := ledgerValue(t, l, "eth")

	strat.failNext = fetch.NewError(fetch.KindNetwork, "eth", errors.New("connection reset"))
	if _, err := p.Cycle(ctx); !errors.Is(err, fetch.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}

	after, _ := ledgerValue(t, l, "eth")
	if after != before {
		t.Errorf("expected ledger unchanged at %d, got %d", before, after)
	}

	st := p.Status()
	if st.State != StateFailed || st.Failures != 1 || st.LastErrKind != string(fetch.KindNetwork) {
		t.Errorf("unexpected status %+v", st)
	}
	if len(obs.failures) != 1 {
		t.Errorf("expected 1 reported failure, got %d", len(obs.failures))
	}

	// Block 11 is not produced yet: not found, ledger still unchanged.
	if _, err := p.Cycle(ctx); !errors.Is(err, fetch.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	strat.setHead(11)
	if _, err := p.Cycle(ctx); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if n, _ := ledgerValue(t, l, "eth"); n != 11 {
		t.Errorf("expected ledger to resume at 11, got %d", n)
	}
}

func TestCycle_SinkRejectionLeavesLedgerUnchanged(t *testing.T) {
	l := ledger.NewMemory()
	if err := l.Set(context.Background(), "eth", 5); err != nil {
		t.Fatal(err)
	}

	rejected := 0
	sink := SinkFunc(func(context.Context, *fetch.Result) error {
		rejected++
		return errors.New("aggregator unavailable")
	})
	p := New(rpcSource("eth"), &chainStrategy{head: 10}, l, sink, nil, Config{}, nil)

	if _, err := p.Cycle(context.Background()); err == nil {
		t.Fatal("expected sink error")
	}
	if n, _ := ledgerValue(t, l, "eth"); n != 5 {
		t.Errorf("expected ledger 5, got %d", n)
	}
	if rejected != 1 {
		t.Errorf("expected one sink call, got %d", rejected)
	}
}

func TestCycle_StartBlock(t *testing.T) {
	desc := rpcSource("celestia")
	start := uint64(3078962)
	desc.StartBlock = &start

	strat := &chainStrategy{head: 4000000}
	l := ledger.NewMemory()
	p := New(desc, strat, l, nil, nil, Config{}, nil)

	res, err := p.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if res.QueriedBlock != start {
		t.Errorf("expected start block %d, got %d", start, res.QueriedBlock)
	}

	// Once the ledger has an entry the start block is ignored.
	if _, err := p.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if *strat.requested[1] != start+1 {
		t.Errorf("expected %d, got %d", start+1, *strat.requested[1])
	}
}

// eventStrategy always returns the same latest event.
type eventStrategy struct {
	mu    sync.Mutex
	calls []*uint64
	block uint64
	root  string
}

func (s *eventStrategy) Fetch(_ context.Context, desc source.Descriptor, requested *uint64) (*fetch.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, requested)
	return &fetch.Result{
		SourceID:     desc.ID,
		ChainID:      desc.ChainID,
		QueriedBlock: s.block,
		Payload: fetch.Payload{
			Kind:       fetch.PayloadMerkleRoot,
			MerkleRoot: s.root,
			Event:      &fetch.EventRecord{Event: "L2MerkleRootAdded", BlockNumber: s.block},
		},
	}, nil
}

func TestCycle_LineaUnchangedEvent(t *testing.T) {
	desc := source.Descriptor{
		ID:       "linea",
		Kind:     source.KindContractEvent,
		ChainID:  59144,
		Endpoint: "https://rpc.linea.example",
		Event: &source.EventParams{
			Contract:  "0xd19d4B5d358258f05D7B411E21A1460D11B0876F",
			Signature: "L2MerkleRootAdded(bytes32,uint256)",
		},
	}
	strat := &eventStrategy{block: 21000000, root: "0xabc"}
	l := ledger.NewMemory()

	accepted := 0
	sink := SinkFunc(func(context.Context, *fetch.Result) error {
		accepted++
		return nil
	})
	p := New(desc, strat, l, sink, nil, Config{}, nil)
	ctx := context.Background()

	first, err := p.Cycle(ctx)
	if err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	afterFirst, _ := ledgerValue(t, l, "linea")

	second, err := p.Cycle(ctx)
	if err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}
	afterSecond, _ := ledgerValue(t, l, "linea")

	if !first.Payload.Equal(second.Payload) {
		t.Errorf("expected identical payloads, got %+v and %+v", first.Payload, second.Payload)
	}
	if afterFirst != afterSecond || afterSecond != 21000000 {
		t.Errorf("expected ledger unchanged at 21000000, got %d then %d", afterFirst, afterSecond)
	}
	if accepted != 1 {
		t.Errorf("expected unchanged event delivered once, got %d", accepted)
	}
	for i, req := range strat.calls {
		if req != nil {
			t.Errorf("call %d: expected latest request for contract event, got %d", i, *req)
		}
	}
}

func TestCycle_StaleResultDoesNotRegress(t *testing.T) {
	l := ledger.NewMemory()
	if err := l.Set(context.Background(), "linea", 500); err != nil {
		t.Fatal(err)
	}
	desc := source.Descriptor{ID: "linea", Kind: source.KindContractEvent}
	p := New(desc, &eventStrategy{block: 400, root: "0x01"}, l, nil, nil, Config{}, nil)

	if _, err := p.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if n, _ := ledgerValue(t, l, "linea"); n != 500 {
		t.Errorf("expected ledger to stay at 500, got %d", n)
	}
}

func TestRun_FailureIsolation(t *testing.T) {
	l := ledger.NewMemory()
	failing := fetch.StrategyFunc(func(_ context.Context, desc source.Descriptor, _ *uint64) (*fetch.Result, error) {
		return nil, fetch.NewError(fetch.KindNetwork, desc.ID, errors.New("dial tcp: no such host"))
	})
	healthy := &chainStrategy{head: 1000}

	descB := rpcSource("b")
	one := uint64(1)
	descB.StartBlock = &one

	cfg := Config{Interval: 5 * time.Millisecond, FetchTimeout: time.Second}
	a := New(rpcSource("a"), failing, l, nil, nil, cfg, nil)
	b := New(descB, healthy, l, nil, nil, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, p := range []*Poller{a, b} {
		wg.Add(1)
		go func(p *Poller) {
			defer wg.Done()
			p.Run(ctx)
		}(p)
	}

	deadline := time.After(2 * time.Second)
	for {
		if n, ok := ledgerValue(t, l, "b"); ok && n >= 3 {
			break
		}
		select {
		case <-deadline:
			cancel()
			wg.Wait()
			t.Fatalf("b did not advance while a was failing; status %+v", b.Status())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	wg.Wait()

	if _, ok := ledgerValue(t, l, "a"); ok {
		t.Error("expected no ledger entry for failing source")
	}
	if a.Status().Failures == 0 {
		t.Error("expected a to have attempted and failed")
	}
	if a.Status().State != StateStopped || b.Status().State != StateStopped {
		t.Errorf("expected both pollers stopped, got %s and %s", a.Status().State, b.Status().State)
	}
}

func TestRun_CancelCompletesInFlightCycle(t *testing.T) {
	l := ledger.NewMemory()
	entered := make(chan struct{})
	release := make(chan struct{})

	slow := fetch.StrategyFunc(func(ctx context.Context, desc source.Descriptor, _ *uint64) (*fetch.Result, error) {
		close(entered)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &fetch.Result{SourceID: desc.ID, QueriedBlock: 42}, nil
	})

	p := New(rpcSource("slow"), slow, l, nil, nil, Config{Interval: time.Hour, FetchTimeout: 5 * time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	<-entered
	cancel()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}

	if n, ok := ledgerValue(t, l, "slow"); !ok || n != 42 {
		t.Errorf("expected in-flight cycle to commit 42, got %d ok=%v", n, ok)
	}
}

func TestRun_StateTransitions(t *testing.T) {
	obs := &recordingObserver{}
	p := New(rpcSource("eth"), &chainStrategy{head: 1}, ledger.NewMemory(), nil, obs,
		Config{Interval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for p.Status().State != StateSleeping {
		select {
		case <-deadline:
			t.Fatal("poller never slept")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done

	want := []State{StateFetching, StateUpdating, StateSleeping, StateStopped}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, obs.transitions)
	}
	for i := range want {
		if obs.transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], obs.transitions[i])
		}
	}
	if obs.successes != 1 {
		t.Errorf("expected 1 success, got %d", obs.successes)
	}
}

func TestNew_DescriptorIntervalOverrides(t *testing.T) {
	desc := rpcSource("eth")
	desc.Interval = 3 * time.Second
	p := New(desc, &chainStrategy{}, ledger.NewMemory(), nil, nil, Config{Interval: time.Minute}, nil)
	if p.cfg.Interval != 3*time.Second {
		t.Errorf("expected 3s, got %s", p.cfg.Interval)
	}
}

func TestState_String(t *testing.T) {
	if StateFetching.String() != "fetching" || State(99).String() != "unknown" {
		t.Error("unexpected state names")
	}
	b, _ := StateSleeping.MarshalText()
	if string(b) != "sleeping" {
		t.Errorf("expected sleeping, got %s", b)
	}
}
