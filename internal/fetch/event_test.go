package fetch

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/marko911/block-reader/internal/source"
)

const lineaContract = "0xd19d4B5d358258f05D7B411E21A1460D11B0876F"

// fakeLogReader serves a fixed set of logs and honours range, address and
// topic0 filters.
type fakeLogReader struct {
	mu      sync.Mutex
	head    uint64
	logs    []types.Log
	queries []ethereum.FilterQuery
	err     error
}

func (r *fakeLogReader) BlockNumber(context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head, r.err
}

func (r *fakeLogReader) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, q)
	if r.err != nil {
		return nil, r.err
	}

	var out []types.Log
	for _, l := range r.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && l.Address != q.Addresses[0] {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && l.Topics[0] != q.Topics[0][0] {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (r *fakeLogReader) add(l types.Log) {
	r.mu.Lock()
	r.logs = append(r.logs, l)
	r.mu.Unlock()
}

func lineaDescriptor() source.Descriptor {
	return source.Descriptor{
		ID:       "linea",
		Kind:     source.KindContractEvent,
		ChainID:  59144,
		Endpoint: "https://rpc.linea.example",
		Event: &source.EventParams{
			Contract:  lineaContract,
			Signature: "L2MerkleRootAdded(bytes32,uint256)",
			Inputs: []source.EventInput{
				{Name: "l2MerkleRoot", Type: "bytes32", Indexed: true},
				{Name: "treeDepth", Type: "uint256", Indexed: true},
			},
			RootField: "l2MerkleRoot",
			Lookback:  1000,
		},
	}
}

func merkleRootLog(block uint64, index uint, root common.Hash, depth int64) types.Log {
	return types.Log{
		Address: common.HexToAddress(lineaContract),
		Topics: []common.Hash{
			crypto.Keccak256Hash([]byte("L2MerkleRootAdded(bytes32,uint256)")),
			root,
			common.BigToHash(big.NewInt(depth)),
		},
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		TxHash:      common.BigToHash(big.NewInt(int64(block*100) + int64(index))),
		Index:       index,
	}
}

func newTestEventStrategy(r LogReader) *EventStrategy {
	return NewEventStrategy(nil, 0, WithLogReaderDialer(func(context.Context, string) (LogReader, error) {
		return r, nil
	}))
}

func TestEventStrategy_Latest(t *testing.T) {
	rootA := common.HexToHash("0xaaaa")
	rootB := common.HexToHash("0xbbbb")
	reader := &fakeLogReader{head: 5000}
	reader.add(merkleRootLog(4100, 0, rootA, 5))
	reader.add(merkleRootLog(4500, 3, rootB, 5))

	s := newTestEventStrategy(reader)
	res, err := s.Fetch(context.Background(), lineaDescriptor(), nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if res.QueriedBlock != 4500 {
		t.Errorf("expected block 4500, got %d", res.QueriedBlock)
	}
	if res.Payload.Kind != PayloadMerkleRoot {
		t.Errorf("expected merkle_root payload, got %s", res.Payload.Kind)
	}
	if res.Payload.MerkleRoot != rootB.Hex() {
		t.Errorf("expected root %s, got %s", rootB.Hex(), res.Payload.MerkleRoot)
	}
	if res.Payload.Event == nil || res.Payload.Event.Fields["treeDepth"] != "5" {
		t.Errorf("expected decoded treeDepth, got %+v", res.Payload.Event)
	}
	if res.ChainID != 59144 {
		t.Errorf("expected chain 59144, got %d", res.ChainID)
	}

	q := reader.queries[0]
	if q.FromBlock.Uint64() != 4000 || q.ToBlock.Uint64() != 5000 {
		t.Errorf("expected window 4000-5000, got %s-%s", q.FromBlock, q.ToBlock)
	}
}

func TestEventStrategy_RequestedBlock(t *testing.T) {
	reader := &fakeLogReader{head: 9000}
	reader.add(merkleRootLog(4100, 0, common.HexToHash("0x01"), 5))
	reader.add(merkleRootLog(4200, 1, common.HexToHash("0x02"), 5))
	reader.add(merkleRootLog(4200, 4, common.HexToHash("0x03"), 5))
	reader.add(merkleRootLog(4300, 0, common.HexToHash("0x04"), 5))

	s := newTestEventStrategy(reader)
	res, err := s.Fetch(context.Background(), lineaDescriptor(), u64(4150))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res.QueriedBlock != 4200 {
		t.Errorf("expected block 4200, got %d", res.QueriedBlock)
	}
	if res.Payload.MerkleRoot != common.HexToHash("0x03").Hex() {
		t.Errorf("expected last root of block 4200, got %s", res.Payload.MerkleRoot)
	}

	q := reader.queries[0]
	if q.FromBlock.Uint64() != 4150 || q.ToBlock.Uint64() != 5150 {
		t.Errorf("expected window 4150-5150, got %s-%s", q.FromBlock, q.ToBlock)
	}
}

func TestEventStrategy_RoundTrip(t *testing.T) {
	reader := &fakeLogReader{head: 12000}
	reader.add(merkleRootLog(11000, 0, common.HexToHash("0x01"), 5))
	reader.add(merkleRootLog(11500, 2, common.HexToHash("0x02"), 5))
	reader.add(merkleRootLog(11500, 7, common.HexToHash("0x03"), 5))

	s := newTestEventStrategy(reader)
	latest, err := s.Fetch(context.Background(), lineaDescriptor(), nil)
	if err != nil {
		t.Fatalf("latest Fetch failed: %v", err)
	}

	block := latest.Payload.Event.BlockNumber
	at, err := s.Fetch(context.Background(), lineaDescriptor(), &block)
	if err != nil {
		t.Fatalf("Fetch at %d failed: %v", block, err)
	}

	if !latest.Payload.Equal(at.Payload) {
		t.Errorf("expected identical payloads, got %+v and %+v", latest.Payload, at.Payload)
	}
	if latest.QueriedBlock != at.QueriedBlock {
		t.Errorf("expected block %d, got %d", latest.QueriedBlock, at.QueriedBlock)
	}
}

func TestEventStrategy_NotFound(t *testing.T) {
	reader := &fakeLogReader{head: 100}
	s := newTestEventStrategy(reader)

	if _, err := s.Fetch(context.Background(), lineaDescriptor(), nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found with no logs, got %v", err)
	}
	if _, err := s.Fetch(context.Background(), lineaDescriptor(), u64(101)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found beyond head, got %v", err)
	}
	if len(reader.queries) != 1 {
		t.Errorf("expected no log query beyond head, got %d queries", len(reader.queries))
	}
}

func TestEventStrategy_SkipsRemovedLogs(t *testing.T) {
	reader := &fakeLogReader{head: 500}
	kept := merkleRootLog(400, 0, common.HexToHash("0x0a"), 5)
	removed := merkleRootLog(450, 0, common.HexToHash("0x0b"), 5)
	removed.Removed = true
	reader.add(kept)
	reader.add(removed)

	s := newTestEventStrategy(reader)
	res, err := s.Fetch(context.Background(), lineaDescriptor(), nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res.QueriedBlock != 400 {
		t.Errorf("expected removed log skipped, got block %d", res.QueriedBlock)
	}
}

func TestEventStrategy_EventRecordWithoutRoot(t *testing.T) {
	reader := &fakeLogReader{head: 500}
	l := merkleRootLog(300, 1, common.HexToHash("0x0c"), 9)
	reader.add(l)

	desc := lineaDescriptor()
	desc.Event.RootField = ""
	desc.Event.Inputs = nil

	s := newTestEventStrategy(reader)
	res, err := s.Fetch(context.Background(), desc, nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res.Payload.Kind != PayloadEvent {
		t.Errorf("expected event_record payload, got %s", res.Payload.Kind)
	}
	if res.Payload.Value() != l.TxHash.Hex() {
		t.Errorf("expected tx hash value, got %s", res.Payload.Value())
	}
	if len(res.Payload.Event.Topics) != 3 {
		t.Errorf("expected 3 raw topics, got %d", len(res.Payload.Event.Topics))
	}
	if res.Payload.Event.Fields != nil {
		t.Errorf("expected no decoded fields, got %v", res.Payload.Event.Fields)
	}
}

func TestEventStrategy_ReaderErrors(t *testing.T) {
	reader := &fakeLogReader{err: context.DeadlineExceeded}
	s := newTestEventStrategy(reader)
	if _, err := s.Fetch(context.Background(), lineaDescriptor(), nil); KindOf(err) != KindNetwork {
		t.Errorf("expected network error, got %v", err)
	}

	dialFail := NewEventStrategy(nil, 0, WithLogReaderDialer(func(context.Context, string) (LogReader, error) {
		return nil, errors.New("dial tcp: connection refused")
	}))
	if _, err := dialFail.Fetch(context.Background(), lineaDescriptor(), nil); KindOf(err) != KindNetwork {
		t.Errorf("expected network error on dial, got %v", err)
	}
}

func TestEventStrategy_TruncatedTopics(t *testing.T) {
	reader := &fakeLogReader{head: 500}
	l := merkleRootLog(300, 0, common.HexToHash("0x0d"), 5)
	l.Topics = l.Topics[:2]
	reader.add(l)

	s := newTestEventStrategy(reader)
	if _, err := s.Fetch(context.Background(), lineaDescriptor(), nil); KindOf(err) != KindDecode {
		t.Errorf("expected decode error, got %v", err)
	}
}

func TestPickLog_Ordering(t *testing.T) {
	topic := crypto.Keccak256Hash([]byte("L2MerkleRootAdded(bytes32,uint256)"))
	logs := []types.Log{
		merkleRootLog(20, 1, common.Hash{}, 1),
		merkleRootLog(10, 5, common.Hash{}, 1),
		merkleRootLog(10, 2, common.Hash{}, 1),
		merkleRootLog(20, 0, common.Hash{}, 1),
	}

	latest, ok := pickLog(logs, topic, true)
	if !ok || latest.BlockNumber != 20 || latest.Index != 1 {
		t.Errorf("expected 20/1, got %d/%d", latest.BlockNumber, latest.Index)
	}
	first, ok := pickLog(logs, topic, false)
	if !ok || first.BlockNumber != 10 || first.Index != 5 {
		t.Errorf("expected 10/5, got %d/%d", first.BlockNumber, first.Index)
	}
	if _, ok := pickLog(logs, common.Hash{}, true); ok {
		t.Error("expected no match for other topic")
	}
}

func TestEventStrategy_RateLimitsEachRequest(t *testing.T) {
	reader := &fakeLogReader{head: 5000}
	reader.add(merkleRootLog(4500, 0, common.HexToHash("0xaaaa"), 5))

	pool := NewClientPool(PoolConfig{RequestsPerSecond: 5, Burst: 1}, nil)
	t.Cleanup(pool.Close)
	s := NewEventStrategy(pool, 0, WithLogReaderDialer(func(context.Context, string) (LogReader, error) {
		return reader, nil
	}))

	start := time.Now()
	if _, err := s.Fetch(context.Background(), lineaDescriptor(), nil); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if took := time.Since(start); took < 150*time.Millisecond {
		t.Errorf("expected FilterLogs to wait for the limiter, took %v", took)
	}
}
