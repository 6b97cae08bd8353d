package fetch

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/marko911/block-reader/internal/source"
)

// LogReader is the subset of ethclient used to query contract events.
type LogReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// LogReaderDialer returns a LogReader for an endpoint.
type LogReaderDialer func(ctx context.Context, endpoint string) (LogReader, error)

// EventOption customizes an EventStrategy.
type EventOption func(*EventStrategy)

// WithLogReaderDialer replaces the default pooled ethclient dialer.
func WithLogReaderDialer(d LogReaderDialer) EventOption {
	return func(s *EventStrategy) {
		s.dial = d
	}
}

// EventStrategy reads the most recent, or the first at/after a height, log of a
// configured event emitted by a configured contract.
type EventStrategy struct {
	pool    *ClientPool
	timeout time.Duration
	dial    LogReaderDialer

	mu       sync.Mutex
	compiled map[string]*compiledEvent
}

type compiledEvent struct {
	contract common.Address
	topic    common.Hash
	event    *abi.Event
}

// NewEventStrategy creates an event strategy backed by pool.
func NewEventStrategy(pool *ClientPool, timeout time.Duration, opts ...EventOption) *EventStrategy {
	s := &EventStrategy{
		pool:     pool,
		timeout:  timeout,
		compiled: make(map[string]*compiledEvent),
	}
	s.dial = func(ctx context.Context, endpoint string) (LogReader, error) {
		return pool.Eth(ctx, endpoint)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch implements Strategy. Without a requested block the newest matching log
// in the lookback window wins; with one, the earliest block at or after it that
// holds a match wins, taking that block's last matching log.
func (s *EventStrategy) Fetch(ctx context.Context, desc source.Descriptor, requested *uint64) (*Result, error) {
	if desc.Kind != source.KindContractEvent || desc.Event == nil {
		return nil, NewError(KindProtocol, desc.ID, ErrKindMismatch)
	}

	ev, err := s.compile(desc)
	if err != nil {
		return nil, NewError(KindProtocol, desc.ID, err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	reader, err := s.dial(ctx, desc.Endpoint)
	if err != nil {
		return nil, classify(desc.ID, err)
	}
	limit := s.pool.limiter(desc.Endpoint)

	if err := limit.wait(ctx); err != nil {
		return nil, classify(desc.ID, err)
	}
	head, err := reader.BlockNumber(ctx)
	if err != nil {
		return nil, classify(desc.ID, fmt.Errorf("block number: %w", err))
	}

	window := desc.Event.WindowSize()
	var from, to uint64
	if requested == nil {
		to = head
		if head > window {
			from = head - window
		}
	} else {
		if *requested > head {
			return nil, NewError(KindNotFound, desc.ID,
				fmt.Errorf("requested block %d is beyond head %d", *requested, head))
		}
		from = *requested
		to = from + window
		if to > head {
			to = head
		}
	}

	if err := limit.wait(ctx); err != nil {
		return nil, classify(desc.ID, err)
	}
	logs, err := reader.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{ev.contract},
		Topics:    [][]common.Hash{{ev.topic}},
	})
	if err != nil {
		return nil, classify(desc.ID, fmt.Errorf("filter logs: %w", err))
	}

	log, ok := pickLog(logs, ev.topic, requested == nil)
	if !ok {
		return nil, NewError(KindNotFound, desc.ID,
			fmt.Errorf("no %s event in blocks %d-%d", desc.Event.EventName(), from, to))
	}

	record, err := decodeLog(desc.Event, ev, log)
	if err != nil {
		return nil, NewError(KindDecode, desc.ID, err)
	}

	payload := Payload{Kind: PayloadEvent, Event: record}
	if desc.Event.RootField != "" {
		root, ok := record.Fields[desc.Event.RootField]
		if !ok {
			return nil, NewError(KindDecode, desc.ID, fmt.Errorf("event has no %s field", desc.Event.RootField))
		}
		payload.Kind = PayloadMerkleRoot
		payload.MerkleRoot = root
	}

	return newResult(desc, log.BlockNumber, payload), nil
}

func (s *EventStrategy) compile(desc source.Descriptor) (*compiledEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev, ok := s.compiled[desc.ID]; ok {
		return ev, nil
	}

	p := desc.Event
	ev := &compiledEvent{
		contract: common.HexToAddress(p.Contract),
		topic:    crypto.Keccak256Hash([]byte(p.Signature)),
	}

	if len(p.Inputs) > 0 {
		args := make(abi.Arguments, 0, len(p.Inputs))
		for _, in := range p.Inputs {
			typ, err := abi.NewType(in.Type, "", nil)
			if err != nil {
				return nil, fmt.Errorf("event input %s: %w", in.Name, err)
			}
			args = append(args, abi.Argument{Name: in.Name, Type: typ, Indexed: in.Indexed})
		}
		name := p.EventName()
		e := abi.NewEvent(name, name, false, args)
		if e.ID != ev.topic {
			return nil, fmt.Errorf("event inputs do not hash to signature %s", p.Signature)
		}
		ev.event = &e
	}

	s.compiled[desc.ID] = ev
	return ev, nil
}

// pickLog selects the newest log when latest is set, otherwise the last log of
// the earliest block that has one.
func pickLog(logs []types.Log, topic common.Hash, latest bool) (types.Log, bool) {
	matching := make([]types.Log, 0, len(logs))
	for _, l := range logs {
		if l.Removed || len(l.Topics) == 0 || l.Topics[0] != topic {
			continue
		}
		matching = append(matching, l)
	}
	if len(matching) == 0 {
		return types.Log{}, false
	}

	sort.SliceStable(matching, func(i, j int) bool {
		if matching[i].BlockNumber != matching[j].BlockNumber {
			return matching[i].BlockNumber < matching[j].BlockNumber
		}
		return matching[i].Index < matching[j].Index
	})

	if latest {
		return matching[len(matching)-1], true
	}

	first := matching[0].BlockNumber
	pick := matching[0]
	for _, l := range matching[1:] {
		if l.BlockNumber != first {
			break
		}
		pick = l
	}
	return pick, true
}

func decodeLog(p *source.EventParams, ev *compiledEvent, l types.Log) (*EventRecord, error) {
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = t.Hex()
	}

	record := &EventRecord{
		Contract:    l.Address.Hex(),
		Event:       p.EventName(),
		BlockNumber: l.BlockNumber,
		BlockHash:   l.BlockHash.Hex(),
		TxHash:      l.TxHash.Hex(),
		LogIndex:    l.Index,
		Topics:      topics,
		Data:        hexutil.Encode(l.Data),
	}

	if ev.event == nil {
		return record, nil
	}

	values := make(map[string]interface{})
	var indexed abi.Arguments
	for _, arg := range ev.event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if len(l.Topics) < len(indexed)+1 {
			return nil, fmt.Errorf("log has %d topics, event needs %d", len(l.Topics), len(indexed)+1)
		}
		if err := abi.ParseTopicsIntoMap(values, indexed, l.Topics[1:]); err != nil {
			return nil, fmt.Errorf("parse topics: %w", err)
		}
	}
	if nonIndexed := ev.event.Inputs.NonIndexed(); len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(values, l.Data); err != nil {
			return nil, fmt.Errorf("unpack data: %w", err)
		}
	}

	record.Fields = make(map[string]string, len(values))
	for k, v := range values {
		record.Fields[k] = formatValue(v)
	}
	return record, nil
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case [32]byte:
		return hexutil.Encode(t[:])
	case []byte:
		return hexutil.Encode(t)
	case *big.Int:
		return t.String()
	case common.Address:
		return t.Hex()
	case common.Hash:
		return t.Hex()
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
