package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/marko911/block-reader/internal/source"
)

// ErrKindMismatch is returned when a strategy is handed a descriptor of another kind.
var ErrKindMismatch = errors.New("descriptor kind does not match strategy")

// RPCStrategy issues raw JSON-RPC calls and normalizes the response according
// to the source's dialect.
type RPCStrategy struct {
	pool    *ClientPool
	timeout time.Duration
}

// NewRPCStrategy creates an RPC strategy backed by pool. A zero timeout leaves
// the caller's deadline in charge.
func NewRPCStrategy(pool *ClientPool, timeout time.Duration) *RPCStrategy {
	return &RPCStrategy{pool: pool, timeout: timeout}
}

// Fetch implements Strategy.
func (s *RPCStrategy) Fetch(ctx context.Context, desc source.Descriptor, requested *uint64) (*Result, error) {
	if desc.Kind != source.KindRPC || desc.RPC == nil {
		return nil, NewError(KindProtocol, desc.ID, ErrKindMismatch)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	d := dialectFor(desc.RPC.Dialect)
	method, params := d.request(desc.RPC.Method, requested)

	client, err := s.pool.RPC(ctx, desc.Endpoint, desc.RPC.AuthHeader)
	if err != nil {
		return nil, classify(desc.ID, err)
	}
	if err := s.pool.Wait(ctx, desc.Endpoint); err != nil {
		return nil, classify(desc.ID, err)
	}

	var raw json.RawMessage
	if err := client.CallContext(ctx, &raw, method, params...); err != nil {
		return nil, classify(desc.ID, fmt.Errorf("%s: %w", method, err))
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, NewError(KindNotFound, desc.ID, fmt.Errorf("%s returned no block", method))
	}

	ref, err := d.parse(raw)
	if err != nil {
		return nil, NewError(KindDecode, desc.ID, err)
	}

	if requested != nil {
		switch {
		case d.addressable() && ref.Number != *requested:
			return nil, NewError(KindProtocol, desc.ID,
				fmt.Errorf("node returned block %d for requested block %d", ref.Number, *requested))
		case !d.addressable() && ref.Number < *requested:
			return nil, NewError(KindNotFound, desc.ID,
				fmt.Errorf("head %d is behind requested block %d", ref.Number, *requested))
		}
	}

	return newResult(desc, ref.Number, d.payload(ref)), nil
}

// rpcDialect knows how to address a block and read one back for a family of nodes.
type rpcDialect interface {
	request(method string, requested *uint64) (string, []any)
	parse(raw json.RawMessage) (BlockRef, error)
	payload(ref BlockRef) Payload
	// addressable is false for nodes that only ever report their head.
	addressable() bool
}

func dialectFor(name string) rpcDialect {
	switch name {
	case source.DialectCelestia:
		return celestiaDialect{}
	case source.DialectBlockList:
		return blockListDialect{}
	default:
		return evmDialect{}
	}
}

// evmDialect: eth_getBlockByNumber style, hex quantities.
type evmDialect struct{}

func (evmDialect) request(method string, requested *uint64) (string, []any) {
	tag := "latest"
	if requested != nil {
		tag = hexutil.EncodeUint64(*requested)
	}
	return method, []any{tag, false}
}

func (evmDialect) parse(raw json.RawMessage) (BlockRef, error) {
	var block struct {
		Hash       string `json:"hash"`
		ParentHash string `json:"parentHash"`
		Number     string `json:"number"`
		Timestamp  string `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &block); err != nil {
		return BlockRef{}, fmt.Errorf("unmarshal block: %w", err)
	}
	if block.Hash == "" {
		return BlockRef{}, fmt.Errorf("block has no hash")
	}
	if _, err := hexutil.Decode(block.Hash); err != nil {
		return BlockRef{}, fmt.Errorf("block hash %q: %w", block.Hash, err)
	}
	number, err := hexutil.DecodeUint64(block.Number)
	if err != nil {
		return BlockRef{}, fmt.Errorf("block number %q: %w", block.Number, err)
	}

	ref := BlockRef{Number: number, Hash: strings.ToLower(block.Hash), ParentHash: block.ParentHash}
	if block.Timestamp != "" {
		if ts, err := hexutil.DecodeUint64(block.Timestamp); err == nil {
			ref.Timestamp = time.Unix(int64(ts), 0).UTC()
		}
	}
	return ref, nil
}

func (evmDialect) payload(ref BlockRef) Payload {
	return Payload{Kind: PayloadBlockHash, BlockHash: ref.Hash}
}

func (evmDialect) addressable() bool { return true }

// celestiaDialect: celestia-node header module, decimal heights and bare hex hashes.
type celestiaDialect struct{}

const celestiaHeadMethod = "header.NetworkHead"

func (celestiaDialect) request(method string, requested *uint64) (string, []any) {
	if requested == nil {
		return celestiaHeadMethod, nil
	}
	return method, []any{*requested}
}

func (celestiaDialect) parse(raw json.RawMessage) (BlockRef, error) {
	var eh struct {
		Header struct {
			Height      string `json:"height"`
			Time        string `json:"time"`
			LastBlockID struct {
				Hash string `json:"hash"`
			} `json:"last_block_id"`
		} `json:"header"`
		Commit struct {
			BlockID struct {
				Hash string `json:"hash"`
			} `json:"block_id"`
		} `json:"commit"`
	}
	if err := json.Unmarshal(raw, &eh); err != nil {
		return BlockRef{}, fmt.Errorf("unmarshal extended header: %w", err)
	}
	if eh.Commit.BlockID.Hash == "" {
		return BlockRef{}, fmt.Errorf("extended header has no commit block id")
	}
	height, err := strconv.ParseUint(eh.Header.Height, 10, 64)
	if err != nil {
		return BlockRef{}, fmt.Errorf("header height %q: %w", eh.Header.Height, err)
	}

	ref := BlockRef{
		Number:     height,
		Hash:       normalizeHex(eh.Commit.BlockID.Hash),
		ParentHash: normalizeHex(eh.Header.LastBlockID.Hash),
	}
	if eh.Header.Time != "" {
		if ts, err := time.Parse(time.RFC3339Nano, eh.Header.Time); err == nil {
			ref.Timestamp = ts.UTC()
		}
	}
	return ref, nil
}

func (celestiaDialect) payload(ref BlockRef) Payload {
	return Payload{Kind: PayloadHeader, Header: ref.header()}
}

func (celestiaDialect) addressable() bool { return true }

// blockListDialect: nodes exposing only a "last N blocks" listing.
type blockListDialect struct{}

func (blockListDialect) request(method string, _ *uint64) (string, []any) {
	return method, []any{1}
}

func (blockListDialect) parse(raw json.RawMessage) (BlockRef, error) {
	var blocks []struct {
		BlockHash   string      `json:"blockHash"`
		BlockNumber json.Number `json:"blockNumber"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return BlockRef{}, fmt.Errorf("unmarshal block list: %w", err)
	}
	if len(blocks) == 0 {
		return BlockRef{}, fmt.Errorf("block list is empty")
	}
	if blocks[0].BlockHash == "" {
		return BlockRef{}, fmt.Errorf("block list entry has no hash")
	}
	number, err := strconv.ParseUint(blocks[0].BlockNumber.String(), 10, 64)
	if err != nil {
		return BlockRef{}, fmt.Errorf("block number %q: %w", blocks[0].BlockNumber, err)
	}
	return BlockRef{Number: number, Hash: normalizeHex(blocks[0].BlockHash)}, nil
}

func (blockListDialect) payload(ref BlockRef) Payload {
	return Payload{Kind: PayloadBlockHash, BlockHash: ref.Hash}
}

func (blockListDialect) addressable() bool { return false }

// normalizeHex lower-cases a hash and guarantees a 0x prefix.
func normalizeHex(h string) string {
	if h == "" {
		return ""
	}
	h = strings.ToLower(h)
	if !strings.HasPrefix(h, "0x") {
		h = "0x" + h
	}
	return h
}
