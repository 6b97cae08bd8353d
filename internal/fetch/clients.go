package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gagliardetto/solana-go"
	solrpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// decodeError marks client-side failures to interpret a well-formed response.
type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// limitFunc admits one outbound request; nil admits everything.
type limitFunc func(ctx context.Context) error

func (f limitFunc) wait(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}

// SubstrateClient reads block hashes from Substrate-based chains such as Avail
// through the chain_* RPC namespace.
type SubstrateClient struct {
	rpc   *rpc.Client
	limit limitFunc
}

// NewSubstrateClient wraps a pooled RPC client. The client is owned by the pool.
func NewSubstrateClient(c *rpc.Client) *SubstrateClient {
	return &SubstrateClient{rpc: c}
}

func (c *SubstrateClient) BlockAt(ctx context.Context, height *uint64) (BlockRef, error) {
	if err := c.limit.wait(ctx); err != nil {
		return BlockRef{}, err
	}
	var hash *string
	var err error
	if height != nil {
		err = c.rpc.CallContext(ctx, &hash, "chain_getBlockHash", *height)
	} else {
		err = c.rpc.CallContext(ctx, &hash, "chain_getBlockHash")
	}
	if err != nil {
		return BlockRef{}, fmt.Errorf("chain_getBlockHash: %w", err)
	}
	if hash == nil || *hash == "" {
		if height != nil {
			return BlockRef{}, fmt.Errorf("block %d: %w", *height, ErrNotFound)
		}
		return BlockRef{}, fmt.Errorf("best block: %w", ErrNotFound)
	}
	if _, err := hexutil.Decode(*hash); err != nil {
		return BlockRef{}, &decodeError{fmt.Errorf("block hash %q: %w", *hash, err)}
	}

	if height != nil {
		return BlockRef{Number: *height, Hash: normalizeHex(*hash)}, nil
	}

	var header struct {
		ParentHash string `json:"parentHash"`
		Number     string `json:"number"`
	}
	if err := c.limit.wait(ctx); err != nil {
		return BlockRef{}, err
	}
	if err := c.rpc.CallContext(ctx, &header, "chain_getHeader", *hash); err != nil {
		return BlockRef{}, fmt.Errorf("chain_getHeader: %w", err)
	}
	number, err := hexutil.DecodeUint64(header.Number)
	if err != nil {
		return BlockRef{}, &decodeError{fmt.Errorf("header number %q: %w", header.Number, err)}
	}
	return BlockRef{
		Number:     number,
		Hash:       normalizeHex(*hash),
		ParentHash: normalizeHex(header.ParentHash),
	}, nil
}

func (c *SubstrateClient) PayloadKind() PayloadKind { return PayloadBlockHash }

func (c *SubstrateClient) Close() {}

// EVMClient reads headers through go-ethereum's typed client.
type EVMClient struct {
	eth   *ethclient.Client
	limit limitFunc
}

// NewEVMClient wraps an ethclient built on a pooled RPC client.
func NewEVMClient(eth *ethclient.Client) *EVMClient {
	return &EVMClient{eth: eth}
}

func (c *EVMClient) BlockAt(ctx context.Context, height *uint64) (BlockRef, error) {
	var number *big.Int
	if height != nil {
		number = new(big.Int).SetUint64(*height)
	}
	if err := c.limit.wait(ctx); err != nil {
		return BlockRef{}, err
	}
	header, err := c.eth.HeaderByNumber(ctx, number)
	if err != nil {
		return BlockRef{}, fmt.Errorf("header by number: %w", err)
	}
	return BlockRef{
		Number:     header.Number.Uint64(),
		Hash:       header.Hash().Hex(),
		ParentHash: header.ParentHash.Hex(),
		Timestamp:  time.Unix(int64(header.Time), 0).UTC(),
	}, nil
}

func (c *EVMClient) PayloadKind() PayloadKind { return PayloadHeader }

func (c *EVMClient) Close() {}

// Solana RPC error codes meaning the slot has no retrievable block.
const (
	solanaBlockNotAvailable = -32004
	solanaSlotSkipped       = -32007
	solanaLongTermStorage   = -32009
)

// SolanaClient reads finalized blocks by slot. A requested slot that was
// skipped by the leader, or pruned from long-term storage, is answered with
// the next slot that produced a block.
type SolanaClient struct {
	rpc   *solrpc.Client
	limit limitFunc
}

// NewSolanaClient creates a client for a Solana JSON-RPC endpoint.
func NewSolanaClient(endpoint string) *SolanaClient {
	return &SolanaClient{rpc: solrpc.New(endpoint)}
}

func (c *SolanaClient) BlockAt(ctx context.Context, height *uint64) (BlockRef, error) {
	var slot uint64
	if height != nil {
		slot = *height
	} else {
		if err := c.limit.wait(ctx); err != nil {
			return BlockRef{}, err
		}
		latest, err := c.rpc.GetSlot(ctx, solrpc.CommitmentFinalized)
		if err != nil {
			return BlockRef{}, fmt.Errorf("get slot: %w", solanaError(err))
		}
		slot = latest
	}

	block, err := c.getBlock(ctx, slot)
	if height != nil && slotAbsent(err) {
		next, nerr := c.nextSlot(ctx, slot+1)
		if nerr != nil {
			return BlockRef{}, nerr
		}
		slot = next
		block, err = c.getBlock(ctx, slot)
	}
	if err != nil {
		return BlockRef{}, fmt.Errorf("get block %d: %w", slot, solanaError(err))
	}

	ref := BlockRef{
		Number:     slot,
		Hash:       block.Blockhash.String(),
		ParentHash: block.PreviousBlockhash.String(),
	}
	if block.BlockTime != nil {
		ref.Timestamp = block.BlockTime.Time().UTC()
	}
	return ref, nil
}

func (c *SolanaClient) getBlock(ctx context.Context, slot uint64) (*solrpc.GetBlockResult, error) {
	if err := c.limit.wait(ctx); err != nil {
		return nil, err
	}
	rewards := false
	maxVersion := uint64(0)
	return c.rpc.GetBlockWithOpts(ctx, slot, &solrpc.GetBlockOpts{
		Encoding:                       solana.EncodingBase64,
		TransactionDetails:             solrpc.TransactionDetailsNone,
		Rewards:                        &rewards,
		Commitment:                     solrpc.CommitmentFinalized,
		MaxSupportedTransactionVersion: &maxVersion,
	})
}

// nextSlot returns the first slot at or after from that holds a finalized block.
func (c *SolanaClient) nextSlot(ctx context.Context, from uint64) (uint64, error) {
	if err := c.limit.wait(ctx); err != nil {
		return 0, err
	}
	slots, err := c.rpc.GetBlocksWithLimit(ctx, from, 1, solrpc.CommitmentFinalized)
	if err != nil {
		return 0, fmt.Errorf("get blocks from %d: %w", from, solanaError(err))
	}
	if slots == nil || len(*slots) == 0 {
		return 0, fmt.Errorf("no finalized block after skipped slot %d: %w", from-1, ErrNotFound)
	}
	return (*slots)[0], nil
}

// SkipsHeights reports that BlockAt may answer a height with a later one.
func (c *SolanaClient) SkipsHeights() bool { return true }

func (c *SolanaClient) PayloadKind() PayloadKind { return PayloadHeader }

func (c *SolanaClient) Close() {
	_ = c.rpc.Close()
}

// slotAbsent reports errors meaning the slot will never hold a block.
func slotAbsent(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == solanaSlotSkipped || rpcErr.Code == solanaLongTermStorage
}

func solanaError(err error) error {
	if errors.Is(err, solrpc.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case solanaBlockNotAvailable, solanaSlotSkipped, solanaLongTermStorage:
			return fmt.Errorf("%w: %s", ErrNotFound, rpcErr.Message)
		default:
			return fmt.Errorf("%w: %s (code %d)", ErrProtocol, rpcErr.Message, rpcErr.Code)
		}
	}
	return err
}
