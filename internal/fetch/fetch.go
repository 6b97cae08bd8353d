// Package fetch turns a source descriptor and an optional block height into a
// normalized result, with one strategy per protocol kind.
package fetch

import (
	"context"
	"time"

	"github.com/marko911/block-reader/internal/source"
)

// Strategy retrieves one normalized signal from a source. A nil requested block
// means the latest one. Implementations must not write any persistent state.
type Strategy interface {
	Fetch(ctx context.Context, desc source.Descriptor, requested *uint64) (*Result, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, desc source.Descriptor, requested *uint64) (*Result, error)

func (f StrategyFunc) Fetch(ctx context.Context, desc source.Descriptor, requested *uint64) (*Result, error) {
	return f(ctx, desc, requested)
}

// PayloadKind tags which field of a Payload carries the signal.
type PayloadKind string

const (
	PayloadBlockHash  PayloadKind = "block_hash"
	PayloadHeader     PayloadKind = "header"
	PayloadMerkleRoot PayloadKind = "merkle_root"
	PayloadEvent      PayloadKind = "event_record"
)

// Result is a single successful fetch.
type Result struct {
	SourceID     string    `json:"source_id"`
	ChainID      uint64    `json:"chain_id"`
	QueriedBlock uint64    `json:"queried_block"`
	Payload      Payload   `json:"payload"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Payload is the normalized signal. Kind selects the populated field; merkle
// root payloads also carry the event they were read from.
type Payload struct {
	Kind       PayloadKind  `json:"kind"`
	BlockHash  string       `json:"block_hash,omitempty"`
	Header     *Header      `json:"header,omitempty"`
	MerkleRoot string       `json:"merkle_root,omitempty"`
	Event      *EventRecord `json:"event,omitempty"`
}

// Value returns the primary value of the payload: the hash for block payloads,
// the root for merkle payloads and the transaction hash for events.
func (p Payload) Value() string {
	switch p.Kind {
	case PayloadBlockHash:
		return p.BlockHash
	case PayloadHeader:
		if p.Header != nil {
			return p.Header.Hash
		}
	case PayloadMerkleRoot:
		return p.MerkleRoot
	case PayloadEvent:
		if p.Event != nil {
			return p.Event.TxHash
		}
	}
	return ""
}

// Equal reports whether two payloads carry the same signal.
func (p Payload) Equal(o Payload) bool {
	if p.Kind != o.Kind || p.BlockHash != o.BlockHash || p.MerkleRoot != o.MerkleRoot {
		return false
	}
	if (p.Header == nil) != (o.Header == nil) || (p.Event == nil) != (o.Event == nil) {
		return false
	}
	if p.Header != nil && *p.Header != *o.Header {
		return false
	}
	if p.Event != nil && !p.Event.equal(o.Event) {
		return false
	}
	return true
}

// Header is a chain-agnostic block header.
type Header struct {
	Number     uint64    `json:"number"`
	Hash       string    `json:"hash"`
	ParentHash string    `json:"parent_hash,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// EventRecord is a decoded contract log.
type EventRecord struct {
	Contract    string            `json:"contract"`
	Event       string            `json:"event"`
	BlockNumber uint64            `json:"block_number"`
	BlockHash   string            `json:"block_hash"`
	TxHash      string            `json:"tx_hash"`
	LogIndex    uint              `json:"log_index"`
	Topics      []string          `json:"topics"`
	Data        string            `json:"data"`
	Fields      map[string]string `json:"fields,omitempty"`
}

func (e *EventRecord) equal(o *EventRecord) bool {
	if e.Contract != o.Contract || e.Event != o.Event || e.BlockNumber != o.BlockNumber ||
		e.BlockHash != o.BlockHash || e.TxHash != o.TxHash || e.LogIndex != o.LogIndex ||
		e.Data != o.Data || len(e.Topics) != len(o.Topics) || len(e.Fields) != len(o.Fields) {
		return false
	}
	for i := range e.Topics {
		if e.Topics[i] != o.Topics[i] {
			return false
		}
	}
	for k, v := range e.Fields {
		if o.Fields[k] != v {
			return false
		}
	}
	return true
}

// BlockRef is what block-oriented clients return before normalization.
type BlockRef struct {
	Number     uint64
	Hash       string
	ParentHash string
	Timestamp  time.Time
}

func (b BlockRef) header() *Header {
	return &Header{
		Number:     b.Number,
		Hash:       b.Hash,
		ParentHash: b.ParentHash,
		Timestamp:  b.Timestamp,
	}
}

func newResult(desc source.Descriptor, block uint64, payload Payload) *Result {
	return &Result{
		SourceID:     desc.ID,
		ChainID:      desc.ChainID,
		QueriedBlock: block,
		Payload:      payload,
		FetchedAt:    time.Now().UTC(),
	}
}
