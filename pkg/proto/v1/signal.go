// Package protov1 defines the wire envelope published to downstream consumers.
package protov1

import (
	"encoding/json"
	"strings"
	"time"
)

// SignalType is the message type understood by the aggregator.
const SignalType = "datablock"

// SchemaVersion of the Signal envelope.
const SchemaVersion uint32 = 1

// Signal is one accepted ingestion result.
type Signal struct {
	SignalId      string          `json:"signal_id"`
	Type          string          `json:"type"`
	Tag           string          `json:"tag"`
	SourceId      string          `json:"source_id"`
	ChainId       uint64          `json:"chain_id"`
	BlockNumber   uint64          `json:"block_number"`
	PayloadKind   string          `json:"payload_kind"`
	Value         string          `json:"value"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	FetchedAt     time.Time       `json:"fetched_at"`
	PublishedAt   time.Time       `json:"published_at"`
	SchemaVersion uint32          `json:"schema_version"`
}

// Tag builds the aggregator tag "<source>-chain-<hex>" where hex is the value
// without its 0x prefix.
func Tag(sourceID, value string) string {
	return sourceID + "-chain-" + strings.TrimPrefix(strings.ToLower(value), "0x")
}

// Marshal encodes the signal as JSON.
func (s *Signal) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Unmarshal decodes a JSON signal.
func Unmarshal(b []byte) (*Signal, error) {
	var s Signal
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
