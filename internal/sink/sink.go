// Package sink delivers accepted fetch results downstream. A poller advances
// its ledger entry only after its sink accepts the result.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/marko911/block-reader/internal/fetch"
	protov1 "github.com/marko911/block-reader/pkg/proto/v1"
)

// Sink accepts results. Accept must return nil only once the result is
// durably handed off.
type Sink interface {
	Accept(ctx context.Context, res *fetch.Result) error
	Close() error
}

// NewSignal builds the wire envelope for res.
func NewSignal(res *fetch.Result) (*protov1.Signal, error) {
	payload, err := json.Marshal(res.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	value := res.Payload.Value()
	return &protov1.Signal{
		SignalId:      uuid.NewString(),
		Type:          protov1.SignalType,
		Tag:           protov1.Tag(res.SourceID, value),
		SourceId:      res.SourceID,
		ChainId:       res.ChainID,
		BlockNumber:   res.QueriedBlock,
		PayloadKind:   string(res.Payload.Kind),
		Value:         value,
		Payload:       payload,
		FetchedAt:     res.FetchedAt,
		PublishedAt:   time.Now().UTC(),
		SchemaVersion: protov1.SchemaVersion,
	}, nil
}

// Multi requires every sink to accept, in order. The first rejection stops
// delivery and is returned.
type Multi []Sink

func (m Multi) Accept(ctx context.Context, res *fetch.Result) error {
	for _, s := range m {
		if err := s.Accept(ctx, res); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log records every accepted result. It never rejects.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging sink.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "sink")}
}

func (l *Log) Accept(_ context.Context, res *fetch.Result) error {
	l.logger.Info("signal accepted",
		"source", res.SourceID,
		"chain_id", res.ChainID,
		"block", res.QueriedBlock,
		"kind", res.Payload.Kind,
		"tag", protov1.Tag(res.SourceID, res.Payload.Value()),
	)
	return nil
}

func (l *Log) Close() error { return nil }
