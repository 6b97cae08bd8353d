package storage

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
)

// LedgerRepository persists the last processed block per source.
type LedgerRepository struct {
	db *DB
}

// NewLedgerRepository creates a repository on db.
func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Get returns the stored block for sourceID.
func (r *LedgerRepository) Get(ctx context.Context, sourceID string) (uint64, bool, error) {
	var block int64
	err := r.db.pool.QueryRow(ctx,
		`SELECT last_block FROM block_ledger WHERE source_id = $1`, sourceID).Scan(&block)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("select ledger %s: %w", sourceID, err)
	}
	return uint64(block), true, nil
}

// Advance stores block unless a higher value is already present, and returns
// the value stored afterwards.
func (r *LedgerRepository) Advance(ctx context.Context, sourceID string, block uint64) (uint64, error) {
	if block > math.MaxInt64 {
		return 0, fmt.Errorf("block %d exceeds BIGINT range", block)
	}

	const q = `
		INSERT INTO block_ledger (source_id, last_block)
		VALUES ($1, $2)
		ON CONFLICT (source_id) DO UPDATE
		SET last_block = GREATEST(block_ledger.last_block, EXCLUDED.last_block),
		    updated_at = NOW()
		RETURNING last_block`

	var stored int64
	if err := r.db.pool.QueryRow(ctx, q, sourceID, int64(block)).Scan(&stored); err != nil {
		return 0, fmt.Errorf("upsert ledger %s: %w", sourceID, err)
	}
	return uint64(stored), nil
}

// All returns every stored entry.
func (r *LedgerRepository) All(ctx context.Context) (map[string]uint64, error) {
	rows, err := r.db.pool.Query(ctx, `SELECT source_id, last_block FROM block_ledger`)
	if err != nil {
		return nil, fmt.Errorf("select ledger: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var id string
		var block int64
		if err := rows.Scan(&id, &block); err != nil {
			return nil, err
		}
		out[id] = uint64(block)
	}
	return out, rows.Err()
}
