package ledger

import (
	"context"

	"github.com/marko911/block-reader/internal/platform/storage"
)

// Postgres stores entries in the block_ledger table.
type Postgres struct {
	db   *storage.DB
	repo *storage.LedgerRepository
}

// NewPostgres connects, runs migrations and returns the ledger.
func NewPostgres(ctx context.Context, cfg storage.Config) (*Postgres, error) {
	db, err := storage.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db, repo: storage.NewLedgerRepository(db)}, nil
}

func (p *Postgres) Get(ctx context.Context, sourceID string) (uint64, bool, error) {
	return p.repo.Get(ctx, sourceID)
}

func (p *Postgres) Set(ctx context.Context, sourceID string, block uint64) error {
	stored, err := p.repo.Advance(ctx, sourceID, block)
	if err != nil {
		return err
	}
	if stored > block {
		return regression(sourceID, stored, block)
	}
	return nil
}

func (p *Postgres) Snapshot(ctx context.Context) (map[string]uint64, error) {
	return p.repo.All(ctx)
}

func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}
