// Package ledger persists the last successfully processed block per source so
// polling resumes where it stopped.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrRegression is returned when Set would move an entry backwards.
var ErrRegression = errors.New("ledger: block number would decrease")

// Ledger maps source ids to their last processed block. Entries only grow and
// are never deleted. Implementations are safe for concurrent use.
type Ledger interface {
	// Get returns the stored block and whether an entry exists.
	Get(ctx context.Context, sourceID string) (uint64, bool, error)

	// Set records block for sourceID. Equal values are a no-op; lower values
	// fail with ErrRegression and leave the entry unchanged.
	Set(ctx context.Context, sourceID string, block uint64) error

	// Snapshot returns a copy of every entry.
	Snapshot(ctx context.Context) (map[string]uint64, error)

	Close() error
}

func regression(sourceID string, stored, block uint64) error {
	return fmt.Errorf("%w: %s at %d, got %d", ErrRegression, sourceID, stored, block)
}

// Memory is a process-lifetime ledger.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]uint64
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]uint64)}
}

func (m *Memory) Get(_ context.Context, sourceID string) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.entries[sourceID]
	return n, ok, nil
}

func (m *Memory) Set(_ context.Context, sourceID string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[sourceID]; ok && block < cur {
		return regression(sourceID, cur, block)
	}
	m.entries[sourceID] = block
	return nil
}

func (m *Memory) Snapshot(context.Context) (map[string]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]uint64, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
