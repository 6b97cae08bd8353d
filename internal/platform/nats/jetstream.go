package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// SubjectPrefix is the root of every signal subject.
const SubjectPrefix = "signals"

// StreamConfig defines the JetStream stream holding signals.
type StreamConfig struct {
	Name     string        `yaml:"name"`
	MaxAge   time.Duration `yaml:"max_age"`
	MaxBytes int64         `yaml:"max_bytes"`
	Replicas int           `yaml:"replicas"`
}

// DefaultSignalStreamConfig retains signals for a day.
func DefaultSignalStreamConfig() StreamConfig {
	return StreamConfig{
		Name:     "BLOCK_SIGNALS",
		MaxAge:   24 * time.Hour,
		MaxBytes: 1024 * 1024 * 1024,
		Replicas: 1,
	}
}

// EnsureStream creates or updates the signal stream. Safe to call repeatedly.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Name,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		MaxBytes:    cfg.MaxBytes,
		Replicas:    cfg.Replicas,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		Duplicates:  2 * time.Minute,
		Description: "Accepted block, header and merkle root signals",
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// SubjectForSource returns signals.<chain>.<source>. Dots in ids are replaced
// so each id stays a single subject token.
func SubjectForSource(chainID uint64, sourceID string) string {
	return fmt.Sprintf("%s.%d.%s", SubjectPrefix, chainID, token(sourceID))
}

// SubjectForChain returns the wildcard subject for one chain.
func SubjectForChain(chainID uint64) string {
	return fmt.Sprintf("%s.%d.>", SubjectPrefix, chainID)
}

func token(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}
