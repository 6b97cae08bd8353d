// Package kafka provides Kafka/Redpanda topic management and signal production.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// TopicConfig defines a topic to create on startup.
type TopicConfig struct {
	Name              string `yaml:"name"`
	Partitions        int32  `yaml:"partitions"`
	ReplicationFactor int16  `yaml:"replication_factor"`
	RetentionMs       int64  `yaml:"retention_ms"`
	CleanupPolicy     string `yaml:"cleanup_policy"`
}

// DefaultSignalTopicConfig keeps signals for 7 days.
func DefaultSignalTopicConfig() TopicConfig {
	return TopicConfig{
		Name:              "block-signals",
		Partitions:        6,
		ReplicationFactor: 1,
		RetentionMs:       7 * 24 * 60 * 60 * 1000,
		CleanupPolicy:     "delete",
	}
}

// ParseBrokers splits a comma-separated broker list.
func ParseBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// TopicManager creates topics through the admin API.
type TopicManager struct {
	admin *kadm.Client
}

// NewTopicManager wraps an existing client. The caller keeps ownership of it.
func NewTopicManager(client *kgo.Client) *TopicManager {
	return &TopicManager{admin: kadm.NewClient(client)}
}

// EnsureTopics creates any topic in configs that does not exist yet.
func (m *TopicManager) EnsureTopics(ctx context.Context, configs ...TopicConfig) error {
	existing, err := m.admin.ListTopics(ctx)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	have := make(map[string]bool, len(existing))
	for _, t := range existing {
		have[t.Topic] = true
	}

	for _, cfg := range configs {
		if have[cfg.Name] {
			continue
		}
		if err := m.createTopic(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (m *TopicManager) createTopic(ctx context.Context, cfg TopicConfig) error {
	resp, err := m.admin.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor,
		map[string]*string{
			"retention.ms":   stringPtr(strconv.FormatInt(cfg.RetentionMs, 10)),
			"cleanup.policy": stringPtr(cfg.CleanupPolicy),
		},
		cfg.Name,
	)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", cfg.Name, err)
	}
	for _, r := range resp {
		if r.Err != nil {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

func stringPtr(s string) *string {
	return &s
}
