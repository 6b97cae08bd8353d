// Package config loads block-reader configuration from YAML, .env files and
// the environment, in that order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/marko911/block-reader/internal/fetch"
	"github.com/marko911/block-reader/internal/ledger"
	"github.com/marko911/block-reader/internal/platform/kafka"
	"github.com/marko911/block-reader/internal/platform/nats"
	"github.com/marko911/block-reader/internal/poller"
	"github.com/marko911/block-reader/internal/sink"
	"github.com/marko911/block-reader/internal/source"
)

// Mode selects which entry points the process runs.
type Mode string

const (
	ModeOnDemand Mode = "on-demand"
	ModePoll     Mode = "poll"
	ModeBoth     Mode = "both"
	ModeSelfTest Mode = "self-test"
)

var ErrInvalidMode = errors.New("invalid mode")

// ParseMode accepts the mode names plus the rest and loop aliases.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on-demand", "ondemand", "rest":
		return ModeOnDemand, nil
	case "poll", "loop":
		return ModePoll, nil
	case "both":
		return ModeBoth, nil
	case "self-test", "selftest":
		return ModeSelfTest, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Serves reports whether the mode runs the HTTP server.
func (m Mode) Serves() bool {
	return m == ModeOnDemand || m == ModeBoth
}

// Polls reports whether the mode runs pollers.
func (m Mode) Polls() bool {
	return m == ModePoll || m == ModeBoth
}

// Config is the full process configuration.
type Config struct {
	Mode     Mode   `yaml:"mode"`
	LogLevel string `yaml:"log_level"`
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	// OnDemandSource backs /add-block-by-number.
	OnDemandSource string `yaml:"on_demand_source"`

	Poller  poller.Config       `yaml:"poller"`
	Pool    fetch.PoolConfig    `yaml:"pool"`
	Ledger  ledger.Config       `yaml:"ledger"`
	Sinks   SinksConfig         `yaml:"sinks"`
	Sources []source.Descriptor `yaml:"sources"`
}

// SinksConfig enables downstream deliveries. Every enabled sink must accept a
// result before a poller advances its ledger entry.
type SinksConfig struct {
	Log       bool            `yaml:"log"`
	Kafka     KafkaSink       `yaml:"kafka"`
	NATS      NATSSink        `yaml:"nats"`
	Archive   ArchiveSink     `yaml:"archive"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

type KafkaSink struct {
	Enabled              bool `yaml:"enabled"`
	kafka.ProducerConfig `yaml:",inline"`
}

type NATSSink struct {
	Enabled     bool              `yaml:"enabled"`
	nats.Config `yaml:",inline"`
	Stream      nats.StreamConfig `yaml:"stream"`
}

type ArchiveSink struct {
	Enabled            bool `yaml:"enabled"`
	sink.ArchiveConfig `yaml:",inline"`
}

type WebSocketConfig struct {
	Enabled        bool `yaml:"enabled"`
	SendBufferSize int  `yaml:"send_buffer_size"`
}

// DefaultConfig runs on-demand on :8080 with a file ledger and log sink.
func DefaultConfig() Config {
	return Config{
		Mode:     ModeOnDemand,
		LogLevel: "info",
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		Poller:   poller.DefaultConfig(),
		Pool:     fetch.PoolConfig{RequestsPerSecond: 10, Burst: 5},
		Ledger:   ledger.DefaultConfig(),
		Sinks: SinksConfig{
			Log:   true,
			Kafka: KafkaSink{ProducerConfig: kafka.DefaultProducerConfig()},
			NATS:  NATSSink{Config: nats.DefaultConfig(), Stream: nats.DefaultSignalStreamConfig()},
			Archive: ArchiveSink{ArchiveConfig: sink.ArchiveConfig{
				Endpoint: "localhost:9000",
				Bucket:   "block-signals",
			}},
			WebSocket: WebSocketConfig{Enabled: true, SendBufferSize: 256},
		},
	}
}

// LoadDotEnv loads .env files if present. Existing variables are not overridden.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env", ".env.local"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// Load reads the configuration and validates it.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read layers path (optional) over the defaults, then applies environment
// overrides. The result is not validated.
func Read(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("BLOCK_READER_MODE"); v != "" {
		m, err := ParseMode(v)
		if err != nil {
			return err
		}
		c.Mode = m
	}
	c.LogLevel = envOrDefault("LOG_LEVEL", c.LogLevel)
	c.HTTPAddr = envOrDefault("HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = envOrDefault("GRPC_ADDR", c.GRPCAddr)
	c.OnDemandSource = envOrDefault("ON_DEMAND_SOURCE", c.OnDemandSource)
	c.Poller.Interval = envOrDefaultDuration("POLL_INTERVAL", c.Poller.Interval)
	c.Poller.FetchTimeout = envOrDefaultDuration("FETCH_TIMEOUT", c.Poller.FetchTimeout)

	c.Ledger.Backend = envOrDefault("LEDGER_BACKEND", c.Ledger.Backend)
	c.Ledger.Dir = envOrDefault("LEDGER_DIR", c.Ledger.Dir)
	c.Ledger.Redis.Addr = envOrDefault("REDIS_ADDR", c.Ledger.Redis.Addr)
	c.Ledger.Redis.Password = envOrDefault("REDIS_PASSWORD", c.Ledger.Redis.Password)
	c.Ledger.Postgres.URL = envOrDefault("DATABASE_URL", c.Ledger.Postgres.URL)

	c.Sinks.Kafka.Enabled = envOrDefaultBool("KAFKA_ENABLED", c.Sinks.Kafka.Enabled)
	c.Sinks.Kafka.Brokers = envOrDefault("KAFKA_BROKERS", c.Sinks.Kafka.Brokers)
	c.Sinks.NATS.Enabled = envOrDefaultBool("NATS_ENABLED", c.Sinks.NATS.Enabled)
	c.Sinks.NATS.URL = envOrDefault("NATS_URL", c.Sinks.NATS.URL)
	c.Sinks.Archive.Enabled = envOrDefaultBool("ARCHIVE_ENABLED", c.Sinks.Archive.Enabled)
	c.Sinks.Archive.Endpoint = envOrDefault("MINIO_ENDPOINT", c.Sinks.Archive.Endpoint)
	c.Sinks.Archive.AccessKey = envOrDefault("MINIO_ACCESS_KEY", c.Sinks.Archive.AccessKey)
	c.Sinks.Archive.SecretKey = envOrDefault("MINIO_SECRET_KEY", c.Sinks.Archive.SecretKey)
	return nil
}

// Validate checks the mode, the sources and the on-demand source reference.
func (c *Config) Validate() error {
	mode, err := ParseMode(string(c.Mode))
	if err != nil {
		return err
	}
	c.Mode = mode
	set, err := source.NewSet(c.Sources)
	if err != nil {
		return fmt.Errorf("sources: %w", err)
	}
	if c.Mode.Polls() && set.Len() == 0 {
		return fmt.Errorf("mode %s needs at least one source", c.Mode)
	}
	if c.OnDemandSource != "" {
		if _, ok := set.Get(c.OnDemandSource); !ok {
			return fmt.Errorf("on_demand_source %q is not a configured source", c.OnDemandSource)
		}
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller interval must be positive, got %s", c.Poller.Interval)
	}
	return nil
}

// envOrDefault returns environment variable value or default.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
