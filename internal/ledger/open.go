package ledger

import (
	"context"
	"fmt"

	"github.com/marko911/block-reader/internal/platform/storage"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Backend  string         `yaml:"backend"`
	Dir      string         `yaml:"dir"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres storage.Config `yaml:"postgres"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// DefaultConfig uses the file backend in ./block_numbers.
func DefaultConfig() Config {
	return Config{
		Backend:  BackendFile,
		Dir:      "block_numbers",
		Redis:    RedisConfig{Addr: "localhost:6379", Prefix: DefaultRedisPrefix},
		Postgres: storage.DefaultConfig(),
	}
}

// Open creates the configured backend.
func Open(ctx context.Context, cfg Config) (Ledger, error) {
	switch cfg.Backend {
	case BackendMemory:
		return NewMemory(), nil
	case BackendFile, "":
		dir := cfg.Dir
		if dir == "" {
			dir = DefaultConfig().Dir
		}
		return NewFile(dir)
	case BackendRedis:
		return NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
	case BackendPostgres:
		return NewPostgres(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}
