package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces ledger keys.
const DefaultRedisPrefix = "block-reader:ledger:"

// advanceScript sets KEYS[1] to ARGV[1] unless the stored value is larger, and
// returns the stored value afterwards. Values are canonical decimal strings,
// compared by length and then lexically so uint64 heights stay exact.
var advanceScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local want = ARGV[1]
if cur and (#cur > #want or (#cur == #want and cur > want)) then
  return cur
end
redis.call('SET', KEYS[1], want)
return want
`)

// Redis keeps one string key per source.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisWithClient(client, prefix), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, sourceID string) (uint64, bool, error) {
	s, err := r.client.Get(ctx, r.prefix+sourceID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get %s: %w", sourceID, err)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse ledger %s: %w", sourceID, err)
	}
	return n, true, nil
}

func (r *Redis) Set(ctx context.Context, sourceID string, block uint64) error {
	want := strconv.FormatUint(block, 10)
	s, err := advanceScript.Run(ctx, r.client, []string{r.prefix + sourceID}, want).Text()
	if err != nil {
		return fmt.Errorf("redis set %s: %w", sourceID, err)
	}
	if s != want {
		stored, _ := strconv.ParseUint(s, 10, 64)
		return regression(sourceID, stored, block)
	}
	return nil
}

func (r *Redis) Snapshot(ctx context.Context) (map[string]uint64, error) {
	out := make(map[string]uint64)
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := strings.TrimPrefix(key, r.prefix)
		n, ok, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = n
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
