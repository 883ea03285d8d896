package ledgerstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists the same per-event line format as FileStore, but as
// elements of a Redis list rather than lines of a file — for deployments
// that already run Redis for other ledgers and would rather not manage a
// local file per process. Grounded on
// KhryptorGraphics-OllamaMax/pkg/database/manager.go's *redis.Client usage.
type RedisStore struct {
	client *redis.Client
	key    string
	r      int
}

// NewRedisStore builds a store that persists under the given list key.
func NewRedisStore(client *redis.Client, key string, r int) *RedisStore {
	return &RedisStore{client: client, key: key, r: r}
}

// Load replays every record currently stored under the list key, oldest
// first (the order RPUSH built it in).
func (s *RedisStore) Load() ([]Record, error) {
	ctx := context.Background()
	lines, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: LRANGE %s: %w", s.key, err)
	}
	records := make([]Record, 0, len(lines))
	for i, line := range lines {
		rec, err := decodeLine(i+1, line, s.r)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Append RPUSHes one new per-event usage line onto the list.
func (s *RedisStore) Append(t float64, usage []int64) error {
	ctx := context.Background()
	if err := s.client.RPush(ctx, s.key, encodeLine(t, usage)).Err(); err != nil {
		return fmt.Errorf("ledgerstore: RPUSH %s: %w", s.key, err)
	}
	return nil
}

// Close is a no-op: the *redis.Client is owned by the caller (it is likely
// shared with other subsystems) and outlives this store.
func (s *RedisStore) Close() error { return nil }
