package incremental

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "rampart:checkpoint:"

// RedisStore shares checkpoints between processes; expiry is delegated to
// Redis key TTLs.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps client. An empty prefix selects "rampart:checkpoint:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint, ttl time.Duration) error {
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+cp.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	return decodeCheckpoint(id, data)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.prefix+id).Err(); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}
