package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const mirrorTimeout = 50 * time.Millisecond

// Mirror shares circuit state between processes. Implementations are
// best-effort: the breaker logs mirror errors and keeps its local state.
type Mirror interface {
	Store(ctx context.Context, name string, snap Snapshot) error
	Fetch(ctx context.Context, name string) (Snapshot, bool, error)
}

// RedisMirror stores circuit snapshots as JSON under a key prefix.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMirror creates a mirror. Entries expire after ttl so a fleet that
// stops reporting a guard forgets its circuit.
func NewRedisMirror(client *redis.Client, prefix string, ttl time.Duration) *RedisMirror {
	if prefix == "" {
		prefix = "rampart:breaker:"
	}
	return &RedisMirror{client: client, prefix: prefix, ttl: ttl}
}

func (m *RedisMirror) Store(ctx context.Context, name string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("RedisMirror.Store: %w", err)
	}
	if err := m.client.Set(ctx, m.prefix+name, data, m.ttl).Err(); err != nil {
		return fmt.Errorf("RedisMirror.Store: %w", err)
	}
	return nil
}

func (m *RedisMirror) Fetch(ctx context.Context, name string) (Snapshot, bool, error) {
	data, err := m.client.Get(ctx, m.prefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("RedisMirror.Fetch: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("RedisMirror.Fetch: %w", err)
	}
	return snap, true, nil
}
