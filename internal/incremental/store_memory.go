package incremental

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore keeps checkpoints in process memory. Values are stored
// encoded so callers never share state with the store.
type MemoryStore struct {
	entries sync.Map // id -> memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint, ttl time.Duration) error {
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	s.entries.Store(cp.ID, memoryEntry{data: data, expiresAt: s.now().Add(ttl)})
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (*Checkpoint, error) {
	v, ok := s.entries.Load(id)
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	e := v.(memoryEntry)
	if !s.now().Before(e.expiresAt) {
		s.entries.CompareAndDelete(id, v)
		return nil, ErrCheckpointNotFound
	}
	return decodeCheckpoint(id, e.data)
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.entries.Delete(id)
	return nil
}

// Sweep drops expired checkpoints and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	removed := 0
	s.entries.Range(func(k, v any) bool {
		if !now.Before(v.(memoryEntry).expiresAt) && s.entries.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	return removed
}
