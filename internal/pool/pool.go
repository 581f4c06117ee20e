package pool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	ErrUnknownPool   = errors.New("unknown pool")
	ErrDuplicatePool = errors.New("pool already registered")
	ErrInvalidSize   = errors.New("pool max size must be positive")
)

// Options controls a pool's capacity and expiry.
type Options struct {
	MaxSize     int           // LRU capacity; required
	TTL         time.Duration // max age since creation; 0 = never
	IdleTimeout time.Duration // max time since last use; 0 = never
}

// Entry is a pooled value with its bookkeeping timestamps.
type Entry[V any] struct {
	Key       string
	Value     V
	CreatedAt time.Time
	LastUsed  time.Time
}

// Stats is a point-in-time view of pool counters.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Size        int   `json:"size"`
}

type removeReason int

const (
	reasonCapacity removeReason = iota
	reasonExpired
	reasonExplicit
)

// Pool is an LRU-bounded cache of reusable values keyed by string. Checkout
// and return happen under a single pool-wide lock, and overflow evicts the
// least-recently-used entry synchronously.
type Pool[V any] struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *Entry[V]]
	opts    Options
	now     func() time.Time

	removing removeReason
	stats    Stats
}

// New creates a pool with the given options.
func New[V any](opts Options) (*Pool[V], error) {
	if opts.MaxSize <= 0 {
		return nil, ErrInvalidSize
	}
	p := &Pool[V]{opts: opts, now: time.Now}
	cache, err := lru.NewWithEvict[string, *Entry[V]](opts.MaxSize, p.onEvict)
	if err != nil {
		return nil, fmt.Errorf("pool.New: %w", err)
	}
	p.entries = cache
	return p, nil
}

// onEvict runs with p.mu held by the goroutine that triggered the removal.
func (p *Pool[V]) onEvict(_ string, _ *Entry[V]) {
	switch p.removing {
	case reasonCapacity:
		p.stats.Evictions++
	case reasonExpired:
		p.stats.Expirations++
	}
}

// Get returns the pooled value for key, building it with factory on a miss
// or when the cached entry has expired. Factory errors are returned as-is and
// nothing is cached.
func (p *Pool[V]) Get(key string, factory func() (V, error)) (V, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if e, ok := p.entries.Get(key); ok {
		if !p.expired(e, now) {
			e.LastUsed = now
			p.stats.Hits++
			return e.Value, nil
		}
		p.removeLocked(key, reasonExpired)
	}

	p.stats.Misses++
	v, err := factory()
	if err != nil {
		var zero V
		return zero, err
	}
	p.addLocked(key, v, now)
	return v, nil
}

// Peek returns the value for key without building it or updating recency.
func (p *Pool[V]) Peek(key string) (V, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries.Peek(key)
	if !ok || p.expired(e, p.now()) {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Put stores (or replaces) a value, e.g. when a checked-out buffer is returned.
func (p *Pool[V]) Put(key string, v V) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addLocked(key, v, p.now())
}

// Remove drops key from the pool.
func (p *Pool[V]) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(key, reasonExplicit)
}

// Len returns the number of entries, including ones not yet cleaned up.
func (p *Pool[V]) Len() int {
	return p.entries.Len()
}

// Cleanup evicts every expired or idle entry and returns how many were removed.
func (p *Pool[V]) Cleanup() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opts.TTL <= 0 && p.opts.IdleTimeout <= 0 {
		return 0
	}
	now := p.now()
	removed := 0
	for _, key := range p.entries.Keys() {
		e, ok := p.entries.Peek(key)
		if ok && p.expired(e, now) {
			p.removeLocked(key, reasonExpired)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[V]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Size = p.entries.Len()
	return s
}

func (p *Pool[V]) addLocked(key string, v V, now time.Time) {
	p.removing = reasonCapacity
	p.entries.Add(key, &Entry[V]{
		Key:       key,
		Value:     v,
		CreatedAt: now,
		LastUsed:  now,
	})
}

func (p *Pool[V]) removeLocked(key string, reason removeReason) {
	p.removing = reason
	p.entries.Remove(key)
	p.removing = reasonCapacity
}

func (p *Pool[V]) expired(e *Entry[V], now time.Time) bool {
	if p.opts.TTL > 0 && now.Sub(e.CreatedAt) >= p.opts.TTL {
		return true
	}
	if p.opts.IdleTimeout > 0 && now.Sub(e.LastUsed) >= p.opts.IdleTimeout {
		return true
	}
	return false
}
