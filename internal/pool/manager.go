package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Managed is anything the manager can sweep and report on. Every *Pool[V]
// and the PatternCache satisfy it.
type Managed interface {
	Cleanup() int
	Stats() Stats
}

// Manager owns the named pools of a process. Pools are registered once at
// startup; looking up a name that was never registered is a configuration
// error surfaced to the caller.
type Manager struct {
	mu     sync.RWMutex
	pools  map[string]Managed
	logger *zap.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		pools:  make(map[string]Managed),
		logger: logger,
	}
}

// Register creates a pool of V under name and returns it.
func Register[V any](m *Manager, name string, opts Options) (*Pool[V], error) {
	p, err := New[V](opts)
	if err != nil {
		return nil, fmt.Errorf("Register %q: %w", name, err)
	}
	if err := m.Attach(name, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Attach puts an existing typed pool under the manager's janitor and stats.
func (m *Manager) Attach(name string, p Managed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[name]; ok {
		return fmt.Errorf("Attach %q: %w", name, ErrDuplicatePool)
	}
	m.pools[name] = p
	return nil
}

// Lookup returns the pool of V registered under name. A missing name or a
// pool of another value type is ErrUnknownPool.
func Lookup[V any](m *Manager, name string) (*Pool[V], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name].(*Pool[V])
	if !ok {
		return nil, fmt.Errorf("Lookup %q: %w", name, ErrUnknownPool)
	}
	return p, nil
}

// Names returns the registered pool names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.pools))
	for n := range m.pools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CleanupAll runs Cleanup on every pool and returns the total removed.
func (m *Manager) CleanupAll() int {
	m.mu.RLock()
	pools := make([]Managed, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	total := 0
	for _, p := range pools {
		total += p.Cleanup()
	}
	return total
}

// Stats returns per-pool counters keyed by pool name.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.pools))
	for name, p := range m.pools {
		out[name] = p.Stats()
	}
	return out
}

// Run calls CleanupAll every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.CleanupAll(); n > 0 {
				m.logger.Debug("pool cleanup", zap.Int("removed", n))
			}
		}
	}
}
