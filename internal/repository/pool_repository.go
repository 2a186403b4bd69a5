package repository

import (
	"net/netip"
	"sync"

	"github.com/mir00r/domain-proxy/internal/domain"
)

// InMemoryPoolRepository implements domain.PoolRegistry using an RWMutex-guarded map.
// Only the resolution worker writes; the lock is held for the map operation alone.
type InMemoryPoolRepository struct {
	mu    sync.RWMutex
	pools map[string]domain.BackendPool
}

// NewInMemoryPoolRepository creates an empty registry
func NewInMemoryPoolRepository() *InMemoryPoolRepository {
	return &InMemoryPoolRepository{
		pools: make(map[string]domain.BackendPool),
	}
}

// Get returns the pool registered for a domain
func (r *InMemoryPoolRepository) Get(name string) (domain.BackendPool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pool, exists := r.pools[name]
	return pool, exists
}

// Insert registers a pool, returning the one it replaced so the caller can stop it
func (r *InMemoryPoolRepository) Insert(name string, pool domain.BackendPool) (domain.BackendPool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, replaced := r.pools[name]
	r.pools[name] = pool
	return previous, replaced
}

// Remove evicts a domain and hands back its pool to be stopped outside the lock
func (r *InMemoryPoolRepository) Remove(name string) (domain.BackendPool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pool, exists := r.pools[name]
	if exists {
		delete(r.pools, name)
	}
	return pool, exists
}

// Drain removes every entry and returns them
func (r *InMemoryPoolRepository) Drain() map[string]domain.BackendPool {
	r.mu.Lock()
	defer r.mu.Unlock()

	drained := r.pools
	r.pools = make(map[string]domain.BackendPool)
	return drained
}

// Entries returns a copy of the current domain to pool mapping
func (r *InMemoryPoolRepository) Entries() map[string]domain.BackendPool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make(map[string]domain.BackendPool, len(r.pools))
	for name, pool := range r.pools {
		entries[name] = pool
	}
	return entries
}

// List returns every domain with its configured backends, healthy or not
func (r *InMemoryPoolRepository) List() map[string][]netip.AddrPort {
	entries := r.Entries()

	listing := make(map[string][]netip.AddrPort, len(entries))
	for name, pool := range entries {
		listing[name] = pool.Snapshot()
	}
	return listing
}

// Count returns the number of registered domains
func (r *InMemoryPoolRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}
