package repository

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"

	"github.com/mir00r/domain-proxy/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPool struct {
	addrs   []netip.AddrPort
	stopped bool
	done    chan struct{}
}

func newStubPool(addrs ...string) *stubPool {
	p := &stubPool{done: make(chan struct{})}
	for _, a := range addrs {
		p.addrs = append(p.addrs, netip.MustParseAddrPort(a))
	}
	return p
}

func (p *stubPool) Select() (netip.AddrPort, error) {
	if len(p.addrs) == 0 {
		return netip.AddrPort{}, domain.ErrPoolUnavailable
	}
	return p.addrs[0], nil
}
func (p *stubPool) Snapshot() []netip.AddrPort { return append([]netip.AddrPort(nil), p.addrs...) }
func (p *stubPool) HealthyCount() int          { return len(p.addrs) }
func (p *stubPool) State() domain.PoolState    { return domain.PoolRunning }
func (p *stubPool) Stop()                      { p.stopped = true }
func (p *stubPool) Done() <-chan struct{}      { return p.done }

func TestInsertReturnsReplacedPool(t *testing.T) {
	repo := NewInMemoryPoolRepository()
	first := newStubPool("10.0.0.1:443")
	second := newStubPool("10.0.0.2:443")

	prev, replaced := repo.Insert("example.com", first)
	assert.Nil(t, prev)
	assert.False(t, replaced)

	prev, replaced = repo.Insert("example.com", second)
	require.True(t, replaced)
	assert.Same(t, first, prev)

	got, ok := repo.Get("example.com")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, repo.Count())
}

func TestRemoveMissingIsNoop(t *testing.T) {
	repo := NewInMemoryPoolRepository()

	pool, ok := repo.Remove("missing.com")
	assert.False(t, ok)
	assert.Nil(t, pool)
}

func TestListUsesSnapshots(t *testing.T) {
	repo := NewInMemoryPoolRepository()
	repo.Insert("a.com", newStubPool("10.0.0.1:443", "10.0.0.2:443"))
	repo.Insert("b.com", newStubPool("10.0.1.1:443"))

	listing := repo.List()
	assert.Len(t, listing, 2)
	assert.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:443"),
		netip.MustParseAddrPort("10.0.0.2:443"),
	}, listing["a.com"])
}

func TestDrainEmptiesRegistry(t *testing.T) {
	repo := NewInMemoryPoolRepository()
	repo.Insert("a.com", newStubPool("10.0.0.1:443"))
	repo.Insert("b.com", newStubPool("10.0.0.2:443"))

	drained := repo.Drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, repo.Count())

	_, ok := repo.Get("a.com")
	assert.False(t, ok)
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	repo := NewInMemoryPoolRepository()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if pool, ok := repo.Get("d0.com"); ok {
					_, _ = pool.Select()
				}
				_ = repo.List()
			}
		}()
	}

	for i := 0; i < 200; i++ {
		name := fmt.Sprintf("d%d.com", i%4)
		repo.Insert(name, newStubPool("10.0.0.1:443"))
		if i%3 == 0 {
			repo.Remove(name)
		}
	}
	wg.Wait()
}
