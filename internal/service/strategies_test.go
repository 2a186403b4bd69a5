package service

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/domain-proxy/internal/domain"
)

func newBackends(addrs ...string) []*domain.Backend {
	backends := make([]*domain.Backend, len(addrs))
	for i, a := range addrs {
		backends[i] = domain.NewBackend(netip.MustParseAddrPort(a))
	}
	return backends
}

func TestRoundRobinStrategy(t *testing.T) {
	strategy := NewRoundRobinStrategy()
	backends := newBackends("10.0.0.1:443", "10.0.0.2:443", "10.0.0.3:443")

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, strategy.SelectBackend(backends).String())
	}
	assert.Equal(t, []string{
		"10.0.0.1:443", "10.0.0.2:443", "10.0.0.3:443",
		"10.0.0.1:443", "10.0.0.2:443", "10.0.0.3:443",
	}, got)
	assert.Equal(t, "round_robin", strategy.Name())
}

func TestRoundRobinStrategySkipsUnhealthy(t *testing.T) {
	strategy := NewRoundRobinStrategy()
	backends := newBackends("10.0.0.1:443", "10.0.0.2:443", "10.0.0.3:443")
	backends[1].SetHealthy(false)

	for i := 0; i < 10; i++ {
		selected := strategy.SelectBackend(backends)
		require.NotNil(t, selected)
		assert.True(t, selected.IsHealthy())
	}
}

func TestRoundRobinStrategyNoHealthyBackends(t *testing.T) {
	strategy := NewRoundRobinStrategy()
	backends := newBackends("10.0.0.1:443")
	backends[0].SetHealthy(false)

	assert.Nil(t, strategy.SelectBackend(backends))
	assert.Nil(t, strategy.SelectBackend(nil))
}

func TestRoundRobinStrategyConcurrentFairness(t *testing.T) {
	strategy := NewRoundRobinStrategy()
	backends := newBackends("10.0.0.1:443", "10.0.0.2:443")

	var (
		mu     sync.Mutex
		counts = make(map[string]int)
		wg     sync.WaitGroup
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b := strategy.SelectBackend(backends)
				mu.Lock()
				counts[b.String()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, counts["10.0.0.1:443"])
	assert.Equal(t, 500, counts["10.0.0.2:443"])
}
