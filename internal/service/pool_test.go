package service

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/domain-proxy/internal/domain"
	"github.com/mir00r/domain-proxy/pkg/logger"
)

func newTestPool(prober domain.Prober, config domain.HealthCheckConfig, addrs ...string) *BackendPool {
	return NewBackendPool("example.com", mustAddrPorts(addrs...), config, prober, nil, logger.NewNop())
}

func TestPoolRoundRobinVisitsEachBackendOnce(t *testing.T) {
	pool := newTestPool(newFakeProber(), domain.HealthCheckConfig{},
		"10.0.0.1:443", "10.0.0.2:443", "10.0.0.3:443")

	seen := make(map[netip.AddrPort]int)
	for i := 0; i < 3; i++ {
		addr, err := pool.Select()
		require.NoError(t, err)
		seen[addr]++
	}
	assert.Len(t, seen, 3)
	for addr, n := range seen {
		assert.Equal(t, 1, n, addr.String())
	}
}

func TestPoolRoundRobinFollowsConfiguredOrder(t *testing.T) {
	pool := newTestPool(newFakeProber(), domain.HealthCheckConfig{}, "10.0.0.1:443", "10.0.0.2:443")

	var picks []netip.AddrPort
	for i := 0; i < 4; i++ {
		addr, err := pool.Select()
		require.NoError(t, err)
		picks = append(picks, addr)
	}
	assert.Equal(t, mustAddrPorts("10.0.0.1:443", "10.0.0.2:443", "10.0.0.1:443", "10.0.0.2:443"), picks)
}

func TestPoolDeduplicatesAddresses(t *testing.T) {
	pool := newTestPool(newFakeProber(), domain.HealthCheckConfig{}, "10.0.0.1:443", "10.0.0.1:443", "10.0.0.2:443")

	assert.Equal(t, mustAddrPorts("10.0.0.1:443", "10.0.0.2:443"), pool.Snapshot())
	assert.Equal(t, 2, pool.HealthyCount())
}

func TestPoolSkipsUnhealthyBackends(t *testing.T) {
	pool := newTestPool(newFakeProber(), domain.HealthCheckConfig{}, "10.0.0.1:443", "10.0.0.2:443")
	pool.observe(pool.backends[0], errProbeRefused, time.Millisecond)

	assert.Equal(t, 1, pool.HealthyCount())
	for i := 0; i < 5; i++ {
		addr, err := pool.Select()
		require.NoError(t, err)
		assert.Equal(t, netip.MustParseAddrPort("10.0.0.2:443"), addr)
	}
	assert.Len(t, pool.Snapshot(), 2, "unhealthy backends stay configured")
}

func TestPoolUnavailableWhenNoBackendHealthy(t *testing.T) {
	pool := newTestPool(newFakeProber(), domain.HealthCheckConfig{}, "10.0.0.1:443")
	pool.observe(pool.backends[0], errProbeRefused, time.Millisecond)

	_, err := pool.Select()
	assert.ErrorIs(t, err, domain.ErrPoolUnavailable)

	empty := newTestPool(newFakeProber(), domain.HealthCheckConfig{})
	_, err = empty.Select()
	assert.ErrorIs(t, err, domain.ErrPoolUnavailable)
}

func TestPoolThresholds(t *testing.T) {
	pool := newTestPool(newFakeProber(), domain.HealthCheckConfig{
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
	}, "10.0.0.1:443")
	backend := pool.backends[0]

	pool.observe(backend, errProbeRefused, 0)
	pool.observe(backend, errProbeRefused, 0)
	assert.True(t, backend.IsHealthy(), "two failures are below the threshold")

	pool.observe(backend, errProbeRefused, 0)
	assert.False(t, backend.IsHealthy())

	pool.observe(backend, nil, 0)
	assert.False(t, backend.IsHealthy(), "one success is below the recovery threshold")

	pool.observe(backend, nil, 0)
	assert.True(t, backend.IsHealthy())
}

func TestPoolSuccessResetsFailureStreak(t *testing.T) {
	pool := newTestPool(newFakeProber(), domain.HealthCheckConfig{UnhealthyThreshold: 2}, "10.0.0.1:443")
	backend := pool.backends[0]

	pool.observe(backend, errProbeRefused, 0)
	pool.observe(backend, nil, 0)
	pool.observe(backend, errProbeRefused, 0)

	assert.True(t, backend.IsHealthy())
	assert.Equal(t, int64(1), backend.GetFailureCount())
}

func TestPoolProbeFailureRemovesBackendFromRotation(t *testing.T) {
	prober := newFakeProber()
	prober.setFailing("10.0.0.1:443", true)

	pool := newTestPool(prober, domain.HealthCheckConfig{
		Interval:           10 * time.Millisecond,
		Timeout:            time.Second,
		UnhealthyThreshold: 3,
	}, "10.0.0.1:443", "10.0.0.2:443")
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return pool.HealthyCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, pool.backends[0].GetFailureCount(), int64(3))

	for i := 0; i < 10; i++ {
		addr, err := pool.Select()
		require.NoError(t, err)
		assert.Equal(t, netip.MustParseAddrPort("10.0.0.2:443"), addr)
	}

	prober.setFailing("10.0.0.1:443", false)
	require.Eventually(t, func() bool {
		return pool.HealthyCount() == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPoolLifecycle(t *testing.T) {
	pool := newTestPool(newFakeProber(), domain.HealthCheckConfig{Interval: 10 * time.Millisecond}, "10.0.0.1:443")
	assert.Equal(t, domain.PoolStarting, pool.State())

	require.NoError(t, pool.Start(context.Background()))
	assert.Equal(t, domain.PoolRunning, pool.State())
	assert.Error(t, pool.Start(context.Background()), "a pool starts once")

	pool.Stop()
	pool.Stop()

	select {
	case <-pool.Done():
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}
	assert.Equal(t, domain.PoolStopped, pool.State())
}

func TestPoolStopBeforeStart(t *testing.T) {
	pool := newTestPool(newFakeProber(), domain.HealthCheckConfig{}, "10.0.0.1:443")
	pool.Stop()

	select {
	case <-pool.Done():
	default:
		t.Fatal("unstarted pool should be done after Stop")
	}
	assert.Equal(t, domain.PoolStopped, pool.State())
	assert.Error(t, pool.Start(context.Background()))
}

func TestPoolStopsWhenContextCancelled(t *testing.T) {
	prober := newFakeProber()
	pool := newTestPool(prober, domain.HealthCheckConfig{Interval: 10 * time.Millisecond}, "10.0.0.1:443")

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))
	cancel()

	select {
	case <-pool.Done():
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after cancellation")
	}

	probes := prober.probes.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, probes, prober.probes.Load(), "no probes after stop")
}

func TestPoolStopLetsInFlightProbeFinish(t *testing.T) {
	prober := newBlockingProber()
	pool := newTestPool(prober, domain.HealthCheckConfig{
		Interval: time.Hour,
		Timeout:  5 * time.Second,
	}, "10.0.0.1:443")
	require.NoError(t, pool.Start(context.Background()))

	<-prober.entered
	pool.Stop()

	select {
	case <-pool.Done():
		t.Fatal("pool stopped while a probe was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, domain.PoolStopping, pool.State())

	close(prober.release)
	assert.NoError(t, <-prober.finished, "probe was not cancelled by Stop")

	select {
	case <-pool.Done():
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after the probe finished")
	}
}

func TestPoolProbeFinishingAfterStopSkipsMetrics(t *testing.T) {
	metrics := NewMetrics()
	prober := newBlockingProber()
	pool := NewBackendPool("example.com", mustAddrPorts("10.0.0.1:443"), domain.HealthCheckConfig{
		Interval: time.Hour,
		Timeout:  5 * time.Second,
	}, prober, metrics, logger.NewNop())
	require.NoError(t, pool.Start(context.Background()))

	<-prober.entered
	pool.Stop()
	close(prober.release)

	select {
	case <-pool.Done():
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after the probe finished")
	}
	assert.Zero(t, testutil.CollectAndCount(metrics.BackendHealthy))
	assert.Zero(t, testutil.CollectAndCount(metrics.ProbesTotal))
}
