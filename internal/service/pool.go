package service

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/domain-proxy/internal/domain"
	"github.com/mir00r/domain-proxy/pkg/logger"
)

const (
	defaultProbeInterval = time.Second
	defaultProbeTimeout  = time.Second
)

// BackendPool supervises the backends of one domain. It implements domain.BackendPool.
type BackendPool struct {
	domain   string
	backends []*domain.Backend
	config   domain.HealthCheckConfig
	prober   domain.Prober
	strategy *RoundRobinStrategy
	metrics  *Metrics
	logger   *logger.Logger

	// metricsMu orders probe metrics against Stop; nothing is exported after Stop
	metricsMu sync.Mutex
	stopped   bool

	state    atomic.Int32
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewBackendPool creates a pool in the starting state with every backend assumed healthy
func NewBackendPool(
	name string,
	addresses []netip.AddrPort,
	config domain.HealthCheckConfig,
	prober domain.Prober,
	metrics *Metrics,
	log *logger.Logger,
) *BackendPool {
	if config.Interval <= 0 {
		config.Interval = defaultProbeInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultProbeTimeout
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = 1
	}
	if config.HealthyThreshold <= 0 {
		config.HealthyThreshold = 1
	}

	backends := make([]*domain.Backend, 0, len(addresses))
	seen := make(map[netip.AddrPort]bool, len(addresses))
	for _, addr := range addresses {
		if seen[addr] {
			continue
		}
		seen[addr] = true
		backends = append(backends, domain.NewBackend(addr))
	}

	p := &BackendPool{
		domain:   name,
		backends: backends,
		config:   config,
		prober:   prober,
		strategy: NewRoundRobinStrategy(),
		metrics:  metrics,
		logger:   log.PoolLogger(name),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.state.Store(int32(domain.PoolStarting))
	return p
}

// Domain returns the domain this pool serves
func (p *BackendPool) Domain() string {
	return p.domain
}

// Start moves the pool to running and launches one probe loop per backend.
// The loops exit when ctx is cancelled or Stop is called; Done is closed afterwards.
func (p *BackendPool) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(domain.PoolStarting), int32(domain.PoolRunning)) {
		return fmt.Errorf("pool for %s cannot start from state %s", p.domain, p.State())
	}

	p.logger.WithFields(map[string]interface{}{
		"backends": len(p.backends),
		"interval": p.config.Interval.String(),
	}).Info("Starting health check")

	for _, backend := range p.backends {
		p.wg.Add(1)
		go p.healthCheckLoop(ctx, backend)
	}

	go p.supervise(ctx)
	return nil
}

// supervise waits for a stop signal, then joins the probe loops
func (p *BackendPool) supervise(ctx context.Context) {
	select {
	case <-ctx.Done():
		p.logger.Debug("Health check shutting down")
	case <-p.stopChan:
		p.logger.Debug("Health check received stop signal")
	}

	p.state.Store(int32(domain.PoolStopping))
	p.wg.Wait()
	p.state.Store(int32(domain.PoolStopped))
	close(p.done)

	p.logger.Info("Health check stopped")
}

// Stop signals the probe loops to exit at their next iteration. In-flight
// probes finish on their own timeout but no longer update metrics. Stop is idempotent.
func (p *BackendPool) Stop() {
	p.stopOnce.Do(func() {
		p.metricsMu.Lock()
		p.stopped = true
		p.metricsMu.Unlock()

		close(p.stopChan)
		if p.state.CompareAndSwap(int32(domain.PoolStarting), int32(domain.PoolStopped)) {
			close(p.done)
		}
	})
}

// Done is closed once every probe loop has returned
func (p *BackendPool) Done() <-chan struct{} {
	return p.done
}

// State returns the lifecycle state of the pool
func (p *BackendPool) State() domain.PoolState {
	return domain.PoolState(p.state.Load())
}

// Select returns the next healthy backend in rotation
func (p *BackendPool) Select() (netip.AddrPort, error) {
	backend := p.strategy.SelectBackend(p.backends)
	if backend == nil {
		return netip.AddrPort{}, domain.ErrPoolUnavailable
	}
	return backend.Address, nil
}

// Snapshot returns all configured backends in their configured order
func (p *BackendPool) Snapshot() []netip.AddrPort {
	addrs := make([]netip.AddrPort, len(p.backends))
	for i, b := range p.backends {
		addrs[i] = b.Address
	}
	return addrs
}

// HealthyCount returns the number of backends currently marked healthy
func (p *BackendPool) HealthyCount() int {
	count := 0
	for _, b := range p.backends {
		if b.IsHealthy() {
			count++
		}
	}
	return count
}

// healthCheckLoop probes a single backend until the pool stops
func (p *BackendPool) healthCheckLoop(ctx context.Context, backend *domain.Backend) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.check(ctx, backend)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.check(ctx, backend)
		}
	}
}

// check runs one probe. It is detached from cancellation so a stop never
// aborts a probe halfway; the probe timeout bounds it instead.
func (p *BackendPool) check(ctx context.Context, backend *domain.Backend) {
	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.Timeout)
	defer cancel()

	start := time.Now()
	err := p.prober.Probe(checkCtx, backend.Address)
	p.observe(backend, err, time.Since(start))
}

// observe applies a probe result to a backend's liveness
func (p *BackendPool) observe(backend *domain.Backend, err error, duration time.Duration) {
	log := p.logger.BackendLogger(p.domain, backend.String()).
		WithField("duration_ms", duration.Milliseconds())

	if err != nil {
		failures := backend.RecordFailure()
		if failures >= int64(p.config.UnhealthyThreshold) && backend.SetHealthy(false) {
			log.WithError(err).WithField("failure_count", failures).
				Warn("Backend marked as unhealthy")
		} else {
			log.WithError(err).WithField("failure_count", failures).Debug("Health check failed")
		}
	} else {
		successes := backend.RecordSuccess()
		if successes >= int64(p.config.HealthyThreshold) && backend.SetHealthy(true) {
			log.Info("Backend recovered and marked as healthy")
		} else {
			log.Debug("Health check passed")
		}
	}

	p.metricsMu.Lock()
	defer p.metricsMu.Unlock()
	if !p.stopped {
		p.metrics.ObserveProbe(p.domain, backend.String(), err == nil, backend.IsHealthy())
	}
}
