package service

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/mir00r/domain-proxy/internal/domain"
	lberrors "github.com/mir00r/domain-proxy/internal/errors"
	"github.com/mir00r/domain-proxy/pkg/logger"
)

const (
	defaultResolveTimeout = 5 * time.Second
	defaultBackendPort    = 443
)

var errSuperseded = errors.New("superseded by a later command for the same domain")

// PoolFactory builds an unstarted pool for a domain
type PoolFactory func(name string, addresses []netip.AddrPort) *BackendPool

// NewPoolFactory returns a factory producing TCP-probed pools with the given health config
func NewPoolFactory(config domain.HealthCheckConfig, prober domain.Prober, metrics *Metrics, log *logger.Logger) PoolFactory {
	return func(name string, addresses []netip.AddrPort) *BackendPool {
		return NewBackendPool(name, addresses, config, prober, metrics, log)
	}
}

// resolvedEvent is posted back to the worker loop when a lookup finishes
type resolvedEvent struct {
	op         domain.ControlOp
	generation uint64
	addresses  []netip.AddrPort
	err        error
	duration   time.Duration
}

type inflightResolution struct {
	generation uint64
	cancel     context.CancelFunc
}

// DNSResolverWorker is the only writer of the pool registry. It consumes control
// commands, resolves domains in the background and installs the resulting pools.
type DNSResolverWorker struct {
	resolver    domain.Resolver
	registry    domain.PoolRegistry
	commands    <-chan domain.ControlOp
	newPool     PoolFactory
	timeout     time.Duration
	backendPort uint16
	metrics     *Metrics
	logger      *logger.Logger
	onRemove    []func(name string)

	resolved chan resolvedEvent
	stopping chan struct{}
	done     chan struct{}

	// owned by the Run goroutine
	sequence    uint64
	generations map[string]uint64
	inflight    map[string]inflightResolution

	resolutions sync.WaitGroup
	pools       sync.WaitGroup
}

// NewDNSResolverWorker creates a worker reading commands from the given channel
func NewDNSResolverWorker(
	resolver domain.Resolver,
	registry domain.PoolRegistry,
	commands <-chan domain.ControlOp,
	config domain.ResolverConfig,
	newPool PoolFactory,
	metrics *Metrics,
	log *logger.Logger,
) *DNSResolverWorker {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}
	port := config.BackendPort
	if port == 0 {
		port = defaultBackendPort
	}

	return &DNSResolverWorker{
		resolver:    resolver,
		registry:    registry,
		commands:    commands,
		newPool:     newPool,
		timeout:     timeout,
		backendPort: port,
		metrics:     metrics,
		logger:      log.ResolverLogger(),
		resolved:    make(chan resolvedEvent),
		stopping:    make(chan struct{}),
		done:        make(chan struct{}),
		generations: make(map[string]uint64),
		inflight:    make(map[string]inflightResolution),
	}
}

// Done is closed when Run has returned
func (w *DNSResolverWorker) Done() <-chan struct{} {
	return w.done
}

// Run processes events until ctx is cancelled or the command channel closes.
// On exit every registered pool is stopped and joined. A closed command channel
// is reported as an error so the caller can shut the process down.
func (w *DNSResolverWorker) Run(ctx context.Context) error {
	defer close(w.done)

	w.logger.Info("DNS resolver worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("DNS resolver worker shutting down")
			w.shutdown()
			return nil

		case ev := <-w.resolved:
			w.handleResolved(ctx, ev)

		case op, ok := <-w.commands:
			if !ok {
				err := lberrors.NewError(
					lberrors.ErrCodeCommandChannelClosed,
					"dns_resolver",
					"Command channel closed unexpectedly",
				)
				w.logger.WithError(err).Error("DNS resolver worker cannot continue")
				w.shutdown()
				return err
			}
			w.handle(ctx, op)
		}
	}
}

// handle dispatches one control command
func (w *DNSResolverWorker) handle(ctx context.Context, op domain.ControlOp) {
	w.logger.WithField("domain", op.Domain).Infof("Received command: %s", op)
	w.metrics.ObserveControlOp(op.Kind.String())

	switch op.Kind {
	case domain.OpAdd:
		w.startResolution(ctx, op)
	case domain.OpRemove:
		w.remove(op)
	case domain.OpInstall:
		w.nextGeneration(op.Domain)
		w.install(ctx, op, op.Addresses)
	default:
		w.logger.WithField("op", int(op.Kind)).Warn("Ignoring unknown command")
		op.Reply(lberrors.NewError(lberrors.ErrCodeInvalidRequest, "dns_resolver", "Unknown command"))
	}
}

// nextGeneration stamps a new command for a domain and cancels any lookup it supersedes
func (w *DNSResolverWorker) nextGeneration(name string) uint64 {
	if prev, ok := w.inflight[name]; ok {
		prev.cancel()
		delete(w.inflight, name)
	}
	w.sequence++
	w.generations[name] = w.sequence
	return w.sequence
}

// startResolution resolves the domain off the loop and posts the answer back
func (w *DNSResolverWorker) startResolution(ctx context.Context, op domain.ControlOp) {
	generation := w.nextGeneration(op.Domain)
	resolveCtx, cancel := context.WithTimeout(ctx, w.timeout)
	w.inflight[op.Domain] = inflightResolution{generation: generation, cancel: cancel}

	w.resolutions.Add(1)
	go func() {
		defer w.resolutions.Done()
		defer cancel()

		start := time.Now()
		ips, err := w.resolver.Resolve(resolveCtx, op.Domain)
		ev := resolvedEvent{
			op:         op,
			generation: generation,
			err:        err,
			duration:   time.Since(start),
		}
		for _, ip := range ips {
			ev.addresses = append(ev.addresses, netip.AddrPortFrom(ip, w.backendPort))
		}

		select {
		case w.resolved <- ev:
		case <-w.stopping:
			op.Reply(lberrors.ErrWorkerStopped)
		}
	}()
}

// handleResolved installs a finished lookup unless a newer command overtook it
func (w *DNSResolverWorker) handleResolved(ctx context.Context, ev resolvedEvent) {
	name := ev.op.Domain
	log := w.logger.WithField("domain", name)

	if cur, ok := w.inflight[name]; ok && cur.generation == ev.generation {
		delete(w.inflight, name)
	}

	if w.generations[name] != ev.generation {
		log.WithField("generation", ev.generation).Info("Discarding stale resolution")
		w.metrics.ObserveResolution("stale", ev.duration.Seconds())
		ev.op.Reply(lberrors.NewResolutionError(name, errSuperseded))
		return
	}

	if ev.err == nil && len(ev.addresses) == 0 {
		ev.err = errors.New("no addresses returned")
	}
	if ev.err != nil {
		err := lberrors.NewResolutionError(name, ev.err)
		log.WithError(err).Warn("Domain resolution failed, domain left unchanged")
		w.metrics.ObserveResolution("failure", ev.duration.Seconds())
		ev.op.Reply(err)
		return
	}

	w.metrics.ObserveResolution("success", ev.duration.Seconds())
	w.install(ctx, ev.op, ev.addresses)
}

// install starts a pool and swaps it into the registry, stopping any previous one
func (w *DNSResolverWorker) install(ctx context.Context, op domain.ControlOp, addresses []netip.AddrPort) {
	log := w.logger.WithField("domain", op.Domain)

	pool := w.newPool(op.Domain, addresses)
	if err := pool.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start backend pool")
		op.Reply(lberrors.WrapError(err, lberrors.ErrCodeInternalError, "dns_resolver", "Failed to start backend pool"))
		return
	}

	w.pools.Add(1)
	go func() {
		defer w.pools.Done()
		<-pool.Done()
	}()

	if previous, replaced := w.registry.Insert(op.Domain, pool); replaced {
		previous.Stop()
		w.forgetDropped(op.Domain, previous.Snapshot(), addresses)
		log.Info("Replaced existing backend pool")
	}
	w.metrics.SetDomains(w.registry.Count())

	log.WithField("backends", pool.Snapshot()).Info("Domain registered")
	op.Reply(nil)
}

// forgetDropped removes the metric series of backends the new pool no longer has
func (w *DNSResolverWorker) forgetDropped(name string, previous, current []netip.AddrPort) {
	kept := make(map[netip.AddrPort]bool, len(current))
	for _, addr := range current {
		kept[addr] = true
	}
	for _, addr := range previous {
		if !kept[addr] {
			w.metrics.ForgetBackend(name, addr.String())
		}
	}
}

// OnRemove registers fn to run on the worker goroutine after a domain's pool
// is removed. It must be called before Run.
func (w *DNSResolverWorker) OnRemove(fn func(name string)) {
	w.onRemove = append(w.onRemove, fn)
}

// remove evicts the domain; removing an unknown domain is a no-op
func (w *DNSResolverWorker) remove(op domain.ControlOp) {
	if prev, ok := w.inflight[op.Domain]; ok {
		prev.cancel()
		delete(w.inflight, op.Domain)
	}
	delete(w.generations, op.Domain)

	log := w.logger.WithField("domain", op.Domain)
	if pool, ok := w.registry.Remove(op.Domain); ok {
		pool.Stop()
		w.metrics.ForgetDomain(op.Domain)
		for _, fn := range w.onRemove {
			fn(op.Domain)
		}
		log.Info("Domain removed")
	} else {
		log.Debug("Remove for unregistered domain ignored")
	}
	w.metrics.SetDomains(w.registry.Count())
	op.Reply(nil)
}

// shutdown cancels pending lookups, stops every pool and waits for all children
func (w *DNSResolverWorker) shutdown() {
	close(w.stopping)
	for name, inflight := range w.inflight {
		inflight.cancel()
		delete(w.inflight, name)
	}
	w.resolutions.Wait()

	pools := w.registry.Drain()
	for name, pool := range pools {
		pool.Stop()
		w.metrics.ForgetDomain(name)
	}
	w.metrics.SetDomains(0)

	w.pools.Wait()
	w.logger.WithField("pools", len(pools)).Info("DNS resolver worker stopped")
}
