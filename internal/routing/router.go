// Package routing maps the Host header of an incoming request to an upstream
// backend using the pool registry.
package routing

import (
	"errors"
	"strings"

	"github.com/mir00r/domain-proxy/internal/domain"
	lberrors "github.com/mir00r/domain-proxy/internal/errors"
	"github.com/mir00r/domain-proxy/pkg/logger"
)

// Route outcomes reported to the observer
const (
	OutcomeRouted           = "routed"
	OutcomeHostMissing      = "host_missing"
	OutcomeDomainNotFound   = "domain_not_found"
	OutcomeNoHealthyBackend = "no_healthy_backend"
)

// RouteObserver records routing outcomes
type RouteObserver interface {
	ObserveRoute(outcome string)
}

// HostRouter is a read-only view over the registry. It implements domain.Router.
type HostRouter struct {
	registry domain.PoolRegistry
	observer RouteObserver
	logger   *logger.Logger
}

// NewHostRouter creates a router; observer may be nil
func NewHostRouter(registry domain.PoolRegistry, observer RouteObserver, log *logger.Logger) *HostRouter {
	return &HostRouter{
		registry: registry,
		observer: observer,
		logger:   log.RouterLogger(),
	}
}

// Route picks an upstream for host. The decision always uses TLS with the
// canonical domain as SNI.
func (r *HostRouter) Route(host string) (domain.UpstreamDecision, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		r.observe(OutcomeHostMissing)
		return domain.UpstreamDecision{}, lberrors.NewHostHeaderMissingError()
	}

	name, err := domain.CanonicalDomain(host)
	if err != nil {
		r.logger.WithError(err).WithField("host", host).Debug("Host header is not a valid domain")
		r.observe(OutcomeDomainNotFound)
		return domain.UpstreamDecision{}, lberrors.NewDomainNotFoundError(host)
	}

	pool, ok := r.registry.Get(name)
	if !ok {
		r.observe(OutcomeDomainNotFound)
		return domain.UpstreamDecision{}, lberrors.NewDomainNotFoundError(name)
	}

	addr, err := pool.Select()
	if err != nil {
		if !errors.Is(err, domain.ErrPoolUnavailable) {
			r.logger.WithError(err).WithField("domain", name).Warn("Backend selection failed")
		}
		r.observe(OutcomeNoHealthyBackend)
		return domain.UpstreamDecision{}, lberrors.NewNoHealthyBackendError(name)
	}

	r.observe(OutcomeRouted)
	return domain.UpstreamDecision{
		Address: addr,
		TLS:     true,
		SNI:     name,
	}, nil
}

func (r *HostRouter) observe(outcome string) {
	if r.observer != nil {
		r.observer.ObserveRoute(outcome)
	}
}
