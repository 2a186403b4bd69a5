package routing

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/domain-proxy/internal/domain"
	lberrors "github.com/mir00r/domain-proxy/internal/errors"
	"github.com/mir00r/domain-proxy/internal/repository"
	"github.com/mir00r/domain-proxy/internal/service"
	"github.com/mir00r/domain-proxy/pkg/logger"
)

type recordingObserver struct {
	outcomes []string
}

func (o *recordingObserver) ObserveRoute(outcome string) {
	o.outcomes = append(o.outcomes, outcome)
}

type fixedPool struct {
	addr netip.AddrPort
	err  error
}

func (p *fixedPool) Select() (netip.AddrPort, error) { return p.addr, p.err }
func (p *fixedPool) Snapshot() []netip.AddrPort      { return []netip.AddrPort{p.addr} }
func (p *fixedPool) HealthyCount() int               { return 0 }
func (p *fixedPool) State() domain.PoolState         { return domain.PoolRunning }
func (p *fixedPool) Stop()                           {}
func (p *fixedPool) Done() <-chan struct{}           { return nil }

func newPool(name string, addrs ...string) *service.BackendPool {
	parsed := make([]netip.AddrPort, len(addrs))
	for i, a := range addrs {
		parsed[i] = netip.MustParseAddrPort(a)
	}
	return service.NewBackendPool(name, parsed, domain.HealthCheckConfig{}, service.NewTCPProber(), nil, logger.NewNop())
}

func TestRouteRoundRobinsRegisteredDomain(t *testing.T) {
	registry := repository.NewInMemoryPoolRepository()
	registry.Insert("example.com", newPool("example.com", "10.0.0.1:443", "10.0.0.2:443"))
	observer := &recordingObserver{}
	router := NewHostRouter(registry, observer, logger.NewNop())

	first, err := router.Route("example.com")
	require.NoError(t, err)
	second, err := router.Route("example.com")
	require.NoError(t, err)

	assert.ElementsMatch(t,
		[]netip.AddrPort{netip.MustParseAddrPort("10.0.0.1:443"), netip.MustParseAddrPort("10.0.0.2:443")},
		[]netip.AddrPort{first.Address, second.Address})
	assert.True(t, first.TLS)
	assert.Equal(t, "example.com", first.SNI)
	assert.Equal(t, []string{OutcomeRouted, OutcomeRouted}, observer.outcomes)
}

func TestRouteCanonicalizesHost(t *testing.T) {
	registry := repository.NewInMemoryPoolRepository()
	registry.Insert("example.com", newPool("example.com", "10.0.0.1:443"))
	router := NewHostRouter(registry, nil, logger.NewNop())

	for _, host := range []string{"Example.COM", "example.com:8080", "example.com."} {
		decision, err := router.Route(host)
		require.NoError(t, err, host)
		assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:443"), decision.Address)
		assert.Equal(t, "example.com", decision.SNI)
	}
}

func TestRouteFailures(t *testing.T) {
	registry := repository.NewInMemoryPoolRepository()
	registry.Insert("down.com", &fixedPool{err: domain.ErrPoolUnavailable})

	tests := []struct {
		name     string
		host     string
		sentinel error
		status   int
		outcome  string
	}{
		{"missing host", "", lberrors.ErrHostHeaderMissing, 400, OutcomeHostMissing},
		{"blank host", "  \t ", lberrors.ErrHostHeaderMissing, 400, OutcomeHostMissing},
		{"unknown domain", "unknown.com", lberrors.ErrDomainNotFound, 502, OutcomeDomainNotFound},
		{"invalid host", "bad host.com", lberrors.ErrDomainNotFound, 502, OutcomeDomainNotFound},
		{"no healthy backend", "down.com", lberrors.ErrNoHealthyBackend, 502, OutcomeNoHealthyBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			observer := &recordingObserver{}
			router := NewHostRouter(registry, observer, logger.NewNop())

			_, err := router.Route(tt.host)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.status, lberrors.GetHTTPStatusCode(err))
			assert.Equal(t, []string{tt.outcome}, observer.outcomes)
		})
	}
}

func TestRouteDoesNotCacheAcrossRegistryChanges(t *testing.T) {
	registry := repository.NewInMemoryPoolRepository()
	router := NewHostRouter(registry, nil, logger.NewNop())

	_, err := router.Route("example.com")
	assert.ErrorIs(t, err, lberrors.ErrDomainNotFound)

	registry.Insert("example.com", &fixedPool{addr: netip.MustParseAddrPort("10.0.0.9:443")})
	decision, err := router.Route("example.com")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.9:443"), decision.Address)

	registry.Remove("example.com")
	_, err = router.Route("example.com")
	assert.ErrorIs(t, err, lberrors.ErrDomainNotFound)
}
