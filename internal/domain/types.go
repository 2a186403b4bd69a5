package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/idna"
)

// ErrPoolUnavailable is returned by BackendPool.Select when no backend is healthy
var ErrPoolUnavailable = errors.New("no healthy backend in pool")

// CanonicalDomain normalizes a host name or Host header value into a registry key.
// A trailing port and a trailing dot are removed, IDNs are converted to their
// ASCII form and the result is lower-cased.
func CanonicalDomain(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	if host == "" {
		return "", errors.New("empty domain")
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", errors.New("empty domain")
	}

	if ip, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return ip.String(), nil
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host name %q: %w", raw, err)
	}
	return strings.ToLower(ascii), nil
}

// Backend is a single upstream address with its probe-driven liveness state
type Backend struct {
	Address netip.AddrPort

	healthy              atomic.Bool
	consecutiveFailures  atomic.Int64
	consecutiveSuccesses atomic.Int64
	lastHealthCheck      atomic.Int64
}

// NewBackend creates a backend that is optimistically considered healthy
func NewBackend(address netip.AddrPort) *Backend {
	b := &Backend{Address: address}
	b.healthy.Store(true)
	return b
}

// IsHealthy returns true if the backend may receive traffic
func (b *Backend) IsHealthy() bool {
	return b.healthy.Load()
}

// SetHealthy updates the liveness flag and reports whether it changed
func (b *Backend) SetHealthy(healthy bool) bool {
	return b.healthy.Swap(healthy) != healthy
}

// RecordFailure counts a failed probe and returns the current failure streak
func (b *Backend) RecordFailure() int64 {
	b.lastHealthCheck.Store(time.Now().UnixNano())
	b.consecutiveSuccesses.Store(0)
	return b.consecutiveFailures.Add(1)
}

// RecordSuccess counts a successful probe and returns the current success streak
func (b *Backend) RecordSuccess() int64 {
	b.lastHealthCheck.Store(time.Now().UnixNano())
	b.consecutiveFailures.Store(0)
	return b.consecutiveSuccesses.Add(1)
}

// GetFailureCount returns the current run of failed probes
func (b *Backend) GetFailureCount() int64 {
	return b.consecutiveFailures.Load()
}

// GetLastHealthCheck returns the time of the last completed probe
func (b *Backend) GetLastHealthCheck() time.Time {
	ns := b.lastHealthCheck.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// String returns the backend address as host:port
func (b *Backend) String() string {
	return b.Address.String()
}

// PoolState is the lifecycle state of a backend pool
type PoolState int32

const (
	PoolStarting PoolState = iota
	PoolRunning
	PoolStopping
	PoolStopped
)

// String returns the string representation of PoolState
func (s PoolState) String() string {
	switch s {
	case PoolStarting:
		return "starting"
	case PoolRunning:
		return "running"
	case PoolStopping:
		return "stopping"
	case PoolStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// OpKind identifies a control command
type OpKind int

const (
	// OpAdd resolves the domain and installs a fresh pool
	OpAdd OpKind = iota
	// OpRemove evicts the domain and stops its pool
	OpRemove
	// OpInstall installs a pool from static addresses without DNS
	OpInstall
)

// String returns the string representation of OpKind
func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	case OpInstall:
		return "install"
	default:
		return "unknown"
	}
}

// ControlOp is a single command for the resolution worker. It is consumed once.
type ControlOp struct {
	Kind      OpKind
	Domain    string
	Addresses []netip.AddrPort
	// Result, when non-nil, receives exactly one value once the command is
	// handled. It must be buffered.
	Result chan<- error
}

// String renders the command for logs
func (op ControlOp) String() string {
	switch op.Kind {
	case OpAdd:
		return "Add domain: " + op.Domain
	case OpRemove:
		return "Remove domain: " + op.Domain
	case OpInstall:
		return fmt.Sprintf("Install domain: %s %v", op.Domain, op.Addresses)
	default:
		return "Unknown op: " + op.Domain
	}
}

// Reply delivers the command outcome if the producer asked for one
func (op ControlOp) Reply(err error) {
	if op.Result == nil {
		return
	}
	select {
	case op.Result <- err:
	default:
	}
}

// UpstreamDecision is the routing outcome handed to the proxy engine
type UpstreamDecision struct {
	Address netip.AddrPort
	TLS     bool
	SNI     string
}

// HealthCheckConfig defines configuration for backend probing
type HealthCheckConfig struct {
	Interval           time.Duration `json:"interval" yaml:"interval"`
	Timeout            time.Duration `json:"timeout" yaml:"timeout"`
	HealthyThreshold   int           `json:"healthy_threshold" yaml:"healthy_threshold"`
	UnhealthyThreshold int           `json:"unhealthy_threshold" yaml:"unhealthy_threshold"`
}

// ResolverConfig defines how domains are turned into backend addresses
type ResolverConfig struct {
	// ConfFile is the resolv.conf used when Nameservers is empty
	ConfFile    string        `json:"conf_file" yaml:"conf_file"`
	Nameservers []string      `json:"nameservers" yaml:"nameservers"`
	Protocol    string        `json:"protocol" yaml:"protocol"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	BackendPort uint16        `json:"backend_port" yaml:"backend_port"`
}

// RateLimitConfig defines configuration for per-client rate limiting
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `json:"burst_size" yaml:"burst_size"`
}

// Resolver turns a domain into IP addresses
type Resolver interface {
	Resolve(ctx context.Context, domain string) ([]netip.Addr, error)
}

// Prober checks whether a backend accepts connections. A nil error means healthy.
type Prober interface {
	Probe(ctx context.Context, address netip.AddrPort) error
}

// BackendPool is a health-checked set of backends for one domain
type BackendPool interface {
	// Select returns a healthy backend or ErrPoolUnavailable
	Select() (netip.AddrPort, error)
	// Snapshot returns every configured backend regardless of health
	Snapshot() []netip.AddrPort
	// HealthyCount returns how many backends are currently healthy
	HealthyCount() int
	// State returns the lifecycle state
	State() PoolState
	// Stop asks the probe loop to exit; it is idempotent
	Stop()
	// Done is closed once the pool reaches PoolStopped
	Done() <-chan struct{}
}

// PoolRegistry maps domains to their active pools
type PoolRegistry interface {
	Get(domain string) (BackendPool, bool)
	Insert(domain string, pool BackendPool) (BackendPool, bool)
	Remove(domain string) (BackendPool, bool)
	Drain() map[string]BackendPool
	Entries() map[string]BackendPool
	List() map[string][]netip.AddrPort
	Count() int
}

// Router maps a Host header to an upstream decision
type Router interface {
	Route(host string) (UpstreamDecision, error)
}
