package service

import (
	"context"
	"net/netip"
	"sort"
	"sync"

	"github.com/mir00r/domain-proxy/internal/domain"
	lberrors "github.com/mir00r/domain-proxy/internal/errors"
	"github.com/mir00r/domain-proxy/pkg/logger"
)

// DomainAddress is one entry of the domain listing
type DomainAddress struct {
	Domain  string   `json:"domain"`
	Address []string `json:"address"`
}

// ControlService is the producer side of the command channel. Add and Remove
// return once the command is accepted, not once it is applied.
type ControlService struct {
	commands   chan<- domain.ControlOp
	registry   domain.PoolRegistry
	workerDone <-chan struct{}
	logger     *logger.Logger

	mu     sync.RWMutex
	closed bool
}

// NewControlService creates a control service feeding the given command channel.
// workerDone unblocks producers once the worker has exited.
func NewControlService(
	commands chan<- domain.ControlOp,
	registry domain.PoolRegistry,
	workerDone <-chan struct{},
	log *logger.Logger,
) *ControlService {
	return &ControlService{
		commands:   commands,
		registry:   registry,
		workerDone: workerDone,
		logger:     log.AdminLogger(),
	}
}

// AddDomain enqueues resolution of a domain
func (c *ControlService) AddDomain(ctx context.Context, name string) error {
	canonical, err := canonicalize(name)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, domain.ControlOp{Kind: domain.OpAdd, Domain: canonical})
}

// AddDomainAndWait enqueues resolution and waits until the pool is installed or the lookup fails
func (c *ControlService) AddDomainAndWait(ctx context.Context, name string) error {
	canonical, err := canonicalize(name)
	if err != nil {
		return err
	}
	return c.enqueueAndWait(ctx, domain.ControlOp{Kind: domain.OpAdd, Domain: canonical})
}

// RemoveDomain enqueues eviction of a domain
func (c *ControlService) RemoveDomain(ctx context.Context, name string) error {
	canonical, err := canonicalize(name)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, domain.ControlOp{Kind: domain.OpRemove, Domain: canonical})
}

// RemoveDomainAndWait enqueues eviction and waits until the pool is stopped
func (c *ControlService) RemoveDomainAndWait(ctx context.Context, name string) error {
	canonical, err := canonicalize(name)
	if err != nil {
		return err
	}
	return c.enqueueAndWait(ctx, domain.ControlOp{Kind: domain.OpRemove, Domain: canonical})
}

// InstallDomain registers a domain with static backends, bypassing DNS
func (c *ControlService) InstallDomain(ctx context.Context, name string, addresses []netip.AddrPort) error {
	canonical, err := canonicalize(name)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, domain.ControlOp{
		Kind:      domain.OpInstall,
		Domain:    canonical,
		Addresses: append([]netip.AddrPort(nil), addresses...),
	})
}

// ListDomains returns every registered domain with its configured backends, sorted by domain
func (c *ControlService) ListDomains() []DomainAddress {
	listing := c.registry.List()

	domains := make([]DomainAddress, 0, len(listing))
	for name, addrs := range listing {
		entry := DomainAddress{Domain: name, Address: make([]string, len(addrs))}
		for i, a := range addrs {
			entry.Address[i] = a.String()
		}
		domains = append(domains, entry)
	}
	sort.Slice(domains, func(i, j int) bool {
		return domains[i].Domain < domains[j].Domain
	})
	return domains
}

// Close closes the command channel. The worker treats this as fatal and shuts down.
func (c *ControlService) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.commands)
	}
}

func (c *ControlService) enqueueAndWait(ctx context.Context, op domain.ControlOp) error {
	result := make(chan error, 1)
	op.Result = result

	if err := c.enqueue(ctx, op); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-c.workerDone:
		select {
		case err := <-result:
			return err
		default:
			return lberrors.ErrWorkerStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ControlService) enqueue(ctx context.Context, op domain.ControlOp) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return lberrors.ErrWorkerStopped
	}
	select {
	case <-c.workerDone:
		return lberrors.ErrWorkerStopped
	default:
	}

	select {
	case c.commands <- op:
		c.logger.WithField("domain", op.Domain).Debugf("Enqueued command: %s", op)
		return nil
	case <-c.workerDone:
		return lberrors.ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func canonicalize(name string) (string, error) {
	canonical, err := domain.CanonicalDomain(name)
	if err != nil {
		return "", lberrors.NewInvalidDomainError(name, err)
	}
	return canonical, nil
}
