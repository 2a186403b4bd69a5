package resolver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/mir00r/domain-proxy/internal/domain"
	lberrors "github.com/mir00r/domain-proxy/internal/errors"
	"github.com/mir00r/domain-proxy/pkg/logger"
)

const defaultTimeout = 5 * time.Second

// ErrNameNotFound is returned when a nameserver answers NXDOMAIN
var ErrNameNotFound = errors.New("domain name does not exist")

// DNSResolver looks up A and AAAA records with github.com/miekg/dns.
// It implements domain.Resolver.
type DNSResolver struct {
	client    *dns.Client
	tcpClient *dns.Client
	servers   []string
	logger    *logger.Logger
}

// New creates a resolver. Without explicit nameservers the system resolver
// configuration in config.ConfFile is used; failing to read it is a config error.
func New(config domain.ResolverConfig, log *logger.Logger) (*DNSResolver, error) {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	protocol := strings.ToLower(config.Protocol)
	if protocol == "" {
		protocol = "udp"
	}

	client := &dns.Client{Net: protocol, Timeout: timeout}
	defaultPort := "53"
	switch protocol {
	case "udp", "tcp":
	case "tcp-tls":
		client.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		defaultPort = "853"
	default:
		return nil, lberrors.NewConfigError("dns_resolver",
			fmt.Sprintf("Unsupported resolver protocol %q", config.Protocol), nil)
	}

	var servers []string
	if len(config.Nameservers) > 0 {
		for _, ns := range config.Nameservers {
			servers = append(servers, withPort(ns, defaultPort))
		}
	} else {
		cc, err := dns.ClientConfigFromFile(config.ConfFile)
		if err != nil {
			return nil, lberrors.NewConfigError("dns_resolver",
				fmt.Sprintf("Failed to read system DNS config from %s", config.ConfFile), err)
		}
		for _, ns := range cc.Servers {
			servers = append(servers, net.JoinHostPort(ns, cc.Port))
		}
	}
	if len(servers) == 0 {
		return nil, lberrors.NewConfigError("dns_resolver", "No nameservers configured", nil)
	}

	return &DNSResolver{
		client:    client,
		tcpClient: &dns.Client{Net: "tcp", Timeout: timeout},
		servers:   servers,
		logger:    log.ResolverLogger(),
	}, nil
}

// Servers returns the nameservers queried, in order
func (r *DNSResolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

// Resolve returns the IPv4 addresses followed by the IPv6 addresses of name.
// IP literals resolve to themselves.
func (r *DNSResolver) Resolve(ctx context.Context, name string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(name); err == nil {
		return []netip.Addr{ip.Unmap()}, nil
	}

	fqdn := dns.Fqdn(name)

	var (
		mu      sync.Mutex
		results = make(map[uint16][]netip.Addr, 2)
		errs    = make(map[uint16]error, 2)
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		qtype := qtype
		g.Go(func() error {
			addrs, err := r.query(gctx, fqdn, qtype)
			if errors.Is(err, ErrNameNotFound) {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			results[qtype] = addrs
			errs[qtype] = err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", name, err)
	}

	addrs := dedupe(append(results[dns.TypeA], results[dns.TypeAAAA]...))
	if len(addrs) > 0 {
		r.logger.WithFields(map[string]interface{}{
			"domain":    name,
			"addresses": len(addrs),
		}).Debug("Domain resolved")
		return addrs, nil
	}

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		if err := errs[qtype]; err != nil {
			return nil, fmt.Errorf("resolve %s: %w", name, err)
		}
	}
	return nil, fmt.Errorf("resolve %s: no A or AAAA records", name)
}

// query asks each nameserver in turn until one gives a usable answer
func (r *DNSResolver) query(ctx context.Context, fqdn string, qtype uint16) ([]netip.Addr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, qtype)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range r.servers {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err == nil && resp != nil && resp.Truncated && r.client.Net == "udp" {
			resp, _, err = r.tcpClient.ExchangeContext(ctx, msg, server)
		}
		if err != nil {
			r.logger.WithError(err).WithField("server", server).Debug("DNS exchange failed")
			lastErr = err
			continue
		}
		if resp == nil {
			lastErr = fmt.Errorf("nil response from %s", server)
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, ErrNameNotFound
		default:
			if text, ok := dns.RcodeToString[resp.Rcode]; ok {
				lastErr = fmt.Errorf("%s answered %s", server, text)
			} else {
				lastErr = fmt.Errorf("%s answered rcode %d", server, resp.Rcode)
			}
			continue
		}

		return extract(resp.Answer), nil
	}
	return nil, lastErr
}

func extract(answer []dns.RR) []netip.Addr {
	var addrs []netip.Addr
	for _, rr := range answer {
		var raw net.IP
		switch v := rr.(type) {
		case *dns.A:
			raw = v.A
		case *dns.AAAA:
			raw = v.AAAA
		default:
			continue
		}
		if ip, ok := netip.AddrFromSlice(raw); ok {
			addrs = append(addrs, ip.Unmap())
		}
	}
	return addrs
}

func dedupe(addrs []netip.Addr) []netip.Addr {
	seen := make(map[netip.Addr]bool, len(addrs))
	out := addrs[:0]
	for _, a := range addrs {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

func withPort(server, defaultPort string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(strings.Trim(server, "[]"), defaultPort)
}
