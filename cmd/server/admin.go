package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/mir00r/domain-proxy/internal/config"
	"github.com/mir00r/domain-proxy/internal/domain"
	"github.com/mir00r/domain-proxy/internal/middleware"
	"github.com/mir00r/domain-proxy/internal/resolver"
	"github.com/mir00r/domain-proxy/internal/service"
	"github.com/mir00r/domain-proxy/pkg/logger"
)

// One-off admin commands run against the same configuration as the server.

// runConfigValidation validates the current configuration
func runConfigValidation() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println("Configuration validation passed ✓")
	fmt.Printf("Proxy address: %s\n", cfg.Proxy.Addr)
	fmt.Printf("Admin API: %t (%s)\n", cfg.Admin.Enabled, cfg.Admin.Addr)
	fmt.Printf("Resolver protocol: %s\n", cfg.Resolver.Protocol)
	fmt.Printf("Health check interval: %s\n", cfg.HealthCheck.Interval)
	fmt.Printf("DNS domains: %d\n", len(cfg.Domains))
	fmt.Printf("Static domains: %d\n", len(cfg.StaticDomains))
	fmt.Printf("Metrics: %t\n", cfg.Metrics.Enabled)
	fmt.Printf("gRPC health: %t\n", cfg.GRPCHealth.Enabled)

	return nil
}

// runResolve resolves a domain the way the worker would and prints the backends
func runResolve(name string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	canonical, err := domain.CanonicalDomain(name)
	if err != nil {
		return err
	}

	r, err := resolver.New(cfg.Resolver, logger.NewNop())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Resolver.Timeout)
	defer cancel()

	addrs, err := r.Resolve(ctx, canonical)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", canonical, err)
	}

	fmt.Printf("Domain %s via %v:\n", canonical, r.Servers())
	for _, addr := range addrs {
		fmt.Printf("  %s\n", netip.AddrPortFrom(addr, cfg.Resolver.BackendPort))
	}
	return nil
}

// runProbe runs a single health probe against a backend address
func runProbe(address string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("invalid backend address %q: %w", address, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HealthCheck.Timeout)
	defer cancel()

	start := time.Now()
	if err := service.NewTCPProber().Probe(ctx, addr); err != nil {
		fmt.Printf("Backend %s: ✗ unhealthy: %v\n", addr, err)
		return nil
	}
	fmt.Printf("Backend %s: ✓ healthy (%s)\n", addr, time.Since(start).Round(time.Millisecond))
	return nil
}

// runIssueToken prints an admin API token signed with the configured secret
func runIssueToken(subject string, ttl time.Duration) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	auth := middleware.NewTokenAuth(cfg.Admin.TokenSecret, logger.NewNop())
	if auth == nil {
		return fmt.Errorf("admin.token_secret is not configured")
	}

	token, err := auth.IssueToken(subject, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func printAdminUsage() {
	fmt.Println("Usage: domain-proxy -admin <command> [args]")
	fmt.Println("Commands:")
	fmt.Println("  validate-config        - Validate configuration")
	fmt.Println("  resolve <domain>       - Resolve a domain to its backends")
	fmt.Println("  probe <ip:port>        - Probe a single backend")
	fmt.Println("  token <subject> [ttl]  - Issue an admin API token (default ttl 24h)")
}

// runAdminProcess handles admin process execution
func runAdminProcess() {
	args := adminArgs()
	if len(args) == 0 {
		printAdminUsage()
		os.Exit(1)
	}

	var err error
	switch command := args[0]; command {
	case "validate-config", "validate":
		err = runConfigValidation()
	case "resolve":
		if len(args) < 2 {
			printAdminUsage()
			os.Exit(1)
		}
		err = runResolve(args[1])
	case "probe":
		if len(args) < 2 {
			printAdminUsage()
			os.Exit(1)
		}
		err = runProbe(args[1])
	case "token":
		if len(args) < 2 {
			printAdminUsage()
			os.Exit(1)
		}
		ttl := 24 * time.Hour
		if len(args) > 2 {
			ttl, err = time.ParseDuration(args[2])
			if err != nil {
				break
			}
		}
		err = runIssueToken(args[1], ttl)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printAdminUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command failed: %v\n", err)
		os.Exit(1)
	}
}

// adminArgs returns the arguments that follow the -admin flag
func adminArgs() []string {
	for i, arg := range os.Args {
		if arg == "-admin" {
			return os.Args[i+1:]
		}
	}
	return nil
}

// checkIfAdminMode checks if running in admin mode
func checkIfAdminMode() bool {
	for _, arg := range os.Args {
		if arg == "-admin" {
			return true
		}
	}
	return false
}
