package handler

import (
	"context"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mir00r/domain-proxy/internal/domain"
	"github.com/mir00r/domain-proxy/pkg/logger"
)

// GRPCHealthReporter exposes the standard gRPC health service. Each registered
// domain is a service name that is SERVING while at least one backend is healthy.
// The empty service name reports the process itself.
type GRPCHealthReporter struct {
	registry domain.PoolRegistry
	health   *health.Server
	server   *grpc.Server
	interval time.Duration
	logger   *logger.Logger

	mu    sync.Mutex
	known map[string]bool
}

// NewGRPCHealthReporter creates a reporter with its own gRPC server
func NewGRPCHealthReporter(registry domain.PoolRegistry, interval time.Duration, log *logger.Logger) *GRPCHealthReporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	hs := health.NewServer()
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	return &GRPCHealthReporter{
		registry: registry,
		health:   hs,
		server:   server,
		interval: interval,
		logger:   log.WithField("component", "grpc_health"),
		known:    make(map[string]bool),
	}
}

// HealthServer returns the underlying health service
func (g *GRPCHealthReporter) HealthServer() healthpb.HealthServer {
	return g.health
}

// Sync publishes the current state of every registered domain
func (g *GRPCHealthReporter) Sync() {
	g.mu.Lock()
	defer g.mu.Unlock()

	entries := g.registry.Entries()
	for name, pool := range entries {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if pool.HealthyCount() > 0 {
			status = healthpb.HealthCheckResponse_SERVING
		}
		g.health.SetServingStatus(name, status)
		g.known[name] = true
	}

	for name := range g.known {
		if _, ok := entries[name]; !ok {
			g.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
			delete(g.known, name)
		}
	}
}

// Run refreshes the statuses every interval until ctx is cancelled, then
// marks every service as not serving
func (g *GRPCHealthReporter) Run(ctx context.Context) error {
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	g.Sync()

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.health.Shutdown()
			return nil
		case <-ticker.C:
			g.Sync()
		}
	}
}

// Serve accepts gRPC connections on lis until GracefulStop is called
func (g *GRPCHealthReporter) Serve(lis net.Listener) error {
	g.logger.WithField("addr", lis.Addr().String()).Info("Starting gRPC health server")
	return g.server.Serve(lis)
}

// GracefulStop stops the gRPC server after pending RPCs finish
func (g *GRPCHealthReporter) GracefulStop() {
	g.server.GracefulStop()
}
