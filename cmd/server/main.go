package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mir00r/domain-proxy/internal/config"
	"github.com/mir00r/domain-proxy/internal/domain"
	"github.com/mir00r/domain-proxy/internal/handler"
	"github.com/mir00r/domain-proxy/internal/middleware"
	"github.com/mir00r/domain-proxy/internal/repository"
	"github.com/mir00r/domain-proxy/internal/resolver"
	"github.com/mir00r/domain-proxy/internal/routing"
	"github.com/mir00r/domain-proxy/internal/server"
	"github.com/mir00r/domain-proxy/internal/service"
	"github.com/mir00r/domain-proxy/pkg/logger"
)

const version = "1.0.0"

// getConfigSource returns the configuration source for logging
func getConfigSource() string {
	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			return "file+env"
		}
	}

	envVars := []string{
		"DP_PROXY_ADDR", "DP_ADMIN_ADDR", "DP_DOMAINS",
		"DP_RESOLVER_NAMESERVERS", "DP_LOG_LEVEL",
	}
	for _, envVar := range envVars {
		if os.Getenv(envVar) != "" {
			return "environment"
		}
	}

	return "defaults"
}

func main() {
	if checkIfAdminMode() {
		runAdminProcess()
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithFields(map[string]interface{}{
		"version":        version,
		"proxy_addr":     cfg.Proxy.Addr,
		"domains":        len(cfg.Domains),
		"static_domains": len(cfg.StaticDomains),
		"config_source":  getConfigSource(),
		"process":        getProcessInfo(),
	}).Info("Starting domain proxy")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Domain proxy stopped with error")
	}
	log.Info("Domain proxy stopped gracefully")
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
}

// run wires every component and blocks until a signal arrives or one of them fails
func run(cfg *config.Config, log *logger.Logger) error {
	dnsResolver, err := resolver.New(cfg.Resolver, log)
	if err != nil {
		return err
	}
	log.WithField("nameservers", dnsResolver.Servers()).Info("DNS resolver configured")

	var metrics *service.Metrics
	if cfg.Metrics.Enabled {
		metrics = service.NewMetrics()
	}

	registry := repository.NewInMemoryPoolRepository()
	commands := make(chan domain.ControlOp, cfg.Worker.QueueSize)
	pools := service.NewPoolFactory(cfg.HealthCheck, service.NewTCPProber(), metrics, log)
	worker := service.NewDNSResolverWorker(dnsResolver, registry, commands, cfg.Resolver, pools, metrics, log)
	control := service.NewControlService(commands, registry, worker.Done(), log)

	router := routing.NewHostRouter(registry, metrics, log)
	proxyHandler := handler.NewProxyHandler(router, handler.ProxyOptions{
		ResponseHeaderTimeout: cfg.Proxy.UpstreamTimeout,
		MaxIdleConnsPerHost:   cfg.Proxy.MaxIdleConnsPerHost,
		InsecureSkipVerify:    cfg.Proxy.UpstreamSkipVerify,
	}, log)
	worker.OnRemove(proxyHandler.ForgetDomain)

	proxyServer, err := server.New(server.Options{
		Addr:         cfg.Proxy.Addr,
		ReadTimeout:  cfg.Proxy.ReadTimeout,
		WriteTimeout: cfg.Proxy.WriteTimeout,
		IdleTimeout:  cfg.Proxy.IdleTimeout,
		CertFile:     cfg.Proxy.TLSCertFile,
		KeyFile:      cfg.Proxy.TLSKeyFile,
		H2C:          cfg.Proxy.H2C,
	}, middleware.Chain(proxyHandler,
		middleware.RecoveryMiddleware(log),
		middleware.LoggingMiddleware(log),
	), log)
	if err != nil {
		return err
	}

	var adminServer *http.Server
	if cfg.Admin.Enabled {
		adminServer = &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           newAdminRouter(cfg, control, worker.Done(), metrics, log),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	var (
		grpcHealth   *handler.GRPCHealthReporter
		grpcListener net.Listener
	)
	if cfg.GRPCHealth.Enabled {
		grpcListener, err = net.Listen("tcp", cfg.GRPCHealth.Addr)
		if err != nil {
			return fmt.Errorf("grpc health listener: %w", err)
		}
		grpcHealth = handler.NewGRPCHealthReporter(registry, cfg.GRPCHealth.Interval, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the worker outlives the listeners so in-flight requests keep their pools
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return worker.Run(workerCtx)
	})

	g.Go(func() error {
		if err := proxyServer.ListenAndServe(); err != nil {
			return fmt.Errorf("proxy server: %w", err)
		}
		return nil
	})

	if adminServer != nil {
		g.Go(func() error {
			log.WithField("addr", adminServer.Addr).Info("Starting admin server")
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	if grpcHealth != nil {
		g.Go(func() error { return grpcHealth.Run(gctx) })
		g.Go(func() error { return grpcHealth.Serve(grpcListener) })
	}

	reload := service.NewConfigReloadService(control, os.Getenv("CONFIG_FILE"), cfg.ReloadInterval, log)
	if err := reload.Apply(gctx, cfg); err != nil {
		log.WithError(err).Warn("Some configured domains could not be queued")
	}
	g.Go(func() error { return reload.Run(gctx) })

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Proxy.ShutdownGracePeriod)
		defer cancel()

		_ = proxyServer.Shutdown(shutdownCtx)
		if adminServer != nil {
			if err := adminServer.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Error("Error shutting down admin server")
			}
		}
		if grpcHealth != nil {
			grpcHealth.GracefulStop()
		}

		cancelWorker()
		<-worker.Done()
		proxyHandler.CloseIdleConnections()
		return nil
	})

	return g.Wait()
}

func newAdminRouter(
	cfg *config.Config,
	control *service.ControlService,
	workerDone <-chan struct{},
	metrics *service.Metrics,
	log *logger.Logger,
) http.Handler {
	options := handler.AdminOptions{
		MetricsPath: cfg.Metrics.Path,
		Auth:        middleware.NewTokenAuth(cfg.Admin.TokenSecret, log),
	}
	if metrics != nil {
		options.Metrics = metrics.Handler()
	}
	if cfg.Admin.RateLimit.Enabled {
		options.RateLimiter = middleware.NewRateLimiter(cfg.Admin.RateLimit, log)
		log.Info("Admin rate limiting enabled")
	}

	admin := handler.NewAdminHandler(control, workerDone, 0, log)
	return handler.NewAdminRouter(admin, options, log)
}
