package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/mir00r/domain-proxy/internal/domain"
	"gopkg.in/yaml.v2"
)

// Config represents the main configuration structure
type Config struct {
	Proxy       ProxyConfig              `yaml:"proxy"`
	Admin       AdminConfig              `yaml:"admin"`
	Resolver    domain.ResolverConfig    `yaml:"resolver"`
	HealthCheck domain.HealthCheckConfig `yaml:"health_check"`
	Worker      WorkerConfig             `yaml:"worker"`
	Metrics     MetricsConfig            `yaml:"metrics"`
	GRPCHealth  GRPCHealthConfig         `yaml:"grpc_health"`
	Logging     LoggingConfig            `yaml:"logging"`

	// Domains are resolved through DNS at startup
	Domains []string `yaml:"domains"`
	// StaticDomains are installed at startup with fixed ip:port backends
	StaticDomains map[string][]string `yaml:"static_domains"`
	// ReloadInterval enables polling the config file for domain changes when positive
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

// ProxyConfig contains the public listener and upstream transport settings
type ProxyConfig struct {
	Addr                string        `yaml:"addr"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	UpstreamTimeout     time.Duration `yaml:"upstream_timeout"`
	UpstreamSkipVerify  bool          `yaml:"upstream_skip_verify"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`
	// TLSCertFile and TLSKeyFile terminate TLS on the proxy listener when both are set
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	// H2C accepts cleartext HTTP/2 on a plain listener
	H2C bool `yaml:"h2c"`
}

// AdminConfig contains admin API configuration
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	// TokenSecret enables HS256 bearer-token auth on mutating routes when set
	TokenSecret string                 `yaml:"token_secret"`
	RateLimit   domain.RateLimitConfig `yaml:"rate_limit"`
}

// WorkerConfig contains resolution worker settings
type WorkerConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// GRPCHealthConfig contains the gRPC health service settings
type GRPCHealthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Addr:                ":6188",
			ReadTimeout:         30 * time.Second,
			WriteTimeout:        30 * time.Second,
			IdleTimeout:         60 * time.Second,
			UpstreamTimeout:     30 * time.Second,
			MaxIdleConnsPerHost: 32,
			ShutdownGracePeriod: 10 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Addr:    ":6100",
			RateLimit: domain.RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 10,
				BurstSize:         20,
			},
		},
		Resolver: domain.ResolverConfig{
			ConfFile:    "/etc/resolv.conf",
			Protocol:    "udp",
			Timeout:     5 * time.Second,
			BackendPort: 443,
		},
		HealthCheck: domain.HealthCheckConfig{
			Interval:           time.Second,
			Timeout:            time.Second,
			HealthyThreshold:   1,
			UnhealthyThreshold: 1,
		},
		Worker: WorkerConfig{
			QueueSize: 64,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		GRPCHealth: GRPCHealthConfig{
			Enabled:  false,
			Addr:     ":6190",
			Interval: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		StaticDomains: map[string][]string{},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadConfig loads the file named by CONFIG_FILE (if any), then applies DP_*
// environment overrides and validates the result
func LoadConfig() (*Config, error) {
	config := DefaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	ApplyEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Validate validates the configuration for correctness
func (c *Config) Validate() error {
	if err := validateListenAddr("proxy.addr", c.Proxy.Addr); err != nil {
		return err
	}
	if (c.Proxy.TLSCertFile == "") != (c.Proxy.TLSKeyFile == "") {
		return fmt.Errorf("proxy.tls_cert_file and proxy.tls_key_file must be set together")
	}
	if c.Admin.Enabled {
		if err := validateListenAddr("admin.addr", c.Admin.Addr); err != nil {
			return err
		}
	}
	if c.GRPCHealth.Enabled {
		if err := validateListenAddr("grpc_health.addr", c.GRPCHealth.Addr); err != nil {
			return err
		}
		if c.GRPCHealth.Interval <= 0 {
			return fmt.Errorf("grpc_health.interval must be positive")
		}
	}

	switch c.Resolver.Protocol {
	case "udp", "tcp", "tcp-tls":
	default:
		return fmt.Errorf("unsupported resolver protocol: %s", c.Resolver.Protocol)
	}
	if c.Resolver.Timeout <= 0 {
		return fmt.Errorf("resolver.timeout must be positive: %v", c.Resolver.Timeout)
	}
	if c.Resolver.BackendPort == 0 {
		return fmt.Errorf("resolver.backend_port must be positive")
	}
	if len(c.Resolver.Nameservers) == 0 && c.Resolver.ConfFile == "" {
		return fmt.Errorf("either resolver.nameservers or resolver.conf_file must be set")
	}

	if c.HealthCheck.Interval <= 0 {
		return fmt.Errorf("health_check.interval must be positive")
	}
	if c.HealthCheck.Timeout <= 0 {
		return fmt.Errorf("health_check.timeout must be positive")
	}
	if c.HealthCheck.HealthyThreshold <= 0 {
		return fmt.Errorf("health_check.healthy_threshold must be positive")
	}
	if c.HealthCheck.UnhealthyThreshold <= 0 {
		return fmt.Errorf("health_check.unhealthy_threshold must be positive")
	}

	if c.Worker.QueueSize < 0 {
		return fmt.Errorf("worker.queue_size cannot be negative: %d", c.Worker.QueueSize)
	}

	if c.Admin.RateLimit.Enabled {
		if c.Admin.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("admin.rate_limit.requests_per_second must be positive")
		}
		if c.Admin.RateLimit.BurstSize <= 0 {
			return fmt.Errorf("admin.rate_limit.burst_size must be positive")
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/': %q", c.Metrics.Path)
	}

	if c.ReloadInterval < 0 {
		return fmt.Errorf("reload_interval cannot be negative")
	}

	for _, name := range c.Domains {
		if _, err := domain.CanonicalDomain(name); err != nil {
			return fmt.Errorf("domains: %w", err)
		}
	}
	if _, err := c.StaticBackends(); err != nil {
		return err
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.File == "" {
		return fmt.Errorf("logging.file is required when output is file")
	}

	return nil
}

// StaticBackends parses static_domains into canonical domains and backend addresses.
// A backend without a port gets resolver.backend_port.
func (c *Config) StaticBackends() (map[string][]netip.AddrPort, error) {
	result := make(map[string][]netip.AddrPort, len(c.StaticDomains))
	for name, backends := range c.StaticDomains {
		canonical, err := domain.CanonicalDomain(name)
		if err != nil {
			return nil, fmt.Errorf("static_domains: %w", err)
		}
		if len(backends) == 0 {
			return nil, fmt.Errorf("static_domains[%s]: at least one backend must be configured", name)
		}

		addrs := make([]netip.AddrPort, 0, len(backends))
		for _, raw := range backends {
			addr, err := parseBackend(raw, c.Resolver.BackendPort)
			if err != nil {
				return nil, fmt.Errorf("static_domains[%s]: %w", name, err)
			}
			addrs = append(addrs, addr)
		}
		result[canonical] = addrs
	}
	return result, nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}

	return nil
}

func parseBackend(raw string, defaultPort uint16) (netip.AddrPort, error) {
	raw = strings.TrimSpace(raw)
	if addr, err := netip.ParseAddrPort(raw); err == nil {
		return addr, nil
	}
	ip, err := netip.ParseAddr(strings.Trim(raw, "[]"))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid backend address %q", raw)
	}
	return netip.AddrPortFrom(ip, defaultPort), nil
}

func validateListenAddr(field, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, addr, err)
	}
	return nil
}
