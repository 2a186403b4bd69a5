package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFromEnvironment returns the defaults with DP_* environment overrides applied.
// This implements 12-Factor App methodology - Factor #3: Config
func LoadFromEnvironment() *Config {
	config := DefaultConfig()
	ApplyEnvironment(config)
	return config
}

// ApplyEnvironment overrides config fields from DP_* environment variables.
// Malformed values are ignored and the existing value is kept.
func ApplyEnvironment(config *Config) {
	// Listeners
	if addr := getEnv("DP_PROXY_ADDR", ""); addr != "" {
		config.Proxy.Addr = addr
	}
	if addr := getEnv("DP_ADMIN_ADDR", ""); addr != "" {
		config.Admin.Addr = addr
	}

	// Resolver
	if servers := getEnvAsSlice("DP_RESOLVER_NAMESERVERS"); len(servers) > 0 {
		config.Resolver.Nameservers = servers
	}
	if protocol := getEnv("DP_RESOLVER_PROTOCOL", ""); protocol != "" {
		config.Resolver.Protocol = strings.ToLower(protocol)
	}
	if timeout, ok := getEnvAsDuration("DP_RESOLVER_TIMEOUT"); ok {
		config.Resolver.Timeout = timeout
	}
	if port := getEnv("DP_BACKEND_PORT", ""); port != "" {
		if p, err := strconv.ParseUint(port, 10, 16); err == nil && p > 0 {
			config.Resolver.BackendPort = uint16(p)
		}
	}

	// Health checks
	if interval, ok := getEnvAsDuration("DP_HEALTH_INTERVAL"); ok {
		config.HealthCheck.Interval = interval
	}
	if timeout, ok := getEnvAsDuration("DP_HEALTH_TIMEOUT"); ok {
		config.HealthCheck.Timeout = timeout
	}
	if threshold, ok := getEnvAsPositiveInt("DP_HEALTH_UNHEALTHY_THRESHOLD"); ok {
		config.HealthCheck.UnhealthyThreshold = threshold
	}
	if threshold, ok := getEnvAsPositiveInt("DP_HEALTH_HEALTHY_THRESHOLD"); ok {
		config.HealthCheck.HealthyThreshold = threshold
	}

	// Domains
	if domains := getEnvAsSlice("DP_DOMAINS"); len(domains) > 0 {
		config.Domains = domains
	}

	// Admin API
	if secret := getEnv("DP_ADMIN_TOKEN_SECRET", ""); secret != "" {
		config.Admin.TokenSecret = secret
	}
	if rps := getEnv("DP_ADMIN_RATE_LIMIT_RPS", ""); rps != "" {
		if r, err := strconv.ParseFloat(rps, 64); err == nil && r > 0 {
			config.Admin.RateLimit.Enabled = true
			config.Admin.RateLimit.RequestsPerSecond = r
			if config.Admin.RateLimit.BurstSize < int(r) {
				config.Admin.RateLimit.BurstSize = int(r)
			}
		}
	}

	// Logging
	if level := getEnv("DP_LOG_LEVEL", ""); level != "" {
		config.Logging.Level = strings.ToLower(level)
	}
	if format := getEnv("DP_LOG_FORMAT", ""); format != "" {
		config.Logging.Format = strings.ToLower(format)
	}
	if output := getEnv("DP_LOG_OUTPUT", ""); output != "" {
		config.Logging.Output = strings.ToLower(output)
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsSlice splits a comma separated variable, dropping empty items
func getEnvAsSlice(key string) []string {
	value := getEnv(key, "")
	if value == "" {
		return nil
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func getEnvAsDuration(key string) (time.Duration, bool) {
	value := getEnv(key, "")
	if value == "" {
		return 0, false
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

func getEnvAsPositiveInt(key string) (int, bool) {
	value := getEnv(key, "")
	if value == "" {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
