package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/mir00r/domain-proxy/internal/config"
	"github.com/mir00r/domain-proxy/internal/domain"
	"github.com/mir00r/domain-proxy/pkg/logger"
)

// DomainCommander is the part of the control surface the reload service drives
type DomainCommander interface {
	AddDomain(ctx context.Context, name string) error
	RemoveDomain(ctx context.Context, name string) error
	InstallDomain(ctx context.Context, name string, addresses []netip.AddrPort) error
}

// desiredDomain is one domain declared by the configuration. A nil backend
// list means the domain is resolved through DNS.
type desiredDomain struct {
	static []netip.AddrPort
}

func (d desiredDomain) equal(other desiredDomain) bool {
	if (d.static == nil) != (other.static == nil) {
		return false
	}
	return slices.Equal(d.static, other.static)
}

// ConfigReloadService keeps the registered domains in line with the domains
// declared in the configuration file. It only touches domains it declared
// itself, so domains added through the admin API are left alone.
type ConfigReloadService struct {
	commander      DomainCommander
	configFilePath string
	interval       time.Duration
	logger         *logger.Logger

	mu          sync.Mutex
	current     map[string]desiredDomain
	lastModTime time.Time
	reloads     int
}

// NewConfigReloadService creates a reload service; nothing is applied until Apply or Run
func NewConfigReloadService(
	commander DomainCommander,
	configFilePath string,
	interval time.Duration,
	log *logger.Logger,
) *ConfigReloadService {
	return &ConfigReloadService{
		commander:      commander,
		configFilePath: configFilePath,
		interval:       interval,
		logger:         log.WithField("component", "config_reload"),
		current:        make(map[string]desiredDomain),
	}
}

// Apply enqueues the commands that move the declared domains from the last
// applied configuration to cfg. Domains whose command fails are retried on
// the next Apply.
func (crs *ConfigReloadService) Apply(ctx context.Context, cfg *config.Config) error {
	desired, err := declaredDomains(cfg)
	if err != nil {
		return err
	}

	crs.mu.Lock()
	defer crs.mu.Unlock()

	var errs []error
	for name := range crs.current {
		if _, ok := desired[name]; ok {
			continue
		}
		if err := crs.commander.RemoveDomain(ctx, name); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(crs.current, name)
		crs.logger.WithField("domain", name).Info("Domain dropped from configuration")
	}

	for name, want := range desired {
		if have, ok := crs.current[name]; ok && have.equal(want) {
			continue
		}

		var err error
		if want.static != nil {
			err = crs.commander.InstallDomain(ctx, name, want.static)
		} else {
			err = crs.commander.AddDomain(ctx, name)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		crs.current[name] = want
		crs.logger.WithFields(map[string]interface{}{
			"domain":   name,
			"backends": len(want.static),
			"static":   want.static != nil,
		}).Info("Domain applied from configuration")
	}

	crs.reloads++
	return errors.Join(errs...)
}

// Run polls the configuration file every interval and applies it when its
// modification time changes. It returns when ctx is cancelled.
func (crs *ConfigReloadService) Run(ctx context.Context) error {
	if crs.configFilePath == "" || crs.interval <= 0 {
		return nil
	}

	if info, err := os.Stat(crs.configFilePath); err == nil {
		crs.setModTime(info.ModTime())
	}

	crs.logger.WithFields(map[string]interface{}{
		"config_file": crs.configFilePath,
		"interval":    crs.interval.String(),
	}).Info("Started configuration file watcher")

	ticker := time.NewTicker(crs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			crs.logger.Info("Stopped configuration file watcher")
			return nil
		case <-ticker.C:
			if err := crs.checkConfigFileModification(ctx); err != nil {
				crs.logger.WithError(err).Error("Failed to reload configuration file")
			}
		}
	}
}

func (crs *ConfigReloadService) checkConfigFileModification(ctx context.Context) error {
	info, err := os.Stat(crs.configFilePath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	crs.mu.Lock()
	unchanged := info.ModTime().Equal(crs.lastModTime)
	crs.mu.Unlock()
	if unchanged {
		return nil
	}

	cfg, err := config.LoadFromFile(crs.configFilePath)
	if err != nil {
		return err
	}
	config.ApplyEnvironment(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	crs.logger.Info("Configuration file changed, reloading domains")
	if err := crs.Apply(ctx, cfg); err != nil {
		return err
	}

	crs.setModTime(info.ModTime())
	return nil
}

func (crs *ConfigReloadService) setModTime(t time.Time) {
	crs.mu.Lock()
	crs.lastModTime = t
	crs.mu.Unlock()
}

// Declared returns the domains applied so far, sorted
func (crs *ConfigReloadService) Declared() []string {
	crs.mu.Lock()
	defer crs.mu.Unlock()

	names := make([]string, 0, len(crs.current))
	for name := range crs.current {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// declaredDomains merges the DNS and static domains of cfg; a static entry
// wins over a DNS entry for the same domain
func declaredDomains(cfg *config.Config) (map[string]desiredDomain, error) {
	static, err := cfg.StaticBackends()
	if err != nil {
		return nil, err
	}

	desired := make(map[string]desiredDomain, len(cfg.Domains)+len(static))
	for _, raw := range cfg.Domains {
		name, err := domain.CanonicalDomain(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid domain %q: %w", raw, err)
		}
		desired[name] = desiredDomain{}
	}
	for name, addrs := range static {
		desired[name] = desiredDomain{static: addrs}
	}
	return desired, nil
}
