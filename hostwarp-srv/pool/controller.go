package pool

import (
	"fmt"
	"sync"

	"github.com/codefionn/hostwarp/hostwarp-srv/config"
	"github.com/codefionn/hostwarp/hostwarp-srv/logger"
	"github.com/codefionn/hostwarp/hostwarp-srv/proxy"
)

// ProxyConfig describes one proxy to start. Port 0 reserves a free port.
// Nil toggles keep the instance defaults.
type ProxyConfig struct {
	Port             int
	DNSOverrides     []proxy.DNSOverride
	UseUpstream      *bool
	CookiesByDefault *bool
	FilterHeaders    *bool
}

// ProxyConfigFromDefinition converts a boot-time proxy definition.
func ProxyConfigFromDefinition(def config.ProxyDefinition) ProxyConfig {
	overrides := make([]proxy.DNSOverride, 0, len(def.DNSOverrides))
	for _, o := range def.DNSOverrides {
		overrides = append(overrides, proxy.DNSOverride{Domain: o.Domain, IP: o.IP})
	}
	return ProxyConfig{Port: def.Port, DNSOverrides: overrides}
}

// Controller is the administrative surface over a Manager. All methods are
// safe to call concurrently with live traffic and the sweeper.
type Controller struct {
	manager *Manager

	mu       sync.RWMutex
	defaults config.InstanceConfig
}

// NewController creates a controller that starts instances with defaults.
func NewController(manager *Manager, defaults config.InstanceConfig) *Controller {
	return &Controller{manager: manager, defaults: defaults}
}

// SetDefaults changes the defaults for instances started afterwards.
func (c *Controller) SetDefaults(defaults config.InstanceConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaults = defaults
}

func (c *Controller) settingsFor(pc ProxyConfig) proxy.Settings {
	c.mu.RLock()
	settings := proxy.SettingsFromConfig(c.defaults)
	c.mu.RUnlock()

	settings.DNSOverrides = append([]proxy.DNSOverride(nil), pc.DNSOverrides...)
	if pc.UseUpstream != nil {
		settings.Upstream.Enabled = *pc.UseUpstream
	}
	if pc.CookiesByDefault != nil {
		settings.CookiesByDefault = *pc.CookiesByDefault
	}
	if pc.FilterHeaders != nil {
		settings.FilterHeaders = *pc.FilterHeaders
	}
	return settings
}

// Start borrows a port, binds the instance and serves it in the background.
// It returns once the listener is bound.
func (c *Controller) Start(pc ProxyConfig) (int, error) {
	port := pc.Port
	if port == 0 {
		reserved, err := c.manager.Reserve()
		if err != nil {
			return 0, fmt.Errorf("reserve port: %w", err)
		}
		port = reserved
	}

	inst, err := c.manager.Borrow(port)
	if err != nil {
		return 0, fmt.Errorf("start proxy: %w", err)
	}
	inst.ApplySettings(c.settingsFor(pc))

	if err := inst.Listen(); err != nil {
		c.manager.releaseInstance(port, inst)
		return 0, fmt.Errorf("start proxy on port %d: %w", port, err)
	}

	go func() {
		if err := inst.Serve(); err != nil {
			logger.Error("Proxy on port %d failed: %v", port, err)
			c.manager.releaseInstance(port, inst)
		}
	}()

	logger.Info("Started proxy on port %d with %d DNS overrides", port, len(pc.DNSOverrides))
	return port, nil
}

// Stop releases port. Stopping an unknown port does nothing.
func (c *Controller) Stop(port int) {
	c.manager.Release(port)
}

// ListActive returns the ports with a live instance.
func (c *Controller) ListActive() []int {
	return c.manager.ActivePorts()
}

// ReservePort reserves a port for a later Start.
func (c *Controller) ReservePort() (int, error) {
	return c.manager.Reserve()
}
