package proxy

import (
	"context"
	"fmt"
	"maps"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/hostwarp/hostwarp-srv/config"
	"github.com/codefionn/hostwarp/hostwarp-srv/logger"
	"github.com/codefionn/hostwarp/hostwarp-srv/metrics"
	"github.com/codefionn/hostwarp/hostwarp-srv/resolver"
	"github.com/codefionn/hostwarp/hostwarp-srv/stats"
)

// HTTPVersion is the protocol version the proxy speaks to clients.
const HTTPVersion = "HTTP/1.1"

// DNSOverride maps one domain to a substitute IP address.
type DNSOverride struct {
	Domain string
	IP     string
}

// Settings is the per-instance behaviour. A session keeps the settings it
// was accepted with.
type Settings struct {
	Upstream         config.UpstreamConfig
	FilterHeaders    bool
	CookiesByDefault bool
	UserAgent        string
	DialTimeout      time.Duration
	MaxBodyBytes     int64 // 0 accepts any Content-Length
	Blocklist        []string
	DNSOverrides     []DNSOverride
}

// SettingsFromConfig builds instance settings from the configured defaults.
func SettingsFromConfig(cfg config.InstanceConfig) Settings {
	return Settings{
		Upstream:         cfg.Upstream,
		FilterHeaders:    cfg.FilterHeaders,
		CookiesByDefault: cfg.CookiesByDefault,
		UserAgent:        cfg.UserAgent,
		DialTimeout:      time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		MaxBodyBytes:     int64(cfg.MaxBodyBytes),
		Blocklist:        append([]string(nil), cfg.Blocklist...),
	}
}

// instanceSettings is an immutable snapshot with the lookup structures
// compiled.
type instanceSettings struct {
	Settings
	dnsTable  map[string]string
	blocklist *Blocklist
}

func compileSettings(s Settings) *instanceSettings {
	if s.DialTimeout <= 0 {
		s.DialTimeout = 30 * time.Second
	}
	if s.UserAgent == "" {
		s.UserAgent = config.DefaultUserAgent
	}
	table := make(map[string]string, len(s.DNSOverrides))
	for _, o := range s.DNSOverrides {
		table[strings.ToLower(strings.TrimSpace(o.Domain))] = strings.TrimSpace(o.IP)
	}
	return &instanceSettings{
		Settings:  s,
		dnsTable:  table,
		blocklist: NewBlocklist(s.Blocklist),
	}
}

// Option configures an Instance.
type Option func(*Instance)

// WithResolver sets the resolver used for ordinary name resolution.
func WithResolver(r resolver.HostResolver) Option {
	return func(i *Instance) { i.resolver = r }
}

// WithCollector sets the statistics collector.
func WithCollector(c stats.Collector) Option {
	return func(i *Instance) { i.collector = c }
}

// WithMetrics sets the Prometheus metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Instance) { i.metrics = m }
}

// WithBindAddress sets the interface the listener binds to.
func WithBindAddress(addr string) Option {
	return func(i *Instance) { i.bindAddress = addr }
}

// WithVersion sets the version reported in the Server header.
func WithVersion(v string) Option {
	return func(i *Instance) { i.version = v }
}

// Instance is one proxy listening on one port.
type Instance struct {
	port        int
	bindAddress string
	version     string
	resolver    resolver.HostResolver
	collector   stats.Collector
	metrics     *metrics.Metrics

	settingsMu sync.Mutex
	settings   atomic.Pointer[instanceSettings]

	mu       sync.Mutex
	listener net.Listener
	stopped  atomic.Bool
	running  atomic.Bool

	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	bytesRead         atomic.Int64
	bytesWritten      atomic.Int64
}

// NewInstance creates a stopped-until-run instance for port. Port 0 picks a
// free port when listening.
func NewInstance(port int, settings Settings, opts ...Option) *Instance {
	inst := &Instance{
		port:      port,
		version:   "dev",
		resolver:  net.DefaultResolver,
		collector: stats.NewDummyCollector(),
	}
	inst.settings.Store(compileSettings(settings))
	for _, opt := range opts {
		opt(inst)
	}
	return inst
}

// Listen binds the listening socket. A bind failure is returned, not retried.
func (i *Instance) Listen() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.stopped.Load() {
		return NewProxyError(ErrCodeInstanceStopped, GetErrorDescription(ErrCodeInstanceStopped), nil)
	}
	if i.listener != nil {
		return NewProxyError(ErrCodeAlreadyListening, GetErrorDescription(ErrCodeAlreadyListening), nil)
	}

	addr := net.JoinHostPort(i.bindAddress, strconv.Itoa(i.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return NewProxyError(ErrCodeListenerCreateFailed, GetErrorDescription(ErrCodeListenerCreateFailed),
			fmt.Errorf("listen on %s: %w", addr, err))
	}
	i.listener = ln
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		i.port = tcp.Port
	}
	logger.Info("Proxy instance listening on %s", ln.Addr())
	return nil
}

// Serve accepts connections until Stop is called. It returns nil after Stop
// and the accept error otherwise.
func (i *Instance) Serve() error {
	i.mu.Lock()
	ln := i.listener
	i.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("instance on port %d is not listening", i.port)
	}

	i.running.Store(true)
	defer i.running.Store(false)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if i.stopped.Load() {
				logger.Debug("Accept loop on port %d ended", i.port)
				return nil
			}
			logger.Error("Accept on port %d failed, stopping instance: %v", i.port, err)
			i.Stop()
			return fmt.Errorf("accept on port %d: %w", i.port, err)
		}

		i.activeConnections.Add(1)
		i.totalConnections.Add(1)
		i.metrics.SessionStarted()

		s := newSession(i, conn, i.settings.Load())
		go func() {
			defer i.activeConnections.Add(-1)
			s.run(context.Background())
		}()
	}
}

// Run binds and serves.
func (i *Instance) Run() error {
	if err := i.Listen(); err != nil {
		return err
	}
	return i.Serve()
}

// Stop closes the listener. Sessions already accepted drain on their own.
// It is idempotent and safe to call concurrently with Serve.
func (i *Instance) Stop() {
	if !i.stopped.CompareAndSwap(false, true) {
		return
	}
	i.mu.Lock()
	ln, port := i.listener, i.port
	i.mu.Unlock()
	if ln != nil {
		if err := ln.Close(); err != nil {
			logger.Debug("Closing listener on port %d: %v", port, err)
		}
	}
	logger.Info("Proxy instance on port %d stopped", port)
}

func (i *Instance) IsStopped() bool {
	return i.stopped.Load()
}

func (i *Instance) IsRunning() bool {
	return i.running.Load()
}

// Addr returns the listener address, or nil before Listen.
func (i *Instance) Addr() net.Addr {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.listener == nil {
		return nil
	}
	return i.listener.Addr()
}

// Port returns the port, resolved to the bound port after Listen.
func (i *Instance) Port() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.port
}

func (i *Instance) ActiveConnections() int64 { return i.activeConnections.Load() }
func (i *Instance) TotalConnections() int64  { return i.totalConnections.Load() }
func (i *Instance) BytesRead() int64         { return i.bytesRead.Load() }
func (i *Instance) BytesWritten() int64      { return i.bytesWritten.Load() }

func (i *Instance) addBytesRead(n int64) {
	i.bytesRead.Add(n)
	i.metrics.AddBytesRead(n)
}

func (i *Instance) addBytesWritten(n int64) {
	if n <= 0 {
		return
	}
	i.bytesWritten.Add(n)
	i.metrics.AddBytesWritten(n)
}

// Settings returns a copy of the current settings.
func (i *Instance) Settings() Settings {
	s := i.settings.Load().Settings
	s.Blocklist = append([]string(nil), s.Blocklist...)
	s.DNSOverrides = append([]DNSOverride(nil), s.DNSOverrides...)
	return s
}

// updateSettings applies fn to a copy of the settings and publishes it for
// sessions accepted afterwards.
func (i *Instance) updateSettings(fn func(*Settings)) {
	i.settingsMu.Lock()
	defer i.settingsMu.Unlock()
	s := i.Settings()
	fn(&s)
	i.settings.Store(compileSettings(s))
}

// ApplySettings replaces all settings at once.
func (i *Instance) ApplySettings(s Settings) {
	i.updateSettings(func(dst *Settings) { *dst = s })
}

func (i *Instance) SetDNSOverrides(overrides []DNSOverride) {
	i.updateSettings(func(s *Settings) { s.DNSOverrides = append([]DNSOverride(nil), overrides...) })
}

func (i *Instance) SetFilterHeaders(enabled bool) {
	i.updateSettings(func(s *Settings) { s.FilterHeaders = enabled })
}

func (i *Instance) SetCookiesByDefault(enabled bool) {
	i.updateSettings(func(s *Settings) { s.CookiesByDefault = enabled })
}

// SetUseUpstream toggles the configured upstream proxy.
func (i *Instance) SetUseUpstream(enabled bool) {
	i.updateSettings(func(s *Settings) { s.Upstream.Enabled = enabled })
}

func (i *Instance) SetUserAgent(ua string) {
	i.updateSettings(func(s *Settings) { s.UserAgent = ua })
}

// SetMaxBodyBytes limits request bodies; larger ones are answered with 413.
func (i *Instance) SetMaxBodyBytes(n int64) {
	i.updateSettings(func(s *Settings) { s.MaxBodyBytes = n })
}

func (i *Instance) SetBlocklist(patterns []string) {
	i.updateSettings(func(s *Settings) { s.Blocklist = append([]string(nil), patterns...) })
}

// DNSOverrides returns the current override table.
func (i *Instance) DNSOverrides() map[string]string {
	return maps.Clone(i.settings.Load().dnsTable)
}

func (i *Instance) serverName() string {
	return "hostwarp/" + i.version
}

// statusPageTimeout bounds the statistics query behind the status page.
const statusPageTimeout = 2 * time.Second

func (i *Instance) statusPage(ctx context.Context) statusPage {
	s := i.settings.Load()
	route := "direct"
	if s.Upstream.Enabled {
		route = fmt.Sprintf("%s upstream %s", s.Upstream.Type, s.Upstream.Address())
	}
	ctx, cancel := context.WithTimeout(ctx, statusPageTimeout)
	defer cancel()
	recorded, err := i.collector.GetOverviewStats(ctx)
	if err != nil {
		logger.Debug("Statistics overview unavailable: %v", err)
		recorded = nil
	}

	return statusPage{
		Recorded:          recorded,
		Port:              i.Port(),
		ActiveConnections: i.ActiveConnections(),
		TotalConnections:  i.TotalConnections(),
		BytesRead:         i.BytesRead(),
		BytesWritten:      i.BytesWritten(),
		Route:             route,
		Overrides:         len(s.dnsTable),
	}
}
