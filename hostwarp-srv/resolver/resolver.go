package resolver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/codefionn/hostwarp/hostwarp-srv/config"
	"github.com/codefionn/hostwarp/hostwarp-srv/logger"
)

// ErrNoAddress is returned when a name resolves to no usable address.
var ErrNoAddress = errors.New("no address found")

// HostResolver is what the proxy needs from a resolver.
type HostResolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// serverDialer rotates DNS queries over the configured servers (UDP, TCP, DoT).
type serverDialer struct {
	servers    []config.DNSServerConfig
	currentIdx int
	mutex      sync.Mutex
	tlsConfig  *tls.Config
}

// New returns a resolver for cfg. A disabled or empty config yields the
// pure Go resolver backed by the system configuration.
func New(cfg config.DNSConfig) *net.Resolver {
	if !cfg.Enabled || len(cfg.Servers) == 0 {
		return &net.Resolver{PreferGo: true}
	}

	d := &serverDialer{
		servers: slices.Clone(cfg.Servers),
		tlsConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{"dot"},
		},
	}
	return &net.Resolver{
		PreferGo: true,
		Dial:     d.Dial,
	}
}

// Dial is the custom dial function for DNS resolution.
func (d *serverDialer) Dial(ctx context.Context, _, _ string) (net.Conn, error) {
	d.mutex.Lock()
	serverIdx := d.currentIdx
	d.currentIdx = (d.currentIdx + 1) % len(d.servers)
	d.mutex.Unlock()

	dnsServer := d.servers[serverIdx]
	logger.Trace("Using DNS server %d: %s (%s)", serverIdx, dnsServer.Address, dnsServer.Type)

	dialer := &net.Dialer{
		Timeout: dnsServer.GetTimeoutDuration(),
	}

	switch dnsServer.Type {
	case config.DNSTypeUDP, config.DNSTypeTCP:
		return dialer.DialContext(ctx, string(dnsServer.Type), dnsServer.Address)

	case config.DNSTypeDoT:
		tcpConn, err := dialer.DialContext(ctx, "tcp", dnsServer.Address)
		if err != nil {
			return nil, fmt.Errorf("DoT TCP connection failed: %w", err)
		}

		tlsConfig := d.tlsConfig.Clone()
		if dnsServer.TLSHost != "" {
			tlsConfig.ServerName = dnsServer.TLSHost
		} else if host, _, err := net.SplitHostPort(dnsServer.Address); err == nil {
			tlsConfig.ServerName = host
		}

		tlsConn := tls.Client(tcpConn, tlsConfig)
		handshakeCtx, cancel := context.WithTimeout(ctx, dnsServer.GetTimeoutDuration())
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = tcpConn.Close()
			return nil, fmt.Errorf("DoT TLS handshake failed: %w", err)
		}
		return tlsConn, nil

	default:
		return nil, fmt.Errorf("unsupported DNS server type: %s", dnsServer.Type)
	}
}

// Holder shares one resolver between instances and swaps it on reload.
type Holder struct {
	mu       sync.Mutex
	cfg      config.DNSConfig
	resolver atomic.Pointer[net.Resolver]
}

// NewHolder creates a holder initialised from cfg.
func NewHolder(cfg config.DNSConfig) *Holder {
	h := &Holder{cfg: cfg}
	h.resolver.Store(New(cfg))
	logResolver(cfg)
	return h
}

// Update replaces the resolver when cfg differs from the current one.
func (h *Holder) Update(cfg config.DNSConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if configsEqual(h.cfg, cfg) {
		return
	}
	logger.Info("DNS configuration changed, reinitializing resolver")
	h.cfg = cfg
	h.resolver.Store(New(cfg))
	logResolver(cfg)
}

// LookupIPAddr resolves host with the current resolver.
func (h *Holder) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return h.resolver.Load().LookupIPAddr(ctx, host)
}

func logResolver(cfg config.DNSConfig) {
	if !cfg.Enabled || len(cfg.Servers) == 0 {
		logger.Info("Using system default DNS resolver")
		return
	}
	logger.Info("Custom DNS resolver initialized with %d server(s)", len(cfg.Servers))
	for i, server := range cfg.Servers {
		logger.Info("  DNS Server %d: %s (%s)", i, server.Address, server.Type)
	}
}

// configsEqual checks if two DNSConfig are equivalent
func configsEqual(a, b config.DNSConfig) bool {
	return a.Enabled == b.Enabled && slices.Equal(a.Servers, b.Servers)
}

// LookupFirst resolves host and prefers an IPv4 address, the way a
// single-address client would.
func LookupFirst(ctx context.Context, r HostResolver, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	addrs, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%s: %w", host, ErrNoAddress)
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP, nil
		}
	}
	return addrs[0].IP, nil
}
