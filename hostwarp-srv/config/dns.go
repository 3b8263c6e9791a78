package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// DNSType defines the type of DNS server
type DNSType string

// Available DNS types
const (
	DNSTypeUDP DNSType = "udp" // Standard DNS over UDP
	DNSTypeTCP DNSType = "tcp" // Standard DNS over TCP
	DNSTypeDoT DNSType = "dot" // DNS over TLS
)

// DNSServerConfig defines configuration for a single DNS server
type DNSServerConfig struct {
	Address        string  // host:port or [IPv6]:port
	Type           DNSType // udp, tcp or dot
	TimeoutSeconds int     // Query timeout in seconds
	TLSHost        string  // SNI name, only used for DoT
}

// GetTimeoutDuration returns the timeout as a time.Duration
func (d DNSServerConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// DNSConfig holds configuration for the resolver used when a host has no override.
type DNSConfig struct {
	Enabled bool              // false uses the system resolver
	Servers []DNSServerConfig // Tried in order
}

// DefaultDNSConfig returns default DNS configuration.
func DefaultDNSConfig() DNSConfig {
	return DNSConfig{
		Enabled: false,
		Servers: []DNSServerConfig{
			{
				Address:        "8.8.8.8:53",
				Type:           DNSTypeUDP,
				TimeoutSeconds: 10,
			},
			{
				Address:        "1.1.1.1:53",
				Type:           DNSTypeUDP,
				TimeoutSeconds: 10,
			},
		},
	}
}

// Validate rejects server entries the resolver could not dial.
func (d DNSConfig) Validate() error {
	if !d.Enabled {
		return nil
	}
	if len(d.Servers) == 0 {
		return fmt.Errorf("dns enabled but no servers configured")
	}
	for i, s := range d.Servers {
		switch s.Type {
		case DNSTypeUDP, DNSTypeTCP, DNSTypeDoT:
		default:
			return fmt.Errorf("dns.servers[%d]: invalid type %q", i, s.Type)
		}
		if _, _, err := net.SplitHostPort(s.Address); err != nil {
			return fmt.Errorf("dns.servers[%d]: invalid address %q: %w", i, s.Address, err)
		}
		if s.TimeoutSeconds <= 0 {
			return fmt.Errorf("dns.servers[%d]: timeout-seconds must be positive", i)
		}
	}
	return nil
}

func applyDNSConfig(dns *DNSConfig, data map[string]any) error {
	return applySection("dns.", data, map[string]fieldSetter{
		"enabled": setBool(&dns.Enabled),
		"servers": func(value any) error {
			list, ok := value.([]any)
			if !ok {
				return fmt.Errorf("must be an array")
			}
			servers := make([]DNSServerConfig, 0, len(list))
			for i, item := range list {
				m, ok := item.(map[string]any)
				if !ok {
					return fmt.Errorf("index %d must be an object", i)
				}
				server := DNSServerConfig{Type: DNSTypeUDP, TimeoutSeconds: 10}
				var serverType string
				if err := applySection(fmt.Sprintf("dns.servers[%d].", i), m, map[string]fieldSetter{
					"address":         setString(&server.Address),
					"type":            setString(&serverType),
					"timeout-seconds": setInt(&server.TimeoutSeconds),
					"tls-host":        setString(&server.TLSHost),
				}); err != nil {
					return err
				}
				if serverType != "" {
					server.Type = DNSType(strings.ToLower(serverType))
				}
				servers = append(servers, server)
			}
			dns.Servers = servers
			return nil
		},
	})
}
