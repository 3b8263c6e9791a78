package config

import "slices"

// HasChanged returns true if the configuration has changed compared to another config.
// This implementation explicitly compares all fields without using reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.Pool != b.Pool {
		return true
	}
	if !instanceEqual(a.Instance, b.Instance) {
		return true
	}
	if !dnsEqual(a.DNS, b.DNS) {
		return true
	}
	if a.Statistics != b.Statistics || a.Metrics != b.Metrics || a.Logging != b.Logging {
		return true
	}
	return !slices.EqualFunc(a.Proxies, b.Proxies, proxyDefinitionEqual)
}

// InstanceChanged reports whether the instance defaults differ.
// Reload only has to touch the controller in that case.
func InstanceChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	return !instanceEqual(a.Instance, b.Instance)
}

func instanceEqual(a, b InstanceConfig) bool {
	return upstreamEqual(a.Upstream, b.Upstream) &&
		a.FilterHeaders == b.FilterHeaders &&
		a.CookiesByDefault == b.CookiesByDefault &&
		a.UserAgent == b.UserAgent &&
		a.DialTimeoutSeconds == b.DialTimeoutSeconds &&
		a.MaxBodyBytes == b.MaxBodyBytes &&
		slices.Equal(a.Blocklist, b.Blocklist)
}

func upstreamEqual(a, b UpstreamConfig) bool {
	return a.Enabled == b.Enabled &&
		a.Type == b.Type &&
		a.Host == b.Host &&
		a.Port == b.Port &&
		stringPtrEqual(a.Username, b.Username) &&
		stringPtrEqual(a.Password, b.Password)
}

func dnsEqual(a, b DNSConfig) bool {
	return a.Enabled == b.Enabled && slices.Equal(a.Servers, b.Servers)
}

func proxyDefinitionEqual(a, b ProxyDefinition) bool {
	if a.Port != b.Port || len(a.DNSOverrides) != len(b.DNSOverrides) {
		return false
	}
	// Map decoding gives no stable order, compare as sets
	seen := make(map[DNSOverrideConfig]int, len(a.DNSOverrides))
	for _, o := range a.DNSOverrides {
		seen[o]++
	}
	for _, o := range b.DNSOverrides {
		if seen[o] == 0 {
			return false
		}
		seen[o]--
	}
	return true
}

// stringPtrEqual compares two string pointers for equality.
func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
