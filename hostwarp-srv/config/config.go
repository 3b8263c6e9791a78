package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/codefionn/hostwarp/hostwarp-srv/logger"
)

// UpstreamType defines how an instance reaches its upstream proxy
type UpstreamType string

// Available upstream types
const (
	UpstreamTypeHTTP   UpstreamType = "http"   // HTTP proxy, absolute-form requests and CONNECT
	UpstreamTypeSocks5 UpstreamType = "socks5" // SOCKS5 proxy, every target dialed through it
)

// DefaultUserAgent replaces the client's User-Agent when header filtering is on.
const DefaultUserAgent = "Mozilla/4.0 (compatible; MSIE 4.0; WindowsNT 5.0)"

// PoolConfig controls the port range managed by the pool.
type PoolConfig struct {
	PortMin               int    // Lowest port handed out by Reserve
	PortMax               int    // Highest port handed out by Reserve
	ReservationTTLSeconds int    // Lifetime of a reservation that was never borrowed
	SweepIntervalMillis   int    // Period of the expiry sweeper
	BindAddress           string // Address every instance listens on, empty for all interfaces
}

// UpstreamConfig points an instance at another proxy.
type UpstreamConfig struct {
	Enabled  bool
	Type     UpstreamType
	Host     string
	Port     int
	Username *string // SOCKS5 only
	Password *string // SOCKS5 only
}

// Address returns host:port of the upstream proxy.
func (u UpstreamConfig) Address() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// InstanceConfig holds the defaults applied to every new proxy instance.
type InstanceConfig struct {
	Upstream           UpstreamConfig
	FilterHeaders      bool
	CookiesByDefault   bool
	UserAgent          string
	DialTimeoutSeconds int
	MaxBodyBytes       int      // Largest accepted request body, 0 for no limit
	Blocklist          []string // URL substrings answered with 403
}

// StatisticsConfig selects the connection statistics backend.
type StatisticsConfig struct {
	Enabled     bool
	Backend     string // "sqlite", "postgres" or "memory"
	SQLitePath  string
	PostgresDSN string
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
}

// LoggingConfig configures level and optional rotated log file.
type LoggingConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DNSOverrideConfig maps one hostname to a fixed IP literal.
type DNSOverrideConfig struct {
	Domain string
	IP     string
}

// ProxyDefinition is an instance started at boot.
type ProxyDefinition struct {
	Port         int // 0 reserves a free port from the pool
	DNSOverrides []DNSOverrideConfig
}

// Config represents the main configuration structure for the proxy pool.
type Config struct {
	Pool       PoolConfig
	Instance   InstanceConfig
	DNS        DNSConfig
	Statistics StatisticsConfig
	Metrics    MetricsConfig
	Logging    LoggingConfig
	Proxies    []ProxyDefinition
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			PortMin:               8081,
			PortMax:               8581,
			ReservationTTLSeconds: 10,
			SweepIntervalMillis:   1000,
		},
		Instance: InstanceConfig{
			Upstream: UpstreamConfig{
				Type: UpstreamTypeHTTP,
			},
			CookiesByDefault:   true,
			UserAgent:          DefaultUserAgent,
			DialTimeoutSeconds: 30,
			MaxBodyBytes:       64 << 20,
		},
		DNS: DefaultDNSConfig(),
		Statistics: StatisticsConfig{
			Backend:    "sqlite",
			SQLitePath: "hostwarp-stats.db",
		},
		Metrics: MetricsConfig{
			ListenAddress: "127.0.0.1:9090",
		},
		Logging: LoggingConfig{
			Level:      "INFO",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// LoadConfig loads configuration from the specified file path.
// Environment variables are applied first, the file overrides them.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var (
			data map[string]any
			err  error
		)

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			data, err = loadJSONConfig(configPath)
		case ".hcl":
			data, err = loadHCLConfig(configPath)
		case ".yaml", ".yml":
			data, err = loadYAMLConfig(configPath)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}
		if err != nil {
			return nil, err
		}

		if err := applyConfigMap(cfg, data); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks ranges and combinations that cannot be expressed per field.
func (c *Config) Validate() error {
	if c.Pool.PortMin < 1 || c.Pool.PortMax > 65535 || c.Pool.PortMin > c.Pool.PortMax {
		return fmt.Errorf("invalid port range %d-%d", c.Pool.PortMin, c.Pool.PortMax)
	}
	if c.Pool.ReservationTTLSeconds <= 0 {
		return fmt.Errorf("reservation-ttl-seconds must be positive")
	}
	if c.Pool.SweepIntervalMillis <= 0 {
		return fmt.Errorf("sweep-interval-ms must be positive")
	}

	up := c.Instance.Upstream
	switch up.Type {
	case UpstreamTypeHTTP, UpstreamTypeSocks5:
	default:
		return fmt.Errorf("invalid upstream type: %s", up.Type)
	}
	if up.Enabled && (up.Host == "" || up.Port <= 0 || up.Port > 65535) {
		return fmt.Errorf("upstream enabled but host or port missing")
	}

	if c.Instance.MaxBodyBytes < 0 {
		return fmt.Errorf("max-body-bytes must not be negative")
	}

	if c.Statistics.Enabled {
		switch c.Statistics.Backend {
		case "sqlite", "postgres", "memory":
		default:
			return fmt.Errorf("invalid statistics backend: %s", c.Statistics.Backend)
		}
	}

	if err := c.DNS.Validate(); err != nil {
		return err
	}

	for i, p := range c.Proxies {
		if p.Port < 0 || p.Port > 65535 {
			return fmt.Errorf("proxies[%d]: invalid port %d", i, p.Port)
		}
	}
	return nil
}

func loadJSONConfig(configPath string) (map[string]any, error) {
	file, err := openConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map first to handle the hyphenated keys
	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return data, nil
}

func openConfigFile(configPath string) (*os.File, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	return file, nil
}

// fieldSetter assigns one decoded value to a config field.
type fieldSetter func(value any) error

func setString(dst *string) fieldSetter {
	return func(value any) error {
		ptr, err := parseValue[string](value)
		if err != nil {
			return err
		}
		*dst = *ptr
		return nil
	}
}

func setOptionalString(dst **string) fieldSetter {
	return func(value any) error {
		ptr, err := parseValue[string](value)
		if err != nil {
			return err
		}
		*dst = ptr
		return nil
	}
}

func setInt(dst *int) fieldSetter {
	return func(value any) error {
		ptr, err := parseValue[int](value)
		if err != nil {
			return err
		}
		*dst = *ptr
		return nil
	}
}

func setBool(dst *bool) fieldSetter {
	return func(value any) error {
		ptr, err := parseValue[bool](value)
		if err != nil {
			return err
		}
		*dst = *ptr
		return nil
	}
}

func setStringList(dst *[]string) fieldSetter {
	return func(value any) error {
		list, ok := value.([]any)
		if !ok {
			return fmt.Errorf("must be an array")
		}
		out := make([]string, 0, len(list))
		for i, item := range list {
			ptr, err := parseValue[string](item)
			if err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
			out = append(out, *ptr)
		}
		*dst = out
		return nil
	}
}

// applySection runs the setter of every key present in data.
func applySection(section string, data map[string]any, fields map[string]fieldSetter) error {
	for key, value := range data {
		set, ok := fields[key]
		if !ok {
			logger.Warn("Ignoring unknown config key %s%s", section, key)
			continue
		}
		if err := set(value); err != nil {
			if strings.Contains(err.Error(), "secret") {
				return err
			}
			return fmt.Errorf("%s%s: %w", section, key, err)
		}
	}
	return nil
}

func sectionMap(data map[string]any, key string) (map[string]any, bool, error) {
	val, exists := data[key]
	if !exists {
		return nil, false, nil
	}
	m, ok := val.(map[string]any)
	if !ok {
		return nil, false, fmt.Errorf("%s must be an object", key)
	}
	return m, true, nil
}

// applyConfigMap maps a decoded document onto cfg. JSON, HCL and YAML all end up here.
func applyConfigMap(cfg *Config, data map[string]any) error {
	if pool, ok, err := sectionMap(data, "pool"); err != nil {
		return err
	} else if ok {
		if err := applySection("pool.", pool, map[string]fieldSetter{
			"port-min":                setInt(&cfg.Pool.PortMin),
			"port-max":                setInt(&cfg.Pool.PortMax),
			"reservation-ttl-seconds": setInt(&cfg.Pool.ReservationTTLSeconds),
			"sweep-interval-ms":       setInt(&cfg.Pool.SweepIntervalMillis),
			"bind-address":            setString(&cfg.Pool.BindAddress),
		}); err != nil {
			return err
		}
	}

	if instance, ok, err := sectionMap(data, "instance"); err != nil {
		return err
	} else if ok {
		up := &cfg.Instance.Upstream
		if err := applySection("instance.", instance, map[string]fieldSetter{
			"upstream": func(value any) error {
				m, ok := value.(map[string]any)
				if !ok {
					return fmt.Errorf("must be an object")
				}
				var upstreamType string
				if err := applySection("instance.upstream.", m, map[string]fieldSetter{
					"enabled":  setBool(&up.Enabled),
					"type":     setString(&upstreamType),
					"host":     setString(&up.Host),
					"port":     setInt(&up.Port),
					"username": setOptionalString(&up.Username),
					"password": setOptionalString(&up.Password),
				}); err != nil {
					return err
				}
				if upstreamType != "" {
					up.Type = UpstreamType(strings.ToLower(upstreamType))
				}
				return nil
			},
			"filter-headers":       setBool(&cfg.Instance.FilterHeaders),
			"cookies-by-default":   setBool(&cfg.Instance.CookiesByDefault),
			"user-agent":           setString(&cfg.Instance.UserAgent),
			"dial-timeout-seconds": setInt(&cfg.Instance.DialTimeoutSeconds),
			"max-body-bytes":       setInt(&cfg.Instance.MaxBodyBytes),
			"blocklist":            setStringList(&cfg.Instance.Blocklist),
		}); err != nil {
			return err
		}
	}

	if dns, ok, err := sectionMap(data, "dns"); err != nil {
		return err
	} else if ok {
		if err := applyDNSConfig(&cfg.DNS, dns); err != nil {
			return err
		}
	}

	if stats, ok, err := sectionMap(data, "statistics"); err != nil {
		return err
	} else if ok {
		if err := applySection("statistics.", stats, map[string]fieldSetter{
			"enabled":      setBool(&cfg.Statistics.Enabled),
			"backend":      setString(&cfg.Statistics.Backend),
			"sqlite-path":  setString(&cfg.Statistics.SQLitePath),
			"postgres-dsn": setString(&cfg.Statistics.PostgresDSN),
		}); err != nil {
			return err
		}
	}

	if metrics, ok, err := sectionMap(data, "metrics"); err != nil {
		return err
	} else if ok {
		if err := applySection("metrics.", metrics, map[string]fieldSetter{
			"enabled":        setBool(&cfg.Metrics.Enabled),
			"listen-address": setString(&cfg.Metrics.ListenAddress),
		}); err != nil {
			return err
		}
	}

	if logging, ok, err := sectionMap(data, "logging"); err != nil {
		return err
	} else if ok {
		if err := applySection("logging.", logging, map[string]fieldSetter{
			"level":        setString(&cfg.Logging.Level),
			"file":         setString(&cfg.Logging.File),
			"max-size-mb":  setInt(&cfg.Logging.MaxSizeMB),
			"max-backups":  setInt(&cfg.Logging.MaxBackups),
			"max-age-days": setInt(&cfg.Logging.MaxAgeDays),
		}); err != nil {
			return err
		}
	}

	if val, exists := data["proxies"]; exists {
		list, ok := val.([]any)
		if !ok {
			return fmt.Errorf("proxies must be an array")
		}
		cfg.Proxies = nil
		for i, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return fmt.Errorf("proxy configuration at index %d must be an object", i)
			}
			def, err := parseProxyDefinition(i, m)
			if err != nil {
				return err
			}
			cfg.Proxies = append(cfg.Proxies, def)
		}
	}

	return nil
}

func parseProxyDefinition(index int, m map[string]any) (ProxyDefinition, error) {
	var def ProxyDefinition
	section := fmt.Sprintf("proxies[%d].", index)
	err := applySection(section, m, map[string]fieldSetter{
		"port": setInt(&def.Port),
		"dns-overrides": func(value any) error {
			overrides, ok := value.(map[string]any)
			if !ok {
				return fmt.Errorf("must be an object of domain to IP")
			}
			for domain, ipVal := range overrides {
				ip, err := parseValue[string](ipVal)
				if err != nil {
					return fmt.Errorf("%s: %w", domain, err)
				}
				def.DNSOverrides = append(def.DNSOverrides, DNSOverrideConfig{Domain: domain, IP: *ip})
			}
			return nil
		},
	})
	return def, err
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON and HCL numbers
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case int:
		// YAML integers
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(float64(v))
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		// direct-case: cast
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", name, v)
			return
		}
		*dst = b
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", name, v)
			return
		}
		*dst = i
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func loadConfigFromEnv(cfg *Config) {
	envInt("HOSTWARP_PORTMIN", &cfg.Pool.PortMin)
	envInt("HOSTWARP_PORTMAX", &cfg.Pool.PortMax)
	envInt("HOSTWARP_RESERVATIONTTLSECONDS", &cfg.Pool.ReservationTTLSeconds)
	envString("HOSTWARP_BINDADDRESS", &cfg.Pool.BindAddress)

	envBool("HOSTWARP_USEUPSTREAM", &cfg.Instance.Upstream.Enabled)
	envString("HOSTWARP_UPSTREAMHOST", &cfg.Instance.Upstream.Host)
	envInt("HOSTWARP_UPSTREAMPORT", &cfg.Instance.Upstream.Port)
	if t := os.Getenv("HOSTWARP_UPSTREAMTYPE"); t != "" {
		cfg.Instance.Upstream.Type = UpstreamType(strings.ToLower(t))
	}

	envBool("HOSTWARP_FILTERHEADERS", &cfg.Instance.FilterHeaders)
	envBool("HOSTWARP_COOKIESBYDEFAULT", &cfg.Instance.CookiesByDefault)
	envString("HOSTWARP_USERAGENT", &cfg.Instance.UserAgent)
	envInt("HOSTWARP_DIALTIMEOUTSECONDS", &cfg.Instance.DialTimeoutSeconds)
	envInt("HOSTWARP_MAXBODYBYTES", &cfg.Instance.MaxBodyBytes)

	envString("HOSTWARP_LOGLEVEL", &cfg.Logging.Level)
	envString("HOSTWARP_LOGFILE", &cfg.Logging.File)

	if addr := os.Getenv("HOSTWARP_METRICSADDRESS"); addr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = addr
	}

	envBool("HOSTWARP_STATISTICS", &cfg.Statistics.Enabled)
	if dsn := os.Getenv("HOSTWARP_POSTGRESDSN"); dsn != "" {
		cfg.Statistics.Backend = "postgres"
		cfg.Statistics.PostgresDSN = dsn
	}
}
