package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/hostwarp/hostwarp-srv/config"
	"github.com/codefionn/hostwarp/hostwarp-srv/logger"
	"github.com/codefionn/hostwarp/hostwarp-srv/metrics"
	"github.com/codefionn/hostwarp/hostwarp-srv/pool"
	"github.com/codefionn/hostwarp/hostwarp-srv/proxy"
	"github.com/codefionn/hostwarp/hostwarp-srv/resolver"
	"github.com/codefionn/hostwarp/hostwarp-srv/stats"
)

var version string

func main() {
	cfg, configPath := parseFlagsAndConfig()
	runPool(cfg, configPath)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
// configPath is empty when the configuration came from the environment only.
func parseFlagsAndConfig() (cfg *config.Config, configPath string) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	versionShortFlag := flag.Bool("v", false, "Print version and exit (shorthand)")
	configPathPtr := flag.String("config", "config.json", "Path to configuration file (.json, .hcl, .yaml)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if version == "" {
		version = "dev"
	}
	if *versionFlag || *versionShortFlag {
		fmt.Println("hostwarp version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	configPath = *configPathPtr
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Warn("Could not load config file: %v. Using environment variables.", err)
		configPath = ""
		cfg, err = config.LoadConfig("")
		if err != nil {
			logger.Fatal("Failed to load configuration: %v", err)
		}
	}

	applyLogging(cfg.Logging)
	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	logger.Info("Starting hostwarp %s", version)
	logger.Debug("Port range %d-%d, reservation TTL %ds", cfg.Pool.PortMin, cfg.Pool.PortMax, cfg.Pool.ReservationTTLSeconds)
	if cfg.Instance.Upstream.Enabled {
		logger.Debug("Upstream %s proxy at %s", cfg.Instance.Upstream.Type, cfg.Instance.Upstream.Address())
	}
	logger.Debug("Dial timeout: %d seconds", cfg.Instance.DialTimeoutSeconds)
	logger.Debug("Boot proxies: %d", len(cfg.Proxies))

	return cfg, configPath
}

func applyLogging(cfg config.LoggingConfig) {
	logger.SetLevel(logger.GetLevelFromString(cfg.Level))
	err := logger.ConfigureFile(logger.FileConfig{
		Path:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
	})
	if err != nil {
		logger.Error("Failed to configure log file: %v", err)
	}
}

// startMetrics serves the Prometheus registry until the server is shut down.
func startMetrics(cfg config.MetricsConfig, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Metrics listening on %s", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error: %v", err)
		}
	}()
	return srv
}

// runPool starts the pool manager and boot-time proxies, then handles
// signals and configuration reloads until shutdown.
func runPool(cfg *config.Config, configPath string) {
	var m *metrics.Metrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metricsServer = startMetrics(cfg.Metrics, m)
	}

	collector, err := stats.CreateCollector(cfg.Statistics)
	if err != nil {
		logger.Error("Failed to create statistics collector: %v (continuing without statistics)", err)
		collector = stats.NewDummyCollector()
	}
	healthCtx, healthCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := collector.HealthCheck(healthCtx); err != nil {
		logger.Warn("Statistics backend unhealthy: %v (continuing without statistics)", err)
		_ = collector.Close()
		collector = stats.NewDummyCollector()
	}
	healthCancel()

	dns := resolver.NewHolder(cfg.DNS)
	bindAddress := cfg.Pool.BindAddress
	factory := func(port int) *proxy.Instance {
		return proxy.NewInstance(port, proxy.Settings{},
			proxy.WithResolver(dns),
			proxy.WithCollector(collector),
			proxy.WithMetrics(m),
			proxy.WithBindAddress(bindAddress),
			proxy.WithVersion(version),
		)
	}

	manager, err := pool.NewManager(pool.SettingsFromConfig(cfg.Pool), factory, pool.WithMetrics(m))
	if err != nil {
		logger.Fatal("Failed to create pool manager: %v", err)
	}
	controller := pool.NewController(manager, cfg.Instance)

	for _, def := range cfg.Proxies {
		port, err := controller.Start(pool.ProxyConfigFromDefinition(def))
		if err != nil {
			logger.Error("Failed to start boot proxy on port %d: %v", def.Port, err)
			continue
		}
		logger.Info("Boot proxy listening on port %d", port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath, cfg, func(oldCfg, newCfg *config.Config) error {
			controller.SetDefaults(newCfg.Instance)
			dns.Update(newCfg.DNS)
			applyLogging(newCfg.Logging)
			if oldCfg.Pool != newCfg.Pool || oldCfg.Metrics != newCfg.Metrics || oldCfg.Statistics != newCfg.Statistics {
				logger.Warn("Pool, metrics and statistics settings apply after a restart")
			}
			m.ConfigReloaded(nil)
			logger.Info("Configuration reloaded; new proxies use the updated defaults")
			return nil
		})
		if err != nil {
			logger.Warn("Config file watching disabled: %v", err)
		} else {
			go watcher.Run(ctx)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			if watcher == nil {
				logger.Info("Received SIGHUP without a config file; nothing to reload")
				continue
			}
			logger.Info("Received SIGHUP: reloading configuration...")
			watcher.Reload()
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("Received signal %v, shutting down...", sig)
			cancel()
			manager.Close()
			if err := collector.Close(); err != nil {
				logger.Error("Error closing statistics collector: %v", err)
			}
			if metricsServer != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := metricsServer.Shutdown(shutdownCtx); err != nil {
					logger.Error("Error stopping metrics server: %v", err)
				}
				shutdownCancel()
			}
			logger.Info("Shutdown complete")
			return
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
