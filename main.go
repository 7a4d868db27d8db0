package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/codefionn/durchstich/durchstich-srv/config"
	"github.com/codefionn/durchstich/durchstich-srv/logger"
	"github.com/codefionn/durchstich/durchstich-srv/tunnel"
)

var version string

func main() {
	cfg, configPath := parseFlagsAndConfig()
	runTunnel(cfg, configPath)
}

// parseFlagsAndConfig handles CLI flags, environment, logging, and config loading.
func parseFlagsAndConfig() (cfg *config.Config, configPath string) {
	versionFlag := flag.Bool("version", false, "Print version and exit")
	configPathPtr := flag.String("config", "", "Path to configuration file (supports .json and .hcl formats)")
	envfile := flag.String("envfile", "", "Path to env file to load environment variables")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	proxyAddr := flag.String("proxy", "", "HTTP proxy address (host[:port], default port 8080)")
	localOnly := flag.Bool("local", false, "Bind tunnel listeners to the loopback interface only")
	verbose := flag.Int("verbose", -1, "Verbosity: 0 silent, 1 connection events, 2 per-chunk byte counts")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"Usage: %s [flags] [port:host:hostport ...]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *versionFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("durchstich version:", version)
		os.Exit(0)
	}

	if *envfile != "" {
		if err := loadEnvFile(*envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Info("Loaded environment variables from %s", *envfile)
	}

	cfg, err := config.LoadConfig(*configPathPtr)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}

	// Command line beats config file and environment.
	if *proxyAddr != "" {
		hostPort, username, password, err := config.NormalizeProxyAddress(*proxyAddr)
		if err != nil {
			logger.Fatal("Invalid proxy address: %v", err)
		}
		cfg.ProxyAddress = hostPort
		if username != nil {
			cfg.ProxyUsername = username
		}
		if password != nil {
			cfg.ProxyPassword = password
		}
	}
	if *localOnly {
		cfg.LocalOnly = true
	}
	if *verbose >= 0 {
		cfg.Verbosity = *verbose
	}

	if specs := flag.Args(); len(specs) > 0 {
		cfg.Tunnels = nil
		for _, spec := range specs {
			parsed, err := config.ParseTunnelSpec(spec)
			if err != nil {
				logger.Fatal("%v", err)
			}
			cfg.Tunnels = append(cfg.Tunnels, parsed)
		}
	}

	logger.SetVerbosity(cfg.Verbosity)
	if *debugMode {
		logger.SetLevel(logger.DEBUG)
		logger.Debug("Debug logging enabled")
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration: %v", err)
	}

	logger.Info("Starting durchstich with proxy %s", cfg.ProxyAddress)
	for i, t := range cfg.Tunnels {
		logger.Debug("Tunnel %d: local port %d to %s", i, t.ListenPort, t.Dest())
	}

	return cfg, *configPathPtr
}

// runTunnel starts and manages the tunnel engine, including signal handling and reloads.
func runTunnel(cfg *config.Config, configPath string) {
	tunnelInstance := tunnel.NewTunnel(cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	startTunnel := func() {
		go func() {
			if err := tunnelInstance.Start(); err != nil {
				logger.Fatal("Tunnel error: %v", err)
			}
		}()
	}

	startTunnel()
	currentCfg := cfg

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			if configPath == "" {
				logger.Info("Received SIGHUP but no config file in use; ignoring.")
				continue
			}
			logger.Info("Received SIGHUP: reloading configuration...")
			newCfg, err := config.LoadConfig(configPath)
			if err != nil {
				logger.Error("Failed to reload config: %v (keeping current config)", err)
				continue
			}
			if err := newCfg.Validate(); err != nil {
				logger.Error("Reloaded config invalid: %v (keeping current config)", err)
				continue
			}
			if !config.HasChanged(currentCfg, newCfg) {
				logger.Info("Config unchanged after reload; not restarting tunnels.")
				continue
			}
			logger.Info("Config changed. Restarting tunnels...")
			if err := tunnelInstance.Stop(); err != nil {
				logger.Error("Error stopping tunnels for reload: %v", err)
			}
			logger.SetVerbosity(newCfg.Verbosity)
			tunnelInstance = tunnel.NewTunnel(newCfg)
			startTunnel()
			currentCfg = newCfg
			logger.Info("Tunnels restarted with new configuration.")
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("Received signal %v, shutting down...", sig)
			if err := tunnelInstance.Stop(); err != nil {
				logger.Error("Error during shutdown: %v", err)
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
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
