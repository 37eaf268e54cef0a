package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	TenantsPath     string
	LogLevel        string
	LogFormat       string
	AdminPort       int
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

func parseFlags(args []string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("PROTOGATE_CONFIG", ""),
		"Path to gateway configuration file (env: PROTOGATE_CONFIG)")
	fs.StringVar(&cfg.TenantsPath, "tenants",
		getEnv("PROTOGATE_TENANTS", ""),
		"Path to tenant configs, overrides tenants.path (env: PROTOGATE_TENANTS)")
	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("PROTOGATE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: PROTOGATE_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("PROTOGATE_LOG_FORMAT", "json"),
		"Log format: json, text (env: PROTOGATE_LOG_FORMAT)")
	fs.IntVar(&cfg.AdminPort, "admin-port",
		getEnvInt("PROTOGATE_ADMIN_PORT", -1),
		"Admin API port, 0 to disable, -1 to use the config file (env: PROTOGATE_ADMIN_PORT)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("PROTOGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: PROTOGATE_SHUTDOWN_TIMEOUT)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		_, _ = fmt.Fprintf(stderr, "%s - IoT protocol gateway\n\nUsage: %s [options]\n\nOptions:\n", appName, appName)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, validateFlags(cfg)
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}
	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.AdminPort < -1 || cfg.AdminPort > 65535 {
		return fmt.Errorf("invalid admin port: %d", cfg.AdminPort)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
