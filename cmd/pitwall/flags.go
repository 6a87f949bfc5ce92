package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	HTTPAddr        string
	ShowVersion     bool
	Validate        bool
}

// layerFlag collects repeated --config flags in order.
type layerFlag struct{ paths *[]string }

func (f layerFlag) String() string {
	if f.paths == nil {
		return ""
	}
	return fmt.Sprint(*f.paths)
}

func (f layerFlag) Set(v string) error {
	*f.paths = append(*f.paths, v)
	return nil
}

func parseFlags(args []string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.Var(layerFlag{&cfg.ConfigPaths}, "config",
		"Configuration file, repeatable; later files override earlier ones (env: PITWALL_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("PITWALL_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: PITWALL_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("PITWALL_LOG_FORMAT", "json"),
		"Log format: json, text (env: PITWALL_LOG_FORMAT)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("PITWALL_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: PITWALL_SHUTDOWN_TIMEOUT)")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", os.Getenv("PITWALL_HTTP_ADDR"),
		"HTTP listen address, overrides node.http_addr (env: PITWALL_HTTP_ADDR)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		_, _ = fmt.Fprintf(stderr, "%s - distributed live timing entity store\n\nUsage: %s [options]\n\nOptions:\n",
			appName, appName)
		fs.PrintDefaults()
		_, _ = fmt.Fprintf(stderr, `
Examples:
  %[1]s --config=configs/base.yaml --config=configs/shard.yaml
  PITWALL_NODE_ROLES=ingress,api PITWALL_NATS_URLS=nats://nats:4222 %[1]s
  %[1]s --config=configs/base.yaml --validate
`, appName)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if len(cfg.ConfigPaths) == 0 {
		if env := os.Getenv("PITWALL_CONFIG"); env != "" {
			cfg.ConfigPaths = []string{env}
		}
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}
	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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
