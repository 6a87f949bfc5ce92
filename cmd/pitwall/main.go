// Package main is the pitwall node entrypoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/pitwall/config"
	"github.com/c360/pitwall/node"
)

// Build information
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "pitwall"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cli, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s (%s)\n", appName, Version, BuildTime)
		return nil
	}

	logger := setupLogger(stdout, cli.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if cli.Validate {
		logger.Info("Configuration is valid", "config", cli.ConfigPaths, "roles", cfg.Node.Roles)
		return nil
	}

	logger.Info("Starting pitwall",
		"node", cfg.Node.ID,
		"roles", cfg.Node.Roles,
		"nats", len(cfg.NATS.URLs) > 0,
		"persistence", cfg.Persistence.Backend,
		"build_time", BuildTime)

	n, err := node.New(cfg, node.Dependencies{Logger: logger})
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	if err := n.Run(ctx, cli.ShutdownTimeout); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	logger.Info("Pitwall shutdown complete")
	return nil
}

func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range cli.ConfigPaths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cli.HTTPAddr != "" {
		cfg.Node.HTTPAddr = cli.HTTPAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
