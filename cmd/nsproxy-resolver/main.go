// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// nsproxy-resolver is the host-side manifest resolver daemon. It
// serves the reverse control protocol for one or more proxies and
// resolves manifest names to read-only file descriptors. Intended for
// development and testing; production embeds the resolver in the host
// process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/nsproxy/resolver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var logLevel string

	flagSet := pflag.NewFlagSet("nsproxy-resolver", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (required)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if configPath == "" {
		return fmt.Errorf("--config is required")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	config, err := resolver.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Info("starting nsproxy-resolver",
		"control_socket", config.ControlSocketPath,
		"manifest_entries", len(config.Files),
	)

	service := resolver.NewService(resolver.ServiceConfig{
		Manifest: config.Files,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return service.Run(ctx, config.ControlSocketPath)
}
