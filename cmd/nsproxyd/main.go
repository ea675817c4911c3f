// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// nsproxyd is the trusted-side manifest name-resolution proxy daemon.
// It establishes the reverse control channel to the host resolver and
// then serves the read-only name service to sandboxed clients,
// forwarding every lookup back to the host.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/nsproxy/lib/descriptor"
	"github.com/bureau-foundation/nsproxy/proxy"
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

	flagSet := pflag.NewFlagSet("nsproxyd", pflag.ContinueOnError)
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

	config, err := proxy.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Info("starting nsproxyd",
		"socket_path", config.SocketPath,
		"host_control_socket", config.HostControlSocket,
	)

	// The trust relationship comes first: a sandboxed client must
	// never be able to connect before the reverse control channel
	// exists.
	host, err := proxy.DialHost(proxy.HostConfig{
		ControlSocket: config.HostControlSocket,
		ReverseSocket: config.ReverseSocketPath,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer host.Unref()

	service, err := proxy.NewService(proxy.ServiceConfig{
		Host:   host,
		Cache:  descriptor.NewCache(),
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("creating proxy service: %w", err)
	}
	defer service.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return service.Serve(ctx, config.SocketPath)
}
