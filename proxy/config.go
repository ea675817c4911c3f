// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the proxy daemon.
type Config struct {
	// SocketPath is the sandbox-facing Unix socket. This is the only
	// socket bind-mounted into the sandbox.
	// Defaults to /run/nsproxy/ns.sock.
	SocketPath string `yaml:"socket_path"`

	// ReverseSocketPath is where the proxy accepts the reverse
	// channels the host resolver establishes. Never visible inside
	// the sandbox. Defaults to /run/nsproxy/reverse.sock.
	ReverseSocketPath string `yaml:"reverse_socket_path"`

	// HostControlSocket is the host resolver's control socket. The
	// proxy dials it once at startup; that connection is the reverse
	// control channel, and the proxy refuses to serve sandboxed
	// clients without it.
	HostControlSocket string `yaml:"host_control_socket"`
}

// defaults for unset fields.
const (
	defaultSocketPath        = "/run/nsproxy/ns.sock"
	defaultReverseSocketPath = "/run/nsproxy/reverse.sock"
)

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if config.SocketPath == "" {
		config.SocketPath = defaultSocketPath
	}
	if config.ReverseSocketPath == "" {
		config.ReverseSocketPath = defaultReverseSocketPath
	}
	return &config, nil
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	if c.HostControlSocket == "" {
		return fmt.Errorf("host_control_socket is required")
	}
	if c.SocketPath == c.ReverseSocketPath {
		return fmt.Errorf("socket_path and reverse_socket_path must differ")
	}
	return nil
}
