// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the host resolver.
type Config struct {
	// ControlSocketPath is the Unix socket the resolver serves its
	// control protocol on. The proxy dials this at startup.
	ControlSocketPath string `yaml:"control_socket_path"`

	// Files maps manifest names (as the sandboxed program looks them
	// up, e.g. "files/main.nexe") to host filesystem paths.
	Files map[string]string `yaml:"files"`
}

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
	return &config, nil
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	if c.ControlSocketPath == "" {
		return fmt.Errorf("control_socket_path is required")
	}
	for name, path := range c.Files {
		if name == "" {
			return fmt.Errorf("manifest entry with empty name (path %q)", path)
		}
		if !filepath.IsAbs(path) {
			return fmt.Errorf("manifest entry %q: path %q is not absolute", name, path)
		}
	}
	return nil
}
