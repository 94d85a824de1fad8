// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateconfig provides optional YAML configuration loading for
// the dedup gate CLI, layered underneath command-line flags: flags
// always win, the config file supplies defaults for anything left
// unset on the command line.
package gateconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config mirrors the session.Config fields a deployment may want to
// pin in a file rather than repeat on every invocation.
type Config struct {
	// DatabasePath is the index database file.
	DatabasePath string `yaml:"database_path"`
	// VaultDir enables Active Mode when non-empty.
	VaultDir string `yaml:"vault_dir"`
	// HDDMode selects the sequential fringe reader.
	HDDMode bool `yaml:"hdd_mode"`
	// Recursive controls whether directory processing descends into
	// subdirectories.
	Recursive bool `yaml:"recursive"`
	// Tags are attached to every file processed under this config as
	// the full-index metadata payload.
	Tags map[string]string `yaml:"tags"`
}

// EnvVar is the environment variable naming a config file path, read
// when --config is not passed explicitly.
const EnvVar = "DEDUPGATE_CONFIG"

// Load reads and parses the YAML config at path. A path that does not
// exist is not an error: Load returns the zero Config so callers can
// fall through to flag defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("gateconfig: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("gateconfig: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// ResolvePath returns the config path to load: the explicit flag
// value if non-empty, else the EnvVar environment variable, else
// empty (no config file).
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvVar)
}
