// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tsuzuki Contributors

// Package config loads server configuration from flag defaults, an optional
// YAML file, and explicitly set command-line flags, in ascending precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Server holds configuration for the serve command. File keys use
// underscores; the matching flags use dashes.
type Server struct {
	APIAddr        string        `koanf:"api_addr"`
	MetricsAddr    string        `koanf:"metrics_addr"`
	DataDir        string        `koanf:"data_dir"`
	ExtensionsDir  string        `koanf:"extensions_dir"`
	LogFormat      string        `koanf:"log_format"`
	LogLevel       string        `koanf:"log_level"`
	CallTimeout    time.Duration `koanf:"call_timeout"`
	TimeoutRetries uint64        `koanf:"timeout_retries"`
	MaxInFlight    int64         `koanf:"max_in_flight"`
	CursorTTL      time.Duration `koanf:"cursor_ttl"`
}

// Validate checks that the configuration is usable.
func (c *Server) Validate() error {
	if c.APIAddr == "" {
		return fmt.Errorf("api-addr is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("log-format must be 'json' or 'text', got %q", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call-timeout must be positive")
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("max-in-flight must be positive")
	}
	return nil
}

// Load builds the effective configuration. Flag defaults seed every key; a
// config file (when path is non-empty) overrides them; flags the user
// actually set override everything.
func Load(path string, flags *pflag.FlagSet) (*Server, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	flagKeys := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
		return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
	})
	if err := k.Load(flagKeys, nil); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	var cfg Server
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
