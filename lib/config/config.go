// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/outpost-foundation/outpost/lib/binhash"
	"github.com/outpost-foundation/outpost/lib/ident"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "1m30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler (honored by
// yaml.v3).
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a standard time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the client-side configuration for one application's host.
type Config struct {
	// App is the application name. Selects the host socket, lock,
	// and run-state paths under RunDir.
	App string `yaml:"app"`

	// RunDir is the runtime directory for sockets and run-state
	// files. Default: /run/outpost.
	RunDir string `yaml:"run_dir"`

	// HostBinary is the path to the host binary executed (with
	// elevation) when no host is running. Must be absolute: the
	// elevated environment's PATH is not ours to trust.
	HostBinary string `yaml:"host_binary"`

	// Elevate is the command prefix that obtains privileged
	// execution, e.g. ["sudo", "-n"] or ["doas"]. Empty means the
	// host binary is executed directly (tests, already-root
	// callers).
	Elevate []string `yaml:"elevate"`

	// LaunchTimeout bounds the wait for the host socket to appear
	// after spawning the host binary. Default: 20s.
	LaunchTimeout Duration `yaml:"launch_timeout"`

	// HandshakeTimeout bounds the hello/hello-ack exchange on a new
	// connection. Default: 10s.
	HandshakeTimeout Duration `yaml:"handshake_timeout"`

	// ExpectedBinaryDigest optionally pins the BLAKE3 digest of the
	// host binary. When set, the client refuses connections to a
	// host reporting a different digest. Empty disables the check.
	ExpectedBinaryDigest binhash.Digest `yaml:"expected_binary_digest"`
}

// Default returns the default configuration. These defaults are a
// base for the config file, not a substitute for it: App and
// HostBinary have no usable defaults.
func Default() *Config {
	return &Config{
		RunDir:           ident.DefaultRunDir,
		LaunchTimeout:    Duration(20 * time.Second),
		HandshakeTimeout: Duration(10 * time.Second),
	}
}

// Load loads configuration from the file named by the OUTPOST_CONFIG
// environment variable. Fails if the variable is not set — there are
// no discovery fallbacks.
func Load() (*Config, error) {
	configPath := os.Getenv("OUTPOST_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("OUTPOST_CONFIG environment variable not set; " +
			"set it to the path of your outpost.yaml config file, or use --config")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path and
// validates it.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is complete and internally
// consistent.
func (c *Config) Validate() error {
	if c.App == "" {
		return fmt.Errorf("app is required")
	}
	if err := ident.ValidateName(c.App); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := ident.ValidateRunDir(c.RunDir); err != nil {
		return err
	}
	if c.HostBinary == "" {
		return fmt.Errorf("host_binary is required")
	}
	if !filepath.IsAbs(c.HostBinary) {
		return fmt.Errorf("host_binary %q must be an absolute path", c.HostBinary)
	}
	if c.LaunchTimeout <= 0 {
		return fmt.Errorf("launch_timeout must be positive")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be positive")
	}
	return nil
}

// SocketPath returns the host socket path for this config.
func (c *Config) SocketPath() string {
	return ident.SocketPath(c.RunDir, c.App)
}
