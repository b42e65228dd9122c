// Package config provides YAML configuration loading and validation for a
// board's kernel agent: Process Pool sizing, the processes to load at boot,
// and the fleet uplink used to report faults upstream.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the board agent.
type Config struct {
	// FleetAddr is the gRPC endpoint of the fleet server (e.g.
	// "fleet.example.com:4443"). Required.
	FleetAddr string `yaml:"fleet_addr"`

	// TLS holds the paths to the board certificate, private key, and CA
	// certificate used for mTLS against the fleet server. Required.
	TLS TLSConfig `yaml:"tls"`

	// Pool sizes the Process Pool this board's kernel instance carves
	// processes out of.
	Pool PoolConfig `yaml:"pool"`

	// Processes is the list of process images this board loads at boot.
	Processes []ProcessSpec `yaml:"processes"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz HTTP server
	// (e.g. "127.0.0.1:9000"). Defaults to "127.0.0.1:9000" when omitted.
	HealthAddr string `yaml:"health_addr"`

	// BoardID is an optional human-readable identifier sent to the fleet
	// server during registration (e.g. "board-07").
	BoardID string `yaml:"board_id"`
}

// TLSConfig holds certificate and key paths for mTLS.
type TLSConfig struct {
	// CertPath is the path to the board's PEM-encoded client certificate.
	// Required.
	CertPath string `yaml:"cert_path"`

	// KeyPath is the path to the board's PEM-encoded private key. Required.
	KeyPath string `yaml:"key_path"`

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// the fleet server's certificate. Required.
	CAPath string `yaml:"ca_path"`
}

// PoolConfig sizes the Process Pool.
type PoolConfig struct {
	// SizeBytes is the total size of the pool's backing memory, in bytes.
	// Required, must be a power of two.
	SizeBytes uint32 `yaml:"size_bytes"`

	// BlockBytes defaults to 256 when omitted and must be a power of two. The
	// Process Pool does not read it: its block size is the fixed
	// procpool.BlockSize (1 KiB).
	BlockBytes uint32 `yaml:"block_bytes"`
}

// ProcessSpec describes a single process image to load at boot.
type ProcessSpec struct {
	// Name is a human-readable identifier for this process (e.g.
	// "telemetry-sampler"). Required.
	Name string `yaml:"name"`

	// Path is the path to the ELF image within the board's filesystem.
	// Required.
	Path string `yaml:"path"`

	// Args are the argv strings passed to the process at spawn, not
	// including argv[0] (which is always Path).
	Args []string `yaml:"args,omitempty"`

	// Priority is one of "LOW", "NORMAL", or "HIGH". Required.
	Priority string `yaml:"priority"`

	// AutoRestart is parsed and stored; defaults to false when omitted.
	// Nothing in this repository acts on it: a process that exits or
	// faults is not respawned.
	AutoRestart bool `yaml:"auto_restart,omitempty"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validPriorities is the set of accepted process priority strings.
var validPriorities = map[string]bool{
	"LOW":    true,
	"NORMAL": true,
	"HIGH":   true,
}

const (
	defaultBlockBytes = 256
	minPoolSizeBytes  = 4096
)

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. When validation fails, the
// returned error joins every failure found (errors.Join), not only the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9000"
	}
	if cfg.Pool.BlockBytes == 0 {
		cfg.Pool.BlockBytes = defaultBlockBytes
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.FleetAddr == "" {
		errs = append(errs, errors.New("fleet_addr is required"))
	}
	if cfg.TLS.CertPath == "" {
		errs = append(errs, errors.New("tls.cert_path is required"))
	}
	if cfg.TLS.KeyPath == "" {
		errs = append(errs, errors.New("tls.key_path is required"))
	}
	if cfg.TLS.CAPath == "" {
		errs = append(errs, errors.New("tls.ca_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Pool.SizeBytes < minPoolSizeBytes {
		errs = append(errs, fmt.Errorf("pool.size_bytes must be at least %d", minPoolSizeBytes))
	} else if cfg.Pool.SizeBytes&(cfg.Pool.SizeBytes-1) != 0 {
		errs = append(errs, errors.New("pool.size_bytes must be a power of two"))
	}
	if cfg.Pool.BlockBytes&(cfg.Pool.BlockBytes-1) != 0 {
		errs = append(errs, errors.New("pool.block_bytes must be a power of two"))
	}

	for i, p := range cfg.Processes {
		prefix := fmt.Sprintf("processes[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		}
		if p.Path == "" {
			errs = append(errs, fmt.Errorf("%s: path is required", prefix))
		}
		if !validPriorities[p.Priority] {
			errs = append(errs, fmt.Errorf("%s: priority %q must be one of: LOW, NORMAL, HIGH", prefix, p.Priority))
		}
	}

	return errors.Join(errs...)
}
