// Package config loads notevault's YAML configuration file, grounded
// a YAML file unmarshalled into a tagged struct (gopkg.in/yaml.v3
// unmarshal into a tagged struct), generalized with NOTEVAULT_* env
// overrides.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/develata/notevault/pkg/errkind"
)

// SyncMode mirrors the sync engine's Auto/Manual policy, as the
// config-file default
// rather than the engine's live runtime toggle.
type SyncMode string

const (
	SyncModeAuto   SyncMode = "auto"
	SyncModeManual SyncMode = "manual"
)

// Config holds the recognized engine options.
type Config struct {
	LedgerDir     string   `yaml:"ledger_dir"`
	VaultPath     string   `yaml:"vault_path"`
	SnapshotDepth uint     `yaml:"snapshot_depth"`
	SyncMode      SyncMode `yaml:"sync_mode"`
}

const defaultSnapshotDepth = 10

// Default returns the zero-config defaults (snapshot_depth=10,
// sync_mode=auto).
func Default() Config {
	return Config{SnapshotDepth: defaultSnapshotDepth, SyncMode: SyncModeAuto}
}

// Load reads path as YAML over the defaults, applies NOTEVAULT_*
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errkind.Wrap(errkind.IO, "read config file", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errkind.Wrap(errkind.InvalidArgument, "parse config yaml", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("NOTEVAULT_LEDGER_DIR"); ok {
		cfg.LedgerDir = v
	}
	if v, ok := os.LookupEnv("NOTEVAULT_VAULT_PATH"); ok {
		cfg.VaultPath = v
	}
	if v, ok := os.LookupEnv("NOTEVAULT_SNAPSHOT_DEPTH"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.SnapshotDepth = uint(n)
		}
	}
	if v, ok := os.LookupEnv("NOTEVAULT_SYNC_MODE"); ok {
		cfg.SyncMode = SyncMode(strings.ToLower(v))
	}
}

// Validate enforces the sync_mode enum and that the two required
// paths are set.
func (c Config) Validate() error {
	if c.LedgerDir == "" {
		return errkind.Wrap(errkind.InvalidArgument, "ledger_dir is required", nil)
	}
	if c.VaultPath == "" {
		return errkind.Wrap(errkind.InvalidArgument, "vault_path is required", nil)
	}
	if c.SyncMode != SyncModeAuto && c.SyncMode != SyncModeManual {
		return errkind.Wrap(errkind.InvalidArgument, "sync_mode must be auto or manual, got "+string(c.SyncMode), nil)
	}
	return nil
}
