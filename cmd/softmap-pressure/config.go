package main

import (
	"bytes"
	"encoding/json"
	"os"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/tailscale/hujson"
)

// Config holds all options of a pressure run.
type Config struct {
	Entries     int    `json:"entries"`
	TileSize    int    `json:"tile_size"`     //nolint:tagliatelle // snake_case for config file
	HeapLimitMB int    `json:"heap_limit_mb"` //nolint:tagliatelle // snake_case for config file
	Keep        int    `json:"keep"`
	PinLimit    int    `json:"pin_limit"` //nolint:tagliatelle // snake_case for config file
	Interval    string `json:"interval"`
	Workers     int    `json:"workers"`
	Rounds      int    `json:"rounds"`
	Verbose     bool   `json:"verbose"`
}

// DefaultConfig returns the default configuration: 512 tiles of 256x256
// bytes (32 MiB) against a 16 MiB heap limit, so pressure kicks in.
func DefaultConfig() Config {
	return Config{
		Entries:     512,
		TileSize:    256,
		HeapLimitMB: 16,
		Interval:    "50ms",
		Workers:     4,
		Rounds:      3,
	}
}

// LoadConfig applies, lowest precedence first: defaults, the config file
// at path (if non-empty), then overrides.
func LoadConfig(path string, overrides Config) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.WrapWithContext(err, errors.CodeInvalidConfig,
				"cannot read config file", map[string]interface{}{"path": path})
		}
		fileCfg, err := parseConfig(data)
		if err != nil {
			return Config{}, errors.WithContext(err, "path", path)
		}
		cfg = mergeConfig(cfg, fileCfg)
	}

	cfg = mergeConfig(cfg, overrides)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IntervalDuration returns the parsed monitor interval.
func (c Config) IntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.Interval)
	return d
}

func parseConfig(data []byte) (Config, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "invalid JSONC")
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "invalid JSON")
	}
	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.Entries != 0 {
		base.Entries = overlay.Entries
	}
	if overlay.TileSize != 0 {
		base.TileSize = overlay.TileSize
	}
	if overlay.HeapLimitMB != 0 {
		base.HeapLimitMB = overlay.HeapLimitMB
	}
	if overlay.Keep != 0 {
		base.Keep = overlay.Keep
	}
	if overlay.PinLimit != 0 {
		base.PinLimit = overlay.PinLimit
	}
	if overlay.Interval != "" {
		base.Interval = overlay.Interval
	}
	if overlay.Workers != 0 {
		base.Workers = overlay.Workers
	}
	if overlay.Rounds != 0 {
		base.Rounds = overlay.Rounds
	}
	if overlay.Verbose {
		base.Verbose = true
	}
	return base
}

func validateConfig(cfg Config) error {
	switch {
	case cfg.Entries <= 0:
		return errors.Newf(errors.CodeInvalidConfig, "entries must be positive, got %d", cfg.Entries)
	case cfg.TileSize <= 0:
		return errors.Newf(errors.CodeInvalidConfig, "tile_size must be positive, got %d", cfg.TileSize)
	case cfg.HeapLimitMB <= 0:
		return errors.Newf(errors.CodeInvalidConfig, "heap_limit_mb must be positive, got %d", cfg.HeapLimitMB)
	case cfg.Keep < 0 || cfg.PinLimit < 0:
		return errors.New(errors.CodeInvalidConfig, "keep and pin_limit must not be negative")
	case cfg.Workers <= 0:
		return errors.Newf(errors.CodeInvalidConfig, "workers must be positive, got %d", cfg.Workers)
	case cfg.Rounds <= 0:
		return errors.Newf(errors.CodeInvalidConfig, "rounds must be positive, got %d", cfg.Rounds)
	}
	if _, err := time.ParseDuration(cfg.Interval); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "invalid interval")
	}
	return nil
}
