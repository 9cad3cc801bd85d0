// Package config provides configuration loading and management for the
// whole-slide analysis core. It handles loading configuration from YAML files
// and provides validated default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can say "30s" or "1m30s".
// Plain integers are taken as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config represents the analysis configuration loaded from YAML.
type Config struct {
	// Tiling parameters
	Tiling struct {
		// TileSize is the edge length in pixels of the square tiles the
		// slide is partitioned into.
		TileSize int `yaml:"tileSize"`

		// OverlapMargin is the number of extra border pixels extracted
		// around each tile so edge predictions have context.
		OverlapMargin int `yaml:"overlapMargin"`

		// WorkingLevel selects the slide pyramid level the analysis
		// runs at. Level 0 is the native full resolution.
		WorkingLevel int `yaml:"workingLevel"`
	} `yaml:"tiling"`

	// Scheduling parameters
	Scheduling struct {
		// MaxInFlightTiles bounds the number of extracted tile buffers
		// held in memory at once.
		MaxInFlightTiles int `yaml:"maxInFlightTiles"`

		// Workers is the number of inference worker goroutines.
		// Use 1 for a GPU-bound engine, more for CPU-bound ones.
		Workers int `yaml:"workers"`

		// AbandonInFlightOnCancel drops in-flight batch results on
		// cancellation instead of merging them.
		AbandonInFlightOnCancel bool `yaml:"abandonInFlightOnCancel"`
	} `yaml:"scheduling"`

	// Inference parameters
	Inference struct {
		// BatchSize is the maximum number of tiles submitted to the
		// engine in one forward pass.
		BatchSize int `yaml:"batchSize"`

		// RetryBudget is the maximum number of attempts per tile for
		// transient engine failures.
		RetryBudget int `yaml:"retryBudget"`

		// BatchTimeout bounds a single batch submission. A deadline
		// hit is classified as a transient failure.
		BatchTimeout Duration `yaml:"batchTimeout"`
	} `yaml:"inference"`

	// Stitching parameters
	Stitching struct {
		// CenterWeighting blends overlapping tiles with weights that
		// fall off towards tile edges instead of a plain mean.
		CenterWeighting bool `yaml:"centerWeighting"`
	} `yaml:"stitching"`

	// Aggregation parameters
	Aggregation struct {
		// SegmentationThreshold binarizes the stitched probability map.
		SegmentationThreshold float64 `yaml:"segmentationThreshold"`

		// RegionMinArea suppresses connected regions smaller than this
		// many pixels.
		RegionMinArea int `yaml:"regionMinArea"`
	} `yaml:"aggregation"`
}

// Default returns a configuration with default values. The numeric defaults
// are calibration placeholders and are expected to be tuned per model.
func Default() *Config {
	cfg := &Config{}

	cfg.Tiling.TileSize = 512
	cfg.Tiling.OverlapMargin = 32
	cfg.Tiling.WorkingLevel = 0

	cfg.Scheduling.MaxInFlightTiles = 16
	cfg.Scheduling.Workers = runtime.NumCPU()
	cfg.Scheduling.AbandonInFlightOnCancel = false

	cfg.Inference.BatchSize = 4
	cfg.Inference.RetryBudget = 3
	cfg.Inference.BatchTimeout = Duration(30 * time.Second)

	cfg.Stitching.CenterWeighting = false

	cfg.Aggregation.SegmentationThreshold = 0.5
	cfg.Aggregation.RegionMinArea = 256

	return cfg
}

// Validate checks the configuration for values the pipeline cannot run with.
func (cfg *Config) Validate() error {
	if cfg.Tiling.TileSize <= 0 {
		return fmt.Errorf("tileSize must be positive, got %d", cfg.Tiling.TileSize)
	}
	if cfg.Tiling.OverlapMargin < 0 {
		return fmt.Errorf("overlapMargin must not be negative, got %d", cfg.Tiling.OverlapMargin)
	}
	if cfg.Tiling.OverlapMargin >= cfg.Tiling.TileSize {
		return fmt.Errorf("overlapMargin %d must be smaller than tileSize %d",
			cfg.Tiling.OverlapMargin, cfg.Tiling.TileSize)
	}
	if cfg.Tiling.WorkingLevel < 0 {
		return fmt.Errorf("workingLevel must not be negative, got %d", cfg.Tiling.WorkingLevel)
	}
	if cfg.Scheduling.MaxInFlightTiles <= 0 {
		return fmt.Errorf("maxInFlightTiles must be positive, got %d", cfg.Scheduling.MaxInFlightTiles)
	}
	if cfg.Scheduling.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", cfg.Scheduling.Workers)
	}
	if cfg.Inference.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be positive, got %d", cfg.Inference.BatchSize)
	}
	if cfg.Inference.RetryBudget < 1 {
		return fmt.Errorf("retryBudget must be at least 1, got %d", cfg.Inference.RetryBudget)
	}
	if cfg.Inference.BatchTimeout <= 0 {
		return fmt.Errorf("batchTimeout must be positive, got %s", cfg.Inference.BatchTimeout)
	}
	if t := cfg.Aggregation.SegmentationThreshold; t < 0 || t > 1 {
		return fmt.Errorf("segmentationThreshold must be within [0, 1], got %g", t)
	}
	if cfg.Aggregation.RegionMinArea < 0 {
		return fmt.Errorf("regionMinArea must not be negative, got %d", cfg.Aggregation.RegionMinArea)
	}
	return nil
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func Save(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
