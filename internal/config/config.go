// Package config holds the tunable parameters of the matcher and loads
// overrides from YAML files.
package config

import (
	"fmt"
	"os"

	"hexagon-gcp/internal/alignment"
	"hexagon-gcp/internal/correlation"
	"hexagon-gcp/internal/features"

	"gopkg.in/yaml.v3"
)

// GCPOptions sizes the windows used to confirm a single control point.
type GCPOptions struct {
	TemplateHalfSize int `yaml:"template_half_size"` // reference patch half width
	SearchHalfSize   int `yaml:"search_half_size"`   // scan search window half width
}

// Config collects every tunable parameter.
type Config struct {
	Alignment   alignment.Options    `yaml:"alignment"`
	Correlation correlation.Options  `yaml:"correlation"`
	Tiles       features.TileOptions `yaml:"tiles"`
	GCP         GCPOptions           `yaml:"gcp"`
}

// Default returns the built-in parameters.
func Default() Config {
	return Config{
		Alignment:   alignment.DefaultOptions(),
		Correlation: correlation.DefaultOptions(),
		Tiles:       features.DefaultTileOptions(),
		GCP: GCPOptions{
			TemplateHalfSize: 20,
			SearchHalfSize:   60,
		},
	}
}

// Load reads a YAML file over the defaults: keys missing from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c Config) Save(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

// Validate rejects parameter values the algorithms cannot run with.
func (c Config) Validate() error {
	r := c.Alignment.RANSAC
	switch {
	case r.MinSamples < 2:
		return fmt.Errorf("ransac.min_samples must be >= 2, got %d", r.MinSamples)
	case r.ResidualThreshold <= 0:
		return fmt.Errorf("ransac.residual_threshold must be positive, got %g", r.ResidualThreshold)
	case r.MaxTrials < 1:
		return fmt.Errorf("ransac.max_trials must be >= 1, got %d", r.MaxTrials)
	case r.StopProbability < 0 || r.StopProbability > 1:
		return fmt.Errorf("ransac.stop_probability must be in [0, 1], got %g", r.StopProbability)
	}
	m := c.Alignment.Match
	if m.Ratio <= 0 || m.Ratio > 1 {
		return fmt.Errorf("match.ratio must be in (0, 1], got %g", m.Ratio)
	}
	if m.TilePixels < 0 {
		return fmt.Errorf("match.tile_pixels must be >= 0 (0 disables tiling), got %d", m.TilePixels)
	}
	if c.GCP.TemplateHalfSize < 1 || c.GCP.SearchHalfSize < c.GCP.TemplateHalfSize {
		return fmt.Errorf("gcp windows: template half size %d must be >= 1 and <= search half size %d",
			c.GCP.TemplateHalfSize, c.GCP.SearchHalfSize)
	}
	return nil
}

// WithDebug returns a copy of the configuration with debug logging toggled
// in every component.
func (c Config) WithDebug(debug bool) Config {
	c.Alignment.Debug = debug
	c.Alignment.Match.Debug = debug
	c.Alignment.RANSAC.Debug = debug
	c.Correlation.Debug = debug
	c.Tiles.Debug = debug
	return c
}
