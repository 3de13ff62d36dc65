// Package config holds the explicit configuration passed into each scanner
// component. Nothing here is global: every detector, analyzer and session
// receives its own copy.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config is the full scanner configuration.
type Config struct {
	Anchor   AnchorConfig   `yaml:"anchor"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Loader   LoaderConfig   `yaml:"loader"`

	// Workers bounds the bubble fan-out inside one analysis task.
	// 0 means runtime.NumCPU().
	Workers int `yaml:"workers"`
}

// AnchorConfig configures registration-square detection.
// Pixel values assume a sheet rasterized at the layout DPI.
type AnchorConfig struct {
	Threshold   uint8   `yaml:"threshold"`    // Binary inversion threshold (0-255)
	Margin      int     `yaml:"margin"`       // Page border to anchor square (px)
	Size        int     `yaml:"size"`         // Anchor square side length (px)
	ContourMin  int     `yaml:"contour_min"`  // Min candidate width/height (px)
	ContourMax  int     `yaml:"contour_max"`  // Max candidate width/height (px)
	AspectMin   float64 `yaml:"aspect_min"`   // Min candidate w/h
	AspectMax   float64 `yaml:"aspect_max"`   // Max candidate w/h
	MaxDistance float64 `yaml:"max_distance"` // Max centre distance to expected position (px), 0 = unbounded
}

// AnalysisConfig configures bubble darkness analysis.
type AnalysisConfig struct {
	AnalysisRadius  int     `yaml:"analysis_radius"`  // Sampling radius around each bubble centre (px)
	FilledThreshold float64 `yaml:"filled_threshold"` // Darkness at or above which a bubble counts as filled
}

// LoaderConfig configures scan loading.
type LoaderConfig struct {
	PDFDPI int `yaml:"pdf_dpi"` // Rasterization DPI for the first PDF page
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Anchor:   DefaultAnchor(),
		Analysis: DefaultAnalysis(),
		Loader:   LoaderConfig{PDFDPI: 150},
	}
}

// DefaultAnchor returns default anchor detection parameters, tuned for
// sheets printed with 15pt squares half an inch from the edge and scanned
// at 150 DPI.
func DefaultAnchor() AnchorConfig {
	return AnchorConfig{
		Threshold:   127,
		Margin:      75,
		Size:        31,
		ContourMin:  20,
		ContourMax:  50,
		AspectMin:   0.7,
		AspectMax:   1.3,
		MaxDistance: 150,
	}
}

// DefaultAnalysis returns default bubble analysis parameters.
func DefaultAnalysis() AnalysisConfig {
	return AnalysisConfig{
		AnalysisRadius:  18,
		FilledThreshold: 0.3,
	}
}

// WithThreshold returns a copy of the config with a new fill threshold.
func (c Config) WithThreshold(t float64) Config {
	c.Analysis.FilledThreshold = t
	return c
}

// WithAnalysisRadius returns a copy of the config with a new sampling radius.
func (c Config) WithAnalysisRadius(r int) Config {
	c.Analysis.AnalysisRadius = r
	return c
}

// WithPDFDPI returns a copy of the config with a new PDF rasterization DPI.
func (c Config) WithPDFDPI(dpi int) Config {
	c.Loader.PDFDPI = dpi
	return c
}

// WorkerCount resolves Workers, defaulting to the number of CPUs.
func (c Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// Validate checks that every value is usable.
func (c Config) Validate() error {
	var errs []error
	if err := c.Anchor.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Analysis.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Loader.PDFDPI <= 0 {
		errs = append(errs, fmt.Errorf("loader: pdf_dpi must be positive, got %d", c.Loader.PDFDPI))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	return errors.Join(errs...)
}

// Validate checks the anchor parameters.
func (a AnchorConfig) Validate() error {
	switch {
	case a.Size <= 0:
		return fmt.Errorf("anchor: size must be positive, got %d", a.Size)
	case a.Margin < 0:
		return fmt.Errorf("anchor: margin must not be negative, got %d", a.Margin)
	case a.ContourMin <= 0 || a.ContourMin > a.ContourMax:
		return fmt.Errorf("anchor: invalid contour range %d-%d", a.ContourMin, a.ContourMax)
	case a.AspectMin <= 0 || a.AspectMin > a.AspectMax:
		return fmt.Errorf("anchor: invalid aspect range %.2f-%.2f", a.AspectMin, a.AspectMax)
	case a.MaxDistance < 0:
		return fmt.Errorf("anchor: max_distance must not be negative, got %.1f", a.MaxDistance)
	}
	return nil
}

// Validate checks the analysis parameters.
func (a AnalysisConfig) Validate() error {
	if a.AnalysisRadius <= 0 {
		return fmt.Errorf("analysis: analysis_radius must be positive, got %d", a.AnalysisRadius)
	}
	return ValidateThreshold(a.FilledThreshold)
}

// ValidateThreshold checks a fill threshold lies strictly inside (0, 1).
func ValidateThreshold(t float64) error {
	if t <= 0 || t >= 1 {
		return fmt.Errorf("analysis: filled_threshold must be in (0, 1), got %.3f", t)
	}
	return nil
}

// Load reads a YAML config file. Keys absent from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as YAML.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
