// Package config provides configuration loading and management for dkifit.
// It handles loading configuration from YAML files and provides default
// values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Fitting parameters
	Fitting struct {
		// Method selects the regression strategy: OLS, WLS, CLS or CWLS
		Method string `yaml:"method"`

		// MinSignal is the floor applied to the measured signal before
		// the log transform
		MinSignal float64 `yaml:"minSignal"`

		// ConvexityLevel is the polynomial order of the positivity
		// constraints for constrained fits (2, 4, or 0 for the full
		// basis)
		ConvexityLevel int `yaml:"convexityLevel"`

		// Robust enables the iteratively reweighted fit
		Robust bool `yaml:"robust"`

		// NumIter is the round count of the iteratively reweighted fit
		NumIter int `yaml:"numIter"`

		// NumCores specifies how many CPU cores to use for the
		// parallel per-voxel fits
		NumCores int `yaml:"numCores"`
	} `yaml:"fitting"`

	// Scalar metric parameters
	Metrics struct {
		// Analytical selects the closed-form estimators over numerical
		// sphere averaging
		Analytical bool `yaml:"analytical"`

		// MinKurtosis is the lower clip bound of all kurtosis scalars
		MinKurtosis float64 `yaml:"minKurtosis"`

		// MaxMeanKurtosis is the upper clip bound of the mean kurtosis
		MaxMeanKurtosis float64 `yaml:"maxMeanKurtosis"`

		// MaxKurtosis is the upper clip bound of the remaining scalars
		MaxKurtosis float64 `yaml:"maxKurtosis"`
	} `yaml:"metrics"`

	// Kurtosis maximum search parameters
	Maximum struct {
		// Enabled computes the per-voxel kurtosis maximum map
		Enabled bool `yaml:"enabled"`

		// SphereDirections is the size of the coarse sampling grid
		SphereDirections int `yaml:"sphereDirections"`

		// GradientTolerance is the convergence threshold of the
		// refinement; 0 disables refinement
		GradientTolerance float64 `yaml:"gradientTolerance"`
	} `yaml:"maximum"`

	// Masking parameters
	Mask struct {
		// Threshold is the fraction of the maximum mean b=0 signal
		// below which voxels are excluded
		Threshold float64 `yaml:"threshold"`
	} `yaml:"mask"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default fitting parameters
	cfg.Fitting.Method = "WLS"
	cfg.Fitting.MinSignal = 1e-4
	cfg.Fitting.ConvexityLevel = 0
	cfg.Fitting.Robust = false
	cfg.Fitting.NumIter = 4
	cfg.Fitting.NumCores = runtime.NumCPU()

	// Set default metric parameters
	cfg.Metrics.Analytical = true
	cfg.Metrics.MinKurtosis = -3.0 / 7.0
	cfg.Metrics.MaxMeanKurtosis = 3
	cfg.Metrics.MaxKurtosis = 10

	// Set default maximum search parameters
	cfg.Maximum.Enabled = false
	cfg.Maximum.SphereDirections = 100
	cfg.Maximum.GradientTolerance = 1e-2

	// Set default masking parameters
	cfg.Mask.Threshold = 0.1

	// Set default output parameters
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
