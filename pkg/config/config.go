// Package config provides configuration loading and management for dscquant.
// It handles loading configuration from YAML files and provides default values.
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
	// Acquisition parameters of the DSC sequence
	Acquisition struct {
		// TR is the repetition time in seconds
		TR float64 `yaml:"tr"`

		// TE is the echo time in seconds
		TE float64 `yaml:"te"`

		// BaselineStart is the first temporal sample of the pre-bolus baseline
		BaselineStart int `yaml:"baselineStart"`

		// BaselineEnd is one past the last baseline sample
		BaselineEnd int `yaml:"baselineEnd"`

		// BolusArrival is the sample index at which the bolus reaches the brain.
		// Zero means "use the end of the baseline range".
		BolusArrival int `yaml:"bolusArrival"`
	} `yaml:"acquisition"`

	// Arterial input function selection parameters
	Arterial struct {
		// MaxVoxels is the maximum number of arterial voxels to select
		MaxVoxels int `yaml:"maxVoxels"`
	} `yaml:"arterial"`

	// Pipeline stage selection
	Pipeline struct {
		// Smooth enables temporal smoothing of per-voxel concentration curves
		Smooth bool `yaml:"smooth"`

		// DSC enables the perfusion quantification maps (CBV/CBF/MTT/TTP)
		DSC bool `yaml:"dsc"`

		// Fit enables the per-voxel gamma-variate fit
		Fit bool `yaml:"fit"`

		// Deconvolve enables the per-voxel SVD deconvolution
		Deconvolve bool `yaml:"deconvolve"`

		// Leakage enables the capillary leakage (LKV) map; requires Fit
		Leakage bool `yaml:"leakage"`

		// Recovery enables the SR/PSR signal-recovery maps
		Recovery bool `yaml:"recovery"`

		// RecoveryWindow is the post-first-pass averaging window length in
		// samples. Zero means "use the baseline length".
		RecoveryWindow int `yaml:"recoveryWindow"`
	} `yaml:"pipeline"`

	// Processing parameters
	Processing struct {
		// NumWorkers specifies how many CPU cores to use for the voxel loop
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// SaveMapSlices writes each output map as a JPEG slice sequence
		SaveMapSlices bool `yaml:"saveMapSlices"`

		// PlotCurves renders the AIF diagnostic curves to an image file
		PlotCurves bool `yaml:"plotCurves"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Typical gradient-echo EPI perfusion acquisition values
	cfg.Acquisition.TR = 1.5
	cfg.Acquisition.TE = 0.025
	cfg.Acquisition.BaselineStart = 0
	cfg.Acquisition.BaselineEnd = 8
	cfg.Acquisition.BolusArrival = 0

	cfg.Arterial.MaxVoxels = 50

	cfg.Pipeline.Smooth = true
	cfg.Pipeline.DSC = true
	cfg.Pipeline.Fit = true
	cfg.Pipeline.Deconvolve = true
	cfg.Pipeline.Leakage = false
	cfg.Pipeline.Recovery = false
	cfg.Pipeline.RecoveryWindow = 0

	cfg.Processing.NumWorkers = runtime.NumCPU()

	cfg.Output.SaveMapSlices = false
	cfg.Output.PlotCurves = false
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

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
