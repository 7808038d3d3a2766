package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestDefaultConfig verifies the defaults describe a runnable quantification
// pipeline.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Acquisition.TR <= 0 {
		t.Errorf("Expected positive default TR, got %f", cfg.Acquisition.TR)
	}
	if cfg.Acquisition.TE <= 0 {
		t.Errorf("Expected positive default TE, got %f", cfg.Acquisition.TE)
	}
	if cfg.Acquisition.BaselineEnd <= cfg.Acquisition.BaselineStart {
		t.Errorf("Expected non-empty default baseline range, got [%d,%d)",
			cfg.Acquisition.BaselineStart, cfg.Acquisition.BaselineEnd)
	}
	if cfg.Arterial.MaxVoxels <= 0 {
		t.Errorf("Expected positive arterial voxel cap, got %d", cfg.Arterial.MaxVoxels)
	}
	if !cfg.Pipeline.DSC {
		t.Error("Expected the dsc stage enabled by default")
	}
	if cfg.Processing.NumWorkers <= 0 {
		t.Errorf("Expected positive default worker count, got %d", cfg.Processing.NumWorkers)
	}
}

// TestLoadConfigNonExistent verifies a missing file falls back to defaults.
func TestLoadConfigNonExistent(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	want := DefaultConfig()
	if cfg.Acquisition.TR != want.Acquisition.TR || cfg.Pipeline.DSC != want.Pipeline.DSC {
		t.Error("Expected defaults for a non-existent config file")
	}
}

// TestSaveLoadRoundTrip writes a modified configuration and reads it back.
func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Acquisition.TR = 2.1
	cfg.Acquisition.TE = 0.032
	cfg.Acquisition.BaselineEnd = 6
	cfg.Arterial.MaxVoxels = 25
	cfg.Pipeline.Deconvolve = false
	cfg.Pipeline.Recovery = true
	cfg.Pipeline.RecoveryWindow = 5
	cfg.Processing.NumWorkers = 3

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Acquisition.TR != 2.1 || loaded.Acquisition.TE != 0.032 {
		t.Errorf("Expected acquisition values to round-trip, got TR=%f TE=%f",
			loaded.Acquisition.TR, loaded.Acquisition.TE)
	}
	if loaded.Acquisition.BaselineEnd != 6 {
		t.Errorf("Expected baselineEnd=6, got %d", loaded.Acquisition.BaselineEnd)
	}
	if loaded.Arterial.MaxVoxels != 25 {
		t.Errorf("Expected maxVoxels=25, got %d", loaded.Arterial.MaxVoxels)
	}
	if loaded.Pipeline.Deconvolve || !loaded.Pipeline.Recovery {
		t.Error("Expected pipeline flags to round-trip")
	}
	if loaded.Pipeline.RecoveryWindow != 5 {
		t.Errorf("Expected recoveryWindow=5, got %d", loaded.Pipeline.RecoveryWindow)
	}
	if loaded.Processing.NumWorkers != 3 {
		t.Errorf("Expected numWorkers=3, got %d", loaded.Processing.NumWorkers)
	}
}

// TestLoadConfigPartial verifies unspecified fields keep their defaults.
func TestLoadConfigPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	partial := "acquisition:\n  tr: 1.8\n"
	if err := os.WriteFile(path, []byte(partial), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Acquisition.TR != 1.8 {
		t.Errorf("Expected overridden TR=1.8, got %f", cfg.Acquisition.TR)
	}
	if cfg.Acquisition.TE != DefaultConfig().Acquisition.TE {
		t.Errorf("Expected default TE to survive a partial file, got %f", cfg.Acquisition.TE)
	}
}

// TestLoadConfigInvalidYAML verifies malformed files are rejected.
func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("acquisition: [not a map"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

// TestCreateDefaultConfigFile verifies the generated file loads back as the
// defaults.
func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("CreateDefaultConfigFile failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	want := DefaultConfig()
	if loaded.Acquisition.TR != want.Acquisition.TR ||
		loaded.Arterial.MaxVoxels != want.Arterial.MaxVoxels {
		t.Error("Expected the generated file to load back as the defaults")
	}
}
