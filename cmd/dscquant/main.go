package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dscquant/internal/models"
	"dscquant/pkg/config"
	"dscquant/pkg/perfusion"
	"dscquant/pkg/visualization"
)

func main() {
	// Parse command line arguments
	inputFile := flag.String("input", "", "Raw little-endian float64 4-D volume file")
	dims := flag.String("dims", "", "Volume dimensions as X,Y,Z,T")
	spacing := flag.String("spacing", "1,1,1", "Voxel spacing in mm as x,y,z")
	maskFile := flag.String("mask", "", "Optional raw byte mask file (0/1 per voxel)")
	configPath := flag.String("config", "dscquant.yaml", "YAML configuration file")
	outputDir := flag.String("output", "perfusion_maps", "Directory to save the output maps")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration file and exit")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if *inputFile == "" || *dims == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	nx, ny, nz, nt, err := parseDims(*dims)
	if err != nil {
		log.Fatalf("Invalid -dims: %v", err)
	}
	voxelSpacing, err := parseSpacing(*spacing)
	if err != nil {
		log.Fatalf("Invalid -spacing: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("DSC-MRI PERFUSION QUANTIFICATION")
	fmt.Println("================================")

	vol, err := loadVolume(*inputFile, nx, ny, nz, nt, voxelSpacing)
	if err != nil {
		log.Fatalf("Failed to load volume: %v", err)
	}
	fmt.Printf("Loaded volume %dx%dx%d with %d temporal samples\n", nx, ny, nz, nt)

	var mask *models.Mask3D
	if *maskFile != "" {
		mask, err = loadMask(*maskFile, nx, ny, nz)
		if err != nil {
			log.Fatalf("Failed to load mask: %v", err)
		}
	}

	params := perfusion.Params{
		TR:                cfg.Acquisition.TR,
		TE:                cfg.Acquisition.TE,
		BaselineStart:     cfg.Acquisition.BaselineStart,
		BaselineEnd:       cfg.Acquisition.BaselineEnd,
		BolusArrival:      cfg.Acquisition.BolusArrival,
		MaxArterialVoxels: cfg.Arterial.MaxVoxels,
		RecoveryWindow:    cfg.Pipeline.RecoveryWindow,
		NumWorkers:        cfg.Processing.NumWorkers,
		Flags: perfusion.Flags{
			Smooth:     cfg.Pipeline.Smooth,
			DSC:        cfg.Pipeline.DSC,
			Fit:        cfg.Pipeline.Fit,
			Deconvolve: cfg.Pipeline.Deconvolve,
			Leakage:    cfg.Pipeline.Leakage,
			Recovery:   cfg.Pipeline.Recovery,
		},
	}

	// Ctrl-C requests cooperative cancellation; partial maps are still saved.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var progress perfusion.Progress
	if cfg.Output.Verbose {
		progress = &consoleProgress{}
	}
	orchestrator := perfusion.NewOrchestrator(params, progress)

	fmt.Println("Starting perfusion quantification...")
	startTime := time.Now()
	maps, err := orchestrator.Run(ctx, vol, mask)
	if err != nil {
		log.Fatalf("Perfusion quantification failed: %v", err)
	}
	processingTime := time.Since(startTime)

	diag := orchestrator.Diagnostics()
	if diag.Cancelled {
		fmt.Println("\nRun cancelled; saving partial maps.")
	} else {
		fmt.Printf("\nQuantification completed in %.2f seconds\n", processingTime.Seconds())
	}

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	fmt.Printf("\nOutput maps:\n")
	fmt.Printf("============\n")
	for name, m := range maps {
		path := filepath.Join(*outputDir, name+".f64")
		if err := saveMap(m, path); err != nil {
			log.Fatalf("Failed to save %s map: %v", name, err)
		}
		lo, hi := valueRange(m.Data)
		unit := m.Unit
		if unit == "" {
			unit = "a.u."
		}
		fmt.Printf("%-4s [%s]: range %.3f .. %.3f -> %s\n", name, unit, lo, hi, path)

		if cfg.Output.SaveMapSlices {
			viewer := visualization.NewViewer(m)
			sliceDir := filepath.Join(*outputDir, "slices", name)
			if err := viewer.SaveSliceSequence("z", sliceDir); err != nil {
				log.Printf("Warning: failed to save %s slices: %v", name, err)
			}
		}
	}

	if cfg.Output.PlotCurves && diag.ArterialConc != nil {
		curves := []visualization.Curve{
			{Name: "AIF", Series: diag.ArterialConc},
		}
		if diag.ArterialFit != nil {
			curves = append(curves, visualization.Curve{Name: "gamma-variate fit", Series: diag.ArterialFit})
		}
		plotPath := filepath.Join(*outputDir, "aif.png")
		if err := visualization.SaveCurvePlot(plotPath, "Arterial input function", "dR2* [1/s]",
			cfg.Acquisition.TR, curves...); err != nil {
			log.Printf("Warning: failed to plot AIF: %v", err)
		} else {
			fmt.Printf("\nAIF diagnostic plot saved to %s\n", plotPath)
		}
	}
}

// consoleProgress prints pipeline progress to stdout. Stopped always reports
// false; cancellation goes through the signal context instead.
type consoleProgress struct {
	max int
}

func (c *consoleProgress) SetInformationText(text string) {
	fmt.Printf("\n%s\n", text)
}

func (c *consoleProgress) SetProgressRange(min, max int) {
	c.max = max
}

func (c *consoleProgress) SetCurrentProgressValue(value int) {
	if c.max > 0 {
		fmt.Printf("\rProcessing slices: %.1f%% complete", float64(value)/float64(c.max)*100)
	}
}

func (c *consoleProgress) Stopped() bool { return false }

// parseDims parses "X,Y,Z,T".
func parseDims(s string) (nx, ny, nz, nt int, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("expected X,Y,Z,T, got %q", s)
	}
	vals := make([]int, 4)
	for i, p := range parts {
		vals[i], err = strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 0, 0, 0, 0, err
		}
	}
	return vals[0], vals[1], vals[2], vals[3], nil
}

// parseSpacing parses "x,y,z" in mm.
func parseSpacing(s string) ([3]float64, error) {
	var out [3]float64
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return out, fmt.Errorf("expected x,y,z, got %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

// loadVolume reads a raw little-endian float64 volume with temporal index
// fastest.
func loadVolume(path string, nx, ny, nz, nt int, spacing [3]float64) (*models.Volume4D, error) {
	vol, err := models.NewVolume4D(nx, ny, nz, nt, spacing)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if err := binary.Read(file, binary.LittleEndian, vol.Data); err != nil {
		return nil, fmt.Errorf("reading %d samples: %w", len(vol.Data), err)
	}
	return vol, nil
}

// loadMask reads a raw byte mask (non-zero = inside).
func loadMask(path string, nx, ny, nz int) (*models.Mask3D, error) {
	mask, err := models.NewMask3D(nx, ny, nz)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) != len(mask.Data) {
		return nil, fmt.Errorf("mask has %d voxels, volume has %d", len(data), len(mask.Data))
	}
	for i, b := range data {
		mask.Data[i] = b != 0
	}
	return mask, nil
}

// saveMap writes a map as raw little-endian float64.
func saveMap(m *models.PerfusionMap, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return binary.Write(file, binary.LittleEndian, m.Data)
}

// valueRange returns the minimum and maximum values in a slice
func valueRange(data []float64) (min, max float64) {
	if len(data) == 0 {
		return 0, 0
	}
	min, max = data[0], data[0]
	for _, v := range data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}
