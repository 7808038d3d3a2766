// Package recovery computes the ratio-based signal-recovery maps SR and PSR
// directly from the raw intensity time series. Unlike the deconvolution
// maps, these need no arterial input function: they compare the pre-bolus
// baseline, the post-first-pass plateau and the bolus trough of each voxel.
package recovery

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"dscquant/internal/models"
)

// Calculator computes SR/PSR maps for a raw 4-D volume.
type Calculator struct {
	// tr is the repetition time in seconds.
	tr float64

	// baselineStart and baselineEnd bound the pre-bolus range [start, end).
	baselineStart int
	baselineEnd   int

	// bolusArrival is the sample index of bolus arrival; the post-first-pass
	// window starts 60 seconds after it.
	bolusArrival int

	// window is the post-first-pass averaging window length in samples.
	window int
}

// NewCalculator creates a signal-recovery calculator. window is the length of
// the post-first-pass averaging window in samples; zero selects the baseline
// length.
func NewCalculator(tr float64, baselineStart, baselineEnd, bolusArrival, window int) (*Calculator, error) {
	if tr <= 0 {
		return nil, fmt.Errorf("recovery: repetition time must be positive, got %g", tr)
	}
	if baselineStart < 0 || baselineEnd <= baselineStart {
		return nil, fmt.Errorf("recovery: invalid baseline range [%d,%d)", baselineStart, baselineEnd)
	}
	if bolusArrival < 0 {
		return nil, fmt.Errorf("recovery: negative bolus arrival index %d", bolusArrival)
	}
	if window <= 0 {
		window = baselineEnd - baselineStart
	}
	return &Calculator{
		tr:            tr,
		baselineStart: baselineStart,
		baselineEnd:   baselineEnd,
		bolusArrival:  bolusArrival,
		window:        window,
	}, nil
}

// Compute returns the SR and PSR maps of the masked volume:
//
//	SR  = (Spost - Spre) / Spre * 100
//	PSR = (Spost - Smin) / (Spre - Smin) * 100
//
// with Spre the baseline mean, Spost the mean of the window starting 60s
// after bolus arrival (clamped into the series) and Smin the temporal
// minimum. Zero denominators yield 0, never NaN.
func (c *Calculator) Compute(vol *models.Volume4D, mask *models.Mask3D) (sr, psr *models.PerfusionMap, err error) {
	if vol == nil {
		return nil, nil, fmt.Errorf("recovery: nil volume")
	}
	if vol.NT < c.baselineEnd {
		return nil, nil, fmt.Errorf("recovery: baseline range [%d,%d) exceeds %d temporal samples",
			c.baselineStart, c.baselineEnd, vol.NT)
	}
	if mask == nil {
		return nil, nil, fmt.Errorf("recovery: nil mask")
	}
	if err := mask.CheckShape(vol); err != nil {
		return nil, nil, fmt.Errorf("recovery: %w", err)
	}

	sr = models.NewPerfusionMap(models.KeySR, "%", "dsc_sr", vol)
	psr = models.NewPerfusionMap(models.KeyPSR, "%", "dsc_psr", vol)

	postStart, postEnd := c.postWindow(vol.NT)
	for idx, inside := range mask.Data {
		if !inside {
			continue
		}
		series := vol.SeriesAt(idx)
		spre := stat.Mean(series[c.baselineStart:c.baselineEnd], nil)
		spost := stat.Mean(series[postStart:postEnd], nil)
		smin := floats.Min(series)

		sr.Data[idx] = clampRatio((spost - spre) / spre * 100)
		psr.Data[idx] = clampRatio((spost - smin) / (spre - smin) * 100)
	}
	return sr, psr, nil
}

// postWindow places the post-first-pass window 60 seconds after bolus
// arrival and clamps it so it never leaves the series.
func (c *Calculator) postWindow(nt int) (start, end int) {
	start = c.bolusArrival + int(60.0/c.tr+0.5)
	n := c.window
	if n > nt {
		n = nt
	}
	if start+n > nt {
		start = nt - n
	}
	if start < 0 {
		start = 0
	}
	return start, start + n
}

// clampRatio zeroes NaN and infinite ratios caused by flat signals.
func clampRatio(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
