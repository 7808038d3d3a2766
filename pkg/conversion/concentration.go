// Package conversion converts raw MR signal intensities into contrast-agent
// concentration time series. For a gradient-echo DSC acquisition the
// relaxation-rate change is dR2*(t) = -ln(S(t)/S0)/TE with S0 the pre-bolus
// baseline signal; dR2* is proportional to the concentration and is used as
// the concentration throughout the pipeline.
package conversion

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"dscquant/internal/models"
)

// Converter converts raw signal to dR2* concentration series.
type Converter struct {
	// te is the echo time in seconds.
	te float64

	// baselineStart and baselineEnd bound the pre-bolus range [start, end)
	// averaged into the reference signal S0.
	baselineStart int
	baselineEnd   int
}

// NewConverter creates a converter for the given echo time (seconds) and
// baseline sample range [start, end).
func NewConverter(te float64, baselineStart, baselineEnd int) (*Converter, error) {
	if te <= 0 {
		return nil, fmt.Errorf("conversion: echo time must be positive, got %g", te)
	}
	if baselineStart < 0 || baselineEnd <= baselineStart {
		return nil, fmt.Errorf("conversion: invalid baseline range [%d,%d)", baselineStart, baselineEnd)
	}
	return &Converter{te: te, baselineStart: baselineStart, baselineEnd: baselineEnd}, nil
}

// ConvertSeries converts a single raw-signal time series to concentration.
// Samples that would produce a negative, NaN or infinite concentration
// (signal increase or non-positive signal) are clamped to 0.
func (c *Converter) ConvertSeries(signal models.TimeSeries) models.TimeSeries {
	out := make(models.TimeSeries, len(signal))
	if len(signal) < c.baselineEnd {
		return out
	}
	s0 := stat.Mean(signal[c.baselineStart:c.baselineEnd], nil)
	c.convertInto(out, signal, s0)
	return out
}

// ConvertVolume converts every masked voxel of a raw 4-D volume to a
// concentration volume of the same shape. Unmasked voxels are left at zero.
func (c *Converter) ConvertVolume(vol *models.Volume4D, mask *models.Mask3D) (*models.Volume4D, error) {
	if vol == nil {
		return nil, fmt.Errorf("conversion: nil volume")
	}
	if vol.NT < c.baselineEnd {
		return nil, fmt.Errorf("conversion: baseline range [%d,%d) exceeds %d temporal samples",
			c.baselineStart, c.baselineEnd, vol.NT)
	}
	if mask == nil {
		return nil, fmt.Errorf("conversion: nil mask")
	}
	if err := mask.CheckShape(vol); err != nil {
		return nil, fmt.Errorf("conversion: %w", err)
	}

	conc, err := models.NewVolume4D(vol.NX, vol.NY, vol.NZ, vol.NT, vol.Spacing)
	if err != nil {
		return nil, err
	}
	for idx, inside := range mask.Data {
		if !inside {
			continue
		}
		signal := vol.SeriesAt(idx)
		s0 := stat.Mean(signal[c.baselineStart:c.baselineEnd], nil)
		c.convertInto(conc.SeriesAt(idx), signal, s0)
	}
	return conc, nil
}

// convertInto writes -ln(S/S0)/TE into dst, clamping invalid samples to 0.
func (c *Converter) convertInto(dst, signal models.TimeSeries, s0 float64) {
	if s0 <= 0 {
		return
	}
	for t, s := range signal {
		v := -math.Log(s/s0) / c.te
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			v = 0
		}
		dst[t] = v
	}
}
