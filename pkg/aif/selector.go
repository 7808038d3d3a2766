// Package aif implements automatic arterial-voxel detection for DSC-MRI
// perfusion series. Arterial voxels show the deepest and earliest negative
// signal deflection during the bolus passage; the selector scores every
// masked voxel by deflection depth and relative arrival time and keeps the
// best candidates as the arterial input function support.
package aif

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"dscquant/internal/models"
)

// minVoxels is the lower clamp applied to the requested candidate count.
const minVoxels = 10

// Selector identifies candidate arterial voxels in a raw 4-D signal volume.
type Selector struct {
	// maxVoxels is the number of arterial voxels to select, clamped to
	// at least minVoxels.
	maxVoxels int

	// baseline is the number of leading samples averaged for the
	// deflection-depth score.
	baseline int
}

// Result holds the output of an arterial voxel selection.
type Result struct {
	// Labels is a 3-D integer volume where each selected voxel is stamped
	// with its 1-based rank (1 = deepest deflection) and all others are 0.
	// Indexed as (z*NY+y)*NX + x, matching models.Mask3D.
	Labels []int

	// MeanCurve is the mean raw-signal time series over the whole mask.
	MeanCurve models.TimeSeries

	// ArterialCurve is the mean raw-signal time series over the selected
	// voxels. When no voxel qualifies it falls back to MeanCurve.
	ArterialCurve models.TimeSeries

	// Selected is the number of voxels that were stamped.
	Selected int
}

// NewSelector creates a selector that keeps at most maxVoxels candidates and
// uses the first baseline samples for the deflection-depth measure.
func NewSelector(maxVoxels, baseline int) *Selector {
	if maxVoxels < minVoxels {
		maxVoxels = minVoxels
	}
	if baseline < 1 {
		baseline = 1
	}
	return &Selector{maxVoxels: maxVoxels, baseline: baseline}
}

// candidate is one admissible voxel with its ranking scores.
type candidate struct {
	idx   int
	rng   float64
	score float64
}

// Select scores every masked voxel and stamps the top candidates.
// A nil mask selects over a default intensity mask (see DefaultMask).
//
// The score of a voxel is (baseline mean - global minimum), the depth of the
// negative bolus deflection, multiplied by the voxel's arrival advance over
// the mean brain curve (mean-curve trough index minus the voxel's own trough
// index). Voxels whose trough comes earlier than half the mean trough index
// never show a genuine deflection and are excluded.
func (s *Selector) Select(vol *models.Volume4D, mask *models.Mask3D) (*Result, error) {
	if vol == nil {
		return nil, fmt.Errorf("arterial selection: nil volume")
	}
	if vol.NT < 2 {
		return nil, fmt.Errorf("arterial selection: volume has %d temporal samples, need at least 2", vol.NT)
	}
	if mask == nil {
		mask = DefaultMask(vol)
	}
	if err := mask.CheckShape(vol); err != nil {
		return nil, fmt.Errorf("arterial selection: %w", err)
	}

	baseline := s.baseline
	if baseline > vol.NT {
		baseline = vol.NT
	}

	// Mean raw-signal curve over the mask.
	mean := make(models.TimeSeries, vol.NT)
	masked := 0
	for idx, inside := range mask.Data {
		if !inside {
			continue
		}
		floats.Add(mean, vol.SeriesAt(idx))
		masked++
	}
	if masked == 0 {
		return nil, fmt.Errorf("arterial selection: empty mask")
	}
	floats.Scale(1/float64(masked), mean)

	// Trough of the mean curve; arterial voxels must bottom out no earlier
	// than half of it.
	meanTrough := floats.MinIdx(mean)

	cands := make([]candidate, 0, masked)
	for idx, inside := range mask.Data {
		if !inside {
			continue
		}
		series := vol.SeriesAt(idx)
		trough := floats.MinIdx(series)
		if 2*trough < meanTrough {
			continue
		}
		rng := stat.Mean(series[:baseline], nil) - floats.Min(series)
		score := rng * float64(meanTrough-trough)
		cands = append(cands, candidate{idx: idx, rng: rng, score: score})
	}

	// Top candidates by score, then re-ranked by deflection depth.
	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	if len(cands) > s.maxVoxels {
		cands = cands[:s.maxVoxels]
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].rng > cands[j].rng })

	res := &Result{
		Labels:    make([]int, vol.VoxelCount()),
		MeanCurve: mean,
		Selected:  len(cands),
	}
	for rank, c := range cands {
		res.Labels[c.idx] = rank + 1
	}

	// Arterial curve: mean over the stamped voxels.
	if len(cands) > 0 {
		arterial := make(models.TimeSeries, vol.NT)
		for _, c := range cands {
			floats.Add(arterial, vol.SeriesAt(c.idx))
		}
		floats.Scale(1/float64(len(cands)), arterial)
		res.ArterialCurve = arterial
	} else {
		res.ArterialCurve = mean.Clone()
	}

	return res, nil
}

// DefaultMask builds a crude brain mask by thresholding the temporal-mean
// intensity at half the volume-wide mean. It stands in for the external
// segmentation collaborator when the caller supplies no mask.
func DefaultMask(vol *models.Volume4D) *models.Mask3D {
	n := vol.VoxelCount()
	avg := make([]float64, n)
	for idx := 0; idx < n; idx++ {
		avg[idx] = stat.Mean(vol.SeriesAt(idx), nil)
	}
	threshold := stat.Mean(avg, nil) * 0.5

	mask, _ := models.NewMask3D(vol.NX, vol.NY, vol.NZ)
	for idx, v := range avg {
		mask.Data[idx] = v > threshold
	}
	return mask
}
