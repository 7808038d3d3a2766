package aif

import (
	"testing"

	"dscquant/internal/models"
)

// makeTestVolume builds a 4x4x1 volume with nt samples where every voxel
// holds a flat baseline signal.
func makeTestVolume(nt int, baseline float64) *models.Volume4D {
	vol, _ := models.NewVolume4D(4, 4, 1, nt, [3]float64{1, 1, 1})
	for i := range vol.Data {
		vol.Data[i] = baseline
	}
	return vol
}

// dip carves a negative deflection of the given depth at sample t into the
// voxel (x, y, 0).
func dip(vol *models.Volume4D, x, y, t int, depth float64) {
	vol.Set(x, y, 0, t, vol.At(x, y, 0, t)-depth)
}

// TestSelectRanksArterialVoxels verifies that voxels with deep, early
// deflections are stamped with ranks ordered by deflection depth.
func TestSelectRanksArterialVoxels(t *testing.T) {
	vol := makeTestVolume(12, 100)

	// Three arterial voxels bottom out early (t=4) with distinct depths.
	dip(vol, 0, 0, 4, 80)
	dip(vol, 1, 0, 4, 70)
	dip(vol, 2, 0, 4, 60)

	// The remaining tissue voxels bottom out late (t=8) and shallow.
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if y == 0 && x < 3 {
				continue
			}
			dip(vol, x, y, 8, 40)
		}
	}

	mask, _ := models.NewFullMask(4, 4, 1)
	res, err := NewSelector(3, 3).Select(vol, mask)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	// The requested count is clamped up to the minimum of 10.
	if res.Selected != 10 {
		t.Errorf("Expected 10 selected voxels, got %d", res.Selected)
	}

	// Re-ranking by deflection depth puts the deepest voxel first.
	wantRanks := map[int]int{
		vol.SpatialIndex(0, 0, 0): 1,
		vol.SpatialIndex(1, 0, 0): 2,
		vol.SpatialIndex(2, 0, 0): 3,
	}
	for idx, want := range wantRanks {
		if got := res.Labels[idx]; got != want {
			t.Errorf("Expected rank %d at voxel %d, got %d", want, idx, got)
		}
	}

	if len(res.MeanCurve) != 12 {
		t.Fatalf("Expected mean curve of length 12, got %d", len(res.MeanCurve))
	}
	// The arterial curve must show the early deflection.
	if res.ArterialCurve[4] >= res.ArterialCurve[0] {
		t.Errorf("Expected arterial curve deflection at t=4, got %f vs baseline %f",
			res.ArterialCurve[4], res.ArterialCurve[0])
	}
}

// TestSelectAllZeroVolume ensures selection on degenerate input picks the
// requested number of voxels with zero-valued scores instead of crashing.
func TestSelectAllZeroVolume(t *testing.T) {
	vol := makeTestVolume(10, 0)
	mask, _ := models.NewFullMask(4, 4, 1)

	res, err := NewSelector(10, 2).Select(vol, mask)
	if err != nil {
		t.Fatalf("Select failed on all-zero volume: %v", err)
	}
	if res.Selected != 10 {
		t.Errorf("Expected exactly 10 selected voxels, got %d", res.Selected)
	}
	for t0, v := range res.MeanCurve {
		if v != 0 {
			t.Errorf("Expected zero mean curve, got %f at %d", v, t0)
		}
	}
}

// TestSelectSingleTimepoint verifies the single-component precondition
func TestSelectSingleTimepoint(t *testing.T) {
	vol := makeTestVolume(1, 100)
	mask, _ := models.NewFullMask(4, 4, 1)

	if _, err := NewSelector(10, 1).Select(vol, mask); err == nil {
		t.Error("Expected error for single-timepoint volume")
	}
}

// TestSelectMaskMismatch verifies the shape precondition
func TestSelectMaskMismatch(t *testing.T) {
	vol := makeTestVolume(10, 100)
	mask, _ := models.NewFullMask(3, 3, 1)

	if _, err := NewSelector(10, 2).Select(vol, mask); err == nil {
		t.Error("Expected mask shape mismatch error")
	}
}

// TestDefaultMask checks the intensity fallback mask keeps bright voxels
// and drops dark ones.
func TestDefaultMask(t *testing.T) {
	vol := makeTestVolume(10, 100)
	// Darken one corner voxel far below half the global mean.
	for tt := 0; tt < 10; tt++ {
		vol.Set(3, 3, 0, tt, 1)
	}

	mask := DefaultMask(vol)
	if !mask.At(0, 0, 0) {
		t.Error("Expected bright voxel inside the default mask")
	}
	if mask.At(3, 3, 0) {
		t.Error("Expected dark voxel outside the default mask")
	}
}
