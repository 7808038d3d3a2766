package deconvolution

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"dscquant/internal/models"
)

// TestConvolutionMatrixEntries verifies the quadratic discretization rules
// on a hand-computed 4x4 case.
func TestConvolutionMatrixEntries(t *testing.T) {
	d, err := NewDeconvolver(1.0)
	if err != nil {
		t.Fatalf("NewDeconvolver failed: %v", err)
	}

	aif := models.TimeSeries{1, 2, 3, 4}
	a := d.ConvolutionMatrix(aif)

	diag := (2*1.0 + 2.0) / 6
	cases := []struct {
		i, j int
		want float64
	}{
		{0, 0, diag},
		{1, 1, diag},
		{2, 2, diag},
		{3, 3, diag},
		{1, 0, (2*2.0 + 1.0) / 6},
		{2, 0, (2*3.0 + 2.0) / 6},
		{3, 0, (2*4.0 + 3.0) / 6},
		{2, 1, (2*2.0+1.0)/6 + (2*2.0+3.0)/6},
		{3, 1, (2*3.0+2.0)/6 + (2*3.0+4.0)/6},
		{3, 2, (2*2.0+1.0)/6 + (2*2.0+3.0)/6},
		// Upper triangle stays zero
		{0, 1, 0},
		{0, 3, 0},
		{1, 2, 0},
		{2, 3, 0},
	}
	for _, c := range cases {
		if got := a.At(c.i, c.j); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("Expected A[%d,%d]=%f, got %f", c.i, c.j, c.want, got)
		}
	}
}

// syntheticCase builds an AIF, a ground-truth residue function and the
// exactly convolved concentration curve C = TR*A*R.
func syntheticCase(tr float64, n int) (aifCurve, residue, conc models.TimeSeries) {
	d, _ := NewDeconvolver(tr)

	aifCurve = make(models.TimeSeries, n)
	for i := range aifCurve {
		tt := float64(i)
		aifCurve[i] = math.Pow(tt, 2) * math.Exp(-tt/1.8)
	}

	residue = make(models.TimeSeries, n)
	for i := range residue {
		residue[i] = math.Exp(-float64(i) / 4)
	}

	m := d.ConvolutionMatrix(aifCurve)
	m.Scale(tr, m)
	out := mat.NewVecDense(n, nil)
	out.MulVec(m, mat.NewVecDense(n, residue))

	conc = make(models.TimeSeries, n)
	copy(conc, out.RawVector().Data)
	return aifCurve, residue, conc
}

// TestSolveRegularizedRoundTrip recovers a known residue function from its
// exact convolution using negligible regularization. The tolerance is
// relative: the matrix conditioning amplifies float rounding well past
// machine epsilon.
func TestSolveRegularizedRoundTrip(t *testing.T) {
	tr := 1.5
	aifCurve, residue, conc := syntheticCase(tr, 16)

	d, _ := NewDeconvolver(tr)
	got, err := d.SolveRegularized(aifCurve, conc, 1e-12)
	if err != nil {
		t.Fatalf("SolveRegularized failed: %v", err)
	}

	for i := range residue {
		if rel := math.Abs(got[i]-residue[i]) / residue[i]; rel > 1e-3 {
			t.Errorf("Expected residue %f at sample %d, got %f", residue[i], i, got[i])
		}
	}
}

// TestDeconvolveRoundTrip runs the full L-curve path on the noise-free case.
// The corner search should keep regularization light enough that the shape
// and peak of the residue function survive.
func TestDeconvolveRoundTrip(t *testing.T) {
	tr := 1.5
	aifCurve, residue, conc := syntheticCase(tr, 16)

	d, _ := NewDeconvolver(tr)
	got, err := d.Deconvolve(aifCurve, conc)
	if err != nil {
		t.Fatalf("Deconvolve failed: %v", err)
	}

	for i, v := range got {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("Expected finite residue, got %f at sample %d", v, i)
		}
	}

	if corr := stat.Correlation(got, residue, nil); corr < 0.8 {
		t.Errorf("Expected recovered residue correlated with truth, got r=%f", corr)
	}

	peak := 0.0
	for _, v := range got {
		if v > peak {
			peak = v
		}
	}
	if peak < 0.5 || peak > 1.5 {
		t.Errorf("Expected recovered peak near 1.0, got %f", peak)
	}
}

// TestDeconvolveDegenerateInputs checks the graceful zero-response paths
func TestDeconvolveDegenerateInputs(t *testing.T) {
	d, _ := NewDeconvolver(1.5)

	// All-zero AIF
	zeroAIF := make(models.TimeSeries, 8)
	conc := make(models.TimeSeries, 8)
	conc[3] = 1
	got, err := d.Deconvolve(zeroAIF, conc)
	if err != nil {
		t.Fatalf("Deconvolve failed on zero AIF: %v", err)
	}
	for i, v := range got {
		if v != 0 {
			t.Errorf("Expected zero residue for zero AIF, got %f at %d", v, i)
		}
	}

	// Single-sample series
	got, err = d.Deconvolve(models.TimeSeries{1}, models.TimeSeries{1})
	if err != nil {
		t.Fatalf("Deconvolve failed on single sample: %v", err)
	}
	if len(got) != 1 || got[0] != 0 {
		t.Errorf("Expected zero single-sample residue, got %v", got)
	}

	// Length mismatch is a precondition error
	if _, err := d.Deconvolve(models.TimeSeries{1, 2}, models.TimeSeries{1, 2, 3}); err == nil {
		t.Error("Expected error for AIF/series length mismatch")
	}
}

// TestNewDeconvolverValidation rejects non-positive sampling intervals
func TestNewDeconvolverValidation(t *testing.T) {
	if _, err := NewDeconvolver(0); err == nil {
		t.Error("Expected error for zero repetition time")
	}
	if _, err := NewDeconvolver(-1); err == nil {
		t.Error("Expected error for negative repetition time")
	}
}
