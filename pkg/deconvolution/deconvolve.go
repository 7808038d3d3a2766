// Package deconvolution recovers the tissue impulse-response (residue)
// function from a voxel concentration curve and the arterial input function
// by solving the tracer-kinetics convolution equation
//
//	C(t) = TR * A * R
//
// where A is a lower-triangular discretization of the AIF. The system is
// ill-posed, so it is solved through a singular value decomposition with
// Tikhonov-damped filter factors; the damping parameter is picked at the
// corner of the L-curve (see lcurve.go).
package deconvolution

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"dscquant/internal/models"
)

// numCandidates is the size of the logarithmic regularization sweep.
const numCandidates = 400

// Deconvolver solves the discretized convolution equation per voxel.
// It is stateless apart from the sampling interval and safe for concurrent
// use from multiple goroutines.
type Deconvolver struct {
	// tr is the sampling interval (repetition time) in seconds.
	tr float64
}

// NewDeconvolver creates a deconvolver for the given repetition time in
// seconds.
func NewDeconvolver(tr float64) (*Deconvolver, error) {
	if tr <= 0 {
		return nil, fmt.Errorf("deconvolution: repetition time must be positive, got %g", tr)
	}
	return &Deconvolver{tr: tr}, nil
}

// ConvolutionMatrix builds the T x T lower-triangular discretization of the
// arterial input function using a quadratic (Simpson-like trapezoid) rule:
//
//	A[i,0] = (2*aif[i] + aif[i-1])/6                              for i > 0
//	A[i,i] = (2*aif[0] + aif[1])/6
//	A[i,j] = (2*aif[i-j]+aif[i-j-1])/6 + (2*aif[i-j]+aif[i-j+1])/6 for 0 < j < i
//
// and zero above the diagonal. The AIF is the raw arterial signal curve.
func (d *Deconvolver) ConvolutionMatrix(aif models.TimeSeries) *mat.Dense {
	n := len(aif)
	a := mat.NewDense(n, n, nil)
	diag := (2*aif[0] + aif[1]) / 6
	for i := 0; i < n; i++ {
		a.Set(i, i, diag)
		if i > 0 {
			a.Set(i, 0, (2*aif[i]+aif[i-1])/6)
		}
		for j := 1; j < i; j++ {
			lower := (2*aif[i-j] + aif[i-j-1]) / 6
			upper := (2*aif[i-j] + aif[i-j+1]) / 6
			a.Set(i, j, lower+upper)
		}
	}
	return a
}

// Deconvolve recovers the impulse response of one voxel. aif is the raw
// arterial signal and conc the voxel's concentration series; both must have
// the same length. Degenerate inputs (fewer than two samples, all-zero AIF,
// failed factorization) yield an all-zero response rather than an error, so
// the voxel loop can continue.
//
// Only the maximum (flow) and integral (volume) of the result are meaningful
// downstream: flow = max(R)*100*60/TR, volume = trapz(R)*100.
func (d *Deconvolver) Deconvolve(aif, conc models.TimeSeries) (models.TimeSeries, error) {
	n := len(conc)
	if len(aif) != n {
		return nil, fmt.Errorf("deconvolution: AIF length %d does not match series length %d", len(aif), n)
	}
	out := make(models.TimeSeries, n)
	if n < 2 || isZero(aif) {
		return out, nil
	}

	u, v, s, ok := d.factorize(aif)
	if !ok || s[0] <= 0 {
		return out, nil
	}
	b := project(u, conc)

	mus := Candidates(s[0], numCandidates)
	logRho, logEta := LCurvePoints(s, b, mus)
	mu := mus[CornerIndex(Curvature(logRho, logEta))]

	filterSolve(out, v, s, b, mu)
	return out, nil
}

// SolveRegularized recovers the impulse response with an explicit
// regularization parameter mu, bypassing the L-curve search.
func (d *Deconvolver) SolveRegularized(aif, conc models.TimeSeries, mu float64) (models.TimeSeries, error) {
	n := len(conc)
	if len(aif) != n {
		return nil, fmt.Errorf("deconvolution: AIF length %d does not match series length %d", len(aif), n)
	}
	out := make(models.TimeSeries, n)
	if n < 2 || isZero(aif) {
		return out, nil
	}
	u, v, s, ok := d.factorize(aif)
	if !ok {
		return out, nil
	}
	filterSolve(out, v, s, project(u, conc), mu)
	return out, nil
}

// factorize decomposes TR*A = U * diag(S) * V^T.
func (d *Deconvolver) factorize(aif models.TimeSeries) (u, v *mat.Dense, s []float64, ok bool) {
	m := d.ConvolutionMatrix(aif)
	m.Scale(d.tr, m)

	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDThin) {
		return nil, nil, nil, false
	}
	s = svd.Values(nil)
	u = &mat.Dense{}
	v = &mat.Dense{}
	svd.UTo(u)
	svd.VTo(v)
	return u, v, s, true
}

// project computes b = U^T * c.
func project(u *mat.Dense, c models.TimeSeries) []float64 {
	rows, cols := u.Dims()
	b := make([]float64, cols)
	for j := 0; j < cols; j++ {
		sum := 0.0
		for i := 0; i < rows; i++ {
			sum += u.At(i, j) * c[i]
		}
		b[j] = sum
	}
	return b
}

// filterSolve writes R = V * (b .* s/(s^2+mu^2)) into dst.
func filterSolve(dst models.TimeSeries, v *mat.Dense, s, b []float64, mu float64) {
	coeff := make([]float64, len(s))
	for i, sv := range s {
		denom := sv*sv + mu*mu
		if denom == 0 {
			continue
		}
		coeff[i] = b[i] * sv / denom
	}
	rows, cols := v.Dims()
	for i := 0; i < rows; i++ {
		sum := 0.0
		for j := 0; j < cols; j++ {
			sum += v.At(i, j) * coeff[j]
		}
		dst[i] = sum
	}
}

// isZero reports whether every sample of s is zero.
func isZero(s models.TimeSeries) bool {
	for _, v := range s {
		if v != 0 {
			return false
		}
	}
	return true
}
