package deconvolution

import (
	"math"
)

// The L-curve is the parametric trade-off between the residual norm
// ||TR*A*R - C|| and the solution norm ||R|| as the regularization parameter
// mu sweeps from under- to over-regularized. Its corner marks the mu where
// additional damping starts destroying signal instead of noise. The corner
// search operates on the curvature of the log-log curve and is kept as pure
// functions over the singular values and the projected data vector so it can
// be pinned by fixture tests independently of the voxel loop.

// Candidates returns n logarithmically spaced regularization parameters
// between smax*1e-10 and smax*10, ordered from least to most regularized.
func Candidates(smax float64, n int) []float64 {
	mus := make([]float64, n)
	lo := math.Log(smax * 1e-10)
	hi := math.Log(smax * 10)
	for k := range mus {
		frac := float64(k) / float64(n-1)
		mus[k] = math.Exp(lo + frac*(hi-lo))
	}
	return mus
}

// LCurvePoints evaluates the log residual norm and log solution norm of the
// damped SVD solution at each candidate mu. s holds the singular values and
// b the data vector projected onto the left singular basis.
func LCurvePoints(s, b, mus []float64) (logRho, logEta []float64) {
	logRho = make([]float64, len(mus))
	logEta = make([]float64, len(mus))
	for k, mu := range mus {
		rho := 0.0
		eta := 0.0
		for i, sv := range s {
			denom := sv*sv + mu*mu
			if denom == 0 {
				continue
			}
			x := b[i] * sv / denom
			r := b[i] * mu * mu / denom
			eta += x * x
			rho += r * r
		}
		// Half-log of the squared norms; the floor keeps exact-fit
		// candidates finite.
		logRho[k] = 0.5 * math.Log(rho+1e-300)
		logEta[k] = 0.5 * math.Log(eta+1e-300)
	}
	return logRho, logEta
}

// Curvature computes the signed curvature of the (logRho, logEta) curve at
// every sweep index using central finite differences. The endpoint values
// repeat their inner neighbors so the result aligns with the sweep.
func Curvature(logRho, logEta []float64) []float64 {
	n := len(logRho)
	curv := make([]float64, n)
	if n < 3 {
		return curv
	}
	for k := 1; k < n-1; k++ {
		d1r := (logRho[k+1] - logRho[k-1]) / 2
		d1e := (logEta[k+1] - logEta[k-1]) / 2
		d2r := logRho[k+1] - 2*logRho[k] + logRho[k-1]
		d2e := logEta[k+1] - 2*logEta[k] + logEta[k-1]
		denom := math.Pow(d1r*d1r+d1e*d1e, 1.5)
		if denom == 0 {
			continue
		}
		curv[k] = (d1r*d2e - d2r*d1e) / denom
	}
	curv[0] = curv[1]
	curv[n-1] = curv[n-2]
	return curv
}

// CornerIndex scans the curvature from the least-regularized end of the
// sweep toward heavier damping and stops at the first interior strict local
// minimum. If no interior minimum exists the least-regularized candidate is
// selected, which is the correct outcome for noise-free data: damping must
// never exceed what the first curvature break justifies.
func CornerIndex(curv []float64) int {
	if len(curv) < 3 {
		return 0
	}
	for k := 1; k < len(curv)-1; k++ {
		if curv[k] < curv[k-1] && curv[k] < curv[k+1] {
			return k
		}
	}
	return 0
}
