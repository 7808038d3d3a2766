// Package perfusion drives the DSC-MRI quantification pipeline: arterial
// input selection, signal-to-concentration conversion, the per-voxel
// gamma-variate fit and SVD deconvolution, and assembly of the named output
// maps. The per-voxel loop is data parallel across z-slices with cooperative
// cancellation; a cancelled run returns the maps computed so far.
package perfusion

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"dscquant/internal/models"
	"dscquant/pkg/aif"
	"dscquant/pkg/conversion"
	"dscquant/pkg/deconvolution"
	"dscquant/pkg/gammafit"
	"dscquant/pkg/recovery"
)

// Flags selects the pipeline stages of a run.
type Flags struct {
	// Smooth applies a 3-tap temporal kernel to each voxel concentration
	// curve before fitting.
	Smooth bool

	// DSC enables the quantification maps (CBV and, depending on Fit and
	// Deconvolve, CBF/MTT/TTP).
	DSC bool

	// Fit enables the per-voxel gamma-variate fit.
	Fit bool

	// Deconvolve enables the per-voxel SVD deconvolution.
	Deconvolve bool

	// Leakage enables the capillary leakage (LKV) map; requires Fit.
	Leakage bool

	// Recovery enables the SR/PSR maps computed from the raw signal.
	Recovery bool
}

// Params configures one orchestrator invocation. It is passed by value; the
// engine keeps no defaults of its own beyond the documented zero-value
// substitutions.
type Params struct {
	// TR is the repetition time in seconds.
	TR float64

	// TE is the echo time in seconds.
	TE float64

	// BaselineStart and BaselineEnd bound the pre-bolus range [start, end).
	BaselineStart int
	BaselineEnd   int

	// BolusArrival is the bolus arrival sample used by the recovery maps.
	// Zero selects BaselineEnd.
	BolusArrival int

	// MaxArterialVoxels caps the automatic arterial selection (min 10).
	MaxArterialVoxels int

	// RecoveryWindow is the post-first-pass window length in samples.
	// Zero selects the baseline length.
	RecoveryWindow int

	// NumWorkers bounds the voxel-loop parallelism. Zero or negative runs
	// single-threaded.
	NumWorkers int

	// AIF optionally supplies the raw arterial signal curve. When nil the
	// arterial voxels are detected automatically.
	AIF models.TimeSeries

	// Flags selects the stages to run.
	Flags Flags
}

// Diagnostics holds the intermediate curves of the last run for QA display.
type Diagnostics struct {
	// ArterialRaw is the raw arterial signal curve that drove the run.
	ArterialRaw models.TimeSeries

	// ArterialConc is the concentration form of the arterial curve.
	ArterialConc models.TimeSeries

	// ArterialFit is the gamma-variate fit of ArterialConc, nil when the
	// fit did not converge.
	ArterialFit models.TimeSeries

	// MeanCurve is the mean raw signal over the mask (only present when
	// the arterial curve was detected automatically).
	MeanCurve models.TimeSeries

	// ArterialLabels is the rank-stamped selection volume, nil when the
	// caller supplied the AIF.
	ArterialLabels []int

	// AIFIntegral is the normalization integral used for the CBV ratio.
	AIFIntegral float64

	// Cancelled reports whether the run was stopped before completion.
	Cancelled bool
}

// Orchestrator runs the perfusion pipeline. Create one per invocation with
// NewOrchestrator; no state persists across runs apart from the diagnostics
// of the most recent one.
type Orchestrator struct {
	params   Params
	progress Progress
	diag     Diagnostics
}

// NewOrchestrator creates an orchestrator. progress may be nil for headless
// operation.
func NewOrchestrator(params Params, progress Progress) *Orchestrator {
	if progress == nil {
		progress = noopProgress{}
	}
	return &Orchestrator{params: params, progress: progress}
}

// Diagnostics returns the intermediate curves of the last Run.
func (o *Orchestrator) Diagnostics() Diagnostics {
	return o.diag
}

// Run executes the configured pipeline over vol and returns the named output
// maps. A nil mask falls back to a default intensity mask. Cancellation
// (context or Progress.Stopped) returns the partially filled maps with a nil
// error; precondition and configuration violations fail before any
// computation starts.
func (o *Orchestrator) Run(ctx context.Context, vol *models.Volume4D, mask *models.Mask3D) (models.PerfusionMapSet, error) {
	if err := o.validate(vol); err != nil {
		return nil, err
	}
	if mask == nil {
		mask = aif.DefaultMask(vol)
	}
	if err := mask.CheckShape(vol); err != nil {
		return nil, fmt.Errorf("perfusion: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	o.diag = Diagnostics{}
	maps := models.PerfusionMapSet{}

	if o.params.Flags.DSC {
		if err := o.runDSC(ctx, vol, mask, maps); err != nil {
			return nil, err
		}
	}

	if o.params.Flags.Recovery && !o.diag.Cancelled && !o.stopRequested(ctx) {
		o.progress.SetInformationText("Computing signal-recovery maps...")
		calc, err := recovery.NewCalculator(o.params.TR, o.params.BaselineStart, o.params.BaselineEnd,
			o.bolusArrival(), o.params.RecoveryWindow)
		if err != nil {
			return nil, fmt.Errorf("perfusion: %w", err)
		}
		sr, psr, err := calc.Compute(vol, mask)
		if err != nil {
			return nil, fmt.Errorf("perfusion: %w", err)
		}
		maps[models.KeySR] = sr
		maps[models.KeyPSR] = psr
	}

	return maps, nil
}

// runDSC performs the arterial, conversion and per-voxel stages and fills
// the quantification maps.
func (o *Orchestrator) runDSC(ctx context.Context, vol *models.Volume4D, mask *models.Mask3D, maps models.PerfusionMapSet) error {
	p := &o.params

	// Step 1: arterial input function.
	o.progress.SetInformationText("Selecting arterial input function...")
	aifRaw := p.AIF
	if aifRaw == nil {
		selector := aif.NewSelector(p.MaxArterialVoxels, p.BaselineEnd)
		res, err := selector.Select(vol, mask)
		if err != nil {
			return fmt.Errorf("perfusion: %w", err)
		}
		aifRaw = res.ArterialCurve
		o.diag.MeanCurve = res.MeanCurve
		o.diag.ArterialLabels = res.Labels
	} else if len(aifRaw) != vol.NT {
		return fmt.Errorf("perfusion: AIF length %d does not match %d temporal samples", len(aifRaw), vol.NT)
	}
	o.diag.ArterialRaw = aifRaw
	if o.stopRequested(ctx) {
		o.diag.Cancelled = true
		return nil
	}

	// Step 2: signal to concentration, volume and arterial curve alike.
	o.progress.SetInformationText("Converting signal to concentration...")
	conv, err := conversion.NewConverter(p.TE, p.BaselineStart, p.BaselineEnd)
	if err != nil {
		return fmt.Errorf("perfusion: %w", err)
	}
	concVol, err := conv.ConvertVolume(vol, mask)
	if err != nil {
		return fmt.Errorf("perfusion: %w", err)
	}
	aifConc := conv.ConvertSeries(aifRaw)
	o.diag.ArterialConc = aifConc
	if o.stopRequested(ctx) {
		o.diag.Cancelled = true
		return nil
	}

	// Step 3: fit the arterial curve for the CBV normalization integral.
	// A failed fit falls back to the raw concentration integral.
	o.progress.SetInformationText("Fitting arterial input function...")
	fitter := gammafit.NewFitter()
	if fit := fitter.Fit(aifConc, false); fit != nil {
		o.diag.AIFIntegral = fit.Integral
		o.diag.ArterialFit = fit.Fitted
	} else {
		o.diag.AIFIntegral = trapezoid(aifConc)
	}

	var dec *deconvolution.Deconvolver
	if p.Flags.Deconvolve {
		dec, err = deconvolution.NewDeconvolver(p.TR)
		if err != nil {
			return fmt.Errorf("perfusion: %w", err)
		}
	}

	// Step 4: allocate the output maps. Units are absolute only when the
	// deconvolution stage runs.
	absolute := p.Flags.Deconvolve
	cbvUnit := "%"
	if absolute {
		cbvUnit = "ml/100g"
	}
	maps[models.KeyCBV] = models.NewPerfusionMap(models.KeyCBV, cbvUnit, "dsc_cbv", vol)
	if p.Flags.Deconvolve {
		maps[models.KeyCBF] = models.NewPerfusionMap(models.KeyCBF, "ml/min/100g", "dsc_cbf", vol)
	}
	if p.Flags.Fit || p.Flags.Deconvolve {
		maps[models.KeyMTT] = models.NewPerfusionMap(models.KeyMTT, "s", "dsc_mtt", vol)
	}
	if p.Flags.Fit {
		maps[models.KeyTTP] = models.NewPerfusionMap(models.KeyTTP, "s", "dsc_ttp", vol)
	}
	if p.Flags.Leakage {
		maps[models.KeyLKV] = models.NewPerfusionMap(models.KeyLKV, "a.u.", "dsc_lkv", vol)
	}

	// Step 5: the per-voxel loop, parallel over z-slices. Output writes are
	// disjoint per voxel, so no locking is needed.
	o.progress.SetInformationText("Computing perfusion maps...")
	o.progress.SetProgressRange(0, vol.NZ)

	worker := voxelWorker{
		params:      p,
		aifRaw:      aifRaw,
		aifIntegral: o.diag.AIFIntegral,
		duration:    float64(vol.NT) * p.TR,
		fitter:      fitter,
		dec:         dec,
		conc:        concVol,
		mask:        mask,
		maps:        maps,
	}

	var stopped atomic.Bool
	var slicesDone atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	limit := p.NumWorkers
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for z := 0; z < vol.NZ; z++ {
		z := z
		g.Go(func() error {
			for y := 0; y < vol.NY; y++ {
				for x := 0; x < vol.NX; x++ {
					if stopped.Load() {
						return nil
					}
					if gctx.Err() != nil || o.progress.Stopped() {
						stopped.Store(true)
						return nil
					}
					idx := vol.SpatialIndex(x, y, z)
					if !mask.Data[idx] {
						continue
					}
					worker.process(idx)
				}
			}
			o.progress.SetCurrentProgressValue(int(slicesDone.Add(1)))
			return nil
		})
	}
	_ = g.Wait()

	o.diag.Cancelled = stopped.Load()
	return nil
}

// voxelWorker carries the read-only inputs of the voxel loop. Every field is
// shared between workers; process writes only to the voxel's own map slots.
type voxelWorker struct {
	params      *Params
	aifRaw      models.TimeSeries
	aifIntegral float64
	duration    float64
	fitter      *gammafit.Fitter
	dec         *deconvolution.Deconvolver
	conc        *models.Volume4D
	mask        *models.Mask3D
	maps        models.PerfusionMapSet
}

// process runs the per-voxel stages (smooth, fit, deconvolve, direct ratio)
// for the voxel with flat spatial index idx and stores its map values.
// Numerical failures leave the voxel at zero.
func (w *voxelWorker) process(idx int) {
	flags := w.params.Flags
	curve := w.conc.SeriesAt(idx)
	if flags.Smooth {
		curve = smooth3(curve)
	}

	var (
		cbv, cbf, mtt, ttp, lkv float64
		cbvKnown, mttKnown      bool
	)

	if flags.Fit {
		if fit := w.fitter.Fit(curve, flags.Leakage); fit != nil {
			if w.aifIntegral > 0 {
				cbv = clampPercent(fit.Integral / w.aifIntegral * 100)
				cbvKnown = true
			}
			mtt = fit.MeanTransitTime * w.params.TR
			mttKnown = true
			ttp = fit.TimeToPeak * w.params.TR
			lkv = fit.ResidueIntegral
			// Subsequent stages see the modeled curve.
			curve = fit.Fitted
		}
	}

	if flags.Deconvolve {
		if r, err := w.dec.Deconvolve(w.aifRaw, curve); err == nil {
			if peak := floats.Max(r); peak > 0 {
				cbf = peak * 100 * 60 / w.params.TR
			}
			if !cbvKnown {
				cbv = trapezoid(r) * 100
				if cbv < 0 {
					cbv = 0
				}
				cbvKnown = true
			}
			if !mttKnown && cbf > 0 {
				// Central volume theorem, minutes to seconds.
				mtt = cbv / cbf * 60
				mttKnown = true
			}
		}
	}

	if !flags.Fit && !flags.Deconvolve && w.aifIntegral > 0 {
		cbv = clampPercent(trapezoid(curve) / w.aifIntegral * 100)
	}

	// Transit and peak times beyond the acquisition window are not physical.
	if mtt > w.duration {
		mtt = 0
	}
	if ttp > w.duration {
		ttp = 0
	}

	if m := w.maps[models.KeyCBV]; m != nil {
		m.Data[idx] = cbv
	}
	if m := w.maps[models.KeyCBF]; m != nil {
		m.Data[idx] = cbf
	}
	if m := w.maps[models.KeyMTT]; m != nil {
		m.Data[idx] = mtt
	}
	if m := w.maps[models.KeyTTP]; m != nil {
		m.Data[idx] = ttp
	}
	if m := w.maps[models.KeyLKV]; m != nil {
		m.Data[idx] = lkv
	}
}

// validate checks the preconditions that must fail before any work starts.
func (o *Orchestrator) validate(vol *models.Volume4D) error {
	p := &o.params
	if vol == nil {
		return fmt.Errorf("perfusion: nil volume")
	}
	if !p.Flags.DSC && !p.Flags.Recovery {
		return fmt.Errorf("perfusion: no maps requested (enable dsc or recovery)")
	}
	if (p.Flags.Fit || p.Flags.Deconvolve || p.Flags.Smooth || p.Flags.Leakage) && !p.Flags.DSC {
		return fmt.Errorf("perfusion: fit/deconvolve/smooth/leakage require the dsc stage")
	}
	if p.Flags.Leakage && !p.Flags.Fit {
		return fmt.Errorf("perfusion: leakage requires the gamma-variate fit")
	}
	if p.TR <= 0 {
		return fmt.Errorf("perfusion: repetition time must be positive, got %g", p.TR)
	}
	if p.Flags.DSC {
		if vol.NT < 2 {
			return fmt.Errorf("perfusion: volume has %d temporal samples, need at least 2", vol.NT)
		}
		if p.TE <= 0 {
			return fmt.Errorf("perfusion: echo time must be positive, got %g", p.TE)
		}
	}
	if p.BaselineStart < 0 || p.BaselineEnd <= p.BaselineStart || p.BaselineEnd > vol.NT {
		return fmt.Errorf("perfusion: invalid baseline range [%d,%d) for %d samples",
			p.BaselineStart, p.BaselineEnd, vol.NT)
	}
	return nil
}

// stopRequested reports cancellation from either source.
func (o *Orchestrator) stopRequested(ctx context.Context) bool {
	return ctx.Err() != nil || o.progress.Stopped()
}

// bolusArrival returns the configured arrival index, defaulting to the end
// of the baseline.
func (o *Orchestrator) bolusArrival() int {
	if o.params.BolusArrival > 0 {
		return o.params.BolusArrival
	}
	return o.params.BaselineEnd
}

// smoothKernel is the fixed temporal kernel of the smooth stage.
var smoothKernel = [3]float64{0.25, 0.5, 0.25}

// smooth3 convolves the series with the 3-tap kernel, replicating the edge
// samples.
func smooth3(s models.TimeSeries) models.TimeSeries {
	n := len(s)
	out := make(models.TimeSeries, n)
	for i := 0; i < n; i++ {
		prev, next := i-1, i+1
		if prev < 0 {
			prev = 0
		}
		if next >= n {
			next = n - 1
		}
		out[i] = smoothKernel[0]*s[prev] + smoothKernel[1]*s[i] + smoothKernel[2]*s[next]
	}
	return out
}

// trapezoid integrates a series over the unit sample axis.
func trapezoid(s models.TimeSeries) float64 {
	sum := 0.0
	for i := 1; i < len(s); i++ {
		sum += (s[i] + s[i-1]) / 2
	}
	return sum
}

// clampPercent limits a ratio map value to [0, 100].
func clampPercent(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
