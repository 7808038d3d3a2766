// Package models defines the shared data types of the perfusion pipeline:
// the 4-D acquisition volume, the 3-D brain mask, single-voxel time series
// and the named output perfusion maps.
package models

import (
	"fmt"
)

// TimeSeries is a single temporal signal or concentration curve sampled at
// the repetition time TR. The sampling interval is always supplied alongside
// the series by the caller, never stored in it.
type TimeSeries []float64

// Clone returns an independent copy of the series.
func (s TimeSeries) Clone() TimeSeries {
	out := make(TimeSeries, len(s))
	copy(out, s)
	return out
}

// Volume4D is a 4-D signal-intensity volume of shape (X, Y, Z, T) acquired
// during a contrast bolus passage. Samples are stored in a flat array with
// the temporal index fastest, so a voxel's full time series is contiguous.
// The perfusion core treats a loaded volume as immutable.
type Volume4D struct {
	// Data holds the samples, indexed as ((z*NY+y)*NX+x)*NT + t.
	Data []float64

	// NX, NY, NZ are the spatial dimensions in voxels.
	NX, NY, NZ int

	// NT is the number of temporal samples per voxel.
	NT int

	// Spacing is the physical voxel size in mm along x, y, z.
	Spacing [3]float64
}

// NewVolume4D allocates a zero-filled volume with the given dimensions.
func NewVolume4D(nx, ny, nz, nt int, spacing [3]float64) (*Volume4D, error) {
	if nx <= 0 || ny <= 0 || nz <= 0 || nt <= 0 {
		return nil, fmt.Errorf("invalid volume dimensions (%d,%d,%d,%d)", nx, ny, nz, nt)
	}
	return &Volume4D{
		Data:    make([]float64, nx*ny*nz*nt),
		NX:      nx,
		NY:      ny,
		NZ:      nz,
		NT:      nt,
		Spacing: spacing,
	}, nil
}

// VoxelCount returns the number of spatial voxels.
func (v *Volume4D) VoxelCount() int {
	return v.NX * v.NY * v.NZ
}

// SpatialIndex returns the flat 3-D index of voxel (x, y, z).
func (v *Volume4D) SpatialIndex(x, y, z int) int {
	return (z*v.NY+y)*v.NX + x
}

// At returns the sample at voxel (x, y, z) and time t.
func (v *Volume4D) At(x, y, z, t int) float64 {
	return v.Data[v.SpatialIndex(x, y, z)*v.NT+t]
}

// Set stores a sample at voxel (x, y, z) and time t.
func (v *Volume4D) Set(x, y, z, t int, value float64) {
	v.Data[v.SpatialIndex(x, y, z)*v.NT+t] = value
}

// Series returns the time series of voxel (x, y, z) as a view into the
// underlying array. Callers that modify the result must clone it first.
func (v *Volume4D) Series(x, y, z int) TimeSeries {
	off := v.SpatialIndex(x, y, z) * v.NT
	return TimeSeries(v.Data[off : off+v.NT])
}

// SeriesAt returns the time series of the voxel with flat spatial index idx.
func (v *Volume4D) SeriesAt(idx int) TimeSeries {
	off := idx * v.NT
	return TimeSeries(v.Data[off : off+v.NT])
}

// Mask3D is a binary brain mask with the same spatial extent as the volume
// it accompanies.
type Mask3D struct {
	// Data holds one flag per voxel, indexed as (z*NY+y)*NX + x.
	Data []bool

	// NX, NY, NZ are the spatial dimensions in voxels.
	NX, NY, NZ int
}

// NewMask3D allocates an all-false mask with the given dimensions.
func NewMask3D(nx, ny, nz int) (*Mask3D, error) {
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("invalid mask dimensions (%d,%d,%d)", nx, ny, nz)
	}
	return &Mask3D{
		Data: make([]bool, nx*ny*nz),
		NX:   nx,
		NY:   ny,
		NZ:   nz,
	}, nil
}

// NewFullMask allocates a mask covering every voxel.
func NewFullMask(nx, ny, nz int) (*Mask3D, error) {
	m, err := NewMask3D(nx, ny, nz)
	if err != nil {
		return nil, err
	}
	for i := range m.Data {
		m.Data[i] = true
	}
	return m, nil
}

// At reports whether voxel (x, y, z) is inside the mask.
func (m *Mask3D) At(x, y, z int) bool {
	return m.Data[(z*m.NY+y)*m.NX+x]
}

// Set updates the mask flag of voxel (x, y, z).
func (m *Mask3D) Set(x, y, z int, inside bool) {
	m.Data[(z*m.NY+y)*m.NX+x] = inside
}

// CheckShape verifies that the mask matches the spatial extent of vol.
func (m *Mask3D) CheckShape(vol *Volume4D) error {
	if m.NX != vol.NX || m.NY != vol.NY || m.NZ != vol.NZ {
		return fmt.Errorf("mask shape (%d,%d,%d) does not match volume shape (%d,%d,%d)",
			m.NX, m.NY, m.NZ, vol.NX, vol.NY, vol.NZ)
	}
	return nil
}

// Map keys of the perfusion output set. Which keys are present in a result
// depends on the pipeline flags that produced it.
const (
	KeyCBV = "cbv" // cerebral blood volume
	KeyCBF = "cbf" // cerebral blood flow
	KeyMTT = "mtt" // mean transit time
	KeyTTP = "ttp" // time to peak
	KeyLKV = "lkv" // capillary leakage volume
	KeySR  = "sr"  // signal recovery
	KeyPSR = "psr" // percentage signal recovery
)

// PerfusionMap is a single named 3-D scalar output map. Data layout matches
/// Mask3D: flat array indexed as (z*NY+y)*NX + x.
type PerfusionMap struct {
	// Name is one of the Key* map keys.
	Name string

	// Unit is the physical unit of the stored values, empty for relative maps.
	Unit string

	// Sequence is the semantic label used by downstream display and storage.
	Sequence string

	// Data holds one value per voxel.
	Data []float64

	// NX, NY, NZ are the spatial dimensions in voxels.
	NX, NY, NZ int

	// Spacing is inherited from the input volume.
	Spacing [3]float64
}

// NewPerfusionMap allocates a zero-filled map inheriting the spatial extent
// and spacing of vol.
func NewPerfusionMap(name, unit, sequence string, vol *Volume4D) *PerfusionMap {
	return &PerfusionMap{
		Name:     name,
		Unit:     unit,
		Sequence: sequence,
		Data:     make([]float64, vol.VoxelCount()),
		NX:       vol.NX,
		NY:       vol.NY,
		NZ:       vol.NZ,
		Spacing:  vol.Spacing,
	}
}

// At returns the value of voxel (x, y, z).
func (p *PerfusionMap) At(x, y, z int) float64 {
	return p.Data[(z*p.NY+y)*p.NX+x]
}

// Set stores a value at voxel (x, y, z).
func (p *PerfusionMap) Set(x, y, z int, value float64) {
	p.Data[(z*p.NY+y)*p.NX+x] = value
}

// PerfusionMapSet is the named collection of output maps of one orchestrator
// invocation. It is created fresh per run and never mutated afterwards.
type PerfusionMapSet map[string]*PerfusionMap
