// Package visualization exports perfusion maps and diagnostic curves for
// offline QA: map slices as grayscale JPEG sequences and time curves as
// plot images. It renders to files only; interactive display belongs to the
// surrounding application.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"

	"dscquant/internal/models"
)

// Viewer extracts and saves 2-D slices of a perfusion map. Intensities are
// windowed to the map's own value range so every map fills the full
// grayscale regardless of its unit.
type Viewer struct {
	m *models.PerfusionMap

	// min and max bound the intensity window.
	min, max float64
}

// NewViewer creates a viewer for the given map.
func NewViewer(m *models.PerfusionMap) *Viewer {
	v := &Viewer{m: m}
	if len(m.Data) > 0 {
		v.min, v.max = m.Data[0], m.Data[0]
		for _, val := range m.Data {
			if val < v.min {
				v.min = val
			}
			if val > v.max {
				v.max = val
			}
		}
	}
	return v
}

// ExtractSlice extracts a 2-D slice of the map along the specified axis.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	m := v.m
	var img *image.Gray16

	switch axis {
	case "x", "X":
		// Slice along the YZ plane
		if position >= m.NX {
			return nil, fmt.Errorf("position %d exceeds width %d", position, m.NX)
		}
		img = image.NewGray16(image.Rect(0, 0, m.NZ, m.NY))
		for y := 0; y < m.NY; y++ {
			for z := 0; z < m.NZ; z++ {
				img.SetGray16(z, y, v.gray(m.At(position, y, z)))
			}
		}

	case "y", "Y":
		// Slice along the XZ plane
		if position >= m.NY {
			return nil, fmt.Errorf("position %d exceeds height %d", position, m.NY)
		}
		img = image.NewGray16(image.Rect(0, 0, m.NX, m.NZ))
		for z := 0; z < m.NZ; z++ {
			for x := 0; x < m.NX; x++ {
				img.SetGray16(x, z, v.gray(m.At(x, position, z)))
			}
		}

	case "z", "Z":
		// Slice along the XY plane
		if position >= m.NZ {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, m.NZ)
		}
		img = image.NewGray16(image.Rect(0, 0, m.NX, m.NY))
		for y := 0; y < m.NY; y++ {
			for x := 0; x < m.NX; x++ {
				img.SetGray16(x, y, v.gray(m.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// gray windows a map value into the 16-bit grayscale range.
func (v *Viewer) gray(value float64) color.Gray16 {
	if v.max <= v.min {
		return color.Gray16{}
	}
	norm := (value - v.min) / (v.max - v.min)
	if norm < 0 {
		norm = 0
	} else if norm > 1 {
		norm = 1
	}
	return color.Gray16{Y: uint16(norm * 65535)}
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves a sequence of slices along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.m.NX
	case "y", "Y":
		maxPos = v.m.NY
	case "z", "Z":
		maxPos = v.m.NZ
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%03d.jpg", v.m.Name, axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
