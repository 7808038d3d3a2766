package visualization

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"dscquant/internal/models"
)

// Curve is one named time series to render.
type Curve struct {
	Name   string
	Series models.TimeSeries
}

// SaveCurvePlot renders the given curves against the acquisition time axis
// and writes the plot to path. The format follows the file extension (png,
// svg, pdf). tr is the sampling interval in seconds.
func SaveCurvePlot(path, title, yLabel string, tr float64, curves ...Curve) error {
	if tr <= 0 {
		return fmt.Errorf("visualization: sampling interval must be positive, got %g", tr)
	}
	if len(curves) == 0 {
		return fmt.Errorf("visualization: no curves to plot")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "time [s]"
	p.Y.Label.Text = yLabel

	args := make([]interface{}, 0, 2*len(curves))
	for _, c := range curves {
		pts := make(plotter.XYs, len(c.Series))
		for t, v := range c.Series {
			pts[t].X = float64(t) * tr
			pts[t].Y = v
		}
		args = append(args, c.Name, pts)
	}
	if err := plotutil.AddLines(p, args...); err != nil {
		return fmt.Errorf("visualization: %w", err)
	}

	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("visualization: %w", err)
	}
	return nil
}
