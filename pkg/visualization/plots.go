package visualization

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/ctessum/sparse"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"smoothxyt/pkg/fit"
	"smoothxyt/pkg/linop"
)

// Series is one named line of a time-series plot. Errors, when present,
// are drawn as a dashed envelope around the values.
type Series struct {
	Name   string
	T      []float64
	Values []float64
	Errors []float64
}

func (s Series) points(sign float64) plotter.XYs {
	pts := make(plotter.XYs, 0, len(s.T))
	for i, t := range s.T {
		y := s.Values[i]
		if sign != 0 {
			y += sign * s.Errors[i]
		}
		if math.IsNaN(y) || math.IsInf(y, 0) {
			continue
		}
		pts = append(pts, plotter.XY{X: t, Y: y})
	}
	return pts
}

// PlotSeries draws the series against time and saves the plot. The image
// format follows the file extension.
func PlotSeries(filename, title, yLabel string, series ...Series) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time"
	p.Y.Label.Text = yLabel
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	for i, s := range series {
		if len(s.Values) != len(s.T) {
			return fmt.Errorf("series %s has %d values for %d epochs", s.Name, len(s.Values), len(s.T))
		}
		pts := s.points(0)
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("failed to create line for %s: %w", s.Name, err)
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(s.Name, line)

		if len(s.Errors) != len(s.Values) {
			continue
		}
		for _, sign := range []float64{-1, 1} {
			bpts := s.points(sign)
			if len(bpts) == 0 {
				continue
			}
			band, err := plotter.NewLine(bpts)
			if err != nil {
				return fmt.Errorf("failed to create error band for %s: %w", s.Name, err)
			}
			band.Color = plotutil.Color(i)
			band.Width = vg.Points(0.5)
			band.Dashes = []vg.Length{vg.Points(3), vg.Points(2)}
			p.Add(band)
		}

		marks, err := plotter.NewScatter(pts)
		if err != nil {
			return fmt.Errorf("failed to create markers for %s: %w", s.Name, err)
		}
		marks.GlyphStyle.Color = plotutil.Color(i)
		marks.GlyphStyle.Shape = draw.CircleGlyph{}
		marks.GlyphStyle.Radius = vg.Points(2)
		p.Add(marks)
	}

	return p.Save(8*vg.Inch, 4*vg.Inch, filename)
}

// lagEpochs returns the midpoints between epochs lag apart
func lagEpochs(t []float64, lag int) []float64 {
	if lag <= 0 || lag >= len(t) {
		return nil
	}
	out := make([]float64, len(t)-lag)
	for i := range out {
		out[i] = (t[i] + t[i+lag]) / 2
	}
	return out
}

func sortedLags(m map[int][]float64) []int {
	lags := make([]int, 0, len(m))
	for lag := range m {
		lags = append(lags, lag)
	}
	sort.Ints(lags)
	return lags
}

// RenderResult writes images of a fit into dir: the z0 map, one dz map
// per epoch, one map per dz/dt lag and epoch, the mask categories and plots
// of the central window time series. Error maps are written when the result
// carries errors.
func RenderResult(res *fit.Result, dir string) error {
	if res == nil || res.EditOnly {
		return fmt.Errorf("nothing to render for an edit-only result")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	if err := renderFields(res.M, dir, ""); err != nil {
		return err
	}
	if res.E != nil {
		if err := renderFields(*res.E, dir, "sigma_"); err != nil {
			return err
		}
	}

	if g := res.Grids.Z0; g.Mask != nil {
		mask, err := linop.Reshape(g.Mask, g.Shape[0], g.Shape[1])
		if err != nil {
			return err
		}
		if err := saveMap(mask, filepath.Join(dir, "mask.jpg")); err != nil {
			return err
		}
	}

	t := res.Grids.T.Ctrs[0]
	dzBar := Series{Name: "dz_bar", T: t, Values: res.M.DzBar}
	if res.E != nil {
		dzBar.Errors = res.E.DzBar
	}
	if err := PlotSeries(filepath.Join(dir, "dz_bar.png"), "Mean height change", "dz", dzBar); err != nil {
		return err
	}

	var rates []Series
	for _, lag := range sortedLags(res.M.DzDtBar) {
		s := Series{
			Name:   fmt.Sprintf("lag %d", lag),
			T:      lagEpochs(t, lag),
			Values: res.M.DzDtBar[lag],
		}
		if len(s.Values) == 0 {
			continue
		}
		if res.E != nil {
			s.Errors = res.E.DzDtBar[lag]
		}
		rates = append(rates, s)
	}
	if len(rates) == 0 {
		return nil
	}
	return PlotSeries(filepath.Join(dir, "dzdt_bar.png"), "Mean rate of height change", "dz/dt", rates...)
}

// saveMap writes a 2-D field as a single image
func saveMap(field *sparse.DenseArray, filename string) error {
	v, err := NewViewer(field)
	if err != nil {
		return err
	}
	img, err := v.ExtractSlice("t", 0)
	if err != nil {
		return err
	}
	return v.SaveSlice(img, filename)
}

func renderFields(f fit.Fields, dir, prefix string) error {
	if err := saveMap(f.Z0, filepath.Join(dir, prefix+"z0.jpg")); err != nil {
		return err
	}

	dz, err := NewViewer(f.Dz)
	if err != nil {
		return err
	}
	if err := dz.SaveSliceSequence("t", filepath.Join(dir, prefix+"dz")); err != nil {
		return err
	}

	for lag, field := range f.DzDt {
		if len(field.Elements) == 0 {
			continue
		}
		v, err := NewViewer(field)
		if err != nil {
			return err
		}
		if err := v.SaveSliceSequence("t", filepath.Join(dir, fmt.Sprintf("%sdzdt_lag%d", prefix, lag))); err != nil {
			return err
		}
	}
	return nil
}
