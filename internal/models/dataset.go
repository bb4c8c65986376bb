package models

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Well-known ancillary field names
const (
	FieldSigmaCorr      = "sigma_corr"
	FieldThreeSigmaEdit = "three_sigma_edit"
	FieldZEst           = "z_est"
	FieldBiasID         = "bias_ID"
)

// ErrLength is returned when a field does not line up with the points
var ErrLength = errors.New("field length does not match number of points")

// Dataset is a set of point observations of the surface
type Dataset struct {
	// X and Y are the horizontal coordinates of each point
	X []float64
	Y []float64

	// Time is the observation epoch of each point
	Time []float64

	// Z is the measured surface value
	Z []float64

	// Sigma is the one-sigma uncertainty of Z
	Sigma []float64

	// fields holds ancillary per-point values aligned with the points
	fields map[string][]float64
}

// NewDataset builds a dataset from the core columns. All columns must have
// the same length.
func NewDataset(x, y, t, z, sigma []float64) (*Dataset, error) {
	n := len(x)
	for name, col := range map[string][]float64{"y": y, "time": t, "z": z, "sigma": sigma} {
		if len(col) != n {
			return nil, fmt.Errorf("column %s: %w (%d != %d)", name, ErrLength, len(col), n)
		}
	}
	return &Dataset{X: x, Y: y, Time: t, Z: z, Sigma: sigma, fields: make(map[string][]float64)}, nil
}

// Len returns the number of points
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.X)
}

// Coords2 returns the horizontal coordinates in grid order (y, x)
func (d *Dataset) Coords2() [][]float64 {
	return [][]float64{d.Y, d.X}
}

// Coords3 returns the space-time coordinates in grid order (y, x, t)
func (d *Dataset) Coords3() [][]float64 {
	return [][]float64{d.Y, d.X, d.Time}
}

// Assign adds or overwrites a named field
func (d *Dataset) Assign(name string, values []float64) error {
	if len(values) != d.Len() {
		return fmt.Errorf("field %s: %w (%d != %d)", name, ErrLength, len(values), d.Len())
	}
	if d.fields == nil {
		d.fields = make(map[string][]float64)
	}
	d.fields[name] = values
	return nil
}

// AssignBool stores a boolean field as 0/1 values
func (d *Dataset) AssignBool(name string, values []bool) error {
	f := make([]float64, len(values))
	for i, v := range values {
		if v {
			f[i] = 1
		}
	}
	return d.Assign(name, f)
}

// Field returns a named field, or nil if it is not present
func (d *Dataset) Field(name string) []float64 {
	return d.fields[name]
}

// HasField reports whether the dataset carries the named field
func (d *Dataset) HasField(name string) bool {
	_, ok := d.fields[name]
	return ok
}

// FieldNames lists ancillary fields in sorted order
func (d *Dataset) FieldNames() []string {
	names := make([]string, 0, len(d.fields))
	for k := range d.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// SigmaCorr returns the corrected uncertainty used for bias priors. Datasets
// without a sigma_corr field fall back to Sigma.
func (d *Dataset) SigmaCorr() []float64 {
	if f, ok := d.fields[FieldSigmaCorr]; ok {
		return f
	}
	return d.Sigma
}

// Subset returns an independent dataset holding the points where keep is true
func (d *Dataset) Subset(keep []bool) *Dataset {
	n := 0
	for _, k := range keep {
		if k {
			n++
		}
	}
	pick := func(src []float64) []float64 {
		out := make([]float64, 0, n)
		for i, k := range keep {
			if k {
				out = append(out, src[i])
			}
		}
		return out
	}

	out := &Dataset{
		X:      pick(d.X),
		Y:      pick(d.Y),
		Time:   pick(d.Time),
		Z:      pick(d.Z),
		Sigma:  pick(d.Sigma),
		fields: make(map[string][]float64, len(d.fields)),
	}
	for name, f := range d.fields {
		out.fields[name] = pick(f)
	}
	return out
}

// SubsetIndex returns an independent dataset holding the listed points
func (d *Dataset) SubsetIndex(idx []int) *Dataset {
	keep := make([]bool, d.Len())
	for _, i := range idx {
		keep[i] = true
	}
	return d.Subset(keep)
}

// Copy returns a deep copy of the dataset
func (d *Dataset) Copy() *Dataset {
	keep := make([]bool, d.Len())
	for i := range keep {
		keep[i] = true
	}
	return d.Subset(keep)
}

// Bounds returns the min/max of the horizontal coordinates, ignoring NaNs
func (d *Dataset) Bounds() (xmin, xmax, ymin, ymax float64) {
	xmin, ymin = math.Inf(1), math.Inf(1)
	xmax, ymax = math.Inf(-1), math.Inf(-1)
	for i := range d.X {
		if math.IsNaN(d.X[i]) || math.IsNaN(d.Y[i]) {
			continue
		}
		xmin = math.Min(xmin, d.X[i])
		xmax = math.Max(xmax, d.X[i])
		ymin = math.Min(ymin, d.Y[i])
		ymax = math.Max(ymax, d.Y[i])
	}
	return
}
