// Package grid defines regular k-dimensional node grids: the mapping between
// continuous coordinates, per-dimension subscripts and a single global index
// that numbers the degrees of freedom of a fit.
//
// Several grids can share one parameter-index space: a grid's global indices
// start at Col0, and ColN may be widened beyond Col0+NNodes to reserve room for
// grids that follow it.
package grid

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrShape is returned when bounds and spacings do not describe a grid
	ErrShape = errors.New("grid: invalid shape")

	// ErrOutOfRange is returned for subscripts or indices outside the grid
	ErrOutOfRange = errors.New("grid: index out of range")

	// ErrSRSMismatch is returned when a mask raster is in a different
	// spatial reference than the grid
	ErrSRSMismatch = errors.New("grid: raster spatial reference does not match grid")
)

// Grid is a regular, axis-aligned lattice of nodes
type Grid struct {
	// Name identifies the degree-of-freedom group the grid carries
	Name string

	// Shape is the number of nodes in each dimension
	Shape []int

	// Delta is the node spacing in each dimension
	Delta []float64

	// Ctrs holds the node centre coordinates for each dimension
	Ctrs [][]float64

	// Bds holds the first and last node centre in each dimension
	Bds [][2]float64

	// NNodes is the total number of nodes
	NNodes int

	// Stride is the difference in global index between adjacent nodes in
	// each dimension (row-major)
	Stride []int

	// Col0 is the first global index of the grid, ColN the end of the
	// column range reserved for it
	Col0 int
	ColN int

	// SRS is the well-known text of the grid's spatial reference
	SRS string

	// MaskFile is the raster the mask was read from, if any
	MaskFile string

	// Mask holds one integer category per node of the first two
	// dimensions, NaN where the raster had no data. Nil without a mask.
	Mask []float64

	maskNoData *float64
	colNSet    bool
}

// Option configures a Grid at construction
type Option func(*Grid)

// WithCol0 shifts the first global index of the grid
func WithCol0(col0 int) Option { return func(g *Grid) { g.Col0 = col0 } }

// WithColN sets an explicit end of the grid's column range
func WithColN(colN int) Option {
	return func(g *Grid) {
		g.ColN = colN
		g.colNSet = true
	}
}

// WithSRS records the spatial reference of the grid
func WithSRS(wkt string) Option { return func(g *Grid) { g.SRS = wkt } }

// WithMaskFile loads a per-node mask from a georeferenced raster
func WithMaskFile(path string) Option { return func(g *Grid) { g.MaskFile = path } }

// WithMaskNoData declares the raster value treated as missing
func WithMaskNoData(v float64) Option { return func(g *Grid) { g.maskNoData = &v } }

// WithName names the grid
func WithName(name string) Option { return func(g *Grid) { g.Name = name } }

// New builds a grid from one [min, max] bound pair and one spacing per
// dimension. The node count per dimension is round((max-min)/delta)+1.
func New(bounds [][2]float64, deltas []float64, opts ...Option) (*Grid, error) {
	if len(bounds) == 0 || len(bounds) != len(deltas) {
		return nil, fmt.Errorf("%w: %d bounds for %d spacings", ErrShape, len(bounds), len(deltas))
	}

	g := &Grid{}
	for _, opt := range opts {
		opt(g)
	}

	nd := len(bounds)
	g.Shape = make([]int, nd)
	g.Delta = append([]float64(nil), deltas...)
	g.Ctrs = make([][]float64, nd)
	g.Bds = make([][2]float64, nd)
	g.NNodes = 1
	for d, b := range bounds {
		if !(deltas[d] > 0) || math.IsNaN(b[0]) || math.IsNaN(b[1]) || b[1] < b[0] {
			return nil, fmt.Errorf("%w: dimension %d bounds %v spacing %g", ErrShape, d, b, deltas[d])
		}
		n := int(math.Round((b[1]-b[0])/deltas[d])) + 1
		g.Shape[d] = n
		g.Ctrs[d] = make([]float64, n)
		for i := range g.Ctrs[d] {
			g.Ctrs[d][i] = b[0] + deltas[d]*float64(i)
		}
		g.Bds[d] = [2]float64{g.Ctrs[d][0], g.Ctrs[d][n-1]}
		g.NNodes *= n
	}

	g.Stride = make([]int, nd)
	s := 1
	for d := nd - 1; d >= 0; d-- {
		g.Stride[d] = s
		s *= g.Shape[d]
	}

	if !g.colNSet {
		g.ColN = g.Col0 + g.NNodes
	}

	if g.MaskFile != "" {
		if nd < 2 {
			return nil, fmt.Errorf("%w: a mask needs at least two dimensions", ErrShape)
		}
		r, err := ReadRaster(g.MaskFile, g.maskNoData)
		if err != nil {
			return nil, fmt.Errorf("reading mask %s: %w", g.MaskFile, err)
		}
		if err := r.CheckSRS(g.SRS); err != nil {
			return nil, err
		}
		g.Mask = r.ResampleAverage(g)
		for i, v := range g.Mask {
			g.Mask[i] = math.RoundToEven(v)
		}
	}

	return g, nil
}

// NDims returns the dimensionality of the grid
func (g *Grid) NDims() int { return len(g.Shape) }

// SetColN widens the column range reserved for the grid
func (g *Grid) SetColN(colN int) {
	g.ColN = colN
	g.colNSet = true
}

// CellArea returns the product of the node spacings (area or volume of a cell)
func (g *Grid) CellArea() float64 {
	a := 1.0
	for _, d := range g.Delta {
		a *= d
	}
	return a
}

// Validate reports, per point, whether every coordinate is finite and inside
// [min, max] of its dimension. pts holds one coordinate slice per dimension.
func (g *Grid) Validate(pts [][]float64) []bool {
	n := len(pts[0])
	good := make([]bool, n)
	for i := 0; i < n; i++ {
		good[i] = true
		for d := range g.Shape {
			v := pts[d][i]
			if math.IsNaN(v) || math.IsInf(v, 0) || v < g.Bds[d][0] || v > g.Bds[d][1] {
				good[i] = false
				break
			}
		}
	}
	return good
}

// PositionForNodes returns the coordinates of the given global indices,
// one slice per dimension
func (g *Grid) PositionForNodes(nodes []int) [][]float64 {
	pos := make([][]float64, g.NDims())
	for d := range pos {
		pos[d] = make([]float64, len(nodes))
	}
	for i, node := range nodes {
		sub := g.Unravel(node - g.Col0)
		for d, s := range sub {
			pos[d][i] = g.Bds[d][0] + float64(s)*g.Delta[d]
		}
	}
	return pos
}

// FractionalSubscript returns (coord-min)/delta per dimension, NaN where the
// point is invalid. valid may be nil, in which case it is computed.
func (g *Grid) FractionalSubscript(pts [][]float64, valid []bool) [][]float64 {
	return g.subscripts(pts, valid, false)
}

// CellSubscript returns the lower-corner cell subscript of each point per
// dimension as float values, NaN where the point is invalid
func (g *Grid) CellSubscript(pts [][]float64, valid []bool) [][]float64 {
	return g.subscripts(pts, valid, true)
}

func (g *Grid) subscripts(pts [][]float64, valid []bool, floor bool) [][]float64 {
	if valid == nil {
		valid = g.Validate(pts)
	}
	n := len(valid)
	out := make([][]float64, g.NDims())
	for d := range out {
		out[d] = make([]float64, n)
		for i := 0; i < n; i++ {
			if !valid[i] {
				out[d][i] = math.NaN()
				continue
			}
			f := (pts[d][i] - g.Bds[d][0]) / g.Delta[d]
			if floor {
				f = math.Floor(f)
			}
			out[d][i] = f
		}
	}
	return out
}

// GlobalIndex converts per-dimension subscripts (coerced to integers) into
// global indices: Col0 + ravel(subs, shape)
func (g *Grid) GlobalIndex(subs [][]float64) ([]int, error) {
	if len(subs) != g.NDims() {
		return nil, fmt.Errorf("%w: %d subscript arrays for %d dimensions", ErrShape, len(subs), g.NDims())
	}
	n := len(subs[0])
	out := make([]int, n)
	sub := make([]int, g.NDims())
	for i := 0; i < n; i++ {
		for d := range sub {
			v := subs[d][i]
			if math.IsNaN(v) {
				return nil, fmt.Errorf("%w: NaN subscript for point %d", ErrOutOfRange, i)
			}
			sub[d] = int(v)
		}
		idx, err := g.GlobalIndexInt(sub)
		if err != nil {
			return nil, err
		}
		out[i] = idx
	}
	return out, nil
}

// GlobalIndexInt returns the global index of one integer subscript tuple
func (g *Grid) GlobalIndexInt(sub []int) (int, error) {
	for d, s := range sub {
		if s < 0 || s >= g.Shape[d] {
			return 0, fmt.Errorf("%w: subscript %d in dimension %d (size %d)", ErrOutOfRange, s, d, g.Shape[d])
		}
	}
	return g.Col0 + g.Ravel(sub), nil
}

// Ravel returns the local (Col0-free) index of an in-range subscript tuple
func (g *Grid) Ravel(sub []int) int {
	idx := 0
	for d, s := range sub {
		idx += s * g.Stride[d]
	}
	return idx
}

// Unravel converts a local index back into subscripts
func (g *Grid) Unravel(local int) []int {
	sub := make([]int, g.NDims())
	for d := range sub {
		sub[d] = local / g.Stride[d]
		local -= sub[d] * g.Stride[d]
	}
	return sub
}

// MaskAt returns the mask category of the node at (row, col) of the first
// two dimensions. Grids without a mask report 1 everywhere.
func (g *Grid) MaskAt(row, col int) float64 {
	if g.Mask == nil {
		return 1
	}
	return g.Mask[row*g.Shape[1]+col]
}

// MaskForNode returns the mask category under a global index
func (g *Grid) MaskForNode(node int) float64 {
	sub := g.Unravel(node - g.Col0)
	return g.MaskAt(sub[0], sub[1])
}
