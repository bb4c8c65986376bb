// Package linop assembles sparse linear operators over regular grids:
// point interpolation, finite-difference smoothness constraints, temporal
// rates and window means, and per-category bias indicators. Operators carry
// a table of contents so that stacked systems can still be queried by
// equation group and degree-of-freedom group.
package linop

import (
	"fmt"
	"math"

	"github.com/ctessum/sparse"

	"smoothxyt/pkg/grid"
)

// Operator is a sparse matrix in coordinate form whose columns live in the
// shared parameter space [Col0, ColN) of one or more grids
type Operator struct {
	// ID names the equation group the rows belong to
	ID EqID

	// NRows is the number of equations
	NRows int

	// Col0 and ColN bound the columns the operator touches
	Col0, ColN int

	// Ind0 is the anchor node (global index) of each row, -1 for rows
	// without one. Masks are evaluated at the anchor.
	Ind0 []int

	// DstShape is the shape the operator's output takes when reshaped
	DstShape []int

	// TOC maps equation groups to rows and DOF groups to columns
	TOC *TOC

	rows []int
	cols []int
	vals []float64
	grid *grid.Grid
}

// NNZ returns the number of stored triplets
func (op *Operator) NNZ() int { return len(op.vals) }

// addRow appends one equation
func (op *Operator) addRow(ind0 int, cols []int, vals []float64) {
	r := op.NRows
	for k := range cols {
		op.rows = append(op.rows, r)
		op.cols = append(op.cols, cols[k])
		op.vals = append(op.vals, vals[k])
	}
	op.Ind0 = append(op.Ind0, ind0)
	op.NRows++
}

// seal registers the operator's own rows in its TOC
func (op *Operator) seal() *Operator {
	op.TOC.SetRows(op.ID, Range{0, op.NRows})
	if op.DstShape == nil {
		op.DstShape = []int{op.NRows}
	}
	return op
}

// Builder creates operators on one grid
type Builder struct {
	g    *grid.Grid
	dof  DOF
	colN int
}

// On returns a builder for operators over g, whose columns form the DOF group dof
func On(g *grid.Grid, dof DOF) *Builder {
	return &Builder{g: g, dof: dof, colN: g.ColN}
}

// WithColN widens the column space of the operators the builder produces
func (b *Builder) WithColN(colN int) *Builder {
	c := *b
	if colN > c.colN {
		c.colN = colN
	}
	return &c
}

func (b *Builder) newOp(id EqID) *Operator {
	op := &Operator{ID: id, Col0: b.g.Col0, ColN: b.colN, TOC: NewTOC(), grid: b.g}
	op.TOC.SetCols(b.dof, Range{b.g.Col0, b.g.Col0 + b.g.NNodes})
	return op
}

// Interp builds the multilinear interpolation matrix from the grid nodes to
// the points pts (one coordinate slice per grid dimension). Points on the
// upper bound of a dimension use the last cell; dimensions with one node
// contribute weight 1. Points outside the grid get empty rows.
func (b *Builder) Interp(pts [][]float64, id EqID) *Operator {
	g := b.g
	nd := g.NDims()
	valid := g.Validate(pts)
	frac := g.FractionalSubscript(pts, valid)

	op := b.newOp(id)
	op.DstShape = []int{len(valid)}

	base := make([]int, nd)
	w := make([]float64, nd)
	for i := range valid {
		if !valid[i] {
			op.addRow(-1, nil, nil)
			continue
		}
		for d := 0; d < nd; d++ {
			if g.Shape[d] == 1 {
				base[d], w[d] = 0, 0
				continue
			}
			c := int(math.Floor(frac[d][i]))
			if c >= g.Shape[d]-1 {
				c = g.Shape[d] - 2
			}
			base[d] = c
			w[d] = frac[d][i] - float64(c)
		}

		var cols []int
		var vals []float64
	corners:
		for corner := 0; corner < 1<<nd; corner++ {
			wt := 1.0
			idx := g.Col0
			for d := 0; d < nd; d++ {
				s := base[d]
				if corner>>d&1 == 1 {
					if g.Shape[d] == 1 {
						continue corners
					}
					s++
					wt *= w[d]
				} else {
					wt *= 1 - w[d]
				}
				idx += s * g.Stride[d]
			}
			if wt == 0 {
				continue
			}
			cols = append(cols, idx)
			vals = append(vals, wt)
		}
		op.addRow(g.Col0+g.Ravel(base), cols, vals)
	}
	return op.seal()
}

// stencil is a set of node offsets and their coefficients, applied at every
// anchor node for which all offsets fall inside the grid
type stencil struct {
	offsets [][]int
	coeffs  []float64
}

// apply appends one row per admissible anchor, in ravel order
func (b *Builder) apply(op *Operator, st stencil) {
	g := b.g
	cols := make([]int, len(st.offsets))
	for local := 0; local < g.NNodes; local++ {
		anchor := g.Unravel(local)
		ok := true
		for k, off := range st.offsets {
			idx := 0
			for d, s := range anchor {
				o := 0
				if d < len(off) {
					o = off[d]
				}
				if s+o < 0 || s+o >= g.Shape[d] {
					ok = false
					break
				}
				idx += (s + o) * g.Stride[d]
			}
			if !ok {
				break
			}
			cols[k] = g.Col0 + idx
		}
		if ok {
			op.addRow(g.Col0+local, cols, st.coeffs)
		}
	}
}

// spatialCurvature returns the d2/dx2, d2/dy2 and d2/dxdy stencils over the
// first two dimensions (y, x)
func (b *Builder) spatialCurvature() []stencil {
	dy, dx := b.g.Delta[0], b.g.Delta[1]
	return []stencil{
		{offsets: [][]int{{0, -1}, {0, 0}, {0, 1}}, coeffs: []float64{1 / (dx * dx), -2 / (dx * dx), 1 / (dx * dx)}},
		{offsets: [][]int{{-1, 0}, {0, 0}, {1, 0}}, coeffs: []float64{1 / (dy * dy), -2 / (dy * dy), 1 / (dy * dy)}},
		{offsets: [][]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}}, coeffs: []float64{1 / (dx * dy), -1 / (dx * dy), -1 / (dx * dy), 1 / (dx * dy)}},
	}
}

// spatialSlope returns the d/dx and d/dy stencils over (y, x)
func (b *Builder) spatialSlope() []stencil {
	dy, dx := b.g.Delta[0], b.g.Delta[1]
	return []stencil{
		{offsets: [][]int{{0, 0}, {0, 1}}, coeffs: []float64{-1 / dx, 1 / dx}},
		{offsets: [][]int{{0, 0}, {1, 0}}, coeffs: []float64{-1 / dy, 1 / dy}},
	}
}

// withTimeDifference extends spatial stencils with a lag-n difference in the
// third dimension
func (b *Builder) withTimeDifference(sts []stencil, lag int) []stencil {
	c := 1 / (float64(lag) * b.g.Delta[2])
	out := make([]stencil, 0, len(sts))
	for _, st := range sts {
		var ns stencil
		for k, off := range st.offsets {
			ns.offsets = append(ns.offsets, []int{off[0], off[1], 0})
			ns.coeffs = append(ns.coeffs, -c*st.coeffs[k])
		}
		for k, off := range st.offsets {
			ns.offsets = append(ns.offsets, []int{off[0], off[1], lag})
			ns.coeffs = append(ns.coeffs, c*st.coeffs[k])
		}
		out = append(out, ns)
	}
	return out
}

func (b *Builder) requireDims(n int) error {
	if b.g.NDims() < n {
		return fmt.Errorf("%w: operator needs %d grid dimensions, grid has %d", ErrDimensions, n, b.g.NDims())
	}
	return nil
}

func (b *Builder) requireLag(lag int) error {
	if lag < 1 {
		return fmt.Errorf("%w: lag %d", ErrDimensions, lag)
	}
	return nil
}

// Grad2 builds the spatial curvature constraint: second differences in x
// and y and the mixed xy difference, applied on every slice of the grid
func (b *Builder) Grad2(id EqID) (*Operator, error) {
	if err := b.requireDims(2); err != nil {
		return nil, err
	}
	op := b.newOp(id)
	for _, st := range b.spatialCurvature() {
		b.apply(op, st)
	}
	return op.seal(), nil
}

// Grad2DzDt builds the rate of change of spatial curvature over lag time steps
func (b *Builder) Grad2DzDt(lag int, id EqID) (*Operator, error) {
	if err := b.requireDims(3); err != nil {
		return nil, err
	}
	if err := b.requireLag(lag); err != nil {
		return nil, err
	}
	op := b.newOp(id)
	for _, st := range b.withTimeDifference(b.spatialCurvature(), lag) {
		b.apply(op, st)
	}
	return op.seal(), nil
}

// GradDzDt builds the rate of change of spatial slope over lag time steps
func (b *Builder) GradDzDt(lag int, id EqID) (*Operator, error) {
	if err := b.requireDims(3); err != nil {
		return nil, err
	}
	if err := b.requireLag(lag); err != nil {
		return nil, err
	}
	op := b.newOp(id)
	for _, st := range b.withTimeDifference(b.spatialSlope(), lag) {
		b.apply(op, st)
	}
	return op.seal(), nil
}

// D2zDt2 builds the second time derivative at every node
func (b *Builder) D2zDt2(id EqID) (*Operator, error) {
	if err := b.requireDims(3); err != nil {
		return nil, err
	}
	c := 1 / (b.g.Delta[2] * b.g.Delta[2])
	op := b.newOp(id)
	b.apply(op, stencil{
		offsets: [][]int{{0, 0, 0}, {0, 0, 1}, {0, 0, 2}},
		coeffs:  []float64{c, -2 * c, c},
	})
	return op.seal(), nil
}

// DzDt builds the lag-n time rate at every node. The output has shape
// (ny, nx, nt-lag) in ravel order.
func (b *Builder) DzDt(lag int, id EqID) (*Operator, error) {
	if err := b.requireDims(3); err != nil {
		return nil, err
	}
	if err := b.requireLag(lag); err != nil {
		return nil, err
	}
	g := b.g
	c := 1 / (float64(lag) * g.Delta[2])
	op := b.newOp(id)
	b.apply(op, stencil{
		offsets: [][]int{{0, 0, 0}, {0, 0, lag}},
		coeffs:  []float64{-c, c},
	})
	op.DstShape = []int{g.Shape[0], g.Shape[1], max(g.Shape[2]-lag, 0)}
	return op.seal(), nil
}

// MeanOfBounds builds a single row averaging every node whose coordinates
// fall inside bounds (one inclusive [min, max] pair per dimension). An empty
// window yields a row whose product is NaN.
func (b *Builder) MeanOfBounds(bounds [][2]float64, id EqID) (*Operator, error) {
	g := b.g
	if len(bounds) != g.NDims() {
		return nil, fmt.Errorf("%w: %d bounds for %d dimensions", ErrDimensions, len(bounds), g.NDims())
	}
	var cols []int
	for local := 0; local < g.NNodes; local++ {
		sub := g.Unravel(local)
		in := true
		for d, s := range sub {
			x := g.Ctrs[d][s]
			if x < bounds[d][0] || x > bounds[d][1] {
				in = false
				break
			}
		}
		if in {
			cols = append(cols, g.Col0+local)
		}
	}

	op := b.newOp(id)
	if len(cols) == 0 {
		op.addRow(-1, []int{g.Col0}, []float64{math.NaN()})
		return op.seal(), nil
	}
	vals := make([]float64, len(cols))
	for k := range vals {
		vals[k] = 1 / float64(len(cols))
	}
	op.addRow(cols[0], cols, vals)
	return op.seal(), nil
}

// Diff builds the lag-n rate along a one-dimensional grid
func (b *Builder) Diff(lag int, id EqID) (*Operator, error) {
	if b.g.NDims() != 1 {
		return nil, fmt.Errorf("%w: Diff needs a 1-D grid", ErrDimensions)
	}
	if err := b.requireLag(lag); err != nil {
		return nil, err
	}
	c := 1 / (float64(lag) * b.g.Delta[0])
	op := b.newOp(id)
	b.apply(op, stencil{offsets: [][]int{{0}, {lag}}, coeffs: []float64{-c, c}})
	op.DstShape = []int{max(b.g.Shape[0]-lag, 0)}
	return op.seal(), nil
}

// DataBias builds an indicator matrix: row i has a one in column cols[i].
// The columns form the DOF group bias over [col0, colN).
func DataBias(cols []int, col0, colN int, id EqID) *Operator {
	op := &Operator{ID: id, Col0: col0, ColN: colN, TOC: NewTOC()}
	op.TOC.SetCols(DOFBias, Range{col0, colN})
	for _, c := range cols {
		op.addRow(c, []int{c}, []float64{1})
	}
	return op.seal()
}

// Add merges operators that share rows: the result is their sum over the
// union of their column spaces. Anchors and output shape come from the
// first operator.
func Add(id EqID, ops ...*Operator) (*Operator, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: nothing to add", ErrDimensions)
	}
	out := &Operator{
		ID:       id,
		Col0:     ops[0].Col0,
		ColN:     ops[0].ColN,
		Ind0:     append([]int(nil), ops[0].Ind0...),
		DstShape: append([]int(nil), ops[0].DstShape...),
		TOC:      NewTOC(),
		grid:     ops[0].grid,
	}
	for _, op := range ops {
		out.NRows = max(out.NRows, op.NRows)
		out.Col0 = min(out.Col0, op.Col0)
		out.ColN = max(out.ColN, op.ColN)
		out.rows = append(out.rows, op.rows...)
		out.cols = append(out.cols, op.cols...)
		out.vals = append(out.vals, op.vals...)
		for d, r := range op.TOC.cols {
			out.TOC.SetCols(d, r)
		}
	}
	for len(out.Ind0) < out.NRows {
		out.Ind0 = append(out.Ind0, -1)
	}
	out.TOC.SetRows(id, Range{0, out.NRows})
	return out, nil
}

// VStack stacks operators with disjoint rows. The combined TOC keeps the
// row range of every stacked group, shifted to its place in the result.
func VStack(id EqID, ops ...*Operator) *Operator {
	out := &Operator{ID: id, TOC: NewTOC()}
	if len(ops) > 0 {
		out.Col0 = ops[0].Col0
	}
	for _, op := range ops {
		off := out.NRows
		for _, r := range op.rows {
			out.rows = append(out.rows, r+off)
		}
		out.cols = append(out.cols, op.cols...)
		out.vals = append(out.vals, op.vals...)
		out.Ind0 = append(out.Ind0, op.Ind0...)
		out.TOC.merge(op.TOC, off)
		out.NRows += op.NRows
		out.Col0 = min(out.Col0, op.Col0)
		out.ColN = max(out.ColN, op.ColN)
	}
	if len(ops) == 1 {
		out.grid = ops[0].grid
	}
	out.DstShape = []int{out.NRows}
	out.TOC.SetRows(id, Range{0, out.NRows})
	return out
}

// Mul composes two operators: the columns of a index the rows of b. The
// result maps b's columns to a's rows.
func Mul(id EqID, a, b *Operator) (*Operator, error) {
	if a.ColN > b.NRows {
		return nil, fmt.Errorf("%w: %d columns applied to %d rows", ErrDimensions, a.ColN, b.NRows)
	}
	am, err := a.CSR(b.NRows)
	if err != nil {
		return nil, err
	}
	bm, err := b.CSR(b.ColN)
	if err != nil {
		return nil, err
	}
	prod := am.Mul(bm)

	out := &Operator{
		ID:       id,
		NRows:    a.NRows,
		Col0:     b.Col0,
		ColN:     b.ColN,
		Ind0:     make([]int, a.NRows),
		DstShape: append([]int(nil), a.DstShape...),
		TOC:      NewTOC(),
	}
	for i := range out.Ind0 {
		out.Ind0[i] = -1
	}
	prod.DoNonZero(func(i, j int, v float64) {
		out.rows = append(out.rows, i)
		out.cols = append(out.cols, j)
		out.vals = append(out.vals, v)
	})
	for d, r := range b.TOC.cols {
		out.TOC.SetCols(d, r)
	}
	out.TOC.SetRows(id, Range{0, out.NRows})
	return out, nil
}

// CSR converts the operator to a compressed sparse row matrix with ncols
// columns, summing duplicate entries
func (op *Operator) CSR(ncols int) (*CSR, error) {
	if ncols < op.ColN {
		return nil, fmt.Errorf("%w: operator spans %d columns, asked for %d", ErrDimensions, op.ColN, ncols)
	}
	return NewCSR(op.NRows, ncols, op.rows, op.cols, op.vals)
}

// ToCSR converts the operator over its own column space [0, ColN)
func (op *Operator) ToCSR() *CSR {
	return mustCSR(op.NRows, op.ColN, op.rows, op.cols, op.vals)
}

// MaskForInd0 returns a weight per row from the mask category under the
// row's anchor node. Without a mask every weight is 1. Missing mask values
// count as category 0. With scale nil the category itself is the weight;
// otherwise scale maps categories to weights and unlisted categories get 1.
func (op *Operator) MaskForInd0(scale map[int]float64) []float64 {
	w := make([]float64, op.NRows)
	for i := range w {
		w[i] = 1
	}
	g := op.grid
	if g == nil || g.Mask == nil {
		return w
	}
	for i, node := range op.Ind0 {
		if node < g.Col0 || node >= g.Col0+g.NNodes {
			continue
		}
		cat := g.MaskForNode(node)
		if math.IsNaN(cat) {
			cat = 0
		}
		if scale == nil {
			w[i] = cat
			continue
		}
		if s, ok := scale[int(cat)]; ok {
			w[i] = s
		}
	}
	return w
}

// GridProd applies the operator to a model vector and reshapes the result
// to the operator's output shape
func (op *Operator) GridProd(m []float64) (*sparse.DenseArray, error) {
	a, err := op.CSR(len(m))
	if err != nil {
		return nil, err
	}
	return reshape(a.MulVec(m), op.DstShape)
}

// GridError propagates errors through the operator: given a factor whose
// rows index the full column space (so that cov = F*F'), it returns the
// row norms of op*F reshaped to the operator's output shape
func (op *Operator) GridError(f *CSR) (*sparse.DenseArray, error) {
	r, _ := f.Dims()
	a, err := op.CSR(r)
	if err != nil {
		return nil, err
	}
	return reshape(a.Mul(f).RowNorms(), op.DstShape)
}

// reshape copies vals into a dense array of the given shape
func reshape(vals []float64, shape []int) (*sparse.DenseArray, error) {
	n := 1
	for _, s := range shape {
		n *= s
	}
	if n != len(vals) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrDimensions, len(vals), shape)
	}
	out := sparse.ZerosDense(shape...)
	copy(out.Elements, vals)
	return out, nil
}

// Reshape wraps a flat vector in a dense array of the given shape
func Reshape(vals []float64, shape ...int) (*sparse.DenseArray, error) {
	return reshape(vals, shape)
}
